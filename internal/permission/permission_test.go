package permission

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	results []bool
	got     chan struct{}
}

func newRecorder() *recorder { return &recorder{got: make(chan struct{}, 8)} }

func (r *recorder) OnPermissionResult(granted bool) {
	r.mu.Lock()
	r.results = append(r.results, granted)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.got:
	case <-time.After(time.Second):
		t.Fatal("no permission result")
	}
}

func (r *recorder) Results() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.results...)
}

func quiet() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestStateDefaults(t *testing.T) {
	s := NewState(DefaultRequired)
	assert.Equal(t, NotRequested, s.Get(Scan))
	assert.False(t, s.AllGranted())
	assert.Equal(t, DefaultRequired, s.Missing())

	s.Set(Scan, Granted)
	s.Set(Connect, Granted)
	assert.Equal(t, []Capability{FineLocation}, s.Missing())

	s.Apply(true)
	assert.True(t, s.AllGranted())
	assert.Empty(t, s.Missing())

	s.Apply(false)
	assert.Equal(t, Denied, s.Get(Connect))
	assert.Equal(t, NotRequested, s.Get(CoarseLocation))
	assert.Equal(t, "connect=denied,fine_location=denied,scan=denied", s.String())
}

func TestStateRequiredIsCopied(t *testing.T) {
	req := []Capability{Scan}
	s := NewState(req)
	req[0] = Connect
	assert.Equal(t, []Capability{Scan}, s.Required())
}

func TestParseCapability(t *testing.T) {
	c, err := ParseCapability(" Fine-Location ")
	require.NoError(t, err)
	assert.Equal(t, FineLocation, c)

	_, err = ParseCapability("camera")
	require.Error(t, err)
}

func TestStaticFlow(t *testing.T) {
	f := NewStatic([]Capability{Scan, Connect}, quiet())

	r := newRecorder()
	f.RequestPermissions([]Capability{Scan, Connect}, r)
	r.wait(t)
	f.RequestPermissions(DefaultRequired, r)
	r.wait(t)
	assert.Equal(t, []bool{true, false}, r.Results())
}

func TestInteractiveFlow(t *testing.T) {
	f := NewInteractive(quiet())
	require.ErrorIs(t, f.Answer(true), ErrNoPendingRequest)

	a, b := newRecorder(), newRecorder()
	f.RequestPermissions([]Capability{Scan}, a)
	f.RequestPermissions([]Capability{Connect}, a)
	f.RequestPermissions([]Capability{Scan}, b)

	caps, ok := f.Pending()
	require.True(t, ok)
	assert.Equal(t, []Capability{Scan, Connect}, caps)

	require.NoError(t, f.Answer(false))
	assert.Equal(t, []bool{false}, a.Results())
	assert.Equal(t, []bool{false}, b.Results())

	_, ok = f.Pending()
	assert.False(t, ok)
	require.ErrorIs(t, f.Answer(true), ErrNoPendingRequest)
}
