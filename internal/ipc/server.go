package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"blescan/internal/permission"
	"blescan/internal/scan"
)

// Controller is the part of *scan.Controller the daemon exposes.
type Controller interface {
	Session() scan.Session
	Permissions() map[permission.Capability]permission.Grant
	Subscribe() (<-chan scan.Event, func())
	RequestStart() error
	RequestStop()
	RequestPermissions()
}

// Answerer settles a parked permission request; *permission.Interactive
// implements it.
type Answerer interface {
	Pending() ([]permission.Capability, bool)
	Answer(granted bool) error
}

type handlers struct {
	ctrl   Controller
	answer Answerer
	log    logrus.FieldLogger
}

// NewRouter routes the daemon API to ctrl. answer may be nil when
// permissions are answered from configuration.
func NewRouter(ctrl Controller, answer Answerer, log logrus.FieldLogger) *mux.Router {
	h := &handlers{ctrl: ctrl, answer: answer, log: log}
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "OK")
	}).Methods("GET")
	r.HandleFunc("/session", h.session).Methods("GET")
	r.HandleFunc("/scan/start", h.start).Methods("POST")
	r.HandleFunc("/scan/stop", h.stop).Methods("POST")
	r.HandleFunc("/permissions", h.permissions).Methods("GET")
	r.HandleFunc("/permissions/request", h.requestPermissions).Methods("POST")
	r.HandleFunc("/permissions/answer", h.answerPermissions).Methods("POST")
	r.HandleFunc("/events", h.events).Methods("GET")
	r.Use(h.logRequests)
	return r
}

func (h *handlers) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.log.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path}).Debug("ipc request")
		next.ServeHTTP(w, r)
	})
}

func (h *handlers) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.WithError(err).Debug("write response")
	}
}

func (h *handlers) writeError(w http.ResponseWriter, code int, msg string) {
	h.writeJSON(w, code, ErrorResponse{Error: msg})
}

func (h *handlers) session(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.ctrl.Session())
}

func (h *handlers) start(w http.ResponseWriter, r *http.Request) {
	err := h.ctrl.RequestStart()
	resp := CommandResponse{Session: h.ctrl.Session()}
	var reason scan.Reason
	switch {
	case err == nil:
	case errors.As(err, &reason):
		resp.Error = reason
		resp.Message = reason.Message()
	case errors.Is(err, scan.ErrClosed):
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	default:
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) stop(w http.ResponseWriter, r *http.Request) {
	h.ctrl.RequestStop()
	h.writeJSON(w, http.StatusOK, CommandResponse{Session: h.ctrl.Session()})
}

func (h *handlers) permissions(w http.ResponseWriter, r *http.Request) {
	resp := PermissionsResponse{Grants: h.ctrl.Permissions()}
	if h.answer != nil {
		resp.Pending, _ = h.answer.Pending()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) requestPermissions(w http.ResponseWriter, r *http.Request) {
	h.ctrl.RequestPermissions()
	h.writeJSON(w, http.StatusAccepted, CommandResponse{Session: h.ctrl.Session()})
}

func (h *handlers) answerPermissions(w http.ResponseWriter, r *http.Request) {
	if h.answer == nil {
		h.writeError(w, http.StatusConflict, "permissions are answered from configuration")
		return
	}
	var req AnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if err := h.answer.Answer(req.Granted); err != nil {
		if errors.Is(err, permission.ErrNoPendingRequest) {
			h.writeError(w, http.StatusConflict, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, CommandResponse{Session: h.ctrl.Session()})
}

// events streams every controller event as one JSON object per line until
// the client goes away or the controller closes.
func (h *handlers) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	ch, cancel := h.ctrl.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	// The current session goes first so a client renders without waiting.
	if err := enc.Encode(scan.Event{Session: h.ctrl.Session()}); err != nil {
		return
	}
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := enc.Encode(ev); err != nil {
				h.log.WithError(err).Debug("event stream closed")
				return
			}
			flusher.Flush()
		}
	}
}

// Listen opens the daemon socket at path, replacing a stale one, readable
// only by the owner.
func Listen(path string) (net.Listener, error) {
	os.Remove(path) // remove stale socket
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o700); err != nil {
		ln.Close()
		return nil, fmt.Errorf("ipc: chmod %s: %w", path, err)
	}
	return ln, nil
}

// Serve serves handler on ln until ctx is done, then shuts down.
func Serve(ctx context.Context, ln net.Listener, handler http.Handler) error {
	srv := &http.Server{Handler: handler}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return fmt.Errorf("ipc: serve: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		// Event streams hold connections open; drop them.
		srv.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ipc: serve: %w", err)
	}
	return nil
}
