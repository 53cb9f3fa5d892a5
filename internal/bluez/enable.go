package bluez

import (
	"github.com/sirupsen/logrus"

	"blescan/internal/scan"
)

// EnableFlow powers the adapter on when a scan needs it. With AutoPowerOn
// unset every request is denied, leaving power to the user.
type EnableFlow struct {
	Adapter     *Adapter
	AutoPowerOn bool
	Logger      logrus.FieldLogger
}

// RequestEnable reports the outcome to r on a new goroutine.
func (f *EnableFlow) RequestEnable(r scan.EnableReceiver) {
	log := f.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	go func() {
		if !f.AutoPowerOn {
			log.Warn("adapter is powered off and auto power-on is disabled")
			r.OnAdapterEnableDenied()
			return
		}
		if err := f.Adapter.PowerOn(); err != nil {
			log.WithError(err).Warn("adapter power-on refused")
			r.OnAdapterEnableDenied()
			return
		}
		r.OnAdapterEnabled()
	}()
}
