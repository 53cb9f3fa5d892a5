package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"blescan/internal/bluez"
	"blescan/internal/config"
	"blescan/internal/ipc"
	"blescan/internal/permission"
	"blescan/internal/scan"
	"blescan/internal/tinyble"
)

// denyEnable is the enable flow for backends without a power switch.
type denyEnable struct{}

func (denyEnable) RequestEnable(r scan.EnableReceiver) { go r.OnAdapterEnableDenied() }

func runDaemon(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	required, err := cfg.RequiredCapabilities()
	if err != nil {
		return err
	}
	granted, err := cfg.GrantedCapabilities()
	if err != nil {
		return err
	}
	state := permission.NewState(required)
	for _, c := range granted {
		state.Set(c, permission.Granted)
	}

	var (
		flow     scan.PermissionFlow
		answerer ipc.Answerer
	)
	switch cfg.Permissions.Mode {
	case config.PermissionsStatic:
		flow = permission.NewStatic(granted, log.WithField("component", "permission"))
	default:
		interactive := permission.NewInteractive(log.WithField("component", "permission"))
		flow, answerer = interactive, interactive
	}

	opts := scan.Options{
		PermissionFlow: flow,
		Timeout:        cfg.ScanTimeout,
		Permissions:    state,
		Logger:         log.WithField("component", "scan"),
	}
	var bz *bluez.Adapter
	switch cfg.Backend {
	case config.BackendTinyGo:
		opts.Adapter = tinyble.New(nil, log)
		opts.EnableFlow = denyEnable{}
	default:
		bz = bluez.New(bluez.Options{Name: cfg.Adapter, Transport: cfg.Transport, Logger: log})
		defer bz.Close()
		opts.Adapter = bz
		opts.EnableFlow = &bluez.EnableFlow{Adapter: bz, AutoPowerOn: cfg.AutoPowerOn, Logger: log}
	}

	ctrl, err := scan.New(opts)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	if bz != nil {
		if err := bz.WatchPower(ctx, func(powered bool) { onPowerChange(ctrl, cfg, log, powered) }); err != nil {
			log.WithError(err).Warn("adapter power changes will not be observed")
		}
	}

	ln, err := ipc.Listen(cfg.Socket)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"socket":  cfg.Socket,
		"backend": cfg.Backend,
		"timeout": cfg.ScanTimeout,
	}).Info("scan daemon listening")
	if err := ipc.Serve(ctx, ln, ipc.NewRouter(ctrl, answerer, log.WithField("component", "ipc"))); err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	log.Info("shutting down")
	return nil
}

// onPowerChange treats the adapter turning on like a granted enable
// request. Outside a start request it only starts a scan when configured to.
func onPowerChange(ctrl *scan.Controller, cfg config.Config, log logrus.FieldLogger, powered bool) {
	if !powered {
		return
	}
	ctrl.OnAdapterEnabled()
	if !cfg.AutoScanOnPowerOn {
		return
	}
	if _, err := ctrl.StartIfInactive(); err != nil {
		log.WithError(err).Warn("scan on power-on did not start")
	}
}
