// scanctl runs and drives the Bluetooth scan daemon.
//
// Prerequisites
// - Linux with BlueZ (bluetoothd) running and system D-Bus access, or
//   `backend: tinygo` in the config file.
// - Config (optional): $XDG_CONFIG_HOME/scanctl/config.yaml, or -config.
//
// Usage
// 1) Run the daemon:
//     scanctl daemon
// 2) From another terminal, follow what the daemon does:
//     scanctl watch
// 3) Start a scan (30s unless scan_timeout says otherwise):
//     scanctl start
//   With `permissions.mode: interactive` the scan waits for an answer:
//     scanctl grant        (or: scanctl deny)
// 4) Stop early, or check state:
//     scanctl stop
//     scanctl status
//     scanctl permissions [request]
//
// Notes
// - Ctrl-C stops the daemon; a running scan is stopped first.
// - Client commands print JSON responses on stdout.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"blescan/internal/config"
	"blescan/internal/ipc"
	"blescan/internal/scan"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: scanctl [flags] <daemon|status|start|stop|watch|permissions [request]|grant|deny>")
	flag.PrintDefaults()
}

func main() {
	cfgPath := flag.String("config", config.Path(), "config file")
	socket := flag.String("socket", "", "daemon socket (overrides config)")
	level := flag.String("log-level", "", "log level (overrides config)")
	timeout := flag.Duration("timeout", 10*time.Second, "client request timeout")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *socket != "" {
		cfg.Socket = *socket
	}
	if *level != "" {
		cfg.LogLevel = *level
	}
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Ctrl-C cancellation for every mode.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := strings.ToLower(flag.Arg(0)), flag.Args()[1:]
	if cmd == "daemon" {
		err = runDaemon(ctx, cfg, log)
	} else {
		err = runClient(ctx, ipc.NewClient(cfg.Socket), cmd, args, *timeout)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(level string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetLevel(lvl)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return log, nil
}

func runClient(ctx context.Context, c *ipc.Client, cmd string, args []string, timeout time.Duration) error {
	if cmd == "watch" {
		return c.Watch(ctx, printEvent)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		resp interface{}
		err  error
	)
	switch cmd {
	case "status":
		resp, err = c.Session(ctx)
	case "start":
		var r ipc.CommandResponse
		r, err = c.Start(ctx)
		if err == nil && r.Error != scan.ReasonNone {
			fmt.Fprintln(os.Stderr, r.Message)
		}
		resp = r
	case "stop":
		resp, err = c.Stop(ctx)
	case "permissions":
		if len(args) > 0 && args[0] == "request" {
			if err := c.RequestPermissions(ctx); err != nil {
				return err
			}
		}
		resp, err = c.Permissions(ctx)
	case "grant", "deny":
		resp, err = c.Answer(ctx, cmd == "grant")
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(resp)
}

func printEvent(ev scan.Event) {
	line := string(ev.Session.Status)
	if ev.Session.Step != scan.StepNone {
		line += "(" + string(ev.Session.Step) + ")"
	}
	if msg := ev.Message(); msg != "" {
		line += ": " + msg
	}
	fmt.Printf("%s %s\n", time.Now().Format("15:04:05"), line)
}
