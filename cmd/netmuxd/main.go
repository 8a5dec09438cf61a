// Command netmuxd is a network-attached replacement for the USB multiplexer
// daemon: it tracks devices discovered over mDNS, supervises their heartbeat
// liveness, and serves the same framed control protocol clients already
// speak to usbmuxd.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"netmuxd.dev/netmuxd/internal/brand"
	"netmuxd.dev/netmuxd/internal/config"
	"netmuxd.dev/netmuxd/internal/device"
	"netmuxd.dev/netmuxd/internal/discovery"
	"netmuxd.dev/netmuxd/internal/heartbeat"
	"netmuxd.dev/netmuxd/internal/logging"
	"netmuxd.dev/netmuxd/internal/pairing"
	"netmuxd.dev/netmuxd/internal/session"
)

func main() {
	cfg, help, about, err := config.Parse(os.Args[1:], os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if help || about {
		os.Exit(0)
	}

	logging.SetDefault(logging.New(logging.Config{Level: parseLevel(cfg.LogLevel), JSON: cfg.LogJSON}))
	log := logging.WithComponent("main")

	storageDir := cfg.PlistStorage
	if storageDir == "" {
		storageDir = pairing.DefaultStorageDir()
	}
	pairingResolver := pairing.New(storageDir)

	var launch device.HeartbeatLauncher
	if cfg.UseHeartbeat {
		launch = heartbeat.New(brand.LockdownPort).Launch
	}
	mgr := device.New(pairingResolver, cfg.UseHeartbeat, launch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	go mgr.Run(ctx)

	if cfg.UseMDNS {
		browser := discovery.New(pairingResolver, mgr)
		go func() {
			if err := browser.Run(ctx); err != nil {
				log.Error("mdns discovery stopped", "err", err)
			}
		}()
	}

	srv := session.New(mgr, pairingResolver)
	if cfg.Host != "" {
		srv.TCPAddr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
		log.Warn("running in host mode will not work unless a daemon is also running in unix mode")
	}
	if cfg.UseUnix {
		srv.UnixPath = cfg.SocketPath
	}

	if err := srv.Start(ctx); err != nil {
		log.Error("failed to start front-end listeners", "err", err)
		os.Exit(1)
	}

	log.Info("netmuxd started", "version", brand.Version)
	<-ctx.Done()
	srv.Wait()
	log.Info("netmuxd exited")
}

func parseLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "info":
		return logging.LevelInfo
	case "warn":
		return logging.LevelWarn
	default:
		return logging.LevelError
	}
}
