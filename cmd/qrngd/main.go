// Command qrngd serves random bytes from attached QRNG hardware to
// authenticated network clients.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/Thiagojm/qrngd/config"
	"github.com/Thiagojm/qrngd/credential"
	"github.com/Thiagojm/qrngd/hub"
	"github.com/Thiagojm/qrngd/ratelimit"
	"github.com/Thiagojm/qrngd/router"
	"github.com/Thiagojm/qrngd/server"
	"github.com/Thiagojm/qrngd/session"
	"github.com/Thiagojm/qrngd/status"
	"github.com/Thiagojm/qrngd/stream"
)

func main() {
	configPath := pflag.StringP("config", "c", "qrngd.yaml", "path to the YAML configuration")
	listen := pflag.String("listen", "", "listen address, overrides the config file")
	logLevel := pflag.String("log-level", "", "debug|info|warn|error, overrides the config file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "qrngd: %v\n", err)
		os.Exit(2)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	log, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "qrngd: %v\n", err)
		os.Exit(2)
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("qrngd stopped", "error", err)
		os.Exit(1)
	}
}

func newLogger(c config.Log) (*slog.Logger, error) {
	level, err := config.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	creds, err := credential.NewReloadable(cfg.Credentials)
	if err != nil {
		return err
	}
	go reloadOnHangup(ctx, creds, log)
	go func() {
		if err := creds.Watch(ctx, log); err != nil {
			log.Warn("credential file watch disabled, reload with SIGHUP", "error", err)
		}
	}()

	auth := ratelimit.New(creds, ratelimit.Config{CacheTTL: cfg.CredentialCacheTTL.D(), Logger: log})
	sessions := session.NewRegistry(nil)

	devs, err := hub.DevicesFromConfig(cfg, log)
	if err != nil {
		return err
	}
	h, err := hub.New(devs, hub.Config{
		Auth:          auth,
		Sessions:      sessions,
		SessionIdle:   cfg.Session.IdleTimeout.D(),
		PruneInterval: cfg.Session.PruneInterval.D(),
		Logger:        log,
	})
	if err != nil {
		return err
	}

	r := router.New(auth, h, sessions, router.Config{
		Timeout:  cfg.Router.Timeout.D(),
		MaxBytes: cfg.Router.MaxBytes,
		Logger:   log,
	})
	streams := stream.NewDispatcher(auth, h, sessions, stream.Config{
		FrameBytes:   cfg.Stream.FrameBytes,
		FrameBuffer:  cfg.Stream.FrameBuffer,
		DrainTimeout: cfg.Stream.DrainTimeout.D(),
		FinalWait:    cfg.Stream.FinalWait.D(),
		Logger:       log,
	})
	srv := server.New(server.Config{
		Addr:     cfg.Listen,
		CertFile: cfg.TLS.CertFile,
		KeyFile:  cfg.TLS.KeyFile,
		Logger:   log,
	}, r, streams, status.NewMonitor(h, nil), sessions)

	log.Info("qrngd starting", "devices", len(devs), "listen", cfg.Listen)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := h.Run(gctx)
		if gctx.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error { return srv.Start(gctx) })
	return g.Wait()
}

func reloadOnHangup(ctx context.Context, creds *credential.Reloadable, log *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := creds.Reload(); err != nil {
				log.Error("credential reload failed, keeping previous set", "error", err)
				continue
			}
			log.Info("credentials reloaded")
		}
	}
}
