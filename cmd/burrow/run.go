package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/burrowhq/burrow/internal/client"
	"github.com/burrowhq/burrow/internal/config"
)

func run(configPath, relayHost string, ctrlPort int, token string, localPort int) error {
	cfg := &client.Config{RelayCtrlPort: 7071}
	if configPath != "" {
		loaded, err := config.LoadClient(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	// Flags win over the file.
	if relayHost != "" {
		cfg.RelayHost = relayHost
	}
	if ctrlPort != 0 {
		cfg.RelayCtrlPort = ctrlPort
	}
	if token != "" {
		cfg.Token = token
	}
	if localPort != 0 {
		cfg.LocalPort = localPort
	}

	fwd, err := client.New(*cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	slog.Info("starting burrow",
		"version", version,
		"relay", cfg.RelayHost,
		"local_port", cfg.LocalPort,
	)

	// Periodic one-line status, useful when running under a supervisor.
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s := fwd.Stats()
				slog.Info("status",
					"connected", s.Connected,
					"requests", s.Requests,
					"errors", s.Errors,
					"reconnects", s.Reconnects,
				)
			case <-ctx.Done():
				return
			}
		}
	}()

	err = fwd.Run(ctx)
	if errors.Is(err, context.Canceled) {
		slog.Info("burrow stopped")
		return nil
	}
	return err
}
