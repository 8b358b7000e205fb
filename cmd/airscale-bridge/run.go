package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"github.com/airscales/airscale-bridge/internal/api"
	"github.com/airscales/airscale-bridge/internal/backend"
	"github.com/airscales/airscale-bridge/internal/ble"
	"github.com/airscales/airscale-bridge/internal/config"
	"github.com/airscales/airscale-bridge/internal/journal"
	"github.com/airscales/airscale-bridge/internal/mesh"
	"github.com/airscales/airscale-bridge/internal/ota"
	"github.com/airscales/airscale-bridge/internal/relay"
)

const journalPruneInterval = time.Hour

func runCommand(c *cli.Context) error {
	cfg, err := setup(c)
	if err != nil {
		return err
	}
	printBanner(cfg)

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	client, err := newBackend(cfg)
	if err != nil {
		return err
	}

	var settings ble.SettingsSource
	if client != nil {
		settings = client
	}
	mgr := ble.NewManager(newAdapter(cfg), st, settings, managerOptions(cfg))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	var (
		tracker *mesh.Tracker
		rl      *relay.Relay
		engine  *ota.Engine
	)
	if client != nil {
		rl = relay.New(client, mgr, relay.Options{
			UploadInterval:   cfg.Relay.UploadInterval,
			CoefficientDelay: cfg.Relay.CoefficientDelay,
		})
		mgr.Subscribe(rl.Handler(ctx))

		tracker = mesh.NewTracker(client, cfg.Mesh.HeartbeatInterval)
		mgr.Subscribe(tracker.Handler(ctx))
		g.Go(func() error { return tracker.Run(ctx) })

		engine = ota.NewEngine(mgr, client, otaOptions(cfg))
	} else {
		slog.Warn("[BRIDGE] no backend configured, readings stay local")
		engine = ota.NewEngine(mgr, nil, otaOptions(cfg))
	}

	var jr *journal.Journal
	if cfg.Journal.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Journal.Path), 0o700); err != nil {
			return fmt.Errorf("creating journal dir: %w", err)
		}
		jr, err = journal.Open(cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer jr.Close()
		mgr.Subscribe(jr.Handler(ctx))
		g.Go(func() error { return pruneJournal(ctx, jr, cfg.Journal.Retention) })
	}

	if cfg.API.Enabled {
		srv := newAPIServer(mgr, engine, client, tracker, jr, cfg)
		mgr.Subscribe(srv.Handler())
		g.Go(func() error { return srv.Run(ctx) })
	}

	g.Go(func() error { return mgr.Run(ctx) })

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		slog.Debug("[BRIDGE] systemd notify failed", "error", err)
	} else if ok {
		slog.Debug("[BRIDGE] notified systemd")
	}
	fmt.Println("Ready! Ctrl+C to quit.")

	err = g.Wait()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if rl != nil {
		rl.Wait()
	}
	if tracker != nil {
		tracker.Wait()
	}
	fmt.Println("Goodbye!")
	return err
}

// newAPIServer builds the control API, passing only the optional
// collaborators that exist.
func newAPIServer(mgr *ble.Manager, engine *ota.Engine, client *backend.Client, tracker *mesh.Tracker, jr *journal.Journal, cfg *config.Config) *api.Server {
	var (
		checker  api.FirmwareChecker
		topology api.TopologySource
		readings api.ReadingSource
	)
	if client != nil {
		checker = client
	}
	if tracker != nil {
		topology = tracker
	}
	if jr != nil {
		readings = jr
	}
	opts := api.DefaultOptions()
	opts.Addr = cfg.API.Addr
	return api.New(mgr, engine, checker, topology, readings, opts)
}

func pruneJournal(ctx context.Context, jr *journal.Journal, retention time.Duration) error {
	if retention <= 0 {
		return nil
	}
	t := time.NewTicker(journalPruneInterval)
	defer t.Stop()
	for {
		n, err := jr.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			slog.Warn("[JOURNAL] prune failed", "error", err)
		} else if n > 0 {
			slog.Info("[JOURNAL] pruned old readings", "removed", n)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
