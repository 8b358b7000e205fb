package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/airscales/airscale-bridge/internal/backend"
	"github.com/airscales/airscale-bridge/internal/ble"
	"github.com/airscales/airscale-bridge/internal/ota"
)

func otaCommand(c *cli.Context) error {
	url := c.String("url")
	if url == "" {
		return errors.New("--url is required")
	}
	cfg, err := setup(c)
	if err != nil {
		return err
	}

	client, err := newBackend(cfg)
	if err != nil {
		return err
	}
	if client == nil {
		// Without a backend the image URL must be absolute; it doubles as the base.
		client, err = backend.New(backend.Options{BaseURL: url, DeviceType: cfg.Backend.DeviceType, Timeout: cfg.Backend.Timeout})
		if err != nil {
			return err
		}
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	adapter := newAdapter(cfg)
	if err := adapter.Enable(); err != nil {
		return fmt.Errorf("enable bluetooth: %w", err)
	}
	mgr := ble.NewManager(adapter, st, nil, managerOptions(cfg))
	defer mgr.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Connecting to saved sensor...")
	if err := mgr.AutoReconnect(ctx); err != nil {
		return fmt.Errorf("connect to saved sensor: %w", err)
	}
	if v, ok := mgr.Firmware(); ok {
		fmt.Println("Current firmware: " + cyan(v.String()))
	}

	engine := ota.NewEngine(mgr, client, otaOptions(cfg))
	go func() {
		<-ctx.Done()
		engine.Abort()
	}()

	stats, err := engine.Update(ctx, ota.Firmware{URL: url, Checksum: c.String("checksum")}, printProgress)
	fmt.Println()
	if err != nil {
		return err
	}
	fmt.Printf("%s %d bytes in %d chunks (%s)\n", green("Flashed"), stats.Bytes, stats.Chunks, stats.Duration.Round(time.Millisecond))
	return nil
}

func printProgress(p ota.Progress) {
	phase := cyan(string(p.Phase))
	switch p.Phase {
	case ota.PhaseComplete:
		phase = green(string(p.Phase))
	case ota.PhaseError:
		phase = red(string(p.Phase))
	}
	fmt.Printf("\r\033[K[%s] %3d%% %s", phase, p.Percent, p.Message)
}
