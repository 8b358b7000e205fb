package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/airscales/airscale-bridge/internal/backend"
	"github.com/airscales/airscale-bridge/internal/ble"
	"github.com/airscales/airscale-bridge/internal/config"
	"github.com/airscales/airscale-bridge/internal/ota"
	"github.com/airscales/airscale-bridge/internal/store"
)

func newAdapter(cfg *config.Config) ble.Adapter {
	if cfg.BLE.Backend == "bluez" {
		return ble.NewBlueZAdapter(cfg.BLE.Adapter)
	}
	return ble.NewTinyGoAdapter()
}

func managerOptions(cfg *config.Config) ble.Options {
	opts := ble.DefaultOptions()
	opts.NamePrefix = cfg.BLE.NamePrefix
	opts.ConnectTimeout = cfg.BLE.ConnectTimeout
	opts.MaxReconnectAttempts = cfg.BLE.MaxReconnectAttempts
	opts.ReconnectDelay = cfg.BLE.ReconnectDelay
	opts.DiscoveryWindow = cfg.BLE.DiscoveryWindow
	opts.Monitor.Interval = cfg.Monitor.Interval
	opts.Monitor.GoodRSSI = cfg.Monitor.GoodRSSI
	opts.Monitor.DegradedRSSI = cfg.Monitor.DegradedRSSI
	opts.Monitor.MinImprovement = cfg.Monitor.MinImprovement
	opts.Monitor.Cooldown = cfg.Monitor.Cooldown
	opts.Monitor.ScanWindow = cfg.Monitor.ScanWindow
	return opts
}

func otaOptions(cfg *config.Config) ota.Options {
	opts := ota.DefaultOptions()
	opts.StartDelay = cfg.OTA.StartDelay
	opts.NoResponseMTU = cfg.OTA.NoResponseMTU
	return opts
}

// newBackend returns nil when no backend URL is configured.
func newBackend(cfg *config.Config) (*backend.Client, error) {
	if cfg.Backend.URL == "" {
		return nil, nil
	}
	return backend.New(backend.Options{
		BaseURL:    cfg.Backend.URL,
		Token:      cfg.Backend.Token,
		UserID:     cfg.Backend.UserID,
		DeviceType: cfg.Backend.DeviceType,
		Timeout:    cfg.Backend.Timeout,
	})
}

func openStore(cfg *config.Config) (*store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	return store.Open(cfg.Store.Path)
}
