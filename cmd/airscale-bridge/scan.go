package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/airscales/airscale-bridge/internal/ble"
	"github.com/airscales/airscale-bridge/internal/config"
)

const defaultScanDuration = 10 * time.Second

func scanCommand(c *cli.Context) error {
	cfg, err := setup(c)
	if err != nil {
		return err
	}
	duration := c.Duration("duration")
	if duration <= 0 {
		duration = defaultScanDuration
	}

	adapter := newAdapter(cfg)
	if err := adapter.Enable(); err != nil {
		return fmt.Errorf("enable bluetooth: %w", err)
	}

	var (
		mu    sync.Mutex
		found = make(map[string]ble.ScanResult)
	)
	scanner := ble.NewScanner(adapter)
	filter := ble.ScanFilter{NamePrefix: cfg.BLE.NamePrefix, ServiceUUID: ble.ServiceUUID}

	fmt.Printf("Scanning for %s sensors (%s)...\n", cyan(cfg.BLE.NamePrefix), duration)
	scan := scanner.StartScan(filter, func(r ble.ScanResult) {
		key := ble.ExtractMAC(r.Name)
		if key == "" {
			key = r.DeviceID
		}
		mu.Lock()
		_, seen := found[key]
		found[key] = r
		mu.Unlock()
		if !seen {
			fmt.Printf("  found %s\n", r.Name)
		}
	}, duration, "cli")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	select {
	case <-scan.Done():
	case <-ctx.Done():
		scanner.StopScan("interrupted")
		<-scan.Done()
	}
	if err := scan.Err(); err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	mu.Lock()
	results := make([]ble.ScanResult, 0, len(found))
	for _, r := range found {
		results = append(results, r)
	}
	mu.Unlock()

	if len(results) == 0 {
		fmt.Println(yellow("No sensors found."))
		return nil
	}
	sort.Slice(results, func(i, j int) bool { return results[i].RSSI > results[j].RSSI })

	known := knownSensors(cfg)
	fmt.Println()
	fmt.Printf("  %-28s  %-17s  %6s  %s\n", "NAME", "WIFI MAC", "RSSI", "DEVICE ID")
	for _, r := range results {
		mac := ble.ExtractMAC(r.Name)
		mark := " "
		if known[mac] {
			mark = green("*")
		}
		rssi := rssiColor(r.RSSI, fmt.Sprintf("%6d", r.RSSI))
		fmt.Printf("%s %-28s  %-17s  %s  %s\n", mark, r.Name, mac, rssi, r.DeviceID)
	}
	if len(known) > 0 {
		fmt.Println("\n* previously connected")
	}
	return nil
}

// knownSensors returns the WiFi MACs of every remembered sensor. The state
// file is locked while the daemon runs, so failures only cost the markers.
func knownSensors(cfg *config.Config) map[string]bool {
	st, err := openStore(cfg)
	if err != nil {
		slog.Debug("[BLE] state unavailable, not marking known sensors", "error", err)
		return nil
	}
	defer st.Close()

	ids, err := st.Devices()
	if err != nil {
		slog.Debug("[BLE] could not list known sensors", "error", err)
		return nil
	}
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		known[id.Key()] = true
	}
	return known
}

func forgetCommand(c *cli.Context) error {
	cfg, err := setup(c)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	id, ok, err := st.SavedDevice()
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("No saved sensor.")
		return nil
	}
	if err := st.ForgetDevice(); err != nil {
		return err
	}
	fmt.Println("Forgot " + green(id.Name))
	return nil
}
