package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// AutoReconnect connects to the persisted sensor. It is a no-op when already
// connected and returns ErrNoSavedDevice, without side effects, when nothing
// is persisted. A failed attempt purges the persisted identity.
func (m *Manager) AutoReconnect(ctx context.Context) error {
	if m.IsConnected() {
		return nil
	}
	id, ok, err := m.store.SavedDevice()
	if err != nil {
		return fmt.Errorf("ble: load saved device: %w", err)
	}
	if !ok {
		return ErrNoSavedDevice
	}
	slog.Info("[BLE] reconnecting to saved device", "device", id.DeviceID, "name", id.Name)
	return m.Connect(ctx, id)
}

// reconnectOrDiscover is the follow-up to a lost link: try the saved
// device, then fall back to discovery.
func (m *Manager) reconnectOrDiscover() {
	if m.IsConnected() || m.Mode() == ModeManualScanning {
		return
	}
	if err := m.AutoReconnect(m.ctx); err != nil {
		slog.Info("[BLE] auto-reconnect failed, starting auto-discovery", "error", err)
		m.StartAutoDiscovery()
	}
}

// StartAutoDiscovery starts the discovery loop unless discovery is paused by
// a manual scan. It reports whether discovery is running or unnecessary
// because a link is already up; starting twice does not stack loops.
func (m *Manager) StartAutoDiscovery() bool {
	m.mu.Lock()
	switch {
	case m.ctx.Err() != nil:
		m.mu.Unlock()
		return false
	case m.mode == ModeManualScanning:
		m.mu.Unlock()
		slog.Info("[BLE] auto-discovery paused for manual scan")
		return false
	case m.conn != nil || m.discovering:
		m.mu.Unlock()
		return true
	}
	m.discovering = true
	m.wg.Add(1)
	m.mu.Unlock()

	go m.discoveryLoop()
	return true
}

// shouldDiscover reports whether the discovery loop should keep going.
func (m *Manager) shouldDiscover() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx.Err() == nil && m.conn == nil && m.mode != ModeManualScanning
}

func (m *Manager) discoveryLoop() {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		m.discovering = false
		m.mu.Unlock()
	}()

	filter := ScanFilter{NamePrefix: m.opts.NamePrefix, ServiceUUID: ServiceUUID}
	slog.Info("[BLE] auto-discovery started", "prefix", filter.NamePrefix)

	for m.shouldDiscover() {
		if m.scanner.InProgress() {
			if !m.sleep(m.ctx, m.opts.DiscoveryRetryDelay) {
				return
			}
			continue
		}

		found := make(chan ScanResult, 1)
		scan := m.scanner.StartScan(filter, func(r ScanResult) {
			select {
			case found <- r:
			default:
			}
		}, m.opts.DiscoveryWindow, "auto-discovery")

		var delay time.Duration
		select {
		case <-m.ctx.Done():
			m.scanner.StopScan("shutdown")
			return

		case r := <-found:
			m.scanner.StopScan("auto-discovery matched " + r.Name)
			if !m.shouldDiscover() {
				return
			}
			rssi := r.RSSI
			if rssi == 0 {
				rssi = m.opts.DefaultRSSI
			}
			slog.Info("[BLE] auto-discovery found device", "name", r.Name, "device", r.DeviceID, "rssi", rssi)
			err := m.connect(m.ctx, IdentityFromScan(r), &rssi)
			if err == nil {
				return
			}
			slog.Warn("[BLE] auto-discovery connect failed, retrying", "error", err, "delay", m.opts.DiscoveryRetryDelay)
			delay = m.opts.DiscoveryRetryDelay

		case <-scan.Done():
			if err := scan.Err(); err != nil {
				slog.Warn("[BLE] auto-discovery scan failed, retrying", "error", err, "delay", m.opts.ScanErrorDelay)
				delay = m.opts.ScanErrorDelay
			} else {
				slog.Debug("[BLE] auto-discovery found nothing, rescanning")
				delay = m.opts.DiscoveryRescanDelay
			}
		}

		if !m.sleep(m.ctx, delay) {
			return
		}
	}
}

// ScanForDevices pauses auto-discovery, drops any current link, and scans
// for sensors so an operator can pick one. onFound is called for each new
// sensor and again whenever a sensor's RSSI moves by more than
// Options.ManualRSSIDelta. Discovery stays paused until ResumeAutoDiscovery
// or ConnectByID, or until the scan fails.
func (m *Manager) ScanForDevices(ctx context.Context, onFound func(ScanResult), duration time.Duration) (*Scan, error) {
	m.mu.Lock()
	switch m.mode {
	case ModeConnecting, ModeMigrating, ModeOTA:
		mode := m.mode
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrBusy, mode)
	}
	old, id := m.detachLocked()
	m.setModeLocked(ModeManualScanning)
	m.mu.Unlock()

	// Most radios cannot scan while holding a connection.
	if old != nil {
		if err := m.dropLink(old, id); err != nil {
			slog.Warn("[BLE] disconnect before manual scan failed", "error", err)
		}
		if !m.sleep(ctx, m.opts.ManualScanSettle) {
			return nil, ctx.Err()
		}
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	filter := ScanFilter{NamePrefix: m.opts.NamePrefix, ServiceUUID: ServiceUUID}

	scan := m.scanner.StartScan(filter, func(r ScanResult) {
		key := ExtractMAC(r.Name)
		if key == "" {
			key = r.DeviceID
		}
		mu.Lock()
		prev, ok := seen[key]
		if ok && abs(r.RSSI-prev) <= m.opts.ManualRSSIDelta {
			mu.Unlock()
			return
		}
		seen[key] = r.RSSI
		mu.Unlock()
		onFound(r)
	}, duration, "manual")

	slog.Info("[BLE] manual scan started", "duration", duration)

	go func() {
		if err := scan.Err(); err != nil {
			slog.Warn("[BLE] manual scan failed, resuming auto-discovery", "error", err)
			m.ResumeAutoDiscovery()
		}
	}()
	return scan, nil
}

// ResumeAutoDiscovery ends a manual-scan pause and restarts discovery.
func (m *Manager) ResumeAutoDiscovery() bool {
	m.mu.Lock()
	paused := m.mode == ModeManualScanning
	if paused {
		m.setModeLocked(ModeIdle)
	}
	m.mu.Unlock()

	if paused {
		m.scanner.StopScan("resume auto-discovery")
	}
	return m.StartAutoDiscovery()
}

// ConnectByID connects to a sensor picked from a manual scan, ending the
// pause. If the connect fails, auto-discovery takes over.
func (m *Manager) ConnectByID(ctx context.Context, id Identity) error {
	if m.Mode() == ModeManualScanning {
		m.scanner.StopScan("connect by id")
	}
	if err := m.Connect(ctx, id); err != nil {
		m.StartAutoDiscovery()
		return err
	}
	return nil
}

// ForgetDevice clears the persisted sensor, drops the link and lets
// auto-discovery find a sensor afresh.
func (m *Manager) ForgetDevice() error {
	if err := m.store.ForgetDevice(); err != nil {
		return fmt.Errorf("ble: forget device: %w", err)
	}
	if err := m.Disconnect(); err != nil {
		slog.Warn("[BLE] disconnect after forget failed", "error", err)
	}
	m.StartAutoDiscovery()
	return nil
}

// Reset stops scanning, drops the link, clears session bookkeeping and
// restarts discovery. Refused while a firmware update is running.
func (m *Manager) Reset() error {
	m.mu.Lock()
	if m.mode == ModeOTA {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBusy, ModeOTA)
	}
	old, id := m.detachLocked()
	m.setModeLocked(ModeIdle)
	m.attempts = 0
	m.lastSwitch = time.Time{}
	m.mu.Unlock()

	m.scanner.StopScan("reset")
	if err := m.dropLink(old, id); err != nil {
		slog.Warn("[BLE] disconnect during reset failed", "error", err)
	}
	slog.Info("[BLE] session reset")
	m.StartAutoDiscovery()
	return nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
