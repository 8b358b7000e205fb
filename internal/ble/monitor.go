package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

func (m *Manager) monitorLoop() {
	defer m.wg.Done()

	t := time.NewTicker(m.opts.Monitor.Interval)
	defer t.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-t.C:
			m.CheckSignal(m.ctx)
		}
	}
}

// CheckSignal runs one signal-quality evaluation and, if a clearly better
// sensor is advertising while the current link is degraded, migrates to it.
// It reports whether a migration was attempted.
func (m *Manager) CheckSignal(ctx context.Context) bool {
	mo := m.opts.Monitor

	m.mu.Lock()
	if !m.autoSwitch || m.mode != ModeConnected || m.conn == nil {
		m.mu.Unlock()
		return false
	}
	if !m.lastSwitch.IsZero() && m.now().Sub(m.lastSwitch) < mo.Cooldown {
		m.mu.Unlock()
		slog.Debug("[BLE] signal check skipped, switch cooldown active")
		return false
	}
	if m.rssi != nil && *m.rssi > mo.GoodRSSI {
		rssi := *m.rssi
		m.mu.Unlock()
		slog.Debug("[BLE] signal good, skipping scan", "rssi", rssi)
		return false
	}
	currentMAC := m.identity.Key()
	m.mu.Unlock()

	best := m.scanForBetter(ctx, currentMAC)

	m.mu.Lock()
	if m.mode != ModeConnected {
		m.mu.Unlock()
		return false
	}
	current := copyInt(m.rssi)
	m.mu.Unlock()

	baseline := mo.UnknownRSSI
	if current != nil {
		baseline = *current
	}
	degraded := current == nil || *current < mo.DegradedRSSI
	if best == nil || !degraded || best.RSSI <= baseline+mo.MinImprovement {
		slog.Debug("[BLE] no migration", "current_rssi", baseline, "degraded", degraded, "candidate", best)
		return false
	}

	slog.Info("[BLE] better sensor found, migrating", "from", currentMAC, "to", best.Name, "current_rssi", baseline, "candidate_rssi", best.RSSI)
	if err := m.migrate(ctx, *best); err != nil {
		slog.Warn("[BLE] migration failed", "error", err)
	}
	return true
}

// scanForBetter scans for other sensors. Results from the currently
// connected sensor refresh the session RSSI; any other sensor becomes the
// candidate when it beats the best seen so far by the minimum improvement.
func (m *Manager) scanForBetter(ctx context.Context, currentMAC string) *ScanResult {
	mo := m.opts.Monitor

	m.mu.Lock()
	bestRSSI := mo.UnknownRSSI
	if m.rssi != nil {
		bestRSSI = *m.rssi
	}
	m.mu.Unlock()

	var (
		mu   sync.Mutex
		best *ScanResult
	)
	filter := ScanFilter{NamePrefix: m.opts.NamePrefix, ServiceUUID: ServiceUUID}
	scan := m.scanner.StartScan(filter, func(r ScanResult) {
		mac := ExtractMAC(r.Name)
		if mac == "" {
			return
		}
		if mac == currentMAC {
			m.mu.Lock()
			if m.mode == ModeConnected {
				m.rssi = intPtr(r.RSSI)
			}
			m.mu.Unlock()
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if r.RSSI > bestRSSI+mo.MinImprovement {
			c := r
			best = &c
			bestRSSI = r.RSSI
		}
	}, mo.ScanWindow, "signal-monitor")

	select {
	case <-scan.Done():
	case <-ctx.Done():
		m.scanner.StopScan("signal monitor cancelled")
	}

	mu.Lock()
	defer mu.Unlock()
	return best
}

// migrate moves the session to target. The previous identity and RSSI are
// restored if the new sensor cannot be reached.
func (m *Manager) migrate(ctx context.Context, target ScanResult) error {
	mo := m.opts.Monitor
	next := IdentityFromScan(target)

	m.mu.Lock()
	if m.mode != ModeConnected {
		mode := m.mode
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBusy, mode)
	}
	m.lastSwitch = m.now()
	m.setModeLocked(ModeMigrating)
	prevRSSI := copyInt(m.rssi)
	old, oldID := m.detachLocked()
	m.mu.Unlock()

	prev, hasPrev, err := m.store.SavedDevice()
	if err != nil {
		slog.Warn("[BLE] could not read saved device before migration", "error", err)
		hasPrev = false
	}

	defer func() {
		m.mu.Lock()
		if m.mode == ModeMigrating {
			if m.conn != nil {
				m.setModeLocked(ModeConnected)
			} else {
				m.setModeLocked(ModeIdle)
			}
		}
		connected := m.conn != nil
		m.mu.Unlock()
		if !connected {
			m.after(m.opts.ReconnectDelay, m.reconnectOrDiscover)
		}
	}()

	if err := m.dropLink(old, oldID); err != nil {
		slog.Warn("[BLE] disconnect before migration failed", "error", err)
	}

	if !m.sleep(ctx, mo.SettleDelay) {
		return ctx.Err()
	}

	err = m.migrateTo(ctx, next, target.RSSI)
	if err == nil {
		slog.Info("[BLE] migrated", "device", next.Name, "rssi", target.RSSI)
		return nil
	}

	if hasPrev {
		if serr := m.store.SaveDevice(prev); serr != nil {
			slog.Warn("[BLE] could not restore saved device", "error", serr)
		}
	}
	m.setRSSI(prevRSSI)
	return err
}

// migrateTo confirms next is still advertising, refreshes its platform id
// from the fresh advertisement, and connects.
func (m *Manager) migrateTo(ctx context.Context, next Identity, rssi int) error {
	verified, ok := m.verifyAdvertising(ctx, next.WifiMAC)
	if !ok {
		return fmt.Errorf("ble: migration target %s no longer advertising", next.WifiMAC)
	}
	next.DeviceID = verified.DeviceID
	return m.connect(ctx, next, &rssi)
}

// verifyAdvertising scans briefly for the sensor with the given WiFi MAC.
func (m *Manager) verifyAdvertising(ctx context.Context, wifiMAC string) (ScanResult, bool) {
	found := make(chan ScanResult, 1)
	filter := ScanFilter{NamePrefix: m.opts.NamePrefix, ServiceUUID: ServiceUUID}
	scan := m.scanner.StartScan(filter, func(r ScanResult) {
		if ExtractMAC(r.Name) != wifiMAC {
			return
		}
		select {
		case found <- r:
		default:
		}
	}, m.opts.Monitor.VerifyWindow, "migration-verify")

	select {
	case r := <-found:
		m.scanner.StopScan("migration target verified")
		return r, true
	case <-scan.Done():
		select {
		case r := <-found:
			return r, true
		default:
			return ScanResult{}, false
		}
	case <-ctx.Done():
		m.scanner.StopScan("migration cancelled")
		return ScanResult{}, false
	}
}
