package ble

import (
	"context"
	"fmt"
	"log/slog"
)

// LoadAutoSwitch resolves the auto-switch preference: the settings source
// wins when reachable, otherwise the local cache, otherwise enabled.
func (m *Manager) LoadAutoSwitch(ctx context.Context) bool {
	enabled := true
	if cached, ok, err := m.store.AutoSwitch(); err != nil {
		slog.Warn("[BLE] could not read cached auto-switch preference", "error", err)
	} else if ok {
		enabled = cached
	}

	if m.settings != nil {
		remote, err := m.settings.AutoSwitch(ctx)
		if err != nil {
			slog.Warn("[BLE] auto-switch preference unavailable from server, using cache", "error", err, "enabled", enabled)
		} else {
			enabled = remote
			if err := m.store.SetAutoSwitch(remote); err != nil {
				slog.Warn("[BLE] could not cache auto-switch preference", "error", err)
			}
		}
	}

	m.mu.Lock()
	m.autoSwitch = enabled
	m.mu.Unlock()
	slog.Info("[BLE] auto-switch", "enabled", enabled)
	return enabled
}

// SetAutoSwitch enables or disables signal-driven migration. The local
// setting and cache always change; a failure to sync with the settings
// source is returned.
func (m *Manager) SetAutoSwitch(ctx context.Context, enabled bool) error {
	m.mu.Lock()
	m.autoSwitch = enabled
	m.mu.Unlock()

	if err := m.store.SetAutoSwitch(enabled); err != nil {
		slog.Warn("[BLE] could not cache auto-switch preference", "error", err)
	}
	if m.settings == nil {
		return nil
	}
	if err := m.settings.SetAutoSwitch(ctx, enabled); err != nil {
		return fmt.Errorf("ble: sync auto-switch preference: %w", err)
	}
	return nil
}

// AutoSwitch reports whether signal-driven migration is enabled.
func (m *Manager) AutoSwitch() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.autoSwitch
}
