package ble

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/airscales/airscale-bridge/internal/ble/protocol"
)

// Connect opens a session to id, replacing any current link. On success the
// identity is persisted, sensor notifications start flowing and
// EventConnected is published. On failure the persisted identity is purged.
func (m *Manager) Connect(ctx context.Context, id Identity) error {
	return m.connect(ctx, id, nil)
}

// connect is Connect with an RSSI to seed the session with, as known from
// the advertisement that led here.
func (m *Manager) connect(ctx context.Context, id Identity, rssi *int) error {
	if id.DeviceID == "" {
		return fmt.Errorf("ble: connect: empty device id")
	}
	if id.WifiMAC == "" {
		id.WifiMAC = ExtractMAC(id.Name)
	}

	m.mu.Lock()
	if m.mode == ModeConnecting || m.mode == ModeOTA {
		mode := m.mode
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBusy, mode)
	}
	old, oldID := m.detachLocked()
	migrating := m.mode == ModeMigrating
	if !migrating {
		m.setModeLocked(ModeConnecting)
	}
	m.mu.Unlock()

	if err := m.dropLink(old, oldID); err != nil {
		slog.Warn("[BLE] disconnect before connect failed", "error", err)
	}

	slog.Info("[BLE] connecting", "device", id.DeviceID, "name", id.Name)

	cctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()
	conn, err := m.adapter.Connect(cctx, id.DeviceID)
	if err != nil {
		return m.connectFailed(id, fmt.Errorf("ble: connect to %s: %w", id.DeviceID, err))
	}

	sensor, coeffs, ota, err := discoverCharacteristics(conn)
	if err != nil {
		_ = conn.Disconnect()
		return m.connectFailed(id, err)
	}

	mtu := protocol.DefaultMTU
	if v, err := conn.MTU(); err != nil {
		slog.Debug("[BLE] MTU unavailable, assuming default", "error", err, "mtu", mtu)
	} else if v > 0 {
		mtu = v
	}

	if err := m.store.SaveDevice(id); err != nil {
		slog.Warn("[BLE] could not persist device", "device", id.DeviceID, "error", err)
	}

	m.mu.Lock()
	if m.ctx.Err() != nil || (m.mode != ModeConnecting && m.mode != ModeMigrating) {
		m.mu.Unlock()
		_ = conn.Disconnect()
		slog.Info("[BLE] connect abandoned", "device", id.DeviceID)
		return ErrConnectCancelled
	}
	m.gen++
	gen := m.gen
	m.conn = conn
	m.sensorChar, m.coeffsChar, m.otaChar = sensor, coeffs, ota
	m.identity = id
	m.mtu = mtu
	if rssi != nil {
		m.rssi = copyInt(rssi)
	}
	m.attempts = 0
	if !migrating {
		m.setModeLocked(ModeConnected)
	}
	current := copyInt(m.rssi)
	m.mu.Unlock()

	conn.OnDisconnect(func() { m.handleDisconnect(gen) })

	if err := sensor.Subscribe(func(data []byte) { m.handleNotification(gen, data) }); err != nil {
		slog.Error("[BLE] subscribe to sensor notifications failed", "device", id.DeviceID, "error", err)
	}

	slog.Info("[BLE] connected", "device", id.DeviceID, "name", id.Name, "wifi_mac", id.WifiMAC, "mtu", mtu)
	m.bus.Publish(Event{Type: EventConnected, Identity: id, RSSI: current})
	return nil
}

func discoverCharacteristics(conn Connection) (sensor, coeffs, ota Characteristic, err error) {
	if sensor, err = conn.DiscoverCharacteristic(ServiceUUID, SensorCharUUID); err != nil {
		return nil, nil, nil, fmt.Errorf("ble: discover sensor characteristic: %w", err)
	}
	if coeffs, err = conn.DiscoverCharacteristic(ServiceUUID, CoeffsCharUUID); err != nil {
		return nil, nil, nil, fmt.Errorf("ble: discover coefficients characteristic: %w", err)
	}
	if ota, err = conn.DiscoverCharacteristic(ServiceUUID, OTACharUUID); err != nil {
		return nil, nil, nil, fmt.Errorf("ble: discover OTA characteristic: %w", err)
	}
	return sensor, coeffs, ota, nil
}

func (m *Manager) connectFailed(id Identity, err error) error {
	m.mu.Lock()
	if m.mode == ModeConnecting {
		m.setModeLocked(ModeIdle)
		// A restored baseline belongs to the sensor that just failed.
		m.rssi = nil
	}
	m.mu.Unlock()

	slog.Warn("[BLE] connect failed", "device", id.DeviceID, "error", err)
	if ferr := m.store.ForgetDevice(); ferr != nil {
		slog.Warn("[BLE] could not clear saved device", "error", ferr)
	}
	return err
}

// Disconnect drops the link, if any. Deliberate disconnects never trigger a
// reconnect. Idempotent.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	old, id := m.detachLocked()
	if m.mode == ModeConnected || m.mode == ModeConnecting {
		m.setModeLocked(ModeIdle)
	}
	m.mu.Unlock()
	return m.dropLink(old, id)
}

// handleDisconnect runs when the platform reports the link generation gen
// has dropped.
func (m *Manager) handleDisconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.conn == nil {
		m.mu.Unlock()
		return
	}
	_, id := m.detachLocked()
	mode := m.mode
	if mode == ModeConnected {
		m.setModeLocked(ModeIdle)
	}

	var purge, reconnect bool
	switch mode {
	case ModeMigrating, ModeManualScanning, ModeOTA:
		// The owner of the link handles what happens next.
	default:
		m.attempts++
		if m.attempts > m.opts.MaxReconnectAttempts {
			purge = true
			m.attempts = 0
		} else {
			reconnect = true
		}
	}
	attempts := m.attempts
	m.mu.Unlock()

	slog.Warn("[BLE] connection lost", "device", id.DeviceID, "mode", mode.String(), "attempt", attempts)
	m.bus.Publish(Event{Type: EventDisconnected, Identity: id})

	if purge {
		slog.Warn("[BLE] max reconnect attempts reached, forgetting device", "max", m.opts.MaxReconnectAttempts)
		if err := m.store.ForgetDevice(); err != nil {
			slog.Warn("[BLE] could not clear saved device", "error", err)
		}
		return
	}
	if reconnect {
		m.after(m.opts.ReconnectDelay, m.reconnectOrDiscover)
	}
}

func (m *Manager) handleNotification(gen uint64, data []byte) {
	r, err := protocol.Decode(data)
	if err != nil {
		slog.Debug("[BLE] dropping undecodable notification", "len", len(data), "error", err)
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.last = r
	if r.RSSI != nil {
		m.rssi = copyInt(r.RSSI)
	}
	id := m.identity
	rssi := copyInt(m.rssi)
	m.mu.Unlock()

	m.bus.Publish(Event{Type: EventData, Identity: id, Reading: r, RSSI: rssi})
}

// WriteCoefficients sends calibration coefficients to the connected sensor.
// Writes are skipped while a firmware update owns the link.
func (m *Manager) WriteCoefficients(ctx context.Context, c protocol.Coefficients) error {
	payload, err := c.Marshal()
	if err != nil {
		return err
	}

	m.mu.Lock()
	mode, ch := m.mode, m.coeffsChar
	m.mu.Unlock()

	if mode == ModeOTA {
		slog.Info("[BLE] skipping coefficient write during OTA", "target", c.TargetMAC, "channel", c.Channel)
		return nil
	}
	if ch == nil {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ch.Write(payload); err != nil {
		return fmt.Errorf("ble: write coefficients: %w", err)
	}
	slog.Debug("[BLE] coefficients written", "target", c.TargetMAC, "channel", c.Channel)
	return nil
}

// OTAWriter is the link a firmware transfer writes through.
type OTAWriter interface {
	MTU() int
	Write(data []byte) error
	WriteWithoutResponse(data []byte) error
}

type otaWriter struct {
	char Characteristic
	mtu  int
}

func (w *otaWriter) MTU() int                               { return w.mtu }
func (w *otaWriter) Write(data []byte) error                { return w.char.Write(data) }
func (w *otaWriter) WriteWithoutResponse(data []byte) error { return w.char.WriteWithoutResponse(data) }

// BeginOTA hands the link to a firmware transfer. The signal monitor,
// discovery, reconnects and coefficient writes stand down until EndOTA.
func (m *Manager) BeginOTA() (OTAWriter, error) {
	m.mu.Lock()
	if m.conn == nil || m.otaChar == nil {
		m.mu.Unlock()
		return nil, ErrNotConnected
	}
	if m.mode != ModeConnected {
		mode := m.mode
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrBusy, mode)
	}
	m.setModeLocked(ModeOTA)
	w := &otaWriter{char: m.otaChar, mtu: m.mtu}
	m.mu.Unlock()

	m.scanner.StopScan("ota")
	return w, nil
}

// EndOTA returns the link after a transfer. When rebooting is true the
// device is restarting into new firmware: the session is cleared and a
// reconnect is scheduled once it has had time to boot.
func (m *Manager) EndOTA(rebooting bool) {
	m.mu.Lock()
	if m.mode != ModeOTA {
		m.mu.Unlock()
		return
	}
	var old Connection
	var id Identity
	if rebooting {
		old, id = m.detachLocked()
	}
	reconnect := m.conn == nil
	if reconnect {
		m.setModeLocked(ModeIdle)
	} else {
		m.setModeLocked(ModeConnected)
	}
	m.mu.Unlock()

	if old != nil {
		// The device is already rebooting; a failed disconnect is expected.
		_ = old.Disconnect()
		m.bus.Publish(Event{Type: EventDisconnected, Identity: id})
	}
	if reconnect {
		delay := m.opts.ReconnectDelay
		if rebooting {
			delay = m.opts.RebootReconnectDelay
		}
		slog.Info("[BLE] link released after OTA, reconnect scheduled", "delay", delay)
		m.after(delay, m.reconnectOrDiscover)
	}
}
