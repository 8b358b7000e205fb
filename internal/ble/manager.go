package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/airscales/airscale-bridge/internal/ble/protocol"
)

var (
	ErrNotConnected     = errors.New("ble: not connected")
	ErrBusy             = errors.New("ble: session busy")
	ErrNoSavedDevice    = errors.New("ble: no saved device")
	ErrConnectCancelled = errors.New("ble: connect cancelled")
)

// Mode is what currently owns the BLE link.
type Mode int

const (
	ModeIdle Mode = iota
	ModeConnecting
	ModeConnected
	ModeMigrating
	ModeManualScanning
	ModeOTA
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeConnecting:
		return "connecting"
	case ModeConnected:
		return "connected"
	case ModeMigrating:
		return "migrating"
	case ModeManualScanning:
		return "manual_scanning"
	case ModeOTA:
		return "ota"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

var transitions = map[Mode][]Mode{
	ModeIdle:           {ModeConnecting, ModeManualScanning},
	ModeConnecting:     {ModeConnected, ModeIdle},
	ModeConnected:      {ModeIdle, ModeConnecting, ModeMigrating, ModeManualScanning, ModeOTA},
	ModeMigrating:      {ModeConnected, ModeIdle},
	ModeManualScanning: {ModeIdle, ModeConnecting},
	ModeOTA:            {ModeConnected, ModeIdle},
}

func canTransition(from, to Mode) bool {
	for _, m := range transitions[from] {
		if m == to {
			return true
		}
	}
	return false
}

// DeviceStore persists the last connected sensor and the auto-switch
// preference across restarts.
type DeviceStore interface {
	SavedDevice() (Identity, bool, error)
	SaveDevice(id Identity) error
	ForgetDevice() error
	AutoSwitch() (enabled, ok bool, err error)
	SetAutoSwitch(enabled bool) error
}

// SettingsSource is the authoritative home of the auto-switch preference,
// normally the backend.
type SettingsSource interface {
	AutoSwitch(ctx context.Context) (bool, error)
	SetAutoSwitch(ctx context.Context, enabled bool) error
}

// MonitorOptions tunes the signal-quality monitor.
type MonitorOptions struct {
	Interval       time.Duration // time between checks (default 60s)
	GoodRSSI       int           // skip checks above this (default -70)
	DegradedRSSI   int           // only migrate below this (default -80)
	MinImprovement int           // dB a candidate must beat the current link by (default 25)
	UnknownRSSI    int           // baseline when the current RSSI is unknown (default -100)
	Cooldown       time.Duration // minimum time between migrations (default 2m)
	ScanWindow     time.Duration // candidate scan length (default 5s)
	SettleDelay    time.Duration // wait after disconnecting before verifying (default 2s)
	VerifyWindow   time.Duration // re-scan to confirm the candidate (default 3s)
}

// Options configures the Manager.
type Options struct {
	NamePrefix           string
	ConnectTimeout       time.Duration
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration // wait after an unexpected disconnect
	RebootReconnectDelay time.Duration // wait after an OTA reboot
	DiscoveryWindow      time.Duration
	DiscoveryRetryDelay  time.Duration // after a failed connect
	DiscoveryRescanDelay time.Duration // after a window with no match
	ScanErrorDelay       time.Duration
	DefaultRSSI          int // assumed when an advertisement omits RSSI
	ManualScanSettle     time.Duration
	ManualRSSIDelta      int // re-report a device only when its RSSI moves more than this
	Monitor              MonitorOptions
}

// DefaultOptions returns the production timings.
func DefaultOptions() Options {
	return Options{
		NamePrefix:           DefaultNamePrefix,
		ConnectTimeout:       15 * time.Second,
		MaxReconnectAttempts: 3,
		ReconnectDelay:       2 * time.Second,
		RebootReconnectDelay: 5 * time.Second,
		DiscoveryWindow:      10 * time.Second,
		DiscoveryRetryDelay:  5 * time.Second,
		DiscoveryRescanDelay: 1 * time.Second,
		ScanErrorDelay:       15 * time.Second,
		DefaultRSSI:          -65,
		ManualScanSettle:     500 * time.Millisecond,
		ManualRSSIDelta:      5,
		Monitor: MonitorOptions{
			Interval:       60 * time.Second,
			GoodRSSI:       -70,
			DegradedRSSI:   -80,
			MinImprovement: 25,
			UnknownRSSI:    -100,
			Cooldown:       2 * time.Minute,
			ScanWindow:     5 * time.Second,
			SettleDelay:    2 * time.Second,
			VerifyWindow:   3 * time.Second,
		},
	}
}

// withDefaults fills zero fields from DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.NamePrefix == "" {
		o.NamePrefix = d.NamePrefix
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = d.ReconnectDelay
	}
	if o.RebootReconnectDelay <= 0 {
		o.RebootReconnectDelay = d.RebootReconnectDelay
	}
	if o.DiscoveryWindow <= 0 {
		o.DiscoveryWindow = d.DiscoveryWindow
	}
	if o.DiscoveryRetryDelay <= 0 {
		o.DiscoveryRetryDelay = d.DiscoveryRetryDelay
	}
	if o.DiscoveryRescanDelay <= 0 {
		o.DiscoveryRescanDelay = d.DiscoveryRescanDelay
	}
	if o.ScanErrorDelay <= 0 {
		o.ScanErrorDelay = d.ScanErrorDelay
	}
	if o.DefaultRSSI == 0 {
		o.DefaultRSSI = d.DefaultRSSI
	}
	if o.ManualScanSettle <= 0 {
		o.ManualScanSettle = d.ManualScanSettle
	}
	if o.ManualRSSIDelta <= 0 {
		o.ManualRSSIDelta = d.ManualRSSIDelta
	}

	m, dm := &o.Monitor, d.Monitor
	if m.Interval <= 0 {
		m.Interval = dm.Interval
	}
	if m.GoodRSSI == 0 {
		m.GoodRSSI = dm.GoodRSSI
	}
	if m.DegradedRSSI == 0 {
		m.DegradedRSSI = dm.DegradedRSSI
	}
	if m.MinImprovement <= 0 {
		m.MinImprovement = dm.MinImprovement
	}
	if m.UnknownRSSI == 0 {
		m.UnknownRSSI = dm.UnknownRSSI
	}
	if m.Cooldown <= 0 {
		m.Cooldown = dm.Cooldown
	}
	if m.ScanWindow <= 0 {
		m.ScanWindow = dm.ScanWindow
	}
	if m.SettleDelay <= 0 {
		m.SettleDelay = dm.SettleDelay
	}
	if m.VerifyWindow <= 0 {
		m.VerifyWindow = dm.VerifyWindow
	}
	return o
}

// Manager owns the bridge's BLE link: the connection session, automatic
// discovery and reconnect, and signal-quality migration. All exported
// methods are safe for concurrent use.
type Manager struct {
	adapter  Adapter
	scanner  *Scanner
	store    DeviceStore
	settings SettingsSource
	opts     Options
	bus      Bus
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	mode        Mode
	conn        Connection
	gen         uint64 // bumped whenever conn is replaced or dropped
	sensorChar  Characteristic
	coeffsChar  Characteristic
	otaChar     Characteristic
	identity    Identity
	mtu         int
	rssi        *int
	last        *protocol.Reading
	attempts    int
	autoSwitch  bool
	lastSwitch  time.Time
	discovering bool
}

// NewManager creates a Manager. A nil store keeps state in memory only; a
// nil settings source makes the local cache authoritative.
func NewManager(adapter Adapter, store DeviceStore, settings SettingsSource, opts Options) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		adapter:    adapter,
		scanner:    NewScanner(adapter),
		store:      store,
		settings:   settings,
		opts:       opts.withDefaults(),
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		mtu:        protocol.DefaultMTU,
		autoSwitch: true,
	}
}

// Run enables the adapter, restores the auto-switch preference, reconnects
// to the saved sensor (falling back to discovery) and runs the signal
// monitor until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	m.LoadAutoSwitch(ctx)

	if err := m.AutoReconnect(ctx); err != nil {
		slog.Info("[BLE] no saved device reachable, starting auto-discovery", "reason", err)
		m.StartAutoDiscovery()
	}

	if m.track() {
		go m.monitorLoop()
	}

	select {
	case <-ctx.Done():
	case <-m.ctx.Done():
	}
	return m.Close()
}

// Close stops background work and drops the link.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()
	m.scanner.StopScan("shutdown")
	err := m.Disconnect()
	m.wg.Wait()
	return err
}

// Subscribe registers fn for session events. See Bus.
func (m *Manager) Subscribe(fn func(Event)) (unsubscribe func()) {
	return m.bus.Subscribe(fn)
}

// Scanner exposes the scan coordinator shared by every scan caller.
func (m *Manager) Scanner() *Scanner { return m.scanner }

// Status is a point-in-time snapshot of the session.
type Status struct {
	Mode              Mode              `json:"mode"`
	Connected         bool              `json:"connected"`
	Device            *Identity         `json:"device,omitempty"`
	RSSI              *int              `json:"rssi,omitempty"`
	MTU               int               `json:"mtu"`
	ReconnectAttempts int               `json:"reconnect_attempts"`
	AutoSwitch        bool              `json:"auto_switch"`
	Scanning          bool              `json:"scanning"`
	Discovering       bool              `json:"discovering"`
	LastReading       *protocol.Reading `json:"last_reading,omitempty"`
}

// Status returns a snapshot of the session state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	s := Status{
		Mode:              m.mode,
		Connected:         m.conn != nil,
		RSSI:              copyInt(m.rssi),
		MTU:               m.mtu,
		ReconnectAttempts: m.attempts,
		AutoSwitch:        m.autoSwitch,
		Discovering:       m.discovering,
	}
	if m.conn != nil {
		id := m.identity
		s.Device = &id
	}
	if m.last != nil {
		r := *m.last
		s.LastReading = &r
	}
	m.mu.Unlock()
	s.Scanning = m.scanner.InProgress()
	return s
}

// Mode returns the current session mode.
func (m *Manager) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// IsConnected reports whether a link is up.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// Firmware returns the firmware version from the most recent reading.
func (m *Manager) Firmware() (protocol.Version, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return protocol.Version{}, false
	}
	return m.last.Firmware, true
}

// setModeLocked moves to a new mode if the transition is legal. Caller must hold mu.
func (m *Manager) setModeLocked(to Mode) bool {
	if m.mode == to {
		return true
	}
	if !canTransition(m.mode, to) {
		slog.Error("[BLE] illegal mode transition", "from", m.mode.String(), "to", to.String())
		return false
	}
	slog.Debug("[BLE] mode", "from", m.mode.String(), "to", to.String())
	m.mode = to
	return true
}

// detachLocked forgets the current link without signalling the platform and
// returns it so the caller can disconnect outside the lock. Disconnect
// callbacks registered for the old link become no-ops. RSSI and the last
// reading are only cleared when a link is dropped, so a baseline restored
// after a failed migration carries into the reconnect. Caller must hold mu.
func (m *Manager) detachLocked() (Connection, Identity) {
	m.gen++
	conn, id := m.conn, m.identity
	if conn != nil {
		m.rssi = nil
		m.last = nil
	}
	m.conn = nil
	m.sensorChar, m.coeffsChar, m.otaChar = nil, nil, nil
	m.identity = Identity{}
	m.mtu = protocol.DefaultMTU
	return conn, id
}

// dropLink disconnects a detached link and announces it.
func (m *Manager) dropLink(conn Connection, id Identity) error {
	if conn == nil {
		return nil
	}
	err := conn.Disconnect()
	slog.Info("[BLE] disconnected", "device", id.DeviceID, "name", id.Name)
	m.bus.Publish(Event{Type: EventDisconnected, Identity: id})
	if err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", id.DeviceID, err)
	}
	return nil
}

func (m *Manager) setRSSI(v *int) {
	m.mu.Lock()
	m.rssi = copyInt(v)
	m.mu.Unlock()
}

// after runs fn once d has elapsed unless the manager shuts down first.
func (m *Manager) after(d time.Duration, fn func()) {
	if !m.track() {
		return
	}
	go func() {
		defer m.wg.Done()
		if m.sleep(m.ctx, d) {
			fn()
		}
	}()
}

// sleep waits for d and reports whether it completed before ctx or the
// manager was cancelled.
func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-m.ctx.Done():
		return false
	}
}

// track registers one background goroutine with wg. It reports false once
// Close has begun, so no Add can race the final Wait.
func (m *Manager) track() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx.Err() != nil {
		return false
	}
	m.wg.Add(1)
	return true
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func intPtr(v int) *int { return &v }
