package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// mockCharacteristic records writes and allows subscribing.
type mockCharacteristic struct {
	mu       sync.Mutex
	writes   [][]byte
	commands [][]byte
	callback func([]byte)
	writeErr error
}

func (c *mockCharacteristic) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	return nil
}

func (c *mockCharacteristic) WriteWithoutResponse(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.commands = append(c.commands, cp)
	return nil
}

func (c *mockCharacteristic) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
	return nil
}

func (c *mockCharacteristic) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

// SimulateNotification sends a notification to the subscriber.
func (c *mockCharacteristic) SimulateNotification(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

// mockConnection simulates a BLE connection.
type mockConnection struct {
	deviceID string
	sensor   *mockCharacteristic
	coeffs   *mockCharacteristic
	ota      *mockCharacteristic
	mtu      int

	mu           sync.Mutex
	disconnectCb func()
	disconnected bool
}

func newMockConnection(deviceID string) *mockConnection {
	return &mockConnection{
		deviceID: deviceID,
		sensor:   &mockCharacteristic{},
		coeffs:   &mockCharacteristic{},
		ota:      &mockCharacteristic{},
		mtu:      185,
	}
}

func (c *mockConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	if serviceUUID != ServiceUUID {
		return nil, fmt.Errorf("mock: unknown service UUID %q", serviceUUID)
	}
	switch charUUID {
	case SensorCharUUID:
		return c.sensor, nil
	case CoeffsCharUUID:
		return c.coeffs, nil
	case OTACharUUID:
		return c.ota, nil
	default:
		return nil, fmt.Errorf("mock: unknown characteristic UUID %q", charUUID)
	}
}

func (c *mockConnection) MTU() (int, error) { return c.mtu, nil }

func (c *mockConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

func (c *mockConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *mockConnection) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// SimulateDisconnect triggers the disconnect callback as if the link dropped.
func (c *mockConnection) SimulateDisconnect() {
	c.mu.Lock()
	c.disconnected = true
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// mockAdapter simulates the BLE adapter. Each Scan reports the configured
// advertisements once and then blocks until cancelled.
type mockAdapter struct {
	mu          sync.Mutex
	ads         []ScanResult
	scanErr     error
	connectErr  map[string]error
	scans       int
	callbacks   []func(ScanResult)
	connections []*mockConnection
	connected   []string
}

func newMockAdapter(ads ...ScanResult) *mockAdapter {
	return &mockAdapter{ads: ads, connectErr: make(map[string]error)}
}

func (a *mockAdapter) Enable() error { return nil }

func (a *mockAdapter) setAds(ads ...ScanResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ads = ads
}

func (a *mockAdapter) failConnect(deviceID string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		delete(a.connectErr, deviceID)
		return
	}
	a.connectErr[deviceID] = err
}

func (a *mockAdapter) Scan(ctx context.Context, filter ScanFilter, onResult func(ScanResult)) error {
	a.mu.Lock()
	a.scans++
	a.callbacks = append(a.callbacks, onResult)
	ads := append([]ScanResult(nil), a.ads...)
	err := a.scanErr
	a.mu.Unlock()

	if err != nil {
		return err
	}
	for _, r := range ads {
		if ctx.Err() != nil {
			return nil
		}
		if filter.Match(r) {
			onResult(r)
		}
	}
	<-ctx.Done()
	return nil
}

func (a *mockAdapter) Connect(ctx context.Context, deviceID string) (Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.connectErr[deviceID]; err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn := newMockConnection(deviceID)
	a.connections = append(a.connections, conn)
	a.connected = append(a.connected, deviceID)
	return conn, nil
}

func (a *mockAdapter) scanCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scans
}

func (a *mockAdapter) callback(i int) func(ScanResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.callbacks[i]
}

func (a *mockAdapter) connectCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.connections)
}

// latestConnection returns the most recently created connection (thread-safe).
func (a *mockAdapter) latestConnection() *mockConnection {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.connections) == 0 {
		return nil
	}
	return a.connections[len(a.connections)-1]
}

// recordingStore wraps MemoryStore and counts forgets.
type recordingStore struct {
	*MemoryStore
	mu      sync.Mutex
	forgets int
}

func newRecordingStore() *recordingStore {
	return &recordingStore{MemoryStore: NewMemoryStore()}
}

func (s *recordingStore) ForgetDevice() error {
	s.mu.Lock()
	s.forgets++
	s.mu.Unlock()
	return s.MemoryStore.ForgetDevice()
}

func (s *recordingStore) forgetCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forgets
}

// mockSettings is a SettingsSource that can be made unreachable.
type mockSettings struct {
	mu      sync.Mutex
	enabled bool
	err     error
	sets    []bool
}

func (s *mockSettings) AutoSwitch(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled, s.err
}

func (s *mockSettings) SetAutoSwitch(_ context.Context, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.enabled = enabled
	s.sets = append(s.sets, enabled)
	return nil
}

var errMockUnreachable = errors.New("mock: unreachable")

// testOptions shrinks every delay so tests run in milliseconds.
func testOptions() Options {
	return Options{
		ConnectTimeout:       time.Second,
		MaxReconnectAttempts: 3,
		ReconnectDelay:       5 * time.Millisecond,
		RebootReconnectDelay: 5 * time.Millisecond,
		DiscoveryWindow:      50 * time.Millisecond,
		DiscoveryRetryDelay:  5 * time.Millisecond,
		DiscoveryRescanDelay: 5 * time.Millisecond,
		ScanErrorDelay:       5 * time.Millisecond,
		ManualScanSettle:     time.Millisecond,
		Monitor: MonitorOptions{
			Interval:     time.Hour,
			Cooldown:     time.Minute,
			ScanWindow:   30 * time.Millisecond,
			SettleDelay:  time.Millisecond,
			VerifyWindow: 30 * time.Millisecond,
		},
	}
}

func newTestManager(t *testing.T, adapter *mockAdapter, store DeviceStore) *Manager {
	t.Helper()
	m := NewManager(adapter, store, nil, testOptions())
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestMockAdapterImplementsInterface(t *testing.T) {
	var _ Adapter = (*mockAdapter)(nil)
	var _ Connection = (*mockConnection)(nil)
	var _ Characteristic = (*mockCharacteristic)(nil)
	var _ DeviceStore = (*recordingStore)(nil)
	var _ SettingsSource = (*mockSettings)(nil)
}
