package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/airscales/airscale-bridge/internal/backend"
	"github.com/airscales/airscale-bridge/internal/ble"
	"github.com/airscales/airscale-bridge/internal/ble/protocol"
	"github.com/airscales/airscale-bridge/internal/journal"
	"github.com/airscales/airscale-bridge/internal/mesh"
	"github.com/airscales/airscale-bridge/internal/ota"
)

type fakeBridge struct {
	mu         sync.Mutex
	status     ble.Status
	firmware   *protocol.Version
	scanErr    error
	scanAds    []ble.ScanResult
	connected  []ble.Identity
	connectErr error
	autoSwitch bool
	resumed    int
	forgotten  int
}

func (b *fakeBridge) Status() ble.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *fakeBridge) Firmware() (protocol.Version, bool) {
	if b.firmware == nil {
		return protocol.Version{}, false
	}
	return *b.firmware, true
}

func (b *fakeBridge) ScanForDevices(_ context.Context, onFound func(ble.ScanResult), _ time.Duration) (*ble.Scan, error) {
	if b.scanErr != nil {
		return nil, b.scanErr
	}
	for _, r := range b.scanAds {
		onFound(r)
	}
	return nil, nil
}

func (b *fakeBridge) ResumeAutoDiscovery() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resumed++
	return true
}

func (b *fakeBridge) ConnectByID(_ context.Context, id ble.Identity) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = append(b.connected, id)
	return b.connectErr
}

func (b *fakeBridge) Disconnect() error { return nil }

func (b *fakeBridge) ForgetDevice() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forgotten++
	return nil
}

func (b *fakeBridge) AutoSwitch() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.autoSwitch
}

func (b *fakeBridge) SetAutoSwitch(_ context.Context, enabled bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.autoSwitch = enabled
	return nil
}

type fakeUpdater struct {
	mu      sync.Mutex
	running bool
	calls   []ota.Firmware
}

func (u *fakeUpdater) Update(_ context.Context, fw ota.Firmware, onProgress func(ota.Progress)) (ota.Stats, error) {
	u.mu.Lock()
	u.calls = append(u.calls, fw)
	u.mu.Unlock()
	onProgress(ota.Progress{Phase: ota.PhaseComplete, Percent: 100})
	return ota.Stats{}, nil
}

func (u *fakeUpdater) Abort() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.running
}

func (u *fakeUpdater) InProgress() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.running
}

type fakeChecker struct {
	check   backend.FirmwareCheck
	current string
	mac     string
}

func (c *fakeChecker) CheckFirmware(_ context.Context, current, mac string) (*backend.FirmwareCheck, error) {
	c.current, c.mac = current, mac
	check := c.check
	return &check, nil
}

type fakeTopology struct{}

func (fakeTopology) Topology() mesh.Topology {
	return mesh.Topology{HubMAC: "AA:00:00:00:00:01", Slaves: []string{"BB:00:00:00:00:01"}}
}

type fakeReadings struct {
	mac   string
	limit int
}

func (f *fakeReadings) Recent(_ context.Context, mac string, limit int) ([]journal.Entry, error) {
	f.mac, f.limit = mac, limit
	return []journal.Entry{{Time: time.Unix(0, 0).UTC(), Reading: protocol.Reading{MAC: "AA:00:00:00:00:01"}}}, nil
}

type fixture struct {
	bridge   *fakeBridge
	updater  *fakeUpdater
	checker  *fakeChecker
	readings *fakeReadings
	server   *Server
	http     *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		bridge:   &fakeBridge{autoSwitch: true},
		updater:  &fakeUpdater{},
		checker:  &fakeChecker{},
		readings: &fakeReadings{},
	}
	f.server = New(f.bridge, f.updater, f.checker, fakeTopology{}, f.readings, Options{})
	f.http = httptest.NewServer(f.server.Router())
	t.Cleanup(func() {
		f.server.Close()
		f.http.Close()
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.http.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("%s %s: decode: %v", method, path, err)
	}
	return resp.StatusCode, out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHealthAndStatus(t *testing.T) {
	f := newFixture(t)
	f.bridge.status = ble.Status{Mode: ble.ModeConnected, Connected: true}
	f.bridge.firmware = &protocol.Version{Major: 1, Minor: 4, Patch: 2}

	code, body := f.do(t, http.MethodGet, "/health", "")
	if code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health = %d %v", code, body)
	}

	code, body = f.do(t, http.MethodGet, "/status", "")
	if code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if body["mode"] != "connected" || body["connected"] != true || body["firmware_version"] != "1.4.2" {
		t.Errorf("status = %v", body)
	}
}

func TestScanAndResults(t *testing.T) {
	f := newFixture(t)
	f.bridge.scanAds = []ble.ScanResult{
		{DeviceID: "dev-a", Name: "AirScale-AA:00:00:00:00:01", RSSI: -80},
		{DeviceID: "dev-b", Name: "AirScale-AA:00:00:00:00:02", RSSI: -55},
		{DeviceID: "dev-a2", Name: "AirScale-AA:00:00:00:00:01", RSSI: -60},
	}

	code, body := f.do(t, http.MethodPost, "/scan", `{"duration_seconds": 5}`)
	if code != http.StatusAccepted || body["duration_seconds"] != float64(5) {
		t.Fatalf("scan = %d %v", code, body)
	}

	code, body = f.do(t, http.MethodGet, "/scan/results", "")
	if code != http.StatusOK {
		t.Fatalf("results code = %d", code)
	}
	devices, _ := body["devices"].([]any)
	if len(devices) != 2 {
		t.Fatalf("devices = %v, want 2 deduplicated by MAC", devices)
	}
	first, second := devices[0].(map[string]any), devices[1].(map[string]any)
	if first["device_id"] != "dev-b" || second["device_id"] != "dev-a2" {
		t.Errorf("devices = %v, want dev-b then the refreshed dev-a2", devices)
	}

	code, _ = f.do(t, http.MethodPost, "/scan/resume", "")
	if code != http.StatusOK || f.bridge.resumed != 1 {
		t.Errorf("resume = %d, resumed %d", code, f.bridge.resumed)
	}
}

func TestSessionErrorsMapToConflict(t *testing.T) {
	f := newFixture(t)
	f.bridge.scanErr = fmt.Errorf("%w: ota", ble.ErrBusy)

	code, body := f.do(t, http.MethodPost, "/scan", "")
	if code != http.StatusConflict {
		t.Errorf("scan during OTA = %d %v, want 409", code, body)
	}

	f.bridge.connectErr = errors.New("unreachable")
	code, _ = f.do(t, http.MethodPost, "/connect", `{"device_id":"dev-a","name":"AirScale-AA:00:00:00:00:01"}`)
	if code != http.StatusBadGateway {
		t.Errorf("failed connect = %d, want 502", code)
	}
}

func TestConnect(t *testing.T) {
	f := newFixture(t)

	code, _ := f.do(t, http.MethodPost, "/connect", `{}`)
	if code != http.StatusBadRequest {
		t.Errorf("connect without id = %d, want 400", code)
	}

	code, _ = f.do(t, http.MethodPost, "/connect", `{"device_id":"dev-a","name":"AirScale-aa:00:00:00:00:01"}`)
	if code != http.StatusOK {
		t.Fatalf("connect = %d", code)
	}
	if len(f.bridge.connected) != 1 || f.bridge.connected[0].WifiMAC != "AA:00:00:00:00:01" {
		t.Errorf("connected = %+v", f.bridge.connected)
	}

	code, _ = f.do(t, http.MethodPost, "/forget", "")
	if code != http.StatusOK || f.bridge.forgotten != 1 {
		t.Errorf("forget = %d, forgotten %d", code, f.bridge.forgotten)
	}
}

func TestAutoSwitchSetting(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/settings/auto-switch", `{"enabled": false}`)
	if code != http.StatusOK || body["enabled"] != false {
		t.Fatalf("set = %d %v", code, body)
	}
	_, body = f.do(t, http.MethodGet, "/settings/auto-switch", "")
	if body["enabled"] != false {
		t.Errorf("get = %v, want disabled", body)
	}
	code, _ = f.do(t, http.MethodPost, "/settings/auto-switch", `{}`)
	if code != http.StatusBadRequest {
		t.Errorf("set without enabled = %d, want 400", code)
	}
}

func TestOTAStart(t *testing.T) {
	f := newFixture(t)

	code, _ := f.do(t, http.MethodPost, "/ota", `{"url":"/fw.bin"}`)
	if code != http.StatusConflict {
		t.Errorf("OTA while disconnected = %d, want 409", code)
	}

	f.bridge.status = ble.Status{Mode: ble.ModeConnected, Connected: true}
	code, _ = f.do(t, http.MethodPost, "/ota", `{"checksum":"abc"}`)
	if code != http.StatusBadRequest {
		t.Errorf("OTA without url = %d, want 400", code)
	}
	code, _ = f.do(t, http.MethodPost, "/ota", `{"url":"/fw.bin","checksum":"abc"}`)
	if code != http.StatusAccepted {
		t.Fatalf("OTA = %d, want 202", code)
	}

	waitFor(t, "OTA progress in status", func() bool {
		_, body := f.do(t, http.MethodGet, "/status", "")
		p, ok := body["ota_progress"].(map[string]any)
		return ok && p["phase"] == "complete"
	})
	f.updater.mu.Lock()
	fw := f.updater.calls[0]
	f.updater.mu.Unlock()
	if fw.Checksum != "abc" {
		t.Errorf("firmware = %+v", fw)
	}

	code, _ = f.do(t, http.MethodPost, "/ota/abort", "")
	if code != http.StatusConflict {
		t.Errorf("abort with nothing running = %d, want 409", code)
	}
}

func TestOTACheck(t *testing.T) {
	tests := []struct {
		name      string
		latest    string
		available bool
		want      bool
	}{
		{"newer", "1.5.0", true, true},
		{"same version reported as update", "1.4.2", true, false},
		{"no update", "", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.bridge.firmware = &protocol.Version{Major: 1, Minor: 4, Patch: 2}
			f.bridge.status = ble.Status{Connected: true, Device: &ble.Identity{DeviceID: "d", WifiMAC: "AA:00:00:00:00:01"}}
			f.checker.check = backend.FirmwareCheck{UpdateAvailable: tt.available, LatestVersion: tt.latest}

			code, body := f.do(t, http.MethodGet, "/ota/check", "")
			if code != http.StatusOK {
				t.Fatalf("check = %d %v", code, body)
			}
			if body["update_available"] != tt.want {
				t.Errorf("update_available = %v, want %v", body["update_available"], tt.want)
			}
			if f.checker.current != "1.4.2" || f.checker.mac != "AA:00:00:00:00:01" {
				t.Errorf("checked with %q %q", f.checker.current, f.checker.mac)
			}
		})
	}
}

func TestOTACheckNeedsFirmwareVersion(t *testing.T) {
	f := newFixture(t)
	code, _ := f.do(t, http.MethodGet, "/ota/check", "")
	if code != http.StatusConflict {
		t.Errorf("check without a reading = %d, want 409", code)
	}
}

func TestMeshAndReadings(t *testing.T) {
	f := newFixture(t)

	_, body := f.do(t, http.MethodGet, "/mesh", "")
	if body["hub_mac"] != "AA:00:00:00:00:01" {
		t.Errorf("mesh = %v", body)
	}

	code, body := f.do(t, http.MethodGet, "/readings?mac=AA:00:00:00:00:01&limit=5", "")
	if code != http.StatusOK {
		t.Fatalf("readings = %d", code)
	}
	if rs, _ := body["readings"].([]any); len(rs) != 1 {
		t.Errorf("readings = %v", body)
	}
	if f.readings.mac != "AA:00:00:00:00:01" || f.readings.limit != 5 {
		t.Errorf("query = %q %d", f.readings.mac, f.readings.limit)
	}

	code, _ = f.do(t, http.MethodGet, "/readings?limit=-1", "")
	if code != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", code)
	}
}

func TestWebsocketStreamsEvents(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, "client registered", func() bool { return f.server.Hub().Len() == 1 })

	rssi := -61
	f.server.Handler()(ble.Event{
		Type:     ble.EventData,
		Identity: ble.Identity{DeviceID: "dev-a", WifiMAC: "AA:00:00:00:00:01"},
		Reading:  &protocol.Reading{Role: protocol.RoleHub, MAC: "AA:00:00:00:00:01"},
		RSSI:     &rssi,
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type string `json:"type"`
		Data struct {
			Device  ble.Identity      `json:"device"`
			Reading *protocol.Reading `json:"reading"`
			RSSI    *int              `json:"rssi"`
		} `json:"data"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if msg.Type != "data" || msg.Data.Reading == nil || msg.Data.RSSI == nil || *msg.Data.RSSI != -61 {
		t.Errorf("message = %+v", msg)
	}

	f.server.Close()
	waitFor(t, "client removed", func() bool { return f.server.Hub().Len() == 0 })
}
