// Package mesh accumulates the hub/device topology seen in sensor readings
// and reports it to the backend.
package mesh

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/airscales/airscale-bridge/internal/backend"
	"github.com/airscales/airscale-bridge/internal/ble"
	"github.com/airscales/airscale-bridge/internal/ble/protocol"
)

// RoleMaster is the role the backend records for the hub.
const RoleMaster = "master"

// DefaultHeartbeatInterval is how often the topology is re-reported while
// devices are known.
const DefaultHeartbeatInterval = 60 * time.Second

// Reporter sends a topology report upstream.
type Reporter interface {
	RegisterMesh(ctx context.Context, r backend.MeshReport) error
}

// Topology is a snapshot of what the tracker has seen.
type Topology struct {
	HubMAC string   `json:"hub_mac,omitempty"`
	Slaves []string `json:"slaves"`
	RSSI   *int     `json:"signal_strength,omitempty"`
}

// Tracker records the hub MAC (first seen wins) and the set of mesh device
// MACs. Safe for concurrent use.
type Tracker struct {
	reporter Reporter
	interval time.Duration

	mu     sync.Mutex
	hub    string
	slaves map[string]struct{}
	rssi   *int

	wg sync.WaitGroup
}

// NewTracker creates a Tracker. A non-positive interval selects
// DefaultHeartbeatInterval.
func NewTracker(reporter Reporter, interval time.Duration) *Tracker {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Tracker{
		reporter: reporter,
		interval: interval,
		slaves:   make(map[string]struct{}),
	}
}

// Handler returns a ble event subscriber that feeds readings to Observe.
func (t *Tracker) Handler(ctx context.Context) func(ble.Event) {
	return func(e ble.Event) {
		if e.Type != ble.EventData || e.Reading == nil {
			return
		}
		if e.RSSI != nil {
			t.mu.Lock()
			v := *e.RSSI
			t.rssi = &v
			t.mu.Unlock()
		}
		t.Observe(ctx, e.Reading)
	}
}

// Observe records r. A newly seen mesh device triggers an immediate report.
func (t *Tracker) Observe(ctx context.Context, r *protocol.Reading) {
	if r == nil || r.MAC == "" {
		return
	}
	t.mu.Lock()
	if r.IsHub() {
		if t.hub == "" {
			t.hub = r.MAC
			slog.Info("[MESH] hub identified", "mac", r.MAC)
		}
		t.mu.Unlock()
		return
	}
	if _, ok := t.slaves[r.MAC]; ok {
		t.mu.Unlock()
		return
	}
	t.slaves[r.MAC] = struct{}{}
	n := len(t.slaves)
	t.mu.Unlock()

	slog.Info("[MESH] new mesh device", "mac", r.MAC, "devices", n)
	t.reportAsync(ctx)
}

// Topology returns a snapshot of the current topology.
func (t *Tracker) Topology() Topology {
	t.mu.Lock()
	defer t.mu.Unlock()
	slaves := make([]string, 0, len(t.slaves))
	for mac := range t.slaves {
		slaves = append(slaves, mac)
	}
	sort.Strings(slaves)
	var rssi *int
	if t.rssi != nil {
		v := *t.rssi
		rssi = &v
	}
	return Topology{HubMAC: t.hub, Slaves: slaves, RSSI: rssi}
}

// Run sends heartbeat reports every interval while at least one mesh device
// is known. It returns when ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	tick := time.NewTicker(t.interval)
	defer tick.Stop()
	t.run(ctx, tick.C)
	return nil
}

func (t *Tracker) run(ctx context.Context, ticks <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			t.wg.Wait()
			return
		case <-ticks:
			if len(t.Topology().Slaves) == 0 {
				continue
			}
			slog.Debug("[MESH] heartbeat")
			t.report(ctx)
		}
	}
}

// Wait blocks until in-flight reports complete.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

func (t *Tracker) reportAsync(ctx context.Context) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.report(ctx)
	}()
}

func (t *Tracker) report(ctx context.Context) {
	topo := t.Topology()
	if topo.HubMAC == "" {
		slog.Debug("[MESH] hub not yet seen, report deferred", "devices", len(topo.Slaves))
		return
	}
	err := t.reporter.RegisterMesh(ctx, backend.MeshReport{
		MAC:             topo.HubMAC,
		Role:            RoleMaster,
		ConnectedSlaves: topo.Slaves,
		SignalStrength:  topo.RSSI,
	})
	if err != nil {
		slog.Warn("[MESH] topology report failed", "error", err)
		return
	}
	slog.Debug("[MESH] topology reported", "hub", topo.HubMAC, "devices", len(topo.Slaves))
}
