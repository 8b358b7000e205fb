package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/airscales/airscale-bridge/internal/ble"
	"github.com/airscales/airscale-bridge/internal/ble/protocol"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "readings.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func reading(mac string, weight float32) *protocol.Reading {
	return &protocol.Reading{
		Role:        protocol.RoleDevice,
		MAC:         mac,
		TotalWeight: weight,
		Battery:     90,
		Firmware:    protocol.Version{Major: 1, Minor: 2, Patch: 3},
		Node:        &protocol.NodeInfo{ESPNowRSSI: -40},
	}
}

func TestAppendAndRecent(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	entries := []struct {
		mac    string
		weight float32
	}{
		{"AA:BB:CC:DD:EE:01", 100},
		{"AA:BB:CC:DD:EE:02", 200},
		{"AA:BB:CC:DD:EE:01", 150},
	}
	for i, e := range entries {
		if err := j.Append(ctx, base.Add(time.Duration(i)*time.Second), reading(e.mac, e.weight)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	all, err := j.Recent(ctx, "", 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Recent() = %d entries, want 3", len(all))
	}
	if all[0].Reading.TotalWeight != 150 || !all[0].Time.Equal(base.Add(2*time.Second)) {
		t.Errorf("newest = %+v, want weight 150 at +2s", all[0])
	}
	if all[0].Reading.Node == nil || all[0].Reading.Node.ESPNowRSSI != -40 {
		t.Errorf("node info lost in round trip: %+v", all[0].Reading.Node)
	}

	one, err := j.Recent(ctx, "AA:BB:CC:DD:EE:01", 1)
	if err != nil {
		t.Fatalf("Recent(mac) error = %v", err)
	}
	if len(one) != 1 || one[0].Reading.TotalWeight != 150 {
		t.Errorf("Recent(mac, 1) = %+v", one)
	}
}

func TestPrune(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	now := time.Now()

	_ = j.Append(ctx, now.Add(-48*time.Hour), reading("AA:BB:CC:DD:EE:01", 1))
	_ = j.Append(ctx, now, reading("AA:BB:CC:DD:EE:01", 2))

	n, err := j.Prune(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Prune() removed %d, want 1", n)
	}
	left, _ := j.Recent(ctx, "", 0)
	if len(left) != 1 || left[0].Reading.TotalWeight != 2 {
		t.Errorf("remaining = %+v", left)
	}
}

func TestHandlerRecordsReadingsOnly(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	h := j.Handler(ctx)

	h(ble.Event{Type: ble.EventConnected, Time: time.Now()})
	h(ble.Event{Type: ble.EventData, Time: time.Now(), Reading: reading("AA:BB:CC:DD:EE:01", 42)})
	h(ble.Event{Type: ble.EventData, Time: time.Now()})

	got, err := j.Recent(ctx, "", 0)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 1 || got[0].Reading.TotalWeight != 42 {
		t.Errorf("journal = %+v, want one reading", got)
	}
}
