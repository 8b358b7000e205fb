// Package journal keeps a local history of sensor readings in SQLite so the
// bridge can show recent data while the backend is unreachable.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/airscales/airscale-bridge/internal/ble"
	"github.com/airscales/airscale-bridge/internal/ble/protocol"
)

var schema = []string{`CREATE TABLE IF NOT EXISTS readings (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	time         INTEGER NOT NULL, -- unix milliseconds
	mac          TEXT    NOT NULL, -- reporting sensor
	role         TEXT    NOT NULL,
	total_weight REAL    NOT NULL,
	battery      INTEGER NOT NULL,
	payload      TEXT    NOT NULL  -- full reading as JSON
)`,
	`CREATE INDEX IF NOT EXISTS readings_mac_time ON readings (mac, time)`,
}

// Entry is one journaled reading.
type Entry struct {
	Time    time.Time        `json:"time"`
	Reading protocol.Reading `json:"reading"`
}

// Journal is an append-only reading history.
type Journal struct {
	db *sql.DB
}

// Open opens (creating if needed) the journal at fname.
func Open(fname string) (*Journal, error) {
	db, err := sql.Open("sqlite", fname)
	if err != nil {
		return nil, fmt.Errorf("could not open journal %q: %w", fname, err)
	}
	// One writer; SQLite serialises anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("could not create journal schema %q: %w", fname, err)
		}
	}

	// Use Write Ahead Logging which improves SQLite concurrency.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("could not set WAL mode: %w", err)
	}

	return &Journal{db: db}, nil
}

// Close closes the journal.
func (j *Journal) Close() error {
	if j.db != nil {
		if err := j.db.Close(); err != nil {
			return fmt.Errorf("could not close journal: %w", err)
		}
		j.db = nil
	}
	return nil
}

// Append records r as seen at t.
func (j *Journal) Append(ctx context.Context, t time.Time, r *protocol.Reading) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("could not encode reading: %w", err)
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT INTO readings (time, mac, role, total_weight, battery, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		t.UnixMilli(), r.MAC, string(r.Role), float64(r.TotalWeight), int(r.Battery), string(payload),
	)
	if err != nil {
		return fmt.Errorf("could not insert reading: %w", err)
	}
	return nil
}

// Recent returns up to limit readings, newest first. An empty mac matches
// every sensor.
func (j *Journal) Recent(ctx context.Context, mac string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT time, payload FROM readings ORDER BY time DESC, id DESC LIMIT ?`
	args := []any{limit}
	if mac != "" {
		query = `SELECT time, payload FROM readings WHERE mac = ? ORDER BY time DESC, id DESC LIMIT ?`
		args = []any{mac, limit}
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("could not query readings: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			ms      int64
			payload string
			e       Entry
		)
		if err := rows.Scan(&ms, &payload); err != nil {
			return nil, fmt.Errorf("could not scan reading row: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Reading); err != nil {
			return nil, fmt.Errorf("could not decode reading row: %w", err)
		}
		e.Time = time.UnixMilli(ms).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes readings older than before and reports how many went.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM readings WHERE time < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("could not prune readings: %w", err)
	}
	return res.RowsAffected()
}

// Handler returns a ble event subscriber that journals every reading.
func (j *Journal) Handler(ctx context.Context) func(ble.Event) {
	return func(e ble.Event) {
		if e.Type != ble.EventData || e.Reading == nil {
			return
		}
		if err := j.Append(ctx, e.Time, e.Reading); err != nil {
			slog.Warn("[JOURNAL] could not record reading", "mac", e.Reading.MAC, "error", err)
		}
	}
}
