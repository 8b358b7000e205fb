package ble

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scan is a handle on one scan started by a Scanner.
type Scan struct {
	token uint64
	label string

	done chan struct{}
	once sync.Once
	err  error
}

// Done is closed when the scan ends, whether by timeout, StopScan, or being
// superseded by a newer scan.
func (s *Scan) Done() <-chan struct{} { return s.done }

// Err reports a platform scan failure. Valid after Done is closed.
func (s *Scan) Err() error {
	<-s.done
	return s.err
}

// Label is the caller-supplied name of the scan, used in logs.
func (s *Scan) Label() string { return s.label }

func (s *Scan) finish(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

// Scanner serialises access to the radio's scan facility. At most one scan
// runs at a time; starting a scan supersedes the previous one, and results
// belonging to a superseded or stopped scan are dropped.
type Scanner struct {
	adapter Adapter

	mu      sync.Mutex
	token   uint64
	active  bool
	current *Scan
	cancel  context.CancelFunc
	timer   *time.Timer
}

// NewScanner creates a Scanner over adapter.
func NewScanner(adapter Adapter) *Scanner {
	return &Scanner{adapter: adapter}
}

// StartScan stops any scan in progress and starts a new one that ends after
// duration. onResult is called, from the adapter's goroutine, for each
// advertisement that passes filter while this scan is still the current one.
func (s *Scanner) StartScan(filter ScanFilter, onResult func(ScanResult), duration time.Duration, label string) *Scan {
	s.mu.Lock()
	if prev := s.stopLocked(); prev != nil {
		slog.Debug("[BLE] scan stopped", "label", prev.label, "token", prev.token, "reason", "superseded by "+label)
	}
	s.token++
	tok := s.token
	ctx, cancel := context.WithCancel(context.Background())
	scan := &Scan{token: tok, label: label, done: make(chan struct{})}
	s.current = scan
	s.cancel = cancel
	s.active = true
	if duration > 0 {
		s.timer = time.AfterFunc(duration, func() { s.stopToken(tok, "timeout") })
	}
	s.mu.Unlock()

	slog.Debug("[BLE] scan started", "label", label, "token", tok, "duration", duration)

	go func() {
		err := s.adapter.Scan(ctx, filter, func(r ScanResult) {
			if !s.isCurrent(tok) {
				slog.Debug("[BLE] dropping stale scan result", "label", label, "token", tok, "device", r.DeviceID)
				return
			}
			if !filter.Match(r) {
				return
			}
			onResult(r)
		})
		if ctx.Err() != nil {
			err = nil
		}
		if err != nil {
			slog.Warn("[BLE] scan failed", "label", label, "error", err)
		}
		s.stopToken(tok, "adapter scan returned")
		scan.finish(err)
	}()

	return scan
}

// StopScan ends the current scan, if any. Safe to call when idle.
func (s *Scanner) StopScan(reason string) {
	s.mu.Lock()
	scan := s.stopLocked()
	s.mu.Unlock()
	if scan != nil {
		slog.Debug("[BLE] scan stopped", "label", scan.label, "token", scan.token, "reason", reason)
	}
}

// InProgress reports whether a scan is running.
func (s *Scanner) InProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Token returns the token of the most recently started scan.
func (s *Scanner) Token() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *Scanner) isCurrent(tok uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active && tok == s.token
}

// stopToken stops the scan only if tok is still the current one.
func (s *Scanner) stopToken(tok uint64, reason string) {
	s.mu.Lock()
	if tok != s.token || !s.active {
		s.mu.Unlock()
		return
	}
	scan := s.stopLocked()
	s.mu.Unlock()
	if scan != nil {
		slog.Debug("[BLE] scan stopped", "label", scan.label, "token", tok, "reason", reason)
	}
}

// stopLocked cancels the active scan. Caller must hold mu.
func (s *Scanner) stopLocked() *Scan {
	if !s.active {
		return nil
	}
	s.active = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return s.current
}
