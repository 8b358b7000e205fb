// Package ota pushes firmware images to the connected sensor over the OTA
// characteristic.
package ota

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/airscales/airscale-bridge/internal/ble"
	"github.com/airscales/airscale-bridge/internal/ble/protocol"
)

var (
	// ErrInProgress is returned when a transfer is already running.
	ErrInProgress = errors.New("ota: update already in progress")
	// ErrAborted is returned when Abort stopped the transfer.
	ErrAborted = errors.New("ota: update aborted")
	// ErrChecksum is returned when the downloaded image does not match the
	// expected MD5.
	ErrChecksum = errors.New("ota: checksum mismatch")
	// ErrEmptyImage is returned for a zero-length image.
	ErrEmptyImage = errors.New("ota: empty firmware image")
)

// Phase is a stage of a transfer.
type Phase string

const (
	PhaseDownload Phase = "download"
	PhasePrepare  Phase = "prepare"
	PhaseUpload   Phase = "upload"
	PhaseVerify   Phase = "verify"
	PhaseComplete Phase = "complete"
	PhaseError    Phase = "error"
)

// Progress is reported to the caller as a transfer advances.
type Progress struct {
	Phase   Phase  `json:"phase"`
	Percent int    `json:"percent"`
	Message string `json:"message"`
}

// Firmware names an image to fetch. Checksum is an optional hex MD5.
type Firmware struct {
	URL      string `json:"url"`
	Checksum string `json:"checksum,omitempty"`
}

// Stats summarises a completed transfer.
type Stats struct {
	Bytes      int           `json:"bytes"`
	Chunks     int           `json:"chunks"`
	ChunkSize  int           `json:"chunk_size"`
	MTU        int           `json:"mtu"`
	NoResponse bool          `json:"write_without_response"`
	Duration   time.Duration `json:"duration"`
}

// Session is the part of the BLE manager a transfer needs: exclusive use of
// the link, then its release.
type Session interface {
	BeginOTA() (ble.OTAWriter, error)
	EndOTA(rebooting bool)
}

// Downloader fetches firmware images.
type Downloader interface {
	DownloadFirmware(ctx context.Context, ref string, onProgress func(written, total int64)) ([]byte, error)
}

// Options tunes flow control. The peer writes each chunk to flash, so the
// sender must leave it time to drain its queue. Zero durations disable the
// corresponding pause.
type Options struct {
	StartDelay      time.Duration // after the START frame (default 100ms)
	NoResponseMTU   int           // minimum MTU for write-without-response (default 250)
	NoResponseDelay time.Duration // after every unacknowledged write (default 2ms)
	NoResponseEvery int           // chunks between extra pauses, unacknowledged (default 10)
	NoResponsePause time.Duration // default 25ms
	AckEvery        int           // chunks between pauses, acknowledged (default 50)
	AckPause        time.Duration // default 10ms
}

// DefaultOptions returns timings tuned for ESP32 flash write latency.
func DefaultOptions() Options {
	return Options{
		StartDelay:      100 * time.Millisecond,
		NoResponseMTU:   250,
		NoResponseDelay: 2 * time.Millisecond,
		NoResponseEvery: 10,
		NoResponsePause: 25 * time.Millisecond,
		AckEvery:        50,
		AckPause:        10 * time.Millisecond,
	}
}

// Engine runs one firmware transfer at a time.
type Engine struct {
	session    Session
	downloader Downloader
	opts       Options

	mu      sync.Mutex
	running bool
	aborted atomic.Bool
}

// NewEngine creates an Engine. downloader may be nil if only UpdateImage is used.
func NewEngine(session Session, downloader Downloader, opts Options) *Engine {
	d := DefaultOptions()
	if opts.NoResponseMTU <= 0 {
		opts.NoResponseMTU = d.NoResponseMTU
	}
	if opts.NoResponseEvery <= 0 {
		opts.NoResponseEvery = d.NoResponseEvery
	}
	if opts.AckEvery <= 0 {
		opts.AckEvery = d.AckEvery
	}
	return &Engine{session: session, downloader: downloader, opts: opts}
}

// InProgress reports whether a transfer is running.
func (e *Engine) InProgress() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Abort asks a running transfer to stop before its next chunk. It reports
// whether a transfer was running.
func (e *Engine) Abort() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return false
	}
	slog.Warn("[OTA] abort requested")
	e.aborted.Store(true)
	return true
}

func (e *Engine) acquire() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrInProgress
	}
	e.running = true
	e.aborted.Store(false)
	return nil
}

func (e *Engine) release() {
	e.mu.Lock()
	e.running = false
	e.aborted.Store(false)
	e.mu.Unlock()
}

// Update downloads fw and flashes it onto the connected sensor.
func (e *Engine) Update(ctx context.Context, fw Firmware, onProgress func(Progress)) (Stats, error) {
	if err := e.acquire(); err != nil {
		return Stats{}, err
	}
	defer e.release()
	report := progressFunc(onProgress)

	image, err := e.download(ctx, fw, report)
	if err != nil {
		slog.Error("[OTA] download failed", "url", fw.URL, "error", err)
		report(Progress{Phase: PhaseError, Message: "Update failed: " + err.Error()})
		return Stats{}, err
	}
	return e.flash(ctx, image, report)
}

// UpdateImage flashes an image already in memory.
func (e *Engine) UpdateImage(ctx context.Context, image []byte, onProgress func(Progress)) (Stats, error) {
	if err := e.acquire(); err != nil {
		return Stats{}, err
	}
	defer e.release()
	return e.flash(ctx, image, progressFunc(onProgress))
}

func progressFunc(fn func(Progress)) func(Progress) {
	if fn == nil {
		return func(Progress) {}
	}
	return fn
}

func (e *Engine) download(ctx context.Context, fw Firmware, report func(Progress)) ([]byte, error) {
	if e.downloader == nil {
		return nil, fmt.Errorf("ota: no firmware downloader configured")
	}
	report(Progress{Phase: PhaseDownload, Message: "Downloading firmware..."})
	slog.Info("[OTA] downloading firmware", "url", fw.URL)

	last := -1
	image, err := e.downloader.DownloadFirmware(ctx, fw.URL, func(written, total int64) {
		if total <= 0 {
			return
		}
		pct := int(written * 100 / total)
		if pct/10 != last/10 {
			last = pct
			report(Progress{Phase: PhaseDownload, Percent: pct, Message: "Downloading firmware..."})
		}
	})
	if err != nil {
		return nil, fmt.Errorf("ota: download firmware: %w", err)
	}
	if err := VerifyChecksum(image, fw.Checksum); err != nil {
		return nil, err
	}
	slog.Info("[OTA] firmware downloaded", "bytes", len(image))
	report(Progress{Phase: PhaseDownload, Percent: 100, Message: fmt.Sprintf("Downloaded %s", formatBytes(len(image)))})
	return image, nil
}

// VerifyChecksum compares the MD5 of image with the hex digest want. An
// empty want skips the check.
func VerifyChecksum(image []byte, want string) error {
	want = strings.TrimSpace(want)
	if want == "" {
		return nil
	}
	sum := md5.Sum(image)
	got := hex.EncodeToString(sum[:])
	if !strings.EqualFold(got, want) {
		return fmt.Errorf("%w: got %s, want %s", ErrChecksum, got, want)
	}
	return nil
}

func (e *Engine) flash(ctx context.Context, image []byte, report func(Progress)) (stats Stats, err error) {
	if len(image) == 0 {
		report(Progress{Phase: PhaseError, Message: "Update failed: " + ErrEmptyImage.Error()})
		return Stats{}, ErrEmptyImage
	}

	w, err := e.session.BeginOTA()
	if err != nil {
		err = fmt.Errorf("ota: acquire link: %w", err)
		report(Progress{Phase: PhaseError, Message: "Update failed: " + err.Error()})
		return Stats{}, err
	}

	rebooting := false
	defer func() { e.session.EndOTA(rebooting) }()

	start := time.Now()
	stats, err = e.transfer(ctx, w, image, report)
	if err != nil {
		slog.Error("[OTA] update failed", "error", err)
		if aerr := w.Write(protocol.AbortFrame()); aerr != nil {
			slog.Debug("[OTA] abort frame not delivered", "error", aerr)
		} else {
			slog.Warn("[OTA] abort frame sent")
		}
		report(Progress{Phase: PhaseError, Message: "Update failed: " + err.Error()})
		return stats, err
	}

	rebooting = true
	stats.Duration = time.Since(start)
	slog.Info("[OTA] update complete, device rebooting", "bytes", stats.Bytes, "chunks", stats.Chunks, "duration", stats.Duration)
	report(Progress{Phase: PhaseComplete, Percent: 100, Message: "Update complete! Device is rebooting..."})
	return stats, nil
}

func (e *Engine) transfer(ctx context.Context, w ble.OTAWriter, image []byte, report func(Progress)) (Stats, error) {
	mtu := w.MTU()
	size := protocol.ChunkSize(mtu)
	noResponse := mtu >= e.opts.NoResponseMTU
	chunks := protocol.ChunkBytes(image, size)
	stats := Stats{Bytes: len(image), ChunkSize: size, MTU: mtu, NoResponse: noResponse}

	report(Progress{Phase: PhasePrepare, Message: "Preparing device for update..."})
	if err := w.Write(protocol.StartFrame(uint32(len(image)))); err != nil {
		return stats, fmt.Errorf("ota: send start: %w", err)
	}
	if err := sleep(ctx, e.opts.StartDelay); err != nil {
		return stats, err
	}

	slog.Info("[OTA] sending firmware", "chunks", len(chunks), "chunk_size", size, "mtu", mtu, "write_without_response", noResponse)

	sent, lastPct := 0, -1
	for i, chunk := range chunks {
		if e.aborted.Load() {
			return stats, ErrAborted
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		frame := protocol.DataFrame(chunk)
		var err error
		if noResponse {
			err = w.WriteWithoutResponse(frame)
		} else {
			err = w.Write(frame)
		}
		if err != nil {
			return stats, fmt.Errorf("ota: send chunk %d/%d: %w", i+1, len(chunks), err)
		}
		stats.Chunks++
		sent += len(chunk)

		pct := sent * 100 / len(image)
		if (pct%5 == 0 && pct != lastPct) || i == len(chunks)-1 {
			lastPct = pct
			report(Progress{
				Phase:   PhaseUpload,
				Percent: pct,
				Message: fmt.Sprintf("Uploading... %d%% (%s / %s)", pct, formatBytes(sent), formatBytes(len(image))),
			})
		}

		if err := sleep(ctx, e.pause(i, noResponse)); err != nil {
			return stats, err
		}
	}

	report(Progress{Phase: PhaseVerify, Message: "Verifying and installing..."})
	if err := w.Write(protocol.EndFrame()); err != nil {
		if !IsRebootError(err) {
			return stats, fmt.Errorf("ota: send end: %w", err)
		}
		slog.Info("[OTA] link lost after end frame, device rebooting", "error", err)
	}
	return stats, nil
}

// pause returns the delay after chunk i.
func (e *Engine) pause(i int, noResponse bool) time.Duration {
	if noResponse {
		d := e.opts.NoResponseDelay
		if i > 0 && i%e.opts.NoResponseEvery == 0 {
			d += e.opts.NoResponsePause
		}
		return d
	}
	if i > 0 && i%e.opts.AckEvery == 0 {
		return e.opts.AckPause
	}
	return 0
}

// IsRebootError reports whether err looks like the link dropping because the
// device started rebooting into the new image.
func IsRebootError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ble.ErrNotConnected) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "disconnect") ||
		strings.Contains(msg, "not connected")
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func formatBytes(n int) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.2f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
