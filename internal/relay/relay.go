// Package relay forwards sensor readings to the backend, throttled per
// sensor, and pushes any calibration coefficients the backend returns back
// down to the mesh over BLE.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/airscales/airscale-bridge/internal/backend"
	"github.com/airscales/airscale-bridge/internal/ble"
	"github.com/airscales/airscale-bridge/internal/ble/protocol"
)

// Uploader is the part of the backend client the relay uses.
type Uploader interface {
	NotifyConnect(ctx context.Context, mac, deviceName string) error
	SendData(ctx context.Context, up backend.DataUpload) (*backend.DataResponse, error)
}

// CoefficientWriter delivers calibration coefficients to the sensor.
type CoefficientWriter interface {
	WriteCoefficients(ctx context.Context, c protocol.Coefficients) error
}

// Options configures a Relay.
type Options struct {
	UploadInterval   time.Duration // minimum time between uploads per MAC (default 30s)
	CoefficientDelay time.Duration // spacing between coefficient writes (default 200ms)
}

// DefaultOptions returns the production timings.
func DefaultOptions() Options {
	return Options{
		UploadInterval:   30 * time.Second,
		CoefficientDelay: 200 * time.Millisecond,
	}
}

// Relay throttles and forwards readings. Safe for concurrent use.
type Relay struct {
	up      Uploader
	writer  CoefficientWriter
	opts    Options
	limiter *rate.Limiter
	now     func() time.Time

	mu       sync.Mutex
	last     map[string]time.Time // last successful upload per MAC
	inflight map[string]bool

	wg sync.WaitGroup
}

// New creates a Relay.
func New(up Uploader, writer CoefficientWriter, opts Options) *Relay {
	d := DefaultOptions()
	if opts.UploadInterval <= 0 {
		opts.UploadInterval = d.UploadInterval
	}
	if opts.CoefficientDelay <= 0 {
		opts.CoefficientDelay = d.CoefficientDelay
	}
	return &Relay{
		up:       up,
		writer:   writer,
		opts:     opts,
		limiter:  rate.NewLimiter(rate.Every(opts.CoefficientDelay), 1),
		now:      time.Now,
		last:     make(map[string]time.Time),
		inflight: make(map[string]bool),
	}
}

// Handler returns a ble event subscriber that feeds the relay.
func (r *Relay) Handler(ctx context.Context) func(ble.Event) {
	return func(e ble.Event) {
		switch e.Type {
		case ble.EventConnected:
			r.HandleConnected(ctx, e.Identity)
		case ble.EventData:
			if e.Reading != nil {
				r.HandleReading(ctx, e.Reading, e.Identity.Name)
			}
		}
	}
}

// HandleConnected notifies the backend of a fresh connection. The call runs
// in the background; failures are logged.
func (r *Relay) HandleConnected(ctx context.Context, id ble.Identity) {
	mac := id.Key()
	if mac == "" {
		slog.Warn("[RELAY] connected sensor has no WiFi MAC, not notifying backend", "device", id.DeviceID)
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.up.NotifyConnect(ctx, mac, id.Name); err != nil {
			slog.Warn("[RELAY] connect notification failed", "mac", mac, "error", err)
			return
		}
		slog.Info("[RELAY] backend notified of connection", "mac", mac)
	}()
}

// HandleReading uploads rd unless its MAC was uploaded within the upload
// interval or an upload for it is still running. It reports whether an
// upload was started.
func (r *Relay) HandleReading(ctx context.Context, rd *protocol.Reading, deviceName string) bool {
	mac := rd.MAC
	if mac == "" {
		return false
	}
	now := r.now()

	r.mu.Lock()
	if r.inflight[mac] {
		r.mu.Unlock()
		return false
	}
	if last, ok := r.last[mac]; ok && now.Sub(last) < r.opts.UploadInterval {
		r.mu.Unlock()
		return false
	}
	r.inflight[mac] = true
	r.mu.Unlock()

	up := BuildUpload(rd, deviceName, now)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.upload(ctx, mac, up)
	}()
	return true
}

func (r *Relay) upload(ctx context.Context, mac string, up backend.DataUpload) {
	resp, err := r.up.SendData(ctx, up)

	r.mu.Lock()
	delete(r.inflight, mac)
	if err == nil {
		r.last[mac] = r.now()
	}
	r.mu.Unlock()

	if err != nil {
		slog.Warn("[RELAY] upload failed", "mac", mac, "error", err)
		return
	}
	slog.Debug("[RELAY] uploaded", "mac", mac, "coefficients", len(resp.SlaveCoefficients))

	for _, sc := range resp.SlaveCoefficients {
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}
		c := sc.Coefficients()
		if err := r.writer.WriteCoefficients(ctx, c); err != nil {
			slog.Warn("[RELAY] coefficient write failed", "target", c.TargetMAC, "channel", c.Channel, "error", err)
			continue
		}
		slog.Info("[RELAY] coefficients delivered", "target", c.TargetMAC, "channel", c.Channel)
	}
}

// Wait blocks until background uploads and notifications finish.
func (r *Relay) Wait() {
	r.wg.Wait()
}

// BuildUpload converts a reading into the upload payload. Hubs always
// report both load channels; mesh devices report channel 2 only when it
// carries data.
func BuildUpload(rd *protocol.Reading, deviceName string, at time.Time) backend.DataUpload {
	channels := []backend.ChannelReading{{
		Channel:     1,
		AirPressure: float64(rd.Ch1AirPressure),
		Weight:      float64(rd.Ch1Weight),
	}}
	if rd.IsHub() || rd.Ch2AirPressure != 0 || rd.Ch2Weight != 0 {
		channels = append(channels, backend.ChannelReading{
			Channel:     2,
			AirPressure: float64(rd.Ch2AirPressure),
			Weight:      float64(rd.Ch2Weight),
		})
	}
	return backend.DataUpload{
		MAC:             rd.MAC,
		DeviceName:      deviceName,
		FirmwareVersion: rd.Firmware.String(),
		DataPoints: []backend.DataPoint{{
			Timestamp:           at.UTC(),
			Channels:            channels,
			MainAirPressure:     float64(rd.Ch1AirPressure),
			AtmosphericPressure: float64(rd.Atmospheric),
			Temperature:         float64(rd.Temperature),
		}},
		RequestCoefficients: true,
	}
}
