// Package api serves the bridge's local HTTP control surface and a websocket
// stream of session events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/airscales/airscale-bridge/internal/backend"
	"github.com/airscales/airscale-bridge/internal/ble"
	"github.com/airscales/airscale-bridge/internal/ble/protocol"
	"github.com/airscales/airscale-bridge/internal/journal"
	"github.com/airscales/airscale-bridge/internal/mesh"
	"github.com/airscales/airscale-bridge/internal/ota"
)

// Bridge is the session surface the API drives.
type Bridge interface {
	Status() ble.Status
	Firmware() (protocol.Version, bool)
	ScanForDevices(ctx context.Context, onFound func(ble.ScanResult), duration time.Duration) (*ble.Scan, error)
	ResumeAutoDiscovery() bool
	ConnectByID(ctx context.Context, id ble.Identity) error
	Disconnect() error
	ForgetDevice() error
	AutoSwitch() bool
	SetAutoSwitch(ctx context.Context, enabled bool) error
}

// Updater runs firmware transfers.
type Updater interface {
	Update(ctx context.Context, fw ota.Firmware, onProgress func(ota.Progress)) (ota.Stats, error)
	Abort() bool
	InProgress() bool
}

// FirmwareChecker asks the backend about newer firmware.
type FirmwareChecker interface {
	CheckFirmware(ctx context.Context, current, mac string) (*backend.FirmwareCheck, error)
}

// TopologySource exposes the mesh tracker.
type TopologySource interface {
	Topology() mesh.Topology
}

// ReadingSource exposes the reading journal.
type ReadingSource interface {
	Recent(ctx context.Context, mac string, limit int) ([]journal.Entry, error)
}

// Options configures a Server.
type Options struct {
	Addr           string        // listen address (default 127.0.0.1:8787)
	ScanDuration   time.Duration // default manual scan length (default 10s)
	RequestTimeout time.Duration // per-request timeout (default 30s)
}

// DefaultOptions returns the defaults.
func DefaultOptions() Options {
	return Options{
		Addr:           "127.0.0.1:8787",
		ScanDuration:   10 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// Server is the local control API. Journal, mesh and firmware collaborators
// are optional; their routes answer 503 when absent.
type Server struct {
	bridge   Bridge
	updater  Updater
	checker  FirmwareChecker
	topology TopologySource
	readings ReadingSource
	opts     Options
	hub      *Hub

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	scanResults map[string]ble.ScanResult
	otaProgress *ota.Progress
}

// New creates a Server.
func New(bridge Bridge, updater Updater, checker FirmwareChecker, topology TopologySource, readings ReadingSource, opts Options) *Server {
	d := DefaultOptions()
	if opts.Addr == "" {
		opts.Addr = d.Addr
	}
	if opts.ScanDuration <= 0 {
		opts.ScanDuration = d.ScanDuration
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = d.RequestTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		bridge:      bridge,
		updater:     updater,
		checker:     checker,
		topology:    topology,
		readings:    readings,
		opts:        opts,
		hub:         NewHub(),
		ctx:         ctx,
		cancel:      cancel,
		scanResults: make(map[string]ble.ScanResult),
	}
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// The websocket stream outlives any request timeout.
	r.Get("/ws", func(w http.ResponseWriter, req *http.Request) { s.hub.ServeWS(s.ctx, w, req) })

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.opts.RequestTimeout))

		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)

		r.Route("/scan", func(r chi.Router) {
			r.Post("/", s.handleScan)
			r.Get("/results", s.handleScanResults)
			r.Post("/resume", s.handleScanResume)
		})

		r.Post("/connect", s.handleConnect)
		r.Post("/disconnect", s.handleDisconnect)
		r.Post("/forget", s.handleForget)

		r.Get("/settings/auto-switch", s.handleGetAutoSwitch)
		r.Post("/settings/auto-switch", s.handleSetAutoSwitch)

		r.Route("/ota", func(r chi.Router) {
			r.Post("/", s.handleOTA)
			r.Post("/abort", s.handleOTAAbort)
			r.Get("/check", s.handleOTACheck)
		})

		r.Get("/mesh", s.handleMesh)
		r.Get("/readings", s.handleReadings)
	})
	return r
}

// Handler returns a ble event subscriber that forwards session events to
// websocket clients.
func (s *Server) Handler() func(ble.Event) {
	return func(e ble.Event) {
		s.hub.Broadcast(Message{Type: e.Type.String(), Data: eventPayload{
			Identity: e.Identity,
			Reading:  e.Reading,
			RSSI:     e.RSSI,
			Time:     e.Time,
		}})
	}
}

type eventPayload struct {
	Identity ble.Identity      `json:"device"`
	Reading  *protocol.Reading `json:"reading,omitempty"`
	RSSI     *int              `json:"rssi,omitempty"`
	Time     time.Time         `json:"time"`
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("[API] listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	slog.Info("[API] stopped")
	return nil
}

// Close ends background work started by handlers and disconnects websocket
// clients.
func (s *Server) Close() {
	s.cancel()
	s.hub.Close()
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Debug("[API] could not write response", "error", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]any{
		"error": message,
		"code":  status,
	})
}

func successResponse(w http.ResponseWriter, message string) {
	jsonResponse(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"message": message,
	})
}

// sessionError maps session errors to HTTP statuses.
func sessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ble.ErrBusy), errors.Is(err, ota.ErrInProgress):
		errorResponse(w, http.StatusConflict, err.Error())
	case errors.Is(err, ble.ErrNotConnected), errors.Is(err, ble.ErrNoSavedDevice):
		errorResponse(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		errorResponse(w, http.StatusGatewayTimeout, err.Error())
	default:
		errorResponse(w, http.StatusBadGateway, err.Error())
	}
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	ble.Status
	FirmwareVersion string        `json:"firmware_version,omitempty"`
	OTAInProgress   bool          `json:"ota_in_progress"`
	OTAProgress     *ota.Progress `json:"ota_progress,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Status: s.bridge.Status()}
	if v, ok := s.bridge.Firmware(); ok {
		resp.FirmwareVersion = v.String()
	}
	if s.updater != nil {
		resp.OTAInProgress = s.updater.InProgress()
	}
	s.mu.Lock()
	if s.otaProgress != nil {
		p := *s.otaProgress
		resp.OTAProgress = &p
	}
	s.mu.Unlock()
	jsonResponse(w, http.StatusOK, resp)
}

type scanRequest struct {
	DurationSeconds int `json:"duration_seconds"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := decodeBody(r, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	duration := s.opts.ScanDuration
	if req.DurationSeconds > 0 {
		duration = time.Duration(req.DurationSeconds) * time.Second
	}

	s.mu.Lock()
	s.scanResults = make(map[string]ble.ScanResult)
	s.mu.Unlock()

	_, err := s.bridge.ScanForDevices(s.ctx, s.recordScanResult, duration)
	if err != nil {
		sessionError(w, err)
		return
	}
	jsonResponse(w, http.StatusAccepted, map[string]any{
		"status":           "scanning",
		"duration_seconds": int(duration / time.Second),
	})
}

func (s *Server) recordScanResult(res ble.ScanResult) {
	key := ble.ExtractMAC(res.Name)
	if key == "" {
		key = res.DeviceID
	}
	s.mu.Lock()
	s.scanResults[key] = res
	s.mu.Unlock()
	s.hub.Broadcast(Message{Type: "scan_result", Data: res})
}

func (s *Server) handleScanResults(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	results := make([]ble.ScanResult, 0, len(s.scanResults))
	for _, res := range s.scanResults {
		results = append(results, res)
	}
	s.mu.Unlock()
	sort.Slice(results, func(i, j int) bool { return results[i].RSSI > results[j].RSSI })
	jsonResponse(w, http.StatusOK, map[string]any{"devices": results})
}

func (s *Server) handleScanResume(w http.ResponseWriter, r *http.Request) {
	running := s.bridge.ResumeAutoDiscovery()
	jsonResponse(w, http.StatusOK, map[string]any{"status": "ok", "discovering": running})
}

type connectRequest struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeBody(r, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.DeviceID == "" {
		errorResponse(w, http.StatusBadRequest, "device_id is required")
		return
	}
	id := ble.Identity{DeviceID: req.DeviceID, Name: req.Name, WifiMAC: ble.ExtractMAC(req.Name)}
	if err := s.bridge.ConnectByID(r.Context(), id); err != nil {
		sessionError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{"status": "connected", "device": id})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.Disconnect(); err != nil {
		sessionError(w, err)
		return
	}
	successResponse(w, "disconnected")
}

func (s *Server) handleForget(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.ForgetDevice(); err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(w, "device forgotten")
}

type autoSwitchBody struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleGetAutoSwitch(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]bool{"enabled": s.bridge.AutoSwitch()})
}

func (s *Server) handleSetAutoSwitch(w http.ResponseWriter, r *http.Request) {
	var req autoSwitchBody
	if err := decodeBody(r, &req); err != nil || req.Enabled == nil {
		errorResponse(w, http.StatusBadRequest, "body must be {\"enabled\": true|false}")
		return
	}
	if err := s.bridge.SetAutoSwitch(r.Context(), *req.Enabled); err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, map[string]bool{"enabled": *req.Enabled})
}

func (s *Server) handleOTA(w http.ResponseWriter, r *http.Request) {
	if s.updater == nil {
		errorResponse(w, http.StatusServiceUnavailable, "firmware updates not configured")
		return
	}
	var fw ota.Firmware
	if err := decodeBody(r, &fw); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if fw.URL == "" {
		errorResponse(w, http.StatusBadRequest, "url is required")
		return
	}
	if s.updater.InProgress() {
		sessionError(w, ota.ErrInProgress)
		return
	}
	if !s.bridge.Status().Connected {
		sessionError(w, ble.ErrNotConnected)
		return
	}

	go func() {
		if _, err := s.updater.Update(s.ctx, fw, s.recordOTAProgress); err != nil {
			slog.Warn("[API] firmware update failed", "url", fw.URL, "error", err)
		}
	}()
	jsonResponse(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) recordOTAProgress(p ota.Progress) {
	s.mu.Lock()
	s.otaProgress = &p
	s.mu.Unlock()
	s.hub.Broadcast(Message{Type: "ota_progress", Data: p})
}

func (s *Server) handleOTAAbort(w http.ResponseWriter, r *http.Request) {
	if s.updater == nil || !s.updater.Abort() {
		errorResponse(w, http.StatusConflict, "no firmware update in progress")
		return
	}
	successResponse(w, "abort requested")
}

func (s *Server) handleOTACheck(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		errorResponse(w, http.StatusServiceUnavailable, "backend not configured")
		return
	}
	current, ok := s.bridge.Firmware()
	if !ok {
		errorResponse(w, http.StatusConflict, "firmware version unknown until the sensor reports")
		return
	}
	var mac string
	if d := s.bridge.Status().Device; d != nil {
		mac = d.Key()
	}
	check, err := s.checker.CheckFirmware(r.Context(), current.String(), mac)
	if err != nil {
		errorResponse(w, http.StatusBadGateway, err.Error())
		return
	}
	if check.UpdateAvailable && check.LatestVersion != "" {
		newer, err := ota.NeedsUpdate(current.String(), check.LatestVersion)
		if err != nil {
			slog.Warn("[API] could not compare firmware versions", "error", err)
		} else if !newer {
			check.UpdateAvailable = false
		}
	}
	jsonResponse(w, http.StatusOK, check)
}

func (s *Server) handleMesh(w http.ResponseWriter, r *http.Request) {
	if s.topology == nil {
		errorResponse(w, http.StatusServiceUnavailable, "mesh tracking not configured")
		return
	}
	jsonResponse(w, http.StatusOK, s.topology.Topology())
}

func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	if s.readings == nil {
		errorResponse(w, http.StatusServiceUnavailable, "reading journal not configured")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errorResponse(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	entries, err := s.readings.Recent(r.Context(), r.URL.Query().Get("mac"), limit)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{"readings": entries})
}
