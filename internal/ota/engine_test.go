package ota

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/airscales/airscale-bridge/internal/ble"
	"github.com/airscales/airscale-bridge/internal/ble/protocol"
)

type fakeWriter struct {
	mu      sync.Mutex
	mtu     int
	acked   [][]byte
	unacked [][]byte
	// failAt makes the n-th DATA frame (1-based) fail.
	failAt  int
	endErr  error
	onWrite func(n int)
	data    int
}

func (w *fakeWriter) MTU() int { return w.mtu }

func (w *fakeWriter) Write(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.acked = append(w.acked, append([]byte(nil), b...))
	if b[0] == protocol.OTAEnd {
		return w.endErr
	}
	return w.dataLocked(b)
}

func (w *fakeWriter) WriteWithoutResponse(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.unacked = append(w.unacked, append([]byte(nil), b...))
	return w.dataLocked(b)
}

func (w *fakeWriter) dataLocked(b []byte) error {
	if b[0] != protocol.OTAData {
		return nil
	}
	w.data++
	if w.onWrite != nil {
		w.onWrite(w.data)
	}
	if w.failAt > 0 && w.data == w.failAt {
		return errors.New("GATT internal error")
	}
	return nil
}

func (w *fakeWriter) frames() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := append([][]byte(nil), w.acked...)
	return append(out, w.unacked...)
}

type fakeSession struct {
	mu        sync.Mutex
	w         *fakeWriter
	beginErr  error
	ended     int
	rebooting bool
}

func (s *fakeSession) BeginOTA() (ble.OTAWriter, error) {
	if s.beginErr != nil {
		return nil, s.beginErr
	}
	return s.w, nil
}

func (s *fakeSession) EndOTA(rebooting bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended++
	s.rebooting = rebooting
}

type fakeDownloader struct {
	image []byte
	err   error
}

func (d *fakeDownloader) DownloadFirmware(_ context.Context, _ string, onProgress func(written, total int64)) ([]byte, error) {
	if d.err != nil {
		return nil, d.err
	}
	if onProgress != nil {
		onProgress(int64(len(d.image)), int64(len(d.image)))
	}
	return d.image, nil
}

func fastOptions() Options {
	return Options{NoResponseMTU: 250, NoResponseEvery: 10, AckEvery: 50}
}

func image(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func phases(ps []Progress) []Phase {
	var out []Phase
	for _, p := range ps {
		if len(out) == 0 || out[len(out)-1] != p.Phase {
			out = append(out, p.Phase)
		}
	}
	return out
}

func TestUpdateImageSendsFrames(t *testing.T) {
	tests := []struct {
		name       string
		mtu        int
		noResponse bool
		chunkSize  int
	}{
		{"default mtu acknowledged", 23, false, 20},
		{"mid mtu acknowledged", 185, false, 181},
		{"high mtu unacknowledged", 517, true, 240},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &fakeWriter{mtu: tt.mtu}
			s := &fakeSession{w: w}
			e := NewEngine(s, nil, fastOptions())
			img := image(1000)

			stats, err := e.UpdateImage(context.Background(), img, nil)
			if err != nil {
				t.Fatalf("UpdateImage: %v", err)
			}
			if stats.ChunkSize != tt.chunkSize || stats.NoResponse != tt.noResponse {
				t.Errorf("stats = %+v", stats)
			}
			wantChunks := (1000 + tt.chunkSize - 1) / tt.chunkSize
			if stats.Chunks != wantChunks {
				t.Errorf("chunks = %d, want %d", stats.Chunks, wantChunks)
			}

			if !bytes.Equal(w.acked[0], protocol.StartFrame(1000)) {
				t.Errorf("first frame = %x, want START", w.acked[0])
			}
			if last := w.acked[len(w.acked)-1]; !bytes.Equal(last, protocol.EndFrame()) {
				t.Errorf("last acknowledged frame = %x, want END", last)
			}
			data := w.unacked
			if !tt.noResponse {
				data = w.acked[1 : len(w.acked)-1]
			}
			var got []byte
			for _, f := range data {
				if f[0] != protocol.OTAData {
					t.Fatalf("unexpected frame %x", f[0])
				}
				got = append(got, f[1:]...)
			}
			if !bytes.Equal(got, img) {
				t.Error("reassembled image differs")
			}
			if s.ended != 1 || !s.rebooting {
				t.Errorf("EndOTA calls = %d rebooting = %v, want 1 true", s.ended, s.rebooting)
			}
		})
	}
}

func TestEndFrameRebootErrorsAreSuccess(t *testing.T) {
	tests := []struct {
		name    string
		endErr  error
		wantErr bool
	}{
		{"acknowledged", nil, false},
		{"timeout", errors.New("write timeout"), false},
		{"disconnected", errors.New("device disconnected"), false},
		{"not connected", ble.ErrNotConnected, false},
		{"other", errors.New("GATT write not permitted"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &fakeWriter{mtu: 185, endErr: tt.endErr}
			s := &fakeSession{w: w}
			e := NewEngine(s, nil, fastOptions())

			var progress []Progress
			_, err := e.UpdateImage(context.Background(), image(500), func(p Progress) { progress = append(progress, p) })
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			last := progress[len(progress)-1]
			if tt.wantErr {
				if last.Phase != PhaseError || s.rebooting {
					t.Errorf("last progress = %+v rebooting = %v", last, s.rebooting)
				}
				frames := w.frames()
				var aborted bool
				for _, f := range frames {
					if bytes.Equal(f, protocol.AbortFrame()) {
						aborted = true
					}
				}
				if !aborted {
					t.Error("no ABORT frame after failure")
				}
			} else if last.Phase != PhaseComplete || !s.rebooting {
				t.Errorf("last progress = %+v rebooting = %v", last, s.rebooting)
			}
		})
	}
}

func TestPhasesInOrder(t *testing.T) {
	img := image(3000)
	sum := md5.Sum(img)
	w := &fakeWriter{mtu: 185}
	e := NewEngine(&fakeSession{w: w}, &fakeDownloader{image: img}, fastOptions())

	var progress []Progress
	_, err := e.Update(context.Background(), Firmware{URL: "/fw.bin", Checksum: hex.EncodeToString(sum[:])}, func(p Progress) {
		progress = append(progress, p)
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	want := []Phase{PhaseDownload, PhasePrepare, PhaseUpload, PhaseVerify, PhaseComplete}
	got := phases(progress)
	if len(got) != len(want) {
		t.Fatalf("phases = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("phases = %v, want %v", got, want)
		}
	}
	for _, p := range progress {
		if p.Phase == PhaseUpload && p.Percent%5 != 0 && p.Percent != 100 {
			t.Errorf("upload progress at %d%%, want multiples of 5", p.Percent)
		}
	}
}

func TestDownloadFailureTouchesNoDevice(t *testing.T) {
	tests := []struct {
		name string
		dl   *fakeDownloader
		sum  string
		want error
	}{
		{"http error", &fakeDownloader{err: errors.New("404")}, "", nil},
		{"checksum mismatch", &fakeDownloader{image: image(10)}, "00000000000000000000000000000000", ErrChecksum},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &fakeSession{beginErr: errors.New("must not be called")}
			e := NewEngine(s, tt.dl, fastOptions())
			var last Progress
			_, err := e.Update(context.Background(), Firmware{URL: "x", Checksum: tt.sum}, func(p Progress) { last = p })
			if err == nil {
				t.Fatal("Update succeeded")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if s.ended != 0 {
				t.Error("session touched after download failure")
			}
			if last.Phase != PhaseError {
				t.Errorf("last phase = %s, want error", last.Phase)
			}
		})
	}
}

func TestChunkFailureSendsAbort(t *testing.T) {
	w := &fakeWriter{mtu: 185, failAt: 3}
	s := &fakeSession{w: w}
	e := NewEngine(s, nil, fastOptions())

	stats, err := e.UpdateImage(context.Background(), image(2000), nil)
	if err == nil {
		t.Fatal("UpdateImage succeeded")
	}
	if stats.Chunks != 2 {
		t.Errorf("chunks sent = %d, want 2", stats.Chunks)
	}
	frames := w.frames()
	if !bytes.Equal(frames[len(frames)-1], protocol.AbortFrame()) {
		t.Errorf("last frame = %x, want ABORT", frames[len(frames)-1])
	}
	if s.ended != 1 || s.rebooting {
		t.Errorf("EndOTA calls = %d rebooting = %v, want 1 false", s.ended, s.rebooting)
	}
	if e.InProgress() {
		t.Error("still in progress after failure")
	}
}

func TestAbortStopsBeforeNextChunk(t *testing.T) {
	w := &fakeWriter{mtu: 185}
	e := NewEngine(&fakeSession{w: w}, nil, fastOptions())
	w.onWrite = func(n int) {
		if n == 2 {
			if !e.Abort() {
				t.Error("Abort reported no transfer running")
			}
		}
	}

	stats, err := e.UpdateImage(context.Background(), image(2000), nil)
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("err = %v, want ErrAborted", err)
	}
	if stats.Chunks != 2 {
		t.Errorf("chunks sent = %d, want 2", stats.Chunks)
	}
	if e.Abort() {
		t.Error("Abort reported a transfer after it finished")
	}
}

func TestSingleTransferAtATime(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	w := &fakeWriter{mtu: 185}
	w.onWrite = func(n int) {
		if n == 1 {
			close(started)
			<-release
		}
	}
	e := NewEngine(&fakeSession{w: w}, nil, fastOptions())

	done := make(chan error, 1)
	go func() {
		_, err := e.UpdateImage(context.Background(), image(500), nil)
		done <- err
	}()
	<-started

	if !e.InProgress() {
		t.Error("InProgress = false during transfer")
	}
	if _, err := e.UpdateImage(context.Background(), image(10), nil); !errors.Is(err, ErrInProgress) {
		t.Errorf("second update err = %v, want ErrInProgress", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first update: %v", err)
	}
}

func TestBeginFailure(t *testing.T) {
	s := &fakeSession{beginErr: ble.ErrNotConnected}
	e := NewEngine(s, nil, fastOptions())
	_, err := e.UpdateImage(context.Background(), image(10), nil)
	if !errors.Is(err, ble.ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
	if s.ended != 0 {
		t.Error("EndOTA called without BeginOTA")
	}
}

func TestPacing(t *testing.T) {
	e := NewEngine(nil, nil, DefaultOptions())
	tests := []struct {
		i          int
		noResponse bool
		want       time.Duration
	}{
		{0, true, 2 * time.Millisecond},
		{10, true, 27 * time.Millisecond},
		{11, true, 2 * time.Millisecond},
		{0, false, 0},
		{50, false, 10 * time.Millisecond},
		{51, false, 0},
	}
	for _, tt := range tests {
		if got := e.pause(tt.i, tt.noResponse); got != tt.want {
			t.Errorf("pause(%d, %v) = %v, want %v", tt.i, tt.noResponse, got, tt.want)
		}
	}
}

func TestNeedsUpdate(t *testing.T) {
	tests := []struct {
		current, latest string
		want            bool
	}{
		{"1.4.2", "1.4.3", true},
		{"1.4.2", "1.4.2", false},
		{"v1.4", "1.4.0", false},
		{"1.10.0", "1.9.9", false},
		{"0.9.0", "1.0.0", true},
	}
	for _, tt := range tests {
		got, err := NeedsUpdate(tt.current, tt.latest)
		if err != nil {
			t.Fatalf("NeedsUpdate(%q, %q): %v", tt.current, tt.latest, err)
		}
		if got != tt.want {
			t.Errorf("NeedsUpdate(%q, %q) = %v, want %v", tt.current, tt.latest, got, tt.want)
		}
	}
	if _, err := NeedsUpdate("garbage", "1.0.0"); err == nil {
		t.Error("NeedsUpdate accepted an unparsable version")
	}
}
