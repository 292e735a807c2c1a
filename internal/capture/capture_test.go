package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/wav"

	"github.com/fixspeech/wordfall/internal/config"
	"github.com/fixspeech/wordfall/internal/protocol"
)

type toneDevice struct {
	mu      sync.Mutex
	openErr error
	streams []*toneStream
}

func (d *toneDevice) Name() string { return "tone" }

func (d *toneDevice) Open(_ context.Context, _ Format) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return nil, d.openErr
	}
	s := &toneStream{}
	d.streams = append(d.streams, s)
	return s, nil
}

type toneStream struct {
	mu     sync.Mutex
	closed bool
}

func (s *toneStream) Read(buf []int16) (int, error) {
	time.Sleep(time.Millisecond)
	for i := range buf {
		if i%2 == 0 {
			buf[i] = 16384
		} else {
			buf[i] = -16384
		}
	}
	return len(buf), nil
}

func (s *toneStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *toneStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// gatedDevice hands out streams whose reads block until the test releases
// them. A released error fails the read; closing the gate yields silence.
type gatedDevice struct {
	mu      sync.Mutex
	streams []*gatedStream
}

func (d *gatedDevice) Name() string { return "gated" }

func (d *gatedDevice) Open(_ context.Context, _ Format) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := &gatedStream{gate: make(chan error, 1)}
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *gatedDevice) stream(i int) *gatedStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[i]
}

type gatedStream struct {
	gate   chan error
	mu     sync.Mutex
	closed bool
}

func (s *gatedStream) Read(buf []int16) (int, error) {
	if err := <-s.gate; err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (s *gatedStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *gatedStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type framePublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *framePublisher) PublishJSON(subject string, v any) error {
	if _, ok := v.(protocol.AudioFrame); !ok {
		return errors.New("unexpected payload")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func (p *framePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subjects)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestControllerCapturesAndReleases(t *testing.T) {
	cfg := config.Default().Capture
	cfg.RecordDir = t.TempDir()
	cfg.PublishFrames = true
	cfg.WaveformBars = 4
	dev := &toneDevice{}
	pub := &framePublisher{}
	c := NewController(cfg, dev, pub, testLogger())

	if err := c.Start(context.Background(), "round-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool { return c.Frames() >= 5 })

	if level := c.Level(); level < 0.49 || level > 0.51 {
		t.Fatalf("expected level near 0.5, got %v", level)
	}
	wave := c.Waveform()
	if len(wave) != 4 || wave[3] < 0.49 {
		t.Fatalf("unexpected waveform %v", wave)
	}

	c.Stop()
	if c.Active() {
		t.Fatalf("controller still active after stop")
	}
	c.Wait()
	if !dev.streams[0].isClosed() {
		t.Fatalf("device stream not released")
	}
	if pub.count() == 0 {
		t.Fatalf("expected published frames")
	}
	if pub.subjects[0] != protocol.SubjectAudioFramePrefix+".round-1" {
		t.Fatalf("unexpected subject %q", pub.subjects[0])
	}

	f, err := os.Open(filepath.Join(cfg.RecordDir, "round-1.wav"))
	if err != nil {
		t.Fatalf("open recording: %v", err)
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		t.Fatalf("recording is not a valid wav file")
	}
	if dec.SampleRate != uint32(cfg.SampleRate) {
		t.Fatalf("unexpected sample rate %d", dec.SampleRate)
	}
}

func TestControllerDeviceUnavailable(t *testing.T) {
	c := NewController(config.Default().Capture, NoneDevice{}, nil, testLogger())
	if err := c.Start(context.Background(), "r"); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	if c.Active() {
		t.Fatalf("controller must not be active")
	}

	denied := &toneDevice{openErr: errors.New("permission denied")}
	c = NewController(config.Default().Capture, denied, nil, testLogger())
	if err := c.Start(context.Background(), "r"); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected wrapped ErrDeviceUnavailable, got %v", err)
	}
	// Stop without a running stream is a no-op.
	c.Stop()
	c.Wait()
}

func TestMeasure(t *testing.T) {
	rms, peak := measure([]int16{0, 0, 0, 0})
	if rms != 0 || peak != 0 {
		t.Fatalf("silence should measure zero, got %v %v", rms, peak)
	}
	rms, peak = measure([]int16{-32768, 32767})
	if rms < 0.99 || peak != 1 {
		t.Fatalf("full scale should measure ~1, got %v %v", rms, peak)
	}
}

func TestNewDeviceHonorsConfig(t *testing.T) {
	cfg := config.Default().Capture
	cfg.Enabled = false
	if _, ok := NewDevice(cfg, testLogger()).(NoneDevice); !ok {
		t.Fatalf("disabled capture should use the none device")
	}
	cfg.Enabled = true
	cfg.Mode = "none"
	if NewDevice(cfg, testLogger()).Name() != "none" {
		t.Fatalf("mode none should use the none device")
	}
}

func TestStoppedStreamFailureLeavesNextSessionAlone(t *testing.T) {
	dev := &gatedDevice{}
	var failures []error
	var mu sync.Mutex
	c := NewController(config.Default().Capture, dev, nil, testLogger()).OnFailure(func(err error) {
		mu.Lock()
		failures = append(failures, err)
		mu.Unlock()
	})

	if err := c.Start(context.Background(), "round-1"); err != nil {
		t.Fatalf("start round-1: %v", err)
	}
	c.Stop()
	if err := c.Start(context.Background(), "round-2"); err != nil {
		t.Fatalf("start round-2: %v", err)
	}

	// The first stream is still parked in Read and only now fails.
	dev.stream(0).gate <- errors.New("device gone")
	waitFor(t, dev.stream(0).isClosed)
	if !c.Active() {
		t.Fatalf("failure of a stopped stream deactivated the next session")
	}

	c.Stop()
	if c.Active() {
		t.Fatalf("controller still active after stop")
	}
	close(dev.stream(1).gate)
	c.Wait()
	if !dev.stream(1).isClosed() {
		t.Fatalf("round-2 stream not released after stop")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(failures) != 0 {
		t.Fatalf("stopped streams must not report failures, got %v", failures)
	}
}

func TestReadFailureReportsDeviceUnavailable(t *testing.T) {
	dev := &gatedDevice{}
	reported := make(chan error, 1)
	c := NewController(config.Default().Capture, dev, nil, testLogger()).OnFailure(func(err error) {
		reported <- err
	})

	if err := c.Start(context.Background(), "round-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	dev.stream(0).gate <- errors.New("unplugged")

	select {
	case err := <-reported:
		if !errors.Is(err, ErrDeviceUnavailable) {
			t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("read failure was not reported")
	}
	c.Wait()
	if c.Active() {
		t.Fatalf("failed session still active")
	}
	if !dev.stream(0).isClosed() {
		t.Fatalf("failed stream not released")
	}

	// The controller can start again after a failure.
	if err := c.Start(context.Background(), "round-2"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	c.Stop()
	close(dev.stream(1).gate)
	c.Wait()
}
