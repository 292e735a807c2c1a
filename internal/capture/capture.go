// Package capture owns the microphone stream used for level and waveform
// feedback. It is independent from recognition: each holds its own stream on
// the same physical device and either can stop without touching the other.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/fixspeech/wordfall/internal/config"
	"github.com/fixspeech/wordfall/internal/protocol"
)

// ErrDeviceUnavailable reports that the microphone is absent or access was
// denied. The round keeps running without visualization.
var ErrDeviceUnavailable = errors.New("audio capture device unavailable")

// Format describes the PCM stream a device should deliver.
type Format struct {
	SampleRate   int
	Channels     int
	FrameSamples int
}

// Stream yields interleaved 16-bit samples.
type Stream interface {
	// Read fills buf with one frame and returns the number of samples written.
	Read(buf []int16) (int, error)
	Close() error
}

// Device opens capture streams.
type Device interface {
	Name() string
	Open(ctx context.Context, format Format) (Stream, error)
}

// FramePublisher receives captured frames for listeners outside the process.
type FramePublisher interface {
	PublishJSON(subject string, v any) error
}

// Controller runs one capture stream at a time.
type Controller struct {
	cfg       config.CaptureConfig
	device    Device
	publisher FramePublisher
	log       *slog.Logger

	mu        sync.Mutex
	active    bool
	cancel    context.CancelFunc
	onFailure func(error)
	done      chan struct{}
	level     float64
	wave      []float64
	waveNext  int
	frames    int
}

// NewController builds a controller. A nil publisher disables frame publishing.
func NewController(cfg config.CaptureConfig, device Device, publisher FramePublisher, log *slog.Logger) *Controller {
	bars := cfg.WaveformBars
	if bars <= 0 {
		bars = 32
	}
	if device == nil {
		device = NoneDevice{}
	}
	return &Controller{
		cfg:       cfg,
		device:    device,
		publisher: publisher,
		log:       log.With(slog.String("component", "capture"), slog.String("device", device.Name())),
		wave:      make([]float64, bars),
	}
}

// OnFailure registers fn to be called when a running stream fails. It is not
// called for streams that were already stopped. fn must not block for long.
func (c *Controller) OnFailure(fn func(error)) *Controller {
	c.mu.Lock()
	c.onFailure = fn
	c.mu.Unlock()
	return c
}

// Start acquires the device and begins buffering frames for the given round.
// Failure to acquire the device is reported as ErrDeviceUnavailable.
func (c *Controller) Start(ctx context.Context, roundID string) error {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	format := c.format()
	stream, err := c.device.Open(ctx, format)
	if err != nil {
		if errors.Is(err, ErrDeviceUnavailable) {
			return err
		}
		return fmt.Errorf("open %s: %w: %w", c.device.Name(), ErrDeviceUnavailable, err)
	}

	var rec *recorder
	if c.cfg.RecordDir != "" {
		rec, err = newRecorder(c.cfg.RecordDir, roundID, format)
		if err != nil {
			c.log.Warn("recording disabled", slogError(err))
			rec = nil
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.mu.Lock()
	c.active = true
	c.cancel = cancel
	c.done = done
	c.level = 0
	c.frames = 0
	for i := range c.wave {
		c.wave[i] = 0
	}
	c.waveNext = 0
	c.mu.Unlock()

	c.log.Info("capture started", slog.String("round_id", roundID))
	go c.run(runCtx, roundID, stream, format, rec, done)
	return nil
}

// Stop signals the capture loop to release the recorder and the device. It
// does not wait; use Wait for that.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	cancel()
}

// Wait blocks until the most recent capture loop has released the device.
func (c *Controller) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Level is the RMS level of the latest frame in [0,1].
func (c *Controller) Level() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// Waveform returns recent frame peaks, oldest first.
func (c *Controller) Waveform() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]float64, 0, len(c.wave))
	out = append(out, c.wave[c.waveNext:]...)
	out = append(out, c.wave[:c.waveNext]...)
	return out
}

// Frames counts frames captured since the last Start.
func (c *Controller) Frames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

func (c *Controller) format() Format {
	rate := c.cfg.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	channels := c.cfg.Channels
	if channels <= 0 {
		channels = 1
	}
	frameMS := c.cfg.FrameMS
	if frameMS <= 0 {
		frameMS = 20
	}
	return Format{SampleRate: rate, Channels: channels, FrameSamples: rate * frameMS / 1000 * channels}
}

func (c *Controller) run(ctx context.Context, roundID string, stream Stream, format Format, rec *recorder, done chan struct{}) {
	defer close(done)
	defer func() {
		if err := stream.Close(); err != nil {
			c.log.Debug("stream close failed", slogError(err))
		}
		if rec != nil {
			if err := rec.Close(); err != nil {
				c.log.Warn("recording flush failed", slogError(err))
			} else {
				c.log.Info("recording saved", slog.String("path", rec.path))
			}
		}
		c.log.Info("capture released")
	}()

	buf := make([]int16, format.FrameSamples)
	seq := 0
	for ctx.Err() == nil {
		n, err := stream.Read(buf)
		if err != nil {
			c.fail(ctx, done, err)
			return
		}
		frame := buf[:n]
		rms, peak := measure(frame)
		c.record(done, rms, peak)

		if rec != nil {
			if err := rec.Write(frame); err != nil {
				c.log.Warn("recording write failed", slogError(err))
				_ = rec.Close()
				rec = nil
			}
		}
		if c.cfg.PublishFrames && c.publisher != nil {
			seq++
			msg := protocol.AudioFrame{
				RoundID:    roundID,
				Sequence:   seq,
				SampleRate: format.SampleRate,
				Channels:   format.Channels,
				PCM:        encodePCM(frame),
				Level:      rms,
			}
			if err := c.publisher.PublishJSON(protocol.SubjectAudioFramePrefix+"."+roundID, msg); err != nil {
				c.log.Debug("frame publish failed", slogError(err))
			}
		}
	}
}

// fail ends the session owning done after a read error. A stream that was
// stopped, or replaced by a newer session, leaves the controller untouched.
func (c *Controller) fail(ctx context.Context, done chan struct{}, err error) {
	c.mu.Lock()
	if ctx.Err() != nil || c.done != done {
		c.mu.Unlock()
		return
	}
	c.active = false
	cancel := c.cancel
	c.cancel = nil
	onFailure := c.onFailure
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.log.Warn("capture read failed", slogError(err))
	if onFailure != nil {
		onFailure(fmt.Errorf("read %s: %w: %w", c.device.Name(), ErrDeviceUnavailable, err))
	}
}

func (c *Controller) record(done chan struct{}, rms, peak float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != done {
		return
	}
	c.level = rms
	c.wave[c.waveNext] = peak
	c.waveNext = (c.waveNext + 1) % len(c.wave)
	c.frames++
}

// measure returns the RMS and peak of frame, both normalized to [0,1].
func measure(frame []int16) (float64, float64) {
	if len(frame) == 0 {
		return 0, 0
	}
	var sum, peak float64
	for _, s := range frame {
		v := float64(s) / 32768.0
		sum += v * v
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	return math.Sqrt(sum / float64(len(frame))), math.Min(peak, 1)
}

func encodePCM(frame []int16) []byte {
	out := make([]byte, len(frame)*2)
	for i, s := range frame {
		out[2*i] = byte(uint16(s))
		out[2*i+1] = byte(uint16(s) >> 8)
	}
	return out
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
