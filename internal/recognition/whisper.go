//go:build whisper

package recognition

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/gordonklaus/portaudio"
	vad "github.com/maxhawkins/go-webrtcvad"

	"github.com/fixspeech/wordfall/internal/config"
)

// WhisperProvider listens on its own portaudio input stream, segments speech
// with WebRTC VAD and transcribes each segment locally with whisper.cpp. Every
// segment is delivered as a final result.
type WhisperProvider struct {
	cfg   config.RecognitionConfig
	log   *slog.Logger
	model whisper.Model
}

func NewWhisperProvider(cfg config.RecognitionConfig, log *slog.Logger) (Provider, error) {
	if cfg.FrameMS != 10 && cfg.FrameMS != 20 && cfg.FrameMS != 30 {
		return nil, fmt.Errorf("recognition.frame_ms must be 10, 20, or 30 (got %d)", cfg.FrameMS)
	}
	switch cfg.SampleRate {
	case 8000, 16000, 32000, 48000:
	default:
		return nil, fmt.Errorf("recognition.sample_rate must be 8k/16k/32k/48k for webrtc VAD (got %d)", cfg.SampleRate)
	}
	model, err := whisper.New(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load whisper model: %w: %w", ErrCapabilityUnavailable, err)
	}
	return &WhisperProvider{
		cfg:   cfg,
		log:   log.With(slog.String("component", "recognition.whisper")),
		model: model,
	}, nil
}

func (p *WhisperProvider) Name() string { return "whisper" }

func (p *WhisperProvider) Open(ctx context.Context) (Session, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w: %w", ErrCapabilityUnavailable, err)
	}
	dev, err := selectInputDevice(p.cfg.DeviceName)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: %w", ErrCapabilityUnavailable, err)
	}
	detector := vad.New()
	if err := detector.SetMode(p.cfg.VADMode); err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("vad mode: %w", err)
	}

	frameSamples := p.cfg.SampleRate * p.cfg.FrameMS / 1000
	if ok := vad.ValidRateAndFrameLength(p.cfg.SampleRate, frameSamples); !ok {
		portaudio.Terminate()
		return nil, fmt.Errorf("invalid frame_ms %d for sample_rate %d", p.cfg.FrameMS, p.cfg.SampleRate)
	}
	buf := make([]int16, frameSamples)
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(p.cfg.SampleRate),
		FramesPerBuffer: frameSamples,
	}, &buf)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("start stream: %w", err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	s := &whisperSession{
		provider: p,
		results:  make(chan Result, 8),
		cancel:   cancel,
	}
	segments := make(chan []int16, 8)
	s.wg.Add(2)
	go s.capture(sessCtx, stream, buf, detector, segments)
	go s.transcribe(sessCtx, segments)
	go func() {
		s.wg.Wait()
		close(s.results)
	}()
	p.log.Info("listening", slog.String("device", dev.Name), slog.Int("sample_rate", p.cfg.SampleRate))
	return s, nil
}

type whisperSession struct {
	provider *WhisperProvider
	results  chan Result
	cancel   context.CancelFunc
	once     sync.Once
	wg       sync.WaitGroup
}

func (s *whisperSession) Results() <-chan Result { return s.results }

func (s *whisperSession) Close() error {
	s.once.Do(s.cancel)
	return nil
}

func (s *whisperSession) capture(ctx context.Context, stream *portaudio.Stream, buf []int16, detector *vad.VAD, out chan<- []int16) {
	defer s.wg.Done()
	defer close(out)
	defer portaudio.Terminate()
	defer stream.Close()
	defer stream.Stop()

	cfg := s.provider.cfg
	var (
		chunk       []int16
		inSpeech    bool
		lastVoice   time.Time
		speechBegan time.Time
		silence     = time.Duration(cfg.SilenceMS) * time.Millisecond
		maxSegment  = time.Duration(cfg.MaxSegmentMS) * time.Millisecond
	)
	for ctx.Err() == nil {
		if err := stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				continue
			}
			// A read error ends the session; the adapter opens a new one.
			s.provider.log.Warn("stream read failed", slogError(err))
			return
		}
		now := time.Now()
		if detector.Process(cfg.SampleRate, buf) {
			if !inSpeech {
				inSpeech = true
				speechBegan = now
				chunk = chunk[:0]
			}
			chunk = append(chunk, buf...)
			lastVoice = now
			continue
		}
		if !inSpeech {
			continue
		}
		if (now.Sub(lastVoice) >= silence && len(chunk) > 0) ||
			(maxSegment > 0 && now.Sub(speechBegan) >= maxSegment) {
			segment := make([]int16, len(chunk))
			copy(segment, chunk)
			select {
			case out <- segment:
			default:
				s.provider.log.Warn("segment queue full, dropping segment")
			}
			inSpeech = false
			chunk = chunk[:0]
		}
	}
}

func (s *whisperSession) transcribe(ctx context.Context, segments <-chan []int16) {
	defer s.wg.Done()
	for pcm := range segments {
		if len(pcm) == 0 {
			continue
		}
		text, err := s.provider.transcribe(pcm)
		if err != nil {
			s.provider.log.Error("transcribe failed", slogError(err))
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		select {
		case s.results <- Result{Text: text, Final: true}:
		case <-ctx.Done():
			return
		}
	}
}

func (p *WhisperProvider) transcribe(pcm []int16) (string, error) {
	samples := make([]float32, len(pcm))
	for i, v := range pcm {
		samples[i] = float32(v) / 32768.0
	}
	wctx, err := p.model.NewContext()
	if err != nil {
		return "", err
	}
	wctx.SetThreads(uint(runtime.NumCPU()))
	if lang := whisperLanguage(p.cfg.Language); lang != "" {
		if err := wctx.SetLanguage(lang); err != nil {
			p.log.Warn("set language failed", slogError(err))
		}
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", err
	}
	var b strings.Builder
	for {
		seg, err := wctx.NextSegment()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", err
		}
		b.WriteString(seg.Text)
	}
	return b.String(), nil
}

// whisperLanguage maps a locale such as ko-KR to the whisper language code.
func whisperLanguage(locale string) string {
	locale = strings.TrimSpace(locale)
	if i := strings.IndexAny(locale, "-_"); i > 0 {
		locale = locale[:i]
	}
	return strings.ToLower(locale)
}

func selectInputDevice(preferred string) (*portaudio.DeviceInfo, error) {
	devs, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	if preferred != "" {
		for _, d := range devs {
			if d.MaxInputChannels > 0 && strings.Contains(strings.ToLower(d.Name), strings.ToLower(preferred)) {
				return d, nil
			}
		}
	}
	if def, err := portaudio.DefaultInputDevice(); err == nil && def != nil {
		return def, nil
	}
	for _, d := range devs {
		if d.MaxInputChannels > 0 {
			return d, nil
		}
	}
	return nil, errors.New("no input devices found")
}
