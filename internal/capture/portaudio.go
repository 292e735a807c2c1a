//go:build portaudio

package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gordonklaus/portaudio"
)

// PortAudioDevice captures from a local input device through PortAudio.
type PortAudioDevice struct {
	preferred string
	log       *slog.Logger
}

func NewPortAudioDevice(preferred string, log *slog.Logger) Device {
	return &PortAudioDevice{preferred: preferred, log: log}
}

func (d *PortAudioDevice) Name() string { return "portaudio" }

func (d *PortAudioDevice) Open(_ context.Context, format Format) (Stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w: %w", ErrDeviceUnavailable, err)
	}
	dev, err := selectInputDevice(d.preferred)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	frames := format.FrameSamples / format.Channels
	buf := make([]int16, format.FrameSamples)
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: format.Channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(format.SampleRate),
		FramesPerBuffer: frames,
	}, &buf)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("open stream: %w: %w", ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("start stream: %w: %w", ErrDeviceUnavailable, err)
	}
	d.log.Info("capture device opened", slog.String("device", dev.Name))
	return &portAudioStream{stream: stream, buf: buf}, nil
}

type portAudioStream struct {
	stream *portaudio.Stream
	buf    []int16
}

func (s *portAudioStream) Read(out []int16) (int, error) {
	for {
		err := s.stream.Read()
		if err == nil {
			break
		}
		if !errors.Is(err, portaudio.InputOverflowed) {
			return 0, err
		}
	}
	return copy(out, s.buf), nil
}

func (s *portAudioStream) Close() error {
	_ = s.stream.Stop()
	err := s.stream.Close()
	portaudio.Terminate()
	return err
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
