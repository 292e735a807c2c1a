package capture

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fixspeech/wordfall/internal/config"
)

// NoneDevice is used when capture is disabled; it is always unavailable.
type NoneDevice struct{}

func (NoneDevice) Name() string { return "none" }

func (NoneDevice) Open(context.Context, Format) (Stream, error) {
	return nil, fmt.Errorf("capture disabled: %w", ErrDeviceUnavailable)
}

// NewDevice picks the device for the configured capture mode.
func NewDevice(cfg config.CaptureConfig, log *slog.Logger) Device {
	if !cfg.Enabled {
		return NoneDevice{}
	}
	switch cfg.Mode {
	case "portaudio":
		return NewPortAudioDevice(cfg.DeviceName, log)
	default:
		return NoneDevice{}
	}
}
