//go:build !portaudio

package capture

import "log/slog"

// NewPortAudioDevice returns an unavailable device in builds without the
// portaudio tag.
func NewPortAudioDevice(_ string, _ *slog.Logger) Device {
	return NoneDevice{}
}
