//go:build !whisper

package recognition

import (
	"fmt"
	"log/slog"

	"github.com/fixspeech/wordfall/internal/config"
)

// NewWhisperProvider reports that this binary was built without whisper support.
func NewWhisperProvider(_ config.RecognitionConfig, _ *slog.Logger) (Provider, error) {
	return nil, fmt.Errorf("whisper provider not built (rebuild with -tags whisper): %w", ErrCapabilityUnavailable)
}
