//go:build !whisper

package recognition

import (
	"errors"
	"testing"

	"github.com/fixspeech/wordfall/internal/config"
)

func TestWhisperUnavailableWithoutBuildTag(t *testing.T) {
	_, err := NewWhisperProvider(config.Default().Recognition, discardLogger())
	if !errors.Is(err, ErrCapabilityUnavailable) {
		t.Fatalf("expected ErrCapabilityUnavailable, got %v", err)
	}
}
