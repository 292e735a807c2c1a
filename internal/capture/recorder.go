package capture

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// recorder writes captured frames to a 16-bit PCM WAV file.
type recorder struct {
	path string
	file *os.File
	enc  *wav.Encoder
	fmt  *audio.Format
}

func newRecorder(dir, roundID string, format Format) (*recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create record dir: %w", err)
	}
	name := roundID
	if name == "" {
		name = "capture"
	}
	path := filepath.Join(dir, name+".wav")
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}
	return &recorder{
		path: path,
		file: file,
		enc:  wav.NewEncoder(file, format.SampleRate, 16, format.Channels, 1),
		fmt:  &audio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
	}, nil
}

func (r *recorder) Write(frame []int16) error {
	data := make([]int, len(frame))
	for i, s := range frame {
		data[i] = int(s)
	}
	buf := &audio.IntBuffer{Format: r.fmt, Data: data, SourceBitDepth: 16}
	if err := r.enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	return nil
}

// Close finalizes the WAV header and closes the file.
func (r *recorder) Close() error {
	if r.enc == nil {
		return nil
	}
	err := r.enc.Close()
	r.enc = nil
	if cerr := r.file.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("close wav: %w", err)
	}
	return nil
}
