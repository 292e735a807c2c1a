package recognition

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/fixspeech/wordfall/internal/config"
)

// ExecProvider runs an external recognizer process per session. The process
// owns the microphone and writes one JSON object per line to stdout:
//
//	{"text": "사과", "final": true, "confidence": 0.92}
//
// Process exit is the natural end of the session.
type ExecProvider struct {
	cmd      []string
	language string
	model    string
	interim  bool
	buffer   int
	log      *slog.Logger
}

type execLine struct {
	Text       string  `json:"text"`
	Final      bool    `json:"final"`
	Confidence float64 `json:"confidence"`
}

func NewExecProvider(cfg config.RecognitionConfig, log *slog.Logger) (*ExecProvider, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse recognition command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("recognition command is empty")
	}
	buffer := cfg.BufferSize
	if buffer <= 0 {
		buffer = 32
	}
	return &ExecProvider{
		cmd:      args,
		language: cfg.Language,
		model:    cfg.ModelPath,
		interim:  cfg.PublishInterim,
		buffer:   buffer,
		log:      log.With(slog.String("component", "recognition.exec")),
	}, nil
}

func (p *ExecProvider) Name() string { return "exec" }

func (p *ExecProvider) Open(ctx context.Context) (Session, error) {
	args := append([]string{}, p.cmd[1:]...)
	if p.language != "" {
		args = append(args, "--language", p.language)
	}
	if p.model != "" {
		args = append(args, "--model", p.model)
	}
	if p.interim {
		args = append(args, "--partial")
	}

	sessCtx, cancel := context.WithCancel(ctx)
	command := exec.CommandContext(sessCtx, p.cmd[0], args...)
	stdout, err := command.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("recognizer stdout: %w", err)
	}
	if err := command.Start(); err != nil {
		cancel()
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("start recognizer %q: %w", p.cmd[0], ErrCapabilityUnavailable)
		}
		return nil, fmt.Errorf("start recognizer: %w", err)
	}

	s := &execSession{
		results: make(chan Result, p.buffer),
		ctx:     sessCtx,
		cancel:  cancel,
		log:     p.log,
	}
	go s.read(command, stdout)
	return s, nil
}

type execSession struct {
	results chan Result
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
	log     *slog.Logger
}

func (s *execSession) Results() <-chan Result { return s.results }

// Close kills the process; Results closes once its output is consumed.
func (s *execSession) Close() error {
	s.once.Do(s.cancel)
	return nil
}

func (s *execSession) read(command *exec.Cmd, stdout io.Reader) {
	defer close(s.results)
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg execLine
		if err := json.Unmarshal(line, &msg); err != nil {
			s.log.Warn("failed to decode recognizer output", slogError(err))
			continue
		}
		select {
		case s.results <- Result{Text: msg.Text, Final: msg.Final, Confidence: msg.Confidence}:
		case <-s.ctx.Done():
		}
	}
	if err := scanner.Err(); err != nil {
		s.log.Debug("recognizer output ended", slogError(err))
	}
	if err := command.Wait(); err != nil {
		s.log.Debug("recognizer exited", slogError(err))
	}
	s.once.Do(s.cancel)
}
