// Package control exposes round commands on the bus as request/reply
// subjects and mirrors round snapshots onto game.round.state.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fixspeech/wordfall/internal/bus"
	"github.com/fixspeech/wordfall/internal/game"
	"github.com/fixspeech/wordfall/internal/protocol"
)

const requestTimeout = 5 * time.Second

// Game is the part of the round the control surface drives.
type Game interface {
	SelectStage(ctx context.Context, stageID int) error
	End(ctx context.Context) error
	Retry(ctx context.Context) error
	Reset(ctx context.Context) error
	ReportMiss(ctx context.Context, roundID string, entityID uint64) error
	DeliverTranscript(ctx context.Context, text string, final bool) error
	Snapshot() game.Snapshot
	Subscribe() (<-chan game.Snapshot, func())
}

type Service struct {
	bus    *bus.Client
	game   Game
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription
}

func NewService(parent context.Context, busClient *bus.Client, g Game, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:    busClient,
		game:   g,
		logger: logger.With(slog.String("component", "control")),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Service) Start() error {
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectControlSelect:     s.handleSelect,
		protocol.SubjectControlEnd:        s.simple(s.game.End),
		protocol.SubjectControlRetry:      s.simple(s.game.Retry),
		protocol.SubjectControlReset:      s.simple(s.game.Reset),
		protocol.SubjectControlMiss:       s.handleMiss,
		protocol.SubjectControlTranscript: s.handleTranscript,
	}
	for subject, handler := range handlers {
		sub, err := s.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			s.drain()
			return err
		}
		s.subs = append(s.subs, sub)
	}

	updates, unsubscribe := s.game.Subscribe()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsubscribe()
		s.publishStates(updates)
	}()
	s.logger.Info("control subjects ready", slog.Int("subjects", len(handlers)))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.drain()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return len(s.subs) > 0 && s.bus.Healthy()
}

func (s *Service) drain() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) publishStates(updates <-chan game.Snapshot) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case snap := <-updates:
			if err := s.bus.PublishJSON(protocol.SubjectRoundState, snap); err != nil {
				s.logger.Warn("failed to publish round state", slogError(err))
			}
		}
	}
}

func (s *Service) simple(fn func(context.Context) error) nats.MsgHandler {
	return func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
		defer cancel()
		s.reply(msg, fn(ctx))
	}
}

func (s *Service) handleSelect(msg *nats.Msg) {
	var req protocol.SelectStage
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.reply(msg, err)
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
	defer cancel()
	s.reply(msg, s.game.SelectStage(ctx, req.StageID))
}

func (s *Service) handleMiss(msg *nats.Msg) {
	var req protocol.MissReport
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.reply(msg, err)
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
	defer cancel()
	s.reply(msg, s.game.ReportMiss(ctx, req.RoundID, req.EntityID))
}

func (s *Service) handleTranscript(msg *nats.Msg) {
	var transcript protocol.Transcript
	if err := json.Unmarshal(msg.Data, &transcript); err != nil {
		s.reply(msg, err)
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
	defer cancel()
	s.reply(msg, s.game.DeliverTranscript(ctx, transcript.Text, !transcript.Partial))
}

// reply answers requests; fire-and-forget publishes without a reply subject
// are only logged on failure.
func (s *Service) reply(msg *nats.Msg, err error) {
	resp := protocol.ControlReply{OK: err == nil, State: s.game.Snapshot().State.String()}
	if err != nil {
		resp.Error = err.Error()
		level := slog.LevelWarn
		if errors.Is(err, game.ErrInvalidTransition) || errors.Is(err, game.ErrStaleRound) {
			level = slog.LevelDebug
		}
		s.logger.Log(s.ctx, level, "control request rejected", slog.String("subject", msg.Subject), slogError(err))
	}
	if msg.Reply == "" {
		return
	}
	data, mErr := json.Marshal(resp)
	if mErr != nil {
		s.logger.Warn("failed to encode control reply", slogError(mErr))
		return
	}
	if rErr := msg.Respond(data); rErr != nil {
		s.logger.Warn("failed to send control reply", slogError(rErr))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
