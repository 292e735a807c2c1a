package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fixspeech/wordfall/internal/capability"
	"github.com/fixspeech/wordfall/internal/control"
	"github.com/fixspeech/wordfall/internal/eventstore"
	"github.com/fixspeech/wordfall/internal/game"
	"github.com/fixspeech/wordfall/internal/stage"
)

const (
	maxBodyBytes  = 64 << 10
	writeWait     = 5 * time.Second
	levelInterval = 100 * time.Millisecond
)

// api serves the round to browsers and other local clients.
type api struct {
	ctx      context.Context
	game     control.Game
	stages   stage.Source
	store    *eventstore.Store
	caps     *capability.Registry
	logger   *slog.Logger
	upgrader websocket.Upgrader
	interval time.Duration
}

func newAPI(ctx context.Context, g control.Game, stages stage.Source, store *eventstore.Store, caps *capability.Registry, logger *slog.Logger) *api {
	return &api{
		ctx:    ctx,
		game:   g,
		stages: stages,
		store:  store,
		caps:   caps,
		logger: logger.With(slog.String("component", "api")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		interval: levelInterval,
	}
}

func (a *api) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/round", a.handleSnapshot)
	mux.HandleFunc("POST /api/round/select", a.handleSelect)
	mux.HandleFunc("POST /api/round/end", a.simple(a.game.End))
	mux.HandleFunc("POST /api/round/retry", a.simple(a.game.Retry))
	mux.HandleFunc("POST /api/round/reset", a.simple(a.game.Reset))
	mux.HandleFunc("POST /api/round/miss", a.handleMiss)
	mux.HandleFunc("POST /api/transcripts", a.handleTranscript)
	mux.HandleFunc("GET /api/stages", a.handleStages)
	mux.HandleFunc("GET /api/stages/{id}/ranking", a.handleRanking)
	mux.HandleFunc("GET /api/rounds/{id}/events", a.handleEvents)
	mux.HandleFunc("GET /api/capabilities", a.handleCapabilities)
	mux.HandleFunc("GET /ws", a.handleStream)
}

type selectRequest struct {
	StageID int `json:"stage_id"`
}

type missRequest struct {
	RoundID  string `json:"round_id"`
	EntityID uint64 `json:"entity_id"`
}

type transcriptRequest struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

type rankingEntry struct {
	RoundID         string    `json:"round_id"`
	PlaytimeSeconds int       `json:"playtime_seconds"`
	Score           int       `json:"score"`
	Matched         int       `json:"matched"`
	Missed          int       `json:"missed"`
	Reason          string    `json:"reason"`
	EndedAt         time.Time `json:"ended_at"`
}

type eventEntry struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (a *api) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.game.Snapshot())
}

func (a *api) handleSelect(w http.ResponseWriter, req *http.Request) {
	var body selectRequest
	if !decode(w, req, &body) {
		return
	}
	a.respond(w, a.game.SelectStage(req.Context(), body.StageID))
}

func (a *api) handleMiss(w http.ResponseWriter, req *http.Request) {
	var body missRequest
	if !decode(w, req, &body) {
		return
	}
	a.respond(w, a.game.ReportMiss(req.Context(), body.RoundID, body.EntityID))
}

func (a *api) handleTranscript(w http.ResponseWriter, req *http.Request) {
	var body transcriptRequest
	if !decode(w, req, &body) {
		return
	}
	a.respond(w, a.game.DeliverTranscript(req.Context(), body.Text, body.Final))
}

func (a *api) simple(fn func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		a.respond(w, fn(req.Context()))
	}
}

func (a *api) handleStages(w http.ResponseWriter, req *http.Request) {
	stages, err := a.stages.Stages(req.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	if stages == nil {
		stages = []stage.Stage{}
	}
	writeJSON(w, http.StatusOK, stages)
}

func (a *api) handleRanking(w http.ResponseWriter, req *http.Request) {
	stageID, err := strconv.Atoi(req.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid stage id"})
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	results, err := a.store.TopResults(req.Context(), stageID, limit)
	if err != nil {
		a.fail(w, err)
		return
	}
	out := make([]rankingEntry, 0, len(results))
	for _, r := range results {
		out = append(out, rankingEntry{
			RoundID:         r.RoundID,
			PlaytimeSeconds: r.PlaytimeSeconds,
			Score:           r.Score,
			Matched:         r.Matched,
			Missed:          r.Missed,
			Reason:          r.Reason,
			EndedAt:         r.EndedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) handleEvents(w http.ResponseWriter, req *http.Request) {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	events, err := a.store.ListRoundEvents(req.Context(), req.PathValue("id"), limit)
	if err != nil {
		a.fail(w, err)
		return
	}
	out := make([]eventEntry, 0, len(events))
	for _, e := range events {
		out = append(out, eventEntry{Type: e.Type, Payload: e.Payload, CreatedAt: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleCapabilities lists subsystem statuses; ?unavailable=true keeps only
// the degraded ones.
func (a *api) handleCapabilities(w http.ResponseWriter, req *http.Request) {
	var filter func(capability.Status) bool
	if only, _ := strconv.ParseBool(req.URL.Query().Get("unavailable")); only {
		filter = capability.OnlyUnavailable
	}
	statuses := a.caps.Query(filter)
	if statuses == nil {
		statuses = []capability.Status{}
	}
	writeJSON(w, http.StatusOK, statuses)
}

// handleStream pushes every snapshot to a websocket client, plus a fresh
// snapshot every interval while a round runs so meters keep moving.
func (a *api) handleStream(w http.ResponseWriter, req *http.Request) {
	conn, err := a.upgrader.Upgrade(w, req, nil)
	if err != nil {
		a.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	updates, unsubscribe := a.game.Subscribe()
	defer unsubscribe()

	// Client messages are ignored; reading detects the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		var snap game.Snapshot
		select {
		case <-a.ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeWait))
			return
		case <-closed:
			return
		case snap = <-updates:
		case <-ticker.C:
			snap = a.game.Snapshot()
			if snap.State != game.Running {
				continue
			}
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(snap); err != nil {
			return
		}
	}
}

func (a *api) respond(w http.ResponseWriter, err error) {
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.game.Snapshot())
}

func (a *api) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.logger.Warn("request failed", slog.String("error", err.Error()))
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, game.ErrInvalidTransition), errors.Is(err, game.ErrStaleRound):
		return http.StatusConflict
	case errors.Is(err, stage.ErrUnknownStage):
		return http.StatusNotFound
	case errors.Is(err, game.ErrNoWords):
		return http.StatusUnprocessableEntity
	case errors.Is(err, stage.ErrSourceUnavailable), errors.Is(err, game.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, req *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
