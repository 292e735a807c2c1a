// Package runtime assembles wordfalld: it opens the stores and the bus, builds
// the round with its subsystems and serves the HTTP API until the context ends.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/fixspeech/wordfall/internal/bus"
	"github.com/fixspeech/wordfall/internal/capability"
	"github.com/fixspeech/wordfall/internal/capture"
	"github.com/fixspeech/wordfall/internal/config"
	"github.com/fixspeech/wordfall/internal/control"
	"github.com/fixspeech/wordfall/internal/eventstore"
	"github.com/fixspeech/wordfall/internal/game"
	"github.com/fixspeech/wordfall/internal/natsserver"
	"github.com/fixspeech/wordfall/internal/recognition"
	"github.com/fixspeech/wordfall/internal/result"
	"github.com/fixspeech/wordfall/internal/stage"
	"github.com/fixspeech/wordfall/internal/telemetry"
)

const (
	announceEvery = 30 * time.Second
	pruneEvery    = 6 * time.Hour
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool

	// Set while Start runs.
	nats    *natsserver.EmbeddedServer
	bus     *bus.Client
	store   *eventstore.Store
	journal *eventstore.Journal
	stages  stage.Source
	caps    *capability.Registry
	round   *game.Round
	adapter *recognition.Adapter
	capture *capture.Controller
	control *control.Service
	closers []func() error
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs the runtime until ctx ends or a component fails.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := telemetry.Setup(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	defer r.close()
	if err := r.assemble(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	g, gctx := errgroup.WithContext(ctx)
	newAPI(gctx, r.round, r.stages, r.store, r.caps, r.logger).routes(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		return r.round.Run(gctx)
	})
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		r.caps.RunAnnouncer(gctx, announceEvery)
		return nil
	})
	g.Go(func() error {
		r.runPruner(gctx)
		return nil
	})

	if r.bus != nil {
		r.control = control.NewService(gctx, r.bus, r.round, r.logger)
		if err := r.control.Start(); err != nil {
			r.logger.Warn("control service unavailable", slog.String("error", err.Error()))
			r.control = nil
		}
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	err = g.Wait()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	return err
}

// assemble opens every dependency of the round. Optional subsystems that fail
// are marked unavailable instead of failing startup.
func (r *Runtime) assemble(ctx context.Context) error {
	log := r.logger
	r.caps = capability.NewRegistry(r.cfg.RuntimeName, log)
	if err := r.caps.InitMetrics(otel.Meter(telemetry.MeterName)); err != nil {
		return fmt.Errorf("capability metrics: %w", err)
	}
	metrics, err := telemetry.NewMetrics(otel.Meter(telemetry.MeterName))
	if err != nil {
		return fmt.Errorf("game metrics: %w", err)
	}

	if err := r.openBus(ctx); err != nil {
		return err
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, log)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store
	r.closers = append(r.closers, store.Close)
	r.caps.Set(capability.EventStore, store.Ensure() == nil, r.cfg.EventStore.RetentionMode)

	r.journal = eventstore.NewJournal(store, r.cfg.EventStore.JournalQueue, log)
	// Entries queued during shutdown are still written.
	r.journal.Start(context.WithoutCancel(ctx))

	stages, closeStages, err := stage.Open(ctx, r.cfg.Stages, log)
	if err != nil {
		return fmt.Errorf("open stage source: %w", err)
	}
	r.stages = stages
	r.closers = append(r.closers, closeStages)
	r.caps.Set(capability.Stages, true, r.cfg.Stages.Source)

	sink := r.resultSinks()

	provider, err := r.recognitionProvider()
	if err != nil {
		log.Warn("recognition unavailable", slog.String("error", err.Error()))
		r.caps.Set(capability.Recognition, false, err.Error())
	}

	var publisher capture.FramePublisher
	if r.cfg.Capture.PublishFrames && r.bus != nil {
		publisher = r.bus
	}
	var round *game.Round
	r.capture = capture.NewController(r.cfg.Capture, capture.NewDevice(r.cfg.Capture, log), publisher, log).
		OnFailure(func(err error) {
			round.ReportSubsystem(capability.Capture, err)
		})

	deps := game.Deps{
		Words:        stages,
		Sink:         sink,
		Capture:      r.capture,
		Metrics:      metrics,
		Capabilities: r.caps,
		Journal:      r.journal,
	}
	if provider != nil {
		r.adapter = recognition.NewAdapter(recognition.AdapterConfig{
			Provider:       provider,
			InitialBackoff: r.cfg.Recognition.RestartBackoff(),
			MaxBackoff:     r.cfg.Recognition.MaxRestartBackoff(),
			OnRestart: func(int) {
				metrics.RecognitionRestarted(context.Background())
			},
			OnFailure: func(err error) {
				round.ReportSubsystem(capability.Recognition, err)
			},
		}, log)
		deps.Recognizer = r.adapter
	}
	round = game.New(r.cfg.Game, deps, log)
	r.round = round

	if err := metrics.ObserveLive(func() int64 { return int64(round.LiveCount()) }); err != nil {
		return fmt.Errorf("observe live entities: %w", err)
	}
	return nil
}

func (r *Runtime) openBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		r.caps.Set(capability.Bus, false, "disabled")
		return nil
	}
	ns, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}
	r.nats = ns

	busCfg := r.cfg.Bus
	if url := ns.ClientURL(); url != "" {
		busCfg.Servers = []string{url}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		if ns != nil {
			return fmt.Errorf("connect to embedded nats: %w", err)
		}
		r.logger.Warn("bus unavailable", slog.String("error", err.Error()))
		r.caps.Set(capability.Bus, false, err.Error())
		return nil
	}
	r.bus = client
	r.caps.WithPublisher(client)
	r.caps.Set(capability.Bus, true, client.Conn().ConnectedUrl())
	return nil
}

func (r *Runtime) resultSinks() result.Sink {
	cfg := r.cfg.Results
	var sinks result.Multi
	if cfg.Store {
		sinks = append(sinks, result.NewStoreSink(r.store))
	}
	if cfg.Publish && r.bus != nil {
		sinks = append(sinks, result.NewBusSink(r.bus, r.logger))
	}
	if cfg.Endpoint != "" {
		timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
		sinks = append(sinks, result.NewHTTPSink(cfg.Endpoint, cfg.Token, timeout))
	}
	r.caps.Set(capability.Results, len(sinks) > 0, fmt.Sprintf("%d sinks", len(sinks)))
	if len(sinks) == 0 {
		return nil
	}
	return sinks
}

// recognitionProvider returns nil without error when recognition is off.
func (r *Runtime) recognitionProvider() (recognition.Provider, error) {
	cfg := r.cfg.Recognition
	if !cfg.Enabled {
		return nil, errors.New("recognition disabled")
	}
	switch cfg.Mode {
	case "exec":
		provider, err := recognition.NewExecProvider(cfg, r.logger)
		if err != nil {
			return nil, err
		}
		return provider, nil
	case "bus":
		if r.bus == nil {
			return nil, fmt.Errorf("bus recognition without a bus: %w", recognition.ErrCapabilityUnavailable)
		}
		return recognition.NewBusProvider(r.bus, cfg.SessionTTL(), cfg.BufferSize, r.logger), nil
	case "whisper":
		return recognition.NewWhisperProvider(cfg, r.logger)
	case "none", "":
		return nil, errors.New("recognition mode none")
	default:
		return nil, fmt.Errorf("unknown recognition mode %q", cfg.Mode)
	}
}

func (r *Runtime) runPruner(ctx context.Context) {
	if err := r.store.Prune(ctx); err != nil {
		r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
	}
	ticker := time.NewTicker(pruneEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// close releases components in reverse dependency order. The round loop has
// already ended, so no subsystem is started again.
func (r *Runtime) close() {
	if r.control != nil {
		r.control.Close()
	}
	if r.adapter != nil {
		r.adapter.Stop()
		r.adapter.Wait()
	}
	if r.capture != nil {
		r.capture.Stop()
		r.capture.Wait()
	}
	if r.journal != nil {
		r.journal.Close()
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			r.logger.Warn("close failed", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReady requires the round loop and its required subsystems. Optional
// subsystems that are down are listed after "ready" without failing the check.
func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !r.ready.Load() || !r.loopRunning() || !r.requiredAvailable() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	body := "ready"
	if degraded := r.caps.Degraded(); len(degraded) > 0 {
		body += " (degraded: " + strings.Join(degraded, ", ") + ")"
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

func (r *Runtime) requiredAvailable() bool {
	if !r.caps.Available(capability.Stages) || !r.caps.Available(capability.EventStore) {
		return false
	}
	return r.bus == nil || r.bus.Healthy()
}

func (r *Runtime) loopRunning() bool {
	select {
	case <-r.round.Done():
		return false
	default:
		return true
	}
}
