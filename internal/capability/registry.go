// Package capability tracks which optional subsystems are usable right now.
// A round keeps running while a subsystem is down; the registry is how the
// rest of the runtime learns about it.
package capability

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/fixspeech/wordfall/internal/protocol"
)

// Subsystem names.
const (
	Recognition = "recognition"
	Capture     = "capture"
	Bus         = "bus"
	Stages      = "stages"
	Results     = "results"
	EventStore  = "eventstore"
)

type Status struct {
	Name      string    `json:"name"`
	Available bool      `json:"available"`
	Detail    string    `json:"detail,omitempty"`
	Since     time.Time `json:"since"`
}

type announceMessage struct {
	NodeID       string    `json:"node_id"`
	Capabilities []Status  `json:"capabilities"`
	Timestamp    time.Time `json:"timestamp"`
}

// Publisher is the part of the bus client the registry announces through.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

type Registry struct {
	nodeID string
	log    *slog.Logger
	pub    Publisher
	clock  func() time.Time

	mu       sync.RWMutex
	statuses map[string]*Status
}

func NewRegistry(nodeID string, log *slog.Logger) *Registry {
	return &Registry{
		nodeID:   nodeID,
		log:      log.With(slog.String("component", "capability-registry")),
		clock:    time.Now,
		statuses: make(map[string]*Status),
	}
}

// WithPublisher announces every change on ctrl.capability.announce.
func (r *Registry) WithPublisher(pub Publisher) *Registry {
	r.mu.Lock()
	r.pub = pub
	r.mu.Unlock()
	return r
}

// Set records a subsystem's availability. Repeating the current value only
// refreshes the detail.
func (r *Registry) Set(name string, available bool, detail string) {
	r.mu.Lock()
	st, ok := r.statuses[name]
	changed := !ok || st.Available != available
	if !ok {
		st = &Status{Name: name}
		r.statuses[name] = st
	}
	st.Detail = detail
	if changed {
		st.Available = available
		st.Since = r.clock().UTC()
	}
	r.mu.Unlock()

	if !changed {
		return
	}
	if available {
		r.log.Info("subsystem available", slog.String("subsystem", name))
	} else {
		r.log.Warn("subsystem unavailable", slog.String("subsystem", name), slog.String("detail", detail))
	}
	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce capabilities", slog.String("error", err.Error()))
	}
}

func (r *Registry) Available(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.statuses[name]
	return ok && st.Available
}

// Degraded lists unavailable subsystems in name order.
func (r *Registry) Degraded() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for name, st := range r.statuses {
		if !st.Available {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Query returns statuses accepted by filter, sorted by name.
func (r *Registry) Query(filter func(Status) bool) []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Status
	for _, st := range r.statuses {
		if filter == nil || filter(*st) {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// OnlyUnavailable is a Query filter.
func OnlyUnavailable(st Status) bool { return !st.Available }

func (r *Registry) announce() error {
	r.mu.RLock()
	pub := r.pub
	r.mu.RUnlock()
	if pub == nil {
		return nil
	}
	return pub.PublishJSON(protocol.SubjectCapabilityAnnounce, announceMessage{
		NodeID:       r.nodeID,
		Capabilities: r.Query(nil),
		Timestamp:    r.clock().UTC(),
	})
}

// RunAnnouncer re-announces on every tick until ctx ends, so late subscribers
// catch up.
func (r *Registry) RunAnnouncer(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.announce(); err != nil {
				r.log.Warn("failed to announce capabilities", slog.String("error", err.Error()))
			}
		}
	}
}

// InitMetrics exports availability as gauges on meter.
func (r *Registry) InitMetrics(meter metric.Meter) error {
	known, err := meter.Int64ObservableGauge("wordfall.capabilities.total", metric.WithDescription("Known subsystems"))
	if err != nil {
		return err
	}
	up, err := meter.Int64ObservableGauge("wordfall.capabilities.available", metric.WithDescription("Subsystems currently available"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		total, available := r.counts()
		obs.ObserveInt64(known, total)
		obs.ObserveInt64(up, available)
		return nil
	}, known, up)
	return err
}

func (r *Registry) counts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total, available int64
	for _, st := range r.statuses {
		total++
		if st.Available {
			available++
		}
	}
	return total, available
}

// MarshalJSON renders the registry as its sorted status list.
func (r *Registry) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Query(nil))
}
