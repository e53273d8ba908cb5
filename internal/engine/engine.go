package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/omnisearch/omnisearch/abengine/internal/analytics"
	"github.com/omnisearch/omnisearch/abengine/internal/audit"
	"github.com/omnisearch/omnisearch/abengine/internal/config"
	"github.com/omnisearch/omnisearch/abengine/internal/events"
	"github.com/omnisearch/omnisearch/abengine/internal/experiment"
	"github.com/omnisearch/omnisearch/abengine/internal/metrics"
	"github.com/omnisearch/omnisearch/abengine/internal/ranking"
	"github.com/omnisearch/omnisearch/abengine/internal/storage"
)

// Engine wires storage, the audit trail, the registry, the event store and
// the metrics engine into one service object.
type Engine struct {
	Registry  *experiment.Registry
	Events    *events.Store
	Analytics *analytics.Engine
	Trail     *audit.Trail
	Weights   ranking.Weights

	cfg     *config.Config
	storage *storage.Fallback

	closeOnce sync.Once
	closeErr  error
}

type options struct {
	primary storage.Backend
	trail   *audit.Trail
	rng     *rand.Rand
	now     func() time.Time
}

type Option func(*options)

// WithBackend uses b as the primary backend instead of opening cfg.Storage
func WithBackend(b storage.Backend) Option {
	return func(o *options) { o.primary = b }
}

// WithTrail uses t instead of opening cfg.Audit
func WithTrail(t *audit.Trail) Option {
	return func(o *options) { o.trail = t }
}

// WithRand makes assignment draws deterministic
func WithRand(r *rand.Rand) Option {
	return func(o *options) { o.rng = r }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New builds an engine from cfg. An unreachable primary backend is replaced
// by the in-process one so the engine still starts, degraded.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	metrics.Init()

	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	primary := o.primary
	if primary == nil {
		b, err := storage.Open(ctx, cfg.Storage, cfg.Experiment.EventTTL)
		if err != nil {
			log.Warn().Err(err).Str("backend", cfg.Storage.Backend).Msg("Primary backend unavailable, using memory")
			b = storage.NewMemory()
		}
		primary = b
	}
	fb := storage.NewFallback(primary, storage.NewMemory(), storage.FallbackOptions{
		Timeout:   cfg.Storage.Timeout,
		SpoolSize: cfg.Buffer.Size,
	})

	trail := o.trail
	if trail == nil {
		t, err := audit.OpenTrail(cfg.Audit)
		if err != nil {
			fb.Close()
			return nil, err
		}
		trail = t
	}

	regOpts := []experiment.Option{experiment.WithAuditor(trail), experiment.WithClock(o.now)}
	if o.rng != nil {
		regOpts = append(regOpts, experiment.WithRand(o.rng))
	}
	reg, err := experiment.NewRegistry(fb, cfg.Experiment, regOpts...)
	if err != nil {
		fb.Close()
		trail.Close()
		return nil, err
	}

	store := events.NewStore(fb, reg, events.WithAuditor(trail), events.WithClock(o.now))

	variants := make([]experiment.Variant, 0, len(cfg.Experiment.Variants))
	for _, name := range cfg.Experiment.Variants {
		variants = append(variants, experiment.Variant(name))
	}

	e := &Engine{
		Registry:  reg,
		Events:    store,
		Analytics: analytics.New(store, reg, analytics.WithClock(o.now), analytics.WithVariants(variants...)),
		Trail:     trail,
		Weights:   ranking.WeightsFromConfig(cfg.Ranking),
		cfg:       cfg,
		storage:   fb,
	}

	log.Info().
		Str("backend", fb.Name()).
		Float64("split_ratio", reg.SplitRatio()).
		Str("audit_path", trail.Path()).
		Msg("Experiment engine ready")
	return e, nil
}

// Start begins periodic delivery of writes held during an outage
func (e *Engine) Start() {
	e.storage.Start(e.cfg.Buffer.FlushInterval)
}

// Stats returns the storage degraded-mode state
func (e *Engine) Stats() storage.Stats {
	return e.storage.Stats()
}

// Flush delivers held writes to the primary backend now
func (e *Engine) Flush(ctx context.Context) (int, error) {
	return e.storage.Flush(ctx)
}

// Reset clears every assignment and event in one backend operation and
// marks the reset in the audit trail.
func (e *Engine) Reset(ctx context.Context, confirm bool) error {
	if err := e.Registry.Reset(ctx, confirm); err != nil {
		return err
	}
	if err := e.Trail.Record(ctx, audit.Record{Kind: audit.KindReset}); err != nil {
		log.Error().Err(err).Msg("Failed to audit reset")
	}
	return nil
}

// Ranker returns the result ranker the variant serves
func (e *Engine) Ranker(v experiment.Variant) ranking.Ranker {
	return ranking.ForVariant(v, e.Weights)
}

// ReplayHandler rebuilds state from audit records: events are imported
// unchanged and assignments restored. A reset record clears everything
// replayed before it. Replayed records are not audited again.
func (e *Engine) ReplayHandler() audit.RecordHandler {
	return func(ctx context.Context, rec audit.Record) error {
		switch rec.Kind {
		case audit.KindEvent:
			var ev events.Event
			if err := json.Unmarshal(rec.Payload, &ev); err != nil {
				return fmt.Errorf("decode event record: %w", err)
			}
			return e.Events.Import(ctx, ev)
		case audit.KindAssignment:
			var a experiment.Assignment
			if err := json.Unmarshal(rec.Payload, &a); err != nil {
				return fmt.Errorf("decode assignment record: %w", err)
			}
			_, err := e.Registry.Restore(ctx, a)
			return err
		case audit.KindReset:
			return e.Registry.Reset(ctx, true)
		}
		return fmt.Errorf("unknown audit record kind %q", rec.Kind)
	}
}

// Close stops background flushing, delivers what it can and closes every backend
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = errors.Join(e.storage.Close(), e.Trail.Close())
		log.Info().Msg("Experiment engine closed")
	})
	return e.closeErr
}
