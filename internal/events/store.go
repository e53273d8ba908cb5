package events

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/omnisearch/omnisearch/abengine/internal/audit"
	"github.com/omnisearch/omnisearch/abengine/internal/experiment"
	"github.com/omnisearch/omnisearch/abengine/internal/metrics"
	"github.com/omnisearch/omnisearch/abengine/internal/storage"
)

// Stream is the log stream events are appended to
const Stream = "events"

const lockStripes = 64

// Assigner resolves the variant an event is attributed to
type Assigner interface {
	AssignWithDefault(ctx context.Context, identityID string, metadata map[string]string) (experiment.Assignment, error)
	Restore(ctx context.Context, a experiment.Assignment) (bool, error)
}

// Filter selects events. Zero fields match everything.
type Filter struct {
	IdentityID string
	Variant    experiment.Variant
	Type       Type
	Since      time.Time
}

// Match reports whether e passes every set field of f
func (f Filter) Match(e Event) bool {
	if f.IdentityID != "" && e.IdentityID != f.IdentityID {
		return false
	}
	if f.Variant != "" && e.Variant != f.Variant {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Store records events and reads them back
type Store struct {
	backend  storage.Backend
	assigner Assigner
	auditor  experiment.Auditor
	now      func() time.Time
	newID    func() string

	locks [lockStripes]sync.Mutex
}

type Option func(*Store)

func WithAuditor(a experiment.Auditor) Option {
	return func(s *Store) { s.auditor = a }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(backend storage.Backend, assigner Assigner, opts ...Option) *Store {
	s := &Store{
		backend:  backend,
		assigner: assigner,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lockFor serializes appends of one identity so they land in call order
func (s *Store) lockFor(identityID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(identityID))
	return &s.locks[h.Sum32()%lockStripes]
}

// LogSearch validates and records a search
func (s *Store) LogSearch(ctx context.Context, in SearchInput) (Event, error) {
	if err := Validate(in); err != nil {
		return Event{}, err
	}
	return s.record(ctx, in.IdentityID, in.SessionID, func(e *Event) {
		e.Type = TypeSearch
		e.Search = &Search{
			Query:        in.Query,
			ResultsCount: *in.ResultsCount,
			SearchTimeMs: in.SearchTimeMs,
		}
	})
}

// LogClick validates and records a click
func (s *Store) LogClick(ctx context.Context, in ClickInput) (Event, error) {
	if err := Validate(in); err != nil {
		return Event{}, err
	}
	return s.record(ctx, in.IdentityID, in.SessionID, func(e *Event) {
		e.Type = TypeClick
		e.Click = &Click{
			ProductID:    in.ProductID,
			ProductTitle: in.ProductTitle,
			Rank:         in.Rank,
			Query:        in.Query,
			Source:       in.Source,
		}
	})
}

// LogImpression validates and records an impression
func (s *Store) LogImpression(ctx context.Context, in ImpressionInput) (Event, error) {
	if err := Validate(in); err != nil {
		return Event{}, err
	}
	return s.record(ctx, in.IdentityID, in.SessionID, func(e *Event) {
		e.Type = TypeImpression
		e.Impression = &Impression{
			ProductID: in.ProductID,
			Rank:      in.Rank,
			Visible:   in.Visible,
		}
	})
}

func (s *Store) record(ctx context.Context, identityID, sessionID string, fill func(e *Event)) (Event, error) {
	mu := s.lockFor(identityID)
	mu.Lock()
	defer mu.Unlock()

	// Every stored event is attributed to an assignment
	a, err := s.assigner.AssignWithDefault(ctx, identityID, nil)
	if err != nil {
		return Event{}, fmt.Errorf("resolve variant for %s: %w", identityID, err)
	}

	e := Event{
		ID:         s.newID(),
		IdentityID: identityID,
		Variant:    a.Variant,
		SessionID:  sessionID,
		Timestamp:  s.now().UTC(),
	}
	fill(&e)

	data, err := json.Marshal(e)
	if err != nil {
		return Event{}, fmt.Errorf("encode event: %w", err)
	}
	if _, err := s.backend.Append(ctx, Stream, data); err != nil {
		return Event{}, fmt.Errorf("append event: %w", err)
	}

	if s.auditor != nil {
		if err := s.auditor.Record(ctx, audit.Record{
			Kind:       audit.KindEvent,
			IdentityID: identityID,
			Variant:    string(e.Variant),
			EventType:  string(e.Type),
			Timestamp:  e.Timestamp,
			Payload:    data,
		}); err != nil {
			log.Error().Err(err).Str("event_id", e.ID).Msg("Failed to write audit record")
		}
	}

	metrics.EventsLogged.WithLabelValues(string(e.Type), string(e.Variant)).Inc()
	log.Debug().
		Str("event_id", e.ID).
		Str("event_type", string(e.Type)).
		Str("identity_id", identityID).
		Str("variant", string(e.Variant)).
		Msg("Event logged")
	return e, nil
}

// Import appends an already issued event unchanged, restoring its
// assignment when the identity has none.
func (s *Store) Import(ctx context.Context, e Event) error {
	if err := e.Check(); err != nil {
		return err
	}

	mu := s.lockFor(e.IdentityID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := s.assigner.Restore(ctx, experiment.Assignment{
		IdentityID: e.IdentityID,
		Variant:    e.Variant,
		AssignedAt: e.Timestamp,
		Metadata:   map[string]string{"restored": "true"},
	}); err != nil {
		return err
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := s.backend.Append(ctx, Stream, data); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// List returns the events matching f in append order
func (s *Store) List(ctx context.Context, f Filter) ([]Event, error) {
	raw, err := s.backend.Query(ctx, Stream, nil)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return Decode(raw, f), nil
}

// Recent returns the last limit events matching f, oldest first. limit <= 0 returns all.
func (s *Store) Recent(ctx context.Context, f Filter, limit int) ([]Event, error) {
	list, err := s.List(ctx, f)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	return list, nil
}

// Decode parses raw stream records, keeping those matching f
func Decode(raw [][]byte, f Filter) []Event {
	out := make([]Event, 0, len(raw))
	for _, rec := range raw {
		var e Event
		if err := json.Unmarshal(rec, &e); err != nil {
			log.Warn().Err(err).Msg("Skipping undecodable event")
			continue
		}
		if f.Match(e) {
			out = append(out, e)
		}
	}
	return out
}
