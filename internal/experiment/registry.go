package experiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/omnisearch/omnisearch/abengine/internal/audit"
	"github.com/omnisearch/omnisearch/abengine/internal/config"
	"github.com/omnisearch/omnisearch/abengine/internal/metrics"
	"github.com/omnisearch/omnisearch/abengine/internal/storage"
)

const (
	keyPrefix = "assignment:"

	// AssignmentsStream lists every assignment in creation order
	AssignmentsStream = "assignments"
)

// Auditor receives a record of every new assignment
type Auditor interface {
	Record(ctx context.Context, rec audit.Record) error
}

// Registry owns the identity to variant mapping
type Registry struct {
	backend  storage.Backend
	variants [2]Variant
	ratio    float64
	ttl      time.Duration
	auditor  Auditor
	now      func() time.Time

	group singleflight.Group

	rngMu sync.Mutex
	rng   *rand.Rand
}

type Option func(*Registry)

// WithRand makes variant draws deterministic
func WithRand(r *rand.Rand) Option {
	return func(reg *Registry) { reg.rng = r }
}

func WithAuditor(a Auditor) Option {
	return func(reg *Registry) { reg.auditor = a }
}

func WithClock(now func() time.Time) Option {
	return func(reg *Registry) { reg.now = now }
}

// NewRegistry builds a registry over backend. cfg supplies the variants,
// default split ratio, assignment TTL and seed.
func NewRegistry(backend storage.Backend, cfg config.ExperimentConfig, opts ...Option) (*Registry, error) {
	names := cfg.Variants
	if len(names) == 0 {
		names = []string{string(SearchV1), string(SearchV2)}
	}
	if len(names) != 2 {
		return nil, fmt.Errorf("registry needs exactly two variants, got %d", len(names))
	}

	r := &Registry{
		backend: backend,
		ratio:   cfg.Ratio(),
		ttl:     cfg.AssignmentTTL,
		now:     time.Now,
	}
	for i, name := range names {
		v, err := ParseVariant(name)
		if err != nil {
			return nil, err
		}
		r.variants[i] = v
	}
	if r.variants[0] == r.variants[1] {
		return nil, fmt.Errorf("registry variants must differ, got %s twice", r.variants[0])
	}
	if err := ValidateSplitRatio(r.ratio); err != nil {
		return nil, err
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	r.rng = rand.New(rand.NewSource(seed))

	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// SplitRatio returns the configured probability of the first variant
func (r *Registry) SplitRatio() float64 { return r.ratio }

func (r *Registry) draw(ratio float64) Variant {
	r.rngMu.Lock()
	x := r.rng.Float64()
	r.rngMu.Unlock()

	if x < ratio {
		return r.variants[0]
	}
	return r.variants[1]
}

// AssignWithDefault assigns using the configured split ratio
func (r *Registry) AssignWithDefault(ctx context.Context, identityID string, metadata map[string]string) (Assignment, error) {
	return r.Assign(ctx, identityID, r.ratio, metadata)
}

// Assign returns the identity's assignment, creating it on first call.
// ratio is the probability of the first variant and only matters on creation.
func (r *Registry) Assign(ctx context.Context, identityID string, ratio float64, metadata map[string]string) (Assignment, error) {
	if identityID == "" {
		return Assignment{}, ErrEmptyIdentity
	}
	if err := ValidateSplitRatio(ratio); err != nil {
		return Assignment{}, err
	}

	v, err, _ := r.group.Do(identityID, func() (interface{}, error) {
		return r.assign(ctx, identityID, ratio, metadata)
	})
	if err != nil {
		return Assignment{}, err
	}
	return v.(Assignment).clone(), nil
}

func (r *Registry) assign(ctx context.Context, identityID string, ratio float64, metadata map[string]string) (Assignment, error) {
	if existing, ok, err := r.Get(ctx, identityID); err != nil {
		return Assignment{}, err
	} else if ok {
		return existing, nil
	}

	if metadata == nil {
		metadata = map[string]string{}
	}
	candidate := Assignment{
		IdentityID: identityID,
		Variant:    r.draw(ratio),
		AssignedAt: r.now().UTC(),
		Metadata:   metadata,
	}
	data, err := json.Marshal(candidate)
	if err != nil {
		return Assignment{}, fmt.Errorf("encode assignment: %w", err)
	}

	// Another process may have won the key since the lookup above
	stored, created, err := r.backend.PutIfAbsent(ctx, keyPrefix+identityID, data, r.ttl)
	if err != nil {
		return Assignment{}, fmt.Errorf("store assignment %s: %w", identityID, err)
	}

	var a Assignment
	if err := json.Unmarshal(stored, &a); err != nil {
		return Assignment{}, fmt.Errorf("decode assignment %s: %w", identityID, err)
	}
	if !created {
		return a, nil
	}

	if _, err := r.backend.Append(ctx, AssignmentsStream, stored); err != nil {
		log.Error().Err(err).Str("identity_id", identityID).Msg("Failed to index assignment")
	}
	if r.auditor != nil {
		if err := r.auditor.Record(ctx, audit.Record{
			Kind:       audit.KindAssignment,
			IdentityID: identityID,
			Variant:    string(a.Variant),
			Timestamp:  a.AssignedAt,
			Payload:    stored,
		}); err != nil {
			log.Error().Err(err).Str("identity_id", identityID).Msg("Failed to audit assignment")
		}
	}
	metrics.Assignments.WithLabelValues(string(a.Variant)).Inc()

	log.Info().
		Str("identity_id", identityID).
		Str("variant", string(a.Variant)).
		Msg("Assigned variant")
	return a, nil
}

// Restore writes a previously issued assignment back, keeping any assignment
// the identity already holds. It reports whether a was written.
func (r *Registry) Restore(ctx context.Context, a Assignment) (bool, error) {
	if a.IdentityID == "" {
		return false, ErrEmptyIdentity
	}
	if _, err := ParseVariant(string(a.Variant)); err != nil {
		return false, err
	}

	data, err := json.Marshal(a)
	if err != nil {
		return false, fmt.Errorf("encode assignment: %w", err)
	}
	_, created, err := r.backend.PutIfAbsent(ctx, keyPrefix+a.IdentityID, data, r.ttl)
	if err != nil {
		return false, fmt.Errorf("restore assignment %s: %w", a.IdentityID, err)
	}
	if created {
		if _, err := r.backend.Append(ctx, AssignmentsStream, data); err != nil {
			return true, fmt.Errorf("index assignment %s: %w", a.IdentityID, err)
		}
	}
	return created, nil
}

// Get looks up an assignment without creating one
func (r *Registry) Get(ctx context.Context, identityID string) (Assignment, bool, error) {
	data, err := r.backend.Get(ctx, keyPrefix+identityID)
	if errors.Is(err, storage.ErrNotFound) {
		return Assignment{}, false, nil
	}
	if err != nil {
		return Assignment{}, false, fmt.Errorf("load assignment %s: %w", identityID, err)
	}

	var a Assignment
	if err := json.Unmarshal(data, &a); err != nil {
		return Assignment{}, false, fmt.Errorf("decode assignment %s: %w", identityID, err)
	}
	return a, true, nil
}

// List returns every assignment in creation order
func (r *Registry) List(ctx context.Context) ([]Assignment, error) {
	raw, err := r.backend.Query(ctx, AssignmentsStream, nil)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}

	seen := make(map[string]bool, len(raw))
	out := make([]Assignment, 0, len(raw))
	for _, rec := range raw {
		var a Assignment
		if err := json.Unmarshal(rec, &a); err != nil {
			log.Warn().Err(err).Msg("Skipping undecodable assignment")
			continue
		}
		// A replayed spool can index the same identity twice
		if seen[a.IdentityID] {
			continue
		}
		seen[a.IdentityID] = true
		out = append(out, a)
	}
	return out, nil
}

// Count returns the number of distinct assigned identities
func (r *Registry) Count(ctx context.Context) (int, error) {
	list, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(list), nil
}

// Reset clears the shared backend, assignments and events together
func (r *Registry) Reset(ctx context.Context, confirm bool) error {
	if !confirm {
		return ErrResetNotConfirmed
	}
	if err := r.backend.Clear(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}

	log.Info().Str("backend", r.backend.Name()).Msg("Experiment data cleared")
	return nil
}
