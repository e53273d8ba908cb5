package events

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnisearch/omnisearch/abengine/internal/audit"
	"github.com/omnisearch/omnisearch/abengine/internal/config"
	"github.com/omnisearch/omnisearch/abengine/internal/experiment"
	"github.com/omnisearch/omnisearch/abengine/internal/storage"
)

type captureAuditor struct {
	mu      sync.Mutex
	records []audit.Record
}

func (a *captureAuditor) Record(ctx context.Context, rec audit.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return nil
}

func newStore(t *testing.T, opts ...Option) (*Store, *experiment.Registry, *storage.Memory) {
	t.Helper()
	backend := storage.NewMemory()
	reg, err := experiment.NewRegistry(backend, config.Default().Experiment,
		experiment.WithRand(rand.New(rand.NewSource(7))))
	require.NoError(t, err)
	return NewStore(backend, reg, opts...), reg, backend
}

func TestValidate_ReportsWireNames(t *testing.T) {
	err := Validate(SearchInput{IdentityID: "u1", ResultsCount: intPtr(-1)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	fields := map[string]string{}
	for _, f := range verr.Fields {
		fields[f.Field] = f.Rule
	}
	assert.Equal(t, "required", fields["query"])
	assert.Equal(t, "gte", fields["results_count"])

	err = Validate(SearchInput{IdentityID: "u1", Query: "q"})
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Fields, 1)
	assert.Equal(t, FieldError{Field: "results_count", Rule: "required"}, verr.Fields[0])

	assert.NoError(t, Validate(SearchInput{IdentityID: "u1", Query: "q", ResultsCount: intPtr(0)}))
}

func TestLog_RejectsInvalidBeforeWriting(t *testing.T) {
	store, reg, backend := newStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		log  func() error
	}{
		{"search without query", func() error {
			_, err := store.LogSearch(ctx, SearchInput{IdentityID: "u1", ResultsCount: intPtr(3)})
			return err
		}},
		{"search without results count", func() error {
			_, err := store.LogSearch(ctx, SearchInput{IdentityID: "u1", Query: "q"})
			return err
		}},
		{"search with negative results", func() error {
			_, err := store.LogSearch(ctx, SearchInput{IdentityID: "u1", Query: "q", ResultsCount: intPtr(-1)})
			return err
		}},
		{"click without product", func() error {
			_, err := store.LogClick(ctx, ClickInput{IdentityID: "u1", Rank: 0})
			return err
		}},
		{"click below unknown rank", func() error {
			_, err := store.LogClick(ctx, ClickInput{IdentityID: "u1", ProductID: "p1", Rank: -2})
			return err
		}},
		{"click with unknown source", func() error {
			_, err := store.LogClick(ctx, ClickInput{IdentityID: "u1", ProductID: "p1", Source: "email"})
			return err
		}},
		{"impression without product", func() error {
			_, err := store.LogImpression(ctx, ImpressionInput{IdentityID: "u1"})
			return err
		}},
		{"missing identity", func() error {
			_, err := store.LogSearch(ctx, SearchInput{Query: "q"})
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.log(), ErrValidation)
		})
	}

	recs, err := backend.Query(ctx, Stream, nil)
	require.NoError(t, err)
	assert.Empty(t, recs)

	// Rejected events never create an assignment
	_, ok, err := reg.Get(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLog_AutoAssignsAndAttributesVariant(t *testing.T) {
	aud := &captureAuditor{}
	store, reg, _ := newStore(t, WithAuditor(aud))
	ctx := context.Background()

	e, err := store.LogSearch(ctx, SearchInput{IdentityID: "u1", SessionID: "s1", Query: "red shoes", ResultsCount: intPtr(12), SearchTimeMs: 42.5})
	require.NoError(t, err)

	a, ok, err := reg.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, TypeSearch, e.Type)
	assert.Equal(t, a.Variant, e.Variant)
	assert.Equal(t, "s1", e.SessionID)
	require.NotNil(t, e.Search)
	assert.Equal(t, 12, e.Search.ResultsCount)
	assert.Nil(t, e.Click)

	require.Len(t, aud.records, 1)
	assert.Equal(t, audit.KindEvent, aud.records[0].Kind)
	assert.Equal(t, "search", aud.records[0].EventType)
}

func TestLog_ReadYourWrites(t *testing.T) {
	store, _, _ := newStore(t)
	ctx := context.Background()

	click, err := store.LogClick(ctx, ClickInput{IdentityID: "u1", ProductID: "p9", Rank: UnknownRank})
	require.NoError(t, err)

	list, err := store.List(ctx, Filter{IdentityID: "u1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, click.ID, list[0].ID)
	assert.Equal(t, UnknownRank, list[0].Click.Rank)
}

func TestList_Filters(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store, _, _ := newStore(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := store.LogSearch(ctx, SearchInput{IdentityID: "u1", Query: "a", ResultsCount: intPtr(1)})
	require.NoError(t, err)
	_, err = store.LogClick(ctx, ClickInput{IdentityID: "u1", ProductID: "p1"})
	require.NoError(t, err)
	_, err = store.LogImpression(ctx, ImpressionInput{IdentityID: "u2", ProductID: "p1", Visible: true})
	require.NoError(t, err)

	clicks, err := store.List(ctx, Filter{Type: TypeClick})
	require.NoError(t, err)
	assert.Len(t, clicks, 1)

	u1, err := store.List(ctx, Filter{IdentityID: "u1"})
	require.NoError(t, err)
	assert.Len(t, u1, 2)

	none, err := store.List(ctx, Filter{Since: now.Add(time.Minute)})
	require.NoError(t, err)
	assert.Empty(t, none)

	all, err := store.List(ctx, Filter{Since: now})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRecent_NewestLast(t *testing.T) {
	store, _, _ := newStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := store.LogSearch(ctx, SearchInput{IdentityID: "u1", Query: fmt.Sprintf("q%d", i), ResultsCount: intPtr(i)})
		require.NoError(t, err)
	}

	recent, err := store.Recent(ctx, Filter{}, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "q3", recent[0].Search.Query)
	assert.Equal(t, "q4", recent[1].Search.Query)

	all, err := store.Recent(ctx, Filter{}, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestLog_PreservesPerIdentityOrder(t *testing.T) {
	store, _, _ := newStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, err := store.LogSearch(ctx, SearchInput{IdentityID: id, Query: fmt.Sprintf("%d", i), ResultsCount: intPtr(i)})
				assert.NoError(t, err)
			}
		}(id)
	}
	wg.Wait()

	for _, id := range []string{"a", "b", "c", "d"} {
		list, err := store.List(ctx, Filter{IdentityID: id})
		require.NoError(t, err)
		require.Len(t, list, 25)
		for i, e := range list {
			assert.Equal(t, fmt.Sprintf("%d", i), e.Search.Query)
		}
	}
}

func TestImport_RestoresAssignment(t *testing.T) {
	store, reg, _ := newStore(t)
	ctx := context.Background()

	e := Event{
		ID:         "evt-1",
		Type:       TypeClick,
		IdentityID: "u7",
		Variant:    experiment.SearchV2,
		Timestamp:  time.Now().UTC(),
		Click:      &Click{ProductID: "p1", Rank: 2},
	}
	require.NoError(t, store.Import(ctx, e))

	a, ok, err := reg.Get(ctx, "u7")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, experiment.SearchV2, a.Variant)

	list, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "evt-1", list[0].ID)

	// Payload must match the type
	bad := e
	bad.Click = nil
	assert.ErrorIs(t, store.Import(ctx, bad), ErrValidation)
}

func TestParseType(t *testing.T) {
	ty, err := ParseType("impression")
	require.NoError(t, err)
	assert.Equal(t, TypeImpression, ty)

	_, err = ParseType("hover")
	assert.ErrorIs(t, err, ErrValidation)
}

func intPtr(n int) *int { return &n }
