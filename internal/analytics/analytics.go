package analytics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/omnisearch/omnisearch/abengine/internal/events"
	"github.com/omnisearch/omnisearch/abengine/internal/experiment"
)

// Epsilon is the CTR difference below which two variants tie
const Epsilon = 1e-9

// P95 is the percentile reported by ResponseTimeMetrics
const P95 = 0.95

// EventSource lists stored events
type EventSource interface {
	List(ctx context.Context, f events.Filter) ([]events.Event, error)
}

// AssignmentCounter counts assigned identities
type AssignmentCounter interface {
	Count(ctx context.Context) (int, error)
}

// Filter scopes a metrics query. Zero fields match everything; set fields are ANDed.
type Filter struct {
	IdentityID string
	Variant    experiment.Variant
	Type       events.Type

	// Lookback limits events to the trailing window. Zero means all time.
	Lookback time.Duration

	// IncludeUnknownRank counts clicks without a reported position in rank metrics
	IncludeUnknownRank bool
}

// LookbackDays converts a day count to a lookback window. n <= 0 means all time.
func LookbackDays(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * 24 * time.Hour
}

// Engine computes metrics by scanning the event store on every call
type Engine struct {
	source      EventSource
	assignments AssignmentCounter
	variants    []experiment.Variant
	now         func() time.Time
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithVariants sets the variants reported in per-variant breakdowns
func WithVariants(vs ...experiment.Variant) Option {
	return func(e *Engine) { e.variants = vs }
}

func New(source EventSource, assignments AssignmentCounter, opts ...Option) *Engine {
	e := &Engine{
		source:      source,
		assignments: assignments,
		variants:    experiment.Variants(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) eventFilter(f Filter) events.Filter {
	ef := events.Filter{
		IdentityID: f.IdentityID,
		Variant:    f.Variant,
		Type:       f.Type,
	}
	if f.Lookback > 0 {
		ef.Since = e.now().Add(-f.Lookback)
	}
	return ef
}

func (e *Engine) list(ctx context.Context, f Filter) ([]events.Event, error) {
	list, err := e.source.List(ctx, e.eventFilter(f))
	if err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	return list, nil
}

// Counts is a clicks over impressions tally
type Counts struct {
	CTR         float64 `json:"ctr"`
	Clicks      int     `json:"clicks"`
	Impressions int     `json:"impressions"`

	// ClicksExceedImpressions flags clicks whose impressions were never logged
	ClicksExceedImpressions bool `json:"clicks_exceed_impressions"`
}

// isImpression reports whether e counts as a result set shown to the identity
func isImpression(e events.Event) bool {
	switch e.Type {
	case events.TypeSearch:
		return true
	case events.TypeImpression:
		return e.Impression != nil && e.Impression.Visible
	}
	return false
}

func tally(list []events.Event) Counts {
	var c Counts
	for _, ev := range list {
		if ev.Type == events.TypeClick {
			c.Clicks++
		} else if isImpression(ev) {
			c.Impressions++
		}
	}
	c.CTR = ctr(c.Clicks, c.Impressions)
	c.ClicksExceedImpressions = c.Clicks > c.Impressions
	return c
}

// ctr is clicks over impressions clamped to [0,1]; zero impressions give 0
func ctr(clicks, impressions int) float64 {
	if impressions <= 0 {
		return 0
	}
	return math.Min(1, float64(clicks)/float64(impressions))
}

// CTRResult is the click-through rate for a filter
type CTRResult struct {
	Counts
	Lookback time.Duration `json:"lookback"`

	// PerVariant is set when the filter does not pin a variant
	PerVariant map[experiment.Variant]Counts `json:"per_variant,omitempty"`

	// Empty means no event matched; the zero values are not measurements
	Empty bool `json:"empty"`
}

// CTR computes the click-through rate over the filtered events
func (e *Engine) CTR(ctx context.Context, f Filter) (CTRResult, error) {
	list, err := e.list(ctx, f)
	if err != nil {
		return CTRResult{}, err
	}

	res := CTRResult{
		Counts:   tally(list),
		Lookback: f.Lookback,
		Empty:    len(list) == 0,
	}
	if f.Variant == "" {
		res.PerVariant = make(map[experiment.Variant]Counts, len(e.variants))
		for _, v := range e.variants {
			res.PerVariant[v] = tally(byVariant(list, v))
		}
	}
	return res, nil
}

func byVariant(list []events.Event, v experiment.Variant) []events.Event {
	out := make([]events.Event, 0, len(list))
	for _, ev := range list {
		if ev.Variant == v {
			out = append(out, ev)
		}
	}
	return out
}

// RankResult describes the positions of clicked results
type RankResult struct {
	Avg         float64     `json:"avg"`
	Median      int         `json:"median"`
	Min         int         `json:"min"`
	Max         int         `json:"max"`
	Histogram   map[int]int `json:"histogram"`
	TotalClicks int         `json:"total_clicks"`

	// UnknownRankClicks counts clicks without a position, excluded unless requested
	UnknownRankClicks int  `json:"unknown_rank_clicks"`
	Empty             bool `json:"empty"`
}

// RankMetrics summarizes click ranks. Median is the upper median, sorted[n/2].
func (e *Engine) RankMetrics(ctx context.Context, f Filter) (RankResult, error) {
	f.Type = events.TypeClick
	list, err := e.list(ctx, f)
	if err != nil {
		return RankResult{}, err
	}
	return rankMetrics(list, f.IncludeUnknownRank), nil
}

func rankMetrics(list []events.Event, includeUnknown bool) RankResult {
	res := RankResult{Histogram: map[int]int{}}

	ranks := make([]int, 0, len(list))
	for _, ev := range list {
		if ev.Type != events.TypeClick || ev.Click == nil {
			continue
		}
		if ev.Click.Rank == events.UnknownRank {
			res.UnknownRankClicks++
			if !includeUnknown {
				continue
			}
		}
		ranks = append(ranks, ev.Click.Rank)
	}

	if len(ranks) == 0 {
		res.Empty = true
		return res
	}

	sort.Ints(ranks)
	sum := 0
	for _, r := range ranks {
		sum += r
		res.Histogram[r]++
	}
	res.Avg = float64(sum) / float64(len(ranks))
	res.Median = ranks[len(ranks)/2]
	res.Min = ranks[0]
	res.Max = ranks[len(ranks)-1]
	res.TotalClicks = len(ranks)
	return res
}

// ResponseTimeResult summarizes search latency in milliseconds
type ResponseTimeResult struct {
	Avg   float64 `json:"avg_ms"`
	Min   float64 `json:"min_ms"`
	Max   float64 `json:"max_ms"`
	P95   float64 `json:"p95_ms"`
	Count int     `json:"count"`
	Empty bool    `json:"empty"`
}

// ResponseTimeMetrics summarizes search_time_ms of the filtered searches.
// P95 uses the nearest-rank method.
func (e *Engine) ResponseTimeMetrics(ctx context.Context, f Filter) (ResponseTimeResult, error) {
	f.Type = events.TypeSearch
	list, err := e.list(ctx, f)
	if err != nil {
		return ResponseTimeResult{}, err
	}
	return responseTimes(list), nil
}

func responseTimes(list []events.Event) ResponseTimeResult {
	times := make([]float64, 0, len(list))
	for _, ev := range list {
		if ev.Type == events.TypeSearch && ev.Search != nil {
			times = append(times, ev.Search.SearchTimeMs)
		}
	}
	if len(times) == 0 {
		return ResponseTimeResult{Empty: true}
	}

	sort.Float64s(times)
	sum := 0.0
	for _, t := range times {
		sum += t
	}
	return ResponseTimeResult{
		Avg:   sum / float64(len(times)),
		Min:   times[0],
		Max:   times[len(times)-1],
		P95:   NearestRank(times, P95),
		Count: len(times),
	}
}

// NearestRank returns the ceil(p*n)-th smallest value of sorted, which must be ascending
func NearestRank(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// VariantMetrics is one side of a comparison
type VariantMetrics struct {
	Variant experiment.Variant `json:"variant"`
	Counts
	Searches     int                `json:"searches"`
	Identities   int                `json:"identities"`
	ResponseTime ResponseTimeResult `json:"response_time"`
	Rank         RankResult         `json:"rank"`
}

// Comparison puts every variant side by side
type Comparison struct {
	Lookback time.Duration    `json:"lookback"`
	Variants []VariantMetrics `json:"variants"`

	// Winner has the strictly highest CTR; empty on a tie
	Winner experiment.Variant `json:"winner_by_ctr,omitempty"`
}

// VariantComparison computes per-variant metrics concurrently and picks the CTR winner
func (e *Engine) VariantComparison(ctx context.Context, lookback time.Duration) (Comparison, error) {
	out := Comparison{
		Lookback: lookback,
		Variants: make([]VariantMetrics, len(e.variants)),
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, v := range e.variants {
		i, v := i, v
		g.Go(func() error {
			list, err := e.list(gctx, Filter{Variant: v, Lookback: lookback})
			if err != nil {
				return err
			}
			out.Variants[i] = variantMetrics(v, list)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Comparison{}, err
	}

	out.Winner = winner(out.Variants)
	return out, nil
}

func variantMetrics(v experiment.Variant, list []events.Event) VariantMetrics {
	identities := make(map[string]struct{})
	searches := 0
	for _, ev := range list {
		identities[ev.IdentityID] = struct{}{}
		if ev.Type == events.TypeSearch {
			searches++
		}
	}
	return VariantMetrics{
		Variant:      v,
		Counts:       tally(list),
		Searches:     searches,
		Identities:   len(identities),
		ResponseTime: responseTimes(list),
		Rank:         rankMetrics(list, false),
	}
}

func winner(vs []VariantMetrics) experiment.Variant {
	if len(vs) == 0 {
		return ""
	}
	best := 0
	for i := 1; i < len(vs); i++ {
		if vs[i].CTR > vs[best].CTR {
			best = i
		}
	}
	for i := range vs {
		if i != best && math.Abs(vs[i].CTR-vs[best].CTR) <= Epsilon {
			return ""
		}
	}
	return vs[best].Variant
}

// UserSummary is everything recorded for one identity
type UserSummary struct {
	IdentityID        string               `json:"user_id"`
	Lookback          time.Duration        `json:"lookback"`
	TotalClicks       int                  `json:"total_clicks"`
	TotalImpressions  int                  `json:"total_impressions"`
	TotalSearches     int                  `json:"total_searches"`
	CTR               float64              `json:"ctr"`
	AvgRankClicked    float64              `json:"avg_rank_clicked"`
	AvgResponseTimeMs float64              `json:"avg_response_time_ms"`
	VariantsUsed      []experiment.Variant `json:"variants_used"`
	Empty             bool                 `json:"empty"`
}

// UserSummary totals one identity's events over the lookback window
func (e *Engine) UserSummary(ctx context.Context, identityID string, lookback time.Duration) (UserSummary, error) {
	list, err := e.list(ctx, Filter{IdentityID: identityID, Lookback: lookback})
	if err != nil {
		return UserSummary{}, err
	}

	counts := tally(list)
	rank := rankMetrics(list, false)
	rt := responseTimes(list)

	used := make(map[experiment.Variant]struct{})
	for _, ev := range list {
		used[ev.Variant] = struct{}{}
	}
	variants := make([]experiment.Variant, 0, len(used))
	for v := range used {
		variants = append(variants, v)
	}
	sort.Slice(variants, func(i, j int) bool { return variants[i] < variants[j] })

	return UserSummary{
		IdentityID:        identityID,
		Lookback:          lookback,
		TotalClicks:       counts.Clicks,
		TotalImpressions:  counts.Impressions,
		TotalSearches:     rt.Count,
		CTR:               counts.CTR,
		AvgRankClicked:    rank.Avg,
		AvgResponseTimeMs: rt.Avg,
		VariantsUsed:      variants,
		Empty:             len(list) == 0,
	}, nil
}

// VariantOverview is a per-variant line of Overview
type VariantOverview struct {
	Searches int `json:"searches"`
	Counts
}

// OverviewResult is the experiment-wide dashboard
type OverviewResult struct {
	TotalEvents      int                                    `json:"total_events"`
	TotalAssignments int                                    `json:"total_assignments"`
	SearchEvents     int                                    `json:"search_events"`
	ClickEvents      int                                    `json:"click_events"`
	ImpressionEvents int                                    `json:"impression_events"`
	PerVariant       map[experiment.Variant]VariantOverview `json:"per_variant"`
	AvgSearchTimeMs  float64                                `json:"avg_search_time_ms"`
	AvgResultsCount  float64                                `json:"avg_results_count"`
}

// Overview totals every stored event and assignment
func (e *Engine) Overview(ctx context.Context) (OverviewResult, error) {
	list, err := e.list(ctx, Filter{})
	if err != nil {
		return OverviewResult{}, err
	}

	res := OverviewResult{
		TotalEvents: len(list),
		PerVariant:  make(map[experiment.Variant]VariantOverview, len(e.variants)),
	}
	if e.assignments != nil {
		n, err := e.assignments.Count(ctx)
		if err != nil {
			return OverviewResult{}, fmt.Errorf("count assignments: %w", err)
		}
		res.TotalAssignments = n
	}

	var timeSum float64
	var resultsSum int
	for _, ev := range list {
		switch ev.Type {
		case events.TypeSearch:
			res.SearchEvents++
			if ev.Search != nil {
				timeSum += ev.Search.SearchTimeMs
				resultsSum += ev.Search.ResultsCount
			}
		case events.TypeClick:
			res.ClickEvents++
		case events.TypeImpression:
			res.ImpressionEvents++
		}
	}
	if res.SearchEvents > 0 {
		res.AvgSearchTimeMs = timeSum / float64(res.SearchEvents)
		res.AvgResultsCount = float64(resultsSum) / float64(res.SearchEvents)
	}

	for _, v := range e.variants {
		vl := byVariant(list, v)
		searches := 0
		for _, ev := range vl {
			if ev.Type == events.TypeSearch {
				searches++
			}
		}
		res.PerVariant[v] = VariantOverview{Searches: searches, Counts: tally(vl)}
	}
	return res, nil
}
