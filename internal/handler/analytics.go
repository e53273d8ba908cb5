package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/omnisearch/omnisearch/abengine/internal/analytics"
	"github.com/omnisearch/omnisearch/abengine/internal/events"
	"github.com/omnisearch/omnisearch/abengine/internal/experiment"
)

const (
	defaultDays = 7
	maxDays     = 365
)

var errDays = errors.New("days must be an integer between 1 and 365")

func parseDays(r *http.Request) (int, error) {
	s := r.URL.Query().Get("days")
	if s == "" {
		return defaultDays, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > maxDays {
		return 0, errDays
	}
	return n, nil
}

// metricsFilter reads user_id, variant, event_type and days
func metricsFilter(r *http.Request) (analytics.Filter, int, error) {
	days, err := parseDays(r)
	if err != nil {
		return analytics.Filter{}, 0, err
	}

	f := analytics.Filter{
		IdentityID: r.URL.Query().Get("user_id"),
		Lookback:   analytics.LookbackDays(days),
	}
	if s := r.URL.Query().Get("variant"); s != "" {
		v, err := experiment.ParseVariant(s)
		if err != nil {
			return analytics.Filter{}, 0, err
		}
		f.Variant = v
	}
	if s := r.URL.Query().Get("event_type"); s != "" {
		t, err := events.ParseType(s)
		if err != nil {
			return analytics.Filter{}, 0, err
		}
		f.Type = t
	}
	return f, days, nil
}

func countsView(c analytics.Counts) map[string]interface{} {
	return map[string]interface{}{
		"ctr":                       round(c.CTR, 4),
		"clicks":                    c.Clicks,
		"impressions":               c.Impressions,
		"clicks_exceed_impressions": c.ClicksExceedImpressions,
	}
}

func (h *HTTPHandler) HandleCTR(w http.ResponseWriter, r *http.Request) {
	f, days, err := metricsFilter(r)
	if err != nil {
		writeFilterErr(w, r, err)
		return
	}

	res, err := h.engine.Analytics.CTR(r.Context(), f)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	view := countsView(res.Counts)
	view["period_days"] = days
	view["empty"] = res.Empty
	if res.PerVariant != nil {
		per := make(map[string]interface{}, len(res.PerVariant))
		for v, c := range res.PerVariant {
			per[string(v)] = countsView(c)
		}
		view["per_variant"] = per
	}
	writeJSON(w, http.StatusOK, view)
}

func rankView(res analytics.RankResult) map[string]interface{} {
	hist := make(map[string]int, len(res.Histogram))
	for rank, n := range res.Histogram {
		hist[strconv.Itoa(rank)] = n
	}
	return map[string]interface{}{
		"avg_rank":            round(res.Avg, 2),
		"median_rank":         res.Median,
		"min_rank":            res.Min,
		"max_rank":            res.Max,
		"rank_distribution":   hist,
		"total_clicks":        res.TotalClicks,
		"unknown_rank_clicks": res.UnknownRankClicks,
		"empty":               res.Empty,
	}
}

func (h *HTTPHandler) HandleRankMetrics(w http.ResponseWriter, r *http.Request) {
	f, days, err := metricsFilter(r)
	if err != nil {
		writeFilterErr(w, r, err)
		return
	}
	f.IncludeUnknownRank, _ = strconv.ParseBool(r.URL.Query().Get("include_unknown"))

	res, err := h.engine.Analytics.RankMetrics(r.Context(), f)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	view := rankView(res)
	view["period_days"] = days
	writeJSON(w, http.StatusOK, view)
}

func responseTimeView(res analytics.ResponseTimeResult) map[string]interface{} {
	return map[string]interface{}{
		"avg_ms":      round(res.Avg, 2),
		"min_ms":      round(res.Min, 2),
		"max_ms":      round(res.Max, 2),
		"p95_ms":      round(res.P95, 2),
		"total_count": res.Count,
		"empty":       res.Empty,
	}
}

func (h *HTTPHandler) HandleResponseTime(w http.ResponseWriter, r *http.Request) {
	f, days, err := metricsFilter(r)
	if err != nil {
		writeFilterErr(w, r, err)
		return
	}

	res, err := h.engine.Analytics.ResponseTimeMetrics(r.Context(), f)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	view := responseTimeView(res)
	view["period_days"] = days
	writeJSON(w, http.StatusOK, view)
}

func (h *HTTPHandler) HandleUserSummary(w http.ResponseWriter, r *http.Request) {
	days, err := parseDays(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s, err := h.engine.Analytics.UserSummary(r.Context(), chi.URLParam(r, "user_id"), analytics.LookbackDays(days))
	if err != nil {
		writeErr(w, r, err)
		return
	}

	variants := make([]string, len(s.VariantsUsed))
	for i, v := range s.VariantsUsed {
		variants[i] = string(v)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":              s.IdentityID,
		"period_days":          days,
		"total_clicks":         s.TotalClicks,
		"total_impressions":    s.TotalImpressions,
		"total_searches":       s.TotalSearches,
		"ctr":                  round(s.CTR, 4),
		"avg_rank_clicked":     round(s.AvgRankClicked, 2),
		"avg_response_time_ms": round(s.AvgResponseTimeMs, 2),
		"variants_used":        variants,
		"empty":                s.Empty,
	})
}

func (h *HTTPHandler) HandleVariantComparison(w http.ResponseWriter, r *http.Request) {
	days, err := parseDays(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cmp, err := h.engine.Analytics.VariantComparison(r.Context(), analytics.LookbackDays(days))
	if err != nil {
		writeErr(w, r, err)
		return
	}

	variants := make(map[string]interface{}, len(cmp.Variants))
	for _, vm := range cmp.Variants {
		view := countsView(vm.Counts)
		view["searches"] = vm.Searches
		view["users"] = vm.Identities
		view["response_time"] = responseTimeView(vm.ResponseTime)
		view["rank"] = rankView(vm.Rank)
		variants[string(vm.Variant)] = view
	}

	var winner interface{}
	if cmp.Winner != "" {
		winner = string(cmp.Winner)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"period_days":   days,
		"variants":      variants,
		"winner_by_ctr": winner,
	})
}

func writeFilterErr(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, errDays) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeErr(w, r, err)
}
