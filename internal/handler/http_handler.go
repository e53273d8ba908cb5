package handler

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"github.com/omnisearch/omnisearch/abengine/internal/config"
	"github.com/omnisearch/omnisearch/abengine/internal/engine"
	"github.com/omnisearch/omnisearch/abengine/internal/enricher"
	"github.com/omnisearch/omnisearch/abengine/internal/events"
	"github.com/omnisearch/omnisearch/abengine/internal/experiment"
	"github.com/omnisearch/omnisearch/abengine/internal/ranking"
)

const maxBodyBytes = 1 << 20

type HTTPHandler struct {
	engine   *engine.Engine
	enricher *enricher.Enricher
	cfg      config.ServerConfig
}

// NewHTTPHandler serves eng. A nil enricher attaches no assignment metadata.
func NewHTTPHandler(eng *engine.Engine, e *enricher.Enricher, cfg config.ServerConfig) *HTTPHandler {
	if cfg.UserIDHeader == "" {
		cfg.UserIDHeader = "X-User-ID"
	}
	if cfg.SessionIDHeader == "" {
		cfg.SessionIDHeader = "X-Session-ID"
	}
	return &HTTPHandler{
		engine:   eng,
		enricher: e,
		cfg:      cfg,
	}
}

// Routes builds the chi router
func (h *HTTPHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(hlog.NewHandler(log.Logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration", d).
			Msg("Request served")
	}))
	r.Use(CORSMiddleware)
	r.Use(instrument)

	r.Get("/health", h.HealthCheck)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/ab", func(r chi.Router) {
		r.Use(h.identityMiddleware)
		r.Post("/assign", h.HandleAssign)
		r.Get("/assignment", h.HandleGetAssignment)
		r.Post("/log-search", h.HandleLogSearch)
		r.Post("/log-click", h.HandleLogClick)
		r.Post("/log-impression", h.HandleLogImpression)
		r.Get("/metrics", h.HandleOverview)
		r.Get("/events", h.HandleEvents)
		r.Delete("/reset", h.HandleReset)
	})

	r.Route("/analytics", func(r chi.Router) {
		r.Get("/ctr", h.HandleCTR)
		r.Get("/rank-metrics", h.HandleRankMetrics)
		r.Get("/response-time", h.HandleResponseTime)
		r.Get("/user/{user_id}", h.HandleUserSummary)
		r.Get("/variants-comparison", h.HandleVariantComparison)
	})

	r.Route("/ranking", func(r chi.Router) {
		r.Use(h.identityMiddleware)
		r.Post("/rerank", h.HandleRerank)
	})

	return r
}

type errorResponse struct {
	Success bool     `json:"success"`
	Errors  []string `json:"errors"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msgs ...string) {
	writeJSON(w, status, errorResponse{Success: false, Errors: msgs})
}

// writeErr maps caller mistakes to 400 and everything else to 500
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var verr *events.ValidationError
	if errors.As(err, &verr) {
		msgs := make([]string, len(verr.Fields))
		for i, f := range verr.Fields {
			msgs[i] = f.String()
		}
		writeError(w, http.StatusBadRequest, msgs...)
		return
	}

	switch {
	case errors.Is(err, events.ErrValidation),
		errors.Is(err, experiment.ErrInvalidSplitRatio),
		errors.Is(err, experiment.ErrUnknownVariant),
		errors.Is(err, experiment.ErrEmptyIdentity),
		errors.Is(err, experiment.ErrResetNotConfirmed):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		hlog.FromRequest(r).Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return errors.New("failed to read body")
	}
	defer r.Body.Close()

	if err := json.Unmarshal(body, v); err != nil {
		return errors.New("invalid JSON")
	}
	return nil
}

// round is for rendering only; stored and computed values stay exact
func round(x float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(x*p) / p
}

func (h *HTTPHandler) identity(r *http.Request) Identity {
	id, _ := IdentityFrom(r.Context())
	return id
}

func (h *HTTPHandler) metadata(r *http.Request) map[string]string {
	if h.enricher == nil {
		return nil
	}
	return h.enricher.FromRequest(r)
}

func (h *HTTPHandler) HandleAssign(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = h.identity(r).UserID
	}

	ratio := h.engine.Registry.SplitRatio()
	if s := r.URL.Query().Get("split_ratio"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "split_ratio must be a number")
			return
		}
		ratio = v
	}

	a, err := h.engine.Registry.Assign(r.Context(), userID, ratio, h.metadata(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}

	w.Header().Set(headerVariant, string(a.Variant))
	writeJSON(w, http.StatusOK, a)
}

func (h *HTTPHandler) HandleGetAssignment(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = h.identity(r).UserID
	}

	a, ok, err := h.engine.Registry.Get(r.Context(), userID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"success": false,
			"errors":  []string{"no assignment found"},
			"user_id": userID,
		})
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type eventResponse struct {
	Success   bool               `json:"success"`
	EventID   string             `json:"event_id"`
	EventType events.Type        `json:"event_type"`
	UserID    string             `json:"user_id"`
	Variant   experiment.Variant `json:"variant"`
	Timestamp time.Time          `json:"timestamp"`
}

func (h *HTTPHandler) writeEvent(w http.ResponseWriter, r *http.Request, e events.Event, err error) {
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.Header().Set(headerVariant, string(e.Variant))
	writeJSON(w, http.StatusOK, eventResponse{
		Success:   true,
		EventID:   e.ID,
		EventType: e.Type,
		UserID:    e.IdentityID,
		Variant:   e.Variant,
		Timestamp: e.Timestamp,
	})
}

// fillIdentity defaults missing user and session ids to the request identity
func (h *HTTPHandler) fillIdentity(r *http.Request, userID, sessionID *string) {
	id := h.identity(r)
	if *userID == "" {
		*userID = id.UserID
	}
	if *sessionID == "" {
		*sessionID = id.SessionID
	}
}

func (h *HTTPHandler) HandleLogSearch(w http.ResponseWriter, r *http.Request) {
	var in events.SearchInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.fillIdentity(r, &in.IdentityID, &in.SessionID)

	e, err := h.engine.Events.LogSearch(r.Context(), in)
	h.writeEvent(w, r, e, err)
}

func (h *HTTPHandler) HandleLogClick(w http.ResponseWriter, r *http.Request) {
	// Rank defaults to unknown when the client omits it
	in := events.ClickInput{Rank: events.UnknownRank}
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.fillIdentity(r, &in.IdentityID, &in.SessionID)

	e, err := h.engine.Events.LogClick(r.Context(), in)
	h.writeEvent(w, r, e, err)
}

func (h *HTTPHandler) HandleLogImpression(w http.ResponseWriter, r *http.Request) {
	var in events.ImpressionInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.fillIdentity(r, &in.IdentityID, &in.SessionID)

	e, err := h.engine.Events.LogImpression(r.Context(), in)
	h.writeEvent(w, r, e, err)
}

func (h *HTTPHandler) HandleOverview(w http.ResponseWriter, r *http.Request) {
	o, err := h.engine.Analytics.Overview(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}

	perVariant := make(map[string]interface{}, len(o.PerVariant))
	for v, m := range o.PerVariant {
		perVariant[string(v)] = map[string]interface{}{
			"searches":    m.Searches,
			"clicks":      m.Clicks,
			"impressions": m.Impressions,
			"ctr":         round(m.CTR, 4),
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_events":       o.TotalEvents,
		"total_assignments":  o.TotalAssignments,
		"search_events":      o.SearchEvents,
		"click_events":       o.ClickEvents,
		"impression_events":  o.ImpressionEvents,
		"per_variant":        perVariant,
		"avg_search_time_ms": round(o.AvgSearchTimeMs, 2),
		"avg_results":        round(o.AvgResultsCount, 2),
		"storage":            h.engine.Stats(),
	})
}

func (h *HTTPHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := events.Filter{IdentityID: q.Get("user_id")}

	if s := q.Get("variant"); s != "" {
		v, err := experiment.ParseVariant(s)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		f.Variant = v
	}
	if s := q.Get("event_type"); s != "" {
		t, err := events.ParseType(s)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		f.Type = t
	}

	limit := 100
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	list, err := h.engine.Events.Recent(r.Context(), f, limit)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": list,
		"count":  len(list),
	})
}

func (h *HTTPHandler) HandleReset(w http.ResponseWriter, r *http.Request) {
	confirm, _ := strconv.ParseBool(r.URL.Query().Get("confirm"))
	if err := h.engine.Reset(r.Context(), confirm); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "A/B testing data cleared",
	})
}

type rerankRequest struct {
	Query      string              `json:"query"`
	Color      string              `json:"color"`
	Category   string              `json:"category"`
	Candidates []ranking.Candidate `json:"candidates" validate:"required,dive"`
	Debug      bool                `json:"debug"`
}

type rerankResult struct {
	ProductID  string             `json:"product_id"`
	Title      string             `json:"title"`
	Color      string             `json:"color,omitempty"`
	Category   string             `json:"category,omitempty"`
	ImagePath  string             `json:"image_path,omitempty"`
	Similarity float64            `json:"similarity"`
	Score      float64            `json:"final_score"`
	Breakdown  *ranking.Breakdown `json:"debug_scores,omitempty"`
}

// HandleRerank orders the posted candidates with the ranker of the caller's variant
func (h *HTTPHandler) HandleRerank(w http.ResponseWriter, r *http.Request) {
	var req rerankRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := events.Validate(req); err != nil {
		writeErr(w, r, err)
		return
	}

	a, err := h.engine.Registry.AssignWithDefault(r.Context(), h.identity(r).UserID, h.metadata(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}

	scored := h.engine.Ranker(a.Variant)(req.Candidates, ranking.Query{
		Text:     req.Query,
		Color:    req.Color,
		Category: req.Category,
	})
	results := make([]rerankResult, len(scored))
	for i, s := range scored {
		results[i] = rerankResult{
			ProductID:  s.ProductID,
			Title:      s.Title,
			Color:      s.Color,
			Category:   s.Category,
			ImagePath:  s.ImagePath,
			Similarity: s.Similarity,
			Score:      round(s.Score, 4),
		}
		if req.Debug {
			b := s.Breakdown
			results[i].Breakdown = &b
		}
	}

	w.Header().Set(headerVariant, string(a.Variant))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"variant": a.Variant,
		"results": results,
		"count":   len(results),
	})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	stats := h.engine.Stats()
	status := "ok"
	if stats.Degraded {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  status,
		"storage": stats,
	})
}
