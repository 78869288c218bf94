package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/marcofalcone/engram/internal/config"
	"github.com/marcofalcone/engram/internal/consolidate"
	"github.com/marcofalcone/engram/internal/indexer"
	"github.com/marcofalcone/engram/internal/observability"
	"github.com/marcofalcone/engram/internal/provider"
	"github.com/marcofalcone/engram/internal/scheduler"
	"github.com/marcofalcone/engram/internal/store"
	"github.com/marcofalcone/engram/internal/tier"
)

// Server exposes the trigger and retrieval surface of the daemon. All
// mutation endpoints accept a dry-run flag and return the same structured
// result a real run would.
type Server struct {
	cfg      config.Config
	store    store.Store
	embedder provider.Embedder
	indexer  *indexer.Indexer
	engine   *consolidate.Engine
	tiers    *tier.Maintainer
	sched    scheduler.Subsystem
	metrics  *observability.Metrics
	agents   map[string]indexer.Agent
}

func New(cfg config.Config, st store.Store, embedder provider.Embedder, ix *indexer.Indexer, engine *consolidate.Engine, tiers *tier.Maintainer, sched scheduler.Subsystem, metrics *observability.Metrics) *Server {
	agents := make(map[string]indexer.Agent, len(cfg.Agents))
	for _, a := range cfg.Agents {
		agents[a.ID] = a
	}
	return &Server{
		cfg:      cfg,
		store:    st,
		embedder: embedder,
		indexer:  ix,
		engine:   engine,
		tiers:    tiers,
		sched:    sched,
		metrics:  metrics,
		agents:   agents,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/stats", s.handleStats)

	r.Post("/v1/agents/{agentID}/index/delta", s.handleIndexDelta)
	r.Post("/v1/agents/{agentID}/memory/consolidate", s.handleConsolidate)
	r.Post("/v1/agents/{agentID}/memory/promote", s.handlePromote)
	r.Post("/v1/agents/{agentID}/memory/prune", s.handlePrune)
	r.Get("/v1/agents/{agentID}/memory/search", s.handleSearch)
	r.Delete("/v1/agents/{agentID}/memory/{memoryID}", s.handleDeleteMemory)
	r.Get("/v1/agents/{agentID}/runs", s.handleListRuns)
	r.Get("/v1/memory/{memoryID}/related", s.handleRelated)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	schedStatus := "disabled"
	if s.sched != nil {
		schedStatus = s.sched.Status()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"scheduler": schedStatus,
		"agents":    len(s.agents),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, observability.StageSnapshot{})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.Stages.Snapshot())
}

func (s *Server) handleIndexDelta(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.agents[chi.URLParam(r, "agentID")]
	if !ok {
		respondError(w, http.StatusNotFound, "agent_not_found", "agent is not configured")
		return
	}
	var req struct {
		DryRun    bool `json:"dry_run"`
		BatchSize int  `json:"batch_size"`
	}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if queryFlag(r, "dry_run") {
		req.DryRun = true
	}

	result, err := s.indexer.RunDelta(r.Context(), agent, indexer.RunOptions{DryRun: req.DryRun, BatchSize: req.BatchSize})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "index_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	var req struct {
		DryRun           bool             `json:"dry_run"`
		MaxConversations int              `json:"max_conversations"`
		MinConfidence    float64          `json:"min_confidence"`
		MaxMemories      int              `json:"max_memories"`
		Categories       []store.Category `json:"categories"`
		Provider         string           `json:"provider"`
	}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if queryFlag(r, "dry_run") {
		req.DryRun = true
	}
	for _, c := range req.Categories {
		if !store.ValidCategory(c) {
			respondError(w, http.StatusBadRequest, "invalid_category", string(c))
			return
		}
	}

	result, err := s.engine.Consolidate(r.Context(), agentID, consolidate.Options{
		DryRun:           req.DryRun,
		MaxConversations: req.MaxConversations,
		MinConfidence:    req.MinConfidence,
		MaxMemories:      req.MaxMemories,
		Categories:       req.Categories,
		Provider:         req.Provider,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "consolidation_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	var req struct {
		DryRun            bool `json:"dry_run"`
		MinReinforcements int  `json:"min_reinforcements"`
		MinAgeDays        int  `json:"min_age_days"`
	}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if queryFlag(r, "dry_run") {
		req.DryRun = true
	}
	if req.MinReinforcements == 0 {
		req.MinReinforcements = s.cfg.PromotionMinReinf
	}
	if req.MinAgeDays == 0 {
		req.MinAgeDays = s.cfg.PromotionMinAgeDays
	}

	result, err := s.tiers.Promote(r.Context(), agentID, tier.PromoteOptions{
		MinReinforcements: req.MinReinforcements,
		MinAgeDays:        req.MinAgeDays,
		DryRun:            req.DryRun,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "promotion_failed", err.Error())
		return
	}
	if s.metrics != nil && !req.DryRun {
		s.metrics.MemoriesPromoted.Add(float64(result.Promoted))
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	var req struct {
		DryRun        bool `json:"dry_run"`
		RetentionDays int  `json:"retention_days"`
	}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if queryFlag(r, "dry_run") {
		req.DryRun = true
	}
	if req.RetentionDays == 0 {
		req.RetentionDays = s.cfg.RetentionDays
	}

	result, err := s.tiers.Prune(r.Context(), agentID, tier.PruneOptions{
		RetentionDays: req.RetentionDays,
		DryRun:        req.DryRun,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "prune_failed", err.Error())
		return
	}
	if s.metrics != nil && !req.DryRun {
		s.metrics.MessagesPruned.Add(float64(result.MessagesPruned))
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	queryText := strings.TrimSpace(r.URL.Query().Get("q"))
	if queryText == "" {
		respondError(w, http.StatusBadRequest, "missing_query", "query parameter q is required")
		return
	}

	q := store.SearchQuery{AgentID: agentID, Limit: 10}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", v)
			return
		}
		q.Limit = n
	}
	if v := r.URL.Query().Get("category"); v != "" {
		c := store.Category(v)
		if !store.ValidCategory(c) {
			respondError(w, http.StatusBadRequest, "invalid_category", v)
			return
		}
		q.Category = c
	}
	if v := r.URL.Query().Get("tier"); v != "" {
		t := store.Tier(v)
		if t != store.TierWarm && t != store.TierLong {
			respondError(w, http.StatusBadRequest, "invalid_tier", v)
			return
		}
		q.Tier = t
	}
	if v := r.URL.Query().Get("min_confidence"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			respondError(w, http.StatusBadRequest, "invalid_min_confidence", v)
			return
		}
		q.MinConfidence = f
	}

	vectors, err := s.embedder.Embed(r.Context(), []string{queryText})
	if err != nil {
		respondError(w, http.StatusBadGateway, "embedding_failed", err.Error())
		return
	}
	q.Vector = vectors[0]

	results, err := s.store.SearchSimilar(r.Context(), q)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "search_failed", err.Error())
		return
	}

	if len(results) > 0 {
		ids := make([]string, 0, len(results))
		for _, res := range results {
			ids = append(ids, res.Memory.ID)
		}
		// Access counters are advisory; a failed bump never fails the search.
		_ = s.store.TouchAccess(r.Context(), ids, time.Now().UTC())
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleRelated(w http.ResponseWriter, r *http.Request) {
	memoryID := chi.URLParam(r, "memoryID")
	maxDepth := 1
	if v := r.URL.Query().Get("depth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 5 {
			respondError(w, http.StatusBadRequest, "invalid_depth", v)
			return
		}
		maxDepth = n
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", v)
			return
		}
		limit = n
	}

	related, err := s.store.Related(r.Context(), memoryID, maxDepth, limit)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "memory_not_found", memoryID)
			return
		}
		respondError(w, http.StatusInternalServerError, "traversal_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"related": related})
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	memoryID := chi.URLParam(r, "memoryID")

	if err := s.store.DeleteMemory(r.Context(), agentID, memoryID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "memory_not_found", memoryID)
			return
		}
		respondError(w, http.StatusInternalServerError, "delete_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deleted": memoryID})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", v)
			return
		}
		limit = n
	}
	runs, err := s.store.ListRuns(r.Context(), agentID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func queryFlag(r *http.Request, name string) bool {
	switch strings.ToLower(r.URL.Query().Get(name)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
