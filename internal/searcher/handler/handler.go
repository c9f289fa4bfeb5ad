// Package handler serves the read-only directory queries: the participant
// list, one participant's stored documents, and full-text search.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/go-chi/chi/v5"

	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/identifier"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/searcher/cache"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/storage"
	apperrors "github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/metrics"
)

// Reader is the read side of the storage manager.
type Reader interface {
	GetAllContainedParticipantIDs(ctx context.Context) ([]identifier.ParticipantID, error)
	GetAllDocumentsOfParticipant(ctx context.Context, pid identifier.ParticipantID) ([]storage.StoredDocument, error)
	Search(ctx context.Context, query string, limit int) ([]storage.StoredDocument, uint64, error)
}

type Handler struct {
	reader       Reader
	cache        *cache.QueryCache
	metrics      *metrics.Metrics
	defaultLimit int
	maxResults   int
	logger       *slog.Logger
}

// New creates a query handler. queryCache and m may be nil.
func New(reader Reader, queryCache *cache.QueryCache, m *metrics.Metrics, defaultLimit, maxResults int) *Handler {
	if maxResults <= 0 {
		maxResults = 100
	}
	if defaultLimit <= 0 || defaultLimit > maxResults {
		defaultLimit = maxResults
	}
	return &Handler{
		reader:       reader,
		cache:        queryCache,
		metrics:      m,
		defaultLimit: defaultLimit,
		maxResults:   maxResults,
		logger:       slog.Default().With("component", "search-handler"),
	}
}

// Register mounts the query routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/participants", h.Participants)
	r.Get("/participants/{participantID}", h.Participant)
	r.Get("/search", h.Search)
}

func (h *Handler) Participants(w http.ResponseWriter, r *http.Request) {
	ids, err := h.reader.GetAllContainedParticipantIDs(r.Context())
	if err != nil {
		logger.FromContext(r.Context()).Error("listing participants failed", "error", err)
		h.writeError(w, apperrors.HTTPStatusCode(err), "listing participants failed")
		return
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.URIEncoded())
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"total":        len(out),
		"participants": out,
	})
}

func (h *Handler) Participant(w http.ResponseWriter, r *http.Request) {
	pid, err := identifier.ParseURIEncodedParticipantID(chi.URLParam(r, "participantID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	docs, err := h.reader.GetAllDocumentsOfParticipant(r.Context(), pid)
	if err != nil {
		logger.FromContext(r.Context()).Error("loading participant failed", "participant", pid.URIEncoded(), "error", err)
		h.writeError(w, apperrors.HTTPStatusCode(err), "loading participant failed")
		return
	}
	if len(docs) == 0 {
		h.writeError(w, http.StatusNotFound, fmt.Sprintf("participant %s not found", pid.URIEncoded()))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"participant_id": pid.URIEncoded(),
		"documents":      docs,
	})
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	log := logger.FromContext(ctx)

	query := r.URL.Query().Get("q")
	if query == "" {
		h.count("error")
		h.writeError(w, http.StatusBadRequest, "query parameter 'q' is required")
		return
	}

	limit := h.defaultLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			h.count("error")
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(parsed, h.maxResults)
	}

	if _, err := bleve.NewQueryStringQuery(query).Parse(); err != nil {
		h.count("error")
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid query: %v", err))
		return
	}

	compute := func() (*cache.Result, error) {
		docs, total, err := h.reader.Search(ctx, query, limit)
		if err != nil {
			return nil, err
		}
		return &cache.Result{Query: query, Total: total, Hits: docs}, nil
	}

	var (
		result   *cache.Result
		cacheHit bool
		err      error
	)
	if h.cache != nil {
		result, cacheHit, err = h.cache.GetOrCompute(ctx, query, limit, compute)
	} else {
		result, err = compute()
	}
	if err != nil {
		h.count("error")
		log.Error("search failed", "query", query, "error", err)
		h.writeError(w, apperrors.HTTPStatusCode(err), "search failed")
		return
	}
	if result.Hits == nil {
		result.Hits = []storage.StoredDocument{}
	}

	switch {
	case result.Total == 0:
		h.count("zero_result")
	case cacheHit:
		h.count("hit")
	default:
		h.count("miss")
	}
	log.Info("search completed",
		"query", query,
		"total_hits", result.Total,
		"returned", len(result.Hits),
		"cache_hit", cacheHit,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	h.writeJSON(w, http.StatusOK, result)
}

// CacheStats reports query cache effectiveness.
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}
	hits, misses := h.cache.Stats()
	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"hits":     hits,
		"misses":   misses,
		"total":    total,
		"hit_rate": fmt.Sprintf("%.1f%%", hitRate),
	})
}

func (h *Handler) count(resultType string) {
	if h.metrics != nil {
		h.metrics.SearchQueriesTotal.WithLabelValues(resultType).Inc()
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
