package app

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/identifier"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/indexer"
	searchhandler "github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/searcher/handler"
	apperrors "github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/errors"
)

const (
	// ManualOwnerID and ManualHost are stamped on items queued from the ops
	// port.
	ManualOwnerID = "manually-triggered"
	ManualHost    = "localhost"
)

type queueItem struct {
	ID             string    `json:"id"`
	ParticipantID  string    `json:"participant_id"`
	Kind           string    `json:"kind"`
	OwnerID        string    `json:"owner_id"`
	RequestingHost string    `json:"requesting_host"`
	CreatedAt      time.Time `json:"created_at"`
}

type retryItem struct {
	queueItem
	Retries          int       `json:"retries"`
	NextRetryAt      time.Time `json:"next_retry_at"`
	MaxRetryDeadline time.Time `json:"max_retry_deadline"`
}

func queueItemOf(w *indexer.WorkItem) queueItem {
	return queueItem{
		ID:             w.ID,
		ParticipantID:  w.ParticipantID.URIEncoded(),
		Kind:           string(w.Kind),
		OwnerID:        w.OwnerID,
		RequestingHost: w.RequestingHost,
		CreatedAt:      w.CreatedAt,
	}
}

// OpsMux returns the ops routes: health, queue inspection and the manual
// triggers. The caller adds /metrics via metrics.StartServer.
func (a *App) OpsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health/live", a.Health.LiveHandler())
	mux.HandleFunc("GET /health/ready", a.Health.ReadyHandler())

	mux.HandleFunc("POST /admin/reindex/{participantID}", a.handleReindex)
	mux.HandleFunc("GET /admin/queue", a.handleQueue)
	mux.HandleFunc("GET /admin/worklog/{participantID}", a.handleWorkLog)
	mux.HandleFunc("POST /admin/sml/refresh", a.handleSMLRefresh)

	query := searchhandler.New(a.Storage, a.Cache, nil, 0, 0)
	mux.HandleFunc("GET /admin/cache/stats", query.CacheStats)
	return mux
}

func (a *App) handleReindex(w http.ResponseWriter, r *http.Request) {
	pid, err := identifier.ParseURIEncodedParticipantID(r.PathValue("participantID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	change, err := a.Indexer.QueueWorkItem(pid, indexer.KindCreateUpdate, ManualOwnerID, ManualHost)
	if err != nil {
		writeError(w, apperrors.HTTPStatusCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"participant_id": pid.URIEncoded(),
		"result":         change.String(),
	})
}

func (a *App) handleQueue(w http.ResponseWriter, _ *http.Request) {
	unique := a.Indexer.UniqueItems()
	pending := make([]queueItem, 0, len(unique))
	for _, item := range unique {
		pending = append(pending, queueItemOf(item))
	}
	records := a.Indexer.ReIndexItems()
	retries := make([]retryItem, 0, len(records))
	for _, r := range records {
		retries = append(retries, retryItem{
			queueItem:        queueItemOf(r.Item),
			Retries:          r.Retries,
			NextRetryAt:      r.NextRetryAt,
			MaxRetryDeadline: r.MaxRetryDeadline,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":   a.Indexer.Stats(),
		"pending": pending,
		"retries": retries,
	})
}

func (a *App) handleWorkLog(w http.ResponseWriter, r *http.Request) {
	if a.WorkLog == nil {
		writeError(w, http.StatusNotFound, "work log disabled")
		return
	}
	pid, err := identifier.ParseURIEncodedParticipantID(r.PathValue("participantID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, 500)
	}
	entries, err := a.WorkLog.History(r.Context(), pid, limit)
	if err != nil {
		slog.Error("reading work log failed", "participant", pid.URIEncoded(), "error", err)
		writeError(w, http.StatusInternalServerError, "reading work log failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"participant_id": pid.URIEncoded(),
		"entries":        entries,
	})
}

func (a *App) handleSMLRefresh(w http.ResponseWriter, r *http.Request) {
	if a.Refresher == nil {
		writeError(w, http.StatusNotFound, "sml refresh disabled")
		return
	}
	res, err := a.Refresher.Refresh(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"listed":    res.Listed,
		"queued":    res.Queued,
		"unchanged": res.Unchanged,
		"failed":    res.Failed,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
