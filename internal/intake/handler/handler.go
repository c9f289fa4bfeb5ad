// Package handler implements the intake endpoint: authenticated SMPs ask for
// a participant to be (re)indexed or removed.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/identifier"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/indexer"
	intakemw "github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/intake/middleware"
	apperrors "github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/logger"
)

// maxBodyBytes bounds the PUT body. Participant identifiers are short.
const maxBodyBytes = 4 << 10

// Queuer accepts work items. *indexer.Manager implements it.
type Queuer interface {
	QueueWorkItem(pid identifier.ParticipantID, kind indexer.Kind, ownerID, requestingHost string) (indexer.Change, error)
}

type Handler struct {
	queuer Queuer
	logger *slog.Logger
}

func New(q Queuer) *Handler {
	return &Handler{
		queuer: q,
		logger: slog.Default().With("component", "intake-handler"),
	}
}

// Register mounts the mutating routes on r. r is expected to carry the
// client certificate middleware.
func (h *Handler) Register(r chi.Router) {
	r.Put("/", h.CreateOrUpdate)
	r.Delete("/{participantID}", h.Delete)
}

// CreateOrUpdate reads a URI-encoded participant identifier from the body
// and queues a CREATE_UPDATE for it.
func (h *Handler) CreateOrUpdate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		h.writeError(w, http.StatusBadRequest, "reading request body failed")
		return
	}
	h.queue(w, r, string(body), indexer.KindCreateUpdate)
}

// Delete queues a DELETE for the participant in the last path segment.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	h.queue(w, r, chi.URLParam(r, "participantID"), indexer.KindDelete)
}

func (h *Handler) queue(w http.ResponseWriter, r *http.Request, raw string, kind indexer.Kind) {
	log := logger.FromContext(r.Context())

	id, ok := intakemw.GetIdentity(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "client certificate not accepted")
		return
	}
	pid, err := identifier.ParseURIEncodedParticipantID(raw)
	if err != nil {
		log.Info("rejected malformed participant identifier", "value", raw, "error", err)
		h.writeError(w, apperrors.HTTPStatusCode(err), err.Error())
		return
	}

	change, err := h.queuer.QueueWorkItem(pid, kind, id.OwnerID, requestingHost(r))
	if err != nil {
		status := apperrors.HTTPStatusCode(err)
		if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
			log.Error("queueing work item failed", "participant", pid.URIEncoded(), "kind", kind, "error", err)
		}
		h.writeError(w, status, fmt.Sprintf("%s %s not queued", kind, pid.URIEncoded()))
		return
	}
	log.Info("intake request accepted",
		"participant", pid.URIEncoded(),
		"kind", kind,
		"result", change.String(),
	)
	w.WriteHeader(http.StatusOK)
}

// requestingHost is the client address without port. Behind a trusted
// proxy RealIP has already replaced RemoteAddr with a bare IP.
func requestingHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}
