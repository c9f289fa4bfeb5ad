package sml

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/identifier"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/indexer"
	apperrors "github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/kafka"
)

// Change is one message of the SML change feed.
type Change struct {
	ParticipantID string `json:"participant_id"`
	Action        string `json:"action"`
}

const (
	ActionCreate = "create"
	ActionDelete = "delete"
)

func (c Change) kind() (indexer.Kind, error) {
	switch c.Action {
	case ActionCreate:
		return indexer.KindCreateUpdate, nil
	case ActionDelete:
		return indexer.KindDelete, nil
	default:
		return "", fmt.Errorf("unknown action %q: %w", c.Action, apperrors.ErrInvalidInput)
	}
}

// FeedHandler turns change messages into work items.
type FeedHandler struct {
	queuer Queuer
	logger *slog.Logger
}

func NewFeedHandler(q Queuer) *FeedHandler {
	return &FeedHandler{queuer: q, logger: slog.Default().With("component", "sml-feed")}
}

// Handle is a kafka.MessageHandler. Messages that can never succeed are
// logged and acknowledged; an error is returned only while the indexer is
// shutting down, so the message is redelivered after restart.
func (f *FeedHandler) Handle(ctx context.Context, key, value []byte) error {
	change, err := kafka.DecodeJSON[Change](value)
	if err != nil {
		f.logger.Warn("dropping undecodable sml change", "key", string(key), "error", err)
		return nil
	}
	kind, err := change.kind()
	if err != nil {
		f.logger.Warn("dropping sml change", "participant", change.ParticipantID, "error", err)
		return nil
	}
	pid, err := identifier.ParseParticipantID(change.ParticipantID)
	if err != nil {
		f.logger.Warn("dropping sml change", "participant", change.ParticipantID, "error", err)
		return nil
	}
	result, err := f.queuer.QueueWorkItem(pid, kind, OwnerID, RequestingHost)
	if err != nil {
		if errors.Is(err, apperrors.ErrStoreClosing) {
			return err
		}
		f.logger.Error("queueing sml change failed", "participant", pid.URIEncoded(), "error", err)
		return nil
	}
	f.logger.Debug("sml change queued", "participant", pid.URIEncoded(), "kind", kind, "result", result.String())
	return nil
}
