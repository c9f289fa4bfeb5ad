package indexer

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/identifier"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/storage"
)

// Kind is the action a work item asks for.
type Kind string

const (
	KindCreateUpdate Kind = "CREATE_UPDATE"
	KindDelete       Kind = "DELETE"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindCreateUpdate, KindDelete:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown work item type %q", s)
	}
}

// Key is what makes two work items the same request: the participant and the
// action. ID, time, owner and host are deliberately left out.
type Key struct {
	ParticipantID identifier.ParticipantID
	Kind          Kind
}

// WorkItem is an immutable indexer request.
type WorkItem struct {
	ID             string
	CreatedAt      time.Time
	ParticipantID  identifier.ParticipantID
	Kind           Kind
	OwnerID        string
	RequestingHost string
}

// NewWorkItem stamps a new request with a time-ordered unique ID.
func NewWorkItem(pid identifier.ParticipantID, kind Kind, ownerID, requestingHost string, createdAt time.Time) *WorkItem {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &WorkItem{
		ID:             id.String(),
		CreatedAt:      createdAt,
		ParticipantID:  pid,
		Kind:           kind,
		OwnerID:        ownerID,
		RequestingHost: requestingHost,
	}
}

func (w *WorkItem) Key() Key {
	return Key{ParticipantID: w.ParticipantID, Kind: w.Kind}
}

// Equal compares by participant and kind only.
func (w *WorkItem) Equal(o *WorkItem) bool {
	return o != nil && w.Key() == o.Key()
}

// LogText renders the item as owner@KIND[participant].
func (w *WorkItem) LogText() string {
	return w.OwnerID + "@" + string(w.Kind) + "[" + w.ParticipantID.URIEncoded() + "]"
}

// Metadata is what gets stamped on the stored documents.
func (w *WorkItem) Metadata() storage.Metadata {
	return storage.Metadata{
		CreatedAt:      w.CreatedAt,
		OwnerID:        w.OwnerID,
		RequestingHost: w.RequestingHost,
	}
}

// ReIndexItem tracks the retries of a failed work item.
type ReIndexItem struct {
	Item             *WorkItem
	MaxRetryDeadline time.Time
	Retries          int
	PreviousRetryAt  time.Time
	NextRetryAt      time.Time
}

// NewReIndexItem schedules the first retry of item retryInterval after now.
// The item may be retried until maxRetry after it was created.
func NewReIndexItem(item *WorkItem, now time.Time, retryInterval, maxRetry time.Duration) *ReIndexItem {
	return &ReIndexItem{
		Item:             item,
		MaxRetryDeadline: item.CreatedAt.Add(maxRetry),
		NextRetryAt:      now.Add(retryInterval),
	}
}

func (r *ReIndexItem) ID() string {
	return r.Item.ID
}

// IsExpired reports whether the retry window closed before now.
func (r *ReIndexItem) IsExpired(now time.Time) bool {
	return r.MaxRetryDeadline.Before(now)
}

// IsRetryPossible reports whether the next retry is due before now.
func (r *ReIndexItem) IsRetryPossible(now time.Time) bool {
	return r.NextRetryAt.Before(now)
}

// IncRetryCount records a retry attempt at now.
func (r *ReIndexItem) IncRetryCount(now time.Time, retryInterval time.Duration) {
	r.Retries++
	r.PreviousRetryAt = now
	r.NextRetryAt = now.Add(retryInterval)
}

func (r *ReIndexItem) LogText() string {
	return fmt.Sprintf("%s %d retries so far", r.Item.LogText(), r.Retries)
}
