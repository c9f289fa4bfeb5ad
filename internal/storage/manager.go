// Package storage maps participant business information onto index
// records. A participant's records are always replaced as a whole, and a
// delete leaves a tombstone instead of removing the participant's history.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/businesscard"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/identifier"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/index"
	apperrors "github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/errors"
)

// Manager implements create, update, delete and lookup of participants on
// top of the index store.
type Manager struct {
	store  *index.Store
	logger *slog.Logger
}

func NewManager(store *index.Store) *Manager {
	return &Manager{
		store:  store,
		logger: slog.Default().With("component", "storage-manager"),
	}
}

// Store returns the underlying index store.
func (m *Manager) Store() *index.Store {
	return m.store
}

// CreateOrUpdateEntry replaces every record of pid with one record per
// business entity.
func (m *Manager) CreateOrUpdateEntry(ctx context.Context, pid identifier.ParticipantID, info *businesscard.BusinessInformation, md Metadata) error {
	if info.IsEmpty() {
		return fmt.Errorf("no business entities for %s: %w", pid, apperrors.ErrFetchFailed)
	}
	docs := make([]index.Document, 0, len(info.Entities))
	for _, entity := range info.Entities {
		docs = append(docs, entityDocument(pid, info, entity, md))
	}
	if err := m.store.UpdateDocuments(ctx, participantTerm(pid.URIEncoded()), docs); err != nil {
		return fmt.Errorf("storing %s: %w", pid, err)
	}
	m.logger.Info("participant stored",
		"participant", pid.URIEncoded(),
		"entities", len(docs),
		"owner", md.OwnerID,
	)
	return nil
}

// DeleteEntry replaces every record of pid with a single tombstone.
func (m *Manager) DeleteEntry(ctx context.Context, pid identifier.ParticipantID, md Metadata) error {
	tomb := tombstoneDocument(pid, md)
	if err := m.store.UpdateDocuments(ctx, participantTerm(pid.URIEncoded()), []index.Document{tomb}); err != nil {
		return fmt.Errorf("deleting %s: %w", pid, err)
	}
	m.logger.Info("participant marked deleted", "participant", pid.URIEncoded(), "owner", md.OwnerID)
	return nil
}

func liveQuery(q query.Query) query.Query {
	b := bleve.NewBooleanQuery()
	b.AddMust(q)
	b.AddMustNot(deletedTerm().Query())
	return b
}

// ContainsEntry reports whether pid has at least one non-deleted record.
func (m *Manager) ContainsEntry(ctx context.Context, pid identifier.ParticipantID) (bool, error) {
	searcher, err := m.store.GetSearcher()
	if err != nil {
		return false, err
	}
	n, err := searcher.Count(ctx, liveQuery(participantTerm(pid.URIEncoded()).Query()))
	if err != nil {
		return false, fmt.Errorf("looking up %s: %w", pid, err)
	}
	return n > 0, nil
}

// GetAllContainedParticipantIDs returns the distinct participants with at
// least one non-deleted record, sorted by their URI form.
func (m *Manager) GetAllContainedParticipantIDs(ctx context.Context) ([]identifier.ParticipantID, error) {
	searcher, err := m.store.GetSearcher()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	err = searcher.SearchAll(ctx, liveQuery(bleve.NewMatchAllQuery()), func(hit index.Hit) bool {
		seen[hit.Document.Get(FieldParticipantID)] = struct{}{}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("listing participants: %w", err)
	}

	raw := make([]string, 0, len(seen))
	for s := range seen {
		raw = append(raw, s)
	}
	sort.Strings(raw)
	out := make([]identifier.ParticipantID, 0, len(raw))
	for _, s := range raw {
		pid, err := identifier.ParseParticipantID(s)
		if err != nil {
			m.logger.Warn("skipping unreadable participant id", "value", s, "error", err)
			continue
		}
		out = append(out, pid)
	}
	return out, nil
}

// GetAllDocumentsOfParticipant returns every record of pid, tombstones
// included. Corrupt records are logged and skipped.
func (m *Manager) GetAllDocumentsOfParticipant(ctx context.Context, pid identifier.ParticipantID) ([]StoredDocument, error) {
	searcher, err := m.store.GetSearcher()
	if err != nil {
		return nil, err
	}
	var docs []StoredDocument
	err = searcher.SearchAll(ctx, participantTerm(pid.URIEncoded()).Query(), func(hit index.Hit) bool {
		if sd, ok := m.convert(hit); ok {
			docs = append(docs, sd)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", pid, err)
	}
	return docs, nil
}

// Search runs a query-string search over the non-deleted records and
// returns at most limit of them, best match first.
func (m *Manager) Search(ctx context.Context, queryString string, limit int) ([]StoredDocument, uint64, error) {
	searcher, err := m.store.GetSearcher()
	if err != nil {
		return nil, 0, err
	}
	res, err := searcher.Search(ctx, liveQuery(bleve.NewQueryStringQuery(queryString)), 0, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("searching %q: %w", queryString, err)
	}
	docs := make([]StoredDocument, 0, len(res.Hits))
	for _, hit := range res.Hits {
		if sd, ok := m.convert(hit); ok {
			docs = append(docs, sd)
		}
	}
	return docs, res.Total, nil
}

func (m *Manager) convert(hit index.Hit) (StoredDocument, bool) {
	sd, err := storedDocumentFrom(hit.ID, hit.Document)
	if err != nil {
		if errors.Is(err, apperrors.ErrCorruptRecord) {
			m.logger.Error("skipping corrupt record", "doc_id", hit.ID, "error", err)
		} else {
			m.logger.Error("skipping unreadable record", "doc_id", hit.ID, "error", err)
		}
		return StoredDocument{}, false
	}
	return sd, true
}
