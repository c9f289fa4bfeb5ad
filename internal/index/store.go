// Package index wraps a bleve full-text index behind a single-writer store.
// Mutations are serialized through one lock and applied as atomic batches.
// Readers share that lock, so a paged scan sees one state of the index.
// The on-disk directory is guarded by a cross-process file lock.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/gofrs/flock"
	"github.com/google/uuid"

	apperrors "github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/metrics"
)

// DirName is the index directory below the data path.
const DirName = "lucene-index"

const pageSize = 1000

// Term selects every document whose keyword field equals Value.
type Term struct {
	Field string
	Value string
}

// Query returns the bleve term query for t.
func (t Term) Query() query.Query {
	q := bleve.NewTermQuery(t.Value)
	q.SetField(t.Field)
	return q
}

func (t Term) String() string {
	return t.Field + "=" + t.Value
}

// Option configures a Store.
type Option func(*Store)

// WithMapping sets the mapping used when the index is created. Existing
// indexes keep the mapping they were created with.
func WithMapping(m mapping.IndexMapping) Option {
	return func(s *Store) { s.mapping = m }
}

// WithMetrics records writer changes and reader refreshes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// Store owns the bleve index for the process lifetime.
type Store struct {
	path    string
	mapping mapping.IndexMapping
	metrics *metrics.Metrics
	logger  *slog.Logger

	idx  bleve.Index
	lock *flock.Flock

	// mu serializes every mutation. Searchers hold it shared for the length
	// of a query or scan.
	mu sync.RWMutex

	readerMu   sync.Mutex
	searcher   *Searcher
	generation uint64

	writerChanges atomic.Int32
	closing       atomic.Bool
	corrupt       atomic.Bool
}

// Open opens the index at path, creating it when absent. An empty path
// yields a memory-only index. The directory is locked exclusively until
// Close.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:   path,
		logger: slog.Default().With("component", "index-store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.mapping == nil {
		s.mapping = defaultMapping()
	}

	if path == "" {
		idx, err := bleve.NewMemOnly(s.mapping)
		if err != nil {
			return nil, fmt.Errorf("creating in-memory index: %w", err)
		}
		s.idx = idx
		return s, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating index parent %s: %w", filepath.Dir(path), err)
	}
	s.lock = flock.New(path + ".lock")
	locked, err := s.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking index %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("index %s is locked by another process", path)
	}

	idx, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		s.logger.Info("creating new index", "path", path)
		idx, err = bleve.New(path, s.mapping)
	}
	if err != nil {
		s.lock.Unlock()
		if isCorruptionError(err) {
			s.logger.Error("index is corrupt, refusing to open", "path", path, "error", err)
			return nil, fmt.Errorf("opening index %s: %w: %v", path, apperrors.ErrIndexCorrupt, err)
		}
		return nil, fmt.Errorf("opening index %s: %w: %v", path, apperrors.ErrStorageIO, err)
	}
	s.idx = idx

	count, _ := idx.DocCount()
	s.logger.Info("index opened", "path", path, "documents", count)
	return s, nil
}

func defaultMapping() mapping.IndexMapping {
	m := bleve.NewIndexMapping()
	m.DefaultAnalyzer = keyword.Name
	return m
}

// isCorruptionError checks if an error indicates bleve index corruption.
func isCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, bleve.ErrorIndexMetaCorrupt) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "unexpected end of JSON") ||
		strings.Contains(msg, "error parsing mapping JSON") ||
		strings.Contains(msg, "failed to load segment") ||
		strings.Contains(msg, "error opening bolt") ||
		strings.Contains(msg, "checksum")
}

// Path returns the index directory, or "" for memory-only stores.
func (s *Store) Path() string {
	return s.path
}

// IsClosing reports whether Close has been called.
func (s *Store) IsClosing() bool {
	return s.closing.Load()
}

// IsCorrupt reports whether a write detected corruption. A corrupt store
// refuses further mutations.
func (s *Store) IsCorrupt() bool {
	return s.corrupt.Load()
}

func (s *Store) checkOpen() error {
	if s.closing.Load() {
		return apperrors.ErrStoreClosing
	}
	return nil
}

func (s *Store) checkWritable() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.corrupt.Load() {
		return fmt.Errorf("refusing write: %w", apperrors.ErrIndexCorrupt)
	}
	return nil
}

// UpdateDocuments atomically deletes every document matching term and adds
// docs. Concurrent searchers observe either the old or the new set.
func (s *Store) UpdateDocuments(ctx context.Context, term Term, docs []Document) error {
	return s.RunAtomic(func(tx *Tx) error {
		return tx.UpdateDocuments(ctx, term, docs)
	})
}

// DeleteDocuments atomically deletes every document matching term.
func (s *Store) DeleteDocuments(ctx context.Context, term Term) error {
	return s.UpdateDocuments(ctx, term, nil)
}

// RunAtomic runs action while holding the writer lock. Nothing else mutates
// the index until action returns. It fails without running action when the
// store is closing.
func (s *Store) RunAtomic(action func(tx *Tx) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// Close may have won the race for the lock.
	if err := s.checkOpen(); err != nil {
		return err
	}
	return action(&Tx{store: s})
}

// GetDocument returns the stored document with the given internal ID.
func (s *Store) GetDocument(ctx context.Context, docID string) (Document, bool, error) {
	searcher, err := s.GetSearcher()
	if err != nil {
		return nil, false, err
	}
	return searcher.Document(ctx, docID)
}

// DocCount returns the number of documents including tombstones.
func (s *Store) DocCount() (uint64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	return s.idx.DocCount()
}

// GetSearcher returns the cached searcher, replacing it first when writes
// happened since it was opened. Bleve batches are durable once applied, so
// refreshing only drops the per-generation document cache.
func (s *Store) GetSearcher() (*Searcher, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.readerMu.Lock()
	defer s.readerMu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	changes := s.writerChanges.Swap(0)
	if s.searcher == nil || changes > 0 {
		s.generation++
		s.searcher = newSearcher(s, s.generation)
		if s.metrics != nil {
			s.metrics.IndexReaderRefreshTotal.Inc()
		}
		s.logger.Debug("searcher refreshed", "generation", s.generation, "pending_changes", changes)
	}
	return s.searcher, nil
}

// Close releases the searcher, the index and the directory lock, in that
// order. In-flight atomic blocks finish first. Calling Close twice is a
// no-op.
func (s *Store) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.readerMu.Lock()
	s.searcher = nil
	s.readerMu.Unlock()

	var errs []error
	if err := s.idx.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing index: %w", err))
	}
	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil {
			errs = append(errs, fmt.Errorf("releasing index lock: %w", err))
		}
	}
	s.logger.Info("index store closed", "path", s.path)
	return errors.Join(errs...)
}

// Tx exposes the mutating operations inside RunAtomic. It must not escape
// the action.
type Tx struct {
	store *Store
}

// UpdateDocuments deletes every document matching term and adds docs in one
// bleve batch.
func (tx *Tx) UpdateDocuments(ctx context.Context, term Term, docs []Document) error {
	s := tx.store
	if err := s.checkWritable(); err != nil {
		return err
	}
	ids, err := tx.matchingIDs(ctx, term)
	if err != nil {
		return err
	}

	batch := s.idx.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	for _, doc := range docs {
		if err := batch.Index(uuid.NewString(), doc.indexable()); err != nil {
			return fmt.Errorf("adding document for %s: %w: %v", term, apperrors.ErrStorageIO, err)
		}
	}
	if batch.Size() == 0 {
		return nil
	}
	if err := s.idx.Batch(batch); err != nil {
		if isCorruptionError(err) {
			s.corrupt.Store(true)
			s.logger.Error("index corruption detected, refusing further writes", "term", term.String(), "error", err)
			return fmt.Errorf("applying batch for %s: %w: %v", term, apperrors.ErrIndexCorrupt, err)
		}
		s.logger.Error("index write failed", "term", term.String(), "error", err)
		return fmt.Errorf("applying batch for %s: %w: %v", term, apperrors.ErrStorageIO, err)
	}

	s.writerChanges.Add(1)
	if s.metrics != nil {
		s.metrics.IndexWriterChangesTotal.Inc()
	}
	s.logger.Debug("documents updated", "term", term.String(), "deleted", len(ids), "added", len(docs))
	return nil
}

// DeleteDocuments deletes every document matching term.
func (tx *Tx) DeleteDocuments(ctx context.Context, term Term) error {
	return tx.UpdateDocuments(ctx, term, nil)
}

// Count returns how many documents match q, reading the live index.
func (tx *Tx) Count(ctx context.Context, q query.Query) (uint64, error) {
	req := bleve.NewSearchRequestOptions(q, 0, 0, false)
	res, err := tx.store.idx.SearchInContext(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("counting: %w: %v", apperrors.ErrStorageIO, err)
	}
	return res.Total, nil
}

func (tx *Tx) matchingIDs(ctx context.Context, term Term) ([]string, error) {
	var ids []string
	for from := 0; ; from += pageSize {
		req := bleve.NewSearchRequestOptions(term.Query(), pageSize, from, false)
		req.SortBy([]string{"_id"})
		res, err := tx.store.idx.SearchInContext(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("finding documents for %s: %w: %v", term, apperrors.ErrStorageIO, err)
		}
		for _, hit := range res.Hits {
			ids = append(ids, hit.ID)
		}
		if len(res.Hits) < pageSize {
			return ids, nil
		}
	}
}
