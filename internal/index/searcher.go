package index

import (
	"context"
	"fmt"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
	lru "github.com/hashicorp/golang-lru/v2"

	apperrors "github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/errors"
)

const docCacheSize = 4096

// Hit is one search result with its stored fields.
type Hit struct {
	ID       string
	Score    float64
	Document Document
}

// Result is a page of hits.
type Result struct {
	Total uint64
	Hits  []Hit
}

// Searcher reads one generation of the index. A new generation begins after
// every write; documents loaded by ID are cached per generation. Each call
// holds the store's read lock, so a Search, Count or a whole SearchAll scan
// never interleaves with a batch.
type Searcher struct {
	store      *Store
	generation uint64
	docs       *lru.Cache[string, Document]
}

func newSearcher(s *Store, generation uint64) *Searcher {
	cache, _ := lru.New[string, Document](docCacheSize)
	return &Searcher{store: s, generation: generation, docs: cache}
}

// Generation identifies the reader snapshot.
func (sr *Searcher) Generation() uint64 {
	return sr.generation
}

// Search runs q and returns hits with all stored fields. Results are sorted
// by sortBy when given, by score otherwise.
func (sr *Searcher) Search(ctx context.Context, q query.Query, from, size int, sortBy ...string) (*Result, error) {
	sr.store.mu.RLock()
	defer sr.store.mu.RUnlock()
	return sr.search(ctx, q, from, size, sortBy...)
}

func (sr *Searcher) search(ctx context.Context, q query.Query, from, size int, sortBy ...string) (*Result, error) {
	if err := sr.store.checkOpen(); err != nil {
		return nil, err
	}
	req := bleve.NewSearchRequestOptions(q, size, from, false)
	req.Fields = []string{"*"}
	if len(sortBy) > 0 {
		req.SortBy(sortBy)
	}
	res, err := sr.store.idx.SearchInContext(ctx, req)
	if err != nil {
		if sr.store.checkOpen() != nil {
			return nil, apperrors.ErrStoreClosing
		}
		return nil, fmt.Errorf("searching: %w: %v", apperrors.ErrStorageIO, err)
	}
	out := &Result{Total: res.Total, Hits: make([]Hit, 0, len(res.Hits))}
	for _, h := range res.Hits {
		doc := documentFromHit(h)
		sr.docs.Add(h.ID, doc)
		out.Hits = append(out.Hits, Hit{ID: h.ID, Score: h.Score, Document: doc})
	}
	return out, nil
}

// SearchAll pages through every hit of q in sortBy order and calls fn for
// each until fn returns false. Writers wait until the scan is over, so fn
// must not mutate the store.
func (sr *Searcher) SearchAll(ctx context.Context, q query.Query, fn func(Hit) bool, sortBy ...string) error {
	if len(sortBy) == 0 {
		sortBy = []string{"_id"}
	}
	sr.store.mu.RLock()
	defer sr.store.mu.RUnlock()
	for from := 0; ; from += pageSize {
		res, err := sr.search(ctx, q, from, pageSize, sortBy...)
		if err != nil {
			return err
		}
		for _, h := range res.Hits {
			if !fn(h) {
				return nil
			}
		}
		if len(res.Hits) < pageSize {
			return nil
		}
	}
}

// Count returns the number of documents matching q.
func (sr *Searcher) Count(ctx context.Context, q query.Query) (uint64, error) {
	res, err := sr.Search(ctx, q, 0, 0)
	if err != nil {
		return 0, err
	}
	return res.Total, nil
}

// Document loads a document by internal ID.
func (sr *Searcher) Document(ctx context.Context, docID string) (Document, bool, error) {
	if doc, ok := sr.docs.Get(docID); ok {
		return doc, true, nil
	}
	res, err := sr.Search(ctx, bleve.NewDocIDQuery([]string{docID}), 0, 1)
	if err != nil {
		return nil, false, err
	}
	if len(res.Hits) == 0 {
		return nil, false, nil
	}
	return res.Hits[0].Document, true, nil
}
