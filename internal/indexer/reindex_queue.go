package indexer

import "time"

// ReIndexQueue holds retry records in insertion order. It is not safe for
// concurrent use; the Manager guards it with its lock.
type ReIndexQueue struct {
	items []*ReIndexItem
}

func NewReIndexQueue() *ReIndexQueue {
	return &ReIndexQueue{}
}

// Add inserts r, replacing in place any record for the same work item ID.
func (q *ReIndexQueue) Add(r *ReIndexItem) {
	for i, existing := range q.items {
		if existing.ID() == r.ID() {
			q.items[i] = r
			return
		}
	}
	q.items = append(q.items, r)
}

// GetAndRemoveExpired removes and returns every record whose retry window
// closed before now.
func (q *ReIndexQueue) GetAndRemoveExpired(now time.Time) []*ReIndexItem {
	return q.removeIf(func(r *ReIndexItem) bool {
		return r.IsExpired(now)
	})
}

// GetAndRemoveDue removes and returns every record whose next retry is
// before now and whose window is still open.
func (q *ReIndexQueue) GetAndRemoveDue(now time.Time) []*ReIndexItem {
	return q.removeIf(func(r *ReIndexItem) bool {
		return r.IsRetryPossible(now) && !r.IsExpired(now)
	})
}

func (q *ReIndexQueue) removeIf(match func(*ReIndexItem) bool) []*ReIndexItem {
	var out []*ReIndexItem
	kept := q.items[:0]
	for _, r := range q.items {
		if match(r) {
			out = append(out, r)
		} else {
			kept = append(kept, r)
		}
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	return out
}

func (q *ReIndexQueue) Len() int {
	return len(q.items)
}

// Get returns the record for a work item ID.
func (q *ReIndexQueue) Get(id string) (*ReIndexItem, bool) {
	for _, r := range q.items {
		if r.ID() == id {
			return r, true
		}
	}
	return nil, false
}

// Items returns a copy of the records in insertion order.
func (q *ReIndexQueue) Items() []*ReIndexItem {
	return append([]*ReIndexItem(nil), q.items...)
}
