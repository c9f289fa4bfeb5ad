package indexer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/identifier"
)

var t0 = time.Date(2024, 5, 10, 8, 0, 0, 0, time.Local)

func pid(v string) identifier.ParticipantID {
	return identifier.MustParticipantID(identifier.DefaultParticipantScheme + "::" + v)
}

func TestWorkItemEqualityIgnoresOwnerAndHost(t *testing.T) {
	a := NewWorkItem(pid("9915:test0"), KindCreateUpdate, "CN=a", "10.0.0.1", t0)
	b := NewWorkItem(pid("9915:test0"), KindCreateUpdate, "CN=b", "10.0.0.2", t0.Add(time.Minute))
	c := NewWorkItem(pid("9915:test0"), KindDelete, "CN=a", "10.0.0.1", t0)

	assert.NotEqual(t, a.ID, b.ID)
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(nil))
	assert.Equal(t, "CN=a@CREATE_UPDATE[iso6523-actorid-upis::9915:test0]", a.LogText())
}

func TestWorkItemIDsAreTimeOrdered(t *testing.T) {
	var prev string
	for i := 0; i < 50; i++ {
		id := NewWorkItem(pid("9915:x"), KindDelete, "o", "h", t0).ID
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("DELETE")
	require.NoError(t, err)
	assert.Equal(t, KindDelete, k)

	_, err = ParseKind("delete")
	assert.Error(t, err)
}

func TestReIndexItemSchedule(t *testing.T) {
	item := NewWorkItem(pid("9915:test0"), KindCreateUpdate, "o", "h", t0)
	r := NewReIndexItem(item, t0.Add(time.Minute), 5*time.Minute, time.Hour)

	assert.Equal(t, t0.Add(time.Hour), r.MaxRetryDeadline)
	assert.Equal(t, t0.Add(6*time.Minute), r.NextRetryAt)
	assert.False(t, r.IsRetryPossible(t0.Add(6*time.Minute)))
	assert.True(t, r.IsRetryPossible(t0.Add(7*time.Minute)))
	assert.False(t, r.IsExpired(t0.Add(time.Hour)))
	assert.True(t, r.IsExpired(t0.Add(time.Hour+time.Nanosecond)))

	now := t0.Add(10 * time.Minute)
	r.IncRetryCount(now, 5*time.Minute)
	assert.Equal(t, 1, r.Retries)
	assert.Equal(t, now, r.PreviousRetryAt)
	assert.Equal(t, now.Add(5*time.Minute), r.NextRetryAt)
}

func TestReIndexQueue(t *testing.T) {
	q := NewReIndexQueue()
	mk := func(v string, created time.Time, next time.Duration) *ReIndexItem {
		item := NewWorkItem(pid(v), KindCreateUpdate, "o", "h", created)
		return NewReIndexItem(item, created, next, time.Hour)
	}
	a := mk("9915:a", t0, time.Minute)
	b := mk("9915:b", t0, 10*time.Minute)
	c := mk("9915:c", t0.Add(-2*time.Hour), time.Minute)
	d := mk("9915:d", t0, 0)
	for _, r := range []*ReIndexItem{a, b, c, d} {
		q.Add(r)
	}

	replaced := *a
	replaced.Retries = 3
	q.Add(&replaced)
	require.Equal(t, 4, q.Len())
	got, ok := q.Get(a.ID())
	require.True(t, ok)
	assert.Equal(t, 3, got.Retries)
	assert.Equal(t, a.ID(), q.Items()[0].ID())

	expired := q.GetAndRemoveExpired(t0)
	require.Len(t, expired, 1)
	assert.Equal(t, c.ID(), expired[0].ID())

	due := q.GetAndRemoveDue(t0.Add(2 * time.Minute))
	require.Len(t, due, 2)
	assert.Equal(t, a.ID(), due[0].ID())
	assert.Equal(t, d.ID(), due[1].ID())

	assert.Equal(t, 1, q.Len())
	_, ok = q.Get(b.ID())
	assert.True(t, ok)
}

func TestReIndexQueueDueSkipsExpired(t *testing.T) {
	q := NewReIndexQueue()
	item := NewWorkItem(pid("9915:old"), KindDelete, "o", "h", t0)
	q.Add(NewReIndexItem(item, t0, 0, 0))

	assert.Empty(t, q.GetAndRemoveDue(t0.Add(time.Second)))
	assert.Len(t, q.GetAndRemoveExpired(t0.Add(time.Second)), 1)
}
