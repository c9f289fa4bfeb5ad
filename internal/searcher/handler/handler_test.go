package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/identifier"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/searcher/cache"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/storage"
	apperrors "github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/metrics"
)

var (
	pidA = identifier.MustParticipantID("iso6523-actorid-upis::9915:test0")
	pidB = identifier.MustParticipantID("iso6523-actorid-upis::9915:test1")
)

type fakeReader struct {
	docs        map[identifier.ParticipantID][]storage.StoredDocument
	searches    int
	lastLimit   int
	searchErr   error
	searchTotal uint64
}

func (f *fakeReader) GetAllContainedParticipantIDs(context.Context) ([]identifier.ParticipantID, error) {
	return []identifier.ParticipantID{pidA, pidB}, nil
}

func (f *fakeReader) GetAllDocumentsOfParticipant(_ context.Context, pid identifier.ParticipantID) ([]storage.StoredDocument, error) {
	return f.docs[pid], nil
}

func (f *fakeReader) Search(_ context.Context, _ string, limit int) ([]storage.StoredDocument, uint64, error) {
	f.searches++
	f.lastLimit = limit
	if f.searchErr != nil {
		return nil, 0, f.searchErr
	}
	return f.docs[pidA], f.searchTotal, nil
}

func newFixture(t *testing.T, withCache bool) (*fakeReader, http.Handler, *metrics.Metrics) {
	t.Helper()
	reader := &fakeReader{
		docs: map[identifier.ParticipantID][]storage.StoredDocument{
			pidA: {{
				ParticipantID: pidA,
				CountryCode:   "AT",
				Name:          "Acme Austria",
				Metadata:      storage.Metadata{CreatedAt: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), OwnerID: "CN=a"},
			}},
		},
		searchTotal: 1,
	}
	m := metrics.New(prometheus.NewRegistry())
	var qc *cache.QueryCache
	if withCache {
		local, err := cache.NewLocal(8)
		require.NoError(t, err)
		qc = cache.New(local, time.Minute, m)
	}
	h := New(reader, qc, m, 20, 50)
	r := chi.NewRouter()
	h.Register(r)
	return reader, r, m
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestParticipants(t *testing.T) {
	_, h, _ := newFixture(t, false)
	rec := get(t, h, "/participants")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Total        int      `json:"total"`
		Participants []string `json:"participants"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Total)
	assert.Equal(t, []string{"iso6523-actorid-upis::9915:test0", "iso6523-actorid-upis::9915:test1"}, body.Participants)
}

func TestParticipantDocuments(t *testing.T) {
	_, h, _ := newFixture(t, false)

	rec := get(t, h, "/participants/iso6523-actorid-upis%3A%3A9915%3Atest0")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		ParticipantID string                   `json:"participant_id"`
		Documents     []storage.StoredDocument `json:"documents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Documents, 1)
	assert.Equal(t, pidA, body.Documents[0].ParticipantID)
	assert.Equal(t, "Acme Austria", body.Documents[0].Name)

	rec = get(t, h, "/participants/iso6523-actorid-upis%3A%3A9915%3Atest1")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = get(t, h, "/participants/no-separator")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchValidation(t *testing.T) {
	_, h, m := newFixture(t, false)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/search").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/search?q=acme&limit=0").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/search?q=acme&limit=x").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/search?q=name:(").Code)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.SearchQueriesTotal.WithLabelValues("error")))
}

func TestSearchClampsLimit(t *testing.T) {
	reader, h, _ := newFixture(t, false)

	require.Equal(t, http.StatusOK, get(t, h, "/search?q=acme").Code)
	assert.Equal(t, 20, reader.lastLimit)

	require.Equal(t, http.StatusOK, get(t, h, "/search?q=acme&limit=500").Code)
	assert.Equal(t, 50, reader.lastLimit)
}

func TestSearchUsesCache(t *testing.T) {
	reader, h, m := newFixture(t, true)

	rec := get(t, h, "/search?q=acme")
	require.Equal(t, http.StatusOK, rec.Code)
	var body cache.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, uint64(1), body.Total)
	require.Len(t, body.Hits, 1)

	require.Equal(t, http.StatusOK, get(t, h, "/search?q=acme").Code)
	assert.Equal(t, 1, reader.searches)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SearchQueriesTotal.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SearchQueriesTotal.WithLabelValues("hit")))
}

func TestSearchZeroResultsIsEmptyList(t *testing.T) {
	reader, h, m := newFixture(t, false)
	reader.docs = nil
	reader.searchTotal = 0

	rec := get(t, h, "/search?q=nothing")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"query":"nothing","total":0,"hits":[]}`, rec.Body.String())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SearchQueriesTotal.WithLabelValues("zero_result")))
}

func TestSearchDuringShutdown(t *testing.T) {
	reader, h, _ := newFixture(t, false)
	reader.searchErr = apperrors.ErrStoreClosing
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/search?q=acme").Code)
}
