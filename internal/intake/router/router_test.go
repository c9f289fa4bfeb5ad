package router

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/auth/clientcert"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/auth/clientcert/certtest"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/businesscard"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/identifier"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/indexer"
	intakehandler "github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/intake/handler"
	searchhandler "github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/searcher/handler"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/storage"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/metrics"
)

func twoEntities(_ context.Context, pid identifier.ParticipantID) (*businesscard.BusinessInformation, error) {
	return &businesscard.BusinessInformation{
		Entities: []businesscard.Entity{
			{CountryCode: "AT", Name: "First of " + pid.Value},
			{CountryCode: "NO", Name: "Second of " + pid.Value},
		},
	}, nil
}

type env struct {
	storage *storage.Manager
	indexer *indexer.Manager
	metrics *metrics.Metrics
	handler http.Handler
}

func newEnv(t *testing.T, validator clientcert.Validator) *env {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.OpenStore(dir)
	require.NoError(t, err)
	sm := storage.NewManager(store)
	m := metrics.New(prometheus.NewRegistry())

	im := indexer.NewManager(indexer.Config{
		DataPath:         dir,
		RetryInterval:    time.Minute,
		MaxRetryDuration: time.Hour,
		FetchTimeout:     5 * time.Second,
	}, sm, businesscard.FetcherFunc(twoEntities), indexer.WithMetrics(m))
	im.Start()
	t.Cleanup(func() {
		im.Stop(context.Background())
		store.Close()
	})

	return &env{
		storage: sm,
		indexer: im,
		metrics: m,
		handler: New(Deps{
			Intake:    intakehandler.New(im),
			Query:     searchhandler.New(sm, nil, m, 20, 100),
			Validator: validator,
			Metrics:   m,
		}),
	}
}

func (e *env) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *env) contains(pid identifier.ParticipantID) func() bool {
	return func() bool {
		ok, err := e.storage.ContainsEntry(context.Background(), pid)
		return err == nil && ok
	}
}

func TestPutIndexesParticipant(t *testing.T) {
	e := newEnv(t, clientcert.AllowAll{})
	pid := identifier.MustParticipantID("iso6523-actorid-upis::9915:test0")

	rec := e.do(t, http.MethodPut, "/1.0", "iso6523-actorid-upis::9915:test0")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())

	require.Eventually(t, e.contains(pid), 2*time.Second, 10*time.Millisecond)
	ids, err := e.storage.GetAllContainedParticipantIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []identifier.ParticipantID{pid}, ids)

	docs, err := e.storage.GetAllDocumentsOfParticipant(context.Background(), pid)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, clientcert.TestModeOwnerID, docs[0].Metadata.OwnerID)
	assert.Equal(t, "192.0.2.1", docs[0].Metadata.RequestingHost)

	// The query side sees the same state.
	rec = e.do(t, http.MethodGet, "/1.0/participants", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "iso6523-actorid-upis::9915:test0")
	assert.Positive(t, testutil.CollectAndCount(e.metrics.HTTPRequestsTotal))
}

func TestDeleteRemovesParticipant(t *testing.T) {
	e := newEnv(t, clientcert.AllowAll{})
	pid := identifier.MustParticipantID("iso6523-actorid-upis::9915:test0")

	require.Equal(t, http.StatusOK, e.do(t, http.MethodPut, "/1.0", pid.URIEncoded()).Code)
	require.Eventually(t, e.contains(pid), 2*time.Second, 10*time.Millisecond)

	rec := e.do(t, http.MethodDelete, "/1.0/iso6523-actorid-upis%3A%3A9915%3Atest0", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Eventually(t, func() bool { return !e.contains(pid)() }, 2*time.Second, 10*time.Millisecond)

	docs, err := e.storage.GetAllDocumentsOfParticipant(context.Background(), pid)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.True(t, docs[0].Deleted)
}

func TestConcurrentPuts(t *testing.T) {
	e := newEnv(t, clientcert.AllowAll{})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := e.do(t, http.MethodPut, "/1.0", fmt.Sprintf("iso6523-actorid-upis::9915:test%d", i))
			assert.Equal(t, http.StatusOK, rec.Code)
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return e.indexer.Stats().UniqueItems == 0
	}, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 4; i++ {
		pid := identifier.MustParticipantID(fmt.Sprintf("iso6523-actorid-upis::9915:test%d", i))
		docs, err := e.storage.GetAllDocumentsOfParticipant(context.Background(), pid)
		require.NoError(t, err)
		assert.Len(t, docs, 2, pid.URIEncoded())
	}
}

func TestMalformedIdentifierIsRejected(t *testing.T) {
	e := newEnv(t, clientcert.AllowAll{})

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPut, "/1.0", "no-separator").Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPut, "/1.0", "::value").Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodDelete, "/1.0/scheme%3A%3A", "").Code)
	assert.Zero(t, e.indexer.Stats().UniqueItems)
}

func TestStoppedIndexerReportsUnavailable(t *testing.T) {
	e := newEnv(t, clientcert.AllowAll{})
	require.NoError(t, e.indexer.Stop(context.Background()))

	rec := e.do(t, http.MethodPut, "/1.0", "iso6523-actorid-upis::9915:test0")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestClientCertificateOverTLS(t *testing.T) {
	ca := certtest.NewCA(t, "SMP Test CA")
	e := newEnv(t, clientcert.NewChainValidator(clientcert.NewTrustStore(ca.Cert)))

	srv := httptest.NewUnstartedServer(e.handler)
	srv.TLS = &tls.Config{ClientAuth: tls.RequestClientCert}
	srv.StartTLS()
	t.Cleanup(srv.Close)

	put := func(client *http.Client) int {
		req, err := http.NewRequest(http.MethodPut, srv.URL+"/1.0", strings.NewReader("iso6523-actorid-upis::9915:tls"))
		require.NoError(t, err)
		resp, err := client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, put(srv.Client()))

	rogue := certtest.NewCA(t, "Rogue CA").Issue(t, "rogue", certtest.LeafOptions{})
	assert.Equal(t, http.StatusUnauthorized, put(clientWith(srv, rogue.TLSCertificate())))

	leaf := ca.Issue(t, "smp.example.org", certtest.LeafOptions{})
	assert.Equal(t, http.StatusOK, put(clientWith(srv, leaf.TLSCertificate())))

	pid := identifier.MustParticipantID("iso6523-actorid-upis::9915:tls")
	require.Eventually(t, e.contains(pid), 2*time.Second, 10*time.Millisecond)
	docs, err := e.storage.GetAllDocumentsOfParticipant(context.Background(), pid)
	require.NoError(t, err)
	require.NotEmpty(t, docs)
	assert.Equal(t, leaf.Cert.Subject.String(), docs[0].Metadata.OwnerID)
	assert.Equal(t, "127.0.0.1", docs[0].Metadata.RequestingHost)
}

func clientWith(srv *httptest.Server, cert tls.Certificate) *http.Client {
	client := srv.Client()
	transport := client.Transport.(*http.Transport).Clone()
	transport.TLSClientConfig.Certificates = []tls.Certificate{cert}
	return &http.Client{Transport: transport}
}

type hostRecorder struct {
	mu    sync.Mutex
	hosts []string
}

func (h *hostRecorder) QueueWorkItem(_ identifier.ParticipantID, _ indexer.Kind, _, requestingHost string) (indexer.Change, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hosts = append(h.hosts, requestingHost)
	return indexer.Changed, nil
}

func TestRequestingHostIgnoresForwardedHeadersUnlessTrusted(t *testing.T) {
	for _, tc := range []struct {
		name  string
		trust bool
		want  string
	}{
		{"untrusted", false, "192.0.2.10"},
		{"trusted proxy", true, "203.0.113.7"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			q := &hostRecorder{}
			h := New(Deps{
				Intake:            intakehandler.New(q),
				Validator:         clientcert.AllowAll{},
				TrustProxyHeaders: tc.trust,
			})
			req := httptest.NewRequest(http.MethodPut, "/1.0", strings.NewReader("iso6523-actorid-upis::9915:test0"))
			req.RemoteAddr = "192.0.2.10:51234"
			req.Header.Set("X-Forwarded-For", "203.0.113.7")
			req.Header.Set("X-Real-IP", "203.0.113.7")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.Equal(t, http.StatusOK, rec.Code)
			require.Len(t, q.hosts, 1)
			assert.Equal(t, tc.want, q.hosts[0])
		})
	}
}
