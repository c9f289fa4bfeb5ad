package businesscard

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/identifier"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/resilience"
)

const maxResponseBytes = 4 << 20

// errNotPublished marks a 404 from the SMP. Retrying it right away is
// pointless and it says nothing about the SMP's health.
var errNotPublished = errors.New("not published on smp")

// xml shapes of the SMP responses; element names are matched regardless of
// namespace.
type xmlBusinessCard struct {
	XMLName  xml.Name    `xml:"BusinessCard"`
	Entities []xmlEntity `xml:"BusinessEntity"`
}

type xmlEntity struct {
	Name           string          `xml:"Name"`
	CountryCode    string          `xml:"CountryCode"`
	GeoInfo        string          `xml:"GeographicalInformation"`
	Identifiers    []xmlIdentifier `xml:"Identifier"`
	AdditionalInfo string          `xml:"AdditionalInformation"`
}

type xmlIdentifier struct {
	Scheme string `xml:"scheme,attr"`
	Value  string `xml:",chardata"`
}

type xmlServiceGroup struct {
	XMLName    xml.Name `xml:"ServiceGroup"`
	References []struct {
		Href string `xml:"href,attr"`
	} `xml:"ServiceMetadataReferenceCollection>ServiceMetadataReference"`
}

// SMPFetcher reads the business card and the service group of a participant
// from an SMP over HTTP. Calls pass through a circuit breaker and a short
// in-process retry; long-term retries are the indexer's job.
type SMPFetcher struct {
	baseURL string
	client  *http.Client
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
	logger  *slog.Logger
}

// SMPOption configures an SMPFetcher.
type SMPOption func(*smpOptions)

type smpOptions struct {
	metrics *metrics.Metrics
	client  *http.Client
}

// WithBreakerMetrics exports the circuit state as a gauge.
func WithBreakerMetrics(m *metrics.Metrics) SMPOption {
	return func(o *smpOptions) { o.metrics = m }
}

// WithHTTPClient replaces the default client, e.g. for mutual TLS towards
// the SMP.
func WithHTTPClient(c *http.Client) SMPOption {
	return func(o *smpOptions) { o.client = c }
}

func NewSMPFetcher(cfg config.SMPConfig, opts ...SMPOption) *SMPFetcher {
	var o smpOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.client == nil {
		o.client = &http.Client{Timeout: cfg.Timeout}
	}
	cbCfg := resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.CircuitFailureThreshold,
		ResetTimeout:     cfg.CircuitResetTimeout,
		IsFailure: func(err error) bool {
			return !errors.Is(err, errNotPublished)
		},
	}
	if o.metrics != nil {
		gauge := o.metrics.CircuitBreakerState
		gauge.WithLabelValues("smp").Set(float64(resilience.StateClosed))
		cbCfg.OnStateChange = func(name string, _, to resilience.State) {
			gauge.WithLabelValues(name).Set(float64(to))
		}
	}
	return &SMPFetcher{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		client:  o.client,
		breaker: resilience.NewCircuitBreaker("smp", cbCfg),
		retry: resilience.RetryConfig{
			MaxAttempts:  2,
			InitialDelay: 200 * time.Millisecond,
			Retryable: func(err error) bool {
				return !errors.Is(err, errNotPublished) && !errors.Is(err, resilience.ErrCircuitOpen)
			},
		},
		logger: slog.Default().With("component", "smp-fetcher"),
	}
}

// Breaker exposes the circuit breaker for health reporting.
func (f *SMPFetcher) Breaker() *resilience.CircuitBreaker {
	return f.breaker
}

// Fetch implements Fetcher. Every failure, including an SMP that knows the
// participant but publishes no business entities, wraps ErrFetchFailed.
func (f *SMPFetcher) Fetch(ctx context.Context, pid identifier.ParticipantID) (*BusinessInformation, error) {
	var info *BusinessInformation
	err := resilience.Retry(ctx, "smp-fetch", f.retry, func() error {
		return f.breaker.Execute(func() error {
			var err error
			info, err = f.fetchOnce(ctx, pid)
			return err
		})
	})
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w: %w", pid, apperrors.ErrFetchFailed, err)
	}
	if info.IsEmpty() {
		return nil, fmt.Errorf("fetching %s: no business entities: %w", pid, apperrors.ErrFetchFailed)
	}
	return info, nil
}

func (f *SMPFetcher) fetchOnce(ctx context.Context, pid identifier.ParticipantID) (*BusinessInformation, error) {
	var card xmlBusinessCard
	if err := f.getXML(ctx, f.baseURL+"/businesscard/"+pid.URIPercentEncoded(), &card); err != nil {
		return nil, fmt.Errorf("business card: %w", err)
	}
	var group xmlServiceGroup
	if err := f.getXML(ctx, f.baseURL+"/"+pid.URIPercentEncoded(), &group); err != nil {
		return nil, fmt.Errorf("service group: %w", err)
	}

	info := &BusinessInformation{}
	for _, e := range card.Entities {
		entity := Entity{
			CountryCode: strings.TrimSpace(e.CountryCode),
			Name:        normalizeSpace(e.Name),
			GeoInfo:     strings.TrimSpace(e.GeoInfo),
			FreeText:    strings.TrimSpace(e.AdditionalInfo),
		}
		for _, id := range e.Identifiers {
			entity.Identifiers = append(entity.Identifiers, Identifier{
				Type:  strings.TrimSpace(id.Scheme),
				Value: strings.TrimSpace(id.Value),
			})
		}
		info.Entities = append(info.Entities, entity)
	}
	for _, ref := range group.References {
		docType, err := documentTypeFromHref(ref.Href)
		if err != nil {
			f.logger.Warn("skipping unparsable service reference", "participant", pid.URIEncoded(), "href", ref.Href, "error", err)
			continue
		}
		info.DocumentTypes = append(info.DocumentTypes, docType)
	}
	return info, nil
}

func (f *SMPFetcher) getXML(ctx context.Context, target string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/xml")
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return fmt.Errorf("requesting %s: %w", target, errNotPublished)
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return fmt.Errorf("requesting %s: unexpected status %d", target, resp.StatusCode)
	}
	if err := xml.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(v); err != nil {
		return fmt.Errorf("decoding %s: %w", target, err)
	}
	return nil
}

// documentTypeFromHref extracts the document type from a service metadata
// reference of the form {smp}/{participant}/services/{doctype}.
func documentTypeFromHref(href string) (identifier.DocumentTypeID, error) {
	u, err := url.Parse(href)
	if err != nil {
		return identifier.DocumentTypeID{}, err
	}
	path := u.EscapedPath()
	idx := strings.LastIndex(path, "/services/")
	if idx < 0 {
		return identifier.DocumentTypeID{}, fmt.Errorf("no /services/ segment")
	}
	raw, err := url.PathUnescape(path[idx+len("/services/"):])
	if err != nil {
		return identifier.DocumentTypeID{}, err
	}
	return identifier.ParseDocumentTypeID(raw)
}
