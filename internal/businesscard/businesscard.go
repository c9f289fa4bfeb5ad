// Package businesscard holds the participant business information the
// indexer stores, and the Fetcher abstraction that produces it.
package businesscard

import (
	"context"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/identifier"
)

// Identifier is an additional identifier of a business entity, such as a
// VAT or registry number.
type Identifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Entity is one legal entity behind a participant.
type Entity struct {
	CountryCode string       `json:"country_code"`
	Name        string       `json:"name"`
	GeoInfo     string       `json:"geo_info,omitempty"`
	FreeText    string       `json:"free_text,omitempty"`
	Identifiers []Identifier `json:"identifiers,omitempty"`
}

// BusinessInformation is everything known about a participant at fetch
// time.
type BusinessInformation struct {
	Entities      []Entity                    `json:"entities"`
	DocumentTypes []identifier.DocumentTypeID `json:"document_types"`
}

// IsEmpty reports whether there is nothing to index.
func (b *BusinessInformation) IsEmpty() bool {
	return b == nil || len(b.Entities) == 0
}

// Fetcher retrieves the authoritative business information of a participant.
type Fetcher interface {
	Fetch(ctx context.Context, pid identifier.ParticipantID) (*BusinessInformation, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, pid identifier.ParticipantID) (*BusinessInformation, error)

func (f FetcherFunc) Fetch(ctx context.Context, pid identifier.ParticipantID) (*BusinessInformation, error) {
	return f(ctx, pid)
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
