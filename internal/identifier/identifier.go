// Package identifier models the typed participant and document type
// identifiers of the exchange network. An identifier is a (scheme, value)
// pair rendered canonically as "scheme::value".
package identifier

import (
	"fmt"
	"net/url"
	"strings"

	apperrors "github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/errors"
)

const (
	// Separator joins scheme and value in the URI form.
	Separator = "::"

	DefaultParticipantScheme  = "iso6523-actorid-upis"
	DefaultDocumentTypeScheme = "busdox-docid-qns"
)

// ParticipantID identifies a participant. Comparison is exact and
// case-sensitive on both fields, so the zero-cost == operator is the
// equality used throughout the indexer.
type ParticipantID struct {
	Scheme string
	Value  string
}

// NewParticipantID builds a participant identifier, rejecting empty parts.
func NewParticipantID(scheme, value string) (ParticipantID, error) {
	if scheme == "" || value == "" {
		return ParticipantID{}, fmt.Errorf("participant identifier %q%s%q: %w", scheme, Separator, value, apperrors.ErrMalformedIdentifier)
	}
	return ParticipantID{Scheme: scheme, Value: value}, nil
}

// ParseParticipantID parses the URI form "scheme::value".
func ParseParticipantID(s string) (ParticipantID, error) {
	scheme, value, err := split(s)
	if err != nil {
		return ParticipantID{}, err
	}
	return NewParticipantID(scheme, value)
}

// ParseURIEncodedParticipantID percent-decodes s before parsing it. Both the
// intake body and the DELETE path segment arrive in this form.
func ParseURIEncodedParticipantID(s string) (ParticipantID, error) {
	decoded, err := url.PathUnescape(strings.TrimSpace(s))
	if err != nil {
		return ParticipantID{}, fmt.Errorf("decoding %q: %w", s, apperrors.ErrMalformedIdentifier)
	}
	return ParseParticipantID(strings.TrimSpace(decoded))
}

// MustParticipantID is for tests and constants.
func MustParticipantID(s string) ParticipantID {
	pid, err := ParseParticipantID(s)
	if err != nil {
		panic(err)
	}
	return pid
}

// URIEncoded returns the canonical "scheme::value" form.
func (p ParticipantID) URIEncoded() string {
	return p.Scheme + Separator + p.Value
}

// URIPercentEncoded returns the canonical form escaped for use as a single
// URL path segment.
func (p ParticipantID) URIPercentEncoded() string {
	return url.PathEscape(p.URIEncoded())
}

func (p ParticipantID) String() string {
	return p.URIEncoded()
}

func (p ParticipantID) IsZero() bool {
	return p == ParticipantID{}
}

// DocumentTypeID identifies a business document type a participant
// supports.
type DocumentTypeID struct {
	Scheme string
	Value  string
}

func NewDocumentTypeID(scheme, value string) (DocumentTypeID, error) {
	if scheme == "" || value == "" {
		return DocumentTypeID{}, fmt.Errorf("document type identifier %q%s%q: %w", scheme, Separator, value, apperrors.ErrMalformedIdentifier)
	}
	return DocumentTypeID{Scheme: scheme, Value: value}, nil
}

func ParseDocumentTypeID(s string) (DocumentTypeID, error) {
	scheme, value, err := split(s)
	if err != nil {
		return DocumentTypeID{}, err
	}
	return NewDocumentTypeID(scheme, value)
}

func (d DocumentTypeID) URIEncoded() string {
	return d.Scheme + Separator + d.Value
}

func (d DocumentTypeID) String() string {
	return d.URIEncoded()
}

// split cuts at the first separator. Values may themselves contain "::"
// (document type values frequently do), schemes never do.
func split(s string) (string, string, error) {
	scheme, value, ok := strings.Cut(s, Separator)
	if !ok {
		return "", "", fmt.Errorf("identifier %q has no %q separator: %w", s, Separator, apperrors.ErrMalformedIdentifier)
	}
	if scheme == "" || value == "" {
		return "", "", fmt.Errorf("identifier %q has an empty part: %w", s, apperrors.ErrMalformedIdentifier)
	}
	return scheme, value, nil
}

func (p ParticipantID) MarshalText() ([]byte, error) {
	return []byte(p.URIEncoded()), nil
}

func (p *ParticipantID) UnmarshalText(b []byte) error {
	parsed, err := ParseParticipantID(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func (d DocumentTypeID) MarshalText() ([]byte, error) {
	return []byte(d.URIEncoded()), nil
}

func (d *DocumentTypeID) UnmarshalText(b []byte) error {
	parsed, err := ParseDocumentTypeID(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
