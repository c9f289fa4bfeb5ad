package storage

import (
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/businesscard"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/identifier"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/index"
	apperrors "github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/errors"
)

// Metadata describes the request a stored document originates from.
type Metadata struct {
	CreatedAt      time.Time `json:"created_at"`
	OwnerID        string    `json:"owner_id"`
	RequestingHost string    `json:"requesting_host"`
}

// StoredDocument is the read-side view of one index record.
type StoredDocument struct {
	DocID           string                      `json:"-"`
	ParticipantID   identifier.ParticipantID    `json:"participant_id"`
	DocumentTypeIDs []identifier.DocumentTypeID `json:"document_types,omitempty"`
	CountryCode     string                      `json:"country_code,omitempty"`
	Name            string                      `json:"name,omitempty"`
	GeoInfo         string                      `json:"geo_info,omitempty"`
	Identifiers     []businesscard.Identifier   `json:"identifiers,omitempty"`
	FreeText        string                      `json:"free_text,omitempty"`
	Deleted         bool                        `json:"deleted"`
	Metadata        Metadata                    `json:"metadata"`
}

func addMetadata(doc index.Document, md Metadata) {
	doc.Set(FieldOwnerID, md.OwnerID)
	doc.Set(FieldRequestingHost, md.RequestingHost)
	if !md.CreatedAt.IsZero() {
		doc.Set(FieldCreationDT, md.CreatedAt.UTC().Format(time.RFC3339Nano))
	}
}

// entityDocument flattens one business entity into an index record.
func entityDocument(pid identifier.ParticipantID, info *businesscard.BusinessInformation, entity businesscard.Entity, md Metadata) index.Document {
	doc := index.Document{}
	doc.Set(FieldParticipantID, pid.URIEncoded())
	for _, dt := range info.DocumentTypes {
		doc.Add(FieldDocumentTypeID, dt.URIEncoded())
	}
	doc.Set(FieldCountryCode, entity.CountryCode)
	doc.Set(FieldName, entity.Name)
	doc.Set(FieldGeoInfo, entity.GeoInfo)
	for _, id := range entity.Identifiers {
		// Both halves or neither, so the two fields stay parallel.
		if id.Type == "" || id.Value == "" {
			continue
		}
		doc.Add(FieldIdentifierType, id.Type)
		doc.Add(FieldIdentifier, id.Value)
	}
	doc.Set(FieldFreeText, entity.FreeText)
	addMetadata(doc, md)
	return doc
}

func tombstoneDocument(pid identifier.ParticipantID, md Metadata) index.Document {
	doc := index.Document{}
	doc.Set(FieldParticipantID, pid.URIEncoded())
	doc.Set(FieldDeleted, deletedValue)
	addMetadata(doc, md)
	return doc
}

// storedDocumentFrom converts an index record, failing with ErrCorruptRecord
// when the identifier fields are not parallel or the participant ID is
// unreadable.
func storedDocumentFrom(id string, doc index.Document) (StoredDocument, error) {
	types := doc.Values(FieldIdentifierType)
	values := doc.Values(FieldIdentifier)
	if len(types) != len(values) {
		return StoredDocument{}, fmt.Errorf("document %s has %d identifier types but %d identifiers: %w",
			id, len(types), len(values), apperrors.ErrCorruptRecord)
	}
	pid, err := identifier.ParseParticipantID(doc.Get(FieldParticipantID))
	if err != nil {
		return StoredDocument{}, fmt.Errorf("document %s: %v: %w", id, err, apperrors.ErrCorruptRecord)
	}

	sd := StoredDocument{
		DocID:         id,
		ParticipantID: pid,
		CountryCode:   doc.Get(FieldCountryCode),
		Name:          doc.Get(FieldName),
		GeoInfo:       doc.Get(FieldGeoInfo),
		FreeText:      doc.Get(FieldFreeText),
		Deleted:       doc.Get(FieldDeleted) == deletedValue,
		Metadata: Metadata{
			OwnerID:        doc.Get(FieldOwnerID),
			RequestingHost: doc.Get(FieldRequestingHost),
		},
	}
	if raw := doc.Get(FieldCreationDT); raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			sd.Metadata.CreatedAt = t
		}
	}
	for i := range types {
		sd.Identifiers = append(sd.Identifiers, businesscard.Identifier{Type: types[i], Value: values[i]})
	}
	for _, raw := range doc.Values(FieldDocumentTypeID) {
		dt, err := identifier.ParseDocumentTypeID(raw)
		if err != nil {
			continue
		}
		sd.DocumentTypeIDs = append(sd.DocumentTypeIDs, dt)
	}
	return sd, nil
}
