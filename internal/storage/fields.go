package storage

import (
	"path/filepath"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/index"
)

// Stored field names. These are part of the on-disk contract shared with
// the query side.
const (
	FieldParticipantID  = "participantid"
	FieldDocumentTypeID = "doctypeid"
	FieldOwnerID        = "ownerid"
	FieldCountryCode    = "country"
	FieldName           = "name"
	FieldGeoInfo        = "geoinfo"
	FieldIdentifierType = "identifiertype"
	FieldIdentifier     = "identifier"
	FieldFreeText       = "freetext"
	FieldDeleted        = "deleted"
	FieldRequestingHost = "requestinghost"
	FieldCreationDT     = "creationdt"
)

const deletedValue = "true"

var (
	keywordFields = []string{
		FieldParticipantID, FieldDocumentTypeID, FieldOwnerID, FieldCountryCode,
		FieldIdentifierType, FieldIdentifier, FieldDeleted, FieldRequestingHost, FieldCreationDT,
	}
	textFields = []string{FieldName, FieldGeoInfo, FieldFreeText}
)

// NewMapping returns the index mapping: exact-match keyword fields for
// identifiers and flags, analyzed text for names and descriptions.
func NewMapping() mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()
	doc.Dynamic = false
	for _, name := range keywordFields {
		fm := bleve.NewTextFieldMapping()
		fm.Analyzer = keyword.Name
		fm.Store = true
		doc.AddFieldMappingsAt(name, fm)
	}
	for _, name := range textFields {
		fm := bleve.NewTextFieldMapping()
		fm.Analyzer = standard.Name
		fm.Store = true
		doc.AddFieldMappingsAt(name, fm)
	}
	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	m.DefaultAnalyzer = standard.Name
	return m
}

// OpenStore opens the participant index below dataPath with the storage
// mapping.
func OpenStore(dataPath string, opts ...index.Option) (*index.Store, error) {
	opts = append([]index.Option{index.WithMapping(NewMapping())}, opts...)
	return index.Open(filepath.Join(dataPath, index.DirName), opts...)
}

func participantTerm(pid string) index.Term {
	return index.Term{Field: FieldParticipantID, Value: pid}
}

func deletedTerm() index.Term {
	return index.Term{Field: FieldDeleted, Value: deletedValue}
}
