package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/businesscard"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/identifier"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/index"
	apperrors "github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/errors"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	store, err := OpenStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewManager(store)
}

func twoEntities() *businesscard.BusinessInformation {
	return &businesscard.BusinessInformation{
		Entities: []businesscard.Entity{
			{
				CountryCode: "AT",
				Name:        "Acme Austria",
				GeoInfo:     "Vienna",
				FreeText:    "widgets and gadgets",
				Identifiers: []businesscard.Identifier{{Type: "mock", Value: "a1"}, {Type: "provided", Value: "a2"}},
			},
			{
				CountryCode: "NO",
				Name:        "Acme Norway",
				Identifiers: []businesscard.Identifier{{Type: "mock", Value: "n1"}, {Type: "", Value: "dropped"}},
			},
		},
		DocumentTypes: []identifier.DocumentTypeID{{Scheme: identifier.DefaultDocumentTypeScheme, Value: "urn:invoice::2.1"}},
	}
}

func meta() Metadata {
	return Metadata{
		CreatedAt:      time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC),
		OwnerID:        "CN=SMP Test,O=Example,C=AT",
		RequestingHost: "10.0.0.7",
	}
}

var pid0 = identifier.MustParticipantID("iso6523-actorid-upis::9915:test0")

func TestCreateOrUpdateEntry(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.CreateOrUpdateEntry(ctx, pid0, twoEntities(), meta()))

	ok, err := m.ContainsEntry(ctx, pid0)
	require.NoError(t, err)
	assert.True(t, ok)

	docs, err := m.GetAllDocumentsOfParticipant(ctx, pid0)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	for _, d := range docs {
		assert.Equal(t, pid0, d.ParticipantID)
		assert.False(t, d.Deleted)
		assert.Equal(t, meta(), d.Metadata)
		require.Len(t, d.DocumentTypeIDs, 1)
		assert.Equal(t, "urn:invoice::2.1", d.DocumentTypeIDs[0].Value)
	}
	byCountry := map[string]StoredDocument{}
	for _, d := range docs {
		byCountry[d.CountryCode] = d
	}
	assert.Equal(t, []businesscard.Identifier{{Type: "mock", Value: "a1"}, {Type: "provided", Value: "a2"}}, byCountry["AT"].Identifiers)
	assert.Equal(t, []businesscard.Identifier{{Type: "mock", Value: "n1"}}, byCountry["NO"].Identifiers)
}

func TestCreateOrUpdateReplacesPreviousRecords(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	require.NoError(t, m.CreateOrUpdateEntry(ctx, pid0, twoEntities(), meta()))

	single := &businesscard.BusinessInformation{Entities: []businesscard.Entity{{CountryCode: "DE", Name: "Acme Germany"}}}
	require.NoError(t, m.CreateOrUpdateEntry(ctx, pid0, single, meta()))

	docs, err := m.GetAllDocumentsOfParticipant(ctx, pid0)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Acme Germany", docs[0].Name)
}

func TestCreateOrUpdateRejectsEmptyInformation(t *testing.T) {
	m := newManager(t)
	err := m.CreateOrUpdateEntry(context.Background(), pid0, &businesscard.BusinessInformation{}, meta())
	assert.ErrorIs(t, err, apperrors.ErrFetchFailed)
}

func TestDeleteEntryLeavesTombstone(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	require.NoError(t, m.CreateOrUpdateEntry(ctx, pid0, twoEntities(), meta()))

	delMeta := meta()
	delMeta.OwnerID = "CN=Other"
	require.NoError(t, m.DeleteEntry(ctx, pid0, delMeta))

	ok, err := m.ContainsEntry(ctx, pid0)
	require.NoError(t, err)
	assert.False(t, ok)

	docs, err := m.GetAllDocumentsOfParticipant(ctx, pid0)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.True(t, docs[0].Deleted)
	assert.Equal(t, "CN=Other", docs[0].Metadata.OwnerID)
	assert.Empty(t, docs[0].Name)

	ids, err := m.GetAllContainedParticipantIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestGetAllContainedParticipantIDs(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	pids := []identifier.ParticipantID{
		identifier.MustParticipantID("iso6523-actorid-upis::9915:test2"),
		identifier.MustParticipantID("iso6523-actorid-upis::9915:test0"),
		identifier.MustParticipantID("iso6523-actorid-upis::9915:test1"),
	}
	for _, pid := range pids {
		require.NoError(t, m.CreateOrUpdateEntry(ctx, pid, twoEntities(), meta()))
	}
	require.NoError(t, m.DeleteEntry(ctx, pids[2], meta()))

	ids, err := m.GetAllContainedParticipantIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []identifier.ParticipantID{pids[1], pids[0]}, ids)
}

func TestSearchSkipsDeleted(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	other := identifier.MustParticipantID("iso6523-actorid-upis::9915:other")
	require.NoError(t, m.CreateOrUpdateEntry(ctx, pid0, twoEntities(), meta()))
	require.NoError(t, m.CreateOrUpdateEntry(ctx, other, &businesscard.BusinessInformation{
		Entities: []businesscard.Entity{{CountryCode: "AT", Name: "Gadget Works"}},
	}, meta()))

	docs, total, err := m.Search(ctx, "gadgets", 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), total)
	require.Len(t, docs, 1)
	assert.Equal(t, "Acme Austria", docs[0].Name)

	docs, _, err = m.Search(ctx, "country:AT", 10)
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	require.NoError(t, m.DeleteEntry(ctx, other, meta()))
	docs, _, err = m.Search(ctx, "country:AT", 10)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestCorruptRecordIsSkipped(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	require.NoError(t, m.CreateOrUpdateEntry(ctx, pid0, twoEntities(), meta()))

	broken := identifier.MustParticipantID("iso6523-actorid-upis::9915:broken")
	doc := index.Document{}
	doc.Set(FieldParticipantID, broken.URIEncoded())
	doc.Add(FieldIdentifierType, "mock")
	doc.Add(FieldIdentifierType, "provided")
	doc.Add(FieldIdentifier, "only-one")
	require.NoError(t, m.Store().UpdateDocuments(ctx, participantTerm(broken.URIEncoded()), []index.Document{doc}))

	docs, err := m.GetAllDocumentsOfParticipant(ctx, broken)
	require.NoError(t, err)
	assert.Empty(t, docs)

	_, err = storedDocumentFrom("x", doc)
	assert.ErrorIs(t, err, apperrors.ErrCorruptRecord)

	// the healthy participant is still readable
	docs, err = m.GetAllDocumentsOfParticipant(ctx, pid0)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestClosedStoreReportsClosing(t *testing.T) {
	store, err := OpenStore(t.TempDir())
	require.NoError(t, err)
	m := NewManager(store)
	require.NoError(t, store.Close())

	err = m.CreateOrUpdateEntry(context.Background(), pid0, twoEntities(), meta())
	assert.ErrorIs(t, err, apperrors.ErrStoreClosing)
	_, err = m.ContainsEntry(context.Background(), pid0)
	assert.ErrorIs(t, err, apperrors.ErrStoreClosing)
}
