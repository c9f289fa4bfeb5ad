package identifier

import (
	"testing"

	apperrors "github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseParticipantID(t *testing.T) {
	pid, err := ParseParticipantID("iso6523-actorid-upis::9915:test0")
	require.NoError(t, err)
	assert.Equal(t, DefaultParticipantScheme, pid.Scheme)
	assert.Equal(t, "9915:test0", pid.Value)
	assert.Equal(t, "iso6523-actorid-upis::9915:test0", pid.URIEncoded())
}

func TestParseParticipantIDMalformed(t *testing.T) {
	for _, in := range []string{"", "no-separator", "::value", "scheme::", "::"} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseParticipantID(in)
			assert.ErrorIs(t, err, apperrors.ErrMalformedIdentifier)
		})
	}
}

func TestParseURIEncodedMatchesPlain(t *testing.T) {
	plain, err := ParseParticipantID("iso6523-actorid-upis::9915:test0")
	require.NoError(t, err)
	encoded, err := ParseURIEncodedParticipantID("iso6523-actorid-upis%3A%3A9915%3Atest0")
	require.NoError(t, err)
	assert.Equal(t, plain, encoded)
	assert.Equal(t, "iso6523-actorid-upis::9915:test0", encoded.URIEncoded())

	// trailing newline from a text/plain body
	withNL, err := ParseURIEncodedParticipantID("iso6523-actorid-upis::9915:test0\n")
	require.NoError(t, err)
	assert.Equal(t, plain, withNL)
}

func TestParseURIEncodedBadEscape(t *testing.T) {
	_, err := ParseURIEncodedParticipantID("iso6523-actorid-upis%3::x")
	assert.ErrorIs(t, err, apperrors.ErrMalformedIdentifier)
}

func TestEqualityIsCaseSensitive(t *testing.T) {
	a := MustParticipantID("iso6523-actorid-upis::9915:ABC")
	b := MustParticipantID("iso6523-actorid-upis::9915:abc")
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, MustParticipantID("iso6523-actorid-upis::9915:ABC"))
}

func TestPercentEncodedRoundTrip(t *testing.T) {
	pid := MustParticipantID("iso6523-actorid-upis::9915:test/1")
	back, err := ParseURIEncodedParticipantID(pid.URIPercentEncoded())
	require.NoError(t, err)
	assert.Equal(t, pid, back)
}

func TestParseDocumentTypeIDKeepsInnerSeparators(t *testing.T) {
	d, err := ParseDocumentTypeID("busdox-docid-qns::urn:oasis:names:specification:ubl:schema:xsd:Invoice-2::Invoice##urn:cen.eu:en16931:2017::2.1")
	require.NoError(t, err)
	assert.Equal(t, DefaultDocumentTypeScheme, d.Scheme)
	assert.Equal(t, "urn:oasis:names:specification:ubl:schema:xsd:Invoice-2::Invoice##urn:cen.eu:en16931:2017::2.1", d.Value)
}
