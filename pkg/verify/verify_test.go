package verify

import (
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OFFIS-RIT/kiwi/ingest/pkg/common"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/extract"
)

func record(locs ...common.Location) common.ProcessedRecord {
	return common.ProcessedRecord{
		DocumentID: "doc-1",
		Source:     "test",
		Entities:   []common.Entity{{Name: "Acme Corp", Type: common.EntityOrganization}},
		Locations:  locs,
	}
}

func reasonOf(t *testing.T, err error) Reason {
	t.Helper()
	r, ok := AsRejection(err)
	require.True(t, ok, "expected rejection, got %v", err)
	return r.Reason
}

func TestVerify(t *testing.T) {
	v := NewVerifier(NewVerifierParams{AllowedSources: []string{"test", "patents"}, MaxPayloadBytes: 64})
	doc := common.Document{ID: "doc-1", Source: "test", Content: "Acme Corp in Norfolk"}

	tests := []struct {
		name string
		doc  common.Document
		rec  common.ProcessedRecord
		want Reason
	}{
		{"accepted", doc, record(common.Location{Name: "Norfolk", Latitude: 36.85, Longitude: -76.28, HasCoordinates: true}), ""},
		{"location without coordinates", doc, record(common.Location{Name: "Norfolk"}), ""},
		{"empty extraction", doc, common.ProcessedRecord{DocumentID: "doc-1"}, ReasonEmptyExtraction},
		{"untrusted source", common.Document{ID: "x", Source: "blog", Content: "a"}, record(), ReasonUntrustedSource},
		{"payload too large", common.Document{ID: "x", Source: "test", Content: strings.Repeat("a", 65)}, record(), ReasonPayloadTooLarge},
		{"latitude out of range", doc, record(common.Location{Latitude: 91, Longitude: 0, HasCoordinates: true}), ReasonMalformedCoordinates},
		{"longitude out of range", doc, record(common.Location{Latitude: 0, Longitude: -180.5, HasCoordinates: true}), ReasonMalformedCoordinates},
		{"nan", doc, record(common.Location{Latitude: math.NaN(), Longitude: 0, HasCoordinates: true}), ReasonMalformedCoordinates},
		{"unreadable", doc, record(common.Location{Name: "Atlantis", Malformed: true, Raw: "north,-20"}), ReasonMalformedCoordinates},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Verify(tc.doc, tc.rec)
			if tc.want == "" {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tc.want, reasonOf(t, err))
		})
	}
}

func TestVerify_EmptyAllowListTrustsAll(t *testing.T) {
	v := NewVerifier(NewVerifierParams{})
	assert.NoError(t, v.CheckDocument(common.Document{Source: "anything", Content: strings.Repeat("a", 1<<20)}))
}

func TestFromExtractError(t *testing.T) {
	r := FromExtractError(fmt.Errorf("%w: no object", extract.ErrUnparsableResponse))
	require.NotNil(t, r)
	assert.Equal(t, ReasonUnparsableResponse, r.Reason)

	r = FromExtractError(fmt.Errorf("%w after 3 attempts", extract.ErrExtractionFailed))
	require.NotNil(t, r)
	assert.Equal(t, ReasonExtractionFailed, r.Reason)

	assert.Nil(t, FromExtractError(fmt.Errorf("shutting down")))
}
