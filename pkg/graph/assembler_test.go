package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OFFIS-RIT/kiwi/ingest/pkg/common"
)

func fixedClock() func() time.Time {
	t := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func withoutTimestamps(s Snapshot) Snapshot {
	for i := range s.Nodes {
		s.Nodes[i].FirstSeen = time.Time{}
		s.Nodes[i].LastSeen = time.Time{}
	}
	return s
}

func acmeRecord() common.ProcessedRecord {
	return common.ProcessedRecord{
		DocumentID: "doc-1",
		Source:     "test",
		Version:    "v1",
		Entities: []common.Entity{
			{Name: "Acme Corp", Type: common.EntityOrganization, NormalizedKey: NormalizeKey(common.EntityOrganization, "Acme Corp")},
		},
		Locations: []common.Location{
			{Name: "Norfolk, VA", Latitude: 36.85, Longitude: -76.28, HasCoordinates: true},
		},
		Funding: []common.Funding{{Amount: 2_000_000, Currency: "USD", Recipient: "Acme Corp"}},
		Relationships: []common.Relationship{
			{Source: "Acme Corp", Target: "Norfolk, VA", Relation: "funded_project_in"},
		},
	}
}

func betaRecord() common.ProcessedRecord {
	return common.ProcessedRecord{
		DocumentID: "doc-2",
		Source:     "patents",
		Version:    "v2",
		Entities: []common.Entity{
			{Name: "Jane  Doe", Type: common.EntityPerson},
			{Name: "ACME corp", Type: common.EntityOrganization},
			{Name: "Widget Patent", Type: common.EntityPatent},
		},
		Relationships: []common.Relationship{
			{Source: "Jane Doe", Target: "Widget Patent", Relation: "inventor_of"},
			{Source: "Widget Patent", Target: "ACME Corp", Relation: "assigned_to"},
		},
	}
}

func TestNodeIDIsDeterministic(t *testing.T) {
	a := NodeID(common.EntityOrganization, NormalizeKey(common.EntityOrganization, "Acme  Corp"))
	b := NodeID(common.EntityOrganization, NormalizeKey(common.EntityOrganization, "acme corp"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, NodeID(common.EntityCompany, NormalizeKey(common.EntityCompany, "acme corp")))
}

func TestNormalizeKey(t *testing.T) {
	tests := []struct {
		typ, name, want string
	}{
		{"organization", "Acme Corp", "organization:acme corp"},
		{"Organization", "  ACME\n\tCorp ", "organization:acme corp"},
		{"person", "", ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, NormalizeKey(tc.typ, tc.name))
	}
}

func TestMerge_BuildsFundedProjectEdge(t *testing.T) {
	a := NewAssembler(NewAssemblerParams{Now: fixedClock()})
	a.Merge(acmeRecord())

	s := a.Snapshot()
	orgs := s.NodesOfType(common.EntityOrganization)
	locs := s.NodesOfType(common.EntityLocation)
	require.Len(t, orgs, 1)
	require.Len(t, locs, 1)
	require.Len(t, s.Edges, 1)

	assert.Equal(t, "Acme Corp", orgs[0].Properties[PropName])
	assert.Equal(t, []string{"USD 2,000,000"}, orgs[0].Properties[PropFunding])
	assert.Equal(t, 36.85, locs[0].Properties[PropLatitude])
	assert.Equal(t, -76.28, locs[0].Properties[PropLongitude])

	edge := s.Edges[0]
	assert.Equal(t, orgs[0].ID, edge.Source)
	assert.Equal(t, locs[0].ID, edge.Target)
	assert.Equal(t, "funded_project_in", edge.Relation)
	assert.Equal(t, 1, edge.Occurrences)
}

func TestMerge_Idempotent(t *testing.T) {
	once := NewAssembler(NewAssemblerParams{Now: fixedClock()})
	once.Merge(acmeRecord())

	twice := NewAssembler(NewAssemblerParams{Now: fixedClock()})
	twice.Merge(acmeRecord())
	twice.Merge(acmeRecord())

	assert.Equal(t, withoutTimestamps(once.Snapshot()), withoutTimestamps(twice.Snapshot()))
}

func TestMerge_Commutative(t *testing.T) {
	ab := NewAssembler(NewAssemblerParams{Now: fixedClock()})
	ab.Merge(acmeRecord())
	ab.Merge(betaRecord())

	ba := NewAssembler(NewAssemblerParams{Now: fixedClock()})
	ba.Merge(betaRecord())
	ba.Merge(acmeRecord())

	// "Acme Corp" and "ACME corp" disagree on the display name, which is a
	// scalar conflict; drop it before comparing.
	strip := func(s Snapshot) Snapshot {
		s = withoutTimestamps(s)
		for i := range s.Nodes {
			if s.Nodes[i].Type == common.EntityOrganization {
				delete(s.Nodes[i].Properties, PropName)
			}
		}
		return s
	}
	assert.Equal(t, strip(ab.Snapshot()), strip(ba.Snapshot()))
}

func TestMerge_SameEdgeFromTwoRecordsIsCounted(t *testing.T) {
	a := NewAssembler(NewAssemblerParams{Now: fixedClock()})
	r1 := acmeRecord()
	r2 := acmeRecord()
	r2.DocumentID = "doc-9"
	r2.Version = "v9"

	a.Merge(r1)
	a.Merge(r2)
	a.Merge(r2)

	s := a.Snapshot()
	require.Len(t, s.Edges, 1)
	assert.Equal(t, 2, s.Edges[0].Occurrences)
	assert.Equal(t, []string{"test/doc-1", "test/doc-9"}, s.Edges[0].Properties[PropDocuments])
}

func TestMerge_UpdatesLastSeenOnly(t *testing.T) {
	a := NewAssembler(NewAssemblerParams{Now: fixedClock()})
	a.Merge(acmeRecord())
	first := a.Snapshot().NodesOfType(common.EntityOrganization)[0]

	a.Merge(acmeRecord())
	second := a.Snapshot().NodesOfType(common.EntityOrganization)[0]

	assert.Equal(t, first.FirstSeen, second.FirstSeen)
	assert.True(t, second.LastSeen.After(first.LastSeen))
}

func TestMerge_SkipsUnresolvedRelationships(t *testing.T) {
	a := NewAssembler(NewAssemblerParams{})
	res := a.Merge(common.ProcessedRecord{
		DocumentID: "d",
		Source:     "s",
		Entities:   []common.Entity{{Name: "Acme", Type: common.EntityCompany}},
		Relationships: []common.Relationship{
			{Source: "Acme", Target: "Nowhere", Relation: "located_in"},
		},
	})
	assert.Equal(t, 1, res.Skipped)
	nodes, edges := a.Stats()
	assert.Equal(t, 1, nodes)
	assert.Equal(t, 0, edges)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	a := NewAssembler(NewAssemblerParams{})
	a.Merge(acmeRecord())

	s := a.Snapshot()
	s.Nodes[0].Properties[PropName] = "mutated"
	docs := s.Nodes[0].Properties[PropDocuments].([]string)
	docs[0] = "mutated"

	fresh := a.Snapshot()
	assert.NotEqual(t, "mutated", fresh.Nodes[0].Properties[PropName])
	assert.NotEqual(t, "mutated", fresh.Nodes[0].Properties[PropDocuments].([]string)[0])
}

func TestSnapshotRoundTripRestore(t *testing.T) {
	a := NewAssembler(NewAssemblerParams{Now: fixedClock()})
	a.Merge(acmeRecord())
	data, err := a.Snapshot().Marshal()
	require.NoError(t, err)

	decoded, err := UnmarshalSnapshot(data)
	require.NoError(t, err)

	b := NewAssembler(NewAssemblerParams{Now: fixedClock()})
	b.Restore(decoded)
	b.Merge(acmeRecord())

	s := b.Snapshot()
	require.Len(t, s.Edges, 1)
	assert.Equal(t, 1, s.Edges[0].Occurrences)
}

func TestFormatFunding(t *testing.T) {
	assert.Equal(t, "USD 2,000,000", FormatFunding(common.Funding{Amount: 2_000_000}))
	assert.Equal(t, "EUR 750", FormatFunding(common.Funding{Amount: 750, Currency: "EUR"}))
	assert.Equal(t, "undisclosed", FormatFunding(common.Funding{Raw: "undisclosed"}))
}
