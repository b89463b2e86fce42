package graph

import (
	"sort"
	"sync"
	"time"

	"github.com/OFFIS-RIT/kiwi/ingest/pkg/common"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/logger"
)

// Property names written by the assembler.
const (
	PropName      = "name"
	PropLatitude  = "latitude"
	PropLongitude = "longitude"
	PropDocuments = "documents"
	PropSources   = "sources"
	PropFunding   = "funding"
	PropRecords   = "records"
)

// Assembler merges ProcessedRecords into one in-memory knowledge graph.
//
// All merges go through a single write lock; readers take deep-copied
// snapshots so they never observe a half-applied record.
type Assembler struct {
	mu    sync.RWMutex
	nodes map[string]*common.GraphNode
	edges map[string]*common.GraphEdge
	now   func() time.Time
}

// NewAssemblerParams configures an Assembler. Now defaults to time.Now.
type NewAssemblerParams struct {
	Now func() time.Time
}

// NewAssembler creates an empty graph.
func NewAssembler(params NewAssemblerParams) *Assembler {
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Assembler{
		nodes: make(map[string]*common.GraphNode),
		edges: make(map[string]*common.GraphEdge),
		now:   now,
	}
}

// MergeResult counts what a merge changed.
type MergeResult struct {
	NodesCreated int
	NodesUpdated int
	EdgesCreated int
	EdgesUpdated int
	Skipped      int
}

type endpoint struct {
	typ  string
	key  string
	name string
}

// Merge applies one record to the graph. Applying the same record again,
// or applying records in a different order, yields the same nodes, edges
// and properties apart from timestamps, as long as the records do not
// disagree on a scalar property.
func (a *Assembler) Merge(rec common.ProcessedRecord) MergeResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now().UTC()
	res := MergeResult{}
	docKey := rec.DocumentKey()

	byName := make(map[string]endpoint)
	var fundedNodes []string

	for _, e := range rec.Entities {
		key := e.NormalizedKey
		if key == "" {
			key = NormalizeKey(e.Type, e.Name)
		}
		if key == "" || e.Type == "" {
			res.Skipped++
			continue
		}
		ep := endpoint{typ: e.Type, key: key, name: e.Name}
		byName[NormalizeName(e.Name)] = ep
		id := a.upsertNode(ep, rec, now, &res, nil)
		if e.Type == common.EntityOrganization || e.Type == common.EntityCompany {
			fundedNodes = append(fundedNodes, id)
		}
	}

	for _, loc := range rec.Locations {
		if loc.Malformed {
			res.Skipped++
			continue
		}
		key := LocationKey(loc)
		if key == "" {
			res.Skipped++
			continue
		}
		ep := endpoint{typ: common.EntityLocation, key: key, name: loc.Name}
		if loc.Name != "" {
			byName[NormalizeName(loc.Name)] = ep
		}
		if loc.HasCoordinates {
			byName[NormalizeName(CoordinateLabel(loc.Latitude, loc.Longitude))] = ep
		}
		props := map[string]any{}
		if loc.HasCoordinates {
			props[PropLatitude] = loc.Latitude
			props[PropLongitude] = loc.Longitude
		}
		a.upsertNode(ep, rec, now, &res, props)
	}

	for _, f := range rec.Funding {
		label := FormatFunding(f)
		if label == "" {
			continue
		}
		targets := fundedNodes
		if f.Recipient != "" {
			if ep, ok := byName[NormalizeName(f.Recipient)]; ok {
				targets = []string{NodeID(ep.typ, ep.key)}
			}
		}
		for _, id := range targets {
			if n, ok := a.nodes[id]; ok {
				n.Properties[PropFunding] = unionStrings(n.Properties[PropFunding], []string{label})
			}
		}
	}

	for _, rel := range rec.Relationships {
		src, ok := resolveEndpoint(byName, rel.Source, rel.SourceType)
		if !ok {
			res.Skipped++
			logger.Debug("[Graph] Unresolved relationship source", "document", docKey, "source", rel.Source)
			continue
		}
		tgt, ok := resolveEndpoint(byName, rel.Target, rel.TargetType)
		if !ok {
			res.Skipped++
			logger.Debug("[Graph] Unresolved relationship target", "document", docKey, "target", rel.Target)
			continue
		}
		srcID := a.upsertNode(src, rec, now, &res, nil)
		tgtID := a.upsertNode(tgt, rec, now, &res, nil)
		a.upsertEdge(srcID, tgtID, rel.Relation, rec, &res)
	}

	return res
}

func resolveEndpoint(byName map[string]endpoint, name string, typ string) (endpoint, bool) {
	if ep, ok := byName[NormalizeName(name)]; ok && (typ == "" || typ == ep.typ) {
		return ep, true
	}
	if typ == "" {
		return endpoint{}, false
	}
	key := NormalizeKey(typ, name)
	if key == "" {
		return endpoint{}, false
	}
	return endpoint{typ: typ, key: key, name: name}, true
}

func (a *Assembler) upsertNode(
	ep endpoint,
	rec common.ProcessedRecord,
	now time.Time,
	res *MergeResult,
	scalars map[string]any,
) string {
	id := NodeID(ep.typ, ep.key)
	n, ok := a.nodes[id]
	if !ok {
		n = &common.GraphNode{
			ID:         id,
			Type:       ep.typ,
			Key:        ep.key,
			Properties: make(map[string]any),
			FirstSeen:  now,
			LastSeen:   now,
		}
		a.nodes[id] = n
		res.NodesCreated++
	} else {
		if now.After(n.LastSeen) {
			n.LastSeen = now
		}
		res.NodesUpdated++
	}

	if ep.name != "" {
		n.Properties[PropName] = ep.name
	}
	for k, v := range scalars {
		n.Properties[k] = v
	}
	n.Properties[PropDocuments] = unionStrings(n.Properties[PropDocuments], []string{rec.DocumentKey()})
	if rec.Source != "" {
		n.Properties[PropSources] = unionStrings(n.Properties[PropSources], []string{rec.Source})
	}
	return id
}

func (a *Assembler) upsertEdge(srcID, tgtID, relation string, rec common.ProcessedRecord, res *MergeResult) {
	e := common.GraphEdge{Source: srcID, Target: tgtID, Relation: relation}
	key := e.Key()
	existing, ok := a.edges[key]
	if !ok {
		existing = &e
		existing.Properties = make(map[string]any)
		a.edges[key] = existing
		res.EdgesCreated++
	} else {
		res.EdgesUpdated++
	}

	version := rec.Version
	if version == "" {
		version = rec.DocumentKey()
	}
	records := unionStrings(existing.Properties[PropRecords], []string{version})
	existing.Properties[PropRecords] = records
	existing.Properties[PropDocuments] = unionStrings(existing.Properties[PropDocuments], []string{rec.DocumentKey()})
	existing.Occurrences = len(records)
}

// unionStrings merges a stored list property with new values, keeping the
// result sorted and unique so the outcome is independent of merge order.
func unionStrings(current any, add []string) []string {
	set := make(map[string]struct{})
	for _, v := range toStrings(current) {
		set[v] = struct{}{}
	}
	for _, v := range add {
		if v != "" {
			set[v] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func toStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{t}
	}
	return nil
}

// Stats reports node and edge counts.
func (a *Assembler) Stats() (nodes int, edges int) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.nodes), len(a.edges)
}
