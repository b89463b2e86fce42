package graph

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/OFFIS-RIT/kiwi/ingest/pkg/common"
)

// Snapshot is a point-in-time copy of the graph. It is also the published
// graph artifact: {"nodes": [...], "edges": [...]}.
type Snapshot struct {
	Nodes []common.GraphNode `json:"nodes"`
	Edges []common.GraphEdge `json:"edges"`
}

// Snapshot returns a deep copy of the graph with nodes and edges sorted
// by id, so equal graphs always serialise to equal bytes.
func (a *Assembler) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s := Snapshot{
		Nodes: make([]common.GraphNode, 0, len(a.nodes)),
		Edges: make([]common.GraphEdge, 0, len(a.edges)),
	}
	for _, n := range a.nodes {
		c := *n
		c.Properties = copyProperties(n.Properties)
		s.Nodes = append(s.Nodes, c)
	}
	for _, e := range a.edges {
		c := *e
		c.Properties = copyProperties(e.Properties)
		s.Edges = append(s.Edges, c)
	}
	sort.Slice(s.Nodes, func(i, j int) bool { return s.Nodes[i].ID < s.Nodes[j].ID })
	sort.Slice(s.Edges, func(i, j int) bool { return s.Edges[i].Key() < s.Edges[j].Key() })
	return s
}

// Restore replaces the graph with the contents of a snapshot, typically
// the last one written before a restart.
func (a *Assembler) Restore(s Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.nodes = make(map[string]*common.GraphNode, len(s.Nodes))
	a.edges = make(map[string]*common.GraphEdge, len(s.Edges))
	for _, n := range s.Nodes {
		c := n
		c.Properties = normalizeProperties(n.Properties)
		a.nodes[c.ID] = &c
	}
	for _, e := range s.Edges {
		c := e
		c.Properties = normalizeProperties(e.Properties)
		if records := toStrings(c.Properties[PropRecords]); len(records) > 0 {
			c.Occurrences = len(records)
		}
		a.edges[c.Key()] = &c
	}
}

// Marshal encodes the snapshot as indented JSON.
func (s Snapshot) Marshal() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// UnmarshalSnapshot decodes a snapshot artifact.
func UnmarshalSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode graph snapshot: %w", err)
	}
	return s, nil
}

// Node returns the node with the given id.
func (s Snapshot) Node(id string) (common.GraphNode, bool) {
	i := sort.Search(len(s.Nodes), func(i int) bool { return s.Nodes[i].ID >= id })
	if i < len(s.Nodes) && s.Nodes[i].ID == id {
		return s.Nodes[i], true
	}
	return common.GraphNode{}, false
}

// NodesOfType returns the nodes of one type.
func (s Snapshot) NodesOfType(t string) []common.GraphNode {
	var out []common.GraphNode
	for _, n := range s.Nodes {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

func copyProperties(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if list, ok := v.([]string); ok {
			out[k] = append([]string(nil), list...)
			continue
		}
		out[k] = v
	}
	return out
}

// normalizeProperties turns JSON-decoded list values back into []string.
func normalizeProperties(in map[string]any) map[string]any {
	out := maps.Clone(in)
	if out == nil {
		out = make(map[string]any)
	}
	for k, v := range out {
		if list, ok := v.([]any); ok {
			out[k] = toStrings(list)
		}
	}
	return out
}

// FormatFunding renders an amount as "USD 2,000,000". Amounts that were
// not understood fall back to the raw text.
func FormatFunding(f common.Funding) string {
	if f.Amount <= 0 || math.IsNaN(f.Amount) || math.IsInf(f.Amount, 0) {
		return strings.TrimSpace(f.Raw)
	}
	currency := f.Currency
	if currency == "" {
		currency = "USD"
	}
	whole := strconv.FormatFloat(math.Round(f.Amount), 'f', 0, 64)
	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return currency + " " + b.String()
}
