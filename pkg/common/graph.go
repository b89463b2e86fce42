package common

import "time"

// GraphNode is a deduplicated entity in the knowledge graph. Its ID is a
// pure function of (Type, Key), so repeated mentions resolve to one node.
type GraphNode struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Key        string         `json:"key"`
	Properties map[string]any `json:"properties"`
	FirstSeen  time.Time      `json:"firstSeen"`
	LastSeen   time.Time      `json:"lastSeen"`
}

// GraphEdge is a labelled, directed connection between two nodes.
// Edges with the same (Source, Target, Relation) are merged and counted.
type GraphEdge struct {
	Source      string         `json:"sourceNodeId"`
	Target      string         `json:"targetNodeId"`
	Relation    string         `json:"relation"`
	Occurrences int            `json:"occurrences"`
	Properties  map[string]any `json:"properties,omitempty"`
}

// Key returns the merge identity of the edge.
func (e GraphEdge) Key() string {
	return e.Source + "|" + e.Relation + "|" + e.Target
}

// ArtifactKind classifies a published artifact.
type ArtifactKind string

const (
	ArtifactDocument       ArtifactKind = "document"
	ArtifactRecord         ArtifactKind = "record"
	ArtifactGraphSnapshot  ArtifactKind = "graph-snapshot"
	ArtifactLedgerSnapshot ArtifactKind = "ledger-snapshot"
)

// LedgerEntry maps a published artifact to its content identifier.
// Entries are only ever appended.
type LedgerEntry struct {
	CID              string       `json:"cid"`
	ArtifactName     string       `json:"artifactName"`
	ArtifactKind     ArtifactKind `json:"artifactKind"`
	CreatedAt        time.Time    `json:"createdAt"`
	SourceDocumentID string       `json:"sourceDocumentId,omitempty"`
}
