package common

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Document is the raw unit of input produced by a source plugin.
// It is never mutated after creation; a re-fetch under the same ID
// produces a new Document that supersedes the old one.
//
// The JSON form of a Document is the work queue message format.
type Document struct {
	ID             string            `json:"id"`
	Source         string            `json:"source"`
	Content        string            `json:"content"`
	FetchedAt      time.Time         `json:"fetchedAt"`
	SourceMetadata map[string]string `json:"sourceMetadata,omitempty"`
}

// Key returns the source-scoped identity of the document.
func (d Document) Key() string {
	return d.Source + "/" + d.ID
}

// RawDocument is the part of a Document that does not depend on when or
// how it was fetched. It is what gets published as the raw artifact, so
// identical content always maps to the same bytes.
type RawDocument struct {
	ID      string `json:"id"`
	Source  string `json:"source"`
	Content string `json:"content"`
}

// Raw drops the fetch time and source metadata.
func (d Document) Raw() RawDocument {
	return RawDocument{ID: d.ID, Source: d.Source, Content: d.Content}
}

// ContentHash returns the hex sha256 of the document content.
func (d Document) ContentHash() string {
	sum := sha256.Sum256([]byte(d.Content))
	return hex.EncodeToString(sum[:])
}

// Version identifies one concrete revision of a document. Two fetches of
// the same (source, id) with identical content share a version, so every
// stage keyed on it can be re-run safely after a redelivery.
func (d Document) Version() string {
	h := sha256.New()
	h.Write([]byte(d.Source))
	h.Write([]byte{0})
	h.Write([]byte(d.ID))
	h.Write([]byte{0})
	h.Write([]byte(d.Content))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// Size returns the payload size in bytes.
func (d Document) Size() int {
	return len(d.Content)
}
