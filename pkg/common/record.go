package common

import "time"

// Entity types recognised by the extraction stage and the graph.
const (
	EntityPerson       = "person"
	EntityOrganization = "organization"
	EntityCompany      = "company"
	EntityProject      = "project"
	EntityLocation     = "location"
	EntityPatent       = "patent"
	EntityFunding      = "funding"
)

// EntityTypes lists every valid node type in a stable order.
var EntityTypes = []string{
	EntityPerson,
	EntityOrganization,
	EntityCompany,
	EntityProject,
	EntityLocation,
	EntityPatent,
	EntityFunding,
}

// Field names a top-level section of a ProcessedRecord.
type Field string

const (
	FieldEntities      Field = "entities"
	FieldLocations     Field = "locations"
	FieldFunding       Field = "funding"
	FieldRelationships Field = "relationships"
	FieldTimeline      Field = "timeline"
)

// Fields lists every record section in a stable order.
var Fields = []Field{FieldEntities, FieldLocations, FieldFunding, FieldRelationships, FieldTimeline}

// FieldStatus tells consumers whether a section holds data.
//
//   - extracted: the model returned values for the section
//   - unknown:   the model explicitly reported the data as not found
//   - missing:   the model response did not mention the section at all
type FieldStatus string

const (
	StatusExtracted FieldStatus = "extracted"
	StatusUnknown   FieldStatus = "unknown"
	StatusMissing   FieldStatus = "missing"
)

// Entity is a named thing mentioned in a document.
type Entity struct {
	Name          string `json:"name"`
	Type          string `json:"type"`
	NormalizedKey string `json:"normalizedKey"`
}

// Location is a place mentioned in a document. Coordinates are only
// meaningful when HasCoordinates is set. Malformed marks a coordinate pair
// that was present in the response but could not be read as numbers.
type Location struct {
	Name           string  `json:"name,omitempty"`
	Latitude       float64 `json:"latitude,omitempty"`
	Longitude      float64 `json:"longitude,omitempty"`
	HasCoordinates bool    `json:"hasCoordinates"`
	Malformed      bool    `json:"malformed,omitempty"`
	Raw            string  `json:"raw,omitempty"`
}

// Funding is a monetary amount and its parties.
type Funding struct {
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency,omitempty"`
	Source    string  `json:"source,omitempty"`
	Recipient string  `json:"recipient,omitempty"`
	Raw       string  `json:"raw,omitempty"`
}

// Relationship links two named entities with a relation label.
type Relationship struct {
	Source     string `json:"source"`
	SourceType string `json:"sourceType,omitempty"`
	Target     string `json:"target"`
	TargetType string `json:"targetType,omitempty"`
	Relation   string `json:"relation"`
}

// TimelineFact is a dated event.
type TimelineFact struct {
	Date  string `json:"date"`
	Event string `json:"event"`
}

// ProcessedRecord is the structured output of the extraction stage for
// exactly one Document. Records are never edited; reprocessing produces a
// new record carrying the document version it was derived from.
type ProcessedRecord struct {
	DocumentID    string                `json:"documentId"`
	Source        string                `json:"source"`
	Version       string                `json:"version"`
	ExtractedAt   time.Time             `json:"extractedAt"`
	Entities      []Entity              `json:"entities"`
	Locations     []Location            `json:"locations"`
	Funding       []Funding             `json:"funding"`
	Relationships []Relationship        `json:"relationships"`
	Timeline      []TimelineFact        `json:"timeline"`
	Status        map[Field]FieldStatus `json:"status"`
}

// DocumentKey returns the source-scoped key of the originating document.
func (r ProcessedRecord) DocumentKey() string {
	return r.Source + "/" + r.DocumentID
}

// FieldStatus returns the status of a section, treating an absent entry as missing.
func (r ProcessedRecord) FieldStatus(f Field) FieldStatus {
	if s, ok := r.Status[f]; ok {
		return s
	}
	return StatusMissing
}

// IsEmpty reports whether the record carries neither entities nor locations.
func (r ProcessedRecord) IsEmpty() bool {
	return len(r.Entities) == 0 && len(r.Locations) == 0
}
