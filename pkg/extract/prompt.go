package extract

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/OFFIS-RIT/kiwi/ingest/internal/util"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/common"
)

// NotFound is the marker the model is told to use for empty sections.
const NotFound = "not found"

type responseEntity struct {
	Name string `json:"name"`
	Type string `json:"type" jsonschema_description:"One of person, organization, company, project, location, patent, funding"`
}

type responseLocation struct {
	Name      string   `json:"name"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

type responseFunding struct {
	Amount    string `json:"amount" jsonschema_description:"Amount as written in the text, e.g. $2M or 1.5 million EUR"`
	Currency  string `json:"currency,omitempty"`
	Source    string `json:"source,omitempty" jsonschema_description:"Who provides the money"`
	Recipient string `json:"recipient,omitempty" jsonschema_description:"Who receives the money"`
}

type responseRelationship struct {
	Source     string `json:"source"`
	SourceType string `json:"source_type,omitempty"`
	Target     string `json:"target"`
	TargetType string `json:"target_type,omitempty"`
	Relation   string `json:"relation" jsonschema_description:"snake_case verb phrase, e.g. located_in or funded_project_in"`
}

type responseTimeline struct {
	Date  string `json:"date"`
	Event string `json:"event"`
}

// response documents the shape the model is asked to produce. It is only
// used to render the schema; parsing goes through the untyped tree so a
// "not found" marker can stand in for any section.
type response struct {
	Entities      []responseEntity       `json:"entities" jsonschema_description:"Named entities or the string \"not found\""`
	Locations     []responseLocation     `json:"locations" jsonschema_description:"Places with decimal coordinates when stated or the string \"not found\""`
	Funding       []responseFunding      `json:"funding" jsonschema_description:"Monetary amounts or the string \"not found\""`
	Relationships []responseRelationship `json:"relationships" jsonschema_description:"Links between entities or the string \"not found\""`
	Timeline      []responseTimeline     `json:"timeline" jsonschema_description:"Dated events or the string \"not found\""`
}

const extractionPrompt = `
# Task Context
You extract structured facts from documents such as crawled web pages, permit filings and patent records. The facts feed a knowledge graph.

# Background Data
Source: %s
Document ID: %s

<document>
%s
</document>

# Detailed Task Description & Rules
- Extract every person, organization, company, project, location, patent and funding mention.
- Use only the entity types listed in the schema.
- Give locations decimal latitude and longitude only when the document states them.
- Keep funding amounts exactly as written, including currency symbols and words like "million".
- Describe relationships between extracted entities with a short snake_case relation.
- When a section has no data in the document, set it to the string "%s" instead of leaving it out.
- Do not invent facts that are not in the document.

# Output Formatting
Return one JSON object and nothing else. It must follow this JSON schema:
%s
`

var (
	schemaOnce sync.Once
	schemaText string
)

// Schema returns the JSON schema of the extraction response.
func Schema() string {
	schemaOnce.Do(func() {
		b, err := json.MarshalIndent(ai.GenerateSchema(response{}), "", "  ")
		if err != nil {
			panic(fmt.Sprintf("extract: cannot render response schema: %v", err))
		}
		schemaText = string(b)
	})
	return schemaText
}

// BuildPrompt renders the extraction prompt for doc. The document text is
// cut to maxTokens model tokens; truncated reports whether that happened.
func BuildPrompt(doc common.Document, maxTokens int) (prompt string, truncated bool) {
	text := util.SanitizeText(strings.TrimSpace(doc.Content))
	text, truncated = ai.TruncateTokens(text, maxTokens)
	return fmt.Sprintf(extractionPrompt, doc.Source, doc.ID, text, NotFound, Schema()), truncated
}
