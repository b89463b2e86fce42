package verify

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/OFFIS-RIT/kiwi/ingest/pkg/common"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/extract"
)

// Reason is a stable, machine readable rejection code.
type Reason string

const (
	ReasonEmptyExtraction      Reason = "EmptyExtraction"
	ReasonUntrustedSource      Reason = "UntrustedSource"
	ReasonPayloadTooLarge      Reason = "PayloadTooLarge"
	ReasonMalformedCoordinates Reason = "MalformedCoordinates"
	ReasonUnparsableResponse   Reason = "UnparsableResponse"
	ReasonExtractionFailed     Reason = "ExtractionFailed"
)

// Reasons lists every rejection code.
var Reasons = []Reason{
	ReasonEmptyExtraction,
	ReasonUntrustedSource,
	ReasonPayloadTooLarge,
	ReasonMalformedCoordinates,
	ReasonUnparsableResponse,
	ReasonExtractionFailed,
}

// Rejection is returned for documents or records that must be quarantined.
type Rejection struct {
	Reason Reason
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return string(r.Reason)
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

// AsRejection reports whether err carries a rejection.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// FromExtractError maps an extraction error onto a rejection. Errors that
// are not extraction outcomes, such as a canceled context, return nil.
func FromExtractError(err error) *Rejection {
	switch {
	case errors.Is(err, extract.ErrUnparsableResponse):
		return &Rejection{Reason: ReasonUnparsableResponse, Detail: err.Error()}
	case errors.Is(err, extract.ErrExtractionFailed):
		return &Rejection{Reason: ReasonExtractionFailed, Detail: err.Error()}
	}
	return nil
}

// Verifier applies the acceptance rules.
type Verifier struct {
	allowed    map[string]struct{}
	maxPayload int
}

// NewVerifierParams configures a Verifier.
//
// An empty AllowedSources list trusts every source. MaxPayloadBytes <= 0
// disables the size ceiling.
type NewVerifierParams struct {
	AllowedSources  []string
	MaxPayloadBytes int
}

// NewVerifier creates a Verifier.
func NewVerifier(params NewVerifierParams) *Verifier {
	v := &Verifier{maxPayload: params.MaxPayloadBytes}
	for _, s := range params.AllowedSources {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if v.allowed == nil {
			v.allowed = make(map[string]struct{})
		}
		v.allowed[s] = struct{}{}
	}
	return v
}

// CheckDocument runs the rules that need no extraction: source trust and
// payload size. It is called before the model so rejected documents cost
// nothing.
func (v *Verifier) CheckDocument(doc common.Document) error {
	if v.allowed != nil {
		if _, ok := v.allowed[doc.Source]; !ok {
			return &Rejection{Reason: ReasonUntrustedSource, Detail: fmt.Sprintf("source %q is not in the allow-list", doc.Source)}
		}
	}
	if v.maxPayload > 0 && doc.Size() > v.maxPayload {
		return &Rejection{Reason: ReasonPayloadTooLarge, Detail: fmt.Sprintf("%d bytes exceeds the %d byte ceiling", doc.Size(), v.maxPayload)}
	}
	return nil
}

// CheckRecord validates an extracted record.
func (v *Verifier) CheckRecord(rec common.ProcessedRecord) error {
	if rec.IsEmpty() {
		return &Rejection{Reason: ReasonEmptyExtraction, Detail: "no entities and no locations"}
	}
	for _, loc := range rec.Locations {
		if err := checkCoordinates(loc); err != nil {
			return err
		}
	}
	return nil
}

// Verify runs every rule.
func (v *Verifier) Verify(doc common.Document, rec common.ProcessedRecord) error {
	if err := v.CheckDocument(doc); err != nil {
		return err
	}
	return v.CheckRecord(rec)
}

func checkCoordinates(loc common.Location) error {
	name := loc.Name
	if name == "" {
		name = "unnamed location"
	}
	if loc.Malformed {
		return &Rejection{Reason: ReasonMalformedCoordinates, Detail: fmt.Sprintf("%s: unreadable coordinates %q", name, loc.Raw)}
	}
	if !loc.HasCoordinates {
		return nil
	}
	lat, lon := loc.Latitude, loc.Longitude
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return &Rejection{Reason: ReasonMalformedCoordinates, Detail: fmt.Sprintf("%s: coordinates are not finite", name)}
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return &Rejection{Reason: ReasonMalformedCoordinates, Detail: fmt.Sprintf("%s: (%g, %g) out of range", name, lat, lon)}
	}
	return nil
}
