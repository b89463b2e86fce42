package extract

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/OFFIS-RIT/kiwi/ingest/internal/util"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/common"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/graph"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/logger"
)

// RelationFundedProjectIn links a funded organization to the place its
// project is in.
const RelationFundedProjectIn = "funded_project_in"

var notFoundMarkers = map[string]struct{}{
	"not found":      {},
	"notfound":       {},
	"not_found":      {},
	"unknown":        {},
	"none":           {},
	"null":           {},
	"n/a":            {},
	"na":             {},
	"not available":  {},
	"not applicable": {},
	"not mentioned":  {},
	"":               {},
}

var typeAliases = map[string]string{
	"person":        common.EntityPerson,
	"people":        common.EntityPerson,
	"individual":    common.EntityPerson,
	"inventor":      common.EntityPerson,
	"researcher":    common.EntityPerson,
	"organization":  common.EntityOrganization,
	"organisation":  common.EntityOrganization,
	"org":           common.EntityOrganization,
	"institution":   common.EntityOrganization,
	"agency":        common.EntityOrganization,
	"university":    common.EntityOrganization,
	"government":    common.EntityOrganization,
	"company":       common.EntityCompany,
	"corporation":   common.EntityCompany,
	"business":      common.EntityCompany,
	"firm":          common.EntityCompany,
	"startup":       common.EntityCompany,
	"project":       common.EntityProject,
	"program":       common.EntityProject,
	"programme":     common.EntityProject,
	"initiative":    common.EntityProject,
	"location":      common.EntityLocation,
	"place":         common.EntityLocation,
	"city":          common.EntityLocation,
	"site":          common.EntityLocation,
	"address":       common.EntityLocation,
	"region":        common.EntityLocation,
	"country":       common.EntityLocation,
	"patent":        common.EntityPatent,
	"invention":     common.EntityPatent,
	"funding":       common.EntityFunding,
	"grant":         common.EntityFunding,
	"award":         common.EntityFunding,
	"investment":    common.EntityFunding,
	"funding_round": common.EntityFunding,
}

// NormalizeType maps a model supplied entity type to a canonical one.
func NormalizeType(t string) (string, bool) {
	k := strings.ToLower(strings.TrimSpace(t))
	k = strings.ReplaceAll(k, " ", "_")
	canonical, ok := typeAliases[k]
	return canonical, ok
}

func isNotFound(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		_, ok := notFoundMarkers[strings.ToLower(strings.TrimSpace(t))]
		return ok
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

// section classifies one top-level response field and returns its items.
func section(tree map[string]any, field common.Field) ([]any, common.FieldStatus) {
	v, ok := tree[string(field)]
	if !ok {
		return nil, common.StatusMissing
	}
	if isNotFound(v) {
		return nil, common.StatusUnknown
	}
	switch t := v.(type) {
	case []any:
		return t, common.StatusExtracted
	default:
		return []any{t}, common.StatusExtracted
	}
}

// Coerce turns the untyped response tree into a ProcessedRecord for doc.
func Coerce(tree map[string]any, doc common.Document) common.ProcessedRecord {
	rec := common.ProcessedRecord{
		DocumentID: doc.ID,
		Source:     doc.Source,
		Version:    doc.Version(),
		Status:     make(map[common.Field]common.FieldStatus, len(common.Fields)),
	}

	entityItems, entityStatus := section(tree, common.FieldEntities)
	locationItems, locationStatus := section(tree, common.FieldLocations)
	fundingItems, fundingStatus := section(tree, common.FieldFunding)
	relationItems, relationStatus := section(tree, common.FieldRelationships)
	timelineItems, timelineStatus := section(tree, common.FieldTimeline)

	entities, entityLocations := coerceEntities(entityItems, doc)
	rec.Entities = entities
	rec.Locations = mergeLocations(coerceLocations(locationItems), entityLocations)
	rec.Funding = coerceFunding(fundingItems)
	rec.Relationships = coerceRelationships(relationItems, rec.Entities, rec.Locations)
	rec.Timeline = coerceTimeline(timelineItems)
	rec.Relationships = deriveFundedProjects(rec)

	rec.Status[common.FieldEntities] = settle(entityStatus, len(rec.Entities))
	rec.Status[common.FieldLocations] = settle(locationStatus, len(rec.Locations))
	rec.Status[common.FieldFunding] = settle(fundingStatus, len(rec.Funding))
	rec.Status[common.FieldRelationships] = settle(relationStatus, len(rec.Relationships))
	rec.Status[common.FieldTimeline] = settle(timelineStatus, len(rec.Timeline))
	if len(entityLocations) > 0 && locationStatus != common.StatusExtracted {
		rec.Status[common.FieldLocations] = common.StatusExtracted
	}
	return rec
}

// settle reconciles the reported status with what survived coercion.
func settle(status common.FieldStatus, n int) common.FieldStatus {
	if n > 0 {
		return common.StatusExtracted
	}
	if status == common.StatusExtracted {
		return common.StatusUnknown
	}
	return status
}

func str(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if s := util.CollapseWhitespace(util.SanitizeText(v)); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func coerceEntities(items []any, doc common.Document) ([]common.Entity, []common.Location) {
	var (
		out  []common.Entity
		locs []common.Location
		seen = make(map[string]struct{})
	)
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name := str(m, "name", "entity")
		if isNotFound(name) {
			continue
		}
		typ, ok := NormalizeType(str(m, "type", "entity_type", "category"))
		if !ok {
			logger.Debug("[Extract] Dropping entity with unknown type", "document", doc.Key(), "name", name, "type", m["type"])
			continue
		}
		if typ == common.EntityLocation {
			locs = append(locs, common.Location{Name: name})
			continue
		}
		key := graph.NormalizeKey(typ, name)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, common.Entity{Name: name, Type: typ, NormalizedKey: key})
	}
	return out, locs
}

var coordPairRe = regexp.MustCompile(`(-?\d{1,3}(?:\.\d+)?)\s*°?\s*[NS]?\s*,\s*(-?\d{1,3}(?:\.\d+)?)\s*°?\s*[EW]?`)

func coerceLocations(items []any) []common.Location {
	var out []common.Location
	for _, item := range items {
		switch v := item.(type) {
		case string:
			if isNotFound(v) {
				continue
			}
			out = append(out, locationFromText(v))
		case map[string]any:
			loc, ok := locationFromMap(v)
			if ok {
				out = append(out, loc)
			}
		}
	}
	return out
}

func locationFromText(text string) common.Location {
	text = util.CollapseWhitespace(text)
	m := coordPairRe.FindStringSubmatchIndex(text)
	if m == nil {
		return common.Location{Name: text}
	}
	lat, _ := strconv.ParseFloat(text[m[2]:m[3]], 64)
	lon, _ := strconv.ParseFloat(text[m[4]:m[5]], 64)
	name := strings.TrimSpace(text[:m[0]] + text[m[1]:])
	name = strings.TrimRight(strings.Trim(name, "()[] "), ", ")
	return common.Location{Name: name, Latitude: lat, Longitude: lon, HasCoordinates: true}
}

func locationFromMap(m map[string]any) (common.Location, bool) {
	loc := common.Location{Name: str(m, "name", "location", "place")}
	if isNotFound(loc.Name) {
		loc.Name = ""
	}

	latRaw, hasLat := firstPresent(m, "latitude", "lat")
	lonRaw, hasLon := firstPresent(m, "longitude", "lon", "lng", "long")
	if !hasLat && !hasLon {
		if c, ok := m["coordinates"]; ok && !isNotFound(c) {
			switch cv := c.(type) {
			case string:
				parsed := locationFromText(cv)
				if !parsed.HasCoordinates {
					loc.Malformed = true
					loc.Raw = cv
				} else {
					loc.Latitude, loc.Longitude, loc.HasCoordinates = parsed.Latitude, parsed.Longitude, true
				}
			case []any:
				if len(cv) == 2 {
					latRaw, lonRaw, hasLat, hasLon = cv[0], cv[1], true, true
				} else {
					loc.Malformed = true
					loc.Raw = fmt.Sprint(cv)
				}
			default:
				loc.Malformed = true
				loc.Raw = fmt.Sprint(cv)
			}
		}
	}

	if hasLat || hasLon {
		lat, latOK := toFloat(latRaw)
		lon, lonOK := toFloat(lonRaw)
		switch {
		case isNotFound(latRaw) && isNotFound(lonRaw):
		case latOK && lonOK:
			loc.Latitude, loc.Longitude, loc.HasCoordinates = lat, lon, true
		default:
			loc.Malformed = true
			loc.Raw = fmt.Sprintf("%v,%v", latRaw, lonRaw)
		}
	}

	if loc.Name == "" && !loc.HasCoordinates && !loc.Malformed {
		return common.Location{}, false
	}
	return loc, true
}

func firstPresent(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, !math.IsNaN(t) && !math.IsInf(t, 0)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// mergeLocations appends entity-typed locations whose names are not
// already covered by the locations section.
func mergeLocations(locs []common.Location, extra []common.Location) []common.Location {
	seen := make(map[string]struct{}, len(locs))
	for _, l := range locs {
		seen[graph.NormalizeName(l.Name)] = struct{}{}
	}
	for _, l := range extra {
		k := graph.NormalizeName(l.Name)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		locs = append(locs, l)
	}
	return locs
}

var (
	amountRe = regexp.MustCompile(`(?i)(\d[\d,]*(?:\.\d+)?)\s*(k|thousand|m|mm|mn|million|b|bn|billion)?\b`)

	currencySymbols = []struct {
		token    string
		currency string
	}{
		{"US$", "USD"},
		{"$", "USD"},
		{"€", "EUR"},
		{"£", "GBP"},
		{"¥", "JPY"},
	}
	currencyCodeRe = regexp.MustCompile(`\b(USD|EUR|GBP|JPY|CHF|CAD|AUD|CNY|INR)\b`)
)

// ParseAmount reads amounts such as "$2M", "2,000,000", "1.5 million EUR".
func ParseAmount(text string) (amount float64, currency string, ok bool) {
	upper := strings.ToUpper(text)
	for _, s := range currencySymbols {
		if strings.Contains(text, s.token) {
			currency = s.currency
			break
		}
	}
	if currency == "" {
		if m := currencyCodeRe.FindString(upper); m != "" {
			currency = m
		}
	}

	m := amountRe.FindStringSubmatch(text)
	if m == nil {
		return 0, currency, false
	}
	n, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil {
		return 0, currency, false
	}
	switch strings.ToLower(m[2]) {
	case "k", "thousand":
		n *= 1e3
	case "m", "mm", "mn", "million":
		n *= 1e6
	case "b", "bn", "billion":
		n *= 1e9
	}
	return n, currency, true
}

func coerceFunding(items []any) []common.Funding {
	var out []common.Funding
	for _, item := range items {
		var f common.Funding
		switch v := item.(type) {
		case string:
			if isNotFound(v) {
				continue
			}
			f.Raw = util.CollapseWhitespace(v)
		case float64:
			f.Amount = v
		case map[string]any:
			f.Source = str(v, "source", "funder", "from")
			f.Recipient = str(v, "recipient", "to", "receiver")
			f.Currency = strings.ToUpper(str(v, "currency"))
			switch a := v["amount"].(type) {
			case float64:
				f.Amount = a
			case string:
				if !isNotFound(a) {
					f.Raw = util.CollapseWhitespace(a)
				}
			}
		default:
			continue
		}
		if f.Raw != "" && f.Amount == 0 {
			if amount, currency, ok := ParseAmount(f.Raw); ok {
				f.Amount = amount
				if f.Currency == "" {
					f.Currency = currency
				}
			}
		}
		if f.Amount == 0 && f.Raw == "" {
			continue
		}
		if f.Amount > 0 && f.Currency == "" {
			f.Currency = "USD"
		}
		out = append(out, f)
	}
	return out
}

func normalizeRelation(r string) string {
	r = strings.ToLower(util.CollapseWhitespace(r))
	r = strings.NewReplacer(" ", "_", "-", "_").Replace(r)
	return strings.Trim(r, "_")
}

func coerceRelationships(items []any, entities []common.Entity, locs []common.Location) []common.Relationship {
	types := make(map[string]string, len(entities)+len(locs))
	for _, e := range entities {
		types[graph.NormalizeName(e.Name)] = e.Type
	}
	for _, l := range locs {
		if l.Name != "" {
			types[graph.NormalizeName(l.Name)] = common.EntityLocation
		}
	}
	infer := func(name, given string) string {
		if t, ok := NormalizeType(given); ok {
			return t
		}
		return types[graph.NormalizeName(name)]
	}

	var out []common.Relationship
	seen := make(map[string]struct{})
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		r := common.Relationship{
			Source:   str(m, "source", "from", "subject"),
			Target:   str(m, "target", "to", "object"),
			Relation: normalizeRelation(str(m, "relation", "type", "predicate")),
		}
		if r.Source == "" || r.Target == "" || r.Relation == "" {
			continue
		}
		r.SourceType = infer(r.Source, str(m, "source_type", "sourceType"))
		r.TargetType = infer(r.Target, str(m, "target_type", "targetType"))
		key := relationshipKey(r)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}

func relationshipKey(r common.Relationship) string {
	return graph.NormalizeName(r.Source) + "|" + r.Relation + "|" + graph.NormalizeName(r.Target)
}

func coerceTimeline(items []any) []common.TimelineFact {
	var out []common.TimelineFact
	for _, item := range items {
		switch v := item.(type) {
		case string:
			if !isNotFound(v) {
				out = append(out, common.TimelineFact{Event: util.CollapseWhitespace(v)})
			}
		case map[string]any:
			f := common.TimelineFact{Date: str(v, "date", "when"), Event: str(v, "event", "description", "what")}
			if f.Event != "" {
				out = append(out, f)
			}
		}
	}
	return out
}

// deriveFundedProjects adds funded_project_in edges from funded
// organizations and companies to every well-formed location in the record.
// A funding item naming a known recipient restricts the edges to it.
func deriveFundedProjects(rec common.ProcessedRecord) []common.Relationship {
	out := rec.Relationships
	if len(rec.Funding) == 0 || len(rec.Locations) == 0 {
		return out
	}

	var funded []common.Entity
	for _, e := range rec.Entities {
		if e.Type == common.EntityOrganization || e.Type == common.EntityCompany {
			funded = append(funded, e)
		}
	}
	recipients := make(map[string]struct{})
	for _, f := range rec.Funding {
		if f.Recipient != "" {
			recipients[graph.NormalizeName(f.Recipient)] = struct{}{}
		}
	}
	if len(recipients) > 0 {
		var named []common.Entity
		for _, e := range funded {
			if _, ok := recipients[graph.NormalizeName(e.Name)]; ok {
				named = append(named, e)
			}
		}
		if len(named) > 0 {
			funded = named
		}
	}

	seen := make(map[string]struct{}, len(out))
	for _, r := range out {
		seen[relationshipKey(r)] = struct{}{}
	}
	for _, e := range funded {
		for _, loc := range rec.Locations {
			label := graph.LocationLabel(loc)
			if loc.Malformed || label == "" {
				continue
			}
			r := common.Relationship{
				Source:     e.Name,
				SourceType: e.Type,
				Target:     label,
				TargetType: common.EntityLocation,
				Relation:   RelationFundedProjectIn,
			}
			if _, dup := seen[relationshipKey(r)]; dup {
				continue
			}
			seen[relationshipKey(r)] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}
