package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/kiwi/ingest/internal/util"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/common"
)

// NormalizeName lower-cases a name and collapses its whitespace.
func NormalizeName(name string) string {
	return strings.ToLower(util.CollapseWhitespace(util.SanitizeText(name)))
}

// NormalizeKey canonicalises a (type, name) pair so repeated mentions of
// the same entity resolve to one key.
func NormalizeKey(entityType string, name string) string {
	n := NormalizeName(name)
	if n == "" {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(entityType)) + ":" + n
}

// LocationKey returns the key of a location node. Coordinates identify a
// location when present; otherwise its normalized name does.
func LocationKey(loc common.Location) string {
	if loc.HasCoordinates && !loc.Malformed {
		return fmt.Sprintf("%s:%.4f,%.4f", common.EntityLocation, loc.Latitude, loc.Longitude)
	}
	return NormalizeKey(common.EntityLocation, loc.Name)
}

// NodeID derives the stable node id for a (type, key) pair.
func NodeID(entityType string, key string) string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(entityType)))
	h.Write([]byte{0x1f})
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// LocationLabel is the name a relationship uses to point at a location:
// its name, or "lat,lon" when it only has coordinates.
func LocationLabel(loc common.Location) string {
	if loc.Name != "" {
		return loc.Name
	}
	if loc.HasCoordinates {
		return CoordinateLabel(loc.Latitude, loc.Longitude)
	}
	return ""
}

// CoordinateLabel formats a coordinate pair as "lat,lon".
func CoordinateLabel(lat, lon float64) string {
	return fmt.Sprintf("%g,%g", lat, lon)
}
