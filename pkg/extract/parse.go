package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/OFFIS-RIT/kiwi/ingest/pkg/ai"
)

// Strategy is one way of reading a JSON object out of a model response.
// Strategies are pure and tried in order until one succeeds.
type Strategy struct {
	Name  string
	Parse func(text string) (map[string]any, error)
}

var errNoObject = errors.New("no JSON object found")

var (
	// StrictJSON accepts a response that is exactly one JSON object.
	StrictJSON = Strategy{Name: "strict", Parse: parseStrict}
	// FencedBlock reads the first markdown code fence holding an object.
	FencedBlock = Strategy{Name: "fenced", Parse: parseFenced}
	// FragmentScan finds the first balanced {...} fragment that parses.
	FragmentScan = Strategy{Name: "fragment", Parse: parseFragment}
	// Repair runs jsonrepair over the text from the first brace on.
	Repair = Strategy{Name: "repair", Parse: parseRepair}
)

// DefaultStrategies returns the strategies in the order they are tried.
func DefaultStrategies() []Strategy {
	return []Strategy{StrictJSON, FencedBlock, FragmentScan, Repair}
}

// Parse runs the strategies in order and returns the first object found
// together with the name of the strategy that produced it.
func Parse(text string, strategies []Strategy) (map[string]any, string, error) {
	var errs []error
	for _, s := range strategies {
		obj, err := s.Parse(text)
		if err == nil {
			return obj, s.Name, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
	}
	return nil, "", fmt.Errorf("%w: %w", ErrUnparsableResponse, errors.Join(errs...))
}

func parseStrict(text string) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errNoObject
	}
	return out, nil
}

var fenceRe = regexp.MustCompile("(?s)```[a-zA-Z]*[ \t]*\n?(.*?)```")

func parseFenced(text string) (map[string]any, error) {
	for _, m := range fenceRe.FindAllStringSubmatch(text, -1) {
		if obj, err := parseStrict(m[1]); err == nil {
			return obj, nil
		}
	}
	return nil, errNoObject
}

func parseFragment(text string) (map[string]any, error) {
	for start := strings.IndexByte(text, '{'); start >= 0; {
		if end := matchBrace(text, start); end > start {
			if obj, err := parseStrict(text[start : end+1]); err == nil {
				return obj, nil
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return nil, errNoObject
}

// matchBrace returns the index of the brace closing the one at start, or
// -1. Braces inside double-quoted strings are ignored.
func matchBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func parseRepair(text string) (map[string]any, error) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return nil, errNoObject
	}
	candidate := text[start:]
	if end := strings.LastIndexByte(candidate, '}'); end > 0 {
		candidate = candidate[:end+1]
	}
	repaired, err := ai.RepairJSON(candidate)
	if err != nil {
		return nil, err
	}
	return parseStrict(repaired)
}
