package util

import "testing"

func TestSanitizeText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"plain", "Acme Corp", "Acme Corp"},
		{"nul bytes", "Acme\x00 Corp", "Acme Corp"},
		{"invalid utf8", "Acme\xff Corp", "Acme Corp"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeText(tc.input); got != tc.want {
				t.Fatalf("SanitizeText(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestCollapseWhitespace(t *testing.T) {
	if got := CollapseWhitespace("  Acme \n\t Corp  "); got != "Acme Corp" {
		t.Fatalf("got %q", got)
	}
	if got := CollapseWhitespace(" \n "); got != "" {
		t.Fatalf("got %q", got)
	}
}

func TestTruncateRunes(t *testing.T) {
	if got := TruncateRunes("Nörfolk", 3); got != "Nör" {
		t.Fatalf("got %q", got)
	}
	if got := TruncateRunes("abc", 10); got != "abc" {
		t.Fatalf("got %q", got)
	}
	if got := TruncateRunes("abc", 0); got != "abc" {
		t.Fatalf("got %q", got)
	}
}
