package services

import (
	"testing"

	"snipvault/internal/search"
)

func TestSearchPatterns(t *testing.T) {
	patterns := searchPatterns(search.Parse("http Client"))
	if len(patterns) != 2 {
		t.Fatalf("expected 2 patterns, got %v", patterns)
	}
	if patterns[0] != "%http%" || patterns[1] != "%client%" {
		t.Fatalf("unexpected patterns: %v", patterns)
	}
}

func TestSearchPatternsSkipNegatedTerms(t *testing.T) {
	patterns := searchPatterns(search.Parse("parser NOT json"))
	if len(patterns) != 1 || patterns[0] != "%parser%" {
		t.Fatalf("negated terms must not pre-filter: %v", patterns)
	}
}

func TestSearchPatternsNilWithoutPositiveTerms(t *testing.T) {
	if got := searchPatterns(search.Parse("NOT json")); got != nil {
		t.Fatalf("all-negated query should pre-filter nothing, got %v", got)
	}
	if got := searchPatterns(search.Parse("")); got != nil {
		t.Fatalf("empty query should pre-filter nothing, got %v", got)
	}
}

func TestSearchPatternsEscapeLikeMetacharacters(t *testing.T) {
	patterns := searchPatterns(search.Parse(`100% snake_case back\slash`))
	want := []string{`%100\%%`, `%snake\_case%`, `%back\\slash%`}
	for i, p := range patterns {
		if p != want[i] {
			t.Fatalf("pattern %d: expected %q, got %q", i, want[i], p)
		}
	}
}
