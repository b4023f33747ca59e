// Package cache implements the per-tenant semantic response cache: prompt
// normalization, embedding, vector search, hybrid re-ranking, adaptive
// thresholds and snapshotting.
package cache

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// contractions maps informal forms to their expansion. Checked as whole
// words during Expand so "what's" inside a longer sentence still expands.
var contractions = map[string]string{
	"what's":   "what is",
	"it's":     "it is",
	"who's":    "who is",
	"where's":  "where is",
	"how's":    "how is",
	"can't":    "cannot",
	"won't":    "will not",
	"don't":    "do not",
	"doesn't":  "does not",
	"isn't":    "is not",
	"aren't":   "are not",
	"didn't":   "did not",
	"couldn't": "could not",
	"wouldn't": "would not",
	"shouldn't": "should not",
}

// questionStarters groups interchangeable ways of asking the same thing.
// Expand produces one variant per group member different from the one
// already present in the text.
var questionStarters = [][]string{
	{"what is", "tell me about", "explain", "describe", "define"},
}

// Normalize produces the canonical exact-match key for a prompt: Unicode
// NFC-normalized, trimmed, whitespace runs collapsed to a single space,
// lowercased. No punctuation is stripped.
func Normalize(s string) string {
	s = norm.NFC.String(s)
	s = strings.TrimSpace(s)
	s = strings.Join(strings.Fields(s), " ")
	return strings.ToLower(s)
}

// Expand produces deterministic candidate embedding-input variants of a
// normalized string: contraction expansions and interchangeable
// question-starter substitutions. Variants are never used as exact-match
// keys. The input is assumed already normalized.
func Expand(normalized string) []string {
	seen := map[string]bool{normalized: true}
	variants := []string{}

	addVariant := func(v string) {
		if v != "" && !seen[v] {
			seen[v] = true
			variants = append(variants, v)
		}
	}

	words := strings.Fields(normalized)
	for i, w := range words {
		if expansion, ok := contractions[w]; ok {
			cp := make([]string, len(words))
			copy(cp, words)
			cp[i] = expansion
			addVariant(strings.Join(cp, " "))
		}
	}

	for _, group := range questionStarters {
		for _, starter := range group {
			if !strings.HasPrefix(normalized, starter+" ") {
				continue
			}
			rest := normalized[len(starter):]
			for _, alt := range group {
				if alt == starter {
					continue
				}
				addVariant(alt + rest)
			}
		}
	}

	return variants
}
