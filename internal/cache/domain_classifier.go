package cache

import "strings"

// domainKeywords is the fixed classifier table of §4.7. Domains that tie
// for the highest hit count yield "general", so no domain wins a tie.
var domainKeywords = map[string][]string{
	"finance":   {"stock", "market", "inflation", "interest", "portfolio"},
	"legal":     {"contract", "clause", "law", "liability", "nda"},
	"tech":      {"api", "python", "vector", "kubernetes", "embedding"},
	"geography": {"capital", "country", "city", "border"},
}

// domainOrder fixes the iteration order over domainKeywords.
var domainOrder = []string{"finance", "legal", "tech", "geography"}

// ClassifyDomain returns the domain tag with the highest keyword hit count
// in text. Ties, and zero hits, default to "general".
func ClassifyDomain(text string) string {
	lower := strings.ToLower(text)

	best := "general"
	bestCount := 0
	tied := false
	for _, d := range domainOrder {
		count := 0
		for _, kw := range domainKeywords[d] {
			if strings.Contains(lower, kw) {
				count++
			}
		}
		switch {
		case count > bestCount:
			bestCount = count
			best = d
			tied = false
		case count == bestCount && count > 0:
			tied = true
		}
	}
	if tied {
		return "general"
	}
	return best
}
