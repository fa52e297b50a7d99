package agent

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/kos/internal/storage"
)

// Mention is an entity name found in a passage.
type Mention struct {
	Name string             `json:"name"`
	Type storage.EntityType `json:"type"`
}

type patternFamily struct {
	typ      storage.EntityType
	patterns []*regexp.Regexp
}

// entityPatterns are applied family by family; the first family to claim a
// name wins. Patterns with a capture group yield group 1 instead of the
// whole match.
var entityPatterns = []patternFamily{
	{storage.EntityPerson, []*regexp.Regexp{
		regexp.MustCompile(`\b(?:Mr\.|Mrs\.|Ms\.|Dr\.|Prof\.)\s+[A-Z][a-z]+(?:\s+[A-Z][a-z]+)+`),
		regexp.MustCompile(`\b([A-Z][a-z]+\s+[A-Z][a-z]+(?:\s+[A-Z][a-z]+)?)\s+(?:said|says|told|wrote|is|was|has|had)\b`),
	}},
	{storage.EntityOrganization, []*regexp.Regexp{
		regexp.MustCompile(`\b[A-Z][A-Za-z]*(?:\s+[A-Z][A-Za-z]*)*\s+(?:Inc\.|Corp\.|Ltd\.|(?:LLC|Company|Corporation|Foundation|Institute|University|College)\b)`),
		regexp.MustCompile(`\b(?:The\s+)?[A-Z][A-Za-z]+\s+(?:Group|Team|Department|Division|Board)\b`),
	}},
	{storage.EntityLocation, []*regexp.Regexp{
		regexp.MustCompile(`\b(?:New\s+)?[A-Z][a-z]+(?:\s+[A-Z][a-z]+)*,\s+[A-Z]{2}\b`),
		regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+[A-Z][a-z]+)*\s+(?:City|County|State|Country|Province|Region)\b`),
	}},
	{storage.EntityDate, []*regexp.Regexp{
		regexp.MustCompile(`\b(?:January|February|March|April|May|June|July|August|September|October|November|December)\s+\d{1,2},?\s+\d{4}\b`),
		regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{2,4}\b`),
	}},
}

// ExtractPatterns finds entity mentions in text with the built-in patterns.
// Names of two characters or fewer are ignored, and each name is reported
// once.
func ExtractPatterns(text string) []Mention {
	var (
		out  []Mention
		seen = map[string]bool{}
	)
	for _, fam := range entityPatterns {
		for _, re := range fam.patterns {
			for _, m := range re.FindAllStringSubmatch(text, -1) {
				name := m[0]
				if len(m) > 1 {
					name = m[1]
				}
				name = strings.TrimSpace(name)
				if utf8.RuneCountInString(name) <= 2 || seen[name] {
					continue
				}
				seen[name] = true
				out = append(out, Mention{Name: name, Type: fam.typ})
			}
		}
	}
	return out
}
