// Package scraper fetches pages through a pooled headless browser and
// extracts structured fields with CSS selector rulesets. Results are cached
// by URL and ruleset content so identical requests never re-render a page.
package scraper

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
)

// ExtractionRule names one field and the CSS selector that yields it.
// With Attribute set the attribute value is extracted instead of text;
// with Multiple set every match is collected instead of the first.
type ExtractionRule struct {
	Name      string `json:"name" binding:"required"`
	Selector  string `json:"selector" binding:"required"`
	Attribute string `json:"attribute,omitempty"`
	Multiple  bool   `json:"multiple,omitempty"`
}

// Ruleset is an ordered set of extraction rules.
type Ruleset []ExtractionRule

// RuleSpec is the wire form of one extraction rule; requests carry an
// extraction_rules mapping of field name to RuleSpec.
type RuleSpec struct {
	Selector  string `json:"selector" binding:"required"`
	Attribute string `json:"attribute,omitempty"`
	Multiple  bool   `json:"multiple,omitempty"`
}

// RulesetFromSpecs converts the wire mapping into a Ruleset, ordered by
// field name so equal requests produce equal rulesets.
func RulesetFromSpecs(specs map[string]RuleSpec) Ruleset {
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)

	rs := make(Ruleset, 0, len(specs))
	for _, name := range names {
		spec := specs[name]
		rs = append(rs, ExtractionRule{
			Name:      name,
			Selector:  spec.Selector,
			Attribute: spec.Attribute,
			Multiple:  spec.Multiple,
		})
	}
	return rs
}

// selectorForbidden are characters with no place in a CSS selector; their
// presence indicates an injection attempt or a malformed request.
const selectorForbidden = "{};`\\"

// Validate rejects rulesets that cannot be executed safely.
func (rs Ruleset) Validate() error {
	if len(rs) == 0 {
		return fmt.Errorf("ruleset is empty")
	}

	seen := make(map[string]struct{}, len(rs))
	for i, rule := range rs {
		name := strings.TrimSpace(rule.Name)
		if name == "" {
			return fmt.Errorf("rule %d: empty name", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("rule %d: duplicate name %q", i, name)
		}
		seen[name] = struct{}{}

		selector := strings.TrimSpace(rule.Selector)
		if selector == "" {
			return fmt.Errorf("rule %q: empty selector", name)
		}
		if strings.ContainsAny(selector, selectorForbidden) {
			return fmt.Errorf("rule %q: selector contains forbidden characters", name)
		}
	}
	return nil
}

// Hash returns a stable content hash of the ruleset. Rules are canonicalized
// by name ordering so semantically equal rulesets share a cache entry
// regardless of request ordering.
func (rs Ruleset) Hash() string {
	canonical := make([]string, 0, len(rs))
	for _, rule := range rs {
		canonical = append(canonical, fmt.Sprintf("%s=%s@%s|%t",
			strings.TrimSpace(rule.Name), strings.TrimSpace(rule.Selector), rule.Attribute, rule.Multiple))
	}
	sort.Strings(canonical)

	h := fnv.New64a()
	for _, entry := range canonical {
		h.Write([]byte(entry))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// CacheKey addresses a scrape result by URL and ruleset content.
func CacheKey(url string, rs Ruleset) string {
	return fmt.Sprintf("scrape:%s:%s", url, rs.Hash())
}

// JobPostingRuleset extracts the common fields of a job posting page.
func JobPostingRuleset() Ruleset {
	return Ruleset{
		{Name: "title", Selector: "h1, .job-title, [class*='jobTitle'], [data-testid='job-title']"},
		{Name: "company", Selector: ".company, .company-name, [class*='companyName'], [data-testid='company-name']"},
		{Name: "location", Selector: ".location, [class*='location'], [data-testid='job-location']"},
		{Name: "description", Selector: ".description, .job-description, [class*='jobDescription'], article"},
		{Name: "salary", Selector: ".salary, [class*='salary'], [data-testid='salary']"},
		{Name: "requirements", Selector: ".requirements li, .qualifications li", Multiple: true},
	}
}
