package scraper

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleset_HashIgnoresOrder(t *testing.T) {
	a := Ruleset{
		{Name: "title", Selector: "h1"},
		{Name: "company", Selector: ".company"},
	}
	b := Ruleset{
		{Name: "company", Selector: ".company"},
		{Name: "title", Selector: "h1"},
	}

	assert.Equal(t, a.Hash(), b.Hash())
}

func TestRuleset_HashChangesWithContent(t *testing.T) {
	a := Ruleset{{Name: "title", Selector: "h1"}}
	b := Ruleset{{Name: "title", Selector: "h2"}}
	c := Ruleset{{Name: "title", Selector: "h1", Multiple: true}}

	assert.NotEqual(t, a.Hash(), b.Hash())
	assert.NotEqual(t, a.Hash(), c.Hash())
}

func TestRulesetFromSpecs_DeterministicOrder(t *testing.T) {
	specs := map[string]RuleSpec{
		"title":   {Selector: "h1"},
		"company": {Selector: ".company"},
		"images":  {Selector: "img", Attribute: "src", Multiple: true},
	}

	rs := RulesetFromSpecs(specs)
	require.Len(t, rs, 3)

	names := make([]string, len(rs))
	for i, rule := range rs {
		names[i] = rule.Name
	}
	assert.Equal(t, []string{"company", "images", "title"}, names)
	assert.Equal(t, ExtractionRule{Name: "images", Selector: "img", Attribute: "src", Multiple: true}, rs[1])
	assert.NoError(t, rs.Validate())
}

func TestCacheKey_Format(t *testing.T) {
	rs := Ruleset{{Name: "title", Selector: "h1"}}
	key := CacheKey("https://example.com/job", rs)

	assert.True(t, strings.HasPrefix(key, "scrape:https://example.com/job:"))
	assert.Equal(t, rs.Hash(), key[strings.LastIndex(key, ":")+1:])
}

func TestRuleset_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rules   Ruleset
		wantErr string
	}{
		{"valid", Ruleset{{Name: "title", Selector: "h1"}}, ""},
		{"empty ruleset", Ruleset{}, "empty"},
		{"empty name", Ruleset{{Selector: "h1"}}, "empty name"},
		{"empty selector", Ruleset{{Name: "title"}}, "empty selector"},
		{"duplicate name", Ruleset{{Name: "t", Selector: "h1"}, {Name: "t", Selector: "h2"}}, "duplicate"},
		{"forbidden chars", Ruleset{{Name: "t", Selector: "h1 { color: red }"}}, "forbidden"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rules.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestJobPostingRuleset_IsValid(t *testing.T) {
	require.NoError(t, JobPostingRuleset().Validate())
}
