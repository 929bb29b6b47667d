package sections

import (
	"os"
	"regexp"
	"sort"

	"github.com/rotisserie/eris"
	yaml "gopkg.in/yaml.v2"
)

// Rule locates one section heading in canonical text. Rules are tried in
// slice order, which is the order the sections appear in a filing.
// Priority settles overlap between rules: the higher number wins, and a
// tie is a parser defect.
type Rule struct {
	Key      string   `yaml:"key"`
	Title    string   `yaml:"title"`
	Priority int      `yaml:"priority"`
	Patterns []string `yaml:"patterns"`

	compiled []*regexp.Regexp
}

// RuleSet is the ordered rule collection for one form family.
type RuleSet struct {
	rules []Rule
}

// DefaultRules covers the annual-report items the pipeline extracts.
// Primary patterns require the item title so a bare cross-reference
// ("see Item 7") never matches; numbered fallbacks run at lower priority
// and demand the heading to start its line.
func DefaultRules() *RuleSet {
	rs := &RuleSet{rules: []Rule{
		{
			Key: "ITEM_1", Title: "Business", Priority: 10,
			Patterns: []string{
				`(?im)^[ \t]*item[\s\p{Zs}]*1[.:]?[\s\p{Zs}]+business\b`,
			},
		},
		{
			Key: "ITEM_1A", Title: "Risk Factors", Priority: 10,
			Patterns: []string{
				`(?im)^[ \t]*item[\s\p{Zs}]*1a[.:]?[\s\p{Zs}]+risk[\s\p{Zs}]+factors\b`,
			},
		},
		{
			Key: "ITEM_7", Title: "Management's Discussion and Analysis", Priority: 10,
			Patterns: []string{
				`(?im)^[ \t]*item[\s\p{Zs}]*7[.:]?[\s\p{Zs}]+management['\x{2019}]?s?[\s\p{Zs}]+discussion\b`,
			},
		},
		{
			Key: "ITEM_7A", Title: "Quantitative and Qualitative Disclosures About Market Risk", Priority: 10,
			Patterns: []string{
				`(?im)^[ \t]*item[\s\p{Zs}]*7a[.:]?[\s\p{Zs}]+quantitative[\s\p{Zs}]+and[\s\p{Zs}]+qualitative\b`,
			},
		},
		{
			Key: "ITEM_8", Title: "Financial Statements and Supplementary Data", Priority: 10,
			Patterns: []string{
				`(?im)^[ \t]*item[\s\p{Zs}]*8[.:]?[\s\p{Zs}]+financial[\s\p{Zs}]+statements\b`,
			},
		},
		{
			Key: "ITEM_9A", Title: "Controls and Procedures", Priority: 10,
			Patterns: []string{
				`(?im)^[ \t]*item[\s\p{Zs}]*9a[.:]?[\s\p{Zs}]+controls[\s\p{Zs}]+and[\s\p{Zs}]+procedures\b`,
			},
		},
	}}
	if err := rs.compile(); err != nil {
		// Default patterns are fixed strings; a compile failure is a
		// programming error, not input-dependent.
		panic(err)
	}
	return rs
}

// LoadRules reads a rule set from a YAML file. The file replaces the
// defaults wholesale so operators can tune patterns per deployment
// without a rebuild.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "reading section rules %s", path)
	}
	var doc struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrapf(err, "parsing section rules %s", path)
	}
	if len(doc.Rules) == 0 {
		return nil, eris.Errorf("section rules %s define no rules", path)
	}
	rs := &RuleSet{rules: doc.Rules}
	if err := rs.compile(); err != nil {
		return nil, err
	}
	return rs, nil
}

func (rs *RuleSet) compile() error {
	for i := range rs.rules {
		r := &rs.rules[i]
		if r.Key == "" {
			return eris.Errorf("section rule %d has no key", i)
		}
		r.compiled = r.compiled[:0]
		for _, p := range r.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return eris.Wrapf(err, "rule %s pattern %q", r.Key, p)
			}
			r.compiled = append(r.compiled, re)
		}
	}
	return nil
}

// candidate is one heading match before selection.
type candidate struct {
	key      string
	title    string
	priority int
	order    int // rule position, the expected document order
	pos      int // canonical offset of the heading
}

// findCandidates collects every match of every rule over the canonical
// text, sorted by position.
func (rs *RuleSet) findCandidates(text string) []candidate {
	var out []candidate
	for order, r := range rs.rules {
		seen := map[int]bool{}
		for _, re := range r.compiled {
			for _, loc := range re.FindAllStringIndex(text, -1) {
				if seen[loc[0]] {
					continue
				}
				seen[loc[0]] = true
				out = append(out, candidate{
					key:      r.Key,
					title:    r.Title,
					priority: r.Priority,
					order:    order,
					pos:      loc[0],
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].pos != out[j].pos {
			return out[i].pos < out[j].pos
		}
		return out[i].order < out[j].order
	})
	return out
}
