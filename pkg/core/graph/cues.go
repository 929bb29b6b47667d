package graph

import (
	"os"
	"regexp"

	"github.com/rotisserie/eris"
	yaml "gopkg.in/yaml.v2"
)

// =============================================================================
// NARRATIVE CUES - typing resolved mentions by surrounding sentence
// =============================================================================

// Cue maps sentence phrasing onto one relationship type. Cues are tried
// in slice order; the first whose pattern hits and whose avoids all miss
// wins, so earlier cues take precedence when a sentence carries more
// than one signal ("we compete with X, a former supplier").
type Cue struct {
	Type       RelationshipType `yaml:"type"`
	Confidence float64          `yaml:"confidence"`
	Patterns   []string         `yaml:"patterns"`
	Avoids     []string         `yaml:"avoids"`

	compiled []*regexp.Regexp
	avoidRe  []*regexp.Regexp
}

// CueSet is the ordered cue collection for narrative sections.
type CueSet struct {
	cues []Cue
}

// DefaultCues covers the relationship language common in Item 1 and
// Item 7 prose. Competitor phrasing outranks supplier, supplier
// outranks customer, customer outranks partner.
func DefaultCues() *CueSet {
	cs := &CueSet{cues: []Cue{
		{
			Type: RelCompetitorOf, Confidence: 0.72,
			Patterns: []string{
				`(?i)\bcompetes?\s+(directly\s+)?(with|against)\b`,
				`(?i)\bcompeting\s+(with|against)\b`,
				`(?i)\b(principal|primary|main|key)\s+competitors?\b`,
				`(?i)\bcompetitors?\s+include\b`,
				`(?i)\bcompetition\s+from\b`,
			},
			Avoids: []string{
				`(?i)\bnon-?competition\s+agreement\b`,
			},
		},
		{
			Type: RelSupplierTo, Confidence: 0.70,
			Patterns: []string{
				`(?i)\bsuppliers?\s+(include|of\s+our)\b`,
				`(?i)\b(sole|single|primary|principal|key)\s+(source|supplier)\b`,
				`(?i)\bpurchased?\s+.{0,60}\bfrom\b`,
				`(?i)\bsourced?\s+(primarily\s+)?from\b`,
				`(?i)\bsupplie[sd]\s+(to\s+)?us\b`,
				`(?i)\brel(y|ies)\s+on\s+.{0,60}\bto\s+(supply|manufacture|produce)\b`,
			},
			Avoids: []string{
				`(?i)\bpower\s+supply\b`,
			},
		},
		{
			Type: RelCustomerOf, Confidence: 0.70,
			Patterns: []string{
				`(?i)\bcustomers?\s+include\b`,
				`(?i)\b(largest|principal|major|significant)\s+customers?\b`,
				`(?i)\bsales\s+to\s+.{0,60}\b(accounted|represented)\b`,
				`(?i)\baccounted\s+for\s+(approximately\s+)?\d+(\.\d+)?%\s+of\s+(our\s+)?(net\s+)?(revenue|sales)\b`,
				`(?i)\bour\s+customers?\b`,
			},
			Avoids: []string{
				`(?i)\bcustomer\s+(service|support|care)\b`,
			},
		},
		{
			Type: RelPartnerOf, Confidence: 0.68,
			Patterns: []string{
				`(?i)\bjoint\s+venture\s+with\b`,
				`(?i)\bpartner(ship|ed)?\s+with\b`,
				`(?i)\bstrategic\s+(alliance|partnership)\b`,
				`(?i)\bcollaborat(e|es|ion|ed)\s+with\b`,
				`(?i)\bco-?develop(ment|ed)?\s+(agreement\s+)?with\b`,
			},
			Avoids: []string{
				`(?i)\blimited\s+partnership\b`,
			},
		},
	}}
	if err := cs.compile(); err != nil {
		// Default patterns are fixed strings; a compile failure is a
		// programming error, not input-dependent.
		panic(err)
	}
	return cs
}

// LoadCues reads a cue set from a YAML file, replacing the defaults
// wholesale so operators can tune relationship typing per deployment
// without a rebuild.
func LoadCues(path string) (*CueSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "reading relationship cues %s", path)
	}
	var doc struct {
		Cues []Cue `yaml:"cues"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrapf(err, "parsing relationship cues %s", path)
	}
	if len(doc.Cues) == 0 {
		return nil, eris.Errorf("relationship cues %s define no cues", path)
	}
	cs := &CueSet{cues: doc.Cues}
	if err := cs.compile(); err != nil {
		return nil, err
	}
	return cs, nil
}

func (cs *CueSet) compile() error {
	for i := range cs.cues {
		c := &cs.cues[i]
		if c.Type == "" {
			return eris.Errorf("cue %d has no type", i)
		}
		if c.Confidence <= 0 || c.Confidence > 1 {
			return eris.Errorf("cue %s confidence %v outside (0, 1]", c.Type, c.Confidence)
		}
		for _, p := range c.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return eris.Wrapf(err, "compiling cue pattern %q", p)
			}
			c.compiled = append(c.compiled, re)
		}
		for _, p := range c.Avoids {
			re, err := regexp.Compile(p)
			if err != nil {
				return eris.Wrapf(err, "compiling cue avoid %q", p)
			}
			c.avoidRe = append(c.avoidRe, re)
		}
	}
	return nil
}

// Classify types a mention by its sentence. The second return is false
// when no cue fires; callers fall back to MENTIONED_IN.
func (cs *CueSet) Classify(sentence string) (RelationshipType, float64, bool) {
	for i := range cs.cues {
		c := &cs.cues[i]
		if !matchAny(c.compiled, sentence) {
			continue
		}
		if matchAny(c.avoidRe, sentence) {
			continue
		}
		return c.Type, c.Confidence, true
	}
	return "", 0, false
}

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
