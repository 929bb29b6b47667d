package mentions

import (
	"context"
	"regexp"
	"strings"
)

// ============================================================
// Pattern extractor
// ============================================================

// patternSpecs are applied in order. Group selects the capture that
// becomes the mention text; group 0 uses the whole match.
var patternSpecs = []struct {
	name       string
	re         *regexp.Regexp
	group      int
	hint       TypeHint
	method     Method
	confidence float64
}{
	{
		name: "company_suffix",
		// Lazy middle run stops each match at the first suffix, so two
		// names joined by "and" never collapse into one span.
		re: regexp.MustCompile(`([A-Z0-9][\w&'.-]*,?(?:\s+(?:[A-Z0-9][\w&'.-]*|of|for|and|de|la|van|der|&),?){0,6}?\s+` +
			`(?:Incorporated\b|Inc\.|Inc\b|Corporation\b|Corp\.|Corp\b|Company\b|Co\.|LLC\b|L\.L\.C\.|LLP\b|L\.P\.|` +
			`Ltd\.|Ltd\b|Limited\b|PLC\b|plc\b|N\.V\.|S\.A\.|S\.p\.A\.|A\.G\.|AG\b|GmbH\b|Holdings\b|Group\b))`),
		group:      1,
		hint:       HintCompany,
		method:     MethodPattern,
		confidence: 0.70,
	},
	{
		name:       "honorific_name",
		re:         regexp.MustCompile(`(?:Mr|Ms|Mrs|Dr)\.\s+([A-Z][a-z]+(?:\s+[A-Z]\.)?(?:\s+[A-Z][A-Za-z'-]+){1,2})`),
		group:      1,
		hint:       HintPerson,
		method:     MethodPattern,
		confidence: 0.65,
	},
	{
		name: "name_then_title",
		re: regexp.MustCompile(`([A-Z][a-z]+(?:\s+[A-Z]\.)?(?:\s+[A-Z][A-Za-z'-]+){1,2}),\s+(?:our|the|its)\s+` +
			`(?:Chief\s+\w+\s+Officer|President|Chairman|Chair|General\s+Counsel|Treasurer|Secretary|Controller|` +
			`(?:Executive\s+|Senior\s+)?Vice\s+President)`),
		group:      1,
		hint:       HintPerson,
		method:     MethodPattern,
		confidence: 0.60,
	},
	{
		name: "title_then_name",
		re: regexp.MustCompile(`(?:Chief\s+\w+\s+Officer|President|Chairman|General\s+Counsel|` +
			`(?:Executive\s+|Senior\s+)?Vice\s+President),\s+([A-Z][a-z]+(?:\s+[A-Z]\.)?(?:\s+[A-Z][A-Za-z'-]+){1,2})`),
		group:      1,
		hint:       HintPerson,
		method:     MethodPattern,
		confidence: 0.60,
	},
	{
		name: "agency_name",
		re: regexp.MustCompile(`\b(Securities and Exchange Commission|Internal Revenue Service|Federal Reserve(?:\s+Board)?|` +
			`Department of (?:Justice|Commerce|Defense|Energy|Labor|State|the Treasury)|Food and Drug Administration|` +
			`Environmental Protection Agency|Federal Trade Commission|Federal Communications Commission|` +
			`European (?:Commission|Union)|World Trade Organization|United Nations)\b`),
		group:      1,
		hint:       HintGovernment,
		method:     MethodHeuristic,
		confidence: 0.55,
	},
}

// genericLeadTokens are words that, alone, cannot start a real company
// name. "The Company" and "our Corporation" are filer self-references.
var genericLeadTokens = map[string]bool{
	"the": true, "our": true, "its": true, "this": true, "that": true,
	"a": true, "an": true, "any": true, "such": true, "each": true,
	"no": true, "one": true,
}

// PatternExtractor finds entities by corporate-suffix and executive-title
// shapes. No external state; safe for concurrent use.
type PatternExtractor struct{}

func (e *PatternExtractor) Name() string { return "pattern" }

func (e *PatternExtractor) Extract(ctx context.Context, in Input) ([]CandidateMention, error) {
	var out []CandidateMention
	seen := make(map[[2]int]bool)

	for _, spec := range patternSpecs {
		for _, loc := range spec.re.FindAllStringSubmatchIndex(in.Text, -1) {
			start, end := loc[2*spec.group], loc[2*spec.group+1]
			if start < 0 || end <= start {
				continue
			}
			text := in.Text[start:end]
			if spec.hint == HintCompany && isGenericCompanyPhrase(text) {
				continue
			}
			span := [2]int{start, end}
			if seen[span] {
				continue
			}
			seen[span] = true
			out = append(out, CandidateMention{
				Text:       text,
				CharStart:  in.Offset + start,
				CharEnd:    in.Offset + end,
				TypeHint:   spec.hint,
				Method:     spec.method,
				Confidence: spec.confidence,
			})
		}
	}
	return out, nil
}

// isGenericCompanyPhrase reports whether every token before the suffix is
// a determiner, which marks self-references like "the Company".
func isGenericCompanyPhrase(text string) bool {
	fields := strings.Fields(text)
	if len(fields) < 2 {
		return false
	}
	for _, f := range fields[:len(fields)-1] {
		if !genericLeadTokens[strings.ToLower(strings.Trim(f, ",."))] {
			return false
		}
	}
	return true
}
