package spine

import (
	"strings"
	"unicode"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/edgar"
)

// ============================================================================
// Name canonicalization
// ============================================================================

// legalSuffixes are trailing tokens dropped during normalization. Only the
// tail is trimmed, so "Bank of America" keeps its "of" and a lone suffix
// token survives as the whole name.
var legalSuffixes = map[string]bool{
	"inc": true, "incorporated": true,
	"corp": true, "corporation": true,
	"co": true, "company": true, "cos": true, "companies": true,
	"llc": true, "llp": true, "lp": true,
	"ltd": true, "limited": true,
	"plc": true, "nv": true, "sa": true, "spa": true,
	"ag": true, "gmbh": true, "ab": true, "asa": true, "oyj": true,
	"holding": true, "holdings": true, "group": true, "grp": true,
}

// NormalizeName canonicalizes an organization name for matching:
// lowercase, punctuation folded to spaces, ampersands spelled out,
// a leading article and trailing legal suffixes dropped, whitespace
// collapsed. Both stored names and probes go through this, so the two
// sides always meet in the same form.
func NormalizeName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '&':
			b.WriteString(" and ")
		default:
			b.WriteByte(' ')
		}
	}

	tokens := strings.Fields(b.String())
	if len(tokens) > 1 && tokens[0] == "the" {
		tokens = tokens[1:]
	}
	for len(tokens) > 1 && legalSuffixes[tokens[len(tokens)-1]] {
		tokens = tokens[:len(tokens)-1]
	}
	return strings.Join(tokens, " ")
}

// ============================================================================
// Identifier shapes
// ============================================================================

type identifierGuess struct {
	scheme Scheme
	value  string
}

// identifierGuesses inspects a span for identifier shapes: a digit run is
// a CIK, twenty alphanumerics an LEI, and so on. Identifiers are single
// tokens; anything containing whitespace is a name, not an identifier.
// A guess only means "worth a claim lookup", never that the value exists.
func identifierGuesses(text string) []identifierGuess {
	t := strings.TrimSpace(text)
	if t == "" || strings.ContainsAny(t, " \t\n") {
		return nil
	}

	var out []identifierGuess
	upper := strings.ToUpper(t)
	if isDigits(t) {
		// Nine digits fit both schemes; try the narrower CUSIP first and
		// let the claim lookup disambiguate.
		if len(t) == 9 {
			out = append(out, identifierGuess{SchemeCUSIP, t})
		}
		if len(t) <= 10 {
			out = append(out, identifierGuess{SchemeCIK, edgar.PadCIK(t)})
		}
		return out
	}
	switch {
	case len(upper) == 20 && isUpperAlnum(upper) && hasDigit(upper):
		out = append(out, identifierGuess{SchemeLEI, upper})
	case len(upper) == 12 && isISINShaped(upper):
		out = append(out, identifierGuess{SchemeISIN, upper})
	case len(upper) == 9 && isUpperAlnum(upper) && hasDigit(upper):
		out = append(out, identifierGuess{SchemeCUSIP, upper})
	}
	if isTickerShaped(t) {
		out = append(out, identifierGuess{SchemeTicker, upper})
	}
	return out
}

// isTickerShaped accepts one to five capitals with an optional class
// suffix ("BRK.B", "RDS-A"). The span itself must already be uppercase;
// "Apple" is a name even though "APPLE" would fit the shape.
func isTickerShaped(t string) bool {
	if t != strings.ToUpper(t) {
		return false
	}
	body := t
	if i := strings.IndexAny(t, ".-"); i > 0 {
		if i != len(t)-2 || !isUpperAlpha(t[len(t)-1:]) {
			return false
		}
		body = t[:i]
	}
	return len(body) >= 1 && len(body) <= 5 && isUpperAlpha(body)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isUpperAlpha(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

func isUpperAlnum(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

func hasDigit(s string) bool {
	for _, r := range s {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}

// isISINShaped checks the ISIN layout: a two-letter country prefix, nine
// alphanumerics, and a numeric check digit.
func isISINShaped(s string) bool {
	if len(s) != 12 {
		return false
	}
	if !isUpperAlpha(s[:2]) || !isUpperAlnum(s[2:11]) {
		return false
	}
	return s[11] >= '0' && s[11] <= '9'
}
