package fetcher

import (
	"regexp"
	"strings"
)

var (
	// Matches "ex21", "kexhibit211", "aapl-ex10_3" and the Donnelley form
	// "d539910dex211" while leaving "index.htm" and "complex.htm" alone:
	// a bare "ex" needs a boundary, the full word "exhibit" does not.
	exhibitRe = regexp.MustCompile(`(?i)(?:exhibit|(?:^|[^a-z0-9]|\dd)ex)[-_.]?(\d+)(?:[-_.](\d+))?`)
	// XBRL viewer renderings (R1.htm, R42.htm) and machine artifacts.
	xbrlRenderRe = regexp.MustCompile(`(?i)^r\d+\.htm`)

	formNameHints = []string{"10-k", "10k", "10-q", "10q", "8-k", "8k", "20-f", "20f", "def14a", "s-1"}
)

// ClassifyExhibit maps a document filename to an exhibit label ("EX-21",
// "EX-10.3"), or "" when the file is not an exhibit worth keeping.
func ClassifyExhibit(filename string) string {
	lower := strings.ToLower(filename)
	if !strings.HasSuffix(lower, ".htm") && !strings.HasSuffix(lower, ".html") && !strings.HasSuffix(lower, ".txt") {
		return ""
	}

	m := exhibitRe.FindStringSubmatch(lower)
	if m == nil {
		return ""
	}
	digits, minor := m[1], m[2]

	// Filers run major and minor together ("ex211" is exhibit 21.1,
	// "ex1024" is 10.24). Only subsidiaries (EX-21) and material contracts
	// (EX-10.*) feed the parser.
	var major string
	switch {
	case strings.HasPrefix(digits, "21"):
		major = "21"
		if minor == "" {
			minor = digits[2:]
		}
	case strings.HasPrefix(digits, "10"):
		major = "10"
		if minor == "" {
			minor = digits[2:]
		}
	default:
		return ""
	}

	minor = strings.TrimLeft(minor, "0")
	if major == "21" {
		return "EX-21"
	}
	if minor != "" {
		return "EX-10." + minor
	}
	return "EX-10"
}

// pickPrimary selects the submission's main document. An explicit hint
// from filing metadata wins; otherwise prefer an HTML file whose name
// carries a form hint, then the largest HTML file.
func pickPrimary(entries []indexEntry, hint string) *indexEntry {
	if hint != "" {
		for i := range entries {
			if strings.EqualFold(entries[i].Name, hint) {
				return &entries[i]
			}
		}
	}

	var best *indexEntry
	bestScore := -1
	for i := range entries {
		lower := strings.ToLower(entries[i].Name)
		if !strings.HasSuffix(lower, ".htm") && !strings.HasSuffix(lower, ".html") {
			continue
		}
		if xbrlRenderRe.MatchString(lower) || strings.Contains(lower, "-index") {
			continue
		}
		if ClassifyExhibit(entries[i].Name) != "" || exhibitRe.MatchString(lower) {
			continue
		}

		score := 0
		for _, h := range formNameHints {
			if strings.Contains(lower, h) {
				score = 10
				break
			}
		}
		if score > bestScore || (score == bestScore && best != nil && entries[i].Size > best.Size) {
			best = &entries[i]
			bestScore = score
		}
	}
	return best
}
