package sections

import (
	"regexp"
	"strconv"
	"strings"
)

// Subsidiary is one row recovered from an Exhibit 21 subsidiary list.
// OwnershipPct is zero when the exhibit does not disclose it.
type Subsidiary struct {
	Name         string  `json:"name"`
	Jurisdiction string  `json:"jurisdiction"`
	OwnershipPct float64 `json:"ownership_pct,omitempty"`
}

var (
	nameHeaderRe = regexp.MustCompile(`(?i)\bname\b|subsidiar|entity`)
	jurHeaderRe  = regexp.MustCompile(`(?i)jurisdiction|state|country|incorporat|organi[sz]`)
	pctHeaderRe  = regexp.MustCompile(`(?i)percent|owned|ownership|voting|%`)

	// Trailing footnote markers: "Apple Operations Europe (1)" or "*".
	footnoteRe = regexp.MustCompile(`\s*(?:\(\d+\)|\*+|\x{2020})\s*$`)

	// Fallback for list-style exhibits: "Subsidiary Name (Delaware)".
	parenLineRe = regexp.MustCompile(`^(.{3,120}?)\s*\(([A-Za-z][A-Za-z .,'\x{2019}-]{1,50})\)$`)

	pctValueRe = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%?`)
)

// ExtractSubsidiaries recovers the subsidiary list from a raw Exhibit 21
// document. Tabular exhibits are read through the grid; exhibits that
// list subsidiaries as plain lines fall back to a name-with-jurisdiction
// line scan. Returns nil when nothing plausible is found.
func ExtractSubsidiaries(raw []byte) []Subsidiary {
	var out []Subsidiary
	for _, grid := range ParseTables(raw) {
		out = append(out, subsidiariesFromGrid(grid)...)
	}
	if len(out) > 0 {
		return dedupeSubsidiaries(out)
	}

	doc := Canonicalize(raw)
	for _, line := range strings.Split(doc.Text, "\n") {
		m := parenLineRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		name := cleanSubsidiaryName(m[1])
		if name == "" || looksLikeHeader(name) {
			continue
		}
		out = append(out, Subsidiary{Name: name, Jurisdiction: strings.TrimSpace(m[2])})
	}
	return dedupeSubsidiaries(out)
}

func subsidiariesFromGrid(grid Grid) []Subsidiary {
	nameCol, jurCol, pctCol, headerRow := locateColumns(grid)
	if nameCol < 0 || jurCol < 0 {
		return nil
	}

	var out []Subsidiary
	for i, row := range grid {
		if i <= headerRow {
			continue
		}
		if nameCol >= len(row) || jurCol >= len(row) {
			continue
		}
		name := cleanSubsidiaryName(row[nameCol])
		jur := strings.TrimSpace(row[jurCol])
		if name == "" || jur == "" || looksLikeHeader(name) || looksLikeHeader(jur) {
			continue
		}
		if len(jur) > 60 || strings.ContainsAny(jur, "0123456789") {
			continue
		}
		sub := Subsidiary{Name: name, Jurisdiction: jur}
		if pctCol >= 0 && pctCol < len(row) {
			sub.OwnershipPct = parsePct(row[pctCol])
		}
		out = append(out, sub)
	}
	return out
}

// locateColumns finds the name, jurisdiction, and optional ownership
// columns. A header row naming them wins; otherwise a two-column or
// three-column table is assumed to lead with name then jurisdiction.
func locateColumns(grid Grid) (nameCol, jurCol, pctCol, headerRow int) {
	for i, row := range grid {
		name, jur, pct := -1, -1, -1
		for c, cell := range row {
			if cell == "" {
				continue
			}
			switch {
			case name < 0 && nameHeaderRe.MatchString(cell):
				name = c
			case jur < 0 && jurHeaderRe.MatchString(cell):
				jur = c
			case pct < 0 && pctHeaderRe.MatchString(cell):
				pct = c
			}
		}
		if name >= 0 && jur >= 0 {
			return name, jur, pct, i
		}
		if i >= 4 {
			break
		}
	}

	cols := 0
	if len(grid) > 0 {
		cols = len(grid[0])
	}
	if cols >= 2 && cols <= 4 {
		return 0, 1, -1, -1
	}
	return -1, -1, -1, -1
}

func cleanSubsidiaryName(s string) string {
	s = footnoteRe.ReplaceAllString(strings.TrimSpace(s), "")
	s = strings.Trim(s, "·–—- \t")
	return strings.TrimSpace(s)
}

func looksLikeHeader(s string) bool {
	lower := strings.ToLower(s)
	switch {
	case strings.Contains(lower, "subsidiaries of"),
		strings.Contains(lower, "exhibit 21"),
		strings.Contains(lower, "name of"),
		strings.Contains(lower, "jurisdiction"),
		lower == "none", lower == "n/a":
		return true
	}
	return false
}

func parsePct(s string) float64 {
	m := pctValueRe.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil || v <= 0 || v > 100 {
		return 0
	}
	return v
}

func dedupeSubsidiaries(subs []Subsidiary) []Subsidiary {
	if len(subs) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(subs))
	out := subs[:0]
	for _, s := range subs {
		key := strings.ToLower(s.Name) + "\x1f" + strings.ToLower(s.Jurisdiction)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}
