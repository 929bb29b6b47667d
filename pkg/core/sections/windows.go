package sections

import (
	"strings"
	"unicode/utf8"
)

// DefaultWindowChars is the section size above which downstream work is
// emitted in paragraph windows rather than one oversized payload.
const DefaultWindowChars = 16000

// Window is one slice of a section. Offsets are absolute into the
// canonical document, so a window span resolves the same way a section
// span does.
type Window struct {
	Index     int    `json:"index"`
	CharStart int    `json:"char_start"`
	CharEnd   int    `json:"char_end"`
	Text      string `json:"text"`
}

// SplitWindows cuts a section into windows of at most maxChars, breaking
// on paragraph boundaries. A section at or under the limit comes back as
// a single window covering the whole section. A lone paragraph longer
// than the limit is cut at the limit, backed off to a rune boundary.
func SplitWindows(sec Section, maxChars int) []Window {
	if maxChars <= 0 {
		maxChars = DefaultWindowChars
	}
	if len(sec.Text) <= maxChars {
		return []Window{{
			Index:     0,
			CharStart: sec.CharStart,
			CharEnd:   sec.CharEnd,
			Text:      sec.Text,
		}}
	}

	var out []Window
	rest := sec.Text
	offset := sec.CharStart
	for len(rest) > 0 {
		cut := len(rest)
		if cut > maxChars {
			cut = lastParagraphBreak(rest, maxChars)
		}
		chunk := rest[:cut]
		out = append(out, Window{
			Index:     len(out),
			CharStart: offset,
			CharEnd:   offset + len(chunk),
			Text:      chunk,
		})
		offset += cut
		rest = rest[cut:]

		// Skip the newline between windows so chunks do not start
		// with the break they were cut on.
		for len(rest) > 0 && rest[0] == '\n' {
			offset++
			rest = rest[1:]
		}
	}
	return out
}

// lastParagraphBreak finds the cut point at or before limit: the last
// newline if one exists past the halfway mark, otherwise a hard cut at
// the limit aligned to a rune start.
func lastParagraphBreak(s string, limit int) int {
	if i := strings.LastIndexByte(s[:limit], '\n'); i > limit/2 {
		return i
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return cut
}
