package mentions

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ============================================================
// Sentence and paragraph location
// ============================================================

type span struct {
	start, end int // absolute offsets into the canonical document
}

// Contextualizer indexes one section's paragraphs and sentences so each
// mention can be pinned to its originating sentence. Paragraphs are the
// canonicalizer's line breaks; sentence indexes restart per paragraph.
type Contextualizer struct {
	text   string
	offset int
	paras  []span
	sents  [][]span
}

func NewContextualizer(in Input) *Contextualizer {
	c := &Contextualizer{text: in.Text, offset: in.Offset}
	for _, p := range splitLines(in.Text) {
		abs := span{start: in.Offset + p.start, end: in.Offset + p.end}
		c.paras = append(c.paras, abs)

		var sents []span
		for _, s := range splitSentences(in.Text[p.start:p.end]) {
			sents = append(sents, span{
				start: abs.start + s.start,
				end:   abs.start + s.end,
			})
		}
		c.sents = append(c.sents, sents)
	}
	return c
}

// Locate returns the paragraph index, sentence index within that
// paragraph, and sentence text covering the given span. A span outside
// any sentence (which only happens for degenerate input) reports the
// nearest paragraph with sentence -1.
func (c *Contextualizer) Locate(charStart, charEnd int) (int, int, string) {
	if len(c.paras) == 0 {
		return 0, -1, ""
	}
	p := sort.Search(len(c.paras), func(i int) bool { return c.paras[i].end > charStart })
	if p == len(c.paras) {
		p = len(c.paras) - 1
	}
	for i, s := range c.sents[p] {
		if charStart >= s.start && charStart < s.end {
			return p, i, c.sentenceText(s)
		}
	}
	return p, -1, ""
}

// Surrounding returns roughly 200 characters of context on each side of
// the span, clamped to the section and aligned to rune boundaries.
func (c *Contextualizer) Surrounding(charStart, charEnd int) string {
	const pad = 200
	lo := charStart - c.offset - pad
	if lo < 0 {
		lo = 0
	}
	hi := charEnd - c.offset + pad
	if hi > len(c.text) {
		hi = len(c.text)
	}
	for lo > 0 && lo < len(c.text) && !utf8.RuneStart(c.text[lo]) {
		lo++
	}
	for hi > 0 && hi < len(c.text) && !utf8.RuneStart(c.text[hi]) {
		hi--
	}
	return c.text[lo:hi]
}

func (c *Contextualizer) sentenceText(s span) string {
	return c.text[s.start-c.offset : s.end-c.offset]
}

// splitLines returns the non-empty lines of canonical text as spans. The
// canonicalizer collapses runs of breaks, so lines are paragraphs.
func splitLines(s string) []span {
	var out []span
	start := 0
	for i := 0; i <= len(s); i++ {
		if i < len(s) && s[i] != '\n' {
			continue
		}
		if i > start {
			out = append(out, span{start: start, end: i})
		}
		start = i + 1
	}
	return out
}

// abbrevBeforePeriod lists words whose trailing period does not end a
// sentence.
var abbrevBeforePeriod = map[string]bool{
	"inc": true, "corp": true, "co": true, "ltd": true, "no": true,
	"mr": true, "ms": true, "mrs": true, "dr": true, "jr": true,
	"sr": true, "st": true, "vs": true, "etc": true, "approx": true,
	"u.s": true, "e.g": true, "i.e": true,
}

// splitSentences cuts one paragraph into sentence spans. A sentence ends
// at . ! or ? followed by whitespace and an upper-case or numeric start,
// unless the period belongs to a known abbreviation.
func splitSentences(p string) []span {
	var out []span
	start := 0
	flush := func(end int) {
		for start < end && p[start] == ' ' {
			start++
		}
		if end > start {
			out = append(out, span{start: start, end: end})
		}
		start = end
	}

	for i := 0; i < len(p); i++ {
		ch := p[i]
		if ch != '.' && ch != '!' && ch != '?' {
			continue
		}
		if ch == '.' {
			// Words of one or two characters before a period are
			// initials or item enumerators ("D.", "1A."), not sentence
			// ends.
			w := wordBefore(p, i)
			if abbrevBeforePeriod[w] || len(w) <= 2 {
				continue
			}
		}
		j := i + 1
		for j < len(p) && (p[j] == ' ' || p[j] == '\t') {
			j++
		}
		if j == i+1 && j < len(p) {
			// No whitespace after the mark: a decimal point or
			// mid-token period.
			continue
		}
		if j < len(p) {
			r, _ := utf8.DecodeRuneInString(p[j:])
			if !unicode.IsUpper(r) && !unicode.IsDigit(r) && r != '"' && r != '“' {
				continue
			}
		}
		flush(i + 1)
		start = j
	}
	flush(len(p))
	return out
}

// wordBefore returns the lower-cased word ending just before position i,
// keeping interior periods so "U.S." is recognizable.
func wordBefore(p string, i int) string {
	k := i
	for k > 0 {
		ch := p[k-1]
		if (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') || ch == '.' {
			k--
			continue
		}
		break
	}
	return strings.Trim(strings.ToLower(p[k:i]), ".")
}
