// Package sections reduces filing documents to canonical text and slices
// that text into the item and exhibit sections downstream stages consume.
//
// Canonical text is what every later offset refers to: mention spans,
// section boundaries, and paragraph windows all index into it. The
// canonicalizer therefore keeps a shadow table mapping canonical offsets
// back to byte offsets in the raw HTML, so a span can be traced to the
// exact source bytes on demand.
package sections

import (
	"bytes"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// Canonical is the text form of one document plus the offset shadow table.
// Text is UTF-8 with runs of whitespace collapsed to single spaces and
// block boundaries rendered as single newlines.
type Canonical struct {
	Text string

	// runs records maximal regions where canonical bytes map one-to-one
	// onto consecutive raw bytes. Decoded entities and inserted
	// separators start their own run, so lookups inside them land on
	// the first raw byte of the construct.
	runs []offsetRun
}

type offsetRun struct {
	canonStart int
	rawStart   int
}

// RawOffset maps a canonical byte offset back into the raw document.
// Offsets past the end map to the end of the last run's region.
func (c *Canonical) RawOffset(pos int) int {
	if len(c.runs) == 0 {
		return 0
	}
	i := sort.Search(len(c.runs), func(i int) bool {
		return c.runs[i].canonStart > pos
	}) - 1
	if i < 0 {
		i = 0
	}
	r := c.runs[i]
	return r.rawStart + (pos - r.canonStart)
}

// RawRange maps a half-open canonical range to raw byte offsets. The end
// bound is resolved through the last included byte so the raw range does
// not swallow markup that sits between this text and the next.
func (c *Canonical) RawRange(start, end int) (int, int) {
	if end <= start {
		s := c.RawOffset(start)
		return s, s
	}
	return c.RawOffset(start), c.RawOffset(end-1) + 1
}

func (c *Canonical) Len() int { return len(c.Text) }

// skipTags are elements whose entire subtree carries no narrative text.
// ix:header is the inline-XBRL hidden header block.
var skipTags = map[string]bool{
	"script":    true,
	"style":     true,
	"head":      true,
	"title":     true,
	"noscript":  true,
	"template":  true,
	"svg":       true,
	"ix:header": true,
}

// blockTags force a line break in canonical text so headings and
// paragraphs stay on their own lines.
var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "hr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"li": true, "ul": true, "ol": true, "dl": true, "dt": true, "dd": true,
	"table": true, "tr": true, "thead": true, "tbody": true, "tfoot": true,
	"blockquote": true, "pre": true, "section": true, "article": true,
}

// cellTags separate adjacent table cells with a space instead of a break.
var cellTags = map[string]bool{"td": true, "th": true}

// Canonicalize reduces raw HTML to canonical text with the offset table.
// It never fails; a document with no extractable text yields an empty
// Canonical, which callers treat as poison.
func Canonicalize(raw []byte) *Canonical {
	b := &builder{nextRaw: -1}
	z := html.NewTokenizer(bytes.NewReader(raw))

	rawOffset := 0
	var skipStack []string

	for {
		tt := z.Next()
		tok := z.Raw()
		tokStart := rawOffset
		rawOffset += len(tok)

		switch tt {
		case html.ErrorToken:
			return b.finish()

		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			tag := strings.ToLower(string(name))

			if len(skipStack) > 0 {
				if tt == html.StartTagToken && !voidTags[tag] {
					skipStack = append(skipStack, tag)
				}
				continue
			}
			if tt == html.StartTagToken && (skipTags[tag] || hasHiddenStyle(z, hasAttr)) {
				skipStack = append(skipStack, tag)
				continue
			}
			switch {
			case blockTags[tag]:
				b.pendingBreak('\n', tokStart)
			case cellTags[tag]:
				b.pendingBreak(' ', tokStart)
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			tag := strings.ToLower(string(name))

			if len(skipStack) > 0 {
				if tag == skipStack[len(skipStack)-1] {
					skipStack = skipStack[:len(skipStack)-1]
				}
				continue
			}
			if blockTags[tag] {
				b.pendingBreak('\n', tokStart)
			}

		case html.TextToken:
			if len(skipStack) > 0 {
				continue
			}
			b.writeText(tok, tokStart)
		}
	}
}

// builder accumulates canonical text while tracking offset runs and
// pending separators. Whitespace is collapsed lazily: a separator is
// only emitted when visible text follows it.
type builder struct {
	text    []byte
	runs    []offsetRun
	nextRaw int // raw offset that extends the current run one-to-one

	sep    byte // 0, ' ', or '\n'
	sepRaw int
}

// pendingBreak schedules a separator. Newline outranks space and repeats
// collapse, so runs of empty blocks cost one line break.
func (b *builder) pendingBreak(c byte, rawPos int) {
	if len(b.text) == 0 {
		return
	}
	if b.sep == 0 {
		b.sep, b.sepRaw = c, rawPos
	} else if c == '\n' && b.sep == ' ' {
		b.sep, b.sepRaw = '\n', rawPos
	}
}

// writeText scans one text token, decoding entities and folding
// whitespace. rawStart is the token's offset in the raw document.
func (b *builder) writeText(tok []byte, rawStart int) {
	i := 0
	for i < len(tok) {
		c := tok[i]

		if c == '&' {
			ent, decoded := decodeEntity(tok[i:])
			if ent > 0 {
				if isAllSpace(decoded) {
					b.pendingBreak(' ', rawStart+i)
				} else {
					b.add(decoded, rawStart+i, ent)
				}
				i += ent
				continue
			}
		}

		if c < utf8.RuneSelf {
			if asciiSpace(c) {
				b.pendingBreak(' ', rawStart+i)
			} else {
				b.add(string(c), rawStart+i, 1)
			}
			i++
			continue
		}

		r, size := utf8.DecodeRune(tok[i:])
		if unicode.IsSpace(r) {
			b.pendingBreak(' ', rawStart+i)
		} else {
			b.add(string(tok[i:i+size]), rawStart+i, size)
		}
		i += size
	}
}

// add appends s to the canonical buffer, flushing any pending separator
// first. consumed is how many raw bytes s replaces; when it differs from
// len(s) the one-to-one run is broken and the next add starts fresh.
func (b *builder) add(s string, rawPos, consumed int) {
	if b.sep != 0 {
		sep, sepRaw := b.sep, b.sepRaw
		b.sep = 0
		b.add(string(sep), sepRaw, 1)
	}
	if b.nextRaw != rawPos {
		b.runs = append(b.runs, offsetRun{canonStart: len(b.text), rawStart: rawPos})
	}
	b.text = append(b.text, s...)
	if consumed == len(s) {
		b.nextRaw = rawPos + consumed
	} else {
		b.nextRaw = -1
	}
}

func (b *builder) finish() *Canonical {
	return &Canonical{Text: string(b.text), runs: b.runs}
}

// decodeEntity inspects a leading &...; sequence. It returns the raw
// length consumed and the decoded replacement, or (0, "") when the
// ampersand is literal. Only semicolon-terminated entities are decoded
// so offsets stay deterministic.
func decodeEntity(s []byte) (int, string) {
	end := bytes.IndexByte(s[:min(len(s), 32)], ';')
	if end <= 1 {
		return 0, ""
	}
	candidate := string(s[:end+1])
	decoded := html.UnescapeString(candidate)
	if decoded == candidate {
		return 0, ""
	}
	return end + 1, decoded
}

func asciiSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}

func isAllSpace(s string) bool {
	for _, r := range s {
		if !unicode.IsSpace(r) {
			return false
		}
	}
	return s != ""
}

var voidTags = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true,
	"hr": true, "img": true, "input": true, "link": true, "meta": true,
	"param": true, "source": true, "track": true, "wbr": true,
}

// hasHiddenStyle reports whether the current start tag hides its subtree
// with an inline display:none. Inline XBRL wraps its fact dump this way.
func hasHiddenStyle(z *html.Tokenizer, hasAttr bool) bool {
	for hasAttr {
		key, val, more := z.TagAttr()
		if string(key) == "style" {
			style := strings.ReplaceAll(strings.ToLower(string(val)), " ", "")
			return strings.Contains(style, "display:none")
		}
		hasAttr = more
	}
	return false
}
