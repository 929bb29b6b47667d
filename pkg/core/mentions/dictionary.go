package mentions

import (
	"context"
	"strings"
	"unicode"
)

// ============================================================
// Dictionary extractor
// ============================================================

// DictionaryConfidence applies to every dictionary hit. Exact matches
// against known names outrank every automated guess.
const DictionaryConfidence = 0.95

// Entry is one known name or alias, usually sourced from the entity
// spine's hot name cache.
type Entry struct {
	Name     string
	TypeHint TypeHint
}

type dictEntry struct {
	tokens []string // lowercased
	hint   TypeHint
}

// DictionaryExtractor matches section text against known names, case
// insensitively and on token boundaries. The mention text is always the
// document's own bytes, never the dictionary spelling.
type DictionaryExtractor struct {
	entries []dictEntry
	index   map[string][]int // first token → entry indexes
}

func NewDictionaryExtractor(entries []Entry) *DictionaryExtractor {
	e := &DictionaryExtractor{index: make(map[string][]int)}
	for _, in := range entries {
		tokens := nameTokens(strings.ToLower(in.Name))
		if len(tokens) == 0 {
			continue
		}
		hint := in.TypeHint
		if hint == "" {
			hint = HintCompany
		}
		e.entries = append(e.entries, dictEntry{tokens: tokens, hint: hint})
		e.index[tokens[0]] = append(e.index[tokens[0]], len(e.entries)-1)
	}
	return e
}

func (e *DictionaryExtractor) Name() string { return "dictionary" }

func (e *DictionaryExtractor) Extract(ctx context.Context, in Input) ([]CandidateMention, error) {
	toks := tokenizeSpans(in.Text)
	var out []CandidateMention
	seen := make(map[[2]int]bool)

	for i, tok := range toks {
		candidates, ok := e.index[tok.lower]
		if !ok {
			// The document token may carry sentence punctuation the
			// dictionary spelling lacks.
			trimmed := strings.TrimRight(tok.lower, ".,")
			if trimmed == tok.lower {
				continue
			}
			if candidates, ok = e.index[trimmed]; !ok {
				continue
			}
		}
		for _, idx := range candidates {
			entry := e.entries[idx]
			end, ok := matchEntry(toks, i, entry.tokens)
			if !ok {
				continue
			}
			span := [2]int{toks[i].start, end}
			if seen[span] {
				continue
			}
			seen[span] = true
			out = append(out, CandidateMention{
				Text:       in.Text[span[0]:span[1]],
				CharStart:  in.Offset + span[0],
				CharEnd:    in.Offset + end,
				TypeHint:   entry.hint,
				Method:     MethodDictionary,
				Confidence: DictionaryConfidence,
			})
		}
	}
	return out, nil
}

// matchEntry checks whether entry tokens align with document tokens
// starting at position i, and returns the byte end of the matched span.
func matchEntry(toks []tokenSpan, i int, entry []string) (int, bool) {
	if i+len(entry) > len(toks) {
		return 0, false
	}
	end := 0
	for j, want := range entry {
		tok := toks[i+j]
		adjust, ok := matchToken(tok.lower, want)
		if !ok {
			return 0, false
		}
		end = tok.end - adjust
	}
	return end, true
}

// matchToken compares one document token against one dictionary token,
// tolerating trailing sentence punctuation on the document side. The
// returned adjustment shortens the span so punctuation the dictionary
// spelling lacks stays outside the mention.
func matchToken(doc, want string) (int, bool) {
	if doc == want {
		return 0, true
	}
	trimmed := strings.TrimRight(doc, ".,")
	if trimmed != doc && trimmed == want {
		return len(doc) - len(trimmed), true
	}
	return 0, false
}

type tokenSpan struct {
	start, end int
	lower      string
}

func isNameChar(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '&' || r == '\'' || r == '.' || r == '-'
}

// tokenizeSpans returns maximal runs of name characters with their byte
// offsets. Runs are maximal, so a match can never start mid-word.
func tokenizeSpans(s string) []tokenSpan {
	var out []tokenSpan
	start := -1
	for i, r := range s {
		if isNameChar(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			out = append(out, tokenSpan{start: start, end: i, lower: strings.ToLower(s[start:i])})
			start = -1
		}
	}
	if start >= 0 {
		out = append(out, tokenSpan{start: start, end: len(s), lower: strings.ToLower(s[start:])})
	}
	return out
}

// nameTokens tokenizes a dictionary name the same way document text is
// tokenized, so comparisons stay symmetric.
func nameTokens(s string) []string {
	spans := tokenizeSpans(s)
	out := make([]string, len(spans))
	for i, sp := range spans {
		out[i] = sp.lower
	}
	return out
}
