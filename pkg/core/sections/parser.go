package sections

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/fetcher"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/metrics"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/validate"
)

// Version tags every Section row this parser emits. Bump it when rules
// or canonicalization change; reparses write new rows under the new
// version and readers filter to the current one.
const Version = "v1"

// ErrPoison marks a primary document that yields no canonical text at
// all. The filing stays at the capture layer; the caller records the
// defect and moves on rather than retrying.
var ErrPoison = eris.New("sections: document yields no text")

// Section is one located span of a filing document.
type Section struct {
	SectionID        int64     `json:"section_id,omitempty"`
	Accession        string    `json:"accession"`
	SectionKey       string    `json:"section_key"`
	Title            string    `json:"title"`
	CharStart        int       `json:"char_start"`
	CharEnd          int       `json:"char_end"`
	Text             string    `json:"text"`
	WordCount        int       `json:"word_count"`
	DocumentFilename string    `json:"document_filename"`
	ParserVersion    string    `json:"parser_version"`
	Current          bool      `json:"current"`
	CreatedAt        time.Time `json:"created_at,omitempty"`
}

// Parser slices filing bundles into Section rows.
type Parser struct {
	rules    *RuleSet
	recorder *validate.Recorder
	metrics  *metrics.Collector
	log      *zap.Logger

	// minRunway rejects heading matches followed too closely by the
	// next heading. Table-of-contents lines fail this test, real
	// section starts pass it.
	minRunway int
}

type ParserOptions struct {
	Rules    *RuleSet // nil means DefaultRules
	Recorder *validate.Recorder
	Metrics  *metrics.Collector
	Logger   *zap.Logger

	// MinRunway overrides the table-of-contents rejection distance in
	// canonical characters. Zero keeps the default of 250.
	MinRunway int
}

func NewParser(opts ParserOptions) *Parser {
	rules := opts.Rules
	if rules == nil {
		rules = DefaultRules()
	}
	rec := opts.Recorder
	if rec == nil {
		rec = validate.NewRecorder(validate.RecorderOptions{})
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Nop()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	runway := opts.MinRunway
	if runway <= 0 {
		runway = 250
	}
	return &Parser{rules: rules, recorder: rec, metrics: m, log: log, minRunway: runway}
}

// Parse reduces the bundle's primary document to canonical text, locates
// item sections, and appends one whole-document section per parseable
// exhibit. A primary document with no text returns ErrPoison after the
// validation event is recorded.
func (p *Parser) Parse(ctx context.Context, bundle *fetcher.Bundle) ([]Section, error) {
	start := time.Now()
	defer func() {
		p.metrics.ParseDuration.Observe(time.Since(start).Seconds())
	}()

	raw, err := os.ReadFile(bundle.PrimaryDocument.Path)
	if err != nil {
		return nil, eris.Wrapf(err, "reading primary document for %s", bundle.Accession)
	}

	doc := Canonicalize(raw)
	if strings.TrimSpace(doc.Text) == "" {
		p.recorder.Record(ctx, validate.Event{
			Kind:      validate.KindPoisonDocument,
			Severity:  validate.SeverityError,
			Accession: bundle.Accession,
			Detail:    "primary document produced no canonical text",
			Context:   map[string]any{"filename": bundle.PrimaryDocument.Filename},
		})
		return nil, eris.Wrapf(ErrPoison, "%s %s", bundle.Accession, bundle.PrimaryDocument.Filename)
	}

	sections := p.selectSections(ctx, bundle, doc)
	sections = append(sections, p.exhibitSections(bundle)...)

	for i := range sections {
		sections[i].WordCount = len(strings.Fields(sections[i].Text))
		sections[i].ParserVersion = Version
		sections[i].Current = true
	}
	p.metrics.SectionsParsed.Add(float64(len(sections)))
	p.log.Debug("parsed filing",
		zap.String("accession", bundle.Accession),
		zap.Int("sections", len(sections)),
		zap.Int("canonical_chars", doc.Len()))
	return sections, nil
}

// CanonicalText exposes the primary document's canonical form, for
// callers that need offsets resolved against the same text the parser
// used.
func (p *Parser) CanonicalText(bundle *fetcher.Bundle) (*Canonical, error) {
	raw, err := os.ReadFile(bundle.PrimaryDocument.Path)
	if err != nil {
		return nil, eris.Wrapf(err, "reading primary document for %s", bundle.Accession)
	}
	return Canonicalize(raw), nil
}

// selectSections walks candidates in document order and keeps one start
// per rule. A match is accepted when it lies past the previous accepted
// section and has at least minRunway characters before the next
// candidate, which filters out table-of-contents clusters.
func (p *Parser) selectSections(ctx context.Context, bundle *fetcher.Bundle, doc *Canonical) []Section {
	cands := p.resolveCollisions(ctx, bundle, p.rules.findCandidates(doc.Text))
	if len(cands) == 0 {
		return nil
	}

	var chosen []candidate
	lastPos := -1
	for order := 0; order < len(p.rules.rules); order++ {
		for i, c := range cands {
			if c.order != order || c.pos <= lastPos {
				continue
			}
			if p.isTOCEntry(cands, i) {
				continue
			}
			chosen = append(chosen, c)
			lastPos = c.pos
			break
		}
	}

	var out []Section
	for i, c := range chosen {
		end := doc.Len()
		if i+1 < len(chosen) {
			end = chosen[i+1].pos
		}
		out = append(out, Section{
			Accession:        bundle.Accession,
			SectionKey:       c.key,
			Title:            headingLine(doc.Text, c.pos, c.title),
			CharStart:        c.pos,
			CharEnd:          end,
			Text:             doc.Text[c.pos:end],
			DocumentFilename: bundle.PrimaryDocument.Filename,
		})
	}
	return out
}

// resolveCollisions settles candidates from different rules matching the
// same heading position. The higher priority survives; an equal-priority
// collision keeps the earlier rule and records a defect, since two rules
// claiming one heading means the rule set is miswritten.
func (p *Parser) resolveCollisions(ctx context.Context, bundle *fetcher.Bundle, cands []candidate) []candidate {
	out := cands[:0]
	for _, c := range cands {
		if len(out) == 0 || out[len(out)-1].pos != c.pos {
			out = append(out, c)
			continue
		}
		prev := &out[len(out)-1]
		switch {
		case c.priority > prev.priority:
			*prev = c
		case c.priority == prev.priority && c.key != prev.key:
			p.recorder.Record(ctx, validate.Event{
				Kind:      validate.KindParserOverlap,
				Accession: bundle.Accession,
				Detail:    prev.key + " and " + c.key + " matched the same heading",
				Context:   map[string]any{"char_start": c.pos},
			})
		}
	}
	return out
}

// isTOCEntry reports whether candidate i sits in a table-of-contents
// cluster: the next candidate follows within minRunway characters, so
// there is no section body between the headings.
func (p *Parser) isTOCEntry(cands []candidate, i int) bool {
	if i+1 >= len(cands) {
		return false
	}
	return cands[i+1].pos-cands[i].pos < p.minRunway
}

// exhibitSections emits one whole-document section per subsidiary list
// or material-contract exhibit in the bundle.
func (p *Parser) exhibitSections(bundle *fetcher.Bundle) []Section {
	var out []Section
	for _, ex := range bundle.Exhibits {
		key := exhibitSectionKey(ex.Type)
		if key == "" {
			continue
		}
		raw, err := os.ReadFile(ex.Path)
		if err != nil {
			p.log.Warn("exhibit unreadable",
				zap.String("accession", bundle.Accession),
				zap.String("filename", ex.Filename),
				zap.Error(err))
			continue
		}
		doc := Canonicalize(raw)
		if strings.TrimSpace(doc.Text) == "" {
			continue
		}
		title := ex.Description
		if title == "" {
			title = ex.Type
		}
		out = append(out, Section{
			Accession:        bundle.Accession,
			SectionKey:       key,
			Title:            title,
			CharStart:        0,
			CharEnd:          doc.Len(),
			Text:             doc.Text,
			DocumentFilename: ex.Filename,
		})
	}
	return out
}

// exhibitSectionKey maps a fetcher document type to a section key.
// "EX-21" becomes EX_21, "EX-21.1" EX_21_1, "EX-10.3" EX_10_3. Types
// outside the EX-21 and EX-10 families are not sectioned.
func exhibitSectionKey(docType string) string {
	if !strings.HasPrefix(docType, "EX-21") && !strings.HasPrefix(docType, "EX-10") {
		return ""
	}
	key := strings.ReplaceAll(docType, "-", "_")
	return strings.ReplaceAll(key, ".", "_")
}

// headingLine returns the heading's own line from the canonical text,
// or fallback when the line is unreasonably long.
func headingLine(text string, pos int, fallback string) string {
	end := strings.IndexByte(text[pos:], '\n')
	if end < 0 {
		end = len(text) - pos
	}
	line := strings.TrimSpace(text[pos : pos+end])
	if line == "" || len(line) > 120 {
		return fallback
	}
	return line
}
