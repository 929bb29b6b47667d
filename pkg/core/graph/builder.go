package graph

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/mentions"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/metrics"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/sections"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/spine"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/validate"
)

// Confidence assigned per edge source. Narrative confidences multiply
// by the mention's resolution confidence; exhibit listings are
// authoritative and carry flat values.
const (
	subsidiaryConfidence = 0.95
	inferredConfidence   = 0.85
	executiveConfidence  = 0.75
	auditorConfidence    = 0.80
	mentionedConfidence  = 0.50
)

// auditorRe spots the audit-opinion language that names the filer's
// accounting firm inside the financial statement items.
var auditorRe = regexp.MustCompile(`(?i)\b(independent\s+registered\s+public\s+accounting\s+firm|audited\s+.{0,80}financial\s+statements|our\s+(independent\s+)?auditors?)\b`)

// narrativeKeys are the prose sections whose mentions get cue typing.
var narrativeKeys = map[string]bool{
	"ITEM_1":  true,
	"ITEM_1A": true,
	"ITEM_7":  true,
	"ITEM_7A": true,
}

// financialKeys are where auditor language lives.
var financialKeys = map[string]bool{
	"ITEM_8":  true,
	"ITEM_9A": true,
}

// FilingRef names the filing a build run works on.
type FilingRef struct {
	Accession     string
	FormType      string
	FilerEntityID int64
	FiledAt       time.Time
}

// Input is everything one build needs. Exhibits carries raw document
// bytes by section key so subsidiary tables can be parsed from markup;
// when absent the builder falls back to the section's canonical text.
// PrimaryText feeds the 8-K item router and is ignored for other forms.
type Input struct {
	Filing      FilingRef
	Sections    []sections.Section
	Mentions    []mentions.Mention
	Exhibits    map[string][]byte
	PrimaryText string
}

// Output reports what one build changed.
type Output struct {
	Relationships []Relationship
	Closed        []Relationship
	Events        []Event
}

// Builder folds one filing's resolved mentions and exhibits into the
// relationship graph.
type Builder struct {
	resolver *spine.Resolver
	spine    *spine.Spine
	store    Store
	cues     *CueSet
	recorder *validate.Recorder
	metrics  *metrics.Collector
	log      *zap.Logger
	now      func() time.Time
}

type BuilderOptions struct {
	Cues     *CueSet // nil means DefaultCues
	Recorder *validate.Recorder
	Metrics  *metrics.Collector
	Logger   *zap.Logger
}

func NewBuilder(resolver *spine.Resolver, svc *spine.Spine, store Store, opts BuilderOptions) *Builder {
	cues := opts.Cues
	if cues == nil {
		cues = DefaultCues()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Builder{
		resolver: resolver,
		spine:    svc,
		store:    store,
		cues:     cues,
		recorder: opts.Recorder,
		metrics:  opts.Metrics,
		log:      log,
		now:      time.Now,
	}
}

// Build runs the full pass for one filing: narrative mentions become
// typed or MENTIONED_IN edges, subsidiary exhibits become
// SUBSIDIARY_OF edges with annual-cadence closure, and 8-K item
// headings become typed events. Edges seen before merge into their
// open row instead of duplicating.
func (b *Builder) Build(ctx context.Context, in Input) (*Output, error) {
	out := &Output{}
	f := in.Filing

	for i := range in.Mentions {
		rel, ok := b.relFromMention(&in.Mentions[i], f)
		if !ok {
			continue
		}
		stored, err := b.upsert(ctx, rel)
		if err != nil {
			return nil, err
		}
		out.Relationships = append(out.Relationships, *stored)
	}

	closed, subs, err := b.buildSubsidiaries(ctx, in, out)
	if err != nil {
		return nil, err
	}
	out.Closed = closed

	if strings.HasPrefix(f.FormType, "8-K") && in.PrimaryText != "" {
		for _, ev := range RouteEvents(f.Accession, f.FilerEntityID, f.FiledAt, in.PrimaryText) {
			if err := b.store.InsertEvent(ctx, &ev); err != nil {
				return nil, eris.Wrap(err, "graph: insert event")
			}
			out.Events = append(out.Events, ev)
		}
	}

	b.log.Info("graph build complete",
		zap.String("accession", f.Accession),
		zap.String("form_type", f.FormType),
		zap.Int("relationships", len(out.Relationships)),
		zap.Int("subsidiaries", subs),
		zap.Int("closed", len(closed)),
		zap.Int("events", len(out.Events)))
	return out, nil
}

// relFromMention types one resolved mention by where it sits and what
// its sentence says. Unresolved mentions and self-references produce
// nothing.
func (b *Builder) relFromMention(m *mentions.Mention, f FilingRef) (*Relationship, bool) {
	if m.Resolution == nil || m.Resolution.ResolvedEntityID == 0 {
		return nil, false
	}
	src := m.Resolution.ResolvedEntityID
	if src == f.FilerEntityID {
		return nil, false
	}
	key := m.SourceLocation.SectionKey
	if strings.HasPrefix(key, "EX_21") {
		// The subsidiary pass owns these sections.
		return nil, false
	}

	relType := RelMentionedIn
	conf := mentionedConfidence
	switch {
	case narrativeKeys[key]:
		if t, c, ok := b.cues.Classify(m.SourceLocation.SentenceText); ok {
			relType, conf = t, c
		}
	case financialKeys[key]:
		if auditorRe.MatchString(m.SourceLocation.SentenceText) {
			relType, conf = RelAuditorOf, auditorConfidence
		}
	case strings.HasPrefix(key, "EX_10"):
		if m.TypeHint == mentions.HintPerson {
			relType, conf = RelExecutiveOf, executiveConfidence
		}
	}
	if m.TypeHint == mentions.HintPerson && relType != RelExecutiveOf && relType != RelMentionedIn {
		// Cue language about a person is still just a mention; the
		// typed vocabulary pairs companies.
		relType, conf = RelMentionedIn, mentionedConfidence
	}

	now := b.now().UTC()
	return &Relationship{
		SourceEntityID: src,
		TargetEntityID: f.FilerEntityID,
		Type:           relType,
		ValidFrom:      f.FiledAt,
		Evidence: []EvidenceRef{{
			Accession:    m.SourceLocation.AccessionNumber,
			SectionKey:   key,
			CharStart:    m.SourceLocation.CharStart,
			CharEnd:      m.SourceLocation.CharEnd,
			SentenceText: m.SourceLocation.SentenceText,
		}},
		Confidence:    conf * m.Resolution.ResolutionConfidence,
		FirstSeenAt:   now,
		LastSeenAt:    now,
		IsSignificant: relType != RelMentionedIn,
	}, true
}

// buildSubsidiaries parses every EX-21 style section, asserts one
// SUBSIDIARY_OF edge per row, and closes open subsidiary edges the new
// list no longer supports. Returns the closed rows and the count of
// rows asserted.
func (b *Builder) buildSubsidiaries(ctx context.Context, in Input, out *Output) ([]Relationship, int, error) {
	f := in.Filing
	current := make(map[int64]bool)
	sawList := false
	count := 0

	for i := range in.Sections {
		sec := &in.Sections[i]
		if !strings.HasPrefix(sec.SectionKey, "EX_21") {
			continue
		}
		raw, ok := in.Exhibits[sec.SectionKey]
		if !ok {
			raw = []byte(sec.Text)
		}
		subs := sections.ExtractSubsidiaries(raw)
		if len(subs) == 0 {
			continue
		}
		sawList = true
		for _, sub := range subs {
			id, conf, err := b.resolveSubsidiary(ctx, sub, f)
			if err != nil {
				return nil, 0, err
			}
			if id == 0 || id == f.FilerEntityID || current[id] {
				continue
			}
			now := b.now().UTC()
			rel := &Relationship{
				SourceEntityID: id,
				TargetEntityID: f.FilerEntityID,
				Type:           RelSubsidiaryOf,
				ValidFrom:      f.FiledAt,
				Evidence:       []EvidenceRef{subsidiaryEvidence(sec, sub.Name)},
				Confidence:     conf,
				FirstSeenAt:    now,
				LastSeenAt:     now,
				IsSignificant:  true,
			}
			stored, err := b.upsert(ctx, rel)
			if err != nil {
				return nil, 0, err
			}
			current[id] = true
			count++
			out.Relationships = append(out.Relationships, *stored)
		}
	}

	if !sawList {
		return nil, 0, nil
	}

	// A subsidiary list is a full restatement. Open edges it omits
	// close as of this filing's date; narrative edges never close this
	// way.
	open, err := b.store.OpenByTarget(ctx, f.FilerEntityID, RelSubsidiaryOf)
	if err != nil {
		return nil, 0, eris.Wrap(err, "graph: list open subsidiaries")
	}
	var closed []Relationship
	for _, r := range open {
		if current[r.SourceEntityID] || !r.ValidFrom.Before(f.FiledAt) {
			continue
		}
		if err := b.store.Close(ctx, r.RelationshipID, f.FiledAt); err != nil {
			return nil, 0, eris.Wrap(err, "graph: close subsidiary")
		}
		end := f.FiledAt
		r.ValidTo = &end
		closed = append(closed, r)
		b.log.Info("subsidiary closed",
			zap.Int64("entity_id", r.SourceEntityID),
			zap.Int64("parent_id", f.FilerEntityID),
			zap.Time("valid_to", f.FiledAt))
	}
	return closed, count, nil
}

// resolveSubsidiary maps one exhibit row to a canonical entity,
// creating an inferred one when nothing matches. An ambiguous match
// creates nothing and resolves to nothing; guessing a parent link
// between the wrong companies is worse than a gap.
func (b *Builder) resolveSubsidiary(ctx context.Context, sub sections.Subsidiary, f FilingRef) (int64, float64, error) {
	res, err := b.resolver.Resolve(ctx,
		spine.Candidate{Text: sub.Name, TypeHint: "COMPANY"},
		spine.FilingContext{FilingDate: f.FiledAt, FilerEntityID: f.FilerEntityID},
		f.FiledAt)
	if err != nil {
		return 0, 0, eris.Wrapf(err, "graph: resolve subsidiary %q", sub.Name)
	}
	if res.Resolved() {
		return res.EntityID, subsidiaryConfidence, nil
	}
	for _, w := range res.Warnings {
		if w == spine.WarnAmbiguous {
			if b.recorder != nil {
				b.recorder.Record(ctx, validate.Event{
					Kind:      validate.KindAmbiguousEntity,
					Subject:   sub.Name,
					Detail:    "subsidiary row matches multiple entities",
					Accession: f.Accession,
				})
			}
			return 0, 0, nil
		}
	}
	ent, err := b.spine.CreateInferred(ctx, sub.Name, sub.Jurisdiction, f.FiledAt)
	if err != nil {
		return 0, 0, eris.Wrapf(err, "graph: infer subsidiary %q", sub.Name)
	}
	return ent.EntityID, inferredConfidence, nil
}

// subsidiaryEvidence pins an exhibit row to its span in the section
// text. Rows parsed out of table markup sometimes have no literal
// match; those keep the section anchor with a zero-width span.
func subsidiaryEvidence(sec *sections.Section, name string) EvidenceRef {
	ev := EvidenceRef{
		Accession:    sec.Accession,
		SectionKey:   sec.SectionKey,
		CharStart:    sec.CharStart,
		CharEnd:      sec.CharStart,
		SentenceText: name,
	}
	if idx := strings.Index(sec.Text, name); idx >= 0 {
		ev.CharStart = sec.CharStart + idx
		ev.CharEnd = sec.CharStart + idx + len(name)
		ev.SentenceText = lineAround(sec.Text, idx)
	}
	return ev
}

// lineAround returns the trimmed line of text containing offset idx.
func lineAround(text string, idx int) string {
	start := strings.LastIndexByte(text[:idx], '\n') + 1
	end := strings.IndexByte(text[idx:], '\n')
	if end < 0 {
		end = len(text)
	} else {
		end += idx
	}
	return strings.TrimSpace(text[start:end])
}

func (b *Builder) upsert(ctx context.Context, rel *Relationship) (*Relationship, error) {
	stored, err := b.store.Upsert(ctx, rel)
	if err != nil {
		return nil, eris.Wrap(err, "graph: upsert relationship")
	}
	if b.metrics != nil {
		b.metrics.Relationships.WithLabelValues(string(rel.Type)).Inc()
	}
	return stored, nil
}
