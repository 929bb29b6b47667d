package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/edgar"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/feedspine"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/fetcher"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/graph"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/mentions"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/queue"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/sections"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/spine"
)

// HandleParse is the filings:parse stage. It fetches the bundle,
// registers the filer on the spine, makes the Filing row durable,
// then sections the primary document and hands the filing to the
// mention stage. The Filing row lands before any Section row so a
// reader joining sections to filings never dangles.
func (p *Pipeline) HandleParse(ctx context.Context, task *queue.Task) error {
	var t ParseTask
	if err := json.Unmarshal(task.Payload, &t); err != nil {
		return eris.Wrap(err, "pipeline: decode parse task")
	}
	acc := edgar.CanonicalAccession(t.Accession)

	rec, err := p.records.GetRecordByID(ctx, t.RecordID)
	if err != nil {
		return eris.Wrapf(err, "pipeline: load record %d", t.RecordID)
	}

	bundle, err := p.source.Fetch(ctx, t.CIK, acc, fetcher.Options{})
	if err != nil {
		return eris.Wrapf(err, "pipeline: fetch %s", acc)
	}

	filer, err := p.spine.RegisterAuthoritative(ctx, spine.AuthoritativeIdentity{
		CIK:        rec.CIK,
		Name:       rec.CompanyName,
		EntityType: spine.TypeCompanyPublic,
		ObservedAt: rec.PublishedAt,
	})
	if err != nil {
		return eris.Wrapf(err, "pipeline: register filer %s", rec.CIK)
	}

	filing := &feedspine.Filing{
		AccessionNumber:    acc,
		FilerCIK:           rec.CIK,
		FormType:           rec.FormType,
		FiledDate:          rec.PublishedAt,
		EntityID:           strconv.FormatInt(filer.EntityID, 10),
		PrimaryDocumentURL: bundle.PrimaryDocument.SourceURL,
		SourceSightings:    []int64{rec.RecordID},
	}
	if err := p.records.UpsertFiling(ctx, filing); err != nil {
		return eris.Wrapf(err, "pipeline: upsert filing %s", acc)
	}

	secs, err := p.parser.Parse(ctx, bundle)
	if err != nil {
		if eris.Is(err, sections.ErrPoison) {
			// The parser recorded the event. Retrying cannot fix the
			// document, so the record stays bronze and the task completes.
			p.log.Warn("poison document",
				zap.String("accession", acc),
				zap.String("primary", bundle.PrimaryDocument.Filename))
			return p.records.MarkProcessed(ctx, rec.RecordID)
		}
		return eris.Wrapf(err, "pipeline: parse %s", acc)
	}

	if err := p.sections.ReplaceSections(ctx, acc, secs); err != nil {
		return eris.Wrapf(err, "pipeline: store sections of %s", acc)
	}

	// A reparse invalidates the mention flag until the cascade reruns.
	yes, no := true, false
	if err := p.records.SetFilingFlags(ctx, acc, &yes, &no); err != nil {
		return eris.Wrapf(err, "pipeline: flag sections of %s", acc)
	}
	if err := p.records.PromoteLayer(ctx, rec.RecordID, feedspine.LayerSilver); err != nil {
		return eris.Wrapf(err, "pipeline: promote %s to silver", acc)
	}

	if _, err := p.queue.Enqueue(ctx, queue.SectionsMentions, MentionTask{Accession: acc}); err != nil {
		return eris.Wrapf(err, "pipeline: enqueue mentions for %s", acc)
	}
	if err := p.records.MarkProcessed(ctx, rec.RecordID); err != nil {
		return eris.Wrapf(err, "pipeline: mark record %d processed", rec.RecordID)
	}

	p.log.Info("filing parsed",
		zap.String("accession", acc),
		zap.String("form_type", rec.FormType),
		zap.Int("sections", len(secs)))
	return nil
}

// HandleMentions is the sections:mentions stage: the cascade runs over
// every current section and the results reconcile against stored spans.
func (p *Pipeline) HandleMentions(ctx context.Context, task *queue.Task) error {
	var t MentionTask
	if err := json.Unmarshal(task.Payload, &t); err != nil {
		return eris.Wrap(err, "pipeline: decode mention task")
	}
	acc := edgar.CanonicalAccession(t.Accession)

	secs, err := p.sections.CurrentSections(ctx, acc)
	if err != nil {
		return eris.Wrapf(err, "pipeline: load sections of %s", acc)
	}

	now := p.now().UTC()
	var total mentions.ReconcileStats
	for i := range secs {
		sec := &secs[i]
		if strings.HasPrefix(sec.SectionKey, "EX_21") {
			// The subsidiary pass reads these tables directly.
			continue
		}
		stats, err := p.mentions.ReconcileSection(ctx, acc, sec.SectionKey, p.extractSection(ctx, sec, now))
		if err != nil {
			return eris.Wrapf(err, "pipeline: reconcile %s %s", acc, sec.SectionKey)
		}
		total.New += stats.New
		total.Resighted += stats.Resighted
		total.Modified += stats.Modified
		total.Removed += stats.Removed
	}

	yes := true
	if err := p.records.SetFilingFlags(ctx, acc, nil, &yes); err != nil {
		return eris.Wrapf(err, "pipeline: flag mentions of %s", acc)
	}
	if _, err := p.queue.Enqueue(ctx, queue.MentionsResolve, ResolveTask{Accession: acc}); err != nil {
		return eris.Wrapf(err, "pipeline: enqueue resolve for %s", acc)
	}

	p.log.Info("mentions reconciled",
		zap.String("accession", acc),
		zap.Int("sections", len(secs)),
		zap.Int("new", total.New),
		zap.Int("resighted", total.Resighted),
		zap.Int("modified", total.Modified),
		zap.Int("removed", total.Removed))
	return nil
}

// extractSection runs the cascade over one section, in paragraph
// windows when the text exceeds the window size, and assembles
// first-sighting mentions with sentence context. Window offsets are
// absolute, so windowing never shifts a span.
func (p *Pipeline) extractSection(ctx context.Context, sec *sections.Section, now time.Time) []mentions.Mention {
	in := mentions.Input{
		Accession:  sec.Accession,
		SectionKey: sec.SectionKey,
		Text:       sec.Text,
		Offset:     sec.CharStart,
	}
	ctz := mentions.NewContextualizer(in)

	var cands []mentions.CandidateMention
	for _, w := range sections.SplitWindows(*sec, p.window) {
		win := mentions.Input{
			Accession:  sec.Accession,
			SectionKey: sec.SectionKey,
			Text:       w.Text,
			Offset:     w.CharStart,
		}
		cands = append(cands, p.cascade.Extract(ctx, win)...)
	}

	fresh := make([]mentions.Mention, 0, len(cands))
	for _, cand := range cands {
		fresh = append(fresh, mentions.NewMention(in, cand, ctz, now))
	}
	return fresh
}

// HandleResolve is the mentions:resolve stage. Resolver trouble on one
// mention parks it for a later pass instead of failing the filing; an
// UNRESOLVED verdict is still recorded so the mention is not retried
// forever.
func (p *Pipeline) HandleResolve(ctx context.Context, task *queue.Task) error {
	var t ResolveTask
	if err := json.Unmarshal(task.Payload, &t); err != nil {
		return eris.Wrap(err, "pipeline: decode resolve task")
	}
	acc := edgar.CanonicalAccession(t.Accession)

	filing, err := p.records.GetFiling(ctx, acc)
	if err != nil {
		return eris.Wrapf(err, "pipeline: load filing %s", acc)
	}
	filerID := filerEntityID(filing)

	pending, err := p.mentions.Unresolved(ctx, acc)
	if err != nil {
		return eris.Wrapf(err, "pipeline: load unresolved mentions of %s", acc)
	}

	resolved := 0
	for i := range pending {
		m := &pending[i]
		res, err := p.resolver.Resolve(ctx,
			spine.Candidate{Text: m.EntityText, TypeHint: string(m.TypeHint)},
			spine.FilingContext{
				FilingDate:    filing.FiledDate,
				FilerEntityID: filerID,
				Sentence:      m.SourceLocation.SentenceText,
			}, time.Time{})
		if err != nil {
			p.log.Warn("resolver error, mention parked",
				zap.String("accession", acc),
				zap.String("mention", m.MentionID),
				zap.String("text", m.EntityText),
				zap.Error(err))
			continue
		}
		verdict := mentions.Resolution{
			ResolvedEntityID:     res.EntityID,
			ResolutionMethod:     string(res.Method),
			ResolutionConfidence: res.Confidence,
		}
		if err := p.mentions.SetResolution(ctx, m.MentionID, verdict); err != nil {
			return eris.Wrapf(err, "pipeline: record resolution of %s", m.MentionID)
		}
		if res.Resolved() {
			resolved++
		}
	}

	if _, err := p.queue.Enqueue(ctx, queue.ResolvedGraph, GraphTask{Accession: acc}); err != nil {
		return eris.Wrapf(err, "pipeline: enqueue graph for %s", acc)
	}

	p.log.Info("mentions resolved",
		zap.String("accession", acc),
		zap.Int("attempted", len(pending)),
		zap.Int("resolved", resolved))
	return nil
}

// filerEntityID reads the filing's resolved filer, zero when the spine
// id is absent or not numeric.
func filerEntityID(f *feedspine.Filing) int64 {
	if f.EntityID == "" {
		return 0
	}
	id, err := strconv.ParseInt(f.EntityID, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// HandleGraph is the resolved:graph stage. It assembles the builder's
// input from the stores, attaches raw exhibit markup where the local
// bundle still has it, and promotes the record to gold once the build
// lands.
func (p *Pipeline) HandleGraph(ctx context.Context, task *queue.Task) error {
	var t GraphTask
	if err := json.Unmarshal(task.Payload, &t); err != nil {
		return eris.Wrap(err, "pipeline: decode graph task")
	}
	acc := edgar.CanonicalAccession(t.Accession)

	filing, err := p.records.GetFiling(ctx, acc)
	if err != nil {
		return eris.Wrapf(err, "pipeline: load filing %s", acc)
	}
	secs, err := p.sections.CurrentSections(ctx, acc)
	if err != nil {
		return eris.Wrapf(err, "pipeline: load sections of %s", acc)
	}
	all, err := p.mentions.MentionsByAccession(ctx, acc)
	if err != nil {
		return eris.Wrapf(err, "pipeline: load mentions of %s", acc)
	}
	live := all[:0]
	for _, m := range all {
		if !m.Temporal.IsRemoved {
			live = append(live, m)
		}
	}

	in := graph.Input{
		Filing: graph.FilingRef{
			Accession:     acc,
			FormType:      filing.FormType,
			FilerEntityID: filerEntityID(filing),
			FiledAt:       filing.FiledDate,
		},
		Sections: secs,
		Mentions: live,
	}
	p.attachDocuments(filing, secs, &in)

	out, err := p.builder.Build(ctx, in)
	if err != nil {
		return eris.Wrapf(err, "pipeline: build graph for %s", acc)
	}

	rec, err := p.records.GetRecord(ctx, edgar.NaturalKey(acc))
	if err != nil {
		return eris.Wrapf(err, "pipeline: load record for %s", acc)
	}
	if err := p.records.PromoteLayer(ctx, rec.RecordID, feedspine.LayerGold); err != nil {
		return eris.Wrapf(err, "pipeline: promote %s to gold", acc)
	}

	p.log.Info("graph built",
		zap.String("accession", acc),
		zap.Int("relationships", len(out.Relationships)),
		zap.Int("closed", len(out.Closed)),
		zap.Int("events", len(out.Events)))
	return nil
}

// attachDocuments loads the local bundle to give the builder raw
// exhibit markup and, for 8-K filings, the primary document text. A
// missing bundle is survivable: the builder falls back to canonical
// section text and event routing is skipped.
func (p *Pipeline) attachDocuments(filing *feedspine.Filing, secs []sections.Section, in *graph.Input) {
	bundle, err := p.source.Load(filing.FilerCIK, filing.AccessionNumber)
	if err != nil {
		p.log.Debug("no local bundle for graph pass",
			zap.String("accession", filing.AccessionNumber),
			zap.Error(err))
		return
	}

	byName := make(map[string]string, len(bundle.Exhibits)+1)
	byName[bundle.PrimaryDocument.Filename] = bundle.PrimaryDocument.Path
	for _, doc := range bundle.Exhibits {
		byName[doc.Filename] = doc.Path
	}
	for i := range secs {
		sec := &secs[i]
		if !strings.HasPrefix(sec.SectionKey, "EX_") {
			continue
		}
		path, ok := byName[sec.DocumentFilename]
		if !ok {
			continue
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			p.log.Warn("exhibit unreadable",
				zap.String("accession", filing.AccessionNumber),
				zap.String("file", sec.DocumentFilename),
				zap.Error(err))
			continue
		}
		if in.Exhibits == nil {
			in.Exhibits = make(map[string][]byte)
		}
		in.Exhibits[sec.SectionKey] = raw
	}

	if strings.HasPrefix(filing.FormType, "8-K") {
		canon, err := p.parser.CanonicalText(bundle)
		if err != nil {
			p.log.Warn("no canonical text for event routing",
				zap.String("accession", filing.AccessionNumber),
				zap.Error(err))
			return
		}
		in.PrimaryText = canon.Text
	}
}
