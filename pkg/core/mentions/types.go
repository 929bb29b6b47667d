// Package mentions finds candidate entity spans in canonical section
// text. Extractors run as a cascade (pattern, dictionary, NER, LLM) and
// overlapping finds are reconciled into at most one mention per span.
// Every span carries byte offsets into the canonical document, and the
// text between those offsets always equals the mention text exactly.
package mentions

import (
	"time"

	"github.com/google/uuid"
)

// Method identifies which extractor produced a candidate.
type Method string

const (
	MethodPattern    Method = "PATTERN"
	MethodDictionary Method = "DICTIONARY"
	MethodNER        Method = "NER"
	MethodHeuristic  Method = "HEURISTIC"
	MethodLLM        Method = "LLM"
	MethodManual     Method = "MANUAL"
)

// Priority orders tie-breaking between overlapping candidates with equal
// confidence. Higher wins.
func (m Method) Priority() int {
	switch m {
	case MethodManual:
		return 6
	case MethodDictionary:
		return 5
	case MethodPattern:
		return 4
	case MethodNER:
		return 3
	case MethodLLM:
		return 2
	case MethodHeuristic:
		return 1
	default:
		return 0
	}
}

// TypeHint is the extractor's guess at what kind of entity a span names.
type TypeHint string

const (
	HintCompany    TypeHint = "COMPANY"
	HintPerson     TypeHint = "PERSON"
	HintGovernment TypeHint = "GOVERNMENT"
	HintNonprofit  TypeHint = "NONPROFIT"
	HintOther      TypeHint = "OTHER"
)

// CandidateMention is one span found by an extractor. CharStart/CharEnd
// are byte offsets into the canonical document, not the section.
type CandidateMention struct {
	Text       string   `json:"text"`
	CharStart  int      `json:"char_start"`
	CharEnd    int      `json:"char_end"`
	TypeHint   TypeHint `json:"type_hint"`
	Method     Method   `json:"method"`
	Confidence float64  `json:"confidence"`
	ModelID    string   `json:"model_id,omitempty"`
}

// SourceLocation pins a mention to its originating sentence.
type SourceLocation struct {
	AccessionNumber    string `json:"accession_number"`
	SectionKey         string `json:"section_key"`
	CharStart          int    `json:"char_start"`
	CharEnd            int    `json:"char_end"`
	ParagraphIndex     int    `json:"paragraph_index"`
	SentenceIndex      int    `json:"sentence_index"`
	SentenceText       string `json:"sentence_text"`
	SurroundingContext string `json:"surrounding_context"`
}

// Extraction records how and when a mention was produced.
type Extraction struct {
	Method      Method    `json:"method"`
	ModelID     string    `json:"model_id,omitempty"`
	Confidence  float64   `json:"confidence"`
	ExtractedAt time.Time `json:"extracted_at"`
}

// Resolution is filled once the entity spine has resolved the mention.
// The method string is the resolver's vocabulary (EXACT, FUZZY, ALIAS,
// MANUAL, UNRESOLVED, AMBIGUOUS).
type Resolution struct {
	ResolvedEntityID     int64   `json:"resolved_entity_id,omitempty"`
	ResolutionMethod     string  `json:"resolution_method,omitempty"`
	ResolutionConfidence float64 `json:"resolution_confidence,omitempty"`
}

// Temporal tracks a mention across re-sightings of the same span in
// later filings.
type Temporal struct {
	FirstSeenAt     time.Time `json:"first_seen_at"`
	FirstSeenFiling string    `json:"first_seen_filing"`
	LastSeenAt      time.Time `json:"last_seen_at"`
	LastSeenFiling  string    `json:"last_seen_filing"`
	OccurrenceCount int       `json:"occurrence_count"`
	IsNew           bool      `json:"is_new"`
	IsRemoved       bool      `json:"is_removed"`
	WasModified     bool      `json:"was_modified"`
	PriorText       string    `json:"prior_text,omitempty"`
}

// Mention is the atomic fact the pipeline produces: a named entity at a
// byte-precise location in a filing.
type Mention struct {
	MentionID      string         `json:"mention_id"`
	EntityText     string         `json:"entity_text"`
	TypeHint       TypeHint       `json:"type_hint"`
	SourceLocation SourceLocation `json:"source_location"`
	Extraction     Extraction     `json:"extraction"`
	Resolution     *Resolution    `json:"resolution,omitempty"`
	Temporal       Temporal       `json:"temporal"`
}

// NewMention assembles a first-sighting Mention from a reconciled
// candidate and its located context.
func NewMention(in Input, cand CandidateMention, ctz *Contextualizer, now time.Time) Mention {
	now = now.UTC()
	para, sent, sentence := ctz.Locate(cand.CharStart, cand.CharEnd)
	return Mention{
		MentionID:  uuid.NewString(),
		EntityText: cand.Text,
		TypeHint:   cand.TypeHint,
		SourceLocation: SourceLocation{
			AccessionNumber:    in.Accession,
			SectionKey:         in.SectionKey,
			CharStart:          cand.CharStart,
			CharEnd:            cand.CharEnd,
			ParagraphIndex:     para,
			SentenceIndex:      sent,
			SentenceText:       sentence,
			SurroundingContext: ctz.Surrounding(cand.CharStart, cand.CharEnd),
		},
		Extraction: Extraction{
			Method:      cand.Method,
			ModelID:     cand.ModelID,
			Confidence:  cand.Confidence,
			ExtractedAt: now,
		},
		Temporal: Temporal{
			FirstSeenAt:     now,
			FirstSeenFiling: in.Accession,
			LastSeenAt:      now,
			LastSeenFiling:  in.Accession,
			OccurrenceCount: 1,
			IsNew:           true,
		},
	}
}
