package mentions

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/llm"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/prompt"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/sections"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/utils"
)

// ============================================================
// LLM extractor (optional)
// ============================================================

// LLMConfidence applies to located model finds. Model output is verbatim
// but unanchored, so it ranks below dictionary and suffix-pattern hits.
const LLMConfidence = 0.65

// llmSections are the high-value narrative sections worth a model pass.
// Everything else is covered by the cheaper extractors.
var llmSections = map[string]bool{
	"ITEM_1":  true,
	"ITEM_1A": true,
	"ITEM_7":  true,
}

const extractTemplateID = "mentions.extract_organizations"

// LLMExtractor prompts a completion provider for organizations named in
// a passage, then anchors each returned name back to byte offsets. Names
// the model paraphrased cannot be anchored and are dropped, which keeps
// the span-equals-text guarantee without trusting the model.
type LLMExtractor struct {
	Provider llm.Provider
	Model    string
	Registry *prompt.Registry
	Log      *zap.Logger

	// WindowChars caps the passage per prompt. Zero uses the section
	// windowing default.
	WindowChars int
}

func (e *LLMExtractor) Name() string { return "llm" }

type llmEntityList struct {
	Entities []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"entities"`
}

func (e *LLMExtractor) Extract(ctx context.Context, in Input) ([]CandidateMention, error) {
	if e.Provider == nil || !llmSections[in.SectionKey] {
		return nil, nil
	}
	log := e.Log
	if log == nil {
		log = zap.NewNop()
	}
	registry := e.Registry
	if registry == nil {
		registry = prompt.Get()
	}
	tpl, err := registry.Template(extractTemplateID)
	if err != nil {
		return nil, err
	}

	windows := sections.SplitWindows(sections.Section{
		CharStart: in.Offset,
		CharEnd:   in.Offset + len(in.Text),
		Text:      in.Text,
	}, e.WindowChars)

	var out []CandidateMention
	seen := make(map[[2]int]bool)
	for _, w := range windows {
		found, err := e.extractWindow(ctx, tpl, w)
		if err != nil {
			return out, err
		}
		for _, c := range found {
			span := [2]int{c.CharStart, c.CharEnd}
			if seen[span] {
				continue
			}
			seen[span] = true
			out = append(out, c)
		}
	}
	return out, nil
}

func (e *LLMExtractor) extractWindow(ctx context.Context, tpl *prompt.Template, w sections.Window) ([]CandidateMention, error) {
	log := e.Log
	if log == nil {
		log = zap.NewNop()
	}

	user, err := prompt.Render(tpl, map[string]interface{}{"Passage": w.Text})
	if err != nil {
		return nil, err
	}
	raw, err := e.Provider.Generate(ctx, llm.Request{
		System:   tpl.System,
		Prompt:   user,
		Model:    e.Model,
		JSONMode: true,
	})
	if err != nil {
		return nil, eris.Wrap(err, "mentions: llm generation")
	}

	var parsed llmEntityList
	if _, err := utils.SmartParse(raw, &parsed); err != nil {
		return nil, eris.Wrap(err, "mentions: llm output")
	}

	var out []CandidateMention
	for _, ent := range parsed.Entities {
		name := strings.TrimSpace(ent.Name)
		if name == "" {
			continue
		}
		located := locateAll(w.Text, name)
		if len(located) == 0 {
			log.Debug("llm name not anchored in passage",
				zap.String("name", name))
			continue
		}
		for _, idx := range located {
			out = append(out, CandidateMention{
				Text:       name,
				CharStart:  w.CharStart + idx,
				CharEnd:    w.CharStart + idx + len(name),
				TypeHint:   llmTypeHint(ent.Type),
				Method:     MethodLLM,
				Confidence: LLMConfidence,
				ModelID:    e.modelID(),
			})
		}
	}
	return out, nil
}

func (e *LLMExtractor) modelID() string {
	if e.Model != "" {
		return e.Model
	}
	return e.Provider.Name()
}

// locateAll returns every occurrence of name in text whose boundaries do
// not fall inside a longer word.
func locateAll(text, name string) []int {
	var out []int
	for from := 0; ; {
		idx := strings.Index(text[from:], name)
		if idx < 0 {
			return out
		}
		abs := from + idx
		if wordBounded(text, abs, abs+len(name)) {
			out = append(out, abs)
		}
		from = abs + len(name)
	}
}

// wordBounded rejects anchor points inside a longer word. Punctuation
// adjacency is fine; a sentence-final "TSMC." still anchors.
func wordBounded(text string, start, end int) bool {
	if start > 0 {
		if r, _ := utf8.DecodeLastRuneInString(text[:start]); unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	if end < len(text) {
		if r, _ := utf8.DecodeRuneInString(text[end:]); unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func llmTypeHint(t string) TypeHint {
	switch strings.ToUpper(strings.TrimSpace(t)) {
	case "COMPANY":
		return HintCompany
	case "GOVERNMENT":
		return HintGovernment
	case "NONPROFIT":
		return HintNonprofit
	case "PERSON":
		return HintPerson
	default:
		return HintOther
	}
}
