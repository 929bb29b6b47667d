package mentions

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/validate"
)

// ============================================================
// NER extractor (optional)
// ============================================================

// NERExtractor calls an external span-labeling service. The contract is
// POST {"text": ...} → {"spans": [{"start", "end", "label", "score"}]}
// with offsets into the posted text.
type NERExtractor struct {
	Endpoint   string
	ModelID    string
	HTTPClient *http.Client
}

func (e *NERExtractor) Name() string { return "ner" }

type nerRequest struct {
	Text string `json:"text"`
}

type nerResponse struct {
	Spans []struct {
		Start int     `json:"start"`
		End   int     `json:"end"`
		Label string  `json:"label"`
		Score float64 `json:"score"`
	} `json:"spans"`
}

func (e *NERExtractor) Extract(ctx context.Context, in Input) ([]CandidateMention, error) {
	if e.Endpoint == "" {
		return nil, nil
	}

	payload, err := json.Marshal(nerRequest{Text: in.Text})
	if err != nil {
		return nil, eris.Wrap(err, "mentions: encoding ner request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "mentions: building ner request")
	}
	req.Header.Set("Content-Type", "application/json")

	client := e.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "mentions: ner request failed")
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, eris.Errorf("mentions: ner service status %d", res.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, 16<<20))
	if err != nil {
		return nil, eris.Wrap(err, "mentions: reading ner response")
	}
	var parsed nerResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, eris.Wrap(err, "mentions: decoding ner response")
	}

	var out []CandidateMention
	for _, sp := range parsed.Spans {
		// Offsets come from an external process; never trust them.
		if check := validate.CheckSpanBounds(len(in.Text), sp.Start, sp.End); !check.IsValid {
			continue
		}
		score := sp.Score
		if score <= 0 || score > 1 {
			score = 0.5
		}
		out = append(out, CandidateMention{
			Text:       in.Text[sp.Start:sp.End],
			CharStart:  in.Offset + sp.Start,
			CharEnd:    in.Offset + sp.End,
			TypeHint:   nerLabelHint(sp.Label),
			Method:     MethodNER,
			Confidence: score,
			ModelID:    e.ModelID,
		})
	}
	return out, nil
}

func nerLabelHint(label string) TypeHint {
	switch label {
	case "ORG", "COMPANY", "CORP":
		return HintCompany
	case "PER", "PERSON":
		return HintPerson
	case "GOV", "GPE", "AGENCY":
		return HintGovernment
	case "NORP", "NONPROFIT":
		return HintNonprofit
	default:
		return HintOther
	}
}
