package edgar

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
)

// ftsResponse mirrors the efts.sec.gov full-text search hit envelope.
type ftsResponse struct {
	Hits struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []struct {
			ID     string `json:"_id"`
			Source struct {
				CIKs         []string `json:"ciks"`
				DisplayNames []string `json:"display_names"`
				FileType     string   `json:"file_type"`
				FormType     string   `json:"root_forms"`
				FileDate     string   `json:"file_date"`
				AdshDashed   string   `json:"adsh"`
			} `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// SearchFullText queries the EDGAR full-text search endpoint. It exists for
// backfill and discovery of specific exhibits only; results feed the normal
// admit path, never a separate ingestion route.
func (c *Client) SearchFullText(ctx context.Context, query string, forms string, from, to time.Time) ([]RecordCandidate, error) {
	endpoint := fmt.Sprintf(FullTextSearch,
		url.QueryEscape(query),
		from.Format("2006-01-02"),
		to.Format("2006-01-02"),
		url.QueryEscape(forms))

	body, err := c.GetJSON(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var resp ftsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, eris.Wrap(err, "edgar: parse full-text search response")
	}

	candidates := make([]RecordCandidate, 0, len(resp.Hits.Hits))
	for _, hit := range resp.Hits.Hits {
		accession := hit.Source.AdshDashed
		if !ValidAccession(accession) {
			continue
		}
		filed, err := time.Parse("2006-01-02", hit.Source.FileDate)
		if err != nil {
			continue
		}
		cik := ""
		if len(hit.Source.CIKs) > 0 {
			cik = PadCIK(hit.Source.CIKs[0])
		}
		name := ""
		if len(hit.Source.DisplayNames) > 0 {
			name = hit.Source.DisplayNames[0]
		}

		candidates = append(candidates, RecordCandidate{
			NaturalKey:      NaturalKey(accession),
			Accession:       CanonicalAccession(accession),
			CIK:             cik,
			CompanyName:     name,
			FormType:        hit.Source.FormType,
			PublishedAt:     filed,
			SourceURL:       fmt.Sprintf(ArchivesURL, cik, DashlessAccession(accession)+"/"),
			SourceUpdatedAt: filed,
			Feed:            "fts",
			RawPayload: map[string]interface{}{
				"hit_id":    hit.ID,
				"query":     query,
				"file_type": hit.Source.FileType,
			},
		})
	}
	return candidates, nil
}
