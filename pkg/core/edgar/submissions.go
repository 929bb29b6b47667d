package edgar

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/logging"
)

// CompanyProfile is the top-level submissions response for one CIK. It is
// the authoritative identity source for the entity spine.
type CompanyProfile struct {
	CIK                  string         `json:"cik"`
	EntityType           string         `json:"entityType"`
	SIC                  string         `json:"sic"`
	SICDescription       string         `json:"sicDescription"`
	Name                 string         `json:"name"`
	Tickers              []string       `json:"tickers"`
	Exchanges            []string       `json:"exchanges"`
	EIN                  string         `json:"ein"`
	StateOfIncorporation string         `json:"stateOfIncorporation"`
	FiscalYearEnd        string         `json:"fiscalYearEnd"`
	FormerNames          []FormerName   `json:"formerNames"`
	Filings              ProfileFilings `json:"filings"`
}

type FormerName struct {
	Name string `json:"name"`
	From string `json:"from"`
	To   string `json:"to"`
}

type ProfileFilings struct {
	Recent RecentFilings `json:"recent"`
}

// RecentFilings holds parallel arrays of filing attributes; index i across
// every slice describes one filing.
type RecentFilings struct {
	AccessionNumber    []string `json:"accessionNumber"`
	FilingDate         []string `json:"filingDate"`
	ReportDate         []string `json:"reportDate"`
	AcceptanceDateTime []string `json:"acceptanceDateTime"`
	Form               []string `json:"form"`
	PrimaryDocument    []string `json:"primaryDocument"`
	Size               []int    `json:"size"`
}

// FetchCompanyProfile retrieves the submissions document for a CIK, padded
// automatically.
func (c *Client) FetchCompanyProfile(ctx context.Context, cik string) (*CompanyProfile, error) {
	url := fmt.Sprintf(SubmissionsURL, PadCIK(cik))
	body, err := c.GetJSON(ctx, url)
	if err != nil {
		return nil, err
	}

	var profile CompanyProfile
	if err := json.Unmarshal(body, &profile); err != nil {
		return nil, eris.Wrapf(err, "edgar: parse submissions for CIK %s", cik)
	}
	return &profile, nil
}

// SubmissionsAdapter turns per-CIK submissions documents into feed
// candidates. It serves targeted catch-up (CLI download, entity backfill)
// rather than broad discovery; the CIK set is fixed at construction.
// Cursor: RFC3339 of the last poll; filings filed before the cursor date
// are skipped.
type SubmissionsAdapter struct {
	client *Client
	ciks   []string
	forms  map[string]bool
	log    *zap.Logger
}

func NewSubmissionsAdapter(client *Client, ciks []string, forms []string) *SubmissionsAdapter {
	set := make(map[string]bool, len(forms))
	for _, f := range forms {
		set[f] = true
	}
	return &SubmissionsAdapter{
		client: client,
		ciks:   ciks,
		forms:  set,
		log:    logging.Component("edgar.feed.submissions"),
	}
}

func (s *SubmissionsAdapter) Name() string { return "submissions" }

func (s *SubmissionsAdapter) Fetch(ctx context.Context, cursor string) (*FetchResult, error) {
	var since time.Time
	if cursor != "" {
		if t, err := time.Parse(time.RFC3339, cursor); err == nil {
			since = t
		}
	}
	now := time.Now().UTC()

	result := &FetchResult{NextCursor: now.Format(time.RFC3339)}
	for _, cik := range s.ciks {
		profile, err := s.client.FetchCompanyProfile(ctx, cik)
		if err != nil {
			// Partial iterator: keep what we have, let the caller retry
			// from the unchanged cursor.
			return result, err
		}
		cands, poison := s.candidates(profile, since)
		result.Candidates = append(result.Candidates, cands...)
		result.Poison = append(result.Poison, poison...)
	}
	return result, nil
}

func (s *SubmissionsAdapter) candidates(profile *CompanyProfile, since time.Time) ([]RecordCandidate, []PoisonRecord) {
	recent := profile.Filings.Recent
	cik := PadCIK(profile.CIK)
	now := time.Now().UTC()

	var (
		candidates []RecordCandidate
		poison     []PoisonRecord
	)
	for i := range recent.AccessionNumber {
		if i >= len(recent.Form) || i >= len(recent.FilingDate) {
			break
		}
		form := recent.Form[i]
		if len(s.forms) > 0 && !s.forms[form] {
			continue
		}

		accession := recent.AccessionNumber[i]
		if !ValidAccession(accession) {
			poison = append(poison, PoisonRecord{
				Feed: s.Name(), Raw: accession, Reason: "invalid accession", ObservedAt: now,
			})
			continue
		}

		filed, err := time.Parse("2006-01-02", recent.FilingDate[i])
		if err != nil {
			poison = append(poison, PoisonRecord{
				Feed: s.Name(), Raw: recent.FilingDate[i], Reason: "bad filing date", ObservedAt: now,
			})
			continue
		}
		published := filed
		if i < len(recent.AcceptanceDateTime) {
			if t, err := time.Parse("2006-01-02T15:04:05.000Z", recent.AcceptanceDateTime[i]); err == nil {
				published = t
			}
		}
		if !since.IsZero() && published.Before(since) {
			continue
		}

		primary := ""
		if i < len(recent.PrimaryDocument) {
			primary = recent.PrimaryDocument[i]
		}
		sourceURL := fmt.Sprintf(ArchivesURL, cik, DashlessAccession(accession)+"/"+primary)

		raw := map[string]interface{}{
			"accession": accession,
			"form":      form,
			"filed":     recent.FilingDate[i],
			"primary":   primary,
		}
		if i < len(recent.ReportDate) {
			raw["report_date"] = recent.ReportDate[i]
		}
		if i < len(recent.AcceptanceDateTime) {
			raw["acceptance"] = recent.AcceptanceDateTime[i]
		}

		candidates = append(candidates, RecordCandidate{
			NaturalKey:      NaturalKey(accession),
			Accession:       CanonicalAccession(accession),
			CIK:             cik,
			CompanyName:     profile.Name,
			FormType:        form,
			PublishedAt:     published,
			SourceURL:       sourceURL,
			SourceUpdatedAt: published,
			Feed:            s.Name(),
			RawPayload:      raw,
		})
	}
	return candidates, poison
}
