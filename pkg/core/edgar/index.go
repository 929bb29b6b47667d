package edgar

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/logging"
)

const indexDateLayout = "2006-01-02"

// parseMasterIndex decodes a pipe-delimited EDGAR master index body:
// a preamble, a dashed separator, then CIK|Company Name|Form Type|Date
// Filed|Filename rows. Malformed rows become poison envelopes.
func parseMasterIndex(body []byte, feed string, forms map[string]bool) ([]RecordCandidate, []PoisonRecord) {
	var (
		candidates []RecordCandidate
		poison     []PoisonRecord
		inBody     bool
	)
	now := time.Now().UTC()

	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimRight(line, "\r")
		if !inBody {
			if strings.HasPrefix(line, "-----") {
				inBody = true
			}
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		fields := strings.Split(line, "|")
		if len(fields) != 5 {
			poison = append(poison, PoisonRecord{
				Feed: feed, Raw: line, Reason: "expected 5 pipe-delimited fields", ObservedAt: now,
			})
			continue
		}

		cik, company, form, filedStr, filename := fields[0], fields[1], fields[2], fields[3], fields[4]
		if len(forms) > 0 && !forms[form] {
			continue
		}

		filed, err := time.Parse(indexDateLayout, filedStr)
		if err != nil {
			poison = append(poison, PoisonRecord{
				Feed: feed, Raw: line, Reason: fmt.Sprintf("bad filed date %q", filedStr), ObservedAt: now,
			})
			continue
		}

		accession := accessionFromIndexFilename(filename)
		if !ValidAccession(accession) {
			poison = append(poison, PoisonRecord{
				Feed: feed, Raw: line, Reason: "no accession in filename", ObservedAt: now,
			})
			continue
		}

		candidates = append(candidates, RecordCandidate{
			NaturalKey:      NaturalKey(accession),
			Accession:       CanonicalAccession(accession),
			CIK:             PadCIK(cik),
			CompanyName:     strings.TrimSpace(company),
			FormType:        form,
			PublishedAt:     filed,
			SourceURL:       "https://www.sec.gov/Archives/" + strings.TrimSpace(filename),
			SourceUpdatedAt: filed,
			Feed:            feed,
			RawPayload: map[string]interface{}{
				"cik":      cik,
				"company":  company,
				"form":     form,
				"filed":    filedStr,
				"filename": filename,
			},
		})
	}
	return candidates, poison
}

// accessionFromIndexFilename extracts the accession from paths like
// "edgar/data/320193/0000320193-24-000123.txt".
func accessionFromIndexFilename(filename string) string {
	base := filename
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	return strings.TrimSuffix(strings.TrimSpace(base), ".txt")
}

func quarterOf(t time.Time) int { return (int(t.Month())-1)/3 + 1 }

// DailyIndexAdapter covers the one-day-lag catch-up channel. Cursor is the
// last fully ingested business day in YYYY-MM-DD form; each poll advances
// at most maxDays days so a long-idle deployment catches up incrementally.
type DailyIndexAdapter struct {
	client  *Client
	forms   map[string]bool
	maxDays int
	now     func() time.Time
	log     *zap.Logger
}

func NewDailyIndexAdapter(client *Client, forms []string) *DailyIndexAdapter {
	set := make(map[string]bool, len(forms))
	for _, f := range forms {
		set[f] = true
	}
	return &DailyIndexAdapter{
		client:  client,
		forms:   set,
		maxDays: 5,
		now:     time.Now,
		log:     logging.Component("edgar.feed.daily"),
	}
}

func (d *DailyIndexAdapter) Name() string { return "daily" }

func (d *DailyIndexAdapter) Fetch(ctx context.Context, cursor string) (*FetchResult, error) {
	today := d.now().UTC().Truncate(24 * time.Hour)
	start := today.AddDate(0, 0, -1)
	if cursor != "" {
		last, err := time.Parse(indexDateLayout, cursor)
		if err == nil {
			start = last.AddDate(0, 0, 1)
		}
	}

	result := &FetchResult{NextCursor: cursor}
	days := 0
	for day := start; day.Before(today) && days < d.maxDays; day = day.AddDate(0, 0, 1) {
		if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
			result.NextCursor = day.Format(indexDateLayout)
			continue
		}

		url := fmt.Sprintf(DailyIndexURL, day.Year(), quarterOf(day), day.Format("20060102"))
		body, err := d.client.Get(ctx, url)
		if err != nil {
			// Market holidays publish no index. A missing file for a day
			// that is well past is skipped; a missing file for the most
			// recent day means it is not out yet, so stop here without
			// advancing past it.
			if isTerminal(err) && today.Sub(day) > 24*time.Hour {
				d.log.Info("no daily index published, skipping", zap.String("day", day.Format(indexDateLayout)))
				result.NextCursor = day.Format(indexDateLayout)
				continue
			}
			if isTerminal(err) {
				return result, nil
			}
			// Transient failure: surface it; the caller keeps its cursor.
			return nil, err
		}

		candidates, poison := parseMasterIndex(body, d.Name(), d.forms)
		result.Candidates = append(result.Candidates, candidates...)
		result.Poison = append(result.Poison, poison...)
		result.NextCursor = day.Format(indexDateLayout)
		days++
	}
	return result, nil
}

// FullIndexAdapter is the quarterly backfill channel. Cursor is the last
// ingested quarter as "2023Q4"; only completed quarters are fetched, one
// per poll (each master.idx is large).
type FullIndexAdapter struct {
	client *Client
	forms  map[string]bool
	now    func() time.Time
	log    *zap.Logger
}

func NewFullIndexAdapter(client *Client, forms []string) *FullIndexAdapter {
	set := make(map[string]bool, len(forms))
	for _, f := range forms {
		set[f] = true
	}
	return &FullIndexAdapter{
		client: client,
		forms:  set,
		now:    time.Now,
		log:    logging.Component("edgar.feed.quarterly"),
	}
}

func (f *FullIndexAdapter) Name() string { return "quarterly" }

func (f *FullIndexAdapter) Fetch(ctx context.Context, cursor string) (*FetchResult, error) {
	year, quarter, err := nextQuarter(cursor, f.now().UTC())
	if err != nil {
		return nil, err
	}
	if year == 0 {
		// Fully caught up; end of stream.
		return &FetchResult{NextCursor: cursor}, nil
	}

	url := fmt.Sprintf(FullIndexURL, year, quarter)
	body, err := f.client.Get(ctx, url)
	if err != nil {
		return nil, err
	}

	candidates, poison := parseMasterIndex(body, f.Name(), f.forms)
	f.log.Info("quarterly index ingested",
		zap.Int("year", year), zap.Int("quarter", quarter),
		zap.Int("candidates", len(candidates)), zap.Int("poison", len(poison)))
	return &FetchResult{
		Candidates: candidates,
		Poison:     poison,
		NextCursor: fmt.Sprintf("%dQ%d", year, quarter),
	}, nil
}

// nextQuarter returns the quarter after cursor, or zeros when the next
// quarter has not completed yet. An empty cursor starts one year back.
func nextQuarter(cursor string, now time.Time) (int, int, error) {
	curYear, curQ := now.Year(), quarterOf(now)

	var year, q int
	if cursor == "" {
		year, q = curYear-1, curQ
	} else {
		if _, err := fmt.Sscanf(cursor, "%dQ%d", &year, &q); err != nil {
			return 0, 0, fmt.Errorf("edgar: bad quarterly cursor %q: %w", cursor, err)
		}
		q++
		if q > 4 {
			q = 1
			year++
		}
	}

	// Only completed quarters.
	if year > curYear || (year == curYear && q >= curQ) {
		return 0, 0, nil
	}
	return year, q, nil
}

func isTerminal(err error) bool {
	return eris.Is(err, ErrTerminal)
}
