package edgar

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html/charset"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/logging"
)

// AtomFeed is the root element of the EDGAR getcurrent Atom feed.
type AtomFeed struct {
	XMLName xml.Name    `xml:"feed"`
	Title   string      `xml:"title"`
	Updated string      `xml:"updated"`
	Entries []AtomEntry `xml:"entry"`
}

type AtomEntry struct {
	Title    string       `xml:"title"`
	Link     AtomLink     `xml:"link"`
	Summary  string       `xml:"summary"`
	Updated  string       `xml:"updated"`
	Category AtomCategory `xml:"category"`
	ID       string       `xml:"id"`
}

type AtomLink struct {
	Href string `xml:"href,attr"`
}

type AtomCategory struct {
	Term string `xml:"term,attr"`
}

var (
	titleCIKRe   = regexp.MustCompile(`\((\d{7,10})\)`)
	idCIKRe      = regexp.MustCompile(`CIK=(\d+)`)
	summaryCIKRe = regexp.MustCompile(`CIK: (\d+)`)
)

// AtomAdapter polls the real-time getcurrent feed (minutes of latency).
// Cursor: RFC3339Nano of the newest entry seen; entries at or before the
// cursor are skipped, overlap beyond that is absorbed by deduplication.
type AtomAdapter struct {
	client *Client
	forms  string // optional type filter, e.g. "10-K"; empty = all
	count  int
	log    *zap.Logger
}

func NewAtomAdapter(client *Client, forms string, count int) *AtomAdapter {
	if count <= 0 || count > 100 {
		count = 100
	}
	return &AtomAdapter{
		client: client,
		forms:  forms,
		count:  count,
		log:    logging.Component("edgar.feed.rss"),
	}
}

func (a *AtomAdapter) Name() string { return "rss" }

func (a *AtomAdapter) Fetch(ctx context.Context, cursor string) (*FetchResult, error) {
	var since time.Time
	if cursor != "" {
		t, err := time.Parse(time.RFC3339Nano, cursor)
		if err == nil {
			since = t
		}
	}

	url := fmt.Sprintf(CurrentFeedURL, a.forms, a.count)
	body, err := a.client.Get(ctx, url)
	if err != nil {
		return nil, err
	}

	feed, err := decodeAtom(body)
	if err != nil {
		return nil, err
	}

	result := &FetchResult{NextCursor: cursor}
	maxSeen := since
	for _, entry := range feed.Entries {
		updated, err := time.Parse(time.RFC3339, entry.Updated)
		if err != nil {
			result.Poison = append(result.Poison, PoisonRecord{
				Feed:       a.Name(),
				Raw:        entry.ID,
				Reason:     fmt.Sprintf("bad updated timestamp %q", entry.Updated),
				ObservedAt: time.Now().UTC(),
			})
			continue
		}
		if !updated.After(since) {
			continue
		}
		if updated.After(maxSeen) {
			maxSeen = updated
		}

		accession := accessionFromEntryID(entry.ID)
		if !ValidAccession(accession) {
			result.Poison = append(result.Poison, PoisonRecord{
				Feed:       a.Name(),
				Raw:        entry.ID,
				Reason:     "no accession number in entry id",
				ObservedAt: time.Now().UTC(),
			})
			continue
		}

		result.Candidates = append(result.Candidates, RecordCandidate{
			NaturalKey:      NaturalKey(accession),
			Accession:       CanonicalAccession(accession),
			CIK:             PadCIK(entryCIK(entry)),
			CompanyName:     companyFromTitle(entry.Title),
			FormType:        entry.Category.Term,
			PublishedAt:     updated,
			SourceURL:       entry.Link.Href,
			SourceUpdatedAt: updated,
			Feed:            a.Name(),
			RawPayload: map[string]interface{}{
				"title":    entry.Title,
				"id":       entry.ID,
				"summary":  entry.Summary,
				"link":     entry.Link.Href,
				"category": entry.Category.Term,
				"updated":  entry.Updated,
			},
		})
	}

	if maxSeen.After(since) {
		result.NextCursor = maxSeen.Format(time.RFC3339Nano)
	}
	a.log.Debug("atom poll",
		zap.Int("entries", len(feed.Entries)),
		zap.Int("candidates", len(result.Candidates)),
		zap.Int("poison", len(result.Poison)))
	return result, nil
}

// decodeAtom tolerates the non-UTF8 charsets EDGAR occasionally declares.
func decodeAtom(body []byte) (*AtomFeed, error) {
	decoder := xml.NewDecoder(bytes.NewReader(body))
	decoder.CharsetReader = charset.NewReaderLabel

	var feed AtomFeed
	if err := decoder.Decode(&feed); err != nil {
		return nil, fmt.Errorf("edgar: decode atom feed: %w", err)
	}
	return &feed, nil
}

// accessionFromEntryID pulls the accession out of ids shaped like
// "urn:tag:sec.gov,2008:accession-number=0000320193-24-000081".
func accessionFromEntryID(id string) string {
	if parts := strings.Split(id, "="); len(parts) > 1 {
		return parts[len(parts)-1]
	}
	return ""
}

// entryCIK extracts the filer CIK, trying title "(0000320193)", then the id,
// then the summary.
func entryCIK(entry AtomEntry) string {
	if m := titleCIKRe.FindStringSubmatch(entry.Title); len(m) > 1 {
		return m[1]
	}
	if m := idCIKRe.FindStringSubmatch(entry.ID); len(m) > 1 {
		return m[1]
	}
	if m := summaryCIKRe.FindStringSubmatch(entry.Summary); len(m) > 1 {
		return m[1]
	}
	return ""
}

// companyFromTitle parses "FORM - Company Name (CIK) (Filer)".
func companyFromTitle(title string) string {
	parts := strings.SplitN(title, " - ", 2)
	if len(parts) < 2 {
		return strings.TrimSpace(title)
	}
	name := parts[1]
	if i := strings.Index(name, " ("); i > 0 {
		name = name[:i]
	}
	return strings.TrimSpace(name)
}
