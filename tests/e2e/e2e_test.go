package e2e_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/edgar"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/feedspine"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/fetcher"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/graph"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/mentions"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/metrics"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/pipeline"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/queue"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/sections"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/spine"
)

const (
	appleCIK  = "0000320193"
	annualAcc = "0000320193-24-000081"
)

// stubEDGAR answers the slice of sec.gov the ingest path touches: the
// current-events Atom feed, daily master indexes, per-filing directory
// listings and the documents themselves. Anything else fails the test,
// so a code change that starts hitting a new endpoint shows up here.
type stubEDGAR struct {
	t *testing.T

	mu       sync.Mutex
	atom     string            // browse-edgar payload
	daily    string            // master.idx served for every daily-index date
	listings map[string]string // dashless accession -> index.json
	files    map[string]string // "dashless/filename" -> body
	hits     map[string]int    // request path -> count
}

func newStubEDGAR(t *testing.T) *stubEDGAR {
	return &stubEDGAR{
		t:        t,
		listings: map[string]string{},
		files:    map[string]string{},
		hits:     map[string]int{},
	}
}

func (s *stubEDGAR) RoundTrip(r *http.Request) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := r.URL.Path
	s.hits[p]++
	switch {
	case strings.Contains(p, "browse-edgar"):
		return respond(http.StatusOK, s.atom), nil
	case strings.Contains(p, "/daily-index/"):
		return respond(http.StatusOK, s.daily), nil
	case strings.HasSuffix(p, "/index.json"):
		if listing, ok := s.listings[path.Base(path.Dir(p))]; ok {
			return respond(http.StatusOK, listing), nil
		}
	case strings.Contains(p, "/Archives/edgar/data/"):
		if body, ok := s.files[path.Base(path.Dir(p))+"/"+path.Base(p)]; ok {
			return respond(http.StatusOK, body), nil
		}
	}
	s.t.Errorf("unstubbed request: %s", r.URL)
	return respond(http.StatusNotFound, "no fixture"), nil
}

// serveFiling registers a filing directory: an index.json naming each
// document plus the document bodies themselves.
func (s *stubEDGAR) serveFiling(accession string, files map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dashless := edgar.DashlessAccession(accession)
	s.listings[dashless] = directoryListing(dashless, files)
	for name, body := range files {
		s.files[dashless+"/"+name] = body
	}
}

// count returns how many requests ended with the given path suffix.
func (s *stubEDGAR) count(suffix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for p, c := range s.hits {
		if strings.HasSuffix(p, suffix) {
			n += c
		}
	}
	return n
}

func respond(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

func directoryListing(dashless string, files map[string]string) string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	items := make([]string, 0, len(names))
	for _, name := range names {
		items = append(items, fmt.Sprintf(
			`{"name": %q, "description": "", "size": "%d", "last-modified": "2024-11-01 16:31:12"}`,
			name, len(files[name])))
	}
	return fmt.Sprintf(`{"directory": {"name": "/Archives/edgar/data/320193/%s", "item": [%s]}}`,
		dashless, strings.Join(items, ", "))
}

// currentEventsAtom carries one clean Apple 10-K and one entry whose id
// names no accession, which must land in quarantine rather than abort
// the poll. The entry time is 2024-11-01 in UTC so a later daily-index
// resight of the same filing hashes identically.
const currentEventsAtom = `<?xml version="1.0" encoding="ISO-8859-1" ?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Latest Filings - Fri, 01 Nov 2024 12:05:32 EDT</title>
  <updated>2024-11-01T12:05:32-04:00</updated>
  <entry>
    <title>10-K - Apple Inc. (0000320193) (Filer)</title>
    <link rel="alternate" type="text/html" href="https://www.sec.gov/Archives/edgar/data/320193/000032019324000081/0000320193-24-000081-index.htm"/>
    <summary type="html">&lt;b&gt;Filed:&lt;/b&gt; 2024-11-01 &lt;b&gt;AccNo:&lt;/b&gt; 0000320193-24-000081 &lt;b&gt;Size:&lt;/b&gt; 8 MB</summary>
    <updated>2024-11-01T12:00:00-04:00</updated>
    <category scheme="https://www.sec.gov/" label="form type" term="10-K"/>
    <id>urn:tag:sec.gov,2008:accession-number=0000320193-24-000081</id>
  </entry>
  <entry>
    <title>4 - Doe John (0001234567) (Reporting)</title>
    <link rel="alternate" type="text/html" href="https://www.sec.gov/cgi-bin/browse-edgar?action=getcompany"/>
    <summary type="html">broken row</summary>
    <updated>2024-11-01T10:00:00-04:00</updated>
    <category scheme="https://www.sec.gov/" label="form type" term="4"/>
    <id>urn:tag:sec.gov,2008:no-accession-here</id>
  </entry>
</feed>`

// dailyMasterIndex restates the filing the Atom feed already announced.
// Date Filed matches the feed entry's UTC date, so the content hash is
// the same and admission records a resight instead of a new row.
const dailyMasterIndex = `Description:           Master Index of EDGAR Dissemination Feed
Last Data Received:    November 1, 2024
Comments:              webmaster@sec.gov

CIK|Company Name|Form Type|Date Filed|Filename
--------------------------------------------------------------------------------
320193|Apple Inc.|10-K|2024-11-01|edgar/data/320193/0000320193-24-000081.txt
`

// tenKHTML is a minimal 10-K primary document whose Item 1 names a
// supplier in cue language the graph stage can type.
func tenKHTML(supplier string) string {
	var b strings.Builder
	b.WriteString(`<html><body>`)
	b.WriteString(`<h1>UNITED STATES SECURITIES AND EXCHANGE COMMISSION</h1>`)
	section := func(heading, sentence string) {
		b.WriteString(`<p><b>` + heading + `</b></p>`)
		b.WriteString(`<p>` + strings.Repeat(sentence+" ", 12) + `</p>`)
	}
	section("Item 1. Business",
		"Our suppliers include "+supplier+" and other component makers.")
	section("Item 1A. Risk Factors",
		"The business depends on concentrated fabrication capacity and long component lead times.")
	section("Item 8. Financial Statements and Supplementary Data",
		"The consolidated financial statements are filed as part of this report.")
	b.WriteString(`</body></html>`)
	return b.String()
}

func ex21HTML(names ...string) string {
	var b strings.Builder
	b.WriteString(`<html><body><p>Subsidiaries of the Registrant</p>`)
	for _, n := range names {
		b.WriteString(`<p>` + n + `</p>`)
	}
	b.WriteString(`</body></html>`)
	return b.String()
}

// filingDocuments is the directory content of one stubbed 10-K: a
// primary whose name carries the form hint and an Exhibit 21.
func filingDocuments(subsidiaries ...string) map[string]string {
	return map[string]string{
		"aapl-10k.htm": tenKHTML("NVIDIA Corporation"),
		"ex21.htm":     ex21HTML(subsidiaries...),
	}
}

// env wires the production ingest stack over in-process stores: a real
// EDGAR client and fetcher pointed at the stub, feeding the staged
// pipeline exactly the way edgard runs it.
type env struct {
	stub     *stubEDGAR
	client   *edgar.Client
	source   *fetcher.Fetcher
	records  *feedspine.MemoryStore
	sections *sections.MemoryStore
	mentions *mentions.MemoryStore
	graph    *graph.MemoryGraph
	entities *spine.MemoryStore
	spine    *spine.Spine
	queue    *queue.MemoryQueue
	admitter *feedspine.Admitter
	pipeline *pipeline.Pipeline
}

func newEnv(t *testing.T) *env {
	t.Helper()

	stub := newStubEDGAR(t)
	client := edgar.NewClient(edgar.ClientOptions{
		UserAgent:         "e2e-test test@example.com",
		RequestsPerSecond: 200,
		MaxAttempts:       2,
		BackoffBase:       5 * time.Millisecond,
		HTTPClient:        &http.Client{Transport: stub},
	})
	edgar.SetRate(200)

	spineStore := spine.NewMemoryStore()
	cache := spine.NewNameCache()
	svc := spine.NewSpine(spineStore, spine.SpineOptions{Cache: cache})
	resolver := spine.NewResolver(spineStore, spine.ResolverOptions{Cache: cache})
	graphStore := graph.NewMemoryGraph()
	records := feedspine.NewMemoryStore()

	e := &env{
		stub:     stub,
		client:   client,
		source:   fetcher.New(client, t.TempDir(), nil),
		records:  records,
		sections: sections.NewMemoryStore(),
		mentions: mentions.NewMemoryStore(),
		graph:    graphStore,
		entities: spineStore,
		spine:    svc,
		queue:    queue.NewMemoryQueue(queue.DefaultPolicy()),
		admitter: feedspine.NewAdmitter(records, time.Hour, metrics.Nop()),
	}
	e.pipeline = pipeline.New(pipeline.Options{
		Records:  e.records,
		Sections: e.sections,
		Mentions: e.mentions,
		Queue:    e.queue,
		Source:   e.source,
		Parser:   sections.NewParser(sections.ParserOptions{}),
		Cascade: mentions.NewCascade(mentions.CascadeOptions{
			Extractors: []mentions.Extractor{&mentions.PatternExtractor{}},
		}),
		Resolver: resolver,
		Spine:    svc,
		Builder:  graph.NewBuilder(resolver, svc, graphStore, graph.BuilderOptions{}),
		Logger:   zap.NewNop(),
	})
	return e
}

// poll runs one feed round the way the ingest worker does: fetch from
// the saved cursor, admit, hand admissions to the pipeline.
func (e *env) poll(t *testing.T, adapter edgar.FeedAdapter) {
	t.Helper()
	p := feedspine.NewPoller(feedspine.PollerOptions{
		Adapter:     adapter,
		Admitter:    e.admitter,
		Store:       e.records,
		Checkpoints: e.records,
		OnAdmit:     e.pipeline.OnAdmit,
		Metrics:     metrics.Nop(),
	})
	if err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("poll %s: %v", adapter.Name(), err)
	}
}

// admit pushes one candidate in directly, standing in for a backfill
// feed that is not part of the scenario under test.
func (e *env) admit(t *testing.T, accession string, filed time.Time) {
	t.Helper()
	res, rec, err := e.admitter.Admit(context.Background(), edgar.RecordCandidate{
		NaturalKey:  edgar.NaturalKey(accession),
		Accession:   accession,
		CIK:         appleCIK,
		CompanyName: "Apple Inc.",
		FormType:    "10-K",
		PublishedAt: filed,
		SourceURL:   "https://www.sec.gov/Archives/edgar/data/320193/" + edgar.DashlessAccession(accession) + "-index.htm",
		Feed:        "full-index",
	})
	if err != nil {
		t.Fatalf("Admit %s: %v", accession, err)
	}
	e.pipeline.OnAdmit(context.Background(), res, rec)
}

// drain runs queued tasks stage by stage until every queue is empty.
func (e *env) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	stages := []string{queue.FilingsParse, queue.SectionsMentions, queue.MentionsResolve, queue.ResolvedGraph}
	handlers := e.pipeline.Handlers()

	for pass := 0; pass < 16; pass++ {
		idle := true
		for _, name := range stages {
			for {
				task, err := e.queue.Dequeue(ctx, name)
				if eris.Is(err, queue.ErrEmpty) {
					break
				}
				if err != nil {
					t.Fatalf("dequeue %s: %v", name, err)
				}
				idle = false
				if err := handlers[name](ctx, task); err != nil {
					t.Fatalf("%s handler: %v", name, err)
				}
				if err := e.queue.Ack(ctx, task.TaskID); err != nil {
					t.Fatalf("ack %s: %v", name, err)
				}
			}
		}
		if idle {
			return
		}
	}
	t.Fatal("queues never drained")
}

// filerID reads the entity the filing resolved its filer to.
func (e *env) filerID(t *testing.T, accession string) int64 {
	t.Helper()
	filing, err := e.records.GetFiling(context.Background(), accession)
	if err != nil {
		t.Fatalf("GetFiling(%s): %v", accession, err)
	}
	id, err := strconv.ParseInt(filing.EntityID, 10, 64)
	if err != nil {
		t.Fatalf("filing %s has no resolved filer: %q", accession, filing.EntityID)
	}
	return id
}

// entityName resolves an id to its primary name for assertions.
func (e *env) entityName(t *testing.T, id int64) string {
	t.Helper()
	ent, err := e.entities.Entity(context.Background(), id)
	if err != nil {
		t.Fatalf("Entity(%d): %v", id, err)
	}
	return ent.PrimaryName
}
