// Package fetcher downloads filing bundles from the EDGAR archives into a
// content-addressed local layout keyed by accession number. Fetches are
// idempotent; everything rides the shared rate-limited SEC client.
package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/edgar"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/logging"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/metrics"
)

// Document is one file of a filing submission, on disk after a fetch.
type Document struct {
	Filename    string `json:"filename"`
	Type        string `json:"type"` // "PRIMARY", "EX-21", "EX-10.3", ...
	Description string `json:"description,omitempty"`
	Size        int64  `json:"size"`
	Path        string `json:"path"`
	SourceURL   string `json:"source_url"`
}

// Bundle is the local copy of one submission: the primary document plus
// the exhibits worth parsing.
type Bundle struct {
	Accession       string     `json:"accession"`
	CIK             string     `json:"cik"`
	Dir             string     `json:"dir"`
	PrimaryDocument Document   `json:"primary_document"`
	Exhibits        []Document `json:"exhibits"`
	FetchedAt       time.Time  `json:"fetched_at"`
}

// Options tunes one fetch.
type Options struct {
	// PrimaryHint names the primary document when the caller knows it
	// (submissions metadata); otherwise the fetcher picks heuristically.
	PrimaryHint string
	// Force re-downloads files that already exist locally.
	Force bool
}

type Fetcher struct {
	client  *edgar.Client
	dataDir string
	metrics *metrics.Collector
	log     *zap.Logger
}

func New(client *edgar.Client, dataDir string, m *metrics.Collector) *Fetcher {
	return &Fetcher{
		client:  client,
		dataDir: dataDir,
		metrics: m,
		log:     logging.Component("fetcher"),
	}
}

// BundleDir is the content-addressed location of one submission:
// <data_dir>/filings/<cik, 10 digits>/<accession, dashless>/.
func (f *Fetcher) BundleDir(cik, accession string) string {
	return filepath.Join(f.dataDir, "filings", edgar.PadCIK(cik), edgar.DashlessAccession(accession))
}

const manifestName = "bundle.json"

// Fetch materializes the filing bundle for an accession. Re-fetching the
// same accession reuses complete local files unless Force is set; either
// way the resulting layout is byte-identical.
func (f *Fetcher) Fetch(ctx context.Context, cik, accession string, opts Options) (*Bundle, error) {
	if !edgar.ValidAccession(accession) {
		return nil, eris.Errorf("fetcher: invalid accession %q", accession)
	}
	started := time.Now()

	dir := f.BundleDir(cik, accession)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrap(err, "fetcher: create bundle dir")
	}

	if !opts.Force {
		if bundle, err := f.Load(cik, accession); err == nil {
			return bundle, nil
		}
	}

	entries, err := f.listIndex(ctx, cik, accession)
	if err != nil {
		return nil, err
	}

	primary := pickPrimary(entries, opts.PrimaryHint)
	if primary == nil {
		return nil, eris.Errorf("fetcher: no primary document in %s", accession)
	}

	bundle := &Bundle{
		Accession: edgar.CanonicalAccession(accession),
		CIK:       edgar.PadCIK(cik),
		Dir:       dir,
		FetchedAt: time.Now().UTC(),
	}

	doc, err := f.download(ctx, dir, *primary, "PRIMARY", opts.Force)
	if err != nil {
		return nil, err
	}
	bundle.PrimaryDocument = *doc

	for _, entry := range entries {
		if entry.Name == primary.Name {
			continue
		}
		exType := ClassifyExhibit(entry.Name)
		if exType == "" {
			continue
		}
		doc, err := f.download(ctx, dir, entry, exType, opts.Force)
		if err != nil {
			return nil, err
		}
		bundle.Exhibits = append(bundle.Exhibits, *doc)
	}

	if err := writeManifest(dir, bundle); err != nil {
		return nil, err
	}

	if f.metrics != nil {
		f.metrics.FetchDuration.Observe(time.Since(started).Seconds())
	}
	f.log.Info("bundle fetched",
		zap.String("accession", bundle.Accession),
		zap.String("primary", bundle.PrimaryDocument.Filename),
		zap.Int("exhibits", len(bundle.Exhibits)))
	return bundle, nil
}

// Load returns a previously fetched bundle without touching the network.
// Every listed file must still exist on disk.
func (f *Fetcher) Load(cik, accession string) (*Bundle, error) {
	dir := f.BundleDir(cik, accession)
	raw, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: no local bundle")
	}

	var bundle Bundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return nil, eris.Wrap(err, "fetcher: corrupt bundle manifest")
	}

	docs := append([]Document{bundle.PrimaryDocument}, bundle.Exhibits...)
	for _, doc := range docs {
		info, err := os.Stat(doc.Path)
		if err != nil || info.Size() != doc.Size {
			return nil, eris.Errorf("fetcher: local copy of %s is incomplete", doc.Filename)
		}
	}
	return &bundle, nil
}

// indexEntry is one row of the EDGAR filing directory listing.
type indexEntry struct {
	Name        string
	Description string
	Size        int64
	URL         string
}

func (f *Fetcher) listIndex(ctx context.Context, cik, accession string) ([]indexEntry, error) {
	short := edgar.ShortCIK(cik)
	dashless := edgar.DashlessAccession(accession)
	url := fmt.Sprintf(edgar.FilingIndexURL, short, dashless)

	body, err := f.client.GetJSON(ctx, url)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: filing index for %s", accession)
	}

	var index struct {
		Directory struct {
			Item []struct {
				Name        string `json:"name"`
				Description string `json:"description"`
				Size        string `json:"size"`
			} `json:"item"`
		} `json:"directory"`
	}
	if err := json.Unmarshal(body, &index); err != nil {
		return nil, eris.Wrapf(err, "fetcher: parse filing index for %s", accession)
	}

	base := fmt.Sprintf("https://www.sec.gov/Archives/edgar/data/%s/%s/", short, dashless)
	entries := make([]indexEntry, 0, len(index.Directory.Item))
	for _, item := range index.Directory.Item {
		var size int64
		fmt.Sscanf(item.Size, "%d", &size)
		entries = append(entries, indexEntry{
			Name:        item.Name,
			Description: item.Description,
			Size:        size,
			URL:         base + item.Name,
		})
	}
	return entries, nil
}

// download writes one document under dir via a temp-file rename, so a
// concurrent reader never sees a half-written file.
func (f *Fetcher) download(ctx context.Context, dir string, entry indexEntry, docType string, force bool) (*Document, error) {
	path := filepath.Join(dir, entry.Name)

	if !force {
		if info, err := os.Stat(path); err == nil && entry.Size > 0 && info.Size() == entry.Size {
			return &Document{
				Filename:    entry.Name,
				Type:        docType,
				Description: entry.Description,
				Size:        info.Size(),
				Path:        path,
				SourceURL:   entry.URL,
			}, nil
		}
	}

	body, err := f.client.Get(ctx, entry.URL)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: download %s", entry.Name)
	}

	tmp, err := os.CreateTemp(dir, "."+entry.Name+".tmp*")
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: temp file")
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, eris.Wrapf(err, "fetcher: write %s", entry.Name)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, eris.Wrapf(err, "fetcher: close %s", entry.Name)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return nil, eris.Wrapf(err, "fetcher: place %s", entry.Name)
	}

	return &Document{
		Filename:    entry.Name,
		Type:        docType,
		Description: entry.Description,
		Size:        int64(len(body)),
		Path:        path,
		SourceURL:   entry.URL,
	}, nil
}

func writeManifest(dir string, bundle *Bundle) error {
	raw, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return eris.Wrap(err, "fetcher: marshal manifest")
	}
	tmp := filepath.Join(dir, manifestName+".tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return eris.Wrap(err, "fetcher: write manifest")
	}
	return eris.Wrap(os.Rename(tmp, filepath.Join(dir, manifestName)), "fetcher: place manifest")
}
