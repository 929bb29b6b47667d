package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/edgar"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/feedspine"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/fetcher"
)

func newDownloadCmd(app *cliApp) *cobra.Command {
	var (
		cik       string
		accession string
		forms     []string
		limit     int
		force     bool
	)

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download filing bundles into the local data directory",
		Long: `Download fetches primary documents and exhibits into
<data_dir>/filings/<cik>/<accession>/. With --accession it fetches one
bundle; with --cik it walks the company's recent submissions. Files
already on disk are kept unless --force. Nothing is admitted into the
pipeline; use "edgar sync" for that.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			switch {
			case accession != "":
				return downloadOne(ctx, app, cik, accession, force)
			case cik != "":
				return downloadByCIK(ctx, app, cik, forms, limit, force)
			}
			return usageErrf("download needs --accession or --cik")
		},
	}

	cmd.Flags().StringVar(&accession, "accession", "", "accession number to fetch")
	cmd.Flags().StringVar(&cik, "cik", "", "company CIK, any zero padding")
	cmd.Flags().StringSliceVar(&forms, "forms", []string{"10-K", "10-Q", "8-K"}, "form types to include with --cik")
	cmd.Flags().IntVar(&limit, "limit", 10, "max bundles to fetch with --cik, 0 for all recent")
	cmd.Flags().BoolVar(&force, "force", false, "re-download files that already exist locally")
	return cmd
}

func downloadOne(ctx context.Context, app *cliApp, cik, accession string, force bool) error {
	if !edgar.ValidAccession(accession) {
		return usageErrf("%q is not an accession number", accession)
	}
	acc := edgar.CanonicalAccession(accession)

	if cik == "" {
		// The filings table knows the filer for anything the pipeline saw.
		if err := app.requireDB(ctx); err != nil {
			return err
		}
		f, err := app.records.GetFiling(ctx, acc)
		if err != nil {
			if eris.Is(err, feedspine.ErrNotFound) {
				return usageErrf("filing %s is unknown here; pass --cik", acc)
			}
			return err
		}
		cik = f.FilerCIK
	}

	bundle, err := app.source.Fetch(ctx, cik, acc, fetcher.Options{Force: force})
	if err != nil {
		return err
	}
	fmt.Printf("%s  %d document(s)  %s\n", bundle.Accession, 1+len(bundle.Exhibits), bundle.Dir)
	return nil
}

func downloadByCIK(ctx context.Context, app *cliApp, cik string, forms []string, limit int, force bool) error {
	profile, err := app.client.FetchCompanyProfile(ctx, cik)
	if err != nil {
		return err
	}

	want := make(map[string]bool, len(forms))
	for _, f := range forms {
		if f = strings.ToUpper(strings.TrimSpace(f)); f != "" {
			want[f] = true
		}
	}

	recent := profile.Filings.Recent
	fetched := 0
	for i, acc := range recent.AccessionNumber {
		if limit > 0 && fetched >= limit {
			break
		}
		if i >= len(recent.Form) {
			// The submissions arrays are parallel; a ragged response
			// ends the walk rather than misattributing forms.
			break
		}
		if len(want) > 0 && !want[strings.ToUpper(recent.Form[i])] {
			continue
		}

		opts := fetcher.Options{Force: force}
		if i < len(recent.PrimaryDocument) {
			opts.PrimaryHint = recent.PrimaryDocument[i]
		}
		bundle, err := app.source.Fetch(ctx, profile.CIK, acc, opts)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			app.log.Warn("bundle fetch failed",
				zap.String("accession", acc),
				zap.Error(err))
			continue
		}
		fmt.Printf("%s  %-8s  %s\n", bundle.Accession, recent.Form[i], bundle.Dir)
		fetched++
	}

	fmt.Printf("fetched %d bundle(s) for %s (CIK %s)\n", fetched, profile.Name, edgar.PadCIK(profile.CIK))
	return nil
}
