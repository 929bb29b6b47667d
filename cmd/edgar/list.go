package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/edgar"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/feedspine"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/spine"
)

func newListCmd(app *cliApp) *cobra.Command {
	var (
		cik    string
		ticker string
		form   string
		from   string
		to     string
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List filings the pipeline has captured",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if cik != "" && ticker != "" {
				return usageErrf("--cik and --ticker are mutually exclusive")
			}
			if err := app.requireDB(ctx); err != nil {
				return err
			}

			filter := feedspine.FilingFilter{
				FormType: strings.ToUpper(strings.TrimSpace(form)),
				Limit:    limit,
			}
			if cik != "" {
				filter.CIK = edgar.PadCIK(cik)
			}
			if ticker != "" {
				resolved, err := cikForTicker(ctx, app, ticker)
				if err != nil {
					return err
				}
				filter.CIK = resolved
			}
			var err error
			if filter.From, err = parseDay(from); err != nil {
				return err
			}
			if filter.To, err = parseDay(to); err != nil {
				return err
			}

			rows, err := app.records.ListFilings(ctx, filter)
			if err != nil {
				return err
			}
			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(rows)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ACCESSION\tFORM\tCIK\tFILED\tSECTIONS\tMENTIONS")
			for i := range rows {
				f := &rows[i]
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%v\n",
					f.AccessionNumber, f.FormType, f.FilerCIK,
					f.FiledDate.Format("2006-01-02"),
					f.SectionsExtracted, f.MentionsExtracted)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&cik, "cik", "", "filter by filer CIK")
	cmd.Flags().StringVar(&ticker, "ticker", "", "filter by ticker symbol")
	cmd.Flags().StringVar(&form, "form", "", "filter by form type")
	cmd.Flags().StringVar(&from, "from", "", "filed on or after, YYYY-MM-DD")
	cmd.Flags().StringVar(&to, "to", "", "filed on or before, YYYY-MM-DD")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func parseDay(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, usageErrf("bad date %q, want YYYY-MM-DD", s)
	}
	return t, nil
}

// cikForTicker walks an active ticker claim in the identity spine to the
// owning entity's active CIK claim. When the spine has never seen the
// symbol it falls back to the SEC's ticker table over the network.
func cikForTicker(ctx context.Context, app *cliApp, ticker string) (string, error) {
	now := time.Now().UTC()
	sym := strings.ToUpper(strings.TrimSpace(ticker))

	claims, err := app.spineSt.Claims(ctx, spine.SchemeTicker, sym)
	if err != nil {
		return "", err
	}
	for _, c := range claims {
		if c.Status != spine.ClaimActive || !c.Covers(now) {
			continue
		}
		owner, err := app.spineSt.ClaimOwner(ctx, c)
		if err != nil {
			continue
		}
		entityClaims, err := app.spineSt.ClaimsForEntity(ctx, owner.EntityID)
		if err != nil {
			return "", err
		}
		for _, ec := range entityClaims {
			if ec.Scheme == spine.SchemeCIK && ec.Status == spine.ClaimActive && ec.Covers(now) {
				return edgar.PadCIK(ec.Value), nil
			}
		}
	}
	return app.client.LookupCIKByTicker(ctx, sym)
}
