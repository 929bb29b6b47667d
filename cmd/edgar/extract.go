package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/edgar"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/feedspine"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/fetcher"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/sections"
)

func newExtractCmd(app *cliApp) *cobra.Command {
	var (
		cik string
		key string
	)

	cmd := &cobra.Command{
		Use:   "extract ACCESSION",
		Short: "Parse a filing bundle into sections",
		Long: `Extract runs the section parser over a local bundle, downloading it
first when it is not on disk, and prints the section index. With
--section it prints that section's text to stdout. Pipeline state is
not touched; this is the same split the workers produce.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if !edgar.ValidAccession(args[0]) {
				return usageErrf("%q is not an accession number", args[0])
			}
			acc := edgar.CanonicalAccession(args[0])

			if cik == "" {
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

			bundle, err := app.source.Load(cik, acc)
			if err != nil {
				bundle, err = app.source.Fetch(ctx, cik, acc, fetcher.Options{})
				if err != nil {
					return err
				}
			}

			parser := sections.NewParser(sections.ParserOptions{
				Rules:   sectionRules(app.log),
				Metrics: app.metrics,
				Logger:  app.log,
			})
			secs, err := parser.Parse(ctx, bundle)
			if err != nil {
				return err
			}

			if key != "" {
				for i := range secs {
					if secs[i].SectionKey == key {
						fmt.Println(secs[i].Text)
						return nil
					}
				}
				return usageErrf("filing %s has no section %q", acc, key)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tTITLE\tSTART\tEND\tWORDS")
			for i := range secs {
				s := &secs[i]
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n",
					s.SectionKey, s.Title, s.CharStart, s.CharEnd, s.WordCount)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&cik, "cik", "", "filer CIK, looked up from the filings table when omitted")
	cmd.Flags().StringVar(&key, "section", "", "print this section's text instead of the index")
	return cmd
}

// sectionRules prefers the packaged ruleset so the CLI splits filings the
// same way the workers do, falling back to the builtins.
func sectionRules(log *zap.Logger) *sections.RuleSet {
	path := filepath.Join(resourceDir(), "sections.yaml")
	rules, err := sections.LoadRules(path)
	if err != nil {
		log.Debug("packaged section rules unavailable, using builtins", zap.Error(err))
		return sections.DefaultRules()
	}
	return rules
}

func resourceDir() string {
	dir := "resources"
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		exePath, _ := os.Executable()
		dir = filepath.Join(filepath.Dir(exePath), "resources")
	}
	return dir
}
