package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/spine"
)

func newEntityCmd(app *cliApp) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entity",
		Short: "Resolve and search the identity spine",
	}
	cmd.AddCommand(newEntityLookupCmd(app), newEntitySearchCmd(app))
	return cmd
}

func newEntityLookupCmd(app *cliApp) *cobra.Command {
	var asOf string

	cmd := &cobra.Command{
		Use:   "lookup NAME",
		Short: "Run the resolution ladder over a name",
		Long: `Lookup resolves a name the way the pipeline resolves a mention:
exact match first, then alias, then fuzzy. --as-of resolves against the
spine as it stood on that date, so renames and redirects land on the
era's entity.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			query := strings.Join(args, " ")
			if err := app.requireDB(ctx); err != nil {
				return err
			}
			resolver, err := app.resolver(ctx)
			if err != nil {
				return err
			}

			var at time.Time
			if asOf != "" {
				if at, err = parseDay(asOf); err != nil {
					return err
				}
			}

			res, err := resolver.Resolve(ctx, spine.Candidate{Text: query}, spine.FilingContext{}, at)
			if err != nil {
				return err
			}

			fmt.Printf("method: %s\nconfidence: %.2f\n", res.Method, res.Confidence)
			for _, warn := range res.Warnings {
				fmt.Printf("warning: %s\n", warn)
			}
			if !res.Resolved() {
				fmt.Println("unresolved")
				return nil
			}
			e, err := app.spineSt.Entity(ctx, res.EntityID)
			if err != nil {
				return err
			}
			fmt.Printf("entity: %d  %s  (%s)\n", e.EntityID, e.PrimaryName, e.EntityType)
			return nil
		},
	}

	cmd.Flags().StringVar(&asOf, "as-of", "", "resolve against the spine on this date, YYYY-MM-DD")
	return cmd
}

func newEntitySearchCmd(app *cliApp) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "search QUERY",
		Short: "Substring-search entity names",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			query := spine.NormalizeName(strings.Join(args, " "))
			if query == "" {
				return usageErrf("search needs a non-empty query")
			}
			if err := app.requireDB(ctx); err != nil {
				return err
			}

			rows, err := app.spineSt.ListNames(ctx, 0)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTYPE")
			matched := 0
			for _, row := range rows {
				if !strings.Contains(spine.NormalizeName(row.Name), query) {
					continue
				}
				fmt.Fprintf(w, "%d\t%s\t%s\n", row.EntityID, row.Name, row.Type)
				if matched++; limit > 0 && matched >= limit {
					break
				}
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "max rows")
	return cmd
}
