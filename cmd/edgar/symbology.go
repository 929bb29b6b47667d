package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/spine"
)

func newSymbologyCmd(app *cliApp) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "symbology",
		Short: "Manage ticker and exchange claims",
	}
	cmd.AddCommand(newSymbologyRefreshCmd(app))
	return cmd
}

func newSymbologyRefreshCmd(app *cliApp) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Register every company in the SEC ticker table",
		Long: `Refresh pulls company_tickers_exchange.json and registers each row as
an authoritative identity. New companies get entities, renamed ones get
versioned, and ticker claims open and close as listings move.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := app.requireDB(ctx); err != nil {
				return err
			}
			svc, err := app.spineService(ctx)
			if err != nil {
				return err
			}

			rows, err := app.client.FetchTickerTable(ctx)
			if err != nil {
				return err
			}

			registered, rejected := 0, 0
			for _, row := range rows {
				if err := ctx.Err(); err != nil {
					return err
				}
				cik := strconv.FormatInt(row.CIK, 10)
				id := spine.AuthoritativeIdentity{
					SourceSystem: "sec_tickers",
					SourceID:     cik,
					CIK:          cik,
					Name:         row.Name,
					EntityType:   spine.TypeCompanyPublic,
				}
				if row.Ticker != "" {
					id.Tickers = []spine.TickerListing{{Ticker: row.Ticker, Exchange: row.Exchange}}
				}
				if _, err := svc.RegisterAuthoritative(ctx, id); err != nil {
					rejected++
					app.log.Warn("symbology row rejected",
						zap.String("cik", cik),
						zap.String("ticker", row.Ticker),
						zap.Error(err))
					continue
				}
				registered++
			}

			if err := app.cache.Refresh(ctx, app.spineSt, 0); err != nil {
				return err
			}
			fmt.Printf("registered %d, rejected %d, %d names cached\n",
				registered, rejected, app.cache.Len())
			return nil
		},
	}
}
