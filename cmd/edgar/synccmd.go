package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/edgar"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/feedspine"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/pipeline"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/queue"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/syncjob"
)

func newSyncCmd(app *cliApp) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "One-shot catch-up runs against SEC feeds",
		Long: `Sync polls a source once, admits what it finds and enqueues the
parse work. The queue drains in edgard; run it, or the API with ingest
enabled, to see sections, mentions and graph edges appear.`,
	}
	cmd.AddCommand(
		newSyncFeedCmd(app),
		newSyncSubmissionsCmd(app),
		newSyncFTSCmd(app),
		newSyncDeadlettersCmd(app),
	)
	return cmd
}

// ingestStack is what a one-shot run needs: the admitter for capture and
// a pipeline whose OnAdmit enqueues parse tasks. Only OnAdmit runs in
// this process, so the pipeline carries no parser or cascade.
type ingestStack struct {
	admitter *feedspine.Admitter
	pipe     *pipeline.Pipeline
	counts   syncjob.Counts
}

func buildIngest(ctx context.Context, app *cliApp) (*ingestStack, error) {
	if err := app.requireDB(ctx); err != nil {
		return nil, err
	}
	return &ingestStack{
		admitter: feedspine.NewAdmitter(app.records, app.cfg.Feeds.DedupeWindow, app.metrics),
		pipe: pipeline.New(pipeline.Options{
			Records: app.records,
			Queue:   app.queue,
			Logger:  app.log,
		}),
	}, nil
}

// onAdmit advances the tally and feeds the parse queue, the same hook
// the continuous pollers run on each admission.
func (s *ingestStack) onAdmit(ctx context.Context, res feedspine.AdmitResult, rec *feedspine.Record) {
	s.pipe.OnAdmit(ctx, res, rec)
	s.counts.Candidates++
	switch res {
	case feedspine.AdmitNew:
		s.counts.Admitted++
	case feedspine.AdmitResighted:
		s.counts.Resighted++
	case feedspine.AdmitDuplicate:
		s.counts.Duplicates++
	}
}

func (s *ingestStack) summary() string {
	c := s.counts
	return fmt.Sprintf("candidates %d  admitted %d  resighted %d  duplicates %d",
		c.Candidates, c.Admitted, c.Resighted, c.Duplicates)
}

func runOnce(ctx context.Context, app *cliApp, stack *ingestStack, adapter edgar.FeedAdapter) error {
	poller := feedspine.NewPoller(feedspine.PollerOptions{
		Adapter:     adapter,
		Admitter:    stack.admitter,
		Store:       app.records,
		Checkpoints: app.records,
		OnAdmit:     stack.onAdmit,
		Metrics:     app.metrics,
	})
	return poller.RunOnce(ctx)
}

func newSyncFeedCmd(app *cliApp) *cobra.Command {
	return &cobra.Command{
		Use:       "feed [rss|daily|full]",
		Short:     "Poll one discovery feed once",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"rss", "daily", "full"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			target := "rss"
			if len(args) == 1 {
				target = args[0]
			}

			var adapter edgar.FeedAdapter
			switch target {
			case "rss":
				adapter = edgar.NewAtomAdapter(app.client, "", 100)
			case "daily":
				adapter = edgar.NewDailyIndexAdapter(app.client, nil)
			case "full":
				adapter = edgar.NewFullIndexAdapter(app.client, nil)
			default:
				return usageErrf("unknown feed %q, want rss, daily or full", target)
			}

			stack, err := buildIngest(ctx, app)
			if err != nil {
				return err
			}
			if err := runOnce(ctx, app, stack, adapter); err != nil {
				return err
			}
			fmt.Println(stack.summary())
			return nil
		},
	}
}

func newSyncSubmissionsCmd(app *cliApp) *cobra.Command {
	var forms []string

	cmd := &cobra.Command{
		Use:   "submissions CIK",
		Short: "Backfill a company's filing history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			stack, err := buildIngest(ctx, app)
			if err != nil {
				return err
			}
			adapter := edgar.NewSubmissionsAdapter(app.client, []string{args[0]}, forms)
			if err := runOnce(ctx, app, stack, adapter); err != nil {
				return err
			}
			fmt.Println(stack.summary())
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&forms, "forms", nil, "form types to admit, all when empty")
	return cmd
}

func newSyncFTSCmd(app *cliApp) *cobra.Command {
	var (
		query string
		forms string
		from  string
		to    string
	)

	cmd := &cobra.Command{
		Use:   "fts",
		Short: "Admit full-text search hits",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if query == "" {
				return usageErrf("fts needs --query")
			}
			stack, err := buildIngest(ctx, app)
			if err != nil {
				return err
			}

			// The endpoint requires an explicit window; default to the
			// trailing year.
			end := time.Now().UTC()
			start := end.AddDate(-1, 0, 0)
			if from != "" {
				if start, err = parseDay(from); err != nil {
					return err
				}
			}
			if to != "" {
				if end, err = parseDay(to); err != nil {
					return err
				}
			}

			cands, err := app.client.SearchFullText(ctx, query, forms, start, end)
			if err != nil {
				return err
			}
			for _, cand := range cands {
				res, rec, err := stack.admitter.Admit(ctx, cand)
				if err != nil {
					return err
				}
				stack.onAdmit(ctx, res, rec)
			}
			fmt.Println(stack.summary())
			return nil
		},
	}

	cmd.Flags().StringVar(&query, "query", "", "full-text query")
	cmd.Flags().StringVar(&forms, "forms", "", "comma-separated form types")
	cmd.Flags().StringVar(&from, "from", "", "filed on or after, YYYY-MM-DD, default one year back")
	cmd.Flags().StringVar(&to, "to", "", "filed on or before, YYYY-MM-DD, default today")
	return cmd
}

func newSyncDeadlettersCmd(app *cliApp) *cobra.Command {
	var (
		queueName string
		replay    bool
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "List or replay tasks that exhausted their retries",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := app.requireDB(ctx); err != nil {
				return err
			}
			names := []string{queue.FilingsParse, queue.SectionsMentions, queue.MentionsResolve, queue.ResolvedGraph}
			if queueName != "" {
				names = []string{queueName}
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tQUEUE\tDEAD_AT\tERROR")
			replayed := 0
			for _, name := range names {
				letters, err := app.queue.DeadLetters(ctx, name, limit)
				if err != nil {
					return err
				}
				for _, dl := range letters {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
						dl.DeadLetterID, dl.Task.Queue,
						dl.DeadAt.Format(time.RFC3339), oneLine(dl.FinalError))
					if replay {
						if err := app.queue.Replay(ctx, dl.DeadLetterID); err != nil {
							return err
						}
						replayed++
					}
				}
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if replay {
				fmt.Printf("replayed %d task(s)\n", replayed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&queueName, "queue", "", "inspect one queue only")
	cmd.Flags().BoolVar(&replay, "replay", false, "re-enqueue every listed task")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows per queue")
	return cmd
}

func oneLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 80 {
		s = s[:77] + "..."
	}
	return s
}
