// Command edgar is the operator CLI: download filing bundles, list and
// extract what the pipeline stored, query the relationship graph, trigger
// catch-up syncs and manage symbology. Exit codes: 0 success, 1 user
// error, 2 runtime failure. Errors print a JSON envelope to stderr;
// command output goes to stdout.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/config"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/edgar"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/feedspine"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/fetcher"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/logging"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/metrics"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/queue"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/sections"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/spine"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/store"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/validate"
)

// usageError marks mistakes the user can fix: bad flags, missing
// arguments, lookups of things that do not exist. They exit 1; anything
// else exits 2.
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func usageErrf(format string, args ...any) error {
	return usageError{msg: fmt.Sprintf(format, args...)}
}

// errEnvelope is what a failed command prints to stderr.
type errEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// cliApp carries state shared across commands. The database opens lazily;
// download and extract work without one.
type cliApp struct {
	cfg    *config.Config
	flush  func()
	log    *zap.Logger
	client *edgar.Client
	source *fetcher.Fetcher

	pool     *pgxpool.Pool
	records  *store.RecordRepo
	sections *store.SectionRepo
	mentions *store.MentionRepo
	spineSt  *store.SpineRepo
	graphSt  *store.GraphRepo
	events   *store.EventRepo
	queue    *queue.PGQueue

	metrics  *metrics.Collector
	recorder *validate.Recorder
	cache    *spine.NameCache
}

func main() {
	os.Exit(run())
}

func run() int {
	godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cliApp{}
	root := newRootCmd(app)
	err := root.ExecuteContext(ctx)
	if app.pool != nil {
		app.pool.Close()
	}
	if app.flush != nil {
		defer app.flush()
	}
	if err == nil {
		return 0
	}

	env := errEnvelope{Code: "runtime_error", Message: err.Error()}
	code := 2
	var ue usageError
	switch {
	case errors.As(err, &ue):
		env.Code = "invalid_argument"
		code = 1
	case eris.Is(err, feedspine.ErrNotFound) || eris.Is(err, sections.ErrNotFound) ||
		eris.Is(err, spine.ErrNotFound) || eris.Is(err, edgar.ErrTickerUnknown):
		env.Code = "not_found"
		code = 1
	}
	_ = json.NewEncoder(os.Stderr).Encode(env)
	return code
}

func newRootCmd(app *cliApp) *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "edgar",
		Short:         "SEC EDGAR ingestion and knowledge graph toolkit",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgPath == "" {
				cfgPath = os.Getenv("EDGAR_CONFIG")
			}
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return usageErrf("config: %v", err)
			}
			config.Install(cfg)

			flush, err := logging.Setup(cfg.Log.Level, cfg.Log.Pretty)
			if err != nil {
				return err
			}
			app.cfg = cfg
			app.flush = flush
			app.log = logging.Component("cli")
			app.metrics = metrics.NewCollector()
			app.client = edgar.NewClient(edgar.ClientOptions{
				UserAgent:         cfg.UserAgent,
				RequestsPerSecond: cfg.RequestsPerSecond,
				MaxAttempts:       cfg.Worker.MaxAttempts,
				BackoffBase:       cfg.Worker.BackoffBase,
				Metrics:           app.metrics,
			})
			app.source = fetcher.New(app.client, cfg.DataDir, app.metrics)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (default $EDGAR_CONFIG)")

	root.AddCommand(
		newDownloadCmd(app),
		newListCmd(app),
		newExtractCmd(app),
		newGraphCmd(app),
		newSyncCmd(app),
		newEntityCmd(app),
		newSymbologyCmd(app),
	)
	return root
}

// requireDB opens the configured database on first use. Commands that
// read or write pipeline state call it; download and extract do not.
func (a *cliApp) requireDB(ctx context.Context) error {
	if a.pool != nil {
		return nil
	}
	if a.cfg.Database.URL == "" {
		return usageErrf("this command needs database.url (config file or EDGAR_DATABASE_URL)")
	}
	if err := store.Migrate(ctx, a.cfg.Database.URL); err != nil {
		return err
	}
	pool, err := store.Open(ctx, a.cfg.Database.URL)
	if err != nil {
		return err
	}
	a.pool = pool
	a.records = store.NewRecordRepo(pool)
	a.sections = store.NewSectionRepo(pool)
	a.mentions = store.NewMentionRepo(pool)
	a.spineSt = store.NewSpineRepo(pool)
	a.graphSt = store.NewGraphRepo(pool)
	a.events = store.NewEventRepo(pool)

	a.recorder = validate.NewRecorder(validate.RecorderOptions{
		Sink:    a.events,
		Logger:  logging.Component("validate"),
		Metrics: a.metrics,
	})

	policy := queue.DefaultPolicy()
	if a.cfg.Worker.MaxAttempts > 0 {
		policy.MaxAttempts = a.cfg.Worker.MaxAttempts
	}
	if a.cfg.Worker.BackoffBase > 0 {
		policy.BackoffBase = a.cfg.Worker.BackoffBase
	}
	if d := a.cfg.Worker.Deadline(); d > 0 {
		policy.Deadline = d
	}
	if a.cfg.Queue.HighWater > 0 {
		policy.HighWater = a.cfg.Queue.HighWater
	}
	a.queue = queue.NewPGQueue(pool, queue.PGQueueOptions{
		Policy:  &policy,
		Metrics: a.metrics,
		Logger:  logging.Component("queue"),
	})
	return nil
}

// warmCache loads the resolver's name cache once per invocation.
func (a *cliApp) warmCache(ctx context.Context) (*spine.NameCache, error) {
	if a.cache != nil {
		return a.cache, nil
	}
	cache := spine.NewNameCache()
	if err := cache.Refresh(ctx, a.spineSt, 0); err != nil {
		return nil, err
	}
	a.cache = cache
	return cache, nil
}

func (a *cliApp) spineService(ctx context.Context) (*spine.Spine, error) {
	cache, err := a.warmCache(ctx)
	if err != nil {
		return nil, err
	}
	return spine.NewSpine(a.spineSt, spine.SpineOptions{
		Cache:    cache,
		Recorder: a.recorder,
		Logger:   logging.Component("spine"),
	}), nil
}

func (a *cliApp) resolver(ctx context.Context) (*spine.Resolver, error) {
	cache, err := a.warmCache(ctx)
	if err != nil {
		return nil, err
	}
	return spine.NewResolver(a.spineSt, spine.ResolverOptions{
		Cache:            cache,
		Recorder:         a.recorder,
		Metrics:          a.metrics,
		Logger:           logging.Component("spine.resolver"),
		FuzzyThreshold:   a.cfg.Resolver.FuzzyThreshold,
		FuzzyMargin:      a.cfg.Resolver.FuzzyMargin,
		ExchangePriority: a.cfg.Resolver.ExchangePriority,
	}), nil
}
