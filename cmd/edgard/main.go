// Command edgard is the ingestion daemon: it polls the SEC feeds, runs
// the stage workers that turn admitted filings into sections, mentions
// and relationships, and performs queue maintenance. It requires a
// database; the in-process stores that back dev-mode API serving cannot
// host a multi-process work queue.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/config"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/edgar"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/feedspine"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/fetcher"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/graph"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/llm"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/logging"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/mentions"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/metrics"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/pipeline"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/prompt"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/queue"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/sections"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/spine"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/store"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/validate"
)

func main() {
	godotenv.Load()

	cfgPath := pflag.String("config", os.Getenv("EDGAR_CONFIG"), "path to config file")
	pflag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	config.Install(cfg)

	flush, err := logging.Setup(cfg.Log.Level, cfg.Log.Pretty)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		os.Exit(1)
	}
	defer flush()
	log := logging.Component("edgard")

	if cfg.Database.URL == "" {
		log.Error("edgard needs database.url; the work queue is not in-process")
		flush()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewCollector()

	if err := store.Migrate(ctx, cfg.Database.URL); err != nil {
		log.Error("migrate failed", zap.Error(err))
		flush()
		os.Exit(1)
	}
	pool, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		log.Error("database open failed", zap.Error(err))
		flush()
		os.Exit(1)
	}
	defer pool.Close()

	records := store.NewRecordRepo(pool)
	secs := store.NewSectionRepo(pool)
	ments := store.NewMentionRepo(pool)
	spineStore := store.NewSpineRepo(pool)
	graphStore := store.NewGraphRepo(pool)
	events := store.NewEventRepo(pool)

	recorder := validate.NewRecorder(validate.RecorderOptions{
		Sink:    events,
		Logger:  logging.Component("validate"),
		Metrics: m,
	})

	cache := spine.NewNameCache()
	if err := cache.Refresh(ctx, spineStore, 0); err != nil {
		log.Warn("name cache warm failed, fuzzy matching starts cold", zap.Error(err))
	}

	spineSvc := spine.NewSpine(spineStore, spine.SpineOptions{
		Cache:    cache,
		Recorder: recorder,
		Logger:   logging.Component("spine"),
	})
	resolver := spine.NewResolver(spineStore, spine.ResolverOptions{
		Cache:            cache,
		Recorder:         recorder,
		Metrics:          m,
		Logger:           logging.Component("spine.resolver"),
		FuzzyThreshold:   cfg.Resolver.FuzzyThreshold,
		FuzzyMargin:      cfg.Resolver.FuzzyMargin,
		ExchangePriority: cfg.Resolver.ExchangePriority,
	})

	client := edgar.NewClient(edgar.ClientOptions{
		UserAgent:         cfg.UserAgent,
		RequestsPerSecond: cfg.RequestsPerSecond,
		MaxAttempts:       cfg.Worker.MaxAttempts,
		BackoffBase:       cfg.Worker.BackoffBase,
		Metrics:           m,
	})
	source := fetcher.New(client, cfg.DataDir, m)

	rules, cues, prompts := loadResources(log)

	parser := sections.NewParser(sections.ParserOptions{
		Rules:    rules,
		Recorder: recorder,
		Metrics:  m,
		Logger:   logging.Component("sections"),
	})
	cascade := mentions.NewCascade(mentions.CascadeOptions{
		Extractors: buildExtractors(cfg, cache, prompts),
		Recorder:   recorder,
		Metrics:    m,
		Logger:     logging.Component("mentions"),
	})
	builder := graph.NewBuilder(resolver, spineSvc, graphStore, graph.BuilderOptions{
		Cues:     cues,
		Recorder: recorder,
		Metrics:  m,
		Logger:   logging.Component("graph"),
	})

	policy := queue.DefaultPolicy()
	if cfg.Worker.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.Worker.MaxAttempts
	}
	if cfg.Worker.BackoffBase > 0 {
		policy.BackoffBase = cfg.Worker.BackoffBase
	}
	if d := cfg.Worker.Deadline(); d > 0 {
		policy.Deadline = d
	}
	if cfg.Queue.HighWater > 0 {
		policy.HighWater = cfg.Queue.HighWater
	}
	q := queue.NewPGQueue(pool, queue.PGQueueOptions{
		Policy:  &policy,
		Metrics: m,
		Logger:  logging.Component("queue"),
	})

	pipe := pipeline.New(pipeline.Options{
		Records:  records,
		Sections: secs,
		Mentions: ments,
		Queue:    q,
		Source:   source,
		Parser:   parser,
		Cascade:  cascade,
		Resolver: resolver,
		Spine:    spineSvc,
		Builder:  builder,
		Logger:   logging.Component("pipeline"),
	})

	admitter := feedspine.NewAdmitter(records, cfg.Feeds.DedupeWindow, m)

	g, gctx := errgroup.WithContext(ctx)

	feeds := []struct {
		adapter  edgar.FeedAdapter
		interval time.Duration
	}{
		{edgar.NewAtomAdapter(client, "", 100), cfg.Feeds.RSSInterval},
		{edgar.NewDailyIndexAdapter(client, nil), cfg.Feeds.DailyInterval},
		{edgar.NewFullIndexAdapter(client, nil), cfg.Feeds.FullInterval},
	}
	for _, f := range feeds {
		poller := feedspine.NewPoller(feedspine.PollerOptions{
			Adapter:     f.adapter,
			Admitter:    admitter,
			Store:       records,
			Checkpoints: records,
			Interval:    f.interval,
			OnAdmit:     pipe.OnAdmit,
			Metrics:     m,
		})
		g.Go(func() error {
			err := poller.Run(gctx)
			if gctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	// The parse stage is the slow one (it downloads bundles); give it a
	// second lane. The SEC rate limiter still serializes the requests.
	concurrency := map[string]int{queue.FilingsParse: 2}
	for name, h := range pipe.Handlers() {
		w := queue.NewWorker(q, name, h, queue.WorkerOptions{
			Concurrency: concurrency[name],
			Recorder:    recorder,
			Logger:      logging.Component("worker"),
		})
		g.Go(func() error {
			err := w.Run(gctx)
			if gctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	sch := queue.NewScheduler(log)
	sch.Add("queue:reap", time.Minute, func(ctx context.Context) error {
		n, err := q.ReapExpired(ctx)
		if n > 0 {
			log.Info("reaped expired leases", zap.Int("count", n))
		}
		return err
	})
	sch.Add("queue:depth", 15*time.Second, func(ctx context.Context) error {
		for _, name := range []string{
			queue.FilingsParse,
			queue.SectionsMentions,
			queue.MentionsResolve,
			queue.ResolvedGraph,
		} {
			depth, err := q.Depth(ctx, name)
			if err != nil {
				return err
			}
			m.QueueDepth.WithLabelValues(name).Set(float64(depth))
		}
		return nil
	})
	sch.Add("spine:cache", time.Hour, func(ctx context.Context) error {
		return cache.Refresh(ctx, spineStore, 0)
	})
	sch.Add("spine:symbology", 24*time.Hour, func(ctx context.Context) error {
		return refreshSymbology(ctx, client, spineSvc, cache, log)
	})
	g.Go(func() error {
		err := sch.Run(gctx)
		if gctx.Err() != nil {
			return nil
		}
		return err
	})

	// Ops listener: metrics plus liveness and readiness, on its own port
	// so the API's surface stays the API's.
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})
	ops := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.Info("edgard running",
			zap.String("metrics_addr", cfg.Worker.MetricsAddr),
			zap.Duration("rss_interval", cfg.Feeds.RSSInterval))
		if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return ops.Shutdown(shctx)
	})

	if *cfgPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, *cfgPath, nil)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("edgard exited", zap.Error(err))
		flush()
		os.Exit(1)
	}
	log.Info("edgard stopped")
}

// refreshSymbology reloads the SEC ticker table into the spine and
// rewarms the name cache. Runs daily and on demand through the API's
// sync surface.
func refreshSymbology(ctx context.Context, client *edgar.Client, svc *spine.Spine, cache *spine.NameCache, log *zap.Logger) error {
	rows, err := client.FetchTickerTable(ctx)
	if err != nil {
		return err
	}
	registered := 0
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
			log.Warn("symbology row rejected",
				zap.String("cik", cik),
				zap.String("ticker", row.Ticker),
				zap.Error(err))
			continue
		}
		registered++
	}
	log.Info("symbology refreshed", zap.Int("rows", len(rows)), zap.Int("registered", registered))
	return cache.Refresh(ctx, svc.Store(), 0)
}

// resourceDir prefers ./resources and falls back to the directory next to
// the executable.
func resourceDir() string {
	dir := "resources"
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		exePath, _ := os.Executable()
		dir = filepath.Join(filepath.Dir(exePath), "resources")
	}
	return dir
}

func loadResources(log *zap.Logger) (*sections.RuleSet, *graph.CueSet, *prompt.Registry) {
	dir := resourceDir()

	rules, err := sections.LoadRules(filepath.Join(dir, "sections.yaml"))
	if err != nil {
		log.Warn("section rules not loaded, using built-ins", zap.Error(err))
		rules = sections.DefaultRules()
	}

	cues, err := graph.LoadCues(filepath.Join(dir, "cues.yaml"))
	if err != nil {
		log.Warn("relationship cues not loaded, using built-ins", zap.Error(err))
		cues = graph.DefaultCues()
	}

	reg := prompt.NewRegistry()
	reg.RegisterDefaults()
	if err := prompt.LoadDir(reg, filepath.Join(dir, "prompts")); err != nil {
		log.Warn("prompt directory not loaded, using built-ins", zap.Error(err))
	}
	return rules, cues, reg
}

// buildExtractors assembles the mention cascade for the daemon: pattern
// scan, spine-name dictionary, and the LLM pass when enabled.
func buildExtractors(cfg *config.Config, cache *spine.NameCache, prompts *prompt.Registry) []mentions.Extractor {
	exts := []mentions.Extractor{
		&mentions.PatternExtractor{},
		mentions.NewDictionaryExtractor(dictionaryEntries(cache)),
	}
	if !cfg.LLM.Enabled {
		return exts
	}

	mgr := llm.NewManager(llm.Config{
		ActiveProvider: "openai",
		Tasks: map[string]llm.TaskConfig{
			"mention_extraction": {Model: cfg.LLM.Model},
		},
	})
	if cfg.LLM.ProviderURL != "" {
		mgr.Register("openai", &llm.OpenAICompatProvider{
			BaseURL:   cfg.LLM.ProviderURL,
			APIKeyEnv: cfg.LLM.APIKeyEnv,
			Model:     cfg.LLM.Model,
		})
	}
	provider, model := mgr.ProviderFor("mention_extraction")
	return append(exts, &mentions.LLMExtractor{
		Provider: provider,
		Model:    model,
		Registry: prompts,
		Log:      logging.Component("mentions.llm"),
	})
}

func dictionaryEntries(cache *spine.NameCache) []mentions.Entry {
	rows := cache.Names()
	entries := make([]mentions.Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, mentions.Entry{Name: row.Name, TypeHint: hintFor(row.Type)})
	}
	return entries
}

func hintFor(t spine.EntityType) mentions.TypeHint {
	switch t {
	case spine.TypePerson:
		return mentions.HintPerson
	case spine.TypeGovernment:
		return mentions.HintGovernment
	case spine.TypeCompanyPublic, spine.TypeCompanyPrivate, spine.TypeFund:
		return mentions.HintCompany
	default:
		return mentions.HintOther
	}
}
