// Command api serves the query surface: filings, entities, mentions, the
// relationship graph, the live feed stream and sync job control. With
// api.ingest enabled it also runs the pollers and stage workers, which
// makes a single binary enough for small installs.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/api/entities"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/api/feedws"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/api/filings"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/api/graphapi"
	apiMentions "github.com/ryansmccoy/py-sec-edgar-sub002/pkg/api/mentions"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/api/syncsse"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/config"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/edgar"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/feedspine"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/fetcher"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/graph"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/llm"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/logging"
	coreMentions "github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/mentions"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/metrics"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/pipeline"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/prompt"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/queue"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/sections"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/spine"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/store"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/syncjob"
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
	log := logging.Component("api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewCollector()

	st, err := openStores(ctx, cfg, m, log)
	if err != nil {
		log.Error("store setup failed", zap.Error(err))
		flush()
		os.Exit(1)
	}
	if st.pool != nil {
		defer st.pool.Close()
	}

	recorder := validate.NewRecorder(validate.RecorderOptions{
		Sink:    st.sink,
		Logger:  logging.Component("validate"),
		Metrics: m,
	})

	cache := spine.NewNameCache()
	if err := cache.Refresh(ctx, st.spine, 0); err != nil {
		log.Warn("name cache warm failed, fuzzy matching starts cold", zap.Error(err))
	}

	spineSvc := spine.NewSpine(st.spine, spine.SpineOptions{
		Cache:    cache,
		Recorder: recorder,
		Logger:   logging.Component("spine"),
	})
	resolver := spine.NewResolver(st.spine, spine.ResolverOptions{
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
	cascade := coreMentions.NewCascade(coreMentions.CascadeOptions{
		Extractors: mentionExtractors(cfg, cache, prompts),
		Recorder:   recorder,
		Metrics:    m,
		Logger:     logging.Component("mentions"),
	})
	builder := graph.NewBuilder(resolver, spineSvc, st.graph, graph.BuilderOptions{
		Cues:     cues,
		Recorder: recorder,
		Metrics:  m,
		Logger:   logging.Component("graph"),
	})

	pipe := pipeline.New(pipeline.Options{
		Records:  st.records,
		Sections: st.sections,
		Mentions: st.mentions,
		Queue:    st.queue,
		Source:   source,
		Parser:   parser,
		Cascade:  cascade,
		Resolver: resolver,
		Spine:    spineSvc,
		Builder:  builder,
		Logger:   logging.Component("pipeline"),
	})

	registry := syncjob.NewRegistry(syncjob.RegistryOptions{Logger: logging.Component("syncjob")})
	hub := feedws.NewHub(m)
	admitter := feedspine.NewAdmitter(st.records, cfg.Feeds.DedupeWindow, m)

	runner := &syncRunner{
		client:   client,
		st:       st,
		admitter: admitter,
		pipe:     pipe,
		hub:      hub,
		registry: registry,
		spine:    spineSvc,
		cache:    cache,
		metrics:  m,
		log:      logging.Component("sync"),
	}

	r := chi.NewRouter()
	r.Mount("/filings", filings.NewHandler(st.records, st.sections, st.spine).Routes())
	r.Mount("/entities", entities.NewHandler(resolver, st.spine).Routes())
	r.Mount("/mentions", apiMentions.NewHandler(st.mentions, st.spine).Routes())
	r.Mount("/graph", graphapi.NewHandler(st.graph, st.spine).Routes())
	r.Mount("/sync", syncsse.NewHandler(registry, runner).Routes())
	r.Get("/feed/stream", hub.Handler())
	r.Method(http.MethodGet, "/metrics", m.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if st.pool != nil {
			if err := st.pool.Ping(req.Context()); err != nil {
				http.Error(w, "database unreachable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	srv := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.Info("api listening", zap.String("addr", cfg.API.Addr), zap.Bool("ingest", cfg.API.Ingest))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shctx)
	})

	if *cfgPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, *cfgPath, nil)
		})
	}

	if cfg.API.Ingest {
		startIngest(gctx, g, ingestDeps{
			cfg:      cfg,
			client:   client,
			st:       st,
			admitter: admitter,
			pipe:     pipe,
			hub:      hub,
			recorder: recorder,
			metrics:  m,
			cache:    cache,
			log:      logging.Component("ingest"),
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("api exited", zap.Error(err))
		flush()
		os.Exit(1)
	}
	log.Info("api stopped")
}

// stores bundles every persistence boundary the process needs, backed by
// Postgres repositories when database.url is set and by in-process memory
// stores otherwise. The memory mode serves development and demos; nothing
// survives a restart.
type stores struct {
	pool        *pgxpool.Pool
	records     feedspine.Store
	checkpoints feedspine.CheckpointStore
	sections    sections.Store
	mentions    coreMentions.Store
	spine       spine.Store
	graph       graph.Store
	sink        validate.Sink
	queue       queue.Queue
}

func openStores(ctx context.Context, cfg *config.Config, m *metrics.Collector, log *zap.Logger) (*stores, error) {
	policy := queuePolicy(cfg)

	if cfg.Database.URL == "" {
		log.Warn("no database configured, state lives in process memory")
		rec := feedspine.NewMemoryStore()
		return &stores{
			records:     rec,
			checkpoints: rec,
			sections:    sections.NewMemoryStore(),
			mentions:    coreMentions.NewMemoryStore(),
			spine:       spine.NewMemoryStore(),
			graph:       graph.NewMemoryGraph(),
			sink:        validate.NewMemorySink(),
			queue:       queue.NewMemoryQueue(policy),
		}, nil
	}

	if err := store.Migrate(ctx, cfg.Database.URL); err != nil {
		return nil, err
	}
	pool, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	rr := store.NewRecordRepo(pool)
	return &stores{
		pool:        pool,
		records:     rr,
		checkpoints: rr,
		sections:    store.NewSectionRepo(pool),
		mentions:    store.NewMentionRepo(pool),
		spine:       store.NewSpineRepo(pool),
		graph:       store.NewGraphRepo(pool),
		sink:        store.NewEventRepo(pool),
		queue: queue.NewPGQueue(pool, queue.PGQueueOptions{
			Policy:  &policy,
			Metrics: m,
			Logger:  logging.Component("queue"),
		}),
	}, nil
}

func queuePolicy(cfg *config.Config) queue.Policy {
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
	return policy
}

// resourceDir prefers ./resources and falls back to the directory next to
// the executable, so both `go run` and installed binaries find their files.
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

// mentionExtractors assembles the cascade: cheap pattern scan, dictionary
// of known spine names, and the LLM pass when one is configured.
func mentionExtractors(cfg *config.Config, cache *spine.NameCache, prompts *prompt.Registry) []coreMentions.Extractor {
	exts := []coreMentions.Extractor{
		&coreMentions.PatternExtractor{},
		coreMentions.NewDictionaryExtractor(dictionaryEntries(cache)),
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
	return append(exts, &coreMentions.LLMExtractor{
		Provider: provider,
		Model:    model,
		Registry: prompts,
		Log:      logging.Component("mentions.llm"),
	})
}

func dictionaryEntries(cache *spine.NameCache) []coreMentions.Entry {
	rows := cache.Names()
	entries := make([]coreMentions.Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, coreMentions.Entry{Name: row.Name, TypeHint: hintFor(row.Type)})
	}
	return entries
}

func hintFor(t spine.EntityType) coreMentions.TypeHint {
	switch t {
	case spine.TypePerson:
		return coreMentions.HintPerson
	case spine.TypeGovernment:
		return coreMentions.HintGovernment
	case spine.TypeCompanyPublic, spine.TypeCompanyPrivate, spine.TypeFund:
		return coreMentions.HintCompany
	default:
		return coreMentions.HintOther
	}
}
