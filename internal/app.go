package internal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	charmlog "github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

// Config carries every deployment binding. All fields are flag/env driven
// from main.
type Config struct {
	Addr string

	PostgresDSN string
	RedisURL    string

	// NATSURL empty means run an embedded JetStream broker.
	NATSURL     string
	NATSDataDir string

	QueueRetries int
	Concurrency  int

	ISBNdbKey      string
	GoogleBooksKey string
	HardcoverToken string
	OpenAIKey      string

	// ProviderPriority orders fan-out winners; unknown names keep
	// registration order.
	ProviderPriority []string
	ISBNdbDailyQuota int
	OpenAIDailyQuota int

	WebhookURL     string
	WebhookSecret  string
	InternalSecret string
	CoverURL       string

	AuthorBlocklist      []string
	MaxBibliographyPages int

	BackfillStartYear int
	BackfillEndYear   int
	BackfillCatalog   string
	BackfillCron      string

	Verbose bool
}

// core is everything that doesn't depend on a broker connection.
type core struct {
	store    *pgstore
	kv       keyval
	cache    *layeredcache
	metrics  *Metrics
	ledger   *quotaLedger
	registry *registry
}

func buildCore(ctx context.Context, cfg Config) (*core, error) {
	db, err := newDB(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	st, err := NewStore(ctx, db)
	if err != nil {
		return nil, err
	}

	metrics := NewMetrics()
	metrics.InstrumentDB(db)

	var kv keyval = newMemoryKV()
	if cfg.RedisURL != "" {
		redis, err := NewRedisKV(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		kv = redis
	} else {
		Log(ctx).Warn("no redis configured; quotas and rate limits are per-process only")
	}

	payloadCache, err := NewCache(kv, metrics.Cache)
	if err != nil {
		return nil, err
	}

	ledger := newQuotaLedger(kv, map[string]int{
		"isbndb": cfg.ISBNdbDailyQuota,
		"openai": cfg.OpenAIDailyQuota,
	})

	reg := newRegistry(cfg.ProviderPriority...)
	for _, p := range []Provider{
		NewISBNdbProvider(cfg.ISBNdbKey, ledger),
		NewGoogleBooksProvider(cfg.GoogleBooksKey, ledger),
		NewHardcoverProvider(cfg.HardcoverToken, ledger, metrics.GQL),
		NewOpenLibraryProvider(ledger),
		NewOpenAIProvider(cfg.OpenAIKey, ledger),
		NewWikidataProvider(ledger),
	} {
		if err := reg.register(p); err != nil {
			return nil, err
		}
	}

	return &core{
		store:    st,
		kv:       kv,
		cache:    payloadCache,
		metrics:  metrics,
		ledger:   ledger,
		registry: reg,
	}, nil
}

func (c *core) newEngine(cfg Config, queue publisher) (*Engine, error) {
	return NewEngine(EngineOpts{
		Store:                c.store,
		Registry:             c.registry,
		Cache:                c.cache,
		Queue:                queue,
		Webhook:              NewWebhook(cfg.WebhookURL, cfg.WebhookSecret),
		Metrics:              c.metrics.Engine,
		AuthorBlocklist:      cfg.AuthorBlocklist,
		MaxBibliographyPages: cfg.MaxBibliographyPages,
	})
}

func (c *core) newBackfiller(cfg Config, queue publisher) *Backfiller {
	return NewBackfiller(BackfillOpts{
		Store:       c.store,
		Registry:    c.registry,
		Queue:       queue,
		StartYear:   cfg.BackfillStartYear,
		EndYear:     cfg.BackfillEndYear,
		CatalogPath: cfg.BackfillCatalog,
		AICount:     25,
	})
}

func queueConfigs(cfg Config) map[string]queueConfig {
	retries := cfg.QueueRetries
	if retries <= 0 {
		retries = 5
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return map[string]queueConfig{
		topicEnrichment: {MaxRetries: retries, Concurrency: concurrency, Backoff: time.Second},
		topicCovers:     {MaxRetries: retries, Concurrency: concurrency, Backoff: time.Second},
		topicBackfill:   {MaxRetries: retries, Concurrency: 1, Backoff: 5 * time.Second},
	}
}

// Serve runs the HTTP surface, queue consumers, and the backfill cron until
// the context is cancelled, then drains.
func Serve(ctx context.Context, cfg Config, logger *charmlog.Logger) error {
	ctx = WithLogger(ctx, logger)

	natsURL := cfg.NATSURL
	if natsURL == "" {
		srv, url, err := StartEmbeddedNATS(cfg.NATSDataDir)
		if err != nil {
			return err
		}
		defer srv.Shutdown()
		natsURL = url
		Log(ctx).Info("running embedded broker", "url", url)
	}

	pub, sub, err := NewNATSPubSub(natsURL, logger)
	if err != nil {
		return err
	}
	queue := newQueuePublisher(pub)

	c, err := buildCore(ctx, cfg)
	if err != nil {
		return err
	}
	engine, err := c.newEngine(cfg, queue)
	if err != nil {
		return err
	}
	backfiller := c.newBackfiller(cfg, queue)

	router, err := NewQueueRouter(sub, pub, engine,
		NewCoverForwarder(cfg.CoverURL), backfiller, queueConfigs(cfg), logger)
	if err != nil {
		return err
	}

	if cfg.BackfillCron != "" {
		if err := backfiller.Schedule(cfg.BackfillCron); err != nil {
			return err
		}
		defer backfiller.StopCron()
	}

	server := &http.Server{
		Addr: cfg.Addr,
		Handler: NewHandler(HandlerOpts{
			Engine:         engine,
			Backfill:       backfiller,
			Store:          c.store,
			Cache:          c.cache,
			Queue:          queue,
			KV:             c.kv,
			Metrics:        c.metrics,
			InternalSecret: cfg.InternalSecret,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		engine.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return router.Run(gctx)
	})
	g.Go(func() error {
		Log(ctx).Info("listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		// Stop intake first, then drain.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		_ = router.Close()
		engine.Shutdown(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// RunBackfill executes a one-shot planning run and reports what it queued.
func RunBackfill(ctx context.Context, cfg Config, logger *charmlog.Logger, req BackfillRequest) error {
	ctx = WithLogger(ctx, logger)

	natsURL := cfg.NATSURL
	if natsURL == "" {
		srv, url, err := StartEmbeddedNATS(cfg.NATSDataDir)
		if err != nil {
			return err
		}
		defer srv.Shutdown()
		natsURL = url
	}
	pub, _, err := NewNATSPubSub(natsURL, logger)
	if err != nil {
		return err
	}

	c, err := buildCore(ctx, cfg)
	if err != nil {
		return err
	}
	backfiller := c.newBackfiller(cfg, newQueuePublisher(pub))

	report, err := backfiller.Plan(ctx, req)
	if err != nil {
		return err
	}
	Log(ctx).Info("backfill finished",
		"planned", report.BucketsPlanned,
		"processed", report.BucketsProcessed,
		"skipped", report.BucketsSkipped,
		"found", report.ISBNsFound,
		"new", report.New,
		"queued", report.Queued,
		"dry_run", report.DryRun)
	return nil
}

// NormalizeAuthors walks the whole authors table, re-deriving normalized_name
// batch by batch. Rows already matching are skipped, so repairing a changed
// normalization rule touches exactly the rows it invalidated.
func NormalizeAuthors(ctx context.Context, cfg Config, logger *charmlog.Logger, batchSize int) error {
	ctx = WithLogger(ctx, logger)

	db, err := newDB(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	st, err := NewStore(ctx, db)
	if err != nil {
		return err
	}

	total, err := normalizeAllAuthors(ctx, st, batchSize)
	if err != nil {
		return err
	}
	Log(ctx).Info("author normalization complete", "total", total)
	return nil
}

// normalizeAllAuthors drives the keyset walk until a batch comes back empty.
func normalizeAllAuthors(ctx context.Context, st store, batchSize int) (int64, error) {
	var total, cursor int64
	for {
		touched, lastKey, err := st.NormalizeAuthors(ctx, cursor, batchSize)
		total += touched
		if err != nil {
			return total, fmt.Errorf("after key %d: %w", cursor, err)
		}
		if lastKey == cursor {
			return total, nil
		}
		if touched > 0 {
			Log(ctx).Info("normalized batch", "rows", touched, "cursor", lastKey, "total", total)
		}
		cursor = lastKey
	}
}
