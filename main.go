package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/alexandria-books/alexandria/internal"
)

type config struct {
	Addr string `default:":8788" env:"ADDR" help:"Listen address."`

	PostgresDSN string `required:"" env:"POSTGRES_DSN" help:"Postgres connection string."`
	RedisURL    string `env:"REDIS_URL" help:"Redis URL for the shared KV. Empty falls back to in-process."`
	NATSURL     string `env:"NATS_URL" help:"NATS URL. Empty runs an embedded JetStream broker."`
	NATSDataDir string `default:"./nats-data" env:"NATS_DATA_DIR" help:"Embedded broker storage directory."`

	QueueRetries int `default:"5" env:"QUEUE_RETRIES" help:"Max delivery attempts before a message is dead-lettered."`
	Concurrency  int `default:"4" env:"QUEUE_CONCURRENCY" help:"Concurrent messages per consumer."`

	IsbndbKey      string `env:"ISBNDB_KEY" help:"ISBNdb API key."`
	GoogleBooksKey string `env:"GOOGLE_BOOKS_KEY" help:"Google Books API key (optional)."`
	HardcoverToken string `env:"HARDCOVER_TOKEN" help:"Hardcover API token."`
	OpenaiKey      string `env:"OPENAI_KEY" help:"OpenAI API key."`

	ProviderPriority []string `default:"isbndb,googlebooks,hardcover,openlibrary" env:"PROVIDER_PRIORITY" help:"Provider merge order."`
	IsbndbDailyQuota int      `default:"15000" env:"ISBNDB_DAILY_QUOTA" help:"ISBNdb daily call ceiling."`
	OpenaiDailyQuota int      `default:"1000" env:"OPENAI_DAILY_QUOTA" help:"OpenAI daily call ceiling."`

	WebhookURL     string `env:"WEBHOOK_URL" help:"Entity change webhook URL."`
	WebhookSecret  string `env:"WEBHOOK_SECRET" help:"HMAC secret for webhook signatures."`
	InternalSecret string `env:"INTERNAL_SECRET" help:"Shared secret for /internal routes."`
	CoverURL       string `env:"COVER_PROCESSOR_URL" help:"Cover-processing collaborator endpoint."`

	AuthorBlocklist      []string `env:"AUTHOR_BLOCKLIST" help:"Additional author names to never create."`
	MaxBibliographyPages int      `default:"5" env:"MAX_BIBLIOGRAPHY_PAGES" help:"Page cap for author bibliography fetches."`

	BackfillStartYear int    `default:"1990" env:"BACKFILL_START_YEAR" help:"Earliest backfill bucket."`
	BackfillEndYear   int    `env:"BACKFILL_END_YEAR" help:"Latest backfill bucket. 0 means the current year."`
	BackfillCatalog   string `env:"BACKFILL_CATALOG" help:"Optional CSV catalog path."`
	BackfillCron      string `env:"BACKFILL_CRON" help:"Cron spec for periodic backfill planning. Empty disables."`

	Verbose bool `short:"v" env:"VERBOSE" help:"Enable debug logging."`
}

func (c *config) internalConfig() internal.Config {
	return internal.Config{
		Addr:                 c.Addr,
		PostgresDSN:          c.PostgresDSN,
		RedisURL:             c.RedisURL,
		NATSURL:              c.NATSURL,
		NATSDataDir:          c.NATSDataDir,
		QueueRetries:         c.QueueRetries,
		Concurrency:          c.Concurrency,
		ISBNdbKey:            c.IsbndbKey,
		GoogleBooksKey:       c.GoogleBooksKey,
		HardcoverToken:       c.HardcoverToken,
		OpenAIKey:            c.OpenaiKey,
		ProviderPriority:     c.ProviderPriority,
		ISBNdbDailyQuota:     c.IsbndbDailyQuota,
		OpenAIDailyQuota:     c.OpenaiDailyQuota,
		WebhookURL:           c.WebhookURL,
		WebhookSecret:        c.WebhookSecret,
		InternalSecret:       c.InternalSecret,
		CoverURL:             c.CoverURL,
		AuthorBlocklist:      c.AuthorBlocklist,
		MaxBibliographyPages: c.MaxBibliographyPages,
		BackfillStartYear:    c.BackfillStartYear,
		BackfillEndYear:      c.BackfillEndYear,
		BackfillCatalog:      c.BackfillCatalog,
		BackfillCron:         c.BackfillCron,
		Verbose:              c.Verbose,
	}
}

type serveCmd struct {
	config
}

func (cmd *serveCmd) Run(ctx context.Context) error {
	logger := internal.NewLogger(cmd.Verbose)
	internal.SetDefaultLogger(logger)
	return internal.Serve(ctx, cmd.internalConfig(), logger)
}

type backfillCmd struct {
	config

	BatchSize  int  `default:"100" help:"Candidates per queue message."`
	StartYear  int  `help:"Override the configured start year."`
	EndYear    int  `help:"Override the configured end year."`
	DryRun     bool `help:"Plan without enqueueing."`
	ForceRetry bool `help:"Replay buckets that previously failed."`
}

func (cmd *backfillCmd) Run(ctx context.Context) error {
	logger := internal.NewLogger(cmd.Verbose)
	internal.SetDefaultLogger(logger)
	return internal.RunBackfill(ctx, cmd.internalConfig(), logger, internal.BackfillRequest{
		BatchSize:  cmd.BatchSize,
		StartYear:  cmd.StartYear,
		EndYear:    cmd.EndYear,
		DryRun:     cmd.DryRun,
		ForceRetry: cmd.ForceRetry,
	})
}

type normalizeAuthorsCmd struct {
	config

	BatchSize int `default:"50000" help:"Rows per batch."`
}

func (cmd *normalizeAuthorsCmd) Run(ctx context.Context) error {
	logger := internal.NewLogger(cmd.Verbose)
	internal.SetDefaultLogger(logger)
	return internal.NormalizeAuthors(ctx, cmd.internalConfig(), logger, cmd.BatchSize)
}

func main() {
	var cli struct {
		Serve            serveCmd            `cmd:"" default:"1" help:"Run the API server, queue consumers, and cron."`
		Backfill         backfillCmd         `cmd:"" help:"Run a one-shot catalog backfill."`
		NormalizeAuthors normalizeAuthorsCmd `cmd:"" name:"normalize-authors" help:"Recompute author normalized names."`
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	k := kong.Parse(&cli, kong.Name("alexandria"), kong.UsageOnError(), kong.BindTo(ctx, (*context.Context)(nil)))
	k.FatalIfErrorf(k.Run())
}
