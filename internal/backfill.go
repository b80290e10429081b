package internal

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
)

const _backfillCheckpointID = "catalog-backfill"

// staleBucketKey is the pseudo-bucket for the editions cursor: persisted rows
// still missing covers or descriptions get re-enqueued after the dated
// buckets.
const staleBucketKey = "stale-editions"

// Backfiller plans and seeds historical catalog coverage. Planning runs
// bucket by bucket, year/month between the configured bounds, checkpointing
// after each so an interrupted run resumes instead of repeating itself.
type Backfiller struct {
	store  store
	dedupe *deduper
	orch   *orchestrator
	queue  publisher

	startYear   int
	endYear     int
	catalogPath string
	aiCount     int
	batchSize   int

	cron *cron.Cron
	now  func() time.Time
}

// BackfillOpts configures NewBackfiller.
type BackfillOpts struct {
	Store    store
	Registry *registry
	Queue    publisher

	StartYear int
	EndYear   int

	// CatalogPath points at an optional CSV of title,author,isbn,year rows.
	CatalogPath string

	// AICount is how many candidates to ask generation providers for per
	// bucket. 0 disables the AI source.
	AICount int

	// BatchSize caps candidates per queue message.
	BatchSize int
}

func NewBackfiller(opts BackfillOpts) *Backfiller {
	if opts.StartYear == 0 {
		opts.StartYear = 1990
	}
	if opts.EndYear == 0 {
		opts.EndYear = time.Now().UTC().Year()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Backfiller{
		store:       opts.Store,
		dedupe:      newDeduper(opts.Store),
		orch:        newOrchestrator(opts.Registry),
		queue:       opts.Queue,
		startYear:   opts.StartYear,
		endYear:     opts.EndYear,
		catalogPath: opts.CatalogPath,
		aiCount:     opts.AICount,
		batchSize:   opts.BatchSize,
		now:         time.Now,
	}
}

// BackfillRequest is one planning run's parameters.
type BackfillRequest struct {
	BatchSize  int  `json:"batch_size,omitempty"`
	StartYear  int  `json:"start_year,omitempty"`
	EndYear    int  `json:"end_year,omitempty"`
	DryRun     bool `json:"dry_run,omitempty"`
	ForceRetry bool `json:"force_retry,omitempty"`
}

// BackfillReport summarizes a planning run.
type BackfillReport struct {
	BucketsPlanned   int  `json:"buckets_planned"`
	BucketsProcessed int  `json:"buckets_processed"`
	BucketsSkipped   int  `json:"buckets_skipped"`
	ISBNsFound       int  `json:"isbns_found"`
	New              int  `json:"new"`
	Queued           int  `json:"queued"`
	DryRun           bool `json:"dry_run,omitempty"`
}

// Plan walks every bucket, gathers candidates, filters out what's already
// persisted, and enqueues the remainder. Buckets a prior run completed are
// skipped; ForceRetry replays the ones that failed; DryRun counts without
// enqueueing or checkpointing.
func (b *Backfiller) Plan(ctx context.Context, req BackfillRequest) (*BackfillReport, error) {
	startYear, endYear := b.startYear, b.endYear
	if req.StartYear != 0 {
		startYear = req.StartYear
	}
	if req.EndYear != 0 {
		endYear = req.EndYear
	}
	if startYear > endYear {
		return nil, fmt.Errorf("%w: start year %d after end year %d", errBadRequest, startYear, endYear)
	}
	batchSize := b.batchSize
	if req.BatchSize > 0 {
		batchSize = req.BatchSize
	}

	buckets := b.buckets(startYear, endYear)
	report := &BackfillReport{BucketsPlanned: len(buckets), DryRun: req.DryRun}

	cp, err := b.store.Checkpoint(ctx, _backfillCheckpointID)
	if errors.Is(err, errNotFound) {
		cp = &Checkpoint{StartedAt: b.now().UTC(), TotalPlanned: len(buckets)}
	} else if err != nil {
		return nil, err
	}

	catalog, err := b.loadCatalog()
	if err != nil {
		return nil, err
	}

	for _, bucket := range buckets {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		if cp.processed(bucket) {
			if !req.ForceRetry || !slices.Contains(cp.FailedKeys, bucket) {
				report.BucketsSkipped++
				continue
			}
			// Replaying a failure: forget the old outcome before retrying.
			cp.FailedKeys = slices.DeleteFunc(cp.FailedKeys, func(k string) bool { return k == bucket })
			cp.ProcessedKeys = slices.DeleteFunc(cp.ProcessedKeys, func(k string) bool { return k == bucket })
		}

		candidates := b.candidates(ctx, bucket, catalog)
		report.ISBNsFound += len(candidates)

		// Dated buckets drop what's already persisted. The stale bucket is
		// the opposite: its candidates are persisted rows being re-enqueued
		// on purpose.
		kept := candidates
		if bucket != staleBucketKey {
			kept, err = b.dedupe.FilterNewISBNs(ctx, candidates)
			if err != nil {
				return report, err
			}
			kept = b.filterKnownTitles(ctx, kept)
		}
		report.New += len(kept)

		if req.DryRun {
			report.BucketsProcessed++
			continue
		}

		queued, err := b.enqueue(ctx, bucket, kept, batchSize)
		report.Queued += queued
		cp.Totals.ISBNsFound += len(candidates)
		cp.Totals.New += len(kept)
		cp.Totals.Queued += queued

		cp.ProcessedKeys = append(cp.ProcessedKeys, bucket)
		if err != nil {
			Log(ctx).Warn("bucket enqueue failed", "bucket", bucket, "err", err)
			cp.FailedKeys = append(cp.FailedKeys, bucket)
		} else {
			report.BucketsProcessed++
		}

		if err := b.store.SaveCheckpoint(ctx, _backfillCheckpointID, cp); err != nil {
			return report, fmt.Errorf("saving checkpoint after %s: %w", bucket, err)
		}
	}

	return report, nil
}

// buckets lists year/month keys between the bounds, oldest first, plus the
// stale-editions pseudo-bucket. Future months are excluded.
func (b *Backfiller) buckets(startYear, endYear int) []string {
	now := b.now().UTC()
	keys := []string{}
	for year := startYear; year <= endYear; year++ {
		for month := 1; month <= 12; month++ {
			if year > now.Year() || (year == now.Year() && month > int(now.Month())) {
				break
			}
			keys = append(keys, fmt.Sprintf("%04d-%02d", year, month))
		}
	}
	return append(keys, staleBucketKey)
}

// candidates gathers a bucket's books from every source: the CSV catalog,
// AI generation, and (for the stale pseudo-bucket) the editions cursor.
// Source failures degrade the bucket, they don't fail the run.
func (b *Backfiller) candidates(ctx context.Context, bucket string, catalog map[string][]GeneratedBook) []GeneratedBook {
	if bucket == staleBucketKey {
		return b.staleCandidates(ctx)
	}

	books := slices.Clone(catalog[bucket])

	if b.aiCount > 0 {
		year, month := parseBucket(bucket)
		prompt := bucketPrompt(year, month, b.aiCount)
		books = append(books, b.orch.GenerateBooks(ctx, prompt, b.aiCount)...)
	}
	return books
}

// staleCandidates re-enqueues persisted editions still missing a cover or
// description so a later provider pass can fill them.
func (b *Backfiller) staleCandidates(ctx context.Context) []GeneratedBook {
	books := []GeneratedBook{}
	var afterID int64
	for {
		editions, err := b.store.StaleEditions(ctx, afterID, 500)
		if err != nil {
			Log(ctx).Warn("stale edition scan failed", "err", err)
			return books
		}
		if len(editions) == 0 {
			return books
		}
		for _, e := range editions {
			book := GeneratedBook{Title: e.Title, ISBN: e.ISBN}
			if len(e.Authors) > 0 {
				book.Author = e.Authors[0]
			}
			books = append(books, book)
			afterID = max(afterID, e.ID)
		}
	}
}

// filterKnownTitles drops candidates already persisted under a different
// ISBN: AI sources routinely attach fresh ISBNs to books we hold. The author
// check narrows it: only candidates crediting an author we already know are
// run against the trigram index.
func (b *Backfiller) filterKnownTitles(ctx context.Context, books []GeneratedBook) []GeneratedBook {
	names := []string{}
	for _, book := range books {
		if book.Author != "" {
			names = append(names, book.Author)
		}
	}
	known, err := b.dedupe.AuthorsExisting(ctx, names)
	if err != nil {
		Log(ctx).Warn("author lookup failed, keeping all candidates", "err", err)
		return books
	}

	kept := make([]GeneratedBook, 0, len(books))
	for _, book := range books {
		if book.Author != "" {
			if _, ok := known[book.Author]; !ok {
				// An author we've never persisted can't be a duplicate of ours.
				kept = append(kept, book)
				continue
			}
		}
		if exists, score, match := b.dedupe.FuzzyTitleExists(ctx, book.Title, book.Author); exists {
			Log(ctx).Debug("dropping candidate already held under another isbn",
				"title", book.Title, "existing", match.ISBN, "score", score)
			continue
		}
		kept = append(kept, book)
	}
	return kept
}

func bucketPrompt(year, month, count int) string {
	return fmt.Sprintf(
		"List the %d most notable books first published in %s %d. Include lesser-known titles once the famous ones run out.",
		count, time.Month(month).String(), year)
}

func parseBucket(bucket string) (year, month int) {
	_, _ = fmt.Sscanf(bucket, "%d-%d", &year, &month)
	return year, month
}

// enqueue publishes the bucket's candidates in batch-sized messages.
func (b *Backfiller) enqueue(ctx context.Context, bucket string, books []GeneratedBook, batchSize int) (int, error) {
	queued := 0
	for start := 0; start < len(books); start += batchSize {
		end := min(start+batchSize, len(books))
		msg := BackfillMessage{
			BucketID:   fmt.Sprintf("%s/%d", bucket, start/batchSize),
			Candidates: books[start:end],
		}
		if err := b.queue.Publish(ctx, topicBackfill, msg); err != nil {
			return queued, err
		}
		queued += end - start
	}
	return queued, nil
}

// ProcessBucket is the backfill consumer: it fans one bucket message out into
// per-ISBN enrichment messages. A batch-capable provider pre-resolves the
// bucket in bulk first, so candidates that arrived as bare ISBNs carry a
// title and author into the queue. Candidates without a usable ISBN are
// dropped; the AI output already lost their checksums once.
func (b *Backfiller) ProcessBucket(ctx context.Context, msg BackfillMessage) error {
	valid := []ISBN{}
	for _, candidate := range msg.Candidates {
		if parsed, err := ParseISBN(candidate.ISBN); err == nil {
			valid = append(valid, parsed)
		}
	}
	prefetched := b.orch.PrefetchMetadata(ctx, valid)

	for _, candidate := range msg.Candidates {
		parsed, err := ParseISBN(candidate.ISBN)
		if err != nil {
			Log(ctx).Debug("dropping backfill candidate without valid isbn",
				"bucket", msg.BucketID, "title", candidate.Title)
			continue
		}
		if e := prefetched[parsed]; e != nil {
			if candidate.Title == "" {
				candidate.Title = e.Title
			}
			if candidate.Author == "" && len(e.Authors) > 0 {
				candidate.Author = e.Authors[0]
			}
		}
		err = b.queue.Publish(ctx, topicEnrichment, EnrichmentMessage{
			ISBN:   string(parsed),
			Title:  candidate.Title,
			Author: candidate.Author,
			Source: "backfill:" + msg.BucketID,
		})
		if err != nil {
			return fmt.Errorf("fanning out bucket %s: %w", msg.BucketID, err)
		}
	}
	return nil
}

// Schedule registers a periodic planning run. Stop with StopCron.
func (b *Backfiller) Schedule(spec string) error {
	if b.cron == nil {
		b.cron = cron.New()
	}
	_, err := b.cron.AddFunc(spec, func() {
		ctx := context.Background()
		report, err := b.Plan(ctx, BackfillRequest{})
		if err != nil {
			Log(ctx).Error("scheduled backfill failed", "err", err)
			return
		}
		Log(ctx).Info("scheduled backfill finished",
			"processed", report.BucketsProcessed, "skipped", report.BucketsSkipped, "queued", report.Queued)
	})
	if err != nil {
		return fmt.Errorf("scheduling backfill: %w", err)
	}
	b.cron.Start()
	return nil
}

func (b *Backfiller) StopCron() {
	if b.cron != nil {
		<-b.cron.Stop().Done()
	}
}

// loadCatalog reads the optional CSV source into per-bucket candidate lists.
// Expected columns: title, author, isbn, year[, month]. Malformed rows are
// skipped.
func (b *Backfiller) loadCatalog() (map[string][]GeneratedBook, error) {
	catalog := map[string][]GeneratedBook{}
	if b.catalogPath == "" {
		return catalog, nil
	}

	f, err := os.Open(b.catalogPath)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			return catalog, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading catalog: %w", err)
		}
		if len(record) < 4 || record[0] == "title" {
			continue
		}

		year, err := strconv.Atoi(record[3])
		if err != nil {
			continue
		}
		month := 1
		if len(record) > 4 {
			if m, err := strconv.Atoi(record[4]); err == nil && m >= 1 && m <= 12 {
				month = m
			}
		}

		key := fmt.Sprintf("%04d-%02d", year, month)
		catalog[key] = append(catalog[key], GeneratedBook{
			Title:  record[0],
			Author: record[1],
			ISBN:   record[2],
		})
	}
}
