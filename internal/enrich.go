package internal

import (
	"context"
	"errors"
	"fmt"
	"html"
	"slices"
	"time"

	"github.com/bytedance/sonic"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/sync/singleflight"
)

var _sanitizer = bluemonday.StrictPolicy()

// Enrichment outcomes, as recorded in the enrichment log.
const (
	outcomeInsert = "insert"
	outcomeUpdate = "update"
	outcomeNoop   = "noop"
	outcomeEmpty  = "empty"
)

var _bibliographyTTL = 24 * time.Hour

// Engine runs the enrichment pipeline: orchestrate providers, merge, dedupe
// against persisted state, write, and emit follow-up work. It is safe for
// concurrent use and idempotent per ISBN: a second delivery of the same
// message converges on the same persisted state and enqueues nothing new.
type Engine struct {
	store     store
	orch      *orchestrator
	dedupe    *deduper
	cache     cache[[]byte]
	queue     publisher
	webhook   notifier
	linker    *linker
	blocklist *authorBlocklist
	metrics   EngineMetrics

	// group coalesces concurrent enrichments of the same ISBN within this
	// process; the keyedLocks table coalesces the entity creations below it.
	group singleflight.Group

	// maxBibliographyPages caps the paged author fetch; 0 disables the
	// follow-up bibliography jobs entirely.
	maxBibliographyPages int
}

// EngineOpts configures NewEngine. Zero values get sensible defaults.
type EngineOpts struct {
	Store                store
	Registry             *registry
	Cache                cache[[]byte]
	Queue                publisher
	Webhook              notifier
	Metrics              EngineMetrics
	AuthorBlocklist      []string
	MaxBibliographyPages int
}

// NewEngine wires the enrichment core together. Call Run to start the
// background link writer and Shutdown to drain it.
func NewEngine(opts EngineOpts) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine requires a store")
	}
	if opts.Registry == nil {
		return nil, errors.New("engine requires a provider registry")
	}
	if opts.Webhook == nil {
		opts.Webhook = noNotify{}
	}
	if opts.Metrics == nil {
		opts.Metrics = &noEngineMetrics{}
	}
	blocklist := opts.AuthorBlocklist
	if blocklist == nil {
		blocklist = defaultAuthorBlocklist()
	}
	pages := opts.MaxBibliographyPages
	if pages == 0 {
		pages = 5
	}

	return &Engine{
		store:                opts.Store,
		orch:                 newOrchestrator(opts.Registry),
		dedupe:               newDeduper(opts.Store),
		cache:                opts.Cache,
		queue:                opts.Queue,
		webhook:              opts.Webhook,
		linker:               newLinker(opts.Store),
		blocklist:            newAuthorBlocklist(blocklist),
		metrics:              opts.Metrics,
		maxBibliographyPages: pages,
	}, nil
}

// Run drives the background link writer until Shutdown.
func (e *Engine) Run(ctx context.Context) {
	e.linker.Run(ctx)
}

// Shutdown stops accepting link writes; Run drains and returns.
func (e *Engine) Shutdown(context.Context) {
	e.linker.Close()
}

// EnrichmentResult summarizes one engine pass.
type EnrichmentResult struct {
	Outcome      string           `json:"outcome"`
	Edition      *EditionResource `json:"edition,omitempty"`
	FieldsAdded  []string         `json:"fields_added,omitempty"`
	CoversQueued int              `json:"covers_queued"`
}

// EnrichEdition runs the full pipeline for one ISBN. All book providers
// failing is not an error: the result comes back with an empty outcome and
// the caller decides whether to retry.
func (e *Engine) EnrichEdition(ctx context.Context, msg EnrichmentMessage) (*EnrichmentResult, error) {
	isbn, err := ParseISBN(msg.ISBN)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errBadRequest, err)
	}

	v, err, _ := e.group.Do(string(isbn.ISBN13()), func() (any, error) {
		return e.enrich(ctx, isbn, msg)
	})
	if err != nil {
		return nil, err
	}
	return v.(*EnrichmentResult), nil
}

func (e *Engine) enrich(ctx context.Context, isbn ISBN, msg EnrichmentMessage) (*EnrichmentResult, error) {
	start := time.Now()
	locks := newKeyedLocks()

	merged, chain, err := e.orch.MergeMetadata(ctx, isbn)
	if err != nil {
		return nil, err
	}

	if merged == nil {
		// Fall back to trigger-supplied metadata when the caller gave us
		// enough to store a stub.
		if msg.Title == "" {
			e.logEnrichment(ctx, isbn, chain, outcomeEmpty, 0, start)
			e.metrics.EnrichmentInc(outcomeEmpty)
			return &EnrichmentResult{Outcome: outcomeEmpty}, nil
		}
		merged = &EditionResource{ISBN: string(isbn), Title: msg.Title, SourceProvider: msg.Source}
		if msg.Author != "" {
			merged.Authors = []string{msg.Author}
		}
	}

	merged.ISBN = string(isbn)
	merged.Title = html.UnescapeString(_sanitizer.Sanitize(merged.Title))
	merged.Description = html.UnescapeString(_sanitizer.Sanitize(merged.Description))
	merged.normalizeRelated()

	result, err := e.persist(ctx, locks, merged)
	if err != nil {
		return nil, err
	}

	e.logEnrichment(ctx, isbn, chain, result.Outcome, result.CoversQueued, start)
	e.metrics.EnrichmentInc(result.Outcome)

	if result.Outcome == outcomeInsert || result.Outcome == outcomeUpdate {
		e.webhook.Notify(ctx, WebhookEvent{
			EntityType:      "edition",
			Key:             result.Edition.ISBN,
			SourceProviders: chain,
			FieldsAdded:     result.FieldsAdded,
		})
	}

	return result, nil
}

// persist reconciles the merged edition against stored state, creating or
// updating rows, entity links, the crosswalk, and follow-up jobs.
func (e *Engine) persist(ctx context.Context, locks *keyedLocks, merged *EditionResource) (*EnrichmentResult, error) {
	existing, err := e.store.EditionByISBN(ctx, merged.ISBN)
	if err != nil && !errors.Is(err, errNotFound) {
		return nil, err
	}

	result := &EnrichmentResult{Edition: merged}

	switch {
	case existing == nil:
		id, err := e.store.InsertEdition(ctx, merged)
		if errors.Is(err, errConflict) {
			// Someone else inserted concurrently; converge on their row.
			existing, err = e.store.EditionByISBN(ctx, merged.ISBN)
			if err != nil {
				return nil, err
			}
		} else if err != nil {
			return nil, err
		} else {
			merged.ID = id
			result.Outcome = outcomeInsert
			result.FieldsAdded = presentFields(merged)
		}

	default:
	}

	if existing != nil {
		added := newFields(existing, merged)
		if len(added) == 0 {
			// Idempotence: an unchanged re-enrichment only refreshes
			// updated_at and enqueues nothing.
			if err := e.store.TouchEdition(ctx, existing.ID); err != nil {
				return nil, err
			}
			merged.ID = existing.ID
			result.Outcome = outcomeNoop
			return result, nil
		}
		merged.ID = existing.ID
		if err := e.store.UpdateEdition(ctx, merged); err != nil {
			return nil, err
		}
		result.Outcome = outcomeUpdate
		result.FieldsAdded = added
	}

	authorKeys, newAuthors, err := e.ensureAuthors(ctx, locks, merged.Authors)
	if err != nil {
		return nil, err
	}
	workKey, err := e.ensureWork(ctx, locks, merged)
	if err != nil {
		return nil, err
	}

	// Link-table writes flow through the background pipeline; they're
	// idempotent and don't block the response.
	if len(authorKeys) > 0 {
		go e.linker.add(edge{kind: editionAuthorEdge, parentID: merged.ID, childIDs: newSet(authorKeys...)})
	}
	if workKey > 0 {
		go e.linker.add(edge{kind: workEditionEdge, parentID: workKey, childIDs: newSet(merged.ID)})
		if len(authorKeys) > 0 {
			go e.linker.add(edge{kind: workAuthorEdge, parentID: workKey, childIDs: newSet(authorKeys...)})
		}
	}

	if err := e.backfillCrosswalk(ctx, merged); err != nil {
		Log(ctx).Warn("crosswalk backfill failed", "isbn", merged.ISBN, "err", err)
	}

	e.emitFollowUps(ctx, existing, merged, newAuthors, result)
	e.cacheEdition(ctx, merged)

	return result, nil
}

// ensureAuthors find-or-creates every credited author, returning their keys
// and the raw names that were newly created. First sightings are pinned to an
// external identity when a crosswalk provider recognizes the name; resolution
// failing never blocks the create.
func (e *Engine) ensureAuthors(ctx context.Context, locks *keyedLocks, names []string) ([]int64, []string, error) {
	keys := []int64{}
	created := []string{}

	for _, name := range names {
		if e.blocklist.Blocked(name) {
			Log(ctx).Debug("skipping blocklisted author", "name", name)
			continue
		}
		normalized := NormalizeAuthorName(name)

		isNew := false
		var identity *CrosswalkRef
		key, err := locks.findOrCreate(ctx, authorLockKey(normalized), func(ctx context.Context) (int64, error) {
			author, err := e.store.AuthorByNormalizedName(ctx, normalized)
			if err == nil {
				return author.Key, nil
			}
			if !errors.Is(err, errNotFound) {
				return 0, err
			}

			resource := &AuthorResource{Name: name}
			if ref, err := e.orch.ResolveAuthorIdentity(ctx, name); err == nil {
				identity = ref
				if ref.Provider == "wikidata" {
					resource.QID = ref.ProviderID
				}
			}

			key, err := e.store.InsertAuthor(ctx, resource)
			if errors.Is(err, errConflict) {
				// Lost a cross-process race; the row exists now.
				author, err := e.store.AuthorByNormalizedName(ctx, normalized)
				if err != nil {
					return 0, err
				}
				return author.Key, nil
			}
			if err != nil {
				return 0, err
			}
			isNew = true
			return key, nil
		})
		if err != nil {
			return nil, nil, err
		}
		if isNew && identity != nil {
			identity.EntityKey = key
			if err := e.store.InsertCrosswalk(ctx, *identity); err != nil {
				Log(ctx).Warn("author crosswalk write failed", "name", name, "err", err)
			}
		}
		keys = append(keys, key)
		if isNew {
			created = append(created, name)
		}
	}
	return keys, created, nil
}

func (e *Engine) ensureWork(ctx context.Context, locks *keyedLocks, edition *EditionResource) (int64, error) {
	if edition.Title == "" {
		return 0, nil
	}
	normalized := NormalizeTitle(edition.Title)

	key, err := locks.findOrCreate(ctx, workLockKey(normalized), func(ctx context.Context) (int64, error) {
		work, err := e.store.WorkByNormalizedTitle(ctx, normalized)
		if err == nil {
			return work.Key, nil
		}
		if !errors.Is(err, errNotFound) {
			return 0, err
		}

		key, err := e.store.InsertWork(ctx, &WorkResource{Title: edition.Title})
		if errors.Is(err, errConflict) {
			work, err := e.store.WorkByNormalizedTitle(ctx, normalized)
			if err != nil {
				return 0, err
			}
			return work.Key, nil
		}
		return key, err
	})
	if err != nil {
		return 0, err
	}
	edition.WorkKey = key
	return key, nil
}

// backfillCrosswalk records every provider-assigned identifier seen during
// the merge. Inserts are conflict-ignore, so repeats are free.
func (e *Engine) backfillCrosswalk(ctx context.Context, edition *EditionResource) error {
	if len(edition.ExternalRefs) == 0 {
		return nil
	}
	refs := make([]CrosswalkRef, 0, len(edition.ExternalRefs))
	for _, ref := range edition.ExternalRefs {
		confidence := edition.Confidence
		if confidence == 0 {
			confidence = 80
		}
		refs = append(refs, CrosswalkRef{
			EntityType: "edition",
			EntityKey:  edition.ID,
			Provider:   ref.Provider,
			ProviderID: ref.ID,
			Confidence: confidence,
		})
	}
	return e.store.InsertCrosswalk(ctx, refs...)
}

// emitFollowUps enqueues cover processing for newly seen cover URLs and a
// bibliography job for each newly met author. Queue failures are logged, not
// fatal: follow-ups regenerate on the next enrichment.
func (e *Engine) emitFollowUps(ctx context.Context, existing, merged *EditionResource, newAuthors []string, result *EnrichmentResult) {
	if e.queue == nil {
		return
	}

	coverIsNew := merged.CoverURL != "" && (existing == nil || existing.CoverURL == "")
	if coverIsNew {
		err := e.queue.Publish(ctx, topicCovers, CoverMessage{
			ISBN:        merged.ISBN,
			ProviderURL: merged.CoverURL,
		})
		if err != nil {
			Log(ctx).Warn("cover job enqueue failed", "isbn", merged.ISBN, "err", err)
		} else {
			result.CoversQueued++
		}
	}

	if e.maxBibliographyPages <= 0 {
		return
	}
	for _, name := range newAuthors {
		// Author-only messages are bibliography jobs; the consumer fans them
		// out into per-ISBN enrichments.
		err := e.queue.Publish(ctx, topicEnrichment, EnrichmentMessage{
			Author: name,
			Source: "bibliography-followup",
		})
		if err != nil {
			Log(ctx).Warn("bibliography job enqueue failed", "author", name, "err", err)
		}
	}
}

func (e *Engine) cacheEdition(ctx context.Context, edition *EditionResource) {
	if e.cache == nil {
		return
	}
	raw, err := sonic.ConfigStd.Marshal(edition)
	if err != nil {
		return
	}
	parsed, err := ParseISBN(edition.ISBN)
	if err != nil {
		return
	}
	e.cache.Set(ctx, editionCacheKey(parsed), raw, 24*time.Hour)
}

func (e *Engine) logEnrichment(ctx context.Context, isbn ISBN, chain []string, outcome string, queued int, start time.Time) {
	err := e.store.AppendEnrichmentLog(ctx, &EnrichmentLog{
		ISBN:       string(isbn),
		Providers:  chain,
		Outcome:    outcome,
		Duration:   time.Since(start),
		Queued:     queued,
		RequestID:  requestIDFromContext(ctx),
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		Log(ctx).Warn("enrichment log write failed", "isbn", isbn, "err", err)
	}
}

// EditionVariants lists other editions of the same work, fanned out across
// every variant-capable provider and deduplicated by ISBN. Nothing is
// persisted; callers decide what to enrich.
func (e *Engine) EditionVariants(ctx context.Context, rawISBN string) ([]*EditionResource, error) {
	isbn, err := ParseISBN(rawISBN)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return e.orch.FetchVariants(ctx, isbn, false), nil
}

// BibliographyResult is the outcome of an author bibliography enrichment.
type BibliographyResult struct {
	BooksFound    int  `json:"books_found"`
	NewlyEnriched int  `json:"newly_enriched"`
	CoversQueued  int  `json:"covers_queued"`
	Cached        bool `json:"cached"`
}

// EnrichAuthorBibliography pages through an author's published editions,
// persists the ones we don't have, and remembers that it ran so repeat
// requests within a day short-circuit.
func (e *Engine) EnrichAuthorBibliography(ctx context.Context, authorName string, maxPages int) (*BibliographyResult, error) {
	if authorName == "" {
		return nil, fmt.Errorf("%w: author name required", errBadRequest)
	}
	if maxPages <= 0 || maxPages > e.maxBibliographyPages {
		maxPages = e.maxBibliographyPages
	}

	cacheKey := bibliographyCacheKey(NormalizeAuthorName(authorName))
	if e.cache != nil {
		if raw, ok := e.cache.Get(ctx, cacheKey); ok {
			var cached BibliographyResult
			if err := sonic.ConfigStd.Unmarshal(raw, &cached); err == nil {
				cached.Cached = true
				return &cached, nil
			}
		}
	}

	editions, err := e.orch.FetchBibliography(ctx, authorName, maxPages)
	if err != nil {
		return nil, err
	}

	result := &BibliographyResult{BooksFound: len(editions)}
	locks := newKeyedLocks()

	isbns := []ISBN{}
	for _, edition := range editions {
		if parsed, err := ParseISBN(edition.ISBN); err == nil {
			isbns = append(isbns, parsed)
		}
	}
	existing, err := e.dedupe.ISBNsExisting(ctx, isbns)
	if err != nil {
		return nil, err
	}

	for _, edition := range editions {
		isbn, err := ParseISBN(edition.ISBN)
		if err != nil {
			continue
		}
		if existing.has(string(isbn)) {
			continue
		}

		edition.ISBN = string(isbn)
		edition.Title = html.UnescapeString(_sanitizer.Sanitize(edition.Title))
		edition.normalizeRelated()
		persisted, err := e.persist(ctx, locks, edition)
		if err != nil {
			Log(ctx).Warn("bibliography edition persist failed", "isbn", isbn, "err", err)
			continue
		}
		if persisted.Outcome == outcomeInsert {
			result.NewlyEnriched++
		}
		result.CoversQueued += persisted.CoversQueued
	}

	if e.cache != nil {
		if raw, err := sonic.ConfigStd.Marshal(result); err == nil {
			e.cache.Set(ctx, cacheKey, raw, _bibliographyTTL)
		}
	}
	return result, nil
}

// presentFields lists the non-empty fields of a fresh insert.
func presentFields(e *EditionResource) []string {
	return newFields(&EditionResource{}, e)
}

// newFields lists fields that merged would add on top of existing. Empty
// means re-enrichment converged: nothing to write, nothing to enqueue.
func newFields(existing, merged *EditionResource) []string {
	added := []string{}
	add := func(name string, missing, present bool) {
		if missing && present {
			added = append(added, name)
		}
	}

	add("title", existing.Title == "", merged.Title != "")
	add("authors", len(existing.Authors) == 0, len(merged.Authors) > 0)
	add("publisher", existing.Publisher == "", merged.Publisher != "")
	add("publish_date", existing.PublishYear == 0, merged.PublishYear != 0)
	add("pages", existing.Pages == 0, merged.Pages != 0)
	add("language", existing.Language == "", merged.Language != "")
	add("cover_url", existing.CoverURL == "", merged.CoverURL != "")
	add("description", existing.Description == "", merged.Description != "")
	add("external_id", existing.ExternalID == "", merged.ExternalID != "")

	for _, s := range merged.Subjects {
		if !slices.Contains(existing.Subjects, s) {
			added = append(added, "subjects")
			break
		}
	}
	for _, r := range merged.RelatedISBNs {
		if !slices.Contains(existing.RelatedISBNs, r) {
			added = append(added, "related_isbns")
			break
		}
	}
	return added
}
