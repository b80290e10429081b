package internal

import (
	"context"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// orchestrator fans a single logical request out to every capable, available
// provider and merges what comes back. A provider that errors, times out, or
// returns empty never aborts its siblings; its result is dropped and logged
// at debug.
type orchestrator struct {
	registry *registry

	httpTimeout  time.Duration // Plain HTTP metadata lookups.
	batchTimeout time.Duration // Batch endpoints.
	aiTimeout    time.Duration // AI generation is slow.
}

func newOrchestrator(reg *registry) *orchestrator {
	return &orchestrator{
		registry:     reg,
		httpTimeout:  10 * time.Second,
		batchTimeout: 30 * time.Second,
		aiTimeout:    60 * time.Second,
	}
}

// ranked pairs a provider's fan-out result with its priority so aggregation
// can settle ties deterministically: lowest priority index wins, then first
// completion.
type ranked[T any] struct {
	priority  int
	completed int
	provider  string
	value     T
}

// MergeMetadata asks every book-metadata provider about one ISBN. The first
// successful response in priority order is the base; later responses only
// fill its gaps. The provider chain actually consulted is returned for the
// enrichment log.
func (o *orchestrator) MergeMetadata(ctx context.Context, isbn ISBN) (*EditionResource, []string, error) {
	providers := o.registry.availableByCapability(ctx, CapBookMetadata)
	if len(providers) == 0 {
		return nil, nil, nil
	}

	var mu sync.Mutex
	results := []ranked[*EditionResource]{}
	chain := []string{}

	g, gctx := errgroup.WithContext(ctx)
	for priority, p := range providers {
		mp, ok := p.(metadataProvider)
		if !ok {
			continue
		}
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, o.httpTimeout)
			defer cancel()

			edition, err := mp.FetchByISBN(callCtx, isbn)
			mu.Lock()
			defer mu.Unlock()
			chain = append(chain, mp.Name())
			if err != nil || edition == nil {
				logDropped(ctx, mp.Name(), err)
				return nil
			}
			edition.SourceProvider = mp.Name()
			edition.ensureExternalRef()
			results = append(results, ranked[*EditionResource]{
				priority: priority, completed: len(results), provider: mp.Name(), value: edition,
			})
			return nil
		})
	}
	_ = g.Wait() // Individual failures were already dropped.

	if len(results) == 0 {
		return nil, chain, nil
	}

	slices.SortFunc(results, rankedOrder)

	merged := results[0].value
	for _, r := range results[1:] {
		fillGaps(merged, r.value)
	}
	merged.normalizeRelated()
	return merged, chain, nil
}

// FetchVariants collects edition variants from every capable provider,
// deduplicated by ISBN with the highest-priority winner kept. With
// stopOnFirstSuccess the first non-empty result cancels the stragglers.
func (o *orchestrator) FetchVariants(ctx context.Context, isbn ISBN, stopOnFirstSuccess bool) []*EditionResource {
	providers := o.registry.availableByCapability(ctx, CapEditionVariants)

	gctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	results := []ranked[[]*EditionResource]{}

	g := errgroup.Group{}
	for priority, p := range providers {
		vp, ok := p.(variantProvider)
		if !ok {
			continue
		}
		g.Go(func() error {
			callCtx, callCancel := context.WithTimeout(gctx, o.httpTimeout)
			defer callCancel()

			variants, err := vp.FetchVariants(callCtx, isbn)
			if err != nil || len(variants) == 0 {
				logDropped(ctx, vp.Name(), err)
				return nil
			}
			for _, v := range variants {
				v.SourceProvider = vp.Name()
			}

			mu.Lock()
			results = append(results, ranked[[]*EditionResource]{
				priority: priority, completed: len(results), provider: vp.Name(), value: variants,
			})
			mu.Unlock()

			if stopOnFirstSuccess {
				cancel() // Outstanding calls stop; we already have a winner.
			}
			return nil
		})
	}
	_ = g.Wait()

	slices.SortFunc(results, rankedOrder)

	return dedupeByISBN(results)
}

// GenerateBooks fans a prompt out to every AI generation provider
// concurrently. Outputs are deduplicated by validated ISBN first and by fuzzy
// title similarity second; entries with invalid ISBNs keep their title and
// author but drop the ISBN.
func (o *orchestrator) GenerateBooks(ctx context.Context, prompt string, count int) []GeneratedBook {
	providers := o.registry.availableByCapability(ctx, CapBookGeneration)

	var mu sync.Mutex
	results := []ranked[[]GeneratedBook]{}

	g := errgroup.Group{}
	for priority, p := range providers {
		gp, ok := p.(generationProvider)
		if !ok {
			continue
		}
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, o.aiTimeout)
			defer cancel()

			books, err := gp.GenerateBooks(callCtx, prompt, count)
			if err != nil || len(books) == 0 {
				logDropped(ctx, gp.Name(), err)
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			results = append(results, ranked[[]GeneratedBook]{
				priority: priority, completed: len(results), provider: gp.Name(), value: books,
			})
			return nil
		})
	}
	_ = g.Wait()

	slices.SortFunc(results, rankedOrder)

	seenISBN := newSet[string]()
	merged := []GeneratedBook{}
	for _, r := range results {
		for _, b := range r.value {
			// ISBNs from generators are untrusted until validated.
			if parsed, err := ParseISBN(b.ISBN); err == nil {
				b.ISBN = string(parsed)
				if seenISBN.has(b.ISBN) {
					continue
				}
				seenISBN[b.ISBN] = struct{}{}
			} else {
				b.ISBN = ""
			}
			if b.ISBN == "" && slices.ContainsFunc(merged, func(m GeneratedBook) bool {
				return titlesSimilar(m.Title, b.Title)
			}) {
				continue
			}
			merged = append(merged, b)
		}
	}
	return merged
}

// PrefetchMetadata resolves many ISBNs through the highest-priority provider
// with a batch endpoint, chunked to the upstream's per-call cap. A failed
// chunk degrades to whatever was fetched before it; no batch-capable provider
// at all yields nil.
func (o *orchestrator) PrefetchMetadata(ctx context.Context, isbns []ISBN) map[ISBN]*EditionResource {
	if len(isbns) == 0 {
		return nil
	}
	for _, p := range o.registry.availableByCapability(ctx, CapBookMetadata) {
		bp, ok := p.(batchMetadataProvider)
		if !ok {
			continue
		}

		found := map[ISBN]*EditionResource{}
		limit := max(bp.BatchLimit(), 1)
		for start := 0; start < len(isbns); start += limit {
			end := min(start+limit, len(isbns))
			callCtx, cancel := context.WithTimeout(ctx, o.batchTimeout)
			chunk, err := bp.FetchBatch(callCtx, isbns[start:end])
			cancel()
			if err != nil {
				logDropped(ctx, bp.Name(), err)
				return found // Partial is still useful.
			}
			for isbn, e := range chunk {
				e.SourceProvider = bp.Name()
				found[isbn] = e
			}
		}
		return found
	}
	return nil
}

// ResolveAuthorIdentity maps an author name or external identifier onto a
// crosswalk ref via the identity providers, first success wins. errNotFound
// when nobody recognizes it.
func (o *orchestrator) ResolveAuthorIdentity(ctx context.Context, externalID string) (*CrosswalkRef, error) {
	for _, p := range o.registry.availableByCapability(ctx, CapIdentityCrosswalk) {
		cp, ok := p.(crosswalkProvider)
		if !ok {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, o.httpTimeout)
		ref, err := cp.ResolveAuthor(callCtx, externalID)
		cancel()
		if err != nil {
			logDropped(ctx, cp.Name(), err)
			continue
		}
		return ref, nil
	}
	return nil, errNotFound
}

// FetchBibliography pages through an author's editions on the
// highest-priority bibliography provider. Sequential by design: the paid
// provider's rate cap doesn't leave room for parallel pages.
func (o *orchestrator) FetchBibliography(ctx context.Context, authorName string, maxPages int) ([]*EditionResource, error) {
	for _, p := range o.registry.availableByCapability(ctx, CapAuthorBibliography) {
		bp, ok := p.(bibliographyProvider)
		if !ok {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, o.batchTimeout*time.Duration(max(maxPages, 1)))
		editions, err := bp.FetchBibliography(callCtx, authorName, maxPages)
		cancel()
		if err != nil {
			logDropped(ctx, bp.Name(), err)
			continue // Fall through to the next provider.
		}
		for _, e := range editions {
			e.SourceProvider = bp.Name()
		}
		return editions, nil
	}
	return nil, nil
}

func rankedOrder[T any](a, b ranked[T]) int {
	if a.priority != b.priority {
		return a.priority - b.priority
	}
	return a.completed - b.completed
}

// dedupeByISBN flattens priority-ordered result sets, keeping the first
// edition seen per ISBN.
func dedupeByISBN(results []ranked[[]*EditionResource]) []*EditionResource {
	seen := newSet[string]()
	merged := []*EditionResource{}
	for _, r := range results {
		for _, e := range r.value {
			parsed, err := ParseISBN(e.ISBN)
			if err != nil {
				continue // Only validated ISBNs enter the pipeline.
			}
			e.ISBN = string(parsed)
			if seen.has(e.ISBN) {
				continue
			}
			seen[e.ISBN] = struct{}{}
			merged = append(merged, e)
		}
	}
	return merged
}

// fillGaps copies fields from src into dst where dst has none. Arrays union.
func fillGaps(dst, src *EditionResource) {
	if dst.Title == "" {
		dst.Title = src.Title
	}
	if len(dst.Authors) == 0 {
		dst.Authors = src.Authors
	}
	if dst.Publisher == "" {
		dst.Publisher = src.Publisher
	}
	if dst.PublishYear == 0 {
		dst.PublishYear, dst.PublishMonth, dst.PublishDay = src.PublishYear, src.PublishMonth, src.PublishDay
	}
	if dst.Pages == 0 {
		dst.Pages = src.Pages
	}
	if dst.Language == "" {
		dst.Language = src.Language
	}
	if dst.CoverURL == "" {
		dst.CoverURL = src.CoverURL
	}
	if dst.Description == "" {
		dst.Description = src.Description
	}
	if dst.ExternalID == "" && src.ExternalID != "" {
		dst.ExternalID = src.ExternalID
	}

	for _, ref := range src.ExternalRefs {
		if !slices.Contains(dst.ExternalRefs, ref) {
			dst.ExternalRefs = append(dst.ExternalRefs, ref)
		}
	}

	subjects := newSet(dst.Subjects...)
	dst.Subjects = sorted(union(subjects, newSet(src.Subjects...)))

	related := newSet(dst.RelatedISBNs...)
	dst.RelatedISBNs = sorted(union(related, newSet(src.RelatedISBNs...)))
}

func logDropped(ctx context.Context, provider string, err error) {
	if err != nil {
		Log(ctx).Debug("dropping provider result", "provider", provider, "err", err)
		return
	}
	Log(ctx).Debug("provider returned nothing", "provider", provider)
}
