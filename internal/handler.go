package internal

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/stampede"
)

const _maxCheckISBNs = 1000

// HandlerOpts configures NewHandler.
type HandlerOpts struct {
	Engine         *Engine
	Backfill       *Backfiller
	Store          store
	Cache          cache[[]byte]
	Queue          publisher
	KV             keyval
	Metrics        *Metrics
	InternalSecret string
}

type handler struct {
	engine         *Engine
	backfill       *Backfiller
	store          store
	cache          cache[[]byte]
	queue          publisher
	internalSecret string
}

// NewHandler builds the public HTTP surface: request IDs, per-class rate
// limits, instrumentation, and stampede coalescing on the read path.
func NewHandler(opts HandlerOpts) http.Handler {
	h := &handler{
		engine:         opts.Engine,
		backfill:       opts.Backfill,
		store:          opts.Store,
		cache:          opts.Cache,
		queue:          opts.Queue,
		internalSecret: opts.InternalSecret,
	}
	rl := newRateLimiter(opts.KV)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /enrich/edition", rl.limit(classWrite, h.enrichEdition))
	mux.HandleFunc("POST /enrich/queue/batch", rl.limit(classWrite, h.queueBatch))
	mux.HandleFunc("POST /authors/enrich-bibliography", rl.limit(classHeavy, h.enrichBibliography))
	mux.HandleFunc("POST /isbns/check", rl.limit(classSearch, h.checkISBNs))
	mux.HandleFunc("POST /internal/schedule-backfill", h.internalOnly(rl.limit(classHeavy, h.scheduleBackfill)))

	// Concurrent reads of the same edition collapse into one lookup.
	coalesced := stampede.Handler(512, 5*time.Second)
	mux.Handle("GET /editions/{isbn}", coalesced(rl.limit(classStandard, h.getEdition)))
	mux.HandleFunc("GET /editions/{isbn}/variants", rl.limit(classSearch, h.editionVariants))
	mux.HandleFunc("GET /authors/{name}", rl.limit(classStandard, h.getAuthor))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics.Handler())
	}

	var wrapped http.Handler = mux
	if opts.Metrics != nil {
		wrapped = instrument(opts.Metrics.reg, wrapped)
	}
	return middleware.RequestID(requestIDToContext(wrapped))
}

// requestIDToContext copies chi's request ID into our log context so every
// downstream log line carries it.
func requestIDToContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			r = r.WithContext(withRequestID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

func decode[T any](r *http.Request, into *T) error {
	if err := sonic.ConfigStd.NewDecoder(r.Body).Decode(into); err != nil {
		return fmt.Errorf("%w: decoding body: %w", errBadRequest, err)
	}
	return nil
}

func respond(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := sonic.ConfigStd.NewEncoder(w).Encode(body); err != nil {
		Log(r.Context()).Warn("problem encoding response", "err", err)
	}
}

// enrichEdition runs one synchronous enrichment and returns the entity
// summary.
func (h *handler) enrichEdition(w http.ResponseWriter, r *http.Request) {
	var req EnrichmentMessage
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	result, err := h.engine.EnrichEdition(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, result)
}

// queueBatch validates each book and enqueues the valid ones. Partial
// failure is the normal case: invalid entries come back in failed[] while
// the rest proceed.
func (h *handler) queueBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Books []EnrichmentMessage `json:"books"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	type failure struct {
		ISBN  string `json:"isbn"`
		Error string `json:"error"`
	}
	queued := 0
	failed := []failure{}

	for _, book := range req.Books {
		parsed, err := ParseISBN(book.ISBN)
		if err != nil {
			failed = append(failed, failure{ISBN: book.ISBN, Error: err.Error()})
			continue
		}
		book.ISBN = string(parsed)
		if err := h.queue.Publish(r.Context(), topicEnrichment, book); err != nil {
			failed = append(failed, failure{ISBN: book.ISBN, Error: "enqueue failed"})
			continue
		}
		queued++
	}

	respond(w, r, http.StatusOK, map[string]any{"queued": queued, "failed": failed})
}

func (h *handler) enrichBibliography(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AuthorName string `json:"author_name"`
		MaxPages   int    `json:"max_pages"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	result, err := h.engine.EnrichAuthorBibliography(r.Context(), req.AuthorName, req.MaxPages)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, result)
}

// checkISBNs reports which of the submitted ISBNs are already persisted,
// matching against each edition's full related set.
func (h *handler) checkISBNs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ISBNs []string `json:"isbns"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if len(req.ISBNs) > _maxCheckISBNs {
		writeError(w, r, fmt.Errorf("%w: at most %d isbns per call", errBadRequest, _maxCheckISBNs))
		return
	}

	valid, _ := parseISBNs(req.ISBNs)
	raw := make([]string, 0, len(valid))
	for _, isbn := range valid {
		raw = append(raw, string(isbn))
	}

	existing, err := h.store.ISBNsExisting(r.Context(), raw)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, map[string]any{"existing": sorted(existing)})
}

// internalOnly gates a route behind the shared operator secret.
func (h *handler) internalOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provided := r.Header.Get("X-Internal-Secret")
		if h.internalSecret == "" ||
			subtle.ConstantTimeCompare([]byte(provided), []byte(h.internalSecret)) != 1 {
			writeError(w, r, statusErr(http.StatusForbidden))
			return
		}
		next(w, r)
	}
}

func (h *handler) scheduleBackfill(w http.ResponseWriter, r *http.Request) {
	var req BackfillRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	report, err := h.backfill.Plan(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, report)
}

// editionVariants proxies a live variant fan-out across the providers.
// Nothing is persisted; the response is whatever the upstreams know today.
func (h *handler) editionVariants(w http.ResponseWriter, r *http.Request) {
	variants, err := h.engine.EditionVariants(r.Context(), r.PathValue("isbn"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, map[string]any{"variants": variants})
}

// getAuthor resolves any spelling of an author's name to the canonical row
// plus the variant spellings that map onto it.
func (h *handler) getAuthor(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		writeError(w, r, fmt.Errorf("%w: author name required", errBadRequest))
		return
	}

	author, variants, err := h.store.CanonicalAuthor(r.Context(), NormalizeAuthorName(name))
	if err != nil {
		writeError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, map[string]any{"author": author, "variants": variants})
}

// getEdition serves a persisted edition, cache first.
func (h *handler) getEdition(w http.ResponseWriter, r *http.Request) {
	isbn, err := ParseISBN(r.PathValue("isbn"))
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}

	w.Header().Set("Cache-Control", "public, max-age=300")

	if h.cache != nil {
		if raw, ok := h.cache.Get(r.Context(), editionCacheKey(isbn)); ok {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(raw)
			return
		}
	}

	edition, err := h.store.EditionByISBN(r.Context(), string(isbn))
	if err != nil {
		writeError(w, r, err)
		return
	}

	if h.cache != nil {
		if raw, err := sonic.ConfigStd.Marshal(edition); err == nil {
			h.cache.Set(r.Context(), editionCacheKey(isbn), raw, 24*time.Hour)
		}
	}
	respond(w, r, http.StatusOK, edition)
}
