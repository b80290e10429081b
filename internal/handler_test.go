package internal

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handlerFixture struct {
	handler http.Handler
	store   *memstore
	queue   *fakePublisher
}

func newTestHandler(t *testing.T) *handlerFixture {
	t.Helper()

	ms := newMemstore()
	queue := newFakePublisher()

	engine := newTestEngine(t, EngineOpts{
		Store: ms,
		Registry: stubRegistry(t, &stubProvider{
			name: "isbndb", caps: []Capability{CapBookMetadata}, available: true,
			fetch: func(_ context.Context, isbn ISBN) (*EditionResource, error) {
				return &EditionResource{ISBN: string(isbn), Title: "Title for " + string(isbn)}, nil
			},
		}),
		Queue: queue,
	})

	backfill := NewBackfiller(BackfillOpts{Store: ms, Registry: stubRegistry(t), Queue: queue})

	return &handlerFixture{
		handler: NewHandler(HandlerOpts{
			Engine:         engine,
			Backfill:       backfill,
			Store:          ms,
			Queue:          queue,
			KV:             newMemoryKV(),
			InternalSecret: "s3cret",
		}),
		store: ms,
		queue: queue,
	}
}

func (f *handlerFixture) do(method, path, body string, header http.Header) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, vs := range header {
		for _, v := range vs {
			r.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	return w
}

func TestHandlerGetEdition(t *testing.T) {
	t.Parallel()

	f := newTestHandler(t)
	_, err := f.store.InsertEdition(t.Context(), &EditionResource{
		ISBN:  "9780439064873",
		Title: "Harry Potter and the Chamber of Secrets",
	})
	require.NoError(t, err)

	w := f.do(http.MethodGet, "/editions/9780439064873", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "public, max-age=300", w.Header().Get("Cache-Control"))
	assert.Equal(t, "100", w.Header().Get("X-RateLimit-Limit"))

	var edition EditionResource
	require.NoError(t, sonic.ConfigStd.Unmarshal(w.Body.Bytes(), &edition))
	assert.Equal(t, "Harry Potter and the Chamber of Secrets", edition.Title)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/editions/9780316769488", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/editions/not-an-isbn", "", nil).Code)
}

func TestHandlerEnrichEdition(t *testing.T) {
	t.Parallel()

	f := newTestHandler(t)

	w := f.do(http.MethodPost, "/enrich/edition", `{"isbn": "9780439064873"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var result EnrichmentResult
	require.NoError(t, sonic.ConfigStd.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, outcomeInsert, result.Outcome)
	assert.Equal(t, 1, f.store.editionCount())

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/enrich/edition", `{"isbn": "junk"}`, nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/enrich/edition", `{not json`, nil).Code)
}

func TestHandlerQueueBatch(t *testing.T) {
	t.Parallel()

	f := newTestHandler(t)

	w := f.do(http.MethodPost, "/enrich/queue/batch", `{"books": [
		{"isbn": "9780439064873", "title": "Chamber of Secrets"},
		{"isbn": "bogus"},
		{"isbn": "978-0-316-76948-8"}
	]}`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Queued int `json:"queued"`
		Failed []struct {
			ISBN string `json:"isbn"`
		} `json:"failed"`
	}
	require.NoError(t, sonic.ConfigStd.Unmarshal(w.Body.Bytes(), &resp))

	// Partial failure is the normal case: valid entries proceed.
	assert.Equal(t, 2, resp.Queued)
	require.Len(t, resp.Failed, 1)
	assert.Equal(t, "bogus", resp.Failed[0].ISBN)

	messages := f.queue.byTopic(topicEnrichment)
	require.Len(t, messages, 2)
	assert.Equal(t, "9780316769488", messages[1].(EnrichmentMessage).ISBN)
}

func TestHandlerCheckISBNs(t *testing.T) {
	t.Parallel()

	f := newTestHandler(t)
	for _, isbn := range []string{"9780439064873", "9780316769488"} {
		_, err := f.store.InsertEdition(t.Context(), &EditionResource{ISBN: isbn, Title: "T " + isbn})
		require.NoError(t, err)
	}

	w := f.do(http.MethodPost, "/isbns/check",
		`{"isbns": ["9780316769488", "9780439064873", "9780743273565", "nonsense"]}`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Existing []string `json:"existing"`
	}
	require.NoError(t, sonic.ConfigStd.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"9780316769488", "9780439064873"}, resp.Existing)
}

func TestHandlerCheckISBNsCapped(t *testing.T) {
	t.Parallel()

	f := newTestHandler(t)

	isbns := make([]string, _maxCheckISBNs+1)
	for i := range isbns {
		isbns[i] = "9780439064873"
	}
	body, err := sonic.ConfigStd.Marshal(map[string]any{"isbns": isbns})
	require.NoError(t, err)

	w := f.do(http.MethodPost, "/isbns/check", string(body), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlerInternalRoutes(t *testing.T) {
	t.Parallel()

	f := newTestHandler(t)
	body := fmt.Sprintf(`{"start_year": %d, "end_year": %d, "dry_run": true}`, 1994, 1994)

	assert.Equal(t, http.StatusForbidden,
		f.do(http.MethodPost, "/internal/schedule-backfill", body, nil).Code)
	assert.Equal(t, http.StatusForbidden,
		f.do(http.MethodPost, "/internal/schedule-backfill", body,
			http.Header{"X-Internal-Secret": []string{"wrong"}}).Code)

	w := f.do(http.MethodPost, "/internal/schedule-backfill", body,
		http.Header{"X-Internal-Secret": []string{"s3cret"}})
	require.Equal(t, http.StatusOK, w.Code)

	var report BackfillReport
	require.NoError(t, sonic.ConfigStd.Unmarshal(w.Body.Bytes(), &report))
	assert.True(t, report.DryRun)
	assert.Equal(t, 13, report.BucketsPlanned)
}

func TestHandlerEnrichBibliography(t *testing.T) {
	t.Parallel()

	ms := newMemstore()
	engine := newTestEngine(t, EngineOpts{
		Store: ms,
		Registry: stubRegistry(t, &stubProvider{
			name: "isbndb", caps: []Capability{CapAuthorBibliography}, available: true,
			bibliography: func(_ context.Context, _ string, _ int) ([]*EditionResource, error) {
				return []*EditionResource{{ISBN: "9780441013593", Title: "Dune"}}, nil
			},
		}),
	})
	f := &handlerFixture{handler: NewHandler(HandlerOpts{
		Engine: engine,
		Store:  ms,
		KV:     newMemoryKV(),
	}), store: ms}

	w := f.do(http.MethodPost, "/authors/enrich-bibliography",
		`{"author_name": "Frank Herbert", "max_pages": 2}`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var result BibliographyResult
	require.NoError(t, sonic.ConfigStd.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, 1, result.BooksFound)
	assert.Equal(t, 1, result.NewlyEnriched)
	assert.Equal(t, 1, ms.editionCount())

	// The name is mandatory.
	w = f.do(http.MethodPost, "/authors/enrich-bibliography", `{"max_pages": 2}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlerEditionVariants(t *testing.T) {
	t.Parallel()

	ms := newMemstore()
	engine := newTestEngine(t, EngineOpts{
		Store: ms,
		Registry: stubRegistry(t, &stubProvider{
			name: "openlibrary", caps: []Capability{CapEditionVariants}, available: true,
			variants: func(_ context.Context, _ ISBN) ([]*EditionResource, error) {
				return []*EditionResource{
					{ISBN: "9780553283686", Title: "Hyperion"},
					{ISBN: "9780553283686", Title: "Hyperion (reprint)"},
					{ISBN: "9780553288209", Title: "The Fall of Hyperion"},
				}, nil
			},
		}),
	})
	f := &handlerFixture{handler: NewHandler(HandlerOpts{
		Engine: engine,
		Store:  ms,
		KV:     newMemoryKV(),
	}), store: ms}

	w := f.do(http.MethodGet, "/editions/9780441013593/variants", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Variants []EditionResource `json:"variants"`
	}
	require.NoError(t, sonic.ConfigStd.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Variants, 2) // The repeated ISBN collapses.
	assert.Equal(t, "openlibrary", resp.Variants[0].SourceProvider)

	assert.Equal(t, http.StatusBadRequest,
		f.do(http.MethodGet, "/editions/not-an-isbn/variants", "", nil).Code)
}

func TestHandlerGetAuthor(t *testing.T) {
	t.Parallel()

	f := newTestHandler(t)
	normalized := NormalizeAuthorName("J.K. Rowling")
	f.store.authors[1] = &AuthorResource{
		Key: 1, Name: "J.K. Rowling", NormalizedName: normalized, QID: "Q34660", WorkCount: 7,
	}
	f.store.authors[2] = &AuthorResource{
		Key: 2, Name: "Rowling, J.K.", NormalizedName: normalized, WorkCount: 1,
	}
	f.store.nextID = 2

	// Any spelling resolves to the canonical row.
	w := f.do(http.MethodGet, "/authors/Rowling,%20J.K.", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Author   AuthorResource `json:"author"`
		Variants []string       `json:"variants"`
	}
	require.NoError(t, sonic.ConfigStd.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "J.K. Rowling", resp.Author.Name)
	assert.Equal(t, "Q34660", resp.Author.QID)
	assert.Equal(t, []string{"J.K. Rowling", "Rowling, J.K."}, resp.Variants)

	assert.Equal(t, http.StatusNotFound,
		f.do(http.MethodGet, "/authors/Nobody%20Anyone", "", nil).Code)
}

func TestHandlerHealthz(t *testing.T) {
	t.Parallel()

	f := newTestHandler(t)
	w := f.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestHandlerErrorEnvelope(t *testing.T) {
	t.Parallel()

	f := newTestHandler(t)
	w := f.do(http.MethodGet, "/editions/not-an-isbn", "", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var body errorBody
	require.NoError(t, sonic.ConfigStd.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, http.StatusText(http.StatusBadRequest), body.Error)
	assert.NotEmpty(t, body.RequestID)
}
