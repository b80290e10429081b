package internal

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOpenLibrary(respond roundTripperFunc) *openLibraryProvider {
	p := NewOpenLibraryProvider(nil)
	p.client = &http.Client{Transport: respond}
	return p
}

func TestOpenLibraryFetchByISBN(t *testing.T) {
	t.Parallel()

	p := newTestOpenLibrary(func(r *http.Request) (*http.Response, error) {
		switch r.URL.Path {
		case "/isbn/9780441013593.json":
			return jsonResponse(http.StatusOK, map[string]any{
				"key":             "/books/OL24222528M",
				"title":           "Dune",
				"subtitle":        "40th Anniversary Edition",
				"publishers":      []string{"Ace Books"},
				"publish_date":    "September 1, 1990",
				"number_of_pages": 896,
				"covers":          []int64{240727},
				"subjects":        []string{"Science fiction"},
				"isbn_10":         []string{"0441013597"},
				"isbn_13":         []string{"9780441013593"},
				"description":     map[string]any{"type": "/type/text", "value": "The spice must flow."},
				"languages":       []map[string]string{{"key": "/languages/eng"}},
				"authors":         []map[string]string{{"key": "/authors/OL79034A"}},
			}), nil
		case "/authors/OL79034A.json":
			return jsonResponse(http.StatusOK, map[string]any{"name": "Frank Herbert"}), nil
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
			return nil, nil
		}
	})

	edition, err := p.FetchByISBN(t.Context(), "9780441013593")
	require.NoError(t, err)

	assert.Equal(t, "Dune: 40th Anniversary Edition", edition.Title)
	assert.Equal(t, []string{"Frank Herbert"}, edition.Authors)
	assert.Equal(t, "Ace Books", edition.Publisher)
	assert.Equal(t, 1990, edition.PublishYear)
	assert.Equal(t, 896, edition.Pages)
	assert.Equal(t, "The spice must flow.", edition.Description)
	assert.Equal(t, "eng", edition.Language)
	assert.Equal(t, "https://covers.openlibrary.org/b/id/240727-L.jpg", edition.CoverURL)
	assert.Equal(t, "OL24222528M", edition.ExternalID)
	assert.Equal(t, 60, edition.Confidence)
	assert.ElementsMatch(t, []string{"9780441013593", "0441013597"}, edition.RelatedISBNs)
}

func TestOpenLibraryFetchByISBNBareDescription(t *testing.T) {
	t.Parallel()

	p := newTestOpenLibrary(func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, map[string]any{
			"key":         "/books/OL1M",
			"title":       "Dune",
			"description": "Bare string form.",
		}), nil
	})

	edition, err := p.FetchByISBN(t.Context(), "9780441013593")
	require.NoError(t, err)
	assert.Equal(t, "Bare string form.", edition.Description)
}

func TestOpenLibraryAuthorFetchFailureIsPartial(t *testing.T) {
	t.Parallel()

	p := newTestOpenLibrary(func(r *http.Request) (*http.Response, error) {
		if r.URL.Path == "/isbn/9780441013593.json" {
			return jsonResponse(http.StatusOK, map[string]any{
				"key":     "/books/OL1M",
				"title":   "Dune",
				"authors": []map[string]string{{"key": "/authors/OL79034A"}},
			}), nil
		}
		return nil, statusErr(http.StatusBadGateway)
	})

	// The edition survives without its author names.
	edition, err := p.FetchByISBN(t.Context(), "9780441013593")
	require.NoError(t, err)
	assert.Equal(t, "Dune", edition.Title)
	assert.Empty(t, edition.Authors)
}

func TestOpenLibraryFetchByISBNNotFound(t *testing.T) {
	t.Parallel()

	p := newTestOpenLibrary(func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, map[string]any{}), nil
	})

	_, err := p.FetchByISBN(t.Context(), "9780441013593")
	assert.ErrorIs(t, err, errNotFound)
}

func TestOpenLibraryFetchVariants(t *testing.T) {
	t.Parallel()

	p := newTestOpenLibrary(func(r *http.Request) (*http.Response, error) {
		switch r.URL.Path {
		case "/isbn/9780441013593.json":
			return jsonResponse(http.StatusOK, map[string]any{
				"key":   "/books/OL1M",
				"title": "Dune",
				"works": []map[string]string{{"key": "/works/OL893415W"}},
			}), nil
		case "/works/OL893415W/editions.json":
			assert.Equal(t, "50", r.URL.Query().Get("limit"))
			return jsonResponse(http.StatusOK, map[string]any{
				"entries": []map[string]any{
					{"key": "/books/OL1M", "title": "Dune", "isbn_13": []string{"9780441013593"}},
					{"key": "/books/OL2M", "title": "Dune (mass market)", "isbn_13": []string{"9780553283686"}},
					{"key": "/books/OL3M", "title": "Dune (no isbn)"},
					{"key": "/books/OL4M", "title": "Dune (bad isbn)", "isbn_10": []string{"garbage"}},
				},
			}), nil
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
			return nil, nil
		}
	})

	variants, err := p.FetchVariants(t.Context(), "9780441013593")
	require.NoError(t, err)

	// The queried edition and unparseable siblings are excluded.
	require.Len(t, variants, 1)
	assert.Equal(t, "9780553283686", variants[0].ISBN)
	assert.Equal(t, "OL2M", variants[0].ExternalID)
}

func TestOpenLibraryFetchVariantsNoWork(t *testing.T) {
	t.Parallel()

	p := newTestOpenLibrary(func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, map[string]any{
			"key":   "/books/OL1M",
			"title": "Dune",
		}), nil
	})

	_, err := p.FetchVariants(t.Context(), "9780441013593")
	assert.ErrorIs(t, err, errNotFound)
}
