package internal

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGoogleBooks(apiKey string, respond roundTripperFunc) *googleBooksProvider {
	p := NewGoogleBooksProvider(apiKey, nil)
	p.client = &http.Client{Transport: respond}
	return p
}

func TestGoogleBooksFetchByISBN(t *testing.T) {
	t.Parallel()

	p := newTestGoogleBooks("gb-key", func(r *http.Request) (*http.Response, error) {
		q := r.URL.Query()
		assert.Equal(t, "isbn:9780441013593", q.Get("q"))
		assert.Equal(t, "1", q.Get("maxResults"))
		assert.Equal(t, "gb-key", q.Get("key"))

		return jsonResponse(http.StatusOK, map[string]any{
			"totalItems": 1,
			"items": []map[string]any{{
				"id": "B1hbDwAAQBAJ",
				"volumeInfo": map[string]any{
					"title":         "Dune",
					"subtitle":      "Deluxe Edition",
					"authors":       []string{"Frank Herbert"},
					"publisher":     "Ace",
					"publishedDate": "1990-09-01",
					"description":   "Paul Atreides comes of age.",
					"pageCount":     896,
					"categories":    []string{"Fiction"},
					"language":      "en",
					"industryIdentifiers": []map[string]string{
						{"type": "ISBN_13", "identifier": "9780441013593"},
						{"type": "ISBN_10", "identifier": "0441013597"},
						{"type": "OTHER", "identifier": "OCLC:12345"},
					},
					"imageLinks": map[string]string{
						"thumbnail": "http://books.google.com/thumb.jpg",
					},
				},
			}},
		}), nil
	})

	edition, err := p.FetchByISBN(t.Context(), "9780441013593")
	require.NoError(t, err)

	assert.Equal(t, "9780441013593", edition.ISBN)
	assert.Equal(t, "Dune: Deluxe Edition", edition.Title)
	assert.Equal(t, []string{"Frank Herbert"}, edition.Authors)
	assert.Equal(t, 1990, edition.PublishYear)
	assert.Equal(t, 9, edition.PublishMonth)
	assert.Equal(t, 1, edition.PublishDay)
	// Thumbnail links are upgraded to https.
	assert.Equal(t, "https://books.google.com/thumb.jpg", edition.CoverURL)
	assert.Equal(t, "B1hbDwAAQBAJ", edition.ExternalID)
	assert.Equal(t, 70, edition.Confidence)
	assert.ElementsMatch(t, []string{"9780441013593", "0441013597"}, edition.RelatedISBNs)
}

func TestGoogleBooksPrefersLargeImage(t *testing.T) {
	t.Parallel()

	p := newTestGoogleBooks("", func(r *http.Request) (*http.Response, error) {
		assert.Empty(t, r.URL.Query().Get("key"))
		return jsonResponse(http.StatusOK, map[string]any{
			"totalItems": 1,
			"items": []map[string]any{{
				"id": "vol-1",
				"volumeInfo": map[string]any{
					"title": "Dune",
					"imageLinks": map[string]string{
						"thumbnail": "https://books.google.com/thumb.jpg",
						"large":     "https://books.google.com/large.jpg",
					},
				},
			}},
		}), nil
	})

	edition, err := p.FetchByISBN(t.Context(), "9780441013593")
	require.NoError(t, err)
	assert.Equal(t, "https://books.google.com/large.jpg", edition.CoverURL)
}

func TestGoogleBooksFetchByISBNNotFound(t *testing.T) {
	t.Parallel()

	p := newTestGoogleBooks("", func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, map[string]any{"totalItems": 0}), nil
	})

	_, err := p.FetchByISBN(t.Context(), "9780441013593")
	assert.ErrorIs(t, err, errNotFound)
}
