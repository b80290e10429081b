package internal

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"golang.org/x/time/rate"
)

const _googleBooksHost = "www.googleapis.com"

// googleBooksProvider is a free metadata source. Works without an API key at
// a lower anonymous rate cap; the key only raises the ceiling.
type googleBooksProvider struct {
	providerCore
	client *http.Client
	apiKey string
}

var _ metadataProvider = (*googleBooksProvider)(nil)

func NewGoogleBooksProvider(apiKey string, ledger *quotaLedger) *googleBooksProvider {
	return &googleBooksProvider{
		providerCore: newProviderCore("googlebooks", providerFree, ledger, true,
			CapBookMetadata, CapCoverURL),
		client: NewUpstreamClient(upstreamOpts{
			host:     _googleBooksHost,
			rps:      rate.Limit(1),
			ledger:   ledger,
			provider: "googlebooks",
			timeout:  10 * time.Second,
		}),
		apiKey: apiKey,
	}
}

type googleVolume struct {
	ID         string `json:"id"`
	VolumeInfo struct {
		Title               string   `json:"title"`
		Subtitle            string   `json:"subtitle"`
		Authors             []string `json:"authors"`
		Publisher           string   `json:"publisher"`
		PublishedDate       string   `json:"publishedDate"`
		Description         string   `json:"description"`
		PageCount           int      `json:"pageCount"`
		Categories          []string `json:"categories"`
		Language            string   `json:"language"`
		IndustryIdentifiers []struct {
			Type       string `json:"type"`
			Identifier string `json:"identifier"`
		} `json:"industryIdentifiers"`
		ImageLinks struct {
			Thumbnail string `json:"thumbnail"`
			Large     string `json:"large"`
		} `json:"imageLinks"`
	} `json:"volumeInfo"`
}

func (p *googleBooksProvider) FetchByISBN(ctx context.Context, isbn ISBN) (*EditionResource, error) {
	return guard(&p.providerCore, func() (*EditionResource, error) {
		q := url.Values{"q": {"isbn:" + string(isbn)}, "maxResults": {"1"}}
		if p.apiKey != "" {
			q.Set("key", p.apiKey)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			"https://"+_googleBooksHost+"/books/v1/volumes?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("searching volumes: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		var payload struct {
			TotalItems int            `json:"totalItems"`
			Items      []googleVolume `json:"items"`
		}
		if err := sonic.ConfigStd.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return nil, fmt.Errorf("decoding volumes: %w", err)
		}
		if payload.TotalItems == 0 || len(payload.Items) == 0 {
			return nil, errNotFound
		}
		return volumeResource(&payload.Items[0], isbn), nil
	})
}

func volumeResource(v *googleVolume, requested ISBN) *EditionResource {
	info := v.VolumeInfo
	year, month, day := parseReleaseDate(info.PublishedDate)

	title := info.Title
	if info.Subtitle != "" {
		title = info.Title + ": " + info.Subtitle
	}

	cover := info.ImageLinks.Large
	if cover == "" {
		cover = info.ImageLinks.Thumbnail
	}
	// Thumbnails come over plain HTTP.
	cover = strings.Replace(cover, "http://", "https://", 1)

	e := &EditionResource{
		ISBN:        string(requested),
		Title:       title,
		Authors:     info.Authors,
		Publisher:   info.Publisher,
		PublishYear: year, PublishMonth: month, PublishDay: day,
		Pages:       info.PageCount,
		Language:    info.Language,
		CoverURL:    cover,
		Description: info.Description,
		Subjects:    info.Categories,
		ExternalID:  v.ID,
		Confidence:  70,
	}
	for _, ident := range info.IndustryIdentifiers {
		if parsed, err := ParseISBN(ident.Identifier); err == nil {
			e.RelatedISBNs = append(e.RelatedISBNs, string(parsed))
		}
	}
	return e
}
