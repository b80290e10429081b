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

const (
	_isbndbHost       = "api2.isbndb.com"
	_isbndbBatchLimit = 1000
	_isbndbPageSize   = 100
)

// isbndbProvider is the paid metadata source: richest fields, hard daily
// quota, 3RPS transport cap.
type isbndbProvider struct {
	providerCore
	client *http.Client
}

var (
	_ batchMetadataProvider = (*isbndbProvider)(nil)
	_ bibliographyProvider  = (*isbndbProvider)(nil)
)

// NewISBNdbProvider builds the ISBNdb client. An empty API key registers the
// provider as permanently unavailable rather than failing startup.
func NewISBNdbProvider(apiKey string, ledger *quotaLedger) *isbndbProvider {
	return &isbndbProvider{
		providerCore: newProviderCore("isbndb", providerPaid, ledger, apiKey != "",
			CapBookMetadata, CapAuthorBibliography, CapCoverURL),
		client: NewUpstreamClient(upstreamOpts{
			host:      _isbndbHost,
			rps:       rate.Limit(3),
			headerKey: "Authorization",
			headerVal: apiKey,
			ledger:    ledger,
			provider:  "isbndb",
			timeout:   10 * time.Second,
		}),
	}
}

// isbndbBook is the upstream book shape, shared by single, batch, and author
// responses.
type isbndbBook struct {
	Title         string   `json:"title"`
	Authors       []string `json:"authors"`
	Publisher     string   `json:"publisher"`
	DatePublished string   `json:"date_published"`
	Pages         int      `json:"pages"`
	Language      string   `json:"language"`
	Image         string   `json:"image"`
	Synopsis      string   `json:"synopsis"`
	Subjects      []string `json:"subjects"`
	ISBN          string   `json:"isbn"`
	ISBN13        string   `json:"isbn13"`
	RelatedISBNs  []string `json:"related_isbns"`
}

func (b *isbndbBook) resource() *EditionResource {
	year, month, day := parseReleaseDate(b.DatePublished)
	e := &EditionResource{
		ISBN:         b.ISBN13,
		Title:        b.Title,
		Authors:      b.Authors,
		Publisher:    b.Publisher,
		PublishYear:  year,
		PublishMonth: month,
		PublishDay:   day,
		Pages:        b.Pages,
		Language:     b.Language,
		CoverURL:     b.Image,
		Description:  b.Synopsis,
		Subjects:     b.Subjects,
		RelatedISBNs: b.RelatedISBNs,
		ExternalID:   b.ISBN13,
		Confidence:   90,
	}
	if e.ISBN == "" {
		e.ISBN = b.ISBN
	}
	if b.ISBN != "" && b.ISBN != e.ISBN {
		e.RelatedISBNs = append(e.RelatedISBNs, b.ISBN)
	}
	return e
}

func (p *isbndbProvider) FetchByISBN(ctx context.Context, isbn ISBN) (*EditionResource, error) {
	return guard(&p.providerCore, func() (*EditionResource, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+_isbndbHost+"/book/"+string(isbn), nil)
		if err != nil {
			return nil, err
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetching %s: %w", isbn, err)
		}
		defer func() { _ = resp.Body.Close() }()

		var payload struct {
			Book isbndbBook `json:"book"`
		}
		if err := sonic.ConfigStd.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return nil, fmt.Errorf("decoding book: %w", err)
		}
		if payload.Book.Title == "" {
			return nil, errNotFound
		}
		return payload.Book.resource(), nil
	})
}

func (p *isbndbProvider) BatchLimit() int { return _isbndbBatchLimit }

// FetchBatch posts up to BatchLimit ISBNs at once. Missing ISBNs are simply
// absent from the result, not errors.
func (p *isbndbProvider) FetchBatch(ctx context.Context, isbns []ISBN) (map[ISBN]*EditionResource, error) {
	if len(isbns) > _isbndbBatchLimit {
		return nil, fmt.Errorf("%w: batch of %d exceeds limit %d", errBadRequest, len(isbns), _isbndbBatchLimit)
	}

	return guard(&p.providerCore, func() (map[ISBN]*EditionResource, error) {
		raw := make([]string, 0, len(isbns))
		for _, i := range isbns {
			raw = append(raw, string(i))
		}
		body := "isbns=" + strings.Join(raw, ",")

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://"+_isbndbHost+"/books", strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := p.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("batch fetch: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		var payload struct {
			Data []isbndbBook `json:"data"`
		}
		if err := sonic.ConfigStd.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return nil, fmt.Errorf("decoding batch: %w", err)
		}

		found := map[ISBN]*EditionResource{}
		for idx := range payload.Data {
			e := payload.Data[idx].resource()
			parsed, err := ParseISBN(e.ISBN)
			if err != nil {
				continue
			}
			found[parsed] = e
		}
		return found, nil
	})
}

// FetchBibliography pages /author/{name} until maxPages or the results run
// dry. Pages after the first that fail end the walk with what we have.
func (p *isbndbProvider) FetchBibliography(ctx context.Context, authorName string, maxPages int) ([]*EditionResource, error) {
	editions := []*EditionResource{}

	for page := 1; page <= max(maxPages, 1); page++ {
		books, err := p.authorPage(ctx, authorName, page)
		if err != nil {
			if page == 1 {
				return nil, err
			}
			Log(ctx).Warn("bibliography page failed, returning partial", "author", authorName, "page", page, "err", err)
			break
		}
		if len(books) == 0 {
			break
		}
		editions = append(editions, books...)
		if len(books) < _isbndbPageSize {
			break // Short page, nothing further.
		}
	}
	return editions, nil
}

func (p *isbndbProvider) authorPage(ctx context.Context, authorName string, page int) ([]*EditionResource, error) {
	return guard(&p.providerCore, func() ([]*EditionResource, error) {
		u := fmt.Sprintf("https://%s/author/%s?page=%d&pageSize=%d",
			_isbndbHost, url.PathEscape(authorName), page, _isbndbPageSize)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetching author page %d: %w", page, err)
		}
		defer func() { _ = resp.Body.Close() }()

		var payload struct {
			Books []isbndbBook `json:"books"`
		}
		if err := sonic.ConfigStd.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return nil, fmt.Errorf("decoding author page: %w", err)
		}

		editions := make([]*EditionResource, 0, len(payload.Books))
		for idx := range payload.Books {
			editions = append(editions, payload.Books[idx].resource())
		}
		return editions, nil
	})
}
