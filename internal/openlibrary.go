package internal

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"golang.org/x/time/rate"
)

const (
	_openLibraryHost        = "openlibrary.org"
	_openLibraryVariantsCap = 50
)

// openLibraryProvider is the community-sourced free provider: metadata by
// ISBN plus edition variants through the work's edition list.
type openLibraryProvider struct {
	providerCore
	client *http.Client
}

var (
	_ metadataProvider = (*openLibraryProvider)(nil)
	_ variantProvider  = (*openLibraryProvider)(nil)
)

func NewOpenLibraryProvider(ledger *quotaLedger) *openLibraryProvider {
	return &openLibraryProvider{
		providerCore: newProviderCore("openlibrary", providerFree, ledger, true,
			CapBookMetadata, CapEditionVariants, CapCoverURL),
		client: NewUpstreamClient(upstreamOpts{
			host:     _openLibraryHost,
			rps:      rate.Limit(1),
			ledger:   ledger,
			provider: "openlibrary",
			timeout:  10 * time.Second,
		}),
	}
}

// olEdition is the /isbn/{isbn}.json and editions-list shape. Descriptions
// arrive as either a bare string or {type, value}.
type olEdition struct {
	Key           string               `json:"key"`
	Title         string               `json:"title"`
	Subtitle      string               `json:"subtitle"`
	Publishers    []string             `json:"publishers"`
	PublishDate   string               `json:"publish_date"`
	NumberOfPages int                  `json:"number_of_pages"`
	Covers        []int64              `json:"covers"`
	Subjects      []string             `json:"subjects"`
	ISBN10        []string             `json:"isbn_10"`
	ISBN13        []string             `json:"isbn_13"`
	Description   sonicRawOrText       `json:"description"`
	Languages     []struct{ Key string } `json:"languages"`
	Works         []struct{ Key string } `json:"works"`
	Authors       []struct{ Key string } `json:"authors"`
}

// sonicRawOrText tolerates Open Library's two description encodings.
type sonicRawOrText string

func (s *sonicRawOrText) UnmarshalJSON(raw []byte) error {
	var text string
	if err := sonic.ConfigStd.Unmarshal(raw, &text); err == nil {
		*s = sonicRawOrText(text)
		return nil
	}
	var typed struct {
		Value string `json:"value"`
	}
	if err := sonic.ConfigStd.Unmarshal(raw, &typed); err == nil {
		*s = sonicRawOrText(typed.Value)
	}
	return nil // Unknown shapes degrade to empty, not errors.
}

func (p *openLibraryProvider) FetchByISBN(ctx context.Context, isbn ISBN) (*EditionResource, error) {
	return guard(&p.providerCore, func() (*EditionResource, error) {
		var edition olEdition
		if err := p.getJSON(ctx, "/isbn/"+string(isbn)+".json", &edition); err != nil {
			return nil, err
		}
		if edition.Title == "" {
			return nil, errNotFound
		}

		e := p.editionResource(&edition, isbn)

		// Author names live behind separate documents.
		for _, a := range edition.Authors {
			var author struct {
				Name string `json:"name"`
			}
			if err := p.getJSON(ctx, a.Key+".json", &author); err != nil {
				Log(ctx).Debug("author fetch failed", "key", a.Key, "err", err)
				continue
			}
			if author.Name != "" {
				e.Authors = append(e.Authors, author.Name)
			}
		}
		return e, nil
	})
}

// FetchVariants walks the edition's work and lists sibling editions.
func (p *openLibraryProvider) FetchVariants(ctx context.Context, isbn ISBN) ([]*EditionResource, error) {
	return guard(&p.providerCore, func() ([]*EditionResource, error) {
		var edition olEdition
		if err := p.getJSON(ctx, "/isbn/"+string(isbn)+".json", &edition); err != nil {
			return nil, err
		}
		if len(edition.Works) == 0 {
			return nil, errNotFound
		}

		var editions struct {
			Entries []olEdition `json:"entries"`
		}
		path := fmt.Sprintf("%s/editions.json?limit=%d", edition.Works[0].Key, _openLibraryVariantsCap)
		if err := p.getJSON(ctx, path, &editions); err != nil {
			return nil, err
		}

		variants := []*EditionResource{}
		for idx := range editions.Entries {
			entry := &editions.Entries[idx]
			variantISBN := firstISBN(entry)
			if variantISBN == "" || variantISBN == string(isbn) {
				continue
			}
			parsed, err := ParseISBN(variantISBN)
			if err != nil {
				continue
			}
			variants = append(variants, p.editionResource(entry, parsed))
		}
		return variants, nil
	})
}

func (p *openLibraryProvider) editionResource(edition *olEdition, isbn ISBN) *EditionResource {
	year, month, day := parseReleaseDate(edition.PublishDate)

	title := edition.Title
	if edition.Subtitle != "" {
		title = edition.Title + ": " + edition.Subtitle
	}

	e := &EditionResource{
		ISBN:        string(isbn),
		Title:       title,
		PublishYear: year, PublishMonth: month, PublishDay: day,
		Pages:       edition.NumberOfPages,
		Description: string(edition.Description),
		Subjects:    edition.Subjects,
		ExternalID:  strings.TrimPrefix(edition.Key, "/books/"),
		Confidence:  60,
	}
	if len(edition.Publishers) > 0 {
		e.Publisher = edition.Publishers[0]
	}
	if len(edition.Languages) > 0 {
		e.Language = strings.TrimPrefix(edition.Languages[0].Key, "/languages/")
	}
	if len(edition.Covers) > 0 && edition.Covers[0] > 0 {
		e.CoverURL = fmt.Sprintf("https://covers.openlibrary.org/b/id/%d-L.jpg", edition.Covers[0])
	}
	for _, raw := range append(edition.ISBN13, edition.ISBN10...) {
		if parsed, err := ParseISBN(raw); err == nil {
			e.RelatedISBNs = append(e.RelatedISBNs, string(parsed))
		}
	}
	return e
}

func firstISBN(edition *olEdition) string {
	if len(edition.ISBN13) > 0 {
		return edition.ISBN13[0]
	}
	if len(edition.ISBN10) > 0 {
		return edition.ISBN10[0]
	}
	return ""
}

func (p *openLibraryProvider) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+_openLibraryHost+path, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := sonic.ConfigStd.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}
