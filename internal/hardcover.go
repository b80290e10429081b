package internal

import (
	"context"
	"fmt"
	"strings"

	"github.com/Khan/genqlient/graphql"

	"github.com/alexandria-books/alexandria/hardcover"
)

const (
	_hardcoverHost        = "api.hardcover.app"
	_hardcoverPath        = "/v1/graphql"
	_hardcoverVariantsCap = 50
)

// hardcoverProvider serves metadata and edition variants from the Hardcover
// GraphQL API. Community-sourced, so it ranks between Google Books and Open
// Library on confidence.
type hardcoverProvider struct {
	providerCore
	gql graphql.Client
}

var (
	_ metadataProvider = (*hardcoverProvider)(nil)
	_ variantProvider  = (*hardcoverProvider)(nil)
)

func NewHardcoverProvider(token string, ledger *quotaLedger, metrics GQLMetrics) *hardcoverProvider {
	return &hardcoverProvider{
		providerCore: newProviderCore("hardcover", providerFree, ledger, token != "",
			CapBookMetadata, CapEditionVariants, CapCoverURL),
		gql: newGQLClient(_hardcoverHost, _hardcoverPath, token, ledger, "hardcover", metrics),
	}
}

func (p *hardcoverProvider) FetchByISBN(ctx context.Context, isbn ISBN) (*EditionResource, error) {
	return guard(&p.providerCore, func() (*EditionResource, error) {
		resp, err := hardcover.GetEditionByISBN(ctx, p.gql, string(isbn))
		if err != nil {
			return nil, fmt.Errorf("fetching edition: %w", err)
		}
		if len(resp.Editions) == 0 {
			return nil, errNotFound
		}
		return hardcoverResource(&resp.Editions[0], isbn), nil
	})
}

// FetchVariants resolves the edition's work and lists its sibling editions.
func (p *hardcoverProvider) FetchVariants(ctx context.Context, isbn ISBN) ([]*EditionResource, error) {
	return guard(&p.providerCore, func() ([]*EditionResource, error) {
		resp, err := hardcover.GetEditionByISBN(ctx, p.gql, string(isbn))
		if err != nil {
			return nil, fmt.Errorf("resolving work: %w", err)
		}
		if len(resp.Editions) == 0 || resp.Editions[0].Book.Id == 0 {
			return nil, errNotFound
		}

		editions, err := hardcover.GetBookEditions(ctx, p.gql, resp.Editions[0].Book.Id, _hardcoverVariantsCap)
		if err != nil {
			return nil, fmt.Errorf("listing editions: %w", err)
		}

		variants := []*EditionResource{}
		for idx := range editions.Editions {
			edition := &editions.Editions[idx]
			raw := edition.Isbn_13
			if raw == "" {
				raw = edition.Isbn_10
			}
			parsed, err := ParseISBN(raw)
			if err != nil || parsed == isbn {
				continue
			}
			variants = append(variants, hardcoverResource(edition, parsed))
		}
		return variants, nil
	})
}

func hardcoverResource(edition *hardcover.Edition, isbn ISBN) *EditionResource {
	year, month, day := parseReleaseDate(edition.Release_date)

	title := edition.Title
	if title == "" {
		title = edition.Book.Title
	}
	if edition.Subtitle != "" && !strings.Contains(title, edition.Subtitle) {
		title = title + ": " + edition.Subtitle
	}

	e := &EditionResource{
		ISBN:        string(isbn),
		Title:       title,
		Publisher:   edition.Publisher.Name,
		PublishYear: year, PublishMonth: month, PublishDay: day,
		Pages:       edition.Pages,
		Language:    edition.Language.Code3,
		CoverURL:    edition.Image.Url,
		Description: edition.Book.Description,
		ExternalID:  fmt.Sprint(edition.Id),
		Confidence:  65,
	}
	for _, c := range edition.Book.Contributions {
		if c.Author.Name != "" {
			e.Authors = append(e.Authors, c.Author.Name)
		}
	}
	for _, t := range edition.Book.Cached_tags {
		if t.Tag != "" {
			e.Subjects = append(e.Subjects, t.Tag)
		}
	}
	for _, raw := range []string{edition.Isbn_13, edition.Isbn_10} {
		if parsed, err := ParseISBN(raw); err == nil {
			e.RelatedISBNs = append(e.RelatedISBNs, string(parsed))
		}
	}
	return e
}
