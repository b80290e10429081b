// Package hardcover holds the typed GraphQL operations for the Hardcover
// API. The shapes mirror what genqlient would generate for these queries but
// are maintained by hand: the schema surface we consume is small enough that
// codegen buys little.
package hardcover

import (
	"context"

	"github.com/Khan/genqlient/graphql"
)

// Edition is the edition selection shared by every query.
type Edition struct {
	Id           int64    `json:"id"`
	Title        string   `json:"title"`
	Subtitle     string   `json:"subtitle"`
	Isbn_13      string   `json:"isbn_13"`
	Isbn_10      string   `json:"isbn_10"`
	Pages        int      `json:"pages"`
	Release_date string   `json:"release_date"`
	Language     Language `json:"language"`
	Publisher    struct {
		Name string `json:"name"`
	} `json:"publisher"`
	Image struct {
		Url string `json:"url"`
	} `json:"image"`
	Book Book `json:"book"`
}

type Language struct {
	Code3 string `json:"code3"`
}

// Book is the work-level selection attached to an edition.
type Book struct {
	Id            int64  `json:"id"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	Slug          string `json:"slug"`
	Contributions []struct {
		Author struct {
			Id   int64  `json:"id"`
			Name string `json:"name"`
		} `json:"author"`
	} `json:"contributions"`
	Cached_tags []struct {
		Tag string `json:"tag"`
	} `json:"cached_tags"`
}

const getEditionByISBNQuery = `
query GetEditionByISBN($isbn: String!) {
	editions(where: {_or: [{isbn_13: {_eq: $isbn}}, {isbn_10: {_eq: $isbn}}]}, limit: 1) {
		id title subtitle isbn_13 isbn_10 pages release_date
		language { code3 }
		publisher { name }
		image { url }
		book {
			id title description slug
			contributions { author { id name } }
			cached_tags { tag }
		}
	}
}`

type GetEditionByISBNResponse struct {
	Editions []Edition `json:"editions"`
}

// GetEditionByISBN looks one edition up by either ISBN form.
func GetEditionByISBN(ctx context.Context, client graphql.Client, isbn string) (*GetEditionByISBNResponse, error) {
	req := &graphql.Request{
		OpName:    "GetEditionByISBN",
		Query:     getEditionByISBNQuery,
		Variables: map[string]any{"isbn": isbn},
	}
	var data GetEditionByISBNResponse
	resp := &graphql.Response{Data: &data}
	return &data, client.MakeRequest(ctx, req, resp)
}

const getBookEditionsQuery = `
query GetBookEditions($bookID: Int!, $limit: Int!) {
	editions(where: {book_id: {_eq: $bookID}}, limit: $limit, order_by: {users_count: desc}) {
		id title subtitle isbn_13 isbn_10 pages release_date
		language { code3 }
		publisher { name }
		image { url }
		book {
			id title description slug
			contributions { author { id name } }
			cached_tags { tag }
		}
	}
}`

type GetBookEditionsResponse struct {
	Editions []Edition `json:"editions"`
}

// GetBookEditions lists a work's editions, most-shelved first.
func GetBookEditions(ctx context.Context, client graphql.Client, bookID int64, limit int) (*GetBookEditionsResponse, error) {
	req := &graphql.Request{
		OpName:    "GetBookEditions",
		Query:     getBookEditionsQuery,
		Variables: map[string]any{"bookID": bookID, "limit": limit},
	}
	var data GetBookEditionsResponse
	resp := &graphql.Response{Data: &data}
	return &data, client.MakeRequest(ctx, req, resp)
}
