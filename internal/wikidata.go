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

const _wikidataHost = "www.wikidata.org"

// wikidataProvider resolves author identities to Wikidata QIDs for the
// crosswalk. Search-based resolution carries lower confidence than a direct
// entity hit.
type wikidataProvider struct {
	providerCore
	client *http.Client
}

var _ crosswalkProvider = (*wikidataProvider)(nil)

func NewWikidataProvider(ledger *quotaLedger) *wikidataProvider {
	return &wikidataProvider{
		providerCore: newProviderCore("wikidata", providerFree, ledger, true,
			CapIdentityCrosswalk),
		client: NewUpstreamClient(upstreamOpts{
			host:     _wikidataHost,
			rps:      rate.Limit(1),
			ledger:   ledger,
			provider: "wikidata",
			timeout:  10 * time.Second,
		}),
	}
}

// ResolveAuthor maps an external author identifier (a QID or a plain name) to
// a crosswalk ref. QIDs resolve directly at full confidence; names go through
// entity search and score lower.
func (p *wikidataProvider) ResolveAuthor(ctx context.Context, externalID string) (*CrosswalkRef, error) {
	return guard(&p.providerCore, func() (*CrosswalkRef, error) {
		if isQID(externalID) {
			return p.resolveQID(ctx, externalID)
		}
		return p.searchName(ctx, externalID)
	})
}

func isQID(s string) bool {
	if len(s) < 2 || s[0] != 'Q' {
		return false
	}
	return strings.Trim(s[1:], "0123456789") == ""
}

func (p *wikidataProvider) resolveQID(ctx context.Context, qid string) (*CrosswalkRef, error) {
	q := url.Values{
		"action": {"wbgetentities"},
		"ids":    {qid},
		"props":  {"labels"},
		"format": {"json"},
	}
	var payload struct {
		Entities map[string]struct {
			ID      string `json:"id"`
			Missing any    `json:"missing"`
		} `json:"entities"`
	}
	if err := p.getJSON(ctx, q, &payload); err != nil {
		return nil, err
	}

	entity, ok := payload.Entities[qid]
	if !ok || entity.Missing != nil || entity.ID == "" {
		return nil, errNotFound
	}
	return &CrosswalkRef{
		EntityType: "author",
		Provider:   "wikidata",
		ProviderID: entity.ID,
		Confidence: 95,
	}, nil
}

func (p *wikidataProvider) searchName(ctx context.Context, name string) (*CrosswalkRef, error) {
	q := url.Values{
		"action":   {"wbsearchentities"},
		"search":   {name},
		"language": {"en"},
		"type":     {"item"},
		"limit":    {"1"},
		"format":   {"json"},
	}
	var payload struct {
		Search []struct {
			ID    string `json:"id"`
			Label string `json:"label"`
		} `json:"search"`
	}
	if err := p.getJSON(ctx, q, &payload); err != nil {
		return nil, err
	}
	if len(payload.Search) == 0 {
		return nil, errNotFound
	}

	// Label similarity gates the match: a search hit with a dissimilar label
	// is more likely a collision than a variant spelling.
	confidence := 70
	if NormalizeAuthorName(payload.Search[0].Label) != NormalizeAuthorName(name) {
		confidence = 40
	}
	return &CrosswalkRef{
		EntityType: "author",
		Provider:   "wikidata",
		ProviderID: payload.Search[0].ID,
		Confidence: confidence,
	}, nil
}

func (p *wikidataProvider) getJSON(ctx context.Context, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"https://"+_wikidataHost+"/w/api.php?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("querying wikidata: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := sonic.ConfigStd.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding wikidata response: %w", err)
	}
	return nil
}
