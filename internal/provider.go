package internal

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Capability is a typed ability a provider advertises. The registry indexes
// providers by these so orchestrators can fan out to whoever is able to serve
// a request.
type Capability string

const (
	// CapBookMetadata looks up edition metadata by ISBN.
	CapBookMetadata Capability = "BOOK_METADATA"
	// CapEditionVariants enumerates other editions of the same work.
	CapEditionVariants Capability = "EDITION_VARIANTS"
	// CapAuthorBibliography pages through an author's published editions.
	CapAuthorBibliography Capability = "AUTHOR_BIBLIOGRAPHY"
	// CapBookGeneration produces candidate book lists from a prompt.
	CapBookGeneration Capability = "BOOK_GENERATION"
	// CapIdentityCrosswalk resolves external identifiers to our keys.
	CapIdentityCrosswalk Capability = "IDENTITY_CROSSWALK"
	// CapCoverURL exposes cover image URLs.
	CapCoverURL Capability = "COVER_URL"
)

type providerType string

const (
	providerFree providerType = "free"
	providerPaid providerType = "paid"
)

// Provider is the core contract every external metadata source implements.
// Providers are stateless apart from their clients; capability-specific
// operations live on the narrower interfaces below.
type Provider interface {
	Name() string
	Type() providerType
	Capabilities() []Capability

	// Available reports whether the provider can take a call right now:
	// credentials present and daily quota not exhausted. It must be cheap
	// and side-effect-free.
	Available(ctx context.Context) bool
}

// metadataProvider serves CapBookMetadata.
type metadataProvider interface {
	Provider
	FetchByISBN(ctx context.Context, isbn ISBN) (*EditionResource, error)
}

// batchMetadataProvider is implemented by metadata providers whose upstream
// has a batch endpoint. BatchLimit is the upstream's per-call cap; the
// orchestrator chunks accordingly and falls back to FetchByISBN for providers
// without this interface.
type batchMetadataProvider interface {
	metadataProvider
	FetchBatch(ctx context.Context, isbns []ISBN) (map[ISBN]*EditionResource, error)
	BatchLimit() int
}

// variantProvider serves CapEditionVariants.
type variantProvider interface {
	Provider
	FetchVariants(ctx context.Context, isbn ISBN) ([]*EditionResource, error)
}

// bibliographyProvider serves CapAuthorBibliography.
type bibliographyProvider interface {
	Provider
	FetchBibliography(ctx context.Context, authorName string, maxPages int) ([]*EditionResource, error)
}

// generationProvider serves CapBookGeneration. Returned ISBNs are untrusted
// until they pass checksum validation.
type generationProvider interface {
	Provider
	GenerateBooks(ctx context.Context, prompt string, count int) ([]GeneratedBook, error)
}

// crosswalkProvider serves CapIdentityCrosswalk.
type crosswalkProvider interface {
	Provider
	ResolveAuthor(ctx context.Context, externalID string) (*CrosswalkRef, error)
}

// registry holds every configured provider, indexed by capability. It is
// immutable after startup; lookups are O(providers).
type registry struct {
	providers []Provider
	names     set[string]

	// priority orders byCapability results. Names listed here come first, in
	// order; unknown names keep registration order after them.
	priority []string
}

func newRegistry(priority ...string) *registry {
	return &registry{names: newSet[string](), priority: priority}
}

// register adds a provider. Names must be unique.
func (r *registry) register(p Provider) error {
	if r.names.has(p.Name()) {
		return fmt.Errorf("provider %q already registered", p.Name())
	}
	r.names[p.Name()] = struct{}{}
	r.providers = append(r.providers, p)
	return nil
}

// byCapability returns all providers exposing cap in priority order. The
// explicit priority list wins over registration order.
func (r *registry) byCapability(cap Capability) []Provider {
	matched := []Provider{}
	for _, p := range r.providers {
		if slices.Contains(p.Capabilities(), cap) {
			matched = append(matched, p)
		}
	}

	if len(r.priority) == 0 {
		return matched
	}

	rank := func(p Provider) int {
		if idx := slices.Index(r.priority, p.Name()); idx >= 0 {
			return idx
		}
		// Unknown names sort after the explicit list, keeping registration
		// order among themselves.
		return len(r.priority) + slices.IndexFunc(r.providers, func(q Provider) bool { return q.Name() == p.Name() })
	}
	slices.SortStableFunc(matched, func(a, b Provider) int { return rank(a) - rank(b) })
	return matched
}

// providerCore carries the identity and health plumbing every provider
// embeds: name, type, capabilities, quota ledger, and a circuit breaker that
// opens on streaks of auth failures or upstream 5XXs.
type providerCore struct {
	name    string
	ptype   providerType
	caps    []Capability
	ledger  *quotaLedger
	breaker *gobreaker.CircuitBreaker[any]
	enabled bool
}

func newProviderCore(name string, ptype providerType, ledger *quotaLedger, enabled bool, caps ...Capability) providerCore {
	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    name,
		Timeout: time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Only auth failures and upstream 5XXs count against the breaker.
		// 404s and rate limits are normal operation.
		IsSuccessful: func(err error) bool {
			if err == nil || isNotFound(err) || isRateLimited(err) {
				return true
			}
			if isAuthErr(err) {
				return false
			}
			var s statusErr
			return !(errors.As(err, &s) && s.Status() >= 500)
		},
	})
	return providerCore{
		name:    name,
		ptype:   ptype,
		caps:    caps,
		ledger:  ledger,
		breaker: breaker,
		enabled: enabled,
	}
}

func (c *providerCore) Name() string               { return c.name }
func (c *providerCore) Type() providerType         { return c.ptype }
func (c *providerCore) Capabilities() []Capability { return c.caps }

// Available reports whether the provider can take a call: credentials
// configured, breaker closed, and today's quota not spent.
func (c *providerCore) Available(ctx context.Context) bool {
	if !c.enabled {
		return false
	}
	if c.breaker.State() == gobreaker.StateOpen {
		return false
	}
	if c.ledger != nil && c.ledger.Exhausted(ctx, c.name) {
		return false
	}
	return true
}

// guard routes a call through the breaker so failure streaks disable the
// provider for a cooldown instead of hammering a broken upstream.
func guard[T any](c *providerCore, fn func() (T, error)) (T, error) {
	v, err := c.breaker.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// availableByCapability filters byCapability through each provider's own
// availability check.
func (r *registry) availableByCapability(ctx context.Context, cap Capability) []Provider {
	available := []Provider{}
	for _, p := range r.byCapability(cap) {
		if !p.Available(ctx) {
			Log(ctx).Debug("skipping unavailable provider", "provider", p.Name(), "capability", cap)
			continue
		}
		available = append(available, p)
	}
	return available
}
