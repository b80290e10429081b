package internal

import (
	"strconv"
	"strings"
	"time"
)

// EditionResource is the canonical shape of a specific publication. Providers
// map their upstream payloads into this; the engine merges, persists, and
// serves it.
type EditionResource struct {
	ID             int64    `json:"-"`
	ISBN           string   `json:"isbn"`
	WorkKey        int64    `json:"work_key,omitempty"`
	Title          string   `json:"title"`
	Authors        []string `json:"authors,omitempty"`
	Publisher      string   `json:"publisher,omitempty"`
	PublishYear    int      `json:"publish_year,omitempty"`
	PublishMonth   int      `json:"publish_month,omitempty"`
	PublishDay     int      `json:"publish_day,omitempty"`
	Pages          int      `json:"pages,omitempty"`
	Language       string   `json:"language,omitempty"`
	CoverURL       string   `json:"cover_url,omitempty"`
	Description    string   `json:"description,omitempty"`
	Subjects       []string `json:"subjects,omitempty"`
	RelatedISBNs   []string `json:"related_isbns,omitempty"`
	ExternalID     string   `json:"external_id,omitempty"`
	SourceProvider string   `json:"source_provider,omitempty"`

	// ExternalRefs carries every provider-assigned identifier seen during a
	// merge, so the crosswalk can be backfilled even when another provider's
	// fields won.
	ExternalRefs []ExternalRef `json:"external_refs,omitempty"`

	// Confidence is the provider's self-assessed score, 0-100. Paid
	// providers default higher than free ones.
	Confidence int `json:"confidence,omitempty"`
}

// normalizeRelated guarantees the edition's own ISBN appears in its related
// set, deduplicated and ordered.
func (e *EditionResource) normalizeRelated() {
	related := newSet(e.ISBN)
	for _, r := range e.RelatedISBNs {
		if parsed, err := ParseISBN(r); err == nil {
			related[parsed.String()] = struct{}{}
		}
	}
	e.RelatedISBNs = sorted(related)
}

// AuthorResource is a persisted author. NormalizedName is always derived from
// Name; the two are never set independently.
type AuthorResource struct {
	Key            int64  `json:"key,omitempty"`
	Name           string `json:"name"`
	NormalizedName string `json:"normalized_name,omitempty"`
	QID            string `json:"qid,omitempty"`
	WorkCount      int    `json:"work_count,omitempty"`
}

// WorkResource is the abstract book editions manifest.
type WorkResource struct {
	Key             int64   `json:"key,omitempty"`
	Title           string  `json:"title"`
	NormalizedTitle string  `json:"normalized_title,omitempty"`
	AuthorKeys      []int64 `json:"author_keys,omitempty"`
}

// GeneratedBook is one row of AI list output. The ISBN is untrusted until it
// passes checksum validation; entries that fail keep their title/author but
// drop the ISBN.
type GeneratedBook struct {
	Title      string `json:"title"`
	Author     string `json:"author"`
	ISBN       string `json:"isbn,omitempty"`
	Confidence int    `json:"confidence,omitempty"`
}

// ExternalRef is a provider-assigned identifier attached to an edition.
type ExternalRef struct {
	Provider string `json:"provider"`
	ID       string `json:"id"`
}

// ensureExternalRef records the edition's own external ID in ExternalRefs so
// it survives field merging.
func (e *EditionResource) ensureExternalRef() {
	if e.ExternalID == "" || e.SourceProvider == "" {
		return
	}
	for _, ref := range e.ExternalRefs {
		if ref.Provider == e.SourceProvider && ref.ID == e.ExternalID {
			return
		}
	}
	e.ExternalRefs = append(e.ExternalRefs, ExternalRef{Provider: e.SourceProvider, ID: e.ExternalID})
}

// CrosswalkRef maps an external identifier back to one of our entities.
type CrosswalkRef struct {
	EntityType string `json:"entity_type"` // "edition", "author", "work"
	EntityKey  int64  `json:"entity_key"`
	Provider   string `json:"provider"`
	ProviderID string `json:"provider_id"`
	Confidence int    `json:"confidence"` // 0-100.
}

// EnrichmentLog records one engine pass for observability and audits.
type EnrichmentLog struct {
	ISBN       string        `json:"isbn"`
	Providers  []string      `json:"providers"`
	Outcome    string        `json:"outcome"` // "insert", "update", "noop", "empty"
	Duration   time.Duration `json:"duration"`
	Queued     int           `json:"queued"`
	RequestID  string        `json:"request_id,omitempty"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// Checkpoint tracks backfill progress so an interrupted run resumes instead
// of repeating work.
type Checkpoint struct {
	ProcessedKeys []string           `json:"processed_keys"`
	FailedKeys    []string           `json:"failed_keys"`
	TotalPlanned  int                `json:"total_planned"`
	Totals        CheckpointTotals   `json:"totals"`
	StartedAt     time.Time          `json:"started_at"`
	LastUpdated   time.Time          `json:"last_updated"`
}

// CheckpointTotals are rolling counters across buckets.
type CheckpointTotals struct {
	ISBNsFound int `json:"isbns_found"`
	New        int `json:"new"`
	Queued     int `json:"queued"`
}

// processed reports whether a bucket was already handled by a prior run.
func (c *Checkpoint) processed(key string) bool {
	if c == nil {
		return false
	}
	for _, k := range c.ProcessedKeys {
		if k == key {
			return true
		}
	}
	return false
}

// parseReleaseDate splits the loose date formats upstreams use into parts.
// Anything unparseable yields all zeros rather than an error; a missing date
// shouldn't fail an enrichment.
func parseReleaseDate(raw string) (year, month, day int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, 0, 0
	}

	for _, layout := range []string{"2006-01-02", "2006-01", "January 2, 2006", "Jan 2, 2006", "January 2006", "2006"} {
		if t, err := time.Parse(layout, raw); err == nil {
			switch layout {
			case "2006":
				return t.Year(), 0, 0
			case "2006-01", "January 2006":
				return t.Year(), int(t.Month()), 0
			default:
				return t.Year(), int(t.Month()), t.Day()
			}
		}
	}

	// Last resort: a stray year anywhere in the string.
	for _, field := range strings.Fields(raw) {
		field = strings.Trim(field, ",.")
		if len(field) == 4 {
			if y, err := strconv.Atoi(field); err == nil && y > 1000 && y < 3000 {
				return y, 0, 0
			}
		}
	}
	return 0, 0, 0
}
