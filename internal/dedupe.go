package internal

import (
	"context"
	"errors"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

// _fuzzyThreshold is shared by the in-memory Levenshtein pass and the
// storage-side trigram pass. The two measures disagree at margins; in-memory
// is the permissive first pass and storage is final.
const _fuzzyThreshold = 0.6

// deduper answers "have we seen this before?" against persisted state.
type deduper struct {
	store store
}

func newDeduper(s store) *deduper {
	return &deduper{store: s}
}

// ISBNsExisting returns the subset of isbns already persisted, matching any
// edition's related set. Response time is independent of catalog size.
func (d *deduper) ISBNsExisting(ctx context.Context, isbns []ISBN) (set[string], error) {
	raw := make([]string, 0, len(isbns))
	for _, i := range isbns {
		raw = append(raw, string(i))
	}
	return d.store.ISBNsExisting(ctx, raw)
}

// FilterNewISBNs keeps only books whose ISBN is valid and not yet persisted.
// Duplicates within the input collapse, so filtering is idempotent.
func (d *deduper) FilterNewISBNs(ctx context.Context, books []GeneratedBook) ([]GeneratedBook, error) {
	isbns := []ISBN{}
	for _, b := range books {
		if parsed, err := ParseISBN(b.ISBN); err == nil {
			isbns = append(isbns, parsed)
		}
	}

	existing, err := d.ISBNsExisting(ctx, isbns)
	if err != nil {
		return nil, err
	}

	seen := newSet[string]()
	kept := []GeneratedBook{}
	for _, b := range books {
		parsed, err := ParseISBN(b.ISBN)
		if err != nil {
			continue
		}
		isbn := string(parsed)
		if existing.has(isbn) || seen.has(isbn) {
			continue
		}
		seen[isbn] = struct{}{}
		b.ISBN = isbn
		kept = append(kept, b)
	}
	return kept, nil
}

// AuthorsExisting maps raw names to canonical author keys via
// normalized_name. Names without a persisted author are absent from the
// result.
func (d *deduper) AuthorsExisting(ctx context.Context, names []string) (map[string]int64, error) {
	found := map[string]int64{}
	for _, name := range names {
		author, err := d.store.AuthorByNormalizedName(ctx, NormalizeAuthorName(name))
		if errors.Is(err, errNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		found[name] = author.Key
	}
	return found, nil
}

// FuzzyTitleExists consults the storage-side trigram similarity. An optional
// author narrows false positives: a match only counts when the stored edition
// credits a similar author.
func (d *deduper) FuzzyTitleExists(ctx context.Context, title, author string) (bool, float64, *EditionResource) {
	match, score, err := d.store.FuzzyTitleMatch(ctx, title, _fuzzyThreshold)
	if errors.Is(err, errNotFound) {
		return false, 0, nil
	}
	if err != nil {
		Log(ctx).Warn("fuzzy title lookup failed", "title", title, "err", err)
		return false, 0, nil
	}

	if author != "" && len(match.Authors) > 0 {
		want := NormalizeAuthorName(author)
		credited := false
		for _, a := range match.Authors {
			if NormalizeAuthorName(a) == want {
				credited = true
				break
			}
		}
		if !credited {
			return false, score, nil
		}
	}
	return true, score, match
}

// titlesSimilar is the in-memory pass: Levenshtein similarity of normalized
// titles. Used by orchestrators before anything reaches storage.
func titlesSimilar(a, b string) bool {
	return titleSimilarity(a, b) >= _fuzzyThreshold
}

func titleSimilarity(a, b string) float64 {
	na, nb := NormalizeTitle(a), NormalizeTitle(b)
	if na == nb {
		return 1.0
	}
	longest := max(len(na), len(nb))
	if longest == 0 {
		return 0
	}
	distance := fuzzy.LevenshteinDistance(na, nb)
	return 1.0 - float64(distance)/float64(longest)
}
