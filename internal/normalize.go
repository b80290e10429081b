package internal

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	_whitespaceRE = regexp.MustCompile(`\s+`)

	// "j. k." → "j.k.". RE2 has no lookahead so tightening overlapping
	// initials takes a pass per pair; normalizeAuthorName loops to a fixed
	// point.
	_initialsRE = regexp.MustCompile(`\b(\p{L})\. (\p{L}\.)`)

	// Trailing honorifics and generational suffixes, optionally preceded by
	// a comma: "rowling, j.k. jr." → "rowling, j.k."
	_suffixRE = regexp.MustCompile(`[,\s]+(jr\.?|sr\.?|ph\.?d\.?|m\.?d\.?|esq\.?|i{2,3}|iv)$`)

	_quoteReplacer = strings.NewReplacer(
		"‘", "'", "’", "'", "‚", "'", "ʼ", "'",
		"“", `"`, "”", `"`, "„", `"`,
	)

	// Spellings of collective or anonymous authorship that should collapse
	// to a single canonical form.
	_collectiveNames = map[string]string{
		"various":           "various authors",
		"various authors":   "various authors",
		"multiple authors":  "various authors",
		"anon":              "anonymous",
		"anon.":             "anonymous",
		"anonymous":         "anonymous",
		"unknown":           "unknown",
		"unknown author":    "unknown",
		"author unknown":    "unknown",
	}
)

// NormalizeAuthorName derives the canonical form of an author name used for
// deduplication. It is deterministic and idempotent:
//
//	"J.K. Rowling", "J. K. Rowling", "Rowling, J.K. Jr." → "j.k. rowling"
//
// Unicode letters are preserved; punctuation other than initials' periods,
// apostrophes, and hyphens is dropped.
func NormalizeAuthorName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = _quoteReplacer.Replace(s)
	s = _whitespaceRE.ReplaceAllString(s, " ")

	// Keep only the primary author of co-author syntax.
	if idx := strings.IndexAny(s, "&;"); idx > 0 {
		s = strings.TrimSpace(s[:idx])
	}

	// Suffixes can stack ("jr. phd"), so strip until stable.
	for {
		stripped := _suffixRE.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = strings.TrimSpace(stripped)
	}

	// Invert "last, first" ordering.
	if first, last, ok := strings.Cut(s, ","); ok {
		s = strings.TrimSpace(last) + " " + strings.TrimSpace(first)
	}

	// Tighten spaced initials to a fixed point.
	for {
		tightened := _initialsRE.ReplaceAllString(s, "$1.$2")
		if tightened == s {
			break
		}
		s = tightened
	}

	s = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			return r
		case r == ' ' || r == '.' || r == '\'' || r == '-':
			return r
		default:
			return -1
		}
	}, s)
	s = strings.TrimSpace(_whitespaceRE.ReplaceAllString(s, " "))

	if canonical, ok := _collectiveNames[s]; ok {
		return canonical
	}
	return s
}

// NormalizeTitle derives the form of a title used for fuzzy matching:
// lowercased, punctuation stripped, English articles dropped, whitespace
// collapsed.
func NormalizeTitle(title string) string {
	s := strings.ToLower(strings.TrimSpace(title))
	s = _quoteReplacer.Replace(s)

	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsNumber(r) || r == ' ' {
			return r
		}
		return ' '
	}, s)

	fields := strings.Fields(s)
	kept := fields[:0]
	for _, f := range fields {
		switch f {
		case "the", "a", "an":
			continue
		}
		kept = append(kept, f)
	}
	return strings.Join(kept, " ")
}

// authorBlocklist filters out "author" names that are really catalog noise:
// institutions, placeholders, and collective spellings we don't want rows
// for. Matching happens on normalized names.
type authorBlocklist struct {
	blocked set[string]
}

func newAuthorBlocklist(names []string) *authorBlocklist {
	blocked := newSet[string]()
	for _, n := range names {
		blocked[NormalizeAuthorName(n)] = struct{}{}
	}
	return &authorBlocklist{blocked: blocked}
}

func defaultAuthorBlocklist() []string {
	return []string{
		"Anonymous",
		"Various Authors",
		"Unknown",
		"United States",
		"Oxford University Press",
		"Reader's Digest",
		"n/a",
	}
}

// Blocked reports whether the raw name should be discarded.
func (b *authorBlocklist) Blocked(name string) bool {
	normalized := NormalizeAuthorName(name)
	if normalized == "" {
		return true
	}
	_, ok := b.blocked[normalized]
	return ok
}
