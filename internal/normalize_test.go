package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeAuthorNameVariants(t *testing.T) {
	t.Parallel()

	// Spelling variants of the same person must collapse to one key.
	variants := []string{
		"J.K. Rowling",
		"J. K. Rowling",
		"j. k. rowling",
		"Rowling, J.K. Jr.",
		"  J.K.   Rowling ",
	}
	for _, v := range variants {
		assert.Equal(t, "j.k. rowling", NormalizeAuthorName(v), v)
	}
}

func TestNormalizeAuthorName(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Ursula K. Le Guin":             "ursula k. le guin",
		"Le Guin, Ursula K.":            "ursula k. le guin",
		"Neil Gaiman & Terry Pratchett": "neil gaiman",
		"Gaiman; Pratchett":             "gaiman",
		"Martin Luther King Jr.":        "martin luther king",
		"Sammy Davis, Jr.":              "sammy davis",
		"John Smith PhD":                "john smith",
		"Henry Jones III":               "henry jones",
		"Gabriel García Márquez":        "gabriel garcía márquez",
		"Flannery O'Connor":             "flannery o'connor",
		"Flannery O’Connor":        "flannery o'connor",
		"Anne-Marie Slaughter":          "anne-marie slaughter",
		"Various":                       "various authors",
		"VARIOUS AUTHORS":               "various authors",
		"Anon.":                         "anonymous",
		"Madeleine L'Engle":             "madeleine l'engle",
	}
	for input, want := range cases {
		assert.Equal(t, want, NormalizeAuthorName(input), input)
	}
}

func TestNormalizeAuthorNameIdempotent(t *testing.T) {
	t.Parallel()

	// normalize(normalize(x)) == normalize(x).
	inputs := []string{
		"J. K. Rowling",
		"Rowling, J.K. Jr.",
		"Neil Gaiman & Terry Pratchett",
		"Various",
		"Gabriel García Márquez",
		"Le Guin, Ursula K.",
		"",
	}
	for _, input := range inputs {
		once := NormalizeAuthorName(input)
		assert.Equal(t, once, NormalizeAuthorName(once), input)
	}
}

func TestNormalizeTitle(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"The Left Hand of Darkness":     "left hand of darkness",
		"A Wizard of Earthsea":          "wizard of earthsea",
		"An Unkindness of Ghosts!":      "unkindness of ghosts",
		"Harry Potter & the Goblet":     "harry potter goblet",
		"  The   Dispossessed:  Novel ": "dispossessed novel",
	}
	for input, want := range cases {
		assert.Equal(t, want, NormalizeTitle(input), input)
	}

	for input := range cases {
		once := NormalizeTitle(input)
		assert.Equal(t, once, NormalizeTitle(once), input)
	}
}

func TestNormalizeAuthorsRepairsStaleRows(t *testing.T) {
	t.Parallel()

	ms := newMemstore()
	// Rows written before a normalization rule change: one missing its
	// normalized name entirely, one carrying a stale value, one correct.
	ms.authors[1] = &AuthorResource{Key: 1, Name: "J. K. Rowling"}
	ms.authors[2] = &AuthorResource{Key: 2, Name: "Le Guin, Ursula K.", NormalizedName: "le guin, ursula k."}
	ms.authors[3] = &AuthorResource{Key: 3, Name: "Frank Herbert", NormalizedName: "frank herbert"}
	ms.nextID = 3

	// Batch size 1 forces the cursor to walk key by key.
	total, err := normalizeAllAuthors(t.Context(), ms, 1)
	require.NoError(t, err)

	assert.Equal(t, int64(2), total)
	assert.Equal(t, "j.k. rowling", ms.authors[1].NormalizedName)
	assert.Equal(t, "ursula k. le guin", ms.authors[2].NormalizedName)

	// A second walk finds nothing left to repair.
	total, err = normalizeAllAuthors(t.Context(), ms, 1)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestAuthorBlocklist(t *testing.T) {
	t.Parallel()

	// The blocklist matches on normalized names, so raw spelling shouldn't
	// matter.
	b := newAuthorBlocklist(defaultAuthorBlocklist())

	assert.True(t, b.Blocked("ANONYMOUS"))
	assert.True(t, b.Blocked("United  States"))
	assert.True(t, b.Blocked("various"))
	assert.True(t, b.Blocked("   "))
	assert.False(t, b.Blocked("Ursula K. Le Guin"))
	assert.False(t, b.Blocked("J.K. Rowling"))
}
