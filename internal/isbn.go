package internal

import (
	"errors"
	"fmt"
	"strings"
)

// ISBN is a validated, normalized ISBN-10 or ISBN-13: digits only, except for
// a possible terminal X on ISBN-10s. Nothing unvalidated should ever be
// stored in one of these.
type ISBN string

var errInvalidISBN = errors.New("invalid isbn")

// ParseISBN normalizes and validates an ISBN. Separators and whitespace are
// stripped, letters are uppercased, and the checksum is verified.
func ParseISBN(s string) (ISBN, error) {
	var b strings.Builder
	b.Grow(13)
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == 'x' || r == 'X':
			b.WriteByte('X')
		case r == '-' || r == ' ' || r == '\t':
			// Separator, skip.
		default:
			return "", fmt.Errorf("%w: unexpected character %q", errInvalidISBN, r)
		}
	}

	normalized := b.String()
	switch len(normalized) {
	case 10:
		if !validISBN10(normalized) {
			return "", fmt.Errorf("%w: bad check digit in %q", errInvalidISBN, normalized)
		}
	case 13:
		if strings.ContainsRune(normalized, 'X') {
			return "", fmt.Errorf("%w: %q", errInvalidISBN, normalized)
		}
		if !validISBN13(normalized) {
			return "", fmt.Errorf("%w: bad check digit in %q", errInvalidISBN, normalized)
		}
	default:
		return "", fmt.Errorf("%w: %q has length %d", errInvalidISBN, normalized, len(normalized))
	}

	return ISBN(normalized), nil
}

func (i ISBN) String() string {
	return string(i)
}

// ISBN13 upgrades an ISBN-10 to its 978-prefixed ISBN-13 form. ISBN-13s are
// returned unchanged; the conversion is lossless.
func (i ISBN) ISBN13() ISBN {
	if len(i) == 13 {
		return i
	}
	body := "978" + string(i[:9])
	return ISBN(body + string(isbn13CheckDigit(body)))
}

// ISBN10 downgrades a 978-prefixed ISBN-13. The second return is false for
// 979-prefixed ISBNs, which have no ISBN-10 form.
func (i ISBN) ISBN10() (ISBN, bool) {
	if len(i) == 10 {
		return i, true
	}
	if !strings.HasPrefix(string(i), "978") {
		return "", false
	}
	body := string(i[3:12])
	return ISBN(body + string(isbn10CheckDigit(body))), true
}

// validISBN10 verifies the weighted mod-11 checksum. The check digit may be
// X, representing 10.
func validISBN10(s string) bool {
	sum := 0
	for idx := 0; idx < 9; idx++ {
		if s[idx] == 'X' {
			return false // X is only valid as the check digit.
		}
		sum += (10 - idx) * int(s[idx]-'0')
	}
	if s[9] == 'X' {
		sum += 10
	} else {
		sum += int(s[9] - '0')
	}
	return sum%11 == 0
}

// validISBN13 verifies the alternating 1/3-weighted mod-10 checksum.
func validISBN13(s string) bool {
	sum := 0
	for idx := 0; idx < 13; idx++ {
		d := int(s[idx] - '0')
		if idx%2 == 1 {
			d *= 3
		}
		sum += d
	}
	return sum%10 == 0
}

// isbn10CheckDigit computes the check digit for the first 9 digits.
func isbn10CheckDigit(body string) byte {
	sum := 0
	for idx := 0; idx < 9; idx++ {
		sum += (10 - idx) * int(body[idx]-'0')
	}
	check := (11 - sum%11) % 11
	if check == 10 {
		return 'X'
	}
	return byte('0' + check)
}

// isbn13CheckDigit computes the check digit for the first 12 digits.
func isbn13CheckDigit(body string) byte {
	sum := 0
	for idx := 0; idx < 12; idx++ {
		d := int(body[idx] - '0')
		if idx%2 == 1 {
			d *= 3
		}
		sum += d
	}
	return byte('0' + (10-sum%10)%10)
}

// parseISBNs validates a batch, partitioning it into normalized ISBNs and the
// inputs that failed. Order is preserved and duplicates are collapsed.
func parseISBNs(raw []string) (valid []ISBN, invalid []string) {
	seen := newSet[ISBN]()
	for _, s := range raw {
		parsed, err := ParseISBN(s)
		if err != nil {
			invalid = append(invalid, s)
			continue
		}
		if _, ok := seen[parsed]; ok {
			continue
		}
		seen[parsed] = struct{}{}
		valid = append(valid, parsed)
	}
	return valid, invalid
}
