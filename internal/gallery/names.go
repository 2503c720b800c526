package gallery

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeName is the lookup key for an identity: diacritics stripped,
// case folded, whitespace collapsed. "José_Álvarez" and "jose alvarez" match.
func NormalizeName(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, name)
	if err != nil {
		stripped = name
	}
	return strings.Join(strings.Fields(cases.Fold().String(DisplayName(stripped))), " ")
}

// DisplayName turns an identity directory name into the label stored in the gallery.
func DisplayName(dir string) string {
	return strings.Join(strings.Fields(strings.ReplaceAll(dir, "_", " ")), " ")
}

// SameName reports whether two labels refer to the same identity.
func SameName(a, b string) bool {
	return NormalizeName(a) == NormalizeName(b)
}
