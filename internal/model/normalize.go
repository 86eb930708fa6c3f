package model

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var whitespaceRe = regexp.MustCompile(`\s+`)

// accentFolder strips combining diacritical marks: "Café" -> "Cafe".
var accentFolder = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// FoldAccents removes diacritics so "Métro" and "Metro" compare equal.
func FoldAccents(s string) string {
	out, _, err := transform.String(accentFolder, s)
	if err != nil {
		return s
	}
	return out
}

// LookupKey canonicalizes a string for exact-equality entity lookup: fold
// accents, collapse all whitespace to single spaces, trim, uppercase. The
// stores apply the same treatment to their columns, so a reference and a
// stored identifier, name, or alternate name compare key-to-key.
func LookupKey(s string) string {
	s = FoldAccents(s)
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.ToUpper(strings.TrimSpace(s))
}
