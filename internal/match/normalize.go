// Package match resolves noisy purchase-order references to canonical
// entities through a four-stage cascade: exact lookup, vector similarity,
// deterministic rules, and LLM arbitration.
package match

import (
	"regexp"
	"strings"

	"github.com/sells-group/po-intake/internal/model"
)

// legalSuffixes lists common legal entity suffixes to strip during name normalization.
var legalSuffixes = []string{
	" LLC", " L.L.C.", " L.L.C",
	" INC", " INC.", " INCORPORATED",
	" CORP", " CORP.", " CORPORATION",
	" LTD", " LTD.", " LIMITED",
	" LP", " L.P.", " L.P",
	" LLP", " L.L.P.", " L.L.P",
	" PC", " P.C.", " P.C",
	" PA", " P.A.", " P.A",
	" CO", " CO.",
	" PLC", " P.L.C.",
	" NA", " N.A.", " N.A",
	" DBA", " D/B/A",
	" PLLC",
}

var multiSpaceRe = regexp.MustCompile(`\s+`)

// NormalizeExact prepares a reference for the exact-stage equality lookup.
// It is the same lookup key the stores compute for their columns, so both
// sides of the comparison normalize identically.
func NormalizeExact(s string) string {
	return model.LookupKey(s)
}

// NormalizeName standardizes an entity name for fuzzy comparison by:
//  1. Folding accents and trimming whitespace
//  2. Converting to uppercase
//  3. Removing common legal suffixes (LLC, Inc, Corp, etc.)
//  4. Stripping punctuation (commas, periods, dashes, ampersands)
//  5. Collapsing multiple spaces into single spaces
func NormalizeName(name string) string {
	name = model.FoldAccents(strings.TrimSpace(name))
	if name == "" {
		return ""
	}

	name = strings.ToUpper(name)

	// Strip legal suffixes (check longest first is fine since they're all distinct).
	for _, suffix := range legalSuffixes {
		if strings.HasSuffix(name, suffix) {
			name = strings.TrimSuffix(name, suffix)
			break
		}
	}

	// Remove common punctuation.
	name = strings.NewReplacer(
		",", "",
		".", "",
		"'", "",
		"\"", "",
		"&", "AND",
		"-", " ",
	).Replace(name)

	// Collapse multiple spaces.
	name = multiSpaceRe.ReplaceAllString(name, " ")
	name = strings.TrimSpace(name)

	return name
}

// PhoneDigits strips a phone number down to its digits.
func PhoneDigits(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// DomainFromEmail extracts the lowercased domain part of an email address.
// Returns "" when the input does not look like an email.
func DomainFromEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 1 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(email[at+1:]))
}
