// Package entity resolves extracted companies and customers against the
// tenant's canonical entities.
package entity

import (
	"strings"
	"unicode"
)

// legalSuffixes maps legal-form spellings to their canonical token.
var legalSuffixes = map[string]string{
	"corporation":  "corp",
	"corp":         "corp",
	"incorporated": "inc",
	"inc":          "inc",
	"company":      "co",
	"co":           "co",
	"limited":      "ltd",
	"ltd":          "ltd",
	"llc":          "llc",
	"llp":          "llp",
	"plc":          "plc",
	"gmbh":         "gmbh",
	"ag":           "ag",
	"sa":           "sa",
	"srl":          "srl",
	"bv":           "bv",
	"pty":          "pty",
}

// CanonicalName folds case, strips punctuation and collapses whitespace,
// then canonicalizes trailing legal suffixes: "ABC Corporation, Inc." and
// "abc corp inc" are the same name.
func CanonicalName(name string) string {
	tokens := nameTokens(name)
	for i := len(tokens) - 1; i > 0; i-- {
		canon, ok := legalSuffixes[tokens[i]]
		if !ok {
			break
		}
		tokens[i] = canon
	}
	return strings.Join(tokens, " ")
}

func nameTokens(name string) []string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r == '.' || r == '\'' || r == '’':
			// "Inc." and "O'Brien" keep their letters together
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Fields(b.String())
}

// NormalizeTaxID keeps only letters and digits, upper-cased, so
// "12-3456789" and "123456789" compare equal.
func NormalizeTaxID(taxID string) string {
	var b strings.Builder
	for _, r := range taxID {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// NormalizeEmail trims and lower-cases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func emailDomain(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return ""
	}
	return email[at+1:]
}

// NormalizePhone keeps only the digits of a number. A leading country
// code is kept, so "+1 555 123 4567" and "(555) 123-4567" differ.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeWebsite reduces a URL to its lower-case host without "www.".
func NormalizeWebsite(website string) string {
	s := strings.ToLower(strings.TrimSpace(website))
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimPrefix(s, "www.")
}

// NormalizeAddress folds an address into space separated lower-case tokens.
func NormalizeAddress(address string) string {
	return strings.Join(nameTokens(address), " ")
}
