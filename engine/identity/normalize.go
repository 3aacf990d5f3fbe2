package identity

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	basicSeparators = regexp.MustCompile(`[-._\s]+`)
	basicStrip      = regexp.MustCompile(`[^a-z0-9_]`)
	trimUnderscores = regexp.MustCompile(`^_+|_+$`)
	tokenSplit      = regexp.MustCompile(`[a-z0-9]+`)
)

// NormalizeBasic lowercases, collapses separator runs to a single
// underscore, strips anything outside [a-z0-9_], and trims leading and
// trailing underscores.
func NormalizeBasic(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = basicSeparators.ReplaceAllString(s, "_")
	s = basicStrip.ReplaceAllString(s, "")
	s = trimUnderscores.ReplaceAllString(s, "")
	return s
}

var leadingTitles = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true,
	"prof": true, "sir": true, "madam": true,
}

var trailingSuffixes = map[string]bool{
	"jr": true, "sr": true, "ii": true, "iii": true, "iv": true,
	"phd": true, "md": true, "esq": true,
}

var companyIndicators = map[string]bool{
	"inc": true, "corp": true, "ltd": true, "llc": true, "co": true,
	"company": true, "corporation": true, "limited": true,
}

var abbreviations = map[string]string{
	"bob":     "robert",
	"bobby":   "robert",
	"rob":     "robert",
	"mike":    "michael",
	"mickey":  "michael",
	"bill":    "william",
	"will":    "william",
	"liz":     "elizabeth",
	"beth":    "elizabeth",
	"jim":     "james",
	"jimmy":   "james",
	"dave":    "david",
	"dick":    "richard",
	"rich":    "richard",
	"rick":    "richard",
	"tom":     "thomas",
	"tony":    "anthony",
	"corp":    "corporation",
	"inc":     "incorporated",
	"ltd":     "limited",
	"co":      "company",
	"intl":    "international",
	"dept":    "department",
}

var contractionNot = regexp.MustCompile(`n't\b`)
var possessive = regexp.MustCompile(`'s\b`)

// NormalizeEnhanced applies Unicode NFKD decomposition, lowercasing,
// possessive/contraction handling, title/suffix/company-indicator
// stripping, and abbreviation expansion. Falls back to the basic
// normalization of the original string if the result would be empty.
func NormalizeEnhanced(name string) string {
	orig := name
	s := norm.NFKD.String(name)
	s = stripCombining(s)
	s = strings.ToLower(s)
	s = contractionNot.ReplaceAllString(s, " not")
	s = possessive.ReplaceAllString(s, "")

	tokens := tokenSplit.FindAllString(s, -1)
	tokens = dropLeadingTitles(tokens)
	tokens = dropTrailingSuffixes(tokens)
	tokens = dropCompanyIndicators(tokens)
	tokens = expandAbbreviations(tokens)

	joined := strings.Join(tokens, "_")
	joined = basicStrip.ReplaceAllString(joined, "")
	joined = trimUnderscores.ReplaceAllString(joined, "")

	if joined == "" {
		return NormalizeBasic(orig)
	}
	return joined
}

func stripCombining(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func dropLeadingTitles(tokens []string) []string {
	for len(tokens) > 0 && leadingTitles[tokens[0]] {
		tokens = tokens[1:]
	}
	return tokens
}

func dropTrailingSuffixes(tokens []string) []string {
	for len(tokens) > 0 && trailingSuffixes[tokens[len(tokens)-1]] {
		tokens = tokens[:len(tokens)-1]
	}
	return tokens
}

func dropCompanyIndicators(tokens []string) []string {
	out := tokens[:0:0]
	for _, t := range tokens {
		if companyIndicators[t] {
			continue
		}
		out = append(out, t)
	}
	return out
}

func expandAbbreviations(tokens []string) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		if full, ok := abbreviations[t]; ok {
			out[i] = full
		} else {
			out[i] = t
		}
	}
	return out
}
