// Package normalise provides the canonicalisation primitives shared by the
// staging and evidence passes: postcode storage/display forms and the
// casefolded street name used as the cross-source join key.
package normalise

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	nonAlnumRE   = regexp.MustCompile(`[^A-Za-z0-9]`)
	whitespaceRE = regexp.MustCompile(`\s+`)
)

// PostcodeNorm returns the storage form of a postcode: upper-cased with every
// non-alphanumeric character removed. Returns "" when nothing survives.
func PostcodeNorm(value string) string {
	return strings.ToUpper(nonAlnumRE.ReplaceAllString(value, ""))
}

// PostcodeDisplay returns the display form: the storage form with a single
// space inserted before the last three characters when longer than three.
func PostcodeDisplay(value string) string {
	normalised := PostcodeNorm(value)
	if len(normalised) <= 3 {
		return normalised
	}
	return normalised[:len(normalised)-3] + " " + normalised[len(normalised)-3:]
}

// Normaliser applies the configured street-name casefold. The zero value is
// not usable; construct with New.
type Normaliser struct {
	aliases map[string]string
	strip   string
}

// New builds a Normaliser from a loaded configuration. Alias keys and values
// are upper-cased so substitution happens after the casefold.
func New(cfg Config) *Normaliser {
	aliases := make(map[string]string, len(cfg.AliasMap))
	for key, value := range cfg.AliasMap {
		aliases[strings.ToUpper(key)] = strings.ToUpper(value)
	}
	return &Normaliser{aliases: aliases, strip: cfg.StripPunctuation}
}

// StreetCasefold canonicalises a raw street name: NFKC normalisation, trim,
// upper-case, whitespace collapse, punctuation strip, then token-wise alias
// substitution. Returns "" when the input reduces to nothing.
func (n *Normaliser) StreetCasefold(value string) string {
	text := strings.ToUpper(strings.TrimSpace(norm.NFKC.String(value)))
	text = whitespaceRE.ReplaceAllString(text, " ")
	if n.strip != "" {
		text = strings.Map(func(r rune) rune {
			if strings.ContainsRune(n.strip, r) {
				return -1
			}
			return r
		}, text)
	}
	text = strings.TrimSpace(whitespaceRE.ReplaceAllString(text, " "))
	if text == "" {
		return ""
	}

	tokens := strings.Split(text, " ")
	for i, token := range tokens {
		if alias, ok := n.aliases[token]; ok {
			tokens[i] = alias
		}
	}
	return strings.TrimSpace(strings.Join(tokens, " "))
}
