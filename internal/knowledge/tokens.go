package knowledge

import (
	"strings"
	"unicode"
)

var stopwords = map[string]struct{}{
	"a": {}, "about": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {},
	"can": {}, "could": {}, "do": {}, "does": {}, "for": {}, "from": {}, "how": {}, "i": {},
	"if": {}, "in": {}, "is": {}, "it": {}, "me": {}, "my": {}, "of": {}, "on": {}, "or": {},
	"please": {}, "should": {}, "that": {}, "the": {}, "there": {}, "this": {}, "to": {},
	"us": {}, "was": {}, "we": {}, "what": {}, "when": {}, "where": {}, "which": {}, "who": {},
	"why": {}, "will": {}, "with": {}, "would": {}, "you": {}, "your": {},
}

// Tokenize lowercases text and splits it on anything that is not a letter or digit.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Keywords returns the distinct non-stopword tokens of text in first-seen order.
func Keywords(text string) []string {
	tokens := Tokenize(text)
	out := make([]string, 0, len(tokens))
	seen := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		if len(tok) < 2 {
			continue
		}
		if _, stop := stopwords[tok]; stop {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}

// Stem trims common English inflections so "fees" and "fee" share a feature.
func Stem(tok string) string {
	for _, suffix := range []string{"ations", "ation", "ments", "ment", "ies"} {
		if len(tok) > len(suffix)+2 && strings.HasSuffix(tok, suffix) {
			if suffix == "ies" {
				return tok[:len(tok)-3] + "y"
			}
			return tok[:len(tok)-len(suffix)]
		}
	}
	if len(tok) > 3 && strings.HasSuffix(tok, "s") && !strings.HasSuffix(tok, "ss") {
		return tok[:len(tok)-1]
	}
	return tok
}
