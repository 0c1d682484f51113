package embedder

import (
	"strings"
	"unicode"
)

// Tokenize splits text into lower case word tokens. Identifiers are split on
// camelCase and snake_case boundaries and the joined form is kept as well,
// so "parseHTTPRequest" yields parse, http, request and parsehttprequest.
func Tokenize(text string) []string {
	var tokens []string
	for _, word := range strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	}) {
		parts := splitIdentifier(word)
		for _, p := range parts {
			if len(p) > 1 || unicode.IsDigit(rune(p[0])) {
				tokens = append(tokens, p)
			}
		}
		if len(parts) > 1 {
			tokens = append(tokens, strings.ToLower(strings.ReplaceAll(word, "_", "")))
		}
	}
	return tokens
}

func splitIdentifier(word string) []string {
	var (
		parts []string
		cur   []rune
	)
	runes := []rune(word)
	flush := func() {
		if len(cur) > 0 {
			parts = append(parts, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	for i, r := range runes {
		if r == '_' {
			flush()
			continue
		}
		if i > 0 && unicode.IsUpper(r) {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				flush()
			}
		}
		cur = append(cur, r)
	}
	flush()
	return parts
}
