package datasets

import "strings"

// Segmenter splits a text into tokens.
type Segmenter func(text string) []string

// Characters segments text into one token per rune. It is the default.
func Characters(text string) []string {
	tokens := make([]string, 0, len(text))
	for _, r := range text {
		tokens = append(tokens, string(r))
	}
	return tokens
}

// Whitespace segments text on runs of white space.
func Whitespace(text string) []string {
	return strings.Fields(text)
}
