package tokenizer

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SplitSentences cuts text after '.', '!', '?' or the Arabic question mark
// when the mark is followed by whitespace. The mark stays with its sentence
// and the whitespace run between sentences is dropped.
//
// Empty or whitespace-only input yields []string{""}; callers that do not want
// an empty sentence must filter it.
func SplitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return []string{""}
	}

	var (
		sentences []string
		start     int
	)
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		i += size
		if !isSentenceEnd(r) {
			continue
		}
		end := i
		for i < len(text) {
			next, n := utf8.DecodeRuneInString(text[i:])
			if !unicode.IsSpace(next) {
				break
			}
			i += n
		}
		if i == end {
			continue
		}
		sentences = append(sentences, text[start:end])
		start = i
	}
	if start < len(text) {
		sentences = append(sentences, text[start:])
	}
	return sentences
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '؟':
		return true
	}
	return false
}
