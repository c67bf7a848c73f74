package transcript

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Tail returns at most maxChars runes from the end of text. The cut moves forward to the
// next whitespace so the result never starts mid-word, unless that would discard
// everything. maxChars <= 0 returns text unchanged.
func Tail(text string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(text) <= maxChars {
		return text
	}

	runes := []rune(text)
	cut := runes[len(runes)-maxChars:]
	if !unicode.IsSpace(runes[len(runes)-maxChars-1]) {
		for i, r := range cut {
			if unicode.IsSpace(r) {
				if rest := strings.TrimLeftFunc(string(cut[i:]), unicode.IsSpace); rest != "" {
					return rest
				}
				break
			}
		}
		return string(cut)
	}
	return strings.TrimLeftFunc(string(cut), unicode.IsSpace)
}
