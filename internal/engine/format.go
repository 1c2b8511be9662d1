package engine

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxPostLength caps formatted posts well under the remote limit.
const DefaultMaxPostLength = 200

const ellipsis = "..."

// Format builds the post text for a title and link so that the result fits
// in maxLength characters. Lengths are counted in Unicode code points.
//
// A title that fits is kept whole. A longer title is cut, stripped of
// trailing whitespace and suffixed with "...". When the URL leaves fewer than
// three characters for the title, the URL is emitted alone; the URL itself is
// never shortened, even if it alone exceeds maxLength.
func Format(title, url string, maxLength int) string {
	available := maxLength - utf8.RuneCountInString(url) - 1

	if utf8.RuneCountInString(title) <= available {
		return title + " " + url
	}
	if available < len(ellipsis) {
		return url
	}

	prefix := strings.TrimRightFunc(firstRunes(title, available-len(ellipsis)), unicode.IsSpace)
	return prefix + ellipsis + " " + url
}

func firstRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
