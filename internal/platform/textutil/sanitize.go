package textutil

import (
	"html"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

var strictPolicy = bluemonday.StrictPolicy()

// SanitizeText strips markup and control characters from free-form input and truncates the result
// to at most limit runes. Newlines and tabs are preserved.
func SanitizeText(input string, limit int) string {
	input = strings.TrimSpace(input)
	if input == "" {
		return ""
	}
	if strings.ContainsAny(input, "<>") {
		input = html.UnescapeString(strictPolicy.Sanitize(input))
	}
	var builder strings.Builder
	builder.Grow(len(input))
	count := 0
	for _, r := range input {
		if r == utf8.RuneError || (unicode.IsControl(r) && r != '\n' && r != '\t') {
			continue
		}
		if limit > 0 && count >= limit {
			break
		}
		builder.WriteRune(r)
		count++
	}
	return strings.TrimSpace(builder.String())
}
