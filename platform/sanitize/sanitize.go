// Package sanitize provides text clean-up for values copied out of user
// documents into denormalized fields.
package sanitize

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	// htmlTagRegex matches HTML tags
	htmlTagRegex = regexp.MustCompile(`<[^>]*>`)
	spaceRegex   = regexp.MustCompile(`\s+`)
)

// StripHTML removes all HTML tags from a string, making it safe for text-only display.
func StripHTML(s string) string {
	result := htmlTagRegex.ReplaceAllString(s, "")
	result = strings.ReplaceAll(result, "&lt;", "<")
	result = strings.ReplaceAll(result, "&gt;", ">")
	result = strings.ReplaceAll(result, "&amp;", "&")
	result = strings.ReplaceAll(result, "&quot;", "\"")
	result = strings.ReplaceAll(result, "&#39;", "'")
	// Re-strip after entity decode to catch encoded tags
	result = htmlTagRegex.ReplaceAllString(result, "")
	return strings.TrimSpace(result)
}

// Text strips HTML, applies NFC normalization and collapses runs of
// whitespace. Names typed on different devices compare equal afterwards.
func Text(s string) string {
	result := StripHTML(s)
	result = norm.NFC.String(result)
	result = spaceRegex.ReplaceAllString(result, " ")
	return strings.TrimSpace(result)
}

// Optional returns the sanitized value and whether anything is left.
func Optional(value any) (string, bool) {
	s, ok := value.(string)
	if !ok {
		return "", false
	}
	cleaned := Text(s)
	return cleaned, cleaned != ""
}
