package util

import (
	"net/url"
	"regexp"
)

var whitespace = regexp.MustCompile(`\s+`)

// Abbrev shortens a string for logging, keeping the head and the tail. The
// string is quoted so that truncation is visible in the log line.
func Abbrev(s string, maxLength int) string {
	s = `"` + s + `"`
	if len(s) <= maxLength {
		return s
	}
	k := maxLength/2 - 2
	return s[:k] + " ... " + s[len(s)-k:]
}

// AbbrevQuery url-decodes s and collapses whitespace runs before
// abbreviating. Used for logging request paths that carry an encoded
// SPARQL query.
func AbbrevQuery(s string, maxLength int) string {
	if decoded, err := url.QueryUnescape(s); err == nil {
		s = decoded
	}
	return Abbrev(CompactWhitespace(s), maxLength)
}

// CompactWhitespace replaces every whitespace run, newlines included, by a
// single space.
func CompactWhitespace(s string) string {
	return whitespace.ReplaceAllString(s, " ")
}
