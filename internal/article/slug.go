package article

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// NormalizeSlug canonicalizes a content identifier so that equivalent inputs
// share one cache entry and one upstream URL. Whitespace becomes underscores,
// underscore runs collapse, and the first rune is upper-cased since upstream
// titles are case-insensitive only in their first letter.
func NormalizeSlug(raw string) (string, error) {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == '_' || unicode.IsSpace(r)
	})
	if len(fields) == 0 {
		return "", ErrInvalidSlug
	}
	slug := strings.Join(fields, "_")
	if strings.ContainsAny(slug, "/?#") {
		return "", ErrInvalidSlug
	}
	first, size := utf8.DecodeRuneInString(slug)
	return string(unicode.ToUpper(first)) + slug[size:], nil
}

// SectionKey folds a section title for matching: case-insensitive, with
// underscores treated as spaces and whitespace collapsed.
func SectionKey(title string) string {
	title = strings.ReplaceAll(title, "_", " ")
	return strings.ToLower(strings.Join(strings.Fields(title), " "))
}
