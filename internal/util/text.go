package util

import (
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	reSpaces      = regexp.MustCompile(`\s+`)
	reNonAlnumKey = regexp.MustCompile(`[^a-z0-9]`)
)

// FoldAccents removes combining marks after NFKD decomposition ("Nº" -> "No").
func FoldAccents(input string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, input)
	if err != nil {
		return input
	}
	return out
}

// NormalizeKey lowercases, folds accents and keeps only [a-z0-9].
func NormalizeKey(input string) string {
	s := strings.ToLower(FoldAccents(strings.TrimSpace(input)))
	return reNonAlnumKey.ReplaceAllString(s, "")
}

// NormalizeFileName is NormalizeKey applied to a file name without its extension.
func NormalizeFileName(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	return NormalizeKey(strings.TrimSuffix(base, filepath.Ext(base)))
}

func NormalizeSpaces(input string) string {
	return strings.TrimSpace(reSpaces.ReplaceAllString(input, " "))
}

func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
