package utils

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	reservedChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1F\x7F]`)
	underscoreRun = regexp.MustCompile(`_{2,}`)
)

// MaxFilenameBytes bounds a sanitized name, leaving room for the hash suffix and extension
const MaxFilenameBytes = 100

// SanitizeFilename turns a record key or movie title into a safe file name component.
// Reserved characters become '_' and runs of them collapse. The result is cut to
// MaxFilenameBytes on a rune boundary and is never empty.
func SanitizeFilename(name string) string {
	s := reservedChars.ReplaceAllString(name, "_")
	s = underscoreRun.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_ .")

	if len(s) > MaxFilenameBytes {
		cut := MaxFilenameBytes
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = strings.Trim(s[:cut], "_ .")
	}

	if s == "" {
		return "untitled"
	}
	return s
}
