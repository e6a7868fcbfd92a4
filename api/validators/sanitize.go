package validators

import (
	"strings"
	"unicode"
)

// SanitizeString trims free text, drops control characters other than
// newlines and tabs, and cuts it to maxRunes without splitting a character.
// maxRunes <= 0 means no limit.
func SanitizeString(input string, maxRunes int) string {
	cleaned := strings.TrimSpace(strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, input))
	if maxRunes <= 0 {
		return cleaned
	}
	if runes := []rune(cleaned); len(runes) > maxRunes {
		return strings.TrimSpace(string(runes[:maxRunes]))
	}
	return cleaned
}
