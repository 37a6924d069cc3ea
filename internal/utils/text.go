package utils

import "unicode/utf8"

// Truncate cuts s to at most n runes, appending "..." when anything was removed.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}
