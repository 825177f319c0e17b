package workspace

import (
	"fmt"
	"strings"
	"unicode"
)

// normalizeDisplayName lowercases, trims, and collapses runs of whitespace
// and punctuation into single dashes so "My Project" and "my-project"
// collide. Uniqueness is enforced on the normalized form.
func normalizeDisplayName(name string) string {
	var b strings.Builder
	lastDash := true // suppress a leading dash
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// uniqueDisplayName returns the display name, auto-suffixed with "-2", "-3",
// … when the normalized form is already taken. taken holds normalized names.
func uniqueDisplayName(displayName string, taken map[string]bool) (name, normalized string) {
	normalized = normalizeDisplayName(displayName)
	if normalized == "" {
		displayName = "workspace"
		normalized = "workspace"
	}
	if !taken[normalized] {
		return displayName, normalized
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d", normalized, i)
		if !taken[candidate] {
			return fmt.Sprintf("%s-%d", displayName, i), candidate
		}
	}
}
