package logreader

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// ErrInvalidFilter is wrapped by every filter validation failure.
var ErrInvalidFilter = errors.New("invalid log filter")

var validSources = map[string]bool{
	"":           true,
	"all":        true,
	"agent":      true,
	"cloud-init": true,
	"docker":     true,
	"systemd":    true,
}

var validLevels = map[string]bool{
	"":      true,
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var (
	// relativeTime matches durations like "-1h" or "-30m".
	relativeTime = regexp.MustCompile(`^-\d+[smhd]$`)
	// journalCursor matches journald's opaque cursor alphabet.
	journalCursor = regexp.MustCompile(`^[a-zA-Z0-9=;_\-]+$`)
	// containerName matches Docker's container naming rules.
	containerName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.\-]*$`)
)

const (
	maxCursorLen    = 512
	maxContainerLen = 255
	maxSearchLen    = 1000
)

// ValidateFilter rejects filters that could not have come from the documented
// query surface. Validation happens before any value reaches a journalctl
// argument list.
func ValidateFilter(f Filter) error {
	if !validSources[f.Source] {
		return fmt.Errorf("%w: unknown source %q", ErrInvalidFilter, f.Source)
	}
	if !validLevels[f.Level] {
		return fmt.Errorf("%w: unknown level %q", ErrInvalidFilter, f.Level)
	}
	if f.Container != "" {
		if len(f.Container) > maxContainerLen {
			return fmt.Errorf("%w: container name too long", ErrInvalidFilter)
		}
		if !containerName.MatchString(f.Container) {
			return fmt.Errorf("%w: invalid container name %q", ErrInvalidFilter, f.Container)
		}
	}
	if f.Since != "" {
		if err := validateTimestamp(f.Since); err != nil {
			return fmt.Errorf("%w: since: %v", ErrInvalidFilter, err)
		}
	}
	if f.Until != "" {
		if err := validateTimestamp(f.Until); err != nil {
			return fmt.Errorf("%w: until: %v", ErrInvalidFilter, err)
		}
	}
	if f.Cursor != "" {
		if len(f.Cursor) > maxCursorLen {
			return fmt.Errorf("%w: cursor too long", ErrInvalidFilter)
		}
		if !journalCursor.MatchString(f.Cursor) {
			return fmt.Errorf("%w: malformed cursor", ErrInvalidFilter)
		}
	}
	if len(f.Search) > maxSearchLen {
		return fmt.Errorf("%w: search string too long", ErrInvalidFilter)
	}
	if f.Limit < 0 {
		return fmt.Errorf("%w: negative limit", ErrInvalidFilter)
	}
	return nil
}

// validateTimestamp accepts RFC 3339, date-only, "date time", and relative
// forms like "-1h". journalctl understands all four.
func validateTimestamp(value string) error {
	if relativeTime.MatchString(value) {
		return nil
	}
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02",
		"2006-01-02 15:04:05",
	} {
		if _, err := time.Parse(layout, value); err == nil {
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", value)
}
