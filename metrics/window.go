package metrics

import (
	"errors"
	"fmt"
	"time"
)

// Window resolution errors. Each malformed-window case gets its own
// sentinel so a caller can tell what to fix.
var (
	// ErrPartialWindow is returned when only one of from/to was supplied.
	ErrPartialWindow = errors.New("window requires both from and to, or neither")
	// ErrInvertedWindow is returned when from is not strictly before to.
	ErrInvertedWindow = errors.New("window from must be before to")
	// ErrBadTimestamp is returned when a bound cannot be parsed.
	ErrBadTimestamp = errors.New("unparseable window timestamp")
)

// timestampLayouts are accepted bound formats, tried in order. Bare
// dates are interpreted in the server's local zone.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseBound(field, value string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%s=%q: %w", field, value, ErrBadTimestamp)
}

// ResolveWindow turns optional from/to strings into a concrete
// [from, to) pair. Both empty defaults to local midnight today through
// now; a partial pair, an inverted pair, or an unparseable bound is an
// input error, never silently defaulted.
func ResolveWindow(fromStr, toStr string) (time.Time, time.Time, error) {
	return ResolveWindowAt(time.Now(), fromStr, toStr)
}

// ResolveWindowAt is ResolveWindow with an explicit current time.
func ResolveWindowAt(now time.Time, fromStr, toStr string) (time.Time, time.Time, error) {
	if fromStr == "" && toStr == "" {
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		return midnight, now, nil
	}
	if fromStr == "" || toStr == "" {
		return time.Time{}, time.Time{}, ErrPartialWindow
	}
	from, err := parseBound("from", fromStr)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := parseBound("to", toStr)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, ErrInvertedWindow
	}
	return from, to, nil
}
