// Package nameutil implements the small set of name-shaped helpers the
// fetch engine needs: timeslot rounding, ISO-8601 timestamp formatting,
// component rewriting, and object-class inference from name shape.
package nameutil

import (
	"fmt"
	"strings"
	"time"

	enc "github.com/named-data/ndnd/std/encoding"
)

// ISOLayout is the timestamp format used throughout the deployment:
// YYYYMMDDThhmmss, always in UTC.
const ISOLayout = "20060102T150405"

// FormatISO renders t as an ISO-8601-ish basic-format timestamp component.
func FormatISO(t time.Time) string {
	return t.UTC().Format(ISOLayout)
}

// ParseISO parses a timestamp component produced by FormatISO.
func ParseISO(s string) (time.Time, error) {
	return time.Parse(ISOLayout, s)
}

// RoundDownHour floors t to the start of its containing hour, matching
// the deployment's "timeslot" bucketing for C-KEY catalogs.
func RoundDownHour(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), u.Hour(), 0, 0, 0, time.UTC)
}

// TimestampComponent returns an ISO-8601 timestamp as a generic name
// component, the wire form the rest of the deployment expects (plain
// text, not the binary Timestamp component type).
func TimestampComponent(t time.Time) enc.Component {
	return enc.NewGenericComponent(FormatISO(t))
}

// ReplaceComponent returns a copy of name with the first component whose
// text equals old replaced by the (possibly multi-component) sequence
// repl. It mirrors the original deployment's "replace E-KEY with
// D-KEY/catalog" rewrite, but operates on actual name components instead
// of string search-and-replace so it cannot straddle component
// boundaries by accident.
func ReplaceComponent(name enc.Name, old string, repl ...string) (enc.Name, error) {
	out := make(enc.Name, 0, len(name)+len(repl))
	replaced := false
	for _, c := range name {
		if !replaced && c.String() == old {
			for _, r := range repl {
				out = append(out, enc.NewGenericComponent(r))
			}
			replaced = true
			continue
		}
		out = append(out, c)
	}
	if !replaced {
		return nil, fmt.Errorf("nameutil: component %q not found in %s", old, name)
	}
	return out, nil
}

// HasComponent reports whether any component of name renders to s.
func HasComponent(name enc.Name, s string) bool {
	for _, c := range name {
		if c.String() == s {
			return true
		}
	}
	return false
}

// ContainsText reports whether the canonical URI form of name contains
// the given substring. Classify does not use it: it matches whole
// components with HasComponent.
func ContainsText(name enc.Name, s string) bool {
	return strings.Contains(name.String(), s)
}

// UserIDAt returns the name component at the given fixed depth, or an
// error if the name is too short. depth is 0-based. Callers compute it
// from the known prefix length (the register-prefix length for the
// component right after that prefix, or the deployment-prefix length,
// 2 by default, for fetched object names) rather than hard-coding it,
// per the external-interfaces contract.
func UserIDAt(name enc.Name, depth int) (enc.Component, error) {
	if depth < 0 || depth >= len(name) {
		return enc.Component{}, fmt.Errorf("nameutil: name %s too short for user-id at depth %d", name, depth)
	}
	return name[depth], nil
}
