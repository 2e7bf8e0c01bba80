// Package timefmt fixes the timestamp wire format used in bus records and
// inbox files.
package timefmt

import "time"

// ISO8601 is the millisecond-precision ISO-8601 format the bus service
// emits and expects.
const ISO8601 = "2006-01-02T15:04:05.000Z"

// Format renders a time.Time in the wire format, always in UTC.
func Format(t time.Time) string {
	return t.UTC().Format(ISO8601)
}

// Parse reads a wire-format timestamp. Plain RFC 3339 (no milliseconds) is
// accepted too since some service versions omit them.
func Parse(s string) (time.Time, error) {
	t, err := time.Parse(ISO8601, s)
	if err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
