package timefmt_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbus/agentbus/internal/util/timefmt"
)

func TestFormatUTC(t *testing.T) {
	ts := time.Date(2026, 8, 26, 10, 30, 45, 123000000, time.UTC)
	assert.Equal(t, "2026-08-26T10:30:45.123Z", timefmt.Format(ts))
}

func TestFormatNonUTC(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*60*60)
	ts := time.Date(2026, 8, 26, 19, 30, 45, 456000000, loc)
	assert.Equal(t, "2026-08-26T10:30:45.456Z", timefmt.Format(ts))
}

func TestFormatMillisecondPrecision(t *testing.T) {
	// Sub-millisecond nanoseconds are truncated, not rounded.
	ts := time.Date(2026, 1, 1, 0, 0, 0, 999999999, time.UTC)
	assert.Equal(t, "2026-01-01T00:00:00.999Z", timefmt.Format(ts))

	ts = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-01-01T00:00:00.000Z", timefmt.Format(ts))
}

func TestParseRoundTrip(t *testing.T) {
	got, err := timefmt.Parse("2026-08-26T10:30:45.123Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 26, 10, 30, 45, 123000000, time.UTC), got.UTC())
}

func TestParseAcceptsPlainRFC3339(t *testing.T) {
	got, err := timefmt.Parse("2026-08-26T10:30:45Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 26, 10, 30, 45, 0, time.UTC), got.UTC())
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := timefmt.Parse("yesterday")
	assert.Error(t, err)
}
