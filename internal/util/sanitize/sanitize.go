package sanitize

import (
	"strings"
	"unicode"
)

// MaxSessionName bounds session names taken from the on-disk index.
const MaxSessionName = 128

// SessionName cleans a session name read from the tool's index file:
// control characters are stripped and the result is length-limited. The
// index is user-editable, so names cannot be trusted to be printable.
func SessionName(s string) string {
	return clean(s, MaxSessionName)
}

func clean(s string, maxLen int) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if b.Len() >= maxLen {
			break
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}
