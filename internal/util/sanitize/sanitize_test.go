package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"normal", "refactor-auth", "refactor-auth"},
		{"control chars stripped", "re\x00fact\x07or", "refactor"},
		{"trim whitespace", "  billing  ", "billing"},
		{"unicode preserved", "日本語セッション", "日本語セッション"},
		{"newline stripped", "two\nlines", "twolines"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SessionName(tt.input))
		})
	}
}

func TestSessionNameTruncates(t *testing.T) {
	long := strings.Repeat("x", MaxSessionName+50)
	got := SessionName(long)
	assert.Len(t, got, MaxSessionName)
}
