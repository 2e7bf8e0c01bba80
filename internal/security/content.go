package security

import (
	"errors"
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ErrEmptyContent rejects empty or whitespace-only message content.
var ErrEmptyContent = errors.New("message content is empty")

// maxContentLength bounds sanitized content; anything longer is truncated.
const maxContentLength = 100_000

var horizontalWhitespace = regexp.MustCompile(`[ \t]+`)

// ContentValidator rejects empty content and returns a sanitized form:
// markup stripped, whitespace normalized, length bounded.
type ContentValidator struct {
	policy *bluemonday.Policy
	maxLen int
}

// NewContentValidator creates a validator with the strict markup policy.
func NewContentValidator() *ContentValidator {
	return &ContentValidator{
		policy: bluemonday.StrictPolicy(),
		maxLen: maxContentLength,
	}
}

// ValidateAndSanitize returns the sanitized content or ErrEmptyContent.
func (v *ContentValidator) ValidateAndSanitize(content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyContent
	}

	// Strip markup, then undo entity escaping so plain text like "a < b"
	// survives untouched.
	sanitized := html.UnescapeString(v.policy.Sanitize(content))

	sanitized = strings.ReplaceAll(sanitized, "\r\n", "\n")
	lines := strings.Split(sanitized, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(horizontalWhitespace.ReplaceAllString(line, " "), " ")
	}
	sanitized = strings.TrimSpace(strings.Join(lines, "\n"))

	if sanitized == "" {
		return "", ErrEmptyContent
	}
	if len(sanitized) > v.maxLen {
		sanitized = sanitized[:v.maxLen]
	}
	return sanitized, nil
}
