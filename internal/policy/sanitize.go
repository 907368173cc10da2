package policy

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ent0n29/faqflow/internal/faq"
)

const (
	MaxQueryLength  = 500
	MaxUserIDLength = 255
)

var (
	controlCharPattern = regexp.MustCompile(`[\x00-\x1f\x7f-\x9f]`)
	htmlTagPattern     = regexp.MustCompile(`<[^>]*>`)
	whitespacePattern  = regexp.MustCompile(`\s+`)
	injectionPatterns  = []*regexp.Regexp{
		regexp.MustCompile(`(?i)union\s+select`),
		regexp.MustCompile(`(?i)drop\s+table`),
		regexp.MustCompile(`(?i)delete\s+from`),
		regexp.MustCompile(`(?i)insert\s+into`),
		regexp.MustCompile(`(?i)update\s+set`),
		regexp.MustCompile(`(?i)exec\s*\(`),
		regexp.MustCompile(`(?i)xp_cmdshell`),
		regexp.MustCompile(`(?i)sp_executesql`),
	}
	sessionIDPattern = regexp.MustCompile(`(?i)^[0-9a-f]{8}-[0-9a-f]{4}-[1-5][0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
)

// SanitizeInput strips control characters, markup and statement fragments
// that have no business in a natural-language question.
func SanitizeInput(input string) string {
	if input == "" {
		return ""
	}
	out := controlCharPattern.ReplaceAllString(input, " ")
	out = htmlTagPattern.ReplaceAllString(out, "")
	for _, re := range injectionPatterns {
		out = re.ReplaceAllString(out, "")
	}
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(out, " "))
}

// ValidateQuery sanitizes a raw query and enforces its length bounds.
func ValidateQuery(raw string) (string, error) {
	clean := SanitizeInput(raw)
	n := utf8.RuneCountInString(clean)
	if n == 0 {
		return "", fmt.Errorf("%w: query must not be empty", faq.ErrValidation)
	}
	if n > MaxQueryLength {
		return "", fmt.Errorf("%w: query must be at most %d characters", faq.ErrValidation, MaxQueryLength)
	}
	return clean, nil
}

// ValidateSessionID accepts RFC 4122 UUIDs only.
func ValidateSessionID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("%w: malformed session_id %q", faq.ErrValidation, id)
	}
	return nil
}

// ValidateUserID sanitizes an optional user id. Empty input stays empty.
func ValidateUserID(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	clean := SanitizeInput(raw)
	if clean == "" || utf8.RuneCountInString(clean) > MaxUserIDLength {
		return "", fmt.Errorf("%w: invalid user_id", faq.ErrValidation)
	}
	return clean, nil
}
