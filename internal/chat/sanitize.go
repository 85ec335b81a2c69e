package chat

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MaxMessageRunes bounds accepted message length after sanitisation. The limit
// counts runes rather than bytes so multi-byte scripts are not penalised.
const MaxMessageRunes = 500

// scrubber normalises content to NFC and strips control and formatting runes
// that have no business in a chat line.
var scrubber = transform.Chain(
	norm.NFC,
	runes.Remove(runes.In(unicode.Cc)),
	runes.Remove(runes.In(unicode.Cf)),
)

// SanitizeContent trims, normalises, and validates raw message content. The
// returned string is the canonical form persisted and broadcast; any failure
// wraps ErrValidation.
func SanitizeContent(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", fmt.Errorf("%w: content is required", ErrValidation)
	}
	cleaned, _, err := transform.String(scrubber, trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: content is not valid text", ErrValidation)
	}
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return "", fmt.Errorf("%w: content is required", ErrValidation)
	}
	if utf8.RuneCountInString(cleaned) > MaxMessageRunes {
		return "", fmt.Errorf("%w: content exceeds %d characters", ErrValidation, MaxMessageRunes)
	}
	return cleaned, nil
}
