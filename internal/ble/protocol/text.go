// Package protocol implements the value encoding for the Magic 8-Ball
// question and answer characteristics: plain UTF-8 text, no framing.
package protocol

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// MaxValueBytes is the largest attribute value a GATT characteristic may hold.
const MaxValueBytes = 512

var (
	ErrEmpty       = errors.New("protocol: empty value")
	ErrInvalidUTF8 = errors.New("protocol: value is not valid UTF-8")
	ErrTooLong     = errors.New("protocol: value exceeds maximum attribute length")
	ErrNotQuestion = errors.New("protocol: question must end with a question mark")
	ErrReserved    = errors.New("protocol: answer may not start with a NUL byte")
)

// IsQuestion reports whether text is phrased as a question (ends with '?').
func IsQuestion(text string) bool {
	return strings.HasSuffix(text, "?")
}

// EncodeQuestion converts a question into a characteristic value. Only
// encoding is checked here; the trailing '?' rule is enforced by the
// receiving Peripheral.
func EncodeQuestion(text string) ([]byte, error) {
	if text == "" {
		return nil, ErrEmpty
	}
	if !utf8.ValidString(text) {
		return nil, ErrInvalidUTF8
	}
	if len(text) > MaxValueBytes {
		return nil, ErrTooLong
	}
	return []byte(text), nil
}

// DecodeQuestion parses an inbound question value and enforces the
// trailing '?' rule.
func DecodeQuestion(value []byte) (string, error) {
	text, err := DecodeText(value)
	if err != nil {
		return "", err
	}
	if !IsQuestion(text) {
		return "", ErrNotQuestion
	}
	return text, nil
}

// EncodeAnswer converts an answer into a characteristic value. Answers
// longer than MaxValueBytes are cut at the last whole rune that fits. A
// leading NUL is reserved for rejections.
func EncodeAnswer(text string) ([]byte, error) {
	if text == "" {
		return nil, ErrEmpty
	}
	if !utf8.ValidString(text) {
		return nil, ErrInvalidUTF8
	}
	if text[0] == RejectionMarker {
		return nil, ErrReserved
	}
	return []byte(Truncate(text, MaxValueBytes)), nil
}

// DecodeText parses a characteristic value as non-empty UTF-8 text.
func DecodeText(value []byte) (string, error) {
	if len(value) == 0 {
		return "", ErrEmpty
	}
	if !utf8.Valid(value) {
		return "", ErrInvalidUTF8
	}
	return string(value), nil
}

// Truncate returns the longest prefix of text that fits within maxBytes
// without splitting a UTF-8 character.
func Truncate(text string, maxBytes int) string {
	if len(text) <= maxBytes {
		return text
	}
	if maxBytes <= 0 {
		return ""
	}

	// Walk back until we're at the start of a rune.
	split := maxBytes
	for split > 0 && !utf8.RuneStart(text[split]) {
		split--
	}
	return text[:split]
}
