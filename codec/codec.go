// Package codec converts user text into the payload written to the tag's message
// characteristic: the UTF-8 bytes of the text in the standard base64 alphabet.
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxMessageChars is the longest accepted message, counted in characters after trimming.
const MaxMessageChars = 128

var (
	// ErrValidation is wrapped by every input rejection.
	ErrValidation = errors.New("codec: invalid message")
	// ErrEmpty indicates the message is empty after trimming whitespace.
	ErrEmpty = fmt.Errorf("%w: message is empty", ErrValidation)
	// ErrTooLong indicates the trimmed message exceeds MaxMessageChars.
	ErrTooLong = fmt.Errorf("%w: message exceeds %d characters", ErrValidation, MaxMessageChars)
	// ErrMalformedPayload indicates a payload that is not base64-encoded UTF-8.
	ErrMalformedPayload = errors.New("codec: malformed payload")
)

// OutgoingMessage is a validated message and its transport-ready encoding.
type OutgoingMessage struct {
	Text    string
	Payload []byte
}

// Validate trims text and checks it against the length limits.
//
// Length is measured in characters, so a non-ASCII message may encode to more
// bytes than the peer stores. That is reported by EncodedLen, not enforced here.
func Validate(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", ErrEmpty
	}
	if n := utf8.RuneCountInString(trimmed); n > MaxMessageChars {
		return "", fmt.Errorf("%w (got %d)", ErrTooLong, n)
	}
	return trimmed, nil
}

// Encode returns the base64 representation of the UTF-8 bytes of text.
func Encode(text string) []byte {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(text)))
	base64.StdEncoding.Encode(out, []byte(text))
	return out
}

// Decode reverses Encode.
func Decode(payload []byte) (string, error) {
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(payload)))
	n, err := base64.StdEncoding.Decode(raw, payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	raw = raw[:n]
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("%w: not valid UTF-8", ErrMalformedPayload)
	}
	return string(raw), nil
}

// NewOutgoing validates text and encodes the trimmed result.
func NewOutgoing(text string) (OutgoingMessage, error) {
	trimmed, err := Validate(text)
	if err != nil {
		return OutgoingMessage{}, err
	}
	return OutgoingMessage{
		Text:    trimmed,
		Payload: Encode(trimmed),
	}, nil
}

// Truncate cuts text to MaxMessageChars characters. It is meant for compose-time
// input limits; sending never truncates.
func Truncate(text string) string {
	if utf8.RuneCountInString(text) <= MaxMessageChars {
		return text
	}
	count := 0
	for i := range text {
		if count == MaxMessageChars {
			return text[:i]
		}
		count++
	}
	return text
}

// EncodedLen returns the number of payload bytes text encodes to.
func EncodedLen(text string) int {
	return base64.StdEncoding.EncodedLen(len(text))
}
