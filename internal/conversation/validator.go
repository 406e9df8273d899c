package conversation

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxContentChars is the longest message a user may send.
const MaxContentChars = 1000

var (
	ErrEmptyMessage   = errors.New("conversation: message is empty")
	ErrMessageTooLong = fmt.Errorf("conversation: message exceeds %d characters", MaxContentChars)
)

// ValidateContent checks that a chat message meets content requirements.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("conversation: message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(content) > MaxContentChars {
		return ErrMessageTooLong
	}
	return nil
}
