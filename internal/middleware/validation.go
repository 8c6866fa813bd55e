package middleware

import (
	"errors"
	"unicode/utf8"
)

// MaxQuestionLength bounds a chat question in bytes.
const MaxQuestionLength = 100000

// ValidateQuestion validates the text of a chat turn. Image turns may have
// no text.
func ValidateQuestion(content string, hasImages bool) error {
	if len(content) == 0 && !hasImages {
		return errors.New("question cannot be empty")
	}
	if len(content) > MaxQuestionLength {
		return errors.New("question exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("question must be valid UTF-8")
	}
	return nil
}

// ValidateID validates a conversation or project ID.
func ValidateID(id string) error {
	if id == "" {
		return errors.New("id cannot be empty")
	}
	if len(id) > 128 {
		return errors.New("id exceeds maximum length")
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return errors.New("invalid id format")
		}
	}
	return nil
}

// ValidateName validates a project name.
func ValidateName(name string) error {
	if len(name) == 0 {
		return errors.New("name cannot be empty")
	}
	if len(name) > 256 {
		return errors.New("name exceeds maximum length")
	}
	if !utf8.ValidString(name) {
		return errors.New("name must be valid UTF-8")
	}
	return nil
}

// ValidateInstructions validates project or conversation instructions.
func ValidateInstructions(s string) error {
	if len(s) > MaxQuestionLength {
		return errors.New("instructions exceed maximum length")
	}
	if !utf8.ValidString(s) {
		return errors.New("instructions must be valid UTF-8")
	}
	return nil
}
