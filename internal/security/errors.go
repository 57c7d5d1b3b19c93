package security

import (
	"errors"
	"os"
	"regexp"
	"strings"
)

// ClassifiedError separates a user-safe message from verbose debug details.
type ClassifiedError struct {
	UserSafe    string
	DebugDetail string
	Cause       error
}

func (e *ClassifiedError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.UserSafe) == "" {
		return "operation failed"
	}
	return e.UserSafe
}

func (e *ClassifiedError) Unwrap() error { return e.Cause }

// Classify hides cause behind userSafe while keeping it for logs and errors.Is.
func Classify(userSafe string, cause error) error {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	return &ClassifiedError{UserSafe: userSafe, DebugDetail: detail, Cause: cause}
}

// NewClassifiedError creates a new error with separated user-safe and debug details.
func NewClassifiedError(userSafe, debugDetail string) error {
	return &ClassifiedError{UserSafe: userSafe, DebugDetail: debugDetail}
}

// UserMessage returns a message safe to show in CLI/TUI contexts.
func UserMessage(err error, redact bool) string {
	if err == nil {
		return ""
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		msg := ce.UserSafe
		if msg == "" {
			msg = "operation failed"
		}
		if redact {
			return RedactMessage(msg)
		}
		return msg
	}
	if redact {
		return RedactMessage(err.Error())
	}
	return err.Error()
}

// DebugMessage returns detailed error text for logs.
func DebugMessage(err error) string {
	if err == nil {
		return ""
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		if strings.TrimSpace(ce.DebugDetail) != "" {
			return ce.DebugDetail
		}
	}
	return err.Error()
}

var apiKeyPattern = regexp.MustCompile(`tk_[A-Za-z0-9_\-]+`)

// RedactMessage masks API keys and the home directory in user-visible text.
func RedactMessage(msg string) string {
	if msg == "" {
		return msg
	}
	out := apiKeyPattern.ReplaceAllString(msg, "tk_[redacted]")
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		out = strings.ReplaceAll(out, home, "~")
	}
	return out
}

// MaskKey keeps the prefix and last four characters of an API key.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "tk_****"
	}
	return key[:3] + strings.Repeat("*", 8) + key[len(key)-4:]
}
