package util

import "strings"

// DefaultString returns fallback if v is blank; otherwise v unchanged.
//
//	DefaultString("hello", "world")  → "hello"
//	DefaultString("  ",    "world")  → "world"
func DefaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// EmptyDash renders blank optional fields as "-" in tables.
func EmptyDash(s string) string {
	return DefaultString(s, "-")
}

// ShortID truncates a tunnel id for display.
func ShortID(id string) string {
	if len(id) <= ShortIDLen {
		return id
	}
	return id[:ShortIDLen]
}
