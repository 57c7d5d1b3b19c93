package util

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	MinPort = 1
	MaxPort = 65535
)

// ValidatePort checks if port is in valid range (1-65535).
func ValidatePort(port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("port %d out of range (must be %d-%d)", port, MinPort, MaxPort)
	}
	return nil
}

// ParsePort parses user input into a validated port number.
func ParsePort(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("port is required")
	}
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q: must be a number", s)
	}
	if err := ValidatePort(p); err != nil {
		return 0, err
	}
	return p, nil
}

// ParseOptionalPort is ParsePort that maps blank input to nil.
// Tunnels without a local port are managed manually.
func ParseOptionalPort(s string) (*int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	p, err := ParsePort(s)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
