package util

import (
	"fmt"
	"regexp"
	"strings"
)

// MinSubdomainLen applies to accounts without the admin role.
const MinSubdomainLen = 5

var subdomainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// ValidateSubdomain checks a requested custom subdomain. An empty value is
// valid and means the server picks a random one.
func ValidateSubdomain(sub string, admin bool) error {
	sub = strings.TrimSpace(sub)
	if sub == "" {
		return nil
	}
	if !admin && len(sub) < MinSubdomainLen {
		return fmt.Errorf("subdomain must be at least %d characters", MinSubdomainLen)
	}
	if !subdomainPattern.MatchString(sub) {
		return fmt.Errorf("subdomain %q must use lowercase letters, digits and inner hyphens", sub)
	}
	return nil
}
