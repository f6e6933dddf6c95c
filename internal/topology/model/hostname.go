package model

import (
	"fmt"
	"regexp"
	"sort"
)

var hostnamePattern = regexp.MustCompile(`^[a-z0-9]{1,25}$`)

// ValidateHostname enforces lowercase alphanumeric hostnames of at most 25 chars.
func ValidateHostname(h string) error {
	if !hostnamePattern.MatchString(h) {
		return fmt.Errorf("invalid hostname %q: want 1-25 lowercase alphanumerics", h)
	}
	return nil
}

func sortStrings(s []string) { sort.Strings(s) }
