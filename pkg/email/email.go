// Package email validates recipient addresses for report delivery.
package email

import (
	"fmt"
	"net/mail"
	"strings"
)

// Validate checks that addr is a single RFC 5322 address without a display
// name, e.g. "ops@example.com".
func Validate(addr string) error {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return fmt.Errorf("empty address")
	}
	parsed, err := mail.ParseAddress(trimmed)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", trimmed, err)
	}
	if parsed.Address != trimmed {
		return fmt.Errorf("invalid address %q: display names are not accepted", trimmed)
	}
	at := strings.LastIndexByte(parsed.Address, '@')
	if at <= 0 || !strings.Contains(parsed.Address[at+1:], ".") {
		return fmt.Errorf("invalid address %q: domain must be qualified", trimmed)
	}
	return nil
}

// ValidateAll requires at least one address and every address to be valid.
// It returns the first failure.
func ValidateAll(addrs []string) error {
	if len(addrs) == 0 {
		return fmt.Errorf("at least one recipient is required")
	}
	for _, a := range addrs {
		if err := Validate(a); err != nil {
			return err
		}
	}
	return nil
}
