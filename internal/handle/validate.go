// Package handle validates display names before they are sent to the
// contract. The contract enforces its own rules; its rejection is
// authoritative, this is the cheap first line.
package handle

import (
	"regexp"
	"strings"

	"github.com/amigochat/amigo/internal/chat"
)

const (
	MinLength = 3
	MaxLength = 20
)

var handleRegexp = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

var reserved = map[string]struct{}{
	"admin":     {},
	"moderator": {},
	"boomer":    {},
	"chat":      {},
	"system":    {},
	"null":      {},
	"undefined": {},
}

// Validate checks a handle against length, charset and the reserved set.
func Validate(name string) error {
	if len(name) < MinLength {
		return chat.NewValidationError("handle must be at least %d characters", MinLength)
	}
	if len(name) > MaxLength {
		return chat.NewValidationError("handle must be at most %d characters", MaxLength)
	}
	if !handleRegexp.MatchString(name) {
		return chat.NewValidationError("handle must start with a lowercase letter and contain only lowercase letters, digits and underscores")
	}
	if _, ok := reserved[strings.ToLower(name)]; ok {
		return chat.NewValidationError("handle %q is reserved", name)
	}
	return nil
}
