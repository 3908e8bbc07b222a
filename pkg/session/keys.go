package session

import (
	"errors"
	"fmt"
	"strings"
)

// KeyPrefix prefixes every session key on disk and in memory.
const KeyPrefix = "USER_"

var (
	ErrInvalidIdentity = errors.New("identity contains no digits")
	ErrInvalidKey      = errors.New("invalid session key")
)

// NormalizeIdentity strips everything except ASCII digits.
func NormalizeIdentity(identity string) string {
	var b strings.Builder
	b.Grow(len(identity))
	for _, r := range identity {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// KeyFromIdentity derives the session key for a phone-number-like identity.
func KeyFromIdentity(identity string) (string, error) {
	digits := NormalizeIdentity(identity)
	if digits == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentity, identity)
	}
	return KeyPrefix + digits, nil
}

// IdentityFromKey returns the digits encoded in a session key.
func IdentityFromKey(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return strings.TrimPrefix(key, KeyPrefix), nil
}

// ValidateKey checks that key has the USER_<digits> shape, which also keeps it path-safe.
func ValidateKey(key string) error {
	if !strings.HasPrefix(key, KeyPrefix) {
		return fmt.Errorf("%w: %q must start with %s", ErrInvalidKey, key, KeyPrefix)
	}
	digits := strings.TrimPrefix(key, KeyPrefix)
	if digits == "" {
		return fmt.Errorf("%w: %q has no identity", ErrInvalidKey, key)
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: %q contains non-digit characters", ErrInvalidKey, key)
		}
	}
	return nil
}
