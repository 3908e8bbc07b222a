package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyFromIdentity(t *testing.T) {
	tests := []struct {
		name     string
		identity string
		want     string
		wantErr  bool
	}{
		{"plain digits", "94771234567", "USER_94771234567", false},
		{"formatted number", "+94 (77) 123-4567", "USER_94771234567", false},
		{"jid form", "94771234567@s.whatsapp.net", "USER_94771234567", false},
		{"no digits", "abc", "", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := KeyFromIdentity(tt.identity)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidIdentity)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKeyFromIdentity_Idempotent(t *testing.T) {
	first, err := KeyFromIdentity("+94-77-123-4567")
	require.NoError(t, err)

	identity, err := IdentityFromKey(first)
	require.NoError(t, err)

	second, err := KeyFromIdentity(identity)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name      string
		key       string
		shouldErr bool
	}{
		{"valid key", "USER_123", false},
		{"empty key", "", true},
		{"missing prefix", "123", true},
		{"prefix only", "USER_", true},
		{"path traversal", "USER_../etc", true},
		{"separator", "USER_1/2", true},
		{"null byte", "USER_1\x00", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if tt.shouldErr {
				assert.ErrorIs(t, err, ErrInvalidKey)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
