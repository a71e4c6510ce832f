package hash

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	bcryptCost   = 12
	minKeyLength = 16
)

var ErrKeyMismatch = errors.New("key does not match")

// HashKey produces the bcrypt hash stored in ADMIN_KEY_HASH.
func HashKey(key string) (string, error) {
	if len(key) < minKeyLength {
		return "", fmt.Errorf("admin key must be at least %d characters", minKeyLength)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(key), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash key: %w", err)
	}
	return string(hashed), nil
}

func CompareKey(hashedKey, key string) error {
	if hashedKey == "" || key == "" {
		return ErrKeyMismatch
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hashedKey), []byte(key)); err != nil {
		return ErrKeyMismatch
	}
	return nil
}
