package utils

import (
	"crypto/rand"
)

// GenerateKey returns n random bytes, used for ephemeral verification keys.
func GenerateKey(n int) ([]byte, error) {
	key := make([]byte, n)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}
