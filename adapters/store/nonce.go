package store

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// DefaultNonceTTL is how long an issued nonce stays acceptable
const DefaultNonceTTL = 5 * time.Minute

const nonceBytes = 16

func generateNonce() (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
