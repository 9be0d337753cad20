package core

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Nonce is a single-use authentication challenge issued to a wallet address
type Nonce struct {
	Address   string    // Lowercased wallet address the nonce is bound to
	Value     string    // Random challenge value
	IssuedAt  time.Time // When the nonce was issued
	ExpiresAt time.Time // When the nonce stops being accepted
	Consumed  bool      // Set once a verification has used the nonce
}

// Expired reports whether the nonce is no longer acceptable at now
func (n Nonce) Expired(now time.Time) bool {
	return !now.Before(n.ExpiresAt)
}

// Session represents an authenticated wallet session
type Session struct {
	ID        string    // Unique session identifier
	SubjectID string    // Application-level identity of the wallet owner
	Address   string    // Lowercased wallet address
	IssuedAt  time.Time // When the session was created
	ExpiresAt time.Time // When the session credential expires
	Token     string    // Opaque credential handed to the client
}

// Subject is the application account bound to a wallet address
type Subject struct {
	ID          string
	Address     string
	CreatedAt   time.Time
	LastLoginAt time.Time
}

// AuthAttempt describes an in-flight authentication for one address
type AuthAttempt struct {
	Address   string
	StartedAt time.Time
}

// NormalizeAddress validates a hex wallet address and returns its lowercased form
func NormalizeAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return "", ErrInvalidAddress
	}
	if !strings.HasPrefix(address, "0x") && !strings.HasPrefix(address, "0X") {
		return "", ErrInvalidAddress
	}
	return strings.ToLower(common.HexToAddress(address).Hex()), nil
}
