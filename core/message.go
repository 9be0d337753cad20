package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const messageHeaderSuffix = " wants you to sign in with your wallet."

// SignInMessage is the canonical text a wallet signs to authenticate.
// It binds the nonce to the application, the chain and the time of issue.
type SignInMessage struct {
	AppName  string
	Address  string
	Nonce    string
	ChainID  uint64
	IssuedAt time.Time
}

// String renders the message in its canonical multi-line form
func (m SignInMessage) String() string {
	var b strings.Builder
	b.WriteString(m.AppName)
	b.WriteString(messageHeaderSuffix)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Address: %s\n", strings.ToLower(m.Address))
	fmt.Fprintf(&b, "Nonce: %s\n", m.Nonce)
	fmt.Fprintf(&b, "Chain ID: %d\n", m.ChainID)
	fmt.Fprintf(&b, "Issued At: %s", m.IssuedAt.UTC().Format(time.RFC3339))
	return b.String()
}

// BuildSignInMessage returns the canonical message for a freshly issued nonce
func BuildSignInMessage(appName string, chainID uint64, nonce Nonce) SignInMessage {
	return SignInMessage{
		AppName:  appName,
		Address:  nonce.Address,
		Nonce:    nonce.Value,
		ChainID:  chainID,
		IssuedAt: nonce.IssuedAt.UTC().Truncate(time.Second),
	}
}

// ParseSignInMessage parses a message produced by SignInMessage.String
func ParseSignInMessage(text string) (SignInMessage, error) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	if len(lines) != 6 || lines[1] != "" {
		return SignInMessage{}, ErrMessageMalformed
	}

	header := lines[0]
	if !strings.HasSuffix(header, messageHeaderSuffix) {
		return SignInMessage{}, ErrMessageMalformed
	}
	msg := SignInMessage{AppName: strings.TrimSuffix(header, messageHeaderSuffix)}
	if msg.AppName == "" {
		return SignInMessage{}, ErrMessageMalformed
	}

	fields := make(map[string]string, 4)
	for _, line := range lines[2:] {
		key, value, ok := strings.Cut(line, ": ")
		if !ok || value == "" {
			return SignInMessage{}, ErrMessageMalformed
		}
		if _, dup := fields[key]; dup {
			return SignInMessage{}, ErrMessageMalformed
		}
		fields[key] = value
	}

	var ok bool
	if msg.Address, ok = fields["Address"]; !ok {
		return SignInMessage{}, ErrMessageMalformed
	}
	if msg.Nonce, ok = fields["Nonce"]; !ok {
		return SignInMessage{}, ErrMessageMalformed
	}
	chainID, err := strconv.ParseUint(fields["Chain ID"], 10, 64)
	if err != nil {
		return SignInMessage{}, ErrMessageMalformed
	}
	msg.ChainID = chainID
	issuedAt, err := time.Parse(time.RFC3339, fields["Issued At"])
	if err != nil {
		return SignInMessage{}, ErrMessageMalformed
	}
	msg.IssuedAt = issuedAt.UTC()

	return msg, nil
}
