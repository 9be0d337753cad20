package core

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignInMessageRoundTrip(t *testing.T) {
	issued := time.Date(2026, 3, 1, 12, 30, 45, 123, time.UTC)
	msg := BuildSignInMessage("Rewardgate", 84532, Nonce{
		Address:  "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed",
		Value:    "00ff",
		IssuedAt: issued,
	})

	text := msg.String()
	assert.True(t, strings.HasPrefix(text, "Rewardgate wants you to sign in with your wallet.\n\n"))
	assert.Contains(t, text, "Issued At: 2026-03-01T12:30:45Z")

	parsed, err := ParseSignInMessage(text)
	require.NoError(t, err)
	assert.Equal(t, msg, parsed)

	parsed, err = ParseSignInMessage(strings.ReplaceAll(text, "\n", "\r\n"))
	require.NoError(t, err)
	assert.Equal(t, msg.Nonce, parsed.Nonce)
}

func TestParseSignInMessageRejectsMalformed(t *testing.T) {
	valid := BuildSignInMessage("Rewardgate", 1, Nonce{Address: "0xabc", Value: "n", IssuedAt: time.Now()}).String()
	lines := strings.Split(valid, "\n")

	cases := map[string]string{
		"empty":         "",
		"plain text":    "hello",
		"no header":     strings.Join(append([]string{"Sign in"}, lines[1:]...), "\n"),
		"empty app":     strings.Replace(valid, "Rewardgate", "", 1),
		"missing blank": strings.Join(append([]string{lines[0], "x"}, lines[2:]...), "\n"),
		"bad chain":     strings.Replace(valid, "Chain ID: 1", "Chain ID: one", 1),
		"bad time":      strings.Replace(valid, lines[5], "Issued At: yesterday", 1),
		"dup key":       strings.Replace(valid, lines[4], lines[3], 1),
		"extra line":    valid + "\nResources: none",
		"no separator":  strings.Replace(valid, "Nonce: n", "Nonce n", 1),
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSignInMessage(text)
			assert.ErrorIs(t, err, ErrMessageMalformed)
		})
	}
}
