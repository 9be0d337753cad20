package core

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettlementRequestValidate(t *testing.T) {
	limit := decimal.RequireFromString("50")
	valid := SettlementRequest{
		TaskID:        "12",
		SubmissionID:  "sub",
		PayoutAddress: "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		Amount:        decimal.RequireFromString("50"),
	}

	payout, err := valid.Validate(limit)
	require.NoError(t, err)
	assert.Equal(t, "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", payout)

	cases := []struct {
		name   string
		mutate func(*SettlementRequest)
		want   error
	}{
		{"missing task", func(r *SettlementRequest) { r.TaskID = " " }, ErrInvalidRequest},
		{"missing submission", func(r *SettlementRequest) { r.SubmissionID = "" }, ErrInvalidRequest},
		{"non decimal task", func(r *SettlementRequest) { r.TaskID = "0x0c" }, ErrInvalidTaskID},
		{"negative task", func(r *SettlementRequest) { r.TaskID = "-1" }, ErrInvalidTaskID},
		{"huge task", func(r *SettlementRequest) { r.TaskID = strings.Repeat("9", 79) }, ErrInvalidTaskID},
		{"not connected", func(r *SettlementRequest) { r.PayoutAddress = "not connected" }, ErrInvalidAddress},
		{"malformed address", func(r *SettlementRequest) { r.PayoutAddress = "0x1234" }, ErrInvalidAddress},
		{"no prefix", func(r *SettlementRequest) { r.PayoutAddress = "5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed" }, ErrInvalidAddress},
		{"zero address", func(r *SettlementRequest) { r.PayoutAddress = "0x0000000000000000000000000000000000000000" }, ErrInvalidAddress},
		{"zero amount", func(r *SettlementRequest) { r.Amount = decimal.Zero }, ErrInvalidAmount},
		{"over cap", func(r *SettlementRequest) { r.Amount = decimal.RequireFromString("50.000001") }, ErrInvalidAmount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := valid
			tc.mutate(&req)
			_, err := req.Validate(limit)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	uncapped := valid
	uncapped.Amount = decimal.RequireFromString("1000000")
	_, err = uncapped.Validate(decimal.Zero)
	assert.NoError(t, err)
}

func TestTerminalStatuses(t *testing.T) {
	assert.False(t, SettlementPending.Terminal())
	assert.False(t, SettlementSubmitted.Terminal())
	assert.True(t, SettlementConfirmed.Terminal())
	assert.True(t, SettlementFailed.Terminal())
	assert.True(t, SettlementAlreadySettled.Terminal())
}

func TestIsNonceRejection(t *testing.T) {
	for _, err := range []error{ErrNonceNotFound, ErrNonceExpired, ErrNonceConsumed, ErrNonceMismatch, ErrMessageStale} {
		assert.True(t, IsNonceRejection(err), err.Error())
	}
	assert.False(t, IsNonceRejection(ErrInvalidSignature))
}
