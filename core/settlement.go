package core

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SettlementStatus is the lifecycle state of a settlement attempt
type SettlementStatus string

const (
	SettlementPending        SettlementStatus = "Pending"
	SettlementSubmitted      SettlementStatus = "Submitted"
	SettlementConfirmed      SettlementStatus = "Confirmed"
	SettlementFailed         SettlementStatus = "Failed"
	SettlementAlreadySettled SettlementStatus = "AlreadySettled"
)

// Terminal reports whether no further transition is permitted from s
func (s SettlementStatus) Terminal() bool {
	switch s {
	case SettlementConfirmed, SettlementFailed, SettlementAlreadySettled:
		return true
	}
	return false
}

// NotConnectedAddress is the placeholder the review UI shows for contributors without a wallet
const NotConnectedAddress = "Not connected"

// SettlementRecord tracks one attempt to release escrowed funds for a submission
type SettlementRecord struct {
	ID            string           `json:"id"`
	TaskID        string           `json:"taskId"`
	SubmissionID  string           `json:"submissionId"`
	Attempt       int              `json:"attempt"`
	PayoutAddress string           `json:"payoutAddress"`
	Amount        decimal.Decimal  `json:"amount"`
	Status        SettlementStatus `json:"status"`
	TransactionID *string          `json:"transactionId"`
	ReceiptID     *string          `json:"receiptId,omitempty"`
	Confirmations uint64           `json:"confirmations"`
	LastError     string           `json:"lastError,omitempty"`
	LastCheckedAt *time.Time       `json:"lastCheckedAt,omitempty"`
	SubmittedAt   *time.Time       `json:"submittedAt,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`

	// SignedTransaction is the raw release recorded before broadcast, kept for rebroadcast
	SignedTransaction []byte `json:"-"`
}

// TxID returns the transaction identifier or an empty string
func (r SettlementRecord) TxID() string {
	if r.TransactionID == nil {
		return ""
	}
	return *r.TransactionID
}

// SignedRelease is a payout transaction that has been signed but not necessarily broadcast.
// Its TxID is final, so it can be recorded before the chain ever sees it.
type SignedRelease struct {
	TxID string
	Raw  []byte
}

// SettlementRequest is the approval decision that triggers a payout
type SettlementRequest struct {
	TaskID        string
	SubmissionID  string
	PayoutAddress string
	Amount        decimal.Decimal
}

// Validate checks the request against the per-task maximum and returns the normalised payout address
func (r SettlementRequest) Validate(maxAmount decimal.Decimal) (string, error) {
	if strings.TrimSpace(r.TaskID) == "" || strings.TrimSpace(r.SubmissionID) == "" {
		return "", ErrInvalidRequest
	}
	if !isDecimal(r.TaskID) {
		return "", ErrInvalidTaskID
	}
	payout := strings.TrimSpace(r.PayoutAddress)
	if payout == "" || strings.EqualFold(payout, NotConnectedAddress) {
		return "", ErrInvalidAddress
	}
	normalized, err := NormalizeAddress(payout)
	if err != nil {
		return "", err
	}
	if normalized == "0x0000000000000000000000000000000000000000" {
		return "", ErrInvalidAddress
	}
	if !r.Amount.IsPositive() {
		return "", ErrInvalidAmount
	}
	if maxAmount.IsPositive() && r.Amount.GreaterThan(maxAmount) {
		return "", ErrInvalidAmount
	}
	return normalized, nil
}

// isDecimal reports whether s is a non-negative base 10 integer, as on-chain task ids are
func isDecimal(s string) bool {
	if s == "" || len(s) > 78 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// TxState describes what the chain knows about a transaction
type TxState int

const (
	// TxUnknown means the node has neither a receipt nor a pending transaction
	TxUnknown TxState = iota
	// TxPending means the transaction is known but not yet mined
	TxPending
	// TxMined means a receipt exists
	TxMined
)

// ChainStatus is a single observation of a transaction on chain
type ChainStatus struct {
	State         TxState
	Success       bool   // Receipt status, meaningful only when mined
	BlockNumber   uint64 // Including block, meaningful only when mined
	BlockHash     string // Including block hash, used as the receipt identifier
	Confirmations uint64 // Head minus including block plus one
}

// OutcomeStatus is the result of watching a transaction
type OutcomeStatus string

const (
	OutcomeConfirmed OutcomeStatus = "confirmed"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeTimedOut  OutcomeStatus = "timed_out"
	// OutcomeProgress is a non-terminal observation carrying the latest confirmation count
	OutcomeProgress OutcomeStatus = "progress"
)

// ChainEvent is delivered to the reconciler, possibly more than once and out of order
type ChainEvent struct {
	TransactionID string
	Outcome       OutcomeStatus
	Confirmations uint64
	ReceiptID     string
	Reason        string
	ObservedAt    time.Time
}
