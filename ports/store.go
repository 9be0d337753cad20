package ports

import (
	"context"
	"time"

	"github.com/layer-3/rewardgate/core"
)

// NonceStore issues and tracks single-use authentication challenges
type NonceStore interface {
	// Issue creates a fresh nonce for address, replacing any unconsumed one
	Issue(ctx context.Context, address string) (core.Nonce, error)
	// Current returns the nonce on file for address
	Current(ctx context.Context, address string) (core.Nonce, error)
	// Consume atomically marks the nonce consumed if it is live and matches value
	Consume(ctx context.Context, address, value string) error
}

// SessionStore keeps the single active session per address
type SessionStore interface {
	SetActive(ctx context.Context, address, sessionID string, ttl time.Duration) error
	Active(ctx context.Context, address string) (string, error)
	// Revoke deletes the active entry if it still points at sessionID
	Revoke(ctx context.Context, address, sessionID string) error
}

// AccountStore resolves wallet addresses to application subjects
type AccountStore interface {
	FindOrCreate(ctx context.Context, address string, now time.Time) (core.Subject, error)
	Get(ctx context.Context, id string) (core.Subject, error)
}

// SettlementStore persists settlement attempts and the paid flag of submissions
type SettlementStore interface {
	// CreateAttempt opens the next attempt for a (task, submission) pair, or returns the live one
	CreateAttempt(ctx context.Context, req core.SettlementRequest, payout string, now time.Time) (core.SettlementRecord, bool, error)
	Get(ctx context.Context, id string) (core.SettlementRecord, error)
	GetByTransaction(ctx context.Context, txID string) (core.SettlementRecord, error)
	// MarkSubmitted moves a Pending record to Submitted with the signed release
	MarkSubmitted(ctx context.Context, id string, release core.SignedRelease, now time.Time) (core.SettlementRecord, error)
	// RecordSubmitError stores the failure reason on a Pending or Submitted record without changing its status
	RecordSubmitError(ctx context.Context, id, reason string, now time.Time) error
	// ApplyEvent performs the reconciliation transition for a chain event in one transaction
	ApplyEvent(ctx context.Context, evt core.ChainEvent) (core.SettlementRecord, Transition, error)
	// ListStale returns Submitted records not checked since before
	ListStale(ctx context.Context, before time.Time, limit int) ([]core.SettlementRecord, error)
	// Paid reports whether the submission has been marked paid
	Paid(ctx context.Context, taskID, submissionID string) (bool, error)
}

// Transition reports what ApplyEvent did to the record
type Transition struct {
	From    core.SettlementStatus
	To      core.SettlementStatus
	Changed bool
	// Conflict is set when the event disagrees with an already terminal record
	Conflict bool
	// Violation is set when another attempt of the pair was already Confirmed
	Violation bool
}
