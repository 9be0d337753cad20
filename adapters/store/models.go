package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/layer-3/rewardgate/core"
)

// Account stores the application subject bound to a wallet address.
type Account struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Address     string    `gorm:"size:42;uniqueIndex"`
	CreatedAt   time.Time
	LastLoginAt time.Time
}

// Settlement persists one attempt to release escrow for a submission.
type Settlement struct {
	ID            uuid.UUID             `gorm:"type:uuid;primaryKey"`
	TaskID        string                `gorm:"size:128;uniqueIndex:idx_settlement_attempt,priority:1"`
	SubmissionID  string                `gorm:"size:128;uniqueIndex:idx_settlement_attempt,priority:2"`
	Attempt       int                   `gorm:"not null;uniqueIndex:idx_settlement_attempt,priority:3"`
	PayoutAddress string                `gorm:"size:42;not null"`
	Amount        decimal.Decimal       `gorm:"type:numeric(38,6);not null"`
	Status        core.SettlementStatus `gorm:"size:32;index"`
	TransactionID *string               `gorm:"size:66;index"`
	ReceiptID     *string               `gorm:"size:66"`
	Confirmations uint64
	LastError     string `gorm:"size:512"`
	LastCheckedAt *time.Time
	SubmittedAt   *time.Time
	SignedTx      []byte
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SubmissionPayout is the paid flag of a submission, written with the confirming settlement.
type SubmissionPayout struct {
	TaskID        string    `gorm:"size:128;primaryKey"`
	SubmissionID  string    `gorm:"size:128;primaryKey"`
	Paid          bool      `gorm:"not null"`
	SettlementID  uuid.UUID `gorm:"type:uuid"`
	TransactionID string    `gorm:"size:66"`
	PaidAt        time.Time
}

// AutoMigrate applies the schema migrations.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Account{},
		&Settlement{},
		&SubmissionPayout{},
	)
}

func (s Settlement) toRecord() core.SettlementRecord {
	return core.SettlementRecord{
		ID:            s.ID.String(),
		TaskID:        s.TaskID,
		SubmissionID:  s.SubmissionID,
		Attempt:       s.Attempt,
		PayoutAddress: s.PayoutAddress,
		Amount:        s.Amount,
		Status:        s.Status,
		TransactionID: s.TransactionID,
		ReceiptID:     s.ReceiptID,
		Confirmations: s.Confirmations,
		LastError:     s.LastError,
		LastCheckedAt: s.LastCheckedAt,
		SubmittedAt:   s.SubmittedAt,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,

		SignedTransaction: s.SignedTx,
	}
}

func (a Account) toSubject() core.Subject {
	return core.Subject{
		ID:          a.ID.String(),
		Address:     a.Address,
		CreatedAt:   a.CreatedAt,
		LastLoginAt: a.LastLoginAt,
	}
}
