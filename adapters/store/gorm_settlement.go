package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/layer-3/rewardgate/core"
	"github.com/layer-3/rewardgate/ports"
)

// GormSettlementStore is a gorm implementation of the SettlementStore interface.
// Every state change runs inside a transaction holding a row lock on the record.
type GormSettlementStore struct {
	db *gorm.DB
}

// NewGormSettlementStore creates a new settlement store
func NewGormSettlementStore(db *gorm.DB) *GormSettlementStore {
	return &GormSettlementStore{db: db}
}

var _ ports.SettlementStore = (*GormSettlementStore)(nil)

// CreateAttempt opens the next attempt for the pair. A pair that already has a confirmed
// attempt gets an AlreadySettled record carrying the confirmed transaction id, and a live
// Pending or Submitted attempt is returned unchanged.
func (s *GormSettlementStore) CreateAttempt(ctx context.Context, req core.SettlementRequest, payout string, now time.Time) (core.SettlementRecord, bool, error) {
	now = now.UTC()
	var (
		result  Settlement
		created bool
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest Settlement
		found := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("task_id = ? AND submission_id = ?", req.TaskID, req.SubmissionID).
			Order("attempt desc").
			Limit(1).
			Find(&latest)
		if found.Error != nil {
			return found.Error
		}
		hasLatest := found.RowsAffected > 0

		if hasLatest && (latest.Status == core.SettlementPending || latest.Status == core.SettlementSubmitted) {
			result = latest
			return nil
		}

		next := Settlement{
			ID:            uuid.New(),
			TaskID:        req.TaskID,
			SubmissionID:  req.SubmissionID,
			Attempt:       1,
			PayoutAddress: payout,
			Amount:        req.Amount,
			Status:        core.SettlementPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if hasLatest {
			next.Attempt = latest.Attempt + 1

			confirmed, err := findConfirmed(tx, req.TaskID, req.SubmissionID, uuid.Nil)
			if err != nil {
				return err
			}
			if confirmed != nil {
				if latest.Status == core.SettlementAlreadySettled && latest.SubmittedAt == nil {
					result = latest
					return nil
				}
				next.Status = core.SettlementAlreadySettled
				next.TransactionID = confirmed.TransactionID
				next.ReceiptID = confirmed.ReceiptID
				next.Confirmations = confirmed.Confirmations
			}
		}

		if err := tx.Create(&next).Error; err != nil {
			return err
		}
		result = next
		created = true
		return nil
	})
	if err != nil {
		return core.SettlementRecord{}, false, fmt.Errorf("failed to create settlement attempt: %w", err)
	}

	return result.toRecord(), created, nil
}

// Get returns the settlement with id
func (s *GormSettlementStore) Get(ctx context.Context, id string) (core.SettlementRecord, error) {
	settlementID, err := uuid.Parse(id)
	if err != nil {
		return core.SettlementRecord{}, core.ErrSettlementNotFound
	}

	var settlement Settlement
	if err := s.db.WithContext(ctx).First(&settlement, "id = ?", settlementID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return core.SettlementRecord{}, core.ErrSettlementNotFound
		}
		return core.SettlementRecord{}, fmt.Errorf("failed to load settlement: %w", err)
	}
	return settlement.toRecord(), nil
}

// GetByTransaction returns the attempt that submitted txID
func (s *GormSettlementStore) GetByTransaction(ctx context.Context, txID string) (core.SettlementRecord, error) {
	var settlement Settlement
	if err := bySubmittedTx(s.db.WithContext(ctx), txID).First(&settlement).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return core.SettlementRecord{}, core.ErrSettlementNotFound
		}
		return core.SettlementRecord{}, fmt.Errorf("failed to load settlement: %w", err)
	}
	return settlement.toRecord(), nil
}

// MarkSubmitted moves a Pending record to Submitted. Records past Pending are returned unchanged.
func (s *GormSettlementStore) MarkSubmitted(ctx context.Context, id string, release core.SignedRelease, now time.Time) (core.SettlementRecord, error) {
	settlementID, err := uuid.Parse(id)
	if err != nil {
		return core.SettlementRecord{}, core.ErrSettlementNotFound
	}
	now = now.UTC()

	var settlement Settlement
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&settlement, "id = ?", settlementID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return core.ErrSettlementNotFound
			}
			return err
		}
		if settlement.Status != core.SettlementPending {
			return nil
		}

		txID := release.TxID
		settlement.Status = core.SettlementSubmitted
		settlement.TransactionID = &txID
		settlement.SignedTx = release.Raw
		settlement.SubmittedAt = &now
		settlement.LastCheckedAt = &now
		settlement.LastError = ""
		settlement.UpdatedAt = now
		return tx.Save(&settlement).Error
	})
	if err != nil {
		if errors.Is(err, core.ErrSettlementNotFound) {
			return core.SettlementRecord{}, err
		}
		return core.SettlementRecord{}, fmt.Errorf("failed to mark settlement submitted: %w", err)
	}
	return settlement.toRecord(), nil
}

// RecordSubmitError stores a release or broadcast failure on a live record
func (s *GormSettlementStore) RecordSubmitError(ctx context.Context, id, reason string, now time.Time) error {
	settlementID, err := uuid.Parse(id)
	if err != nil {
		return core.ErrSettlementNotFound
	}

	if err := s.db.WithContext(ctx).Model(&Settlement{}).
		Where("id = ? AND status IN ?", settlementID, []core.SettlementStatus{core.SettlementPending, core.SettlementSubmitted}).
		Updates(map[string]interface{}{"last_error": truncate(reason, 512), "updated_at": now.UTC()}).Error; err != nil {
		return fmt.Errorf("failed to record submit error: %w", err)
	}
	return nil
}

// ApplyEvent applies a chain observation to the attempt that submitted the transaction.
// The status change and the paid flag commit together or not at all.
func (s *GormSettlementStore) ApplyEvent(ctx context.Context, evt core.ChainEvent) (core.SettlementRecord, ports.Transition, error) {
	observed := evt.ObservedAt.UTC()
	if evt.ObservedAt.IsZero() {
		observed = time.Now().UTC()
	}

	var (
		settlement Settlement
		transition ports.Transition
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := bySubmittedTx(tx.Clauses(clause.Locking{Strength: "UPDATE"}), evt.TransactionID).First(&settlement).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return core.ErrSettlementNotFound
			}
			return err
		}

		transition.From = settlement.Status
		transition.To = settlement.Status

		switch evt.Outcome {
		case core.OutcomeProgress, core.OutcomeTimedOut:
			if settlement.Status.Terminal() {
				return nil
			}
			if evt.Confirmations > settlement.Confirmations {
				settlement.Confirmations = evt.Confirmations
			}
			settlement.LastCheckedAt = &observed
			settlement.UpdatedAt = observed
			return tx.Save(&settlement).Error

		case core.OutcomeConfirmed:
			if settlement.Status == core.SettlementConfirmed {
				return nil
			}
			if settlement.Status.Terminal() {
				transition.Conflict = true
				return nil
			}

			confirmed, err := findConfirmed(tx, settlement.TaskID, settlement.SubmissionID, settlement.ID)
			if err != nil {
				return err
			}
			setReceipt(&settlement, evt, observed)
			if confirmed != nil {
				transition.Violation = true
				settlement.Status = core.SettlementAlreadySettled
				settlement.LastError = fmt.Sprintf("pair already settled by %s", confirmed.ID)
				transition.To = settlement.Status
				transition.Changed = true
				return tx.Save(&settlement).Error
			}

			settlement.Status = core.SettlementConfirmed
			settlement.LastError = ""
			transition.To = settlement.Status
			transition.Changed = true
			if err := tx.Save(&settlement).Error; err != nil {
				return err
			}
			return markPaid(tx, settlement, observed)

		case core.OutcomeFailed:
			if settlement.Status == core.SettlementFailed {
				return nil
			}
			if settlement.Status.Terminal() {
				transition.Conflict = true
				return nil
			}
			setReceipt(&settlement, evt, observed)
			settlement.Status = core.SettlementFailed
			settlement.LastError = truncate(evt.Reason, 512)
			transition.To = settlement.Status
			transition.Changed = true
			return tx.Save(&settlement).Error

		default:
			return fmt.Errorf("unknown outcome %q: %w", evt.Outcome, core.ErrInvalidRequest)
		}
	})
	if err != nil {
		if errors.Is(err, core.ErrSettlementNotFound) || errors.Is(err, core.ErrInvalidRequest) {
			return core.SettlementRecord{}, ports.Transition{}, err
		}
		return core.SettlementRecord{}, ports.Transition{}, fmt.Errorf("failed to apply chain event: %w", err)
	}

	return settlement.toRecord(), transition, nil
}

// ListStale returns Submitted records whose last check is older than before
func (s *GormSettlementStore) ListStale(ctx context.Context, before time.Time, limit int) ([]core.SettlementRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	var settlements []Settlement
	if err := s.db.WithContext(ctx).
		Where("status = ? AND (last_checked_at IS NULL OR last_checked_at < ?)", core.SettlementSubmitted, before.UTC()).
		Order("last_checked_at asc").
		Limit(limit).
		Find(&settlements).Error; err != nil {
		return nil, fmt.Errorf("failed to list stale settlements: %w", err)
	}

	records := make([]core.SettlementRecord, 0, len(settlements))
	for _, settlement := range settlements {
		records = append(records, settlement.toRecord())
	}
	return records, nil
}

// Paid reports whether the submission has been marked paid
func (s *GormSettlementStore) Paid(ctx context.Context, taskID, submissionID string) (bool, error) {
	var payout SubmissionPayout
	if err := s.db.WithContext(ctx).
		Where("task_id = ? AND submission_id = ?", taskID, submissionID).
		Limit(1).
		Find(&payout).Error; err != nil {
		return false, fmt.Errorf("failed to load payout: %w", err)
	}
	return payout.Paid, nil
}

// bySubmittedTx scopes to the attempt that broadcast txID. AlreadySettled carriers
// reference a transaction they never submitted and are excluded.
func bySubmittedTx(db *gorm.DB, txID string) *gorm.DB {
	return db.Where("transaction_id = ? AND submitted_at IS NOT NULL", txID)
}

func findConfirmed(tx *gorm.DB, taskID, submissionID string, exclude uuid.UUID) (*Settlement, error) {
	var confirmed Settlement
	found := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("task_id = ? AND submission_id = ? AND status = ? AND id <> ?", taskID, submissionID, core.SettlementConfirmed, exclude).
		Limit(1).
		Find(&confirmed)
	if found.Error != nil {
		return nil, found.Error
	}
	if found.RowsAffected == 0 {
		return nil, nil
	}
	return &confirmed, nil
}

func markPaid(tx *gorm.DB, settlement Settlement, now time.Time) error {
	payout := SubmissionPayout{
		TaskID:        settlement.TaskID,
		SubmissionID:  settlement.SubmissionID,
		Paid:          true,
		SettlementID:  settlement.ID,
		TransactionID: *settlement.TransactionID,
		PaidAt:        now,
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "task_id"}, {Name: "submission_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"paid", "settlement_id", "transaction_id", "paid_at"}),
	}).Create(&payout).Error
}

func setReceipt(settlement *Settlement, evt core.ChainEvent, observed time.Time) {
	if evt.ReceiptID != "" {
		receipt := evt.ReceiptID
		settlement.ReceiptID = &receipt
	}
	if evt.Confirmations > settlement.Confirmations {
		settlement.Confirmations = evt.Confirmations
	}
	settlement.LastCheckedAt = &observed
	settlement.UpdatedAt = observed
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
