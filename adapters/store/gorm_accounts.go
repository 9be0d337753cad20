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

// GormAccountStore is a gorm implementation of the AccountStore interface
type GormAccountStore struct {
	db *gorm.DB
}

// NewGormAccountStore creates a new account store
func NewGormAccountStore(db *gorm.DB) *GormAccountStore {
	return &GormAccountStore{db: db}
}

var _ ports.AccountStore = (*GormAccountStore)(nil)

// FindOrCreate returns the subject for address, creating it on first login
func (s *GormAccountStore) FindOrCreate(ctx context.Context, address string, now time.Time) (core.Subject, error) {
	now = now.UTC()
	candidate := Account{
		ID:          uuid.New(),
		Address:     address,
		CreatedAt:   now,
		LastLoginAt: now,
	}

	var account Account
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "address"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"last_login_at": now}),
		}).Create(&candidate).Error; err != nil {
			return err
		}
		return tx.First(&account, "address = ?", address).Error
	})
	if err != nil {
		return core.Subject{}, fmt.Errorf("failed to find or create account: %w", err)
	}

	return account.toSubject(), nil
}

// Get returns the subject with id
func (s *GormAccountStore) Get(ctx context.Context, id string) (core.Subject, error) {
	accountID, err := uuid.Parse(id)
	if err != nil {
		return core.Subject{}, core.ErrSubjectNotFound
	}

	var account Account
	if err := s.db.WithContext(ctx).First(&account, "id = ?", accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return core.Subject{}, core.ErrSubjectNotFound
		}
		return core.Subject{}, fmt.Errorf("failed to load account: %w", err)
	}
	return account.toSubject(), nil
}
