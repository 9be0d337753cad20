package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/layer-3/rewardgate/core"
	"github.com/layer-3/rewardgate/ports"
)

// Topics published by the service
const (
	TopicWalletVerified     = "rewardgate.auth.wallet_verified"
	TopicLogout             = "rewardgate.auth.logout"
	TopicSettlementResolved = "rewardgate.settlement.resolved"
)

// WalletVerifiedEvent is emitted once per successful wallet verification
type WalletVerifiedEvent struct {
	SubjectID  string    `json:"subject_id"`
	Address    string    `json:"address"`
	SessionID  string    `json:"session_id"`
	VerifiedAt time.Time `json:"verified_at"`
}

// LogoutEvent represents a logout event
type LogoutEvent struct {
	Address   string `json:"address"`
	SessionID string `json:"session_id"`
}

// SettlementResolvedEvent is emitted after a settlement reaches a terminal status
type SettlementResolvedEvent struct {
	SettlementID  string                `json:"settlement_id"`
	TaskID        string                `json:"task_id"`
	SubmissionID  string                `json:"submission_id"`
	Status        core.SettlementStatus `json:"status"`
	TransactionID string                `json:"transaction_id,omitempty"`
	PayoutAddress string                `json:"payout_address"`
	Amount        string                `json:"amount"`
}

// WatermillPublisher implements the EventPublisher interface using Watermill
type WatermillPublisher struct {
	publisher message.Publisher
	now       func() time.Time
}

// NewWatermillPublisher creates a new Watermill publisher
func NewWatermillPublisher(publisher message.Publisher) *WatermillPublisher {
	return &WatermillPublisher{
		publisher: publisher,
		now:       time.Now,
	}
}

var _ ports.EventPublisher = (*WatermillPublisher)(nil)

// PublishWalletVerified publishes a wallet verified event
func (p *WatermillPublisher) PublishWalletVerified(ctx context.Context, subject core.Subject, sessionID string) error {
	return p.publish(ctx, TopicWalletVerified, sessionID, WalletVerifiedEvent{
		SubjectID:  subject.ID,
		Address:    subject.Address,
		SessionID:  sessionID,
		VerifiedAt: p.now().UTC(),
	})
}

// PublishLogout publishes a logout event
func (p *WatermillPublisher) PublishLogout(ctx context.Context, address string, sessionID string) error {
	return p.publish(ctx, TopicLogout, sessionID, LogoutEvent{
		Address:   address,
		SessionID: sessionID,
	})
}

// PublishSettlementResolved publishes the terminal status of a settlement
func (p *WatermillPublisher) PublishSettlementResolved(ctx context.Context, record core.SettlementRecord) error {
	return p.publish(ctx, TopicSettlementResolved, record.ID, SettlementResolvedEvent{
		SettlementID:  record.ID,
		TaskID:        record.TaskID,
		SubmissionID:  record.SubmissionID,
		Status:        record.Status,
		TransactionID: record.TxID(),
		PayoutAddress: record.PayoutAddress,
		Amount:        record.Amount.String(),
	})
}

func (p *WatermillPublisher) publish(ctx context.Context, topic, key string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("key", key)
	msg.SetContext(ctx)

	if err := p.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}
