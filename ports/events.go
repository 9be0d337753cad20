package ports

import (
	"context"

	"github.com/layer-3/rewardgate/core"
)

// EventPublisher publishes events to notify other instances and downstream systems
type EventPublisher interface {
	PublishWalletVerified(ctx context.Context, subject core.Subject, sessionID string) error
	PublishLogout(ctx context.Context, address string, sessionID string) error
	PublishSettlementResolved(ctx context.Context, record core.SettlementRecord) error
}
