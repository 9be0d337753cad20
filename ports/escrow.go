package ports

import (
	"context"

	"github.com/layer-3/rewardgate/core"
)

// Escrow is the on-chain contract that holds task rewards
type Escrow interface {
	// Prepare signs the payout transaction without broadcasting it
	Prepare(ctx context.Context, taskID, payoutAddress string) (core.SignedRelease, error)
	// Broadcast sends a prepared release. Sending the same release again is harmless.
	Broadcast(ctx context.Context, release core.SignedRelease) error
	// Status observes a previously submitted transaction
	Status(ctx context.Context, txID string) (core.ChainStatus, error)
}
