package ports

import (
	"context"

	"github.com/layer-3/rewardgate/core"
)

// Ticket is the slot held by an in-flight authentication attempt
type Ticket interface {
	Attempt() core.AuthAttempt
	// Context is cancelled when the attempt is cancelled or ended
	Context() context.Context
}

// AttemptGuard admits at most one authentication attempt per address
type AttemptGuard interface {
	TryBegin(ctx context.Context, address string) (Ticket, bool)
	End(ticket Ticket)
	Cancel(address string) bool
}
