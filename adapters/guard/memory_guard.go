package guard

import (
	"context"
	"sync"
	"time"

	"github.com/layer-3/rewardgate/core"
	"github.com/layer-3/rewardgate/ports"
)

type ticket struct {
	attempt core.AuthAttempt
	ctx     context.Context
	cancel  context.CancelFunc
}

func (t *ticket) Attempt() core.AuthAttempt { return t.attempt }

func (t *ticket) Context() context.Context { return t.ctx }

// MemoryGuard admits one authentication attempt per address within this process
type MemoryGuard struct {
	inFlight map[string]*ticket
	now      func() time.Time
	mu       sync.Mutex
}

// NewMemoryGuard creates a new in-process attempt guard
func NewMemoryGuard(now func() time.Time) *MemoryGuard {
	if now == nil {
		now = time.Now
	}
	return &MemoryGuard{
		inFlight: make(map[string]*ticket),
		now:      now,
	}
}

var _ ports.AttemptGuard = (*MemoryGuard)(nil)

// TryBegin claims the slot for address. It returns false while another attempt holds it.
func (g *MemoryGuard) TryBegin(ctx context.Context, address string) (ports.Ticket, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, busy := g.inFlight[address]; busy {
		return nil, false
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	t := &ticket{
		attempt: core.AuthAttempt{Address: address, StartedAt: g.now()},
		ctx:     attemptCtx,
		cancel:  cancel,
	}
	g.inFlight[address] = t
	return t, true
}

// End releases the slot held by t. Ending a ticket that was cancelled and replaced is a no-op.
func (g *MemoryGuard) End(t ports.Ticket) {
	held, ok := t.(*ticket)
	if !ok || held == nil {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	held.cancel()
	if current, ok := g.inFlight[held.attempt.Address]; ok && current == held {
		delete(g.inFlight, held.attempt.Address)
	}
}

// Cancel aborts the in-flight attempt for address and frees its slot
func (g *MemoryGuard) Cancel(address string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.inFlight[address]
	if !ok {
		return false
	}
	t.cancel()
	delete(g.inFlight, address)
	return true
}

// InFlight returns the number of attempts currently holding a slot
func (g *MemoryGuard) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inFlight)
}
