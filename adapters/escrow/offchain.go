package escrow

import (
	"context"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/layer-3/rewardgate/core"
	"github.com/layer-3/rewardgate/ports"
)

// OffchainEscrow is a development escrow that never touches a chain. Every broadcast release is
// reported as mined successfully and gains one confirmation per status query.
type OffchainEscrow struct {
	mu    sync.Mutex
	polls map[string]uint64
}

// NewOffchainEscrow creates a new development escrow
func NewOffchainEscrow() *OffchainEscrow {
	return &OffchainEscrow{polls: make(map[string]uint64)}
}

var _ ports.Escrow = (*OffchainEscrow)(nil)

// Prepare fabricates a transaction hash for the payout
func (e *OffchainEscrow) Prepare(ctx context.Context, taskID, payoutAddress string) (core.SignedRelease, error) {
	if _, err := ParseTaskID(taskID); err != nil {
		return core.SignedRelease{}, err
	}
	if !common.IsHexAddress(payoutAddress) {
		return core.SignedRelease{}, core.ErrInvalidAddress
	}

	raw := append(common.HexToAddress(payoutAddress).Bytes(), []byte(taskID+"/"+uuid.NewString())...)
	txID := strings.ToLower(crypto.Keccak256Hash(raw).Hex())
	return core.SignedRelease{TxID: txID, Raw: raw}, nil
}

// Broadcast makes the fabricated transaction visible to Status
func (e *OffchainEscrow) Broadcast(ctx context.Context, release core.SignedRelease) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.polls[release.TxID]; !ok {
		e.polls[release.TxID] = 0
	}
	return nil
}

// Status reports the fabricated transaction as mined
func (e *OffchainEscrow) Status(ctx context.Context, txID string) (core.ChainStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	polls, ok := e.polls[txID]
	if !ok {
		return core.ChainStatus{State: core.TxUnknown}, nil
	}
	polls++
	e.polls[txID] = polls

	return core.ChainStatus{
		State:         core.TxMined,
		Success:       true,
		BlockHash:     strings.ToLower(crypto.Keccak256Hash([]byte(txID)).Hex()),
		Confirmations: polls,
	}, nil
}
