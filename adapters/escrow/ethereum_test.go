package escrow

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/rewardgate/core"
	"github.com/layer-3/rewardgate/ports"
)

type fakeChain struct {
	mu       sync.Mutex
	nonce    uint64
	head     uint64
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	pending  map[common.Hash]bool
	sendErr  error
	rpcErr   error
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		receipts: make(map[common.Hash]*types.Receipt),
		pending:  make(map[common.Hash]bool),
	}
}

func (f *fakeChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if f.pending[tx.Hash()] {
		return errors.New("already known")
	}
	f.sent = append(f.sent, tx)
	f.pending[tx.Hash()] = true
	f.nonce++
	return nil
}

func (f *fakeChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rpcErr != nil {
		return nil, f.rpcErr
	}
	receipt, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (f *fakeChain) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending[hash] {
		return nil, true, nil
	}
	return nil, false, ethereum.NotFound
}

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeChain) mine(hash common.Hash, block uint64, status uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, hash)
	f.receipts[hash] = &types.Receipt{
		Status:      status,
		BlockNumber: new(big.Int).SetUint64(block),
		BlockHash:   common.BigToHash(new(big.Int).SetUint64(block)),
		TxHash:      hash,
	}
}

func newTestEscrow(t *testing.T, chain *fakeChain) *EthereumEscrow {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	e, err := NewEthereumEscrow(chain, Config{
		Contract:  common.HexToAddress("0x00000000000000000000000000000000000000e5"),
		ChainID:   big.NewInt(84532),
		SignerKey: key,
	})
	require.NoError(t, err)
	return e
}

const payout = "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"

func release(t *testing.T, e ports.Escrow, taskID string) string {
	t.Helper()
	ctx := context.Background()
	signed, err := e.Prepare(ctx, taskID, payout)
	require.NoError(t, err)
	require.NoError(t, e.Broadcast(ctx, signed))
	return signed.TxID
}

func TestReleasePacksCompleteTask(t *testing.T) {
	chain := newFakeChain()
	e := newTestEscrow(t, chain)

	txID := release(t, e, "7")
	require.Len(t, chain.sent, 1)

	tx := chain.sent[0]
	assert.Equal(t, strings.ToLower(tx.Hash().Hex()), txID)
	assert.Equal(t, uint64(DefaultGasLimit), tx.Gas())
	assert.Equal(t, common.HexToAddress("0x00000000000000000000000000000000000000e5"), *tx.To())

	method, err := escrowABI.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	assert.Equal(t, "completeTask", method.Name)
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Zero(t, big.NewInt(7).Cmp(args[0].(*big.Int)))
	assert.Equal(t, common.HexToAddress(payout), args[1])

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(84532)), tx)
	require.NoError(t, err)
	assert.Equal(t, e.Sender(), sender)

	release(t, e, "8")
	assert.Equal(t, uint64(1), chain.sent[1].Nonce())
}

func TestPrepareDoesNotSend(t *testing.T) {
	chain := newFakeChain()
	e := newTestEscrow(t, chain)
	ctx := context.Background()

	signed, err := e.Prepare(ctx, "7", payout)
	require.NoError(t, err)
	assert.Empty(t, chain.sent)
	assert.NotEmpty(t, signed.Raw)

	status, err := e.Status(ctx, signed.TxID)
	require.NoError(t, err)
	assert.Equal(t, core.TxUnknown, status.State)

	require.NoError(t, e.Broadcast(ctx, signed))
	require.NoError(t, e.Broadcast(ctx, signed), "resending a known transaction succeeds")
	require.Len(t, chain.sent, 1)
	assert.Equal(t, signed.TxID, strings.ToLower(chain.sent[0].Hash().Hex()))

	tampered := signed
	tampered.TxID = "0x" + strings.Repeat("0", 64)
	assert.ErrorIs(t, e.Broadcast(ctx, tampered), core.ErrInvalidRequest)
}

func TestReleaseRejectsBadInput(t *testing.T) {
	e := newTestEscrow(t, newFakeChain())

	_, err := e.Prepare(context.Background(), "-1", payout)
	assert.ErrorIs(t, err, core.ErrInvalidTaskID)
	_, err = e.Prepare(context.Background(), "abc", payout)
	assert.ErrorIs(t, err, core.ErrInvalidTaskID)
	_, err = e.Prepare(context.Background(), "1", "Not connected")
	assert.ErrorIs(t, err, core.ErrInvalidAddress)
}

func TestBroadcastFailureIsChainError(t *testing.T) {
	chain := newFakeChain()
	chain.sendErr = errors.New("connection refused")
	e := newTestEscrow(t, chain)

	signed, err := e.Prepare(context.Background(), "1", payout)
	require.NoError(t, err)
	err = e.Broadcast(context.Background(), signed)
	assert.ErrorIs(t, err, core.ErrChainUnavailable)
}

func TestStatusLifecycle(t *testing.T) {
	chain := newFakeChain()
	e := newTestEscrow(t, chain)
	ctx := context.Background()

	status, err := e.Status(ctx, "0x"+strings.Repeat("1", 64))
	require.NoError(t, err)
	assert.Equal(t, core.TxUnknown, status.State)

	txID := release(t, e, "1")

	status, err = e.Status(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, core.TxPending, status.State)

	chain.head = 100
	chain.mine(common.HexToHash(txID), 99, types.ReceiptStatusSuccessful)
	status, err = e.Status(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, core.TxMined, status.State)
	assert.True(t, status.Success)
	assert.Equal(t, uint64(99), status.BlockNumber)
	assert.Equal(t, uint64(2), status.Confirmations)
	assert.NotEmpty(t, status.BlockHash)

	chain.rpcErr = errors.New("timeout")
	_, err = e.Status(ctx, txID)
	assert.ErrorIs(t, err, core.ErrChainUnavailable)
}

func TestStatusReverted(t *testing.T) {
	chain := newFakeChain()
	e := newTestEscrow(t, chain)

	txID := release(t, e, "1")
	chain.head = 10
	chain.mine(common.HexToHash(txID), 10, types.ReceiptStatusFailed)

	status, err := e.Status(context.Background(), txID)
	require.NoError(t, err)
	assert.Equal(t, core.TxMined, status.State)
	assert.False(t, status.Success)
	assert.Equal(t, uint64(1), status.Confirmations)
}

func TestOffchainEscrow(t *testing.T) {
	e := NewOffchainEscrow()
	ctx := context.Background()

	signed, err := e.Prepare(ctx, "3", payout)
	require.NoError(t, err)
	assert.Len(t, signed.TxID, 66)

	pending, err := e.Status(ctx, signed.TxID)
	require.NoError(t, err)
	assert.Equal(t, core.TxUnknown, pending.State)

	txID := release(t, e, "3")
	first, err := e.Status(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, core.TxMined, first.State)
	assert.True(t, first.Success)
	assert.Equal(t, uint64(1), first.Confirmations)

	second, err := e.Status(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.Confirmations)

	unknown, err := e.Status(ctx, "0xdead")
	require.NoError(t, err)
	assert.Equal(t, core.TxUnknown, unknown.State)
}
