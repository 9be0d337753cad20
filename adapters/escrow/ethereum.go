package escrow

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/layer-3/rewardgate/core"
	"github.com/layer-3/rewardgate/ports"
)

// DefaultGasLimit covers completeTask including the USDC transfer
const DefaultGasLimit = 300000

// ChainClient is the subset of ethclient.Client used by the escrow
type ChainClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Config describes the deployed escrow contract and the account releasing funds
type Config struct {
	Contract  common.Address
	ChainID   *big.Int
	SignerKey *ecdsa.PrivateKey
	GasLimit  uint64
}

// EthereumEscrow releases task rewards by calling completeTask on the escrow contract.
// The nonce is read from the node on every Prepare, so callers keep at most one
// release between Prepare and Broadcast per signer.
type EthereumEscrow struct {
	client   ChainClient
	contract common.Address
	chainID  *big.Int
	key      *ecdsa.PrivateKey
	from     common.Address
	gasLimit uint64
}

// NewEthereumEscrow creates a new escrow bound to client
func NewEthereumEscrow(client ChainClient, cfg Config) (*EthereumEscrow, error) {
	if client == nil {
		return nil, errors.New("escrow: chain client is required")
	}
	if cfg.SignerKey == nil {
		return nil, errors.New("escrow: signer key is required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, errors.New("escrow: chain id is required")
	}
	if cfg.Contract == (common.Address{}) {
		return nil, errors.New("escrow: contract address is required")
	}
	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = DefaultGasLimit
	}

	return &EthereumEscrow{
		client:   client,
		contract: cfg.Contract,
		chainID:  cfg.ChainID,
		key:      cfg.SignerKey,
		from:     crypto.PubkeyToAddress(cfg.SignerKey.PublicKey),
		gasLimit: gasLimit,
	}, nil
}

var _ ports.Escrow = (*EthereumEscrow)(nil)

// Sender returns the account paying for release transactions
func (e *EthereumEscrow) Sender() common.Address {
	return e.from
}

// Prepare signs completeTask(taskID, payoutAddress) without sending it
func (e *EthereumEscrow) Prepare(ctx context.Context, taskID, payoutAddress string) (core.SignedRelease, error) {
	id, err := ParseTaskID(taskID)
	if err != nil {
		return core.SignedRelease{}, err
	}
	if !common.IsHexAddress(payoutAddress) {
		return core.SignedRelease{}, core.ErrInvalidAddress
	}

	data, err := escrowABI.Pack("completeTask", id, common.HexToAddress(payoutAddress))
	if err != nil {
		return core.SignedRelease{}, fmt.Errorf("failed to pack completeTask: %w", err)
	}

	nonce, err := e.client.PendingNonceAt(ctx, e.from)
	if err != nil {
		return core.SignedRelease{}, fmt.Errorf("failed to get nonce: %w: %w", core.ErrChainUnavailable, err)
	}

	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return core.SignedRelease{}, fmt.Errorf("failed to get gas price: %w: %w", core.ErrChainUnavailable, err)
	}

	tx := types.NewTransaction(nonce, e.contract, big.NewInt(0), e.gasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(e.chainID), e.key)
	if err != nil {
		return core.SignedRelease{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	raw, err := signedTx.MarshalBinary()
	if err != nil {
		return core.SignedRelease{}, fmt.Errorf("failed to encode transaction: %w", err)
	}

	return core.SignedRelease{TxID: strings.ToLower(signedTx.Hash().Hex()), Raw: raw}, nil
}

// Broadcast sends a prepared release. A node that already holds the transaction
// counts as success.
func (e *EthereumEscrow) Broadcast(ctx context.Context, release core.SignedRelease) error {
	var tx types.Transaction
	if err := tx.UnmarshalBinary(release.Raw); err != nil {
		return fmt.Errorf("failed to decode transaction: %w", err)
	}
	if !strings.EqualFold(tx.Hash().Hex(), release.TxID) {
		return fmt.Errorf("signed transaction %s does not match %s: %w", tx.Hash().Hex(), release.TxID, core.ErrInvalidRequest)
	}

	if err := e.client.SendTransaction(ctx, &tx); err != nil {
		if strings.Contains(err.Error(), "already known") {
			return nil
		}
		return fmt.Errorf("failed to send transaction: %w: %w", core.ErrChainUnavailable, err)
	}
	return nil
}

// Status reports whether txID is unknown, pending or mined, and how deep it is
func (e *EthereumEscrow) Status(ctx context.Context, txID string) (core.ChainStatus, error) {
	hash := common.HexToHash(txID)

	receipt, err := e.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if !errors.Is(err, ethereum.NotFound) {
			return core.ChainStatus{}, fmt.Errorf("failed to get receipt: %w: %w", core.ErrChainUnavailable, err)
		}

		_, _, err := e.client.TransactionByHash(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return core.ChainStatus{State: core.TxUnknown}, nil
		}
		if err != nil {
			return core.ChainStatus{}, fmt.Errorf("failed to get transaction: %w: %w", core.ErrChainUnavailable, err)
		}
		return core.ChainStatus{State: core.TxPending}, nil
	}

	head, err := e.client.BlockNumber(ctx)
	if err != nil {
		return core.ChainStatus{}, fmt.Errorf("failed to get head block: %w: %w", core.ErrChainUnavailable, err)
	}

	status := core.ChainStatus{
		State:     core.TxMined,
		Success:   receipt.Status == types.ReceiptStatusSuccessful,
		BlockHash: strings.ToLower(receipt.BlockHash.Hex()),
	}
	if receipt.BlockNumber != nil {
		status.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if head >= status.BlockNumber {
		status.Confirmations = head - status.BlockNumber + 1
	}
	return status, nil
}
