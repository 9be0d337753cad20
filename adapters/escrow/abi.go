package escrow

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/layer-3/rewardgate/core"
)

// completeTaskABI is the slice of the task escrow contract used for payouts
const completeTaskABI = `[{
	"inputs": [
		{"internalType": "uint256", "name": "taskId", "type": "uint256"},
		{"internalType": "address", "name": "contributor", "type": "address"}
	],
	"name": "completeTask",
	"outputs": [],
	"stateMutability": "nonpayable",
	"type": "function"
}]`

var escrowABI = mustParseABI(completeTaskABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid escrow abi: %v", err))
	}
	return parsed
}

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// ParseTaskID converts a decimal on-chain task id into a uint256 value
func ParseTaskID(taskID string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(strings.TrimSpace(taskID), 10)
	if !ok || id.Sign() < 0 || id.Cmp(maxUint256) > 0 {
		return nil, core.ErrInvalidTaskID
	}
	return id, nil
}
