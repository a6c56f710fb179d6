package cashier

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/onemorebsmith/camly-rewards/src/erc20api"
	"github.com/onemorebsmith/camly-rewards/src/model"
)

type Transaction struct {
	Hash   common.Hash
	To     common.Address
	Amount *big.Int
}

// MockChain is an in-memory token contract for dry runs and tests. Transfers mine immediately
// unless HoldReceipts is set.
type MockChain struct {
	mu sync.Mutex

	decimals     uint8
	treasury     *big.Int
	transactions []*Transaction
	receipts     map[common.Hash]*erc20api.Receipt
	block        uint64

	HoldReceipts  bool
	RevertNext    bool
	TransferErr   error // returned with no hash
	UncertainNext bool  // returns a hash and erc20api.ErrBroadcastUncertain
}

var _ Chain = (*MockChain)(nil)

func NewMockChain(decimals uint8, treasury *big.Int) *MockChain {
	return &MockChain{
		decimals: decimals,
		treasury: new(big.Int).Set(treasury),
		receipts: map[common.Hash]*erc20api.Receipt{},
		block:    1000,
	}
}

func (mc *MockChain) Decimals(ctx context.Context) (uint8, error) {
	return mc.decimals, nil
}

func (mc *MockChain) TreasuryBalance(ctx context.Context) (*big.Int, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return new(big.Int).Set(mc.treasury), nil
}

func (mc *MockChain) Transfer(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.TransferErr != nil {
		return common.Hash{}, mc.TransferErr
	}
	hash := crypto.Keccak256Hash([]byte(fmt.Sprintf("%s:%s:%d", to.Hex(), amount, len(mc.transactions))))
	mc.transactions = append(mc.transactions, &Transaction{Hash: hash, To: to, Amount: new(big.Int).Set(amount)})

	mc.block++
	success := !mc.RevertNext
	mc.RevertNext = false
	if success {
		mc.treasury.Sub(mc.treasury, amount)
	}
	receipt := &erc20api.Receipt{TxHash: hash, BlockNumber: mc.block, Success: success, GasUsed: 51000}
	if mc.HoldReceipts {
		// parked until Mine
		mc.receipts[hash] = nil
	} else {
		mc.receipts[hash] = receipt
	}
	if mc.UncertainNext {
		mc.UncertainNext = false
		return hash, erc20api.ErrBroadcastUncertain
	}
	return hash, nil
}

func (mc *MockChain) Receipt(ctx context.Context, hash common.Hash) (*erc20api.Receipt, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	r, ok := mc.receipts[hash]
	if !ok || r == nil {
		return nil, model.ErrAwaitingConfirmation
	}
	return r, nil
}

// Mine releases every held receipt
func (mc *MockChain) Mine() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.HoldReceipts = false
	for _, tx := range mc.transactions {
		if r, ok := mc.receipts[tx.Hash]; ok && r == nil {
			mc.block++
			mc.receipts[tx.Hash] = &erc20api.Receipt{TxHash: tx.Hash, BlockNumber: mc.block, Success: true, GasUsed: 51000}
		}
	}
}

func (mc *MockChain) Transactions() []*Transaction {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	out := make([]*Transaction, len(mc.transactions))
	copy(out, mc.transactions)
	return out
}
