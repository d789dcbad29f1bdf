// Package chaintest provides an in-memory chain.Backend for tests.
package chaintest

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Backend records submitted transactions and mines them on demand.
type Backend struct {
	mu sync.Mutex

	GasPrice    *big.Int
	GasPriceErr error
	ChainIDVal  *big.Int
	NonceErr    error
	SendErr     error

	// ReceiptStatus is applied to every mined transaction.
	ReceiptStatus uint64
	// PendingPolls is how many receipt lookups return NotFound before mining.
	PendingPolls int
	// NeverMine keeps every receipt lookup at NotFound.
	NeverMine bool

	Sent          []*types.Transaction
	ChainIDCalls  int
	ReceiptCalls  int
	nonces        map[common.Address]uint64
	pendingByHash map[common.Hash]int
}

func NewBackend(gasPrice *big.Int) *Backend {
	return &Backend{
		GasPrice:      gasPrice,
		ChainIDVal:    big.NewInt(1337),
		ReceiptStatus: types.ReceiptStatusSuccessful,
		nonces:        make(map[common.Address]uint64),
		pendingByHash: make(map[common.Hash]int),
	}
}

func (b *Backend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.GasPriceErr != nil {
		return nil, b.GasPriceErr
	}
	return b.GasPrice, nil
}

func (b *Backend) ChainID(ctx context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ChainIDCalls++
	return b.ChainIDVal, nil
}

func (b *Backend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.NonceErr != nil {
		return 0, b.NonceErr
	}
	return b.nonces[account], nil
}

func (b *Backend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.SendErr != nil {
		return b.SendErr
	}
	sender, err := types.Sender(types.LatestSignerForChainID(b.ChainIDVal), tx)
	if err != nil {
		return err
	}
	b.nonces[sender]++
	b.Sent = append(b.Sent, tx)
	b.pendingByHash[tx.Hash()] = b.PendingPolls
	return nil
}

func (b *Backend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ReceiptCalls++

	left, ok := b.pendingByHash[txHash]
	if !ok || b.NeverMine {
		return nil, ethereum.NotFound
	}
	if left > 0 {
		b.pendingByHash[txHash] = left - 1
		return nil, ethereum.NotFound
	}
	return &types.Receipt{Status: b.ReceiptStatus, TxHash: txHash}, nil
}

// SentCount is safe to call while the backend is in use.
func (b *Backend) SentCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Sent)
}
