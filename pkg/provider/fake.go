package provider

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Fake is an in-memory Provider for tests: every read is served from the
// maps below rather than a remote node. Traces are served from a
// caller-populated lookup keyed by the To address, since test scenarios
// only ever need to script one trace per call site.
type Fake struct {
	Balances map[common.Address]*big.Int
	Nonces   map[common.Address]uint64
	Codes    map[common.Address][]byte
	Storage  map[common.Address]map[common.Hash]common.Hash

	Traces map[common.Address]PrestateTrace

	Head uint64
	Chain *big.Int
}

// NewFake builds an empty Fake ready to be populated by a test.
func NewFake() *Fake {
	return &Fake{
		Balances: make(map[common.Address]*big.Int),
		Nonces:   make(map[common.Address]uint64),
		Codes:    make(map[common.Address][]byte),
		Storage:  make(map[common.Address]map[common.Hash]common.Hash),
		Traces:   make(map[common.Address]PrestateTrace),
		Chain:    big.NewInt(1),
	}
}

func (f *Fake) BlockNumber(ctx context.Context) (uint64, error) { return f.Head, nil }

func (f *Fake) BlockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	return types.NewBlockWithHeader(&types.Header{Number: new(big.Int).SetUint64(number)}), nil
}

func (f *Fake) ChainID(ctx context.Context) (*big.Int, error) { return f.Chain, nil }

func (f *Fake) BalanceAt(ctx context.Context, addr common.Address, blockNumber uint64) (*big.Int, error) {
	if b, ok := f.Balances[addr]; ok {
		return b, nil
	}
	return big.NewInt(0), nil
}

func (f *Fake) CodeAt(ctx context.Context, addr common.Address, blockNumber uint64) ([]byte, error) {
	return f.Codes[addr], nil
}

func (f *Fake) StorageAt(ctx context.Context, addr common.Address, slot common.Hash, blockNumber uint64) (common.Hash, error) {
	if m, ok := f.Storage[addr]; ok {
		return m[slot], nil
	}
	return common.Hash{}, nil
}

func (f *Fake) NonceAt(ctx context.Context, addr common.Address, blockNumber uint64) (uint64, error) {
	return f.Nonces[addr], nil
}

func (f *Fake) TraceCallPrestate(ctx context.Context, call CallMsg, blockNumber uint64, diff bool) (PrestateTrace, error) {
	if call.To == nil {
		return PrestateTrace{}, nil
	}
	return f.Traces[*call.To], nil
}

func (f *Fake) SubscribeNewHeads(ctx context.Context) (<-chan *types.Header, Subscription, error) {
	ch := make(chan *types.Header)
	return ch, noopSubscription{}, nil
}

func (f *Fake) SubscribePendingTransactions(ctx context.Context) (<-chan *types.Transaction, Subscription, error) {
	ch := make(chan *types.Transaction)
	return ch, noopSubscription{}, nil
}

type noopSubscription struct{}

func (noopSubscription) Unsubscribe()         {}
func (noopSubscription) Err() <-chan error { return make(chan error) }

var _ Provider = (*Fake)(nil)
