// Package provider defines the remote chain RPC surface the engine depends
// on, plus a go-ethereum-backed implementation. Every suspension point in the
// pipeline (fork-backend misses, slot-inference traces, sandwich tracing,
// proxy-slot probes) funnels through this interface so tests can swap in a
// fake.
package provider

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// PrestateTrace is the decoded result of debug_traceCall with the
// prestateTracer, in either default (pre-only) or diff mode.
type PrestateTrace struct {
	Pre  map[common.Address]AccountState
	Post map[common.Address]AccountState // nil entries/empty map in default mode
}

// AccountState is one account's balance/nonce/code/storage as reported by
// the prestate tracer.
type AccountState struct {
	Balance *big.Int
	Nonce   uint64
	Code    []byte
	Storage map[common.Hash]common.Hash
}

// Provider is the chain-RPC surface the simulation engine consumes. All
// methods are context-cancellable; callers are expected to bound each call
// with a per-task deadline.
type Provider interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number uint64) (*types.Block, error)
	ChainID(ctx context.Context) (*big.Int, error)

	BalanceAt(ctx context.Context, addr common.Address, blockNumber uint64) (*big.Int, error)
	CodeAt(ctx context.Context, addr common.Address, blockNumber uint64) ([]byte, error)
	StorageAt(ctx context.Context, addr common.Address, slot common.Hash, blockNumber uint64) (common.Hash, error)
	NonceAt(ctx context.Context, addr common.Address, blockNumber uint64) (uint64, error)

	// TraceCallPrestate runs debug_traceCall with the prestateTracer. diff
	// selects diffMode:true (returns pre+post) vs diffMode:false (pre only).
	TraceCallPrestate(ctx context.Context, call ethCall, blockNumber uint64, diff bool) (PrestateTrace, error)

	SubscribeNewHeads(ctx context.Context) (<-chan *types.Header, Subscription, error)
	SubscribePendingTransactions(ctx context.Context) (<-chan *types.Transaction, Subscription, error)
}

// Subscription mirrors go-ethereum's rpc.ClientSubscription surface closely
// enough for callers to unsubscribe and observe errors without importing rpc
// directly.
type Subscription interface {
	Unsubscribe()
	Err() <-chan error
}

// ethCall is the minimal call-message shape needed for eth_call /
// debug_traceCall; kept local so this package doesn't leak go-ethereum's
// larger CallMsg type into every caller.
type ethCall = CallMsg

// CallMsg describes a message to simulate: from/to/value/data/gas.
type CallMsg struct {
	From     common.Address
	To       *common.Address
	Value    *big.Int
	Gas      uint64
	GasPrice *big.Int
	Data     []byte
}
