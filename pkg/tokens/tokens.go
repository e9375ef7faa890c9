// Package tokens batches ERC-20 metadata lookups and resolves proxy
// implementation slots for the token universe discovered by the pool
// crawler.
package tokens

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/errgroup"

	"github.com/solidquant/evm-simulation/pkg/abicodec"
	"github.com/solidquant/evm-simulation/pkg/harness"
	"github.com/solidquant/evm-simulation/pkg/log"
	"github.com/solidquant/evm-simulation/pkg/provider"
)

// callerAddress is an arbitrary, never-funded address used as the `from` for
// metadata reads; balance/nonce are irrelevant since these calls never commit.
var callerAddress = common.HexToAddress("0x000000000000000000000000000000000000dEaD")

// Token is the resolved metadata for one ERC-20-compatible contract.
type Token struct {
	Address        common.Address
	Implementation *common.Address // non-nil iff Address is a detected proxy
	Name           string
	Symbol         string
	Decimals       uint8
}

// The four well-known proxy storage slots probed in parallel; the first
// non-zero response wins. Values per EIP-1967, the EIP-1822 (UUPS) slot, and
// the legacy OpenZeppelin transparent-proxy slot.
var proxySlots = []common.Hash{
	common.HexToHash("0x360894a13ba1a3210667c828492db98dca3e2076cc3735a920a3ca505d382bb"), // EIP-1967 logic
	common.HexToHash("0xa3f0ad74e5423aebfd80d3ef4346578335a9a72aeaee59ff6cb3582b35133d50"), // EIP-1967 beacon
	common.HexToHash("0x7050c9e0f4ca769c69bd3a8ef740bc37934f8e2c036e5a723fd8ee048ed3f8c3"), // OZ legacy
	common.HexToHash("0xc5f16f0fcc639fa48a6947836d9850f504798523bf8c9a3a87d5876cf622bcf7"), // EIP-1822
}

// Resolver fetches and caches token metadata. Name/symbol/decimals reads run
// as non-committing EVM calls through a harness (so they share the pinned
// block's account cache); proxy-slot probes go directly through the provider
// since they are raw eth_getStorageAt reads, not contract calls.
type Resolver struct {
	harness   *harness.Harness
	provider  provider.Provider
	block     uint64
	implCache *lru.Cache // common.Address -> common.Address
	log       *log.Logger

	mu sync.Mutex // serializes harness calls; one harness owns a single writable cache
}

// NewResolver builds a Resolver pinned to blockNumber, executing metadata
// calls through h and proxy-slot probes through p.
func NewResolver(h *harness.Harness, p provider.Provider, blockNumber uint64) *Resolver {
	c, err := lru.New(4096)
	if err != nil {
		panic(fmt.Sprintf("tokens: lru.New: %v", err))
	}
	return &Resolver{harness: h, provider: p, block: blockNumber, implCache: c, log: log.Default().Module("tokens")}
}

// Resolve fetches name/symbol/decimals and probes the four proxy slots for
// addr. The four proxy reads race; the first non-zero response wins and the
// rest are cancelled.
func (r *Resolver) Resolve(ctx context.Context, addr common.Address) (Token, error) {
	g, gctx := errgroup.WithContext(ctx)

	var name, symbol string
	var decimals uint8

	g.Go(func() error {
		out, err := r.call(gctx, addr, abicodec.EncodeName())
		if err != nil {
			name = ""
			return nil // metadata decode failures degrade gracefully, never fatal
		}
		name, _ = abicodec.DecodeString(out)
		return nil
	})
	g.Go(func() error {
		out, err := r.call(gctx, addr, abicodec.EncodeSymbol())
		if err != nil {
			return nil
		}
		symbol, _ = abicodec.DecodeString(out)
		return nil
	})
	g.Go(func() error {
		out, err := r.call(gctx, addr, abicodec.EncodeDecimals())
		if err != nil {
			return nil
		}
		decimals, _ = abicodec.DecodeUint8(out)
		return nil
	})

	impl, err := r.resolveImplementation(gctx, addr)
	if err != nil {
		r.log.Debug("proxy probe failed", "addr", addr, "err", err)
	}

	if err := g.Wait(); err != nil {
		return Token{}, fmt.Errorf("tokens: resolve %s: %w", addr, err)
	}

	tok := Token{Address: addr, Name: name, Symbol: symbol, Decimals: decimals}
	if impl != (common.Address{}) {
		tok.Implementation = &impl
	}
	return tok, nil
}

// resolveImplementation races reads of the four known proxy slots, returning
// the first non-zero value interpreted as an address. If none resolve, the
// zero address is returned (not a proxy, or an unrecognized proxy pattern).
func (r *Resolver) resolveImplementation(ctx context.Context, addr common.Address) (common.Address, error) {
	if v, ok := r.implCache.Get(addr); ok {
		return v.(common.Address), nil
	}

	type probeResult struct {
		addr common.Address
	}
	resultCh := make(chan probeResult, len(proxySlots))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel() // cancels the losing probes once a result is returned
	g, gctx := errgroup.WithContext(ctx)
	for _, slot := range proxySlots {
		slot := slot
		g.Go(func() error {
			v, err := r.provider.StorageAt(gctx, addr, slot, r.block)
			if err != nil {
				return nil // a failed probe is not fatal to the race
			}
			if impl := common.BytesToAddress(v.Bytes()); impl != (common.Address{}) {
				select {
				case resultCh <- probeResult{addr: impl}:
				default:
				}
			}
			return nil
		})
	}

	done := make(chan struct{})
	go func() { g.Wait(); close(done) }()

	select {
	case res := <-resultCh:
		r.implCache.Add(addr, res.addr)
		return res.addr, nil
	case <-done:
		select {
		case res := <-resultCh: // a non-zero result sent before all probes finished
			r.implCache.Add(addr, res.addr)
			return res.addr, nil
		default:
		}
		r.implCache.Add(addr, common.Address{})
		return common.Address{}, nil
	}
}

// call executes a non-committing read against the harness. ctx is accepted
// for interface symmetry with the provider-backed probes even though the
// harness call itself is synchronous CPU work, not an I/O suspension point.
func (r *Resolver) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, err := r.harness.Call(callerAddress, &to, nil, data, false)
	if err != nil {
		return nil, fmt.Errorf("tokens: call %s: %w", to, err)
	}
	if res.Failure != harness.FailureNone {
		return nil, fmt.Errorf("tokens: call %s: non-conforming contract", to)
	}
	return res.Output, nil
}
