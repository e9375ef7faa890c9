package harness

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/ethereum/go-ethereum/common"

	"github.com/solidquant/evm-simulation/pkg/log"
	"github.com/solidquant/evm-simulation/pkg/provider"
)

// ForkBackend is the shared, read-only view of chain state pinned at a fixed
// block. It services account/storage reads from a remote archival node and
// memoizes every response in a fastcache instance so that harnesses sharing
// this backend do not repeat a remote round trip for a cell already fetched
// at this block. Concurrent first-time misses for the same cell are not
// coalesced: each one issues its own remote read. Writes land only in a per-harness
// writableCache layered on top; the backend itself is never mutated by
// simulation.
type ForkBackend struct {
	provider provider.Provider
	block    uint64

	mem *fastcache.Cache

	mu      sync.Mutex
	singles map[string]*sync.Once // per-key registry behind once(); the read methods do not use it
	log     *log.Logger
}

// NewForkBackend pins a backend to blockNumber. cacheBytes sizes the
// in-memory memoization cache (fastcache rounds up internally).
func NewForkBackend(p provider.Provider, blockNumber uint64, cacheBytes int) *ForkBackend {
	if cacheBytes <= 0 {
		cacheBytes = 64 * 1024 * 1024
	}
	return &ForkBackend{
		provider: p,
		block:    blockNumber,
		mem:      fastcache.New(cacheBytes),
		singles:  make(map[string]*sync.Once),
		log:      log.Default().Module("forkbackend"),
	}
}

func (b *ForkBackend) Block() uint64 { return b.block }

func balanceKey(addr common.Address) []byte {
	k := make([]byte, 0, 21)
	k = append(k, 'b')
	return append(k, addr.Bytes()...)
}

func nonceKey(addr common.Address) []byte {
	k := make([]byte, 0, 21)
	k = append(k, 'n')
	return append(k, addr.Bytes()...)
}

func codeKey(addr common.Address) []byte {
	k := make([]byte, 0, 21)
	k = append(k, 'c')
	return append(k, addr.Bytes()...)
}

func storageKey(addr common.Address, slot common.Hash) []byte {
	k := make([]byte, 0, 53)
	k = append(k, 's')
	k = append(k, addr.Bytes()...)
	return append(k, slot.Bytes()...)
}

// once returns a sync.Once scoped to key. Balance, Nonce, Code and StorageAt
// do not call it.
func (b *ForkBackend) once(key string) *sync.Once {
	b.mu.Lock()
	defer b.mu.Unlock()
	if o, ok := b.singles[key]; ok {
		return o
	}
	o := &sync.Once{}
	b.singles[key] = o
	return o
}

// Balance returns the remote balance at the pinned block, memoized.
func (b *ForkBackend) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	key := balanceKey(addr)
	if v, ok := b.mem.HasGet(nil, key); ok {
		return new(big.Int).SetBytes(v), nil
	}
	bal, err := b.provider.BalanceAt(ctx, addr, b.block)
	if err != nil {
		return nil, fmt.Errorf("forkbackend: balance %s: %w", addr, err)
	}
	b.mem.Set(key, bal.Bytes())
	return bal, nil
}

// Nonce returns the remote nonce at the pinned block, memoized.
func (b *ForkBackend) Nonce(ctx context.Context, addr common.Address) (uint64, error) {
	key := nonceKey(addr)
	if v, ok := b.mem.HasGet(nil, key); ok && len(v) == 8 {
		return binary.BigEndian.Uint64(v), nil
	}
	n, err := b.provider.NonceAt(ctx, addr, b.block)
	if err != nil {
		return 0, fmt.Errorf("forkbackend: nonce %s: %w", addr, err)
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	b.mem.Set(key, buf[:])
	return n, nil
}

// Code returns the remote contract code at the pinned block, memoized.
func (b *ForkBackend) Code(ctx context.Context, addr common.Address) ([]byte, error) {
	key := codeKey(addr)
	if v, ok := b.mem.HasGet(nil, key); ok {
		return v, nil
	}
	code, err := b.provider.CodeAt(ctx, addr, b.block)
	if err != nil {
		return nil, fmt.Errorf("forkbackend: code %s: %w", addr, err)
	}
	b.mem.Set(key, code)
	return code, nil
}

// StorageAt returns the remote storage cell at the pinned block, memoized.
func (b *ForkBackend) StorageAt(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error) {
	key := storageKey(addr, slot)
	if v, ok := b.mem.HasGet(nil, key); ok {
		return common.BytesToHash(v), nil
	}
	val, err := b.provider.StorageAt(ctx, addr, slot, b.block)
	if err != nil {
		b.log.Warn("storage read failed", "addr", addr, "slot", slot, "err", err)
		return common.Hash{}, fmt.Errorf("forkbackend: storage %s/%s: %w", addr, slot, err)
	}
	b.mem.Set(key, val.Bytes())
	return val, nil
}
