// Package slotinfer discovers the solidity storage layout of third-party
// contracts -- ERC-20 balance mappings and Uniswap-V2-compatible reserves --
// by differential trace inspection rather than by reading source.
package slotinfer

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/solidquant/evm-simulation/pkg/abicodec"
	"github.com/solidquant/evm-simulation/pkg/log"
	"github.com/solidquant/evm-simulation/pkg/provider"
)

// maxSlotIndex bounds the brute-force search: balance mappings declared past
// this index are not considered discoverable.
const maxSlotIndex = 20

// CanonicalV2ReservesSlot is the slot index Uniswap V2 itself uses; slot
// inference exists mainly to validate non-standard forks against it.
const CanonicalV2ReservesSlot = 8

var errNotFound = fmt.Errorf("slotinfer: slot not determinable")

// Inferrer discovers balance/reserves slots via debug_traceCall prestate
// tracing at a pinned block.
type Inferrer struct {
	provider provider.Provider
	block    uint64
	log      *log.Logger
}

// NewInferrer builds an Inferrer pinned to blockNumber.
func NewInferrer(p provider.Provider, blockNumber uint64) *Inferrer {
	return &Inferrer{provider: p, block: blockNumber, log: log.Default().Module("slotinfer")}
}

// BalanceSlot constructs balanceOf(owner), traces it with the prestate
// tracer, and returns the smallest i in [0, 20) such that
// keccak256(abi.encode(owner, i)) appears in the touched storage keys at
// token's address. Absence of any match means the mapping is not at a
// brute-forceable outer slot and the token is excluded from further testing.
func (inf *Inferrer) BalanceSlot(ctx context.Context, token, owner common.Address) (uint64, error) {
	data, err := abicodec.EncodeBalanceOf(owner)
	if err != nil {
		return 0, fmt.Errorf("slotinfer: encode balanceOf: %w", err)
	}

	trace, err := inf.provider.TraceCallPrestate(ctx, provider.CallMsg{
		To:   &token,
		Data: data,
		Gas:  200_000,
	}, inf.block, false)
	if err != nil {
		inf.log.Warn("balance slot trace failed", "token", token, "err", err)
		return 0, fmt.Errorf("slotinfer: trace balanceOf(%s): %w", token, err)
	}

	acct, ok := trace.Pre[token]
	if !ok {
		return 0, errNotFound
	}

	for i := uint64(0); i < maxSlotIndex; i++ {
		key := abicodec.StorageKey(owner, i)
		if _, touched := acct.Storage[key]; touched {
			return i, nil
		}
	}
	return 0, errNotFound
}

// ReservesSlot traces getReserves() against pool and returns the first
// touched storage slot index at pool's address, under the assumption that
// the packed (reserve0, reserve1, blockTimestampLast) word is the lowest
// newly introduced storage read. Canonical V2 pools use slot 8; this exists
// to validate non-standard forks against that expectation.
func (inf *Inferrer) ReservesSlot(ctx context.Context, pool common.Address) (uint64, error) {
	trace, err := inf.provider.TraceCallPrestate(ctx, provider.CallMsg{
		To:   &pool,
		Data: abicodec.EncodeGetReserves(),
		Gas:  100_000,
	}, inf.block, false)
	if err != nil {
		inf.log.Warn("reserves slot trace failed", "pool", pool, "err", err)
		return 0, fmt.Errorf("slotinfer: trace getReserves(%s): %w", pool, err)
	}

	acct, ok := trace.Pre[pool]
	if !ok || len(acct.Storage) == 0 {
		return 0, errNotFound
	}

	// The prestate tracer does not report slot *indices*, only the derived
	// storage keys that were read. For a non-mapping, sequentially-assigned
	// state variable (as getReserves's packed struct is), the storage key
	// IS the slot index for the first few slots, so the raw key can be read
	// back as a small integer directly.
	var best *uint64
	for key := range acct.Storage {
		idx := key.Big().Uint64()
		if idx >= maxSlotIndex {
			continue
		}
		if best == nil || idx < *best {
			v := idx
			best = &v
		}
	}
	if best == nil {
		return 0, errNotFound
	}
	return *best, nil
}
