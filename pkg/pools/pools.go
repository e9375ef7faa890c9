// Package pools enumerates the Uniswap-V2-compatible pool universe by
// scanning factory PairCreated logs, and models constant-product pools only
// (no V3 concentrated liquidity, per scope).
package pools

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/solidquant/evm-simulation/pkg/config"
	"github.com/solidquant/evm-simulation/pkg/log"
	"github.com/solidquant/evm-simulation/pkg/provider"
)

// Variant identifies which factory produced a pool; all variants modeled
// here share Uniswap V2's constant-product invariant and 0.3% fee.
type Variant string

// Pool is a constant-product liquidity pool. Invariant: Token0 < Token1
// lexicographically on address.
type Pool struct {
	Address     common.Address
	Variant     Variant
	Token0      common.Address
	Token1      common.Address
	FeeBps      uint16
	BlockCreated uint64
}

// pairCreatedSig is the canonical Uniswap V2 factory event signature.
var pairCreatedSig = crypto.Keccak256Hash([]byte("PairCreated(address,address,address,uint256)"))

// Crawler enumerates pools by scanning each configured factory's logs from
// its start block to a target block, in bounded-size windows.
type Crawler struct {
	provider  provider.Provider
	factories []config.FactoryConfig
	log       *log.Logger
}

// NewCrawler builds a Crawler over the given factory list.
func NewCrawler(p provider.Provider, factories []config.FactoryConfig) *Crawler {
	return &Crawler{provider: p, factories: factories, log: log.Default().Module("pools")}
}

// logFilterer is the minimal surface needed to fetch logs; kept narrow so the
// real provider's concrete RPC client can satisfy it without widening the
// core Provider interface for every caller.
type logFilterer interface {
	FilterLogs(ctx context.Context, q FilterQuery) ([]types.Log, error)
}

// FilterQuery mirrors ethereum.FilterQuery's fields the crawler needs.
type FilterQuery struct {
	FromBlock uint64
	ToBlock   uint64
	Addresses []common.Address
	Topics    [][]common.Hash
}

const windowSize = 5000

// Crawl scans PairCreated logs for every configured factory between its
// start block and toBlock, in windowSize-block chunks, and returns the
// resulting pool universe. This is the pool-discovery crawler the core
// engine treats as an external collaborator elsewhere in the spec; it is
// implemented here so the binary can run end to end.
func (c *Crawler) Crawl(ctx context.Context, lf logFilterer, toBlock uint64) ([]Pool, error) {
	var out []Pool
	for _, f := range c.factories {
		from := f.StartBlock
		for from <= toBlock {
			to := from + windowSize - 1
			if to > toBlock {
				to = toBlock
			}
			logs, err := lf.FilterLogs(ctx, FilterQuery{
				FromBlock: from,
				ToBlock:   to,
				Addresses: []common.Address{f.Address},
				Topics:    [][]common.Hash{{pairCreatedSig}},
			})
			if err != nil {
				return nil, fmt.Errorf("pools: filter logs %s [%d,%d]: %w", f.Address, from, to, err)
			}
			for _, l := range logs {
				p, err := decodePairCreated(l, Variant(f.VariantLabel), l.BlockNumber)
				if err != nil {
					c.log.Warn("malformed PairCreated log", "err", err)
					continue
				}
				out = append(out, p)
			}
			from = to + 1
		}
	}
	return out, nil
}

var pairCreatedDataArgs = abi.Arguments{
	{Type: mustType("address")},
	{Type: mustType("uint256")},
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

func decodePairCreated(l types.Log, variant Variant, blockCreated uint64) (Pool, error) {
	if len(l.Topics) != 3 {
		return Pool{}, fmt.Errorf("pools: expected 3 topics, got %d", len(l.Topics))
	}
	token0 := common.BytesToAddress(l.Topics[1].Bytes())
	token1 := common.BytesToAddress(l.Topics[2].Bytes())
	vals, err := pairCreatedDataArgs.Unpack(l.Data)
	if err != nil {
		return Pool{}, fmt.Errorf("pools: unpack PairCreated data: %w", err)
	}
	pairAddr := vals[0].(common.Address)

	if bytes.Compare(token0.Bytes(), token1.Bytes()) > 0 {
		token0, token1 = token1, token0
	}

	return Pool{
		Address:      pairAddr,
		Variant:      variant,
		Token0:       token0,
		Token1:       token1,
		FeeBps:       30,
		BlockCreated: blockCreated,
	}, nil
}

// HasSafeLeg reports whether exactly one of the pool's two legs is in the
// safe-token set, returning that token and true. The honeypot filter only
// tests pools with exactly one safe leg.
func (p Pool) HasSafeLeg(safe []common.Address) (common.Address, bool) {
	var matches []common.Address
	for _, s := range safe {
		if p.Token0 == s || p.Token1 == s {
			matches = append(matches, s)
		}
	}
	if len(matches) != 1 {
		return common.Address{}, false
	}
	return matches[0], true
}

// OtherLeg returns the non-safe leg given the safe one.
func (p Pool) OtherLeg(safe common.Address) common.Address {
	if p.Token0 == safe {
		return p.Token1
	}
	return p.Token0
}
