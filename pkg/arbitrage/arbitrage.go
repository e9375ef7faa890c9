// Package arbitrage walks a triangular ArbPath through the harness, applying
// each hop's swap as a real buy/sell round trip against the hop's own pool
// contract, and reports profit denominated in the anchor token's atomic
// units.
package arbitrage

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/solidquant/evm-simulation/pkg/abicodec"
	"github.com/solidquant/evm-simulation/pkg/ammmath"
	"github.com/solidquant/evm-simulation/pkg/harness"
	"github.com/solidquant/evm-simulation/pkg/log"
	"github.com/solidquant/evm-simulation/pkg/paths"
)

// Result is the outcome of simulating one ArbPath.
type Result struct {
	Path        paths.Path
	AmountIn    *big.Int
	AmountOut   *big.Int
	ProfitUnits *big.Int // AmountOut - AmountIn, atomic units of the anchor token
}

// Simulator evaluates ArbPaths one at a time; SimulatePath injects the seed
// snapshot it is given before each path, so one path's commits never
// contaminate another's starting state.
type Simulator struct {
	log *log.Logger
}

// NewSimulator builds a Simulator.
func NewSimulator() *Simulator {
	return &Simulator{log: log.Default().Module("arbitrage")}
}

// SimulatePath evaluates path starting from amountIn atomic units of the
// anchor token. h must already have the anchor balance seeded (or a
// pre-seeded snapshot injected) by the caller; if seed is non-nil,
// h.Inject(seed) runs first so each path starts from identical, uncontaminated
// state.
func (s *Simulator) SimulatePath(ctx context.Context, h *harness.Harness, seed *harness.CacheStateDB, path paths.Path, amountIn *big.Int, anchorDecimals uint8) (Result, error) {
	if seed != nil {
		h.Inject(seed)
	}

	amount := new(big.Int).Set(amountIn)
	currentToken := path.Anchor

	for n, hop := range path.Hops {
		var in, out common.Address
		if hop.ZeroForOne {
			in, out = hop.Pool.Token0, hop.Pool.Token1
		} else {
			in, out = hop.Pool.Token1, hop.Pool.Token0
		}
		if in != currentToken {
			return Result{}, fmt.Errorf("arbitrage: hop %d: path direction mismatch (want in=%s, have=%s)", n, currentToken, in)
		}

		swap, err := h.SimulateV2Swap(amount, hop.Pool.Address, in, out)
		if err != nil {
			return Result{}, fmt.Errorf("arbitrage: hop %d: %w", n, err)
		}
		if swap.Failure != harness.FailureNone {
			return Result{}, fmt.Errorf("arbitrage: hop %d: swap failed (failure kind %d)", n, swap.Failure)
		}
		amount = swap.ActualOut
		currentToken = out
	}

	if currentToken != path.Anchor {
		return Result{}, fmt.Errorf("arbitrage: path did not close at anchor token")
	}

	profit := new(big.Int).Sub(amount, amountIn)
	return Result{Path: path, AmountIn: amountIn, AmountOut: amount, ProfitUnits: profit}, nil
}

// EstimateProfit prices path against the current on-chain reserves using the
// native constant-product formula: each hop costs one non-committing
// getReserves call, and no swap is run in the EVM. It is
// meant as a cheap pre-filter ahead of SimulatePath: scanning every candidate
// path through the harness every block is wasteful when most paths are not
// even close to profitable given current reserves.
func (s *Simulator) EstimateProfit(ctx context.Context, h *harness.Harness, path paths.Path, amountIn *big.Int) (*big.Int, error) {
	amount, overflow := uint256.FromBig(amountIn)
	if overflow {
		return nil, fmt.Errorf("arbitrage: amountIn %s overflows uint256", amountIn)
	}

	for n, hop := range path.Hops {
		poolAddr := hop.Pool.Address
		res, err := h.Call(harness.SimulatorAddress, &poolAddr, nil, abicodec.EncodeGetReserves(), false)
		if err != nil {
			return nil, fmt.Errorf("arbitrage: estimate hop %d: reserves call: %w", n, err)
		}
		if res.Failure != harness.FailureNone {
			return nil, fmt.Errorf("arbitrage: estimate hop %d: reserves call failed", n)
		}
		reserves, err := abicodec.DecodeGetReserves(res.Output)
		if err != nil {
			return nil, fmt.Errorf("arbitrage: estimate hop %d: decode reserves: %w", n, err)
		}

		reserveIn, reserveOut := reserves.Reserve0, reserves.Reserve1
		if !hop.ZeroForOne {
			reserveIn, reserveOut = reserveOut, reserveIn
		}
		rIn, overflowIn := uint256.FromBig(reserveIn)
		rOut, overflowOut := uint256.FromBig(reserveOut)
		if overflowIn || overflowOut {
			return nil, fmt.Errorf("arbitrage: estimate hop %d: reserve overflow", n)
		}
		amount = ammmath.GetAmountOut(amount, rIn, rOut)
	}

	out := amount.ToBig()
	return new(big.Int).Sub(out, amountIn), nil
}
