// Package sandwich classifies pending transactions for sandwichability: it
// detects which verified pools a transaction touches and in which direction,
// then simulates a frontrun/victim/backrun bundle to estimate profit.
package sandwich

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"github.com/solidquant/evm-simulation/pkg/abicodec"
	"github.com/solidquant/evm-simulation/pkg/harness"
	"github.com/solidquant/evm-simulation/pkg/honeypot"
	"github.com/solidquant/evm-simulation/pkg/log"
	"github.com/solidquant/evm-simulation/pkg/pools"
	"github.com/solidquant/evm-simulation/pkg/provider"
)

// Candidate is a sandwichable configuration: a pending transaction that adds
// safe-token S to pool P (swapping S -> other), discovered via direction
// inference.
type Candidate struct {
	Pool      pools.Pool
	SafeToken common.Address
	MeatTx    *types.Transaction
}

// BundleResult is the outcome of simulating a frontrun/meat/backrun bundle
// for one Candidate.
type BundleResult struct {
	Candidate   Candidate
	FrontrunIn  *big.Int
	BackrunOut  *big.Int
	ProfitUnits *big.Int
	Profitable  bool
}

// Classifier detects touched pools, infers direction, and simulates bundles.
type Classifier struct {
	provider provider.Provider
	verified map[common.Address]pools.Pool // pool address -> Pool
	safe     map[common.Address]honeypot.SafeToken
	log      *log.Logger
}

// NewClassifier builds a Classifier over the verified pool universe and
// resolved safe-token corpus (with their discovered balance slots).
func NewClassifier(p provider.Provider, verifiedPools []pools.Pool, safeTokens []honeypot.SafeToken) *Classifier {
	vp := make(map[common.Address]pools.Pool, len(verifiedPools))
	for _, pl := range verifiedPools {
		vp[pl.Address] = pl
	}
	st := make(map[common.Address]honeypot.SafeToken, len(safeTokens))
	for _, s := range safeTokens {
		st[s.Token.Address] = s
	}
	return &Classifier{provider: p, verified: vp, safe: st, log: log.Default().Module("sandwich")}
}

// BaseFeeGate reports whether tx can land in the next block at all, i.e.
// whether its max fee per gas at least meets next-block base fee. Per the
// §9(b) resolution, the gate uses next_base_fee (not the current block's),
// since that's the fee the transaction must actually clear to be included.
// Gated-out transactions must never reach debug_traceCall.
func BaseFeeGate(tx *types.Transaction, nextBaseFee *big.Int) bool {
	var maxFee *big.Int
	if tx.Type() == types.DynamicFeeTxType {
		maxFee = tx.GasFeeCap()
	} else {
		maxFee = tx.GasPrice()
	}
	return maxFee.Cmp(nextBaseFee) >= 0
}

// DetectTouchedPools runs Step A (touched-pool detection): traces tx with
// the prestate tracer in diff mode and intersects touched addresses with the
// verified pool set.
func (c *Classifier) DetectTouchedPools(ctx context.Context, tx *types.Transaction, from common.Address, blockNumber uint64) ([]pools.Pool, provider.PrestateTrace, error) {
	trace, err := c.provider.TraceCallPrestate(ctx, provider.CallMsg{
		From:  from,
		To:    tx.To(),
		Data:  tx.Data(),
		Value: tx.Value(),
		Gas:   tx.Gas(),
	}, blockNumber, true)
	if err != nil {
		return nil, provider.PrestateTrace{}, fmt.Errorf("sandwich: trace tx %s: %w", tx.Hash(), err)
	}

	var touched []pools.Pool
	for addr := range trace.Post {
		if p, ok := c.verified[addr]; ok {
			touched = append(touched, p)
		}
	}
	return touched, trace, nil
}

// InferDirection runs Step B for a single pool: for each safe token S with a
// known balance slot, checks whether the pool's balance of S, read from S's
// own pre/post storage, increases (S -> other, sandwichable) and returns S if so.
// Returns the zero address if no safe-token direction match is found, i.e.
// {pool: None} per the testable-property phrasing.
func (c *Classifier) InferDirection(pool common.Address, trace provider.PrestateTrace) common.Address {
	for safeAddr, safe := range c.safe {
		pre, hasPre := trace.Pre[safeAddr]
		post, hasPost := trace.Post[safeAddr]
		if !hasPre || !hasPost {
			continue
		}
		key := abicodec.StorageKey(pool, safe.SlotIndex)
		preVal, havePre := pre.Storage[key]
		postVal, havePost := post.Storage[key]
		if !havePre || !havePost {
			continue
		}
		preBal := new(big.Int).SetBytes(preVal.Bytes())
		postBal := new(big.Int).SetBytes(postVal.Bytes())
		if preBal.Cmp(postBal) < 0 {
			return safeAddr
		}
	}
	return common.Address{}
}

// Classify runs Steps A and B together for tx, returning every sandwichable
// (pool, safeToken) candidate.
func (c *Classifier) Classify(ctx context.Context, tx *types.Transaction, from common.Address, blockNumber uint64) ([]Candidate, error) {
	touched, trace, err := c.DetectTouchedPools(ctx, tx, from, blockNumber)
	if err != nil {
		return nil, err
	}
	if len(touched) == 0 {
		return nil, nil
	}

	var out []Candidate
	for _, p := range touched {
		safe := c.InferDirection(p.Address, trace)
		if safe == (common.Address{}) {
			continue
		}
		out = append(out, Candidate{Pool: p, SafeToken: safe, MeatTx: tx})
	}
	return out, nil
}

// SimulateBundle runs Step C: seeds and snapshots the pre-state, then runs
// frontrun (S->other, 1 unit of S) / victim tx / backrun (other->S, all
// received other) on h, injecting the snapshot back on return so the
// bundle's writes do not outlive the call. A negative or reverting result is not
// surfaced as an opportunity -- it is the caller's responsibility to log and
// discard rather than treat it as an error.
func (c *Classifier) SimulateBundle(ctx context.Context, h *harness.Harness, cand Candidate, fromVictim common.Address) (BundleResult, error) {
	safe := c.safe[cand.SafeToken]
	otherLeg := cand.Pool.OtherLeg(cand.SafeToken)

	h.SetEthBalance(harness.SimulatorAddress, big.NewInt(1e18))

	frontrunIn := scaleUnits(big.NewInt(1), safe.Token.Decimals)
	h.SetTokenBalance(harness.SimulatorAddress, cand.SafeToken, safe.Token.Decimals, safe.SlotIndex, big.NewInt(1))

	// Force-read token0/token1 balanceOf(simulator) and getReserves(pool) so
	// those cells land in the writable cache before cloning, matching the
	// spec's requirement that the pre-snapshot already reflect them.
	if _, err := h.Call(harness.SimulatorAddress, &cand.Pool.Token0, nil, mustEncodeBalanceOf(harness.SimulatorAddress), false); err != nil {
		return BundleResult{}, fmt.Errorf("sandwich: warm token0 balance: %w", err)
	}
	if _, err := h.Call(harness.SimulatorAddress, &cand.Pool.Token1, nil, mustEncodeBalanceOf(harness.SimulatorAddress), false); err != nil {
		return BundleResult{}, fmt.Errorf("sandwich: warm token1 balance: %w", err)
	}
	poolAddr := cand.Pool.Address
	if _, err := h.Call(harness.SimulatorAddress, &poolAddr, nil, abicodec.EncodeGetReserves(), false); err != nil {
		return BundleResult{}, fmt.Errorf("sandwich: warm reserves: %w", err)
	}

	snap := h.Snapshot()
	defer h.Inject(snap)

	front, err := h.SimulateV2Swap(frontrunIn, cand.Pool.Address, cand.SafeToken, otherLeg)
	if err != nil {
		return BundleResult{}, fmt.Errorf("sandwich: frontrun leg: %w", err)
	}
	if front.Failure != harness.FailureNone {
		return BundleResult{Candidate: cand, Profitable: false}, nil
	}

	victimRes, err := h.ApplyPendingTx(cand.MeatTx, fromVictim)
	if err != nil {
		return BundleResult{}, fmt.Errorf("sandwich: apply victim tx: %w", err)
	}
	if victimRes.Failure != harness.FailureNone {
		return BundleResult{Candidate: cand, Profitable: false}, nil
	}

	back, err := h.SimulateV2Swap(front.ActualOut, cand.Pool.Address, otherLeg, cand.SafeToken)
	if err != nil {
		return BundleResult{}, fmt.Errorf("sandwich: backrun leg: %w", err)
	}
	if back.Failure != harness.FailureNone {
		return BundleResult{Candidate: cand, Profitable: false}, nil
	}

	profit := new(big.Int).Sub(back.ActualOut, frontrunIn)
	return BundleResult{
		Candidate:   cand,
		FrontrunIn:  frontrunIn,
		BackrunOut:  back.ActualOut,
		ProfitUnits: profit,
		Profitable:  profit.Sign() > 0,
	}, nil
}

func scaleUnits(units *big.Int, decimals uint8) *big.Int {
	return new(big.Int).Mul(units, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
}

func mustEncodeBalanceOf(owner common.Address) []byte {
	data, err := abicodec.EncodeBalanceOf(owner)
	if err != nil {
		panic(err)
	}
	return data
}

// ClassifyBatch runs Classify concurrently over a batch of pending
// transactions, one errgroup goroutine per tx with no concurrency limit; one
// tx's trace failure does not cancel the others -- it is logged and the tx is
// simply excluded.
func (c *Classifier) ClassifyBatch(ctx context.Context, txs []*types.Transaction, froms []common.Address, blockNumber uint64) ([][]Candidate, error) {
	out := make([][]Candidate, len(txs))
	g, gctx := errgroup.WithContext(ctx)
	for i := range txs {
		i := i
		g.Go(func() error {
			cands, err := c.Classify(gctx, txs[i], froms[i], blockNumber)
			if err != nil {
				c.log.Warn("classification failed", "tx", txs[i].Hash(), "err", err)
				return nil // per-tx failure is logged, never fatal to the batch
			}
			out[i] = cands
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
