// Package honeypot classifies candidate tokens via a seeded buy/sell
// round-trip swap, detecting hidden transfer taxes, blacklists, or
// max-holding caps that a faithful constant-product price would not predict.
package honeypot

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/solidquant/evm-simulation/pkg/cache"
	"github.com/solidquant/evm-simulation/pkg/harness"
	"github.com/solidquant/evm-simulation/pkg/log"
	"github.com/solidquant/evm-simulation/pkg/pools"
	"github.com/solidquant/evm-simulation/pkg/tokens"
)

// TaxThresholdBP is the verdict threshold: a buy or sell tax at or above this
// many basis points marks the token a honeypot. 1000bp == 10%.
const TaxThresholdBP = 1000

// SafeToken is a trust-anchor token with its discovered balance slot.
type SafeToken struct {
	Token     tokens.Token
	SlotIndex uint64
}

// Verdict is the classification outcome for one token.
type Verdict struct {
	Token     common.Address
	Honeypot  bool
	BuyTaxBP  int64
	SellTaxBP int64
	Reason    string
}

// Filter runs the per-pool honeypot procedure over a pool universe, using h
// to seed capital and drive the buy/sell round trip through the pool and
// token contracts' own bytecode.
type Filter struct {
	harness *harness.Harness
	resolve *tokens.Resolver
	store   *cache.Store
	safe    map[common.Address]SafeToken
	log     *log.Logger
}

// NewFilter builds a Filter. safeTokens must already have resolved metadata
// and balance slots (the filter's precondition).
func NewFilter(h *harness.Harness, resolve *tokens.Resolver, store *cache.Store, safeTokens []SafeToken) *Filter {
	m := make(map[common.Address]SafeToken, len(safeTokens))
	for _, s := range safeTokens {
		m[s.Token.Address] = s
	}
	return &Filter{harness: h, resolve: resolve, store: store, safe: m, log: log.Default().Module("honeypot")}
}

// notionalUnits returns the policy swap notional for a safe token: 0.1 WETH,
// or 10,000 units for any of USDT/USDC/DAI. These are policy constants
// calibrated to cross slippage noise on thin pools, not protocol values.
func notionalUnits(symbol string) *big.Int {
	if symbol == "WETH" {
		// 0.1 WETH expressed as an integer numerator/denominator pair handled
		// by the caller multiplying by 10^decimals; represented here as
		// "1 unit per 10" via the caller's scaling. See ClassifyPool.
		return big.NewInt(1) // scaled by caller: amount = notionalUnits * 10^(decimals-1)
	}
	return big.NewInt(10000)
}

// ClassifyPool runs the buy/sell round trip for pool, which must have
// exactly one safe-token leg. Idempotent: already-verified or already-flagged
// tokens are skipped.
func (f *Filter) ClassifyPool(ctx context.Context, pool pools.Pool) (*Verdict, error) {
	safeAddr, ok := pool.HasSafeLeg(f.safeAddresses())
	if !ok {
		return nil, nil // not exactly one safe leg; not a candidate
	}
	testAddr := pool.OtherLeg(safeAddr)

	if f.store.IsVerified(testAddr) || f.store.IsHoneypot(testAddr) {
		return nil, nil // idempotence: already classified
	}

	safe := f.safe[safeAddr]

	notional := notionalUnits(safe.Token.Symbol)
	decimals := safe.Token.Decimals
	if safe.Token.Symbol == "WETH" {
		decimals-- // 0.1 WETH: one tenth of a full unit
	}

	f.harness.SetEthBalance(harness.SimulatorAddress, big.NewInt(1e18))
	f.harness.SetTokenBalance(harness.SimulatorAddress, safeAddr, decimals, safe.SlotIndex, notional)

	buySwap, err := f.harness.SimulateV2Swap(scaleToAtomic(notional, decimals), pool.Address, safeAddr, testAddr)
	if err != nil {
		return nil, fmt.Errorf("honeypot: buy leg: %w", err)
	}
	if buySwap.Failure != harness.FailureNone {
		return f.reject(ctx, testAddr, "buy reverted")
	}
	buyTaxBP := taxBasisPoints(buySwap.ExpectedOut, buySwap.ActualOut)
	if buyTaxBP >= TaxThresholdBP {
		return f.reject(ctx, testAddr, "buy tax over threshold")
	}

	sellSwap, err := f.harness.SimulateV2Swap(buySwap.ActualOut, pool.Address, testAddr, safeAddr)
	if err != nil {
		return nil, fmt.Errorf("honeypot: sell leg: %w", err)
	}
	if sellSwap.Failure != harness.FailureNone {
		// A revert on the sell phase is treated the same as a punitive sell
		// tax: the position is unexitable either way.
		return f.reject(ctx, testAddr, "sell reverted")
	}
	sellTaxBP := taxBasisPoints(sellSwap.ExpectedOut, sellSwap.ActualOut)
	if sellTaxBP >= TaxThresholdBP {
		return f.reject(ctx, testAddr, "sell tax over threshold")
	}

	tok, err := f.resolve.Resolve(ctx, testAddr)
	if err != nil {
		return nil, fmt.Errorf("honeypot: resolve metadata for verified token: %w", err)
	}
	var impl common.Address
	if tok.Implementation != nil {
		impl = *tok.Implementation
	}
	if err := f.store.RecordVerified(cache.TokenRecord{
		Address:        tok.Address,
		Implementation: impl,
		Name:           tok.Name,
		Symbol:         tok.Symbol,
		Decimals:       tok.Decimals,
	}); err != nil {
		return nil, fmt.Errorf("honeypot: record verified: %w", err)
	}

	return &Verdict{Token: testAddr, Honeypot: false, BuyTaxBP: buyTaxBP, SellTaxBP: sellTaxBP}, nil
}

func (f *Filter) reject(ctx context.Context, token common.Address, reason string) (*Verdict, error) {
	if err := f.store.RecordHoneypot(token); err != nil {
		return nil, fmt.Errorf("honeypot: record rejected: %w", err)
	}
	f.log.Info("token rejected", "token", token, "reason", reason)
	return &Verdict{Token: token, Honeypot: true, Reason: reason}, nil
}

func (f *Filter) safeAddresses() []common.Address {
	out := make([]common.Address, 0, len(f.safe))
	for a := range f.safe {
		out = append(out, a)
	}
	return out
}

// taxBasisPoints computes (expected-actual)/expected in basis points,
// rounding toward zero. A non-positive expected treats as zero tax to avoid
// a division by zero corrupting the verdict.
func taxBasisPoints(expected, actual *big.Int) int64 {
	if expected == nil || expected.Sign() <= 0 {
		return 0
	}
	diff := new(big.Int).Sub(expected, actual)
	bp := new(big.Int).Mul(diff, big.NewInt(10000))
	bp.Div(bp, expected)
	return bp.Int64()
}

func scaleToAtomic(units *big.Int, decimals uint8) *big.Int {
	return new(big.Int).Mul(units, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
}
