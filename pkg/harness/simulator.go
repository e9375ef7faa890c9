package harness

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/solidquant/evm-simulation/pkg/abicodec"
	"github.com/solidquant/evm-simulation/pkg/ammmath"
)

// SimulatorAddress is the fixed account the engine acts as when driving a
// simulated swap: token and ETH balances are seeded directly onto this
// address, and it is the caller/recipient of every synthetic transfer and
// swap a V2SwapResult round trip issues.
var SimulatorAddress = common.HexToAddress("0x4E17607Fb72C01C280d7b5c41Ba9A2109D74a32C")

// V2SwapResult is the outcome of SimulateV2Swap: ExpectedOut is what the
// constant-product formula predicts from the pool's reserves at the moment
// of the call, and ActualOut is what the pool's own bytecode actually paid
// out, measured off tokenOut's balance before and after. A real fee-on-
// transfer token, a paused pool, or a blacklisted recipient shows up either
// as the two diverging or as Failure != FailureNone from one of the legs.
type V2SwapResult struct {
	ExpectedOut *big.Int
	ActualOut   *big.Int
	Failure     FailureKind
}

// SimulateV2Swap drives amountIn of tokenIn through pool and measures what
// tokenOut actually pays SimulatorAddress back, entirely via real calls
// against the pool and token contracts' own bytecode:
//
//  1. read pool.token0() to determine swap direction
//  2. read pool.getReserves() and price the swap with ammmath.GetAmountOut
//  3. read tokenOut.balanceOf(SimulatorAddress) before
//  4. tokenIn.transfer(pool, amountIn)
//  5. pool.swap(amount0Out, amount1Out, SimulatorAddress, "")
//  6. read tokenOut.balanceOf(SimulatorAddress) after
//
// Each leg commits to the harness's writable cache, so a revert partway
// through (a honeypot's sell-side blacklist, a paused pool) is reported via
// Failure rather than unwinding earlier legs -- callers snapshot the harness
// themselves (Harness.Snapshot/Inject) when they need an isolated trial.
func (h *Harness) SimulateV2Swap(amountIn *big.Int, pool, tokenIn, tokenOut common.Address) (V2SwapResult, error) {
	token0Res, err := h.Call(SimulatorAddress, &pool, nil, abicodec.EncodeToken0(), false)
	if err != nil {
		return V2SwapResult{}, fmt.Errorf("harness: simulate v2 swap: read token0: %w", err)
	}
	if token0Res.Failure != FailureNone {
		return V2SwapResult{Failure: token0Res.Failure}, nil
	}
	token0, err := abicodec.DecodeAddress(token0Res.Output)
	if err != nil {
		return V2SwapResult{}, fmt.Errorf("harness: simulate v2 swap: decode token0: %w", err)
	}

	reservesRes, err := h.Call(SimulatorAddress, &pool, nil, abicodec.EncodeGetReserves(), false)
	if err != nil {
		return V2SwapResult{}, fmt.Errorf("harness: simulate v2 swap: read reserves: %w", err)
	}
	if reservesRes.Failure != FailureNone {
		return V2SwapResult{Failure: reservesRes.Failure}, nil
	}
	reserves, err := abicodec.DecodeGetReserves(reservesRes.Output)
	if err != nil {
		return V2SwapResult{}, fmt.Errorf("harness: simulate v2 swap: decode reserves: %w", err)
	}

	zeroForOne := tokenIn == token0
	reserveIn, reserveOut := reserves.Reserve0, reserves.Reserve1
	if !zeroForOne {
		reserveIn, reserveOut = reserveOut, reserveIn
	}

	in256, overflow := uint256.FromBig(amountIn)
	if overflow {
		return V2SwapResult{}, fmt.Errorf("harness: simulate v2 swap: amountIn %s overflows uint256", amountIn)
	}
	rIn256, overflowIn := uint256.FromBig(reserveIn)
	rOut256, overflowOut := uint256.FromBig(reserveOut)
	if overflowIn || overflowOut {
		return V2SwapResult{}, fmt.Errorf("harness: simulate v2 swap: reserve overflows uint256")
	}
	expectedOut := ammmath.GetAmountOut(in256, rIn256, rOut256).ToBig()

	balanceOfData, err := abicodec.EncodeBalanceOf(SimulatorAddress)
	if err != nil {
		return V2SwapResult{}, fmt.Errorf("harness: simulate v2 swap: encode balanceOf: %w", err)
	}
	balBeforeRes, err := h.Call(SimulatorAddress, &tokenOut, nil, balanceOfData, false)
	if err != nil {
		return V2SwapResult{}, fmt.Errorf("harness: simulate v2 swap: read balance before: %w", err)
	}
	if balBeforeRes.Failure != FailureNone {
		return V2SwapResult{ExpectedOut: expectedOut, Failure: balBeforeRes.Failure}, nil
	}
	balBefore, err := abicodec.DecodeUint256(balBeforeRes.Output)
	if err != nil {
		return V2SwapResult{}, fmt.Errorf("harness: simulate v2 swap: decode balance before: %w", err)
	}

	transferData, err := abicodec.EncodeTransfer(pool, amountIn)
	if err != nil {
		return V2SwapResult{}, fmt.Errorf("harness: simulate v2 swap: encode transfer: %w", err)
	}
	transferRes, err := h.Call(SimulatorAddress, &tokenIn, nil, transferData, true)
	if err != nil {
		return V2SwapResult{}, fmt.Errorf("harness: simulate v2 swap: transfer in: %w", err)
	}
	if transferRes.Failure != FailureNone {
		return V2SwapResult{ExpectedOut: expectedOut, Failure: transferRes.Failure}, nil
	}

	amount0Out, amount1Out := big.NewInt(0), big.NewInt(0)
	if zeroForOne {
		amount1Out = expectedOut
	} else {
		amount0Out = expectedOut
	}
	swapData, err := abicodec.EncodeSwap(amount0Out, amount1Out, SimulatorAddress)
	if err != nil {
		return V2SwapResult{}, fmt.Errorf("harness: simulate v2 swap: encode swap: %w", err)
	}
	swapRes, err := h.Call(SimulatorAddress, &pool, nil, swapData, true)
	if err != nil {
		return V2SwapResult{}, fmt.Errorf("harness: simulate v2 swap: swap call: %w", err)
	}
	if swapRes.Failure != FailureNone {
		return V2SwapResult{ExpectedOut: expectedOut, Failure: swapRes.Failure}, nil
	}

	balAfterRes, err := h.Call(SimulatorAddress, &tokenOut, nil, balanceOfData, false)
	if err != nil {
		return V2SwapResult{}, fmt.Errorf("harness: simulate v2 swap: read balance after: %w", err)
	}
	if balAfterRes.Failure != FailureNone {
		return V2SwapResult{ExpectedOut: expectedOut, Failure: balAfterRes.Failure}, nil
	}
	balAfter, err := abicodec.DecodeUint256(balAfterRes.Output)
	if err != nil {
		return V2SwapResult{}, fmt.Errorf("harness: simulate v2 swap: decode balance after: %w", err)
	}

	return V2SwapResult{
		ExpectedOut: expectedOut,
		ActualOut:   new(big.Int).Sub(balAfter, balBefore),
		Failure:     FailureNone,
	}, nil
}
