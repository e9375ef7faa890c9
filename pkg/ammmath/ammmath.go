// Package ammmath implements the canonical Uniswap V2 constant-product swap
// formula in Go. The harness uses it as the "expected" leg of a real buy/sell
// round trip -- the pool's own bytecode supplies the "actual" leg -- and
// arbitrage path ranking uses it standalone to price candidates cheaply
// before committing to a full EVM simulation.
package ammmath

import (
	"github.com/holiman/uint256"
)

// GetAmountOut computes amountOut = (amountIn*997*reserveOut) /
// (reserveIn*1000 + amountIn*997), the Uniswap V2 formula with the 0.3% fee.
func GetAmountOut(amountIn, reserveIn, reserveOut *uint256.Int) *uint256.Int {
	if amountIn.IsZero() || reserveIn.IsZero() || reserveOut.IsZero() {
		return uint256.NewInt(0)
	}
	amountInWithFee := new(uint256.Int).Mul(amountIn, uint256.NewInt(997))
	numerator := new(uint256.Int).Mul(amountInWithFee, reserveOut)
	denominator := new(uint256.Int).Mul(reserveIn, uint256.NewInt(1000))
	denominator.Add(denominator, amountInWithFee)
	return new(uint256.Int).Div(numerator, denominator)
}
