package arbitrage

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/solidquant/evm-simulation/pkg/ammmath"
	"github.com/solidquant/evm-simulation/pkg/harness"
	"github.com/solidquant/evm-simulation/pkg/paths"
	"github.com/solidquant/evm-simulation/pkg/pools"
	"github.com/solidquant/evm-simulation/pkg/provider"
)

func newTestHarness(t *testing.T) *harness.Harness {
	t.Helper()
	backend := harness.NewForkBackend(provider.NewFake(), 100, 0)
	return harness.New(context.Background(), backend, harness.BlockEnv{
		Number:   101,
		GasLimit: harness.DefaultGasLimit,
		BaseFee:  big.NewInt(0),
	})
}

// constReturnRuntime assembles a minimal contract that ignores its calldata
// and always returns the given 32-byte words packed back to back -- enough
// to stand in for a pool's getReserves() without deploying real bytecode.
func constReturnRuntime(words ...common.Hash) []byte {
	var code []byte
	for i, w := range words {
		code = append(code, 0x7f) // PUSH32
		code = append(code, w.Bytes()...)
		code = append(code, 0x60, byte(i*32)) // PUSH1 offset
		code = append(code, 0x52)             // MSTORE
	}
	total := len(words) * 32
	code = append(code, 0x60, byte(total)) // PUSH1 len
	code = append(code, 0x60, 0x00)        // PUSH1 0
	code = append(code, 0xf3)              // RETURN
	return code
}

func TestEstimateProfit_MatchesNativeFormulaSingleHop(t *testing.T) {
	h := newTestHarness(t)

	poolAddr := common.HexToAddress("0x50")
	reserve0 := big.NewInt(10_000_000)
	reserve1 := big.NewInt(10_000_000)
	h.SetCode(poolAddr, constReturnRuntime(
		common.BigToHash(reserve0),
		common.BigToHash(reserve1),
		common.Hash{}, // blockTimestampLast
	))

	anchor := common.HexToAddress("0x01")
	other := common.HexToAddress("0x02")
	pool := pools.Pool{Address: poolAddr, Token0: anchor, Token1: other}
	path := paths.Path{Anchor: anchor, Hops: []paths.Hop{{Pool: pool, ZeroForOne: true}}}

	amountIn := big.NewInt(1_000_000)
	s := NewSimulator()
	got, err := s.EstimateProfit(context.Background(), h, path, amountIn)
	require.NoError(t, err)

	in, _ := uint256.FromBig(amountIn)
	rIn, _ := uint256.FromBig(reserve0)
	rOut, _ := uint256.FromBig(reserve1)
	wantOut := ammmath.GetAmountOut(in, rIn, rOut).ToBig()
	want := new(big.Int).Sub(wantOut, amountIn)

	require.Equal(t, want, got)
}

func TestEstimateProfit_HonorsDirection(t *testing.T) {
	h := newTestHarness(t)

	poolAddr := common.HexToAddress("0x50")
	reserve0 := big.NewInt(5_000_000)
	reserve1 := big.NewInt(20_000_000)
	h.SetCode(poolAddr, constReturnRuntime(
		common.BigToHash(reserve0),
		common.BigToHash(reserve1),
		common.Hash{},
	))

	anchor := common.HexToAddress("0x02") // token1 is the anchor this time
	other := common.HexToAddress("0x01")
	pool := pools.Pool{Address: poolAddr, Token0: other, Token1: anchor}
	path := paths.Path{Anchor: anchor, Hops: []paths.Hop{{Pool: pool, ZeroForOne: false}}}

	amountIn := big.NewInt(1_000_000)
	s := NewSimulator()
	got, err := s.EstimateProfit(context.Background(), h, path, amountIn)
	require.NoError(t, err)

	// ZeroForOne=false means reserveIn/reserveOut must swap from the raw
	// reserve0/reserve1 order.
	in, _ := uint256.FromBig(amountIn)
	rIn, _ := uint256.FromBig(reserve1)
	rOut, _ := uint256.FromBig(reserve0)
	wantOut := ammmath.GetAmountOut(in, rIn, rOut).ToBig()
	want := new(big.Int).Sub(wantOut, amountIn)

	require.Equal(t, want, got)
}
