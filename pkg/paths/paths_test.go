package paths

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/solidquant/evm-simulation/pkg/pools"
)

func addr(hex string) common.Address { return common.HexToAddress(hex) }

func TestGenerate_FindsTriangularCycle(t *testing.T) {
	tokenA := addr("0x000000000000000000000000000000000000A1")
	tokenB := addr("0x000000000000000000000000000000000000B2")
	tokenC := addr("0x000000000000000000000000000000000000C3")

	poolAB := pools.Pool{Address: addr("0xaaaa"), Token0: tokenA, Token1: tokenB}
	poolBC := pools.Pool{Address: addr("0xbbbb"), Token0: tokenB, Token1: tokenC}
	poolCA := pools.Pool{Address: addr("0xcccc"), Token0: tokenC, Token1: tokenA}

	universe := []pools.Pool{poolAB, poolBC, poolCA}

	paths := Generate(universe, tokenA)
	require.NotEmpty(t, paths)

	var foundTriangle bool
	for _, p := range paths {
		if len(p.Hops) == 3 {
			foundTriangle = true
			require.Equal(t, tokenA, p.Anchor)
		}
	}
	require.True(t, foundTriangle, "expected a 3-hop cycle A->B->C->A")
}

func TestGenerate_NoPathsWhenGraphDisconnected(t *testing.T) {
	tokenA := addr("0x000000000000000000000000000000000000A1")
	tokenX := addr("0x000000000000000000000000000000000000X1")
	tokenY := addr("0x000000000000000000000000000000000000Y2")

	// A pool entirely disconnected from the anchor.
	unrelated := pools.Pool{Address: addr("0xdddd"), Token0: tokenX, Token1: tokenY}

	paths := Generate([]pools.Pool{unrelated}, tokenA)
	require.Empty(t, paths)
}

func TestGenerate_DeduplicatesBySameSequence(t *testing.T) {
	tokenA := addr("0x000000000000000000000000000000000000A1")
	tokenB := addr("0x000000000000000000000000000000000000B2")
	tokenC := addr("0x000000000000000000000000000000000000C3")

	poolAB := pools.Pool{Address: addr("0xaaaa"), Token0: tokenA, Token1: tokenB}
	poolBC := pools.Pool{Address: addr("0xbbbb"), Token0: tokenB, Token1: tokenC}
	poolCA := pools.Pool{Address: addr("0xcccc"), Token0: tokenC, Token1: tokenA}

	universe := []pools.Pool{poolAB, poolBC, poolCA}

	first := Generate(universe, tokenA)
	second := Generate(universe, tokenA)
	require.Equal(t, len(first), len(second), "generation must be deterministic for a fixed universe")

	seen := make(map[string]bool)
	for _, p := range first {
		key := pathKey(p.Hops)
		require.False(t, seen[key], "duplicate path sequence returned")
		seen[key] = true
	}
}

func TestOutputToken(t *testing.T) {
	tokenA := addr("0x000000000000000000000000000000000000A1")
	tokenB := addr("0x000000000000000000000000000000000000B2")
	p := pools.Pool{Token0: tokenA, Token1: tokenB}

	out, zeroForOne, ok := outputToken(p, tokenA)
	require.True(t, ok)
	require.True(t, zeroForOne)
	require.Equal(t, tokenB, out)

	out, zeroForOne, ok = outputToken(p, tokenB)
	require.True(t, ok)
	require.False(t, zeroForOne)
	require.Equal(t, tokenA, out)

	_, _, ok = outputToken(p, addr("0x000000000000000000000000000000000000ff"))
	require.False(t, ok)
}
