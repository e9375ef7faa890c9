package pools

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

func addr(hex string) common.Address { return common.HexToAddress(hex) }

func makePairCreatedLog(t *testing.T, token0, token1, pair common.Address, blockNumber uint64) types.Log {
	t.Helper()
	packed, err := pairCreatedDataArgs.Pack(pair, big.NewInt(1))
	require.NoError(t, err)
	return types.Log{
		Topics: []common.Hash{
			pairCreatedSig,
			common.BytesToHash(token0.Bytes()),
			common.BytesToHash(token1.Bytes()),
		},
		Data:        packed,
		BlockNumber: blockNumber,
	}
}

func TestDecodePairCreated_OrdersTokensLexicographically(t *testing.T) {
	high := addr("0xFFFF000000000000000000000000000000000F")
	low := addr("0x0000000000000000000000000000000000000A")
	pair := addr("0x1111111111111111111111111111111111111a")

	// Topics passed in reverse (token0=high, token1=low) -- decodePairCreated
	// must still produce Token0 < Token1.
	l := makePairCreatedLog(t, high, low, pair, 100)

	p, err := decodePairCreated(l, "uniswap-v2", 100)
	require.NoError(t, err)
	require.Equal(t, low, p.Token0)
	require.Equal(t, high, p.Token1)
	require.Equal(t, uint16(30), p.FeeBps)
}

func TestDecodePairCreated_RejectsWrongTopicCount(t *testing.T) {
	l := types.Log{Topics: []common.Hash{pairCreatedSig}}
	_, err := decodePairCreated(l, "uniswap-v2", 1)
	require.Error(t, err)
}

func TestPool_HasSafeLeg(t *testing.T) {
	weth := addr("0x0000000000000000000000000000000000dEaD")
	usdc := addr("0x0000000000000000000000000000000000bEEF")
	shitcoin := addr("0x00000000000000000000000000000000001234")

	p := Pool{Token0: weth, Token1: shitcoin}
	safe := []common.Address{weth, usdc}

	match, ok := p.HasSafeLeg(safe)
	require.True(t, ok)
	require.Equal(t, weth, match)
	require.Equal(t, shitcoin, p.OtherLeg(weth))
}

func TestPool_HasSafeLeg_RejectsBothLegsSafe(t *testing.T) {
	weth := addr("0x0000000000000000000000000000000000dEaD")
	usdc := addr("0x0000000000000000000000000000000000bEEF")

	p := Pool{Token0: weth, Token1: usdc}
	_, ok := p.HasSafeLeg([]common.Address{weth, usdc})
	require.False(t, ok, "a pool where both legs are safe tokens has no honeypot candidate leg")
}

func TestPool_HasSafeLeg_RejectsNeitherLegSafe(t *testing.T) {
	a := addr("0x0000000000000000000000000000000000aaaa")
	b := addr("0x0000000000000000000000000000000000bbbb")
	weth := addr("0x0000000000000000000000000000000000dEaD")

	p := Pool{Token0: a, Token1: b}
	_, ok := p.HasSafeLeg([]common.Address{weth})
	require.False(t, ok)
}
