package sandwich

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/solidquant/evm-simulation/pkg/abicodec"
	"github.com/solidquant/evm-simulation/pkg/honeypot"
	"github.com/solidquant/evm-simulation/pkg/pools"
	"github.com/solidquant/evm-simulation/pkg/provider"
	"github.com/solidquant/evm-simulation/pkg/tokens"
)

func TestBaseFeeGate_DynamicFeeTx(t *testing.T) {
	tx := types.NewTx(&types.DynamicFeeTx{
		GasFeeCap: big.NewInt(100),
		GasTipCap: big.NewInt(1),
		Gas:       21000,
	})
	require.True(t, BaseFeeGate(tx, big.NewInt(100)))
	require.True(t, BaseFeeGate(tx, big.NewInt(50)))
	require.False(t, BaseFeeGate(tx, big.NewInt(101)))
}

func TestBaseFeeGate_LegacyTx(t *testing.T) {
	tx := types.NewTx(&types.LegacyTx{
		GasPrice: big.NewInt(100),
		Gas:      21000,
	})
	require.True(t, BaseFeeGate(tx, big.NewInt(100)))
	require.False(t, BaseFeeGate(tx, big.NewInt(200)))
}

func TestInferDirection_FindsIncreasingSafeBalance(t *testing.T) {
	pool := common.HexToAddress("0x10")
	safeAddr := common.HexToAddress("0x01")
	slot := uint64(3)

	safe := map[common.Address]honeypot.SafeToken{
		safeAddr: {Token: tokens.Token{Address: safeAddr}, SlotIndex: slot},
	}
	c := &Classifier{safe: safe}

	key := abicodec.StorageKey(pool, slot)
	trace := provider.PrestateTrace{
		Pre: map[common.Address]provider.AccountState{
			safeAddr: {Storage: map[common.Hash]common.Hash{key: common.BigToHash(big.NewInt(100))}},
		},
		Post: map[common.Address]provider.AccountState{
			safeAddr: {Storage: map[common.Hash]common.Hash{key: common.BigToHash(big.NewInt(150))}},
		},
	}

	got := c.InferDirection(pool, trace)
	require.Equal(t, safeAddr, got)
}

func TestInferDirection_NoMatchReturnsZeroAddress(t *testing.T) {
	pool := common.HexToAddress("0x10")
	safeAddr := common.HexToAddress("0x01")
	slot := uint64(3)

	safe := map[common.Address]honeypot.SafeToken{
		safeAddr: {Token: tokens.Token{Address: safeAddr}, SlotIndex: slot},
	}
	c := &Classifier{safe: safe}

	key := abicodec.StorageKey(pool, slot)
	trace := provider.PrestateTrace{
		Pre: map[common.Address]provider.AccountState{
			safeAddr: {Storage: map[common.Hash]common.Hash{key: common.BigToHash(big.NewInt(150))}},
		},
		Post: map[common.Address]provider.AccountState{
			safeAddr: {Storage: map[common.Hash]common.Hash{key: common.BigToHash(big.NewInt(100))}}, // decreasing
		},
	}

	got := c.InferDirection(pool, trace)
	require.Equal(t, common.Address{}, got)
}

func TestInferDirection_MissingPoolEntryReturnsZeroAddress(t *testing.T) {
	pool := common.HexToAddress("0x10")
	c := &Classifier{safe: map[common.Address]honeypot.SafeToken{}}
	got := c.InferDirection(pool, provider.PrestateTrace{})
	require.Equal(t, common.Address{}, got)
}

func TestClassify_NoTouchedPoolsReturnsEmpty(t *testing.T) {
	p := provider.NewFake()
	c := NewClassifier(p, nil, nil)

	tx := types.NewTx(&types.LegacyTx{To: new(common.Address), GasPrice: big.NewInt(1), Gas: 21000})
	from := common.HexToAddress("0x01")

	cands, err := c.Classify(context.Background(), tx, from, 100)
	require.NoError(t, err)
	require.Empty(t, cands)
}

func TestClassify_FindsSandwichableCandidate(t *testing.T) {
	pool := pools.Pool{Address: common.HexToAddress("0x10"), Token0: common.HexToAddress("0x01"), Token1: common.HexToAddress("0x02")}
	safeAddr := pool.Token0
	slot := uint64(3)

	p := provider.NewFake()
	key := abicodec.StorageKey(pool.Address, slot)
	p.Traces[pool.Address] = provider.PrestateTrace{
		Pre: map[common.Address]provider.AccountState{
			safeAddr: {Storage: map[common.Hash]common.Hash{key: common.BigToHash(big.NewInt(100))}},
		},
		Post: map[common.Address]provider.AccountState{
			pool.Address: {},
			safeAddr:     {Storage: map[common.Hash]common.Hash{key: common.BigToHash(big.NewInt(150))}},
		},
	}

	c := NewClassifier(p, []pools.Pool{pool},
		[]honeypot.SafeToken{{Token: tokens.Token{Address: safeAddr}, SlotIndex: slot}})

	tx := types.NewTx(&types.LegacyTx{To: &pool.Address, GasPrice: big.NewInt(1), Gas: 21000})
	from := common.HexToAddress("0x99")

	cands, err := c.Classify(context.Background(), tx, from, 100)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	require.Equal(t, pool.Address, cands[0].Pool.Address)
	require.Equal(t, safeAddr, cands[0].SafeToken)
}
