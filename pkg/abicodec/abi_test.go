package abicodec

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestEncodeBalanceOf_SelectorAndArgs(t *testing.T) {
	owner := common.HexToAddress("0x000000000000000000000000000000000000a1")
	data, err := EncodeBalanceOf(owner)
	require.NoError(t, err)

	require.Equal(t, balanceOfMethod.ID, data[:4])
	require.Len(t, data, 4+32)

	decoded, err := DecodeUint256(encodeUint256Return(t, big.NewInt(42)))
	require.NoError(t, err)
	require.Equal(t, big.NewInt(42), decoded)
}

func encodeUint256Return(t *testing.T, v *big.Int) []byte {
	t.Helper()
	packed, err := balanceOfMethod.Outputs.Pack(v)
	require.NoError(t, err)
	return packed
}

func TestEncodeDecodeRoundTrip_GetReserves(t *testing.T) {
	packed, err := getReservesMethod.Outputs.Pack(big.NewInt(1000), big.NewInt(2000), uint32(123))
	require.NoError(t, err)

	reserves, err := DecodeGetReserves(packed)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1000), reserves.Reserve0)
	require.Equal(t, big.NewInt(2000), reserves.Reserve1)
	require.Equal(t, uint32(123), reserves.BlockTimestamp)
}

func TestEncodeToken0_Selector(t *testing.T) {
	data := EncodeToken0()
	require.Equal(t, token0Method.ID, data)
}

func TestDecodeAddress_RoundTrip(t *testing.T) {
	want := common.HexToAddress("0x00000000000000000000000000000000000002")
	packed, err := token0Method.Outputs.Pack(want)
	require.NoError(t, err)

	got, err := DecodeAddress(packed)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestEncodeSwap_SelectorAndArgs(t *testing.T) {
	to := common.HexToAddress("0x00000000000000000000000000000000000003")
	data, err := EncodeSwap(big.NewInt(0), big.NewInt(100), to)
	require.NoError(t, err)
	require.Equal(t, swapMethod.ID, data[:4])

	unpacked, err := swapMethod.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	require.Equal(t, big.NewInt(0), unpacked[0])
	require.Equal(t, big.NewInt(100), unpacked[1])
	require.Equal(t, to, unpacked[2])
	require.Equal(t, []byte{}, unpacked[3])
}

func TestStorageKey_MatchesManualKeccak(t *testing.T) {
	owner := common.HexToAddress("0x000000000000000000000000000000000000ab")
	var buf [64]byte
	copy(buf[12:32], owner.Bytes())
	big.NewInt(0).SetUint64(7).FillBytes(buf[32:64])
	want := crypto.Keccak256Hash(buf[:])

	got := StorageKey(owner, 7)
	require.Equal(t, want, got)
}

func TestStorageKey_DiffersBySlotIndex(t *testing.T) {
	owner := common.HexToAddress("0x000000000000000000000000000000000000ab")
	require.NotEqual(t, StorageKey(owner, 0), StorageKey(owner, 1))
}

func TestSelector_MatchesMethodID(t *testing.T) {
	sel := Selector(balanceOfMethod)
	require.Equal(t, balanceOfMethod.ID, sel[:])
}
