// Package abicodec encodes and decodes calldata for the small, fixed set of
// contract entry points the simulation engine needs: ERC-20 reads/writes and
// Uniswap-V2-pair reads/writes. The engine drives a real buy/sell round trip
// by calling these entry points directly against the pool and token
// contracts pulled from the fork backend, rather than through an on-chain
// dispatcher of its own.
// It also provides the storage-key derivation shared by the harness, slot
// inference, honeypot filter, and sandwich classifier.
package abicodec

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("abicodec: bad type %q: %v", t, err))
	}
	return typ
}

var (
	addressT = mustType("address")
	uint256T = mustType("uint256")
	boolT    = mustType("bool")
	stringT  = mustType("string")
	uint8T   = mustType("uint8")
)

func method(name string, inputs abi.Arguments, outputs abi.Arguments) abi.Method {
	return abi.NewMethod(name, name, abi.Function, "", false, false, inputs, outputs)
}

var (
	balanceOfMethod = method("balanceOf",
		abi.Arguments{{Type: addressT}},
		abi.Arguments{{Type: uint256T}})

	approveMethod = method("approve",
		abi.Arguments{{Type: addressT}, {Type: uint256T}},
		abi.Arguments{{Type: boolT}})

	transferMethod = method("transfer",
		abi.Arguments{{Type: addressT}, {Type: uint256T}},
		abi.Arguments{{Type: boolT}})

	nameMethod = method("name", nil, abi.Arguments{{Type: stringT}})

	symbolMethod = method("symbol", nil, abi.Arguments{{Type: stringT}})

	decimalsMethod = method("decimals", nil, abi.Arguments{{Type: uint8T}})

	getReservesMethod = method("getReserves", nil,
		abi.Arguments{{Type: mustType("uint112")}, {Type: mustType("uint112")}, {Type: mustType("uint32")}})

	token0Method = method("token0", nil, abi.Arguments{{Type: addressT}})

	swapMethod = method("swap",
		abi.Arguments{{Type: uint256T}, {Type: uint256T}, {Type: addressT}, {Type: mustType("bytes")}},
		nil)
)

// Selector returns the 4-byte function selector for a method, the same
// keccak256(signature)[:4] derivation used throughout the EVM ABI.
func Selector(m abi.Method) [4]byte {
	var sel [4]byte
	copy(sel[:], m.ID)
	return sel
}

// EncodeBalanceOf packs calldata for balanceOf(owner).
func EncodeBalanceOf(owner common.Address) ([]byte, error) {
	args, err := balanceOfMethod.Inputs.Pack(owner)
	if err != nil {
		return nil, fmt.Errorf("abicodec: encode balanceOf: %w", err)
	}
	return append(append([]byte{}, balanceOfMethod.ID...), args...), nil
}

// EncodeApprove packs calldata for approve(spender, amount).
func EncodeApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	args, err := approveMethod.Inputs.Pack(spender, amount)
	if err != nil {
		return nil, fmt.Errorf("abicodec: encode approve: %w", err)
	}
	return append(append([]byte{}, approveMethod.ID...), args...), nil
}

// EncodeTransfer packs calldata for transfer(to, amount).
func EncodeTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	args, err := transferMethod.Inputs.Pack(to, amount)
	if err != nil {
		return nil, fmt.Errorf("abicodec: encode transfer: %w", err)
	}
	return append(append([]byte{}, transferMethod.ID...), args...), nil
}

// EncodeName packs calldata for name().
func EncodeName() []byte { return append([]byte{}, nameMethod.ID...) }

// EncodeSymbol packs calldata for symbol().
func EncodeSymbol() []byte { return append([]byte{}, symbolMethod.ID...) }

// EncodeDecimals packs calldata for decimals().
func EncodeDecimals() []byte { return append([]byte{}, decimalsMethod.ID...) }

// EncodeGetReserves packs calldata for getReserves().
func EncodeGetReserves() []byte { return append([]byte{}, getReservesMethod.ID...) }

// EncodeToken0 packs calldata for token0().
func EncodeToken0() []byte { return append([]byte{}, token0Method.ID...) }

// EncodeSwap packs calldata for swap(amount0Out, amount1Out, to, data), with
// data always empty -- the engine never drives a flash-swap callback.
func EncodeSwap(amount0Out, amount1Out *big.Int, to common.Address) ([]byte, error) {
	args, err := swapMethod.Inputs.Pack(amount0Out, amount1Out, to, []byte{})
	if err != nil {
		return nil, fmt.Errorf("abicodec: encode swap: %w", err)
	}
	return append(append([]byte{}, swapMethod.ID...), args...), nil
}

// DecodeString unpacks the ABI-encoded string return of name()/symbol().
func DecodeString(out []byte) (string, error) {
	vals, err := nameMethod.Outputs.Unpack(out)
	if err != nil {
		return "", fmt.Errorf("abicodec: decode string: %w", err)
	}
	return vals[0].(string), nil
}

// DecodeUint8 unpacks the ABI-encoded return of decimals().
func DecodeUint8(out []byte) (uint8, error) {
	vals, err := decimalsMethod.Outputs.Unpack(out)
	if err != nil {
		return 0, fmt.Errorf("abicodec: decode uint8: %w", err)
	}
	return vals[0].(uint8), nil
}

// DecodeUint256 unpacks a single uint256 return value, e.g. balanceOf.
func DecodeUint256(out []byte) (*big.Int, error) {
	vals, err := balanceOfMethod.Outputs.Unpack(out)
	if err != nil {
		return nil, fmt.Errorf("abicodec: decode uint256: %w", err)
	}
	return vals[0].(*big.Int), nil
}

// Reserves is the decoded return of getReserves().
type Reserves struct {
	Reserve0       *big.Int
	Reserve1       *big.Int
	BlockTimestamp uint32
}

// DecodeGetReserves unpacks the packed (reserve0, reserve1, blockTimestampLast) tuple.
func DecodeGetReserves(out []byte) (Reserves, error) {
	vals, err := getReservesMethod.Outputs.Unpack(out)
	if err != nil {
		return Reserves{}, fmt.Errorf("abicodec: decode reserves: %w", err)
	}
	return Reserves{
		Reserve0:       vals[0].(*big.Int),
		Reserve1:       vals[1].(*big.Int),
		BlockTimestamp: vals[2].(uint32),
	}, nil
}

// DecodeAddress unpacks a single address return value, e.g. token0().
func DecodeAddress(out []byte) (common.Address, error) {
	vals, err := token0Method.Outputs.Unpack(out)
	if err != nil {
		return common.Address{}, fmt.Errorf("abicodec: decode address: %w", err)
	}
	return vals[0].(common.Address), nil
}

// StorageKey computes keccak256(abi.encode(owner, slotIndex)), the standard
// solidity derivation for a value's slot inside `mapping(address => T)` at
// outer slot index slotIndex. Shared by the harness (set_token_balance), slot
// inference (verification), the honeypot filter (seeding), and the sandwich
// classifier (direction inference).
func StorageKey(owner common.Address, slotIndex uint64) common.Hash {
	var buf [64]byte
	copy(buf[12:32], owner.Bytes())
	big.NewInt(0).SetUint64(slotIndex).FillBytes(buf[32:64])
	return crypto.Keccak256Hash(buf[:])
}
