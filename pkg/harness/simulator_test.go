package harness

import (
	"context"
	"encoding/binary"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/solidquant/evm-simulation/pkg/ammmath"
	"github.com/solidquant/evm-simulation/pkg/provider"
)

// asm assembles EVM bytecode programmatically instead of via a hand-typed
// hex literal, so a forward jump target is always a computed byte offset
// rather than a transcribed one.
type asm struct {
	buf    []byte
	fixups map[string][]int
	labels map[string]int
}

func newAsm() *asm {
	return &asm{fixups: map[string][]int{}, labels: map[string]int{}}
}

func (a *asm) emit(b ...byte) *asm {
	a.buf = append(a.buf, b...)
	return a
}

func (a *asm) push1(v byte) *asm { return a.emit(0x60, v) }

func (a *asm) push4(v uint32) *asm {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return a.emit(append([]byte{0x63}, b[:]...)...)
}

func (a *asm) push20(addr common.Address) *asm {
	return a.emit(append([]byte{0x73}, addr.Bytes()...)...)
}

func (a *asm) push32(v *big.Int) *asm {
	var b [32]byte
	v.FillBytes(b[:])
	return a.emit(append([]byte{0x7f}, b[:]...)...)
}

// jumpiTo consumes the condition already left on the stack by the caller and
// jumps to label if it is non-zero.
func (a *asm) jumpiTo(label string) *asm {
	a.emit(0x61, 0, 0) // PUSH2 placeholder
	a.fixups[label] = append(a.fixups[label], len(a.buf)-2)
	return a.emit(0x57) // JUMPI
}

func (a *asm) label(name string) *asm {
	a.labels[name] = len(a.buf)
	return a.emit(0x5b) // JUMPDEST
}

func (a *asm) bytes() []byte {
	out := append([]byte{}, a.buf...)
	for label, offsets := range a.fixups {
		dest, ok := a.labels[label]
		if !ok {
			panic("asm: unresolved label " + label)
		}
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(dest))
		for _, off := range offsets {
			out[off] = b[0]
			out[off+1] = b[1]
		}
	}
	return out
}

const (
	opMSTORE       = 0x52
	opMLOAD        = 0x51
	opCALLDATALOAD = 0x35
	opSLOAD        = 0x54
	opSSTORE       = 0x55
	opADD          = 0x01
	opMUL          = 0x02
	opDIV          = 0x04
	opEQ           = 0x14
	opDUP1         = 0x80
	opSWAP1        = 0x90
	opPOP          = 0x50
	opGAS          = 0x5a
	opCALL         = 0xf1
	opRETURN       = 0xf3
	opREVERT       = 0xfd
	opSTOP         = 0x00
)

// selectorShift is 2^224: dividing a calldataload'd word by it isolates the
// leading 4-byte selector as an integer, without SHR (whose activation
// depends on a mainnet block number the test's low BlockEnv.Number predates).
func selectorShift() *big.Int {
	return new(big.Int).Lsh(big.NewInt(1), 224)
}

// dispatchHeader writes the 4-byte selector, extracted via CALLDATALOAD+DIV,
// into memory word 0 for the branches that follow to compare against.
func dispatchHeader(a *asm) *asm {
	return a.push1(0).emit(opCALLDATALOAD).push32(selectorShift()).emit(opDIV).push1(0).emit(opMSTORE)
}

func dispatchBranch(a *asm, selector uint32, label string) *asm {
	return a.push1(0).emit(opMLOAD).push4(selector).emit(opEQ).jumpiTo(label)
}

func revertFallback(a *asm) *asm {
	return a.push1(0).push1(0).emit(opREVERT)
}

// buildMockPool assembles a fixture Uniswap-V2-pair contract fixed to the
// zeroForOne direction (token0 == tokenIn): token0() and getReserves() return
// fixed constants, and swap(amount0Out, amount1Out, to, data) pays amount1Out
// of tokenOut to recipient by issuing a real CALL into tokenOut's transfer.
func buildMockPool(tokenIn, tokenOut, recipient common.Address, reserveIn, reserveOut *big.Int) []byte {
	a := newAsm()
	dispatchHeader(a)
	dispatchBranch(a, 0x0dfe1681, "token0") // token0()
	dispatchBranch(a, 0x0902f1ac, "reserves") // getReserves()
	dispatchBranch(a, 0x022c0d9f, "swap")    // swap(uint256,uint256,address,bytes)
	revertFallback(a)

	a.label("token0")
	a.push20(tokenIn).push1(0).emit(opMSTORE)
	a.push1(0x20).push1(0).emit(opRETURN)

	a.label("reserves")
	a.push32(reserveIn).push1(0).emit(opMSTORE)
	a.push32(reserveOut).push1(0x20).emit(opMSTORE)
	a.push1(0).push1(0x40).emit(opMSTORE)
	a.push1(0x60).push1(0).emit(opRETURN)

	a.label("swap")
	// build tokenOut.transfer(recipient, amount1Out) calldata at mem[0:68)
	a.push4(0xa9059cbb).push32(selectorShift()).emit(opMUL).push1(0).emit(opMSTORE)
	a.push20(recipient).push1(4).emit(opMSTORE)
	a.push1(36).emit(opCALLDATALOAD).push1(36).emit(opMSTORE) // amount1Out passthrough
	// fixed gas for the inner CALL: the fixtures run at a pre-EIP-150 block
	// number, where forwarding all of GAS asks for more than the CALL can pay
	a.push1(0).push1(0).push1(68).push1(0).push1(0).push20(tokenOut).push4(1_000_000).emit(opCALL)
	a.emit(opPOP)
	a.emit(opSTOP)

	return a.bytes()
}

// buildMockToken assembles a fixture ERC-20 using the holder address itself
// as the storage slot (non-standard, but this is a fixture, not a production
// token): balanceOf(address) reads it, transfer(address,uint256) credits it
// by feeBP/10000 of the requested amount -- feeBP=10000 means an honest,
// fee-free token; anything less models a transfer tax a honeypot filter
// should detect as a divergence between ExpectedOut and ActualOut.
func buildMockToken(feeBP uint32) []byte {
	a := newAsm()
	dispatchHeader(a)
	dispatchBranch(a, 0x70a08231, "balanceOf") // balanceOf(address)
	dispatchBranch(a, 0xa9059cbb, "transfer")  // transfer(address,uint256)
	revertFallback(a)

	a.label("balanceOf")
	a.push1(4).emit(opCALLDATALOAD).emit(opSLOAD)
	a.push1(0).emit(opMSTORE)
	a.push1(0x20).push1(0).emit(opRETURN)

	a.label("transfer")
	a.push1(4).emit(opCALLDATALOAD)   // [to]
	a.emit(opDUP1)                    // [to, to]
	a.emit(opSLOAD)                   // [to, balance]
	a.push1(36).emit(opCALLDATALOAD)  // [to, balance, amount]
	a.push4(feeBP).emit(opMUL)        // [to, balance, amount*feeBP]
	a.push4(10000).emit(opDIV)        // [to, balance, credited]
	a.emit(opADD)                     // [to, sum]
	a.emit(opSWAP1)                   // [sum, to]
	a.emit(opSSTORE)
	a.emit(opSTOP)

	return a.bytes()
}

// buildAlwaysSucceedsToken is a minimal stand-in for tokenIn: every call
// succeeds unconditionally with no state change, since SimulateV2Swap only
// checks the transfer-in leg's Failure, never its return value.
func buildAlwaysSucceedsToken() []byte {
	return []byte{opSTOP}
}

func newSimulatorTestHarness(t *testing.T) *Harness {
	t.Helper()
	backend := NewForkBackend(provider.NewFake(), 100, 0)
	return New(context.Background(), backend, BlockEnv{
		Number:   101,
		GasLimit: DefaultGasLimit,
		BaseFee:  big.NewInt(0),
	})
}

func TestSimulateV2Swap_HonestRoundTrip_MatchesFormula(t *testing.T) {
	h := newSimulatorTestHarness(t)

	pool := common.HexToAddress("0xa001")
	tokenIn := common.HexToAddress("0x1001")
	tokenOut := common.HexToAddress("0x2002")

	reserveIn := big.NewInt(10_000_000)
	reserveOut := big.NewInt(20_000_000)
	amountIn := big.NewInt(1_000)

	h.SetCode(pool, buildMockPool(tokenIn, tokenOut, SimulatorAddress, reserveIn, reserveOut))
	h.SetCode(tokenIn, buildAlwaysSucceedsToken())
	h.SetCode(tokenOut, buildMockToken(10000)) // fee-free: pays out in full

	res, err := h.SimulateV2Swap(amountIn, pool, tokenIn, tokenOut)
	require.NoError(t, err)
	require.Equal(t, FailureNone, res.Failure)

	in256 := uint256.MustFromBig(amountIn)
	rIn256 := uint256.MustFromBig(reserveIn)
	rOut256 := uint256.MustFromBig(reserveOut)
	want := ammmath.GetAmountOut(in256, rIn256, rOut256).ToBig()

	require.Equal(t, want, res.ExpectedOut)
	require.Equal(t, want, res.ActualOut, "an honest pool/token pair must pay out exactly the formula's prediction")
}

func TestSimulateV2Swap_TaxedToken_DivergesFromFormula(t *testing.T) {
	h := newSimulatorTestHarness(t)

	pool := common.HexToAddress("0xa002")
	tokenIn := common.HexToAddress("0x1003")
	tokenOut := common.HexToAddress("0x2004")

	reserveIn := big.NewInt(10_000_000)
	reserveOut := big.NewInt(20_000_000)
	amountIn := big.NewInt(1_000)

	h.SetCode(pool, buildMockPool(tokenIn, tokenOut, SimulatorAddress, reserveIn, reserveOut))
	h.SetCode(tokenIn, buildAlwaysSucceedsToken())
	h.SetCode(tokenOut, buildMockToken(9000)) // 10% transfer tax

	res, err := h.SimulateV2Swap(amountIn, pool, tokenIn, tokenOut)
	require.NoError(t, err)
	require.Equal(t, FailureNone, res.Failure)

	require.True(t, res.ActualOut.Cmp(res.ExpectedOut) < 0, "a taxed token must pay out less than the formula predicted")

	wantActual := new(big.Int).Mul(res.ExpectedOut, big.NewInt(9000))
	wantActual.Div(wantActual, big.NewInt(10000))
	require.Equal(t, wantActual, res.ActualOut)
}
