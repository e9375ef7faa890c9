// Package harness provides a forked, in-memory EVM execution environment
// that lazily materializes account and storage state from a remote archival
// node and supports cheap state snapshots for running many independent
// simulations from a shared pre-state.
package harness

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/params"

	"github.com/solidquant/evm-simulation/pkg/abicodec"
	"github.com/solidquant/evm-simulation/pkg/log"
)

// DefaultGasLimit is the gas limit applied to every synthetic call; high
// enough that legitimate pool/token logic never hits it.
const DefaultGasLimit = 5_000_000

// maxCodeSize is an elevated contract-code-size ceiling. call does not pass
// it to the EVM, so go-ethereum's own code-size limit still applies to
// contracts created through Call.
const maxCodeSize = 1024 * 1024

// BlockEnv describes the block the harness's EVM calls execute "as of" --
// i.e. state as of the end of block N, transactions run as if included in
// block N+1.
type BlockEnv struct {
	Number    uint64
	Timestamp uint64
	BaseFee   *big.Int
	Coinbase  common.Address
	GasLimit  uint64
}

// Harness executes EVM calls against a CacheStateDB layered over a shared
// ForkBackend. One harness instance exclusively owns one writable cache
// generation.
type Harness struct {
	backend  *ForkBackend
	state    *CacheStateDB
	chainCfg *params.ChainConfig
	blockEnv BlockEnv
	log      *log.Logger
}

// New builds a harness pinned to backend's block, with a fresh empty
// writable cache.
func New(ctx context.Context, backend *ForkBackend, env BlockEnv) *Harness {
	return &Harness{
		backend:  backend,
		state:    NewCacheStateDB(ctx, backend),
		chainCfg: params.MainnetChainConfig,
		blockEnv: env,
		log:      log.Default().Module("harness"),
	}
}

// Snapshot deep-copies the writable cache only; the backend is shared. Two
// harnesses sharing a backend can diverge from a common snapshot without
// interference -- required for running many sandwich bundles from the same
// pre-state.
func (h *Harness) Snapshot() *CacheStateDB { return h.state.Clone() }

// Inject replaces this harness's writable cache with cache, discarding prior
// mutations.
func (h *Harness) Inject(cache *CacheStateDB) { h.state.Inject(cache) }

// SetEthBalance overwrites the writable balance entry without invoking the EVM.
func (h *Harness) SetEthBalance(addr common.Address, wei *big.Int) {
	h.state.SetEthBalance(addr, wei)
}

// SetCode installs code at addr in the writable cache without invoking the
// EVM's contract-creation path. Used to seed fixture pool/token contracts
// directly, bypassing real deployment.
func (h *Harness) SetCode(addr common.Address, code []byte) {
	h.state.SetCode(addr, code)
}

// SetTokenBalance computes storage_key = keccak256(abi_encode(account, slot))
// and overwrites storage[token][storage_key] = amount * 10^decimals, seeding
// the account with capital without invoking the token's transfer logic.
func (h *Harness) SetTokenBalance(account, token common.Address, decimals uint8, slotIndex uint64, amountUnits *big.Int) {
	scaled := new(big.Int).Mul(amountUnits, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	key := abicodec.StorageKey(account, slotIndex)
	h.state.SetStorage(token, key, common.BigToHash(scaled))
}

// FailureKind classifies why a Call did not return successfully, matching
// the three-way split the pipeline treats very differently: reverts and
// halts are classification signals (never fatal); I/O failures bubble up.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureRevert
	FailureHalt
)

// CallResult is the outcome of Call/ApplyPendingTx.
type CallResult struct {
	Output       []byte
	GasUsed      uint64
	GasRefunded  uint64
	Failure      FailureKind
	RevertReason []byte
	HaltReason   error
}

// Call executes a synthetic message at zero gas price: simulation callers
// care about the output and the resulting balances, never about the fee the
// caller would have paid, so GasPrice is fixed at 0 and no balance is debited
// for gas. commit=false runs read-only, discarding state changes via
// snapshot/revert; commit=true writes through to the writable cache.
func (h *Harness) Call(from common.Address, to *common.Address, value *big.Int, data []byte, commit bool) (CallResult, error) {
	return h.call(from, to, value, data, commit, big.NewInt(0))
}

func (h *Harness) call(from common.Address, to *common.Address, value *big.Int, data []byte, commit bool, gasPrice *big.Int) (CallResult, error) {
	if value == nil {
		value = new(big.Int)
	}

	blockCtx := vm.BlockContext{
		CanTransfer: func(db vm.StateDB, addr common.Address, amount *big.Int) bool {
			return db.GetBalance(addr).Cmp(amount) >= 0
		},
		Transfer: func(db vm.StateDB, from, to common.Address, amount *big.Int) {
			db.SubBalance(from, amount)
			db.AddBalance(to, amount)
		},
		GetHash:     func(uint64) common.Hash { return common.Hash{} },
		Coinbase:    h.blockEnv.Coinbase,
		BlockNumber: new(big.Int).SetUint64(h.blockEnv.Number),
		Time:        h.blockEnv.Timestamp,
		Difficulty:  big.NewInt(0),
		GasLimit:    h.blockEnv.GasLimit,
		BaseFee:     h.blockEnv.BaseFee,
	}

	cfg := vm.Config{NoBaseFee: true}

	snap := h.state.Snapshot()
	if !commit {
		defer h.state.RevertToSnapshot(snap)
	}

	evm := vm.NewEVM(blockCtx, vm.TxContext{Origin: from, GasPrice: gasPrice}, h.state, h.chainCfg, cfg)

	gasLimit := uint64(DefaultGasLimit)
	var (
		ret      []byte
		leftover uint64
		err      error
	)
	if to == nil {
		var contractAddr common.Address
		ret, contractAddr, leftover, err = evm.Create(vm.AccountRef(from), data, gasLimit, value)
		_ = contractAddr
	} else {
		ret, leftover, err = evm.Call(vm.AccountRef(from), *to, data, gasLimit, value)
	}

	gasUsed := gasLimit - leftover
	if commit && gasPrice.Sign() > 0 {
		fee := new(big.Int).Mul(new(big.Int).SetUint64(gasUsed), gasPrice)
		h.state.SubBalance(from, fee)
		h.state.AddBalance(h.blockEnv.Coinbase, fee)
	}

	result := CallResult{
		Output:      ret,
		GasUsed:     gasUsed,
		GasRefunded: h.state.GetRefund(),
	}

	switch {
	case err == nil:
		return result, nil
	case errors.Is(err, vm.ErrExecutionReverted):
		result.Failure = FailureRevert
		result.RevertReason = ret
		return result, nil
	case isHaltError(err):
		result.Failure = FailureHalt
		result.HaltReason = err
		return result, nil
	default:
		return result, fmt.Errorf("harness: call: %w", err)
	}
}

// isHaltError reports whether err is one of go-ethereum's EVM-halting
// conditions (out of gas, invalid opcode, stack fault, ...) as opposed to a
// backend I/O failure, which should propagate instead of being swallowed as
// a classification verdict.
func isHaltError(err error) bool {
	switch {
	case errors.Is(err, vm.ErrOutOfGas),
		errors.Is(err, vm.ErrCodeStoreOutOfGas),
		errors.Is(err, vm.ErrDepth),
		errors.Is(err, vm.ErrInsufficientBalance),
		errors.Is(err, vm.ErrContractAddressCollision),
		errors.Is(err, vm.ErrExecutionReverted),
		errors.Is(err, vm.ErrMaxCodeSizeExceeded),
		errors.Is(err, vm.ErrInvalidJump),
		errors.Is(err, vm.ErrWriteProtection),
		errors.Is(err, vm.ErrReturnDataOutOfBounds),
		errors.Is(err, vm.ErrGasUintOverflow),
		errors.Is(err, vm.ErrInvalidCode):
		return true
	}
	return false
}

// ApplyPendingTx re-derives caller/to/value/data from a real mempool
// transaction, picks gas_price from legacy or EIP-1559 fields based on the
// transaction type, and commits -- including debiting from for the gas fee
// and crediting the block's coinbase, so the replayed transaction leaves its
// sender and the coinbase with the same fee-adjusted balances a real
// inclusion would. SimulateBundle's own legs run through Call at zero gas
// price, and its profit is read off swap outputs, not balances.
func (h *Harness) ApplyPendingTx(tx *types.Transaction, from common.Address) (CallResult, error) {
	gasPrice := tx.GasPrice()
	if tx.Type() == types.DynamicFeeTxType {
		tip := tx.GasTipCap()
		feeCap := tx.GasFeeCap()
		gasPrice = new(big.Int).Add(h.blockEnv.BaseFee, tip)
		if gasPrice.Cmp(feeCap) > 0 {
			gasPrice = feeCap
		}
	}

	return h.call(from, tx.To(), tx.Value(), tx.Data(), true, gasPrice)
}

// NextBaseFee derives the EIP-1559 base fee of the block following one with
// the given parent base fee, gas used, and gas limit:
//
//	f_{n+1} = f_n * (1 + (gasUsed - target) / target / 8), target = gasLimit / 2
func NextBaseFee(parentBaseFee *big.Int, gasUsed, gasLimit uint64) *big.Int {
	if parentBaseFee == nil || gasLimit == 0 {
		return new(big.Int)
	}
	target := float64(gasLimit) / 2
	delta := (float64(gasUsed) - target) / target / 8
	next := float64(parentBaseFee.Int64()) * (1 + delta)
	if next < 0 || math.IsNaN(next) {
		next = 0
	}
	return big.NewInt(int64(next))
}
