package harness

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// account is the writable-layer view of one address: balance/nonce/code plus
// storage overrides. A key present in storage is an explicit write and
// shadows the backend value; a key absent from storage always falls through
// to the ForkBackend.
type account struct {
	balance *big.Int
	nonce   uint64
	code    []byte
	codeSet bool

	storage map[common.Hash]common.Hash

	destructed bool
	exists     bool // true once CreateAccount or a mutation touched this address
}

func newAccount() *account {
	return &account{balance: new(big.Int), storage: make(map[common.Hash]common.Hash)}
}

func (a *account) clone() *account {
	c := &account{
		balance:    new(big.Int).Set(a.balance),
		nonce:      a.nonce,
		codeSet:    a.codeSet,
		destructed: a.destructed,
		exists:     a.exists,
		storage:    make(map[common.Hash]common.Hash, len(a.storage)),
	}
	if a.code != nil {
		c.code = append([]byte{}, a.code...)
	}
	for k, v := range a.storage {
		c.storage[k] = v
	}
	return c
}

// journal entries record the inverse of a mutation so Snapshot/RevertToSnapshot
// can undo them in LIFO order. This mirrors the undo-log pattern the teacher's
// core/state.MemoryStateDB uses, adapted here for a lazily fetched backend
// rather than a fully materialized trie.
type journalEntry interface{ revert(s *CacheStateDB) }

type balanceChange struct {
	addr common.Address
	prev *big.Int
}

func (c balanceChange) revert(s *CacheStateDB) { s.acct(c.addr).balance = c.prev }

type nonceChange struct {
	addr common.Address
	prev uint64
}

func (c nonceChange) revert(s *CacheStateDB) { s.acct(c.addr).nonce = c.prev }

type codeChange struct {
	addr       common.Address
	prev       []byte
	prevWasSet bool
}

func (c codeChange) revert(s *CacheStateDB) {
	a := s.acct(c.addr)
	a.code, a.codeSet = c.prev, c.prevWasSet
}

type storageChange struct {
	addr common.Address
	key  common.Hash
	prev common.Hash
	had  bool
}

func (c storageChange) revert(s *CacheStateDB) {
	a := s.acct(c.addr)
	if c.had {
		a.storage[c.key] = c.prev
	} else {
		delete(a.storage, c.key)
	}
}

type destructChange struct {
	addr common.Address
	prev bool
}

func (c destructChange) revert(s *CacheStateDB) { s.acct(c.addr).destructed = c.prev }

type refundChange struct{ prev uint64 }

func (c refundChange) revert(s *CacheStateDB) { s.refund = c.prev }

type createChange struct {
	addr    common.Address
	existed bool
}

func (c createChange) revert(s *CacheStateDB) {
	if !c.existed {
		delete(s.accounts, c.addr)
	}
}

// CacheStateDB implements go-ethereum's core/vm.StateDB over a writable cache
// layered on a read-only ForkBackend. Every mutating method appends a journal
// entry before mutating so Snapshot()/RevertToSnapshot() can undo exactly the
// mutations made since the snapshot, without touching the backend.
type CacheStateDB struct {
	ctx     context.Context
	backend *ForkBackend

	accounts map[common.Address]*account
	refund   uint64

	journal     []journalEntry
	validRev    []int
	nextRev     int

	logs       []*types.Log
	accessAddr map[common.Address]bool
	accessSlot map[common.Address]map[common.Hash]bool

	transient map[common.Address]map[common.Hash]common.Hash
}

// NewCacheStateDB builds an empty writable cache over backend.
func NewCacheStateDB(ctx context.Context, backend *ForkBackend) *CacheStateDB {
	return &CacheStateDB{
		ctx:        ctx,
		backend:    backend,
		accounts:   make(map[common.Address]*account),
		accessAddr: make(map[common.Address]bool),
		accessSlot: make(map[common.Address]map[common.Hash]bool),
		transient:  make(map[common.Address]map[common.Hash]common.Hash),
	}
}

func (s *CacheStateDB) acct(addr common.Address) *account {
	a, ok := s.accounts[addr]
	if !ok {
		a = newAccount()
		s.accounts[addr] = a
	}
	return a
}

func (s *CacheStateDB) append(e journalEntry) { s.journal = append(s.journal, e) }

// --- Writable-cache clone/inject, the spec's snapshot()/inject() --------

// Clone deep-copies the writable layer only; the backend is shared. The
// result is fully independent: mutating it never affects s, and vice versa.
func (s *CacheStateDB) Clone() *CacheStateDB {
	clone := NewCacheStateDB(s.ctx, s.backend)
	clone.refund = s.refund
	for addr, a := range s.accounts {
		clone.accounts[addr] = a.clone()
	}
	return clone
}

// Inject replaces this CacheStateDB's writable layer with other's, discarding
// any prior mutations. The backend reference is unchanged.
func (s *CacheStateDB) Inject(other *CacheStateDB) {
	s.accounts = make(map[common.Address]*account, len(other.accounts))
	for addr, a := range other.accounts {
		s.accounts[addr] = a.clone()
	}
	s.refund = other.refund
	s.journal = nil
	s.validRev = nil
	s.nextRev = 0
	s.logs = nil
}

// SetEthBalance overwrites the writable balance entry directly, bypassing the
// EVM, for seeding harness capital before a simulation.
func (s *CacheStateDB) SetEthBalance(addr common.Address, wei *big.Int) {
	a := s.acct(addr)
	a.balance = new(big.Int).Set(wei)
	a.exists = true
}

// SetStorage overwrites a single storage cell directly, bypassing the EVM.
// Used by set_token_balance once the caller has derived the storage key.
func (s *CacheStateDB) SetStorage(addr common.Address, key, value common.Hash) {
	a := s.acct(addr)
	a.storage[key] = value
	a.exists = true
}

// --- vm.StateDB: accounts -------------------------------------------------

func (s *CacheStateDB) CreateAccount(addr common.Address) {
	_, existed := s.accounts[addr]
	s.append(createChange{addr: addr, existed: existed})
	a := s.acct(addr)
	a.exists = true
}

func (s *CacheStateDB) SubBalance(addr common.Address, amount *big.Int) {
	if amount.Sign() == 0 {
		return
	}
	a := s.acct(addr)
	s.append(balanceChange{addr: addr, prev: new(big.Int).Set(s.GetBalance(addr))})
	a.balance = new(big.Int).Sub(s.GetBalance(addr), amount)
	a.exists = true
}

func (s *CacheStateDB) AddBalance(addr common.Address, amount *big.Int) {
	if amount.Sign() == 0 {
		return
	}
	a := s.acct(addr)
	s.append(balanceChange{addr: addr, prev: new(big.Int).Set(s.GetBalance(addr))})
	a.balance = new(big.Int).Add(s.GetBalance(addr), amount)
	a.exists = true
}

func (s *CacheStateDB) GetBalance(addr common.Address) *big.Int {
	if a, ok := s.accounts[addr]; ok && (a.exists || a.balance.Sign() != 0) {
		return a.balance
	}
	bal, err := s.backend.Balance(s.ctx, addr)
	if err != nil {
		return new(big.Int)
	}
	return bal
}

func (s *CacheStateDB) GetNonce(addr common.Address) uint64 {
	if a, ok := s.accounts[addr]; ok && a.exists {
		return a.nonce
	}
	n, err := s.backend.Nonce(s.ctx, addr)
	if err != nil {
		return 0
	}
	return n
}

func (s *CacheStateDB) SetNonce(addr common.Address, nonce uint64) {
	s.append(nonceChange{addr: addr, prev: s.GetNonce(addr)})
	a := s.acct(addr)
	a.nonce = nonce
	a.exists = true
}

func (s *CacheStateDB) GetCodeHash(addr common.Address) common.Hash {
	code := s.GetCode(addr)
	if len(code) == 0 {
		return common.Hash{}
	}
	return crypto.Keccak256Hash(code)
}

func (s *CacheStateDB) GetCode(addr common.Address) []byte {
	if a, ok := s.accounts[addr]; ok && a.codeSet {
		return a.code
	}
	code, err := s.backend.Code(s.ctx, addr)
	if err != nil {
		return nil
	}
	return code
}

func (s *CacheStateDB) SetCode(addr common.Address, code []byte) {
	a := s.acct(addr)
	s.append(codeChange{addr: addr, prev: a.code, prevWasSet: a.codeSet})
	a.code, a.codeSet, a.exists = code, true, true
}

func (s *CacheStateDB) GetCodeSize(addr common.Address) int { return len(s.GetCode(addr)) }

// --- vm.StateDB: storage ---------------------------------------------------

func (s *CacheStateDB) GetState(addr common.Address, key common.Hash) common.Hash {
	if a, ok := s.accounts[addr]; ok {
		if v, ok := a.storage[key]; ok {
			return v
		}
	}
	v, err := s.backend.StorageAt(s.ctx, addr, key)
	if err != nil {
		return common.Hash{}
	}
	return v
}

// GetCommittedState returns the backend value, ignoring any in-flight
// writable-layer mutation -- i.e. the state as of the pinned block.
func (s *CacheStateDB) GetCommittedState(addr common.Address, key common.Hash) common.Hash {
	v, err := s.backend.StorageAt(s.ctx, addr, key)
	if err != nil {
		return common.Hash{}
	}
	return v
}

func (s *CacheStateDB) SetState(addr common.Address, key, value common.Hash) {
	a := s.acct(addr)
	prev, had := a.storage[key]
	s.append(storageChange{addr: addr, key: key, prev: prev, had: had})
	a.storage[key] = value
	a.exists = true
}

// --- vm.StateDB: transient storage (EIP-1153) ------------------------------

func (s *CacheStateDB) GetTransientState(addr common.Address, key common.Hash) common.Hash {
	if m, ok := s.transient[addr]; ok {
		return m[key]
	}
	return common.Hash{}
}

func (s *CacheStateDB) SetTransientState(addr common.Address, key, value common.Hash) {
	m, ok := s.transient[addr]
	if !ok {
		m = make(map[common.Hash]common.Hash)
		s.transient[addr] = m
	}
	m[key] = value
}

// --- vm.StateDB: self destruct ---------------------------------------------

func (s *CacheStateDB) SelfDestruct(addr common.Address) {
	a := s.acct(addr)
	s.append(destructChange{addr: addr, prev: a.destructed})
	s.append(balanceChange{addr: addr, prev: new(big.Int).Set(s.GetBalance(addr))})
	a.destructed = true
	a.balance = new(big.Int)
}

func (s *CacheStateDB) HasSelfDestructed(addr common.Address) bool {
	if a, ok := s.accounts[addr]; ok {
		return a.destructed
	}
	return false
}

// Selfdestruct6780 implements EIP-6780's same-transaction-only self destruct.
// The engine does not deploy contracts of its own during a simulation, so
// this collapses to the same behavior as SelfDestruct.
func (s *CacheStateDB) Selfdestruct6780(addr common.Address) { s.SelfDestruct(addr) }

// --- vm.StateDB: existence ---------------------------------------------

func (s *CacheStateDB) Exist(addr common.Address) bool {
	if a, ok := s.accounts[addr]; ok && a.exists {
		return true
	}
	code, _ := s.backend.Code(s.ctx, addr)
	if len(code) > 0 {
		return true
	}
	bal, _ := s.backend.Balance(s.ctx, addr)
	return bal != nil && bal.Sign() != 0
}

func (s *CacheStateDB) Empty(addr common.Address) bool {
	return s.GetBalance(addr).Sign() == 0 && s.GetNonce(addr) == 0 && len(s.GetCode(addr)) == 0
}

// --- vm.StateDB: refund counter (EIP-3529) ---------------------------------

func (s *CacheStateDB) AddRefund(gas uint64) {
	s.append(refundChange{prev: s.refund})
	s.refund += gas
}

func (s *CacheStateDB) SubRefund(gas uint64) {
	s.append(refundChange{prev: s.refund})
	if gas > s.refund {
		panic("harness: refund counter below zero")
	}
	s.refund -= gas
}

func (s *CacheStateDB) GetRefund() uint64 { return s.refund }

// --- vm.StateDB: access list (EIP-2929/2930) -------------------------------
// The engine never relies on access-list gas metering accuracy for its
// classification verdicts (profit is computed off simulated balances, not
// gas), so this is a plain non-journaled tracking set rather than a fully
// revertible structure.

func (s *CacheStateDB) AddressInAccessList(addr common.Address) bool { return s.accessAddr[addr] }

func (s *CacheStateDB) SlotInAccessList(addr common.Address, slot common.Hash) (bool, bool) {
	addrOK := s.accessAddr[addr]
	slotOK := false
	if m, ok := s.accessSlot[addr]; ok {
		slotOK = m[slot]
	}
	return addrOK, slotOK
}

func (s *CacheStateDB) AddAddressToAccessList(addr common.Address) { s.accessAddr[addr] = true }

func (s *CacheStateDB) AddSlotToAccessList(addr common.Address, slot common.Hash) {
	s.accessAddr[addr] = true
	m, ok := s.accessSlot[addr]
	if !ok {
		m = make(map[common.Hash]bool)
		s.accessSlot[addr] = m
	}
	m[slot] = true
}

// --- vm.StateDB: snapshot / revert ------------------------------------------

func (s *CacheStateDB) Snapshot() int {
	id := len(s.validRev)
	s.validRev = append(s.validRev, len(s.journal))
	return id
}

func (s *CacheStateDB) RevertToSnapshot(id int) {
	if id < 0 || id >= len(s.validRev) {
		panic("harness: invalid snapshot id")
	}
	mark := s.validRev[id]
	for i := len(s.journal) - 1; i >= mark; i-- {
		s.journal[i].revert(s)
	}
	s.journal = s.journal[:mark]
	s.validRev = s.validRev[:id]
}

// --- vm.StateDB: logs / preimages ------------------------------------------

func (s *CacheStateDB) AddLog(l *types.Log) { s.logs = append(s.logs, l) }

func (s *CacheStateDB) Logs() []*types.Log { return s.logs }

func (s *CacheStateDB) AddPreimage(common.Hash, []byte) {
	// Preimage recording exists in go-ethereum for debugging trie
	// construction; this engine never persists a trie, so it is a no-op.
}
