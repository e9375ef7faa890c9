// Package events fans block and pending-transaction events to independent
// subscribers. Each subscriber has a bounded backlog and drops the oldest
// entry rather than blocking the producer when it falls behind.
package events

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"
	lru "github.com/hashicorp/golang-lru"

	"github.com/solidquant/evm-simulation/pkg/harness"
	"github.com/solidquant/evm-simulation/pkg/log"
)

// Kind discriminates the closed event variant set. Log is reserved for
// future subscription types; consumers must tolerate it as a no-op rather
// than treating an unrecognized kind as an error.
type Kind int

const (
	KindNewBlock Kind = iota
	KindPendingTx
	KindLog
)

// NewBlock carries the updated block-header context; epoch is the block
// number and defines a strict monotone ordering consumers use to discard
// stale-epoch work.
type NewBlock struct {
	Number       uint64
	BaseFee      uint64
	NextBaseFee  uint64
}

// Event is the tagged union broadcast to every subscriber.
type Event struct {
	Kind     Kind
	Epoch    uint64
	Block    *NewBlock
	TxPool   *types.Transaction
	Log      *types.Log
}

// BacklogCapacity bounds each subscriber's private queue; beyond this, the
// oldest entry is dropped to make room for the newest.
const BacklogCapacity = 512

// Bus is the capacity-512 broadcast channel fanning events to subscribers.
type Bus struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}

	currentEpoch uint64
	currentBlock NewBlock

	recentTxDedup *lru.Cache // common.Hash -> struct{}, avoids refanning the same pending tx twice
	log           *log.Logger
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	dedup, err := lru.New(8192)
	if err != nil {
		panic(err)
	}
	return &Bus{
		subs:          make(map[*Subscriber]struct{}),
		recentTxDedup: dedup,
		log:           log.Default().Module("events"),
	}
}

// Subscriber is one independent lagging consumer of Bus events.
type Subscriber struct {
	ch chan Event
}

// Subscribe registers a new Subscriber with a bounded backlog.
func (b *Bus) Subscribe() *Subscriber {
	s := &Subscriber{ch: make(chan Event, BacklogCapacity)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes s from the bus.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Events returns the channel a subscriber should range over.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// publish is non-blocking: if a subscriber's channel is full, the oldest
// buffered entry is dropped (by draining one) before the new one is sent,
// rather than blocking the producer.
func (b *Bus) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- e:
			default:
				// subscriber is catastrophically behind; drop silently,
				// matching the bounded-backlog/drop-oldest policy.
			}
		}
	}
}

// PublishNewBlock updates the shared block context, advances the epoch, and
// fans a NewBlock event. nextBaseFee is computed from the EIP-1559 update
// rule using the just-published block's gasUsed/gasLimit, per the §9(b)
// resolution: the gate downstream reads next_base_fee, not current base fee.
func (b *Bus) PublishNewBlock(number uint64, baseFee *big.Int, gasUsed, gasLimit uint64) {
	next := harness.NextBaseFee(baseFee, gasUsed, gasLimit)

	nb := NewBlock{
		Number:      number,
		BaseFee:     baseFee.Uint64(),
		NextBaseFee: next.Uint64(),
	}

	b.mu.Lock()
	b.currentEpoch = number
	b.currentBlock = nb
	b.mu.Unlock()

	b.publish(Event{Kind: KindNewBlock, Epoch: number, Block: &nb})
}

// CurrentBlock returns the most recently published block context and its epoch.
func (b *Bus) CurrentBlock() (NewBlock, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentBlock, b.currentEpoch
}

// PublishPendingTx fans a pending transaction, tagged with the current
// epoch, and de-dupes by hash so a tx re-announced by multiple peers is only
// fanned once.
func (b *Bus) PublishPendingTx(tx *types.Transaction) {
	h := tx.Hash()
	if _, ok := b.recentTxDedup.Get(h); ok {
		return
	}
	b.recentTxDedup.Add(h, struct{}{})

	b.mu.Lock()
	epoch := b.currentEpoch
	b.mu.Unlock()

	b.publish(Event{Kind: KindPendingTx, Epoch: epoch, TxPool: tx})
}

// IsStale reports whether an event tagged with epoch is stale relative to
// the bus's current head epoch -- i.e. a classification result computed
// against it should be discarded.
func (b *Bus) IsStale(epoch uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return epoch != b.currentEpoch
}
