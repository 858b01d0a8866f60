package slotsync

import (
	"sync"
	"sync/atomic"
)

const defaultSubscriberBuffer = 64

// Broker fans slot changes out to per-account subscribers. Slow subscribers
// lose changes rather than stall the ledger.
type Broker struct {
	mu      sync.RWMutex
	subs    map[string]map[int]chan SlotChange
	nextID  int
	dropped atomic.Int64
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[int]chan SlotChange{}}
}

// Subscribe returns a channel of changes for accountID ("" receives all
// accounts) and a cancel func that closes it.
func (b *Broker) Subscribe(accountID string) (<-chan SlotChange, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan SlotChange, defaultSubscriberBuffer)
	if b.subs[accountID] == nil {
		b.subs[accountID] = map[int]chan SlotChange{}
	}
	b.subs[accountID][id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[accountID], id)
			if len(b.subs[accountID]) == 0 {
				delete(b.subs, accountID)
			}
			close(ch)
		})
	}
}

func (b *Broker) Publish(change SlotChange) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, key := range []string{change.Slot.AccountID, ""} {
		for _, ch := range b.subs[key] {
			select {
			case ch <- change:
			default:
				b.dropped.Add(1)
			}
		}
		if change.Slot.AccountID == "" {
			break
		}
	}
}

func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}
