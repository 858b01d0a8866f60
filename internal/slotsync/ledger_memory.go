package slotsync

import (
	"context"
	"sync"
	"time"
)

// MemoryLedger keeps slots in process. Commits for different accounts never
// contend: each account has its own shard lock.
type MemoryLedger struct {
	mu       sync.RWMutex
	shards   map[string]*ledgerShard
	byID     map[string]string
	external map[string]string
	idem     map[string]string
	closed   bool
}

type ledgerShard struct {
	mu    sync.RWMutex
	slots map[string]MeetingSlot
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		shards:   map[string]*ledgerShard{},
		byID:     map[string]string{},
		external: map[string]string{},
		idem:     map[string]string{},
	}
}

func (m *MemoryLedger) shard(accountID string, create bool) *ledgerShard {
	if !create {
		m.mu.RLock()
		defer m.mu.RUnlock()
		return m.shards[accountID]
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shards[accountID]
	if !ok {
		s = &ledgerShard{slots: map[string]MeetingSlot{}}
		m.shards[accountID] = s
	}
	return s
}

func (m *MemoryLedger) allShards() []*ledgerShard {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ledgerShard, 0, len(m.shards))
	for _, s := range m.shards {
		out = append(out, s)
	}
	return out
}

func (m *MemoryLedger) Get(_ context.Context, id string) (MeetingSlot, error) {
	m.mu.RLock()
	accountID, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return MeetingSlot{}, ErrNotFound
	}
	s := m.shard(accountID, false)
	if s == nil {
		return MeetingSlot{}, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.slots[id]
	if !ok {
		return MeetingSlot{}, ErrNotFound
	}
	return slot.clone(), nil
}

func (m *MemoryLedger) FindByExternalID(ctx context.Context, connectionID, externalID string) (MeetingSlot, error) {
	m.mu.RLock()
	id, ok := m.external[connectionID+"|"+externalID]
	m.mu.RUnlock()
	if !ok {
		return MeetingSlot{}, ErrNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryLedger) FindByIdempotencyKey(ctx context.Context, accountID, key string) (MeetingSlot, error) {
	m.mu.RLock()
	id, ok := m.idem[accountID+"|"+key]
	m.mu.RUnlock()
	if !ok {
		return MeetingSlot{}, ErrNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryLedger) ListAccount(_ context.Context, accountID string, window Interval) ([]MeetingSlot, error) {
	s := m.shard(accountID, false)
	if s == nil {
		return []MeetingSlot{}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MeetingSlot, 0)
	for _, slot := range s.slots {
		if window.Valid() && !slot.Interval().Overlaps(window) {
			continue
		}
		out = append(out, slot.clone())
	}
	sortSlots(out)
	return out, nil
}

func (m *MemoryLedger) scan(match func(MeetingSlot) bool) []MeetingSlot {
	out := make([]MeetingSlot, 0)
	for _, s := range m.allShards() {
		s.mu.RLock()
		for _, slot := range s.slots {
			if match(slot) {
				out = append(out, slot.clone())
			}
		}
		s.mu.RUnlock()
	}
	sortSlots(out)
	return out
}

func (m *MemoryLedger) ListRecurrence(_ context.Context, recurrenceID string) ([]MeetingSlot, error) {
	return m.scan(func(slot MeetingSlot) bool {
		return slot.RecurrenceID == recurrenceID
	}), nil
}

func (m *MemoryLedger) ListConnection(_ context.Context, connectionID string, window Interval) ([]MeetingSlot, error) {
	return m.scan(func(slot MeetingSlot) bool {
		if slot.ConnectionID != connectionID {
			return false
		}
		return !window.Valid() || slot.Interval().Overlaps(window)
	}), nil
}

func (m *MemoryLedger) ListExpiredHolds(_ context.Context, now time.Time) ([]MeetingSlot, error) {
	return m.scan(func(slot MeetingSlot) bool {
		return slot.HoldExpired(now)
	}), nil
}

func (m *MemoryLedger) Commit(_ context.Context, writes []SlotWrite, now time.Time) ([]MeetingSlot, error) {
	if len(writes) == 0 {
		return nil, ErrInvalidInput
	}
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	s := m.shard(writes[0].Slot.AccountID, true)
	s.mu.Lock()
	defer s.mu.Unlock()

	committed, err := validateCommit(s.slots, writes, now)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, slot := range committed {
		if prev, ok := s.slots[slot.ID]; ok {
			if prev.ExternalEventID != "" && prev.ExternalEventID != slot.ExternalEventID {
				delete(m.external, prev.ConnectionID+"|"+prev.ExternalEventID)
			}
			if prev.IdempotencyKey != "" && prev.IdempotencyKey != slot.IdempotencyKey {
				delete(m.idem, prev.AccountID+"|"+prev.IdempotencyKey)
			}
		}
		s.slots[slot.ID] = slot.clone()
		m.byID[slot.ID] = slot.AccountID
		if slot.ExternalEventID != "" {
			m.external[slot.ConnectionID+"|"+slot.ExternalEventID] = slot.ID
		}
		if slot.IdempotencyKey != "" {
			key := slot.AccountID + "|" + slot.IdempotencyKey
			if owner, ok := m.idem[key]; !ok || owner == slot.ID || slot.Status != StatusCancelled {
				m.idem[key] = slot.ID
			}
		}
	}
	out := make([]MeetingSlot, len(committed))
	for i, slot := range committed {
		out[i] = slot.clone()
	}
	return out, nil
}

func (m *MemoryLedger) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
