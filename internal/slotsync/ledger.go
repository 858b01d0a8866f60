package slotsync

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// NoVersion is the expected version of a slot that does not exist yet.
const NoVersion int64 = 0

const DefaultHoldTTL = 10 * time.Minute

// SlotWrite is one element of an atomic ledger commit. ExpectedVersion
// NoVersion means insert; anything else is a compare-and-swap on Version.
type SlotWrite struct {
	Slot            MeetingSlot
	ExpectedVersion int64
}

// LedgerBackend stores slots. Commit must be atomic across all writes, must
// reject any write whose expected version does not match the stored one, and
// must reject a post-commit state where two blocking slots of the account
// overlap or an external event id is used twice on one connection.
type LedgerBackend interface {
	Get(ctx context.Context, id string) (MeetingSlot, error)
	FindByExternalID(ctx context.Context, connectionID, externalID string) (MeetingSlot, error)
	FindByIdempotencyKey(ctx context.Context, accountID, key string) (MeetingSlot, error)
	ListAccount(ctx context.Context, accountID string, window Interval) ([]MeetingSlot, error)
	ListRecurrence(ctx context.Context, recurrenceID string) ([]MeetingSlot, error)
	ListConnection(ctx context.Context, connectionID string, window Interval) ([]MeetingSlot, error)
	ListExpiredHolds(ctx context.Context, now time.Time) ([]MeetingSlot, error)
	Commit(ctx context.Context, writes []SlotWrite, now time.Time) ([]MeetingSlot, error)
	Close() error
}

type LedgerOptions struct {
	Broker  *Broker
	HoldTTL time.Duration
	Logger  *slog.Logger
	Now     func() time.Time
}

// SlotLedger is the single source of truth for slots. It never locks across
// a provider call: every mutation is a read followed by a versioned commit.
type SlotLedger struct {
	backend LedgerBackend
	broker  *Broker
	holdTTL time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

func NewSlotLedger(backend LedgerBackend, opts LedgerOptions) *SlotLedger {
	if backend == nil {
		backend = NewMemoryLedger()
	}
	holdTTL := opts.HoldTTL
	if holdTTL <= 0 {
		holdTTL = DefaultHoldTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &SlotLedger{
		backend: backend,
		broker:  opts.Broker,
		holdTTL: holdTTL,
		logger:  logger,
		now:     now,
	}
}

func (l *SlotLedger) Close() error {
	return l.backend.Close()
}

func (l *SlotLedger) HoldTTL() time.Duration {
	return l.holdTTL
}

func (l *SlotLedger) Get(ctx context.Context, id string) (MeetingSlot, error) {
	return l.backend.Get(ctx, id)
}

func (l *SlotLedger) FindByExternalID(ctx context.Context, connectionID, externalID string) (MeetingSlot, error) {
	return l.backend.FindByExternalID(ctx, connectionID, externalID)
}

func (l *SlotLedger) FindByIdempotencyKey(ctx context.Context, accountID, key string) (MeetingSlot, error) {
	return l.backend.FindByIdempotencyKey(ctx, accountID, key)
}

func (l *SlotLedger) ListAccount(ctx context.Context, accountID string, window Interval) ([]MeetingSlot, error) {
	return l.backend.ListAccount(ctx, accountID, window)
}

func (l *SlotLedger) ListRecurrence(ctx context.Context, recurrenceID string) ([]MeetingSlot, error) {
	return l.backend.ListRecurrence(ctx, recurrenceID)
}

func (l *SlotLedger) ListConnection(ctx context.Context, connectionID string, window Interval) ([]MeetingSlot, error) {
	return l.backend.ListConnection(ctx, connectionID, window)
}

// Blocking returns the account's slots that currently occupy time within window.
func (l *SlotLedger) Blocking(ctx context.Context, accountID string, window Interval) ([]MeetingSlot, error) {
	slots, err := l.backend.ListAccount(ctx, accountID, window)
	if err != nil {
		return nil, err
	}
	now := l.now()
	out := slots[:0]
	for _, slot := range slots {
		if slot.Blocking(now) && slot.Interval().Overlaps(window) {
			out = append(out, slot)
		}
	}
	return out, nil
}

// Reserve books a slot. With expectedVersion NoVersion and no SlotID a new
// booked slot is inserted; otherwise the referenced pending slot is flipped to
// booked only if its stored version still equals expectedVersion.
func (l *SlotLedger) Reserve(ctx context.Context, c SlotCandidate, expectedVersion int64) (MeetingSlot, error) {
	if c.SlotID != "" {
		return l.reserveExisting(ctx, c, expectedVersion)
	}
	if expectedVersion != NoVersion {
		return MeetingSlot{}, &ValidationError{Field: "expectedVersion", Message: "requires slotId"}
	}
	if err := c.Validate(); err != nil {
		return MeetingSlot{}, err
	}
	now := l.now()
	slot := slotFromCandidate(c, now)
	slot.Status = StatusBooked
	slot.BookedAt = timePtr(now)
	return l.commitOne(ctx, slot, NoVersion, "slot.booked")
}

func (l *SlotLedger) reserveExisting(ctx context.Context, c SlotCandidate, expectedVersion int64) (MeetingSlot, error) {
	current, err := l.backend.Get(ctx, c.SlotID)
	if err != nil {
		return MeetingSlot{}, err
	}
	if c.AccountID != "" && c.AccountID != current.AccountID {
		return MeetingSlot{}, &ValidationError{Field: "account", Message: "does not own slot"}
	}
	if err := l.checkTransition(current, expectedVersion); err != nil {
		return MeetingSlot{}, err
	}
	now := l.now()
	switch {
	case current.Status == StatusBooked:
		return MeetingSlot{}, &ConflictError{Reason: ReasonAlreadyBooked, SlotID: current.ID, ExpectedVersion: expectedVersion, CurrentVersion: current.Version}
	case current.HoldExpired(now):
		return MeetingSlot{}, &ConflictError{Reason: ReasonHoldExpired, SlotID: current.ID, ExpectedVersion: expectedVersion, CurrentVersion: current.Version}
	}
	next := current.clone()
	next.Status = StatusBooked
	next.BookedAt = timePtr(now)
	next.HoldExpiresAt = nil
	if strings.TrimSpace(c.Participant) != "" {
		next.Participant = c.Participant
	}
	if c.Title != "" {
		next.Title = c.Title
	}
	if c.ConnectionID != "" && next.ConnectionID == "" {
		next.ConnectionID = c.ConnectionID
	}
	if c.IdempotencyKey != "" && next.IdempotencyKey == "" {
		next.IdempotencyKey = c.IdempotencyKey
	}
	for k, v := range c.Draft {
		if next.Draft == nil {
			next.Draft = map[string]string{}
		}
		next.Draft[k] = v
	}
	return l.commitOne(ctx, next, expectedVersion, "slot.booked")
}

// Hold inserts a pending slot that blocks its range until ttl elapses.
func (l *SlotLedger) Hold(ctx context.Context, c SlotCandidate, ttl time.Duration) (MeetingSlot, error) {
	if c.SlotID != "" {
		return MeetingSlot{}, &ValidationError{Field: "slotId", Message: "holds always create a new slot"}
	}
	if err := c.Validate(); err != nil {
		return MeetingSlot{}, err
	}
	if ttl <= 0 {
		ttl = l.holdTTL
	}
	now := l.now()
	slot := slotFromCandidate(c, now)
	slot.Status = StatusPending
	slot.HoldExpiresAt = timePtr(now.Add(ttl))
	return l.commitOne(ctx, slot, NoVersion, "slot.held")
}

func (l *SlotLedger) Cancel(ctx context.Context, id string, expectedVersion int64) (MeetingSlot, error) {
	current, err := l.backend.Get(ctx, id)
	if err != nil {
		return MeetingSlot{}, err
	}
	if err := l.checkTransition(current, expectedVersion); err != nil {
		return MeetingSlot{}, err
	}
	next := current.clone()
	next.Status = StatusCancelled
	next.HoldExpiresAt = nil
	return l.commitOne(ctx, next, expectedVersion, "slot.cancelled")
}

// Reschedule retires a booked slot and inserts its pending replacement in one
// commit. The replacement carries a hold so an abandoned reschedule frees up.
func (l *SlotLedger) Reschedule(ctx context.Context, oldID string, expectedVersion int64, c SlotCandidate) (MeetingSlot, MeetingSlot, error) {
	current, err := l.backend.Get(ctx, oldID)
	if err != nil {
		return MeetingSlot{}, MeetingSlot{}, err
	}
	if c.AccountID == "" {
		c.AccountID = current.AccountID
	}
	if c.AccountID != current.AccountID {
		return MeetingSlot{}, MeetingSlot{}, &ValidationError{Field: "account", Message: "reschedule cannot move a slot across accounts"}
	}
	c.SlotID = ""
	if err := c.Validate(); err != nil {
		return MeetingSlot{}, MeetingSlot{}, err
	}
	if err := l.checkTransition(current, expectedVersion); err != nil {
		return MeetingSlot{}, MeetingSlot{}, err
	}
	if current.Status != StatusBooked {
		return MeetingSlot{}, MeetingSlot{}, &ConflictError{Reason: ReasonTerminal, SlotID: current.ID, ExpectedVersion: expectedVersion, CurrentVersion: current.Version}
	}
	now := l.now()
	replacement := slotFromCandidate(c, now)
	replacement.Status = StatusPending
	replacement.HoldExpiresAt = timePtr(now.Add(l.holdTTL))
	replacement.RescheduledFrom = current.ID
	if replacement.Participant == "" {
		replacement.Participant = current.Participant
	}
	if replacement.Title == "" {
		replacement.Title = current.Title
	}
	if replacement.ConnectionID == "" {
		replacement.ConnectionID = current.ConnectionID
	}
	if replacement.Timezone == "" {
		replacement.Timezone = current.Timezone
	}
	retired := current.clone()
	retired.Status = StatusRescheduled
	retired.RescheduledTo = replacement.ID

	committed, err := l.backend.Commit(ctx, []SlotWrite{
		{Slot: retired, ExpectedVersion: expectedVersion},
		{Slot: replacement, ExpectedVersion: NoVersion},
	}, now)
	if err != nil {
		return MeetingSlot{}, MeetingSlot{}, err
	}
	l.publish("slot.rescheduled", committed[0])
	l.publish("slot.created", committed[1])
	return committed[0], committed[1], nil
}

// CancelSeries cancels every live, non-exception occurrence of a recurrence
// starting at or after from, atomically.
func (l *SlotLedger) CancelSeries(ctx context.Context, recurrenceID string, from time.Time) ([]MeetingSlot, error) {
	if strings.TrimSpace(recurrenceID) == "" {
		return nil, &ValidationError{Field: "recurrenceId", Message: "is required"}
	}
	slots, err := l.backend.ListRecurrence(ctx, recurrenceID)
	if err != nil {
		return nil, err
	}
	writes := make([]SlotWrite, 0, len(slots))
	for _, slot := range slots {
		if slot.Status.Terminal() || slot.Exception || slot.Start.Before(from) {
			continue
		}
		next := slot.clone()
		next.Status = StatusCancelled
		next.HoldExpiresAt = nil
		writes = append(writes, SlotWrite{Slot: next, ExpectedVersion: slot.Version})
	}
	if len(writes) == 0 {
		return nil, nil
	}
	committed, err := l.backend.Commit(ctx, writes, l.now())
	if err != nil {
		return nil, err
	}
	for _, slot := range committed {
		l.publish("slot.cancelled", slot)
	}
	return committed, nil
}

// CancelOccurrence cancels one occurrence and marks it as an exception so a
// later expansion of the series leaves it alone.
func (l *SlotLedger) CancelOccurrence(ctx context.Context, id string, expectedVersion int64) (MeetingSlot, error) {
	current, err := l.backend.Get(ctx, id)
	if err != nil {
		return MeetingSlot{}, err
	}
	if err := l.checkTransition(current, expectedVersion); err != nil {
		return MeetingSlot{}, err
	}
	next := current.clone()
	next.Status = StatusCancelled
	next.Exception = current.RecurrenceID != ""
	next.HoldExpiresAt = nil
	return l.commitOne(ctx, next, expectedVersion, "slot.cancelled")
}

// AttachExternalEvent records the provider-side identity of a slot after the
// adapter acknowledged the write.
func (l *SlotLedger) AttachExternalEvent(ctx context.Context, id string, expectedVersion int64, connectionID string, provider Provider, externalID string) (MeetingSlot, error) {
	current, err := l.backend.Get(ctx, id)
	if err != nil {
		return MeetingSlot{}, err
	}
	if current.Version != expectedVersion {
		return MeetingSlot{}, &ConflictError{Reason: ReasonVersionMismatch, SlotID: id, ExpectedVersion: expectedVersion, CurrentVersion: current.Version}
	}
	next := current.clone()
	next.ConnectionID = connectionID
	next.Provider = provider
	next.ExternalEventID = externalID
	return l.commitOne(ctx, next, expectedVersion, "slot.linked")
}

type InstructionType string

const (
	InstructionCreate InstructionType = "create"
	InstructionUpdate InstructionType = "update"
	InstructionCancel InstructionType = "cancel"
)

// Instruction is what the expander and the reconciliation job ask the ledger
// to do. Update carries the complete desired slot; ExpectedVersion fences it.
type Instruction struct {
	Type            InstructionType
	Slot            MeetingSlot
	ExpectedVersion int64
	Reason          string
}

func (l *SlotLedger) Apply(ctx context.Context, in Instruction) (MeetingSlot, error) {
	now := l.now()
	switch in.Type {
	case InstructionCreate:
		slot := in.Slot.clone()
		if slot.ID == "" {
			slot.ID = newSlotID()
		}
		if slot.Status == "" {
			slot.Status = StatusPending
		}
		if slot.Status == StatusBooked && slot.BookedAt == nil {
			slot.BookedAt = timePtr(now)
		}
		slot.CreatedAt = now
		return l.commitOne(ctx, slot, NoVersion, "slot.created")
	case InstructionUpdate:
		current, err := l.backend.Get(ctx, in.Slot.ID)
		if err != nil {
			return MeetingSlot{}, err
		}
		if err := l.checkTransition(current, in.ExpectedVersion); err != nil {
			return MeetingSlot{}, err
		}
		next := in.Slot.clone()
		next.CreatedAt = current.CreatedAt
		if next.Status == "" {
			next.Status = current.Status
		}
		if next.Status == StatusBooked && next.BookedAt == nil {
			next.BookedAt = current.BookedAt
			if next.BookedAt == nil {
				next.BookedAt = timePtr(now)
			}
		}
		return l.commitOne(ctx, next, in.ExpectedVersion, "slot.updated")
	case InstructionCancel:
		current, err := l.backend.Get(ctx, in.Slot.ID)
		if err != nil {
			return MeetingSlot{}, err
		}
		if err := l.checkTransition(current, in.ExpectedVersion); err != nil {
			return MeetingSlot{}, err
		}
		next := current.clone()
		next.Status = StatusCancelled
		next.HoldExpiresAt = nil
		if in.Slot.Exception {
			next.Exception = true
		}
		return l.commitOne(ctx, next, in.ExpectedVersion, "slot.cancelled")
	default:
		return MeetingSlot{}, &ValidationError{Field: "type", Message: "unknown instruction " + string(in.Type)}
	}
}

// ReleaseExpiredHolds cancels pending holds whose TTL passed. Holds confirmed
// concurrently win: their version moved and the cancel is skipped.
func (l *SlotLedger) ReleaseExpiredHolds(ctx context.Context) ([]MeetingSlot, error) {
	now := l.now()
	expired, err := l.backend.ListExpiredHolds(ctx, now)
	if err != nil {
		return nil, err
	}
	released := make([]MeetingSlot, 0, len(expired))
	for _, slot := range expired {
		next := slot.clone()
		next.Status = StatusCancelled
		committed, err := l.backend.Commit(ctx, []SlotWrite{{Slot: next, ExpectedVersion: slot.Version}}, now)
		if err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return released, err
		}
		l.publish("slot.hold_expired", committed[0])
		released = append(released, committed[0])
	}
	if len(released) > 0 {
		l.logger.Info("holds released", "count", len(released))
	}
	return released, nil
}

func (l *SlotLedger) checkTransition(current MeetingSlot, expectedVersion int64) error {
	if current.Version != expectedVersion {
		return &ConflictError{Reason: ReasonVersionMismatch, SlotID: current.ID, ExpectedVersion: expectedVersion, CurrentVersion: current.Version}
	}
	if current.Status.Terminal() {
		return &ConflictError{Reason: ReasonTerminal, SlotID: current.ID, ExpectedVersion: expectedVersion, CurrentVersion: current.Version}
	}
	return nil
}

func (l *SlotLedger) commitOne(ctx context.Context, slot MeetingSlot, expectedVersion int64, changeType string) (MeetingSlot, error) {
	committed, err := l.backend.Commit(ctx, []SlotWrite{{Slot: slot, ExpectedVersion: expectedVersion}}, l.now())
	if err != nil {
		return MeetingSlot{}, err
	}
	l.publish(changeType, committed[0])
	return committed[0], nil
}

func (l *SlotLedger) publish(changeType string, slot MeetingSlot) {
	if l.broker == nil {
		return
	}
	l.broker.Publish(SlotChange{Type: changeType, Slot: slot, At: l.now()})
}

func slotFromCandidate(c SlotCandidate, now time.Time) MeetingSlot {
	return MeetingSlot{
		ID:             newSlotID(),
		AccountID:      c.AccountID,
		Participant:    c.Participant,
		Title:          c.Title,
		Start:          c.Start.UTC(),
		End:            c.End.UTC(),
		Timezone:       c.Timezone,
		ConnectionID:   c.ConnectionID,
		IdempotencyKey: c.IdempotencyKey,
		Draft:          copyStringMap(c.Draft),
		CreatedAt:      now,
	}
}

// validateCommit applies the ledger invariants to the post-commit state of an
// account. existing holds every stored slot of the account keyed by id.
func validateCommit(existing map[string]MeetingSlot, writes []SlotWrite, now time.Time) ([]MeetingSlot, error) {
	if len(writes) == 0 {
		return nil, ErrInvalidInput
	}
	accountID := writes[0].Slot.AccountID
	post := make(map[string]MeetingSlot, len(existing)+len(writes))
	for id, slot := range existing {
		post[id] = slot
	}
	result := make([]MeetingSlot, 0, len(writes))
	for _, w := range writes {
		slot := w.Slot
		if strings.TrimSpace(slot.ID) == "" || slot.AccountID != accountID {
			return nil, ErrInvalidInput
		}
		stored, exists := existing[slot.ID]
		switch {
		case w.ExpectedVersion == NoVersion && exists:
			return nil, &ConflictError{Reason: ReasonVersionMismatch, SlotID: slot.ID, ExpectedVersion: NoVersion, CurrentVersion: stored.Version}
		case w.ExpectedVersion != NoVersion && !exists:
			return nil, ErrNotFound
		case exists && stored.Version != w.ExpectedVersion:
			return nil, &ConflictError{Reason: ReasonVersionMismatch, SlotID: slot.ID, ExpectedVersion: w.ExpectedVersion, CurrentVersion: stored.Version}
		}
		if exists {
			slot.CreatedAt = stored.CreatedAt
		} else if slot.CreatedAt.IsZero() {
			slot.CreatedAt = now
		}
		slot.Version = w.ExpectedVersion + 1
		slot.UpdatedAt = now
		post[slot.ID] = slot
		result = append(result, slot)
	}
	for _, slot := range result {
		if slot.ExternalEventID != "" {
			for id, other := range post {
				if id != slot.ID && other.ConnectionID == slot.ConnectionID && other.ExternalEventID == slot.ExternalEventID {
					return nil, &DataIntegrityError{SlotID: slot.ID, Detail: "external event " + slot.ExternalEventID + " already linked to " + id}
				}
			}
		}
		if slot.IdempotencyKey != "" && !slot.Status.Terminal() {
			for id, other := range post {
				if id != slot.ID && other.IdempotencyKey == slot.IdempotencyKey && !other.Status.Terminal() {
					return nil, &DataIntegrityError{SlotID: slot.ID, Detail: "idempotency key reused by " + id}
				}
			}
		}
		if !slot.Blocking(now) {
			continue
		}
		overlapping := make([]string, 0)
		for id, other := range post {
			if id == slot.ID || !other.Blocking(now) {
				continue
			}
			if other.Interval().Overlaps(slot.Interval()) {
				overlapping = append(overlapping, id)
			}
		}
		if len(overlapping) > 0 {
			sort.Strings(overlapping)
			return nil, &ConflictError{Reason: ReasonOverlap, SlotID: slot.ID, Overlapping: overlapping}
		}
	}
	return result, nil
}

func sortSlots(slots []MeetingSlot) {
	sort.Slice(slots, func(i, j int) bool {
		if slots[i].Start.Equal(slots[j].Start) {
			return slots[i].ID < slots[j].ID
		}
		return slots[i].Start.Before(slots[j].Start)
	})
}
