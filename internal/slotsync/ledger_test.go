package slotsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestLedger(t *testing.T, clock *testClock) *SlotLedger {
	t.Helper()
	ledger := NewSlotLedger(NewMemoryLedger(), LedgerOptions{Logger: quietLogger(), Now: clock.Now})
	t.Cleanup(func() { _ = ledger.Close() })
	return ledger
}

func TestLedgerRejectsOverlapButAllowsAdjacentSlot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ledger := newTestLedger(t, newTestClock(at(8, 0)))

	first, err := ledger.Reserve(ctx, candidate(at(10, 0), at(10, 30)), NoVersion)
	if err != nil {
		t.Fatalf("reserve 10:00-10:30 failed: %v", err)
	}
	if first.Status != StatusBooked || first.Version != 1 || first.BookedAt == nil {
		t.Fatalf("unexpected booked slot: %+v", first)
	}

	_, err = ledger.Reserve(ctx, candidate(at(10, 15), at(10, 45)), NoVersion)
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.Reason != ReasonOverlap {
		t.Fatalf("expected overlap conflict, got %v", err)
	}
	if len(conflict.Overlapping) != 1 || conflict.Overlapping[0] != first.ID {
		t.Fatalf("expected overlap with %s, got %v", first.ID, conflict.Overlapping)
	}

	adjacent, err := ledger.Reserve(ctx, candidate(at(10, 30), at(11, 0)), NoVersion)
	if err != nil {
		t.Fatalf("adjacent reserve should succeed: %v", err)
	}
	if !adjacent.Start.Equal(first.End) {
		t.Fatalf("expected adjacent slot to start at %s, got %s", first.End, adjacent.Start)
	}
}

func TestLedgerConcurrentOverlappingReservesHaveOneWinner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ledger := newTestLedger(t, newTestClock(at(8, 0)))

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   int
		conflicts int
		other     []error
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			offset := time.Duration(i%3) * 5 * time.Minute
			_, err := ledger.Reserve(ctx, candidate(at(14, 0).Add(offset), at(14, 30).Add(offset)), NoVersion)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				other = append(other, err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if len(other) > 0 {
		t.Fatalf("unexpected errors: %v", other)
	}
	if winners != 1 || conflicts != workers-1 {
		t.Fatalf("expected 1 winner and %d conflicts, got %d and %d", workers-1, winners, conflicts)
	}
	blocking, err := ledger.Blocking(ctx, testAccount, Interval{Start: at(13, 0), End: at(16, 0)})
	if err != nil {
		t.Fatalf("blocking failed: %v", err)
	}
	if len(blocking) != 1 {
		t.Fatalf("expected exactly one blocking slot, got %d", len(blocking))
	}
}

func TestLedgerVersionMismatchAndTerminalStates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ledger := newTestLedger(t, newTestClock(at(8, 0)))

	slot, err := ledger.Reserve(ctx, candidate(at(9, 0), at(9, 30)), NoVersion)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	_, err = ledger.Cancel(ctx, slot.ID, slot.Version+1)
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.Reason != ReasonVersionMismatch || conflict.CurrentVersion != slot.Version {
		t.Fatalf("expected version mismatch, got %v", err)
	}

	cancelled, err := ledger.Cancel(ctx, slot.ID, slot.Version)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != StatusCancelled || cancelled.Version != slot.Version+1 {
		t.Fatalf("unexpected cancelled slot: %+v", cancelled)
	}
	_, err = ledger.Cancel(ctx, slot.ID, cancelled.Version)
	if !errors.As(err, &conflict) || conflict.Reason != ReasonTerminal {
		t.Fatalf("expected terminal conflict, got %v", err)
	}

	// A cancelled slot no longer blocks its range.
	if _, err := ledger.Reserve(ctx, candidate(at(9, 0), at(9, 30)), NoVersion); err != nil {
		t.Fatalf("reserve over cancelled slot failed: %v", err)
	}
	if _, err := ledger.Cancel(ctx, "slot_missing", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLedgerHoldExpiresAndSweeperCancels(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newTestClock(at(8, 0))
	ledger := newTestLedger(t, clock)

	hold, err := ledger.Hold(ctx, candidate(at(12, 0), at(12, 30)), 5*time.Minute)
	if err != nil {
		t.Fatalf("hold failed: %v", err)
	}
	if hold.Status != StatusPending || hold.HoldExpiresAt == nil {
		t.Fatalf("unexpected hold: %+v", hold)
	}
	if _, err := ledger.Reserve(ctx, candidate(at(12, 10), at(12, 40)), NoVersion); !errors.Is(err, ErrConflict) {
		t.Fatalf("live hold should block, got %v", err)
	}

	clock.Advance(6 * time.Minute)
	_, err = ledger.Reserve(ctx, SlotCandidate{SlotID: hold.ID, AccountID: testAccount}, hold.Version)
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.Reason != ReasonHoldExpired {
		t.Fatalf("expected hold expired conflict, got %v", err)
	}

	released, err := ledger.ReleaseExpiredHolds(ctx)
	if err != nil {
		t.Fatalf("release holds failed: %v", err)
	}
	if len(released) != 1 || released[0].ID != hold.ID || released[0].Status != StatusCancelled {
		t.Fatalf("expected hold %s released, got %+v", hold.ID, released)
	}
	if _, err := ledger.Reserve(ctx, candidate(at(12, 10), at(12, 40)), NoVersion); err != nil {
		t.Fatalf("reserve after hold release failed: %v", err)
	}
}

func TestLedgerConfirmHoldBeforeExpiry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newTestClock(at(8, 0))
	ledger := newTestLedger(t, clock)

	hold, err := ledger.Hold(ctx, candidate(at(15, 0), at(15, 30)), 0)
	if err != nil {
		t.Fatalf("hold failed: %v", err)
	}
	if got := hold.HoldExpiresAt.Sub(at(8, 0)); got != DefaultHoldTTL {
		t.Fatalf("expected default hold ttl %s, got %s", DefaultHoldTTL, got)
	}
	clock.Advance(time.Minute)
	booked, err := ledger.Reserve(ctx, SlotCandidate{SlotID: hold.ID, Title: "Intro"}, hold.Version)
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if booked.Status != StatusBooked || booked.HoldExpiresAt != nil || booked.Title != "Intro" {
		t.Fatalf("unexpected confirmed slot: %+v", booked)
	}
	_, err = ledger.Reserve(ctx, SlotCandidate{SlotID: hold.ID}, booked.Version)
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.Reason != ReasonAlreadyBooked {
		t.Fatalf("expected already booked, got %v", err)
	}
	clock.Advance(time.Hour)
	released, err := ledger.ReleaseExpiredHolds(ctx)
	if err != nil {
		t.Fatalf("release holds failed: %v", err)
	}
	if len(released) != 0 {
		t.Fatalf("confirmed hold must not be released, got %+v", released)
	}
}

func TestLedgerRescheduleIsAtomic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ledger := newTestLedger(t, newTestClock(at(8, 0)))

	original, err := ledger.Reserve(ctx, candidate(at(10, 0), at(10, 30)), NoVersion)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	blocker, err := ledger.Reserve(ctx, candidate(at(11, 0), at(11, 30)), NoVersion)
	if err != nil {
		t.Fatalf("reserve blocker failed: %v", err)
	}

	// Moving onto an occupied range fails and leaves the original booked.
	if _, _, err := ledger.Reschedule(ctx, original.ID, original.Version, candidate(at(11, 15), at(11, 45))); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict rescheduling onto %s, got %v", blocker.ID, err)
	}
	still, err := ledger.Get(ctx, original.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if still.Status != StatusBooked || still.Version != original.Version {
		t.Fatalf("original changed by failed reschedule: %+v", still)
	}

	// Overlapping its own old range is fine: the old slot stops blocking in
	// the same commit.
	retired, replacement, err := ledger.Reschedule(ctx, original.ID, original.Version, candidate(at(10, 15), at(10, 45)))
	if err != nil {
		t.Fatalf("reschedule failed: %v", err)
	}
	if retired.Status != StatusRescheduled || retired.RescheduledTo != replacement.ID {
		t.Fatalf("unexpected retired slot: %+v", retired)
	}
	if replacement.Status != StatusPending || replacement.RescheduledFrom != original.ID || replacement.Participant != original.Participant {
		t.Fatalf("unexpected replacement: %+v", replacement)
	}

	// The retired original behaves as cancelled: terminal and non-blocking.
	if !retired.Status.Terminal() || retired.Blocking(at(8, 0)) {
		t.Fatalf("retired slot must be terminal and non-blocking: %+v", retired)
	}
	var conflict *ConflictError
	if _, err := ledger.Cancel(ctx, retired.ID, retired.Version); !errors.As(err, &conflict) || conflict.Reason != ReasonTerminal {
		t.Fatalf("expected terminal conflict cancelling a rescheduled slot, got %v", err)
	}
	if _, err := ledger.Reserve(ctx, candidate(at(10, 0), at(10, 15)), NoVersion); err != nil {
		t.Fatalf("range freed by the reschedule should be bookable: %v", err)
	}
}

func TestLedgerRejectsDuplicateExternalEvent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ledger := newTestLedger(t, newTestClock(at(8, 0)))

	a, err := ledger.Reserve(ctx, candidate(at(9, 0), at(9, 30)), NoVersion)
	if err != nil {
		t.Fatalf("reserve a failed: %v", err)
	}
	b, err := ledger.Reserve(ctx, candidate(at(10, 0), at(10, 30)), NoVersion)
	if err != nil {
		t.Fatalf("reserve b failed: %v", err)
	}
	if _, err := ledger.AttachExternalEvent(ctx, a.ID, a.Version, "conn_1", ProviderGoogle, "ev_1"); err != nil {
		t.Fatalf("attach a failed: %v", err)
	}
	_, err = ledger.AttachExternalEvent(ctx, b.ID, b.Version, "conn_1", ProviderGoogle, "ev_1")
	if !errors.Is(err, ErrDataIntegrity) {
		t.Fatalf("expected data integrity error, got %v", err)
	}
	found, err := ledger.FindByExternalID(ctx, "conn_1", "ev_1")
	if err != nil || found.ID != a.ID {
		t.Fatalf("expected ev_1 to resolve to %s, got %+v (%v)", a.ID, found, err)
	}
}

func TestLedgerCancelSeriesSkipsExceptions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ledger := newTestLedger(t, newTestClock(at(8, 0)))

	rule := RecurrenceRule{ID: "conn_1/master", AccountID: testAccount, ConnectionID: "conn_1", Provider: ProviderGoogle, MasterExternalID: "master", Title: "Standup"}
	var occurrences []MeetingSlot
	for day := 0; day < 3; day++ {
		start := at(9, 0).AddDate(0, 0, day)
		slot, err := ledger.Apply(ctx, Instruction{Type: InstructionCreate, Slot: occurrenceSlot(rule, Interval{Start: start, End: start.Add(15 * time.Minute)})})
		if err != nil {
			t.Fatalf("create occurrence %d failed: %v", day, err)
		}
		occurrences = append(occurrences, slot)
	}

	single, err := ledger.CancelOccurrence(ctx, occurrences[1].ID, occurrences[1].Version)
	if err != nil {
		t.Fatalf("cancel occurrence failed: %v", err)
	}
	if !single.Exception || single.Status != StatusCancelled {
		t.Fatalf("expected cancelled exception, got %+v", single)
	}

	cancelled, err := ledger.CancelSeries(ctx, rule.ID, time.Time{})
	if err != nil {
		t.Fatalf("cancel series failed: %v", err)
	}
	if len(cancelled) != 2 {
		t.Fatalf("expected 2 remaining occurrences cancelled, got %d", len(cancelled))
	}
	slots, err := ledger.ListRecurrence(ctx, rule.ID)
	if err != nil {
		t.Fatalf("list recurrence failed: %v", err)
	}
	for _, slot := range slots {
		if !slot.Status.Terminal() {
			t.Fatalf("occurrence %s still live: %+v", slot.ID, slot)
		}
	}
	if _, err := ledger.CancelSeries(ctx, "", time.Time{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for empty recurrence id, got %v", err)
	}
}

func TestBuildLedgerBackendFromDSN(t *testing.T) {
	t.Parallel()

	for _, dsn := range []string{"", "memory://", "mem://local"} {
		backend, err := BuildLedgerBackendFromDSN(dsn)
		if err != nil {
			t.Fatalf("build %q failed: %v", dsn, err)
		}
		if _, ok := backend.(*MemoryLedger); !ok {
			t.Fatalf("expected memory backend for %q, got %T", dsn, backend)
		}
	}
	if _, err := BuildLedgerBackendFromDSN("redis://localhost"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}
