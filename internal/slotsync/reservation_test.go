package slotsync

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestReservePushesEventAndLinksIt(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStack(t)

	slot, err := st.service.Reserve(ctx, candidate(at(10, 0), at(10, 30)), NoVersion)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if slot.Status != StatusBooked || slot.ExternalEventID == "" || slot.ConnectionID != st.conn.ID {
		t.Fatalf("expected booked and linked slot, got %+v", slot)
	}
	events := st.provider.Events(st.conn.ID)
	if len(events) != 1 {
		t.Fatalf("expected one provider event, got %d", len(events))
	}
	ev := events[0]
	if ev.ExternalID != slot.ExternalEventID || ev.Description != "slotsync:"+slot.ID {
		t.Fatalf("provider event does not match slot: %+v", ev)
	}
	if len(ev.Attendees) != 1 || ev.Attendees[0] != "guest@example.com" {
		t.Fatalf("expected participant as attendee, got %v", ev.Attendees)
	}
}

func TestReserveTenOClockScenario(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStack(t)

	if _, err := st.service.Reserve(ctx, candidate(at(10, 0), at(10, 30)), NoVersion); err != nil {
		t.Fatalf("reserve 10:00 failed: %v", err)
	}
	c := candidate(at(10, 15), at(10, 45))
	c.Title = "Demo"
	_, err := st.service.Reserve(ctx, c, NoVersion)
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if conflict.Reason != ReasonOverlap {
		t.Fatalf("expected overlap reason, got %s", conflict.Reason)
	}
	if conflict.Draft["title"] != "Demo" || conflict.Draft["participant"] != "guest@example.com" {
		t.Fatalf("expected draft to survive conflict, got %v", conflict.Draft)
	}
	if len(conflict.Alternatives) == 0 {
		t.Fatalf("expected alternatives")
	}
	for _, alt := range conflict.Alternatives {
		if alt.Overlaps(Interval{Start: at(10, 0), End: at(10, 30)}) || alt.Duration() != 30*time.Minute {
			t.Fatalf("alternative %v is not a free 30 minute window", alt)
		}
	}
	if !conflict.Alternatives[0].Start.Equal(at(10, 30)) {
		t.Fatalf("expected first alternative at 10:30, got %s", conflict.Alternatives[0].Start)
	}

	if _, err := st.service.Reserve(ctx, candidate(at(10, 30), at(11, 0)), NoVersion); err != nil {
		t.Fatalf("reserve 10:30 failed: %v", err)
	}
	if got := len(st.provider.Events(st.conn.ID)); got != 2 {
		t.Fatalf("expected 2 provider events, got %d", got)
	}
}

func TestReserveIdempotencyKeyReplaysFirstResult(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStack(t)

	c := candidate(at(11, 0), at(11, 30))
	c.IdempotencyKey = "req-42"
	first, err := st.service.Reserve(ctx, c, NoVersion)
	if err != nil {
		t.Fatalf("first reserve failed: %v", err)
	}
	second, err := st.service.Reserve(ctx, c, NoVersion)
	if err != nil {
		t.Fatalf("replayed reserve failed: %v", err)
	}
	if second.ID != first.ID || second.Version != first.Version {
		t.Fatalf("replay returned a different slot: %+v vs %+v", second, first)
	}
	if got := st.provider.Calls("create_event"); got != 1 {
		t.Fatalf("expected a single provider create, got %d", got)
	}
}

func TestReserveWithExpiredHoldKeyConflicts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStack(t)

	c := candidate(at(12, 0), at(12, 30))
	c.IdempotencyKey = "pay-1"
	hold, err := st.service.PlaceHold(ctx, c, time.Minute)
	if err != nil {
		t.Fatalf("hold failed: %v", err)
	}
	st.clock.Advance(2 * time.Minute)

	_, err = st.service.Reserve(ctx, c, NoVersion)
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.Reason != ReasonHoldExpired || conflict.SlotID != hold.ID {
		t.Fatalf("expected hold expired conflict before sweep, got %v", err)
	}
	if conflict.Draft["participant"] != "guest@example.com" {
		t.Fatalf("conflict dropped the draft: %+v", conflict.Draft)
	}
	if len(conflict.Alternatives) == 0 {
		t.Fatalf("expected alternatives on an expired hold")
	}

	if _, err := st.ledger.ReleaseExpiredHolds(ctx); err != nil {
		t.Fatalf("release holds failed: %v", err)
	}
	_, err = st.service.Reserve(ctx, c, NoVersion)
	if !errors.As(err, &conflict) || conflict.Reason != ReasonTerminal {
		t.Fatalf("expected terminal conflict after sweep, got %v", err)
	}
	if got := st.provider.Calls("create_event"); got != 0 {
		t.Fatalf("expired hold must not reach the provider, got %d creates", got)
	}
}

func TestReserveSeesProviderOnlyBusyTime(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStack(t)

	st.provider.Put(st.conn.ID, CanonicalEvent{Title: "Dentist", Start: at(13, 0), End: at(14, 0)})
	_, err := st.service.Reserve(ctx, candidate(at(13, 30), at(14, 0)), NoVersion)
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.Reason != ReasonUnavailable {
		t.Fatalf("expected unavailable conflict, got %v", err)
	}
	if len(conflict.Overlapping) != 0 {
		t.Fatalf("provider-only conflict should name no ledger slots, got %v", conflict.Overlapping)
	}
}

func TestReserveFallsBackToLedgerWhenFreeBusyFails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStack(t)

	for i := 0; i < 3; i++ {
		st.provider.FailNext("free_busy", transientErr("free_busy"))
	}
	slot, err := st.service.Reserve(ctx, candidate(at(16, 0), at(16, 30)), NoVersion)
	if err != nil {
		t.Fatalf("reserve with degraded free/busy failed: %v", err)
	}
	if slot.Status != StatusBooked {
		t.Fatalf("expected booked slot, got %+v", slot)
	}
}

func TestReserveQueuesTransientPushFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStack(t)

	for i := 0; i < 3; i++ {
		st.provider.FailNext("create_event", transientErr("create_event"))
	}
	slot, err := st.service.Reserve(ctx, candidate(at(9, 0), at(9, 30)), NoVersion)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if slot.Status != StatusBooked || slot.ExternalEventID != "" {
		t.Fatalf("expected booked slot awaiting push, got %+v", slot)
	}
	linked := waitForCondition(t, 2*time.Second, func() bool {
		current, err := st.ledger.Get(ctx, slot.ID)
		return err == nil && current.ExternalEventID != ""
	})
	if !linked {
		t.Fatalf("queued push never linked slot %s", slot.ID)
	}
	if got := len(st.provider.Events(st.conn.ID)); got != 1 {
		t.Fatalf("expected one provider event after retry, got %d", got)
	}
}

func TestPushQueueDeadLettersAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStack(t)
	service := NewReservationService(ServiceOptions{
		Ledger:          st.ledger,
		Detector:        st.detector,
		Caller:          st.caller,
		Connections:     st.conns,
		Logger:          quietLogger(),
		PushMaxAttempts: 2,
		PushRetryDelay:  5 * time.Millisecond,
		Now:             st.clock.Now,
	})
	t.Cleanup(service.Close)

	// Three caller attempts for the request path and for each queued attempt.
	for i := 0; i < 9; i++ {
		st.provider.FailNext("create_event", transientErr("create_event"))
	}
	slot, err := service.Reserve(ctx, candidate(at(9, 0), at(9, 30)), NoVersion)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if !waitForCondition(t, 2*time.Second, func() bool { return len(service.DeadLetters()) == 1 }) {
		t.Fatalf("expected push dead letter, got %d", len(service.DeadLetters()))
	}
	dl := service.DeadLetters()[0]
	if dl.Task.SlotID != slot.ID || dl.Task.Op != PushCreate || dl.Task.Attempt != 2 {
		t.Fatalf("unexpected dead letter: %+v", dl)
	}
	current, err := st.ledger.Get(ctx, slot.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if current.Status != StatusBooked {
		t.Fatalf("dead-lettered push must not undo the booking, got %s", current.Status)
	}
}

func TestReserveRejectedByProviderIsCompensated(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStack(t)

	st.provider.FailNext("create_event", providerError(ProviderGoogle, "create_event", KindPermanentRejected, errors.New("calendar is read-only")))
	_, err := st.service.Reserve(ctx, candidate(at(9, 0), at(9, 30)), NoVersion)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected rejected error, got %v", err)
	}
	slots, err := st.ledger.ListAccount(ctx, testAccount, Interval{Start: at(0, 0), End: at(23, 0)})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(slots) != 1 || slots[0].Status != StatusCancelled {
		t.Fatalf("expected the booking to be cancelled, got %+v", slots)
	}
	if _, err := st.service.Reserve(ctx, candidate(at(9, 0), at(9, 30)), NoVersion); err != nil {
		t.Fatalf("range should be free after compensation: %v", err)
	}
}

func TestGateRunsOnlyForNewSlots(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStack(t)
	var calls atomic.Int32
	deny := atomic.Bool{}
	service := NewReservationService(ServiceOptions{
		Ledger:      st.ledger,
		Detector:    st.detector,
		Caller:      st.caller,
		Connections: st.conns,
		Logger:      quietLogger(),
		Now:         st.clock.Now,
		Gate: func(context.Context, SlotCandidate) (bool, error) {
			calls.Add(1)
			return !deny.Load(), nil
		},
	})
	t.Cleanup(service.Close)

	hold, err := service.PlaceHold(ctx, candidate(at(12, 0), at(12, 30)), time.Minute)
	if err != nil {
		t.Fatalf("hold failed: %v", err)
	}
	deny.Store(true)
	booked, err := service.ConfirmHold(ctx, SlotCandidate{SlotID: hold.ID, AccountID: testAccount}, hold.Version)
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if booked.Status != StatusBooked || booked.ExternalEventID == "" {
		t.Fatalf("expected booked and pushed slot, got %+v", booked)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected gate to run once, ran %d times", got)
	}
	if _, err := service.Reserve(ctx, candidate(at(14, 0), at(14, 30)), NoVersion); !errors.Is(err, ErrGateDenied) {
		t.Fatalf("expected gate denial, got %v", err)
	}
}

func TestPlaceHoldExpiresWithoutProviderWrite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStack(t)

	hold, err := st.service.PlaceHold(ctx, candidate(at(12, 0), at(12, 30)), 2*time.Minute)
	if err != nil {
		t.Fatalf("hold failed: %v", err)
	}
	if got := st.provider.Calls("create_event"); got != 0 {
		t.Fatalf("hold must not reach the provider, got %d creates", got)
	}
	st.clock.Advance(3 * time.Minute)
	_, err = st.service.ConfirmHold(ctx, SlotCandidate{SlotID: hold.ID}, hold.Version)
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.Reason != ReasonHoldExpired {
		t.Fatalf("expected hold expired, got %v", err)
	}
	if _, err := st.service.ConfirmHold(ctx, SlotCandidate{}, 1); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error without slot id, got %v", err)
	}
}

func TestCancelAfterExternalDeleteConflicts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStack(t)

	slot, err := st.service.Reserve(ctx, candidate(at(10, 0), at(10, 30)), NoVersion)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	st.provider.Remove(st.conn.ID, slot.ExternalEventID)
	if err := st.engine.ResyncEvent(ctx, st.conn, slot.ExternalEventID); err != nil {
		t.Fatalf("resync failed: %v", err)
	}
	current, err := st.ledger.Get(ctx, slot.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if current.Status != StatusCancelled {
		t.Fatalf("expected provider delete to cancel slot, got %s", current.Status)
	}

	_, err = st.service.Cancel(ctx, slot.ID, slot.Version)
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.Reason != ReasonVersionMismatch || conflict.CurrentVersion != current.Version {
		t.Fatalf("expected version mismatch for stale cancel, got %v", err)
	}
	_, err = st.service.Cancel(ctx, slot.ID, current.Version)
	if !errors.As(err, &conflict) || conflict.Reason != ReasonTerminal {
		t.Fatalf("expected terminal conflict, got %v", err)
	}
}

func TestCancelRemovesProviderEvent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStack(t)

	slot, err := st.service.Reserve(ctx, candidate(at(10, 0), at(10, 30)), NoVersion)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if _, err := st.service.Cancel(ctx, slot.ID, slot.Version); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if got := len(st.provider.Events(st.conn.ID)); got != 0 {
		t.Fatalf("expected provider event removed, %d left", got)
	}
}

func TestRescheduleWithConfirmMovesProviderEvent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStack(t)

	slot, err := st.service.Reserve(ctx, candidate(at(10, 0), at(10, 30)), NoVersion)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	result, err := st.service.Reschedule(ctx, slot.ID, slot.Version, SlotCandidate{Start: at(10, 15), End: at(10, 45)}, true)
	if err != nil {
		t.Fatalf("reschedule failed: %v", err)
	}
	if result.Previous.Status != StatusRescheduled || result.Previous.RescheduledTo != result.Slot.ID {
		t.Fatalf("unexpected previous slot: %+v", result.Previous)
	}
	if result.Slot.Status != StatusBooked || result.Slot.ExternalEventID == "" || result.Slot.ExternalEventID == slot.ExternalEventID {
		t.Fatalf("expected replacement booked with a new event, got %+v", result.Slot)
	}
	events := st.provider.Events(st.conn.ID)
	if len(events) != 1 || events[0].ExternalID != result.Slot.ExternalEventID || !events[0].Start.Equal(at(10, 15)) {
		t.Fatalf("expected only the moved event at the provider, got %+v", events)
	}
}

func TestRescheduleWithoutConfirmLeavesHold(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStack(t)

	slot, err := st.service.Reserve(ctx, candidate(at(10, 0), at(10, 30)), NoVersion)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	result, err := st.service.Reschedule(ctx, slot.ID, slot.Version, SlotCandidate{Start: at(15, 0), End: at(15, 30)}, false)
	if err != nil {
		t.Fatalf("reschedule failed: %v", err)
	}
	if result.Slot.Status != StatusPending || result.Slot.HoldExpiresAt == nil {
		t.Fatalf("expected pending replacement, got %+v", result.Slot)
	}
	if _, err := st.service.Reschedule(ctx, slot.ID, slot.Version, SlotCandidate{Start: at(16, 0), End: at(16, 30)}, false); !errors.Is(err, ErrConflict) {
		t.Fatalf("second reschedule of the retired slot should conflict, got %v", err)
	}
}

func TestCancelSeriesSingleThenAll(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStack(t)

	st.provider.Put(st.conn.ID, CanonicalEvent{
		ExternalID: "standup",
		Title:      "Standup",
		Start:      at(9, 0),
		End:        at(9, 30),
		Recurrence: "RRULE:FREQ=DAILY;COUNT=5",
	})
	if err := st.engine.ResyncEvent(ctx, st.conn, "standup"); err != nil {
		t.Fatalf("resync master failed: %v", err)
	}
	recurrence := recurrenceID(st.conn.ID, "standup")
	occurrences, err := st.ledger.ListRecurrence(ctx, recurrence)
	if err != nil {
		t.Fatalf("list recurrence failed: %v", err)
	}
	if len(occurrences) != 5 {
		t.Fatalf("expected 5 occurrences, got %d", len(occurrences))
	}
	sortSlots(occurrences)
	if !strings.HasPrefix(occurrences[0].ExternalEventID, "standup_20260302T090000Z") {
		t.Fatalf("unexpected occurrence external id %q", occurrences[0].ExternalEventID)
	}

	booked, err := st.service.Reserve(ctx, SlotCandidate{SlotID: occurrences[0].ID, AccountID: testAccount}, occurrences[0].Version)
	if err != nil {
		t.Fatalf("booking an occurrence failed: %v", err)
	}
	if booked.Status != StatusBooked || booked.RecurrenceID != recurrence {
		t.Fatalf("unexpected booked occurrence: %+v", booked)
	}

	single, err := st.service.CancelSeries(ctx, SeriesCancelRequest{
		RecurrenceID:    recurrence,
		Mode:            SeriesSingleEvent,
		SlotID:          occurrences[1].ID,
		ExpectedVersion: occurrences[1].Version,
	})
	if err != nil {
		t.Fatalf("single cancel failed: %v", err)
	}
	if len(single) != 1 || !single[0].Exception {
		t.Fatalf("expected one cancelled exception, got %+v", single)
	}

	all, err := st.service.CancelSeries(ctx, SeriesCancelRequest{RecurrenceID: recurrence, Mode: SeriesAllEvents})
	if err != nil {
		t.Fatalf("series cancel failed: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 occurrences cancelled, got %d", len(all))
	}
	if got := len(st.provider.Events(st.conn.ID)); got != 0 {
		t.Fatalf("expected master deleted at provider, %d events left", got)
	}
	if _, err := st.service.CancelSeries(ctx, SeriesCancelRequest{RecurrenceID: recurrence, Mode: "SOME"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for unknown mode, got %v", err)
	}
}
