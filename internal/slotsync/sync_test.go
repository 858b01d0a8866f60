package slotsync

import (
	"context"
	"testing"
	"time"
)

func TestCalendarNotificationAppliesProviderMove(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStack(t)

	slot, err := st.service.Reserve(ctx, candidate(at(10, 0), at(10, 30)), NoVersion)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	st.provider.Put(st.conn.ID, CanonicalEvent{ExternalID: slot.ExternalEventID, Title: "Moved", Start: at(13, 0), End: at(13, 45)})

	if err := st.engine.HandleNotification(ctx, Notification{Provider: ProviderGoogle, ConnectionID: st.conn.ID, ChangeToken: "1"}); err != nil {
		t.Fatalf("handle notification failed: %v", err)
	}
	current, err := st.ledger.Get(ctx, slot.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !current.Start.Equal(at(13, 0)) || !current.End.Equal(at(13, 45)) || current.Status != StatusBooked {
		t.Fatalf("expected slot moved to provider time, got %+v", current)
	}
	if current.Version != slot.Version+1 {
		t.Fatalf("expected version bump, got %d", current.Version)
	}
}

func TestResyncCalendarCancelsVanishedEvents(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStack(t)

	var slots []MeetingSlot
	for _, hh := range []int{9, 10, 11} {
		slot, err := st.service.Reserve(ctx, candidate(at(hh, 0), at(hh, 30)), NoVersion)
		if err != nil {
			t.Fatalf("reserve %d:00 failed: %v", hh, err)
		}
		slots = append(slots, slot)
	}
	st.provider.Remove(st.conn.ID, slots[1].ExternalEventID)

	result, err := st.engine.ResyncCalendar(ctx, st.conn)
	if err != nil {
		t.Fatalf("resync failed: %v", err)
	}
	if result.Events != 2 || result.Cancelled != 1 {
		t.Fatalf("unexpected resync result: %+v", result)
	}
	for i, slot := range slots {
		current, err := st.ledger.Get(ctx, slot.ID)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		wantCancelled := i == 1
		if (current.Status == StatusCancelled) != wantCancelled {
			t.Fatalf("slot %d: unexpected status %s", i, current.Status)
		}
	}

	again, err := st.engine.ResyncCalendar(ctx, st.conn)
	if err != nil {
		t.Fatalf("second resync failed: %v", err)
	}
	if again.Cancelled != 0 {
		t.Fatalf("second resync should be a no-op, got %+v", again)
	}
}

func TestProviderMoveOntoBookedSlotIsSkipped(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStack(t)

	a, err := st.service.Reserve(ctx, candidate(at(9, 0), at(9, 30)), NoVersion)
	if err != nil {
		t.Fatalf("reserve a failed: %v", err)
	}
	b, err := st.service.Reserve(ctx, candidate(at(10, 0), at(10, 30)), NoVersion)
	if err != nil {
		t.Fatalf("reserve b failed: %v", err)
	}
	st.provider.Put(st.conn.ID, CanonicalEvent{ExternalID: b.ExternalEventID, Start: at(9, 15), End: at(9, 45)})
	if err := st.engine.ResyncEvent(ctx, st.conn, b.ExternalEventID); err != nil {
		t.Fatalf("resync should log and skip the overlap, got %v", err)
	}
	current, err := st.ledger.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !current.Start.Equal(at(10, 0)) || current.Version != b.Version {
		t.Fatalf("slot moved onto %s: %+v", a.ID, current)
	}
}

func TestCancelledEventCancelsSlot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStack(t)

	slot, err := st.service.Reserve(ctx, candidate(at(9, 0), at(9, 30)), NoVersion)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	st.provider.Put(st.conn.ID, CanonicalEvent{ExternalID: slot.ExternalEventID, Start: slot.Start, End: slot.End, Status: EventCancelled})
	if err := st.engine.ResyncEvent(ctx, st.conn, slot.ExternalEventID); err != nil {
		t.Fatalf("resync failed: %v", err)
	}
	current, err := st.ledger.Get(ctx, slot.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if current.Status != StatusCancelled {
		t.Fatalf("expected cancelled slot, got %s", current.Status)
	}
}

func TestMovedInstanceBecomesException(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStack(t)

	master := st.provider.Put(st.conn.ID, CanonicalEvent{ExternalID: "standup", Title: "Standup", Start: at(9, 0), End: at(9, 15), Recurrence: "RRULE:FREQ=DAILY;COUNT=4"})
	if err := st.engine.ResyncEvent(ctx, st.conn, master.ExternalID); err != nil {
		t.Fatalf("resync master failed: %v", err)
	}
	recurrence := recurrenceID(st.conn.ID, "standup")

	// Google names instances after the master and original start.
	day2 := at(9, 0).AddDate(0, 0, 1)
	st.provider.Put(st.conn.ID, CanonicalEvent{
		ExternalID:       occurrenceExternalID("standup", day2),
		RecurringEventID: "standup",
		OriginalStart:    timePtr(day2),
		Start:            day2.Add(2 * time.Hour),
		End:              day2.Add(2*time.Hour + 15*time.Minute),
	})
	if err := st.engine.ResyncEvent(ctx, st.conn, occurrenceExternalID("standup", day2)); err != nil {
		t.Fatalf("resync instance failed: %v", err)
	}

	// Outlook uses opaque instance ids; the original start identifies it.
	day3 := at(9, 0).AddDate(0, 0, 2)
	st.provider.Put(st.conn.ID, CanonicalEvent{
		ExternalID:       "AAMkOpaque=",
		RecurringEventID: "standup",
		OriginalStart:    timePtr(day3),
		Start:            day3.Add(30 * time.Minute),
		End:              day3.Add(45 * time.Minute),
	})
	if err := st.engine.ResyncEvent(ctx, st.conn, "AAMkOpaque="); err != nil {
		t.Fatalf("resync opaque instance failed: %v", err)
	}

	slots, err := st.ledger.ListRecurrence(ctx, recurrence)
	if err != nil {
		t.Fatalf("list recurrence failed: %v", err)
	}
	exceptions := map[string]MeetingSlot{}
	for _, slot := range slots {
		if slot.Exception {
			exceptions[slot.OccurrenceKey] = slot
		}
	}
	if len(exceptions) != 2 {
		t.Fatalf("expected 2 exceptions, got %d", len(exceptions))
	}
	if got := exceptions[occurrenceKey(day2)]; !got.Start.Equal(day2.Add(2 * time.Hour)) {
		t.Fatalf("day 2 exception at wrong time: %+v", got)
	}
	if got := exceptions[occurrenceKey(day3)]; !got.Start.Equal(day3.Add(30 * time.Minute)) {
		t.Fatalf("day 3 exception at wrong time: %+v", got)
	}

	// Re-expanding the master leaves the exceptions where the provider put them.
	result, err := st.expander.Sync(ctx, st.conn, master)
	if err != nil {
		t.Fatalf("re-expand failed: %v", err)
	}
	if result.Created+result.Updated+result.Cancelled != 0 {
		t.Fatalf("re-expansion touched occurrences: %+v", result)
	}

	// Deleting the master cancels everything, exceptions included.
	st.provider.Remove(st.conn.ID, "standup")
	if err := st.engine.ResyncEvent(ctx, st.conn, "standup"); err != nil {
		t.Fatalf("resync deleted master failed: %v", err)
	}
	slots, err = st.ledger.ListRecurrence(ctx, recurrence)
	if err != nil {
		t.Fatalf("list recurrence failed: %v", err)
	}
	for _, slot := range slots {
		if !slot.Status.Terminal() {
			t.Fatalf("occurrence %s survived master deletion", slot.OccurrenceKey)
		}
	}
}

func TestNotificationForInactiveConnectionIsDropped(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStack(t)
	inactive := st.conn
	inactive.ID = "conn_old"
	inactive.Active = false
	if _, err := st.conns.Upsert(ctx, inactive); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := st.engine.HandleNotification(ctx, Notification{ConnectionID: "conn_old", ChangeToken: "1"}); err != nil {
		t.Fatalf("expected inactive connection to be ignored, got %v", err)
	}
	if got := st.provider.Calls("list_events"); got != 0 {
		t.Fatalf("inactive connection reached the provider: %d calls", got)
	}
}
