package slotsync

import (
	"context"
	"testing"
	"time"
)

func TestOccurrencesKeepLocalTimeAcrossDST(t *testing.T) {
	t.Parallel()

	x := NewRecurrenceExpander(ExpanderOptions{Logger: quietLogger()})
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	rule := RecurrenceRule{
		ID:       "conn/weekly",
		Pattern:  "FREQ=WEEKLY;BYDAY=MO",
		Start:    time.Date(2026, 3, 2, 9, 0, 0, 0, ny),
		Duration: 30 * time.Minute,
		Timezone: "America/New_York",
		ExDates:  []time.Time{time.Date(2026, 3, 16, 9, 0, 0, 0, ny)},
	}
	window := Interval{Start: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2026, 3, 24, 0, 0, 0, 0, time.UTC)}
	occ, err := x.Occurrences(rule, window)
	if err != nil {
		t.Fatalf("occurrences failed: %v", err)
	}
	// Mar 2 (EST), Mar 9 (EDT, after the switch), Mar 16 excluded, Mar 23.
	if len(occ) != 3 {
		t.Fatalf("expected 3 occurrences, got %d: %v", len(occ), occ)
	}
	wantUTC := []time.Time{
		time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 9, 13, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 23, 13, 0, 0, 0, time.UTC),
	}
	for i, want := range wantUTC {
		if !occ[i].Start.Equal(want) || occ[i].Duration() != 30*time.Minute {
			t.Fatalf("occurrence %d: expected %s, got %v", i, want, occ[i])
		}
	}
}

func TestOccurrencesRejectBadRules(t *testing.T) {
	t.Parallel()

	x := NewRecurrenceExpander(ExpanderOptions{Logger: quietLogger()})
	window := Interval{Start: at(0, 0), End: at(0, 0).AddDate(0, 1, 0)}
	if _, err := x.Occurrences(RecurrenceRule{Pattern: "FREQ=SOMETIMES", Start: at(9, 0), Duration: time.Hour}, window); err == nil {
		t.Fatalf("expected error for invalid pattern")
	}
	if _, err := x.Occurrences(RecurrenceRule{Pattern: "FREQ=DAILY", Start: at(9, 0), Duration: time.Hour, Timezone: "Mars/Olympus"}, window); err == nil {
		t.Fatalf("expected error for unknown timezone")
	}
	if _, err := RuleFromEvent(CalendarConnection{ID: "c"}, CanonicalEvent{ExternalID: "single", Start: at(9, 0), End: at(10, 0)}); err == nil {
		t.Fatalf("expected error for non-recurring event")
	}
}

func TestDiffPreservesExceptionsAndPrunesUnbooked(t *testing.T) {
	t.Parallel()

	clock := newTestClock(at(12, 0).AddDate(0, 0, 2))
	x := NewRecurrenceExpander(ExpanderOptions{Logger: quietLogger(), Now: clock.Now})
	rule := RecurrenceRule{ID: "conn/daily", AccountID: testAccount, ConnectionID: "conn", Provider: ProviderGoogle, MasterExternalID: "daily", Title: "Sync"}

	mk := func(day int, mutate func(*MeetingSlot)) MeetingSlot {
		start := at(9, 0).AddDate(0, 0, day)
		slot := occurrenceSlot(rule, Interval{Start: start, End: start.Add(30 * time.Minute)})
		slot.Version = 1
		if mutate != nil {
			mutate(&slot)
		}
		return slot
	}
	existing := []MeetingSlot{
		// ended, never booked: pruned
		mk(0, nil),
		// ended, booked: kept
		mk(1, func(s *MeetingSlot) { s.Status = StatusBooked; s.BookedAt = timePtr(at(8, 0)) }),
		mk(3, func(s *MeetingSlot) { s.Exception = true; s.Start = s.Start.Add(time.Hour); s.End = s.End.Add(time.Hour) }),
		// matches: untouched
		mk(4, nil),
		// updated
		mk(5, func(s *MeetingSlot) { s.Title = "Old title" }),
		// terminal: untouched
		mk(6, func(s *MeetingSlot) { s.Status = StatusCancelled }),
		// no longer produced: cancelled
		mk(8, nil),
	}
	window := Interval{Start: clock.Now(), End: clock.Now().AddDate(0, 0, 10)}
	var occurrences []Interval
	for _, day := range []int{3, 4, 5, 6, 7} {
		start := at(9, 0).AddDate(0, 0, day)
		occurrences = append(occurrences, Interval{Start: start, End: start.Add(30 * time.Minute)})
	}

	instructions := x.Diff(rule, existing, occurrences, window)
	got := map[string]InstructionType{}
	for _, in := range instructions {
		got[in.Slot.OccurrenceKey] = in.Type
	}
	key := func(day int) string { return occurrenceKey(at(9, 0).AddDate(0, 0, day)) }
	want := map[string]InstructionType{
		key(0): InstructionCancel,
		key(5): InstructionUpdate,
		key(7): InstructionCreate,
		key(8): InstructionCancel,
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d instructions, got %d: %v", len(want), len(got), got)
	}
	for k, typ := range want {
		if got[k] != typ {
			t.Fatalf("occurrence %s: expected %s, got %q", k, typ, got[k])
		}
	}
	for i := 1; i < len(instructions); i++ {
		if instructions[i].Slot.Start.Before(instructions[i-1].Slot.Start) {
			t.Fatalf("instructions not ordered by start")
		}
	}
}

func TestExpanderSyncIsIdempotentAndFollowsRuleChanges(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStack(t)
	master := CanonicalEvent{
		ExternalID: "weekly",
		Title:      "1:1",
		Start:      at(9, 0),
		End:        at(9, 30),
		Recurrence: "RRULE:FREQ=DAILY",
	}
	first, err := st.expander.Sync(ctx, st.conn, master)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	// Fourteen day horizon starting 08:00 on the first day.
	if first.Created != 14 {
		t.Fatalf("expected 14 occurrences, got %+v", first)
	}
	again, err := st.expander.Sync(ctx, st.conn, master)
	if err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if again.Created+again.Updated+again.Cancelled != 0 {
		t.Fatalf("expected no changes on resync, got %+v", again)
	}

	master.Recurrence = "RRULE:FREQ=DAILY;COUNT=3"
	master.Title = "1:1 (renamed)"
	changed, err := st.expander.Sync(ctx, st.conn, master)
	if err != nil {
		t.Fatalf("sync after change failed: %v", err)
	}
	if changed.Updated != 3 || changed.Cancelled != 11 {
		t.Fatalf("expected 3 updated and 11 cancelled, got %+v", changed)
	}
}

func TestExpanderSkipsOccurrenceOverlappingBooking(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStack(t)
	if _, err := st.ledger.Reserve(ctx, candidate(at(9, 0).AddDate(0, 0, 1), at(10, 0).AddDate(0, 0, 1)), NoVersion); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	result, err := st.expander.Sync(ctx, st.conn, CanonicalEvent{
		ExternalID: "daily",
		Start:      at(9, 0),
		End:        at(9, 30),
		Recurrence: "RRULE:FREQ=DAILY;COUNT=3",
	})
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if result.Created != 2 || result.Conflicts != 1 {
		t.Fatalf("expected 2 created and 1 conflict, got %+v", result)
	}
}
