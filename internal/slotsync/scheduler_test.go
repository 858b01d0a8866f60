package slotsync

import (
	"context"
	"strings"
	"testing"
	"time"
)

func newTestScheduler(t *testing.T, st *testStack, gw *Gateway) *Scheduler {
	t.Helper()
	s, err := NewScheduler(SchedulerOptions{
		Ledger:      st.ledger,
		Caller:      st.caller,
		Connections: st.conns,
		Gateway:     gw,
		Logger:      quietLogger(),
		CallbackURL: func(conn CalendarConnection) string {
			return "https://hooks.example.com/v1/webhooks/" + string(conn.Provider)
		},
		Now: st.clock.Now,
	})
	if err != nil {
		t.Fatalf("new scheduler failed: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func TestSchedulerRenewsMissingAndExpiringChannels(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStack(t)
	s := newTestScheduler(t, st, nil)

	s.RenewChannels(ctx)
	conn, err := st.conns.Get(ctx, st.conn.ID)
	if err != nil {
		t.Fatalf("get connection failed: %v", err)
	}
	if conn.Channel.ID == "" || conn.Polling {
		t.Fatalf("expected registered channel, got %+v", conn.Channel)
	}
	if got := st.provider.Calls("register_channel"); got != 1 {
		t.Fatalf("expected one registration, got %d", got)
	}

	// Fresh channel: nothing to do.
	s.RenewChannels(ctx)
	if got := st.provider.Calls("register_channel"); got != 1 {
		t.Fatalf("fresh channel renewed again: %d registrations", got)
	}

	// Inside the renewal margin: renewed.
	expiring := conn.Channel
	expiring.ExpiresAt = st.clock.Now().Add(30 * time.Minute)
	if err := st.conns.UpdateChannel(ctx, conn.ID, expiring); err != nil {
		t.Fatalf("update channel failed: %v", err)
	}
	s.RenewChannels(ctx)
	if got := st.provider.Calls("register_channel"); got != 2 {
		t.Fatalf("expected expiring channel renewed, got %d registrations", got)
	}
}

func TestSchedulerFallsBackToPolling(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStack(t)
	st.provider.DisablePush()
	handler := newRecordingHandler()
	gw := newTestGateway(t, handler, GatewayOptions{Connections: st.conns})
	s := newTestScheduler(t, st, gw)

	if err := s.RenewChannel(ctx, st.conn); err != nil {
		t.Fatalf("push-less provider should not be an error, got %v", err)
	}
	conn, err := st.conns.Get(ctx, st.conn.ID)
	if err != nil {
		t.Fatalf("get connection failed: %v", err)
	}
	if !conn.Polling {
		t.Fatalf("expected connection switched to polling")
	}

	s.Poll(ctx)
	if !waitForCondition(t, time.Second, func() bool { return len(handler.Seen()) == 1 }) {
		t.Fatalf("expected poll notification processed")
	}
	n := handler.Seen()[0]
	if n.ConnectionID != conn.ID || n.ResourceState != "poll" || !strings.HasPrefix(n.ChangeToken, "poll:"+conn.ID+":") || n.ResourceID != "" {
		t.Fatalf("unexpected poll notification: %+v", n)
	}

	// The same tick twice is deduplicated; the next tick is new work.
	s.Poll(ctx)
	st.clock.Advance(5 * time.Minute)
	s.Poll(ctx)
	if !waitForCondition(t, time.Second, func() bool { return len(handler.Seen()) == 2 }) {
		t.Fatalf("expected second tick processed, got %d", len(handler.Seen()))
	}
}

func TestSchedulerSweepsExpiredHolds(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStack(t)
	s := newTestScheduler(t, st, nil)

	hold, err := st.ledger.Hold(ctx, candidate(at(12, 0), at(12, 30)), time.Minute)
	if err != nil {
		t.Fatalf("hold failed: %v", err)
	}
	s.SweepHolds(ctx)
	if current, _ := st.ledger.Get(ctx, hold.ID); current.Status != StatusPending {
		t.Fatalf("live hold swept: %s", current.Status)
	}
	st.clock.Advance(2 * time.Minute)
	s.SweepHolds(ctx)
	if current, _ := st.ledger.Get(ctx, hold.ID); current.Status != StatusCancelled {
		t.Fatalf("expired hold not swept: %s", current.Status)
	}
}

func TestNewSchedulerRejectsBadSchedule(t *testing.T) {
	t.Parallel()

	if _, err := NewScheduler(SchedulerOptions{PollSchedule: "every so often"}); err == nil {
		t.Fatalf("expected error for invalid schedule")
	}
}
