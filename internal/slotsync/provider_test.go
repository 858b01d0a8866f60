package slotsync

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCallerRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStack(t)
	var delays []time.Duration
	st.caller.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	st.provider.FailNext("list_events", transientErr("list_events"))
	st.provider.FailNext("list_events", &ProviderError{Kind: KindRateLimited, Provider: ProviderGoogle, Op: "list_events", RetryAfter: 2 * time.Second})
	if _, err := st.caller.ListEvents(ctx, st.conn, Interval{}, ""); err != nil {
		t.Fatalf("list after retries failed: %v", err)
	}
	if got := st.provider.Calls("list_events"); got != 3 {
		t.Fatalf("expected 3 calls, got %d", got)
	}
	if len(delays) != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %v", delays)
	}
	if delays[1] != 2*time.Second {
		t.Fatalf("expected Retry-After to win, got %s", delays[1])
	}
}

func TestCallerGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStack(t)
	for i := 0; i < 4; i++ {
		st.provider.FailNext("fetch_event", transientErr("fetch_event"))
	}
	_, err := st.caller.FetchEvent(ctx, st.conn, "ev_1")
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	var perr *ProviderError
	if !errors.As(err, &perr) || !perr.Retryable() {
		t.Fatalf("expected retryable provider error, got %v", err)
	}
	if got := st.provider.Calls("fetch_event"); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestCallerRefreshesExpiredCredentialsOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStack(t)

	st.provider.FailNext("free_busy", providerError(ProviderGoogle, "free_busy", KindAuthExpired, errors.New("token expired")))
	if _, err := st.caller.FreeBusy(ctx, st.conn, Interval{Start: at(9, 0), End: at(10, 0)}); err != nil {
		t.Fatalf("free/busy after refresh failed: %v", err)
	}
	if got := st.creds.Refreshes(); got != 1 {
		t.Fatalf("expected one refresh, got %d", got)
	}

	st.provider.FailNext("free_busy", providerError(ProviderGoogle, "free_busy", KindAuthExpired, errors.New("token expired")))
	st.provider.FailNext("free_busy", providerError(ProviderGoogle, "free_busy", KindAuthExpired, errors.New("refresh token revoked")))
	_, err := st.caller.FreeBusy(ctx, st.conn, Interval{Start: at(9, 0), End: at(10, 0)})
	if !errors.Is(err, ErrReconnectRequired) {
		t.Fatalf("expected reconnect required, got %v", err)
	}
	conn, err := st.conns.Get(ctx, st.conn.ID)
	if err != nil {
		t.Fatalf("get connection failed: %v", err)
	}
	if !conn.ReconnectRequired {
		t.Fatalf("expected connection marked for reconnection")
	}
	// A marked connection is refused without reaching the provider.
	before := st.provider.Calls("free_busy")
	if _, err := st.caller.FreeBusy(ctx, conn, Interval{Start: at(9, 0), End: at(10, 0)}); !errors.Is(err, ErrReconnectRequired) {
		t.Fatalf("expected reconnect required, got %v", err)
	}
	if st.provider.Calls("free_busy") != before {
		t.Fatalf("provider called for a connection that requires reconnection")
	}
}

func TestCallerFailedRefreshRequiresReconnect(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStack(t)
	st.creds.failWith = errors.New("invalid_grant")

	st.provider.FailNext("create_event", providerError(ProviderGoogle, "create_event", KindAuthExpired, errors.New("token expired")))
	_, err := st.caller.CreateEvent(ctx, st.conn, CanonicalEvent{Start: at(9, 0), End: at(9, 30)}, "k1")
	if !errors.Is(err, ErrReconnectRequired) || !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("expected reconnect required wrapping auth expiry, got %v", err)
	}
}

func TestCallerDeleteOfMissingEventSucceeds(t *testing.T) {
	t.Parallel()

	st := newTestStack(t)
	if err := st.caller.DeleteEvent(context.Background(), st.conn, "ev_gone"); err != nil {
		t.Fatalf("delete of missing event should succeed, got %v", err)
	}
}

func TestCallerUnknownProvider(t *testing.T) {
	t.Parallel()

	st := newTestStack(t)
	conn := st.conn
	conn.Provider = ProviderICloud
	if _, err := st.caller.FetchEvent(context.Background(), conn, "ev_1"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented, got %v", err)
	}
}

func TestMemoryProviderCreateIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := NewMemoryProvider(ProviderOutlook)
	conn := CalendarConnection{ID: "conn_1", Provider: ProviderOutlook}
	first, err := p.CreateEvent(ctx, conn, CanonicalEvent{Title: "A", Start: at(9, 0), End: at(9, 30)}, "slot_1")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	second, err := p.CreateEvent(ctx, conn, CanonicalEvent{Title: "A", Start: at(9, 0), End: at(9, 30)}, "slot_1")
	if err != nil {
		t.Fatalf("second create failed: %v", err)
	}
	if first.ExternalID != second.ExternalID || len(p.Events(conn.ID)) != 1 {
		t.Fatalf("idempotent create produced a second event")
	}
}

func TestKindForStatus(t *testing.T) {
	t.Parallel()

	cases := map[int]ErrorKind{
		401: KindAuthExpired,
		404: KindNotFound,
		410: KindNotFound,
		429: KindRateLimited,
		500: KindTransient,
		503: KindTransient,
		400: KindPermanentRejected,
		403: KindPermanentRejected,
	}
	for status, want := range cases {
		if got := KindForStatus(status); got != want {
			t.Fatalf("status %d: expected %s, got %s", status, want, got)
		}
	}
	if got := parseRetryAfterSeconds("7"); got != 7*time.Second {
		t.Fatalf("expected 7s retry-after, got %s", got)
	}
	if got := parseRetryAfterSeconds("soon"); got != 0 {
		t.Fatalf("expected unparseable retry-after to be ignored, got %s", got)
	}
}
