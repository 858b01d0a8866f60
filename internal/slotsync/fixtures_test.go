package slotsync

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

const testAccount = "acct_1"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(now time.Time) *testClock {
	return &testClock{now: now.UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type countingCredentials struct {
	mu        sync.Mutex
	refreshes int
	failWith  error
}

func (c *countingCredentials) Credential(_ context.Context, _ CalendarConnection) (Credential, error) {
	return Credential{}, nil
}

func (c *countingCredentials) Refresh(_ context.Context, _ CalendarConnection) (Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshes++
	if c.failWith != nil {
		return Credential{}, c.failWith
	}
	return Credential{}, nil
}

func (c *countingCredentials) Refreshes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshes
}

// testStack wires one account with one Google connection backed by the
// in-memory provider. Provider retries never sleep.
type testStack struct {
	clock    *testClock
	ledger   *SlotLedger
	provider *MemoryProvider
	conns    *MemoryConnectionStore
	creds    *countingCredentials
	caller   *Caller
	detector *ConflictDetector
	service  *ReservationService
	expander *RecurrenceExpander
	engine   *SyncEngine
	conn     CalendarConnection
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	// Fixed Monday morning so fixtures can use wall-clock literals.
	clock := newTestClock(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))
	logger := quietLogger()
	ledger := NewSlotLedger(NewMemoryLedger(), LedgerOptions{Broker: NewBroker(), Logger: logger, Now: clock.Now})
	provider := NewMemoryProvider(ProviderGoogle)
	conns := NewMemoryConnectionStore()
	creds := &countingCredentials{}
	conn, err := conns.Upsert(context.Background(), CalendarConnection{
		ID:         "conn_google",
		AccountID:  testAccount,
		Provider:   ProviderGoogle,
		CalendarID: "primary",
		Active:     true,
	})
	if err != nil {
		t.Fatalf("upsert connection failed: %v", err)
	}
	caller := NewCaller(CallerOptions{
		Adapters:    []ProviderAdapter{provider},
		Credentials: creds,
		Connections: conns,
		Retry:       RetryPolicy{MaxAttempts: 3},
		Logger:      logger,
	})
	caller.sleep = func(context.Context, time.Duration) error { return nil }
	detector := NewConflictDetector(DetectorOptions{Ledger: ledger, Caller: caller, Connections: conns, Logger: logger, Now: clock.Now})
	service := NewReservationService(ServiceOptions{
		Ledger:         ledger,
		Detector:       detector,
		Caller:         caller,
		Connections:    conns,
		Logger:         logger,
		PushRetryDelay: 10 * time.Millisecond,
		Now:            clock.Now,
	})
	t.Cleanup(service.Close)
	expander := NewRecurrenceExpander(ExpanderOptions{Ledger: ledger, Logger: logger, Horizon: 14 * 24 * time.Hour, Now: clock.Now})
	engine := NewSyncEngine(SyncEngineOptions{Ledger: ledger, Caller: caller, Connections: conns, Expander: expander, Logger: logger, Now: clock.Now})
	return &testStack{
		clock:    clock,
		ledger:   ledger,
		provider: provider,
		conns:    conns,
		creds:    creds,
		caller:   caller,
		detector: detector,
		service:  service,
		expander: expander,
		engine:   engine,
		conn:     conn,
	}
}

// at returns 2026-03-02 hh:mm UTC.
func at(hh, mm int) time.Time {
	return time.Date(2026, 3, 2, hh, mm, 0, 0, time.UTC)
}

func candidate(start, end time.Time) SlotCandidate {
	return SlotCandidate{AccountID: testAccount, Participant: "guest@example.com", Start: start, End: end}
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func transientErr(op string) error {
	return providerError(ProviderGoogle, op, KindTransient, io.ErrUnexpectedEOF)
}
