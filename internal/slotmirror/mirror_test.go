package slotmirror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/slotsync/internal/slotsync"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

var mirrorBase = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func testSlot(id string, offset time.Duration, status slotsync.SlotStatus, version int64) slotsync.MeetingSlot {
	return slotsync.MeetingSlot{
		ID:        id,
		AccountID: "acct_1",
		Start:     mirrorBase.Add(offset),
		End:       mirrorBase.Add(offset + 30*time.Minute),
		Status:    status,
		Version:   version,
	}
}

func TestHTTPClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		if r.URL.Path != "/v1/accounts/acct_1/slots" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("blocking") != "true" {
			t.Errorf("expected blocking filter, got %q", r.URL.RawQuery)
		}
		if r.Header.Get(slotsync.HeaderCorrelationID) == "" {
			t.Errorf("expected correlation id header")
		}
		_ = json.NewEncoder(w).Encode(SlotPage{Account: "acct_1", Slots: []slotsync.MeetingSlot{testSlot("slot_1", 0, slotsync.StatusBooked, 1)}})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	page, err := client.ListSlots(context.Background(), "acct_1", mirrorBase, mirrorBase.Add(time.Hour), true)
	if err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	if len(page.Slots) != 1 || page.Slots[0].ID != "slot_1" {
		t.Fatalf("unexpected page: %+v", page)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", atomic.LoadInt32(&calls))
	}
}

func TestHTTPClientDecodesReservationConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"conflict","reason":"overlap","overlapping":["slot_9"],"alternatives":[{"start":"2026-03-02T09:30:00Z","end":"2026-03-02T10:00:00Z"}]}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	_, err := client.Reserve(context.Background(), slotsync.SlotCandidate{
		AccountID: "acct_1",
		Start:     mirrorBase,
		End:       mirrorBase.Add(30 * time.Minute),
	}, 0)
	var conflict *ConflictError
	if !errors.As(err, &conflict) || !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict error, got %v", err)
	}
	if conflict.Reason != "overlap" || len(conflict.Alternatives) != 1 || conflict.Overlapping[0] != "slot_9" {
		t.Fatalf("unexpected conflict body: %+v", conflict)
	}
}

func TestHTTPClientDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"validation_failed","message":"end must be after start"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	_, err := client.Cancel(context.Background(), "slot_1", 1)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadRequest || httpErr.Code != "validation_failed" {
		t.Fatalf("expected validation http error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

type fakeRemote struct {
	slots  []slotsync.MeetingSlot
	stream func(ctx context.Context) (*websocket.Conn, error)
}

func (f *fakeRemote) ListSlots(context.Context, string, time.Time, time.Time, bool) (SlotPage, error) {
	return SlotPage{Account: "acct_1", Slots: f.slots}, nil
}

func (f *fakeRemote) OpenStream(ctx context.Context, _ string) (*websocket.Conn, error) {
	return f.stream(ctx)
}

func newTestMirror(t *testing.T, remote RemoteClient) (*Mirror, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mirror", "acct_1.json")
	m, err := NewMirror(remote, MirrorOptions{
		AccountID: "acct_1",
		StateFile: path,
		Window:    7 * 24 * time.Hour,
		Now:       func() time.Time { return mirrorBase.Add(-time.Hour) },
	})
	if err != nil {
		t.Fatalf("new mirror: %v", err)
	}
	return m, path
}

func readSnapshot(t *testing.T, path string) Snapshot {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return snap
}

func TestMirrorSyncAndApply(t *testing.T) {
	remote := &fakeRemote{slots: []slotsync.MeetingSlot{
		testSlot("slot_b", time.Hour, slotsync.StatusBooked, 1),
		testSlot("slot_a", 0, slotsync.StatusBooked, 2),
	}}
	m, path := newTestMirror(t, remote)

	changed, err := m.SyncOnce(context.Background())
	if err != nil || !changed {
		t.Fatalf("first sync: changed=%v err=%v", changed, err)
	}
	snap := readSnapshot(t, path)
	if len(snap.Slots) != 2 || snap.Slots[0].ID != "slot_a" {
		t.Fatalf("expected slots in start order, got %+v", snap.Slots)
	}
	if changed, _ := m.SyncOnce(context.Background()); changed {
		t.Fatalf("identical listing must not rewrite the snapshot")
	}

	if changed, _ := m.Apply(slotsync.SlotChange{Type: "updated", Slot: testSlot("slot_a", 0, slotsync.StatusBooked, 1)}); changed {
		t.Fatalf("stale version must be ignored")
	}
	if changed, _ := m.Apply(slotsync.SlotChange{Type: "updated", Slot: testSlot("slot_a", 0, slotsync.StatusCancelled, 3)}); !changed {
		t.Fatalf("cancellation should drop the slot")
	}
	other := testSlot("slot_x", 2*time.Hour, slotsync.StatusBooked, 1)
	other.AccountID = "acct_2"
	if changed, _ := m.Apply(slotsync.SlotChange{Type: "created", Slot: other}); changed {
		t.Fatalf("other accounts must be ignored")
	}
	if changed, _ := m.Apply(slotsync.SlotChange{Type: "created", Slot: testSlot("slot_far", 30*24*time.Hour, slotsync.StatusBooked, 1)}); changed {
		t.Fatalf("slot outside the window must not be mirrored")
	}
	snap = readSnapshot(t, path)
	if len(snap.Slots) != 1 || snap.Slots[0].ID != "slot_b" {
		t.Fatalf("unexpected snapshot after changes: %+v", snap.Slots)
	}
}

func TestMirrorFollowAppliesStreamedChanges(t *testing.T) {
	sent := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		_ = wsjson.Write(r.Context(), conn, slotsync.SlotChange{Type: "created", Slot: testSlot("slot_new", 3*time.Hour, slotsync.StatusBooked, 1)})
		close(sent)
		// Blocks until the mirror goes away.
		_, _, _ = conn.Read(context.Background())
	}))
	defer server.Close()

	remote := &fakeRemote{
		slots: []slotsync.MeetingSlot{testSlot("slot_a", 0, slotsync.StatusBooked, 1)},
		stream: func(ctx context.Context) (*websocket.Conn, error) {
			conn, _, err := websocket.Dial(ctx, server.URL, nil)
			return conn, err
		},
	}
	m, path := newTestMirror(t, remote)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Follow(ctx) }()

	select {
	case <-sent:
	case <-time.After(5 * time.Second):
		t.Fatalf("stream never sent")
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		data, _ := os.ReadFile(path)
		var snap Snapshot
		if json.Unmarshal(data, &snap) == nil && len(snap.Slots) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("streamed change never reached the snapshot")
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("follow returned %v", err)
	}
}
