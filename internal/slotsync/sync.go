package slotsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const defaultResyncLookback = 24 * time.Hour

type SyncEngineOptions struct {
	Ledger      *SlotLedger
	Caller      *Caller
	Connections ConnectionStore
	Expander    *RecurrenceExpander
	Logger      *slog.Logger
	Lookback    time.Duration
	Now         func() time.Time
}

// SyncEngine turns "something changed" into ledger instructions by reading
// the provider's current state. Provider data wins over the ledger.
type SyncEngine struct {
	ledger   *SlotLedger
	caller   *Caller
	conns    ConnectionStore
	expander *RecurrenceExpander
	logger   *slog.Logger
	lookback time.Duration
	now      func() time.Time
}

func NewSyncEngine(opts SyncEngineOptions) *SyncEngine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	expander := opts.Expander
	if expander == nil {
		expander = NewRecurrenceExpander(ExpanderOptions{Ledger: opts.Ledger, Logger: logger, Now: now})
	}
	lookback := opts.Lookback
	if lookback <= 0 {
		lookback = defaultResyncLookback
	}
	return &SyncEngine{
		ledger:   opts.Ledger,
		caller:   opts.Caller,
		conns:    opts.Connections,
		expander: expander,
		logger:   logger,
		lookback: lookback,
		now:      now,
	}
}

// HandleNotification resyncs the notified resource. A notification naming the
// calendar itself (or none at all) resyncs the whole window.
func (e *SyncEngine) HandleNotification(ctx context.Context, n Notification) error {
	conn, err := e.conns.Get(ctx, n.ConnectionID)
	if err != nil {
		return err
	}
	if !conn.Active {
		e.logger.Debug("notification for inactive connection dropped", "connection", conn.ID)
		return nil
	}
	resource := strings.TrimSpace(n.ResourceID)
	if resource == "" || resource == conn.Channel.ResourceID || resource == conn.CalendarID {
		_, err := e.ResyncCalendar(ctx, conn)
		return err
	}
	return e.ResyncEvent(ctx, conn, resource)
}

func (e *SyncEngine) ResyncEvent(ctx context.Context, conn CalendarConnection, externalID string) error {
	ev, err := e.caller.FetchEvent(ctx, conn, externalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return e.handleDeleted(ctx, conn, externalID)
		}
		return err
	}
	return e.applyEvent(ctx, conn, ev)
}

type ResyncResult struct {
	Events    int `json:"events"`
	Cancelled int `json:"cancelled"`
}

// ResyncCalendar lists the connection's window and applies every event, then
// cancels live slots whose provider event no longer exists.
func (e *SyncEngine) ResyncCalendar(ctx context.Context, conn CalendarConnection) (ResyncResult, error) {
	now := e.now()
	window := Interval{Start: now.Add(-e.lookback), End: now.Add(e.expander.Horizon())}
	seen := map[string]struct{}{}
	masters := map[string]struct{}{}
	var result ResyncResult
	pageToken := ""
	for {
		page, err := e.caller.ListEvents(ctx, conn, window, pageToken)
		if err != nil {
			return result, err
		}
		for _, ev := range page.Events {
			seen[ev.ExternalID] = struct{}{}
			if ev.IsMaster() {
				masters[recurrenceID(conn.ID, ev.ExternalID)] = struct{}{}
			}
			if err := e.applyEvent(ctx, conn, ev); err != nil {
				return result, err
			}
			result.Events++
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}
	slots, err := e.ledger.ListConnection(ctx, conn.ID, window)
	if err != nil {
		return result, err
	}
	goneMasters := map[string]struct{}{}
	for _, slot := range slots {
		if slot.Status.Terminal() || slot.ExternalEventID == "" {
			continue
		}
		if slot.RecurrenceID != "" {
			if _, ok := masters[slot.RecurrenceID]; !ok {
				goneMasters[slot.RecurrenceID] = struct{}{}
			}
			continue
		}
		if _, ok := seen[slot.ExternalEventID]; ok {
			continue
		}
		if err := e.handleDeleted(ctx, conn, slot.ExternalEventID); err != nil {
			return result, err
		}
		result.Cancelled++
	}
	for id := range goneMasters {
		_, masterID, _ := strings.Cut(id, "/")
		n, err := e.cancelRecurrence(ctx, id)
		if err != nil {
			return result, err
		}
		result.Cancelled += n
		e.logger.Info("recurring event removed", "connection", conn.ID, "master", masterID, "cancelled", n)
	}
	e.logger.Debug("calendar resynced", "connection", conn.ID, "events", result.Events, "cancelled", result.Cancelled)
	return result, nil
}

func (e *SyncEngine) applyEvent(ctx context.Context, conn CalendarConnection, ev CanonicalEvent) error {
	switch {
	case ev.Status == EventCancelled:
		return e.handleDeleted(ctx, conn, ev.ExternalID)
	case ev.IsMaster():
		_, err := e.expander.Sync(ctx, conn, ev)
		var verr *ValidationError
		if errors.As(err, &verr) {
			e.logger.Warn("recurring event not expandable", "connection", conn.ID, "event", ev.ExternalID, "error", err)
			return nil
		}
		return err
	case ev.IsInstance():
		return e.applyInstance(ctx, conn, ev)
	}
	slot, err := e.ledger.FindByExternalID(ctx, conn.ID, ev.ExternalID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return e.applyTimes(ctx, slot, ev, false)
}

// applyInstance handles a single modified occurrence of a series. Moving it
// makes it an exception so later expansions leave it alone.
func (e *SyncEngine) applyInstance(ctx context.Context, conn CalendarConnection, ev CanonicalEvent) error {
	slot, err := e.ledger.FindByExternalID(ctx, conn.ID, ev.ExternalID)
	if errors.Is(err, ErrNotFound) && ev.OriginalStart != nil {
		slot, err = e.findOccurrence(ctx, recurrenceID(conn.ID, ev.RecurringEventID), *ev.OriginalStart)
	}
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return e.applyTimes(ctx, slot, ev, true)
}

func (e *SyncEngine) findOccurrence(ctx context.Context, recurrence string, originalStart time.Time) (MeetingSlot, error) {
	slots, err := e.ledger.ListRecurrence(ctx, recurrence)
	if err != nil {
		return MeetingSlot{}, err
	}
	key := occurrenceKey(originalStart)
	for _, slot := range slots {
		if slot.OccurrenceKey == key {
			return slot, nil
		}
	}
	return MeetingSlot{}, ErrNotFound
}

func (e *SyncEngine) applyTimes(ctx context.Context, slot MeetingSlot, ev CanonicalEvent, instance bool) error {
	if slot.Status.Terminal() {
		return nil
	}
	if slot.Start.Equal(ev.Start.UTC()) && slot.End.Equal(ev.End.UTC()) {
		return nil
	}
	next := slot.clone()
	next.Start = ev.Start.UTC()
	next.End = ev.End.UTC()
	if instance {
		next.Exception = true
	}
	_, err := e.ledger.Apply(ctx, Instruction{Type: InstructionUpdate, Slot: next, ExpectedVersion: slot.Version, Reason: "provider moved event"})
	if errors.Is(err, ErrConflict) {
		var conflict *ConflictError
		if errors.As(err, &conflict) && conflict.Reason == ReasonOverlap {
			e.logger.Error("provider move overlaps ledger slot", "slot", slot.ID, "event", ev.ExternalID, "overlapping", conflict.Overlapping)
			return nil
		}
	}
	return err
}

// handleDeleted cancels the slot linked to externalID. A missing slot may be a
// series master, in which case every live occurrence is cancelled.
func (e *SyncEngine) handleDeleted(ctx context.Context, conn CalendarConnection, externalID string) error {
	for attempt := 0; attempt < 3; attempt++ {
		slot, err := e.ledger.FindByExternalID(ctx, conn.ID, externalID)
		if errors.Is(err, ErrNotFound) {
			n, err := e.cancelRecurrence(ctx, recurrenceID(conn.ID, externalID))
			if n > 0 {
				e.logger.Info("recurring event removed", "connection", conn.ID, "master", externalID, "cancelled", n)
			}
			return err
		}
		if err != nil {
			return err
		}
		if slot.Status.Terminal() {
			return nil
		}
		cancel := slot.clone()
		cancel.Exception = slot.RecurrenceID != ""
		_, err = e.ledger.Apply(ctx, Instruction{Type: InstructionCancel, Slot: cancel, ExpectedVersion: slot.Version, Reason: "deleted at provider"})
		if err == nil {
			e.logger.Info("slot cancelled by provider", "slot", slot.ID, "connection", conn.ID, "event", externalID)
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("cancel for deleted event %s: %w", externalID, ErrConflict)
}

func (e *SyncEngine) cancelRecurrence(ctx context.Context, recurrence string) (int, error) {
	slots, err := e.ledger.ListRecurrence(ctx, recurrence)
	if err != nil {
		return 0, err
	}
	cancelled, err := e.ledger.CancelSeries(ctx, recurrence, time.Time{})
	if err != nil {
		return 0, err
	}
	n := len(cancelled)
	for _, slot := range slots {
		if !slot.Exception || slot.Status.Terminal() {
			continue
		}
		if _, err := e.ledger.Apply(ctx, Instruction{Type: InstructionCancel, Slot: slot, ExpectedVersion: slot.Version, Reason: "series deleted at provider"}); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}
