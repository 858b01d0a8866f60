package slotsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	defaultPushWorkers     = 2
	defaultPushMaxAttempts = 5
	defaultPushRetryDelay  = 5 * time.Second
	defaultPushTimeout     = 30 * time.Second
)

// GateFunc decides whether a brand-new reservation may proceed, e.g. a
// payment pre-authorization. It never runs when confirming an existing slot.
type GateFunc func(ctx context.Context, c SlotCandidate) (bool, error)

type ServiceOptions struct {
	Ledger            *SlotLedger
	Detector          *ConflictDetector
	Caller            *Caller
	Connections       ConnectionStore
	Gate              GateFunc
	Logger            *slog.Logger
	PushQueueCapacity int
	PushWorkers       int
	PushMaxAttempts   int
	PushRetryDelay    time.Duration
	PushTimeout       time.Duration
	Now               func() time.Time
}

// ReservationService is the booking surface: pre-check, versioned commit,
// then provider push. The ledger commit decides; the provider follows.
type ReservationService struct {
	ledger   *SlotLedger
	detector *ConflictDetector
	caller   *Caller
	conns    ConnectionStore
	gate     GateFunc
	logger   *slog.Logger
	now      func() time.Time

	push            *pushQueue
	pushMaxAttempts int
	pushRetryDelay  time.Duration
	pushTimeout     time.Duration

	baseCtx   context.Context
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewReservationService(opts ServiceOptions) *ReservationService {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	ledger := opts.Ledger
	if ledger == nil {
		ledger = NewSlotLedger(nil, LedgerOptions{Logger: logger, Now: now})
	}
	detector := opts.Detector
	if detector == nil {
		detector = NewConflictDetector(DetectorOptions{Ledger: ledger, Caller: opts.Caller, Connections: opts.Connections, Logger: logger, Now: now})
	}
	workers := opts.PushWorkers
	if workers <= 0 {
		workers = defaultPushWorkers
	}
	maxAttempts := opts.PushMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultPushMaxAttempts
	}
	retryDelay := opts.PushRetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultPushRetryDelay
	}
	timeout := opts.PushTimeout
	if timeout <= 0 {
		timeout = defaultPushTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &ReservationService{
		ledger:          ledger,
		detector:        detector,
		caller:          opts.Caller,
		conns:           opts.Connections,
		gate:            opts.Gate,
		logger:          logger,
		now:             now,
		push:            newPushQueue(opts.PushQueueCapacity),
		pushMaxAttempts: maxAttempts,
		pushRetryDelay:  retryDelay,
		pushTimeout:     timeout,
		baseCtx:         ctx,
		cancel:          cancel,
		closed:          make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.pushWorker()
	}
	return s
}

func (s *ReservationService) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
		s.wg.Wait()
	})
}

func (s *ReservationService) Ledger() *SlotLedger {
	return s.ledger
}

func (s *ReservationService) Detector() *ConflictDetector {
	return s.detector
}

// Reserve books a candidate. A replayed idempotency key returns the slot the
// first request booked; a key that belongs to a live hold confirms it. A key
// whose slot expired or was retired is a conflict.
func (s *ReservationService) Reserve(ctx context.Context, c SlotCandidate, expectedVersion int64) (MeetingSlot, error) {
	if c.SlotID == "" && c.IdempotencyKey != "" {
		existing, err := s.ledger.FindByIdempotencyKey(ctx, c.AccountID, c.IdempotencyKey)
		switch {
		case err == nil && existing.Status == StatusBooked:
			s.logger.Debug("reservation replayed", "account", c.AccountID, "slot", existing.ID)
			return existing, nil
		case err == nil && existing.Status == StatusPending && !existing.HoldExpired(s.now()):
			c.SlotID = existing.ID
			if expectedVersion == NoVersion {
				expectedVersion = existing.Version
			}
		case err == nil:
			return MeetingSlot{}, s.enrichConflict(ctx, c, keyConflict(existing))
		case !errors.Is(err, ErrNotFound):
			return MeetingSlot{}, err
		}
	}
	c, err := s.resolveCandidate(ctx, c)
	if err != nil {
		return MeetingSlot{}, err
	}
	if c.SlotID == "" {
		if err := s.checkGate(ctx, c); err != nil {
			return MeetingSlot{}, err
		}
	}
	if err := s.precheck(ctx, c); err != nil {
		return MeetingSlot{}, err
	}
	slot, err := s.ledger.Reserve(ctx, c, expectedVersion)
	if err != nil {
		if errors.Is(err, ErrDataIntegrity) && c.IdempotencyKey != "" {
			if existing, ferr := s.ledger.FindByIdempotencyKey(ctx, c.AccountID, c.IdempotencyKey); ferr == nil {
				if existing.Status == StatusBooked {
					return existing, nil
				}
				return MeetingSlot{}, s.enrichConflict(ctx, c, keyConflict(existing))
			}
		}
		return MeetingSlot{}, s.enrichConflict(ctx, c, err)
	}
	s.logger.Info("slot booked", "account", slot.AccountID, "slot", slot.ID, "start", slot.Start, "end", slot.End)
	return s.publishBooking(ctx, slot)
}

// PlaceHold blocks a range for the hold TTL without touching any provider.
func (s *ReservationService) PlaceHold(ctx context.Context, c SlotCandidate, ttl time.Duration) (MeetingSlot, error) {
	if c.SlotID != "" {
		return MeetingSlot{}, &ValidationError{Field: "slotId", Message: "holds always create a new slot"}
	}
	if err := c.Validate(); err != nil {
		return MeetingSlot{}, err
	}
	if c.IdempotencyKey != "" {
		existing, err := s.ledger.FindByIdempotencyKey(ctx, c.AccountID, c.IdempotencyKey)
		if err == nil && existing.Blocking(s.now()) {
			return existing, nil
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return MeetingSlot{}, err
		}
	}
	if err := s.checkGate(ctx, c); err != nil {
		return MeetingSlot{}, err
	}
	if err := s.precheck(ctx, c); err != nil {
		return MeetingSlot{}, err
	}
	slot, err := s.ledger.Hold(ctx, c, ttl)
	if err != nil {
		return MeetingSlot{}, s.enrichConflict(ctx, c, err)
	}
	s.logger.Info("slot held", "account", slot.AccountID, "slot", slot.ID, "expires", slot.HoldExpiresAt)
	return slot, nil
}

// ConfirmHold turns a live hold into a booking.
func (s *ReservationService) ConfirmHold(ctx context.Context, c SlotCandidate, expectedVersion int64) (MeetingSlot, error) {
	if strings.TrimSpace(c.SlotID) == "" {
		return MeetingSlot{}, &ValidationError{Field: "slotId", Message: "is required"}
	}
	return s.Reserve(ctx, c, expectedVersion)
}

func (s *ReservationService) Cancel(ctx context.Context, id string, expectedVersion int64) (MeetingSlot, error) {
	current, err := s.ledger.Get(ctx, id)
	if err != nil {
		return MeetingSlot{}, err
	}
	var cancelled MeetingSlot
	if current.RecurrenceID != "" {
		cancelled, err = s.ledger.CancelOccurrence(ctx, id, expectedVersion)
	} else {
		cancelled, err = s.ledger.Cancel(ctx, id, expectedVersion)
	}
	if err != nil {
		return MeetingSlot{}, err
	}
	s.logger.Info("slot cancelled", "account", cancelled.AccountID, "slot", cancelled.ID)
	s.removeExternal(ctx, cancelled)
	return cancelled, nil
}

type RescheduleResult struct {
	Previous MeetingSlot `json:"previous"`
	Slot     MeetingSlot `json:"slot"`
}

// Reschedule retires oldID and creates its replacement. Without confirm the
// replacement is a hold that must be confirmed like any other.
func (s *ReservationService) Reschedule(ctx context.Context, oldID string, expectedVersion int64, c SlotCandidate, confirm bool) (RescheduleResult, error) {
	current, err := s.ledger.Get(ctx, oldID)
	if err != nil {
		return RescheduleResult{}, err
	}
	if c.AccountID == "" {
		c.AccountID = current.AccountID
	}
	if c.Timezone == "" {
		c.Timezone = current.Timezone
	}
	c.SlotID = ""
	if err := c.Validate(); err != nil {
		return RescheduleResult{}, err
	}
	check := c
	check.SlotID = oldID
	if err := s.precheck(ctx, check); err != nil {
		return RescheduleResult{}, err
	}
	previous, next, err := s.ledger.Reschedule(ctx, oldID, expectedVersion, c)
	if err != nil {
		return RescheduleResult{}, s.enrichConflict(ctx, check, err)
	}
	s.logger.Info("slot rescheduled", "account", previous.AccountID, "from", previous.ID, "to", next.ID)
	s.removeExternal(ctx, previous)
	result := RescheduleResult{Previous: previous, Slot: next}
	if !confirm {
		return result, nil
	}
	booked, err := s.ledger.Reserve(ctx, SlotCandidate{SlotID: next.ID, AccountID: next.AccountID}, next.Version)
	if err != nil {
		return result, err
	}
	result.Slot, err = s.publishBooking(ctx, booked)
	return result, err
}

type SeriesMode string

const (
	SeriesAllEvents   SeriesMode = "ALL_EVENTS"
	SeriesSingleEvent SeriesMode = "SINGLE_EVENT"
)

type SeriesCancelRequest struct {
	RecurrenceID    string     `json:"recurrenceId"`
	Mode            SeriesMode `json:"mode"`
	SlotID          string     `json:"slotId,omitempty"`
	ExpectedVersion int64      `json:"expectedVersion,omitempty"`
	From            time.Time  `json:"from,omitempty"`
}

// CancelSeries cancels one occurrence (SINGLE_EVENT) or every non-exception
// occurrence from From onward (ALL_EVENTS), then mirrors it to the provider.
func (s *ReservationService) CancelSeries(ctx context.Context, req SeriesCancelRequest) ([]MeetingSlot, error) {
	switch req.Mode {
	case SeriesSingleEvent:
		if req.SlotID == "" {
			return nil, &ValidationError{Field: "slotId", Message: "is required for SINGLE_EVENT"}
		}
		current, err := s.ledger.Get(ctx, req.SlotID)
		if err != nil {
			return nil, err
		}
		if req.RecurrenceID != "" && current.RecurrenceID != req.RecurrenceID {
			return nil, &ValidationError{Field: "slotId", Message: "is not an occurrence of " + req.RecurrenceID}
		}
		cancelled, err := s.ledger.CancelOccurrence(ctx, req.SlotID, req.ExpectedVersion)
		if err != nil {
			return nil, err
		}
		s.removeExternal(ctx, cancelled)
		return []MeetingSlot{cancelled}, nil
	case SeriesAllEvents:
		cancelled, err := s.ledger.CancelSeries(ctx, req.RecurrenceID, req.From)
		if err != nil {
			return nil, err
		}
		s.logger.Info("series cancelled", "recurrence", req.RecurrenceID, "count", len(cancelled))
		connectionID, masterID, ok := strings.Cut(req.RecurrenceID, "/")
		if ok && req.From.IsZero() {
			s.deleteExternal(ctx, connectionID, masterID)
			return cancelled, nil
		}
		for _, slot := range cancelled {
			s.removeExternal(ctx, slot)
		}
		return cancelled, nil
	default:
		return nil, &ValidationError{Field: "mode", Message: "must be ALL_EVENTS or SINGLE_EVENT"}
	}
}

// resolveCandidate fills a slot-targeted candidate from the stored slot so it
// can be validated and pre-checked like a new one.
func (s *ReservationService) resolveCandidate(ctx context.Context, c SlotCandidate) (SlotCandidate, error) {
	if c.SlotID != "" {
		current, err := s.ledger.Get(ctx, c.SlotID)
		if err != nil {
			return c, err
		}
		if c.AccountID == "" {
			c.AccountID = current.AccountID
		}
		if c.AccountID != current.AccountID {
			return c, &ValidationError{Field: "account", Message: "slot belongs to another account"}
		}
		if c.Start.IsZero() {
			c.Start = current.Start
		}
		if c.End.IsZero() {
			c.End = current.End
		}
		if c.Timezone == "" {
			c.Timezone = current.Timezone
		}
		if !c.Start.Equal(current.Start) || !c.End.Equal(current.End) {
			return c, &ValidationError{Field: "start", Message: "confirming a slot cannot move it; use reschedule"}
		}
	}
	return c, c.Validate()
}

func (s *ReservationService) checkGate(ctx context.Context, c SlotCandidate) error {
	if s.gate == nil {
		return nil
	}
	ok, err := s.gate(ctx, c)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGateDenied, err)
	}
	if !ok {
		return ErrGateDenied
	}
	return nil
}

func (s *ReservationService) precheck(ctx context.Context, c SlotCandidate) error {
	det, err := s.detector.Check(ctx, c)
	if err != nil {
		return err
	}
	if det.Degraded {
		s.logger.Warn("availability checked against ledger only", "account", c.AccountID)
	}
	if det.Available {
		return nil
	}
	return &ConflictError{
		Reason:       det.Reason,
		SlotID:       c.SlotID,
		Overlapping:  det.LedgerConflicts,
		Alternatives: det.Alternatives,
		Draft:        draftOf(c),
	}
}

// enrichConflict attaches the caller's draft and free alternatives to a
// commit-time conflict, so losing a race looks the same as a failed pre-check.
func (s *ReservationService) enrichConflict(ctx context.Context, c SlotCandidate, err error) error {
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		return err
	}
	conflict.Draft = draftOf(c)
	if len(conflict.Alternatives) == 0 && c.Start.Before(c.End) {
		alts, aerr := s.detector.Alternatives(ctx, c)
		if aerr != nil {
			s.logger.Warn("alternative search failed", "account", c.AccountID, "error", aerr)
		}
		conflict.Alternatives = alts
	}
	return conflict
}

// keyConflict reports an idempotency key whose slot can no longer be booked.
func keyConflict(existing MeetingSlot) *ConflictError {
	reason := ReasonTerminal
	if existing.Status == StatusPending {
		reason = ReasonHoldExpired
	}
	return &ConflictError{Reason: reason, SlotID: existing.ID, CurrentVersion: existing.Version}
}

func draftOf(c SlotCandidate) map[string]string {
	draft := copyStringMap(c.Draft)
	if draft == nil {
		draft = map[string]string{}
	}
	if _, ok := draft["participant"]; !ok && c.Participant != "" {
		draft["participant"] = c.Participant
	}
	if _, ok := draft["title"]; !ok && c.Title != "" {
		draft["title"] = c.Title
	}
	return draft
}

// publishBooking writes a freshly booked slot to its calendar. A transient
// provider failure leaves the booking in place and queues the write; a
// permanent rejection cancels the booking.
func (s *ReservationService) publishBooking(ctx context.Context, slot MeetingSlot) (MeetingSlot, error) {
	if s.caller == nil || s.conns == nil || slot.ExternalEventID != "" {
		return slot, nil
	}
	conn, ok, err := s.targetConnection(ctx, slot)
	if err != nil || !ok {
		return slot, err
	}
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.pushTimeout)
	defer cancel()
	linked, err := s.pushSlot(pushCtx, slot, conn)
	switch {
	case err == nil:
		return linked, nil
	case errors.Is(err, ErrRejected):
		s.logger.Error("provider rejected booking", "slot", slot.ID, "connection", conn.ID, "error", err)
		if _, cerr := s.ledger.Cancel(pushCtx, slot.ID, slot.Version); cerr != nil {
			s.logger.Error("compensating cancel failed", "slot", slot.ID, "error", cerr)
		}
		return MeetingSlot{}, err
	case errors.Is(err, ErrReconnectRequired):
		s.logger.Warn("booking kept without provider event", "slot", slot.ID, "connection", conn.ID, "error", err)
		return slot, nil
	default:
		s.logger.Warn("provider push deferred", "slot", slot.ID, "connection", conn.ID, "error", err)
		s.enqueuePush(PushTask{Op: PushCreate, SlotID: slot.ID, ConnectionID: conn.ID})
		return slot, nil
	}
}

func (s *ReservationService) targetConnection(ctx context.Context, slot MeetingSlot) (CalendarConnection, bool, error) {
	if slot.ConnectionID != "" {
		conn, err := s.conns.Get(ctx, slot.ConnectionID)
		if err != nil {
			return CalendarConnection{}, false, err
		}
		return conn, conn.Active, nil
	}
	conns, err := s.conns.ListAccount(ctx, slot.AccountID)
	if err != nil {
		return CalendarConnection{}, false, err
	}
	for _, conn := range conns {
		if conn.Active && !conn.ReconnectRequired {
			return conn, true, nil
		}
	}
	return CalendarConnection{}, false, nil
}

// pushSlot creates the provider event keyed by the slot id, so a retried
// push finds the event an earlier attempt created.
func (s *ReservationService) pushSlot(ctx context.Context, slot MeetingSlot, conn CalendarConnection) (MeetingSlot, error) {
	created, err := s.caller.CreateEvent(ctx, conn, eventForSlot(slot), slot.ID)
	if err != nil {
		return MeetingSlot{}, err
	}
	return s.link(ctx, slot, conn, created.ExternalID)
}

func (s *ReservationService) link(ctx context.Context, slot MeetingSlot, conn CalendarConnection, externalID string) (MeetingSlot, error) {
	for attempt := 0; attempt < 3; attempt++ {
		linked, err := s.ledger.AttachExternalEvent(ctx, slot.ID, slot.Version, conn.ID, conn.Provider, externalID)
		if err == nil {
			return linked, nil
		}
		if !errors.Is(err, ErrConflict) {
			return MeetingSlot{}, err
		}
		current, gerr := s.ledger.Get(ctx, slot.ID)
		if gerr != nil {
			return MeetingSlot{}, gerr
		}
		if current.ExternalEventID == externalID {
			return current, nil
		}
		if current.Status.Terminal() {
			// Cancelled while the create was in flight.
			s.deleteExternal(ctx, conn.ID, externalID)
			return current, nil
		}
		slot = current
	}
	return MeetingSlot{}, &ConflictError{Reason: ReasonVersionMismatch, SlotID: slot.ID, CurrentVersion: slot.Version}
}

func (s *ReservationService) removeExternal(ctx context.Context, slot MeetingSlot) {
	if slot.ExternalEventID == "" || slot.ConnectionID == "" {
		return
	}
	s.deleteExternal(ctx, slot.ConnectionID, slot.ExternalEventID)
}

func (s *ReservationService) deleteExternal(ctx context.Context, connectionID, externalID string) {
	if s.caller == nil || s.conns == nil {
		return
	}
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.pushTimeout)
	defer cancel()
	conn, err := s.conns.Get(pushCtx, connectionID)
	if err != nil {
		s.logger.Warn("provider delete skipped", "connection", connectionID, "event", externalID, "error", err)
		return
	}
	err = s.caller.DeleteEvent(pushCtx, conn, externalID)
	switch {
	case err == nil:
	case errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded):
		s.enqueuePush(PushTask{Op: PushDelete, SlotID: externalID, ConnectionID: connectionID, ExternalEventID: externalID})
	default:
		s.logger.Error("provider delete failed", "connection", connectionID, "event", externalID, "error", err)
	}
}

func eventForSlot(slot MeetingSlot) CanonicalEvent {
	title := slot.Title
	if title == "" {
		title = "Meeting"
		if slot.Participant != "" {
			title = "Meeting with " + slot.Participant
		}
	}
	ev := CanonicalEvent{
		Title:       title,
		Description: "slotsync:" + slot.ID,
		Start:       slot.Start,
		End:         slot.End,
		Timezone:    slot.Timezone,
		Status:      EventConfirmed,
	}
	if strings.Contains(slot.Participant, "@") {
		ev.Attendees = []string{slot.Participant}
	}
	return ev
}
