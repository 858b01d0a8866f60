package slotsync

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

const (
	DefaultHorizon         = 90 * 24 * time.Hour
	maxOccurrencesPerRule  = 5000
	occurrenceIDTimeLayout = "20060102T150405Z"
)

type ExpanderOptions struct {
	Ledger  *SlotLedger
	Logger  *slog.Logger
	Horizon time.Duration
	Now     func() time.Time
}

// RecurrenceExpander materializes the occurrences of a recurring provider
// event as pending ledger slots sharing one recurrence id.
type RecurrenceExpander struct {
	ledger  *SlotLedger
	logger  *slog.Logger
	horizon time.Duration
	now     func() time.Time
}

func NewRecurrenceExpander(opts ExpanderOptions) *RecurrenceExpander {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	horizon := opts.Horizon
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &RecurrenceExpander{ledger: opts.Ledger, logger: logger, horizon: horizon, now: now}
}

func (x *RecurrenceExpander) Horizon() time.Duration {
	return x.horizon
}

// RuleFromEvent describes a recurring master event of conn.
func RuleFromEvent(conn CalendarConnection, ev CanonicalEvent) (RecurrenceRule, error) {
	if !ev.IsMaster() {
		return RecurrenceRule{}, &ValidationError{Field: "recurrence", Message: "event " + ev.ExternalID + " is not recurring"}
	}
	if !ev.Interval().Valid() {
		return RecurrenceRule{}, &ValidationError{Field: "start", Message: "recurring event has no valid first occurrence"}
	}
	return RecurrenceRule{
		ID:               recurrenceID(conn.ID, ev.ExternalID),
		AccountID:        conn.AccountID,
		ConnectionID:     conn.ID,
		Provider:         conn.Provider,
		MasterExternalID: ev.ExternalID,
		Pattern:          strings.TrimPrefix(strings.TrimSpace(ev.Recurrence), "RRULE:"),
		Start:            ev.Start,
		Duration:         ev.End.Sub(ev.Start),
		Timezone:         ev.Timezone,
		ExDates:          append([]time.Time(nil), ev.ExDates...),
		Title:            ev.Title,
	}, nil
}

// Occurrences returns the occurrences of rule overlapping window, evaluated in
// the rule's timezone so DST shifts keep the local wall-clock time.
func (x *RecurrenceExpander) Occurrences(rule RecurrenceRule, window Interval) ([]Interval, error) {
	loc := time.UTC
	if rule.Timezone != "" {
		l, err := time.LoadLocation(rule.Timezone)
		if err != nil {
			return nil, &ValidationError{Field: "timezone", Message: "unknown timezone " + rule.Timezone}
		}
		loc = l
	}
	r, err := rrule.StrToRRule(rule.Pattern)
	if err != nil {
		return nil, &ValidationError{Field: "recurrence", Message: err.Error()}
	}
	r.DTStart(rule.Start.In(loc))
	var set rrule.Set
	set.RRule(r)
	for _, ex := range rule.ExDates {
		set.ExDate(ex.In(loc))
	}
	starts := set.Between(window.Start.Add(-rule.Duration).In(loc), window.End.In(loc), true)
	if len(starts) > maxOccurrencesPerRule {
		x.logger.Warn("recurrence truncated", "recurrence", rule.ID, "cap", maxOccurrencesPerRule)
		starts = starts[:maxOccurrencesPerRule]
	}
	out := make([]Interval, 0, len(starts))
	for _, start := range starts {
		occ := Interval{Start: start.UTC(), End: start.Add(rule.Duration).UTC()}
		if occ.Overlaps(window) {
			out = append(out, occ)
		}
	}
	return out, nil
}

// Diff compares the occurrences a rule produces with the slots already in the
// ledger for it. Exceptions and terminal slots are never touched; an
// occurrence that already ended is pruned only if it was never booked.
func (x *RecurrenceExpander) Diff(rule RecurrenceRule, existing []MeetingSlot, occurrences []Interval, window Interval) []Instruction {
	now := x.now()
	byKey := make(map[string]MeetingSlot, len(existing))
	for _, slot := range existing {
		if slot.OccurrenceKey != "" {
			byKey[slot.OccurrenceKey] = slot
		}
	}
	produced := make(map[string]struct{}, len(occurrences))
	out := make([]Instruction, 0)
	for _, occ := range occurrences {
		key := occurrenceKey(occ.Start)
		produced[key] = struct{}{}
		slot, ok := byKey[key]
		if !ok {
			out = append(out, Instruction{Type: InstructionCreate, Slot: occurrenceSlot(rule, occ)})
			continue
		}
		if slot.Exception || slot.Status.Terminal() {
			continue
		}
		if slot.Start.Equal(occ.Start) && slot.End.Equal(occ.End) && slot.Title == rule.Title {
			continue
		}
		next := slot.clone()
		next.Start = occ.Start
		next.End = occ.End
		next.Title = rule.Title
		out = append(out, Instruction{Type: InstructionUpdate, Slot: next, ExpectedVersion: slot.Version, Reason: "recurrence changed"})
	}
	for _, slot := range existing {
		if slot.Exception || slot.Status.Terminal() {
			continue
		}
		if _, ok := produced[slot.OccurrenceKey]; ok {
			continue
		}
		switch {
		case !slot.End.After(now):
			if slot.Status == StatusPending && slot.BookedAt == nil {
				out = append(out, Instruction{Type: InstructionCancel, Slot: slot, ExpectedVersion: slot.Version, Reason: "trailing occurrence never booked"})
			}
		case slot.Start.Before(window.End):
			out = append(out, Instruction{Type: InstructionCancel, Slot: slot, ExpectedVersion: slot.Version, Reason: "occurrence removed from series"})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Slot.Start.Before(out[j].Slot.Start) })
	return out
}

type ExpansionResult struct {
	RecurrenceID string `json:"recurrenceId"`
	Created      int    `json:"created"`
	Updated      int    `json:"updated"`
	Cancelled    int    `json:"cancelled"`
	Conflicts    int    `json:"conflicts"`
	Failed       int    `json:"failed"`
}

// Sync expands a master event over [now, now+horizon) and applies the diff.
// An instruction that conflicts with another slot is logged and skipped; the
// next change to the series retries it.
func (x *RecurrenceExpander) Sync(ctx context.Context, conn CalendarConnection, master CanonicalEvent) (ExpansionResult, error) {
	rule, err := RuleFromEvent(conn, master)
	if err != nil {
		return ExpansionResult{}, err
	}
	now := x.now()
	window := Interval{Start: now, End: now.Add(x.horizon)}
	occurrences, err := x.Occurrences(rule, window)
	if err != nil {
		return ExpansionResult{}, err
	}
	existing, err := x.ledger.ListRecurrence(ctx, rule.ID)
	if err != nil {
		return ExpansionResult{}, err
	}
	result := ExpansionResult{RecurrenceID: rule.ID}
	for _, in := range x.Diff(rule, existing, occurrences, window) {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		_, err := x.ledger.Apply(ctx, in)
		switch {
		case err == nil:
			switch in.Type {
			case InstructionCreate:
				result.Created++
			case InstructionUpdate:
				result.Updated++
			case InstructionCancel:
				result.Cancelled++
			}
		case errors.Is(err, ErrConflict):
			result.Conflicts++
			x.logger.Warn("occurrence conflicts with ledger", "recurrence", rule.ID, "start", in.Slot.Start, "instruction", in.Type, "error", err)
		case errors.Is(err, ErrDataIntegrity):
			result.Failed++
			x.logger.Error("occurrence integrity violation", "recurrence", rule.ID, "start", in.Slot.Start, "error", err)
		default:
			return result, err
		}
	}
	if result.Created+result.Updated+result.Cancelled > 0 {
		x.logger.Info("recurrence expanded", "recurrence", rule.ID, "created", result.Created, "updated", result.Updated, "cancelled", result.Cancelled)
	}
	return result, nil
}

// occurrenceSlot builds the pending slot for one occurrence. Its external id
// follows the provider instance form master_YYYYMMDDTHHMMSSZ.
func occurrenceSlot(rule RecurrenceRule, occ Interval) MeetingSlot {
	return MeetingSlot{
		ID:              newSlotID(),
		AccountID:       rule.AccountID,
		Title:           rule.Title,
		Start:           occ.Start,
		End:             occ.End,
		Timezone:        rule.Timezone,
		Status:          StatusPending,
		Provider:        rule.Provider,
		ConnectionID:    rule.ConnectionID,
		ExternalEventID: occurrenceExternalID(rule.MasterExternalID, occ.Start),
		RecurrenceID:    rule.ID,
		OccurrenceKey:   occurrenceKey(occ.Start),
	}
}

func occurrenceExternalID(masterID string, originalStart time.Time) string {
	return masterID + "_" + originalStart.UTC().Format(occurrenceIDTimeLayout)
}
