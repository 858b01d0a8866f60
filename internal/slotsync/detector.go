package slotsync

import (
	"context"
	"log/slog"
	"sort"
	"time"
)

const (
	defaultAlternativeCount  = 3
	defaultAlternativeSearch = 24 * time.Hour
	defaultAlternativeStep   = 15 * time.Minute
)

type DetectorOptions struct {
	Ledger            *SlotLedger
	Caller            *Caller
	Connections       ConnectionStore
	Logger            *slog.Logger
	AlternativeCount  int
	AlternativeSearch time.Duration
	AlternativeStep   time.Duration
	Now               func() time.Time
}

// Detection is the advisory verdict for a candidate. Degraded means at least
// one connection's free/busy could not be read and only the ledger was checked.
type Detection struct {
	Available         bool           `json:"available"`
	Reason            ConflictReason `json:"reason,omitempty"`
	LedgerConflicts   []string       `json:"ledgerConflicts,omitempty"`
	ExternalConflicts []BusyInterval `json:"externalConflicts,omitempty"`
	Degraded          bool           `json:"degraded,omitempty"`
	Alternatives      []Interval     `json:"alternatives,omitempty"`
}

type ConflictDetector struct {
	ledger *SlotLedger
	caller *Caller
	conns  ConnectionStore
	logger *slog.Logger
	count  int
	search time.Duration
	step   time.Duration
	now    func() time.Time
}

func NewConflictDetector(opts DetectorOptions) *ConflictDetector {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	count := opts.AlternativeCount
	if count <= 0 {
		count = defaultAlternativeCount
	}
	search := opts.AlternativeSearch
	if search <= 0 {
		search = defaultAlternativeSearch
	}
	step := opts.AlternativeStep
	if step <= 0 {
		step = defaultAlternativeStep
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &ConflictDetector{
		ledger: opts.Ledger,
		caller: opts.Caller,
		conns:  opts.Connections,
		logger: logger,
		count:  count,
		search: search,
		step:   step,
		now:    now,
	}
}

// Check runs the ledger overlap check and then live free/busy for every
// active connection of the account. The result is advisory: the ledger commit
// is the only authority.
func (d *ConflictDetector) Check(ctx context.Context, c SlotCandidate) (Detection, error) {
	window := c.Interval()
	occupied, degraded, err := d.occupied(ctx, c.AccountID, window, c.SlotID)
	if err != nil {
		return Detection{}, err
	}
	det := Detection{Available: true, Degraded: degraded}
	for _, o := range occupied {
		if !o.Interval.Overlaps(window) {
			continue
		}
		det.Available = false
		if o.slotID != "" {
			det.LedgerConflicts = append(det.LedgerConflicts, o.slotID)
		} else {
			det.ExternalConflicts = append(det.ExternalConflicts, o.BusyInterval)
		}
	}
	if det.Available {
		return det, nil
	}
	det.Reason = ReasonUnavailable
	if len(det.LedgerConflicts) > 0 {
		det.Reason = ReasonOverlap
	}
	alts, err := d.Alternatives(ctx, c)
	if err != nil {
		d.logger.Warn("alternative search failed", "account", c.AccountID, "error", err)
	} else {
		det.Alternatives = alts
	}
	return det, nil
}

// Alternatives returns up to the configured number of free windows with the
// candidate's duration, starting after the candidate within the search span.
func (d *ConflictDetector) Alternatives(ctx context.Context, c SlotCandidate) ([]Interval, error) {
	duration := c.End.Sub(c.Start)
	if duration <= 0 {
		return nil, nil
	}
	span := Interval{Start: c.Start, End: c.Start.Add(d.search + duration)}
	occupied, _, err := d.occupied(ctx, c.AccountID, span, c.SlotID)
	if err != nil {
		return nil, err
	}
	sort.Slice(occupied, func(i, j int) bool { return occupied[i].Start.Before(occupied[j].Start) })
	now := d.now()
	out := make([]Interval, 0, d.count)
	for start := c.Start.Add(d.step); !start.After(c.Start.Add(d.search)) && len(out) < d.count; start = start.Add(d.step) {
		if start.Before(now) {
			continue
		}
		candidate := Interval{Start: start, End: start.Add(duration)}
		free := true
		for _, o := range occupied {
			if o.Interval.Overlaps(candidate) {
				free = false
				break
			}
		}
		if free {
			out = append(out, candidate)
		}
	}
	return out, nil
}

type occupiedInterval struct {
	BusyInterval
	slotID string
}

func (d *ConflictDetector) occupied(ctx context.Context, accountID string, window Interval, ignoreSlotID string) ([]occupiedInterval, bool, error) {
	slots, err := d.ledger.ListAccount(ctx, accountID, window)
	if err != nil {
		return nil, false, err
	}
	now := d.now()
	out := make([]occupiedInterval, 0, len(slots))
	knownExternal := map[string]struct{}{}
	knownRanges := map[Interval]struct{}{}
	for _, slot := range slots {
		if slot.ExternalEventID != "" {
			knownExternal[slot.ConnectionID+"|"+slot.ExternalEventID] = struct{}{}
		}
		knownRanges[Interval{Start: slot.Start.UTC(), End: slot.End.UTC()}] = struct{}{}
		if slot.ID == ignoreSlotID || !slot.Blocking(now) {
			continue
		}
		out = append(out, occupiedInterval{
			BusyInterval: BusyInterval{Interval: slot.Interval(), ExternalEventID: slot.ExternalEventID},
			slotID:       slot.ID,
		})
	}
	if d.caller == nil || d.conns == nil {
		return out, false, nil
	}
	conns, err := d.conns.ListAccount(ctx, accountID)
	if err != nil {
		return nil, false, err
	}
	degraded := false
	for _, conn := range conns {
		if !conn.Active || conn.ReconnectRequired {
			continue
		}
		busy, err := d.caller.FreeBusy(ctx, conn, window)
		if err != nil {
			if ctx.Err() != nil {
				return nil, false, ctx.Err()
			}
			degraded = true
			d.logger.Warn("free/busy unavailable", "account", accountID, "connection", conn.ID, "provider", conn.Provider, "error", err)
			continue
		}
		for _, b := range busy {
			if b.ExternalEventID != "" {
				if _, ok := knownExternal[conn.ID+"|"+b.ExternalEventID]; ok {
					continue
				}
			}
			if _, ok := knownRanges[Interval{Start: b.Start.UTC(), End: b.End.UTC()}]; ok {
				continue
			}
			out = append(out, occupiedInterval{BusyInterval: b})
		}
	}
	return out, degraded, nil
}
