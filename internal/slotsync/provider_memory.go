package slotsync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryProvider is an in-process calendar used by the dev server and tests.
// Faults can be queued per operation to exercise retry and refresh paths.
type MemoryProvider struct {
	provider Provider

	mu       sync.Mutex
	events   map[string]map[string]CanonicalEvent
	idem     map[string]string
	faults   map[string][]error
	calls    map[string]int
	channels map[string]WebhookChannel
	seq      int
	noPush   bool
}

func NewMemoryProvider(provider Provider) *MemoryProvider {
	return &MemoryProvider{
		provider: provider,
		events:   map[string]map[string]CanonicalEvent{},
		idem:     map[string]string{},
		faults:   map[string][]error{},
		calls:    map[string]int{},
		channels: map[string]WebhookChannel{},
	}
}

func (p *MemoryProvider) Provider() Provider {
	return p.provider
}

// DisablePush makes RegisterWebhookChannel fail permanently, like CalDAV.
func (p *MemoryProvider) DisablePush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.noPush = true
}

// FailNext queues err to be returned by the next call of op.
func (p *MemoryProvider) FailNext(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults[op] = append(p.faults[op], err)
}

func (p *MemoryProvider) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// Put stores an event as if it was created in the provider's own UI.
func (p *MemoryProvider) Put(connectionID string, ev CanonicalEvent) CanonicalEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev.ExternalID == "" {
		ev.ExternalID = "ev_" + uuid.NewString()
	}
	if ev.Status == "" {
		ev.Status = EventConfirmed
	}
	p.seq++
	ev.Version = fmt.Sprintf("v%d", p.seq)
	ev.Updated = time.Now().UTC()
	p.calendar(connectionID)[ev.ExternalID] = ev
	return ev
}

// Remove deletes an event as if it was deleted in the provider's own UI.
func (p *MemoryProvider) Remove(connectionID, externalID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.calendar(connectionID), externalID)
}

func (p *MemoryProvider) Events(connectionID string) []CanonicalEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CanonicalEvent, 0)
	for _, ev := range p.calendar(connectionID) {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out
}

func (p *MemoryProvider) calendar(connectionID string) map[string]CanonicalEvent {
	cal, ok := p.events[connectionID]
	if !ok {
		cal = map[string]CanonicalEvent{}
		p.events[connectionID] = cal
	}
	return cal
}

func (p *MemoryProvider) enter(op string) error {
	p.calls[op]++
	queued := p.faults[op]
	if len(queued) == 0 {
		return nil
	}
	p.faults[op] = queued[1:]
	return queued[0]
}

func (p *MemoryProvider) FetchEvent(_ context.Context, conn CalendarConnection, externalID string) (CanonicalEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("fetch_event"); err != nil {
		return CanonicalEvent{}, err
	}
	ev, ok := p.calendar(conn.ID)[externalID]
	if !ok {
		return CanonicalEvent{}, providerError(p.provider, "fetch_event", KindNotFound, fmt.Errorf("event %s", externalID))
	}
	return ev, nil
}

// ListEvents pages two events at a time so paging is exercised.
func (p *MemoryProvider) ListEvents(_ context.Context, conn CalendarConnection, window Interval, pageToken string) (EventPage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("list_events"); err != nil {
		return EventPage{}, err
	}
	all := make([]CanonicalEvent, 0)
	for _, ev := range p.calendar(conn.ID) {
		if window.Valid() && !ev.IsMaster() && !ev.Interval().Overlaps(window) {
			continue
		}
		all = append(all, ev)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ExternalID < all[j].ExternalID })
	start := 0
	if pageToken != "" {
		fmt.Sscanf(pageToken, "%d", &start)
	}
	end := start + 2
	if end > len(all) {
		end = len(all)
	}
	if start > end {
		start = end
	}
	page := EventPage{Events: all[start:end]}
	if end < len(all) {
		page.NextPageToken = fmt.Sprintf("%d", end)
	}
	return page, nil
}

func (p *MemoryProvider) CreateEvent(_ context.Context, conn CalendarConnection, ev CanonicalEvent, idempotencyKey string) (CanonicalEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("create_event"); err != nil {
		return CanonicalEvent{}, err
	}
	cal := p.calendar(conn.ID)
	if idempotencyKey != "" {
		if id, ok := p.idem[conn.ID+"|"+idempotencyKey]; ok {
			if existing, ok := cal[id]; ok {
				return existing, nil
			}
		}
	}
	if ev.ExternalID == "" {
		ev.ExternalID = "ev_" + uuid.NewString()
	}
	if ev.Status == "" {
		ev.Status = EventConfirmed
	}
	p.seq++
	ev.Version = fmt.Sprintf("v%d", p.seq)
	ev.Updated = time.Now().UTC()
	cal[ev.ExternalID] = ev
	if idempotencyKey != "" {
		p.idem[conn.ID+"|"+idempotencyKey] = ev.ExternalID
	}
	return ev, nil
}

func (p *MemoryProvider) UpdateEvent(_ context.Context, conn CalendarConnection, externalID string, patch EventPatch) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("update_event"); err != nil {
		return "", err
	}
	cal := p.calendar(conn.ID)
	ev, ok := cal[externalID]
	if !ok {
		return "", providerError(p.provider, "update_event", KindNotFound, fmt.Errorf("event %s", externalID))
	}
	if patch.Title != nil {
		ev.Title = *patch.Title
	}
	if patch.Start != nil {
		ev.Start = *patch.Start
	}
	if patch.End != nil {
		ev.End = *patch.End
	}
	if patch.Attendees != nil {
		ev.Attendees = append([]string(nil), patch.Attendees...)
	}
	if patch.Status != nil {
		ev.Status = *patch.Status
	}
	p.seq++
	ev.Version = fmt.Sprintf("v%d", p.seq)
	ev.Updated = time.Now().UTC()
	cal[externalID] = ev
	return ev.Version, nil
}

func (p *MemoryProvider) DeleteEvent(_ context.Context, conn CalendarConnection, externalID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("delete_event"); err != nil {
		return err
	}
	cal := p.calendar(conn.ID)
	if _, ok := cal[externalID]; !ok {
		return providerError(p.provider, "delete_event", KindNotFound, fmt.Errorf("event %s", externalID))
	}
	delete(cal, externalID)
	return nil
}

func (p *MemoryProvider) FreeBusy(_ context.Context, conn CalendarConnection, window Interval) ([]BusyInterval, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("free_busy"); err != nil {
		return nil, err
	}
	busy := make([]BusyInterval, 0)
	for _, ev := range p.calendar(conn.ID) {
		if ev.Status == EventCancelled || ev.Transparent || ev.IsMaster() {
			continue
		}
		if ev.Interval().Overlaps(window) {
			busy = append(busy, BusyInterval{Interval: ev.Interval(), ExternalEventID: ev.ExternalID})
		}
	}
	sort.Slice(busy, func(i, j int) bool { return busy[i].Start.Before(busy[j].Start) })
	return busy, nil
}

func (p *MemoryProvider) RegisterWebhookChannel(_ context.Context, conn CalendarConnection, callbackURL string, ttl time.Duration) (WebhookChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("register_channel"); err != nil {
		return WebhookChannel{}, err
	}
	if p.noPush {
		return WebhookChannel{}, providerError(p.provider, "register_channel", KindPermanentRejected, fmt.Errorf("push unsupported"))
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	ch := WebhookChannel{
		ID:         "ch_" + uuid.NewString(),
		ResourceID: "res_" + strings.ReplaceAll(conn.ID, "/", "_"),
		ExpiresAt:  time.Now().Add(ttl).UTC(),
	}
	p.channels[conn.ID] = ch
	return ch, nil
}
