package slotsync

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Provider string

const (
	ProviderGoogle  Provider = "google"
	ProviderOutlook Provider = "outlook"
	ProviderICloud  Provider = "icloud"
)

func normalizeProvider(p Provider) Provider {
	return Provider(strings.ToLower(strings.TrimSpace(string(p))))
}

type SlotStatus string

const (
	StatusPending     SlotStatus = "pending"
	StatusBooked      SlotStatus = "booked"
	StatusCancelled   SlotStatus = "cancelled"
	StatusRescheduled SlotStatus = "rescheduled"
)

// Terminal statuses have no outgoing transitions.
func (s SlotStatus) Terminal() bool {
	return s == StatusCancelled || s == StatusRescheduled
}

// Interval is half-open: [Start, End).
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (i Interval) Overlaps(o Interval) bool {
	return i.Start.Before(o.End) && o.Start.Before(i.End)
}

func (i Interval) Duration() time.Duration {
	return i.End.Sub(i.Start)
}

func (i Interval) Valid() bool {
	return !i.Start.IsZero() && i.End.After(i.Start)
}

type MeetingSlot struct {
	ID              string            `json:"id"`
	AccountID       string            `json:"accountId"`
	Participant     string            `json:"participant,omitempty"`
	Title           string            `json:"title,omitempty"`
	Start           time.Time         `json:"start"`
	End             time.Time         `json:"end"`
	Timezone        string            `json:"timezone,omitempty"`
	Status          SlotStatus        `json:"status"`
	Provider        Provider          `json:"provider,omitempty"`
	ConnectionID    string            `json:"connectionId,omitempty"`
	ExternalEventID string            `json:"externalEventId,omitempty"`
	RecurrenceID    string            `json:"recurrenceId,omitempty"`
	OccurrenceKey   string            `json:"occurrenceKey,omitempty"`
	Exception       bool              `json:"exception,omitempty"`
	Version         int64             `json:"version"`
	HoldExpiresAt   *time.Time        `json:"holdExpiresAt,omitempty"`
	IdempotencyKey  string            `json:"idempotencyKey,omitempty"`
	Draft           map[string]string `json:"draft,omitempty"`
	BookedAt        *time.Time        `json:"bookedAt,omitempty"`
	RescheduledFrom string            `json:"rescheduledFrom,omitempty"`
	RescheduledTo   string            `json:"rescheduledTo,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

func (s MeetingSlot) Interval() Interval {
	return Interval{Start: s.Start, End: s.End}
}

// Blocking reports whether the slot occupies its time range. Expired holds
// stop blocking the moment they expire, before the sweeper cancels them.
func (s MeetingSlot) Blocking(now time.Time) bool {
	if s.Status.Terminal() {
		return false
	}
	if s.Status == StatusPending && s.HoldExpiresAt != nil && !now.Before(*s.HoldExpiresAt) {
		return false
	}
	return true
}

func (s MeetingSlot) HoldExpired(now time.Time) bool {
	return s.Status == StatusPending && s.HoldExpiresAt != nil && !now.Before(*s.HoldExpiresAt)
}

func (s MeetingSlot) clone() MeetingSlot {
	out := s
	if s.HoldExpiresAt != nil {
		t := *s.HoldExpiresAt
		out.HoldExpiresAt = &t
	}
	if s.BookedAt != nil {
		t := *s.BookedAt
		out.BookedAt = &t
	}
	out.Draft = copyStringMap(s.Draft)
	return out
}

// SlotCandidate is what a caller proposes to reserve or hold. SlotID is set
// when an existing pending slot (an expanded occurrence or a hold) is targeted.
type SlotCandidate struct {
	SlotID         string            `json:"slotId,omitempty"`
	AccountID      string            `json:"account"`
	Participant    string            `json:"participant,omitempty"`
	Title          string            `json:"title,omitempty"`
	Start          time.Time         `json:"start"`
	End            time.Time         `json:"end"`
	Timezone       string            `json:"timezone,omitempty"`
	ConnectionID   string            `json:"connectionId,omitempty"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	Draft          map[string]string `json:"draft,omitempty"`
}

func (c SlotCandidate) Interval() Interval {
	return Interval{Start: c.Start, End: c.End}
}

func (c SlotCandidate) Validate() error {
	if strings.TrimSpace(c.AccountID) == "" {
		return &ValidationError{Field: "account", Message: "is required"}
	}
	if c.Start.IsZero() {
		return &ValidationError{Field: "start", Message: "is required"}
	}
	if c.End.IsZero() {
		return &ValidationError{Field: "end", Message: "is required"}
	}
	if !c.End.After(c.Start) {
		return &ValidationError{Field: "end", Message: "must be after start"}
	}
	if c.End.Sub(c.Start) > 24*time.Hour {
		return &ValidationError{Field: "end", Message: "slot longer than 24h"}
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return &ValidationError{Field: "timezone", Message: "unknown timezone " + c.Timezone}
		}
	}
	return nil
}

type WebhookChannel struct {
	ID         string    `json:"id" yaml:"id"`
	ResourceID string    `json:"resourceId" yaml:"resource_id"`
	ExpiresAt  time.Time `json:"expiresAt" yaml:"expires_at"`
}

type CalendarConnection struct {
	ID                string         `json:"id" yaml:"id"`
	AccountID         string         `json:"accountId" yaml:"account_id"`
	Provider          Provider       `json:"provider" yaml:"provider"`
	CredentialRef     string         `json:"credentialRef" yaml:"credential_ref"`
	PrimaryEmail      string         `json:"primaryEmail" yaml:"primary_email"`
	CalendarID        string         `json:"calendarId" yaml:"calendar_id"`
	Channel           WebhookChannel `json:"channel" yaml:"channel"`
	Active            bool           `json:"active" yaml:"active"`
	Polling           bool           `json:"polling" yaml:"-"`
	ReconnectRequired bool           `json:"reconnectRequired" yaml:"-"`
	UpdatedAt         time.Time      `json:"updatedAt" yaml:"-"`
}

type EventStatus string

const (
	EventConfirmed EventStatus = "confirmed"
	EventTentative EventStatus = "tentative"
	EventCancelled EventStatus = "cancelled"
)

// CanonicalEvent is the provider-agnostic event shape every adapter produces.
type CanonicalEvent struct {
	ExternalID       string      `json:"externalId"`
	Title            string      `json:"title,omitempty"`
	Description      string      `json:"description,omitempty"`
	Start            time.Time   `json:"start"`
	End              time.Time   `json:"end"`
	Timezone         string      `json:"timezone,omitempty"`
	Status           EventStatus `json:"status"`
	Attendees        []string    `json:"attendees,omitempty"`
	Recurrence       string      `json:"recurrence,omitempty"`
	ExDates          []time.Time `json:"exDates,omitempty"`
	RecurringEventID string      `json:"recurringEventId,omitempty"`
	OriginalStart    *time.Time  `json:"originalStart,omitempty"`
	Transparent      bool        `json:"transparent,omitempty"`
	Version          string      `json:"version,omitempty"`
	Updated          time.Time   `json:"updated"`
}

func (e CanonicalEvent) Interval() Interval {
	return Interval{Start: e.Start, End: e.End}
}

func (e CanonicalEvent) IsMaster() bool {
	return strings.TrimSpace(e.Recurrence) != ""
}

func (e CanonicalEvent) IsInstance() bool {
	return e.RecurringEventID != ""
}

type EventPatch struct {
	Title     *string      `json:"title,omitempty"`
	Start     *time.Time   `json:"start,omitempty"`
	End       *time.Time   `json:"end,omitempty"`
	Attendees []string     `json:"attendees,omitempty"`
	Status    *EventStatus `json:"status,omitempty"`
}

type BusyInterval struct {
	Interval
	ExternalEventID string `json:"externalEventId,omitempty"`
}

type EventPage struct {
	Events        []CanonicalEvent
	NextPageToken string
}

// RecurrenceRule is descriptive only; occurrences live in the ledger as slots.
type RecurrenceRule struct {
	ID               string
	AccountID        string
	ConnectionID     string
	Provider         Provider
	MasterExternalID string
	Pattern          string
	Start            time.Time
	Duration         time.Duration
	Timezone         string
	ExDates          []time.Time
	Horizon          time.Duration
	Title            string
}

func recurrenceID(connectionID, masterExternalID string) string {
	return connectionID + "/" + masterExternalID
}

func occurrenceKey(originalStart time.Time) string {
	return originalStart.UTC().Format(time.RFC3339)
}

// Notification is a normalized provider push.
type Notification struct {
	ID            string    `json:"id"`
	Provider      Provider  `json:"provider"`
	ConnectionID  string    `json:"connectionId"`
	ChannelID     string    `json:"channelId,omitempty"`
	ResourceID    string    `json:"resourceId"`
	ChangeToken   string    `json:"changeToken"`
	ResourceState string    `json:"resourceState,omitempty"`
	ReceivedAt    time.Time `json:"receivedAt"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

func (n Notification) dedupKey() string {
	return string(n.Provider) + "|" + n.ResourceID + "|" + n.ChangeToken
}

type SlotChange struct {
	Type string      `json:"type"`
	Slot MeetingSlot `json:"slot"`
	At   time.Time   `json:"at"`
}

func newSlotID() string {
	return "slot_" + uuid.NewString()
}

func copyStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func timePtr(t time.Time) *time.Time {
	return &t
}
