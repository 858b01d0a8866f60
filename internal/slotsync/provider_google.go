package slotsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

type GoogleAdapterOptions struct {
	Credentials CredentialStore
	// Endpoint overrides the API base URL, for tests.
	Endpoint   string
	HTTPClient *http.Client
}

type GoogleAdapter struct {
	creds      CredentialStore
	endpoint   string
	httpClient *http.Client
}

func NewGoogleAdapter(opts GoogleAdapterOptions) *GoogleAdapter {
	return &GoogleAdapter{
		creds:      opts.Credentials,
		endpoint:   strings.TrimSpace(opts.Endpoint),
		httpClient: opts.HTTPClient,
	}
}

func (a *GoogleAdapter) Provider() Provider {
	return ProviderGoogle
}

func (a *GoogleAdapter) service(ctx context.Context, conn CalendarConnection, op string) (*calendar.Service, error) {
	if a.creds == nil {
		return nil, providerError(ProviderGoogle, op, KindAuthExpired, errors.New("no credential store"))
	}
	cred, err := a.creds.Credential(ctx, conn)
	if err != nil {
		return nil, err
	}
	opts := []option.ClientOption{}
	if a.httpClient != nil {
		opts = append(opts, option.WithHTTPClient(a.httpClient))
	} else {
		opts = append(opts, option.WithTokenSource(cred.TokenSource()))
	}
	if a.endpoint != "" {
		opts = append(opts, option.WithEndpoint(a.endpoint))
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, providerError(ProviderGoogle, op, KindPermanentRejected, err)
	}
	return svc, nil
}

func googleCalendarID(conn CalendarConnection) string {
	if conn.CalendarID != "" {
		return conn.CalendarID
	}
	return "primary"
}

func (a *GoogleAdapter) FetchEvent(ctx context.Context, conn CalendarConnection, externalID string) (CanonicalEvent, error) {
	svc, err := a.service(ctx, conn, "fetch_event")
	if err != nil {
		return CanonicalEvent{}, err
	}
	ev, err := svc.Events.Get(googleCalendarID(conn), externalID).Context(ctx).Do()
	if err != nil {
		return CanonicalEvent{}, googleError("fetch_event", err)
	}
	return googleToCanonical(ev), nil
}

func (a *GoogleAdapter) ListEvents(ctx context.Context, conn CalendarConnection, window Interval, pageToken string) (EventPage, error) {
	svc, err := a.service(ctx, conn, "list_events")
	if err != nil {
		return EventPage{}, err
	}
	call := svc.Events.List(googleCalendarID(conn)).
		ShowDeleted(true).
		SingleEvents(false).
		MaxResults(250).
		Context(ctx)
	if window.Valid() {
		call = call.TimeMin(window.Start.UTC().Format(time.RFC3339)).TimeMax(window.End.UTC().Format(time.RFC3339))
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return EventPage{}, googleError("list_events", err)
	}
	page := EventPage{NextPageToken: resp.NextPageToken, Events: make([]CanonicalEvent, 0, len(resp.Items))}
	for _, item := range resp.Items {
		page.Events = append(page.Events, googleToCanonical(item))
	}
	return page, nil
}

// CreateEvent derives the Google event id from the idempotency key, so a
// repeated create collides with 409 and the existing event is returned.
func (a *GoogleAdapter) CreateEvent(ctx context.Context, conn CalendarConnection, ev CanonicalEvent, idempotencyKey string) (CanonicalEvent, error) {
	svc, err := a.service(ctx, conn, "create_event")
	if err != nil {
		return CanonicalEvent{}, err
	}
	body := canonicalToGoogle(ev)
	if idempotencyKey != "" {
		body.Id = googleEventID(conn.ID, idempotencyKey)
	}
	created, err := svc.Events.Insert(googleCalendarID(conn), body).Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if body.Id != "" && errors.As(err, &gerr) && gerr.Code == http.StatusConflict {
			existing, getErr := svc.Events.Get(googleCalendarID(conn), body.Id).Context(ctx).Do()
			if getErr != nil {
				return CanonicalEvent{}, googleError("create_event", getErr)
			}
			return googleToCanonical(existing), nil
		}
		return CanonicalEvent{}, googleError("create_event", err)
	}
	return googleToCanonical(created), nil
}

func (a *GoogleAdapter) UpdateEvent(ctx context.Context, conn CalendarConnection, externalID string, patch EventPatch) (string, error) {
	svc, err := a.service(ctx, conn, "update_event")
	if err != nil {
		return "", err
	}
	body := &calendar.Event{}
	if patch.Title != nil {
		body.Summary = *patch.Title
	}
	if patch.Start != nil {
		body.Start = &calendar.EventDateTime{DateTime: patch.Start.Format(time.RFC3339)}
	}
	if patch.End != nil {
		body.End = &calendar.EventDateTime{DateTime: patch.End.Format(time.RFC3339)}
	}
	if patch.Status != nil {
		body.Status = string(*patch.Status)
	}
	for _, email := range patch.Attendees {
		body.Attendees = append(body.Attendees, &calendar.EventAttendee{Email: email})
	}
	updated, err := svc.Events.Patch(googleCalendarID(conn), externalID, body).Context(ctx).Do()
	if err != nil {
		return "", googleError("update_event", err)
	}
	return updated.Etag, nil
}

func (a *GoogleAdapter) DeleteEvent(ctx context.Context, conn CalendarConnection, externalID string) error {
	svc, err := a.service(ctx, conn, "delete_event")
	if err != nil {
		return err
	}
	if err := svc.Events.Delete(googleCalendarID(conn), externalID).Context(ctx).Do(); err != nil {
		return googleError("delete_event", err)
	}
	return nil
}

func (a *GoogleAdapter) FreeBusy(ctx context.Context, conn CalendarConnection, window Interval) ([]BusyInterval, error) {
	svc, err := a.service(ctx, conn, "free_busy")
	if err != nil {
		return nil, err
	}
	calendarID := googleCalendarID(conn)
	resp, err := svc.Freebusy.Query(&calendar.FreeBusyRequest{
		TimeMin: window.Start.UTC().Format(time.RFC3339),
		TimeMax: window.End.UTC().Format(time.RFC3339),
		Items:   []*calendar.FreeBusyRequestItem{{Id: calendarID}},
	}).Context(ctx).Do()
	if err != nil {
		return nil, googleError("free_busy", err)
	}
	busy := make([]BusyInterval, 0)
	for id, cal := range resp.Calendars {
		if id != calendarID && len(resp.Calendars) > 1 {
			continue
		}
		if len(cal.Errors) > 0 {
			return nil, providerError(ProviderGoogle, "free_busy", KindTransient, errors.New(cal.Errors[0].Reason))
		}
		for _, period := range cal.Busy {
			start, err1 := time.Parse(time.RFC3339, period.Start)
			end, err2 := time.Parse(time.RFC3339, period.End)
			if err1 != nil || err2 != nil {
				continue
			}
			busy = append(busy, BusyInterval{Interval: Interval{Start: start.UTC(), End: end.UTC()}})
		}
	}
	return busy, nil
}

func (a *GoogleAdapter) RegisterWebhookChannel(ctx context.Context, conn CalendarConnection, callbackURL string, ttl time.Duration) (WebhookChannel, error) {
	svc, err := a.service(ctx, conn, "register_channel")
	if err != nil {
		return WebhookChannel{}, err
	}
	req := &calendar.Channel{
		Id:      "ch_" + uuid.NewString(),
		Type:    "web_hook",
		Address: callbackURL,
		Token:   conn.ID,
	}
	if ttl > 0 {
		req.Expiration = time.Now().Add(ttl).UnixMilli()
	}
	ch, err := svc.Events.Watch(googleCalendarID(conn), req).Context(ctx).Do()
	if err != nil {
		return WebhookChannel{}, googleError("register_channel", err)
	}
	return WebhookChannel{
		ID:         ch.Id,
		ResourceID: ch.ResourceId,
		ExpiresAt:  time.UnixMilli(ch.Expiration).UTC(),
	}, nil
}

func googleEventID(connectionID, idempotencyKey string) string {
	sum := sha256.Sum256([]byte(connectionID + "|" + idempotencyKey))
	return hex.EncodeToString(sum[:])
}

func googleError(op string, err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return providerError(ProviderGoogle, op, KindTransient, err)
	}
	kind := KindForStatus(gerr.Code)
	if gerr.Code == http.StatusForbidden {
		for _, item := range gerr.Errors {
			if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
				kind = KindRateLimited
			}
		}
	}
	perr := providerError(ProviderGoogle, op, kind, errors.New(gerr.Message))
	perr.StatusCode = gerr.Code
	if gerr.Header != nil {
		perr.RetryAfter = parseRetryAfterSeconds(gerr.Header.Get("Retry-After"))
	}
	return perr
}

func googleToCanonical(ev *calendar.Event) CanonicalEvent {
	out := CanonicalEvent{
		ExternalID:       ev.Id,
		Title:            ev.Summary,
		Description:      ev.Description,
		Status:           EventStatus(ev.Status),
		RecurringEventID: ev.RecurringEventId,
		Transparent:      ev.Transparency == "transparent",
		Version:          ev.Etag,
	}
	if out.Status == "" {
		out.Status = EventConfirmed
	}
	out.Start, out.Timezone = googleTime(ev.Start)
	out.End, _ = googleTime(ev.End)
	if ev.OriginalStartTime != nil {
		original, _ := googleTime(ev.OriginalStartTime)
		if !original.IsZero() {
			out.OriginalStart = &original
		}
	}
	for _, attendee := range ev.Attendees {
		if attendee != nil && attendee.Email != "" {
			out.Attendees = append(out.Attendees, attendee.Email)
		}
	}
	for _, line := range ev.Recurrence {
		switch {
		case strings.HasPrefix(line, "RRULE:"):
			out.Recurrence = strings.TrimPrefix(line, "RRULE:")
		case strings.HasPrefix(line, "EXDATE"):
			out.ExDates = append(out.ExDates, parseExDateLine(line)...)
		}
	}
	if ev.Updated != "" {
		if updated, err := time.Parse(time.RFC3339, ev.Updated); err == nil {
			out.Updated = updated.UTC()
		}
	}
	return out
}

func canonicalToGoogle(ev CanonicalEvent) *calendar.Event {
	out := &calendar.Event{
		Summary:     ev.Title,
		Description: ev.Description,
		Start:       &calendar.EventDateTime{DateTime: ev.Start.Format(time.RFC3339), TimeZone: ev.Timezone},
		End:         &calendar.EventDateTime{DateTime: ev.End.Format(time.RFC3339), TimeZone: ev.Timezone},
	}
	if ev.Status != "" {
		out.Status = string(ev.Status)
	}
	for _, email := range ev.Attendees {
		out.Attendees = append(out.Attendees, &calendar.EventAttendee{Email: email})
	}
	return out
}

func googleTime(dt *calendar.EventDateTime) (time.Time, string) {
	if dt == nil {
		return time.Time{}, ""
	}
	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		if err != nil {
			return time.Time{}, dt.TimeZone
		}
		return t.UTC(), dt.TimeZone
	}
	if dt.Date != "" {
		loc := time.UTC
		if dt.TimeZone != "" {
			if l, err := time.LoadLocation(dt.TimeZone); err == nil {
				loc = l
			}
		}
		t, err := time.ParseInLocation("2006-01-02", dt.Date, loc)
		if err != nil {
			return time.Time{}, dt.TimeZone
		}
		return t.UTC(), dt.TimeZone
	}
	return time.Time{}, dt.TimeZone
}

// parseExDateLine reads "EXDATE;TZID=Europe/Berlin:20250101T100000,..." or
// "EXDATE:20250101T090000Z".
func parseExDateLine(line string) []time.Time {
	head, values, ok := strings.Cut(line, ":")
	if !ok {
		return nil
	}
	loc := time.UTC
	for _, param := range strings.Split(head, ";")[1:] {
		if name, value, ok := strings.Cut(param, "="); ok && strings.EqualFold(name, "TZID") {
			if l, err := time.LoadLocation(value); err == nil {
				loc = l
			}
		}
	}
	out := make([]time.Time, 0)
	for _, value := range strings.Split(values, ",") {
		if t, err := parseICalTime(strings.TrimSpace(value), loc); err == nil {
			out = append(out, t.UTC())
		}
	}
	return out
}

func parseICalTime(v string, loc *time.Location) (time.Time, error) {
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}
	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, loc)
	}
	return time.ParseInLocation("20060102", v, loc)
}
