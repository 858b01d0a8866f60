package slotsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	outlookDefaultBaseURL = "https://graph.microsoft.com/v1.0"
	graphDateTimeLayout   = "2006-01-02T15:04:05.9999999"
)

type OutlookAdapterOptions struct {
	Credentials CredentialStore
	BaseURL     string
	HTTPClient  *http.Client
	// ClientState is echoed back by Graph on every notification.
	ClientState string
}

// OutlookAdapter talks to Microsoft Graph directly; there is no Graph SDK in
// use, every call is one JSON request.
type OutlookAdapter struct {
	creds       CredentialStore
	baseURL     string
	httpClient  *http.Client
	clientState string
}

func NewOutlookAdapter(opts OutlookAdapterOptions) *OutlookAdapter {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = outlookDefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &OutlookAdapter{
		creds:       opts.Credentials,
		baseURL:     baseURL,
		httpClient:  httpClient,
		clientState: opts.ClientState,
	}
}

func (a *OutlookAdapter) Provider() Provider {
	return ProviderOutlook
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphEvent struct {
	ID                   string             `json:"id,omitempty"`
	Subject              string             `json:"subject,omitempty"`
	Body                 *graphBody         `json:"body,omitempty"`
	Start                *graphDateTime     `json:"start,omitempty"`
	End                  *graphDateTime     `json:"end,omitempty"`
	IsCancelled          bool               `json:"isCancelled,omitempty"`
	ShowAs               string             `json:"showAs,omitempty"`
	Type                 string             `json:"type,omitempty"`
	SeriesMasterID       string             `json:"seriesMasterId,omitempty"`
	OriginalStart        string             `json:"originalStart,omitempty"`
	Attendees            []graphAttendee    `json:"attendees,omitempty"`
	Recurrence           *graphRecurrence   `json:"recurrence,omitempty"`
	LastModifiedDateTime string             `json:"lastModifiedDateTime,omitempty"`
	ChangeKey            string             `json:"changeKey,omitempty"`
	TransactionID        string             `json:"transactionId,omitempty"`
	ResponseStatus       *graphResponseInfo `json:"responseStatus,omitempty"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphAttendee struct {
	EmailAddress struct {
		Address string `json:"address"`
	} `json:"emailAddress"`
	Type string `json:"type,omitempty"`
}

type graphResponseInfo struct {
	Response string `json:"response"`
}

type graphRecurrence struct {
	Pattern struct {
		Type       string   `json:"type"`
		Interval   int      `json:"interval"`
		DaysOfWeek []string `json:"daysOfWeek"`
		DayOfMonth int      `json:"dayOfMonth"`
		Month      int      `json:"month"`
	} `json:"pattern"`
	Range struct {
		Type                string `json:"type"`
		StartDate           string `json:"startDate"`
		EndDate             string `json:"endDate"`
		NumberOfOccurrences int    `json:"numberOfOccurrences"`
	} `json:"range"`
}

type graphEventList struct {
	Value    []graphEvent `json:"value"`
	NextLink string       `json:"@odata.nextLink"`
}

type graphSubscription struct {
	ID                 string `json:"id,omitempty"`
	ChangeType         string `json:"changeType"`
	NotificationURL    string `json:"notificationUrl"`
	Resource           string `json:"resource"`
	ExpirationDateTime string `json:"expirationDateTime"`
	ClientState        string `json:"clientState,omitempty"`
}

func (a *OutlookAdapter) eventsPath(conn CalendarConnection) string {
	if conn.CalendarID != "" {
		return "/me/calendars/" + url.PathEscape(conn.CalendarID) + "/events"
	}
	return "/me/events"
}

func (a *OutlookAdapter) FetchEvent(ctx context.Context, conn CalendarConnection, externalID string) (CanonicalEvent, error) {
	var ev graphEvent
	if err := a.do(ctx, conn, "fetch_event", http.MethodGet, "/me/events/"+url.PathEscape(externalID), nil, &ev); err != nil {
		return CanonicalEvent{}, err
	}
	return graphToCanonical(ev), nil
}

func (a *OutlookAdapter) ListEvents(ctx context.Context, conn CalendarConnection, window Interval, pageToken string) (EventPage, error) {
	path := pageToken
	if path == "" {
		q := url.Values{}
		q.Set("$top", "100")
		if window.Valid() {
			q.Set("$filter", fmt.Sprintf("end/dateTime ge '%s' and start/dateTime lt '%s'",
				window.Start.UTC().Format(graphDateTimeLayout), window.End.UTC().Format(graphDateTimeLayout)))
		}
		path = a.eventsPath(conn) + "?" + q.Encode()
	}
	var list graphEventList
	if err := a.do(ctx, conn, "list_events", http.MethodGet, path, nil, &list); err != nil {
		return EventPage{}, err
	}
	page := EventPage{NextPageToken: list.NextLink, Events: make([]CanonicalEvent, 0, len(list.Value))}
	for _, ev := range list.Value {
		page.Events = append(page.Events, graphToCanonical(ev))
	}
	return page, nil
}

// CreateEvent relies on Graph's transactionId: a repeated POST with the same
// id returns the event created by the first one.
func (a *OutlookAdapter) CreateEvent(ctx context.Context, conn CalendarConnection, ev CanonicalEvent, idempotencyKey string) (CanonicalEvent, error) {
	body := canonicalToGraph(ev)
	body.TransactionID = idempotencyKey
	var created graphEvent
	if err := a.do(ctx, conn, "create_event", http.MethodPost, a.eventsPath(conn), body, &created); err != nil {
		return CanonicalEvent{}, err
	}
	return graphToCanonical(created), nil
}

func (a *OutlookAdapter) UpdateEvent(ctx context.Context, conn CalendarConnection, externalID string, patch EventPatch) (string, error) {
	body := map[string]any{}
	if patch.Title != nil {
		body["subject"] = *patch.Title
	}
	if patch.Start != nil {
		body["start"] = graphDateTime{DateTime: patch.Start.UTC().Format(graphDateTimeLayout), TimeZone: "UTC"}
	}
	if patch.End != nil {
		body["end"] = graphDateTime{DateTime: patch.End.UTC().Format(graphDateTimeLayout), TimeZone: "UTC"}
	}
	if len(patch.Attendees) > 0 {
		body["attendees"] = graphAttendees(patch.Attendees)
	}
	if patch.Status != nil && *patch.Status == EventCancelled {
		if err := a.do(ctx, conn, "update_event", http.MethodPost, "/me/events/"+url.PathEscape(externalID)+"/cancel", map[string]string{"comment": ""}, nil); err != nil {
			return "", err
		}
		return "", nil
	}
	var updated graphEvent
	if err := a.do(ctx, conn, "update_event", http.MethodPatch, "/me/events/"+url.PathEscape(externalID), body, &updated); err != nil {
		return "", err
	}
	return updated.ChangeKey, nil
}

func (a *OutlookAdapter) DeleteEvent(ctx context.Context, conn CalendarConnection, externalID string) error {
	return a.do(ctx, conn, "delete_event", http.MethodDelete, "/me/events/"+url.PathEscape(externalID), nil, nil)
}

// FreeBusy reads the calendar view so each busy interval keeps its event id.
func (a *OutlookAdapter) FreeBusy(ctx context.Context, conn CalendarConnection, window Interval) ([]BusyInterval, error) {
	q := url.Values{}
	q.Set("startDateTime", window.Start.UTC().Format(time.RFC3339))
	q.Set("endDateTime", window.End.UTC().Format(time.RFC3339))
	q.Set("$top", "100")
	path := "/me/calendarView?" + q.Encode()
	busy := make([]BusyInterval, 0)
	for path != "" {
		var list graphEventList
		if err := a.do(ctx, conn, "free_busy", http.MethodGet, path, nil, &list); err != nil {
			return nil, err
		}
		for _, ev := range list.Value {
			if ev.IsCancelled || strings.EqualFold(ev.ShowAs, "free") {
				continue
			}
			c := graphToCanonical(ev)
			busy = append(busy, BusyInterval{Interval: c.Interval(), ExternalEventID: c.ExternalID})
		}
		path = list.NextLink
	}
	return busy, nil
}

func (a *OutlookAdapter) RegisterWebhookChannel(ctx context.Context, conn CalendarConnection, callbackURL string, ttl time.Duration) (WebhookChannel, error) {
	if ttl <= 0 || ttl > 70*time.Hour {
		// Graph caps event subscriptions just under three days.
		ttl = 70 * time.Hour
	}
	req := graphSubscription{
		ChangeType:         "created,updated,deleted",
		NotificationURL:    callbackURL,
		Resource:           strings.TrimPrefix(a.eventsPath(conn), "/"),
		ExpirationDateTime: time.Now().Add(ttl).UTC().Format(time.RFC3339),
		ClientState:        a.clientState,
	}
	var sub graphSubscription
	if err := a.do(ctx, conn, "register_channel", http.MethodPost, "/subscriptions", req, &sub); err != nil {
		return WebhookChannel{}, err
	}
	expires, _ := time.Parse(time.RFC3339, sub.ExpirationDateTime)
	return WebhookChannel{ID: sub.ID, ResourceID: sub.Resource, ExpiresAt: expires.UTC()}, nil
}

func (a *OutlookAdapter) do(ctx context.Context, conn CalendarConnection, op, method, path string, payload, out any) error {
	if a.creds == nil {
		return providerError(ProviderOutlook, op, KindAuthExpired, errors.New("no credential store"))
	}
	cred, err := a.creds.Credential(ctx, conn)
	if err != nil {
		return err
	}
	if cred.Token == nil || strings.TrimSpace(cred.Token.AccessToken) == "" {
		return providerError(ProviderOutlook, op, KindAuthExpired, errors.New("missing access token"))
	}
	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		target = a.baseURL + path
	}
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return providerError(ProviderOutlook, op, KindPermanentRejected, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return providerError(ProviderOutlook, op, KindPermanentRejected, err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token.AccessToken)
	req.Header.Set("Prefer", `outlook.timezone="UTC"`)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return providerError(ProviderOutlook, op, KindTransient, err)
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return providerError(ProviderOutlook, op, KindTransient, readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		message := strings.TrimSpace(string(respBody))
		var parsed struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(respBody, &parsed) == nil && parsed.Error.Code != "" {
			message = parsed.Error.Code + ": " + parsed.Error.Message
		}
		perr := providerError(ProviderOutlook, op, KindForStatus(resp.StatusCode), errors.New(message))
		perr.StatusCode = resp.StatusCode
		perr.RetryAfter = parseRetryAfterSeconds(resp.Header.Get("Retry-After"))
		return perr
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return providerError(ProviderOutlook, op, KindTransient, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func graphAttendees(emails []string) []graphAttendee {
	out := make([]graphAttendee, 0, len(emails))
	for _, email := range emails {
		var a graphAttendee
		a.EmailAddress.Address = email
		a.Type = "required"
		out = append(out, a)
	}
	return out
}

func canonicalToGraph(ev CanonicalEvent) graphEvent {
	out := graphEvent{
		Subject: ev.Title,
		Start:   &graphDateTime{DateTime: ev.Start.UTC().Format(graphDateTimeLayout), TimeZone: "UTC"},
		End:     &graphDateTime{DateTime: ev.End.UTC().Format(graphDateTimeLayout), TimeZone: "UTC"},
	}
	if ev.Description != "" {
		out.Body = &graphBody{ContentType: "text", Content: ev.Description}
	}
	if len(ev.Attendees) > 0 {
		out.Attendees = graphAttendees(ev.Attendees)
	}
	return out
}

func graphToCanonical(ev graphEvent) CanonicalEvent {
	out := CanonicalEvent{
		ExternalID:  ev.ID,
		Title:       ev.Subject,
		Status:      EventConfirmed,
		Transparent: strings.EqualFold(ev.ShowAs, "free"),
		Version:     ev.ChangeKey,
	}
	if ev.Body != nil {
		out.Description = ev.Body.Content
	}
	if ev.IsCancelled {
		out.Status = EventCancelled
	} else if strings.EqualFold(ev.ShowAs, "tentative") {
		out.Status = EventTentative
	}
	out.Start, out.Timezone = graphTime(ev.Start)
	out.End, _ = graphTime(ev.End)
	if ev.Type == "occurrence" || ev.Type == "exception" {
		out.RecurringEventID = ev.SeriesMasterID
		if ev.OriginalStart != "" {
			if t, err := time.Parse(time.RFC3339, ev.OriginalStart); err == nil {
				t = t.UTC()
				out.OriginalStart = &t
			}
		}
	}
	if ev.Type == "seriesMaster" && ev.Recurrence != nil {
		out.Recurrence = graphRecurrenceToRRule(ev.Recurrence)
	}
	for _, attendee := range ev.Attendees {
		if attendee.EmailAddress.Address != "" {
			out.Attendees = append(out.Attendees, attendee.EmailAddress.Address)
		}
	}
	if ev.LastModifiedDateTime != "" {
		if t, err := time.Parse(time.RFC3339, ev.LastModifiedDateTime); err == nil {
			out.Updated = t.UTC()
		}
	}
	return out
}

func graphTime(dt *graphDateTime) (time.Time, string) {
	if dt == nil || dt.DateTime == "" {
		return time.Time{}, ""
	}
	loc := time.UTC
	if dt.TimeZone != "" && !strings.EqualFold(dt.TimeZone, "UTC") {
		if l, err := time.LoadLocation(dt.TimeZone); err == nil {
			loc = l
		}
	}
	t, err := time.ParseInLocation(graphDateTimeLayout, dt.DateTime, loc)
	if err != nil {
		return time.Time{}, dt.TimeZone
	}
	return t.UTC(), dt.TimeZone
}

var graphWeekdays = map[string]string{
	"monday": "MO", "tuesday": "TU", "wednesday": "WE", "thursday": "TH",
	"friday": "FR", "saturday": "SA", "sunday": "SU",
}

// graphRecurrenceToRRule converts the Graph pattern/range pair into an RRULE
// value. Relative monthly/yearly patterns fall back to their absolute form.
func graphRecurrenceToRRule(r *graphRecurrence) string {
	parts := make([]string, 0, 4)
	switch r.Pattern.Type {
	case "daily":
		parts = append(parts, "FREQ=DAILY")
	case "weekly":
		parts = append(parts, "FREQ=WEEKLY")
	case "absoluteMonthly", "relativeMonthly":
		parts = append(parts, "FREQ=MONTHLY")
	case "absoluteYearly", "relativeYearly":
		parts = append(parts, "FREQ=YEARLY")
	default:
		return ""
	}
	if r.Pattern.Interval > 1 {
		parts = append(parts, fmt.Sprintf("INTERVAL=%d", r.Pattern.Interval))
	}
	if len(r.Pattern.DaysOfWeek) > 0 && r.Pattern.Type == "weekly" {
		days := make([]string, 0, len(r.Pattern.DaysOfWeek))
		for _, d := range r.Pattern.DaysOfWeek {
			if code, ok := graphWeekdays[strings.ToLower(d)]; ok {
				days = append(days, code)
			}
		}
		if len(days) > 0 {
			parts = append(parts, "BYDAY="+strings.Join(days, ","))
		}
	}
	if r.Pattern.Type == "absoluteMonthly" && r.Pattern.DayOfMonth > 0 {
		parts = append(parts, fmt.Sprintf("BYMONTHDAY=%d", r.Pattern.DayOfMonth))
	}
	switch r.Range.Type {
	case "endDate":
		if end, err := time.Parse("2006-01-02", r.Range.EndDate); err == nil {
			parts = append(parts, "UNTIL="+end.Add(24*time.Hour-time.Second).UTC().Format("20060102T150405Z"))
		}
	case "numbered":
		if r.Range.NumberOfOccurrences > 0 {
			parts = append(parts, fmt.Sprintf("COUNT=%d", r.Range.NumberOfOccurrences))
		}
	}
	return strings.Join(parts, ";")
}
