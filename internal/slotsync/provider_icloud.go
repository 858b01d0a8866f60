package slotsync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
)

const icloudDefaultBaseURL = "https://caldav.icloud.com"

type ICloudAdapterOptions struct {
	Credentials CredentialStore
	BaseURL     string
	HTTPClient  *http.Client
}

// ICloudAdapter speaks CalDAV. Events are stored as one VCALENDAR resource
// per UID; ETags are the event version.
type ICloudAdapter struct {
	creds      CredentialStore
	baseURL    string
	httpClient *http.Client
}

func NewICloudAdapter(opts ICloudAdapterOptions) *ICloudAdapter {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = icloudDefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &ICloudAdapter{creds: opts.Credentials, baseURL: baseURL, httpClient: httpClient}
}

func (a *ICloudAdapter) Provider() Provider {
	return ProviderICloud
}

func (a *ICloudAdapter) collection(conn CalendarConnection) string {
	path := strings.TrimSpace(conn.CalendarID)
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return strings.TrimRight(path, "/") + "/"
	}
	return a.baseURL + "/" + strings.Trim(path, "/") + "/"
}

func (a *ICloudAdapter) resourceURL(conn CalendarConnection, uid string) string {
	return a.collection(conn) + uid + ".ics"
}

func (a *ICloudAdapter) FetchEvent(ctx context.Context, conn CalendarConnection, externalID string) (CanonicalEvent, error) {
	body, etag, err := a.request(ctx, conn, "fetch_event", http.MethodGet, a.resourceURL(conn, externalID), nil, nil)
	if err != nil {
		return CanonicalEvent{}, err
	}
	events, err := parseICalendar(body)
	if err != nil {
		return CanonicalEvent{}, providerError(ProviderICloud, "fetch_event", KindPermanentRejected, err)
	}
	for _, ev := range events {
		if ev.ExternalID == externalID && ev.OriginalStart == nil {
			ev.Version = etag
			return ev, nil
		}
	}
	return CanonicalEvent{}, providerError(ProviderICloud, "fetch_event", KindNotFound, errors.New("event "+externalID+" missing from resource"))
}

// ListEvents returns every event in one page; CalDAV has no paging.
func (a *ICloudAdapter) ListEvents(ctx context.Context, conn CalendarConnection, window Interval, _ string) (EventPage, error) {
	events, err := a.calendarQuery(ctx, conn, "list_events", window)
	if err != nil {
		return EventPage{}, err
	}
	return EventPage{Events: events}, nil
}

func (a *ICloudAdapter) CreateEvent(ctx context.Context, conn CalendarConnection, ev CanonicalEvent, idempotencyKey string) (CanonicalEvent, error) {
	uid := ev.ExternalID
	if uid == "" {
		uid = icloudUID(conn.ID, idempotencyKey)
	}
	ev.ExternalID = uid
	payload := serializeICalendar(ev, time.Now().UTC())
	headers := map[string]string{"If-None-Match": "*", "Content-Type": "text/calendar; charset=utf-8"}
	_, etag, err := a.request(ctx, conn, "create_event", http.MethodPut, a.resourceURL(conn, uid), []byte(payload), headers)
	if err != nil {
		var perr *ProviderError
		if errors.As(err, &perr) && perr.StatusCode == http.StatusPreconditionFailed {
			return a.FetchEvent(ctx, conn, uid)
		}
		return CanonicalEvent{}, err
	}
	ev.Version = etag
	return ev, nil
}

func (a *ICloudAdapter) UpdateEvent(ctx context.Context, conn CalendarConnection, externalID string, patch EventPatch) (string, error) {
	current, err := a.FetchEvent(ctx, conn, externalID)
	if err != nil {
		return "", err
	}
	if patch.Title != nil {
		current.Title = *patch.Title
	}
	if patch.Start != nil {
		current.Start = *patch.Start
	}
	if patch.End != nil {
		current.End = *patch.End
	}
	if patch.Attendees != nil {
		current.Attendees = patch.Attendees
	}
	if patch.Status != nil {
		current.Status = *patch.Status
	}
	headers := map[string]string{"Content-Type": "text/calendar; charset=utf-8"}
	if current.Version != "" {
		headers["If-Match"] = current.Version
	}
	payload := serializeICalendar(current, time.Now().UTC())
	_, etag, err := a.request(ctx, conn, "update_event", http.MethodPut, a.resourceURL(conn, externalID), []byte(payload), headers)
	if err != nil {
		return "", err
	}
	return etag, nil
}

func (a *ICloudAdapter) DeleteEvent(ctx context.Context, conn CalendarConnection, externalID string) error {
	_, _, err := a.request(ctx, conn, "delete_event", http.MethodDelete, a.resourceURL(conn, externalID), nil, nil)
	return err
}

func (a *ICloudAdapter) FreeBusy(ctx context.Context, conn CalendarConnection, window Interval) ([]BusyInterval, error) {
	events, err := a.calendarQuery(ctx, conn, "free_busy", window)
	if err != nil {
		return nil, err
	}
	busy := make([]BusyInterval, 0, len(events))
	for _, ev := range events {
		if ev.Status == EventCancelled || ev.Transparent || ev.IsMaster() {
			continue
		}
		if !ev.Interval().Overlaps(window) {
			continue
		}
		busy = append(busy, BusyInterval{Interval: ev.Interval(), ExternalEventID: ev.ExternalID})
	}
	return busy, nil
}

// RegisterWebhookChannel always fails: iCloud CalDAV has no push channel,
// so iCloud connections run on the polling fallback.
func (a *ICloudAdapter) RegisterWebhookChannel(context.Context, CalendarConnection, string, time.Duration) (WebhookChannel, error) {
	return WebhookChannel{}, providerError(ProviderICloud, "register_channel", KindPermanentRejected, errors.New("caldav has no push channels"))
}

type caldavMultistatus struct {
	Responses []struct {
		Href     string `xml:"href"`
		Propstat []struct {
			Prop struct {
				ETag         string `xml:"getetag"`
				CalendarData string `xml:"calendar-data"`
			} `xml:"prop"`
			Status string `xml:"status"`
		} `xml:"propstat"`
	} `xml:"response"`
}

func (a *ICloudAdapter) calendarQuery(ctx context.Context, conn CalendarConnection, op string, window Interval) ([]CanonicalEvent, error) {
	timeRange := ""
	if window.Valid() {
		timeRange = fmt.Sprintf(`<C:time-range start="%s" end="%s"/>`,
			window.Start.UTC().Format("20060102T150405Z"), window.End.UTC().Format("20060102T150405Z"))
	}
	query := `<?xml version="1.0" encoding="utf-8"?>
<C:calendar-query xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:prop><D:getetag/><C:calendar-data/></D:prop>
  <C:filter><C:comp-filter name="VCALENDAR"><C:comp-filter name="VEVENT">` + timeRange + `</C:comp-filter></C:comp-filter></C:filter>
</C:calendar-query>`
	headers := map[string]string{"Depth": "1", "Content-Type": "application/xml; charset=utf-8"}
	body, _, err := a.request(ctx, conn, op, "REPORT", a.collection(conn), []byte(query), headers)
	if err != nil {
		return nil, err
	}
	var ms caldavMultistatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil, providerError(ProviderICloud, op, KindTransient, fmt.Errorf("decode multistatus: %w", err))
	}
	out := make([]CanonicalEvent, 0, len(ms.Responses))
	for _, resp := range ms.Responses {
		for _, ps := range resp.Propstat {
			if ps.Prop.CalendarData == "" {
				continue
			}
			events, err := parseICalendar([]byte(ps.Prop.CalendarData))
			if err != nil {
				continue
			}
			for _, ev := range events {
				ev.Version = ps.Prop.ETag
				out = append(out, ev)
			}
		}
	}
	return out, nil
}

func (a *ICloudAdapter) request(ctx context.Context, conn CalendarConnection, op, method, target string, payload []byte, headers map[string]string) ([]byte, string, error) {
	if a.creds == nil {
		return nil, "", providerError(ProviderICloud, op, KindAuthExpired, errors.New("no credential store"))
	}
	cred, err := a.creds.Credential(ctx, conn)
	if err != nil {
		return nil, "", err
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, "", providerError(ProviderICloud, op, KindPermanentRejected, err)
	}
	req.SetBasicAuth(cred.Username, cred.Password)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, "", providerError(ProviderICloud, op, KindTransient, err)
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, "", providerError(ProviderICloud, op, KindTransient, readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		kind := KindForStatus(resp.StatusCode)
		if resp.StatusCode == http.StatusForbidden {
			// iCloud answers 403 for a revoked app-specific password.
			kind = KindAuthExpired
		}
		perr := providerError(ProviderICloud, op, kind, errors.New(strings.TrimSpace(string(respBody))))
		perr.StatusCode = resp.StatusCode
		perr.RetryAfter = parseRetryAfterSeconds(resp.Header.Get("Retry-After"))
		return nil, "", perr
	}
	return respBody, resp.Header.Get("ETag"), nil
}

func icloudUID(connectionID, idempotencyKey string) string {
	if idempotencyKey == "" {
		return newSlotID()
	}
	sum := sha256.Sum256([]byte(connectionID + "|" + idempotencyKey))
	return "slotsync-" + hex.EncodeToString(sum[:16])
}

func parseICalendar(body []byte) ([]CanonicalEvent, error) {
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	out := make([]CanonicalEvent, 0)
	for _, ve := range cal.Events() {
		ev, err := icalToCanonical(ve)
		if err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func icalToCanonical(ve *ical.VEvent) (CanonicalEvent, error) {
	var out CanonicalEvent
	uid := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || uid.Value == "" {
		return out, errors.New("missing UID")
	}
	out.ExternalID = uid.Value
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Title = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	start, err := ve.GetStartAt()
	if err != nil {
		return out, err
	}
	end, err := ve.GetEndAt()
	if err != nil {
		end = start
	}
	out.Start, out.End = start.UTC(), end.UTC()
	loc := time.UTC
	if p := ve.GetProperty(ical.ComponentPropertyDtStart); p != nil {
		if tzs, ok := p.ICalParameters["TZID"]; ok && len(tzs) > 0 {
			out.Timezone = tzs[0]
			if l, err := time.LoadLocation(tzs[0]); err == nil {
				loc = l
			}
		}
	}
	out.Status = EventConfirmed
	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil {
		switch strings.ToUpper(p.Value) {
		case "CANCELLED":
			out.Status = EventCancelled
		case "TENTATIVE":
			out.Status = EventTentative
		}
	}
	if p := ve.GetProperty(ical.ComponentPropertyTransp); p != nil {
		out.Transparent = strings.EqualFold(p.Value, "TRANSPARENT")
	}
	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.Recurrence = p.Value
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		exLoc := loc
		if tzs, ok := p.ICalParameters["TZID"]; ok && len(tzs) > 0 {
			if l, err := time.LoadLocation(tzs[0]); err == nil {
				exLoc = l
			}
		}
		for _, part := range strings.Split(p.Value, ",") {
			if t, err := parseICalTime(strings.TrimSpace(part), exLoc); err == nil {
				out.ExDates = append(out.ExDates, t.UTC())
			}
		}
	}
	if p := ve.GetProperty("RECURRENCE-ID"); p != nil {
		ridLoc := loc
		if tzs, ok := p.ICalParameters["TZID"]; ok && len(tzs) > 0 {
			if l, err := time.LoadLocation(tzs[0]); err == nil {
				ridLoc = l
			}
		}
		if t, err := parseICalTime(p.Value, ridLoc); err == nil {
			t = t.UTC()
			out.OriginalStart = &t
			out.RecurringEventID = out.ExternalID
		}
	}
	for _, attendee := range ve.Attendees() {
		if email := attendee.Email(); email != "" {
			out.Attendees = append(out.Attendees, email)
		}
	}
	if p := ve.GetProperty(ical.ComponentPropertyLastModified); p != nil {
		if t, err := parseICalTime(p.Value, time.UTC); err == nil {
			out.Updated = t.UTC()
		}
	}
	return out, nil
}

func serializeICalendar(ev CanonicalEvent, now time.Time) string {
	cal := ical.NewCalendar()
	cal.SetProductId("-//agentworkforce//slotsync//EN")
	ve := cal.AddEvent(ev.ExternalID)
	ve.SetDtStampTime(now)
	ve.SetStartAt(ev.Start.UTC())
	ve.SetEndAt(ev.End.UTC())
	if ev.Title != "" {
		ve.SetSummary(ev.Title)
	}
	if ev.Description != "" {
		ve.SetDescription(ev.Description)
	}
	status := "CONFIRMED"
	switch ev.Status {
	case EventCancelled:
		status = "CANCELLED"
	case EventTentative:
		status = "TENTATIVE"
	}
	ve.SetProperty(ical.ComponentPropertyStatus, status)
	if ev.Recurrence != "" {
		ve.SetProperty(ical.ComponentPropertyRrule, ev.Recurrence)
	}
	for _, email := range ev.Attendees {
		ve.AddAttendee("mailto:" + email)
	}
	return cal.Serialize()
}
