package slotmirror

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/slotsync/internal/slotsync"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

var ErrConflict = errors.New("slot conflict")

// ConflictError is the decoded 409 body of a rejected reservation.
type ConflictError struct {
	Reason         string              `json:"reason"`
	SlotID         string              `json:"slotId"`
	CurrentVersion int64               `json:"currentVersion"`
	Overlapping    []string            `json:"overlapping"`
	Alternatives   []slotsync.Interval `json:"alternatives"`
	Message        string              `json:"message"`
}

func (e *ConflictError) Error() string {
	if e.Reason == "" {
		return "slot conflict"
	}
	return fmt.Sprintf("slot conflict (%s)", e.Reason)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type SlotPage struct {
	Account string                 `json:"account"`
	From    time.Time              `json:"from"`
	To      time.Time              `json:"to"`
	Slots   []slotsync.MeetingSlot `json:"slots"`
}

type slotResponse struct {
	Status slotsync.SlotStatus  `json:"status"`
	Slot   slotsync.MeetingSlot `json:"slot"`
}

// RemoteClient is the part of the slotsync API the mirror needs.
type RemoteClient interface {
	ListSlots(ctx context.Context, accountID string, from, to time.Time, blocking bool) (SlotPage, error)
	OpenStream(ctx context.Context, accountID string) (*websocket.Conn, error)
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPClient) ListSlots(ctx context.Context, accountID string, from, to time.Time, blocking bool) (SlotPage, error) {
	q := url.Values{}
	if !from.IsZero() {
		q.Set("from", from.UTC().Format(time.RFC3339))
	}
	if !to.IsZero() {
		q.Set("to", to.UTC().Format(time.RFC3339))
	}
	if blocking {
		q.Set("blocking", "true")
	}
	var page SlotPage
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/accounts/%s/slots?%s", url.PathEscape(accountID), q.Encode()), nil, &page)
	return page, err
}

func (c *HTTPClient) Reserve(ctx context.Context, candidate slotsync.SlotCandidate, expectedVersion int64) (slotsync.MeetingSlot, error) {
	body := struct {
		slotsync.SlotCandidate
		ExpectedVersion int64 `json:"expectedVersion"`
	}{candidate, expectedVersion}
	var out slotResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/reservations/reserve", body, &out)
	return out.Slot, err
}

func (c *HTTPClient) Cancel(ctx context.Context, slotID string, expectedVersion int64) (slotsync.MeetingSlot, error) {
	body := map[string]any{"slotId": slotID, "expectedVersion": expectedVersion}
	var out slotResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/reservations/cancel", body, &out)
	return out.Slot, err
}

// OpenStream dials the account's change feed. The caller owns the conn.
func (c *HTTPClient) OpenStream(ctx context.Context, accountID string) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	header.Set(slotsync.HeaderCorrelationID, correlationID())
	conn, _, err := websocket.Dial(ctx, c.baseURL+"/v1/accounts/"+url.PathEscape(accountID)+"/slots/stream", &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(1 << 20)
	return conn, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	// One correlation id across retries so the server logs line up.
	corr := correlationID()
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set(slotsync.HeaderCorrelationID, corr)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}
		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable ||
			resp.StatusCode == http.StatusBadGateway) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		if resp.StatusCode == http.StatusConflict && errPayload.Code == "conflict" {
			conflict := &ConflictError{}
			_ = json.Unmarshal(payload, conflict)
			return conflict
		}
		return &HTTPError{StatusCode: resp.StatusCode, Code: errPayload.Code, Message: errPayload.Message}
	}
}

func correlationID() string {
	return "mirror_" + uuid.NewString()
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
