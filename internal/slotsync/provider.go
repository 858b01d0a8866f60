package slotsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ProviderAdapter is one external calendar API normalized to canonical
// events. Implementations must classify every failure as a *ProviderError.
type ProviderAdapter interface {
	Provider() Provider
	FetchEvent(ctx context.Context, conn CalendarConnection, externalID string) (CanonicalEvent, error)
	ListEvents(ctx context.Context, conn CalendarConnection, window Interval, pageToken string) (EventPage, error)
	// CreateEvent must not create a second event when called again with the
	// same idempotency key; it returns the existing event instead.
	CreateEvent(ctx context.Context, conn CalendarConnection, ev CanonicalEvent, idempotencyKey string) (CanonicalEvent, error)
	UpdateEvent(ctx context.Context, conn CalendarConnection, externalID string, patch EventPatch) (string, error)
	DeleteEvent(ctx context.Context, conn CalendarConnection, externalID string) error
	FreeBusy(ctx context.Context, conn CalendarConnection, window Interval) ([]BusyInterval, error)
	RegisterWebhookChannel(ctx context.Context, conn CalendarConnection, callbackURL string, ttl time.Duration) (WebhookChannel, error)
}

type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	CallTimeout time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 4
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 200 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = 10 * time.Second
	}
	return p
}

type CallerOptions struct {
	Adapters    []ProviderAdapter
	Credentials CredentialStore
	Connections ConnectionStore
	Retry       RetryPolicy
	Logger      *slog.Logger
}

// Caller wraps adapters with the retry, timeout and credential refresh
// policy. Nothing else in the package calls an adapter directly.
type Caller struct {
	mu       sync.RWMutex
	adapters map[Provider]ProviderAdapter
	creds    CredentialStore
	conns    ConnectionStore
	policy   RetryPolicy
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	jitter   func() float64
}

func NewCaller(opts CallerOptions) *Caller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Caller{
		adapters: map[Provider]ProviderAdapter{},
		creds:    opts.Credentials,
		conns:    opts.Connections,
		policy:   opts.Retry.withDefaults(),
		logger:   logger,
		sleep:    sleepContext,
		jitter:   rand.Float64,
	}
	for _, adapter := range opts.Adapters {
		c.Register(adapter)
	}
	return c
}

func (c *Caller) Register(adapter ProviderAdapter) {
	if adapter == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adapters[normalizeProvider(adapter.Provider())] = adapter
}

func (c *Caller) adapter(p Provider) (ProviderAdapter, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	adapter, ok := c.adapters[normalizeProvider(p)]
	if !ok {
		return nil, fmt.Errorf("%w: provider %s", ErrNotImplemented, p)
	}
	return adapter, nil
}

func (c *Caller) FetchEvent(ctx context.Context, conn CalendarConnection, externalID string) (CanonicalEvent, error) {
	var out CanonicalEvent
	err := c.do(ctx, conn, "fetch_event", func(ctx context.Context, a ProviderAdapter) error {
		ev, err := a.FetchEvent(ctx, conn, externalID)
		out = ev
		return err
	})
	return out, err
}

func (c *Caller) ListEvents(ctx context.Context, conn CalendarConnection, window Interval, pageToken string) (EventPage, error) {
	var out EventPage
	err := c.do(ctx, conn, "list_events", func(ctx context.Context, a ProviderAdapter) error {
		page, err := a.ListEvents(ctx, conn, window, pageToken)
		out = page
		return err
	})
	return out, err
}

func (c *Caller) CreateEvent(ctx context.Context, conn CalendarConnection, ev CanonicalEvent, idempotencyKey string) (CanonicalEvent, error) {
	var out CanonicalEvent
	err := c.do(ctx, conn, "create_event", func(ctx context.Context, a ProviderAdapter) error {
		created, err := a.CreateEvent(ctx, conn, ev, idempotencyKey)
		out = created
		return err
	})
	return out, err
}

func (c *Caller) UpdateEvent(ctx context.Context, conn CalendarConnection, externalID string, patch EventPatch) (string, error) {
	var version string
	err := c.do(ctx, conn, "update_event", func(ctx context.Context, a ProviderAdapter) error {
		v, err := a.UpdateEvent(ctx, conn, externalID, patch)
		version = v
		return err
	})
	return version, err
}

// DeleteEvent treats an event that is already gone as deleted.
func (c *Caller) DeleteEvent(ctx context.Context, conn CalendarConnection, externalID string) error {
	err := c.do(ctx, conn, "delete_event", func(ctx context.Context, a ProviderAdapter) error {
		return a.DeleteEvent(ctx, conn, externalID)
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (c *Caller) FreeBusy(ctx context.Context, conn CalendarConnection, window Interval) ([]BusyInterval, error) {
	var out []BusyInterval
	err := c.do(ctx, conn, "free_busy", func(ctx context.Context, a ProviderAdapter) error {
		busy, err := a.FreeBusy(ctx, conn, window)
		out = busy
		return err
	})
	return out, err
}

func (c *Caller) RegisterWebhookChannel(ctx context.Context, conn CalendarConnection, callbackURL string, ttl time.Duration) (WebhookChannel, error) {
	var out WebhookChannel
	err := c.do(ctx, conn, "register_channel", func(ctx context.Context, a ProviderAdapter) error {
		ch, err := a.RegisterWebhookChannel(ctx, conn, callbackURL, ttl)
		out = ch
		return err
	})
	return out, err
}

func (c *Caller) do(ctx context.Context, conn CalendarConnection, op string, fn func(ctx context.Context, a ProviderAdapter) error) error {
	if conn.ReconnectRequired {
		return fmt.Errorf("%w: connection %s", ErrReconnectRequired, conn.ID)
	}
	adapter, err := c.adapter(conn.Provider)
	if err != nil {
		return err
	}
	refreshed := false
	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.policy.CallTimeout)
		err := fn(callCtx, adapter)
		cancel()
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		perr := classifyProviderError(adapter.Provider(), op, err)
		switch perr.Kind {
		case KindAuthExpired:
			if refreshed || c.creds == nil {
				return c.reconnectRequired(ctx, conn, perr)
			}
			refreshed = true
			if _, err := c.creds.Refresh(ctx, conn); err != nil {
				c.logger.Warn("credential refresh failed", "connection", conn.ID, "provider", conn.Provider, "error", err)
				return c.reconnectRequired(ctx, conn, perr)
			}
			continue
		case KindTransient, KindRateLimited:
			if attempt >= c.policy.MaxAttempts {
				return perr
			}
			delay := c.retryDelay(attempt, perr.RetryAfter)
			c.logger.Debug("provider call retry", "op", op, "provider", conn.Provider, "attempt", attempt, "delay", delay, "error", perr)
			if err := c.sleep(ctx, delay); err != nil {
				return err
			}
		default:
			return perr
		}
	}
}

func (c *Caller) reconnectRequired(ctx context.Context, conn CalendarConnection, cause error) error {
	if c.conns != nil && conn.ID != "" {
		if err := c.conns.MarkReconnectRequired(ctx, conn.ID); err != nil {
			c.logger.Warn("mark reconnect required failed", "connection", conn.ID, "error", err)
		}
	}
	c.logger.Warn("connection requires reconnection", "connection", conn.ID, "account", conn.AccountID, "provider", conn.Provider)
	return fmt.Errorf("%w: %w", ErrReconnectRequired, cause)
}

// retryDelay is exponential with full jitter on the upper half; a provider
// Retry-After wins when it is longer.
func (c *Caller) retryDelay(attempt int, retryAfter time.Duration) time.Duration {
	delay := c.policy.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.policy.MaxDelay {
			delay = c.policy.MaxDelay
			break
		}
	}
	delay = delay/2 + time.Duration(c.jitter()*float64(delay/2))
	if retryAfter > delay {
		if retryAfter > c.policy.MaxDelay {
			return c.policy.MaxDelay
		}
		return retryAfter
	}
	return delay
}

func classifyProviderError(provider Provider, op string, err error) *ProviderError {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr
	}
	// Unclassified errors are network failures or per-call timeouts.
	return providerError(provider, op, KindTransient, err)
}

func sleepContext(ctx context.Context, delay time.Duration) error {
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

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
