package slotsync

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultLaneCapacity       = 64
	defaultMaxNotifyAttempts  = 5
	defaultNotifyRetryDelay   = 2 * time.Second
	defaultNotifyProcessLimit = 2 * time.Minute
)

// SecretSource yields the currently valid shared secrets for a provider.
// More than one secret is valid while a rotation is in progress.
type SecretSource interface {
	WebhookSecrets(provider Provider) []string
}

type StaticSecrets map[Provider][]string

func (s StaticSecrets) WebhookSecrets(provider Provider) []string {
	return s[normalizeProvider(provider)]
}

// NotificationHandler applies one accepted notification.
type NotificationHandler interface {
	HandleNotification(ctx context.Context, n Notification) error
}

type GatewayOptions struct {
	Secrets        SecretSource
	Dedup          DedupStore
	Connections    ConnectionStore
	Handler        NotificationHandler
	Logger         *slog.Logger
	LaneCapacity   int
	MaxAttempts    int
	RetryDelay     time.Duration
	ProcessTimeout time.Duration
	Now            func() time.Time
}

type IngestStatus string

const (
	IngestQueued    IngestStatus = "queued"
	IngestDuplicate IngestStatus = "duplicate"
	IngestIgnored   IngestStatus = "ignored"
)

type IngestResult struct {
	Status        IngestStatus `json:"status"`
	ID            string       `json:"id,omitempty"`
	CorrelationID string       `json:"correlationId,omitempty"`
}

type NotificationDeadLetter struct {
	Notification Notification `json:"notification"`
	Attempts     int          `json:"attempts"`
	LastError    string       `json:"lastError"`
	FailedAt     time.Time    `json:"failedAt"`
}

type GatewayStats struct {
	Accepted     uint64 `json:"accepted"`
	Duplicates   uint64 `json:"duplicates"`
	Dropped      uint64 `json:"dropped"`
	Processed    uint64 `json:"processed"`
	DeadLettered uint64 `json:"deadLettered"`
	Released     uint64 `json:"released"`
	Lanes        int    `json:"lanes"`
}

// Gateway accepts provider push notifications. Each connection has one lane
// drained by one goroutine, so a connection's notifications apply in arrival
// order while different connections proceed in parallel.
type Gateway struct {
	secrets        SecretSource
	dedup          DedupStore
	conns          ConnectionStore
	handler        NotificationHandler
	logger         *slog.Logger
	laneCapacity   int
	maxAttempts    int
	retryDelay     time.Duration
	processTimeout time.Duration
	now            func() time.Time

	mu          sync.Mutex
	lanes       map[string]chan Notification
	deadLetters map[string]NotificationDeadLetter
	stats       GatewayStats

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewGateway(opts GatewayOptions) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	dedup := opts.Dedup
	if dedup == nil {
		dedup = NewMemoryDedupStore(0)
	}
	laneCapacity := opts.LaneCapacity
	if laneCapacity <= 0 {
		laneCapacity = defaultLaneCapacity
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxNotifyAttempts
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultNotifyRetryDelay
	}
	processTimeout := opts.ProcessTimeout
	if processTimeout <= 0 {
		processTimeout = defaultNotifyProcessLimit
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		secrets:        opts.Secrets,
		dedup:          dedup,
		conns:          opts.Connections,
		handler:        opts.Handler,
		logger:         logger,
		laneCapacity:   laneCapacity,
		maxAttempts:    maxAttempts,
		retryDelay:     retryDelay,
		processTimeout: processTimeout,
		now:            now,
		lanes:          map[string]chan Notification{},
		deadLetters:    map[string]NotificationDeadLetter{},
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Close stops accepting work and cancels in-flight notifications. Every
// accepted notification that was not applied has its dedup claim released,
// so the provider's redelivery is processed by the next gateway.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		g.cancel()
		g.wg.Wait()

		g.mu.Lock()
		var pending []Notification
		for _, lane := range g.lanes {
			for drained := false; !drained; {
				select {
				case n := <-lane:
					pending = append(pending, n)
				default:
					drained = true
				}
			}
		}
		g.mu.Unlock()
		for _, n := range pending {
			g.release(n)
		}
		if len(pending) > 0 {
			g.logger.Info("queued notifications released on close", "count", len(pending))
		}
	})
}

// release forgets the dedup claim of a notification that was never applied.
func (g *Gateway) release(n Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	key := n.dedupKey()
	if err := g.dedup.Forget(ctx, key); err != nil {
		g.logger.Warn("dedup forget failed", "key", key, "connection", n.ConnectionID, "error", err)
		return
	}
	g.mu.Lock()
	g.stats.Released++
	g.mu.Unlock()
}

// Authenticate compares the presented secret with every valid secret in
// constant time. No configured secret means nothing authenticates.
func (g *Gateway) Authenticate(provider Provider, presented string) error {
	if g.secrets == nil || presented == "" {
		return ErrUnauthorized
	}
	ok := false
	for _, secret := range g.secrets.WebhookSecrets(provider) {
		if secret == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(secret), []byte(presented)) == 1 {
			ok = true
		}
	}
	if !ok {
		return ErrUnauthorized
	}
	return nil
}

// Ingest dedups n and places it on its connection's lane. A full lane
// forgets the dedup claim so the provider's redelivery is accepted later.
func (g *Gateway) Ingest(ctx context.Context, n Notification) (IngestResult, error) {
	n.Provider = normalizeProvider(n.Provider)
	n.ResourceID = strings.TrimSpace(n.ResourceID)
	n.ChangeToken = strings.TrimSpace(n.ChangeToken)
	if n.ChangeToken == "" {
		return IngestResult{}, &ValidationError{Field: "changeToken", Message: "is required"}
	}
	if n.ReceivedAt.IsZero() {
		n.ReceivedAt = g.now()
	}
	if n.ID == "" {
		n.ID = "ntf_" + uuid.NewString()
	}
	if n.ConnectionID == "" {
		if n.ChannelID == "" || g.conns == nil {
			return IngestResult{}, &ValidationError{Field: "connectionId", Message: "is required"}
		}
		conn, err := g.conns.FindByChannel(ctx, n.ChannelID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				g.logger.Debug("notification for unknown channel ignored", "channel", n.ChannelID, "provider", n.Provider)
				return IngestResult{Status: IngestIgnored, CorrelationID: n.CorrelationID}, nil
			}
			return IngestResult{}, err
		}
		n.ConnectionID = conn.ID
	}
	key := n.dedupKey()
	claimed, err := g.dedup.Claim(ctx, key, n.ReceivedAt)
	if err != nil {
		return IngestResult{}, err
	}
	if !claimed {
		g.mu.Lock()
		g.stats.Duplicates++
		g.mu.Unlock()
		g.logger.Debug("duplicate notification dropped", "provider", n.Provider, "resource", n.ResourceID, "token", n.ChangeToken)
		return IngestResult{Status: IngestDuplicate, CorrelationID: n.CorrelationID}, nil
	}
	if err := g.enqueue(n); err != nil {
		if ferr := g.dedup.Forget(context.WithoutCancel(ctx), key); ferr != nil {
			g.logger.Warn("dedup forget failed", "key", key, "error", ferr)
		}
		return IngestResult{}, err
	}
	return IngestResult{Status: IngestQueued, ID: n.ID, CorrelationID: n.CorrelationID}, nil
}

func (g *Gateway) enqueue(n Notification) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ctx.Err() != nil {
		return ErrClosed
	}
	lane, ok := g.lanes[n.ConnectionID]
	if !ok {
		lane = make(chan Notification, g.laneCapacity)
		g.lanes[n.ConnectionID] = lane
		g.stats.Lanes = len(g.lanes)
		g.wg.Add(1)
		go g.drain(n.ConnectionID, lane)
	}
	select {
	case lane <- n:
		g.stats.Accepted++
		return nil
	default:
		g.stats.Dropped++
		return ErrQueueFull
	}
}

func (g *Gateway) drain(connectionID string, lane chan Notification) {
	defer g.wg.Done()
	for {
		select {
		case <-g.ctx.Done():
			return
		case n := <-lane:
			g.process(n)
		}
	}
}

// process retries inside the lane, so later notifications for the same
// connection wait behind a failing one.
func (g *Gateway) process(n Notification) {
	var lastErr error
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(g.ctx, g.processTimeout)
		lastErr = g.handler.HandleNotification(ctx, n)
		cancel()
		if lastErr == nil {
			g.mu.Lock()
			g.stats.Processed++
			g.mu.Unlock()
			return
		}
		if g.ctx.Err() != nil {
			g.release(n)
			return
		}
		if errors.Is(lastErr, ErrValidation) || errors.Is(lastErr, ErrNotFound) {
			break
		}
		g.logger.Warn("notification retry scheduled", "id", n.ID, "connection", n.ConnectionID, "attempt", attempt, "error", lastErr)
		if attempt < g.maxAttempts {
			if err := sleepContext(g.ctx, g.retryDelay); err != nil {
				g.release(n)
				return
			}
		}
	}
	g.mu.Lock()
	g.deadLetters[n.ID] = NotificationDeadLetter{
		Notification: n,
		Attempts:     g.maxAttempts,
		LastError:    lastErr.Error(),
		FailedAt:     g.now(),
	}
	g.stats.DeadLettered++
	g.mu.Unlock()
	g.logger.Error("notification dead-lettered", "id", n.ID, "connection", n.ConnectionID, "resource", n.ResourceID, "correlation_id", n.CorrelationID, "error", lastErr)
}

func (g *Gateway) DeadLetters() []NotificationDeadLetter {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]NotificationDeadLetter, 0, len(g.deadLetters))
	for _, dl := range g.deadLetters {
		out = append(out, dl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.Before(out[j].FailedAt) })
	return out
}

// ReplayDeadLetter puts a dead-lettered notification back on its lane.
func (g *Gateway) ReplayDeadLetter(id string) (IngestResult, error) {
	g.mu.Lock()
	dl, ok := g.deadLetters[id]
	if ok {
		delete(g.deadLetters, id)
	}
	g.mu.Unlock()
	if !ok {
		return IngestResult{}, ErrNotFound
	}
	if err := g.enqueue(dl.Notification); err != nil {
		g.mu.Lock()
		g.deadLetters[id] = dl
		g.mu.Unlock()
		return IngestResult{}, err
	}
	return IngestResult{Status: IngestQueued, ID: id, CorrelationID: dl.Notification.CorrelationID}, nil
}

func (g *Gateway) AcknowledgeDeadLetter(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.deadLetters[id]; !ok {
		return ErrNotFound
	}
	delete(g.deadLetters, id)
	return nil
}

func (g *Gateway) Stats() GatewayStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

// PruneDedup drops dedup records older than ttl.
func (g *Gateway) PruneDedup(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	n, err := g.dedup.Prune(ctx, g.now().Add(-ttl))
	if err != nil {
		return 0, fmt.Errorf("prune dedup: %w", err)
	}
	return n, nil
}
