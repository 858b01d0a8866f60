package slotsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultRenewalMargin   = time.Hour
	DefaultChannelTTL      = 7 * 24 * time.Hour
	defaultRenewalTimeout  = 30 * time.Second
	defaultRenewalSchedule = "@every 1m"
	defaultPollSchedule    = "@every 5m"
	defaultSweepSchedule   = "@every 30s"
	defaultPruneSchedule   = "@hourly"
)

type SchedulerOptions struct {
	Ledger      *SlotLedger
	Caller      *Caller
	Connections ConnectionStore
	Gateway     *Gateway
	Logger      *slog.Logger
	CallbackURL func(conn CalendarConnection) string
	ChannelTTL  time.Duration
	// RenewalMargin is how long before expiry a channel is re-registered.
	RenewalMargin   time.Duration
	RenewalTimeout  time.Duration
	RenewalSchedule string
	PollSchedule    string
	SweepSchedule   string
	PruneSchedule   string
	DedupTTL        time.Duration
	Now             func() time.Time
}

// Scheduler owns the periodic jobs: webhook channel renewal, polling for
// connections without a live channel, hold expiry and dedup pruning.
type Scheduler struct {
	ledger         *SlotLedger
	caller         *Caller
	conns          ConnectionStore
	gateway        *Gateway
	logger         *slog.Logger
	callbackURL    func(conn CalendarConnection) string
	channelTTL     time.Duration
	renewalMargin  time.Duration
	renewalTimeout time.Duration
	dedupTTL       time.Duration
	now            func() time.Time

	cron     *cron.Cron
	ctx      context.Context
	cancel   context.CancelFunc
	retrying sync.Map
}

func NewScheduler(opts SchedulerOptions) (*Scheduler, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	s := &Scheduler{
		ledger:         opts.Ledger,
		caller:         opts.Caller,
		conns:          opts.Connections,
		gateway:        opts.Gateway,
		logger:         logger,
		callbackURL:    opts.CallbackURL,
		channelTTL:     durationOr(opts.ChannelTTL, DefaultChannelTTL),
		renewalMargin:  durationOr(opts.RenewalMargin, DefaultRenewalMargin),
		renewalTimeout: durationOr(opts.RenewalTimeout, defaultRenewalTimeout),
		dedupTTL:       durationOr(opts.DedupTTL, DefaultDedupTTL),
		now:            now,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)))
	jobs := []struct {
		name string
		spec string
		fn   func()
	}{
		{"renew_channels", stringOr(opts.RenewalSchedule, defaultRenewalSchedule), func() { s.RenewChannels(s.ctx) }},
		{"poll", stringOr(opts.PollSchedule, defaultPollSchedule), func() { s.Poll(s.ctx) }},
		{"sweep_holds", stringOr(opts.SweepSchedule, defaultSweepSchedule), func() { s.SweepHolds(s.ctx) }},
		{"prune_dedup", stringOr(opts.PruneSchedule, defaultPruneSchedule), func() { s.PruneDedup(s.ctx) }},
	}
	for _, job := range jobs {
		if _, err := s.cron.AddFunc(job.spec, job.fn); err != nil {
			s.cancel()
			return nil, fmt.Errorf("schedule %s %q: %w", job.name, job.spec, err)
		}
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// RenewChannels re-registers every channel that expires within the margin
// and every connection that has none yet.
func (s *Scheduler) RenewChannels(ctx context.Context) {
	if s.caller == nil || s.conns == nil {
		return
	}
	conns, err := s.conns.List(ctx)
	if err != nil {
		s.logger.Error("list connections failed", "error", err)
		return
	}
	deadline := s.now().Add(s.renewalMargin)
	for _, conn := range conns {
		if !conn.Active || conn.ReconnectRequired {
			continue
		}
		if conn.Channel.ID != "" && conn.Channel.ExpiresAt.After(deadline) {
			continue
		}
		if err := s.RenewChannel(ctx, conn); err != nil && ctx.Err() == nil {
			s.retryRenewal(conn)
		}
	}
}

// RenewChannel registers a fresh channel for conn. Any failure switches the
// connection to polling until a later renewal succeeds.
func (s *Scheduler) RenewChannel(ctx context.Context, conn CalendarConnection) error {
	callback := ""
	if s.callbackURL != nil {
		callback = s.callbackURL(conn)
	}
	renewCtx, cancel := context.WithTimeout(ctx, s.renewalTimeout)
	defer cancel()
	ch, err := s.caller.RegisterWebhookChannel(renewCtx, conn, callback, s.channelTTL)
	if err != nil {
		if !conn.Polling {
			if perr := s.conns.SetPolling(ctx, conn.ID, true); perr != nil {
				s.logger.Error("enable polling failed", "connection", conn.ID, "error", perr)
			}
		}
		if errors.Is(err, ErrRejected) {
			s.logger.Info("provider has no push channel, polling", "connection", conn.ID, "provider", conn.Provider)
			return nil
		}
		s.logger.Warn("channel renewal failed, polling", "connection", conn.ID, "provider", conn.Provider, "error", err)
		return err
	}
	if err := s.conns.UpdateChannel(ctx, conn.ID, ch); err != nil {
		return err
	}
	s.logger.Info("channel renewed", "connection", conn.ID, "provider", conn.Provider, "expires", ch.ExpiresAt)
	return nil
}

// retryRenewal makes one immediate out-of-band attempt; the next cron tick
// covers anything that still fails.
func (s *Scheduler) retryRenewal(conn CalendarConnection) {
	if _, busy := s.retrying.LoadOrStore(conn.ID, struct{}{}); busy {
		return
	}
	go func() {
		defer s.retrying.Delete(conn.ID)
		current, err := s.conns.Get(s.ctx, conn.ID)
		if err != nil {
			return
		}
		_ = s.RenewChannel(s.ctx, current)
	}()
}

// Poll submits a calendar-wide resync for every polling connection. The
// change token is the tick time, so each tick is a distinct notification.
func (s *Scheduler) Poll(ctx context.Context) {
	if s.gateway == nil || s.conns == nil {
		return
	}
	conns, err := s.conns.List(ctx)
	if err != nil {
		s.logger.Error("list connections failed", "error", err)
		return
	}
	tick := strconv.FormatInt(s.now().Unix(), 10)
	for _, conn := range conns {
		if !conn.Active || !conn.Polling || conn.ReconnectRequired {
			continue
		}
		_, err := s.gateway.Ingest(ctx, Notification{
			Provider:      conn.Provider,
			ConnectionID:  conn.ID,
			ChangeToken:   "poll:" + conn.ID + ":" + tick,
			ResourceState: "poll",
		})
		if err != nil {
			s.logger.Warn("poll tick not queued", "connection", conn.ID, "error", err)
		}
	}
}

func (s *Scheduler) SweepHolds(ctx context.Context) {
	if s.ledger == nil {
		return
	}
	if _, err := s.ledger.ReleaseExpiredHolds(ctx); err != nil {
		s.logger.Error("hold sweep failed", "error", err)
	}
}

func (s *Scheduler) PruneDedup(ctx context.Context) {
	if s.gateway == nil {
		return
	}
	n, err := s.gateway.PruneDedup(ctx, s.dedupTTL)
	if err != nil {
		s.logger.Error("dedup prune failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Debug("dedup records pruned", "count", n)
	}
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return v
}

func stringOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
