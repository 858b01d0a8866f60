package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/slotsync/internal/slotsync"
	"github.com/google/uuid"
)

const (
	defaultSlotsWindow   = 7 * 24 * time.Hour
	maxSlotsWindow       = 93 * 24 * time.Hour
	streamWriteTimeout   = 10 * time.Second
	streamPingInterval   = 30 * time.Second
	defaultMigrationWait = 30 * time.Minute
)

type ServerConfig struct {
	JWTSecret        string
	RateLimitMax     int
	RateLimitWindow  time.Duration
	MaxBodyBytes     int64
	MigrationTimeout time.Duration
}

// MigrationFunc runs one migration to completion.
type MigrationFunc func(ctx context.Context, req slotsync.MigrationRequest) (slotsync.MigrationReport, error)

// Deps are the engine components behind the API. Gateway, Broker,
// Connections and Migrate are optional; their routes answer 501 without them.
type Deps struct {
	Service     *slotsync.ReservationService
	Gateway     *slotsync.Gateway
	Broker      *slotsync.Broker
	Connections slotsync.ConnectionStore
	Migrate     MigrationFunc
	Logger      *slog.Logger
}

type Server struct {
	deps        Deps
	ledger      *slotsync.SlotLedger
	cfg         ServerConfig
	logger      *slog.Logger
	rateLimiter *rateLimiter
	now         func() time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(deps Deps) *Server {
	return NewServerWithConfig(deps, ServerConfig{})
}

func NewServerWithConfig(deps Deps, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.MigrationTimeout <= 0 {
		cfg.MigrationTimeout = defaultMigrationWait
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var ledger *slotsync.SlotLedger
	if deps.Service != nil {
		ledger = deps.Service.Ledger()
	}
	return &Server{
		deps:        deps,
		ledger:      ledger,
		cfg:         cfg,
		logger:      logger,
		rateLimiter: limiter,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) == 3 && parts[0] == "v1" && parts[1] == "webhooks" && r.Method == http.MethodPost {
		s.handleWebhook(w, r, slotsync.Provider(strings.ToLower(parts[2])))
		return
	}
	if len(parts) < 3 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	// accountID is known from the path for account routes; body routes
	// check the account after decoding.
	var (
		requiredScope string
		accountID     string
		route         string
	)
	switch {
	case len(parts) == 3 && parts[1] == "reservations" && parts[2] == "reserve" && r.Method == http.MethodPost:
		requiredScope, route = scopeReservationsWrite, "reserve"
	case len(parts) == 3 && parts[1] == "reservations" && parts[2] == "cancel" && r.Method == http.MethodPost:
		requiredScope, route = scopeReservationsWrite, "cancel"
	case len(parts) == 3 && parts[1] == "reservations" && parts[2] == "reschedule" && r.Method == http.MethodPost:
		requiredScope, route = scopeReservationsWrite, "reschedule"
	case len(parts) == 3 && parts[1] == "reservations" && parts[2] == "holds" && r.Method == http.MethodPost:
		requiredScope, route = scopeReservationsWrite, "hold"
	case len(parts) == 4 && parts[1] == "reservations" && parts[2] == "holds" && parts[3] == "confirm" && r.Method == http.MethodPost:
		requiredScope, route = scopeReservationsWrite, "confirm_hold"
	case len(parts) == 3 && parts[1] == "series" && parts[2] == "cancel" && r.Method == http.MethodPost:
		requiredScope, route = scopeReservationsWrite, "series_cancel"
	case len(parts) == 4 && parts[1] == "accounts" && parts[3] == "slots" && r.Method == http.MethodGet:
		requiredScope, accountID, route = scopeSlotsRead, parts[2], "slots"
	case len(parts) == 5 && parts[1] == "accounts" && parts[3] == "slots" && parts[4] == "stream" && r.Method == http.MethodGet:
		requiredScope, accountID, route = scopeSlotsRead, parts[2], "slots_stream"
	case len(parts) == 4 && parts[1] == "accounts" && parts[3] == "connections" && r.Method == http.MethodGet:
		requiredScope, accountID, route = scopeSlotsRead, parts[2], "connections"
	case len(parts) == 3 && parts[1] == "admin" && parts[2] == "migrations" && r.Method == http.MethodPost:
		requiredScope, route = scopeAdminMigrate, "migration"
	case len(parts) == 4 && parts[1] == "admin" && parts[2] == "sync" && parts[3] == "dead-letters" && r.Method == http.MethodGet:
		requiredScope, route = scopeSyncRead, "dead_letters"
	case len(parts) == 6 && parts[1] == "admin" && parts[2] == "sync" && parts[3] == "dead-letters" && parts[5] == "replay" && r.Method == http.MethodPost:
		requiredScope, route = scopeSyncTrigger, "dead_letter_replay"
	case len(parts) == 6 && parts[1] == "admin" && parts[2] == "sync" && parts[3] == "dead-letters" && parts[5] == "ack" && r.Method == http.MethodPost:
		requiredScope, route = scopeSyncTrigger, "dead_letter_ack"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" && route == "slots_stream" {
		// Browsers cannot set headers on a websocket handshake.
		if token := r.URL.Query().Get("access_token"); token != "" {
			authHeader = "Bearer " + token
		}
	}
	claims, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, accountID, requiredScope, s.now())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	if strings.HasPrefix(route, "dead_letter") || route == "migration" {
		if claims.AccountID != anyAccount {
			writeError(w, http.StatusForbidden, "forbidden", "admin routes require an all-accounts token", getCorrelationID(r))
			return
		}
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" && route == "slots_stream" {
		correlationID = "ws_" + uuid.NewString()
	}
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		key := claims.AccountID + "|" + claims.Subject
		if !s.rateLimiter.allow(key, s.now()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}
	if s.deps.Service == nil && needsService(route) {
		writeError(w, http.StatusNotImplemented, "not_implemented", "reservation service not configured", correlationID)
		return
	}

	switch route {
	case "reserve":
		s.handleReserve(w, r, claims, correlationID)
	case "cancel":
		s.handleCancel(w, r, claims, correlationID)
	case "reschedule":
		s.handleReschedule(w, r, claims, correlationID)
	case "hold":
		s.handleHold(w, r, claims, correlationID)
	case "confirm_hold":
		s.handleConfirmHold(w, r, claims, correlationID)
	case "series_cancel":
		s.handleSeriesCancel(w, r, claims, correlationID)
	case "slots":
		s.handleSlots(w, r, accountID, correlationID)
	case "slots_stream":
		s.handleSlotsStream(w, r, accountID, correlationID)
	case "connections":
		s.handleConnections(w, r, accountID, correlationID)
	case "migration":
		s.handleMigration(w, r, correlationID)
	case "dead_letters":
		s.handleDeadLetters(w, r, correlationID)
	case "dead_letter_replay":
		s.handleDeadLetterReplay(w, r, parts[4], correlationID)
	case "dead_letter_ack":
		s.handleDeadLetterAck(w, r, parts[4], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func needsService(route string) bool {
	switch route {
	case "connections", "migration", "dead_letters", "dead_letter_replay", "dead_letter_ack":
		return false
	}
	return true
}

// handleWebhook authenticates with the shared secret instead of a bearer
// token. Providers never send a correlation id, so one is generated.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, provider slotsync.Provider) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = "wh_" + uuid.NewString()
		r.Header.Set(slotsync.HeaderCorrelationID, correlationID)
	}
	switch provider {
	case slotsync.ProviderGoogle, slotsync.ProviderOutlook, slotsync.ProviderICloud:
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown provider "+string(provider), correlationID)
		return
	}
	if s.deps.Gateway == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "webhook gateway not configured", correlationID)
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	delivery, err := slotsync.DecodeWebhook(provider, r.Header, r.URL.Query(), body)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	if delivery.ValidationToken != "" {
		// Microsoft Graph subscription handshake: echo the token as text.
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, delivery.ValidationToken)
		return
	}
	if err := s.deps.Gateway.Authenticate(provider, delivery.Secret); err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid webhook secret", correlationID)
		return
	}
	results := make([]slotsync.IngestResult, 0, len(delivery.Notifications))
	for _, n := range delivery.Notifications {
		res, err := s.deps.Gateway.Ingest(r.Context(), n)
		if err != nil {
			s.writeServiceError(w, err, correlationID)
			return
		}
		results = append(results, res)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"results":       results,
		"correlationId": correlationID,
	})
}

type reserveRequest struct {
	slotsync.SlotCandidate
	ExpectedVersion int64 `json:"expectedVersion"`
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	var req reserveRequest
	if !s.decodeValidatedBody(w, r, slotsync.SchemaReserve, correlationID, &req) {
		return
	}
	if !claims.allows(req.AccountID) {
		writeAuthError(w, forbiddenAccount(), correlationID)
		return
	}
	slot, err := s.deps.Service.Reserve(r.Context(), req.SlotCandidate, req.ExpectedVersion)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": slot.Status, "slot": slot})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	var req struct {
		SlotID          string `json:"slotId"`
		ExpectedVersion int64  `json:"expectedVersion"`
	}
	if !s.decodeValidatedBody(w, r, slotsync.SchemaCancel, correlationID, &req) {
		return
	}
	if !s.authorizeSlot(w, r, claims, req.SlotID, correlationID) {
		return
	}
	slot, err := s.deps.Service.Cancel(r.Context(), req.SlotID, req.ExpectedVersion)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": slot.Status, "slot": slot})
}

func (s *Server) handleReschedule(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	var req struct {
		SlotID          string            `json:"slotId"`
		ExpectedVersion int64             `json:"expectedVersion"`
		Start           time.Time         `json:"start"`
		End             time.Time         `json:"end"`
		Timezone        string            `json:"timezone"`
		Confirm         bool              `json:"confirm"`
		Draft           map[string]string `json:"draft"`
	}
	if !s.decodeValidatedBody(w, r, slotsync.SchemaReschedule, correlationID, &req) {
		return
	}
	if !s.authorizeSlot(w, r, claims, req.SlotID, correlationID) {
		return
	}
	result, err := s.deps.Service.Reschedule(r.Context(), req.SlotID, req.ExpectedVersion, slotsync.SlotCandidate{
		Start:    req.Start,
		End:      req.End,
		Timezone: req.Timezone,
		Draft:    req.Draft,
	}, req.Confirm)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   slotsync.StatusRescheduled,
		"previous": result.Previous,
		"slot":     result.Slot,
	})
}

func (s *Server) handleHold(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	var req struct {
		slotsync.SlotCandidate
		TTLSeconds int `json:"ttlSeconds"`
	}
	if !s.decodeValidatedBody(w, r, slotsync.SchemaHold, correlationID, &req) {
		return
	}
	if !claims.allows(req.AccountID) {
		writeAuthError(w, forbiddenAccount(), correlationID)
		return
	}
	slot, err := s.deps.Service.PlaceHold(r.Context(), req.SlotCandidate, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "held", "slot": slot})
}

func (s *Server) handleConfirmHold(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	var req reserveRequest
	if !s.decodeValidatedBody(w, r, slotsync.SchemaReserve, correlationID, &req) {
		return
	}
	if !claims.allows(req.AccountID) {
		writeAuthError(w, forbiddenAccount(), correlationID)
		return
	}
	slot, err := s.deps.Service.ConfirmHold(r.Context(), req.SlotCandidate, req.ExpectedVersion)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": slot.Status, "slot": slot})
}

func (s *Server) handleSeriesCancel(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	var req slotsync.SeriesCancelRequest
	if !s.decodeValidatedBody(w, r, slotsync.SchemaSeriesCancel, correlationID, &req) {
		return
	}
	occurrences, err := s.ledger.ListRecurrence(r.Context(), req.RecurrenceID)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	if len(occurrences) == 0 {
		writeError(w, http.StatusNotFound, "not_found", "unknown recurrence "+req.RecurrenceID, correlationID)
		return
	}
	if !claims.allows(occurrences[0].AccountID) {
		writeAuthError(w, forbiddenAccount(), correlationID)
		return
	}
	cancelled, err := s.deps.Service.CancelSeries(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    slotsync.StatusCancelled,
		"cancelled": len(cancelled),
		"slots":     cancelled,
	})
}

func (s *Server) handleSlots(w http.ResponseWriter, r *http.Request, accountID, correlationID string) {
	window, err := s.parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	slots, err := s.ledger.ListAccount(r.Context(), accountID, window)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	if parseBool(r.URL.Query().Get("blocking"), false) {
		now := s.now()
		filtered := slots[:0]
		for _, slot := range slots {
			if slot.Blocking(now) {
				filtered = append(filtered, slot)
			}
		}
		slots = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account": accountID,
		"from":    window.Start,
		"to":      window.End,
		"slots":   slots,
	})
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request, accountID, correlationID string) {
	if s.deps.Connections == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "connection store not configured", correlationID)
		return
	}
	conns, err := s.deps.Connections.ListAccount(r.Context(), accountID)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": accountID, "connections": conns})
}

func (s *Server) handleMigration(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.deps.Migrate == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "migrations not configured", correlationID)
		return
	}
	var req slotsync.MigrationRequest
	if !s.decodeValidatedBody(w, r, slotsync.SchemaMigration, correlationID, &req) {
		return
	}
	// Migrations outlive the server's default write timeout.
	deadline := s.now().Add(s.cfg.MigrationTimeout)
	if err := http.NewResponseController(w).SetWriteDeadline(deadline); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.logger.Warn("extend write deadline failed", "correlation_id", correlationID, "error", err)
	}
	ctx, cancel := context.WithDeadline(r.Context(), deadline)
	defer cancel()
	s.logger.Info("migration requested", "correlation_id", correlationID, "source", req.Source, "connection", req.ConnectionID, "restart", req.Restart)
	report, err := s.deps.Migrate(ctx, req)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request, correlationID string) {
	resp := map[string]any{
		"notifications": []slotsync.NotificationDeadLetter{},
		"pushes":        []slotsync.PushDeadLetter{},
	}
	if s.deps.Gateway != nil {
		resp["notifications"] = s.deps.Gateway.DeadLetters()
		resp["stats"] = s.deps.Gateway.Stats()
	}
	if s.deps.Service != nil {
		resp["pushes"] = s.deps.Service.DeadLetters()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeadLetterReplay(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	if s.deps.Gateway == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "webhook gateway not configured", correlationID)
		return
	}
	resp, err := s.deps.Gateway.ReplayDeadLetter(id)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	resp.CorrelationID = correlationID
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleDeadLetterAck(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	if s.deps.Gateway == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "webhook gateway not configured", correlationID)
		return
	}
	if err := s.deps.Gateway.AcknowledgeDeadLetter(id); err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "acknowledged", "id": id, "correlationId": correlationID})
}

// authorizeSlot loads the slot a request targets and checks its account.
func (s *Server) authorizeSlot(w http.ResponseWriter, r *http.Request, claims tokenClaims, slotID, correlationID string) bool {
	slot, err := s.ledger.Get(r.Context(), slotID)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return false
	}
	if !claims.allows(slot.AccountID) {
		writeAuthError(w, forbiddenAccount(), correlationID)
		return false
	}
	return true
}

func (s *Server) parseWindow(r *http.Request) (slotsync.Interval, error) {
	q := r.URL.Query()
	start := s.now()
	if raw := strings.TrimSpace(q.Get("from")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return slotsync.Interval{}, errors.New("invalid from: expected RFC3339")
		}
		start = parsed
	}
	end := start.Add(defaultSlotsWindow)
	if raw := strings.TrimSpace(q.Get("to")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return slotsync.Interval{}, errors.New("invalid to: expected RFC3339")
		}
		end = parsed
	}
	window := slotsync.Interval{Start: start.UTC(), End: end.UTC()}
	if !window.Valid() {
		return slotsync.Interval{}, errors.New("to must be after from")
	}
	if window.Duration() > maxSlotsWindow {
		return slotsync.Interval{}, errors.New("window longer than 93 days")
	}
	return window, nil
}

// writeServiceError maps engine errors onto HTTP statuses. Conflicts keep
// the caller's draft and the suggested alternatives in the body.
func (s *Server) writeServiceError(w http.ResponseWriter, err error, correlationID string) {
	var (
		conflict   *slotsync.ConflictError
		validation *slotsync.ValidationError
	)
	switch {
	case errors.As(err, &conflict):
		alternatives := conflict.Alternatives
		if alternatives == nil {
			alternatives = []slotsync.Interval{}
		}
		writeJSON(w, http.StatusConflict, map[string]any{
			"code":            "conflict",
			"status":          "conflict",
			"message":         conflict.Error(),
			"reason":          conflict.Reason,
			"slotId":          conflict.SlotID,
			"expectedVersion": conflict.ExpectedVersion,
			"currentVersion":  conflict.CurrentVersion,
			"overlapping":     conflict.Overlapping,
			"alternatives":    alternatives,
			"draft":           conflict.Draft,
			"correlationId":   correlationID,
		})
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"code":          "validation_failed",
			"message":       validation.Error(),
			"field":         validation.Field,
			"correlationId": correlationID,
		})
	case errors.Is(err, slotsync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, slotsync.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error(), correlationID)
	case errors.Is(err, slotsync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, slotsync.ErrGateDenied):
		writeError(w, http.StatusForbidden, "reservation_denied", err.Error(), correlationID)
	case errors.Is(err, slotsync.ErrJobRunning):
		writeError(w, http.StatusConflict, "job_running", err.Error(), correlationID)
	case errors.Is(err, slotsync.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "queue_full", err.Error(), correlationID)
	case errors.Is(err, slotsync.ErrReconnectRequired):
		writeError(w, http.StatusFailedDependency, "reconnect_required", err.Error(), correlationID)
	case errors.Is(err, slotsync.ErrTransient), errors.Is(err, slotsync.ErrClosed):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), correlationID)
	case errors.Is(err, slotsync.ErrNotImplemented):
		writeError(w, http.StatusNotImplemented, "not_implemented", err.Error(), correlationID)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusGatewayTimeout, "timeout", err.Error(), correlationID)
	default:
		if errors.Is(err, slotsync.ErrDataIntegrity) {
			s.logger.Error("data integrity violation", "correlation_id", correlationID, "error", err)
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get(slotsync.HeaderCorrelationID)
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

// decodeValidatedBody checks the body against a request schema before
// unmarshalling it into dst.
func (s *Server) decodeValidatedBody(w http.ResponseWriter, r *http.Request, schema, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := slotsync.ValidateJSON(schema, body); err != nil {
		s.writeServiceError(w, err, correlationID)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func writeAuthError(w http.ResponseWriter, err *authError, correlationID string) {
	writeError(w, err.status, err.code, err.message, correlationID)
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBool(raw string, fallback bool) bool {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return parsed
}
