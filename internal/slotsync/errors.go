package slotsync

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidInput      = errors.New("invalid input")
	ErrValidation        = errors.New("validation failed")
	ErrDataIntegrity     = errors.New("data integrity violation")
	ErrTransient         = errors.New("transient provider error")
	ErrAuthExpired       = errors.New("provider credentials expired")
	ErrReconnectRequired = errors.New("calendar connection requires reconnection")
	ErrRateLimited       = errors.New("provider rate limited")
	ErrRejected          = errors.New("provider rejected request")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrGateDenied        = errors.New("reservation not permitted")
	ErrQueueFull         = errors.New("queue full")
	ErrJobRunning        = errors.New("job already running")
	ErrNotImplemented    = errors.New("not implemented")
	ErrClosed            = errors.New("closed")
)

type ConflictReason string

const (
	ReasonVersionMismatch ConflictReason = "version_mismatch"
	ReasonOverlap         ConflictReason = "overlap"
	ReasonUnavailable     ConflictReason = "unavailable"
	ReasonTerminal        ConflictReason = "terminal_state"
	ReasonHoldExpired     ConflictReason = "hold_expired"
	ReasonAlreadyBooked   ConflictReason = "already_booked"
)

// ConflictError is returned for every version mismatch or overlap. It carries
// enough context for a caller to retry without discarding what the user typed.
type ConflictError struct {
	Reason          ConflictReason
	SlotID          string
	ExpectedVersion int64
	CurrentVersion  int64
	Overlapping     []string
	Alternatives    []Interval
	Draft           map[string]string
}

func (e *ConflictError) Error() string {
	switch e.Reason {
	case ReasonVersionMismatch:
		return fmt.Sprintf("conflict: slot %s is at version %d, expected %d", e.SlotID, e.CurrentVersion, e.ExpectedVersion)
	case "":
		return "conflict"
	default:
		if e.SlotID != "" {
			return fmt.Sprintf("conflict: %s (slot %s)", e.Reason, e.SlotID)
		}
		return "conflict: " + string(e.Reason)
	}
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type DataIntegrityError struct {
	SlotID string
	Detail string
}

func (e *DataIntegrityError) Error() string {
	if e.SlotID == "" {
		return "data integrity: " + e.Detail
	}
	return fmt.Sprintf("data integrity: %s (slot %s)", e.Detail, e.SlotID)
}

func (e *DataIntegrityError) Is(target error) bool {
	return target == ErrDataIntegrity
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation || target == ErrInvalidInput
}

type ErrorKind string

const (
	KindTransient         ErrorKind = "transient"
	KindAuthExpired       ErrorKind = "auth_expired"
	KindNotFound          ErrorKind = "not_found"
	KindRateLimited       ErrorKind = "rate_limited"
	KindPermanentRejected ErrorKind = "permanent_rejected"
)

// ProviderError is the only error shape adapters may return. Provider SDK
// errors are classified at the adapter boundary and kept only as Err.
type ProviderError struct {
	Kind       ErrorKind
	Provider   Provider
	Op         string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Provider, e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Kind == KindTransient || e.Kind == KindRateLimited
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrAuthExpired:
		return e.Kind == KindAuthExpired
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrRejected:
		return e.Kind == KindPermanentRejected
	}
	return false
}

func (e *ProviderError) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindRateLimited
}

func providerError(provider Provider, op string, kind ErrorKind, err error) *ProviderError {
	return &ProviderError{Kind: kind, Provider: provider, Op: op, Err: err}
}

// KindForStatus maps an HTTP status from any provider API onto the canonical taxonomy.
func KindForStatus(status int) ErrorKind {
	switch {
	case status == 401:
		return KindAuthExpired
	case status == 404 || status == 410:
		return KindNotFound
	case status == 429:
		return KindRateLimited
	case status == 408 || status >= 500:
		return KindTransient
	default:
		return KindPermanentRejected
	}
}

func errorKind(err error) ErrorKind {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return ""
}
