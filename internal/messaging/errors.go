package messaging

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/imadgeboyega/kiekky-realtime/internal/rateguard"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrRateLimited        = errors.New("rate limited")
	ErrNetwork            = errors.New("remote write failed")
	ErrPartialAttachments = errors.New("attachments failed to upload")
	ErrNotFound           = errors.New("message not found")
	ErrNotConfirmed       = errors.New("message is not confirmed")
	ErrScopeClosed        = errors.New("conversation closed")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// RateLimitError carries the guard verdict that rejected a send.
type RateLimitError struct {
	Reason            rateguard.Reason
	CooldownRemaining time.Duration
}

func (e *RateLimitError) Error() string {
	if e.CooldownRemaining > 0 {
		return fmt.Sprintf("rate limited (%s), retry in %s", e.Reason, e.CooldownRemaining.Round(time.Second))
	}
	return fmt.Sprintf("rate limited (%s)", e.Reason)
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

func (e *NetworkError) Unwrap() error { return e.Err }

type AttachmentError struct {
	Failures []AttachmentFailure
}

func (e *AttachmentError) Error() string {
	names := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		names[i] = f.Name
	}
	return fmt.Sprintf("%d attachment(s) failed to upload: %s", len(e.Failures), strings.Join(names, ", "))
}

func (e *AttachmentError) Is(target error) bool { return target == ErrPartialAttachments }

// verdictError maps a rejected guard verdict to the error a caller sees.
// Content bounds are validation problems, the rest are throttling.
func verdictError(v rateguard.Verdict) error {
	switch v.Reason {
	case rateguard.ReasonEmpty:
		return &ValidationError{Field: "content", Reason: "message is empty"}
	case rateguard.ReasonTooLong:
		return &ValidationError{Field: "content", Reason: "message is too long"}
	}
	return &RateLimitError{Reason: v.Reason, CooldownRemaining: v.CooldownRemaining}
}
