package core

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrInsufficientBalance indicates the exchange refused the action for balance or allowance reasons.
	// Settlement lag makes this transient right after a fill.
	ErrInsufficientBalance = errors.New("insufficient balance or allowance")
	// ErrOrderNotFound indicates the order does not exist or is no longer cancellable.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderRejected indicates the order was rejected by exchange.
	ErrOrderRejected = errors.New("order rejected")
	// ErrUnauthorized indicates the exchange refused the credentials.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRateLimited indicates the exchange throttled the request.
	ErrRateLimited = errors.New("rate limited")
	// ErrExchangeUnavailable indicates a 5xx or an unreachable exchange.
	ErrExchangeUnavailable = errors.New("exchange unavailable")
	// ErrNoFill indicates an order was accepted but nothing executed within the poll window.
	ErrNoFill = errors.New("order not filled")
	// ErrInvalidPrice indicates a price outside (0, 1) or off the tick grid.
	ErrInvalidPrice = errors.New("invalid price")
	// ErrBelowMinSize indicates the order size is below the token's minimum.
	ErrBelowMinSize = errors.New("size below minimum")
)

type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindValidation
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error carries the kind that decides retry policy.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

func Validation(op string, err error) error {
	return &Error{Kind: KindValidation, Op: op, Err: err}
}

func Fatal(op string, err error) error {
	return &Error{Kind: KindFatal, Op: op, Err: err}
}

func Validationf(op string, base error, format string, args ...any) error {
	return Validation(op, fmt.Errorf("%w: %s", base, fmt.Sprintf(format, args...)))
}

// KindOf classifies err. An explicit *Error wins; otherwise known sentinels and
// network failures are mapped.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var kerr *Error
	if errors.As(err, &kerr) && kerr.Kind != KindUnknown {
		return kerr.Kind
	}
	switch {
	case errors.Is(err, ErrUnauthorized):
		return KindFatal
	case errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrExchangeUnavailable),
		errors.Is(err, ErrNoFill),
		errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	case errors.Is(err, ErrOrderRejected),
		errors.Is(err, ErrInvalidPrice),
		errors.Is(err, ErrBelowMinSize):
		return KindValidation
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindUnknown
}

func IsTransient(err error) bool { return KindOf(err) == KindTransient }

func IsFatal(err error) bool { return KindOf(err) == KindFatal }
