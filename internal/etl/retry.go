package etl

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrRetriesExhausted wraps the last error once a retry budget is spent.
var ErrRetriesExhausted = errors.New("retries exhausted")

type ErrorClass int

const (
	ClassPermanent ErrorClass = iota
	ClassTransient
	ClassRateLimited
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRateLimited:
		return "rate_limited"
	default:
		return "permanent"
	}
}

// Classifier decides whether err is worth retrying. The duration is a
// server-suggested minimum wait, zero if none.
type Classifier func(err error) (ErrorClass, time.Duration)

// RetryPolicy bounds retries per error class.
//
//	class         required section     optional section
//	transient     MaxRetries           MaxRetries, then partial results
//	rate limited  MaxRetries           unbounded, honoring Retry-After
//	anything else never retried        never retried
type RetryPolicy struct {
	MaxRetries int
	// RateLimitRetries bounds rate-limited retries; negative means unbounded.
	RateLimitRetries int

	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64

	// Notify is called before every wait.
	Notify func(attempt int, class ErrorClass, err error, wait time.Duration)
}

// DefaultReadPolicy is used for upstream page requests.
func DefaultReadPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries:       maxRetries,
		RateLimitRetries: maxRetries,
		InitialInterval:  500 * time.Millisecond,
		MaxInterval:      30 * time.Second,
		Multiplier:       2,
		Jitter:           0.3,
	}
}

// DefaultWritePolicy is used for sequential per-op writes.
func DefaultWritePolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:       3,
		RateLimitRetries: 3,
		InitialInterval:  200 * time.Millisecond,
		MaxInterval:      5 * time.Second,
		Multiplier:       2,
		Jitter:           0.3,
	}
}

// ForOptional lifts the rate-limit bound.
func (p RetryPolicy) ForOptional() RetryPolicy {
	p.RateLimitRetries = -1
	return p
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	b.RandomizationFactor = p.Jitter
	b.Reset()
	return b
}

// Retry runs op until it succeeds, fails permanently, exhausts its class
// budget or ctx is done.
func Retry[T any](ctx context.Context, p RetryPolicy, classify Classifier, op func(context.Context) (T, error)) (T, error) {
	b := p.backOff()
	var transient, limited int

	for attempt := 1; ; attempt++ {
		res, err := op(ctx)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return res, err
		}

		class, hint := classify(err)
		var wait time.Duration
		switch class {
		case ClassTransient:
			if transient >= p.MaxRetries {
				return res, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
			}
			transient++
			wait = b.NextBackOff()
		case ClassRateLimited:
			if p.RateLimitRetries >= 0 && limited >= p.RateLimitRetries {
				return res, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
			}
			limited++
			wait = b.NextBackOff()
			if hint > wait {
				wait = hint
			}
		default:
			return res, err
		}

		if p.Notify != nil {
			p.Notify(attempt, class, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return res, fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-timer.C:
		}
	}
}

// IsTransientNetworkError recognises connection-level failures that a write
// can safely be retried after.
func IsTransientNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func writeClassifier(isTransient func(error) bool) Classifier {
	return func(err error) (ErrorClass, time.Duration) {
		if isTransient(err) {
			return ClassTransient, 0
		}
		return ClassPermanent, 0
	}
}
