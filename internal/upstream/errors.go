package upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies an upstream failure for the retry and recovery policies.
type Kind int

const (
	KindFatal Kind = iota
	KindTransient
	KindRateLimited
	// KindCapability means the upstream schema lacks a field, filter or
	// collection that was queried.
	KindCapability
	// KindPaginationLimit means the upstream refuses to page any deeper.
	KindPaginationLimit
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindCapability:
		return "capability_missing"
	case KindPaginationLimit:
		return "pagination_limit"
	default:
		return "fatal"
	}
}

type Error struct {
	Kind       Kind
	StatusCode int
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("upstream ")
	b.WriteString(e.Kind.String())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the classification of err. Unknown errors are fatal.
func KindOf(err error) Kind {
	if err == nil {
		return KindFatal
	}
	if errors.Is(err, context.Canceled) {
		return KindFatal
	}
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return KindFatal
}

// RetryAfterOf returns the server-suggested delay, if any.
func RetryAfterOf(err error) time.Duration {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.RetryAfter
	}
	return 0
}

var (
	capabilityMarkers = []string{
		"has no field",
		"cannot query field",
		"unknown argument",
		"unknown field",
		"unknown type",
		"is not defined by type",
	}
	paginationMarkers = []string{
		"skip",
		"too deep",
		"pagination limit",
	}
	rateLimitMarkers = []string{
		"rate limit",
		"too many requests",
	}
	transientMarkers = []string{
		"timeout",
		"timed out",
		"overloaded",
		"bad indexers",
		"temporarily unavailable",
		"service unavailable",
	}
)

// ClassifyMessage maps a GraphQL error message to a Kind.
func ClassifyMessage(msg string) Kind {
	m := strings.ToLower(msg)
	switch {
	case containsAny(m, capabilityMarkers):
		return KindCapability
	case containsAny(m, rateLimitMarkers):
		return KindRateLimited
	case containsAny(m, paginationMarkers):
		return KindPaginationLimit
	case containsAny(m, transientMarkers):
		return KindTransient
	default:
		return KindFatal
	}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
