package domain

import (
	"fmt"
	"time"
)

// Provider is one of the two remote LLM backends.
type Provider string

const (
	ProviderPrimary  Provider = "primary"
	ProviderFallback Provider = "fallback"
)

// RateProfile enumerates the per-provider limits every key must respect.
type RateProfile struct {
	PerMinuteCap      int           // requests per key per rolling minute
	PerHourCap        int           // requests per key per rolling hour
	PerKeyConcurrency int           // simultaneous in-flight calls per key
	GlobalConcurrency int           // simultaneous in-flight calls across all keys
	RateLimitCooldown time.Duration // sleep after an explicit rate-limit outcome
	ErrorCooldown     time.Duration // sleep after an error burst
	ErrorBurstLimit   int           // consecutive errors before ErrorCooldown kicks in
}

// DefaultRateProfile mirrors the published limits of most provider tiers.
func DefaultRateProfile() RateProfile {
	return RateProfile{
		PerMinuteCap:      60,
		PerHourCap:        1000,
		PerKeyConcurrency: 2,
		GlobalConcurrency: 4,
		RateLimitCooldown: 60 * time.Second,
		ErrorCooldown:     120 * time.Second,
		ErrorBurstLimit:   3,
	}
}

// Outcome classifies how a leased provider call ended. The pool uses it
// to update key health; the dispatcher uses it to pick the next move.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeRateLimited
	OutcomeTransient
	OutcomeAuth
	OutcomeInvalidResponse
)

// String returns the metric/log label for an outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeTransient:
		return "transient"
	case OutcomeAuth:
		return "auth"
	case OutcomeInvalidResponse:
		return "invalid_response"
	default:
		return "unknown"
	}
}

// ErrorKind classifies a provider adapter failure.
type ErrorKind int

const (
	KindRateLimited ErrorKind = iota
	KindTransient
	KindAuth
	KindInvalidResponse
	KindTimeout
)

// String returns the wire/log label for an error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindInvalidResponse:
		return "invalid_response"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ProviderError is returned by provider adapters when a call fails.
// RetryAfter carries the server's Retry-After hint when present.
type ProviderError struct {
	Kind       ErrorKind
	RetryAfter time.Duration
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("provider error: %s", e.Kind)
	}
	return fmt.Sprintf("provider error (%s): %s", e.Kind, e.Message)
}
