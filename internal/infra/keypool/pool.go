// Package keypool manages provider credentials: per-key health, rolling
// rate windows, cooldowns, and concurrency caps. The pool never blocks
// and never performs I/O; callers that find the pool unavailable decide
// for themselves when and where to wait.
package keypool

import (
	"fmt"
	"sync"
	"time"

	"github.com/solvepad/solvepad/internal/domain"
	"github.com/solvepad/solvepad/internal/infra/metrics"
)

// concurrencyRetryHint is the advisory wait returned when acquisition is
// blocked only by in-flight concurrency, which has no time bound of its own.
const concurrencyRetryHint = 50 * time.Millisecond

// ─── Lease ──────────────────────────────────────────────────────────────────

// Lease is a time-bounded right to make exactly one provider call with a
// specific key. Every lease must be released with an outcome (use defer
// where the call cannot panic between acquire and release).
type Lease struct {
	Provider   domain.Provider
	KeyID      int
	Credential string
	AcquiredAt time.Time

	released bool
}

// UnavailableError reports that no key currently satisfies the acquire
// predicate. NextPossible is the earliest instant at which it may.
type UnavailableError struct {
	Provider     domain.Provider
	NextPossible time.Time
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("keypool: no %s key available until %s", e.Provider, e.NextPossible.Format(time.RFC3339))
}

// Is makes errors.Is(err, domain.ErrPoolExhausted) work.
func (e *UnavailableError) Is(target error) bool { return target == domain.ErrPoolExhausted }

// ─── Key State ──────────────────────────────────────────────────────────────

type window struct {
	start time.Time
	count int
}

// roll lazily resets the window when its length has elapsed. A backward
// clock jump leaves the window untouched (now.Sub(start) goes negative).
func (w *window) roll(now time.Time, length time.Duration) {
	if now.Sub(w.start) >= length {
		w.start = now
		w.count = 0
	}
}

type keyState struct {
	id         int
	credential string

	requestsTotal     int64
	failuresTotal     int64
	lastUsed          time.Time
	consecutiveErrors int
	lastErrorKind     string

	minute window
	hour   window

	cooldownUntil time.Time
	disabled      bool // AuthError: out of rotation until operator re-enable
	inFlight      int
}

type providerState struct {
	profile  domain.RateProfile
	keys     []*keyState
	inFlight int // sum over keys, bounded by profile.GlobalConcurrency
}

// ─── Pool ───────────────────────────────────────────────────────────────────

// Pool is the key pool manager. A single mutex guards all mutable state;
// critical sections hold only counter updates and key selection.
type Pool struct {
	mu        sync.Mutex
	providers map[domain.Provider]*providerState
	now       func() time.Time
}

// New creates an empty pool. Pass nil for the wall clock in production.
func New(now func() time.Time) *Pool {
	if now == nil {
		now = time.Now
	}
	return &Pool{
		providers: make(map[domain.Provider]*providerState),
		now:       now,
	}
}

// AddProvider registers a provider with its rate profile and credentials.
func (p *Pool) AddProvider(prov domain.Provider, profile domain.RateProfile, credentials []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ps := &providerState{profile: profile}
	for i, cred := range credentials {
		ps.keys = append(ps.keys, &keyState{id: i, credential: cred})
	}
	p.providers[prov] = ps
}

// Acquire atomically selects the best available key for a provider call.
// Preference: smallest minute-window count, then oldest last_used.
// Returns *UnavailableError when no key qualifies.
func (p *Pool) Acquire(prov domain.Provider) (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ps, ok := p.providers[prov]
	if !ok {
		return nil, fmt.Errorf("keypool: unknown provider %q", prov)
	}

	now := p.now()

	if ps.inFlight >= ps.profile.GlobalConcurrency {
		return nil, &UnavailableError{Provider: prov, NextPossible: now.Add(concurrencyRetryHint)}
	}

	var best *keyState
	for _, k := range ps.keys {
		if !p.eligibleLocked(ps, k, now) {
			continue
		}
		if best == nil ||
			k.minute.count < best.minute.count ||
			(k.minute.count == best.minute.count && k.lastUsed.Before(best.lastUsed)) {
			best = k
		}
	}

	if best == nil {
		return nil, &UnavailableError{Provider: prov, NextPossible: p.nextPossibleLocked(ps, now)}
	}

	best.inFlight++
	best.minute.count++
	best.hour.count++
	best.requestsTotal++
	best.lastUsed = now
	ps.inFlight++

	metrics.PoolLeases.WithLabelValues(string(prov)).Inc()

	return &Lease{
		Provider:   prov,
		KeyID:      best.id,
		Credential: best.credential,
		AcquiredAt: now,
	}, nil
}

// eligibleLocked evaluates the acquire predicate for one key, rolling its
// windows first.
func (p *Pool) eligibleLocked(ps *providerState, k *keyState, now time.Time) bool {
	if k.disabled {
		return false
	}
	if now.Before(k.cooldownUntil) {
		return false
	}
	if k.inFlight >= ps.profile.PerKeyConcurrency {
		return false
	}
	k.minute.roll(now, time.Minute)
	k.hour.roll(now, time.Hour)
	if k.minute.count >= ps.profile.PerMinuteCap {
		return false
	}
	if k.hour.count >= ps.profile.PerHourCap {
		return false
	}
	return true
}

// nextPossibleLocked computes the earliest instant the acquire predicate
// may become true: the soonest cooldown expiry or window rollover across
// non-disabled keys. Concurrency-only blockage has no time bound, so it
// contributes a short retry hint.
func (p *Pool) nextPossibleLocked(ps *providerState, now time.Time) time.Time {
	var next time.Time
	consider := func(t time.Time) {
		if t.After(now) && (next.IsZero() || t.Before(next)) {
			next = t
		}
	}

	for _, k := range ps.keys {
		if k.disabled {
			continue
		}
		if now.Before(k.cooldownUntil) {
			consider(k.cooldownUntil)
			continue
		}
		if k.inFlight >= ps.profile.PerKeyConcurrency {
			consider(now.Add(concurrencyRetryHint))
			continue
		}
		if k.minute.count >= ps.profile.PerMinuteCap {
			consider(k.minute.start.Add(time.Minute))
		}
		if k.hour.count >= ps.profile.PerHourCap {
			consider(k.hour.start.Add(time.Hour))
		}
	}

	if next.IsZero() {
		// Every key disabled: nothing frees up without operator action.
		next = now.Add(24 * time.Hour)
	}
	return next
}

// Release returns a lease to the pool with the call's outcome. Every
// successful Acquire must be paired with exactly one Release.
func (p *Pool) Release(l *Lease, outcome domain.Outcome, retryAfter time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if l.released {
		return domain.ErrLeaseReleased
	}
	l.released = true

	ps, ok := p.providers[l.Provider]
	if !ok || l.KeyID >= len(ps.keys) {
		return fmt.Errorf("keypool: release for unknown lease %s/%d", l.Provider, l.KeyID)
	}
	k := ps.keys[l.KeyID]

	now := p.now()
	k.inFlight--
	ps.inFlight--

	switch outcome {
	case domain.OutcomeOK:
		k.consecutiveErrors = 0

	case domain.OutcomeRateLimited:
		cooldown := ps.profile.RateLimitCooldown
		if retryAfter > cooldown {
			cooldown = retryAfter
		}
		k.cooldownUntil = now.Add(cooldown)
		k.failuresTotal++
		k.consecutiveErrors++
		k.lastErrorKind = outcome.String()

	case domain.OutcomeTransient:
		k.failuresTotal++
		k.consecutiveErrors++
		k.lastErrorKind = outcome.String()
		if k.consecutiveErrors >= ps.profile.ErrorBurstLimit {
			k.cooldownUntil = now.Add(ps.profile.ErrorCooldown)
		}

	case domain.OutcomeAuth:
		k.disabled = true
		k.failuresTotal++
		k.consecutiveErrors++
		k.lastErrorKind = outcome.String()

	case domain.OutcomeInvalidResponse:
		// The provider did no useful work: refund the window counters so
		// a misbehaving backend cannot burn quota.
		if k.minute.count > 0 && !l.AcquiredAt.Before(k.minute.start) {
			k.minute.count--
		}
		if k.hour.count > 0 && !l.AcquiredAt.Before(k.hour.start) {
			k.hour.count--
		}
		k.failuresTotal++
		k.consecutiveErrors++
		k.lastErrorKind = outcome.String()
		if k.consecutiveErrors >= ps.profile.ErrorBurstLimit {
			k.cooldownUntil = now.Add(ps.profile.ErrorCooldown)
		}
	}

	metrics.LeaseOutcomes.WithLabelValues(string(l.Provider), outcome.String()).Inc()
	return nil
}

// HasCapacity reports whether an Acquire would succeed right now. Used by
// the dispatcher while it waits on the other provider.
func (p *Pool) HasCapacity(prov domain.Provider) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	ps, ok := p.providers[prov]
	if !ok {
		return false
	}
	now := p.now()
	if ps.inFlight >= ps.profile.GlobalConcurrency {
		return false
	}
	for _, k := range ps.keys {
		if p.eligibleLocked(ps, k, now) {
			return true
		}
	}
	return false
}

// EnableKey puts an operator-disabled key back into rotation.
func (p *Pool) EnableKey(prov domain.Provider, keyID int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ps, ok := p.providers[prov]
	if !ok || keyID < 0 || keyID >= len(ps.keys) {
		return fmt.Errorf("keypool: unknown key %s/%d", prov, keyID)
	}
	k := ps.keys[keyID]
	k.disabled = false
	k.consecutiveErrors = 0
	k.cooldownUntil = time.Time{}
	return nil
}

// ─── Snapshot ───────────────────────────────────────────────────────────────

// KeyStats is the read-only view of one key for admin introspection.
type KeyStats struct {
	ID                int       `json:"id"`
	RequestsTotal     int64     `json:"requests_total"`
	FailuresTotal     int64     `json:"failures_total"`
	LastUsed          time.Time `json:"last_used,omitempty"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastErrorKind     string    `json:"last_error_kind,omitempty"`
	MinuteCount       int       `json:"requests_this_minute"`
	HourCount         int       `json:"requests_this_hour"`
	CooldownUntil     time.Time `json:"cooldown_until,omitempty"`
	Disabled          bool      `json:"disabled"`
	InFlight          int       `json:"in_flight"`
}

// ProviderSnapshot aggregates the state of one provider's pool.
type ProviderSnapshot struct {
	Keys         []KeyStats `json:"keys"`
	InFlight     int        `json:"in_flight"`
	AvailableNow int        `json:"available_now"`
	NextPossible *time.Time `json:"next_possible,omitempty"` // nil when a key is available
}

// Snapshot returns the current pool state for all providers.
func (p *Pool) Snapshot() map[domain.Provider]ProviderSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	out := make(map[domain.Provider]ProviderSnapshot, len(p.providers))
	for prov, ps := range p.providers {
		snap := ProviderSnapshot{InFlight: ps.inFlight}
		for _, k := range ps.keys {
			if p.eligibleLocked(ps, k, now) && ps.inFlight < ps.profile.GlobalConcurrency {
				snap.AvailableNow++
			}
			snap.Keys = append(snap.Keys, KeyStats{
				ID:                k.id,
				RequestsTotal:     k.requestsTotal,
				FailuresTotal:     k.failuresTotal,
				LastUsed:          k.lastUsed,
				ConsecutiveErrors: k.consecutiveErrors,
				LastErrorKind:     k.lastErrorKind,
				MinuteCount:       k.minute.count,
				HourCount:         k.hour.count,
				CooldownUntil:     k.cooldownUntil,
				Disabled:          k.disabled,
				InFlight:          k.inFlight,
			})
		}
		if snap.AvailableNow == 0 {
			next := p.nextPossibleLocked(ps, now)
			snap.NextPossible = &next
		}
		metrics.PoolAvailable.WithLabelValues(string(prov)).Set(float64(snap.AvailableNow))
		out[prov] = snap
	}
	return out
}
