// Package ratelimit provides per-subject, per-scope sliding-window admission
// control. Correctness across instances is delegated entirely to the
// coordination store's atomic window reservation; no in-process lock can make
// two instances agree.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tinywideclouds/go-fanout-service/internal/store"
	"github.com/tinywideclouds/go-fanout-service/pkg/fanout"
)

// DefaultScope is the fallback throttle applied to scopes without their own
// configuration. A scope table must always define it.
const DefaultScope = "default"

// localLimiterCap bounds the fail-open limiter table. When an outage has
// accumulated this many subject limiters the table is rebuilt from scratch,
// briefly refilling budgets rather than growing without bound.
const localLimiterCap = 4096

// FailurePolicy selects the admission behaviour when the store itself fails.
type FailurePolicy string

const (
	// FailOpen admits on store failure, but through a local per-scope
	// limiter so an outage never removes admission control entirely.
	FailOpen FailurePolicy = "fail_open"
	// FailClosed rejects on store failure with the full window as the
	// retry delay.
	FailClosed FailurePolicy = "fail_closed"
)

// Valid reports whether p is a recognised policy.
func (p FailurePolicy) Valid() bool { return p == FailOpen || p == FailClosed }

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Current    int
}

// Gate performs sliding-window admission checks against the shared store.
type Gate struct {
	store  store.Store
	policy FailurePolicy
	logger zerolog.Logger
	clock  func() time.Time

	mu     sync.RWMutex
	scopes map[string]fanout.Throttle
	local  map[string]*rate.Limiter
}

// NewGate creates a rate gate over the given scope table, which must include
// the default scope.
func NewGate(st store.Store, scopes map[string]fanout.Throttle, policy FailurePolicy, logger zerolog.Logger) (*Gate, error) {
	def, ok := scopes[DefaultScope]
	if !ok || def.MaxUnits <= 0 || def.PerSeconds <= 0 {
		return nil, fmt.Errorf("throttle scope table needs a positive %q budget", DefaultScope)
	}
	if !policy.Valid() {
		return nil, fmt.Errorf("unknown rate failure policy %q", policy)
	}
	g := &Gate{
		store:  st,
		policy: policy,
		logger: logger.With().Str("component", "RateGate").Logger(),
		clock:  time.Now,
	}
	g.UpdateScopes(scopes)
	return g, nil
}

// UpdateScopes atomically replaces the throttle table, e.g. from a config
// reload. Local fallback limiters are discarded: their rates may no longer
// match the new budgets.
func (g *Gate) UpdateScopes(scopes map[string]fanout.Throttle) {
	table := make(map[string]fanout.Throttle, len(scopes))
	for scope, throttle := range scopes {
		if throttle.MaxUnits <= 0 || throttle.PerSeconds <= 0 {
			g.logger.Warn().Str("scope", scope).Msg("Ignoring throttle scope with non-positive budget.")
			continue
		}
		table[scope] = throttle
	}

	g.mu.Lock()
	g.scopes = table
	g.local = make(map[string]*rate.Limiter)
	g.mu.Unlock()
}

// Throttle returns the configuration applied to scope.
func (g *Gate) Throttle(scope string) fanout.Throttle {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if throttle, ok := g.scopes[scope]; ok {
		return throttle
	}
	return g.scopes[DefaultScope]
}

// Allow reports whether one unit of throughput is admitted for subject inside
// scope's sliding window. ErrScriptUnsupported from the store is returned
// as-is: without atomicity the decision is not trustworthy and must not be
// papered over by the failure policy.
func (g *Gate) Allow(ctx context.Context, subject, scope string) (Decision, error) {
	throttle := g.Throttle(scope)
	windowMs := int64(throttle.PerSeconds) * 1000
	key := fmt.Sprintf("throttle:%s:%s", scope, subject)

	res, err := g.store.ReserveSlot(ctx, key, g.clock().UnixMilli(), windowMs, throttle.MaxUnits)
	if err != nil {
		if errors.Is(err, store.ErrScriptUnsupported) {
			return Decision{}, err
		}
		return g.decideOnFailure(subject, scope, throttle, err), nil
	}

	return Decision{
		Allowed:    res.Allowed,
		RetryAfter: time.Duration(res.RetryAfterMs) * time.Millisecond,
		Current:    res.Current,
	}, nil
}

// decideOnFailure applies the configured policy when the store is
// unreachable. Fail-open still consults a process-local limiter sized from
// the same scope configuration, kept per subject so one noisy subject cannot
// drain the whole scope budget during an outage.
func (g *Gate) decideOnFailure(subject, scope string, throttle fanout.Throttle, cause error) Decision {
	windowMs := int64(throttle.PerSeconds) * 1000
	if g.policy == FailClosed {
		g.logger.Warn().Err(cause).Str("scope", scope).Msg("Store failure, failing closed.")
		return Decision{Allowed: false, RetryAfter: time.Duration(windowMs) * time.Millisecond}
	}

	allowed := g.localLimiter(subject, scope, throttle).Allow()
	g.logger.Warn().Err(cause).Str("scope", scope).Bool("allowed", allowed).
		Msg("Store failure, failing open through local limiter.")
	if !allowed {
		return Decision{Allowed: false, RetryAfter: time.Duration(windowMs) * time.Millisecond}
	}
	return Decision{Allowed: true}
}

func (g *Gate) localLimiter(subject, scope string, throttle fanout.Throttle) *rate.Limiter {
	key := scope + ":" + subject

	g.mu.Lock()
	defer g.mu.Unlock()
	if limiter, ok := g.local[key]; ok {
		return limiter
	}
	if len(g.local) >= localLimiterCap {
		g.local = make(map[string]*rate.Limiter)
	}
	limiter := rate.NewLimiter(
		rate.Limit(float64(throttle.MaxUnits)/float64(throttle.PerSeconds)),
		throttle.MaxUnits,
	)
	g.local[key] = limiter
	return limiter
}
