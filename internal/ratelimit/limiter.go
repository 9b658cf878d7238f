// Package ratelimit implements the sliding-window rate limiter with burst
// detection and escalating timed blocks, keyed per (client, channel).
package ratelimit

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nmxmxh/marketgate/pkg/errors"
)

const (
	// ConnectionScope is the pseudo-channel for the frame-level client check.
	ConnectionScope = "connection"

	// burstWindow is the short sub-window for burst detection.
	burstWindow = 10 * time.Second

	// maxBurstWarnings and maxWindowWarnings are the escalation thresholds:
	// reaching either transitions the key to BLOCKED.
	maxBurstWarnings  = 3
	maxWindowWarnings = 2
)

// Limits configures one channel's budget.
type Limits struct {
	MaxPerWindow  int
	BurstLimit    int
	Window        time.Duration
	BlockDuration time.Duration
}

// Decision is the outcome of a rate check.
type Decision struct {
	Allowed    bool
	Reason     string        // "burst" | "window" | "blocked"
	Scope      string        // channel the violation occurred on
	RetryAfter time.Duration // remaining cooldown when blocked
}

// Err maps a rejection to the rate-limit sentinel with the reason attached.
// Returns nil for an allowed decision.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return errors.Wrap(errors.ErrRateLimited, d.Reason)
}

var allow = Decision{Allowed: true}

type stateKey struct {
	clientID string
	channel  string
}

// keyState is NORMAL until warnings accumulate; blockedUntil set means BLOCKED.
type keyState struct {
	timestamps     []time.Time
	burstWarnings  int
	windowWarnings int
	blockedUntil   time.Time
}

// Limiter owns all rate state. Single owner, mutex guarded.
type Limiter struct {
	mu     sync.Mutex
	states map[stateKey]*keyState
	limits map[string]Limits
	log    *zap.Logger
	clock  func() time.Time
}

// DefaultLimits is the production budget table. High-frequency cheap channels
// get generous budgets; expensive derived channels get tight budgets and long
// cooldowns.
func DefaultLimits() map[string]Limits {
	return map[string]Limits{
		ConnectionScope: {MaxPerWindow: 100, BurstLimit: 25, Window: time.Minute, BlockDuration: 300 * time.Second},
		"us_stocks":     {MaxPerWindow: 120, BurstLimit: 30, Window: time.Minute, BlockDuration: 120 * time.Second},
		"asian_stocks":  {MaxPerWindow: 120, BurstLimit: 30, Window: time.Minute, BlockDuration: 120 * time.Second},
		"fx_rates":      {MaxPerWindow: 120, BurstLimit: 30, Window: time.Minute, BlockDuration: 120 * time.Second},
		"market_status": {MaxPerWindow: 30, BurstLimit: 10, Window: time.Minute, BlockDuration: 120 * time.Second},
		"news":          {MaxPerWindow: 60, BurstLimit: 20, Window: time.Minute, BlockDuration: 180 * time.Second},
		"ai_signals":    {MaxPerWindow: 10, BurstLimit: 3, Window: time.Minute, BlockDuration: 600 * time.Second},
	}
}

// fallbackLimits is used for channels absent from the table.
var fallbackLimits = Limits{MaxPerWindow: 60, BurstLimit: 15, Window: time.Minute, BlockDuration: 180 * time.Second}

// New creates a limiter with the given per-channel budgets.
func New(limits map[string]Limits, log *zap.Logger) *Limiter {
	if limits == nil {
		limits = DefaultLimits()
	}
	return &Limiter{
		states: make(map[stateKey]*keyState),
		limits: limits,
		log:    log,
		clock:  time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (l *Limiter) WithClock(clock func() time.Time) *Limiter {
	l.clock = clock
	return l
}

// Allow checks a request against both the client-level budget and the
// channel-level budget; both must pass. Internal faults fail open: a broken
// limiter must degrade to allowing traffic, not to blocking everything.
func (l *Limiter) Allow(clientID, channel string) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			if l.log != nil {
				l.log.Error("rate limiter internal fault, failing open",
					zap.Any("panic", r),
					zap.String("client_id", clientID),
					zap.String("channel", channel))
			}
			decision = allow
		}
	}()

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if d := l.check(clientID, ConnectionScope, now); !d.Allowed {
		return d
	}
	if channel != ConnectionScope {
		if d := l.check(clientID, channel, now); !d.Allowed {
			return d
		}
	}
	return allow
}

// check runs the state machine for one key. Caller holds the lock.
func (l *Limiter) check(clientID, channel string, now time.Time) Decision {
	limits, ok := l.limits[channel]
	if !ok {
		limits = fallbackLimits
	}
	if limits.Window <= 0 {
		limits.Window = time.Minute
	}

	key := stateKey{clientID: clientID, channel: channel}
	st := l.states[key]
	if st == nil {
		st = &keyState{}
		l.states[key] = st
	}

	// BLOCKED: reject until the cooldown passes, then reset clean.
	if !st.blockedUntil.IsZero() {
		if now.Before(st.blockedUntil) {
			return Decision{
				Reason:     "blocked",
				Scope:      channel,
				RetryAfter: st.blockedUntil.Sub(now),
			}
		}
		*st = keyState{}
	}

	// Drop timestamps outside the macro window, record this request.
	cutoff := now.Add(-limits.Window)
	kept := st.timestamps[:0]
	for _, ts := range st.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	st.timestamps = append(kept, now)

	burstCutoff := now.Add(-burstWindow)
	burstCount := 0
	for _, ts := range st.timestamps {
		if ts.After(burstCutoff) {
			burstCount++
		}
	}

	switch {
	case burstCount > limits.BurstLimit:
		st.burstWarnings++
		if st.burstWarnings >= maxBurstWarnings {
			l.block(st, channel, clientID, now, limits.BlockDuration)
			return Decision{Reason: "blocked", Scope: channel, RetryAfter: limits.BlockDuration}
		}
		return Decision{Reason: "burst", Scope: channel}
	case len(st.timestamps) > limits.MaxPerWindow:
		st.windowWarnings++
		if st.windowWarnings >= maxWindowWarnings {
			l.block(st, channel, clientID, now, limits.BlockDuration)
			return Decision{Reason: "blocked", Scope: channel, RetryAfter: limits.BlockDuration}
		}
		return Decision{Reason: "window", Scope: channel}
	}
	return allow
}

func (l *Limiter) block(st *keyState, channel, clientID string, now time.Time, d time.Duration) {
	st.blockedUntil = now.Add(d)
	if l.log != nil {
		l.log.Warn("client blocked by rate limiter",
			zap.String("client_id", clientID),
			zap.String("channel", channel),
			zap.Duration("cooldown", d))
	}
}

// Sweep drops keys with no recent activity. Blocked keys are kept until their
// cooldown passes so a block survives the client going quiet or reconnecting.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	removed := 0
	for key, st := range l.states {
		if !st.blockedUntil.IsZero() && now.Before(st.blockedUntil) {
			continue
		}
		limits, ok := l.limits[key.channel]
		if !ok {
			limits = fallbackLimits
		}
		cutoff := now.Add(-limits.Window)
		active := false
		for _, ts := range st.timestamps {
			if ts.After(cutoff) {
				active = true
				break
			}
		}
		if !active {
			delete(l.states, key)
			removed++
		}
	}
	return removed
}
