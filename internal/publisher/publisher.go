// Package publisher runs the periodic fan-out tasks: each tick pulls the
// latest snapshot from its external source and hands it to the hub. A failed
// fetch skips the tick only; the next tick retries naturally.
package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/nmxmxh/marketgate/internal/metrics"
	"github.com/nmxmxh/marketgate/internal/policy"
	"github.com/nmxmxh/marketgate/internal/schema"
	"github.com/nmxmxh/marketgate/internal/source"
	"github.com/nmxmxh/marketgate/internal/wire"
	"github.com/nmxmxh/marketgate/pkg/errors"
)

// Broadcaster is the slice of the hub the publishers need.
type Broadcaster interface {
	Broadcast(channel string, env *wire.Envelope)
}

// SessionStore is the slice of the registry the scheduler needs for the idle
// sweep and the heartbeat.
type SessionStore interface {
	Sweep(maxIdle time.Duration) []string
	Count() int
}

// RateStore is swept periodically to drop stale limiter keys.
type RateStore interface {
	Sweep() int
}

// Sources groups the external snapshot collaborators.
type Sources struct {
	Prices  source.PriceSource
	FX      source.FXSource
	News    source.NewsSource
	Signals source.SignalSource
	Status  source.StatusSource
}

// Config sets the tick cadence per task.
type Config struct {
	PriceEvery     time.Duration
	FXEvery        time.Duration
	NewsEvery      time.Duration
	SignalsEvery   time.Duration
	StatusEvery    time.Duration
	HeartbeatEvery time.Duration
	SweepEvery     time.Duration
	MaxIdle        time.Duration
}

// DefaultConfig matches the production cadences.
func DefaultConfig() Config {
	return Config{
		PriceEvery:     5 * time.Second,
		FXEvery:        5 * time.Second,
		NewsEvery:      60 * time.Second,
		SignalsEvery:   30 * time.Second,
		StatusEvery:    60 * time.Second,
		HeartbeatEvery: 30 * time.Second,
		SweepEvery:     300 * time.Second,
		MaxIdle:        30 * time.Minute,
	}
}

// priceMarkets maps each market the price publisher covers to its channel.
var priceMarkets = map[string]string{
	"us":   policy.ChannelUSStocks,
	"asia": policy.ChannelAsianStocks,
}

// Scheduler owns every periodic task. Started as a group, stopped as a group.
type Scheduler struct {
	cron      *cron.Cron
	hub       Broadcaster
	sessions  SessionStore
	rates     RateStore
	sources   Sources
	quotes    *source.QuoteCache
	validator *schema.Validator
	breakers  map[string]*gobreaker.CircuitBreaker
	cfg       Config
	log       *zap.Logger
}

// New creates the scheduler. quotes may be nil if get_current_price is unused.
func New(hub Broadcaster, sessions SessionStore, rates RateStore, sources Sources, quotes *source.QuoteCache, cfg Config, log *zap.Logger) *Scheduler {
	s := &Scheduler{
		cron:      cron.New(),
		hub:       hub,
		sessions:  sessions,
		rates:     rates,
		sources:   sources,
		quotes:    quotes,
		validator: schema.New(),
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		cfg:       cfg,
		log:       log,
	}
	for _, name := range []string{"prices", "fx", "news", "signals", "status"} {
		s.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: 60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
	}
	return s
}

// Start registers all tasks and runs them until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	type task struct {
		every time.Duration
		run   func()
	}
	tasks := map[string]task{
		"prices":     {s.cfg.PriceEvery, func() { s.tickPrices(ctx) }},
		"fx":         {s.cfg.FXEvery, func() { s.tickFX(ctx) }},
		"news":       {s.cfg.NewsEvery, func() { s.tickNews(ctx) }},
		"signals":    {s.cfg.SignalsEvery, func() { s.tickSignals(ctx) }},
		"status":     {s.cfg.StatusEvery, func() { s.tickStatus(ctx) }},
		"heartbeat":  {s.cfg.HeartbeatEvery, func() { s.tickHeartbeat(ctx) }},
		"idle-sweep": {s.cfg.SweepEvery, func() { s.tickSweep(ctx) }},
	}
	for name, tk := range tasks {
		if tk.every <= 0 {
			continue
		}
		spec := fmt.Sprintf("@every %s", tk.every)
		if _, err := s.cron.AddFunc(spec, tk.run); err != nil {
			return fmt.Errorf("scheduling %s: %w", name, err)
		}
	}

	s.cron.Start()
	if s.log != nil {
		s.log.Info("publishers started", zap.Int("tasks", len(tasks)))
	}

	<-ctx.Done()
	stopCtx := s.cron.Stop()
	// Let in-flight ticks finish; each per-connection send is independent so a
	// partial broadcast at shutdown is acceptable.
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
	}
	if s.log != nil {
		s.log.Info("publishers stopped")
	}
	return ctx.Err()
}

func (s *Scheduler) tickPrices(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	timer := time.Now()
	for market, channel := range priceMarkets {
		snapshot, err := s.fetch(ctx, "prices", func(ctx context.Context) (interface{}, error) {
			return s.sources.Prices.FetchPrices(ctx, market)
		})
		if err != nil {
			s.skip("prices", channel, err)
			continue
		}
		payload := snapshot.(*wire.PriceUpdatePayload)
		if s.quotes != nil {
			s.quotes.Update(payload)
		}
		s.publish(channel, wire.TypePriceUpdate, payload)
	}
	metrics.PublishDuration.WithLabelValues("prices").Observe(time.Since(timer).Seconds())
}

func (s *Scheduler) tickFX(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	defer s.observe("fx", time.Now())
	snapshot, err := s.fetch(ctx, "fx", func(ctx context.Context) (interface{}, error) {
		return s.sources.FX.FetchFX(ctx)
	})
	if err != nil {
		s.skip("fx", policy.ChannelFXRates, err)
		return
	}
	s.publish(policy.ChannelFXRates, wire.TypeFXUpdate, snapshot.(*wire.FXUpdatePayload))
}

func (s *Scheduler) tickNews(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	defer s.observe("news", time.Now())
	snapshot, err := s.fetch(ctx, "news", func(ctx context.Context) (interface{}, error) {
		return s.sources.News.FetchNews(ctx)
	})
	if err != nil {
		s.skip("news", policy.ChannelNews, err)
		return
	}
	s.publish(policy.ChannelNews, wire.TypeNewsUpdate, snapshot.(*wire.NewsUpdatePayload))
}

func (s *Scheduler) tickSignals(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	defer s.observe("signals", time.Now())
	snapshot, err := s.fetch(ctx, "signals", func(ctx context.Context) (interface{}, error) {
		return s.sources.Signals.FetchSignals(ctx)
	})
	if err != nil {
		s.skip("signals", policy.ChannelAISignals, err)
		return
	}
	s.publish(policy.ChannelAISignals, wire.TypeAISignals, snapshot.(*wire.AISignalsPayload))
}

func (s *Scheduler) tickStatus(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	defer s.observe("status", time.Now())
	snapshot, err := s.fetch(ctx, "status", func(ctx context.Context) (interface{}, error) {
		return s.sources.Status.FetchStatus(ctx)
	})
	if err != nil {
		s.skip("status", policy.ChannelMarketStatus, err)
		return
	}
	s.publish(policy.ChannelMarketStatus, wire.TypeMarketStatus, snapshot.(*wire.MarketStatusPayload))
}

func (s *Scheduler) tickHeartbeat(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	s.publish(policy.ChannelHeartbeat, wire.TypeHeartbeat, wire.HeartbeatPayload{
		ServerTime:        time.Now().UTC().Format(time.RFC3339),
		ActiveConnections: s.sessions.Count(),
	})
}

func (s *Scheduler) tickSweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	evicted := s.sessions.Sweep(s.cfg.MaxIdle)
	stale := 0
	if s.rates != nil {
		stale = s.rates.Sweep()
	}
	if (len(evicted) > 0 || stale > 0) && s.log != nil {
		s.log.Info("sweep finished",
			zap.Int("sessions_evicted", len(evicted)),
			zap.Int("rate_keys_dropped", stale))
	}
}

// fetch runs the source call through the publisher's circuit breaker.
func (s *Scheduler) fetch(ctx context.Context, name string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	breaker, ok := s.breakers[name]
	if !ok {
		return fn(ctx)
	}
	return breaker.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
}

// publish validates the outbound payload before handing it to the hub, so a
// producer defect is caught here instead of reaching clients.
func (s *Scheduler) publish(channel, msgType string, payload interface{}) {
	env, err := wire.NewEnvelope(msgType, payload)
	if err != nil {
		_ = errors.LogWithError(nil, s.log, "failed to build envelope", err,
			zap.String("channel", channel))
		return
	}
	if err := s.validator.Validate(env); err != nil {
		_ = errors.LogWithError(nil, s.log, "outbound payload failed validation, dropping", err,
			zap.String("channel", channel),
			zap.String("type", msgType))
		return
	}
	s.hub.Broadcast(channel, env)
}

func (s *Scheduler) skip(name, channel string, err error) {
	metrics.UpstreamFetchErrors.WithLabelValues(name).Inc()
	if s.log != nil {
		s.log.Warn("upstream fetch failed, skipping tick",
			zap.String("publisher", name),
			zap.String("channel", channel),
			zap.Error(err))
	}
}

func (s *Scheduler) observe(name string, start time.Time) {
	metrics.PublishDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
}
