// Package ratelimit bounds calls to the external model by requests per
// minute, tokens per minute and concurrency, and retries failed calls.
package ratelimit

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/cognicore/allergo/pkg/allergo/internalerr"
)

// Config holds limiter budgets and the figures used for ETA estimates.
type Config struct {
	RPM         int // requests per minute, 0 = unlimited
	TPM         int // tokens per minute, 0 = unlimited
	Concurrency int
	MaxRetries  int // attempts per call, at least 1

	AvgTokensPerCall int
	CallsPerItem     float64
	P95Latency       time.Duration
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		RPM:              60,
		TPM:              300_000,
		Concurrency:      10,
		MaxRetries:       6,
		AvgTokensPerCall: 1500,
		CallsPerItem:     2,
		P95Latency:       2500 * time.Millisecond,
	}
}

const (
	window         = time.Minute
	minWait        = 50 * time.Millisecond
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 10 * time.Second
	maxJitter      = 250 * time.Millisecond
)

type budget struct {
	capacity  int
	remaining int
	resetAt   time.Time
}

func newBudget(capacity int, now time.Time) budget {
	if capacity < 0 {
		capacity = 0
	}
	return budget{capacity: capacity, remaining: capacity, resetAt: now.Add(window)}
}

func (b *budget) refresh(now time.Time) {
	if !now.Before(b.resetAt) {
		b.remaining = b.capacity
		b.resetAt = now.Add(window)
	}
}

func (b *budget) unlimited() bool { return b.capacity == 0 }

func (b *budget) fits(cost int, now time.Time) bool {
	if b.unlimited() {
		return true
	}
	b.refresh(now)
	return cost <= b.remaining
}

func (b *budget) until(now time.Time) time.Duration {
	b.refresh(now)
	if d := b.resetAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithSleep replaces the context-aware sleep used for budget waits and backoff.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(l *Limiter) { l.sleep = sleep }
}

// WithJitter replaces the random jitter added to backoff.
func WithJitter(jitter func() time.Duration) Option {
	return func(l *Limiter) { l.jitter = jitter }
}

// WithLogger sets the logger for retries.
func WithLogger(log *zap.Logger) Option {
	return func(l *Limiter) {
		if log != nil {
			l.log = log
		}
	}
}

// Limiter is a process-wide gate shared by every job and request that calls
// the external model. Counters live under one mutex.
type Limiter struct {
	cfg Config
	sem *semaphore.Weighted
	log *zap.Logger

	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
	jitter func() time.Duration

	mu        sync.Mutex
	requests  budget
	tokens    budget
	started   time.Time
	completed int64
}

// New creates a limiter.
func New(cfg Config, opts ...Option) *Limiter {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	l := &Limiter{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.Concurrency)),
		log:    zap.NewNop(),
		now:    time.Now,
		sleep:  sleepCtx,
		jitter: func() time.Duration { return time.Duration(rand.Int63n(int64(maxJitter) + 1)) },
	}
	for _, opt := range opts {
		opt(l)
	}
	now := l.now()
	l.requests = newBudget(cfg.RPM, now)
	l.tokens = newBudget(cfg.TPM, now)
	l.started = now
	return l
}

// Config returns the limiter configuration.
func (l *Limiter) Config() Config { return l.cfg }

// Execute runs call once a concurrency slot is free and both budgets can
// cover one request of tokens estimated tokens. Failed calls are retried
// with exponential backoff; rate-limit errors honour the server's retry
// hint and fatal errors are returned at once.
func (l *Limiter) Execute(ctx context.Context, tokens int, call func(context.Context) error) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)

	if err := l.awaitBudgets(ctx, tokens); err != nil {
		return err
	}
	err := l.callWithRetries(ctx, call)
	if err == nil {
		l.mu.Lock()
		l.completed++
		l.mu.Unlock()
	}
	return err
}

func (l *Limiter) awaitBudgets(ctx context.Context, cost int) error {
	if cost < 0 {
		cost = 0
	}
	for {
		l.mu.Lock()
		now := l.now()
		tokCost := cost
		if !l.tokens.unlimited() && tokCost > l.tokens.capacity {
			tokCost = l.tokens.capacity
		}
		okReq := l.requests.fits(1, now)
		okTok := l.tokens.fits(tokCost, now)
		if okReq && okTok {
			if !l.requests.unlimited() {
				l.requests.remaining--
			}
			if !l.tokens.unlimited() {
				l.tokens.remaining -= tokCost
			}
			l.mu.Unlock()
			return nil
		}
		var wait time.Duration
		if !okReq {
			wait = l.requests.until(now)
		}
		if !okTok {
			if d := l.tokens.until(now); wait == 0 || (d > 0 && d < wait) {
				wait = d
			}
		}
		l.mu.Unlock()

		if wait < minWait {
			wait = minWait
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (l *Limiter) callWithRetries(ctx context.Context, call func(context.Context) error) error {
	backoff := initialBackoff
	var last error
	for attempt := 1; attempt <= l.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = call(ctx)
		if last == nil {
			return nil
		}
		kind := internalerr.Classify(last)
		if kind == internalerr.KindFatal || attempt == l.cfg.MaxRetries {
			return last
		}

		wait := backoff
		if ra, ok := internalerr.RetryAfter(last); ok && kind == internalerr.KindRateLimit {
			wait = ra
		}
		wait += l.jitter()
		if wait < minWait {
			wait = minWait
		}
		l.log.Warn("external call retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", l.cfg.MaxRetries),
			zap.Duration("sleep", wait),
			zap.Error(last),
		)
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
		backoff = min(backoff*2, maxBackoff)
	}
	return last
}

// Stats is a snapshot of the limiter budgets and throughput.
type Stats struct {
	RPMRemaining     int     `json:"rpm_remaining"`
	RPMResetsIn      float64 `json:"rpm_resets_in_sec"`
	TPMRemaining     int     `json:"tpm_remaining"`
	TPMResetsIn      float64 `json:"tpm_resets_in_sec"`
	Completed        int64   `json:"completed"`
	Uptime           float64 `json:"uptime_sec"`
	ThroughputPerMin float64 `json:"throughput_per_min"`
	RPM              int     `json:"rpm"`
	TPM              int     `json:"tpm"`
	Concurrency      int     `json:"concurrency"`
	MaxRetries       int     `json:"max_retries"`
}

// Stats returns the current budgets and observed throughput.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.requests.refresh(now)
	l.tokens.refresh(now)
	elapsed := now.Sub(l.started)
	minutes := math.Max(elapsed.Minutes(), 1e-6)
	return Stats{
		RPMRemaining:     l.requests.remaining,
		RPMResetsIn:      round3(l.requests.until(now).Seconds()),
		TPMRemaining:     l.tokens.remaining,
		TPMResetsIn:      round3(l.tokens.until(now).Seconds()),
		Completed:        l.completed,
		Uptime:           round3(elapsed.Seconds()),
		ThroughputPerMin: float64(l.completed) / minutes,
		RPM:              l.cfg.RPM,
		TPM:              l.cfg.TPM,
		Concurrency:      l.cfg.Concurrency,
		MaxRetries:       l.cfg.MaxRetries,
	}
}

// EstimateTokens is a rough cost: four characters per token plus the
// expected output.
func EstimateTokens(text string, maxOutput int) int {
	return int(math.Ceil(float64(len(text))/4)) + max(maxOutput, 0)
}

// EffectiveRate is the sustainable request rate per minute:
// min(RPM, TPM/avgTokensPerCall, concurrency*60/p95Latency), at least 1.
// Unlimited budgets do not constrain the rate.
func EffectiveRate(cfg Config) float64 {
	rate := math.Inf(1)
	if cfg.RPM > 0 {
		rate = float64(cfg.RPM)
	}
	if cfg.TPM > 0 {
		rate = math.Min(rate, float64(cfg.TPM)/float64(max(cfg.AvgTokensPerCall, 1)))
	}
	p95 := cfg.P95Latency.Seconds()
	if p95 <= 0 {
		p95 = 1
	}
	rate = math.Min(rate, float64(max(cfg.Concurrency, 1))*60/p95)
	return math.Max(1, rate)
}

// EstimateETA returns the effective rate and the minutes needed for items
// fallback items.
func EstimateETA(cfg Config, items int) (rate, minutes float64) {
	rate = EffectiveRate(cfg)
	calls := math.Max(0, cfg.CallsPerItem) * float64(max(items, 0))
	if calls == 0 {
		return rate, 0
	}
	return rate, calls / rate
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
