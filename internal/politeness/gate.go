// Package politeness enforces the domain scope, per-domain concurrency caps
// and per-domain request spacing for the crawler.
package politeness

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
	"github.com/JakeFAU/campus-crawler/internal/metrics"
)

// Config holds gate configuration.
type Config struct {
	AllowedDomains       []string
	PerDomainConcurrency int
	// Delay is the base spacing between request starts on one host.
	Delay time.Duration
	// Jitter randomizes each spacing to between 0.5x and 1.5x Delay.
	Jitter bool
}

// Gate decides whether a host is in scope and paces requests per host.
type Gate struct {
	scope     *crawler.DomainScope
	perDomain int64
	delay     time.Duration
	jitter    bool
	logger    *zap.Logger
	random    func() float64

	mu    sync.Mutex
	slots map[string]*slot
}

// tokensPerDelay is the limiter cost of one request at the base delay.
// Jitter scales the cost per request, so the spacing before each start is
// drawn when that start is reserved.
const tokensPerDelay = 1000

// maxCost is the cost of a request at 1.5x the delay.
const maxCost = tokensPerDelay * 3 / 2

type slot struct {
	sem *semaphore.Weighted

	// mu keeps the burst change and the reservation that uses it together.
	mu      sync.Mutex
	limiter *rate.Limiter
}

// New creates a Gate.
func New(cfg Config, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	perDomain := cfg.PerDomainConcurrency
	if perDomain <= 0 {
		perDomain = 8
	}
	return &Gate{
		scope:     crawler.NewDomainScope(cfg.AllowedDomains),
		perDomain: int64(perDomain),
		delay:     cfg.Delay,
		jitter:    cfg.Jitter,
		logger:    logger,
		random:    rand.Float64,
		slots:     make(map[string]*slot),
	}
}

// Scope exposes the gate's domain scope.
func (g *Gate) Scope() *crawler.DomainScope {
	return g.scope
}

// Permit reports whether host falls within the allowed domains.
func (g *Gate) Permit(host string) bool {
	return g.scope.Allows(host)
}

// TryAcquire takes a concurrency slot for host without blocking. The returned
// release must be called exactly once when the request completes.
func (g *Gate) TryAcquire(host string) (func(), bool) {
	if !g.Permit(host) {
		return nil, false
	}
	s := g.slot(host)
	if !s.sem.TryAcquire(1) {
		return nil, false
	}
	return g.releaser(s), true
}

// Wait blocks until host's next request may start. Consecutive starts on
// one host are at least Delay apart, or between 0.5x and 1.5x Delay apart
// with jitter, regardless of how many callers wait concurrently.
func (g *Gate) Wait(ctx context.Context, host string) error {
	if g.delay <= 0 {
		return nil
	}
	s := g.slot(host)
	start := time.Now()
	s.mu.Lock()
	cost := g.cost()
	// Capping the bucket at this request's cost means idle time never
	// shortens the gap to the previous start.
	s.limiter.SetBurstAt(start, cost)
	reservation := s.limiter.ReserveN(start, cost)
	s.mu.Unlock()
	if !reservation.OK() {
		return fmt.Errorf("politeness reservation for %s refused", host)
	}
	wait := reservation.DelayFrom(start)
	if wait > 0 {
		if err := crawler.Pause(ctx, wait); err != nil {
			reservation.Cancel()
			return fmt.Errorf("politeness wait for %s: %w", host, err)
		}
	}
	if elapsed := time.Since(start); elapsed > time.Millisecond {
		metrics.ObservePolitenessWait(host, elapsed)
	}
	return nil
}

// cost returns the limiter tokens one request spends, which is the spacing
// before its start measured in tokensPerDelay units of Delay.
func (g *Gate) cost() int {
	if !g.jitter {
		return tokensPerDelay
	}
	return int(float64(tokensPerDelay) * (0.5 + g.random()))
}

func (g *Gate) slot(host string) *slot {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.slots[host]
	if !ok {
		s = &slot{
			sem:     semaphore.NewWeighted(g.perDomain),
			limiter: rate.NewLimiter(rate.Every(g.delay/tokensPerDelay), maxCost),
		}
		g.slots[host] = s
	}
	return s
}

func (g *Gate) releaser(s *slot) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			s.sem.Release(1)
		})
	}
}
