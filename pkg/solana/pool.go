package solana

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/duckinhell/presale/pkg/metrics"
)

// rateLimitMarkDuration is how long an endpoint stays marked after a
// provider throttle before it is considered usable again.
const rateLimitMarkDuration = 5 * time.Minute

// ClientSource hands out Clients bound to the currently preferred endpoint
// and accepts failover requests when that endpoint misbehaves.
type ClientSource interface {
	Client() Client
	Failover()
}

type PoolConfig struct {
	Logger    *slog.Logger
	Endpoints []string
	Clock     clockwork.Clock

	// NewClient overrides client construction, used by tests to substitute
	// fakes. Defaults to NewClient.
	NewClient func(endpoint string) Client
}

func (cfg *PoolConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if len(cfg.Endpoints) == 0 {
		return errors.New("at least one RPC endpoint is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.NewClient == nil {
		cfg.NewClient = NewClient
	}
	return nil
}

// Pool rotates through a fixed list of RPC endpoints. Failover advances
// round-robin and marks the abandoned endpoint rate-limited for five
// minutes; endpoint selection prefers unmarked endpoints and otherwise
// falls back to the one marked longest ago.
type Pool struct {
	log   *slog.Logger
	cfg   PoolConfig
	clock clockwork.Clock

	mu      sync.Mutex
	current int

	// issued is the endpoint most recently handed out. Failover marks it
	// rather than the cursor: when every endpoint is marked, Endpoint falls
	// back to one the cursor does not point at, and that fallback is the
	// endpoint that actually rate-limited.
	issued      string
	rateLimited map[string]time.Time
}

func NewPool(cfg PoolConfig) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pool{
		log:         cfg.Logger,
		cfg:         cfg,
		clock:       cfg.Clock,
		rateLimited: make(map[string]time.Time),
	}, nil
}

// Client returns a Client bound to the best available endpoint.
func (p *Pool) Client() Client {
	return p.cfg.NewClient(p.Endpoint())
}

// Endpoint returns the currently preferred endpoint URL.
func (p *Pool) Endpoint() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.issued = p.endpointLocked()
	return p.issued
}

func (p *Pool) endpointLocked() string {
	now := p.clock.Now()
	current := p.cfg.Endpoints[p.current]
	if !p.markedLocked(current, now) {
		return current
	}

	// Current endpoint is marked; look for any unmarked one, starting just
	// past it to keep rotation order.
	n := len(p.cfg.Endpoints)
	for i := 1; i < n; i++ {
		candidate := p.cfg.Endpoints[(p.current+i)%n]
		if !p.markedLocked(candidate, now) {
			return candidate
		}
	}

	// Everything is marked; use the endpoint that was marked longest ago.
	oldest := current
	oldestAt := p.rateLimited[current]
	for _, e := range p.cfg.Endpoints {
		if at := p.rateLimited[e]; at.Before(oldestAt) {
			oldest, oldestAt = e, at
		}
	}
	return oldest
}

// Failover marks the last issued endpoint rate-limited and advances the
// cursor to the endpoint after it in round-robin order.
func (p *Pool) Failover() {
	p.mu.Lock()
	defer p.mu.Unlock()

	abandoned := p.issued
	if abandoned == "" {
		abandoned = p.cfg.Endpoints[p.current]
	}
	p.rateLimited[abandoned] = p.clock.Now()
	for i, e := range p.cfg.Endpoints {
		if e == abandoned {
			p.current = (i + 1) % len(p.cfg.Endpoints)
			break
		}
	}
	metrics.RPCFailoversTotal.Inc()
	p.log.Warn("rpc: failing over",
		"from", abandoned,
		"to", p.cfg.Endpoints[p.current])
}

// ClearRateLimits forgets all rate-limit markings.
func (p *Pool) ClearRateLimits() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rateLimited = make(map[string]time.Time)
}

func (p *Pool) markedLocked(endpoint string, now time.Time) bool {
	at, ok := p.rateLimited[endpoint]
	return ok && now.Sub(at) < rateLimitMarkDuration
}
