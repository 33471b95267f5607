package hotswap

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Engine owns every intercepted function in the process. Construct one with
// New, inject it where it is needed, and Close it on teardown; there is no
// package-level registry.
type Engine struct {
	log      *zap.Logger
	cap      Capability
	dispatch *dispatchTable
	chain    *strategyChain
	alloc    *allocator

	// mu serializes install/enable/disable/remove. Intercepted-function
	// invocations never touch it.
	mu     sync.Mutex
	closed bool
	hooks  map[uintptr]*hookRecord

	// generation bumps on every install and remove so callers can
	// invalidate cached lookups.
	generation atomic.Uint64
}

type config struct {
	log        *zap.Logger
	cap        Capability
	capSet     bool
	strategies []Strategy
	isolation  time.Duration
}

// Option configures an Engine.
type Option func(*config)

// WithLogger sets the structured logger. Default is a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *config) { c.log = log }
}

// WithCapability injects the privileged capability obtained by the
// bootstrap. Passing nil is allowed and fails closed: strategies that need
// the capability report unavailable and installs degrade to the
// compatibility fallback.
func WithCapability(cap Capability) Option {
	return func(c *config) {
		c.cap = cap
		c.capSet = true
	}
}

// WithStrategies replaces the default redefinition chain. Order matters:
// strategies are tried first to last, most faithful first.
func WithStrategies(strategies ...Strategy) Option {
	return func(c *config) { c.strategies = strategies }
}

// WithIsolationTimeout sets how long a hazardous strategy may run before it
// is abandoned.
func WithIsolationTimeout(d time.Duration) Option {
	return func(c *config) { c.isolation = d }
}

// New constructs an Engine.
func New(opts ...Option) *Engine {
	cfg := &config{
		log:       zap.NewNop(),
		isolation: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if !cfg.capSet {
		cfg.cap = SystemCapability()
	}
	if cfg.strategies == nil {
		cfg.strategies = defaultStrategies(cfg.cap, cfg.log)
	}

	return &Engine{
		log:      cfg.log,
		cap:      cfg.cap,
		dispatch: newDispatchTable(cfg.log),
		chain: &strategyChain{
			strategies: cfg.strategies,
			isolation:  cfg.isolation,
			log:        cfg.log,
		},
		alloc: newAllocator(),
		hooks: make(map[uintptr]*hookRecord),
	}
}

// Generation returns a counter that increases on every install and remove.
// Callers caching anything derived from intercepted functions can compare
// generations instead of re-listing hooks.
func (e *Engine) Generation() uint64 {
	return e.generation.Load()
}

// StrategyStatus describes one chain entry, for diagnostics.
type StrategyStatus struct {
	Name      string
	Available bool
	Hazardous bool
}

// Strategies reports the chain in priority order.
func (e *Engine) Strategies() []StrategyStatus {
	out := make([]StrategyStatus, 0, len(e.chain.strategies))
	for _, s := range e.chain.strategies {
		out = append(out, StrategyStatus{
			Name:      s.Name(),
			Available: s.Available(),
			Hazardous: s.Hazardous(),
		})
	}
	return out
}

// Close removes every live hook and rejects further installs.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	for entry := range e.hooks {
		e.removeLocked(entry)
	}
	return nil
}
