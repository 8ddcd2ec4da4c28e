package provider

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"callgate/internal/callerr"
	"callgate/pkg/chain/evm"
)

// activeEndpointKey is the system state key holding the last active URL.
const activeEndpointKey = "provider.active_endpoint"

// Status is the pool's last known connectivity. It is informational only;
// calls are attempted regardless.
type Status int

const (
	StatusError Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusConnecting:
		return "connecting"
	default:
		return "error"
	}
}

// Endpoint is a configured JSON-RPC URL. Ordinal is its failover order.
type Endpoint struct {
	URL     string
	Ordinal int
}

// Dialer opens a backend for an endpoint URL.
type Dialer func(ctx context.Context, url string) (evm.Backend, error)

// StateStore persists small pieces of operational state.
// persistence.Store implements it.
type StateStore interface {
	GetSystemState(ctx context.Context, key string) (string, error)
	SetSystemState(ctx context.Context, key, value string) error
}

// Options configures a Pool.
type Options struct {
	Cooldown     time.Duration // minimum time between failover attempts
	ProbeTimeout time.Duration
	State        StateStore // optional
}

// Pool holds an ordered list of endpoints, one of which is active, and moves
// to the next live endpoint when told the active one failed.
type Pool struct {
	endpoints []Endpoint
	dial      Dialer
	opts      Options

	mu          sync.RWMutex
	active      int
	backend     evm.Backend
	status      Status
	lastAttempt time.Time
	generation  uint64
	hooks       []func(Endpoint)

	failover singleflight.Group
	now      func() time.Time
}

// New creates a pool over urls and connects to the first live endpoint,
// starting from the last active endpoint recorded in opts.State. When none
// answers the pool is still returned with StatusError.
func New(ctx context.Context, urls []string, dial Dialer, opts Options) (*Pool, error) {
	var endpoints []Endpoint
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		endpoints = append(endpoints, Endpoint{URL: u, Ordinal: len(endpoints)})
	}
	if len(endpoints) == 0 {
		return nil, errors.New("no RPC endpoints configured")
	}
	if dial == nil {
		dial = evm.DialBackend
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 10 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}

	p := &Pool{
		endpoints: endpoints,
		dial:      dial,
		opts:      opts,
		status:    StatusConnecting,
		now:       time.Now,
	}

	start := p.restoreActive(ctx)
	for i := 0; i < len(endpoints); i++ {
		idx := (start + i) % len(endpoints)
		backend, err := p.connect(ctx, idx)
		if err != nil {
			log.Warn().Err(err).Str("endpoint", endpoints[idx].URL).Msg("Endpoint probe failed")
			continue
		}
		p.active = idx
		p.backend = backend
		p.status = StatusConnected
		log.Info().Str("endpoint", endpoints[idx].URL).Int("ordinal", idx).Msg("Connected to RPC endpoint")
		return p, nil
	}

	log.Error().Int("endpoints", len(endpoints)).Msg("No RPC endpoint answered, continuing in error state")
	p.active = start
	p.status = StatusError
	p.backend = p.dialUnprobed(ctx, start)
	return p, nil
}

// Current returns the active endpoint.
func (p *Pool) Current() Endpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.endpoints[p.active]
}

// Backend returns the active backend and its endpoint.
func (p *Pool) Backend() (evm.Backend, Endpoint) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.backend, p.endpoints[p.active]
}

// Generation increases every time the active backend changes.
func (p *Pool) Generation() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.generation
}

// Status returns the last known connectivity.
func (p *Pool) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Endpoints returns the configured endpoints in failover order.
func (p *Pool) Endpoints() []Endpoint {
	out := make([]Endpoint, len(p.endpoints))
	copy(out, p.endpoints)
	return out
}

// OnSwitch registers fn to run after the active endpoint changes.
func (p *Pool) OnSwitch(fn func(Endpoint)) {
	p.mu.Lock()
	p.hooks = append(p.hooks, fn)
	p.mu.Unlock()
}

// ReportFailure is called after a transient failure on the active endpoint.
// It moves to the next endpoint that answers a probe and reports whether a
// live endpoint is active afterwards. Attempts are throttled to one per
// cooldown, and concurrent reports share the attempt in progress.
func (p *Pool) ReportFailure(ctx context.Context) bool {
	v, _, _ := p.failover.Do("failover", func() (interface{}, error) {
		return p.switchEndpoint(ctx), nil
	})
	return v.(bool)
}

// switchEndpoint probes detached from the reporter's cancellation so one
// expired caller cannot fail the attempt shared by everyone else. Each probe
// is still bounded by ProbeTimeout.
func (p *Pool) switchEndpoint(ctx context.Context) bool {
	ctx = context.WithoutCancel(ctx)

	p.mu.Lock()
	now := p.now()
	if !p.lastAttempt.IsZero() && now.Sub(p.lastAttempt) < p.opts.Cooldown {
		status := p.status
		p.mu.Unlock()
		log.Debug().Str("status", status.String()).Msg("Failover throttled by cooldown")
		return status == StatusConnected
	}
	p.lastAttempt = now
	p.status = StatusConnecting
	start := p.active
	p.mu.Unlock()

	n := len(p.endpoints)
	for i := 1; i <= n; i++ {
		idx := (start + i) % n
		backend, err := p.connect(ctx, idx)
		if err != nil {
			log.Warn().Err(err).Str("endpoint", p.endpoints[idx].URL).Msg("Failover probe failed")
			continue
		}

		p.mu.Lock()
		old := p.backend
		p.backend = backend
		p.active = idx
		p.generation++
		p.status = StatusConnected
		p.lastAttempt = p.now()
		hooks := slices.Clone(p.hooks)
		p.mu.Unlock()

		if old != nil {
			old.Close()
		}

		ep := p.endpoints[idx]
		log.Info().
			Str("from", p.endpoints[start].URL).
			Str("to", ep.URL).
			Int("ordinal", idx).
			Msg("Switched RPC endpoint")

		for _, fn := range hooks {
			fn(ep)
		}
		p.persistActive(ctx, ep)
		return true
	}

	p.mu.Lock()
	p.status = StatusError
	p.mu.Unlock()
	log.Error().Int("endpoints", n).Msg("Failover found no live endpoint")
	return false
}

// connect dials and probes the endpoint at idx.
func (p *Pool) connect(ctx context.Context, idx int) (evm.Backend, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.ProbeTimeout)
	defer cancel()

	backend, err := p.dial(ctx, p.endpoints[idx].URL)
	if err != nil {
		return nil, fmt.Errorf("dialing: %w", err)
	}
	if _, err := backend.BlockNumber(ctx); err != nil {
		backend.Close()
		return nil, fmt.Errorf("probing block number: %w", err)
	}
	return backend, nil
}

// dialUnprobed opens the endpoint without probing. When even the dial fails
// the returned backend reports transient errors so calls still go through
// the retry path.
func (p *Pool) dialUnprobed(ctx context.Context, idx int) evm.Backend {
	url := p.endpoints[idx].URL
	backend, err := p.dial(ctx, url)
	if err != nil {
		return unreachable{url: url, err: err}
	}
	return backend
}

func (p *Pool) restoreActive(ctx context.Context) int {
	if p.opts.State == nil {
		return 0
	}
	url, err := p.opts.State.GetSystemState(ctx, activeEndpointKey)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read last active endpoint")
		return 0
	}
	for _, ep := range p.endpoints {
		if ep.URL == url {
			return ep.Ordinal
		}
	}
	return 0
}

func (p *Pool) persistActive(ctx context.Context, ep Endpoint) {
	if p.opts.State == nil {
		return
	}
	if err := p.opts.State.SetSystemState(context.WithoutCancel(ctx), activeEndpointKey, ep.URL); err != nil {
		log.Warn().Err(err).Msg("Failed to record active endpoint")
	}
}

// Close closes the active backend.
func (p *Pool) Close() {
	p.mu.Lock()
	backend := p.backend
	p.backend = nil
	p.mu.Unlock()
	if backend != nil {
		backend.Close()
	}
}

// unreachable stands in for an endpoint that could not even be dialed.
type unreachable struct {
	url string
	err error
}

func (u unreachable) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return nil, callerr.Transient("eth_call", fmt.Errorf("endpoint %s unavailable: %w", u.url, u.err))
}

func (u unreachable) BlockNumber(ctx context.Context) (uint64, error) {
	return 0, callerr.Transient("eth_blockNumber", fmt.Errorf("endpoint %s unavailable: %w", u.url, u.err))
}

func (u unreachable) Close() {}
