package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/rs/zerolog/log"

	"callgate/internal/cache"
	"callgate/internal/callerr"
	"callgate/internal/contract"
	"callgate/internal/dedupe"
	"callgate/internal/metrics"
	"callgate/internal/provider"
	"callgate/internal/ratelimit"
	"callgate/internal/retry"
)

// Pool is the provider pool as seen by the client. *provider.Pool implements it.
type Pool interface {
	contract.BackendSource
	retry.Failover
	Current() provider.Endpoint
	Status() provider.Status
	OnSwitch(fn func(provider.Endpoint))
}

// Deps are the collaborators a Client composes. Pool is required; a nil Cache
// (or Config.DisableCache) disables caching and a nil Limiter disables
// client-side rate limiting.
type Deps struct {
	Pool     Pool
	Cache    *cache.Cache
	Limiter  *ratelimit.Limiter
	Retry    *retry.Engine
	Dedupe   *dedupe.Group
	Metrics  *metrics.Metrics
	Recorder Recorder
}

// Client is the entry point for contract reads and writes. It owns no global
// state; every component it uses is passed in through Deps.
type Client struct {
	cfg      Config
	pool     Pool
	cache    *cache.Cache
	limiter  *ratelimit.Limiter
	retry    *retry.Engine
	dedupe   *dedupe.Group
	registry *contract.Registry
	metrics  *metrics.Metrics
	failures *failureSink
}

// New creates a Client and wires metrics hooks into its collaborators.
func New(cfg Config, deps Deps) *Client {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}

	if deps.Retry == nil {
		policy := retry.DefaultPolicy()
		policy.MaxAttempts = cfg.MaxAttempts
		policy.BaseDelay = cfg.BaseDelay
		deps.Retry = retry.New(policy, deps.Pool)
	}
	if deps.Dedupe == nil {
		deps.Dedupe = dedupe.New()
	}
	if deps.Recorder == nil {
		deps.Recorder = LogRecorder{}
	}

	c := &Client{
		cfg:      cfg,
		pool:     deps.Pool,
		cache:    deps.Cache,
		limiter:  deps.Limiter,
		retry:    deps.Retry,
		dedupe:   deps.Dedupe,
		registry: contract.NewRegistry(deps.Pool),
		metrics:  deps.Metrics,
		failures: newFailureSink(deps.Recorder),
	}

	m := deps.Metrics
	deps.Pool.OnSwitch(func(ep provider.Endpoint) {
		c.registry.Clear()
		m.RecordFailover(true)
		m.SetActiveEndpoint(ep.Ordinal)
	})
	deps.Retry.OnFailure = func(kind callerr.Kind) { m.RecordRetry(kind.String()) }
	if deps.Limiter != nil {
		deps.Limiter.OnWait = m.RecordRateLimitWait
	}
	if deps.Cache != nil {
		deps.Cache.OnLookup = m.RecordCacheLookup
		deps.Cache.OnDrop = m.RecordDurableDrop
	}
	m.SetActiveEndpoint(deps.Pool.Current().Ordinal)
	m.SetNetworkStatus(int(deps.Pool.Status()))

	return c
}

// Handle resolves a contract handle for desc. Sign handles need a signer.
func (c *Client) Handle(desc contract.Descriptor, kind contract.Kind, signer *bind.TransactOpts) (*contract.Handle, error) {
	return c.registry.Resolve(desc, kind, signer)
}

// Call performs a read-only contract call and returns the decoded outputs.
//
// Unless disabled by opts, a fresh cached result is returned without network
// I/O, identical in-flight calls share one execution, and transient failures
// are retried with failover between attempts.
func (c *Client) Call(ctx context.Context, h *contract.Handle, method string, args []interface{}, opts CallOptions) ([]interface{}, error) {
	start := time.Now()

	out, err := c.call(ctx, h, method, args, opts)
	if err != nil {
		c.fail(h, method, args, err)
		c.metrics.RecordCall(method, outcome(err), time.Since(start))
		return nil, fmt.Errorf("calling %s: %w", method, err)
	}

	c.metrics.RecordCall(method, "ok", time.Since(start))
	return out, nil
}

func (c *Client) call(ctx context.Context, h *contract.Handle, method string, args []interface{}, opts CallOptions) ([]interface{}, error) {
	data, err := h.Pack(method, args...)
	if err != nil {
		return nil, err
	}

	useCache := c.useCache(opts)
	key := cache.Key(h.Target(), method, args)

	if useCache && !opts.ForceRefresh {
		if raw, ok := c.cache.Get(ctx, key, c.cacheTTL(opts)); ok {
			return h.Unpack(method, raw)
		}
	}

	fetch := func(ctx context.Context) ([]byte, error) {
		raw, err := c.fetch(ctx, h, method, data, c.attempts(opts))
		if err != nil {
			return nil, err
		}
		if useCache {
			c.cache.Put(ctx, key, raw)
		}
		return raw, nil
	}

	var raw []byte
	if opts.ForceRefresh {
		raw, err = fetch(ctx)
	} else {
		var shared bool
		raw, shared, err = c.dedupe.Do(ctx, key, fetch)
		if shared {
			c.metrics.RecordDedupShared()
		}
	}
	if err != nil {
		return nil, err
	}

	return h.Unpack(method, raw)
}

// fetch performs the eth_call under the retry engine. Every attempt
// re-resolves the handle so a failover rebinds it to the new endpoint, and
// passes the rate limiter.
func (c *Client) fetch(ctx context.Context, h *contract.Handle, method string, data []byte, attempts int) ([]byte, error) {
	var out []byte
	err := c.retry.Execute(ctx, attempts, c.cfg.BaseDelay, func(ctx context.Context, attempt int) error {
		current, err := c.registry.Rebind(h)
		if err != nil {
			return err
		}
		if err := c.acquire(ctx); err != nil {
			return err
		}

		var raw []byte
		err = c.withTimeout(ctx, "eth_call", func(ctx context.Context) error {
			var err error
			raw, err = current.CallRaw(ctx, data)
			return err
		})
		if err != nil {
			log.Debug().
				Err(err).
				Str("method", method).
				Str("endpoint", current.Endpoint().URL).
				Int("attempt", attempt+1).
				Msg("Contract call attempt failed")
			return err
		}
		if len(raw) == 0 && len(h.ABI.Methods[method].Outputs) > 0 {
			return callerr.Fatalf("eth_call", "empty result for %s at %s", method, h.Address.Hex())
		}
		out = raw
		return nil
	})
	c.metrics.SetNetworkStatus(int(c.pool.Status()))
	return out, err
}

// withTimeout runs one network attempt under CallTimeout. An attempt cut off
// by that timeout, while the caller is still waiting, is a transient failure
// of the endpoint, so the retry engine fails over.
func (c *Client) withTimeout(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	err := fn(attemptCtx)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return callerr.Transient(op, fmt.Errorf("no answer within %s: %w", c.cfg.CallTimeout, err))
	}
	return err
}

func (c *Client) acquire(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Acquire(ctx)
}

// ClearCache removes cached results whose key contains pattern from every
// tier. An empty pattern clears everything.
func (c *Client) ClearCache(ctx context.Context, pattern string) error {
	if c.cache == nil {
		return nil
	}
	c.metrics.RecordInvalidation()
	if err := c.cache.Invalidate(ctx, pattern); err != nil {
		return fmt.Errorf("clearing cache: %w", err)
	}
	log.Debug().Str("pattern", pattern).Msg("Cleared cache entries")
	return nil
}

// NetworkStatus reports the provider pool's last known status.
func (c *Client) NetworkStatus() provider.Status {
	return c.pool.Status()
}

// Close stops the failure recorder and flushes queued cache writes.
func (c *Client) Close() {
	c.failures.close()
	if c.cache != nil {
		c.cache.Flush()
	}
}

func (c *Client) fail(h *contract.Handle, method string, args []interface{}, err error) {
	c.failures.record(Failure{
		Target: h.Target(),
		Method: method,
		Args:   args,
		Kind:   callerr.KindOf(err),
		Err:    err,
	})
}

func outcome(err error) string {
	if errors.Is(err, callerr.ErrExhaustedRetries) {
		return "exhausted"
	}
	return callerr.KindOf(err).String()
}
