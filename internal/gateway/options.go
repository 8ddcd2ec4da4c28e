package gateway

import "time"

// Config holds client-wide defaults. Zero fields take the values of
// DefaultConfig, so the zero Config caches, retries and times out attempts.
type Config struct {
	DisableCache bool
	DefaultTTL   time.Duration
	MaxAttempts  int
	BaseDelay    time.Duration
	CallTimeout  time.Duration // bound on a single network attempt
	BatchSize    int
	BatchDelay   time.Duration
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:  5 * time.Minute,
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		CallTimeout: 10 * time.Second,
		BatchSize:   10,
		BatchDelay:  100 * time.Millisecond,
	}
}

// CallOptions tunes a single read. The zero value reads through the cache
// with the default TTL and retries with the default attempt count.
type CallOptions struct {
	SkipCache    bool          // neither read nor write the cache
	CacheTTL     time.Duration // zero means Config.DefaultTTL
	SkipRetry    bool          // make a single attempt
	MaxRetries   int           // total attempts; zero means Config.MaxAttempts
	ForceRefresh bool          // skip cache read and dedup, still write back
}

// Request is one read in a batch.
type Request struct {
	Method string
	Args   []interface{}
}

// BatchOptions tunes BatchCall.
type BatchOptions struct {
	BatchSize int           // zero means Config.BatchSize
	Delay     time.Duration // zero means Config.BatchDelay; negative disables
	Multicall bool          // one aggregate3 eth_call per chunk
	Call      CallOptions
}

// SubmitOptions tunes Submit.
type SubmitOptions struct {
	MaxAttempts int      // zero means a single attempt
	Invalidate  []string // cache patterns cleared after a successful submission
}

func (c *Client) cacheTTL(opts CallOptions) time.Duration {
	if opts.CacheTTL > 0 {
		return opts.CacheTTL
	}
	return c.cfg.DefaultTTL
}

func (c *Client) attempts(opts CallOptions) int {
	if opts.SkipRetry {
		return 1
	}
	if opts.MaxRetries > 0 {
		return opts.MaxRetries
	}
	return c.cfg.MaxAttempts
}

func (c *Client) useCache(opts CallOptions) bool {
	return c.cache != nil && !c.cfg.DisableCache && !opts.SkipCache
}
