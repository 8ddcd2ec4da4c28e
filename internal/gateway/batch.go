package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"callgate/internal/batch"
	"callgate/internal/cache"
	"callgate/internal/callerr"
	"callgate/internal/contract"
	"callgate/pkg/chain/evm"
)

// BatchCall runs reqs against h in chunks and returns one result per request,
// index-aligned. A failed request yields a Result with Err set and never
// affects the others.
func (c *Client) BatchCall(ctx context.Context, h *contract.Handle, reqs []Request, opts BatchOptions) []batch.Result[[]interface{}] {
	size := opts.BatchSize
	if size <= 0 {
		size = c.cfg.BatchSize
	}
	delay := opts.Delay
	if delay == 0 {
		delay = c.cfg.BatchDelay
	}
	if delay < 0 {
		delay = 0
	}

	var results []batch.Result[[]interface{}]
	if opts.Multicall {
		results = c.multicallBatch(ctx, h, reqs, size, delay, opts.Call)
	} else {
		results = batch.Run(ctx, reqs, size, delay, func(ctx context.Context, r Request) ([]interface{}, error) {
			return c.Call(ctx, h, r.Method, r.Args, opts.Call)
		})
	}

	failed := 0
	for _, r := range results {
		c.metrics.RecordBatchItem(r.OK())
		if !r.OK() {
			failed++
		}
	}
	log.Debug().Int("requests", len(reqs)).Int("failed", failed).Msg("Batch call settled")
	return results
}

// multicallBatch sends each chunk as one aggregate3 eth_call.
func (c *Client) multicallBatch(ctx context.Context, h *contract.Handle, reqs []Request, size int, delay time.Duration, opts CallOptions) []batch.Result[[]interface{}] {
	chunks := batch.Chunks(reqs, size)
	settled := batch.Run(ctx, chunks, 1, delay, func(ctx context.Context, chunk []Request) ([]batch.Result[[]interface{}], error) {
		return c.multicallChunk(ctx, h, chunk, opts), nil
	})

	results := make([]batch.Result[[]interface{}], 0, len(reqs))
	for i, s := range settled {
		if s.Err != nil {
			for range chunks[i] {
				results = append(results, batch.Result[[]interface{}]{Err: s.Err})
			}
			continue
		}
		results = append(results, s.Value...)
	}
	return results
}

func (c *Client) multicallChunk(ctx context.Context, h *contract.Handle, reqs []Request, opts CallOptions) []batch.Result[[]interface{}] {
	results := make([]batch.Result[[]interface{}], len(reqs))
	useCache := c.useCache(opts)
	ttl := c.cacheTTL(opts)

	type pending struct {
		index int
		key   string
	}
	var (
		calls []evm.ContractCall
		waits []pending
	)

	for i, r := range reqs {
		key := cache.Key(h.Target(), r.Method, r.Args)
		if useCache && !opts.ForceRefresh {
			if raw, ok := c.cache.Get(ctx, key, ttl); ok {
				results[i].Value, results[i].Err = h.Unpack(r.Method, raw)
				continue
			}
		}
		data, err := h.Pack(r.Method, r.Args...)
		if err != nil {
			results[i].Err = err
			continue
		}
		calls = append(calls, evm.ContractCall{Target: h.Address, CallData: data})
		waits = append(waits, pending{index: i, key: key})
	}

	if len(calls) == 0 {
		return results
	}

	var out []evm.CallResult
	err := c.retry.Execute(ctx, c.attempts(opts), c.cfg.BaseDelay, func(ctx context.Context, attempt int) error {
		current, err := c.registry.Rebind(h)
		if err != nil {
			return err
		}
		if current.Backend() == nil {
			return callerr.Fatalf("aggregate3", "provider pool closed")
		}
		if err := c.acquire(ctx); err != nil {
			return err
		}
		return c.withTimeout(ctx, "aggregate3", func(ctx context.Context) error {
			var err error
			out, err = evm.Aggregate3(ctx, current.Backend(), calls)
			return err
		})
	})
	if err != nil {
		for _, w := range waits {
			results[w.index].Err = err
			c.fail(h, reqs[w.index].Method, reqs[w.index].Args, err)
		}
		return results
	}

	for j, w := range waits {
		method := reqs[w.index].Method
		res := out[j]
		if !res.Success || (len(res.Data) == 0 && len(h.ABI.Methods[method].Outputs) > 0) {
			results[w.index].Err = callerr.Fatalf("aggregate3", "%s reverted", method)
			c.fail(h, method, reqs[w.index].Args, results[w.index].Err)
			continue
		}
		if useCache {
			c.cache.Put(ctx, w.key, res.Data)
		}
		results[w.index].Value, results[w.index].Err = h.Unpack(method, res.Data)
	}
	return results
}
