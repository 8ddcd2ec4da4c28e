package gateway

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"

	"callgate/internal/callerr"
	"callgate/internal/contract"
)

// Submit signs and sends a state-changing call through a Sign handle and
// returns without waiting for inclusion. Writes are never cached or
// deduplicated. After a successful send every pattern in opts.Invalidate is
// cleared from the cache.
func (c *Client) Submit(ctx context.Context, h *contract.Handle, method string, args []interface{}, opts SubmitOptions) (*types.Transaction, error) {
	if h.Kind != contract.Sign {
		err := callerr.Fatalf("submit", "%s requires a signing handle", method)
		c.fail(h, method, args, err)
		return nil, err
	}

	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var tx *types.Transaction
	err := c.retry.Execute(ctx, attempts, c.cfg.BaseDelay, func(ctx context.Context, attempt int) error {
		current, err := c.registry.Rebind(h)
		if err != nil {
			return err
		}
		if err := c.acquire(ctx); err != nil {
			return err
		}
		return c.withTimeout(ctx, "send_transaction", func(ctx context.Context) error {
			var err error
			tx, err = current.Transact(ctx, method, args...)
			return err
		})
	})
	if err != nil {
		c.fail(h, method, args, err)
		return nil, fmt.Errorf("submitting %s: %w", method, err)
	}

	log.Info().
		Str("method", method).
		Str("target", h.Target()).
		Str("tx", tx.Hash().Hex()).
		Msg("Transaction submitted")

	for _, pattern := range opts.Invalidate {
		if err := c.ClearCache(ctx, pattern); err != nil {
			log.Warn().Err(err).Str("pattern", pattern).Msg("Failed to clear cache after submission")
		}
	}
	return tx, nil
}
