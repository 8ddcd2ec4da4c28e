package invalidation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"callgate/internal/metrics"
	"callgate/pkg/contracts"
)

const (
	maxReconnectAttempts = 10
	initialBackoff       = 1 * time.Second
	maxBackoff           = 30 * time.Second
)

// Invalidator clears cached reads matching a pattern. *gateway.Client
// implements it.
type Invalidator interface {
	ClearCache(ctx context.Context, pattern string) error
}

// Service keeps a Transfer log subscription open and clears the cache
// entries each transfer makes stale.
type Service struct {
	wsURL     string
	contracts []string
	target    Invalidator
	metrics   *metrics.Metrics

	// initial is the first reconnect delay; tests shorten it.
	initial time.Duration
	// OnTransfer, when set, observes every applied transfer.
	OnTransfer func(*Transfer)
}

// NewService creates a feed for the given contract addresses.
func NewService(wsURL string, addresses []string, target Invalidator, m *metrics.Metrics) *Service {
	lowered := make([]string, len(addresses))
	for i, a := range addresses {
		lowered[i] = strings.ToLower(a)
	}
	return &Service{
		wsURL:     wsURL,
		contracts: lowered,
		target:    target,
		metrics:   m,
		initial:   initialBackoff,
	}
}

// Run connects and processes notifications until ctx ends, reconnecting with
// exponential backoff. The attempt counter resets after every session that
// got a confirmed subscription.
func (s *Service) Run(ctx context.Context) error {
	for attempt := 0; attempt < maxReconnectAttempts; attempt++ {
		if attempt > 0 {
			backoff := s.backoff(attempt)
			log.Info().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Reconnecting invalidation feed")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		subscribed, err := s.runOnce(ctx)
		s.metrics.SetFeedConnected(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if subscribed {
			attempt = 0
		}
		if err != nil {
			log.Error().Err(err).Msg("Invalidation feed error")
		} else {
			log.Warn().Msg("Invalidation feed closed by remote")
		}
	}

	return fmt.Errorf("max reconnection attempts reached")
}

func (s *Service) runOnce(ctx context.Context) (bool, error) {
	client := NewWSClient(s.wsURL)
	if err := client.Connect(ctx); err != nil {
		return false, fmt.Errorf("connecting to websocket: %w", err)
	}
	defer client.Close()
	s.metrics.SetFeedConnected(true)

	topics := []string{contracts.TransferEventTopic.Hex()}
	if err := client.SubscribeLogs(ctx, s.contracts, topics); err != nil {
		return false, fmt.Errorf("subscribing to transfers: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go client.StartPingLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- client.ReadMessages(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			return client.SubscriptionID() != "", ctx.Err()
		case err := <-errCh:
			return client.SubscriptionID() != "", err
		case raw := <-client.Messages():
			s.processMessage(ctx, raw)
		}
	}
}

func (s *Service) processMessage(ctx context.Context, raw json.RawMessage) {
	entry, err := ParseNotification(raw)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to parse feed notification")
		return
	}
	if !IsTransfer(entry) {
		return
	}

	ev, err := DecodeTransfer(entry)
	if err != nil {
		log.Warn().Err(err).Str("contract", entry.Address).Msg("Failed to decode Transfer")
		return
	}
	s.Apply(ctx, ev)
}

// Apply clears every pattern the transfer makes stale. Removed (reorged)
// logs are applied too since the ownership they reported no longer holds.
func (s *Service) Apply(ctx context.Context, ev *Transfer) {
	s.metrics.RecordTransferSeen()

	for _, pattern := range Patterns(ev) {
		if err := s.target.ClearCache(ctx, pattern); err != nil {
			log.Warn().Err(err).Str("pattern", pattern).Msg("Failed to invalidate cache")
		}
	}

	log.Debug().
		Str("contract", ev.Contract).
		Str("token", ev.TokenID.String()).
		Uint64("block", ev.BlockNumber).
		Bool("removed", ev.Removed).
		Msg("Applied Transfer invalidation")

	if s.OnTransfer != nil {
		s.OnTransfer(ev)
	}
}

func (s *Service) backoff(attempt int) time.Duration {
	backoff := s.initial * (1 << uint(attempt-1))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}
