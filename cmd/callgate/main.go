package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"callgate/internal/cache"
	"callgate/internal/config"
	"callgate/internal/contract"
	"callgate/internal/gateway"
	"callgate/internal/invalidation"
	"callgate/internal/metrics"
	"callgate/internal/persistence"
	"callgate/internal/provider"
	"callgate/internal/ratelimit"
	"callgate/internal/retry"
	"callgate/pkg/contracts"
)

type options struct {
	configPath string
	abiPath    string
	address    string
	method     string
	args       string
	watch      time.Duration
	send       bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "configs/config.yaml", "Path to configuration file")
	flag.StringVar(&opts.abiPath, "abi", "", "Path to contract ABI JSON (default: record registry ABI)")
	flag.StringVar(&opts.address, "address", "", "Contract address")
	flag.StringVar(&opts.method, "method", "", "Contract method to call")
	flag.StringVar(&opts.args, "args", "", "Comma separated method arguments")
	flag.DurationVar(&opts.watch, "watch", 0, "Repeat the call at this interval until interrupted")
	flag.BoolVar(&opts.send, "send", false, "Submit the method as a transaction signed with PRIVATE_KEY")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		// .env file is optional
		log.Debug().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogging(cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if err := run(ctx, cfg, opts); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("Application error")
	}
}

func run(ctx context.Context, cfg *config.Config, opts options) error {
	m := metrics.New(nil)
	if cfg.Metrics.Enabled {
		if err := m.StartServer(cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			m.Shutdown(shutdownCtx)
		}()
	}

	store, err := persistence.NewStore(cfg.Cache.SQLitePath)
	if err != nil {
		return err
	}
	defer store.Close()
	log.Info().Str("path", cfg.Cache.SQLitePath).Msg("SQLite initialized")

	pool, err := provider.New(ctx, cfg.Chain.Endpoints, nil, provider.Options{
		Cooldown:     cfg.Provider.FailoverCooldown,
		ProbeTimeout: cfg.Provider.ProbeTimeout,
		State:        store,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	var callCache *cache.Cache
	if cfg.Cache.Enabled {
		callCache, err = cache.New(cfg.Cache.MemorySize, cache.NewKVTier(store))
		if err != nil {
			return err
		}
		defer callCache.Close()
	}

	limiter := ratelimit.New(cfg.RateLimit.Ceiling, cfg.RateLimit.Window, cfg.RateLimit.Buffer)
	engine := retry.New(retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		Jitter:      cfg.Retry.Jitter,
	}, pool)

	client := gateway.New(gateway.Config{
		DisableCache: !cfg.Cache.Enabled,
		DefaultTTL:   cfg.Cache.DefaultTTL,
		MaxAttempts:  cfg.Retry.MaxAttempts,
		BaseDelay:    cfg.Retry.BaseDelay,
		CallTimeout:  cfg.Provider.CallTimeout,
		BatchSize:    cfg.Batch.Size,
		BatchDelay:   cfg.Batch.Delay,
	}, gateway.Deps{
		Pool:    pool,
		Cache:   callCache,
		Limiter: limiter,
		Retry:   engine,
		Metrics: m,
	})
	defer client.Close()

	log.Info().
		Int("endpoints", len(cfg.Chain.Endpoints)).
		Str("status", client.NetworkStatus().String()).
		Msg("Call gateway ready")

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return limiter.Run(gCtx)
	})

	if cfg.Invalidation.Enabled {
		feed := invalidation.NewService(cfg.Chain.WSURL, cfg.Invalidation.Contracts, client, m)
		g.Go(func() error {
			log.Info().Int("contracts", len(cfg.Invalidation.Contracts)).Msg("Starting invalidation feed...")
			return feed.Run(gCtx)
		})
	}

	if cfg.Cache.Enabled && cfg.Cache.Retention > 0 {
		g.Go(func() error {
			return pruneLoop(gCtx, store, cfg.Cache.Retention)
		})
	}

	g.Go(func() error {
		err := invoke(gCtx, client, cfg, opts)
		if err == nil && opts.watch == 0 {
			// One-shot mode: stop the background services.
			return context.Canceled
		}
		return err
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// invoke performs the requested call once, or every opts.watch until ctx ends.
func invoke(ctx context.Context, client *gateway.Client, cfg *config.Config, opts options) error {
	if opts.address == "" || opts.method == "" {
		log.Info().Msg("No -address/-method given, serving background services only")
		<-ctx.Done()
		return ctx.Err()
	}

	abiJSON := contracts.RecordRegistryABIJSON
	if opts.abiPath != "" {
		data, err := os.ReadFile(opts.abiPath)
		if err != nil {
			return fmt.Errorf("reading ABI file: %w", err)
		}
		abiJSON = string(data)
	}

	desc, err := contract.ParseDescriptor(opts.address, abiJSON)
	if err != nil {
		return err
	}
	method, ok := desc.ABI.Methods[opts.method]
	if !ok {
		return fmt.Errorf("method %q not found in ABI", opts.method)
	}

	var raw []string
	if opts.args != "" {
		raw = strings.Split(opts.args, ",")
	}
	args, err := contract.ParseArgs(method, raw)
	if err != nil {
		return err
	}

	if opts.send {
		return send(ctx, client, cfg, desc, opts.method, args)
	}

	h, err := client.Handle(desc, contract.Read, nil)
	if err != nil {
		return err
	}

	call := func() {
		start := time.Now()
		out, err := client.Call(ctx, h, opts.method, args, gateway.CallOptions{})
		if err != nil {
			log.Error().Err(err).Str("method", opts.method).Msg("Call failed")
			return
		}
		log.Info().
			Str("method", opts.method).
			Interface("result", out).
			Dur("took", time.Since(start)).
			Msg("Call result")
	}

	call()
	if opts.watch == 0 {
		return nil
	}

	ticker := time.NewTicker(opts.watch)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			call()
		}
	}
}

func send(ctx context.Context, client *gateway.Client, cfg *config.Config, desc contract.Descriptor, method string, args []interface{}) error {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(os.Getenv("PRIVATE_KEY"), "0x"))
	if err != nil {
		return fmt.Errorf("loading PRIVATE_KEY: %w", err)
	}
	signer, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(cfg.Chain.ChainID))
	if err != nil {
		return fmt.Errorf("creating signer: %w", err)
	}

	h, err := client.Handle(desc, contract.Sign, signer)
	if err != nil {
		return err
	}
	tx, err := client.Submit(ctx, h, method, args, gateway.SubmitOptions{
		Invalidate: []string{h.Target()},
	})
	if err != nil {
		return err
	}
	log.Info().Str("tx", tx.Hash().Hex()).Msg("Submitted")
	return nil
}

// pruneLoop drops durable cache rows older than retention once an hour.
func pruneLoop(ctx context.Context, store *persistence.Store, retention time.Duration) error {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		n, err := store.PruneBefore(ctx, time.Now().Add(-retention))
		if err != nil {
			log.Warn().Err(err).Msg("Failed to prune call cache")
		} else if n > 0 {
			log.Info().Int64("rows", n).Msg("Pruned call cache")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}
