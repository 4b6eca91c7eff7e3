package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/duckinhell/presale/pkg/cache"
	"github.com/duckinhell/presale/pkg/chain"
	"github.com/duckinhell/presale/pkg/config"
	"github.com/duckinhell/presale/pkg/ledger"
	"github.com/duckinhell/presale/pkg/logger"
	"github.com/duckinhell/presale/pkg/server"
	solanaclient "github.com/duckinhell/presale/pkg/solana"
	"github.com/duckinhell/presale/pkg/store"
)

var (
	// Set by LDFLAGS
	version = "dev"
)

func main() {
	if err := run(); err != nil {
		sentry.CaptureException(err)
		sentry.Flush(2 * time.Second)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenFlag := flag.String("listen", ":8080", "address to serve the presale API on (or set PRESALE_LISTEN_ADDR env var)")
	dataDirFlag := flag.String("data-dir", "./data", "directory for persisted cache and distribution records (or set PRESALE_DATA_DIR env var)")
	cacheTTLFlag := flag.Duration("cache-ttl", config.CacheTTL, "freshness window for chain-derived data")
	originsFlag := flag.StringSlice("allowed-origins", nil, "CORS allowed origins for the public site (or set PRESALE_ALLOWED_ORIGINS env var, comma-separated)")
	rateLimitFlag := flag.Int("rate-limit", 120, "per-IP API requests per minute, 0 to disable")

	flag.Parse()

	// A local .env is a convenience for development; absence is fine.
	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	if envListen := os.Getenv("PRESALE_LISTEN_ADDR"); envListen != "" {
		*listenFlag = envListen
	}
	if envDataDir := os.Getenv("PRESALE_DATA_DIR"); envDataDir != "" {
		*dataDirFlag = envDataDir
	}
	if envOrigins := os.Getenv("PRESALE_ALLOWED_ORIGINS"); envOrigins != "" {
		*originsFlag = nil
		if err := flag.Set("allowed-origins", envOrigins); err != nil {
			return fmt.Errorf("invalid PRESALE_ALLOWED_ORIGINS: %w", err)
		}
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		environment := os.Getenv("SENTRY_ENVIRONMENT")
		if environment == "" {
			environment = "development"
		}
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Environment: environment,
			Release:     version,
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	addresses, err := config.AddressesFromEnv()
	if err != nil {
		return err
	}
	endpoints := config.RPCEndpointsFromEnv()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := solanaclient.NewPool(solanaclient.PoolConfig{
		Logger:    log,
		Endpoints: endpoints,
	})
	if err != nil {
		return err
	}

	reader, err := chain.NewReader(chain.ReaderConfig{
		Logger:         log,
		Clients:        pool,
		Treasury:       addresses.Treasury,
		SignatureLimit: config.SignatureScanLimit,
		BatchSize:      config.ScanBatchSize,
		BatchInterval:  config.ScanBatchInterval,
	})
	if err != nil {
		return err
	}

	st, err := store.New(*dataDirFlag)
	if err != nil {
		return err
	}

	contributionCache, err := cache.New(cache.Config{
		Logger: log,
		Source: reader,
		Store:  st,
		TTL:    *cacheTTLFlag,
	})
	if err != nil {
		return err
	}

	payoutLedger, err := ledger.New(ledger.Config{
		Logger: log,
		Store:  st,
	})
	if err != nil {
		return err
	}
	// Payout decoration is baked into cached responses downstream, so a
	// ledger change must drop the cached view.
	payoutLedger.Subscribe(contributionCache.Invalidate)

	srv, err := server.New(server.Config{
		Logger:            log,
		ListenAddr:        *listenFlag,
		Source:            contributionCache,
		Decorator:         payoutLedger,
		Rate:              config.DistributionRate,
		MinTokenThreshold: config.MinTokenThreshold,
		AllowedOrigins:    *originsFlag,
		RequestsPerMinute: *rateLimitFlag,
		Version:           version,
	})
	if err != nil {
		return err
	}

	log.Info("presale-api starting",
		"version", version,
		"treasury", addresses.Treasury.String(),
		"mint", addresses.TokenMint.String(),
		"endpoints", len(endpoints),
		"data_dir", *dataDirFlag,
	)
	return srv.Run(ctx)
}
