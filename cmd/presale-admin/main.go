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

	"github.com/duckinhell/presale/pkg/admin"
	"github.com/duckinhell/presale/pkg/config"
	"github.com/duckinhell/presale/pkg/logger"
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
	dataDirFlag := flag.String("data-dir", "./data", "directory for persisted cache and distribution records (or set PRESALE_DATA_DIR env var)")
	keypairFlag := flag.String("keypair", "", "path to the admin keypair file (or set PRESALE_KEYPAIR env var)")
	allowNonAdminFlag := flag.Bool("allow-non-admin", false, "allow distributing with a keypair that is not the configured admin wallet")
	forceRefreshFlag := flag.Bool("force-refresh", false, "bypass the cache and rescan the chain")

	// Commands
	listFlag := flag.Bool("list", false, "List contributions in the scan window with their payout state")
	distributeFlag := flag.Bool("distribute", false, "Distribute tokens to all eligible contributions")
	resendFlag := flag.String("resend", "", "Re-deliver the payout for one deposit signature after verification")
	verifyFlag := flag.Bool("verify", false, "Verify recorded payouts against contributor token balances")
	verifySignatureFlag := flag.String("verify-signature", "", "Verify a single deposit signature")
	exportContributionsFlag := flag.String("export-contributions", "", "Write the contribution list as CSV to the given path ('-' for stdout)")
	exportDistributionsFlag := flag.String("export-distributions", "", "Write the payout records as CSV to the given path ('-' for stdout)")
	resetLedgerFlag := flag.Bool("reset-ledger", false, "Delete all payout records")
	yesFlag := flag.Bool("yes", false, "Skip confirmation prompt (use with caution)")

	// Distribution options
	batchSizeFlag := flag.Int("batch-size", 1, "transfers per batch (1-3)")
	superSlowFlag := flag.Bool("super-slow", true, "stretch all delays for aggressively throttled RPC providers")
	testModeFlag := flag.Bool("test-mode", false, "run the distribution pipeline without sending transactions")

	flag.Parse()

	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	if envDataDir := os.Getenv("PRESALE_DATA_DIR"); envDataDir != "" {
		*dataDirFlag = envDataDir
	}
	if envKeypair := os.Getenv("PRESALE_KEYPAIR"); envKeypair != "" && *keypairFlag == "" {
		*keypairFlag = envKeypair
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

	app, err := admin.New(admin.Config{
		Logger:    log,
		DataDir:   *dataDirFlag,
		Addresses: addresses,
		Endpoints: config.RPCEndpointsFromEnv(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := admin.DistributeOptions{
		KeypairPath:   *keypairFlag,
		AllowNonAdmin: *allowNonAdminFlag,
		BatchSize:     *batchSizeFlag,
		SuperSlow:     *superSlowFlag,
		TestMode:      *testModeFlag,
		ForceRefresh:  *forceRefreshFlag,
	}

	switch {
	case *listFlag:
		return app.List(ctx, *forceRefreshFlag)

	case *distributeFlag:
		return app.Distribute(ctx, opts)

	case *resendFlag != "":
		return app.Resend(ctx, *resendFlag, opts)

	case *verifySignatureFlag != "":
		return app.Verify(ctx, *verifySignatureFlag, *forceRefreshFlag)

	case *verifyFlag:
		return app.Verify(ctx, "", *forceRefreshFlag)

	case *exportContributionsFlag != "":
		w, closeFn, err := openOutput(*exportContributionsFlag)
		if err != nil {
			return err
		}
		defer closeFn()
		return app.ExportContributions(ctx, w, *forceRefreshFlag)

	case *exportDistributionsFlag != "":
		w, closeFn, err := openOutput(*exportDistributionsFlag)
		if err != nil {
			return err
		}
		defer closeFn()
		return app.ExportDistributions(w)

	case *resetLedgerFlag:
		return app.ResetLedger(*yesFlag, os.Stdin)

	default:
		flag.Usage()
		return fmt.Errorf("no command given")
	}
}

func openOutput(path string) (*os.File, func(), error) {
	if path == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	return f, func() { _ = f.Close() }, nil
}
