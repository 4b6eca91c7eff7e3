// Package admin implements the operator commands behind the presale-admin
// CLI: inspecting contributions, running token distributions, verifying
// payouts and exporting records.
package admin

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/duckinhell/presale/pkg/cache"
	"github.com/duckinhell/presale/pkg/chain"
	"github.com/duckinhell/presale/pkg/config"
	"github.com/duckinhell/presale/pkg/distributor"
	"github.com/duckinhell/presale/pkg/ledger"
	"github.com/duckinhell/presale/pkg/reconcile"
	solanaclient "github.com/duckinhell/presale/pkg/solana"
	"github.com/duckinhell/presale/pkg/store"
	"github.com/duckinhell/presale/pkg/verify"
	"github.com/duckinhell/presale/pkg/wallet"
)

// App wires the presale components for operator use. Construction is
// cheap; nothing talks to the chain until a command runs.
type App struct {
	log       *slog.Logger
	addresses config.Addresses
	clients   solanaclient.ClientSource
	cache     *cache.Cache
	ledger    *ledger.Ledger
	verifier  *verify.Verifier
	economics reconcile.Config
	out       io.Writer
}

type Config struct {
	Logger    *slog.Logger
	DataDir   string
	Addresses config.Addresses
	Endpoints []string

	// Out receives human-readable command output. Defaults to stdout.
	Out io.Writer

	// NewClient overrides RPC client construction, used by tests to
	// substitute fakes.
	NewClient func(endpoint string) solanaclient.Client
}

func New(cfg Config) (*App, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.DataDir == "" {
		return nil, errors.New("data directory is required")
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}

	pool, err := solanaclient.NewPool(solanaclient.PoolConfig{
		Logger:    cfg.Logger,
		Endpoints: cfg.Endpoints,
		NewClient: cfg.NewClient,
	})
	if err != nil {
		return nil, err
	}

	reader, err := chain.NewReader(chain.ReaderConfig{
		Logger:         cfg.Logger,
		Clients:        pool,
		Treasury:       cfg.Addresses.Treasury,
		SignatureLimit: config.SignatureScanLimit,
		BatchSize:      config.ScanBatchSize,
		BatchInterval:  config.ScanBatchInterval,
	})
	if err != nil {
		return nil, err
	}

	st, err := store.New(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	contributionCache, err := cache.New(cache.Config{
		Logger: cfg.Logger,
		Source: reader,
		Store:  st,
	})
	if err != nil {
		return nil, err
	}

	payoutLedger, err := ledger.New(ledger.Config{
		Logger: cfg.Logger,
		Store:  st,
	})
	if err != nil {
		return nil, err
	}
	payoutLedger.Subscribe(contributionCache.Invalidate)

	verifier, err := verify.New(verify.Config{
		Logger:    cfg.Logger,
		Clients:   pool,
		TokenMint: cfg.Addresses.TokenMint,
		Rate:      config.DistributionRate,
		Decimals:  config.TokenDecimals,
	})
	if err != nil {
		return nil, err
	}

	return &App{
		log:       cfg.Logger,
		addresses: cfg.Addresses,
		clients:   pool,
		cache:     contributionCache,
		ledger:    payoutLedger,
		verifier:  verifier,
		economics: reconcile.Config{
			Rate:              config.DistributionRate,
			MinTokenThreshold: config.MinTokenThreshold,
		},
		out: cfg.Out,
	}, nil
}

// contributions returns the decorated contribution list.
func (a *App) contributions(ctx context.Context, forceRefresh bool) []chain.Contribution {
	return a.ledger.Decorate(a.cache.Contributions(ctx, forceRefresh))
}

// List prints every contribution in the scan window with its payout state.
func (a *App) List(ctx context.Context, forceRefresh bool) error {
	contributions := a.contributions(ctx, forceRefresh)
	if len(contributions) == 0 {
		fmt.Fprintln(a.out, "no contributions found")
		return nil
	}

	fmt.Fprintf(a.out, "%-20s %-12s %-14s %-14s %s\n", "SENDER", "AMOUNT(SOL)", "ENTITLEMENT", "TOKENS SENT", "STATUS")
	for _, c := range contributions {
		fmt.Fprintf(a.out, "%-20s %-12.4f %-14.0f %-14.0f %s\n",
			abbreviate(c.Sender),
			c.Amount,
			c.Entitlement(a.economics.Rate),
			c.TokensSent,
			a.payoutState(c),
		)
	}

	eligible := reconcile.EligibleForPayout(contributions, a.economics)
	fmt.Fprintf(a.out, "\n%d contribution(s), %d pending payout, total raised %.4f SOL\n",
		len(contributions), len(eligible), a.cache.TotalRaised(ctx))
	return nil
}

func (a *App) payoutState(c chain.Contribution) string {
	if c.TokensSent > 0 {
		if record, ok := a.ledger.Record(c.Signature); ok && !record.Confirmed {
			return "unconfirmed"
		}
		return "sent"
	}
	if c.Entitlement(a.economics.Rate) < a.economics.MinTokenThreshold {
		return "below threshold"
	}
	return "pending"
}

// DistributeOptions controls a distribution run.
type DistributeOptions struct {
	KeypairPath   string
	AllowNonAdmin bool
	BatchSize     int
	SuperSlow     bool
	TestMode      bool
	ForceRefresh  bool
}

// Distribute pays out every eligible contribution in the scan window.
func (a *App) Distribute(ctx context.Context, opts DistributeOptions) error {
	contributions := a.contributions(ctx, opts.ForceRefresh)
	eligible := reconcile.EligibleForPayout(contributions, a.economics)
	if len(eligible) == 0 {
		fmt.Fprintln(a.out, "nothing to distribute: no eligible contributions")
		return nil
	}

	skipped := reconcile.BelowThreshold(contributions, a.economics)
	for _, c := range skipped {
		a.log.Info("skipping below-threshold contribution",
			"sender", c.Sender, "entitlement", c.Entitlement(a.economics.Rate))
	}

	driver, err := a.newDriver(opts)
	if err != nil {
		return err
	}

	count := min(len(eligible), distributor.ClampBatchSize(opts.BatchSize))
	fmt.Fprintf(a.out, "distributing to %d contribution(s)\n", count)
	if count < len(eligible) {
		fmt.Fprintf(a.out, "%d more eligible contribution(s) wait for the next run\n", len(eligible)-count)
	}
	return driver.Run(ctx, distributor.Request{
		Contributions: eligible,
		BatchSize:     opts.BatchSize,
		SuperSlow:     opts.SuperSlow,
		TestMode:      opts.TestMode,
	})
}

// Resend re-delivers the payout for one contribution after an on-chain
// check shows the tokens never arrived. A contribution whose balance
// already matches its entitlement is refused.
func (a *App) Resend(ctx context.Context, depositSignature string, opts DistributeOptions) error {
	contribution, ok := a.findContribution(ctx, depositSignature, opts.ForceRefresh)
	if !ok {
		return fmt.Errorf("no contribution with signature %s in the scan window", depositSignature)
	}
	if contribution.TokensSent == 0 {
		return fmt.Errorf("contribution %s has no recorded payout; use --distribute instead", depositSignature)
	}

	result, err := a.verifier.Verify(ctx, contribution)
	if err != nil {
		return err
	}
	if !reconcile.NeedsResend(contribution, &result) {
		fmt.Fprintf(a.out, "payout already delivered: observed %.2f tokens against entitlement %.2f\n",
			result.Observed, result.Expected)
		return nil
	}

	driver, err := a.newDriver(opts)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "resending %.0f tokens to %s\n", contribution.Entitlement(a.economics.Rate), contribution.Sender)
	return driver.Run(ctx, distributor.Request{
		Contributions: []chain.Contribution{contribution},
		BatchSize:     opts.BatchSize,
		SuperSlow:     opts.SuperSlow,
		TestMode:      opts.TestMode,
		Resend:        true,
	})
}

// Verify checks recorded payouts against contributor token balances. With
// an empty signature every serviced contribution is checked.
func (a *App) Verify(ctx context.Context, depositSignature string, forceRefresh bool) error {
	contributions := a.contributions(ctx, forceRefresh)

	var targets []chain.Contribution
	if depositSignature != "" {
		contribution, ok := a.findContribution(ctx, depositSignature, false)
		if !ok {
			return fmt.Errorf("no contribution with signature %s in the scan window", depositSignature)
		}
		targets = []chain.Contribution{contribution}
	} else {
		for _, c := range contributions {
			if c.TokensSent > 0 {
				targets = append(targets, c)
			}
		}
		if len(targets) == 0 {
			fmt.Fprintln(a.out, "no serviced contributions to verify")
			return nil
		}
	}

	results, err := a.verifier.VerifyAll(ctx, targets)
	if err != nil {
		return err
	}

	resendable := 0
	for _, c := range targets {
		result := results[c.Signature]
		state := "delivered"
		if result.NeedsResend {
			state = "NEEDS RESEND"
			resendable++
		}
		fmt.Fprintf(a.out, "%-20s expected %-12.2f observed %-12.2f %s\n",
			abbreviate(c.Sender), result.Expected, result.Observed, state)
	}
	if resendable > 0 {
		fmt.Fprintf(a.out, "\n%d payout(s) need resending; use --resend <signature>\n", resendable)
	}
	return nil
}

// ExportContributions writes the decorated contribution list as CSV.
func (a *App) ExportContributions(ctx context.Context, w io.Writer, forceRefresh bool) error {
	return ledger.ExportContributionsCSV(w, a.contributions(ctx, forceRefresh))
}

// ExportDistributions writes the payout records as CSV.
func (a *App) ExportDistributions(w io.Writer) error {
	return a.ledger.ExportCSV(w)
}

// ResetLedger wipes all payout records after confirmation. With yes set
// the prompt is skipped.
func (a *App) ResetLedger(yes bool, in io.Reader) error {
	if a.ledger.Len() == 0 {
		fmt.Fprintln(a.out, "ledger is already empty")
		return nil
	}
	if !yes {
		fmt.Fprintf(a.out, "about to delete %d payout record(s); every past contribution will look unserviced again.\ntype 'reset' to continue: ", a.ledger.Len())
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if strings.TrimSpace(line) != "reset" {
			fmt.Fprintln(a.out, "aborted")
			return nil
		}
	}
	return a.ledger.Reset()
}

func (a *App) findContribution(ctx context.Context, signature string, forceRefresh bool) (chain.Contribution, bool) {
	for _, c := range a.contributions(ctx, forceRefresh) {
		if c.Signature == signature {
			return c, true
		}
	}
	return chain.Contribution{}, false
}

// newDriver loads the signing keypair, enforces the admin wallet check and
// assembles the distribution driver.
func (a *App) newDriver(opts DistributeOptions) (*distributor.Driver, error) {
	if opts.KeypairPath == "" {
		return nil, errors.New("--keypair is required for distribution commands")
	}
	w, err := wallet.LoadKeypair(opts.KeypairPath)
	if err != nil {
		return nil, err
	}

	if !w.PublicKey().Equals(a.addresses.Admin) {
		if !opts.AllowNonAdmin {
			return nil, fmt.Errorf("keypair %s is not the admin wallet %s (pass --allow-non-admin to override)",
				w.PublicKey(), a.addresses.Admin)
		}
		a.log.Warn("distributing with a non-admin keypair", "keypair", w.PublicKey().String())
	}

	return distributor.New(distributor.Config{
		Logger:    a.log,
		Clients:   a.clients,
		Wallet:    w,
		Ledger:    a.ledger,
		TokenMint: a.addresses.TokenMint,
		Rate:      config.DistributionRate,
		Decimals:  config.TokenDecimals,
		Verifier:  a.verifier,
	})
}

func abbreviate(address string) string {
	if len(address) <= 12 {
		return address
	}
	return address[:6] + ".." + address[len(address)-4:]
}
