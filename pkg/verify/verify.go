// Package verify checks whether recorded payouts actually landed on
// chain. The ledger says what we believe we sent; the contributor's token
// account says what they hold. Disagreement means the payout needs a
// resend.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"

	"github.com/duckinhell/presale/pkg/chain"
	"github.com/duckinhell/presale/pkg/retry"
	solanaclient "github.com/duckinhell/presale/pkg/solana"
)

// Result is the outcome of verifying one contribution's payout.
type Result struct {
	// Expected is the token entitlement for the contribution.
	Expected float64 `json:"expected"`
	// Observed is the token balance found in the contributor's associated
	// token account. Zero when the account does not exist.
	Observed float64 `json:"observed"`
	// AccountExists is false when the contributor has no associated token
	// account for the mint, which means no payout ever landed.
	AccountExists bool `json:"accountExists"`
	// NeedsResend is true when the observed balance falls short of the
	// expected entitlement, or when no payout was recorded at all.
	NeedsResend bool      `json:"needsResend"`
	Reason      string    `json:"reason"`
	CheckedAt   time.Time `json:"checkedAt"`
}

type Config struct {
	Logger    *slog.Logger
	Clients   solanaclient.ClientSource
	TokenMint solana.PublicKey
	Clock     clockwork.Clock

	// Rate is the token entitlement per SOL contributed.
	Rate float64
	// Decimals is the mint's decimal count, used to scale raw token
	// amounts to whole tokens.
	Decimals int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clients == nil {
		return errors.New("client source is required")
	}
	if cfg.TokenMint.IsZero() {
		return errors.New("token mint is required")
	}
	if cfg.Rate <= 0 {
		return errors.New("distribution rate is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Decimals <= 0 {
		cfg.Decimals = 9
	}
	return nil
}

// Verifier checks contributor token balances against entitlements and
// caches the outcomes in memory. Results are advisory: nothing is written
// to the ledger here.
type Verifier struct {
	log   *slog.Logger
	cfg   Config
	clock clockwork.Clock

	mu      sync.Mutex
	results map[string]Result
}

func New(cfg Config) (*Verifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Verifier{
		log:     cfg.Logger,
		cfg:     cfg,
		clock:   cfg.Clock,
		results: map[string]Result{},
	}, nil
}

// Verify checks one contribution. A contribution with no recorded payout
// short-circuits to NeedsResend without touching the chain. Rate-limited
// RPC calls fail over to the next endpoint and retry with a slow backoff.
func (v *Verifier) Verify(ctx context.Context, c chain.Contribution) (Result, error) {
	expected := c.Entitlement(v.cfg.Rate)

	if c.PayoutSignature == "" || c.TokensSent == 0 {
		result := Result{
			Expected:    expected,
			NeedsResend: true,
			Reason:      "no payout recorded",
			CheckedAt:   v.clock.Now(),
		}
		v.store(c.Signature, result)
		return result, nil
	}

	wallet, err := solana.PublicKeyFromBase58(c.Sender)
	if err != nil {
		return Result{}, fmt.Errorf("invalid sender address %q: %w", c.Sender, err)
	}
	tokenAccount, _, err := solana.FindAssociatedTokenAddress(wallet, v.cfg.TokenMint)
	if err != nil {
		return Result{}, fmt.Errorf("failed to derive token account for %s: %w", c.Sender, err)
	}

	retryCfg := retry.RateLimitConfig()
	retryCfg.Clock = v.clock
	retryCfg.RetryIf = solanaclient.IsRateLimit

	var result Result
	err = retry.Do(ctx, retryCfg, func() error {
		client := v.cfg.Clients.Client()

		exists, err := client.AccountExists(ctx, tokenAccount)
		if err != nil {
			return v.classify(err)
		}
		if !exists {
			result = Result{
				Expected:    expected,
				NeedsResend: true,
				Reason:      "token account does not exist",
			}
			return nil
		}

		raw, err := client.TokenAccountBalance(ctx, tokenAccount)
		if err != nil {
			return v.classify(err)
		}
		observed := float64(raw) / math.Pow10(v.cfg.Decimals)
		result = Result{
			Expected:      expected,
			Observed:      observed,
			AccountExists: true,
		}
		// A balance within a fraction of a token of the entitlement counts
		// as delivered; the wallet may also hold tokens from elsewhere.
		if observed < expected-1e-6 {
			result.NeedsResend = true
			result.Reason = fmt.Sprintf("observed balance %.6f below entitlement %.6f", observed, expected)
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to verify payout for %s: %w", c.Signature, err)
	}

	result.CheckedAt = v.clock.Now()
	v.store(c.Signature, result)
	v.log.Info("verify: checked payout",
		"deposit", c.Signature,
		"expected", result.Expected,
		"observed", result.Observed,
		"needs_resend", result.NeedsResend,
	)
	return result, nil
}

// VerifyAll checks every contribution in order and returns the results
// keyed by deposit signature. Individual hard failures abort the sweep.
func (v *Verifier) VerifyAll(ctx context.Context, contributions []chain.Contribution) (map[string]Result, error) {
	out := make(map[string]Result, len(contributions))
	for _, c := range contributions {
		result, err := v.Verify(ctx, c)
		if err != nil {
			return out, err
		}
		out[c.Signature] = result
	}
	return out, nil
}

// Result returns the cached verification outcome for a deposit signature.
func (v *Verifier) Result(depositSignature string) (Result, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	r, ok := v.results[depositSignature]
	return r, ok
}

// Clear drops all cached results. Called after a distribution run so stale
// shortfall verdicts cannot trigger duplicate resends.
func (v *Verifier) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.results = map[string]Result{}
}

func (v *Verifier) store(signature string, r Result) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.results[signature] = r
}

// classify fails over on rate limits before handing the error back to the
// retry loop, so the next attempt lands on a different endpoint.
func (v *Verifier) classify(err error) error {
	if solanaclient.IsRateLimit(err) {
		v.log.Warn("verify: endpoint rate limited, failing over", "error", err)
		v.cfg.Clients.Failover()
	}
	return err
}
