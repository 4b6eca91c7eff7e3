package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/gagliardetto/solana-go"
	"golang.org/x/time/rate"

	"github.com/duckinhell/presale/pkg/metrics"
	solanaclient "github.com/duckinhell/presale/pkg/solana"
)

type ReaderConfig struct {
	Logger   *slog.Logger
	Clients  solanaclient.ClientSource
	Treasury solana.PublicKey

	// SignatureLimit bounds the history scan window, newest first.
	SignatureLimit int

	// BatchSize is how many transaction lookups run back to back before the
	// reader pauses for BatchInterval. Deliberately tiny: public providers
	// throttle aggressively.
	BatchSize     int
	BatchInterval time.Duration
}

func (cfg *ReaderConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clients == nil {
		return errors.New("client source is required")
	}
	if cfg.Treasury.IsZero() {
		return errors.New("treasury address is required")
	}
	if cfg.SignatureLimit <= 0 {
		cfg.SignatureLimit = 10
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 2
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = 500 * time.Millisecond
	}
	return nil
}

// Reader scans the treasury's recent transaction history and extracts
// contributions. It holds no workflow state; every call hits the chain.
type Reader struct {
	log     *slog.Logger
	cfg     ReaderConfig
	limiter *rate.Limiter
}

func NewReader(cfg ReaderConfig) (*Reader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Reader{
		log:     cfg.Logger,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.BatchInterval), 1),
	}, nil
}

// ListTreasuryContributions fetches the recent signature window for the
// treasury and extracts one Contribution per successful transaction that
// carries a SOL transfer into the treasury. Transactions that fail to
// decode are dropped individually; a failure to list signatures at all
// propagates to the caller.
func (r *Reader) ListTreasuryContributions(ctx context.Context) ([]Contribution, error) {
	client := r.cfg.Clients.Client()

	sigs, err := client.Signatures(ctx, r.cfg.Treasury, r.cfg.SignatureLimit)
	if err != nil {
		metrics.ChainScansTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to list treasury signatures: %w", err)
	}
	r.log.Debug("chain: scanned treasury history", "signatures", len(sigs))

	contributions := make([]Contribution, 0, len(sigs))
	for i := 0; i < len(sigs); i += r.cfg.BatchSize {
		if i > 0 {
			if err := r.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		end := min(i+r.cfg.BatchSize, len(sigs))
		for _, sig := range sigs[i:end] {
			if sig.Failed {
				continue
			}
			detail, err := client.Transaction(ctx, sig.Signature)
			if err != nil {
				// One bad lookup does not spoil the scan.
				r.log.Warn("chain: dropping transaction", "signature", sig.Signature, "error", err)
				continue
			}
			if c, ok := r.extract(sig, detail); ok {
				contributions = append(contributions, c)
			}
		}
	}

	sort.Slice(contributions, func(i, j int) bool {
		return contributions[i].Timestamp.After(contributions[j].Timestamp)
	})

	metrics.ChainScansTotal.WithLabelValues("success").Inc()
	r.log.Debug("chain: extracted contributions", "count", len(contributions))
	return contributions, nil
}

// TreasuryBalance reads the treasury's current SOL balance directly. The
// history scan is bounded, so once the treasury has seen more transactions
// than the window the scan under-counts; callers cross-check against this.
func (r *Reader) TreasuryBalance(ctx context.Context) (float64, error) {
	lamports, err := r.cfg.Clients.Client().Balance(ctx, r.cfg.Treasury)
	if err != nil {
		return 0, fmt.Errorf("failed to read treasury balance: %w", err)
	}
	return float64(lamports) / LamportsPerSOL, nil
}

func (r *Reader) extract(sig solanaclient.SignatureInfo, detail *solanaclient.TransactionDetail) (Contribution, bool) {
	if detail == nil || detail.Failed {
		return Contribution{}, false
	}

	timestamp := sig.BlockTime
	if timestamp.IsZero() {
		timestamp = detail.BlockTime
	}

	for _, transfer := range detail.Transfers {
		if !transfer.Destination.Equals(r.cfg.Treasury) || transfer.Lamports == 0 {
			continue
		}
		return Contribution{
			Signature: sig.Signature.String(),
			Sender:    transfer.Source.String(),
			Amount:    float64(transfer.Lamports) / LamportsPerSOL,
			Timestamp: timestamp,
		}, true
	}
	return Contribution{}, false
}
