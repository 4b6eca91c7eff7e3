// Package distributor sends token payouts for eligible contributions. One
// job at a time, deliberately slow: the real constraint is not throughput
// but staying under public RPC provider throttles, and never paying the
// same contribution twice.
package distributor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/duckinhell/presale/pkg/chain"
	"github.com/duckinhell/presale/pkg/ledger"
	"github.com/duckinhell/presale/pkg/metrics"
	"github.com/duckinhell/presale/pkg/retry"
	solanaclient "github.com/duckinhell/presale/pkg/solana"
	"github.com/duckinhell/presale/pkg/wallet"
)

// ErrJobInProgress is returned when a distribution job is already holding
// the exclusivity lock.
var ErrJobInProgress = errors.New("a distribution job is already in progress")

// ErrJobCancelled is returned when an operator cancels a running job. Work
// completed before the cancel stays recorded.
var ErrJobCancelled = errors.New("distribution job cancelled")

// ErrJobTimedOut is returned when the safety timeout released the lock out
// from under a wedged job. The job stops at its next checkpoint; a transfer
// already in flight is allowed to finish and be recorded.
var ErrJobTimedOut = errors.New("distribution job exceeded safety timeout")

const (
	// lockSafetyTimeout force-releases the exclusivity lock if a job wedges.
	lockSafetyTimeout = 5 * time.Minute

	// confirmTimeout bounds how long one transfer waits for confirmation
	// before it is recorded as unconfirmed and the job moves on.
	confirmTimeout = 30 * time.Second

	defaultRetryBudget = 5

	minBatchSize = 1
	maxBatchSize = 3
)

type State string

const (
	StateIdle       State = "idle"
	StateProcessing State = "processing"
	StateSuccess    State = "success"
	StateError      State = "error"
)

// Status is a snapshot of the driver, safe to hand to HTTP handlers and
// progress displays.
type Status struct {
	State         State  `json:"state"`
	JobID         string `json:"jobId,omitempty"`
	Message       string `json:"message,omitempty"`
	Processed     int    `json:"processed"`
	Total         int    `json:"total"`
	CurrentWallet string `json:"currentWallet,omitempty"`
}

// Request describes one distribution job.
type Request struct {
	// Contributions is the payout work list, already filtered for
	// eligibility. Order is preserved.
	Contributions []chain.Contribution

	// BatchSize caps how many contributions one run services. Clamped to
	// [1,3]; remaining eligible contributions wait for the next run.
	BatchSize int

	// SuperSlow stretches every delay for providers that throttle hard.
	SuperSlow bool

	// TestMode runs the whole pipeline without touching the chain,
	// recording synthetic payout signatures.
	TestMode bool

	// Resend labels this job as a re-delivery in logs and status output.
	// It does not change behavior: a successful payout always overwrites
	// any existing ledger record for its contribution.
	Resend bool
}

// ResultSink is the slice of the verifier the driver needs: stale
// verification verdicts must be dropped after a run.
type ResultSink interface {
	Clear()
}

type Config struct {
	Logger    *slog.Logger
	Clients   solanaclient.ClientSource
	Wallet    wallet.Wallet
	Ledger    *ledger.Ledger
	TokenMint solana.PublicKey
	Clock     clockwork.Clock

	// Rate is tokens per SOL.
	Rate float64
	// Decimals is the mint's decimal count.
	Decimals int

	// Verifier, when set, has its cached results cleared after every job.
	Verifier ResultSink

	// OnStatus, when set, is called after every status change.
	OnStatus func(Status)

	// RetryBudget is the per-contribution attempt ceiling.
	RetryBudget int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clients == nil {
		return errors.New("client source is required")
	}
	if cfg.Wallet == nil {
		return errors.New("wallet is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
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
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = defaultRetryBudget
	}
	return nil
}

// Driver runs distribution jobs. At most one job holds the lock at a
// time; everything else about it is sequential on purpose.
type Driver struct {
	log   *slog.Logger
	cfg   Config
	clock clockwork.Clock

	mu        sync.Mutex
	running   bool
	cancelled bool
	status    Status
}

func New(cfg Config) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Driver{
		log:    cfg.Logger,
		cfg:    cfg,
		clock:  cfg.Clock,
		status: Status{State: StateIdle},
	}, nil
}

// Status returns the current driver snapshot.
func (d *Driver) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Cancel requests a cooperative stop of the running job. The job aborts
// at its next checkpoint; the transfer in flight is allowed to finish and
// be recorded.
func (d *Driver) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		d.cancelled = true
	}
}

// ClampBatchSize bounds a requested batch size to the per-run
// contribution ceiling.
func ClampBatchSize(n int) int {
	return min(max(n, minBatchSize), maxBatchSize)
}

// Run executes one distribution job to completion. It returns
// ErrJobInProgress without doing anything if a job already holds the
// lock. At most BatchSize contributions are serviced per run. On any item
// failure the job stops; payouts recorded before the failure stay
// recorded.
func (d *Driver) Run(ctx context.Context, req Request) error {
	if len(req.Contributions) == 0 {
		return errors.New("no contributions to distribute")
	}

	queue := req.Contributions
	if limit := ClampBatchSize(req.BatchSize); len(queue) > limit {
		d.log.Info("distributor: limiting run", "eligible", len(queue), "batch_size", limit)
		queue = queue[:limit]
	}

	jobID, err := d.acquire(len(queue))
	if err != nil {
		return err
	}

	// If the job wedges (hung RPC call, stuck confirmation), the timer
	// releases the lock so the operator is not locked out forever. The
	// wedged job then fails its next checkpoint.
	safety := d.clock.AfterFunc(lockSafetyTimeout, func() {
		d.forceRelease(jobID)
	})
	defer func() {
		safety.Stop()
		d.release(jobID)
	}()

	err = d.run(ctx, jobID, req, queue)

	switch {
	case err == nil:
		metrics.DistributionJobsTotal.WithLabelValues("success").Inc()
		d.setStatus(jobID, func(s *Status) {
			s.State = StateSuccess
			s.Message = fmt.Sprintf("distributed to %d contribution(s)", len(queue))
			s.CurrentWallet = ""
		})
	case errors.Is(err, ErrJobTimedOut):
		// forceRelease already published the terminal status, and another
		// job may own the driver by now.
		metrics.DistributionJobsTotal.WithLabelValues("timeout").Inc()
	case errors.Is(err, ErrJobCancelled):
		metrics.DistributionJobsTotal.WithLabelValues("cancelled").Inc()
		d.setStatus(jobID, func(s *Status) {
			s.State = StateError
			s.Message = "cancelled by operator"
			s.CurrentWallet = ""
		})
	default:
		metrics.DistributionJobsTotal.WithLabelValues("error").Inc()
		d.setStatus(jobID, func(s *Status) {
			s.State = StateError
			s.Message = err.Error()
			s.CurrentWallet = ""
		})
	}

	if d.cfg.Verifier != nil && !errors.Is(err, ErrJobTimedOut) {
		d.cfg.Verifier.Clear()
	}
	return err
}

func (d *Driver) run(ctx context.Context, jobID string, req Request, queue []chain.Contribution) error {
	initialDelay, interDelay := pacing(req.SuperSlow)

	d.log.Info("distributor: starting job",
		"job", jobID,
		"contributions", len(queue),
		"super_slow", req.SuperSlow,
		"test_mode", req.TestMode,
		"resend", req.Resend,
	)

	for i, c := range queue {
		if err := d.checkpoint(ctx, jobID); err != nil {
			return err
		}
		if i > 0 {
			d.log.Debug("distributor: pausing between transfers", "job", jobID, "delay", interDelay)
			if err := d.sleep(ctx, interDelay); err != nil {
				return err
			}
		}
		// Every transfer waits its own throttle delay before touching the
		// chain, even the first.
		if err := d.sleep(ctx, initialDelay); err != nil {
			return err
		}

		tokens := c.Entitlement(d.cfg.Rate)
		d.setStatus(jobID, func(s *Status) {
			s.CurrentWallet = c.Sender
			s.Message = fmt.Sprintf("sending %.0f tokens to %s", tokens, c.Sender)
		})

		payoutSig, confirmed, err := d.payWithRetries(ctx, jobID, req, c, tokens)
		if err != nil {
			metrics.DistributionTransfersTotal.WithLabelValues("failed").Inc()
			return fmt.Errorf("payout for %s failed: %w", c.Signature, err)
		}

		if confirmed {
			metrics.DistributionTransfersTotal.WithLabelValues("confirmed").Inc()
			metrics.DistributionTokensSent.Add(tokens)
		} else {
			metrics.DistributionTransfersTotal.WithLabelValues("unconfirmed").Inc()
		}

		if err := d.cfg.Ledger.RecordPayout(c, tokens, payoutSig, confirmed); err != nil {
			return fmt.Errorf("payout for %s sent but not recorded: %w", c.Signature, err)
		}

		d.setStatus(jobID, func(s *Status) {
			s.Processed = i + 1
		})
		d.log.Info("distributor: payout complete",
			"job", jobID,
			"deposit", c.Signature,
			"payout", payoutSig,
			"tokens", tokens,
			"confirmed", confirmed,
		)
	}

	return nil
}

// payWithRetries attempts one payout up to the retry budget. Returns the
// payout signature and whether it confirmed. User rejection aborts
// immediately; rate limits fail over and back off steeply; other errors
// back off gently. An unconfirmed submission is a success with
// confirmed=false, not a retry.
func (d *Driver) payWithRetries(ctx context.Context, jobID string, req Request, c chain.Contribution, tokens float64) (string, bool, error) {
	var lastErr error
	for attempt := 1; attempt <= d.cfg.RetryBudget; attempt++ {
		if err := d.checkpoint(ctx, jobID); err != nil {
			return "", false, err
		}

		sig, err := d.payOnce(ctx, req, c, tokens)
		if err == nil {
			return sig, true, nil
		}
		if errors.Is(err, solanaclient.ErrConfirmationTimeout) && sig != "" {
			d.log.Warn("distributor: confirmation timed out, recording unconfirmed",
				"deposit", c.Signature, "payout", sig)
			return sig, false, nil
		}
		lastErr = err

		switch solanaclient.Classify(err) {
		case solanaclient.KindUserRejected:
			return "", false, fmt.Errorf("transfer rejected: %w", err)
		case solanaclient.KindRateLimit:
			d.log.Warn("distributor: endpoint rate limited, failing over",
				"deposit", c.Signature, "attempt", attempt, "error", err)
			d.cfg.Clients.Failover()
			if attempt < d.cfg.RetryBudget {
				if serr := d.sleep(ctx, rateLimitBackoff(req.SuperSlow, attempt)); serr != nil {
					return "", false, serr
				}
			}
		default:
			d.log.Warn("distributor: transfer attempt failed",
				"deposit", c.Signature, "attempt", attempt, "error", err)
			if attempt < d.cfg.RetryBudget {
				if serr := d.sleep(ctx, genericBackoff(attempt)); serr != nil {
					return "", false, serr
				}
			}
		}
	}
	return "", false, fmt.Errorf("failed after %d attempts: %w", d.cfg.RetryBudget, lastErr)
}

// payOnce performs a single transfer attempt. In test mode it fabricates
// a signature without touching the chain.
func (d *Driver) payOnce(ctx context.Context, req Request, c chain.Contribution, tokens float64) (string, error) {
	if req.TestMode {
		return ledger.TestSignature(uuid.NewString()), nil
	}

	recipient, err := solana.PublicKeyFromBase58(c.Sender)
	if err != nil {
		return "", fmt.Errorf("invalid recipient address %q: %w", c.Sender, err)
	}

	// A fresh client per attempt so a failover between attempts takes
	// effect.
	client := d.cfg.Clients.Client()
	return d.transferTokens(ctx, client, recipient, tokens)
}

// pacing returns the per-transfer throttle delay and the delay between
// consecutive transfers.
func pacing(superSlow bool) (time.Duration, time.Duration) {
	if superSlow {
		return 5 * time.Second, 60 * time.Second
	}
	return 2 * time.Second, 30 * time.Second
}

// rateLimitBackoff grows 1.5x per attempt from a slow base, capped at two
// minutes. attempt is one-based.
func rateLimitBackoff(superSlow bool, attempt int) time.Duration {
	base := 10 * time.Second
	if superSlow {
		base = 30 * time.Second
	}
	return retry.Backoff(retry.Config{
		BaseBackoff: base,
		Factor:      1.5,
		MaxBackoff:  120 * time.Second,
	}, attempt-1)
}

// genericBackoff grows 1.5x per attempt from five seconds, capped at
// thirty. attempt is one-based.
func genericBackoff(attempt int) time.Duration {
	return retry.Backoff(retry.Config{
		BaseBackoff: 5 * time.Second,
		Factor:      1.5,
		MaxBackoff:  30 * time.Second,
	}, attempt-1)
}

func (d *Driver) acquire(total int) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return "", ErrJobInProgress
	}
	jobID := uuid.NewString()
	d.running = true
	d.cancelled = false
	d.status = Status{
		State: StateProcessing,
		JobID: jobID,
		Total: total,
	}
	d.notifyLocked()
	return jobID, nil
}

func (d *Driver) release(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status.JobID == jobID {
		d.running = false
		d.cancelled = false
	}
}

// forceRelease is the safety-timeout path: release the lock so a new job
// can start. The wedged job discovers it lost the lock at its next
// checkpoint.
func (d *Driver) forceRelease(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running || d.status.JobID != jobID {
		return
	}
	d.log.Error("distributor: job exceeded safety timeout, releasing lock", "job", jobID)
	d.running = false
	d.cancelled = false
	d.status.State = StateError
	d.status.Message = "job exceeded safety timeout"
	d.notifyLocked()
}

// checkpoint is the cooperative cancellation point between steps. A job
// that lost the lock to the safety timeout stops here instead of running
// alongside its successor.
func (d *Driver) checkpoint(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running || d.status.JobID != jobID {
		return ErrJobTimedOut
	}
	if d.cancelled {
		return ErrJobCancelled
	}
	return nil
}

func (d *Driver) sleep(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.clock.After(duration):
		return nil
	}
}

// setStatus applies update only while the job still owns the status, so a
// timed-out job cannot clobber its successor's progress.
func (d *Driver) setStatus(jobID string, update func(*Status)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status.JobID != jobID {
		return
	}
	update(&d.status)
	d.notifyLocked()
}

func (d *Driver) notifyLocked() {
	if d.cfg.OnStatus == nil {
		return
	}
	status := d.status
	go d.cfg.OnStatus(status)
}
