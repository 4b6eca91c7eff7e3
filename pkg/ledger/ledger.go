// Package ledger is the local system of record for token payouts. The
// chain cannot tell us which contributions we already serviced, so every
// successful (or submitted-but-unconfirmed) transfer is recorded here,
// keyed by the contribution's deposit signature.
package ledger

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mr-tron/base58"

	"github.com/duckinhell/presale/pkg/chain"
	"github.com/duckinhell/presale/pkg/store"
)

const recordsKey = "distributions"

// testSignaturePrefix marks synthetic signatures produced by dry runs.
// They never correspond to an on-chain transaction.
const testSignaturePrefix = "TEST-"

// TestSignature builds a synthetic dry-run payout signature.
func TestSignature(suffix string) string {
	return testSignaturePrefix + suffix
}

// IsTestSignature reports whether s is a synthetic dry-run signature.
func IsTestSignature(s string) bool {
	return strings.HasPrefix(s, testSignaturePrefix)
}

// Record is one payout entry, keyed by the deposit signature it services.
type Record struct {
	// Signature is the deposit transaction signature of the contribution.
	Signature string `json:"signature"`
	// Sender is the contributor wallet, carried for exports.
	Sender string `json:"sender,omitempty"`
	// Amount is the contributed SOL.
	Amount float64 `json:"amount,omitempty"`
	// TokensSent is the token amount paid out, in whole tokens.
	TokensSent float64 `json:"tokensSent"`
	// PayoutSignature is the token transfer's transaction signature.
	PayoutSignature string `json:"payoutSignature"`
	// Confirmed is false when the transfer was submitted but confirmation
	// timed out. The payout may or may not have landed; verification
	// resolves it.
	Confirmed     bool      `json:"confirmed"`
	DistributedAt time.Time `json:"distributedAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type Config struct {
	Logger *slog.Logger
	Store  *store.Store
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	return nil
}

// Ledger holds the payout records in memory and mirrors every mutation to
// the store.
type Ledger struct {
	log *slog.Logger
	st  *store.Store

	mu      sync.Mutex
	records map[string]Record
	subs    []func()
}

func New(cfg Config) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Ledger{
		log:     cfg.Logger,
		st:      cfg.Store,
		records: map[string]Record{},
	}
	var persisted []Record
	if ok, err := cfg.Store.Get(recordsKey, &persisted); err != nil {
		return nil, fmt.Errorf("failed to load distribution records: %w", err)
	} else if ok {
		for _, r := range persisted {
			l.records[r.Signature] = r
		}
	}
	return l, nil
}

// ValidateSignature checks that s is a plausible transaction signature: a
// base58 string decoding to 64 bytes, or a synthetic dry-run signature.
// Records are only ever written through this check so the store never
// accumulates garbage keys.
func ValidateSignature(s string) error {
	if s == "" {
		return errors.New("signature is empty")
	}
	if strings.HasPrefix(s, testSignaturePrefix) {
		return nil
	}
	raw, err := base58.Decode(s)
	if err != nil {
		return fmt.Errorf("signature is not base58: %w", err)
	}
	if len(raw) != 64 {
		return fmt.Errorf("signature decodes to %d bytes, want 64", len(raw))
	}
	return nil
}

// RecordPayout marks a contribution as serviced. Writing the same
// signature again overwrites the previous record; that is how an
// unconfirmed entry is upgraded once verification finds the tokens landed,
// and how a resend replaces a failed payout.
func (l *Ledger) RecordPayout(c chain.Contribution, tokensSent float64, payoutSignature string, confirmed bool) error {
	if err := ValidateSignature(c.Signature); err != nil {
		return fmt.Errorf("invalid deposit signature: %w", err)
	}
	if err := ValidateSignature(payoutSignature); err != nil {
		return fmt.Errorf("invalid payout signature: %w", err)
	}

	l.mu.Lock()
	now := time.Now().UTC()
	record, exists := l.records[c.Signature]
	if !exists {
		record = Record{Signature: c.Signature, DistributedAt: now}
	}
	record.Sender = c.Sender
	record.Amount = c.Amount
	record.TokensSent = tokensSent
	record.PayoutSignature = payoutSignature
	record.Confirmed = confirmed
	record.UpdatedAt = now
	l.records[c.Signature] = record
	err := l.persistLocked()
	l.mu.Unlock()

	if err != nil {
		return err
	}
	l.log.Info("ledger: recorded payout",
		"deposit", c.Signature,
		"payout", payoutSignature,
		"tokens", tokensSent,
		"confirmed", confirmed,
	)
	l.notify()
	return nil
}

// Confirm upgrades an existing record to confirmed.
func (l *Ledger) Confirm(depositSignature string) error {
	l.mu.Lock()
	record, ok := l.records[depositSignature]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("no record for deposit %s", depositSignature)
	}
	record.Confirmed = true
	record.UpdatedAt = time.Now().UTC()
	l.records[depositSignature] = record
	err := l.persistLocked()
	l.mu.Unlock()

	if err != nil {
		return err
	}
	l.notify()
	return nil
}

// Record returns the payout record for a deposit signature, if any.
func (l *Ledger) Record(depositSignature string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[depositSignature]
	return r, ok
}

// Records returns all payout records, newest first.
func (l *Ledger) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DistributedAt.After(out[j].DistributedAt)
	})
	return out
}

// Len reports the number of records.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Decorate copies payout details onto matching contributions. Idempotent:
// decorating twice produces the same result. The input slice is not
// modified.
func (l *Ledger) Decorate(contributions []chain.Contribution) []chain.Contribution {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]chain.Contribution, len(contributions))
	copy(out, contributions)
	for i := range out {
		if r, ok := l.records[out[i].Signature]; ok {
			out[i].TokensSent = r.TokensSent
			out[i].PayoutSignature = r.PayoutSignature
		}
	}
	return out
}

// Reset drops all records, memory and store. Destructive: after a reset
// every past contribution looks unserviced again.
func (l *Ledger) Reset() error {
	l.mu.Lock()
	l.records = map[string]Record{}
	err := l.st.Delete(recordsKey)
	l.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to clear distribution records: %w", err)
	}
	l.log.Warn("ledger: all distribution records cleared")
	l.notify()
	return nil
}

// Subscribe registers fn to run after every mutation. Used to invalidate
// caches that embed payout decoration.
func (l *Ledger) Subscribe(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs = append(l.subs, fn)
}

func (l *Ledger) notify() {
	l.mu.Lock()
	subs := make([]func(), len(l.subs))
	copy(subs, l.subs)
	l.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

func (l *Ledger) persistLocked() error {
	out := make([]Record, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DistributedAt.After(out[j].DistributedAt)
	})
	if err := l.st.Put(recordsKey, out); err != nil {
		return fmt.Errorf("failed to persist distribution records: %w", err)
	}
	return nil
}

// ExportCSV writes all records as CSV, newest first.
func (l *Ledger) ExportCSV(w io.Writer) error {
	records := l.Records()

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"deposit_signature", "sender", "amount_sol", "tokens_sent", "payout_signature", "confirmed", "distributed_at"}); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			r.Signature,
			r.Sender,
			strconv.FormatFloat(r.Amount, 'f', -1, 64),
			strconv.FormatFloat(r.TokensSent, 'f', -1, 64),
			r.PayoutSignature,
			strconv.FormatBool(r.Confirmed),
			r.DistributedAt.Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportContributionsCSV writes a decorated contribution list as CSV.
func ExportContributionsCSV(w io.Writer, contributions []chain.Contribution) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"signature", "sender", "amount_sol", "timestamp", "tokens_sent", "payout_signature"}); err != nil {
		return err
	}
	for _, c := range contributions {
		row := []string{
			c.Signature,
			c.Sender,
			strconv.FormatFloat(c.Amount, 'f', -1, 64),
			c.Timestamp.Format(time.RFC3339),
			strconv.FormatFloat(c.TokensSent, 'f', -1, 64),
			c.PayoutSignature,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
