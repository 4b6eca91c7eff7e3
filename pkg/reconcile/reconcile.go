// Package reconcile decides who is owed tokens. It joins the chain's view
// (contributions) with the ledger's view (payout records) and optional
// verification results, and produces the payout work list.
package reconcile

import (
	"github.com/duckinhell/presale/pkg/chain"
	"github.com/duckinhell/presale/pkg/verify"
)

// Config carries the distribution economics.
type Config struct {
	// Rate is tokens per SOL.
	Rate float64
	// MinTokenThreshold is the smallest entitlement worth paying out.
	// Contributions below it are skipped, not queued.
	MinTokenThreshold float64
}

// EligibleForPayout returns the decorated contributions that still need
// tokens: nothing recorded against them yet and an entitlement at or above
// the threshold. Input order is preserved.
func EligibleForPayout(contributions []chain.Contribution, cfg Config) []chain.Contribution {
	var out []chain.Contribution
	for _, c := range contributions {
		if c.TokensSent > 0 {
			continue
		}
		if c.Entitlement(cfg.Rate) < cfg.MinTokenThreshold {
			continue
		}
		out = append(out, c)
	}
	return out
}

// BelowThreshold returns the contributions whose entitlement is too small
// to pay out. Reported so an operator can see what was skipped and why.
func BelowThreshold(contributions []chain.Contribution, cfg Config) []chain.Contribution {
	var out []chain.Contribution
	for _, c := range contributions {
		if c.TokensSent == 0 && c.Entitlement(cfg.Rate) < cfg.MinTokenThreshold {
			out = append(out, c)
		}
	}
	return out
}

// NeedsResend reports whether a contribution that the ledger considers
// serviced should be paid again, based on an on-chain verification result.
// Without a verification result the ledger is trusted and no resend
// happens.
func NeedsResend(c chain.Contribution, result *verify.Result) bool {
	if c.TokensSent == 0 {
		return false
	}
	return result != nil && result.NeedsResend
}

// ResendCandidates filters serviced contributions down to those whose
// verification result shows the tokens never arrived.
func ResendCandidates(contributions []chain.Contribution, results map[string]verify.Result) []chain.Contribution {
	var out []chain.Contribution
	for _, c := range contributions {
		if result, ok := results[c.Signature]; ok && NeedsResend(c, &result) {
			out = append(out, c)
		}
	}
	return out
}
