package chain

import (
	"time"
)

// LamportsPerSOL is the number of base units in one SOL.
const LamportsPerSOL = 1_000_000_000

// Contribution is one observed transfer of SOL into the treasury. It is
// immutable chain data; TokensSent and PayoutSignature are overlays applied
// from the distribution ledger, never written back to the chain.
type Contribution struct {
	// Signature of the transaction that carried the transfer. Uniquely
	// identifies the contribution.
	Signature string `json:"signature"`

	// Sender wallet address, which is also the payout recipient.
	Sender string `json:"sender"`

	// Amount in SOL. Always > 0 for an extracted contribution.
	Amount float64 `json:"amount"`

	// Timestamp is the transaction's block time.
	Timestamp time.Time `json:"timestamp"`

	TokensSent      float64 `json:"tokens_sent,omitempty"`
	PayoutSignature string  `json:"payout_signature,omitempty"`
}

// Entitlement is the token amount owed for the contribution at the given
// distribution rate.
func (c Contribution) Entitlement(rate float64) float64 {
	return c.Amount * rate
}

// SumAmounts totals the SOL amounts of the given contributions.
func SumAmounts(contributions []Contribution) float64 {
	var total float64
	for _, c := range contributions {
		total += c.Amount
	}
	return total
}

// UniqueSenders counts distinct contributor wallets.
func UniqueSenders(contributions []Contribution) int {
	seen := make(map[string]struct{}, len(contributions))
	for _, c := range contributions {
		seen[c.Sender] = struct{}{}
	}
	return len(seen)
}
