package solana

import (
	"errors"
	"strings"
)

// ErrorKind is a closed classification of RPC and wallet failures. Provider
// error reporting is free text, so substring sniffing is unavoidable; it is
// confined to Classify so call sites never inspect messages themselves.
type ErrorKind int

const (
	// KindOther is any failure that is neither a rate limit nor a human
	// saying no. Retried with the generic backoff schedule.
	KindOther ErrorKind = iota

	// KindRateLimit is a provider throttle (HTTP 429 or equivalent).
	// Retried with the steeper rate-limit schedule after failing over to
	// the next endpoint.
	KindRateLimit

	// KindUserRejected means the wallet declined to sign or the operator
	// cancelled the prompt. Never retried.
	KindUserRejected
)

// ErrConfirmationTimeout is returned when a submitted transaction was not
// confirmed within the ceiling. The transaction may still land; callers
// must treat the payout as unconfirmed, not failed.
var ErrConfirmationTimeout = errors.New("transaction confirmation timed out")

var rateLimitPatterns = []string{
	"429",
	"rate limit",
	"rate-limit",
	"too many requests",
}

var rejectionPatterns = []string{
	"user rejected",
	"rejected",
	"cancelled",
	"canceled",
	"declined",
}

// Classify maps an error onto an ErrorKind. Rejection is checked first: a
// wallet refusal must never be mistaken for a transient failure.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindOther
	}
	msg := strings.ToLower(err.Error())
	for _, p := range rejectionPatterns {
		if strings.Contains(msg, p) {
			return KindUserRejected
		}
	}
	for _, p := range rateLimitPatterns {
		if strings.Contains(msg, p) {
			return KindRateLimit
		}
	}
	return KindOther
}

// IsRateLimit reports whether err looks like a provider throttle.
func IsRateLimit(err error) bool {
	return err != nil && Classify(err) == KindRateLimit
}

// IsUserRejection reports whether err is the wallet or operator declining.
func IsUserRejection(err error) bool {
	return err != nil && Classify(err) == KindUserRejected
}
