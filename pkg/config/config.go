package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
)

// Presale economics. The rate is fixed for the whole sale: 1 SOL buys
// 1,000,000 tokens. Contributions owed fewer than MinTokenThreshold tokens
// are below the payout floor and are never queued for distribution.
const (
	DistributionRate  = 1_000_000
	MinTokenThreshold = 10_000
	TokenDecimals     = 9
)

// Chain scan and cache tuning.
const (
	SignatureScanLimit = 10
	ScanBatchSize      = 2
	ScanBatchInterval  = 500 * time.Millisecond
	CacheTTL           = 5 * time.Minute
)

const (
	defaultTreasuryAddress = "9W2S7JPPmyKb4V9LP4obRCXbvGT3YHMbKp9BVvNRHRRK"
	defaultTokenMint       = "7AQBRZ5fkE21XMubQAqyoPHeTATzJKxwAdEaQZHEw9M1"
)

// DefaultRPCEndpoints are tried in round-robin order when a provider rate
// limits or fails. SOLANA_RPC_URL, when set, is prepended as the preferred
// endpoint.
var DefaultRPCEndpoints = []string{
	"https://api.mainnet-beta.solana.com",
	"https://solana-api.projectserum.com",
	"https://rpc.ankr.com/solana",
}

// Addresses holds the on-chain accounts the presale revolves around. The
// admin wallet is the account expected to fund token distributions; by
// default it is the treasury itself.
type Addresses struct {
	Treasury  solana.PublicKey
	TokenMint solana.PublicKey
	Admin     solana.PublicKey
}

// AddressesFromEnv builds Addresses from PRESALE_TREASURY_ADDRESS,
// PRESALE_TOKEN_MINT and PRESALE_ADMIN_ADDRESS, falling back to the shipped
// mainnet defaults.
func AddressesFromEnv() (Addresses, error) {
	treasury, err := pubkeyFromEnv("PRESALE_TREASURY_ADDRESS", defaultTreasuryAddress)
	if err != nil {
		return Addresses{}, err
	}
	mint, err := pubkeyFromEnv("PRESALE_TOKEN_MINT", defaultTokenMint)
	if err != nil {
		return Addresses{}, err
	}
	admin, err := pubkeyFromEnv("PRESALE_ADMIN_ADDRESS", treasury.String())
	if err != nil {
		return Addresses{}, err
	}
	return Addresses{Treasury: treasury, TokenMint: mint, Admin: admin}, nil
}

// RPCEndpointsFromEnv returns the RPC endpoint list, honoring SOLANA_RPC_URL
// and an optional comma-separated SOLANA_RPC_ENDPOINTS override.
func RPCEndpointsFromEnv() []string {
	if raw := os.Getenv("SOLANA_RPC_ENDPOINTS"); raw != "" {
		var endpoints []string
		for _, e := range strings.Split(raw, ",") {
			if e = strings.TrimSpace(e); e != "" {
				endpoints = append(endpoints, e)
			}
		}
		if len(endpoints) > 0 {
			return endpoints
		}
	}
	endpoints := make([]string, 0, len(DefaultRPCEndpoints)+1)
	if primary := os.Getenv("SOLANA_RPC_URL"); primary != "" {
		endpoints = append(endpoints, primary)
	}
	return append(endpoints, DefaultRPCEndpoints...)
}

func pubkeyFromEnv(key, fallback string) (solana.PublicKey, error) {
	raw := os.Getenv(key)
	if raw == "" {
		raw = fallback
	}
	pk, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return pk, nil
}
