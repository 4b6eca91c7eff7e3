// Package solanatest provides configurable in-memory fakes for the RPC
// capability surface, used by package tests across the repo.
package solanatest

import (
	"context"
	"sync"

	"github.com/gagliardetto/solana-go"

	solanaclient "github.com/duckinhell/presale/pkg/solana"
)

// Client is a fake solana.Client. Zero values behave like an empty chain;
// hook fields override individual calls.
type Client struct {
	mu sync.Mutex

	BalanceFn             func(ctx context.Context, account solana.PublicKey) (uint64, error)
	SignaturesFn          func(ctx context.Context, account solana.PublicKey, limit int) ([]solanaclient.SignatureInfo, error)
	TransactionFn         func(ctx context.Context, sig solana.Signature) (*solanaclient.TransactionDetail, error)
	LatestBlockhashFn     func(ctx context.Context) (solana.Hash, error)
	SendTransactionFn     func(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	ConfirmTransactionFn  func(ctx context.Context, sig solana.Signature) error
	AccountExistsFn       func(ctx context.Context, account solana.PublicKey) (bool, error)
	TokenAccountBalanceFn func(ctx context.Context, account solana.PublicKey) (uint64, error)

	sendCount    int
	confirmCount int
}

var _ solanaclient.Client = (*Client)(nil)

func (c *Client) Balance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	if c.BalanceFn != nil {
		return c.BalanceFn(ctx, account)
	}
	return 0, nil
}

func (c *Client) Signatures(ctx context.Context, account solana.PublicKey, limit int) ([]solanaclient.SignatureInfo, error) {
	if c.SignaturesFn != nil {
		return c.SignaturesFn(ctx, account, limit)
	}
	return nil, nil
}

func (c *Client) Transaction(ctx context.Context, sig solana.Signature) (*solanaclient.TransactionDetail, error) {
	if c.TransactionFn != nil {
		return c.TransactionFn(ctx, sig)
	}
	return &solanaclient.TransactionDetail{}, nil
}

func (c *Client) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	if c.LatestBlockhashFn != nil {
		return c.LatestBlockhashFn(ctx)
	}
	return solana.Hash{}, nil
}

func (c *Client) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	c.mu.Lock()
	c.sendCount++
	c.mu.Unlock()
	if c.SendTransactionFn != nil {
		return c.SendTransactionFn(ctx, tx)
	}
	return solana.Signature{}, nil
}

func (c *Client) ConfirmTransaction(ctx context.Context, sig solana.Signature) error {
	c.mu.Lock()
	c.confirmCount++
	c.mu.Unlock()
	if c.ConfirmTransactionFn != nil {
		return c.ConfirmTransactionFn(ctx, sig)
	}
	return nil
}

func (c *Client) AccountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	if c.AccountExistsFn != nil {
		return c.AccountExistsFn(ctx, account)
	}
	return true, nil
}

func (c *Client) TokenAccountBalance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	if c.TokenAccountBalanceFn != nil {
		return c.TokenAccountBalanceFn(ctx, account)
	}
	return 0, nil
}

// SendCount reports how many transactions were submitted.
func (c *Client) SendCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendCount
}

// Source is a fake ClientSource that always returns the same Client and
// counts failovers.
type Source struct {
	mu        sync.Mutex
	C         *Client
	failovers int
}

var _ solanaclient.ClientSource = (*Source)(nil)

func NewSource(c *Client) *Source {
	if c == nil {
		c = &Client{}
	}
	return &Source{C: c}
}

func (s *Source) Client() solanaclient.Client { return s.C }

func (s *Source) Failover() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failovers++
}

// Failovers reports how many times the consumer requested endpoint
// failover.
func (s *Source) Failovers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failovers
}
