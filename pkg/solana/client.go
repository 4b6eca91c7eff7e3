package solana

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
)

// confirmPollInterval is how often ConfirmTransaction polls for status.
const confirmPollInterval = 2 * time.Second

// SignatureInfo is one entry of a signatures-for-address listing.
type SignatureInfo struct {
	Signature solana.Signature
	BlockTime time.Time
	Failed    bool
}

// Transfer is a decoded native-currency (system program) transfer
// instruction.
type Transfer struct {
	Source      solana.PublicKey
	Destination solana.PublicKey
	Lamports    uint64
}

// TransactionDetail is the decoded view of a confirmed transaction,
// reduced to what contribution extraction needs.
type TransactionDetail struct {
	Failed    bool
	BlockTime time.Time
	Transfers []Transfer
}

// Client is the ledger RPC capability surface the rest of the system
// consumes. Implementations are bound to a single endpoint; failover is the
// Pool's job.
type Client interface {
	// Balance returns the account's lamport balance.
	Balance(ctx context.Context, account solana.PublicKey) (uint64, error)

	// Signatures lists up to limit recent transaction signatures for the
	// account, newest first.
	Signatures(ctx context.Context, account solana.PublicKey, limit int) ([]SignatureInfo, error)

	// Transaction fetches and decodes one confirmed transaction.
	Transaction(ctx context.Context, sig solana.Signature) (*TransactionDetail, error)

	// LatestBlockhash returns a recent blockhash for transaction assembly.
	LatestBlockhash(ctx context.Context) (solana.Hash, error)

	// SendTransaction submits a signed transaction.
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)

	// ConfirmTransaction blocks until the signature reaches confirmed
	// commitment or ctx expires, in which case it returns
	// ErrConfirmationTimeout.
	ConfirmTransaction(ctx context.Context, sig solana.Signature) error

	// AccountExists reports whether the account has been created on chain.
	AccountExists(ctx context.Context, account solana.PublicKey) (bool, error)

	// TokenAccountBalance returns a token account's balance in base units.
	TokenAccountBalance(ctx context.Context, account solana.PublicKey) (uint64, error)
}

type rpcClient struct {
	endpoint string
	rpc      *solanarpc.Client
}

// NewClient returns a Client bound to the given RPC endpoint.
func NewClient(endpoint string) Client {
	return &rpcClient{
		endpoint: endpoint,
		rpc:      solanarpc.New(endpoint),
	}
}

func (c *rpcClient) Balance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	out, err := c.rpc.GetBalance(ctx, account, solanarpc.CommitmentConfirmed)
	if err != nil {
		return 0, fmt.Errorf("failed to get balance for %s: %w", account, err)
	}
	return out.Value, nil
}

func (c *rpcClient) Signatures(ctx context.Context, account solana.PublicKey, limit int) ([]SignatureInfo, error) {
	out, err := c.rpc.GetSignaturesForAddressWithOpts(ctx, account, &solanarpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: solanarpc.CommitmentConfirmed,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list signatures for %s: %w", account, err)
	}
	infos := make([]SignatureInfo, 0, len(out))
	for _, sig := range out {
		info := SignatureInfo{
			Signature: sig.Signature,
			Failed:    sig.Err != nil,
		}
		if sig.BlockTime != nil {
			info.BlockTime = sig.BlockTime.Time()
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (c *rpcClient) Transaction(ctx context.Context, sig solana.Signature) (*TransactionDetail, error) {
	maxVersion := uint64(0)
	out, err := c.rpc.GetTransaction(ctx, sig, &solanarpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     solanarpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction %s: %w", sig, err)
	}

	detail := &TransactionDetail{}
	if out.Meta != nil && out.Meta.Err != nil {
		detail.Failed = true
	}
	if out.BlockTime != nil {
		detail.BlockTime = out.BlockTime.Time()
	}

	tx, err := out.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction %s: %w", sig, err)
	}

	for _, ci := range tx.Message.Instructions {
		program, err := tx.Message.Program(ci.ProgramIDIndex)
		if err != nil || !program.Equals(system.ProgramID) {
			continue
		}
		accounts, err := ci.ResolveInstructionAccounts(&tx.Message)
		if err != nil {
			continue
		}
		decoded, err := system.DecodeInstruction(accounts, ci.Data)
		if err != nil {
			continue
		}
		transfer, ok := decoded.Impl.(*system.Transfer)
		if !ok || transfer.Lamports == nil {
			continue
		}
		detail.Transfers = append(detail.Transfers, Transfer{
			Source:      transfer.GetFundingAccount().PublicKey,
			Destination: transfer.GetRecipientAccount().PublicKey,
			Lamports:    *transfer.Lamports,
		})
	}

	return detail, nil
}

func (c *rpcClient) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	out, err := c.rpc.GetLatestBlockhash(ctx, solanarpc.CommitmentConfirmed)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("failed to get latest blockhash: %w", err)
	}
	return out.Value.Blockhash, nil
}

func (c *rpcClient) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, solanarpc.TransactionOpts{
		PreflightCommitment: solanarpc.CommitmentConfirmed,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	return sig, nil
}

func (c *rpcClient) ConfirmTransaction(ctx context.Context, sig solana.Signature) error {
	for {
		out, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
		if err == nil && len(out.Value) > 0 && out.Value[0] != nil {
			status := out.Value[0]
			if status.Err != nil {
				return fmt.Errorf("transaction %s failed on chain: %v", sig, status.Err)
			}
			switch status.ConfirmationStatus {
			case solanarpc.ConfirmationStatusConfirmed, solanarpc.ConfirmationStatusFinalized:
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ErrConfirmationTimeout
		case <-time.After(confirmPollInterval):
		}
	}
}

func (c *rpcClient) AccountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	out, err := c.rpc.GetAccountInfo(ctx, account)
	if err != nil {
		if errors.Is(err, solanarpc.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get account info for %s: %w", account, err)
	}
	return out != nil && out.Value != nil, nil
}

func (c *rpcClient) TokenAccountBalance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	out, err := c.rpc.GetTokenAccountBalance(ctx, account, solanarpc.CommitmentConfirmed)
	if err != nil {
		return 0, fmt.Errorf("failed to get token account balance for %s: %w", account, err)
	}
	if out.Value == nil {
		return 0, fmt.Errorf("empty token balance response for %s", account)
	}
	amount, err := strconv.ParseUint(out.Value.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed token balance %q for %s: %w", out.Value.Amount, account, err)
	}
	return amount, nil
}
