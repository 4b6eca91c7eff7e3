package distributor

import (
	"context"
	"fmt"
	"math"

	"github.com/gagliardetto/solana-go"
	ata "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/token"

	solanaclient "github.com/duckinhell/presale/pkg/solana"
)

// transferTokens moves tokens to the recipient's associated token
// account, creating the account first when it does not exist yet. The
// create and the transfer are separate transactions so a transfer retry
// never re-runs the create.
//
// The returned signature is empty until a transfer was actually
// submitted; a non-empty signature alongside ErrConfirmationTimeout means
// the transfer is in flight but unconfirmed.
func (d *Driver) transferTokens(ctx context.Context, client solanaclient.Client, recipient solana.PublicKey, tokens float64) (string, error) {
	owner := d.cfg.Wallet.PublicKey()

	sourceAccount, _, err := solana.FindAssociatedTokenAddress(owner, d.cfg.TokenMint)
	if err != nil {
		return "", fmt.Errorf("failed to derive source token account: %w", err)
	}
	destAccount, _, err := solana.FindAssociatedTokenAddress(recipient, d.cfg.TokenMint)
	if err != nil {
		return "", fmt.Errorf("failed to derive token account for %s: %w", recipient, err)
	}

	exists, err := client.AccountExists(ctx, destAccount)
	if err != nil {
		return "", fmt.Errorf("failed to check token account for %s: %w", recipient, err)
	}
	if !exists {
		d.log.Info("distributor: creating token account", "recipient", recipient.String())
		createIx := ata.NewCreateInstruction(owner, recipient, d.cfg.TokenMint).Build()
		if _, err := d.submit(ctx, client, createIx); err != nil {
			return "", fmt.Errorf("failed to create token account for %s: %w", recipient, err)
		}
	}

	transferIx := token.NewTransferInstruction(baseUnits(tokens, d.cfg.Decimals), sourceAccount, destAccount, owner, nil).Build()

	sig, err := d.submit(ctx, client, transferIx)
	if err != nil {
		return sig, err
	}
	return sig, nil
}

// baseUnits converts a whole-token amount to mint base units, flooring so
// a payout never exceeds the computed entitlement.
func baseUnits(tokens float64, decimals int) uint64 {
	return uint64(math.Floor(tokens * math.Pow10(decimals)))
}

// submit assembles, signs, sends and confirms one transaction. The
// signature is returned even when confirmation fails so the caller can
// record an unconfirmed payout.
func (d *Driver) submit(ctx context.Context, client solanaclient.Client, instructions ...solana.Instruction) (string, error) {
	blockhash, err := client.LatestBlockhash(ctx)
	if err != nil {
		return "", err
	}
	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(d.cfg.Wallet.PublicKey()))
	if err != nil {
		return "", fmt.Errorf("failed to assemble transaction: %w", err)
	}
	if err := d.cfg.Wallet.SignTransaction(tx); err != nil {
		return "", err
	}

	sig, err := client.SendTransaction(ctx, tx)
	if err != nil {
		return "", err
	}

	confirmCtx, cancel := context.WithTimeout(ctx, confirmTimeout)
	defer cancel()
	if err := client.ConfirmTransaction(confirmCtx, sig); err != nil {
		return sig.String(), err
	}
	return sig.String(), nil
}
