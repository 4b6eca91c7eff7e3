package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/duckinhell/presale/pkg/config"
	solanaclient "github.com/duckinhell/presale/pkg/solana"
	"github.com/duckinhell/presale/pkg/solana/solanatest"
	"github.com/duckinhell/presale/pkg/testutil"
)

var (
	testTreasury = solana.MustPublicKeyFromBase58("9W2S7JPPmyKb4V9LP4obRCXbvGT3YHMbKp9BVvNRHRRK")
	testMint     = solana.MustPublicKeyFromBase58("7AQBRZ5fkE21XMubQAqyoPHeTATzJKxwAdEaQZHEw9M1")
)

func depositSig(t *testing.T, n byte) solana.Signature {
	t.Helper()
	var raw [64]byte
	raw[0] = n
	raw[63] = 1
	return solana.SignatureFromBytes(raw[:])
}

// chainClient returns a fake chain with one 0.5 SOL contribution from
// sender.
func chainClient(t *testing.T, sender solana.PublicKey) *solanatest.Client {
	t.Helper()
	blockTime := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return &solanatest.Client{
		SignaturesFn: func(ctx context.Context, account solana.PublicKey, limit int) ([]solanaclient.SignatureInfo, error) {
			return []solanaclient.SignatureInfo{
				{Signature: depositSig(t, 1), BlockTime: blockTime},
			}, nil
		},
		TransactionFn: func(ctx context.Context, sig solana.Signature) (*solanaclient.TransactionDetail, error) {
			return &solanaclient.TransactionDetail{
				BlockTime: blockTime,
				Transfers: []solanaclient.Transfer{
					{Source: sender, Destination: testTreasury, Lamports: 500_000_000},
				},
			}, nil
		},
		BalanceFn: func(ctx context.Context, account solana.PublicKey) (uint64, error) {
			return 500_000_000, nil
		},
	}
}

func writeKeypair(t *testing.T, key solana.PrivateKey) string {
	t.Helper()
	raw, err := json.Marshal([]byte(key))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "keypair.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return path
}

func testApp(t *testing.T, client *solanatest.Client, adminKey solana.PublicKey) (*App, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	app, err := New(Config{
		Logger:  testutil.NewLogger(),
		DataDir: t.TempDir(),
		Addresses: config.Addresses{
			Treasury:  testTreasury,
			TokenMint: testMint,
			Admin:     adminKey,
		},
		Endpoints: []string{"fake://primary", "fake://secondary"},
		Out:       &out,
		NewClient: func(endpoint string) solanaclient.Client { return client },
	})
	require.NoError(t, err)
	return app, &out
}

func TestPresale_Admin_List(t *testing.T) {
	t.Parallel()

	sender, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	app, out := testApp(t, chainClient(t, sender.PublicKey()), testTreasury)
	require.NoError(t, app.List(context.Background(), false))

	text := out.String()
	require.Contains(t, text, "pending")
	require.Contains(t, text, "1 pending payout")
	require.Contains(t, text, "0.5000")
}

func TestPresale_Admin_DistributeTestMode(t *testing.T) {
	t.Parallel()

	sender, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	adminKey, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	app, out := testApp(t, chainClient(t, sender.PublicKey()), adminKey.PublicKey())
	err = app.Distribute(context.Background(), DistributeOptions{
		KeypairPath: writeKeypair(t, adminKey),
		TestMode:    true,
	})
	require.NoError(t, err)
	require.Contains(t, out.String(), "distributing to 1 contribution(s)")

	// The payout is recorded and the next listing shows it as serviced.
	out.Reset()
	require.NoError(t, app.List(context.Background(), false))
	require.Contains(t, out.String(), "sent")
	require.Contains(t, out.String(), "0 pending payout")
}

func TestPresale_Admin_DistributeCapsRunAtBatchSize(t *testing.T) {
	t.Parallel()

	senderA, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	senderB, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	adminKey, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	blockTime := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	senders := map[solana.Signature]solana.PublicKey{
		depositSig(t, 1): senderA.PublicKey(),
		depositSig(t, 2): senderB.PublicKey(),
	}
	client := &solanatest.Client{
		SignaturesFn: func(ctx context.Context, account solana.PublicKey, limit int) ([]solanaclient.SignatureInfo, error) {
			return []solanaclient.SignatureInfo{
				{Signature: depositSig(t, 1), BlockTime: blockTime},
				{Signature: depositSig(t, 2), BlockTime: blockTime},
			}, nil
		},
		TransactionFn: func(ctx context.Context, sig solana.Signature) (*solanaclient.TransactionDetail, error) {
			return &solanaclient.TransactionDetail{
				BlockTime: blockTime,
				Transfers: []solanaclient.Transfer{
					{Source: senders[sig], Destination: testTreasury, Lamports: 500_000_000},
				},
			}, nil
		},
	}

	app, out := testApp(t, client, adminKey.PublicKey())
	err = app.Distribute(context.Background(), DistributeOptions{
		KeypairPath: writeKeypair(t, adminKey),
		BatchSize:   1,
		TestMode:    true,
	})
	require.NoError(t, err)
	require.Contains(t, out.String(), "distributing to 1 contribution(s)")
	require.Contains(t, out.String(), "1 more eligible contribution(s)")

	// The second contribution is still pending for the next run.
	out.Reset()
	require.NoError(t, app.List(context.Background(), false))
	require.Contains(t, out.String(), "1 pending payout")
}

func TestPresale_Admin_DistributeRefusesNonAdminKeypair(t *testing.T) {
	t.Parallel()

	sender, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	adminKey, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	otherKey, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	app, _ := testApp(t, chainClient(t, sender.PublicKey()), adminKey.PublicKey())
	err = app.Distribute(context.Background(), DistributeOptions{
		KeypairPath: writeKeypair(t, otherKey),
		TestMode:    true,
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "not the admin wallet")

	// The override flag lets it through.
	err = app.Distribute(context.Background(), DistributeOptions{
		KeypairPath:   writeKeypair(t, otherKey),
		AllowNonAdmin: true,
		TestMode:      true,
	})
	require.NoError(t, err)
}

func TestPresale_Admin_DistributeRequiresKeypair(t *testing.T) {
	t.Parallel()

	sender, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	app, _ := testApp(t, chainClient(t, sender.PublicKey()), testTreasury)
	err = app.Distribute(context.Background(), DistributeOptions{TestMode: true})
	require.Error(t, err)
	require.Contains(t, err.Error(), "--keypair is required")
}

func TestPresale_Admin_DistributeNothingEligible(t *testing.T) {
	t.Parallel()

	sender, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	// 0.005 SOL entitles 5k tokens, below the 10k floor.
	client := chainClient(t, sender.PublicKey())
	client.TransactionFn = func(ctx context.Context, sig solana.Signature) (*solanaclient.TransactionDetail, error) {
		return &solanaclient.TransactionDetail{
			Transfers: []solanaclient.Transfer{
				{Source: sender.PublicKey(), Destination: testTreasury, Lamports: 5_000_000},
			},
		}, nil
	}

	app, out := testApp(t, client, testTreasury)
	require.NoError(t, app.Distribute(context.Background(), DistributeOptions{TestMode: true}))
	require.Contains(t, out.String(), "nothing to distribute")
}

func TestPresale_Admin_ResendRefusesDeliveredPayout(t *testing.T) {
	t.Parallel()

	sender, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	adminKey, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	client := chainClient(t, sender.PublicKey())
	// Contributor already holds the full entitlement (500k tokens at 9
	// decimals).
	client.TokenAccountBalanceFn = func(ctx context.Context, account solana.PublicKey) (uint64, error) {
		return 500_000_000_000_000, nil
	}

	app, out := testApp(t, client, adminKey.PublicKey())
	keypair := writeKeypair(t, adminKey)

	require.NoError(t, app.Distribute(context.Background(), DistributeOptions{KeypairPath: keypair, TestMode: true}))

	out.Reset()
	err = app.Resend(context.Background(), depositSig(t, 1).String(), DistributeOptions{KeypairPath: keypair, TestMode: true})
	require.NoError(t, err)
	require.Contains(t, out.String(), "already delivered")
}

func TestPresale_Admin_ResendUnknownSignature(t *testing.T) {
	t.Parallel()

	sender, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	app, _ := testApp(t, chainClient(t, sender.PublicKey()), testTreasury)
	err = app.Resend(context.Background(), depositSig(t, 9).String(), DistributeOptions{TestMode: true})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no contribution with signature")
}

func TestPresale_Admin_VerifyReportsShortfall(t *testing.T) {
	t.Parallel()

	sender, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	adminKey, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	client := chainClient(t, sender.PublicKey())
	// Nothing ever landed in the contributor's token account.
	client.AccountExistsFn = func(ctx context.Context, account solana.PublicKey) (bool, error) {
		return false, nil
	}

	app, out := testApp(t, client, adminKey.PublicKey())
	require.NoError(t, app.Distribute(context.Background(), DistributeOptions{
		KeypairPath: writeKeypair(t, adminKey),
		TestMode:    true,
	}))

	out.Reset()
	require.NoError(t, app.Verify(context.Background(), "", false))
	require.Contains(t, out.String(), "NEEDS RESEND")
	require.Contains(t, out.String(), "1 payout(s) need resending")
}

func TestPresale_Admin_Exports(t *testing.T) {
	t.Parallel()

	sender, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	adminKey, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	app, _ := testApp(t, chainClient(t, sender.PublicKey()), adminKey.PublicKey())
	require.NoError(t, app.Distribute(context.Background(), DistributeOptions{
		KeypairPath: writeKeypair(t, adminKey),
		TestMode:    true,
	}))

	var contributions bytes.Buffer
	require.NoError(t, app.ExportContributions(context.Background(), &contributions, false))
	require.Contains(t, contributions.String(), sender.PublicKey().String())

	var distributions bytes.Buffer
	require.NoError(t, app.ExportDistributions(&distributions))
	require.Contains(t, distributions.String(), depositSig(t, 1).String())
	require.Contains(t, distributions.String(), "500000")
}

func TestPresale_Admin_ResetLedger(t *testing.T) {
	t.Parallel()

	sender, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	adminKey, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	app, out := testApp(t, chainClient(t, sender.PublicKey()), adminKey.PublicKey())
	require.NoError(t, app.Distribute(context.Background(), DistributeOptions{
		KeypairPath: writeKeypair(t, adminKey),
		TestMode:    true,
	}))

	// Anything but the magic word aborts.
	require.NoError(t, app.ResetLedger(false, strings.NewReader("no\n")))
	require.Contains(t, out.String(), "aborted")

	out.Reset()
	require.NoError(t, app.ResetLedger(false, strings.NewReader("reset\n")))
	require.NoError(t, app.List(context.Background(), false))
	require.Contains(t, out.String(), "1 pending payout")
}
