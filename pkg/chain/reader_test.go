package chain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	solanaclient "github.com/duckinhell/presale/pkg/solana"
	"github.com/duckinhell/presale/pkg/solana/solanatest"
	"github.com/duckinhell/presale/pkg/testutil"
)

var (
	testTreasury = solana.MustPublicKeyFromBase58("9W2S7JPPmyKb4V9LP4obRCXbvGT3YHMbKp9BVvNRHRRK")
	testSenderA  = solana.MustPublicKeyFromBase58("7AQBRZ5fkE21XMubQAqyoPHeTATzJKxwAdEaQZHEw9M1")
	testSenderB  = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")
)

func sigN(t *testing.T, n byte) solana.Signature {
	t.Helper()
	var raw [64]byte
	raw[0] = n
	return solana.SignatureFromBytes(raw[:])
}

func testReader(t *testing.T, client *solanatest.Client) *Reader {
	t.Helper()
	reader, err := NewReader(ReaderConfig{
		Logger:        testutil.NewLogger(),
		Clients:       solanatest.NewSource(client),
		Treasury:      testTreasury,
		BatchInterval: time.Millisecond,
	})
	require.NoError(t, err)
	return reader
}

func TestPresale_Chain_Reader_Validate(t *testing.T) {
	t.Parallel()

	t.Run("missing logger", func(t *testing.T) {
		t.Parallel()
		reader, err := NewReader(ReaderConfig{
			Clients:  solanatest.NewSource(nil),
			Treasury: testTreasury,
		})
		require.Error(t, err)
		require.Nil(t, reader)
		require.Contains(t, err.Error(), "logger is required")
	})

	t.Run("missing treasury", func(t *testing.T) {
		t.Parallel()
		reader, err := NewReader(ReaderConfig{
			Logger:  testutil.NewLogger(),
			Clients: solanatest.NewSource(nil),
		})
		require.Error(t, err)
		require.Nil(t, reader)
		require.Contains(t, err.Error(), "treasury address is required")
	})
}

func TestPresale_Chain_Reader_ExtractsTreasuryTransfers(t *testing.T) {
	t.Parallel()

	blockTime := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	details := map[solana.Signature]*solanaclient.TransactionDetail{
		sigN(t, 1): {
			BlockTime: blockTime,
			Transfers: []solanaclient.Transfer{
				{Source: testSenderA, Destination: testTreasury, Lamports: 500_000_000},
			},
		},
		// Transfer to some other destination: not a contribution.
		sigN(t, 2): {
			BlockTime: blockTime,
			Transfers: []solanaclient.Transfer{
				{Source: testSenderA, Destination: testSenderB, Lamports: 100_000_000},
			},
		},
		// No transfer instruction at all.
		sigN(t, 3): {BlockTime: blockTime},
		// Zero-lamport transfer is filtered.
		sigN(t, 4): {
			BlockTime: blockTime,
			Transfers: []solanaclient.Transfer{
				{Source: testSenderB, Destination: testTreasury, Lamports: 0},
			},
		},
		sigN(t, 5): {
			BlockTime: blockTime.Add(time.Hour),
			Transfers: []solanaclient.Transfer{
				{Source: testSenderB, Destination: testTreasury, Lamports: 2_000_000_000},
			},
		},
	}

	client := &solanatest.Client{
		SignaturesFn: func(ctx context.Context, account solana.PublicKey, limit int) ([]solanaclient.SignatureInfo, error) {
			require.Equal(t, testTreasury, account)
			var infos []solanaclient.SignatureInfo
			for n := byte(1); n <= 5; n++ {
				infos = append(infos, solanaclient.SignatureInfo{
					Signature: sigN(t, n),
					BlockTime: details[sigN(t, n)].BlockTime,
				})
			}
			return infos, nil
		},
		TransactionFn: func(ctx context.Context, sig solana.Signature) (*solanaclient.TransactionDetail, error) {
			return details[sig], nil
		},
	}

	reader := testReader(t, client)
	contributions, err := reader.ListTreasuryContributions(context.Background())
	require.NoError(t, err)
	require.Len(t, contributions, 2)

	// Newest first.
	require.Equal(t, sigN(t, 5).String(), contributions[0].Signature)
	require.Equal(t, testSenderB.String(), contributions[0].Sender)
	require.InDelta(t, 2.0, contributions[0].Amount, 1e-9)

	require.Equal(t, sigN(t, 1).String(), contributions[1].Signature)
	require.Equal(t, testSenderA.String(), contributions[1].Sender)
	require.InDelta(t, 0.5, contributions[1].Amount, 1e-9)
	require.Equal(t, blockTime, contributions[1].Timestamp)
}

func TestPresale_Chain_Reader_SkipsFailedTransactions(t *testing.T) {
	t.Parallel()

	client := &solanatest.Client{
		SignaturesFn: func(ctx context.Context, account solana.PublicKey, limit int) ([]solanaclient.SignatureInfo, error) {
			return []solanaclient.SignatureInfo{
				{Signature: sigN(t, 1), Failed: true},
			}, nil
		},
		TransactionFn: func(ctx context.Context, sig solana.Signature) (*solanaclient.TransactionDetail, error) {
			t.Fatal("failed transaction should not be fetched")
			return nil, nil
		},
	}

	reader := testReader(t, client)
	contributions, err := reader.ListTreasuryContributions(context.Background())
	require.NoError(t, err)
	require.Empty(t, contributions)
}

func TestPresale_Chain_Reader_DropsUndecodableTransactions(t *testing.T) {
	t.Parallel()

	client := &solanatest.Client{
		SignaturesFn: func(ctx context.Context, account solana.PublicKey, limit int) ([]solanaclient.SignatureInfo, error) {
			return []solanaclient.SignatureInfo{
				{Signature: sigN(t, 1)},
				{Signature: sigN(t, 2)},
			}, nil
		},
		TransactionFn: func(ctx context.Context, sig solana.Signature) (*solanaclient.TransactionDetail, error) {
			if sig == sigN(t, 1) {
				return nil, errors.New("node is behind")
			}
			return &solanaclient.TransactionDetail{
				Transfers: []solanaclient.Transfer{
					{Source: testSenderA, Destination: testTreasury, Lamports: 1_000_000_000},
				},
			}, nil
		},
	}

	reader := testReader(t, client)
	contributions, err := reader.ListTreasuryContributions(context.Background())
	require.NoError(t, err)
	require.Len(t, contributions, 1)
	require.Equal(t, sigN(t, 2).String(), contributions[0].Signature)
}

func TestPresale_Chain_Reader_SignatureListingErrorPropagates(t *testing.T) {
	t.Parallel()

	client := &solanatest.Client{
		SignaturesFn: func(ctx context.Context, account solana.PublicKey, limit int) ([]solanaclient.SignatureInfo, error) {
			return nil, errors.New("429 Too Many Requests")
		},
	}

	reader := testReader(t, client)
	contributions, err := reader.ListTreasuryContributions(context.Background())
	require.Error(t, err)
	require.Nil(t, contributions)
	require.Contains(t, err.Error(), "failed to list treasury signatures")
}

func TestPresale_Chain_Reader_TreasuryBalance(t *testing.T) {
	t.Parallel()

	client := &solanatest.Client{
		BalanceFn: func(ctx context.Context, account solana.PublicKey) (uint64, error) {
			return 12_500_000_000, nil
		},
	}

	reader := testReader(t, client)
	balance, err := reader.TreasuryBalance(context.Background())
	require.NoError(t, err)
	require.InDelta(t, 12.5, balance, 1e-9)
}

func TestPresale_Chain_Contribution_Entitlement(t *testing.T) {
	t.Parallel()

	c := Contribution{Amount: 0.5}
	require.InDelta(t, 500_000, c.Entitlement(1_000_000), 1e-9)
}

func TestPresale_Chain_UniqueSenders(t *testing.T) {
	t.Parallel()

	contributions := []Contribution{
		{Sender: "a"}, {Sender: "b"}, {Sender: "a"},
	}
	require.Equal(t, 2, UniqueSenders(contributions))
	require.Equal(t, 0, UniqueSenders(nil))
}
