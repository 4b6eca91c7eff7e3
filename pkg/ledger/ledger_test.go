package ledger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/duckinhell/presale/pkg/chain"
	"github.com/duckinhell/presale/pkg/store"
	"github.com/duckinhell/presale/pkg/testutil"
)

func sigN(t *testing.T, n byte) string {
	t.Helper()
	var raw [64]byte
	raw[0] = n
	raw[63] = 1
	return solana.SignatureFromBytes(raw[:]).String()
}

func testLedger(t *testing.T) (*Ledger, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	l, err := New(Config{Logger: testutil.NewLogger(), Store: st})
	require.NoError(t, err)
	return l, st
}

func TestPresale_Ledger_ValidateSignature(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateSignature(sigN(t, 1)))
	require.NoError(t, ValidateSignature("TEST-1234"))

	require.Error(t, ValidateSignature(""))
	require.Error(t, ValidateSignature("not!base58"))
	// Valid base58 but too short.
	require.Error(t, ValidateSignature("9W2S7JPPmyKb4V9LP4obRCXbvGT3YHMbKp9BVvNRHRRK"))
}

func TestPresale_Ledger_RecordAndDecorate(t *testing.T) {
	t.Parallel()

	l, _ := testLedger(t)
	deposit := sigN(t, 1)
	payout := sigN(t, 2)

	contributions := []chain.Contribution{
		{Signature: deposit, Sender: "alice", Amount: 0.5},
		{Signature: sigN(t, 3), Sender: "bob", Amount: 1},
	}

	require.NoError(t, l.RecordPayout(contributions[0], 500_000, payout, true))

	decorated := l.Decorate(contributions)
	require.InDelta(t, 500_000, decorated[0].TokensSent, 1e-9)
	require.Equal(t, payout, decorated[0].PayoutSignature)
	require.Zero(t, decorated[1].TokensSent)

	// The input is untouched.
	require.Zero(t, contributions[0].TokensSent)

	// Decoration is idempotent.
	again := l.Decorate(decorated)
	require.Equal(t, decorated, again)
}

func TestPresale_Ledger_RejectsInvalidSignatures(t *testing.T) {
	t.Parallel()

	l, _ := testLedger(t)

	err := l.RecordPayout(chain.Contribution{Signature: "bogus"}, 1, sigN(t, 1), true)
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid deposit signature")

	err = l.RecordPayout(chain.Contribution{Signature: sigN(t, 1)}, 1, "bogus", true)
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid payout signature")

	require.Equal(t, 0, l.Len())
}

func TestPresale_Ledger_PersistsAcrossRestart(t *testing.T) {
	t.Parallel()

	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	l, err := New(Config{Logger: testutil.NewLogger(), Store: st})
	require.NoError(t, err)

	deposit := sigN(t, 1)
	require.NoError(t, l.RecordPayout(chain.Contribution{Signature: deposit, Sender: "alice", Amount: 2}, 2_000_000, sigN(t, 2), true))

	l2, err := New(Config{Logger: testutil.NewLogger(), Store: st})
	require.NoError(t, err)
	r, ok := l2.Record(deposit)
	require.True(t, ok)
	require.InDelta(t, 2_000_000, r.TokensSent, 1e-9)
	require.True(t, r.Confirmed)
}

func TestPresale_Ledger_UnconfirmedThenConfirm(t *testing.T) {
	t.Parallel()

	l, _ := testLedger(t)
	deposit := sigN(t, 1)

	require.NoError(t, l.RecordPayout(chain.Contribution{Signature: deposit}, 100, sigN(t, 2), false))
	r, ok := l.Record(deposit)
	require.True(t, ok)
	require.False(t, r.Confirmed)

	require.NoError(t, l.Confirm(deposit))
	r, _ = l.Record(deposit)
	require.True(t, r.Confirmed)

	require.Error(t, l.Confirm(sigN(t, 9)))
}

func TestPresale_Ledger_OverwriteUpdatesPayout(t *testing.T) {
	t.Parallel()

	l, _ := testLedger(t)
	deposit := sigN(t, 1)
	c := chain.Contribution{Signature: deposit}

	require.NoError(t, l.RecordPayout(c, 100, sigN(t, 2), false))
	require.NoError(t, l.RecordPayout(c, 100, sigN(t, 3), true))

	r, _ := l.Record(deposit)
	require.Equal(t, sigN(t, 3), r.PayoutSignature)
	require.True(t, r.Confirmed)
	require.Equal(t, 1, l.Len())
}

func TestPresale_Ledger_Reset(t *testing.T) {
	t.Parallel()

	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	l, err := New(Config{Logger: testutil.NewLogger(), Store: st})
	require.NoError(t, err)

	require.NoError(t, l.RecordPayout(chain.Contribution{Signature: sigN(t, 1)}, 1, sigN(t, 2), true))
	require.NoError(t, l.Reset())
	require.Equal(t, 0, l.Len())

	l2, err := New(Config{Logger: testutil.NewLogger(), Store: st})
	require.NoError(t, err)
	require.Equal(t, 0, l2.Len())
}

func TestPresale_Ledger_SubscribeNotifiedOnMutation(t *testing.T) {
	t.Parallel()

	l, _ := testLedger(t)
	var notified int
	l.Subscribe(func() { notified++ })

	require.NoError(t, l.RecordPayout(chain.Contribution{Signature: sigN(t, 1)}, 1, sigN(t, 2), true))
	require.Equal(t, 1, notified)

	require.NoError(t, l.Reset())
	require.Equal(t, 2, notified)
}

func TestPresale_Ledger_ExportCSV(t *testing.T) {
	t.Parallel()

	l, _ := testLedger(t)
	require.NoError(t, l.RecordPayout(chain.Contribution{Signature: sigN(t, 1), Sender: "alice", Amount: 0.5}, 500_000, sigN(t, 2), true))

	var buf bytes.Buffer
	require.NoError(t, l.ExportCSV(&buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.Equal(t, "deposit_signature,sender,amount_sol,tokens_sent,payout_signature,confirmed,distributed_at", lines[0])
	require.Contains(t, lines[1], "alice")
	require.Contains(t, lines[1], "500000")
	require.Contains(t, lines[1], "true")
}

func TestPresale_Ledger_ExportContributionsCSV(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	err := ExportContributionsCSV(&buf, []chain.Contribution{
		{Signature: "sig1", Sender: "alice", Amount: 0.5, TokensSent: 500_000, PayoutSignature: "pay1"},
	})
	require.NoError(t, err)
	require.Contains(t, buf.String(), "sig1,alice,0.5")
}
