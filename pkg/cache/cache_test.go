package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/duckinhell/presale/pkg/chain"
	"github.com/duckinhell/presale/pkg/store"
	"github.com/duckinhell/presale/pkg/testutil"
)

type fakeSource struct {
	mu            sync.Mutex
	contributions []chain.Contribution
	contribErr    error
	balance       float64
	balanceErr    error
	listCalls     int
	balanceCalls  int
}

func (f *fakeSource) ListTreasuryContributions(ctx context.Context) ([]chain.Contribution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.contribErr != nil {
		return nil, f.contribErr
	}
	return f.contributions, nil
}

func (f *fakeSource) TreasuryBalance(ctx context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balanceCalls++
	if f.balanceErr != nil {
		return 0, f.balanceErr
	}
	return f.balance, nil
}

func (f *fakeSource) set(contributions []chain.Contribution, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contributions = contributions
	f.contribErr = err
}

func (f *fakeSource) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func testCache(t *testing.T, source *fakeSource, clock clockwork.Clock) (*Cache, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	c, err := New(Config{
		Logger: testutil.NewLogger(),
		Source: source,
		Store:  st,
		Clock:  clock,
	})
	require.NoError(t, err)
	return c, st
}

func TestPresale_Cache_Validate(t *testing.T) {
	t.Parallel()

	c, err := New(Config{Logger: testutil.NewLogger()})
	require.Error(t, err)
	require.Nil(t, c)
	require.Contains(t, err.Error(), "source is required")
}

func TestPresale_Cache_ServesFreshWithoutRefetch(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	source := &fakeSource{contributions: []chain.Contribution{{Signature: "sig1", Amount: 1}}}
	c, _ := testCache(t, source, clock)

	got := c.Contributions(context.Background(), false)
	require.Len(t, got, 1)
	require.Equal(t, 1, source.calls())

	// Within the TTL the chain is not touched again.
	clock.Advance(time.Minute)
	got = c.Contributions(context.Background(), false)
	require.Len(t, got, 1)
	require.Equal(t, 1, source.calls())
}

func TestPresale_Cache_RefreshesAfterTTL(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	source := &fakeSource{contributions: []chain.Contribution{{Signature: "sig1", Amount: 1}}}
	c, _ := testCache(t, source, clock)

	c.Contributions(context.Background(), false)
	require.Equal(t, 1, source.calls())

	clock.Advance(5*time.Minute + time.Second)
	source.set([]chain.Contribution{{Signature: "sig1", Amount: 1}, {Signature: "sig2", Amount: 2}}, nil)

	got := c.Contributions(context.Background(), false)
	require.Len(t, got, 2)
	require.Equal(t, 2, source.calls())
}

func TestPresale_Cache_ForceRefreshBypassesTTL(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	source := &fakeSource{}
	c, _ := testCache(t, source, clock)

	c.Contributions(context.Background(), false)
	c.Contributions(context.Background(), true)
	require.Equal(t, 2, source.calls())
}

func TestPresale_Cache_StaleDataSurvivesRefreshFailure(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	source := &fakeSource{contributions: []chain.Contribution{{Signature: "sig1", Amount: 1}}}
	c, _ := testCache(t, source, clock)

	c.Contributions(context.Background(), false)

	clock.Advance(10 * time.Minute)
	source.set(nil, errors.New("429 Too Many Requests"))

	// Stale beats empty.
	got := c.Contributions(context.Background(), false)
	require.Len(t, got, 1)
	require.Equal(t, "sig1", got[0].Signature)
}

func TestPresale_Cache_PersistedFallbackAcrossRestart(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	source := &fakeSource{contributions: []chain.Contribution{{Signature: "sig1", Amount: 1}}}

	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	c, err := New(Config{Logger: testutil.NewLogger(), Source: source, Store: st, Clock: clock})
	require.NoError(t, err)
	c.Contributions(context.Background(), false)

	// New process, chain unreachable. The persisted copy carries the site.
	source2 := &fakeSource{contribErr: errors.New("connection refused")}
	c2, err := New(Config{Logger: testutil.NewLogger(), Source: source2, Store: st, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)

	got := c2.Contributions(context.Background(), false)
	require.Len(t, got, 1)
	require.Equal(t, "sig1", got[0].Signature)
}

func TestPresale_Cache_EmptyWhenNothingEverFetched(t *testing.T) {
	t.Parallel()

	source := &fakeSource{contribErr: errors.New("connection refused")}
	c, _ := testCache(t, source, clockwork.NewFakeClock())

	got := c.Contributions(context.Background(), false)
	require.NotNil(t, got)
	require.Empty(t, got)
}

func TestPresale_Cache_TotalRaisedIsMaxOfSumAndBalance(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	source := &fakeSource{
		contributions: []chain.Contribution{{Signature: "sig1", Amount: 1}, {Signature: "sig2", Amount: 2}},
		balance:       10,
	}
	c, _ := testCache(t, source, clock)

	// Balance exceeds the windowed sum: old contributions scrolled out of
	// the scan window.
	require.InDelta(t, 10, c.TotalRaised(context.Background()), 1e-9)

	// Sum exceeds balance (treasury partially swept): sum wins.
	source.mu.Lock()
	source.balance = 0.5
	source.mu.Unlock()
	c.Invalidate()
	require.InDelta(t, 3, c.TotalRaised(context.Background()), 1e-9)
}

func TestPresale_Cache_InvalidateKeepsPersistedFallback(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	source := &fakeSource{contributions: []chain.Contribution{{Signature: "sig1", Amount: 1}}}
	c, _ := testCache(t, source, clock)

	c.Contributions(context.Background(), false)
	c.Invalidate()
	source.set(nil, errors.New("rate limit"))

	// Memory was cleared but the persisted copy still serves.
	got := c.Contributions(context.Background(), false)
	require.Len(t, got, 1)
}

func TestPresale_Cache_UniqueContributors(t *testing.T) {
	t.Parallel()

	source := &fakeSource{contributions: []chain.Contribution{
		{Signature: "sig1", Sender: "a"},
		{Signature: "sig2", Sender: "b"},
		{Signature: "sig3", Sender: "a"},
	}}
	c, _ := testCache(t, source, clockwork.NewFakeClock())

	require.Equal(t, 2, c.UniqueContributors(context.Background()))
}

func TestPresale_Cache_PersistedTotalRaised(t *testing.T) {
	t.Parallel()

	source := &fakeSource{
		contributions: []chain.Contribution{{Signature: "sig1", Amount: 2}},
		balance:       7,
	}
	c, st := testCache(t, source, clockwork.NewFakeClock())

	require.InDelta(t, 0, c.PersistedTotalRaised(), 1e-9)
	c.TotalRaised(context.Background())
	require.InDelta(t, 7, c.PersistedTotalRaised(), 1e-9)

	// The scalar is readable by a fresh cache without chain access.
	c2, err := New(Config{
		Logger: testutil.NewLogger(),
		Source: &fakeSource{contribErr: errors.New("down"), balanceErr: errors.New("down")},
		Store:  st,
		Clock:  clockwork.NewFakeClock(),
	})
	require.NoError(t, err)
	require.InDelta(t, 7, c2.PersistedTotalRaised(), 1e-9)
}
