package wbatch

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"

	"github.com/tidewallet/tidewallet/waccmgr"
	"github.com/tidewallet/tidewallet/wcache"
)

const balanceQuery = "balance"

func testAddress(b byte) waccmgr.Address {
	var addr waccmgr.Address
	addr[0] = b
	addr[waccmgr.AddressSize-1] = b
	return addr
}

func testRequests(n int) []Request {
	reqs := make([]Request, n)
	for i := range reqs {
		reqs[i] = Request{
			Address: testAddress(byte(i)),
			Query:   balanceQuery,
		}
	}
	return reqs
}

// fakeFetcher is a scriptable Fetcher that tracks attempts and observed
// concurrency.
type fakeFetcher struct {
	mu       sync.Mutex
	attempts map[waccmgr.Address]int
	script   func(addr waccmgr.Address, attempt int) (*big.Int, error)

	delay        time.Duration
	inFlight     atomic.Int64
	peakInFlight atomic.Int64
	totalFetches atomic.Int64
}

func newFakeFetcher(script func(addr waccmgr.Address, attempt int) (*big.Int, error)) *fakeFetcher {
	return &fakeFetcher{
		attempts: make(map[waccmgr.Address]int),
		script:   script,
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, addr waccmgr.Address, query string) (*big.Int, error) {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peakInFlight.Load()
		if cur <= peak || f.peakInFlight.CompareAndSwap(peak, cur) {
			break
		}
	}
	f.totalFetches.Add(1)

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	f.attempts[addr]++
	attempt := f.attempts[addr]
	f.mu.Unlock()

	return f.script(addr, attempt)
}

func balanceOf(addr waccmgr.Address) *big.Int {
	return big.NewInt(int64(addr[0]) * 1000)
}

func alwaysSucceed(addr waccmgr.Address, attempt int) (*big.Int, error) {
	return balanceOf(addr), nil
}

func TestRunYieldsOneResultPerRequest(t *testing.T) {
	fetcher := newFakeFetcher(alwaysSucceed)
	engine := NewEngine(&Config{Fetcher: fetcher})

	reqs := testRequests(17)
	results, summary := engine.Run(context.Background(), reqs)

	require.Len(t, results, len(reqs))
	require.Equal(t, 17, summary.Requested)
	require.Equal(t, 17, summary.Succeeded)
	require.Equal(t, 0, summary.Failed)
	for i, res := range results {
		require.Equal(t, reqs[i].Address, res.Address,
			"results preserve request order")
		require.NoError(t, res.Err)
		require.Equal(t, balanceOf(reqs[i].Address), res.Value)
	}
}

func TestEmptyBatch(t *testing.T) {
	engine := NewEngine(&Config{Fetcher: newFakeFetcher(alwaysSucceed)})
	results, summary := engine.Run(context.Background(), nil)
	require.Empty(t, results)
	require.Zero(t, summary.Requested)
}

func TestConcurrencyNeverExceedsLimit(t *testing.T) {
	fetcher := newFakeFetcher(alwaysSucceed)
	fetcher.delay = 5 * time.Millisecond
	engine := NewEngine(&Config{
		Fetcher:     fetcher,
		Concurrency: 4,
	})

	results, _ := engine.Run(context.Background(), testRequests(32))
	require.Len(t, results, 32)
	require.LessOrEqual(t, fetcher.peakInFlight.Load(), int64(4))
	require.Greater(t, fetcher.peakInFlight.Load(), int64(1),
		"the gate must actually admit queries in parallel")
}

func TestParallelismBeatsSequential(t *testing.T) {
	perQuery := 10 * time.Millisecond
	fetcher := newFakeFetcher(alwaysSucceed)
	fetcher.delay = perQuery
	engine := NewEngine(&Config{
		Fetcher:     fetcher,
		Concurrency: 8,
	})

	const n = 16
	start := time.Now()
	results, _ := engine.Run(context.Background(), testRequests(n))
	elapsed := time.Since(start)

	require.Len(t, results, n)
	require.Less(t, elapsed, time.Duration(n)*perQuery,
		"concurrent execution must beat the summed sequential time")
}

func TestPartialFailureIsIsolated(t *testing.T) {
	failing := map[byte]bool{3: true, 7: true, 11: true}
	fetcher := newFakeFetcher(func(addr waccmgr.Address, attempt int) (*big.Int, error) {
		if failing[addr[0]] {
			return nil, Permanent(errors.New("unknown account"))
		}
		return balanceOf(addr), nil
	})
	engine := NewEngine(&Config{Fetcher: fetcher})

	reqs := testRequests(16)
	results, summary := engine.Run(context.Background(), reqs)

	require.Len(t, results, 16)
	require.Equal(t, 3, summary.Failed)
	require.Equal(t, 13, summary.Succeeded)
	for i, res := range results {
		if failing[reqs[i].Address[0]] {
			require.Error(t, res.Err)
			require.Nil(t, res.Value)
		} else {
			require.NoError(t, res.Err)
			require.Equal(t, balanceOf(reqs[i].Address), res.Value)
		}
	}
}

func TestTransientFailuresAreRetried(t *testing.T) {
	fetcher := newFakeFetcher(func(addr waccmgr.Address, attempt int) (*big.Int, error) {
		if attempt < 3 {
			return nil, Transient(errors.New("connection reset"))
		}
		return balanceOf(addr), nil
	})
	engine := NewEngine(&Config{
		Fetcher:    fetcher,
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   2 * time.Millisecond,
	})

	results, summary := engine.Run(context.Background(), testRequests(1))
	require.NoError(t, results[0].Err)
	require.Equal(t, 1, summary.Succeeded)
	require.Equal(t, int64(3), fetcher.totalFetches.Load(),
		"two transient failures plus the success")
}

func TestTransientExhaustionSurfacesLastError(t *testing.T) {
	fetcher := newFakeFetcher(func(addr waccmgr.Address, attempt int) (*big.Int, error) {
		return nil, Transient(fmt.Errorf("attempt %d refused", attempt))
	})
	engine := NewEngine(&Config{
		Fetcher:    fetcher,
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   2 * time.Millisecond,
	})

	results, summary := engine.Run(context.Background(), testRequests(1))
	require.Error(t, results[0].Err)
	require.True(t, IsTransient(results[0].Err))
	require.Contains(t, results[0].Err.Error(), "attempt 3",
		"the error from the final attempt surfaces")
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, int64(3), fetcher.totalFetches.Load(),
		"initial attempt plus two retries")
}

func TestPermanentFailuresAreNeverRetried(t *testing.T) {
	fetcher := newFakeFetcher(func(addr waccmgr.Address, attempt int) (*big.Int, error) {
		return nil, Permanent(errors.New("malformed query"))
	})
	engine := NewEngine(&Config{
		Fetcher:    fetcher,
		MaxRetries: 5,
		BaseDelay:  time.Millisecond,
	})

	results, _ := engine.Run(context.Background(), testRequests(1))
	require.Error(t, results[0].Err)
	require.False(t, IsTransient(results[0].Err))
	require.Equal(t, int64(1), fetcher.totalFetches.Load())
}

func TestUnclassifiedFailuresAreNeverRetried(t *testing.T) {
	fetcher := newFakeFetcher(func(addr waccmgr.Address, attempt int) (*big.Int, error) {
		return nil, errors.New("what even is this")
	})
	engine := NewEngine(&Config{
		Fetcher:    fetcher,
		MaxRetries: 5,
		BaseDelay:  time.Millisecond,
	})

	results, _ := engine.Run(context.Background(), testRequests(1))
	require.Error(t, results[0].Err)
	require.Equal(t, int64(1), fetcher.totalFetches.Load())
}

func TestNoRetriesFailsOnFirstTransient(t *testing.T) {
	fetcher := newFakeFetcher(func(addr waccmgr.Address, attempt int) (*big.Int, error) {
		return nil, Transient(errors.New("connection reset"))
	})
	engine := NewEngine(&Config{
		Fetcher:    fetcher,
		MaxRetries: NoRetries,
		BaseDelay:  time.Millisecond,
	})

	results, summary := engine.Run(context.Background(), testRequests(1))
	require.Error(t, results[0].Err)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, int64(1), fetcher.totalFetches.Load(),
		"transient failures must not be retried when retries are off")
}

func TestCacheHitSkipsNetwork(t *testing.T) {
	fetcher := newFakeFetcher(alwaysSucceed)
	cache := wcache.New[Key, *big.Int](64, clock.NewDefaultClock())
	engine := NewEngine(&Config{
		Fetcher: fetcher,
		Cache:   cache,
	})

	reqs := testRequests(8)
	_, first := engine.Run(context.Background(), reqs)
	require.Equal(t, 0, first.FromCache)
	require.Equal(t, int64(8), fetcher.totalFetches.Load())

	// The second run is served entirely from the cache.
	results, second := engine.Run(context.Background(), reqs)
	require.Equal(t, 8, second.FromCache)
	require.Equal(t, int64(8), fetcher.totalFetches.Load(),
		"no additional network fetches")
	for i, res := range results {
		require.True(t, res.Cached)
		require.Equal(t, balanceOf(reqs[i].Address), res.Value)
	}
}

func TestFailuresDoNotPopulateCache(t *testing.T) {
	var calls atomic.Int64
	fetcher := newFakeFetcher(func(addr waccmgr.Address, attempt int) (*big.Int, error) {
		calls.Add(1)
		return nil, Permanent(errors.New("no"))
	})
	cache := wcache.New[Key, *big.Int](64, clock.NewDefaultClock())
	engine := NewEngine(&Config{Fetcher: fetcher, Cache: cache})

	engine.Run(context.Background(), testRequests(1))
	engine.Run(context.Background(), testRequests(1))
	require.Equal(t, int64(2), calls.Load(),
		"failed queries must be re-fetched, not cached")
	require.Equal(t, 0, cache.Len())
}

func TestCancelStopsAdmission(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	gate := &gatedFetcher{
		admitted: make(chan struct{}),
		release:  make(chan struct{}),
	}
	engine := NewEngine(&Config{
		Fetcher:     gate,
		Concurrency: 1,
	})

	var (
		results []Result
		done    = make(chan struct{})
	)
	go func() {
		defer close(done)
		results, _ = engine.Run(ctx, testRequests(4))
	}()

	// Wait for the first query to be admitted, then cancel the batch and
	// let the admitted query finish.
	<-gate.admitted
	cancel()
	close(gate.release)
	<-done

	require.Len(t, results, 4)
	require.NoError(t, results[0].Err,
		"the already-admitted query completes")
	for _, res := range results[1:] {
		require.ErrorIs(t, res.Err, context.Canceled,
			"unadmitted queries fail with the context error")
	}
}

// gatedFetcher signals when its first fetch starts and blocks every fetch
// until released, ignoring context so the admitted query can outlive
// cancellation.
type gatedFetcher struct {
	admitted chan struct{}
	release  chan struct{}
	once     sync.Once
}

func (g *gatedFetcher) Fetch(ctx context.Context, addr waccmgr.Address, query string) (*big.Int, error) {
	g.once.Do(func() { close(g.admitted) })
	<-g.release
	return balanceOf(addr), nil
}
