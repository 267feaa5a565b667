// Package wbatch executes sets of independent per-account network queries
// with bounded concurrency.  Every query consults the result cache first; a
// miss is fetched from the backend under an admission gate capping the
// number of in-flight fetches, retrying transient failures with exponential
// backoff.  A batch of M requests always yields exactly M results, in
// request order, no matter how many of them fail.
package wbatch

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"golang.org/x/sync/semaphore"

	"github.com/tidewallet/tidewallet/waccmgr"
	"github.com/tidewallet/tidewallet/wcache"
)

// Defaults applied by NewEngine for zero Config fields.
const (
	DefaultConcurrency = 8
	DefaultMaxRetries  = 3
	DefaultBaseDelay   = 100 * time.Millisecond
	DefaultMaxDelay    = 10 * time.Second
	DefaultCacheTTL    = 30 * time.Second
)

// NoRetries as Config.MaxRetries disables retrying entirely, since a zero
// MaxRetries selects DefaultMaxRetries.
const NoRetries = -1

// Key identifies a cached query result: one address asked one question.
type Key struct {
	Address waccmgr.Address
	Query   string
}

// ResultCache is the cache type the engine consults and populates.
type ResultCache = wcache.Cache[Key, *big.Int]

// Fetcher performs a single network query for one address.  Implementations
// classify failures by wrapping them with Transient or Permanent; the
// context carries batch cancellation.
type Fetcher interface {
	Fetch(ctx context.Context, addr waccmgr.Address, query string) (*big.Int, error)
}

// Request names one query to execute: an address plus an opaque query
// descriptor the fetcher understands.
type Request struct {
	Address waccmgr.Address
	Query   string
}

// Result is the outcome of one request.  Exactly one of Value and Err is
// set.  Cached reports whether the value was served from the cache without
// touching the network.
type Result struct {
	Address waccmgr.Address
	Value   *big.Int
	Err     error
	Cached  bool
}

// Summary aggregates the outcome of a whole batch run.
type Summary struct {
	Requested int
	Succeeded int
	Failed    int
	FromCache int
	Elapsed   time.Duration
}

// Config describes an engine.
type Config struct {
	// Fetcher performs the actual network queries.  Required.
	Fetcher Fetcher

	// Cache, when non-nil, is consulted before fetching and populated by
	// successful fetches.
	Cache *ResultCache

	// CacheTTL is the lifetime of populated cache entries.
	CacheTTL time.Duration

	// Concurrency is the hard cap on in-flight fetches per Run call.
	Concurrency int

	// MaxRetries is the number of additional attempts after a transient
	// failure.  Zero selects DefaultMaxRetries; use NoRetries to fail on
	// the first error.
	MaxRetries int

	// BaseDelay and MaxDelay bound the exponential backoff between
	// retries.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Clock is the time source used for backoff waits and the run
	// summary.  Defaults to the wall clock; tests substitute a virtual
	// clock so retries need no real sleeping.
	Clock clock.Clock
}

// Engine runs batches of queries.  An engine is stateless between runs apart
// from the shared cache and may be used concurrently.
type Engine struct {
	cfg Config
	clk clock.Clock
}

// NewEngine returns an engine for the given config, applying defaults for
// unset tuning fields.
func NewEngine(cfg *Config) *Engine {
	e := &Engine{cfg: *cfg, clk: cfg.Clock}
	if e.clk == nil {
		e.clk = clock.NewDefaultClock()
	}
	if e.cfg.Concurrency <= 0 {
		e.cfg.Concurrency = DefaultConcurrency
	}
	switch {
	case e.cfg.MaxRetries < 0:
		e.cfg.MaxRetries = 0
	case e.cfg.MaxRetries == 0:
		e.cfg.MaxRetries = DefaultMaxRetries
	}
	if e.cfg.BaseDelay <= 0 {
		e.cfg.BaseDelay = DefaultBaseDelay
	}
	if e.cfg.MaxDelay <= 0 {
		e.cfg.MaxDelay = DefaultMaxDelay
	}
	if e.cfg.CacheTTL <= 0 {
		e.cfg.CacheTTL = DefaultCacheTTL
	}
	return e
}

// Run executes all requests and returns one result per request, in request
// order.  Failures are confined to their own slot; one bad query never turns
// into a whole-batch failure.  Canceling the context stops admission of new
// fetches: already-admitted fetches are interrupted through the same
// context, while requests never admitted fail with the context's error.
func (e *Engine) Run(ctx context.Context, requests []Request) ([]Result, Summary) {
	start := e.clk.Now()
	results := make([]Result, len(requests))

	sem := semaphore.NewWeighted(int64(e.cfg.Concurrency))
	var wg sync.WaitGroup
	for i := range requests {
		req := requests[i]
		results[i].Address = req.Address

		// Cache hits bypass the admission gate entirely; they cost
		// no network work.
		if value, ok := e.cacheGet(req); ok {
			results[i].Value = value
			results[i].Cached = true
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			results[i].Err = err
			continue
		}

		wg.Add(1)
		go func(res *Result) {
			defer wg.Done()
			defer sem.Release(1)

			res.Value, res.Err = e.fetchWithRetry(ctx, req)
			if res.Err == nil {
				e.cachePut(req, res.Value)
			}
		}(&results[i])
	}
	wg.Wait()

	summary := Summary{
		Requested: len(requests),
		Elapsed:   e.clk.Now().Sub(start),
	}
	for i := range results {
		switch {
		case results[i].Err != nil:
			summary.Failed++
		case results[i].Cached:
			summary.Succeeded++
			summary.FromCache++
		default:
			summary.Succeeded++
		}
	}

	log.Debugf("Batch of %d finished in %v: %d succeeded (%d cached), "+
		"%d failed", summary.Requested, summary.Elapsed,
		summary.Succeeded, summary.FromCache, summary.Failed)
	return results, summary
}

// fetchWithRetry performs one request, retrying transient failures up to the
// configured budget with exponential backoff.  Permanent and unclassified
// failures surface immediately.
func (e *Engine) fetchWithRetry(ctx context.Context, req Request) (*big.Int, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		value, err := e.cfg.Fetcher.Fetch(ctx, req.Address, req.Query)
		if err == nil {
			return value, nil
		}
		lastErr = err

		if !IsTransient(err) {
			return nil, err
		}
		if attempt > e.cfg.MaxRetries {
			return nil, lastErr
		}

		delay := backoffDelay(attempt, e.cfg.BaseDelay, e.cfg.MaxDelay)
		log.Debugf("Query %q for %v failed transiently (attempt "+
			"%d/%d), retrying in %v: %v", req.Query, req.Address,
			attempt, e.cfg.MaxRetries+1, delay, err)

		select {
		case <-e.clk.TickAfter(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (e *Engine) cacheGet(req Request) (*big.Int, bool) {
	if e.cfg.Cache == nil {
		return nil, false
	}
	return e.cfg.Cache.Get(Key{Address: req.Address, Query: req.Query})
}

func (e *Engine) cachePut(req Request, value *big.Int) {
	if e.cfg.Cache == nil {
		return
	}
	e.cfg.Cache.Put(Key{Address: req.Address, Query: req.Query}, value,
		e.cfg.CacheTTL)
}
