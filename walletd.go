package main

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/tidewallet/tidewallet/chain"
	"github.com/tidewallet/tidewallet/internal/prompt"
	"github.com/tidewallet/tidewallet/internal/zero"
	"github.com/tidewallet/tidewallet/wallet"
	"github.com/tidewallet/tidewallet/walletdb"
	"github.com/tidewallet/tidewallet/wbatch"
)

var cfg *config

func main() {
	// Use all processor cores.
	runtime.GOMAXPROCS(runtime.NumCPU())

	// Work around defer not working after os.Exit.
	if err := walletMain(); err != nil {
		os.Exit(1)
	}
}

// walletMain is a work-around main function that is required since deferred
// functions (such as log flushing) are not called with calls to os.Exit.
// Instead, main runs this function and checks for a non-nil error, at which
// point any defers have already run, and if the error is non-nil, the program
// can be exited with an error exit status.
func walletMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	tcfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	mainLog.Infof("Version %s", version())

	interrupt := interruptListener()

	dbPath := filepath.Join(cfg.AppDataDir, defaultWalletDbName)
	db, err := walletdb.Open(dbPath)
	if err != nil {
		mainLog.Errorf("Unable to open wallet database: %v", err)
		return err
	}
	defer db.Close()

	gateway := chain.NewClient(&chain.Config{
		URL:       cfg.Gateway,
		Proxy:     cfg.Proxy,
		ProxyUser: cfg.ProxyUser,
		ProxyPass: cfg.ProxyPass,
	})
	defer gateway.Close()

	// On the command line zero retries means exactly that, not the
	// engine default.
	maxRetries := cfg.QueryRetries
	if maxRetries == 0 {
		maxRetries = wbatch.NoRetries
	}

	w, err := wallet.Open(&wallet.Config{
		DB:          db,
		Fetcher:     gateway,
		IdleTimeout: cfg.IdleTimeout,
		OnAutoLock: func() {
			mainLog.Info("Wallet locked after inactivity")
		},
		CacheCapacity: cfg.CacheSize,
		CacheTTL:      cfg.CacheTTL,
		Concurrency:   cfg.QueryConcurrency,
		MaxRetries:    maxRetries,
		BaseDelay:     cfg.QueryBaseDelay,
		MaxDelay:      cfg.QueryMaxDelay,
	})
	if err != nil {
		mainLog.Errorf("Unable to open wallet: %v", err)
		return err
	}
	defer w.Close()
	mainLog.Infof("Opened wallet with %d accounts", len(w.ListAccounts()))

	if cfg.Unlock {
		pass, err := prompt.Passphrase()
		if err != nil {
			return err
		}
		err = w.Unlock(pass)
		zero.Bytes(pass)
		if err != nil {
			mainLog.Errorf("Unable to unlock wallet: %v", err)
			return err
		}
		if id, ok := w.SessionID(); ok {
			mainLog.Infof("Wallet unlocked, session %v", id)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if cfg.SyncInterval > 0 {
		go balanceLoop(ctx, w, cfg.SyncInterval)
	}

	<-interrupt
	mainLog.Info("Shutdown complete")
	return nil
}

// balanceLoop periodically refreshes the balance of every tracked account so
// the result cache stays warm and gateway trouble shows up in the log before
// a user asks for a balance.
func balanceLoop(ctx context.Context, w *wallet.Wallet, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		results, summary := w.GetBalances(ctx, nil)
		for _, result := range results {
			if result.Err != nil {
				mainLog.Warnf("Balance query for %v failed: %v",
					result.Address, result.Err)
			}
		}
		mainLog.Debugf("Refreshed %d balances (%d cached, %d failed) "+
			"in %v", summary.Requested, summary.FromCache,
			summary.Failed, summary.Elapsed)
	}
}
