package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/tidewallet/tidewallet/internal/prompt"
	"github.com/tidewallet/tidewallet/internal/zero"
	"github.com/tidewallet/tidewallet/wallet"
	"github.com/tidewallet/tidewallet/walletdb"
)

// createWallet prompts the user for a passphrase and initializes a new wallet
// database in the configured data directory.  The wallet starts out with no
// accounts; they are created or imported once the daemon is running.
func createWallet(cfg *config) error {
	pass, err := prompt.NewPassphrase()
	if err != nil {
		return err
	}
	defer zero.Bytes(pass)

	dbPath := filepath.Join(cfg.AppDataDir, defaultWalletDbName)
	fmt.Println("Creating the wallet...")

	db, err := walletdb.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	// Deriving the master key with the default scrypt cost is deliberately
	// slow, on the order of a second.
	start := time.Now()
	err = wallet.Create(db, pass, &wallet.DefaultScryptOptions)
	if err != nil {
		return err
	}

	fmt.Printf("The wallet has been created successfully (took %v).\n",
		time.Since(start).Round(time.Millisecond))
	return nil
}
