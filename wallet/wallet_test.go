package wallet

import (
	"context"
	"crypto/ed25519"
	"math/big"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"

	"github.com/tidewallet/tidewallet/snacl"
	"github.com/tidewallet/tidewallet/waccmgr"
	"github.com/tidewallet/tidewallet/walletdb"
	"github.com/tidewallet/tidewallet/wsession"
)

var (
	testTime       = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	testPassphrase = []byte("correct horse battery staple")

	// Fast scrypt parameters so tests do not burn CPU.
	fastScrypt = ScryptOptions{N: 16, R: 8, P: 1}
)

// countingFetcher returns a fixed balance and counts fetches.
type countingFetcher struct {
	fetches atomic.Int64
}

func (f *countingFetcher) Fetch(ctx context.Context, addr waccmgr.Address, query string) (*big.Int, error) {
	f.fetches.Add(1)
	return big.NewInt(int64(addr[0])), nil
}

type testHarness struct {
	wallet  *Wallet
	clk     *clock.TestClock
	fetcher *countingFetcher
	dbPath  string
}

func newTestWallet(t *testing.T, idleTimeout time.Duration) *testHarness {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "wallet.db")
	h := openTestWallet(t, dbPath, idleTimeout, true)
	return h
}

func openTestWallet(t *testing.T, dbPath string, idleTimeout time.Duration, create bool) *testHarness {
	t.Helper()

	db, err := walletdb.Open(dbPath)
	require.NoError(t, err)
	if create {
		require.NoError(t, Create(db, testPassphrase, &fastScrypt))
	}

	h := &testHarness{
		clk:     clock.NewTestClock(testTime),
		fetcher: &countingFetcher{},
		dbPath:  dbPath,
	}
	h.wallet, err = Open(&Config{
		DB:          db,
		Fetcher:     h.fetcher,
		IdleTimeout: idleTimeout,
		Clock:       h.clk,
	})
	require.NoError(t, err)
	t.Cleanup(func() { h.wallet.Close() })
	return h
}

func TestOpenRequiresInitializedDB(t *testing.T) {
	db, err := walletdb.Open(filepath.Join(t.TempDir(), "wallet.db"))
	require.NoError(t, err)
	defer db.Close()

	_, err = Open(&Config{DB: db, Fetcher: &countingFetcher{}})
	require.Error(t, err)
}

func TestCreateIsOneShot(t *testing.T) {
	db, err := walletdb.Open(filepath.Join(t.TempDir(), "wallet.db"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Create(db, testPassphrase, &fastScrypt))
	require.Error(t, Create(db, testPassphrase, &fastScrypt))
}

func TestMutationsRequireUnlocked(t *testing.T) {
	h := newTestWallet(t, 0)

	require.True(t, h.wallet.IsLocked())
	_, err := h.wallet.CreateAccount("savings", nil)
	require.True(t, wsession.IsError(err, wsession.ErrLocked))

	require.NoError(t, h.wallet.Unlock(testPassphrase))
	require.False(t, h.wallet.IsLocked())
	account, err := h.wallet.CreateAccount("savings", []string{"cold"})
	require.NoError(t, err)

	// Reads stay available while locked.
	h.wallet.Lock()
	got, err := h.wallet.GetAccount(account.ID)
	require.NoError(t, err)
	require.Equal(t, "savings", got.Nickname)
	require.Len(t, h.wallet.ListAccounts(), 1)

	_, err = h.wallet.RenameAccount(account.ID, "renamed")
	require.True(t, wsession.IsError(err, wsession.ErrLocked))
	_, err = h.wallet.SetTags(account.ID, []string{"hot"})
	require.True(t, wsession.IsError(err, wsession.ErrLocked))
	err = h.wallet.RemoveAccount(account.ID)
	require.True(t, wsession.IsError(err, wsession.ErrLocked))
}

func TestUnlockWithWrongPassphrase(t *testing.T) {
	h := newTestWallet(t, 0)

	err := h.wallet.Unlock([]byte("nope"))
	require.True(t, wsession.IsError(err, wsession.ErrWrongPassphrase))
	require.True(t, h.wallet.IsLocked())
	_, ok := h.wallet.SessionID()
	require.False(t, ok)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "wallet.db")
	h := openTestWallet(t, dbPath, 0, true)

	require.NoError(t, h.wallet.Unlock(testPassphrase))
	created, err := h.wallet.CreateAccount("savings", []string{"cold"})
	require.NoError(t, err)
	_, err = h.wallet.CreateAccount("spending", nil)
	require.NoError(t, err)
	require.NoError(t, h.wallet.Close())

	reopened := openTestWallet(t, dbPath, 0, false)
	accounts := reopened.wallet.ListAccounts()
	require.Len(t, accounts, 2)
	require.Equal(t, "savings", accounts[0].Nickname)
	require.Equal(t, created.Address, accounts[0].Address)

	// Secrets survive too: the reopened wallet can still sign.
	require.NoError(t, reopened.wallet.Unlock(testPassphrase))
	_, err = reopened.wallet.SignTransaction(created.ID, []byte("tx"))
	require.NoError(t, err)
}

func TestRenameSetTagsRemovePersist(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "wallet.db")
	h := openTestWallet(t, dbPath, 0, true)

	require.NoError(t, h.wallet.Unlock(testPassphrase))
	a, err := h.wallet.CreateAccount("a", nil)
	require.NoError(t, err)
	b, err := h.wallet.CreateAccount("b", nil)
	require.NoError(t, err)

	_, err = h.wallet.RenameAccount(a.ID, "alpha")
	require.NoError(t, err)
	_, err = h.wallet.SetTags(a.ID, []string{"trading", "hot"})
	require.NoError(t, err)
	require.NoError(t, h.wallet.RemoveAccount(b.ID))

	// Nickname collisions surface the colliding account.
	_, err = h.wallet.CreateAccount("alpha", nil)
	require.True(t, waccmgr.IsError(err, waccmgr.ErrDuplicateNickname))

	require.NoError(t, h.wallet.Close())

	reopened := openTestWallet(t, dbPath, 0, false)
	accounts := reopened.wallet.ListAccounts()
	require.Len(t, accounts, 1)
	require.Equal(t, "alpha", accounts[0].Nickname)
	require.Equal(t, []string{"hot", "trading"}, accounts[0].Tags)
}

func TestImportAccount(t *testing.T) {
	h := newTestWallet(t, 0)
	require.NoError(t, h.wallet.Unlock(testPassphrase))

	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	imported, err := h.wallet.ImportAccount(&ImportSpec{
		Nickname: "imported",
		Source:   waccmgr.SourceImportedSeed,
		Material: seed,
	})
	require.NoError(t, err)
	require.Equal(t, deriveAddress(seed), imported.Address)

	var hwAddr waccmgr.Address
	hwAddr[0] = 0x99
	hardware, err := h.wallet.ImportAccount(&ImportSpec{
		Nickname: "ledger",
		Source:   waccmgr.SourceHardware,
		Address:  hwAddr,
	})
	require.NoError(t, err)
	require.Equal(t, hwAddr, hardware.Address)

	_, err = h.wallet.ImportAccount(&ImportSpec{
		Nickname: "bad",
		Source:   waccmgr.SourceGenerated,
	})
	require.Error(t, err)

	_, err = h.wallet.ImportAccount(&ImportSpec{
		Nickname: "bad",
		Source:   waccmgr.SourceHardware,
		Material: seed,
	})
	require.Error(t, err)
}

func TestSignTransaction(t *testing.T) {
	h := newTestWallet(t, 0)
	require.NoError(t, h.wallet.Unlock(testPassphrase))

	account, err := h.wallet.CreateAccount("signer", nil)
	require.NoError(t, err)

	tx := []byte("serialized transaction")
	signature, err := h.wallet.SignTransaction(account.ID, tx)
	require.NoError(t, err)

	// The signature must verify against the key derived from the stored
	// seed.
	tok, err := h.wallet.IssueToken(0)
	require.NoError(t, err)
	seed, err := h.wallet.ExportSecret(account.ID, tok)
	require.NoError(t, err)
	pub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
	require.True(t, ed25519.Verify(pub, tx, signature))

	// Signing bumps the account's activity counters.
	got, err := h.wallet.GetAccount(account.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(1), got.UseCount)

	// Hardware accounts have no connected device in tests.
	var hwAddr waccmgr.Address
	hwAddr[5] = 7
	hardware, err := h.wallet.ImportAccount(&ImportSpec{
		Nickname: "ledger",
		Source:   waccmgr.SourceHardware,
		Address:  hwAddr,
	})
	require.NoError(t, err)
	_, err = h.wallet.SignTransaction(hardware.ID, tx)
	require.ErrorIs(t, err, ErrNoDevice)
}

func TestSignRequiresUnlocked(t *testing.T) {
	h := newTestWallet(t, 0)
	require.NoError(t, h.wallet.Unlock(testPassphrase))
	account, err := h.wallet.CreateAccount("signer", nil)
	require.NoError(t, err)

	h.wallet.Lock()
	_, err = h.wallet.SignTransaction(account.ID, []byte("tx"))
	require.True(t, wsession.IsError(err, wsession.ErrLocked))
}

func TestExportSecretDemandsToken(t *testing.T) {
	h := newTestWallet(t, 0)
	require.NoError(t, h.wallet.Unlock(testPassphrase))
	account, err := h.wallet.CreateAccount("exported", nil)
	require.NoError(t, err)

	tok, err := h.wallet.IssueToken(time.Minute)
	require.NoError(t, err)
	require.NoError(t, h.wallet.ValidateToken(tok))

	secret, err := h.wallet.ExportSecret(account.ID, tok)
	require.NoError(t, err)
	require.Len(t, secret, ed25519.SeedSize)

	// An expired token is rejected, distinctly from a locked session.
	h.clk.SetTime(testTime.Add(2 * time.Minute))
	_, err = h.wallet.ExportSecret(account.ID, tok)
	require.True(t, wsession.IsError(err, wsession.ErrTokenExpired))

	// Locking revokes the token outright.
	fresh, err := h.wallet.IssueToken(time.Hour)
	require.NoError(t, err)
	h.wallet.Lock()
	_, err = h.wallet.ExportSecret(account.ID, fresh)
	require.True(t, wsession.IsError(err, wsession.ErrLocked))
}

func TestGetBalances(t *testing.T) {
	h := newTestWallet(t, 0)
	require.NoError(t, h.wallet.Unlock(testPassphrase))

	var accounts []*waccmgr.Account
	for _, nickname := range []string{"a", "b", "c"} {
		account, err := h.wallet.CreateAccount(nickname, nil)
		require.NoError(t, err)
		accounts = append(accounts, account)
	}

	// Balance queries are allowed while locked.
	h.wallet.Lock()
	results, summary := h.wallet.GetBalances(context.Background(), nil)
	require.Len(t, results, 3)
	require.Equal(t, 3, summary.Succeeded)
	require.Equal(t, int64(3), h.fetcher.fetches.Load())

	// A repeat query is served from the cache.
	results, summary = h.wallet.GetBalances(context.Background(), nil)
	require.Len(t, results, 3)
	require.Equal(t, 3, summary.FromCache)
	require.Equal(t, int64(3), h.fetcher.fetches.Load())

	// Invalidation forces the next query back to the network.
	h.wallet.InvalidateBalances(accounts[0].Address)
	_, summary = h.wallet.GetBalances(context.Background(), nil)
	require.Equal(t, 2, summary.FromCache)
	require.Equal(t, int64(4), h.fetcher.fetches.Load())

	h.wallet.InvalidateBalances()
	_, summary = h.wallet.GetBalances(context.Background(), nil)
	require.Equal(t, 0, summary.FromCache)
	require.Equal(t, int64(7), h.fetcher.fetches.Load())
}

func TestAutoLockClearsKeys(t *testing.T) {
	var autoLocked atomic.Int32
	dbPath := filepath.Join(t.TempDir(), "wallet.db")

	db, err := walletdb.Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, Create(db, testPassphrase, &fastScrypt))

	clk := clock.NewTestClock(testTime)
	w, err := Open(&Config{
		DB:          db,
		Fetcher:     &countingFetcher{},
		IdleTimeout: 5 * time.Minute,
		OnAutoLock:  func() { autoLocked.Add(1) },
		Clock:       clk,
	})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Unlock(testPassphrase))
	account, err := w.CreateAccount("idle", nil)
	require.NoError(t, err)

	clk.SetTime(testTime.Add(5 * time.Minute))
	require.Eventually(t, w.IsLocked, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return autoLocked.Load() == 1 },
		time.Second, time.Millisecond)

	_, err = w.SignTransaction(account.ID, []byte("tx"))
	require.True(t, wsession.IsError(err, wsession.ErrLocked))

	// A fresh unlock restores full function.
	require.NoError(t, w.Unlock(testPassphrase))
	_, err = w.SignTransaction(account.ID, []byte("tx"))
	require.NoError(t, err)
}

func TestFailedReunlockClearsKeys(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "wallet.db")
	db, err := walletdb.Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, Create(db, testPassphrase, &fastScrypt))

	w, err := Open(&Config{
		DB:      db,
		Fetcher: &countingFetcher{},
		Clock:   clock.NewTestClock(testTime),
	})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Unlock(testPassphrase))
	w.keyMtx.Lock()
	unlockedKey := w.cryptoKey
	w.keyMtx.Unlock()
	require.NotEqual(t, snacl.CryptoKey{}, unlockedKey)

	// A wrong passphrase on a live session locks the wallet; the envelope
	// key from the dead session must not survive it.
	err = w.Unlock([]byte("not the passphrase"))
	require.True(t, wsession.IsError(err, wsession.ErrWrongPassphrase))
	require.True(t, w.IsLocked())

	w.keyMtx.Lock()
	lockedKey := w.cryptoKey
	w.keyMtx.Unlock()
	require.Equal(t, snacl.CryptoKey{}, lockedKey)
	require.Equal(t, snacl.CryptoKey{}, *w.masterKey.Key)
}
