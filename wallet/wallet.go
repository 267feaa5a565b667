// Package wallet implements the coordinator every caller talks to.  It
// composes the session manager, the account registry, the balance cache and
// the batch query engine behind one consistent surface, gating mutating and
// secret-revealing operations on an unlocked session and persisting every
// registry change.
package wallet

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/tidewallet/tidewallet/internal/zero"
	"github.com/tidewallet/tidewallet/snacl"
	"github.com/tidewallet/tidewallet/waccmgr"
	"github.com/tidewallet/tidewallet/walletdb"
	"github.com/tidewallet/tidewallet/wbatch"
	"github.com/tidewallet/tidewallet/wcache"
	"github.com/tidewallet/tidewallet/wsession"
)

// BalanceQuery is the opaque query descriptor for balance lookups.  The
// fetcher maps it onto whatever its wire protocol calls the operation.
const BalanceQuery = "balance"

// DefaultCacheCapacity bounds the balance cache when the config does not.
const DefaultCacheCapacity = 256

// ScryptOptions is used to hold the scrypt parameters needed when deriving
// new passphrase keys.
type ScryptOptions struct {
	N, R, P int
}

// DefaultScryptOptions is the default options used with scrypt.
var DefaultScryptOptions = ScryptOptions{
	N: 262144, // 2^18
	R: 8,
	P: 1,
}

// Config describes a wallet to open.
type Config struct {
	// DB is the opened wallet database.  Required.
	DB *walletdb.DB

	// Fetcher performs balance queries against the network.  Required.
	Fetcher wbatch.Fetcher

	// Signers overrides the per-provenance signing backends.  Sources
	// without an override use the built-in software signer, except
	// hardware accounts which get a device-less hardware signer.
	Signers map[waccmgr.Source]Signer

	// IdleTimeout auto-locks the session after this much inactivity.
	// Zero disables auto-locking.
	IdleTimeout time.Duration

	// OnAutoLock is invoked after an autonomous lock, once the wallet
	// has cleared its key material.
	OnAutoLock func()

	// Balance cache and batch engine tuning.  Zero values take the
	// package defaults; wbatch.NoRetries as MaxRetries disables
	// retrying.
	CacheCapacity int
	CacheTTL      time.Duration
	Concurrency   int
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration

	// Clock is the time source.  Defaults to the wall clock.
	Clock clock.Clock
}

// Wallet is the account-management core.  It is safe for concurrent use.
type Wallet struct {
	db       *walletdb.DB
	session  *wsession.Manager
	registry *waccmgr.Manager
	cache    *wbatch.ResultCache
	engine   *wbatch.Engine
	signers  map[waccmgr.Source]Signer

	onAutoLock func()

	// keyMtx guards the key material below.  The master key is derived
	// from the passphrase on unlock and zeroed again on lock; the crypto
	// key is the decrypted envelope key protecting account secrets.
	keyMtx             sync.Mutex
	masterKey          *snacl.SecretKey
	cryptoKey          snacl.CryptoKey
	cryptoKeyEncrypted []byte
}

// Create initializes the wallet database with fresh master key material
// protected by the passphrase.  It must be called exactly once before the
// first Open.
func Create(db *walletdb.DB, passphrase []byte, opts *ScryptOptions) error {
	initialized, err := db.Initialized()
	if err != nil {
		return err
	}
	if initialized {
		return errors.New("wallet is already initialized")
	}
	if len(passphrase) == 0 {
		return errors.New("a passphrase is required")
	}
	if opts == nil {
		opts = &DefaultScryptOptions
	}

	masterKey, err := snacl.NewSecretKey(&passphrase, opts.N, opts.R,
		opts.P)
	if err != nil {
		return fmt.Errorf("unable to derive master key: %w", err)
	}
	defer masterKey.Zero()

	cryptoKey, err := snacl.GenerateCryptoKey()
	if err != nil {
		return fmt.Errorf("unable to generate crypto key: %w", err)
	}
	defer cryptoKey.Zero()

	encryptedCryptoKey, err := masterKey.Encrypt(cryptoKey[:])
	if err != nil {
		return fmt.Errorf("unable to encrypt crypto key: %w", err)
	}

	return db.PutMasterParams(masterKey.Marshal(), encryptedCryptoKey)
}

// Open loads the wallet from its database.  The wallet starts locked.
func Open(cfg *Config) (*Wallet, error) {
	if cfg.DB == nil {
		return nil, errors.New("a wallet database is required")
	}
	if cfg.Fetcher == nil {
		return nil, errors.New("a balance fetcher is required")
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewDefaultClock()
	}

	params, encryptedCryptoKey, err := cfg.DB.MasterParams()
	if err != nil {
		return nil, err
	}
	masterKey := &snacl.SecretKey{}
	if err := masterKey.Unmarshal(params); err != nil {
		return nil, fmt.Errorf("corrupt master key parameters: %w", err)
	}

	w := &Wallet{
		db:                 cfg.DB,
		registry:           waccmgr.NewManager(clk),
		onAutoLock:         cfg.OnAutoLock,
		masterKey:          masterKey,
		cryptoKeyEncrypted: encryptedCryptoKey,
	}

	accounts, err := cfg.DB.Accounts()
	if err != nil {
		return nil, err
	}
	if err := w.registry.Restore(accounts); err != nil {
		return nil, err
	}

	w.session = wsession.NewManager(&wsession.Config{
		Validator:   w.validateCredentials,
		IdleTimeout: cfg.IdleTimeout,
		OnAutoLock:  w.handleAutoLock,
		Clock:       clk,
	})

	capacity := cfg.CacheCapacity
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	w.cache = wcache.New[wbatch.Key, *big.Int](capacity, clk)
	w.engine = wbatch.NewEngine(&wbatch.Config{
		Fetcher:     cfg.Fetcher,
		Cache:       w.cache,
		CacheTTL:    cfg.CacheTTL,
		Concurrency: cfg.Concurrency,
		MaxRetries:  cfg.MaxRetries,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		Clock:       clk,
	})

	w.signers = map[waccmgr.Source]Signer{
		waccmgr.SourceGenerated:        &SoftwareSigner{material: w.secretFor},
		waccmgr.SourceImportedSeed:     &SoftwareSigner{material: w.secretFor},
		waccmgr.SourceImportedKey:      &SoftwareSigner{material: w.secretFor},
		waccmgr.SourceImportedKeystore: &SoftwareSigner{material: w.secretFor},
		waccmgr.SourceHardware:         &HardwareSigner{},
	}
	for source, signer := range cfg.Signers {
		w.signers[source] = signer
	}

	log.Infof("Opened wallet with %d accounts", w.registry.Len())
	return w, nil
}

// Close locks the wallet and releases the database.
func (w *Wallet) Close() error {
	w.Lock()
	return w.db.Close()
}

// validateCredentials is the session manager's credential validator.  On
// success the envelope crypto key is decrypted into memory; on failure all
// key material is cleared.
func (w *Wallet) validateCredentials(passphrase []byte) error {
	w.keyMtx.Lock()
	defer w.keyMtx.Unlock()

	if err := w.masterKey.DeriveKey(&passphrase); err != nil {
		w.masterKey.Zero()
		w.cryptoKey.Zero()
		return err
	}
	decrypted, err := w.masterKey.Decrypt(w.cryptoKeyEncrypted)
	if err != nil {
		w.masterKey.Zero()
		w.cryptoKey.Zero()
		return err
	}
	w.cryptoKey.CopyBytes(decrypted)
	zero.Bytes(decrypted)
	return nil
}

// zeroKeys clears all decrypted key material.
func (w *Wallet) zeroKeys() {
	w.keyMtx.Lock()
	defer w.keyMtx.Unlock()

	w.masterKey.Zero()
	w.cryptoKey.Zero()
}

// handleAutoLock runs after the session locked itself due to inactivity.
func (w *Wallet) handleAutoLock() {
	w.zeroKeys()
	log.Infof("Wallet locked due to inactivity")
	if w.onAutoLock != nil {
		w.onAutoLock()
	}
}

// Unlock validates the passphrase and unlocks the wallet.
func (w *Wallet) Unlock(passphrase []byte) error {
	return w.session.Unlock(passphrase)
}

// Lock locks the wallet and clears decrypted key material.  It is valid in
// any state.
func (w *Wallet) Lock() {
	w.session.Lock()
	w.zeroKeys()
}

// IsLocked returns whether the wallet is locked.
func (w *Wallet) IsLocked() bool {
	return w.session.IsLocked()
}

// SessionID returns the correlation id of the current unlocked session.
func (w *Wallet) SessionID() (uuid.UUID, bool) {
	return w.session.SessionID()
}

// IssueToken issues a short-lived proof of recent authentication.
func (w *Wallet) IssueToken(ttl time.Duration) (*wsession.Token, error) {
	return w.session.IssueToken(ttl)
}

// ValidateToken checks a previously issued token.
func (w *Wallet) ValidateToken(tok *wsession.Token) error {
	return w.session.ValidateToken(tok)
}

// CreateAccount generates fresh key material and registers a new account
// under the given nickname.  The wallet must be unlocked.
func (w *Wallet) CreateAccount(nickname string, tags []string) (*waccmgr.Account, error) {
	if err := w.session.RecordActivity(); err != nil {
		return nil, err
	}

	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, fmt.Errorf("unable to generate seed: %w", err)
	}
	defer zero.Bytes(seed)

	account, err := w.registry.Create(&waccmgr.AccountSpec{
		Address:  deriveAddress(seed),
		Nickname: nickname,
		Tags:     tags,
		Source:   waccmgr.SourceGenerated,
	})
	if err != nil {
		return nil, err
	}
	if err := w.storeSecret(account.ID, seed); err != nil {
		_ = w.registry.Remove(account.ID)
		return nil, err
	}
	if err := w.db.PutAccount(account); err != nil {
		_ = w.registry.Remove(account.ID)
		_ = w.db.DeleteAccount(account.ID)
		return nil, fmt.Errorf("unable to persist account: %w", err)
	}

	log.Infof("Created account %v (%v)", account.ID, account.Address)
	return account, nil
}

// ImportSpec describes an account to import.
type ImportSpec struct {
	Nickname string
	Tags     []string

	// Source must be one of the imported sources or SourceHardware.
	Source waccmgr.Source

	// Material is the seed or private key for software-backed imports.
	// It must be nil for hardware accounts.  The caller retains
	// ownership; the wallet zeroes its own copies.
	Material []byte

	// Address is the account address for hardware imports, whose key
	// material never enters the wallet.  Ignored otherwise.
	Address waccmgr.Address
}

// ImportAccount registers an account whose key material originated outside
// the wallet.  The wallet must be unlocked.
func (w *Wallet) ImportAccount(spec *ImportSpec) (*waccmgr.Account, error) {
	if err := w.session.RecordActivity(); err != nil {
		return nil, err
	}

	var addr waccmgr.Address
	switch spec.Source {
	case waccmgr.SourceImportedSeed, waccmgr.SourceImportedKey,
		waccmgr.SourceImportedKeystore:

		if len(spec.Material) < ed25519.SeedSize {
			return nil, errors.New("imported key material is too short")
		}
		addr = deriveAddress(spec.Material)

	case waccmgr.SourceHardware:
		if spec.Material != nil {
			return nil, errors.New("hardware accounts must not " +
				"carry key material")
		}
		addr = spec.Address

	default:
		return nil, fmt.Errorf("cannot import an account with "+
			"source %v", spec.Source)
	}

	account, err := w.registry.Create(&waccmgr.AccountSpec{
		Address:  addr,
		Nickname: spec.Nickname,
		Tags:     spec.Tags,
		Source:   spec.Source,
	})
	if err != nil {
		return nil, err
	}
	if spec.Source != waccmgr.SourceHardware {
		if err := w.storeSecret(account.ID, spec.Material); err != nil {
			_ = w.registry.Remove(account.ID)
			return nil, err
		}
	}
	if err := w.db.PutAccount(account); err != nil {
		_ = w.registry.Remove(account.ID)
		_ = w.db.DeleteAccount(account.ID)
		return nil, fmt.Errorf("unable to persist account: %w", err)
	}

	log.Infof("Imported %v account %v (%v)", account.Source, account.ID,
		account.Address)
	return account, nil
}

// GetAccount returns the account with the given id.  Reads are permitted
// while locked since identities and metadata are not secret.
func (w *Wallet) GetAccount(id uuid.UUID) (*waccmgr.Account, error) {
	return w.registry.Get(id)
}

// ListAccounts returns all accounts.  Permitted while locked.
func (w *Wallet) ListAccounts() []*waccmgr.Account {
	return w.registry.List()
}

// RenameAccount changes an account's nickname.  The wallet must be
// unlocked.
func (w *Wallet) RenameAccount(id uuid.UUID, nickname string) (*waccmgr.Account, error) {
	if err := w.session.RecordActivity(); err != nil {
		return nil, err
	}

	previous, err := w.registry.Get(id)
	if err != nil {
		return nil, err
	}
	account, err := w.registry.Rename(id, nickname)
	if err != nil {
		return nil, err
	}
	if err := w.db.PutAccount(account); err != nil {
		_, _ = w.registry.Rename(id, previous.Nickname)
		return nil, fmt.Errorf("unable to persist rename: %w", err)
	}
	return account, nil
}

// SetTags replaces an account's tag set.  The wallet must be unlocked.
func (w *Wallet) SetTags(id uuid.UUID, tags []string) (*waccmgr.Account, error) {
	if err := w.session.RecordActivity(); err != nil {
		return nil, err
	}

	previous, err := w.registry.Get(id)
	if err != nil {
		return nil, err
	}
	account, err := w.registry.SetTags(id, tags)
	if err != nil {
		return nil, err
	}
	if err := w.db.PutAccount(account); err != nil {
		_, _ = w.registry.SetTags(id, previous.Tags)
		return nil, fmt.Errorf("unable to persist tags: %w", err)
	}
	return account, nil
}

// RemoveAccount deletes an account and its stored secret.  The wallet must
// be unlocked.
func (w *Wallet) RemoveAccount(id uuid.UUID) error {
	if err := w.session.RecordActivity(); err != nil {
		return err
	}

	account, err := w.registry.Get(id)
	if err != nil {
		return err
	}
	if err := w.registry.Remove(id); err != nil {
		return err
	}
	if err := w.db.DeleteAccount(id); err != nil {
		_ = w.registry.Restore([]*waccmgr.Account{account})
		return fmt.Errorf("unable to persist removal: %w", err)
	}

	log.Infof("Removed account %v (%v)", id, account.Address)
	return nil
}

// GetBalances queries balances for the given addresses, or for every
// tracked account when none are given.  Balances are not secret, so this is
// permitted while locked.  One result per address is always returned;
// partial failures are confined to their own slot.
func (w *Wallet) GetBalances(ctx context.Context, addrs []waccmgr.Address) ([]wbatch.Result, wbatch.Summary) {
	if len(addrs) == 0 {
		addrs = w.registry.Addresses()
	}
	requests := make([]wbatch.Request, len(addrs))
	for i, addr := range addrs {
		requests[i] = wbatch.Request{Address: addr, Query: BalanceQuery}
	}

	results, summary := w.engine.Run(ctx, requests)

	// Balance reads count as activity only on a live session.
	_ = w.session.RecordActivity()
	return results, summary
}

// InvalidateBalances drops cached balances for the given addresses, or the
// whole cache when none are given, forcing the next query back to the
// network.
func (w *Wallet) InvalidateBalances(addrs ...waccmgr.Address) {
	if len(addrs) == 0 {
		w.cache.Clear()
		return
	}
	for _, addr := range addrs {
		w.cache.Invalidate(wbatch.Key{Address: addr, Query: BalanceQuery})
	}
}

// SignTransaction signs the serialized transaction with the account's
// signing backend, selected by provenance.  The wallet must be unlocked.
func (w *Wallet) SignTransaction(id uuid.UUID, tx []byte) ([]byte, error) {
	if err := w.session.RecordActivity(); err != nil {
		return nil, err
	}

	account, err := w.registry.Get(id)
	if err != nil {
		return nil, err
	}
	signer, ok := w.signers[account.Source]
	if !ok {
		return nil, fmt.Errorf("no signer registered for %v accounts",
			account.Source)
	}
	signature, err := signer.Sign(account, tx)
	if err != nil {
		return nil, err
	}

	// Track signing activity on the account; failure to persist the
	// counters must not fail the signature.
	if err := w.registry.MarkUsed(id); err == nil {
		if updated, err := w.registry.Get(id); err == nil {
			if err := w.db.PutAccount(updated); err != nil {
				log.Warnf("Unable to persist activity for "+
					"account %v: %v", id, err)
			}
		}
	}
	return signature, nil
}

// ExportSecret reveals the decrypted key material for an account.  On top
// of an unlocked session it demands a valid token as proof of recent
// authentication.  The caller must zero the returned slice.
func (w *Wallet) ExportSecret(id uuid.UUID, tok *wsession.Token) ([]byte, error) {
	if err := w.session.ValidateToken(tok); err != nil {
		return nil, err
	}
	if err := w.session.RecordActivity(); err != nil {
		return nil, err
	}
	return w.secretFor(id)
}

// storeSecret encrypts and persists key material for an account.
func (w *Wallet) storeSecret(id uuid.UUID, material []byte) error {
	w.keyMtx.Lock()
	encrypted, err := w.cryptoKey.Encrypt(material)
	w.keyMtx.Unlock()
	if err != nil {
		return fmt.Errorf("unable to encrypt secret: %w", err)
	}
	return w.db.PutSecret(id, encrypted)
}

// secretFor loads and decrypts the key material for an account.  It fails
// with a locked-session error when the wallet is locked.
func (w *Wallet) secretFor(id uuid.UUID) ([]byte, error) {
	if err := w.session.RecordActivity(); err != nil {
		return nil, err
	}
	blob, err := w.db.Secret(id)
	if err != nil {
		return nil, err
	}

	w.keyMtx.Lock()
	defer w.keyMtx.Unlock()
	material, err := w.cryptoKey.Decrypt(blob)
	if err != nil {
		return nil, fmt.Errorf("unable to decrypt secret for "+
			"account %v: %w", id, err)
	}
	return material, nil
}

// deriveAddress computes the public address for ed25519 seed material: the
// trailing twenty bytes of the hashed public key.
func deriveAddress(seed []byte) waccmgr.Address {
	pub := ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize]).
		Public().(ed25519.PublicKey)
	digest := sha256.Sum256(pub)

	var addr waccmgr.Address
	copy(addr[:], digest[sha256.Size-waccmgr.AddressSize:])
	return addr
}
