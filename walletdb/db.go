// Package walletdb persists the wallet's account book and encrypted key
// material in a bbolt database.  Three buckets hold the three concerns:
// account metadata (plain JSON, nothing secret), per-account secrets
// (ciphertext only; encryption happens above this layer), and the master key
// parameters needed to re-derive the unlock key from a passphrase.
package walletdb

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/tidewallet/tidewallet/waccmgr"
)

// Bucket names.
var (
	accountsBucket = []byte("accounts")
	secretsBucket  = []byte("secrets")
	metaBucket     = []byte("meta")
)

// Keys within the meta bucket.
var (
	masterParamsKey = []byte("masterparams")
	cryptoKeyKey    = []byte("cryptokey")
	createdAtKey    = []byte("createdat")
)

// ErrNotInitialized is returned when the database exists but was never
// initialized with master key parameters.
var ErrNotInitialized = errors.New("wallet database is not initialized")

// ErrSecretNotFound is returned when no secret blob is stored for an
// account.
var ErrSecretNotFound = errors.New("no secret stored for account")

// DB wraps the underlying bolt database.
type DB struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the wallet database at path.
func Open(path string) (*DB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to open wallet db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			accountsBucket, secretsBucket, metaBucket,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to create buckets: %w", err)
	}
	return &DB{db: db}, nil
}

// Close releases the underlying database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Initialized reports whether master key parameters have been stored.
func (d *DB) Initialized() (bool, error) {
	var ok bool
	err := d.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(metaBucket).Get(masterParamsKey) != nil
		return nil
	})
	return ok, err
}

// PutMasterParams stores the marshalled master key parameters together with
// the crypto key blob encrypted under the master key.  This is done once at
// wallet creation.
func (d *DB) PutMasterParams(params, encryptedCryptoKey []byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if err := meta.Put(masterParamsKey, params); err != nil {
			return err
		}
		if err := meta.Put(cryptoKeyKey, encryptedCryptoKey); err != nil {
			return err
		}
		created, err := time.Now().UTC().MarshalBinary()
		if err != nil {
			return err
		}
		return meta.Put(createdAtKey, created)
	})
}

// MasterParams returns the marshalled master key parameters and the
// encrypted crypto key stored at creation.
func (d *DB) MasterParams() (params, encryptedCryptoKey []byte, err error) {
	err = d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		p := meta.Get(masterParamsKey)
		k := meta.Get(cryptoKeyKey)
		if p == nil || k == nil {
			return ErrNotInitialized
		}
		params = append([]byte(nil), p...)
		encryptedCryptoKey = append([]byte(nil), k...)
		return nil
	})
	return params, encryptedCryptoKey, err
}

// storedAccount is the JSON shape of one persisted account.
type storedAccount struct {
	ID        uuid.UUID `json:"id"`
	Address   string    `json:"address"`
	Nickname  string    `json:"nickname"`
	Tags      []string  `json:"tags,omitempty"`
	Source    uint8     `json:"source"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used,omitempty"`
	UseCount  uint64    `json:"use_count,omitempty"`
}

// PutAccount inserts or replaces the metadata record for the account.
func (d *DB) PutAccount(account *waccmgr.Account) error {
	record, err := json.Marshal(&storedAccount{
		ID:        account.ID,
		Address:   account.Address.String(),
		Nickname:  account.Nickname,
		Tags:      account.Tags,
		Source:    uint8(account.Source),
		CreatedAt: account.CreatedAt,
		LastUsed:  account.LastUsed,
		UseCount:  account.UseCount,
	})
	if err != nil {
		return err
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(accountsBucket).Put(account.ID[:], record)
	})
}

// DeleteAccount removes the metadata record and any stored secret for the
// account.
func (d *DB) DeleteAccount(id uuid.UUID) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(accountsBucket).Delete(id[:]); err != nil {
			return err
		}
		return tx.Bucket(secretsBucket).Delete(id[:])
	})
}

// Accounts loads every persisted account.
func (d *DB) Accounts() ([]*waccmgr.Account, error) {
	var accounts []*waccmgr.Account
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(accountsBucket).ForEach(func(k, v []byte) error {
			var record storedAccount
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("corrupt account record "+
					"%x: %w", k, err)
			}
			addr, err := waccmgr.ParseAddress(record.Address)
			if err != nil {
				return fmt.Errorf("corrupt account record "+
					"%x: %w", k, err)
			}
			accounts = append(accounts, &waccmgr.Account{
				ID:        record.ID,
				Address:   addr,
				Nickname:  record.Nickname,
				Tags:      record.Tags,
				Source:    waccmgr.Source(record.Source),
				CreatedAt: record.CreatedAt,
				LastUsed:  record.LastUsed,
				UseCount:  record.UseCount,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

// PutSecret stores the encrypted secret blob for the account.  The blob must
// already be ciphertext; this layer never sees plaintext key material.
func (d *DB) PutSecret(id uuid.UUID, blob []byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(secretsBucket).Put(id[:], blob)
	})
}

// Secret returns the encrypted secret blob for the account.
func (d *DB) Secret(id uuid.UUID) ([]byte, error) {
	var blob []byte
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(secretsBucket).Get(id[:])
		if v == nil {
			return ErrSecretNotFound
		}
		blob = append([]byte(nil), v...)
		return nil
	})
	return blob, err
}
