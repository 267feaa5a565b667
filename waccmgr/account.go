package waccmgr

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AddressSize is the length in bytes of a public account address.
const AddressSize = 20

// Address is the fixed-length public address identifying an account on
// chain.
type Address [AddressSize]byte

// String returns the address as a 0x-prefixed hex string.
func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// ParseAddress parses a 0x-prefixed (or bare) hex string into an Address.
func ParseAddress(s string) (Address, error) {
	var addr Address
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return addr, fmt.Errorf("malformed address %q: %w", s, err)
	}
	if len(b) != AddressSize {
		return addr, fmt.Errorf("malformed address %q: got %d bytes, "+
			"want %d", s, len(b), AddressSize)
	}
	copy(addr[:], b)
	return addr, nil
}

// Source describes how an account's key material entered the wallet.
type Source uint8

// Recognized account sources.
const (
	// SourceGenerated is an account derived from the wallet's own seed.
	SourceGenerated Source = iota

	// SourceImportedSeed is an account restored from an external seed
	// phrase.
	SourceImportedSeed

	// SourceImportedKey is an account imported from a raw private key.
	SourceImportedKey

	// SourceImportedKeystore is an account imported from an encrypted
	// keystore file.
	SourceImportedKeystore

	// SourceHardware is an account whose keys live on a hardware device.
	SourceHardware
)

var sourceStrings = map[Source]string{
	SourceGenerated:        "generated",
	SourceImportedSeed:     "imported-seed",
	SourceImportedKey:      "imported-key",
	SourceImportedKeystore: "imported-keystore",
	SourceHardware:         "hardware",
}

// String returns the source as a human-readable name.
func (s Source) String() string {
	if str := sourceStrings[s]; str != "" {
		return str
	}
	return fmt.Sprintf("unknown source (%d)", uint8(s))
}

// Valid reports whether s is a recognized source.
func (s Source) Valid() bool {
	_, ok := sourceStrings[s]
	return ok
}

// Account is a single tracked blockchain identity together with its local
// metadata.  Accounts are exclusively owned by the registry; every accessor
// hands out an independent copy, and mutations go through registry methods
// which re-validate the invariants.
type Account struct {
	// ID is the local identifier of the account, stable for its whole
	// lifetime.
	ID uuid.UUID

	// Address is the public on-chain address.
	Address Address

	// Nickname is the user-chosen display name, unique across the
	// registry.
	Nickname string

	// Tags are free-form labels, at most MaxTags, each trimmed and
	// non-empty, kept sorted and without duplicates.
	Tags []string

	// Source records how the account's key material entered the wallet.
	Source Source

	// CreatedAt is when the account was added to the registry.
	CreatedAt time.Time

	// LastUsed is when the account last signed, if ever.
	LastUsed time.Time

	// UseCount is the number of times the account has signed.
	UseCount uint64
}

// Avatar returns the deterministic avatar for the account's address.  The
// avatar is a pure function of the address and is therefore never stored.
func (a *Account) Avatar() string {
	return Avatar(a.Address)
}

// clone returns an independent copy of the account.
func (a *Account) clone() *Account {
	dup := *a
	dup.Tags = append([]string(nil), a.Tags...)
	return &dup
}
