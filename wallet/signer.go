package wallet

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/tidewallet/tidewallet/internal/zero"
	"github.com/tidewallet/tidewallet/waccmgr"
)

// ErrNoDevice is returned by a HardwareSigner with no connected device.
var ErrNoDevice = errors.New("no hardware device connected")

// Signer produces a signature over a serialized transaction on behalf of an
// account.  The wallet dispatches to a signer based on account provenance:
// software-backed accounts sign with key material held in the wallet, while
// hardware accounts delegate to the device.
type Signer interface {
	Sign(account *waccmgr.Account, tx []byte) ([]byte, error)
}

// materialFunc hands the software signer decrypted key material for an
// account.  It only succeeds while the wallet is unlocked.
type materialFunc func(id uuid.UUID) ([]byte, error)

// SoftwareSigner signs with ed25519 keys derived from the wallet's stored
// (encrypted) seed material.
type SoftwareSigner struct {
	material materialFunc
}

// Sign implements Signer.
func (s *SoftwareSigner) Sign(account *waccmgr.Account, tx []byte) ([]byte, error) {
	material, err := s.material(account.ID)
	if err != nil {
		return nil, fmt.Errorf("unable to obtain key material for "+
			"account %v: %w", account.ID, err)
	}
	defer zero.Bytes(material)

	if len(material) < ed25519.SeedSize {
		return nil, fmt.Errorf("account %v: key material too short",
			account.ID)
	}
	key := ed25519.NewKeyFromSeed(material[:ed25519.SeedSize])
	return ed25519.Sign(key, tx), nil
}

// HardwareDevice is the capability surface a connected signing device must
// offer.  Device transport and user confirmation flows live behind this
// interface.
type HardwareDevice interface {
	SignTransaction(addr waccmgr.Address, tx []byte) ([]byte, error)
}

// HardwareSigner delegates signing to an attached hardware device.
type HardwareSigner struct {
	// Device is the connected device, or nil when none is attached.
	Device HardwareDevice
}

// Sign implements Signer.
func (s *HardwareSigner) Sign(account *waccmgr.Account, tx []byte) ([]byte, error) {
	if s.Device == nil {
		return nil, ErrNoDevice
	}
	return s.Device.SignTransaction(account.Address, tx)
}
