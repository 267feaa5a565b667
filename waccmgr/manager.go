// Package waccmgr implements the registry owning the wallet's account set.
// The registry is the single authority for account identity and metadata:
// nicknames are globally unique, tag sets are bounded and normalized, and
// every mutation re-validates those invariants before committing.  Reads are
// safe at any time since identities and metadata are not secret; gating of
// mutations on an unlocked session is the coordinator's job.
package waccmgr

import (
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
)

// MaxTags is the maximum number of tags a single account may carry.
const MaxTags = 10

// AccountSpec describes a new account to create or import.
type AccountSpec struct {
	Address  Address
	Nickname string
	Tags     []string
	Source   Source
}

// Manager is the concurrency-safe account registry.  Writers serialize
// against each other and against readers; readers may run concurrently with
// each other.
type Manager struct {
	mtx sync.RWMutex

	clk clock.Clock

	accounts   map[uuid.UUID]*Account
	byNickname map[string]uuid.UUID
	byAddress  map[Address]uuid.UUID
}

// NewManager returns an empty account registry.
func NewManager(clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &Manager{
		clk:        clk,
		accounts:   make(map[uuid.UUID]*Account),
		byNickname: make(map[string]uuid.UUID),
		byAddress:  make(map[Address]uuid.UUID),
	}
}

// Create validates the spec and adds a new account to the registry.  The
// returned account is an independent copy.
func (m *Manager) Create(spec *AccountSpec) (*Account, error) {
	nickname, err := normalizeNickname(spec.Nickname)
	if err != nil {
		return nil, err
	}
	tags, err := normalizeTags(spec.Tags)
	if err != nil {
		return nil, err
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	if id, ok := m.byNickname[nickname]; ok {
		return nil, accountError(ErrDuplicateNickname,
			"nickname "+nickname+" is already in use", id)
	}
	if id, ok := m.byAddress[spec.Address]; ok {
		return nil, accountError(ErrDuplicateAddress,
			"address "+spec.Address.String()+" is already tracked",
			id)
	}

	account := &Account{
		ID:        uuid.New(),
		Address:   spec.Address,
		Nickname:  nickname,
		Tags:      tags,
		Source:    spec.Source,
		CreatedAt: m.clk.Now(),
	}
	m.accounts[account.ID] = account
	m.byNickname[nickname] = account.ID
	m.byAddress[account.Address] = account.ID

	log.Debugf("Created account %v (%v, %v)", account.ID,
		account.Address, account.Source)
	return account.clone(), nil
}

// Restore loads previously persisted accounts into an empty registry,
// re-validating the uniqueness invariants.  It is used when opening a wallet
// from storage.
func (m *Manager) Restore(accounts []*Account) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	for _, account := range accounts {
		if id, ok := m.byNickname[account.Nickname]; ok {
			return accountError(ErrDuplicateNickname,
				"stored nickname "+account.Nickname+
					" is already in use", id)
		}
		if id, ok := m.byAddress[account.Address]; ok {
			return accountError(ErrDuplicateAddress,
				"stored address "+account.Address.String()+
					" is already tracked", id)
		}
		dup := account.clone()
		m.accounts[dup.ID] = dup
		m.byNickname[dup.Nickname] = dup.ID
		m.byAddress[dup.Address] = dup.ID
	}
	return nil
}

// Get returns a copy of the account with the given id.
func (m *Manager) Get(id uuid.UUID) (*Account, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	account, ok := m.accounts[id]
	if !ok {
		return nil, accountError(ErrAccountNotFound,
			"account "+id.String()+" not found", id)
	}
	return account.clone(), nil
}

// GetByAddress returns a copy of the account with the given address.
func (m *Manager) GetByAddress(addr Address) (*Account, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	id, ok := m.byAddress[addr]
	if !ok {
		return nil, managerError(ErrAccountNotFound,
			"no account with address "+addr.String())
	}
	return m.accounts[id].clone(), nil
}

// List returns copies of all accounts ordered by creation time, nickname
// breaking ties.
func (m *Manager) List() []*Account {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	accounts := make([]*Account, 0, len(m.accounts))
	for _, account := range m.accounts {
		accounts = append(accounts, account.clone())
	}
	sort.Slice(accounts, func(i, j int) bool {
		if !accounts[i].CreatedAt.Equal(accounts[j].CreatedAt) {
			return accounts[i].CreatedAt.Before(accounts[j].CreatedAt)
		}
		return accounts[i].Nickname < accounts[j].Nickname
	})
	return accounts
}

// Addresses returns the addresses of all tracked accounts, in List order.
func (m *Manager) Addresses() []Address {
	accounts := m.List()
	addrs := make([]Address, len(accounts))
	for i, account := range accounts {
		addrs[i] = account.Address
	}
	return addrs
}

// Len returns the number of tracked accounts.
func (m *Manager) Len() int {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	return len(m.accounts)
}

// Rename changes the nickname of the account with the given id, enforcing
// global uniqueness.  Renaming an account to its current nickname is a
// no-op.  The returned account is an independent copy carrying the new name.
func (m *Manager) Rename(id uuid.UUID, nickname string) (*Account, error) {
	nickname, err := normalizeNickname(nickname)
	if err != nil {
		return nil, err
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	account, ok := m.accounts[id]
	if !ok {
		return nil, accountError(ErrAccountNotFound,
			"account "+id.String()+" not found", id)
	}
	if holder, ok := m.byNickname[nickname]; ok {
		if holder == id {
			return account.clone(), nil
		}
		return nil, accountError(ErrDuplicateNickname,
			"nickname "+nickname+" is already in use", holder)
	}

	delete(m.byNickname, account.Nickname)
	account.Nickname = nickname
	m.byNickname[nickname] = id

	log.Debugf("Renamed account %v to %q", id, nickname)
	return account.clone(), nil
}

// SetTags replaces the tag set of the account with the given id.  Tags are
// trimmed, deduplicated and sorted; empty tags and sets over MaxTags are
// rejected.
func (m *Manager) SetTags(id uuid.UUID, tags []string) (*Account, error) {
	normalized, err := normalizeTags(tags)
	if err != nil {
		return nil, err
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	account, ok := m.accounts[id]
	if !ok {
		return nil, accountError(ErrAccountNotFound,
			"account "+id.String()+" not found", id)
	}
	account.Tags = normalized
	return account.clone(), nil
}

// MarkUsed records signing activity against the account.
func (m *Manager) MarkUsed(id uuid.UUID) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	account, ok := m.accounts[id]
	if !ok {
		return accountError(ErrAccountNotFound,
			"account "+id.String()+" not found", id)
	}
	account.LastUsed = m.clk.Now()
	account.UseCount++
	return nil
}

// Remove deletes the account with the given id from the registry.
func (m *Manager) Remove(id uuid.UUID) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	account, ok := m.accounts[id]
	if !ok {
		return accountError(ErrAccountNotFound,
			"account "+id.String()+" not found", id)
	}
	delete(m.accounts, id)
	delete(m.byNickname, account.Nickname)
	delete(m.byAddress, account.Address)

	log.Debugf("Removed account %v (%v)", id, account.Address)
	return nil
}

// normalizeNickname trims the nickname and rejects empty results.
func normalizeNickname(nickname string) (string, error) {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return "", managerError(ErrInvalidNickname,
			"nickname must not be empty")
	}
	return nickname, nil
}

// normalizeTags trims, rejects empty entries, deduplicates and sorts the
// passed tag set, enforcing the MaxTags bound on the result.
func normalizeTags(tags []string) ([]string, error) {
	seen := make(map[string]struct{}, len(tags))
	normalized := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			return nil, managerError(ErrInvalidTag,
				"tags must not be empty")
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		normalized = append(normalized, tag)
	}
	if len(normalized) > MaxTags {
		return nil, managerError(ErrTooManyTags,
			"tag sets are limited to 10 tags")
	}
	sort.Strings(normalized)
	return normalized, nil
}
