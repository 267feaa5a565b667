// Package wsession implements the lock/unlock state machine that gates
// access to wallet secrets.  A session manager starts locked, unlocks when
// the configured credential validator accepts a passphrase, and locks again
// on explicit request or autonomously after a configurable idle timeout.
// Each unlock is tagged with a fresh correlation id, and short-lived tokens
// can be issued against the live session as proof of recent authentication.
package wsession

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
)

// DefaultTokenTTL is the lifetime of issued tokens when the caller does not
// request one explicitly.  Tokens are deliberately short-lived; they exist to
// prove recent authentication for sensitive exports, not to replace the
// session itself.
const DefaultTokenTTL = 2 * time.Minute

// CredentialValidator checks a passphrase against the wallet's stored
// credentials.  Implementations must return a non-nil error for any rejected
// attempt; the session manager collapses all such errors into a single
// uniform authentication failure.
type CredentialValidator func(passphrase []byte) error

// Config describes the behavior of a session manager.
type Config struct {
	// Validator authenticates unlock attempts.  Required.
	Validator CredentialValidator

	// IdleTimeout is the duration of inactivity after which an unlocked
	// session locks itself.  Zero disables auto-locking.
	IdleTimeout time.Duration

	// OnAutoLock is invoked (without any internal mutex held) each time
	// the session locks itself due to idle timeout.  It is never invoked
	// for explicit locks.
	OnAutoLock func()

	// Clock is the time source.  Defaults to the wall clock; tests
	// substitute a virtual clock.
	Clock clock.Clock
}

// Token is a time-limited proof of recent authentication.  A token is valid
// only while the session that issued it remains unlocked; locking the
// session revokes every outstanding token immediately, regardless of
// individual expiry.
type Token struct {
	// ID uniquely identifies this token.
	ID uuid.UUID

	// SessionID is the correlation id of the session the token was
	// issued under.
	SessionID uuid.UUID

	// ExpiresAt is the instant the token stops being valid.
	ExpiresAt time.Time

	// generation pins the token to a particular unlock.  Locking bumps
	// the manager's generation, orphaning tokens from earlier sessions.
	generation uint64
}

// Manager tracks the locked/unlocked state of a wallet session.  All state
// transitions are atomic with respect to each other: explicit lock, unlock,
// activity recording, token checks, and the autonomous idle-timeout fire all
// serialize on one mutex.
type Manager struct {
	mtx sync.Mutex

	cfg Config
	clk clock.Clock

	locked       bool
	sessionID    uuid.UUID
	generation   uint64
	lastActivity time.Time

	// quit belongs to the idle watchdog of the current unlock.  It is
	// closed on lock so a watchdog from an earlier session can never fire
	// after a later unlock.
	quit chan struct{}
}

// NewManager returns a locked session manager.
func NewManager(cfg *Config) *Manager {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &Manager{
		cfg:    *cfg,
		clk:    clk,
		locked: true,
	}
}

// IsLocked returns whether the session is currently locked.
func (m *Manager) IsLocked() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.locked
}

// SessionID returns the correlation id of the current session.  The boolean
// is false while locked, since a locked manager has no session.
func (m *Manager) SessionID() (uuid.UUID, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.locked {
		return uuid.Nil, false
	}
	return m.sessionID, true
}

// Unlock validates the passphrase and transitions the session to the
// unlocked state.  A fresh correlation id is generated and the idle watchdog
// is armed.  Any credential failure locks the manager, even if it was
// already unlocked, and surfaces as the same ErrWrongPassphrase regardless
// of which internal check rejected the attempt.
func (m *Manager) Unlock(passphrase []byte) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if err := m.cfg.Validator(passphrase); err != nil {
		m.lockLocked()
		return sessionError(ErrWrongPassphrase,
			"invalid passphrase", nil)
	}

	if !m.locked {
		// Re-authentication on a live session keeps the correlation
		// id stable; it only counts as activity.
		m.lastActivity = m.clk.Now()
		return nil
	}

	m.locked = false
	m.sessionID = uuid.New()
	m.lastActivity = m.clk.Now()
	if m.cfg.IdleTimeout > 0 {
		m.quit = make(chan struct{})
		go m.watchIdle(m.quit)
	}

	log.Debugf("Session %v unlocked", m.sessionID)
	return nil
}

// Lock transitions the session to the locked state.  It is valid from any
// state and idempotent.  The correlation id and every token issued under the
// session are invalidated immediately and the idle watchdog is canceled.
func (m *Manager) Lock() {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.locked {
		return
	}

	log.Debugf("Session %v locked", m.sessionID)
	m.lockLocked()
}

// lockLocked performs the locked-state transition.  It must be called with
// the manager mutex held.
func (m *Manager) lockLocked() {
	m.locked = true
	m.sessionID = uuid.Nil
	m.generation++
	if m.quit != nil {
		close(m.quit)
		m.quit = nil
	}
}

// RecordActivity marks the session as active now, pushing back the idle
// deadline.  It fails with ErrLocked while the session is locked.
func (m *Manager) RecordActivity() error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.locked {
		return sessionError(ErrLocked,
			"cannot record activity on a locked session", nil)
	}
	m.lastActivity = m.clk.Now()
	return nil
}

// IssueToken issues a token proving recent authentication, valid for ttl (or
// DefaultTokenTTL when ttl is zero) while the current session stays
// unlocked.
func (m *Manager) IssueToken(ttl time.Duration) (*Token, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.locked {
		return nil, sessionError(ErrLocked,
			"cannot issue a token while locked", nil)
	}
	if ttl == 0 {
		ttl = DefaultTokenTTL
	}
	return &Token{
		ID:         uuid.New(),
		SessionID:  m.sessionID,
		ExpiresAt:  m.clk.Now().Add(ttl),
		generation: m.generation,
	}, nil
}

// ValidateToken checks a token for use right now.  Expiry is evaluated
// lazily at validation time; there is no background sweep.  The possible
// failures are distinct: ErrLocked when the session is locked, ErrTokenRevoked
// when the token belongs to an earlier session, and ErrTokenExpired when its
// lifetime has run out.
func (m *Manager) ValidateToken(tok *Token) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.locked {
		return sessionError(ErrLocked,
			"session is locked", nil)
	}
	if tok.generation != m.generation {
		return sessionError(ErrTokenRevoked,
			"token was revoked by a lock", nil)
	}
	if !m.clk.Now().Before(tok.ExpiresAt) {
		return sessionError(ErrTokenExpired,
			"token has expired", nil)
	}
	return nil
}

// watchIdle is the idle watchdog for a single unlock.  Instead of resetting
// a timer on every activity, it sleeps until the deadline computed from the
// last activity it observed and re-evaluates on wake; activity recorded in
// the meantime simply pushes the next wake further out.  The quit channel
// identifies the unlock this watchdog belongs to, so a watchdog can never
// lock a session it did not watch.
func (m *Manager) watchIdle(quit chan struct{}) {
	for {
		m.mtx.Lock()
		if m.locked || m.quit != quit {
			m.mtx.Unlock()
			return
		}

		now := m.clk.Now()
		deadline := m.lastActivity.Add(m.cfg.IdleTimeout)
		if !now.Before(deadline) {
			id := m.sessionID
			m.lockLocked()
			cb := m.cfg.OnAutoLock
			m.mtx.Unlock()

			log.Infof("Session %v auto-locked after %v of "+
				"inactivity", id, m.cfg.IdleTimeout)
			if cb != nil {
				cb()
			}
			return
		}
		wait := deadline.Sub(now)
		m.mtx.Unlock()

		select {
		case <-m.clk.TickAfter(wait):
		case <-quit:
			return
		}
	}
}
