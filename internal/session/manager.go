package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/pairlink/internal/logging"
	"github.com/postalsys/pairlink/internal/store"
)

// ErrSessionExpired is returned when the credential is past its timeout or
// could not be refreshed. The credential has been discarded and the caller
// must pair again.
var ErrSessionExpired = errors.New("session expired")

// Refresher exchanges a near-expiry credential for a fresh one.
type Refresher interface {
	Refresh(ctx context.Context, cred Credential) (Credential, error)
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Policy Policy
	Store  store.KV

	// Refresher may be nil, in which case refresh-due credentials are used
	// as-is until they expire.
	Refresher Refresher

	// MinRefreshInterval bounds how often refresh is attempted.
	MinRefreshInterval time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

// Manager owns the current direct-mode credential. The credential is swapped
// atomically on refresh or re-pairing and callers read it at use time.
type Manager struct {
	policy    Policy
	kv        store.KV
	refresher Refresher
	now       func() time.Time
	limiter   *rate.Limiter
	logger    *slog.Logger

	current   atomic.Pointer[Credential]
	refreshMu sync.Mutex
}

// NewManager creates a manager and loads any stored credential.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("session manager requires a store")
	}
	if cfg.Policy.Timeout <= 0 {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	limit := rate.Inf
	if cfg.MinRefreshInterval > 0 {
		limit = rate.Every(cfg.MinRefreshInterval)
	}

	m := &Manager{
		policy:    cfg.Policy,
		kv:        cfg.Store,
		refresher: cfg.Refresher,
		now:       cfg.Now,
		limiter:   rate.NewLimiter(limit, 1),
		logger:    logging.OrNop(cfg.Logger).With(logging.KeyComponent, "session"),
	}

	cred, err := LoadCredential(cfg.Store)
	switch {
	case errors.Is(err, ErrNoCredential):
	case err != nil:
		return nil, err
	default:
		m.current.Store(cred)
	}

	return m, nil
}

// SetRefresher installs the refresher after construction.
func (m *Manager) SetRefresher(r Refresher) {
	m.refreshMu.Lock()
	m.refresher = r
	m.refreshMu.Unlock()
}

// Policy returns the session policy.
func (m *Manager) Policy() Policy {
	return m.policy
}

// Current returns a copy of the current credential.
func (m *Manager) Current() (Credential, bool) {
	c := m.current.Load()
	if c == nil {
		return Credential{}, false
	}
	return *c, true
}

// Check evaluates the current credential.
func (m *Manager) Check() Validity {
	return m.policy.CheckValidity(m.current.Load(), m.now())
}

// Set persists cred and makes it current.
func (m *Manager) Set(cred Credential) error {
	if err := SaveCredential(m.kv, cred); err != nil {
		return err
	}
	m.current.Store(&cred)
	return nil
}

// Clear discards the credential from memory and the store.
func (m *Manager) Clear() error {
	m.current.Store(nil)
	return ClearCredential(m.kv)
}

// Acquire returns a credential usable for one request. An expired credential
// is discarded and ErrSessionExpired returned. A refresh-due credential is
// refreshed first; if that fails the session is treated as expired.
func (m *Manager) Acquire(ctx context.Context) (Credential, error) {
	cred := m.current.Load()
	if cred == nil {
		return Credential{}, ErrNoCredential
	}

	v := m.policy.CheckValidity(cred, m.now())
	if !v.Valid {
		m.expire("timeout")
		return Credential{}, ErrSessionExpired
	}
	if !v.NeedsRefresh {
		return *cred, nil
	}

	return m.Refresh(ctx)
}

// Refresh exchanges the current credential for a fresh one. Concurrent
// callers share one exchange.
func (m *Manager) Refresh(ctx context.Context) (Credential, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	cred := m.current.Load()
	if cred == nil {
		return Credential{}, ErrNoCredential
	}

	// Another caller may have refreshed while we waited.
	v := m.policy.CheckValidity(cred, m.now())
	if !v.Valid {
		m.expire("timeout")
		return Credential{}, ErrSessionExpired
	}
	if !v.NeedsRefresh {
		return *cred, nil
	}

	if m.refresher == nil || !m.limiter.Allow() {
		return *cred, nil
	}

	fresh, err := m.refresher.Refresh(ctx, *cred)
	if err != nil {
		m.logger.Warn("credential refresh failed",
			logging.KeyDeviceID, cred.DeviceID,
			logging.KeyError, err)
		m.expire("refresh failed")
		return Credential{}, fmt.Errorf("%w: refresh: %v", ErrSessionExpired, err)
	}
	if fresh.PairedAt.IsZero() {
		fresh.PairedAt = m.now()
	}
	if err := m.Set(fresh); err != nil {
		return Credential{}, err
	}

	m.logger.Debug("credential refreshed", logging.KeyDeviceID, fresh.DeviceID)
	return fresh, nil
}

func (m *Manager) expire(reason string) {
	if err := m.Clear(); err != nil {
		m.logger.Warn("failed to clear expired credential", logging.KeyError, err)
	}
	m.logger.Info("session expired", "reason", reason)
}
