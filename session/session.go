// Package session holds the client-side view of the user's authentication
// state.
//
// A single Manager is constructed per process and shared by reference with
// everything that reads or changes the session: the callback processor, the
// authenticated HTTP transport, logout, and any UI layer. Readers take
// snapshots or subscribe to changes; there is no package-level state.
package session

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"
	"time"
)

// ErrAuthenticationRequired is returned by a StatusSource when the backend
// reports that no valid provider session exists.
var ErrAuthenticationRequired = errors.New("session: authentication required")

// ErrNoStatusSource is returned by RefreshStatus when no StatusSource is set.
var ErrNoStatusSource = errors.New("session: no status source configured")

// ProviderProfile holds the identity claims returned after a code exchange.
type ProviderProfile struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// AccountRecord is the application's own record for the authenticated
// identity.
type AccountRecord struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
	TeamID   string `json:"teamId,omitempty"`
	Admin    bool   `json:"isAdmin"`
}

// State is an immutable snapshot of the session.
//
// Authenticated is true when the backend has confirmed a provider session,
// whether or not the user has registered an Account yet.
type State struct {
	Authenticated bool             `json:"isAuthenticated"`
	Profile       *ProviderProfile `json:"profile"`
	Account       *AccountRecord   `json:"account"`
}

// IsAdmin reports whether the local account carries the admin flag.
func (s State) IsAdmin() bool {
	return s.Account != nil && s.Account.Admin
}

// StatusSource asks the backend who the current user is.
//
// It returns (record, nil) for a registered account, (nil, nil) for an
// authenticated user with no account, and ErrAuthenticationRequired when the
// backend reports no session.
type StatusSource interface {
	Status(ctx context.Context) (*AccountRecord, error)
}

// ResetReason labels why the session was cleared.
type ResetReason string

const (
	ReasonLogout         ResetReason = "logout"
	ReasonUnauthorized   ResetReason = "unauthorized"
	ReasonCallbackFailed ResetReason = "callback_failed"
	ReasonStatusDenied   ResetReason = "status_denied"
	ReasonStatusError    ResetReason = "status_error"
)

// Manager owns the session state.
type Manager struct {
	// updateMu orders each mutation together with its notification, so
	// subscribers see states in the order they were made.
	updateMu sync.Mutex

	mu     sync.RWMutex
	state  State
	source StatusSource

	subMu  sync.Mutex
	subs   map[int]func(State)
	nextID int

	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithStatusSource sets the backend used by RefreshStatus.
func WithStatusSource(src StatusSource) Option {
	return func(m *Manager) {
		m.source = src
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager returns a Manager in the unauthenticated state.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		subs:   make(map[int]func(State)),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetStatusSource replaces the backend used by RefreshStatus.
//
// The backend client usually depends on the Manager (through the
// authenticated transport), so it is wired in after construction.
func (m *Manager) SetStatusSource(src StatusSource) {
	m.mu.Lock()
	m.source = src
	m.mu.Unlock()
}

// Snapshot returns the current state.
func (m *Manager) Snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) IsAuthenticated() bool {
	return m.Snapshot().Authenticated
}

func (m *Manager) IsAdmin() bool {
	return m.Snapshot().IsAdmin()
}

func (m *Manager) Profile() *ProviderProfile {
	return m.Snapshot().Profile
}

func (m *Manager) Account() *AccountRecord {
	return m.Snapshot().Account
}

// Reset clears the session to unauthenticated.
func (m *Manager) Reset(reason ResetReason) {
	m.update(func(s *State) {
		*s = State{}
	})
	sessionResets.WithLabelValues(string(reason)).Inc()
	m.logger.Debug("session reset", "reason", reason)
}

// SetProfile stores the provider profile without touching the
// authentication flag.
func (m *Manager) SetProfile(p *ProviderProfile) {
	m.update(func(s *State) {
		s.Profile = cloneProfile(p)
	})
}

// RefreshStatus asks the StatusSource for the authoritative session state.
//
// It is the only way the session becomes authenticated. Any error other
// than a definite answer from the backend clears the session: the cache
// fails closed. The returned error is informational; the state has already
// been updated.
func (m *Manager) RefreshStatus(ctx context.Context) error {
	m.mu.RLock()
	src := m.source
	m.mu.RUnlock()

	if src == nil {
		m.Reset(ReasonStatusError)
		statusRefreshes.WithLabelValues("error").Inc()
		return ErrNoStatusSource
	}

	account, err := src.Status(ctx)
	switch {
	case err == nil:
		m.update(func(s *State) {
			s.Authenticated = true
			s.Account = cloneAccount(account)
		})
		if account == nil {
			statusRefreshes.WithLabelValues("unregistered").Inc()
		} else {
			statusRefreshes.WithLabelValues("authenticated").Inc()
		}
		return nil
	case errors.Is(err, ErrAuthenticationRequired):
		statusRefreshes.WithLabelValues("unauthenticated").Inc()
		m.Reset(ReasonStatusDenied)
		return nil
	default:
		statusRefreshes.WithLabelValues("error").Inc()
		m.logger.Warn("session status check failed", "err", err)
		m.Reset(ReasonStatusError)
		return err
	}
}

// RunStatusLoop refreshes the session immediately and then every interval
// until ctx is done.
func (m *Manager) RunStatusLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.RefreshStatus(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Subscribe registers fn to be called with the new state after every
// change. fn runs on the goroutine that made the change, in change order.
// It must not block or change the session.
func (m *Manager) Subscribe(fn func(State)) (unsubscribe func()) {
	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

// Updates yields the current state, then each subsequent state until ctx is
// done or the consumer stops. A slow consumer sees only the latest state.
func (m *Manager) Updates(ctx context.Context) iter.Seq[State] {
	return func(yield func(State) bool) {
		ch := make(chan State, 1)
		unsubscribe := m.Subscribe(func(s State) {
			for {
				select {
				case ch <- s:
					return
				default:
				}
				// Drop the stale pending state.
				select {
				case <-ch:
				default:
				}
			}
		})
		defer unsubscribe()

		if !yield(m.Snapshot()) {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-ch:
				if !yield(s) {
					return
				}
			}
		}
	}
}

// update applies fn to the state and notifies subscribers before another
// update can start.
func (m *Manager) update(fn func(*State)) {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	m.mu.Lock()
	fn(&m.state)
	s := m.state
	m.mu.Unlock()

	m.notify(s)
}

func (m *Manager) notify(s State) {
	m.subMu.Lock()
	fns := make([]func(State), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

func cloneProfile(p *ProviderProfile) *ProviderProfile {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

func cloneAccount(a *AccountRecord) *AccountRecord {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}
