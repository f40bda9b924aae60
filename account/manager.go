// Package account implements the login/session state machine of the wallet
// SDK: password, PIN, recovery and auto-relogin paths, second-factor
// negotiation, secure local credential caching, and the background queue
// lifecycle tied to each open session.
package account

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"go.uber.org/zap"

	"github.com/mreed/walletkit/backend"
	"github.com/mreed/walletkit/otp"
	"github.com/mreed/walletkit/queue"
	"github.com/mreed/walletkit/secstore"
)

// Manager is the sole authority that creates and invalidates Sessions. It
// owns the process-wide username-to-session registry and the single-flight
// login lane per username.
type Manager struct {
	store     secstore.Store
	auth      backend.Auth
	otp       *otp.Negotiator
	log       *zap.Logger
	schedOpts []queue.Option
	now       func() time.Time

	sinkMu sync.RWMutex
	sink   Sink

	mu         sync.Mutex
	sessions   map[string]*Session
	flights    map[string]struct{}
	foreground bool
	online     bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithSink sets the application event sink.
func WithSink(sink Sink) Option {
	return func(m *Manager) { m.sink = sink }
}

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithSchedulerOptions passes options through to each session's scheduler.
func WithSchedulerOptions(opts ...queue.Option) Option {
	return func(m *Manager) { m.schedOpts = opts }
}

// New creates a Manager over the given credential store and auth backend.
func New(store secstore.Store, auth backend.Auth, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		auth:       auth,
		log:        zap.NewNop(),
		now:        time.Now,
		sessions:   make(map[string]*Session),
		flights:    make(map[string]struct{}),
		foreground: true,
		online:     true,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.otp = otp.NewNegotiator(store, auth,
		otp.WithLogger(m.log.Named("otp")),
		otp.WithClock(m.now))
	return m
}

// OTP returns the manager's second-factor negotiator.
func (m *Manager) OTP() *otp.Negotiator { return m.otp }

// SetSink installs (or replaces) the application event sink.
func (m *Manager) SetSink(sink Sink) {
	m.sinkMu.Lock()
	m.sink = sink
	m.sinkMu.Unlock()
}

func (m *Manager) emit(kind EventKind, username string) {
	m.sinkMu.RLock()
	sink := m.sink
	m.sinkMu.RUnlock()
	if sink != nil {
		sink.Notify(Event{Kind: kind, Username: username})
	}
}

// SessionFor returns the open session for a username, if any.
func (m *Manager) SessionFor(username string) (*Session, bool) {
	norm, err := NormalizeUsername(username)
	if err != nil {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[norm]
	if !ok || s.Closed() {
		return nil, false
	}
	return s, true
}

// beginLogin claims the single-flight login lane for a username. When a
// live session already exists it is returned instead: at most one Session
// per username, ever. The release func must be called when the attempt
// resolves; it is nil when an existing session was returned.
func (m *Manager) beginLogin(norm string) (*Session, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[norm]; ok && !s.Closed() {
		return s, nil, nil
	}
	if _, busy := m.flights[norm]; busy {
		return nil, nil, ErrLoginInProgress
	}
	m.flights[norm] = struct{}{}
	release := func() {
		m.mu.Lock()
		delete(m.flights, norm)
		m.mu.Unlock()
	}
	return nil, release, nil
}

// createSession builds and registers the Session for a fresh login and
// starts its queue scheduler. loginKey is consumed into an enclave.
func (m *Manager) createSession(norm string, loginKey []byte) *Session {
	sched := queue.New(append([]queue.Option{
		queue.WithLogger(m.log.Named("queue").With(zap.String("username", norm))),
	}, m.schedOpts...)...)

	s := &Session{
		username:  norm,
		startedAt: m.now(),
		queues:    sched,
		now:       m.now,
		loginKey:  memguard.NewEnclave(loginKey),
	}
	s.lastActivity = s.startedAt

	m.mu.Lock()
	s.foreground = m.foreground
	s.online = m.online
	m.sessions[norm] = s
	m.mu.Unlock()

	_ = sched.Start()
	if !s.Foreground() {
		sched.OnBackground()
	}
	if !s.Online() {
		sched.OnConnectivityChanged(false)
	}

	m.log.Info("session created", zap.String("username", norm))
	return s
}

// Logout tears down a session: the queue scheduler is stopped and drained
// first, the logout timestamp is persisted for auto-relogin windowing, and
// only then does the session transition to closed. A caller that re-logs-in
// immediately after Logout returns never races a still-draining queue.
// Idempotent: logging out an already-closed session is a no-op.
func (m *Manager) Logout(ctx context.Context, session *Session) error {
	if session == nil || session.Closed() {
		return nil
	}

	if err := session.queues.Stop(); err != nil {
		m.log.Warn("queue drain incomplete on logout",
			zap.String("username", session.username),
			zap.Error(err))
	}

	norm := session.username
	settings, err := m.loadSettings(ctx, norm)
	if err != nil {
		m.log.Warn("loading settings on logout", zap.String("username", norm), zap.Error(err))
		settings = defaultSettings()
	}
	settings.LastLogout = m.now()
	if err := m.saveSettings(ctx, norm, settings); err != nil {
		m.log.Warn("persisting logout timestamp", zap.String("username", norm), zap.Error(err))
	}

	if !session.close() {
		return nil
	}

	m.mu.Lock()
	if m.sessions[norm] == session {
		delete(m.sessions, norm)
	}
	m.mu.Unlock()

	m.emit(EventLoggedOut, norm)
	m.log.Info("logged out", zap.String("username", norm))
	return nil
}

// invalidate force-logs-out a session because its local state is corrupt.
func (m *Manager) invalidate(ctx context.Context, session *Session, cause error) {
	m.log.Error("forcing logout",
		zap.String("username", session.username),
		zap.Error(cause))
	_ = m.Logout(ctx, session)
}

// noteCorruption inspects a store failure surfaced mid-session. Unreadable
// local state forces an unconditional logout of any open session for the
// username; the error passes through either way.
func (m *Manager) noteCorruption(ctx context.Context, norm string, err error) error {
	if err == nil || !errors.Is(err, ErrAccountCorrupt) {
		return err
	}
	if s, ok := m.SessionFor(norm); ok {
		m.invalidate(ctx, s, err)
	}
	return err
}

// Touch records caller-visible activity on the session, feeding the
// RecentlyLoggedIn predicate.
func (m *Manager) Touch(session *Session) {
	if session == nil || session.Closed() {
		return
	}
	session.touch()
}

// EnterBackground suspends non-critical background work on all sessions.
func (m *Manager) EnterBackground() {
	for _, s := range m.snapshotSessions() {
		s.setForeground(false)
		s.queues.OnBackground()
	}
	m.mu.Lock()
	m.foreground = false
	m.mu.Unlock()
}

// EnterForeground resumes background work on all sessions.
func (m *Manager) EnterForeground() {
	for _, s := range m.snapshotSessions() {
		s.setForeground(true)
		s.queues.OnForeground()
	}
	m.mu.Lock()
	m.foreground = true
	m.mu.Unlock()
}

// SetConnectivity forwards a connectivity transition to all sessions.
func (m *Manager) SetConnectivity(online bool) {
	for _, s := range m.snapshotSessions() {
		s.setOnline(online)
		s.queues.OnConnectivityChanged(online)
	}
	m.mu.Lock()
	m.online = online
	m.mu.Unlock()
}

func (m *Manager) snapshotSessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// ListLocalAccounts returns the normalized usernames with locally cached
// credentials, sorted.
func (m *Manager) ListLocalAccounts(ctx context.Context) ([]string, error) {
	return m.store.List(ctx)
}

// LastAccessedAccount returns the username with the most recent login, or
// empty when no account has logged in locally.
func (m *Manager) LastAccessedAccount(ctx context.Context) (string, error) {
	usernames, err := m.store.List(ctx)
	if err != nil {
		return "", err
	}
	var best string
	var bestAt time.Time
	for _, u := range usernames {
		s, err := m.loadSettings(ctx, u)
		if err != nil {
			continue
		}
		if s.LastLogin.After(bestAt) {
			best, bestAt = u, s.LastLogin
		}
	}
	return best, nil
}

// RemoveLocalAccount deletes every locally cached secret for a username.
// Refused while the account is logged in.
func (m *Manager) RemoveLocalAccount(ctx context.Context, username string) error {
	norm, err := NormalizeUsername(username)
	if err != nil {
		return err
	}
	if _, ok := m.SessionFor(norm); ok {
		return ErrAccountInUse
	}
	return m.store.Clear(ctx, norm)
}

// noteBackendError inspects a mid-session backend failure and emits the
// corresponding account event, at most once per underlying cause.
func (m *Manager) noteBackendError(session *Session, err error) {
	if err == nil || session == nil {
		return
	}
	if errors.Is(err, backend.ErrOTPRequired) && session.markOTPSkew() {
		m.emit(EventOTPSkew, session.username)
		return
	}
	if errors.Is(err, backend.ErrInvalidCredentials) {
		m.emit(EventCredentialChanged, session.username)
	}
}

// mapStoreError converts unreadable local records into ErrAccountCorrupt
// while preserving transport and authentication failures.
func mapStoreError(err error) error {
	if errors.Is(err, secstore.ErrEncodingFailed) {
		return errors.Join(ErrAccountCorrupt, err)
	}
	return err
}
