package account

import (
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/mreed/walletkit/queue"
)

// RecentLoginWindow is the threshold for the RecentlyLoggedIn predicate,
// used by callers to decide whether a sensitive action needs PIN re-entry.
const RecentLoginWindow = 120 * time.Second

// Session represents one authenticated, currently-open account. The login
// key is held in a memguard Enclave, encrypted at rest in memory. Only the
// owning Manager mutates session state; other components read it.
type Session struct {
	username  string
	startedAt time.Time
	queues    *queue.Scheduler
	now       func() time.Time

	mu           sync.Mutex
	loginKey     *memguard.Enclave
	lastActivity time.Time
	foreground   bool
	online       bool
	closed       bool
	otpSkewSeen  bool
}

// Username returns the session's normalized username.
func (s *Session) Username() string { return s.username }

// StartedAt returns when the session was created.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Queues returns the session's background work scheduler.
func (s *Session) Queues() *queue.Scheduler { return s.queues }

// LastActivity returns the time of the last recorded activity.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// RecentlyLoggedIn reports whether the last activity falls within
// RecentLoginWindow. Evaluated at call time; no timer fires on expiry and
// the session is not logged out when the predicate turns false.
func (s *Session) RecentlyLoggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Sub(s.lastActivity) < RecentLoginWindow
}

// Closed reports whether the session has been logged out.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// OpenLoginKey opens the login-key enclave. The caller must Destroy the
// returned buffer when done.
func (s *Session) OpenLoginKey() (*memguard.LockedBuffer, error) {
	s.mu.Lock()
	enclave := s.loginKey
	closed := s.closed
	s.mu.Unlock()
	if closed || enclave == nil {
		return nil, ErrSessionClosed
	}
	return enclave.Open()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

// close marks the session logged out and drops the key enclave. Idempotent;
// reports whether this call performed the transition.
func (s *Session) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.loginKey = nil
	return true
}

// markOTPSkew records skew notification, reporting whether this is the
// first occurrence for the session.
func (s *Session) markOTPSkew() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.otpSkewSeen {
		return false
	}
	s.otpSkewSeen = true
	return true
}

func (s *Session) setForeground(fg bool) {
	s.mu.Lock()
	s.foreground = fg
	s.mu.Unlock()
}

func (s *Session) setOnline(online bool) {
	s.mu.Lock()
	s.online = online
	s.mu.Unlock()
}

// Foreground reports whether the app is foregrounded for this session.
func (s *Session) Foreground() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.foreground
}

// Online reports last known connectivity.
func (s *Session) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}
