// Package otp tracks the second-factor state of each account: whether OTP
// is enforced, the locally cached key, and any pending server-side reset.
package otp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mreed/walletkit/backend"
	"github.com/mreed/walletkit/secstore"
)

var (
	// ErrNotEnabled indicates an OTP operation on an account without OTP.
	ErrNotEnabled = errors.New("otp not enabled")
	// ErrNoResetPending indicates cancelReset without a pending reset.
	ErrNoResetPending = errors.New("no otp reset pending")
)

// State is the per-username OTP enforcement state.
type State int

const (
	Disabled State = iota
	Enabled
	ResetPending
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Enabled:
		return "enabled"
	case ResetPending:
		return "reset-pending"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is a read-only snapshot of one username's OTP state.
type Status struct {
	State       State
	ResetExpiry time.Time
	HasLocalKey bool
}

// ResetRequester is the slice of the backend contract the negotiator needs.
type ResetRequester interface {
	RequestOTPReset(ctx context.Context, username, resetToken string) (time.Time, error)
}

// record is the persisted form of OTPState. The key is stored separately
// under secstore.KindOTPKey so a reset can clear flags without touching it.
type record struct {
	Enabled        bool      `json:"enabled"`
	ResetPending   bool      `json:"reset_pending,omitempty"`
	ResetExpiry    time.Time `json:"reset_expiry,omitzero"`
	TimeoutSeconds int       `json:"timeout_seconds,omitempty"`
}

// Negotiator owns per-username OTP state. All state transitions are
// read-modify-write cycles on the credential store, serialized per
// username so a concurrent enable and requestReset cannot lose an update.
type Negotiator struct {
	store  secstore.Store
	resets ResetRequester
	log    *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Negotiator.
type Option func(*Negotiator)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(n *Negotiator) { n.log = log }
}

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(n *Negotiator) { n.now = now }
}

// NewNegotiator creates a Negotiator persisting through store and
// negotiating resets through resets.
func NewNegotiator(store secstore.Store, resets ResetRequester, opts ...Option) *Negotiator {
	n := &Negotiator{
		store:  store,
		resets: resets,
		log:    zap.NewNop(),
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *Negotiator) userLock(username string) *sync.Mutex {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.locks[username]
	if !ok {
		l = &sync.Mutex{}
		n.locks[username] = l
	}
	return l
}

func (n *Negotiator) load(ctx context.Context, username string) (record, error) {
	data, err := n.store.Get(ctx, username, secstore.KindOTPState)
	if errors.Is(err, secstore.ErrNotFound) {
		return record{}, nil
	}
	if err != nil {
		return record{}, err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return record{}, fmt.Errorf("%w: %v", secstore.ErrEncodingFailed, err)
	}
	return rec, nil
}

func (n *Negotiator) save(ctx context.Context, username string, rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: %v", secstore.ErrEncodingFailed, err)
	}
	return n.store.Put(ctx, username, secstore.KindOTPState, data, false)
}

// Enable turns on OTP enforcement. A key is generated unless one is
// already cached. Enabling clears any pending reset.
func (n *Negotiator) Enable(ctx context.Context, username string, timeout time.Duration) error {
	l := n.userLock(username)
	l.Lock()
	defer l.Unlock()

	rec, err := n.load(ctx, username)
	if err != nil {
		return err
	}

	if _, err := n.store.Get(ctx, username, secstore.KindOTPKey); errors.Is(err, secstore.ErrNotFound) {
		secret, err := GenerateSecret()
		if err != nil {
			return err
		}
		if err := n.store.Put(ctx, username, secstore.KindOTPKey, []byte(secret), false); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	rec.Enabled = true
	rec.ResetPending = false
	rec.ResetExpiry = time.Time{}
	rec.TimeoutSeconds = int(timeout / time.Second)
	if err := n.save(ctx, username, rec); err != nil {
		return err
	}
	n.log.Info("otp enabled", zap.String("username", username))
	return nil
}

// Disable turns off OTP enforcement and clears the cached key.
func (n *Negotiator) Disable(ctx context.Context, username string) error {
	l := n.userLock(username)
	l.Lock()
	defer l.Unlock()

	if err := n.store.Delete(ctx, username, secstore.KindOTPKey); err != nil {
		return err
	}
	if err := n.save(ctx, username, record{}); err != nil {
		return err
	}
	n.log.Info("otp disabled", zap.String("username", username))
	return nil
}

// RequestReset asks the backend to start its reset timer. The reset window
// is whatever the server granted, never computed locally.
func (n *Negotiator) RequestReset(ctx context.Context, username, resetToken string) error {
	l := n.userLock(username)
	l.Lock()
	defer l.Unlock()

	rec, err := n.load(ctx, username)
	if err != nil {
		return err
	}
	if !rec.Enabled {
		return fmt.Errorf("%s: %w", username, ErrNotEnabled)
	}

	expiry, err := n.resets.RequestOTPReset(ctx, username, resetToken)
	if err != nil {
		return err
	}

	rec.ResetPending = true
	rec.ResetExpiry = expiry
	if err := n.save(ctx, username, rec); err != nil {
		return err
	}
	n.log.Info("otp reset requested",
		zap.String("username", username),
		zap.Time("expiry", expiry))
	return nil
}

// CancelReset abandons a pending reset, returning the state to Enabled.
func (n *Negotiator) CancelReset(ctx context.Context, username string) error {
	l := n.userLock(username)
	l.Lock()
	defer l.Unlock()

	rec, err := n.load(ctx, username)
	if err != nil {
		return err
	}
	if !rec.ResetPending {
		return fmt.Errorf("%s: %w", username, ErrNoResetPending)
	}
	rec.ResetPending = false
	rec.ResetExpiry = time.Time{}
	return n.save(ctx, username, rec)
}

// Status reports the current state for a username.
func (n *Negotiator) Status(ctx context.Context, username string) (Status, error) {
	rec, err := n.load(ctx, username)
	if err != nil {
		return Status{}, err
	}
	_, keyErr := n.store.Get(ctx, username, secstore.KindOTPKey)
	hasKey := keyErr == nil
	if keyErr != nil && !errors.Is(keyErr, secstore.ErrNotFound) {
		return Status{}, keyErr
	}
	return Status{State: rec.state(), ResetExpiry: rec.ResetExpiry, HasLocalKey: hasKey}, nil
}

func (r record) state() State {
	switch {
	case !r.Enabled:
		return Disabled
	case r.ResetPending:
		return ResetPending
	default:
		return Enabled
	}
}

// LocalKey returns the cached OTP key, or empty when none is cached.
func (n *Negotiator) LocalKey(ctx context.Context, username string) (string, error) {
	data, err := n.store.Get(ctx, username, secstore.KindOTPKey)
	if errors.Is(err, secstore.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SetLocalKey caches an OTP key obtained out of band, e.g. transferred from
// another device that is already logged in.
func (n *Negotiator) SetLocalKey(ctx context.Context, username, key string) error {
	l := n.userLock(username)
	l.Lock()
	defer l.Unlock()
	return n.store.Put(ctx, username, secstore.KindOTPKey, []byte(key), false)
}

// AttachToLoginAttempt resolves the OTP code to send with a login attempt.
// Read-only. A caller-supplied candidate wins; otherwise a code is derived
// from the cached key. When OTP is enforced and neither is available the
// attempt must not proceed: the returned OTPRequiredError carries any
// locally known reset expiry so the caller can offer the reset flow.
func (n *Negotiator) AttachToLoginAttempt(ctx context.Context, username, candidate string) (string, error) {
	if candidate != "" {
		return candidate, nil
	}
	rec, err := n.load(ctx, username)
	if err != nil {
		return "", err
	}
	key, err := n.LocalKey(ctx, username)
	if err != nil {
		return "", err
	}
	if key != "" {
		return Code(key, n.now())
	}
	if rec.Enabled {
		otpErr := &backend.OTPRequiredError{}
		if rec.ResetPending && rec.ResetExpiry.After(n.now()) {
			otpErr.ResetDate = rec.ResetExpiry
		}
		return "", otpErr
	}
	return "", nil
}

// PendingResetUsernames lists usernames with an unexpired reset pending.
func (n *Negotiator) PendingResetUsernames(ctx context.Context) ([]string, error) {
	usernames, err := n.store.List(ctx)
	if err != nil {
		return nil, err
	}
	var pending []string
	now := n.now()
	for _, u := range usernames {
		rec, err := n.load(ctx, u)
		if err != nil {
			return nil, err
		}
		if rec.ResetPending && rec.ResetExpiry.After(now) {
			pending = append(pending, u)
		}
	}
	return pending, nil
}
