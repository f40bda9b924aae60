package account

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mreed/walletkit/backend"
	"github.com/mreed/walletkit/otp"
	"github.com/mreed/walletkit/queue"
	"github.com/mreed/walletkit/secstore"
	"github.com/mreed/walletkit/secstore/memory"
)

// fakeAuth is an in-process backend.Auth. It does not verify proofs; tests
// that need a failure set authErr or pinErr instead.
type fakeAuth struct {
	mu            sync.Mutex
	loginKey      []byte
	authErr       error
	pinErr        error
	authCalls     int
	proofs        []backend.Proof
	otpCodes      []string
	hook          func()
	pinShares     map[string][]byte
	questions     []backend.Question
	resetExpiry   time.Time
	recoveryProof []byte
}

var _ backend.Auth = (*fakeAuth)(nil)

func (f *fakeAuth) Authenticate(ctx context.Context, username string, proof backend.Proof, otpCode string) (*backend.AuthResult, error) {
	f.mu.Lock()
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.authCalls++
	f.proofs = append(f.proofs, backend.Proof{
		Kind:     proof.Kind,
		Material: append([]byte(nil), proof.Material...),
	})
	f.otpCodes = append(f.otpCodes, otpCode)
	if f.authErr != nil {
		return nil, f.authErr
	}
	return &backend.AuthResult{LoginKey: append([]byte(nil), f.loginKey...)}, nil
}

func (f *fakeAuth) SetupPIN(ctx context.Context, username, pin string, share []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pinErr != nil {
		return f.pinErr
	}
	f.pinShares[username+"\x00"+pin] = append([]byte(nil), share...)
	return nil
}

func (f *fakeAuth) SplitPIN(ctx context.Context, username, pin string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	share, ok := f.pinShares[username+"\x00"+pin]
	if !ok {
		return nil, backend.ErrInvalidCredentials
	}
	return append([]byte(nil), share...), nil
}

func (f *fakeAuth) RequestOTPReset(ctx context.Context, username, resetToken string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resetExpiry, nil
}

func (f *fakeAuth) FetchRecoveryQuestions(ctx context.Context, username string) ([]backend.Question, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.Question(nil), f.questions...), nil
}

func (f *fakeAuth) SetupRecovery(ctx context.Context, username string, questions []string, answersProof []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.questions = f.questions[:0]
	for _, q := range questions {
		f.questions = append(f.questions, backend.Question{Text: q})
	}
	f.recoveryProof = append([]byte(nil), answersProof...)
	return "recovery-token-1", nil
}

func (f *fakeAuth) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authCalls
}

func (f *fakeAuth) proofAt(i int) backend.Proof {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.proofs[i]
}

func (f *fakeAuth) otpCodeAt(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.otpCodes[i]
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Notify(evt Event) {
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
}

func (s *recordingSink) kinds() []EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventKind, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Kind)
	}
	return out
}

func (s *recordingSink) count(kind EventKind) int {
	var n int
	for _, k := range s.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	mgr   *Manager
	auth  *fakeAuth
	sink  *recordingSink
	clock *fakeClock
	store secstore.Store
}

var testLoginKey = bytes.Repeat([]byte{0x2a}, 32)

func newFixture(t *testing.T, store secstore.Store) *fixture {
	t.Helper()
	if store == nil {
		store = memory.NewStore()
	}
	auth := &fakeAuth{
		loginKey:  append([]byte(nil), testLoginKey...),
		pinShares: make(map[string][]byte),
	}
	sink := &recordingSink{}
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	mgr := New(store, auth,
		WithSink(sink),
		WithClock(clock.Now),
		WithSchedulerOptions(queue.WithDrainTimeout(2*time.Second)))
	return &fixture{mgr: mgr, auth: auth, sink: sink, clock: clock, store: store}
}

func (f *fixture) login(t *testing.T, username, password string) *Session {
	t.Helper()
	s, err := f.mgr.PasswordLogin(context.Background(), username, password, "")
	require.NoError(t, err)
	return s
}

func TestPasswordLogin_CreatesSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	s := f.login(t, "alice", "hunter2")
	assert.Equal(t, "alice", s.Username())
	assert.False(t, s.Closed())
	assert.Equal(t, 1, f.auth.calls())
	assert.Equal(t, backend.ProofPassword, f.auth.proofAt(0).Kind)

	// The scheduler is live.
	ran := make(chan struct{})
	require.NoError(t, s.Queues().Post(queue.Misc, func(ctx context.Context) error {
		close(ran)
		return nil
	}))
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("queue unit did not run after login")
	}

	// Credentials are cached and the login is on record.
	key, err := f.store.Get(ctx, "alice", secstore.KindLoginKey)
	require.NoError(t, err)
	assert.Equal(t, testLoginKey, key)

	settings, err := f.mgr.Settings(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now(), settings.LastLogin)
}

func TestPasswordLogin_NormalizesUsername(t *testing.T) {
	f := newFixture(t, nil)

	s := f.login(t, "  Alice  Smith ", "pw")
	assert.Equal(t, "alice smith", s.Username())

	found, ok := f.mgr.SessionFor("ALICE  SMITH")
	require.True(t, ok)
	assert.Same(t, s, found)
}

func TestPasswordLogin_SecondLoginReturnsSameSession(t *testing.T) {
	f := newFixture(t, nil)

	s1 := f.login(t, "alice", "hunter2")
	s2 := f.login(t, "alice", "hunter2")
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, f.auth.calls(), "no second backend round trip")
}

func TestPasswordLogin_ProofDeterministic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	s := f.login(t, "alice", "hunter2")
	require.NoError(t, f.mgr.Logout(ctx, s))
	s = f.login(t, "alice", "hunter2")
	require.NoError(t, f.mgr.Logout(ctx, s))
	s = f.login(t, "alice", "different")
	require.NoError(t, f.mgr.Logout(ctx, s))

	assert.Equal(t, f.auth.proofAt(0).Material, f.auth.proofAt(1).Material,
		"same password must derive the same proof")
	assert.NotEqual(t, f.auth.proofAt(0).Material, f.auth.proofAt(2).Material)
}

func TestPasswordLogin_InvalidCredentials(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.auth.authErr = backend.ErrInvalidCredentials

	_, err := f.mgr.PasswordLogin(ctx, "alice", "wrong", "")
	assert.ErrorIs(t, err, backend.ErrInvalidCredentials)

	_, ok := f.mgr.SessionFor("alice")
	assert.False(t, ok)
	_, err = f.store.Get(ctx, "alice", secstore.KindLoginKey)
	assert.ErrorIs(t, err, secstore.ErrNotFound, "failed logins must not cache credentials")
}

func TestPasswordLogin_ConcurrentAttemptRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.auth.hook = func() {
		close(entered)
		<-release
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.mgr.PasswordLogin(ctx, "alice", "hunter2", "")
		done <- err
	}()
	<-entered

	_, err := f.mgr.PasswordLogin(ctx, "alice", "other", "")
	assert.ErrorIs(t, err, ErrLoginInProgress)

	close(release)
	require.NoError(t, <-done)
}

func TestPasswordLogin_OTPRequiredFromBackend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	reset := time.Unix(1700600000, 0)
	f.auth.authErr = &backend.OTPRequiredError{ResetToken: "tok-1", ResetDate: reset}

	_, err := f.mgr.PasswordLogin(ctx, "alice", "hunter2", "")
	require.ErrorIs(t, err, backend.ErrOTPRequired)

	var otpErr *backend.OTPRequiredError
	require.ErrorAs(t, err, &otpErr)
	assert.Equal(t, "tok-1", otpErr.ResetToken)
	assert.Equal(t, reset, otpErr.ResetDate)
	assert.Equal(t, 1, f.sink.count(EventOTPRequired))
}

func TestPasswordLogin_OTPEnforcedLocallyWithoutKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	require.NoError(t, f.mgr.OTP().Enable(ctx, "alice", time.Hour))
	require.NoError(t, f.store.Delete(ctx, "alice", secstore.KindOTPKey))

	_, err := f.mgr.PasswordLogin(ctx, "alice", "hunter2", "")
	assert.ErrorIs(t, err, backend.ErrOTPRequired)
	assert.Zero(t, f.auth.calls(), "attempt must not reach the backend")
	assert.Equal(t, 1, f.sink.count(EventOTPRequired))
}

func TestPasswordLogin_AttachesCachedOTPCode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	require.NoError(t, f.mgr.OTP().Enable(ctx, "alice", time.Hour))
	key, err := f.mgr.OTP().LocalKey(ctx, "alice")
	require.NoError(t, err)

	f.login(t, "alice", "hunter2")
	want, err := otp.Code(key, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, want, f.auth.otpCodeAt(0))
}

func TestLogout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	s := f.login(t, "alice", "hunter2")

	require.NoError(t, f.mgr.Logout(ctx, s))
	assert.True(t, s.Closed())
	assert.Equal(t, 1, f.sink.count(EventLoggedOut))

	_, ok := f.mgr.SessionFor("alice")
	assert.False(t, ok)

	_, err := s.OpenLoginKey()
	assert.ErrorIs(t, err, ErrSessionClosed)

	err = s.Queues().Post(queue.Misc, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, queue.ErrStopped)

	settings, err := f.mgr.Settings(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now(), settings.LastLogout)

	// Idempotent: no second event.
	require.NoError(t, f.mgr.Logout(ctx, s))
	assert.Equal(t, 1, f.sink.count(EventLoggedOut))
}

func TestRecentlyLoggedIn(t *testing.T) {
	f := newFixture(t, nil)
	s := f.login(t, "alice", "hunter2")

	assert.True(t, s.RecentlyLoggedIn())

	f.clock.Advance(RecentLoginWindow + time.Second)
	assert.False(t, s.RecentlyLoggedIn())

	f.mgr.Touch(s)
	assert.True(t, s.RecentlyLoggedIn())
}

func TestRemoveLocalAccount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	s := f.login(t, "alice", "hunter2")

	err := f.mgr.RemoveLocalAccount(ctx, "alice")
	assert.ErrorIs(t, err, ErrAccountInUse)

	require.NoError(t, f.mgr.Logout(ctx, s))
	require.NoError(t, f.mgr.RemoveLocalAccount(ctx, "alice"))

	accounts, err := f.mgr.ListLocalAccounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestLastAccessedAccount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	s := f.login(t, "alice", "pw")
	require.NoError(t, f.mgr.Logout(ctx, s))

	f.clock.Advance(time.Minute)
	s = f.login(t, "bob", "pw")
	require.NoError(t, f.mgr.Logout(ctx, s))

	last, err := f.mgr.LastAccessedAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, "bob", last)

	accounts, err := f.mgr.ListLocalAccounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, accounts)
}

func TestBackgroundSuspendsNewSessions(t *testing.T) {
	f := newFixture(t, nil)

	f.mgr.EnterBackground()
	s := f.login(t, "alice", "hunter2")
	assert.False(t, s.Foreground())

	ran := make(chan struct{})
	require.NoError(t, s.Queues().Post(queue.Watcher, func(ctx context.Context) error {
		close(ran)
		return nil
	}))
	select {
	case <-ran:
		t.Fatal("watcher unit ran while backgrounded")
	case <-time.After(100 * time.Millisecond):
	}

	f.mgr.EnterForeground()
	assert.True(t, s.Foreground())
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher unit did not resume on foreground")
	}
}

func TestSetConnectivityPropagatesToUnits(t *testing.T) {
	f := newFixture(t, nil)
	s := f.login(t, "alice", "hunter2")

	f.mgr.SetConnectivity(false)
	assert.False(t, s.Online())

	cause := make(chan error, 1)
	require.NoError(t, s.Queues().Post(queue.Data, func(ctx context.Context) error {
		<-ctx.Done()
		cause <- context.Cause(ctx)
		return ctx.Err()
	}))
	select {
	case got := <-cause:
		assert.ErrorIs(t, got, backend.ErrNetworkUnavailable)
	case <-time.After(2 * time.Second):
		t.Fatal("unit did not observe connectivity loss")
	}

	f.mgr.SetConnectivity(true)
	assert.True(t, s.Online())
}

func TestMidSessionOTPSkewEmittedOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	s := f.login(t, "alice", "hunter2")

	f.auth.pinErr = &backend.OTPRequiredError{}
	require.Error(t, f.mgr.EnablePIN(ctx, s, "1234"))
	require.Error(t, f.mgr.EnablePIN(ctx, s, "1234"))

	assert.Equal(t, 1, f.sink.count(EventOTPSkew), "skew reported at most once per session")
}

func TestCorruptLocalStateForcesLogout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	s := f.login(t, "alice", "hunter2")

	// Damage the settings record behind the open session.
	require.NoError(t, f.store.Put(ctx, "alice", secstore.KindSettings, []byte("{not json"), false))

	_, err := f.mgr.Settings(ctx, "alice")
	require.ErrorIs(t, err, ErrAccountCorrupt)

	assert.True(t, s.Closed(), "corruption must close the session")
	assert.Equal(t, 1, f.sink.count(EventLoggedOut))
	_, ok := f.mgr.SessionFor("alice")
	assert.False(t, ok)
}

func TestMidSessionCredentialChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	s := f.login(t, "alice", "hunter2")

	f.auth.pinErr = backend.ErrInvalidCredentials
	require.Error(t, f.mgr.EnablePIN(ctx, s, "1234"))

	assert.Equal(t, 1, f.sink.count(EventCredentialChanged))
}
