package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mreed/walletkit/backend"
	"github.com/mreed/walletkit/internal/util"
	"github.com/mreed/walletkit/secstore"
)

// PasswordLogin authenticates with the account password, optionally
// carrying an OTP code. On success the derived login key is cached, the
// session is created and its queues started. An OTP failure carries any
// reset metadata the backend returned.
func (m *Manager) PasswordLogin(ctx context.Context, username, password, otpCode string) (*Session, error) {
	norm, err := NormalizeUsername(username)
	if err != nil {
		return nil, err
	}
	existing, release, err := m.beginLogin(norm)
	if existing != nil {
		return existing, nil
	}
	if err != nil {
		return nil, err
	}
	defer release()
	return m.loginWithPassword(ctx, norm, password, otpCode)
}

// loginWithPassword runs the password flow. The caller holds the login lane.
func (m *Manager) loginWithPassword(ctx context.Context, norm, password, otpCode string) (*Session, error) {
	code, err := m.otp.AttachToLoginAttempt(ctx, norm, otpCode)
	if err != nil {
		return nil, m.mapLoginFailure(norm, err)
	}

	proof, err := loginProof(backend.ProofPassword, norm, password)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(proof)

	res, err := m.auth.Authenticate(ctx, norm, backend.Proof{Kind: backend.ProofPassword, Material: proof}, code)
	if err != nil {
		return nil, m.mapLoginFailure(norm, err)
	}

	if err := m.cacheCredentials(ctx, norm, res.LoginKey, password); err != nil {
		return nil, err
	}
	if err := m.recordLogin(ctx, norm); err != nil {
		return nil, err
	}
	m.log.Info("password login succeeded", zap.String("username", norm))
	return m.createSession(norm, res.LoginKey), nil
}

// PINLogin authenticates with the account PIN. Requires a PIN package set
// up by a prior password login; without one it fails with ErrPINNotEnabled
// regardless of the PIN supplied.
func (m *Manager) PINLogin(ctx context.Context, username, pin string) (*Session, error) {
	norm, err := NormalizeUsername(username)
	if err != nil {
		return nil, err
	}
	existing, release, err := m.beginLogin(norm)
	if existing != nil {
		return existing, nil
	}
	if err != nil {
		return nil, err
	}
	defer release()

	pkg, err := m.store.Get(ctx, norm, secstore.KindPINPackage)
	if errors.Is(err, secstore.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", norm, ErrPINNotEnabled)
	}
	if err != nil {
		return nil, mapStoreError(err)
	}

	share, err := m.auth.SplitPIN(ctx, norm, pin)
	if err != nil {
		return nil, m.mapLoginFailure(norm, err)
	}

	loginKey, err := util.Xor(pkg, share)
	if err != nil {
		// A share that no longer lines up with the local package means the
		// package is stale or damaged.
		return nil, errors.Join(ErrAccountCorrupt, err)
	}
	defer util.WipeBytes(share)
	defer util.WipeBytes(pkg)

	if err := m.recordLogin(ctx, norm); err != nil {
		return nil, err
	}
	m.log.Info("pin login succeeded", zap.String("username", norm))
	return m.createSession(norm, loginKey), nil
}

// RecoveryLogin authenticates with the pre-registered recovery answers,
// supplied as one answer per line in the order the questions were set.
// Any mismatch fails with ErrRecoveryAnswersIncorrect; the error never
// narrows down which answer was wrong.
func (m *Manager) RecoveryLogin(ctx context.Context, username, answers, otpCode string) (*Session, error) {
	norm, err := NormalizeUsername(username)
	if err != nil {
		return nil, err
	}
	existing, release, err := m.beginLogin(norm)
	if existing != nil {
		return existing, nil
	}
	if err != nil {
		return nil, err
	}
	defer release()

	questions, err := m.auth.FetchRecoveryQuestions(ctx, norm)
	if err != nil {
		return nil, err
	}
	if len(questions) == 0 || len(splitAnswers(answers)) != len(questions) {
		return nil, ErrRecoveryAnswersIncorrect
	}

	code, err := m.otp.AttachToLoginAttempt(ctx, norm, otpCode)
	if err != nil {
		return nil, m.mapLoginFailure(norm, err)
	}

	proof, err := loginProof(backend.ProofRecovery, norm, answers)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(proof)

	res, err := m.auth.Authenticate(ctx, norm, backend.Proof{Kind: backend.ProofRecovery, Material: proof}, code)
	if errors.Is(err, backend.ErrInvalidCredentials) {
		return nil, ErrRecoveryAnswersIncorrect
	}
	if err != nil {
		return nil, m.mapLoginFailure(norm, err)
	}

	if err := m.store.Put(ctx, norm, secstore.KindLoginKey, res.LoginKey, false); err != nil {
		return nil, err
	}
	if err := m.recordLogin(ctx, norm); err != nil {
		return nil, err
	}
	m.log.Info("recovery login succeeded", zap.String("username", norm))
	return m.createSession(norm, res.LoginKey), nil
}

// AutoRelogin attempts a login without user-entered credentials. With an
// empty username the last accessed account is used; naming one requests it
// explicitly. Within the account's auto-logout window the cached login key
// is used silently; past it, a biometric-gated cached password is tried if
// the account enabled biometrics. When no path applies the result is
// ErrNoAutoLogin, signalling the caller to show a manual login form.
func (m *Manager) AutoRelogin(ctx context.Context, username string) (*Session, error) {
	var norm string
	if username == "" {
		last, err := m.LastAccessedAccount(ctx)
		if err != nil {
			return nil, err
		}
		if last == "" {
			return nil, ErrNoAutoLogin
		}
		norm = last
	} else {
		var err error
		norm, err = NormalizeUsername(username)
		if err != nil {
			return nil, err
		}
	}

	existing, release, err := m.beginLogin(norm)
	if existing != nil {
		return existing, nil
	}
	if err != nil {
		return nil, err
	}
	defer release()

	settings, err := m.loadSettings(ctx, norm)
	if err != nil {
		return nil, err
	}
	if settings.LastLogout.IsZero() {
		return nil, ErrNoAutoLogin
	}

	window := time.Duration(settings.AutoLogoutSeconds) * time.Second
	if m.now().Sub(settings.LastLogout) < window {
		key, err := m.store.Get(ctx, norm, secstore.KindLoginKey)
		if errors.Is(err, secstore.ErrNotFound) {
			return nil, ErrNoAutoLogin
		}
		if err != nil {
			return nil, mapStoreError(err)
		}
		if err := m.recordLogin(ctx, norm); err != nil {
			return nil, err
		}
		m.log.Info("silent relogin", zap.String("username", norm))
		return m.createSession(norm, key), nil
	}

	if !settings.BiometricEnabled {
		return nil, ErrNoAutoLogin
	}
	password, err := m.store.Get(ctx, norm, secstore.KindPassword)
	if errors.Is(err, secstore.ErrNotFound) || errors.Is(err, secstore.ErrAuthenticationDenied) {
		return nil, fmt.Errorf("%w: %v", ErrNoAutoLogin, err)
	}
	if err != nil {
		return nil, mapStoreError(err)
	}
	defer util.WipeBytes(password)

	m.log.Info("biometric relogin", zap.String("username", norm))
	return m.loginWithPassword(ctx, norm, string(password), "")
}

// cacheCredentials persists the secrets a successful password login leaves
// behind: the login key (ungated, needed for silent relogin) and the
// password (gated behind platform authentication).
func (m *Manager) cacheCredentials(ctx context.Context, norm string, loginKey []byte, password string) error {
	if err := m.store.Put(ctx, norm, secstore.KindLoginKey, loginKey, false); err != nil {
		return err
	}
	return m.store.Put(ctx, norm, secstore.KindPassword, []byte(util.Normalize(password)), true)
}

func (m *Manager) recordLogin(ctx context.Context, norm string) error {
	settings, err := m.loadSettings(ctx, norm)
	if err != nil {
		return err
	}
	settings.LastLogin = m.now()
	return m.saveSettings(ctx, norm, settings)
}

// mapLoginFailure surfaces a login failure unchanged, emitting the
// OTP-required event when the second factor was the cause. Authentication
// is never retried here; retry is a caller decision.
func (m *Manager) mapLoginFailure(norm string, err error) error {
	if errors.Is(err, backend.ErrOTPRequired) {
		m.emit(EventOTPRequired, norm)
	}
	return err
}

func splitAnswers(answers string) []string {
	if answers == "" {
		return nil
	}
	return strings.Split(answers, "\n")
}
