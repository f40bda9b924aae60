package account

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mreed/walletkit/backend"
	"github.com/mreed/walletkit/internal/util"
	"github.com/mreed/walletkit/secstore"
)

const minPINLength = 4

// EnablePIN sets up PIN login for the session's account. The login key is
// split: a random share goes to the backend keyed by the PIN, the XOR
// remainder is cached locally as the PIN package. Requires an open session
// because only a full login holds the login key.
func (m *Manager) EnablePIN(ctx context.Context, session *Session, pin string) error {
	if session == nil || session.Closed() {
		return ErrSessionClosed
	}
	if err := validatePIN(pin); err != nil {
		return err
	}

	keyBuf, err := session.OpenLoginKey()
	if err != nil {
		return err
	}
	defer keyBuf.Destroy()

	share, err := util.RandomBytes(len(keyBuf.Bytes()))
	if err != nil {
		return err
	}
	defer util.WipeBytes(share)

	pkg, err := util.Xor(keyBuf.Bytes(), share)
	if err != nil {
		return err
	}
	defer util.WipeBytes(pkg)

	if err := m.auth.SetupPIN(ctx, session.username, pin, share); err != nil {
		m.noteBackendError(session, err)
		return err
	}
	if err := m.store.Put(ctx, session.username, secstore.KindPINPackage, pkg, false); err != nil {
		return err
	}
	session.touch()
	m.log.Info("pin enabled", zap.String("username", session.username))
	return nil
}

// DisablePIN removes the local PIN package; subsequent PIN logins fail
// with ErrPINNotEnabled.
func (m *Manager) DisablePIN(ctx context.Context, session *Session) error {
	if session == nil || session.Closed() {
		return ErrSessionClosed
	}
	if err := m.store.Delete(ctx, session.username, secstore.KindPINPackage); err != nil {
		return err
	}
	m.log.Info("pin disabled", zap.String("username", session.username))
	return nil
}

// HasPIN reports whether a PIN package exists for the username.
func (m *Manager) HasPIN(ctx context.Context, username string) (bool, error) {
	norm, err := NormalizeUsername(username)
	if err != nil {
		return false, err
	}
	_, err = m.store.Get(ctx, norm, secstore.KindPINPackage)
	if errors.Is(err, secstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, m.noteCorruption(ctx, norm, mapStoreError(err))
	}
	return true, nil
}

// SetupRecovery registers recovery questions and answers for the session's
// account. Answers are one per line, in question order; the same
// concatenated form is expected at recovery login.
func (m *Manager) SetupRecovery(ctx context.Context, session *Session, questions []string, answers string) error {
	if session == nil || session.Closed() {
		return ErrSessionClosed
	}
	if len(questions) == 0 || len(splitAnswers(answers)) != len(questions) {
		return fmt.Errorf("answer count must match question count")
	}

	proof, err := loginProof(backend.ProofRecovery, session.username, answers)
	if err != nil {
		return err
	}
	defer util.WipeBytes(proof)

	token, err := m.auth.SetupRecovery(ctx, session.username, questions, proof)
	if err != nil {
		m.noteBackendError(session, err)
		return err
	}
	if err := m.store.Put(ctx, session.username, secstore.KindRecoveryToken, []byte(token), false); err != nil {
		return err
	}
	session.touch()
	m.log.Info("recovery configured",
		zap.String("username", session.username),
		zap.Int("questions", len(questions)))
	return nil
}

// RecoveryQuestions fetches the registered recovery questions for a
// username, or an empty slice when none are set.
func (m *Manager) RecoveryQuestions(ctx context.Context, username string) ([]string, error) {
	norm, err := NormalizeUsername(username)
	if err != nil {
		return nil, err
	}
	questions, err := m.auth.FetchRecoveryQuestions(ctx, norm)
	if err != nil {
		return nil, err
	}
	texts := make([]string, 0, len(questions))
	for _, q := range questions {
		texts = append(texts, q.Text)
	}
	return texts, nil
}

func validatePIN(pin string) error {
	if len(pin) < minPINLength {
		return fmt.Errorf("pin must be at least %d digits", minPINLength)
	}
	if strings.TrimLeft(pin, "0123456789") != "" {
		return fmt.Errorf("pin must contain only digits")
	}
	return nil
}
