package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mreed/walletkit/secstore"
)

// DefaultAutoLogoutSeconds is the auto-relogin window applied to accounts
// that have not configured one.
const DefaultAutoLogoutSeconds = 3600

// Settings is the locally persisted per-account configuration consulted by
// auto-relogin windowing. It survives process restarts through the
// credential store.
type Settings struct {
	AutoLogoutSeconds int       `json:"auto_logout_seconds"`
	BiometricEnabled  bool      `json:"biometric_enabled,omitempty"`
	LastLogin         time.Time `json:"last_login,omitzero"`
	LastLogout        time.Time `json:"last_logout,omitzero"`
}

func defaultSettings() Settings {
	return Settings{AutoLogoutSeconds: DefaultAutoLogoutSeconds}
}

// Settings loads the stored settings for a username, or defaults when none
// were ever saved.
func (m *Manager) Settings(ctx context.Context, username string) (Settings, error) {
	norm, err := NormalizeUsername(username)
	if err != nil {
		return Settings{}, err
	}
	s, err := m.loadSettings(ctx, norm)
	if err != nil {
		return Settings{}, m.noteCorruption(ctx, norm, err)
	}
	return s, nil
}

func (m *Manager) loadSettings(ctx context.Context, norm string) (Settings, error) {
	data, err := m.store.Get(ctx, norm, secstore.KindSettings)
	if errors.Is(err, secstore.ErrNotFound) {
		return defaultSettings(), nil
	}
	if err != nil {
		return Settings{}, err
	}
	s := defaultSettings()
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("%w: settings unreadable: %v", ErrAccountCorrupt, err)
	}
	return s, nil
}

func (m *Manager) saveSettings(ctx context.Context, norm string, s Settings) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("%w: %v", secstore.ErrEncodingFailed, err)
	}
	return m.store.Put(ctx, norm, secstore.KindSettings, data, false)
}

// SetAutoLogout configures how long after logout a silent relogin remains
// possible for the account.
func (m *Manager) SetAutoLogout(ctx context.Context, username string, window time.Duration) error {
	norm, err := NormalizeUsername(username)
	if err != nil {
		return err
	}
	s, err := m.loadSettings(ctx, norm)
	if err != nil {
		return m.noteCorruption(ctx, norm, err)
	}
	s.AutoLogoutSeconds = int(window / time.Second)
	return m.saveSettings(ctx, norm, s)
}

// SetBiometricEnabled toggles biometric-prompted relogin for the account.
// The cached password itself is always stored gated; this flag only
// controls whether auto-relogin will reach for it.
func (m *Manager) SetBiometricEnabled(ctx context.Context, username string, enabled bool) error {
	norm, err := NormalizeUsername(username)
	if err != nil {
		return err
	}
	s, err := m.loadSettings(ctx, norm)
	if err != nil {
		return m.noteCorruption(ctx, norm, err)
	}
	s.BiometricEnabled = enabled
	return m.saveSettings(ctx, norm, s)
}
