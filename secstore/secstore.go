// Package secstore defines the secure-storage facility that caches
// per-username login secrets, optionally gated by biometric or other
// hardware-backed authentication.
package secstore

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable indicates the underlying secure storage cannot be reached.
	ErrUnavailable = errors.New("secure storage unavailable")
	// ErrNotFound indicates no secret exists for the (username, kind) pair.
	ErrNotFound = errors.New("secret not found")
	// ErrAuthenticationDenied indicates the platform authentication prompt
	// failed or was cancelled by the user. It is never conflated with a
	// missing secret.
	ErrAuthenticationDenied = errors.New("authentication denied")
	// ErrEncodingFailed indicates the secret could not be serialized or sealed.
	ErrEncodingFailed = errors.New("secret encoding failed")
)

// SecretKind names one category of persisted secret for a username.
type SecretKind string

const (
	KindPassword      SecretKind = "password"
	KindLoginKey      SecretKind = "login-key"
	KindPINPackage    SecretKind = "pin-package"
	KindRecoveryToken SecretKind = "recovery-token"
	KindOTPKey        SecretKind = "otp-key"
	KindOTPState      SecretKind = "otp-state"
	KindSettings      SecretKind = "settings"
)

// Store persists and retrieves per-username secrets. Implementations must
// keep at most one record per (username, kind) pair, write records
// atomically, and serialize concurrent writes for the same username.
// Usernames are expected to be normalized by the caller.
type Store interface {
	// Put stores a secret. When requireAuth is set the secret is
	// re-readable only after the configured Authenticator approves;
	// absent hardware support this degrades to software-only protection.
	Put(ctx context.Context, username string, kind SecretKind, value []byte, requireAuth bool) error

	// Get retrieves a secret. A gated secret triggers the platform
	// authentication prompt, which may block; callers must treat this as
	// a slow, cancellable call.
	Get(ctx context.Context, username string, kind SecretKind) ([]byte, error)

	// Delete removes one secret kind for a username. Deleting an absent
	// secret is not an error.
	Delete(ctx context.Context, username string, kind SecretKind) error

	// Clear deletes all secret kinds for a username. Idempotent.
	Clear(ctx context.Context, username string) error

	// List returns the usernames that have at least one local secret.
	List(ctx context.Context) ([]string, error)

	// HasHardwareAuth reports whether gated secrets are protected by
	// hardware-backed authentication. Pure query, no side effects.
	HasHardwareAuth() bool
}

// Authenticator models the platform authentication prompt (biometric or
// equivalent) as a capability-checked, cancellable, potentially-blocking
// call. A user cancelling the prompt is an error, not an absent result.
type Authenticator interface {
	// Authenticate blocks until the user approves, the user cancels, or
	// ctx is done. Any non-nil return is surfaced by stores as
	// ErrAuthenticationDenied.
	Authenticate(ctx context.Context, reason string) error

	// HardwareBacked reports whether approval is enforced by secure hardware.
	HardwareBacked() bool
}

// AuthenticatorFunc adapts a plain function to a software-only Authenticator.
type AuthenticatorFunc func(ctx context.Context, reason string) error

func (f AuthenticatorFunc) Authenticate(ctx context.Context, reason string) error {
	return f(ctx, reason)
}

func (f AuthenticatorFunc) HardwareBacked() bool { return false }
