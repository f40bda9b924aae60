// Package backend defines the contract to the zero-knowledge auth backend.
// The wire protocol and key-derivation internals live behind this interface;
// the session core consumes it as an opaque collaborator.
package backend

import (
	"context"
	"time"
)

// ProofKind distinguishes what a login proof was derived from.
type ProofKind string

const (
	// ProofPassword is an Argon2id proof derived from the account password.
	ProofPassword ProofKind = "password"
	// ProofRecovery is an Argon2id proof derived from the concatenated
	// recovery answers.
	ProofRecovery ProofKind = "recovery"
)

// Proof is the client-side credential material sent for authentication.
// The backend holds only a verifier; the raw password never leaves the client.
type Proof struct {
	Kind     ProofKind
	Material []byte
}

// AuthResult is a successful authentication response.
type AuthResult struct {
	// LoginKey is the derived key unlocking the account's encrypted data.
	LoginKey []byte
	// TokenExpiry is the expiry of the backend session token, zero when
	// the backend did not communicate one.
	TokenExpiry time.Time
}

// Question is one account-recovery question.
type Question struct {
	Text     string `json:"text"`
	Category string `json:"category,omitempty"`
}

// Auth is the narrow contract the session core consumes. Implementations
// must return the sentinel and structured errors from this package so the
// session manager can surface actionable failures without string parsing.
type Auth interface {
	// Authenticate verifies a login proof, optionally carrying an OTP code.
	Authenticate(ctx context.Context, username string, proof Proof, otpCode string) (*AuthResult, error)

	// SetupPIN registers the backend-held share of a PIN-split login key.
	SetupPIN(ctx context.Context, username, pin string, share []byte) error

	// SplitPIN verifies the PIN and returns the backend-held share.
	SplitPIN(ctx context.Context, username, pin string) ([]byte, error)

	// RequestOTPReset starts the server-side OTP reset timer and returns
	// the expiry the server granted.
	RequestOTPReset(ctx context.Context, username, resetToken string) (time.Time, error)

	// FetchRecoveryQuestions returns the account's recovery questions,
	// or an empty slice when none are set.
	FetchRecoveryQuestions(ctx context.Context, username string) ([]Question, error)

	// SetupRecovery registers recovery questions and an answers proof,
	// returning the account's recovery token.
	SetupRecovery(ctx context.Context, username string, questions []string, answersProof []byte) (string, error)
}
