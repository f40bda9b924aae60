package account

import "errors"

var (
	// ErrInvalidUsername indicates the username failed normalization.
	ErrInvalidUsername = errors.New("invalid username")
	// ErrLoginInProgress indicates a login attempt for the same username
	// is already mid-flight. Attempts are never interleaved.
	ErrLoginInProgress = errors.New("login in progress")
	// ErrPINNotEnabled indicates PIN login for a username with no stored
	// PIN package. Returned regardless of the PIN value supplied.
	ErrPINNotEnabled = errors.New("pin not enabled")
	// ErrRecoveryAnswersIncorrect indicates recovery login failed. It never
	// discloses which answer was wrong or whether the count matched.
	ErrRecoveryAnswersIncorrect = errors.New("recovery answers incorrect")
	// ErrNoAutoLogin signals that no automatic login path applies and the
	// caller should show a manual login form. Not a failure condition.
	ErrNoAutoLogin = errors.New("no auto login available")
	// ErrAccountCorrupt indicates locally cached account data is
	// unreadable. The session, if any, is force-logged-out.
	ErrAccountCorrupt = errors.New("account data corrupt")
	// ErrAccountInUse indicates a destructive local operation was refused
	// because the account is currently logged in.
	ErrAccountInUse = errors.New("account in use")
	// ErrSessionClosed indicates an operation on a logged-out session.
	ErrSessionClosed = errors.New("session closed")
)
