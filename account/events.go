package account

import "fmt"

// EventKind names a discrete account notification delivered to the
// application's sink, at most once per underlying cause.
type EventKind int

const (
	// EventCredentialChanged fires when the backend rejects a credential
	// that used to be valid mid-session, indicating a remote change.
	EventCredentialChanged EventKind = iota
	// EventLoggedOut fires once per session teardown, whatever the cause.
	EventLoggedOut
	// EventOTPRequired fires when a login attempt needs a second factor.
	EventOTPRequired
	// EventOTPSkew fires once per session when backend calls start failing
	// OTP validation while logged in, suggesting local key or clock skew.
	EventOTPSkew
)

func (k EventKind) String() string {
	switch k {
	case EventCredentialChanged:
		return "credential-changed"
	case EventLoggedOut:
		return "logged-out"
	case EventOTPRequired:
		return "otp-required"
	case EventOTPSkew:
		return "otp-skew"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one account notification.
type Event struct {
	Kind     EventKind
	Username string
}

// Sink receives account events. The application implements it; the manager
// holds a single optional reference and never owns the sink's lifetime.
type Sink interface {
	Notify(Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Event)

func (f SinkFunc) Notify(evt Event) { f(evt) }
