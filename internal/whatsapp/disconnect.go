package whatsapp

import (
	"fmt"
	"time"
)

// Disconnect reason codes.
const (
	ReasonLoggedOut           = 401
	ReasonForbidden           = 403
	ReasonConnectionLost      = 408
	ReasonTimedOut            = 408
	ReasonMultideviceMismatch = 411
	ReasonConnectionClosed    = 428
	ReasonConnectionReplaced  = 440
	ReasonBadSession          = 500
	ReasonUnavailableService  = 503
	ReasonRestartRequired     = 515
)

// DisconnectError is the reason a connection closed.
type DisconnectError struct {
	Code int
	Err  error
}

func (e *DisconnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection closed (%d): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("connection closed (%d)", e.Code)
}

func (e *DisconnectError) Unwrap() error {
	return e.Err
}

// StatusCode returns the reason code, 0 for a nil error.
func (e *DisconnectError) StatusCode() int {
	if e == nil {
		return 0
	}
	return e.Code
}

type Disposition int

const (
	// DispositionIgnore closes without any automatic action
	DispositionIgnore Disposition = iota
	// DispositionReconnect schedules a reconnect with the same credentials
	DispositionReconnect
	// DispositionReauth discards the credentials and pairs again
	DispositionReauth
)

func (d Disposition) String() string {
	switch d {
	case DispositionReconnect:
		return "reconnect"
	case DispositionReauth:
		return "reauth"
	default:
		return "ignore"
	}
}

// Classify maps a disconnect code to the action the manager takes.
func Classify(code int) Disposition {
	switch code {
	case ReasonConnectionClosed, ReasonConnectionLost, ReasonRestartRequired, ReasonConnectionReplaced:
		return DispositionReconnect
	case ReasonLoggedOut, ReasonForbidden, ReasonBadSession:
		return DispositionReauth
	default:
		return DispositionIgnore
	}
}

func (m *Manager) reconnectDelay(code int) time.Duration {
	if code == ReasonConnectionReplaced {
		return m.opts.InProgressDelay
	}
	return m.opts.ReconnectDelay
}
