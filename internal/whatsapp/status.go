package whatsapp

import "time"

// State of the session lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateConnecting
	StateConnected
	StateDisconnectedRecoverable
	StateDisconnectedNeedsAuth
)

var stateNames = map[State]string{
	StateUninitialized:           "UNINITIALIZED",
	StateInitializing:            "INITIALIZING",
	StateConnecting:              "CONNECTING",
	StateConnected:               "CONNECTED",
	StateDisconnectedRecoverable: "DISCONNECTED_RECOVERABLE",
	StateDisconnectedNeedsAuth:   "DISCONNECTED_NEEDS_AUTH",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Connection folds the lifecycle state into DISCONNECTED, CONNECTING or CONNECTED.
func (s State) Connection() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateInitializing, StateConnecting:
		return "CONNECTING"
	default:
		return "DISCONNECTED"
	}
}

// Status is a read-only snapshot of the session.
type Status struct {
	Connected      bool      `json:"connected"`
	QR             string    `json:"qr,omitempty"`
	State          State     `json:"state"`
	AuthFailures   int       `json:"auth_failures"`
	Identity       string    `json:"identity,omitempty"`
	LastDisconnect int       `json:"last_disconnect,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Status never fails and has no side effects. Connected is true when the
// open flag is set or the live client reports an authenticated identity.
func (m *Manager) Status() Status {
	m.mu.Lock()
	st := Status{
		Connected:      m.connected,
		QR:             m.qr,
		State:          m.state,
		AuthFailures:   m.authFailures,
		LastDisconnect: m.lastDisconnect.StatusCode(),
		UpdatedAt:      m.updatedAt,
	}
	client := m.client
	m.mu.Unlock()

	if client != nil {
		if client.IsAuthenticated() {
			st.Connected = true
		}
		st.Identity = client.Identity()
	}
	return st
}

func (m *Manager) IsConnected() bool {
	return m.Status().Connected
}

// PendingQR returns the current QR challenge, empty when none is pending.
func (m *Manager) PendingQR() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.qr
}
