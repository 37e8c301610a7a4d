package whatsapp

import (
	"context"

	"github.com/kelurahan-dev/jadwal/internal/whatsapp/authstate"
)

// ConnectionState is the connection field of a ConnectionUpdate.
type ConnectionState string

const (
	ConnectionConnecting ConnectionState = "connecting"
	ConnectionOpen       ConnectionState = "open"
	ConnectionClose      ConnectionState = "close"
)

// Event is emitted by a Client to its handlers.
type Event interface {
	isEvent()
}

// ConnectionUpdate reports a connection transition and/or a new QR challenge.
// LastDisconnect is set on close.
type ConnectionUpdate struct {
	Connection     ConnectionState
	QR             string
	LastDisconnect *DisconnectError
}

// CredsUpdate carries the credential bundle after the protocol changed it.
type CredsUpdate struct {
	Creds *authstate.Credentials
}

// KeysUpdate carries key material to store: category -> id -> value, nil deletes.
type KeysUpdate struct {
	Batch map[string]map[string]any
}

func (*ConnectionUpdate) isEvent() {}
func (*CredsUpdate) isEvent()      {}
func (*KeysUpdate) isEvent()       {}

type EventHandler func(evt Event)

// Client is a protocol client bound to one auth state.
type Client interface {
	// Connect starts the connection; progress is reported through events
	Connect(ctx context.Context) error

	AddEventHandler(handler EventHandler)

	// SendText sends a text message to a full address and returns its message id
	SendText(ctx context.Context, to, text string) (string, error)

	// Logout unlinks the device from the account
	Logout(ctx context.Context) error

	// Forget deletes the locally stored device without contacting the server
	Forget(ctx context.Context) error

	Disconnect()

	// IsAuthenticated reports a live connection with a paired identity
	IsAuthenticated() bool

	// Identity returns the paired account address, empty before pairing
	Identity() string
}

// ClientFactory builds a Client for an auth state.
type ClientFactory interface {
	NewClient(ctx context.Context, auth *authstate.AuthState) (Client, error)
}

type ClientFactoryFunc func(ctx context.Context, auth *authstate.AuthState) (Client, error)

func (f ClientFactoryFunc) NewClient(ctx context.Context, auth *authstate.AuthState) (Client, error) {
	return f(ctx, auth)
}

// Sender is the outbound capability consumed by broadcasters and the admin API.
type Sender interface {
	SendText(ctx context.Context, recipient, body string) (*SendResult, error)
	IsConnected() bool
}
