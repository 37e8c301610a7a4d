package meow

import (
	"context"
	"encoding/hex"
	"sync"

	"github.com/kelurahan-dev/jadwal/internal/whatsapp"
	"github.com/kelurahan-dev/jadwal/internal/whatsapp/authstate"
	"github.com/pkg/errors"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

// Client adapts a whatsmeow client to the session manager. Protocol events
// are translated into connection and credential updates; key material is
// written straight to the auth state by the device's key store.
type Client struct {
	cli  *whatsmeow.Client
	auth *authstate.AuthState
	keys *keyStore

	mu       sync.Mutex
	handlers []whatsapp.EventHandler
	qrCancel context.CancelFunc
}

func newClient(cli *whatsmeow.Client, auth *authstate.AuthState, keys *keyStore) *Client {
	c := &Client{cli: cli, auth: auth, keys: keys}
	cli.AddEventHandler(c.dispatch)
	return c
}

func (c *Client) Connect(context.Context) error {
	if c.cli.Store.ID == nil {
		// the QR channel outlives the request that started the connection
		qrCtx, cancel := context.WithCancel(context.Background())
		ch, err := c.cli.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			return errors.Wrap(err, "whatsapp: open QR channel")
		}
		c.mu.Lock()
		c.qrCancel = cancel
		c.mu.Unlock()
		go c.watchQR(ch)
	}
	c.emit(&whatsapp.ConnectionUpdate{Connection: whatsapp.ConnectionConnecting})
	return c.cli.Connect()
}

func (c *Client) AddEventHandler(handler whatsapp.EventHandler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, handler)
	c.mu.Unlock()
}

func (c *Client) SendText(ctx context.Context, to, text string) (string, error) {
	jid, err := types.ParseJID(to)
	if err != nil {
		return "", errors.Wrapf(err, "whatsapp: parse recipient %q", to)
	}
	resp, err := c.cli.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return "", err
	}
	return string(resp.ID), nil
}

func (c *Client) Logout(ctx context.Context) error {
	return c.cli.Logout(ctx)
}

// Forget deletes the protocol device row without contacting the server.
func (c *Client) Forget(ctx context.Context) error {
	if c.cli.Store.ID == nil {
		return nil
	}
	return c.cli.Store.Delete(ctx)
}

// Disconnect closes the connection for good; the session manager builds a new
// client for every connection attempt.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel := c.qrCancel
	c.qrCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.cli.Disconnect()
	c.keys.detach()
}

func (c *Client) IsAuthenticated() bool {
	return c.cli.IsConnected() && c.cli.IsLoggedIn()
}

func (c *Client) Identity() string {
	if id := c.cli.Store.ID; id != nil {
		return id.String()
	}
	return ""
}

func (c *Client) watchQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case "code":
			c.emit(&whatsapp.ConnectionUpdate{QR: item.Code})
		case "timeout":
			c.emit(closeUpdate(whatsapp.ReasonTimedOut, errors.New("QR code not scanned in time")))
		case "success":
		default:
			zap.L().Warn("whatsapp: pairing failed", zap.String("event", item.Event), zap.Error(item.Error))
		}
	}
}

func (c *Client) dispatch(evt interface{}) {
	switch e := evt.(type) {
	case *events.Connected:
		c.syncCredentials()
		c.emit(&whatsapp.ConnectionUpdate{Connection: whatsapp.ConnectionOpen})
	case *events.PairSuccess:
		zap.L().Info("whatsapp: device paired", zap.String("jid", e.ID.String()), zap.String("platform", e.Platform))
	default:
		if code, ok := closeCode(evt); ok {
			c.emit(closeUpdate(code, errors.Errorf("%T", evt)))
		}
	}
}

// closeCode maps protocol events that end the connection to a disconnect code.
func closeCode(evt interface{}) (int, bool) {
	switch e := evt.(type) {
	case *events.LoggedOut:
		return whatsapp.ReasonLoggedOut, true
	case *events.StreamReplaced:
		return whatsapp.ReasonConnectionReplaced, true
	case *events.Disconnected:
		return whatsapp.ReasonConnectionClosed, true
	case *events.StreamError:
		return whatsapp.ReasonConnectionClosed, true
	case *events.ConnectFailure:
		return connectFailureCode(e.Reason), true
	case *events.TemporaryBan:
		return int(events.ConnectFailureTempBanned), true
	case *events.PairError:
		return whatsapp.ReasonBadSession, true
	case *events.ClientOutdated:
		return int(events.ConnectFailureClientOutdated), true
	}
	return 0, false
}

// connectFailureCode keeps logout reasons on the re-pairing codes and treats
// server side failures as a dropped connection.
func connectFailureCode(reason events.ConnectFailureReason) int {
	switch {
	case reason == events.ConnectFailureMainDeviceGone:
		return whatsapp.ReasonForbidden
	case reason.IsLoggedOut():
		return whatsapp.ReasonLoggedOut
	case reason >= 500:
		return whatsapp.ReasonConnectionClosed
	default:
		return int(reason)
	}
}

func closeUpdate(code int, err error) *whatsapp.ConnectionUpdate {
	return &whatsapp.ConnectionUpdate{
		Connection:     whatsapp.ConnectionClose,
		LastDisconnect: &whatsapp.DisconnectError{Code: code, Err: err},
	}
}

// syncCredentials publishes the device identity. It runs on connect and on
// every device save.
func (c *Client) syncCredentials() {
	creds := snapshot(c.cli.Store, c.auth.Creds())
	if id, err := c.keys.GetLatestAppStateSyncKeyID(context.Background()); err == nil && len(id) > 0 {
		creds.MyAppStateKeyID = hex.EncodeToString(id)
	}
	c.emit(&whatsapp.CredsUpdate{Creds: creds})
}

func (c *Client) emit(evt whatsapp.Event) {
	c.mu.Lock()
	handlers := append([]whatsapp.EventHandler(nil), c.handlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(evt)
	}
}

var _ whatsapp.Client = (*Client)(nil)
