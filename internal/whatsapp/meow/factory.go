package meow

import (
	"context"

	"github.com/kelurahan-dev/jadwal/internal/whatsapp"
	"github.com/kelurahan-dev/jadwal/internal/whatsapp/authstate"
	"github.com/pkg/errors"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

// Factory builds whatsmeow clients on top of a protocol store container.
type Factory struct {
	container *sqlstore.Container
	log       waLog.Logger
}

// NewFactory sets the linked device name shown on the phone.
func NewFactory(container *sqlstore.Container, deviceName string) *Factory {
	if deviceName != "" {
		store.DeviceProps.Os = proto.String(deviceName)
	}
	store.DeviceProps.RequireFullSync = proto.Bool(false)
	return &Factory{container: container, log: NewLogger("whatsmeow")}
}

func (f *Factory) NewClient(ctx context.Context, auth *authstate.AuthState) (whatsapp.Client, error) {
	dev, err := f.device(ctx, auth)
	if err != nil {
		return nil, err
	}
	keys := newKeyStore(auth)
	container := &deviceContainer{inner: f.container, keys: keys}
	container.attach(dev)

	cli := whatsmeow.NewClient(dev, f.log.Sub("Client"))
	// reconnects are decided by the session manager
	cli.EnableAutoReconnect = false
	c := newClient(cli, auth, keys)
	container.onSave = func(*store.Device) { c.syncCredentials() }
	return c, nil
}

// device returns the stored protocol device of the paired identity, or a new
// device seeded with the stored keys.
func (f *Factory) device(ctx context.Context, auth *authstate.AuthState) (*store.Device, error) {
	creds := auth.Creds()
	if auth.Persisted() && creds.Me != nil {
		jid, err := types.ParseJID(creds.Me.ID)
		if err != nil {
			zap.L().Warn("whatsapp: stored identity is not a valid address", zap.String("id", creds.Me.ID), zap.Error(err))
		} else {
			dev, err := f.container.GetDevice(ctx, jid)
			if err != nil {
				return nil, errors.Wrap(err, "whatsapp: load protocol device")
			}
			if dev != nil {
				return dev, nil
			}
			zap.L().Warn("whatsapp: protocol device missing, pairing again", zap.String("jid", jid.String()))
		}
	}
	dev := f.container.NewDevice()
	if err := applyCredentials(dev, creds); err != nil {
		zap.L().Warn("whatsapp: stored keys unusable, using generated keys", zap.Error(err))
	}
	return dev, nil
}
