package meow

import (
	"bytes"

	"github.com/kelurahan-dev/jadwal/internal/whatsapp/authstate"
	"github.com/pkg/errors"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/util/keys"
)

// applyCredentials seeds a new device with the stored identity so a session
// whose protocol rows were lost keeps its keys.
func applyCredentials(dev *store.Device, creds *authstate.Credentials) error {
	noise, err := keyPair(creds.NoiseKey)
	if err != nil {
		return errors.Wrap(err, "noise key")
	}
	identity, err := keyPair(creds.SignedIdentityKey)
	if err != nil {
		return errors.Wrap(err, "identity key")
	}
	pre, err := keyPair(creds.SignedPreKey.KeyPair)
	if err != nil {
		return errors.Wrap(err, "signed pre-key")
	}
	if len(creds.SignedPreKey.Signature) != 64 {
		return errors.Errorf("signed pre-key signature has %d bytes", len(creds.SignedPreKey.Signature))
	}
	var sig [64]byte
	copy(sig[:], creds.SignedPreKey.Signature)

	dev.NoiseKey = noise
	dev.IdentityKey = identity
	dev.SignedPreKey = &keys.PreKey{KeyPair: *pre, KeyID: creds.SignedPreKey.KeyID, Signature: &sig}
	dev.RegistrationID = creds.RegistrationID
	if len(creds.AdvSecretKey) > 0 {
		dev.AdvSecretKey = bytes.Clone(creds.AdvSecretKey)
	}
	return nil
}

func keyPair(kp authstate.KeyPair) (*keys.KeyPair, error) {
	if len(kp.Private) != 32 {
		return nil, errors.Errorf("private key has %d bytes", len(kp.Private))
	}
	var priv [32]byte
	copy(priv[:], kp.Private)
	return keys.NewKeyPairFromPrivateKey(priv), nil
}

// snapshot copies the device identity over prev. Counters and the app state
// key id are kept from prev.
func snapshot(dev *store.Device, prev *authstate.Credentials) *authstate.Credentials {
	c := prev.Clone()
	if c == nil {
		c = &authstate.Credentials{}
	}
	if dev.NoiseKey != nil {
		c.NoiseKey = authstate.FromKeyPair(dev.NoiseKey)
	}
	if dev.IdentityKey != nil {
		c.SignedIdentityKey = authstate.FromKeyPair(dev.IdentityKey)
	}
	if dev.SignedPreKey != nil {
		c.SignedPreKey = authstate.SignedKeyPair{
			KeyPair: authstate.FromKeyPair(&dev.SignedPreKey.KeyPair),
			KeyID:   dev.SignedPreKey.KeyID,
		}
		if dev.SignedPreKey.Signature != nil {
			c.SignedPreKey.Signature = authstate.Buffer(bytes.Clone(dev.SignedPreKey.Signature[:]))
		}
	}
	c.RegistrationID = dev.RegistrationID
	c.AdvSecretKey = authstate.Buffer(bytes.Clone(dev.AdvSecretKey))
	c.Platform = dev.Platform
	if dev.ID != nil {
		c.Me = &authstate.Contact{ID: dev.ID.String(), Name: dev.PushName}
		c.Registered = true
	}
	return c
}
