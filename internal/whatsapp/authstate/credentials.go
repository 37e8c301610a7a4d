package authstate

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"

	"go.mau.fi/whatsmeow/util/keys"
)

type KeyPair struct {
	Private Buffer `json:"private"`
	Public  Buffer `json:"public"`
}

type SignedKeyPair struct {
	KeyPair   KeyPair `json:"keyPair"`
	Signature Buffer  `json:"signature"`
	KeyID     uint32  `json:"keyId"`
}

// Contact identifies the paired account.
type Contact struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Credentials is the primary identity bundle of a session, stored at
// "{sessionId}-creds".
type Credentials struct {
	NoiseKey                KeyPair       `json:"noiseKey"`
	SignedIdentityKey       KeyPair       `json:"signedIdentityKey"`
	SignedPreKey            SignedKeyPair `json:"signedPreKey"`
	RegistrationID          uint32        `json:"registrationId"`
	AdvSecretKey            Buffer        `json:"advSecretKey"`
	NextPreKeyID            uint32        `json:"nextPreKeyId"`
	FirstUnuploadedPreKeyID uint32        `json:"firstUnuploadedPreKeyId"`
	Me                      *Contact      `json:"me,omitempty"`
	Platform                string        `json:"platform,omitempty"`
	MyAppStateKeyID         string        `json:"myAppStateKeyId,omitempty"`
	Registered              bool          `json:"registered"`
}

// NewCredentials generates a fresh identity: noise key, identity key, a
// signed pre-key with id 1, a registration id and an ADV secret.
func NewCredentials() *Credentials {
	noise := keys.NewKeyPair()
	identity := keys.NewKeyPair()
	preKey := identity.CreateSignedPreKey(1)

	adv := make([]byte, 32)
	_, _ = rand.Read(adv)

	return &Credentials{
		NoiseKey:          FromKeyPair(noise),
		SignedIdentityKey: FromKeyPair(identity),
		SignedPreKey: SignedKeyPair{
			KeyPair:   FromKeyPair(&preKey.KeyPair),
			Signature: Buffer(bytes.Clone(preKey.Signature[:])),
			KeyID:     preKey.KeyID,
		},
		RegistrationID:          newRegistrationID(),
		AdvSecretKey:            adv,
		NextPreKeyID:            1,
		FirstUnuploadedPreKeyID: 1,
	}
}

func newRegistrationID() uint32 {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return binary.BigEndian.Uint32(buf[:]) & 16383
}

// FromKeyPair copies a protocol key pair into its serializable form.
func FromKeyPair(kp *keys.KeyPair) KeyPair {
	return KeyPair{
		Private: Buffer(bytes.Clone(kp.Priv[:])),
		Public:  Buffer(bytes.Clone(kp.Pub[:])),
	}
}

// Clone returns a deep copy.
func (c *Credentials) Clone() *Credentials {
	if c == nil {
		return nil
	}
	out := *c
	out.NoiseKey = c.NoiseKey.clone()
	out.SignedIdentityKey = c.SignedIdentityKey.clone()
	out.SignedPreKey.KeyPair = c.SignedPreKey.KeyPair.clone()
	out.SignedPreKey.Signature = cloneBuffer(c.SignedPreKey.Signature)
	out.AdvSecretKey = cloneBuffer(c.AdvSecretKey)
	if c.Me != nil {
		me := *c.Me
		out.Me = &me
	}
	return &out
}

func (k KeyPair) clone() KeyPair {
	return KeyPair{Private: cloneBuffer(k.Private), Public: cloneBuffer(k.Public)}
}

func cloneBuffer(b Buffer) Buffer {
	if b == nil {
		return nil
	}
	return Buffer(bytes.Clone(b))
}
