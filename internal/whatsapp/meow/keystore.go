package meow

import (
	"bytes"
	"context"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kelurahan-dev/jadwal/internal/whatsapp/authstate"
	"github.com/pkg/errors"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/util/keys"
)

var errInvalidKeyLength = errors.New("whatsapp: stored key has invalid length")

// keyStore keeps the signal key material of a device in the auth state:
// identities, sessions, pre-keys, sender keys and app state sync keys. It
// lives under the session prefix, so clearing the session removes it.
type keyStore struct {
	auth *authstate.AuthState

	// set when the client is discarded; later writes are dropped
	detached atomic.Bool

	preKeyMu sync.Mutex
	migrated sync.Map
}

func newKeyStore(auth *authstate.AuthState) *keyStore {
	return &keyStore{auth: auth}
}

func (s *keyStore) install(dev *store.Device) {
	dev.Identities = s
	dev.Sessions = s
	dev.PreKeys = s
	dev.SenderKeys = s
	dev.AppStateKeys = s
}

func (s *keyStore) detach() {
	s.detached.Store(true)
}

func (s *keyStore) put(ctx context.Context, category string, entries map[string]any) {
	if s.detached.Load() || len(entries) == 0 {
		return
	}
	s.auth.SetKeys(ctx, map[string]map[string]any{category: entries})
}

func (s *keyStore) get(ctx context.Context, category, id string) any {
	return s.auth.GetKeys(ctx, category, []string{id})[id]
}

func (s *keyStore) blob(ctx context.Context, category, id string) []byte {
	b, _ := s.get(ctx, category, id).(authstate.Buffer)
	return b
}

func (s *keyStore) deletePrefix(ctx context.Context, category, idPrefix string) {
	if s.detached.Load() {
		return
	}
	s.auth.DeleteKeys(ctx, category, idPrefix)
}

func (s *keyStore) PutIdentity(ctx context.Context, address string, key [32]byte) error {
	s.put(ctx, authstate.CategoryIdentityKey, map[string]any{address: bytes.Clone(key[:])})
	return nil
}

func (s *keyStore) DeleteAllIdentities(ctx context.Context, phone string) error {
	s.deletePrefix(ctx, authstate.CategoryIdentityKey, phone+":")
	return nil
}

func (s *keyStore) DeleteIdentity(ctx context.Context, address string) error {
	s.put(ctx, authstate.CategoryIdentityKey, map[string]any{address: nil})
	return nil
}

// IsTrustedIdentity trusts unknown addresses; the identity is saved once the
// session is established.
func (s *keyStore) IsTrustedIdentity(ctx context.Context, address string, key [32]byte) (bool, error) {
	existing := s.blob(ctx, authstate.CategoryIdentityKey, address)
	if existing == nil {
		return true, nil
	}
	if len(existing) != 32 {
		return false, errInvalidKeyLength
	}
	return bytes.Equal(existing, key[:]), nil
}

func (s *keyStore) GetSession(ctx context.Context, address string) ([]byte, error) {
	return s.blob(ctx, authstate.CategorySession, address), nil
}

func (s *keyStore) HasSession(ctx context.Context, address string) (bool, error) {
	return s.blob(ctx, authstate.CategorySession, address) != nil, nil
}

func (s *keyStore) GetManySessions(ctx context.Context, addresses []string) (map[string][]byte, error) {
	if len(addresses) == 0 {
		return nil, nil
	}
	found := s.auth.GetKeys(ctx, authstate.CategorySession, addresses)
	result := make(map[string][]byte, len(addresses))
	for _, addr := range addresses {
		b, _ := found[addr].(authstate.Buffer)
		result[addr] = b
	}
	return result, nil
}

func (s *keyStore) PutSession(ctx context.Context, address string, session []byte) error {
	s.put(ctx, authstate.CategorySession, map[string]any{address: session})
	return nil
}

func (s *keyStore) PutManySessions(ctx context.Context, sessions map[string][]byte) error {
	entries := make(map[string]any, len(sessions))
	for addr, sess := range sessions {
		entries[addr] = sess
	}
	s.put(ctx, authstate.CategorySession, entries)
	return nil
}

func (s *keyStore) DeleteAllSessions(ctx context.Context, phone string) error {
	s.deletePrefix(ctx, authstate.CategorySession, phone+":")
	return nil
}

func (s *keyStore) DeleteSession(ctx context.Context, address string) error {
	s.put(ctx, authstate.CategorySession, map[string]any{address: nil})
	return nil
}

// MigratePNToLID moves the sessions, identities and sender keys of a phone
// number address to its LID address.
func (s *keyStore) MigratePNToLID(ctx context.Context, pn, lid types.JID) error {
	pnUser := pn.SignalAddressUser()
	if _, done := s.migrated.LoadOrStore(pnUser, struct{}{}); done {
		return nil
	}
	lidUser := lid.SignalAddressUser()
	batch := make(map[string]map[string]any)
	for _, category := range []string{authstate.CategorySession, authstate.CategoryIdentityKey, authstate.CategorySenderKey} {
		entries := s.auth.ScanKeys(ctx, category, pnUser+":")
		if len(entries) == 0 {
			continue
		}
		moved := make(map[string]any, len(entries)*2)
		for id, value := range entries {
			moved[id] = nil
			moved[lidUser+strings.TrimPrefix(id, pnUser)] = value
		}
		batch[category] = moved
	}
	if len(batch) > 0 && !s.detached.Load() {
		s.auth.SetKeys(ctx, batch)
	}
	return nil
}

// preKeys returns the stored one-time pre-keys by id.
func (s *keyStore) preKeys(ctx context.Context) map[uint32]*authstate.PreKeyData {
	entries := s.auth.ScanKeys(ctx, authstate.CategoryPreKey, "")
	out := make(map[uint32]*authstate.PreKeyData, len(entries))
	for id, value := range entries {
		n, err := strconv.ParseUint(id, 10, 32)
		if err != nil {
			continue
		}
		if data, ok := value.(*authstate.PreKeyData); ok {
			out[uint32(n)] = data
		}
	}
	return out
}

func nextPreKeyID(existing map[uint32]*authstate.PreKeyData) uint32 {
	var last uint32
	for id := range existing {
		if id > last {
			last = id
		}
	}
	return last + 1
}

func preKeyData(k *keys.PreKey, uploaded bool) *authstate.PreKeyData {
	return &authstate.PreKeyData{
		Public:   authstate.Buffer(bytes.Clone(k.Pub[:])),
		Private:  authstate.Buffer(bytes.Clone(k.Priv[:])),
		Uploaded: uploaded,
	}
}

func toPreKey(id uint32, data *authstate.PreKeyData) (*keys.PreKey, error) {
	if len(data.Private) != 32 {
		return nil, errInvalidKeyLength
	}
	return &keys.PreKey{
		KeyPair: *keys.NewKeyPairFromPrivateKey(*(*[32]byte)([]byte(data.Private))),
		KeyID:   id,
	}, nil
}

// GetOrGenPreKeys returns count pre-keys not yet uploaded, generating new ones
// after the highest stored id when there are not enough.
func (s *keyStore) GetOrGenPreKeys(ctx context.Context, count uint32) ([]*keys.PreKey, error) {
	s.preKeyMu.Lock()
	defer s.preKeyMu.Unlock()

	existing := s.preKeys(ctx)
	pending := make([]uint32, 0, len(existing))
	for id, data := range existing {
		if !data.Uploaded {
			pending = append(pending, id)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })

	out := make([]*keys.PreKey, 0, count)
	for _, id := range pending {
		if uint32(len(out)) == count {
			break
		}
		k, err := toPreKey(id, existing[id])
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}

	next := nextPreKeyID(existing)
	generated := make(map[string]any)
	for uint32(len(out)) < count {
		k := keys.NewPreKey(next)
		generated[strconv.FormatUint(uint64(next), 10)] = preKeyData(k, false)
		out = append(out, k)
		next++
	}
	s.put(ctx, authstate.CategoryPreKey, generated)
	return out, nil
}

// GenOnePreKey generates a pre-key that is handed out directly, so it is
// stored as already uploaded.
func (s *keyStore) GenOnePreKey(ctx context.Context) (*keys.PreKey, error) {
	s.preKeyMu.Lock()
	defer s.preKeyMu.Unlock()
	k := keys.NewPreKey(nextPreKeyID(s.preKeys(ctx)))
	s.put(ctx, authstate.CategoryPreKey, map[string]any{strconv.FormatUint(uint64(k.KeyID), 10): preKeyData(k, true)})
	return k, nil
}

func (s *keyStore) GetPreKey(ctx context.Context, id uint32) (*keys.PreKey, error) {
	data, ok := s.get(ctx, authstate.CategoryPreKey, strconv.FormatUint(uint64(id), 10)).(*authstate.PreKeyData)
	if !ok {
		return nil, nil
	}
	return toPreKey(id, data)
}

func (s *keyStore) RemovePreKey(ctx context.Context, id uint32) error {
	s.put(ctx, authstate.CategoryPreKey, map[string]any{strconv.FormatUint(uint64(id), 10): nil})
	return nil
}

func (s *keyStore) MarkPreKeysAsUploaded(ctx context.Context, upToID uint32) error {
	s.preKeyMu.Lock()
	defer s.preKeyMu.Unlock()
	marked := make(map[string]any)
	for id, data := range s.preKeys(ctx) {
		if id <= upToID && !data.Uploaded {
			updated := *data
			updated.Uploaded = true
			marked[strconv.FormatUint(uint64(id), 10)] = &updated
		}
	}
	s.put(ctx, authstate.CategoryPreKey, marked)
	return nil
}

func (s *keyStore) UploadedPreKeyCount(ctx context.Context) (int, error) {
	n := 0
	for _, data := range s.preKeys(ctx) {
		if data.Uploaded {
			n++
		}
	}
	return n, nil
}

func senderKeyID(group, user string) string {
	return user + "|" + group
}

func (s *keyStore) PutSenderKey(ctx context.Context, group, user string, session []byte) error {
	s.put(ctx, authstate.CategorySenderKey, map[string]any{senderKeyID(group, user): session})
	return nil
}

func (s *keyStore) GetSenderKey(ctx context.Context, group, user string) ([]byte, error) {
	return s.blob(ctx, authstate.CategorySenderKey, senderKeyID(group, user)), nil
}

// PutAppStateSyncKey keeps the stored key when it is not older than key.
func (s *keyStore) PutAppStateSyncKey(ctx context.Context, id []byte, key store.AppStateSyncKey) error {
	hexID := hex.EncodeToString(id)
	if existing, ok := s.get(ctx, authstate.CategoryAppStateSyncKey, hexID).(*authstate.AppStateSyncKeyData); ok && existing.Timestamp >= key.Timestamp {
		return nil
	}
	s.put(ctx, authstate.CategoryAppStateSyncKey, map[string]any{hexID: &authstate.AppStateSyncKeyData{
		KeyData:     authstate.Buffer(bytes.Clone(key.Data)),
		Fingerprint: authstate.Buffer(bytes.Clone(key.Fingerprint)),
		Timestamp:   key.Timestamp,
	}})
	return nil
}

func (s *keyStore) GetAppStateSyncKey(ctx context.Context, id []byte) (*store.AppStateSyncKey, error) {
	data, ok := s.get(ctx, authstate.CategoryAppStateSyncKey, hex.EncodeToString(id)).(*authstate.AppStateSyncKeyData)
	if !ok {
		return nil, nil
	}
	return &store.AppStateSyncKey{
		Data:        data.KeyData,
		Fingerprint: data.Fingerprint,
		Timestamp:   data.Timestamp,
	}, nil
}

func (s *keyStore) GetLatestAppStateSyncKeyID(ctx context.Context) ([]byte, error) {
	var latestID string
	var latest int64
	for id, value := range s.auth.ScanKeys(ctx, authstate.CategoryAppStateSyncKey, "") {
		data, ok := value.(*authstate.AppStateSyncKeyData)
		if !ok {
			continue
		}
		if latestID == "" || data.Timestamp > latest {
			latestID, latest = id, data.Timestamp
		}
	}
	if latestID == "" {
		return nil, nil
	}
	return hex.DecodeString(latestID)
}

var (
	_ store.IdentityStore        = (*keyStore)(nil)
	_ store.SessionStore         = (*keyStore)(nil)
	_ store.PreKeyStore          = (*keyStore)(nil)
	_ store.SenderKeyStore       = (*keyStore)(nil)
	_ store.AppStateSyncKeyStore = (*keyStore)(nil)
)

// deviceContainer saves the device row through the protocol store container,
// which its other tables reference, and reports every save as a credential
// update.
type deviceContainer struct {
	inner  *sqlstore.Container
	keys   *keyStore
	onSave func(*store.Device)
}

func (d *deviceContainer) attach(dev *store.Device) {
	d.keys.install(dev)
	dev.Container = d
}

func (d *deviceContainer) PutDevice(ctx context.Context, dev *store.Device) error {
	err := d.inner.PutDevice(ctx, dev)
	// a first save installs the container's own stores
	d.attach(dev)
	if err != nil {
		return err
	}
	if d.onSave != nil {
		d.onSave(dev)
	}
	return nil
}

func (d *deviceContainer) DeleteDevice(ctx context.Context, dev *store.Device) error {
	return d.inner.DeleteDevice(ctx, dev)
}

var _ store.DeviceContainer = (*deviceContainer)(nil)
