package whatsapp

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/kelurahan-dev/jadwal/internal/whatsapp/authstate"
)

type memStore struct {
	mu   sync.Mutex
	rows map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string][]byte)}
}

func (s *memStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.rows[key]
	if !ok {
		return nil, authstate.ErrNotFound
	}
	return data, nil
}

func (s *memStore) GetMany(_ context.Context, keys []string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte)
	for _, k := range keys {
		if data, ok := s.rows[k]; ok {
			out[k] = data
		}
	}
	return out, nil
}

func (s *memStore) Scan(_ context.Context, prefix string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte)
	for k, data := range s.rows {
		if strings.HasPrefix(k, prefix) {
			out[k] = data
		}
	}
	return out, nil
}

func (s *memStore) Put(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[key] = append([]byte(nil), data...)
	return nil
}

func (s *memStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, key)
	return nil
}

func (s *memStore) DeletePrefix(_ context.Context, prefix string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k := range s.rows {
		if strings.HasPrefix(k, prefix) {
			delete(s.rows, k)
			n++
		}
	}
	return n, nil
}

func (s *memStore) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rows))
	for k := range s.rows {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// seedPairedSession stores a credential bundle that already carries an identity.
func (s *memStore) seedPairedSession(sessionID string) *authstate.Credentials {
	creds := authstate.NewCredentials()
	creds.Me = &authstate.Contact{ID: "6281100000000:1@s.whatsapp.net"}
	creds.Registered = true
	data, _ := authstate.Marshal(creds)
	_ = s.Put(context.Background(), sessionID+"-creds", data)
	return creds
}

type sentMessage struct {
	to   string
	text string
}

type fakeClient struct {
	auth      *authstate.AuthState
	onConnect func(c *fakeClient)

	mu            sync.Mutex
	handlers      []EventHandler
	emitted       []Event
	sent          []sentMessage
	sendErr       error
	connectErr    error
	authenticated bool
	identity      string
	connects      int
	logouts       int
	forgets       int
	disconnects   int
}

func (c *fakeClient) Connect(context.Context) error {
	c.mu.Lock()
	c.connects++
	err := c.connectErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if c.onConnect != nil {
		c.onConnect(c)
	}
	return nil
}

func (c *fakeClient) AddEventHandler(h EventHandler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
}

func (c *fakeClient) SendText(_ context.Context, to, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return "", c.sendErr
	}
	c.sent = append(c.sent, sentMessage{to: to, text: text})
	return "MSG-1", nil
}

func (c *fakeClient) Logout(context.Context) error {
	c.mu.Lock()
	c.logouts++
	c.mu.Unlock()
	return errors.New("already logged out")
}

func (c *fakeClient) Forget(context.Context) error {
	c.mu.Lock()
	c.forgets++
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) Disconnect() {
	c.mu.Lock()
	c.disconnects++
	c.authenticated = false
	c.mu.Unlock()
}

func (c *fakeClient) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *fakeClient) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *fakeClient) emit(evt Event) {
	c.mu.Lock()
	c.emitted = append(c.emitted, evt)
	handlers := append([]EventHandler(nil), c.handlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(evt)
	}
}

// open marks the client paired and emits an open update.
func (c *fakeClient) open() {
	c.mu.Lock()
	c.authenticated = true
	c.identity = "6281100000000:1@s.whatsapp.net"
	c.mu.Unlock()
	c.emit(&ConnectionUpdate{Connection: ConnectionOpen})
}

func (c *fakeClient) close(code int) {
	c.mu.Lock()
	c.authenticated = false
	c.mu.Unlock()
	c.emit(&ConnectionUpdate{Connection: ConnectionClose, LastDisconnect: &DisconnectError{Code: code}})
}

// count reads one of the call counters under the client lock.
func (c *fakeClient) count(n *int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *n
}

func (c *fakeClient) sentMessages() []sentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentMessage(nil), c.sent...)
}

func (c *fakeClient) emittedQR() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.emitted {
		if u, ok := e.(*ConnectionUpdate); ok && u.QR != "" {
			return true
		}
	}
	return false
}

// pairOrQR behaves like the protocol: a stored identity connects, a fresh
// one issues a QR challenge.
func pairOrQR(c *fakeClient) {
	if c.auth.Persisted() && c.auth.Creds().Me != nil {
		c.open()
		return
	}
	c.emit(&ConnectionUpdate{Connection: ConnectionConnecting})
	c.emit(&ConnectionUpdate{QR: "2@qr-challenge"})
}

type fakeFactory struct {
	mu      sync.Mutex
	clients []*fakeClient
	script  func(c *fakeClient)
	entered chan struct{}
	release chan struct{}
	err     error
}

func (f *fakeFactory) NewClient(_ context.Context, auth *authstate.AuthState) (Client, error) {
	f.mu.Lock()
	c := &fakeClient{auth: auth, onConnect: f.script}
	f.clients = append(f.clients, c)
	entered, release, err := f.entered, f.release, f.err
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		<-release
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (f *fakeFactory) setScript(script func(c *fakeClient)) {
	f.mu.Lock()
	f.script = script
	f.mu.Unlock()
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *fakeFactory) client(i int) *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[i]
}

func (f *fakeFactory) last() *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[len(f.clients)-1]
}
