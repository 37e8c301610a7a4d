package whatsapp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/kelurahan-dev/jadwal/internal/whatsapp/authstate"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// TopicState is published with a Status after every state change.
const TopicState = "whatsapp:state"

type Options struct {
	SessionID       string
	ReconnectDelay  time.Duration
	InProgressDelay time.Duration
	MaxAuthRetries  int
	CountryCode     string
	KeyWorkers      int
	Registry        *authstate.Registry
	OnStoreError    authstate.ErrorHandler
	Bus             EventBus.Bus
}

func (o *Options) applyDefaults() {
	if o.SessionID == "" {
		o.SessionID = "default"
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 2 * time.Second
	}
	if o.InProgressDelay <= 0 {
		o.InProgressDelay = 3 * time.Second
	}
	if o.MaxAuthRetries <= 0 {
		o.MaxAuthRetries = 3
	}
	if o.CountryCode == "" {
		o.CountryCode = "62"
	}
	if o.KeyWorkers <= 0 {
		o.KeyWorkers = 16
	}
}

type saveRequest struct {
	epoch uint64
	auth  *authstate.AuthState
	done  chan struct{}
}

// Manager owns the single WhatsApp connection of the process.
type Manager struct {
	opts    Options
	store   authstate.Store
	factory ClientFactory
	pool    *ants.Pool

	// credential saves are written in order by one goroutine
	saves      chan saveRequest
	done       chan struct{}
	writerDone chan struct{}
	epoch      atomic.Uint64
	bg         sync.WaitGroup

	mu             sync.Mutex
	state          State
	client         Client
	auth           *authstate.AuthState
	generation     uint64
	qr             string
	connected      bool
	initializing   bool
	authFailures   int
	reconnectTimer *time.Timer
	lastDisconnect *DisconnectError
	updatedAt      time.Time
	closed         bool
}

func NewManager(store authstate.Store, factory ClientFactory, opts Options) (*Manager, error) {
	opts.applyDefaults()
	pool, err := ants.NewPool(opts.KeyWorkers)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: create key pool: %w", err)
	}
	m := &Manager{
		opts:       opts,
		store:      store,
		factory:    factory,
		pool:       pool,
		saves:      make(chan saveRequest, 64),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		updatedAt:  time.Now(),
	}
	go m.credentialWriter()
	return m, nil
}

func (m *Manager) SessionID() string {
	return m.opts.SessionID
}

// Initialize connects the session. It returns immediately when the session is
// already connected or another Initialize is in flight, so it is safe to call
// from boot, reset and the reconnect timer.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.initializing || (m.client != nil && m.connected) {
		m.mu.Unlock()
		return nil
	}
	m.stopReconnectLocked()
	old := m.client
	m.client = nil
	m.auth = nil
	m.generation++
	gen := m.generation
	m.initializing = true
	m.setStateLocked(StateInitializing)
	m.mu.Unlock()
	m.publish()

	if old != nil {
		old.Disconnect()
	}
	// pending saves of the previous client must land before the bundle is read again
	m.flushSaves()

	auth := authstate.Load(ctx, m.store, m.opts.SessionID,
		authstate.WithPool(m.pool),
		authstate.WithRegistry(m.opts.Registry),
		authstate.WithErrorHandler(m.opts.OnStoreError))

	client, err := m.factory.NewClient(ctx, auth)
	if err != nil {
		m.mu.Lock()
		if gen == m.generation {
			m.initializing = false
			m.setStateLocked(StateUninitialized)
		}
		m.mu.Unlock()
		m.publish()
		return fmt.Errorf("whatsapp: create client: %w", err)
	}

	m.mu.Lock()
	if gen != m.generation {
		// superseded by a reset or Close while the client was built
		m.mu.Unlock()
		client.Disconnect()
		return nil
	}
	m.client = client
	m.auth = auth
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	m.publish()

	zap.L().Info("whatsapp: connecting",
		zap.String("session", m.opts.SessionID),
		zap.Bool("registered", auth.Persisted()))

	client.AddEventHandler(func(evt Event) { m.handleEvent(gen, evt) })
	if err := client.Connect(ctx); err != nil {
		zap.L().Warn("whatsapp: connect failed", zap.String("session", m.opts.SessionID), zap.Error(err))
		m.onClose(gen, &DisconnectError{Code: ReasonConnectionClosed, Err: err})
		return fmt.Errorf("whatsapp: connect: %w", err)
	}
	return nil
}

// ResetSession logs out, deletes every stored record of the session and
// starts a fresh pairing.
func (m *Manager) ResetSession(ctx context.Context) error {
	zap.L().Info("whatsapp: manual session reset", zap.String("session", m.opts.SessionID))
	return m.reset(ctx, true)
}

func (m *Manager) reset(ctx context.Context, manual bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.stopReconnectLocked()
	client := m.client
	m.client = nil
	m.auth = nil
	m.generation++
	m.connected = false
	m.initializing = false
	m.qr = ""
	if manual {
		m.authFailures = 0
		m.lastDisconnect = nil
	}
	m.setStateLocked(StateUninitialized)
	m.mu.Unlock()
	m.publish()

	if client != nil {
		if err := client.Logout(ctx); err != nil {
			zap.L().Debug("whatsapp: logout during reset failed, forgetting device", zap.Error(err))
			if err := client.Forget(ctx); err != nil {
				zap.L().Warn("whatsapp: forget device failed", zap.String("session", m.opts.SessionID), zap.Error(err))
			}
		}
		client.Disconnect()
	}

	// saves queued before the reset must not recreate the cleared rows
	m.epoch.Add(1)
	m.flushSaves()
	if err := authstate.ClearSession(ctx, m.store, m.opts.SessionID); err != nil {
		zap.L().Error("whatsapp: clear session failed", zap.String("session", m.opts.SessionID), zap.Error(err))
	}
	if err := m.Initialize(ctx); err != nil {
		if m.reconnectPending() {
			// the session is cleared and the retry is already scheduled
			zap.L().Warn("whatsapp: connect after reset failed, retry scheduled", zap.String("session", m.opts.SessionID), zap.Error(err))
			return nil
		}
		return err
	}
	return nil
}

// Close stops timers, disconnects the client and waits for pending saves.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.stopReconnectLocked()
	client := m.client
	m.client = nil
	m.generation++
	m.connected = false
	m.initializing = false
	m.qr = ""
	m.setStateLocked(StateUninitialized)
	m.mu.Unlock()

	if client != nil {
		client.Disconnect()
	}
	m.bg.Wait()
	m.flushSaves()
	close(m.done)
	<-m.writerDone
	_ = m.pool.ReleaseTimeout(time.Second)
}

func (m *Manager) handleEvent(gen uint64, evt Event) {
	switch e := evt.(type) {
	case *ConnectionUpdate:
		m.onConnectionUpdate(gen, e)
	case *CredsUpdate:
		m.onCredsUpdate(gen, e)
	case *KeysUpdate:
		m.onKeysUpdate(gen, e)
	}
}

func (m *Manager) onConnectionUpdate(gen uint64, e *ConnectionUpdate) {
	switch e.Connection {
	case ConnectionOpen:
		m.onOpen(gen)
		return
	case ConnectionClose:
		m.onClose(gen, e.LastDisconnect)
		return
	case ConnectionConnecting:
		m.onConnecting(gen)
	}
	if e.QR != "" {
		m.onQR(gen, e.QR)
	}
}

func (m *Manager) onConnecting(gen uint64) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.connected = false
	m.qr = ""
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	m.publish()
}

func (m *Manager) onQR(gen uint64, qr string) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.qr = qr
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	zap.L().Info("whatsapp: QR challenge issued", zap.String("session", m.opts.SessionID))
	m.publish()
}

func (m *Manager) onOpen(gen uint64) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.stopReconnectLocked()
	m.connected = true
	m.qr = ""
	m.authFailures = 0
	m.initializing = false
	m.lastDisconnect = nil
	m.setStateLocked(StateConnected)
	client := m.client
	m.mu.Unlock()

	identity := ""
	if client != nil {
		identity = client.Identity()
	}
	zap.L().Info("whatsapp: connected",
		zap.String("session", m.opts.SessionID),
		zap.String("identity", identity))
	m.publish()
}

func (m *Manager) onClose(gen uint64, reason *DisconnectError) {
	code := reason.StatusCode()
	disposition := Classify(code)

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.connected = false
	m.initializing = false
	m.qr = ""
	m.lastDisconnect = reason

	switch disposition {
	case DispositionReconnect:
		m.authFailures = 0
		m.setStateLocked(StateDisconnectedRecoverable)
		delay := m.reconnectDelay(code)
		m.scheduleReconnectLocked(delay)
		m.mu.Unlock()
		zap.L().Info("whatsapp: connection closed, reconnecting",
			zap.String("session", m.opts.SessionID),
			zap.Int("code", code),
			zap.Duration("delay", delay))

	case DispositionReauth:
		m.authFailures++
		attempt := m.authFailures
		m.setStateLocked(StateDisconnectedNeedsAuth)
		if attempt >= m.opts.MaxAuthRetries {
			m.mu.Unlock()
			zap.L().Error("whatsapp: authentication failed too many times, manual reset required",
				zap.String("session", m.opts.SessionID),
				zap.Int("code", code),
				zap.Int("attempts", attempt))
			break
		}
		m.bg.Add(1)
		m.mu.Unlock()
		zap.L().Warn("whatsapp: authentication failed, resetting session",
			zap.String("session", m.opts.SessionID),
			zap.Int("code", code),
			zap.Int("attempt", attempt),
			zap.Int("max", m.opts.MaxAuthRetries))
		go m.reauthenticate(gen)

	default:
		m.setStateLocked(StateDisconnectedNeedsAuth)
		m.mu.Unlock()
		zap.L().Warn("whatsapp: connection closed, not reconnecting",
			zap.String("session", m.opts.SessionID),
			zap.Int("code", code),
			zap.Error(reason))
	}
	m.publish()
}

// reauthenticate runs outside the protocol client's event goroutine because
// reset logs out and disconnects that same client.
func (m *Manager) reauthenticate(gen uint64) {
	defer m.bg.Done()
	m.mu.Lock()
	stale := gen != m.generation
	m.mu.Unlock()
	if stale {
		return
	}
	if err := m.reset(context.Background(), false); err != nil {
		zap.L().Error("whatsapp: session reset failed", zap.String("session", m.opts.SessionID), zap.Error(err))
	}
}

func (m *Manager) onCredsUpdate(gen uint64, e *CredsUpdate) {
	m.mu.Lock()
	auth := m.auth
	stale := gen != m.generation || auth == nil
	m.mu.Unlock()
	if stale {
		return
	}
	if e.Creds != nil {
		auth.SetCredentials(e.Creds)
	}
	m.enqueueSave(saveRequest{epoch: m.epoch.Load(), auth: auth})
}

func (m *Manager) onKeysUpdate(gen uint64, e *KeysUpdate) {
	m.mu.Lock()
	auth := m.auth
	stale := gen != m.generation || auth == nil
	m.mu.Unlock()
	if stale || len(e.Batch) == 0 {
		return
	}
	auth.SetKeys(context.Background(), e.Batch)
}

func (m *Manager) enqueueSave(req saveRequest) {
	select {
	case m.saves <- req:
	case <-m.done:
	}
}

// flushSaves returns once every save queued before the call is written.
func (m *Manager) flushSaves() {
	done := make(chan struct{})
	select {
	case m.saves <- saveRequest{done: done}:
	case <-m.done:
		return
	}
	select {
	case <-done:
	case <-m.done:
	}
}

func (m *Manager) credentialWriter() {
	defer close(m.writerDone)
	for {
		select {
		case req := <-m.saves:
			if req.done != nil {
				close(req.done)
				continue
			}
			if req.epoch != m.epoch.Load() {
				continue
			}
			req.auth.SaveCredentials(context.Background())
		case <-m.done:
			return
		}
	}
}

func (m *Manager) scheduleReconnectLocked(delay time.Duration) {
	m.stopReconnectLocked()
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.reconnectTimer != timer || m.closed {
			m.mu.Unlock()
			return
		}
		m.reconnectTimer = nil
		m.bg.Add(1)
		m.mu.Unlock()
		defer m.bg.Done()
		if err := m.Initialize(context.Background()); err != nil {
			zap.L().Warn("whatsapp: reconnect failed", zap.String("session", m.opts.SessionID), zap.Error(err))
		}
	})
	m.reconnectTimer = timer
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) reconnectPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnectTimer != nil
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	m.updatedAt = time.Now()
}

func (m *Manager) publish() {
	if m.opts.Bus == nil {
		return
	}
	m.opts.Bus.Publish(TopicState, m.Status())
}
