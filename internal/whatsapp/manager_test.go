package whatsapp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/kelurahan-dev/jadwal/internal/whatsapp/authstate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const (
	testReconnectDelay  = 20 * time.Millisecond
	testInProgressDelay = 40 * time.Millisecond
	waitFor             = time.Second
	tick                = 5 * time.Millisecond
)

func newTestManager(t *testing.T, store authstate.Store, factory ClientFactory, bus EventBus.Bus) *Manager {
	t.Helper()
	m, err := NewManager(store, factory, Options{
		SessionID:       "default",
		ReconnectDelay:  testReconnectDelay,
		InProgressDelay: testInProgressDelay,
		MaxAuthRetries:  3,
		KeyWorkers:      4,
		Bus:             bus,
	})
	require.NoError(t, err)
	return m
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code int
		want Disposition
	}{
		{ReasonConnectionClosed, DispositionReconnect},
		{ReasonConnectionLost, DispositionReconnect},
		{ReasonTimedOut, DispositionReconnect},
		{ReasonRestartRequired, DispositionReconnect},
		{ReasonConnectionReplaced, DispositionReconnect},
		{ReasonLoggedOut, DispositionReauth},
		{ReasonForbidden, DispositionReauth},
		{ReasonBadSession, DispositionReauth},
		{ReasonMultideviceMismatch, DispositionIgnore},
		{ReasonUnavailableService, DispositionIgnore},
		{0, DispositionIgnore},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.code), "code %d", tt.code)
	}
}

func TestReconnectDelayPerCode(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	m := newTestManager(t, newMemStore(), &fakeFactory{}, nil)
	defer m.Close()

	assert.Equal(t, testInProgressDelay, m.reconnectDelay(ReasonConnectionReplaced))
	assert.Equal(t, testReconnectDelay, m.reconnectDelay(ReasonConnectionLost))
	assert.Equal(t, testReconnectDelay, m.reconnectDelay(ReasonRestartRequired))
}

func TestInitializeIsIdempotentWhileInFlight(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	factory := &fakeFactory{
		script:  pairOrQR,
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	store := newMemStore()
	store.seedPairedSession("default")
	m := newTestManager(t, store, factory, nil)
	defer m.Close()

	first := make(chan error, 1)
	go func() { first <- m.Initialize(context.Background()) }()
	<-factory.entered

	assert.Equal(t, StateInitializing, m.Status().State)
	require.NoError(t, m.Initialize(context.Background()))
	require.NoError(t, m.Initialize(context.Background()))

	close(factory.release)
	require.NoError(t, <-first)
	assert.Equal(t, 1, factory.count())
	assert.True(t, m.IsConnected())

	// connected: further calls keep the existing client
	factory.mu.Lock()
	factory.entered = nil
	factory.mu.Unlock()
	require.NoError(t, m.Initialize(context.Background()))
	assert.Equal(t, 1, factory.count())
}

func TestFreshBootIssuesQR(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	bus := EventBus.New()
	var mu sync.Mutex
	var states []State
	require.NoError(t, bus.Subscribe(TopicState, func(st Status) {
		mu.Lock()
		states = append(states, st.State)
		mu.Unlock()
	}))

	store := newMemStore()
	factory := &fakeFactory{script: pairOrQR}
	m := newTestManager(t, store, factory, bus)
	defer m.Close()

	require.NoError(t, m.Initialize(context.Background()))

	assert.Equal(t, "2@qr-challenge", m.PendingQR())
	assert.False(t, m.IsConnected())
	st := m.Status()
	assert.Equal(t, StateConnecting, st.State)
	assert.Equal(t, "CONNECTING", st.State.Connection())
	assert.Empty(t, store.keys(), "fresh credentials are saved only when the protocol updates them")

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, StateInitializing)
	assert.Contains(t, states, StateConnecting)
}

func TestStoredSessionConnectsWithoutQR(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	store := newMemStore()
	store.seedPairedSession("default")
	factory := &fakeFactory{script: pairOrQR}
	m := newTestManager(t, store, factory, nil)
	defer m.Close()

	require.NoError(t, m.Initialize(context.Background()))

	assert.True(t, m.IsConnected())
	assert.Empty(t, m.PendingQR())
	assert.False(t, factory.last().emittedQR())
	st := m.Status()
	assert.Equal(t, StateConnected, st.State)
	assert.Equal(t, "6281100000000:1@s.whatsapp.net", st.Identity)
}

func TestConnectionLostSchedulesOneReconnect(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	store := newMemStore()
	store.seedPairedSession("default")
	factory := &fakeFactory{script: pairOrQR}
	m := newTestManager(t, store, factory, nil)
	defer m.Close()
	require.NoError(t, m.Initialize(context.Background()))

	factory.last().close(ReasonConnectionLost)

	st := m.Status()
	assert.False(t, st.Connected)
	assert.Equal(t, StateDisconnectedRecoverable, st.State)
	assert.Equal(t, 0, st.AuthFailures)
	assert.Equal(t, ReasonConnectionLost, st.LastDisconnect)
	assert.True(t, m.reconnectPending())
	assert.Equal(t, 1, factory.count(), "reconnect waits for the delay")

	require.Eventually(t, func() bool { return factory.count() == 2 }, waitFor, tick)
	require.Eventually(t, m.IsConnected, waitFor, tick)
	time.Sleep(3 * testReconnectDelay)
	assert.Equal(t, 2, factory.count())
	assert.Equal(t, 0, m.Status().AuthFailures)
	old := factory.client(0)
	assert.GreaterOrEqual(t, old.count(&old.disconnects), 1, "replaced client is disconnected")
}

func TestRepeatedRecoverableCloseKeepsSingleTimer(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	store := newMemStore()
	store.seedPairedSession("default")
	factory := &fakeFactory{script: pairOrQR}
	m := newTestManager(t, store, factory, nil)
	defer m.Close()
	require.NoError(t, m.Initialize(context.Background()))

	c := factory.last()
	c.close(ReasonConnectionClosed)
	c.close(ReasonRestartRequired)

	require.Eventually(t, func() bool { return factory.count() == 2 }, waitFor, tick)
	time.Sleep(4 * testReconnectDelay)
	assert.Equal(t, 2, factory.count())
	assert.False(t, m.reconnectPending())
}

func TestOpenCancelsPendingReconnect(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	store := newMemStore()
	store.seedPairedSession("default")
	factory := &fakeFactory{script: pairOrQR}
	m := newTestManager(t, store, factory, nil)
	defer m.Close()
	require.NoError(t, m.Initialize(context.Background()))

	c := factory.last()
	c.close(ReasonConnectionReplaced)
	require.True(t, m.reconnectPending())
	c.open()
	assert.False(t, m.reconnectPending())

	time.Sleep(2 * testInProgressDelay)
	assert.Equal(t, 1, factory.count())
}

func TestLoggedOutResetsSessionOnce(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	store := newMemStore()
	store.seedPairedSession("default")
	require.NoError(t, store.Put(context.Background(), "default-pre-key-1", []byte(`{}`)))
	require.NoError(t, store.Put(context.Background(), "other-creds", []byte(`{}`)))
	factory := &fakeFactory{script: pairOrQR}
	m := newTestManager(t, store, factory, nil)
	defer m.Close()
	require.NoError(t, m.Initialize(context.Background()))
	require.True(t, m.IsConnected())

	first := factory.last()
	first.close(ReasonLoggedOut)

	require.Eventually(t, func() bool { return m.PendingQR() != "" }, waitFor, tick)
	assert.Equal(t, 2, factory.count())
	assert.Equal(t, 1, first.count(&first.logouts))
	assert.Equal(t, 1, first.count(&first.forgets), "device deleted locally when logout fails")
	assert.Equal(t, []string{"other-creds"}, store.keys())

	st := m.Status()
	assert.False(t, st.Connected)
	assert.Equal(t, 1, st.AuthFailures)
	assert.Equal(t, StateConnecting, st.State)
}

func TestAuthRetryCeiling(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	factory := &fakeFactory{script: func(c *fakeClient) { c.close(ReasonBadSession) }}
	m := newTestManager(t, newMemStore(), factory, nil)
	defer m.Close()

	require.NoError(t, m.Initialize(context.Background()))

	require.Eventually(t, func() bool { return m.Status().AuthFailures == 3 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	st := m.Status()
	assert.Equal(t, 3, factory.count(), "two automatic resets, then stop")
	assert.Equal(t, StateDisconnectedNeedsAuth, st.State)
	assert.Empty(t, st.QR)
	assert.False(t, st.Connected)
	assert.False(t, m.reconnectPending())

	// manual reset starts over
	factory.setScript(pairOrQR)
	require.NoError(t, m.ResetSession(context.Background()))
	assert.Equal(t, 4, factory.count())
	assert.Equal(t, 0, m.Status().AuthFailures)
	assert.NotEmpty(t, m.PendingQR())
}

func TestManualResetFromRecoverableStateForgetsDevice(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	store := newMemStore()
	store.seedPairedSession("default")
	factory := &fakeFactory{script: pairOrQR}
	m, err := NewManager(store, factory, Options{
		SessionID:      "default",
		ReconnectDelay: time.Minute,
		MaxAuthRetries: 3,
	})
	require.NoError(t, err)
	defer m.Close()
	require.NoError(t, m.Initialize(context.Background()))

	first := factory.last()
	first.close(ReasonConnectionClosed)
	require.Equal(t, StateDisconnectedRecoverable, m.Status().State)

	require.NoError(t, m.ResetSession(context.Background()))
	assert.Equal(t, 1, first.count(&first.logouts))
	assert.Equal(t, 1, first.count(&first.forgets))
	assert.Equal(t, 1, first.count(&first.disconnects))
	assert.NotEmpty(t, m.PendingQR())
}

func TestResetSucceedsWhenRetryIsScheduled(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	store := newMemStore()
	store.seedPairedSession("default")
	var mu sync.Mutex
	failNext := false
	factory := &fakeFactory{}
	factory.setScript(pairOrQR)
	m := newTestManager(t, store, ClientFactoryFunc(func(ctx context.Context, auth *authstate.AuthState) (Client, error) {
		c, err := factory.NewClient(ctx, auth)
		mu.Lock()
		defer mu.Unlock()
		if failNext {
			failNext = false
			c.(*fakeClient).connectErr = assert.AnError
		}
		return c, err
	}), nil)
	defer m.Close()
	require.NoError(t, m.Initialize(context.Background()))

	mu.Lock()
	failNext = true
	mu.Unlock()
	require.NoError(t, m.ResetSession(context.Background()))
	assert.Equal(t, StateDisconnectedRecoverable, m.Status().State)
	assert.Empty(t, store.keys(), "session cleared before the failed connect")

	require.Eventually(t, func() bool { return m.PendingQR() != "" }, waitFor, tick)
	assert.Equal(t, 3, factory.count())
}

func TestUnclassifiedCloseDoesNotReconnect(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	store := newMemStore()
	store.seedPairedSession("default")
	factory := &fakeFactory{script: pairOrQR}
	m := newTestManager(t, store, factory, nil)
	defer m.Close()
	require.NoError(t, m.Initialize(context.Background()))

	factory.last().close(ReasonMultideviceMismatch)
	time.Sleep(3 * testReconnectDelay)

	assert.Equal(t, 1, factory.count())
	assert.False(t, m.reconnectPending())
	assert.False(t, m.IsConnected())
	assert.Equal(t, []string{"default-creds"}, store.keys(), "credentials are kept")
}

func TestConnectErrorIsRecoverable(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	store := newMemStore()
	store.seedPairedSession("default")
	var mu sync.Mutex
	failures := 1
	factory := &fakeFactory{}
	factory.setScript(pairOrQR)
	m := newTestManager(t, store, ClientFactoryFunc(func(ctx context.Context, auth *authstate.AuthState) (Client, error) {
		c, err := factory.NewClient(ctx, auth)
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			c.(*fakeClient).connectErr = assert.AnError
		}
		return c, err
	}), nil)
	defer m.Close()

	err := m.Initialize(context.Background())
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, StateDisconnectedRecoverable, m.Status().State)

	require.Eventually(t, m.IsConnected, waitFor, tick)
	assert.Equal(t, 2, factory.count())
}

func TestFactoryErrorClearsInitializing(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	factory := &fakeFactory{err: assert.AnError}
	m := newTestManager(t, newMemStore(), factory, nil)
	defer m.Close()

	require.ErrorIs(t, m.Initialize(context.Background()), assert.AnError)
	assert.Equal(t, StateUninitialized, m.Status().State)

	factory.mu.Lock()
	factory.err = nil
	factory.script = pairOrQR
	factory.mu.Unlock()
	require.NoError(t, m.Initialize(context.Background()))
	assert.NotEmpty(t, m.PendingQR())
}

func TestCredentialUpdatesPersistedInOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	store := newMemStore()
	factory := &fakeFactory{script: func(c *fakeClient) {
		if c.auth.Persisted() {
			c.open()
			return
		}
		creds := c.auth.Creds()
		creds.Me = &authstate.Contact{ID: "6281100000000:1@s.whatsapp.net"}
		for i := 1; i <= 25; i++ {
			creds.NextPreKeyID = uint32(i)
			c.emit(&CredsUpdate{Creds: creds})
		}
		c.open()
	}}
	m := newTestManager(t, store, factory, nil)
	defer m.Close()
	require.NoError(t, m.Initialize(context.Background()))
	m.flushSaves()

	data, err := store.Get(context.Background(), "default-creds")
	require.NoError(t, err)
	saved := new(authstate.Credentials)
	require.NoError(t, authstate.UnmarshalInto(data, saved))
	assert.Equal(t, uint32(25), saved.NextPreKeyID)
	require.NotNil(t, saved.Me)

	// the saved identity survives a reconnect
	factory.last().close(ReasonRestartRequired)
	require.Eventually(t, func() bool { return factory.count() == 2 }, waitFor, tick)
	require.Eventually(t, m.IsConnected, waitFor, tick)
	restored := factory.last().auth
	assert.True(t, restored.Persisted())
	assert.Equal(t, uint32(25), restored.Creds().NextPreKeyID)
	assert.Equal(t, "6281100000000:1@s.whatsapp.net", restored.Creds().Me.ID)
}

func TestKeysUpdateWritesAndDeletes(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	store := newMemStore()
	store.seedPairedSession("default")
	factory := &fakeFactory{script: pairOrQR}
	m := newTestManager(t, store, factory, nil)
	defer m.Close()
	require.NoError(t, m.Initialize(context.Background()))

	c := factory.last()
	batch := map[string]map[string]any{}
	batch["sender-key"] = map[string]any{"g1": []byte{1}}
	batch[authstate.CategoryAppStateSyncKey] = map[string]any{"abc": map[string]any{"keyData": []byte{2}}}
	c.emit(&KeysUpdate{Batch: batch})
	assert.ElementsMatch(t, []string{"default-creds", "default-sender-key-g1", "default-app-state-sync-key-abc"}, store.keys())

	c.emit(&KeysUpdate{Batch: map[string]map[string]any{
		authstate.CategoryAppStateSyncKey: {"abc": nil},
	}})
	assert.ElementsMatch(t, []string{"default-creds", "default-sender-key-g1"}, store.keys())
}

func TestStaleClientEventsIgnored(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	store := newMemStore()
	store.seedPairedSession("default")
	factory := &fakeFactory{script: pairOrQR}
	m := newTestManager(t, store, factory, nil)
	defer m.Close()
	require.NoError(t, m.Initialize(context.Background()))

	old := factory.last()
	old.close(ReasonConnectionLost)
	require.Eventually(t, func() bool { return factory.count() == 2 }, waitFor, tick)
	require.Eventually(t, m.IsConnected, waitFor, tick)

	old.close(ReasonLoggedOut)
	old.emit(&ConnectionUpdate{QR: "stale"})
	assert.True(t, m.IsConnected())
	assert.Empty(t, m.PendingQR())
	assert.Equal(t, 0, m.Status().AuthFailures)
}

func TestStatusConnectedIsFlagOrLiveIdentity(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	store := newMemStore()
	store.seedPairedSession("default")
	factory := &fakeFactory{script: func(c *fakeClient) {
		// paired and live, but the open update has not arrived yet
		c.mu.Lock()
		c.authenticated = true
		c.identity = "6281100000000:1@s.whatsapp.net"
		c.mu.Unlock()
	}}
	m := newTestManager(t, store, factory, nil)
	defer m.Close()
	require.NoError(t, m.Initialize(context.Background()))

	st := m.Status()
	assert.Equal(t, StateConnecting, st.State)
	assert.True(t, st.Connected, "a live authenticated client counts as connected")

	// after a close the handle still carries the identity but is no longer live
	factory.last().close(ReasonConnectionClosed)
	st = m.Status()
	assert.False(t, st.Connected)
	assert.Equal(t, "6281100000000:1@s.whatsapp.net", st.Identity)
}

func TestCloseStopsEverything(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	store := newMemStore()
	store.seedPairedSession("default")
	factory := &fakeFactory{script: pairOrQR}
	m := newTestManager(t, store, factory, nil)
	require.NoError(t, m.Initialize(context.Background()))

	factory.last().close(ReasonConnectionLost)
	m.Close()
	m.Close()

	time.Sleep(2 * testReconnectDelay)
	assert.Equal(t, 1, factory.count())
	assert.ErrorIs(t, m.Initialize(context.Background()), ErrClosed)
	assert.ErrorIs(t, m.ResetSession(context.Background()), ErrClosed)
	assert.Equal(t, StateUninitialized, m.Status().State)
}
