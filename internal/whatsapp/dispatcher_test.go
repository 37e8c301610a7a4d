package whatsapp

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestNormalizeNumber(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"trunk zero", "081234567890", "6281234567890"},
		{"already international", "6281234567890", "6281234567890"},
		{"plus and separators", "+62 812-3456-7890", "6281234567890"},
		{"local without trunk", "81234567890", "6281234567890"},
		{"parentheses", "(0812) 3456 7890", "6281234567890"},
		{"full width digits", "０８１２３４５６７８９０", "6281234567890"},
		{"letters only", "abc", ""},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeNumber(tt.raw, "62"))
		})
	}
}

func TestNormalizeRecipient(t *testing.T) {
	to, err := NormalizeRecipient("0812-3456-7890", "62")
	require.NoError(t, err)
	assert.Equal(t, "6281234567890@s.whatsapp.net", to)

	_, err = NormalizeRecipient("n/a", "62")
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestSendTextBeforeInitialize(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	m := newTestManager(t, newMemStore(), &fakeFactory{}, nil)
	defer m.Close()

	res, err := m.SendText(context.Background(), "081234567890", "halo")
	assert.Nil(t, res)
	require.ErrorIs(t, err, ErrNotConnected)
	var nc *NotConnectedError
	require.True(t, errors.As(err, &nc))
	assert.Equal(t, StateUninitialized, nc.State)
	assert.False(t, nc.NeedsQR)
}

func TestSendTextWhilePairing(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	factory := &fakeFactory{script: pairOrQR}
	m := newTestManager(t, newMemStore(), factory, nil)
	defer m.Close()
	require.NoError(t, m.Initialize(context.Background()))

	_, err := m.SendText(context.Background(), "081234567890", "halo")
	var nc *NotConnectedError
	require.ErrorAs(t, err, &nc)
	assert.True(t, nc.NeedsQR)
	assert.Empty(t, factory.last().sentMessages(), "nothing reaches the network")
}

func TestSendTextConnected(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	store := newMemStore()
	store.seedPairedSession("default")
	factory := &fakeFactory{script: pairOrQR}
	m := newTestManager(t, store, factory, nil)
	defer m.Close()
	require.NoError(t, m.Initialize(context.Background()))

	res, err := m.SendText(context.Background(), "+62 812 3456 7890", "Jadwal pelayanan besok pukul 08.00")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "6281234567890@s.whatsapp.net", res.To)
	assert.Equal(t, "MSG-1", res.MessageID)
	assert.Equal(t, []sentMessage{{to: "6281234567890@s.whatsapp.net", text: "Jadwal pelayanan besok pukul 08.00"}},
		factory.last().sentMessages())
}

func TestSendTextReturnsClientErrorUnchanged(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	store := newMemStore()
	store.seedPairedSession("default")
	factory := &fakeFactory{script: pairOrQR}
	m := newTestManager(t, store, factory, nil)
	defer m.Close()
	require.NoError(t, m.Initialize(context.Background()))

	c := factory.last()
	c.mu.Lock()
	c.sendErr = assert.AnError
	c.mu.Unlock()

	res, err := m.SendText(context.Background(), "081234567890", "halo")
	assert.Nil(t, res)
	assert.Same(t, assert.AnError, err)
	assert.Equal(t, 1, c.count(&c.connects), "no reconnect is attempted")
	assert.True(t, m.IsConnected())
}

func TestSendTextRejectsInvalidInput(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	m := newTestManager(t, newMemStore(), &fakeFactory{}, nil)
	defer m.Close()

	_, err := m.SendText(context.Background(), "081234567890", "   ")
	assert.ErrorIs(t, err, ErrInvalidMessage)
	_, err = m.SendText(context.Background(), "---", "halo")
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestSendTextAfterNeedsAuth(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	store := newMemStore()
	store.seedPairedSession("default")
	factory := &fakeFactory{script: pairOrQR}
	m := newTestManager(t, store, factory, nil)
	defer m.Close()
	require.NoError(t, m.Initialize(context.Background()))

	factory.last().close(ReasonMultideviceMismatch)

	_, err := m.SendText(context.Background(), "081234567890", "halo")
	var nc *NotConnectedError
	require.ErrorAs(t, err, &nc)
	assert.Equal(t, StateDisconnectedNeedsAuth, nc.State)
	assert.True(t, nc.NeedsQR)
}
