package whatsapp

import "errors"

var (
	ErrNotConnected   = errors.New("whatsapp: not connected")
	ErrInvalidMessage = errors.New("whatsapp: invalid message")
	ErrClosed         = errors.New("whatsapp: manager closed")
)

// NotConnectedError is returned by SendText when there is no live session.
// It matches ErrNotConnected with errors.Is.
type NotConnectedError struct {
	State   State
	NeedsQR bool
}

func (e *NotConnectedError) Error() string {
	if e.NeedsQR {
		return "whatsapp: not connected, scan the QR code to pair this device"
	}
	return "whatsapp: not connected (" + e.State.String() + ")"
}

func (e *NotConnectedError) Is(target error) bool {
	return target == ErrNotConnected
}
