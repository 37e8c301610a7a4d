package whatsapp

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/text/width"
)

// UserServer is the address suffix of individual accounts.
const UserServer = "s.whatsapp.net"

type SendResult struct {
	Success   bool   `json:"success"`
	To        string `json:"to"`
	MessageID string `json:"message_id,omitempty"`
}

// NormalizeNumber reduces a phone number to its international digits:
// non-digits are dropped, a leading trunk 0 becomes the country code and a
// number without the country code gets it prepended. Full-width digits are
// accepted. Returns "" when no digits remain.
func NormalizeNumber(raw, countryCode string) string {
	var b strings.Builder
	for _, r := range width.Narrow.String(raw) {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	n := b.String()
	switch {
	case n == "":
		return ""
	case strings.HasPrefix(n, "0"):
		return countryCode + n[1:]
	case strings.HasPrefix(n, countryCode):
		return n
	default:
		return countryCode + n
	}
}

// NormalizeRecipient returns the full address of a phone number.
func NormalizeRecipient(raw, countryCode string) (string, error) {
	n := NormalizeNumber(raw, countryCode)
	if n == "" {
		return "", fmt.Errorf("%w: recipient %q has no digits", ErrInvalidMessage, raw)
	}
	return n + "@" + UserServer, nil
}

// SendText sends one text message through the live client. It fails with a
// *NotConnectedError before any network call when the session is not
// connected; send errors are returned unchanged and never retried.
func (m *Manager) SendText(ctx context.Context, recipient, body string) (*SendResult, error) {
	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidMessage)
	}
	to, err := NormalizeRecipient(recipient, m.opts.CountryCode)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	client := m.client
	flag := m.connected
	state := m.state
	qr := m.qr
	auth := m.auth
	m.mu.Unlock()

	if client == nil || !(flag || client.IsAuthenticated()) {
		needsQR := qr != "" || state == StateDisconnectedNeedsAuth
		if auth != nil && auth.Creds().Me == nil {
			needsQR = true
		}
		return nil, &NotConnectedError{State: state, NeedsQR: needsQR}
	}

	id, err := client.SendText(ctx, to, body)
	if err != nil {
		return nil, err
	}
	return &SendResult{Success: true, To: to, MessageID: id}, nil
}
