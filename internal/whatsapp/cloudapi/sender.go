// Package cloudapi sends text messages through the WhatsApp Business Cloud API.
// It needs no paired device and is used when the multidevice session is not
// wanted on a deployment.
package cloudapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/guonaihong/gout"
	"github.com/kelurahan-dev/jadwal/config"
	"github.com/kelurahan-dev/jadwal/internal/whatsapp"
	"go.uber.org/zap"
)

type Sender struct {
	cfg         config.CloudAPIConfig
	countryCode string
	client      *http.Client
}

func New(cfg config.CloudAPIConfig, countryCode string, client *http.Client) *Sender {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Sender{cfg: cfg, countryCode: countryCode, client: client}
}

// APIError is a non-2xx answer of the Graph API.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cloudapi: status %d code %d: %s", e.Status, e.Code, e.Message)
}

type textBody struct {
	Body string `json:"body"`
}

type messageRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             textBody `json:"text"`
}

type messageResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// IsConnected reports whether credentials are configured.
func (s *Sender) IsConnected() bool {
	return s.cfg.Token != "" && s.cfg.PhoneNumberID != ""
}

func (s *Sender) endpoint() string {
	return strings.TrimRight(s.cfg.BaseURL, "/") + "/" + s.cfg.APIVersion + "/" + s.cfg.PhoneNumberID + "/messages"
}

func (s *Sender) SendText(ctx context.Context, recipient, body string) (*whatsapp.SendResult, error) {
	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("%w: empty body", whatsapp.ErrInvalidMessage)
	}
	to := whatsapp.NormalizeNumber(recipient, s.countryCode)
	if to == "" {
		return nil, fmt.Errorf("%w: recipient %q has no digits", whatsapp.ErrInvalidMessage, recipient)
	}
	if !s.IsConnected() {
		return nil, &whatsapp.NotConnectedError{State: whatsapp.StateUninitialized}
	}

	var (
		resp messageResponse
		code int
	)
	err := gout.New(s.client).
		POST(s.endpoint()).
		WithContext(ctx).
		SetHeader(gout.H{"Authorization": "Bearer " + s.cfg.Token}).
		SetJSON(messageRequest{
			MessagingProduct: "whatsapp",
			To:               to,
			Type:             "text",
			Text:             textBody{Body: body},
		}).
		BindJSON(&resp).
		Code(&code).
		Do()
	if err != nil {
		return nil, fmt.Errorf("cloudapi: send: %w", err)
	}
	if code < 200 || code > 299 {
		apiErr := &APIError{Status: code}
		if resp.Error != nil {
			apiErr.Code = resp.Error.Code
			apiErr.Message = resp.Error.Message
		}
		zap.L().Warn("cloudapi: send rejected", zap.String("to", to), zap.Int("status", code), zap.String("message", apiErr.Message))
		return nil, apiErr
	}

	result := &whatsapp.SendResult{Success: true, To: to}
	if len(resp.Messages) > 0 {
		result.MessageID = resp.Messages[0].ID
	}
	return result, nil
}

var _ whatsapp.Sender = (*Sender)(nil)
