package cloudapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kelurahan-dev/jadwal/config"
	"github.com/kelurahan-dev/jadwal/internal/whatsapp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSender(url string) *Sender {
	return New(config.CloudAPIConfig{
		Token:         "secret-token",
		PhoneNumberID: "1234567890",
		BaseURL:       url,
		APIVersion:    "v18.0",
	}, "62", nil)
}

func TestSendText(t *testing.T) {
	var got messageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v18.0/1234567890/messages", r.URL.Path)
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messaging_product":"whatsapp","messages":[{"id":"wamid.ABC"}]}`))
	}))
	defer srv.Close()

	res, err := newTestSender(srv.URL).SendText(context.Background(), "0812-3456-7890", "Jadwal posyandu")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "6281234567890", res.To)
	assert.Equal(t, "wamid.ABC", res.MessageID)

	assert.Equal(t, "whatsapp", got.MessagingProduct)
	assert.Equal(t, "6281234567890", got.To)
	assert.Equal(t, "text", got.Type)
	assert.Equal(t, "Jadwal posyandu", got.Text.Body)
}

func TestSendTextAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid parameter","code":100}}`))
	}))
	defer srv.Close()

	_, err := newTestSender(srv.URL).SendText(context.Background(), "081234567890", "halo")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, 100, apiErr.Code)
	assert.Equal(t, "Invalid parameter", apiErr.Message)
}

func TestSendTextWithoutCredentials(t *testing.T) {
	s := New(config.CloudAPIConfig{BaseURL: "http://127.0.0.1:1", APIVersion: "v18.0"}, "62", nil)
	assert.False(t, s.IsConnected())

	_, err := s.SendText(context.Background(), "081234567890", "halo")
	assert.ErrorIs(t, err, whatsapp.ErrNotConnected)

	_, err = s.SendText(context.Background(), "-", "halo")
	assert.ErrorIs(t, err, whatsapp.ErrInvalidMessage)
}
