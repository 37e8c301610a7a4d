package adminapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/kelurahan-dev/jadwal/internal/whatsapp"
	"github.com/kelurahan-dev/jadwal/internal/webserver"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

func registerWhatsAppRoutes() {
	webserver.ApiGET("/whatsapp/status", getWhatsAppStatus)
	webserver.ApiGET("/whatsapp/qr", getWhatsAppQR)
	webserver.ApiPOST("/whatsapp/connect", postWhatsAppConnect)
	webserver.ApiPOST("/whatsapp/reset", postWhatsAppReset)
	webserver.ApiPOST("/whatsapp/send", postWhatsAppSend)
}

type whatsAppStatus struct {
	Connected    bool   `json:"connected"`
	QR           string `json:"qr"`
	HasQR        bool   `json:"has_qr"`
	State        string `json:"state"`
	Status       string `json:"status"`
	Message      string `json:"message"`
	Transport    string `json:"transport"`
	Identity     string `json:"identity,omitempty"`
	AuthFailures int    `json:"auth_failures"`
}

// describe words a session snapshot for the dashboard.
func describe(st whatsapp.Status) (status, message string) {
	switch {
	case st.Connected:
		return "connected", "WhatsApp connected"
	case st.QR != "":
		return "waiting_for_qr", "Scan QR code to connect"
	case st.State.Connection() == "CONNECTING":
		return "connecting", "Connecting..."
	case st.State == whatsapp.StateDisconnectedNeedsAuth:
		return "disconnected", "WhatsApp logged out, reset the session to pair again"
	case st.State == whatsapp.StateDisconnectedRecoverable:
		return "disconnected", "Connection lost, reconnecting..."
	default:
		return "disconnected", "WhatsApp not started"
	}
}

// getWhatsAppStatus reports the session state. It never fails: with the
// cloud api transport only the configured flag is known.
func getWhatsAppStatus(c echo.Context) error {
	appCtx := GetAppContext(c)
	session := appCtx.WhatsApp()
	if session == nil {
		resp := whatsAppStatus{State: "CLOUD_API", Transport: "cloudapi", Status: "disconnected",
			Message: "Cloud API token or phone number id missing"}
		if s := appCtx.Sender(); s != nil && s.IsConnected() {
			resp.Connected = true
			resp.Status = "connected"
			resp.Message = "Cloud API configured"
		}
		return ok(c, resp)
	}

	st := session.Status()
	resp := whatsAppStatus{
		Connected:    st.Connected,
		QR:           st.QR,
		HasQR:        st.QR != "",
		State:        st.State.String(),
		Transport:    "multidevice",
		Identity:     st.Identity,
		AuthFailures: st.AuthFailures,
	}
	resp.Status, resp.Message = describe(st)
	return ok(c, resp)
}

// getWhatsAppQR returns the pending QR challenge (if any). The frontend
// renders the QR client-side from this string value.
func getWhatsAppQR(c echo.Context) error {
	session := GetAppContext(c).WhatsApp()
	if session == nil {
		return fail(c, http.StatusServiceUnavailable, "WA_NOT_INITIALIZED", "WhatsApp session not available with the cloud api transport", nil)
	}
	code := session.PendingQR()
	return ok(c, map[string]interface{}{
		"code":   code,
		"has_qr": code != "",
	})
}

// postWhatsAppConnect starts Initialize in the background. It is a no-op
// while the session is connected or already initializing.
func postWhatsAppConnect(c echo.Context) error {
	session := GetAppContext(c).WhatsApp()
	if session == nil {
		return fail(c, http.StatusServiceUnavailable, "WA_NOT_INITIALIZED", "WhatsApp session not available with the cloud api transport", nil)
	}
	go func() {
		if err := session.Initialize(context.Background()); err != nil {
			zap.L().Warn("adminapi: whatsapp connect failed", zap.Error(err))
		}
	}()
	zap.L().Info("adminapi: triggered whatsapp connect")
	return ok(c, map[string]interface{}{"started": true})
}

// postWhatsAppReset unlinks the device, clears the stored session and starts
// a fresh pairing.
func postWhatsAppReset(c echo.Context) error {
	session := GetAppContext(c).WhatsApp()
	if session == nil {
		return fail(c, http.StatusServiceUnavailable, "WA_NOT_INITIALIZED", "WhatsApp session not available with the cloud api transport", nil)
	}
	zap.L().Info("adminapi: manual whatsapp reset requested", zap.String("operator", webserver.Operator(c)))
	if err := session.ResetSession(c.Request().Context()); err != nil {
		return fail(c, http.StatusInternalServerError, "RESET_FAILED", "Failed to reset WhatsApp session", err.Error())
	}
	oprLog(c, "whatsapp_reset", "WhatsApp session reset")
	return ok(c, map[string]interface{}{
		"reset":   true,
		"message": "WhatsApp authentication reset. New QR code will be generated.",
	})
}

// postWhatsAppSend sends one text message.
// Request JSON: { "phone": "0812xxxx", "message": "hello" }
func postWhatsAppSend(c echo.Context) error {
	var payload struct {
		Phone       string `json:"phone"`
		PhoneNumber string `json:"phoneNumber"`
		Message     string `json:"message"`
	}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	phone := strings.TrimSpace(payload.Phone)
	if phone == "" {
		phone = strings.TrimSpace(payload.PhoneNumber)
	}
	if phone == "" || strings.TrimSpace(payload.Message) == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "Phone number and message are required", nil)
	}

	sender := GetAppContext(c).Sender()
	if sender == nil {
		return fail(c, http.StatusServiceUnavailable, "WA_NOT_INITIALIZED", "WhatsApp service not initialized", nil)
	}
	res, err := sender.SendText(c.Request().Context(), phone, payload.Message)
	if err != nil {
		return sendFailure(c, err)
	}
	oprLog(c, "whatsapp_send", "message sent to "+res.To)
	return ok(c, res)
}

func sendFailure(c echo.Context, err error) error {
	var nc *whatsapp.NotConnectedError
	switch {
	case errors.As(err, &nc):
		return fail(c, http.StatusServiceUnavailable, "WA_NOT_CONNECTED", nc.Error(), map[string]interface{}{
			"needs_qr": nc.NeedsQR,
			"state":    nc.State.String(),
		})
	case errors.Is(err, whatsapp.ErrInvalidMessage):
		return fail(c, http.StatusBadRequest, "INVALID_MESSAGE", err.Error(), nil)
	default:
		zap.L().Warn("adminapi: whatsapp send failed", zap.Error(err))
		return fail(c, http.StatusInternalServerError, "SEND_FAILED", "Failed to send message", err.Error())
	}
}
