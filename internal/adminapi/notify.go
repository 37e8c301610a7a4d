package adminapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kelurahan-dev/jadwal/internal/domain"
	"github.com/kelurahan-dev/jadwal/internal/notify"
	"github.com/kelurahan-dev/jadwal/internal/webserver"
	"github.com/labstack/echo/v4"
)

func registerNotifyRoutes() {
	webserver.ApiPOST("/whatsapp/broadcast", postWhatsAppBroadcast)
	webserver.ApiGET("/notify/logs", listNotifyLogs)
	webserver.ApiGET("/notify/logs/export", exportNotifyLogs)
}

type schedulePayload struct {
	Title       string   `json:"title"`
	Date        string   `json:"date"` // YYYY-MM-DD
	TimeStart   string   `json:"time_start"`
	TimeEnd     string   `json:"time_end"`
	Location    string   `json:"location"`
	Description string   `json:"description"`
	TargetRoles []string `json:"target_roles"`
	CreatorName string   `json:"creator_name"`
}

type broadcastPayload struct {
	notify.Request
	// Schedule renders the reminder text when Body is empty
	Schedule *schedulePayload `json:"schedule"`
}

func (p *broadcastPayload) request() (notify.Request, error) {
	req := p.Request
	if strings.TrimSpace(req.Body) != "" || p.Schedule == nil {
		return req, nil
	}
	s := notify.Schedule{
		Title:       p.Schedule.Title,
		TimeStart:   p.Schedule.TimeStart,
		TimeEnd:     p.Schedule.TimeEnd,
		Location:    p.Schedule.Location,
		Description: p.Schedule.Description,
		TargetRoles: p.Schedule.TargetRoles,
		CreatorName: p.Schedule.CreatorName,
	}
	if p.Schedule.Date != "" {
		d, err := time.ParseInLocation("2006-01-02", p.Schedule.Date, time.Local)
		if err != nil {
			return req, fmt.Errorf("invalid schedule date %q", p.Schedule.Date)
		}
		s.Date = d
	}
	req.Body = notify.ReminderText(req.Kind, s)
	return req, nil
}

// postWhatsAppBroadcast sends a reminder to every recipient, at most once per
// event, kind and day.
func postWhatsAppBroadcast(c echo.Context) error {
	b := GetAppContext(c).Broadcaster()
	if b == nil {
		return fail(c, http.StatusServiceUnavailable, "WA_NOT_INITIALIZED", "Broadcaster not initialized", nil)
	}
	var payload broadcastPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	req, err := payload.request()
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	}

	res, err := b.Broadcast(c.Request().Context(), req)
	switch {
	case err == nil:
		oprLog(c, "whatsapp_broadcast", fmt.Sprintf("event %s %s: sent %d failed %d", req.EventID, req.Kind, res.Sent, res.Failed))
		return ok(c, res)
	case errors.Is(err, notify.ErrInvalidRequest):
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", err.Error(), nil)
	case errors.Is(err, notify.ErrAlreadySent):
		return fail(c, http.StatusConflict, "ALREADY_SENT", "Reminder already sent today", nil)
	case errors.Is(err, notify.ErrNotReady):
		return fail(c, http.StatusServiceUnavailable, "WA_NOT_CONNECTED", "WhatsApp not connected. Please scan QR code first.", nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fail(c, http.StatusGatewayTimeout, "BROADCAST_INTERRUPTED", "Broadcast interrupted", res)
	default:
		return fail(c, http.StatusInternalServerError, "BROADCAST_FAILED", "Failed to broadcast reminder", err.Error())
	}
}

func listNotifyLogs(c echo.Context) error {
	page, pageSize := parsePagination(c)

	base := GetDB(c).Model(&domain.WhatsAppNotificationLog{})
	if eventID := strings.TrimSpace(c.QueryParam("event_id")); eventID != "" {
		base = base.Where("event_id = ?", eventID)
	}
	if kind := strings.TrimSpace(c.QueryParam("notif_type")); kind != "" {
		base = base.Where("notif_type = ?", kind)
	}

	var total int64
	if err := base.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query notification log", err.Error())
	}
	var rows []domain.WhatsAppNotificationLog
	if err := base.Order("created_at DESC").Order("id DESC").
		Offset((page - 1) * pageSize).Limit(pageSize).Find(&rows).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query notification log", err.Error())
	}
	return paged(c, rows, total, page, pageSize)
}

func exportNotifyLogs(c echo.Context) error {
	repo := GetAppContext(c).NotifyLog()
	if repo == nil {
		return fail(c, http.StatusServiceUnavailable, "NOT_INITIALIZED", "Notification log not initialized", nil)
	}
	rows, err := repo.List(c.Request().Context(), 0)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query notification log", err.Error())
	}
	c.Response().Header().Set(echo.HeaderContentType, "text/csv; charset=utf-8")
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="whatsapp_notification_log.csv"`)
	c.Response().WriteHeader(http.StatusOK)
	return notify.WriteCSV(c.Response(), rows)
}
