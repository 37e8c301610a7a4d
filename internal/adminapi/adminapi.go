// Package adminapi implements the /api/v1 admin endpoints.
package adminapi

import (
	"net/http"
	"strconv"

	"github.com/kelurahan-dev/jadwal/internal/app"
	"github.com/kelurahan-dev/jadwal/internal/notify"
	"github.com/kelurahan-dev/jadwal/internal/webserver"
	"github.com/kelurahan-dev/jadwal/pkg/metrics"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const appContextKey = "appctx"

// Init binds appCtx to every request and registers the admin routes.
// webserver.Init must have been called.
func Init(appCtx app.AppContext) {
	webserver.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(appContextKey, appCtx)
			return next(c)
		}
	})
	registerWhatsAppRoutes()
	registerNotifyRoutes()
	registerOprLogRoutes()
	registerCollectors(appCtx)
}

func registerCollectors(appCtx app.AppContext) {
	webserver.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "jadwal",
			Name:      "whatsapp_connected",
			Help:      "1 while the WhatsApp sender can deliver messages.",
		}, func() float64 {
			if s := appCtx.Sender(); s != nil && s.IsConnected() {
				return 1
			}
			return 0
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "jadwal",
			Name:      "notify_sent_total",
			Help:      "Reminder messages delivered by broadcasts.",
		}, func() float64 { return float64(metrics.Counter(notify.MetricSent)) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "jadwal",
			Name:      "notify_failed_total",
			Help:      "Reminder messages that failed during broadcasts.",
		}, func() float64 { return float64(metrics.Counter(notify.MetricFailed)) }),
	)
}

func GetAppContext(c echo.Context) app.AppContext {
	return c.Get(appContextKey).(app.AppContext)
}

func GetDB(c echo.Context) *gorm.DB {
	return GetAppContext(c).DB().WithContext(c.Request().Context())
}

// oprLog records the action with the token subject of the request.
func oprLog(c echo.Context, action, desc string) {
	GetAppContext(c).OprLog(webserver.Operator(c), c.RealIP(), action, desc)
}

type ErrorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"data": data})
}

func fail(c echo.Context, status int, code, message string, details interface{}) error {
	return c.JSON(status, ErrorResponse{Error: code, Message: message, Details: details})
}

func paged(c echo.Context, data interface{}, total int64, page, pageSize int) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":     data,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
	})
}

// parsePagination reads page and perPage (or the older pageSize) query params.
func parsePagination(c echo.Context) (int, int) {
	page, _ := strconv.Atoi(c.QueryParam("page"))
	if page < 1 {
		page = 1
	}
	size, _ := strconv.Atoi(c.QueryParam("perPage"))
	if size == 0 {
		size, _ = strconv.Atoi(c.QueryParam("pageSize"))
	}
	if size < 1 || size > 500 {
		size = 20
	}
	return page, size
}
