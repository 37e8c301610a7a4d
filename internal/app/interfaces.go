package app

import (
	"context"

	"github.com/kelurahan-dev/jadwal/config"
	"github.com/kelurahan-dev/jadwal/internal/notify"
	"github.com/kelurahan-dev/jadwal/internal/whatsapp"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// DBProvider provides database access
type DBProvider interface {
	DB() *gorm.DB
}

// ConfigProvider provides application configuration
type ConfigProvider interface {
	Config() *config.AppConfig
}

// SchedulerProvider provides task scheduling capability
type SchedulerProvider interface {
	Scheduler() *cron.Cron
}

// WhatsAppSession is the session control surface of the multidevice transport.
type WhatsAppSession interface {
	whatsapp.Sender
	Status() whatsapp.Status
	PendingQR() string
	Initialize(ctx context.Context) error
	ResetSession(ctx context.Context) error
}

// WhatsAppProvider provides the outbound sender and, for the multidevice
// transport, the session it sends through.
type WhatsAppProvider interface {
	Sender() whatsapp.Sender
	// WhatsApp returns nil when the cloudapi transport is configured
	WhatsApp() WhatsAppSession
}

// NotifyProvider provides the reminder broadcaster and its log
type NotifyProvider interface {
	Broadcaster() *notify.Broadcaster
	NotifyLog() notify.LogRepository
}

// AppContext combines all provider interfaces for full application context
// Services should depend on specific providers or this combined interface
type AppContext interface {
	DBProvider
	ConfigProvider
	SchedulerProvider
	WhatsAppProvider
	NotifyProvider

	MigrateDB(track bool) error
	// OprLog records an operator action in sys_opr_log
	OprLog(operator, ip, action, desc string)
}
