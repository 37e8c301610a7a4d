package app

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"
	_ "time/tzdata"

	"github.com/asaskevich/EventBus"
	"github.com/kelurahan-dev/jadwal/config"
	"github.com/kelurahan-dev/jadwal/internal/domain"
	"github.com/kelurahan-dev/jadwal/internal/notify"
	"github.com/kelurahan-dev/jadwal/internal/whatsapp"
	"github.com/kelurahan-dev/jadwal/internal/whatsapp/authstate"
	"github.com/kelurahan-dev/jadwal/internal/whatsapp/cloudapi"
	"github.com/kelurahan-dev/jadwal/internal/whatsapp/meow"
	"github.com/kelurahan-dev/jadwal/pkg/metrics"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/gorm"
)

const (
	TransportMultiDevice = "multidevice"
	TransportCloudAPI    = "cloudapi"

	gaugeWhatsAppConnected = "whatsapp_connected"
)

type Application struct {
	appConfig   *config.AppConfig
	gormDB      *gorm.DB
	sched       *cron.Cron
	bus         EventBus.Bus
	manager     *whatsapp.Manager
	sender      whatsapp.Sender
	notifyLog   notify.LogRepository
	broadcaster *notify.Broadcaster
}

// Ensure Application implements all interfaces
var (
	_ DBProvider        = (*Application)(nil)
	_ ConfigProvider    = (*Application)(nil)
	_ SchedulerProvider = (*Application)(nil)
	_ WhatsAppProvider  = (*Application)(nil)
	_ NotifyProvider    = (*Application)(nil)
	_ AppContext        = (*Application)(nil)
)

func NewApplication(appConfig *config.AppConfig) *Application {
	return &Application{appConfig: appConfig, bus: EventBus.New()}
}

func (a *Application) Config() *config.AppConfig {
	return a.appConfig
}

func (a *Application) DB() *gorm.DB {
	return a.gormDB
}

// OverrideDB replaces the application's database handle (used in tests).
func (a *Application) OverrideDB(db *gorm.DB) {
	a.gormDB = db
}

// Scheduler returns the cron scheduler
func (a *Application) Scheduler() *cron.Cron {
	return a.sched
}

func (a *Application) Bus() EventBus.Bus {
	return a.bus
}

func (a *Application) Sender() whatsapp.Sender {
	return a.sender
}

func (a *Application) WhatsApp() WhatsAppSession {
	if a.manager == nil {
		return nil
	}
	return a.manager
}

func (a *Application) Broadcaster() *notify.Broadcaster {
	return a.broadcaster
}

func (a *Application) NotifyLog() notify.LogRepository {
	return a.notifyLog
}

// Init sets up logging, the database, the WhatsApp transport and the jobs.
// It does not connect the WhatsApp session; callers run Initialize once the
// rest of the process is up.
func (a *Application) Init(cfg *config.AppConfig) error {
	loc, err := time.LoadLocation(cfg.System.Location)
	if err != nil {
		zap.S().Error("timezone config error")
	} else {
		time.Local = loc
	}

	InitLogger(cfg)

	// Initialize metrics with workdir convention
	err = metrics.InitMetrics(cfg.System.Workdir)
	if err != nil {
		zap.S().Warn("Failed to initialize metrics:", err)
	}

	if a.gormDB == nil {
		a.gormDB, err = getDatabase(cfg.Database, cfg.GetDataDir())
		if err != nil {
			return err
		}
		zap.S().Infof("Database connection successful, type: %s", cfg.Database.Type)
	}

	if err := a.MigrateDB(false); err != nil {
		zap.S().Errorf("database migration failed: %v", err)
	}

	if err := a.initWhatsApp(context.Background()); err != nil {
		return err
	}
	a.initNotify()
	a.initJob()
	return nil
}

// InitLogger replaces the global zap logger according to cfg.Logger.
func InitLogger(cfg *config.AppConfig) {
	var zapConfig zap.Config
	if cfg.Logger.Mode == "production" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.OutputPaths = []string{"stdout"}

	var logger *zap.Logger
	if cfg.Logger.FileEnable {
		lumberJackLogger := &lumberjack.Logger{
			Filename:   cfg.Logger.Filename,
			MaxSize:    64,
			MaxBackups: 7,
			MaxAge:     7,
			Compress:   false,
		}

		core := zapcore.NewTee(
			zapcore.NewCore(
				zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
				zapcore.AddSync(lumberJackLogger),
				zapConfig.Level,
			),
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
				zapcore.AddSync(os.Stdout),
				zapConfig.Level,
			),
		)
		logger = zap.New(core, zap.AddCaller())
	} else {
		var err error
		logger, err = zapConfig.Build(zap.AddCaller())
		if err != nil {
			panic(err)
		}
	}

	zap.ReplaceGlobals(logger)
}

func (a *Application) initWhatsApp(ctx context.Context) error {
	wa := a.appConfig.WhatsApp
	switch wa.Transport {
	case TransportCloudAPI:
		a.sender = cloudapi.New(wa.CloudAPI, wa.CountryCode, nil)
		zap.L().Info("whatsapp: using the cloud api transport",
			zap.Bool("configured", a.sender.IsConnected()))
		return nil
	case TransportMultiDevice, "":
	default:
		return fmt.Errorf("app: unknown whatsapp transport %q", wa.Transport)
	}

	sqlDB, err := a.gormDB.DB()
	if err != nil {
		return fmt.Errorf("app: whatsapp store: %w", err)
	}
	container, err := meow.OpenContainer(ctx, sqlDB, a.appConfig.Database.Type)
	if err != nil {
		return err
	}
	m, err := whatsapp.NewManager(authstate.NewGormStore(a.gormDB), meow.NewFactory(container, wa.DeviceName), whatsapp.Options{
		SessionID:       wa.SessionID,
		ReconnectDelay:  wa.ReconnectDelay,
		InProgressDelay: wa.InProgressDelay,
		MaxAuthRetries:  wa.MaxAuthRetries,
		CountryCode:     wa.CountryCode,
		KeyWorkers:      wa.KeyWorkers,
		Bus:             a.bus,
		OnStoreError: func(op, key string, err error) {
			zap.L().Error("whatsapp: credential store error",
				zap.String("op", op), zap.String("key", key), zap.Error(err))
		},
	})
	if err != nil {
		return err
	}
	if err := a.bus.Subscribe(whatsapp.TopicState, a.onWhatsAppState); err != nil {
		zap.L().Warn("whatsapp: subscribe state topic failed", zap.Error(err))
	}
	a.manager = m
	a.sender = m
	return nil
}

func (a *Application) onWhatsAppState(st whatsapp.Status) {
	var v int64
	if st.Connected {
		v = 1
	}
	metrics.SetGauge(gaugeWhatsAppConnected, v)
	zap.L().Debug("whatsapp: state changed",
		zap.Stringer("state", st.State),
		zap.Bool("connected", st.Connected),
		zap.Bool("qr", st.QR != ""))
}

func (a *Application) initNotify() {
	n := a.appConfig.Notify
	a.notifyLog = notify.NewGormLogRepository(a.gormDB)
	a.broadcaster = notify.NewBroadcaster(a.sender, a.notifyLog, notify.Options{
		SendInterval:        n.SendInterval,
		ConnectWaitRetries:  n.ConnectWaitRetries,
		ConnectWaitInterval: n.ConnectWaitInterval,
		MaxFailuresReported: n.MaxFailuresReported,
	})
}

// StartWhatsApp connects the session once. Failures are logged and left to
// the session's own reconnect policy, so the process keeps serving.
func (a *Application) StartWhatsApp(ctx context.Context) {
	if a.manager == nil {
		return
	}
	if err := a.manager.Initialize(ctx); err != nil {
		zap.L().Error("whatsapp: initial connect failed", zap.Error(err))
	}
}

func (a *Application) MigrateDB(track bool) (err error) {
	defer func() {
		if err1 := recover(); err1 != nil {
			if os.Getenv("GO_DEGUB_TRACE") != "" {
				debug.PrintStack()
			}
			err2, ok := err1.(error)
			if ok {
				err = err2
				zap.S().Error(err2.Error())
			}
		}
	}()
	db := a.gormDB
	if track {
		db = db.Debug()
	}
	return db.Migrator().AutoMigrate(domain.Tables...)
}

// OprLog records an operator action in sys_opr_log.
func (a *Application) OprLog(operator, ip, action, desc string) {
	recordOprLog(a.gormDB, operator, ip, action, desc)
}

// Release releases application resources
func (a *Application) Release() {
	if a.sched != nil {
		<-a.sched.Stop().Done()
	}
	if a.manager != nil {
		a.manager.Close()
	}
	_ = metrics.Close()
	if a.gormDB != nil {
		if sqlDB, err := a.gormDB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	_ = zap.L().Sync()
}
