package app

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelurahan-dev/jadwal/config"
	"github.com/kelurahan-dev/jadwal/internal/domain"
	"github.com/kelurahan-dev/jadwal/pkg/common"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func getDatabase(cfg config.DBConfig, dataDir string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Type) {
	case "postgres", "postgresql", "":
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable TimeZone=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Passwd, cfg.Name, time.Local.String())
		dialector = postgres.Open(dsn)
	case "sqlite", "sqlite3":
		dialector = sqlite.Open(sqliteDSN(cfg.Name, dataDir))
	default:
		return nil, errors.Errorf("app: unsupported database type %q", cfg.Type)
	}

	level := logger.Warn
	if cfg.Debug {
		level = logger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "app: open %s database", cfg.Type)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "app: database handle")
	}
	sqlDB.SetMaxOpenConns(cfg.MaxConn)
	sqlDB.SetMaxIdleConns(cfg.IdleConn)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// sqliteDSN resolves a relative database name under the data directory.
func sqliteDSN(name, dataDir string) string {
	if name == "" {
		name = "jadwal.db"
	}
	if !strings.HasSuffix(name, ".db") && !strings.HasPrefix(name, "file:") {
		name += ".db"
	}
	if !filepath.IsAbs(name) && !strings.HasPrefix(name, "file:") {
		name = filepath.Join(dataDir, name)
	}
	return "file:" + strings.TrimPrefix(name, "file:") + "?_foreign_keys=on&_busy_timeout=5000"
}

func recordOprLog(db *gorm.DB, operator, ip, action, desc string) {
	if db == nil {
		return
	}
	if operator == "" {
		operator = "system"
	}
	err := db.Create(&domain.SysOprLog{
		ID:        common.UUIDint64(),
		OprName:   operator,
		OprIp:     ip,
		OptAction: action,
		OptDesc:   desc,
		OptTime:   time.Now(),
	}).Error
	if err != nil {
		zap.L().Warn("app: write operator log failed", zap.String("action", action), zap.Error(err))
	}
}
