package meow

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.uber.org/zap"
)

// Dialect maps the application database type to the protocol store dialect.
func Dialect(dbType string) (string, error) {
	switch dbType {
	case "postgres", "postgresql":
		return "postgres", nil
	case "sqlite", "sqlite3":
		return "sqlite3", nil
	default:
		return "", errors.Errorf("whatsapp: database type %q is not supported by the protocol store", dbType)
	}
}

// OpenContainer prepares the protocol store tables (signal sessions, pre-keys,
// app state) in the application database and runs their migrations.
func OpenContainer(ctx context.Context, db *sql.DB, dbType string) (*sqlstore.Container, error) {
	dialect, err := Dialect(dbType)
	if err != nil {
		return nil, err
	}
	if dialect == "sqlite3" {
		// the protocol store migrations need foreign keys
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
			zap.L().Warn("whatsapp: enable sqlite foreign keys failed", zap.Error(err))
		}
	}
	container := sqlstore.NewWithDB(db, dialect, NewLogger("whatsmeow-db"))
	if err := container.Upgrade(ctx); err != nil {
		return nil, errors.Wrap(err, "whatsapp: upgrade protocol store")
	}
	return container, nil
}
