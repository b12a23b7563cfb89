// interfaces.go defines the interface for the database operations
package datastore

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/opticut/collab/internal/conf"
	"github.com/opticut/collab/internal/logging"
)

// Interface abstracts the underlying database implementation and defines the
// operations the collaboration services need from the lock store.
type Interface interface {
	Open() error
	Close() error

	// Document lock operations, keyed by (tenant, document type, document id).
	GetDocumentLock(ctx context.Context, tenantID, documentType, documentID string) (*DocumentLock, error)
	CreateDocumentLock(ctx context.Context, lock *DocumentLock) error
	DeleteDocumentLock(ctx context.Context, tenantID, documentType, documentID string) error
	UpdateLockHeartbeat(ctx context.Context, tenantID, documentType, documentID string, heartbeat, expiresAt time.Time) error
	DeleteExpiredLocks(ctx context.Context, now time.Time) (int64, error)
	GetUserDocumentLocks(ctx context.Context, tenantID, userID string) ([]DocumentLock, error)
}

// DataStore implements Interface using a GORM database.
type DataStore struct {
	DB *gorm.DB
}

// New creates a store instance based on the configured output.
func New(settings *conf.Settings) Interface {
	switch {
	case settings.Output.SQLite.Enabled:
		return &SQLiteStore{Settings: settings}
	case settings.Output.MySQL.Enabled:
		return &MySQLStore{Settings: settings}
	default:
		return nil
	}
}

// performAutoMigration runs schema migration for the lock table.
func performAutoMigration(db *gorm.DB, debug bool, dbType, connectionInfo string) error {
	if err := db.AutoMigrate(&DocumentLock{}); err != nil {
		return dbError(err, "auto_migrate", "", "db_type", dbType)
	}
	if debug {
		logging.Debug("database connection established", "db_type", dbType, "connection", connectionInfo)
	}
	return nil
}

// createGormLogger returns a gorm logger that stays quiet outside of errors.
func createGormLogger() logger.Interface {
	return logger.Default.LogMode(logger.Error)
}
