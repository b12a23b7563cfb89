// locks.go implements the document lock persistence operations.
package datastore

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/opticut/collab/internal/errors"
)

// GetDocumentLock retrieves the lock row for a document key. It returns
// (nil, nil) when no row exists; expiry interpretation is the caller's job.
func (ds *DataStore) GetDocumentLock(ctx context.Context, tenantID, documentType, documentID string) (*DocumentLock, error) {
	var lock DocumentLock
	err := ds.DB.WithContext(ctx).
		Where("tenant_id = ? AND document_type = ? AND document_id = ?", tenantID, documentType, documentID).
		First(&lock).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, dbError(err, "get_document_lock", "",
			"tenant_id", tenantID, "document_type", documentType, "document_id", documentID)
	}
	return &lock, nil
}

// CreateDocumentLock inserts a new lock row. A row already occupying the
// document key surfaces as ErrLockExists so the caller can treat the lost
// insert race as contention.
func (ds *DataStore) CreateDocumentLock(ctx context.Context, lock *DocumentLock) error {
	if err := ds.DB.WithContext(ctx).Create(lock).Error; err != nil {
		if isDuplicateKey(err) {
			return ErrLockExists
		}
		return dbError(err, "create_document_lock", errors.PriorityHigh,
			"tenant_id", lock.TenantID, "document_type", lock.DocumentType, "document_id", lock.DocumentID)
	}
	return nil
}

// DeleteDocumentLock removes the lock row for a document key. Deleting an
// absent row is not an error.
func (ds *DataStore) DeleteDocumentLock(ctx context.Context, tenantID, documentType, documentID string) error {
	err := ds.DB.WithContext(ctx).
		Where("tenant_id = ? AND document_type = ? AND document_id = ?", tenantID, documentType, documentID).
		Delete(&DocumentLock{}).Error
	if err != nil {
		return dbError(err, "delete_document_lock", "",
			"tenant_id", tenantID, "document_type", documentType, "document_id", documentID)
	}
	return nil
}

// UpdateLockHeartbeat refreshes the heartbeat and expiry of an existing lock
// row in place.
func (ds *DataStore) UpdateLockHeartbeat(ctx context.Context, tenantID, documentType, documentID string, heartbeat, expiresAt time.Time) error {
	err := ds.DB.WithContext(ctx).
		Model(&DocumentLock{}).
		Where("tenant_id = ? AND document_type = ? AND document_id = ?", tenantID, documentType, documentID).
		Updates(map[string]any{
			"last_heartbeat": heartbeat,
			"expires_at":     expiresAt,
		}).Error
	if err != nil {
		return dbError(err, "update_lock_heartbeat", "",
			"tenant_id", tenantID, "document_type", documentType, "document_id", documentID)
	}
	return nil
}

// DeleteExpiredLocks removes every lock row whose lease lapsed before now and
// returns the number of rows reaped.
func (ds *DataStore) DeleteExpiredLocks(ctx context.Context, now time.Time) (int64, error) {
	result := ds.DB.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&DocumentLock{})
	if result.Error != nil {
		return 0, dbError(result.Error, "delete_expired_locks", errors.PriorityHigh)
	}
	return result.RowsAffected, nil
}

// GetUserDocumentLocks returns every lock a user holds within a tenant,
// expired rows included; callers filter by validity where it matters.
func (ds *DataStore) GetUserDocumentLocks(ctx context.Context, tenantID, userID string) ([]DocumentLock, error) {
	var locks []DocumentLock
	err := ds.DB.WithContext(ctx).
		Where("tenant_id = ? AND locked_by_id = ?", tenantID, userID).
		Find(&locks).Error
	if err != nil {
		return nil, dbError(err, "get_user_document_locks", "",
			"tenant_id", tenantID, "user_id", userID)
	}
	return locks, nil
}
