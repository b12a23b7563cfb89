// locks_test.go: unit tests for document lock persistence
package datastore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// setupLockTestDB creates an in-memory SQLite database for testing
func setupLockTestDB(t *testing.T) *DataStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err, "Failed to create test database")

	err = db.AutoMigrate(&DocumentLock{})
	require.NoError(t, err, "Failed to migrate schema")

	return &DataStore{DB: db}
}

func testLock(tenant, docType, docID, user string, expiresAt time.Time) *DocumentLock {
	now := expiresAt.Add(-5 * time.Minute)
	return &DocumentLock{
		TenantID:      tenant,
		DocumentType:  docType,
		DocumentID:    docID,
		LockedByID:    user,
		LockedAt:      now,
		ExpiresAt:     expiresAt,
		LastHeartbeat: now,
	}
}

func TestCreateAndGetDocumentLock(t *testing.T) {
	ds := setupLockTestDB(t)
	ctx := context.Background()
	expiry := time.Now().Add(5 * time.Minute).UTC()

	require.NoError(t, ds.CreateDocumentLock(ctx, testLock("t1", DocumentTypeOrder, "order-1", "u-1", expiry)))

	lock, err := ds.GetDocumentLock(ctx, "t1", DocumentTypeOrder, "order-1")
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, "u-1", lock.LockedByID)
	assert.WithinDuration(t, expiry, lock.ExpiresAt, time.Second)

	missing, err := ds.GetDocumentLock(ctx, "t1", DocumentTypeOrder, "order-2")
	require.NoError(t, err)
	assert.Nil(t, missing, "absent lock should read as nil, not error")
}

func TestUniqueIndexRejectsSecondLock(t *testing.T) {
	ds := setupLockTestDB(t)
	ctx := context.Background()
	expiry := time.Now().Add(5 * time.Minute)

	require.NoError(t, ds.CreateDocumentLock(ctx, testLock("t1", DocumentTypeCuttingPlan, "plan-7", "u-1", expiry)))

	err := ds.CreateDocumentLock(ctx, testLock("t1", DocumentTypeCuttingPlan, "plan-7", "u-2", expiry))
	require.ErrorIs(t, err, ErrLockExists, "second insert on the same key must lose to the unique index")

	// Same document id under another tenant or type is a different key.
	require.NoError(t, ds.CreateDocumentLock(ctx, testLock("t2", DocumentTypeCuttingPlan, "plan-7", "u-2", expiry)))
	require.NoError(t, ds.CreateDocumentLock(ctx, testLock("t1", DocumentTypeOrder, "plan-7", "u-2", expiry)))
}

func TestDeleteDocumentLockIsIdempotent(t *testing.T) {
	ds := setupLockTestDB(t)
	ctx := context.Background()

	require.NoError(t, ds.CreateDocumentLock(ctx, testLock("t1", DocumentTypeStockItem, "s-1", "u-1", time.Now().Add(time.Minute))))
	require.NoError(t, ds.DeleteDocumentLock(ctx, "t1", DocumentTypeStockItem, "s-1"))
	require.NoError(t, ds.DeleteDocumentLock(ctx, "t1", DocumentTypeStockItem, "s-1"))

	lock, err := ds.GetDocumentLock(ctx, "t1", DocumentTypeStockItem, "s-1")
	require.NoError(t, err)
	assert.Nil(t, lock)
}

func TestUpdateLockHeartbeat(t *testing.T) {
	ds := setupLockTestDB(t)
	ctx := context.Background()
	created := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, ds.CreateDocumentLock(ctx, testLock("t1", DocumentTypeCuttingJob, "job-3", "u-1", created.Add(5*time.Minute))))

	newHeartbeat := created.Add(time.Minute)
	newExpiry := created.Add(6 * time.Minute)
	require.NoError(t, ds.UpdateLockHeartbeat(ctx, "t1", DocumentTypeCuttingJob, "job-3", newHeartbeat, newExpiry))

	lock, err := ds.GetDocumentLock(ctx, "t1", DocumentTypeCuttingJob, "job-3")
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.WithinDuration(t, newHeartbeat, lock.LastHeartbeat, time.Second)
	assert.WithinDuration(t, newExpiry, lock.ExpiresAt, time.Second)
	assert.Equal(t, "u-1", lock.LockedByID, "heartbeat must not change ownership")
}

func TestDeleteExpiredLocks(t *testing.T) {
	ds := setupLockTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, ds.CreateDocumentLock(ctx, testLock("t1", DocumentTypeOrder, "o-1", "u-1", now.Add(-time.Second))))
	require.NoError(t, ds.CreateDocumentLock(ctx, testLock("t1", DocumentTypeOrder, "o-2", "u-1", now.Add(time.Minute))))
	require.NoError(t, ds.CreateDocumentLock(ctx, testLock("t2", DocumentTypeCuttingPlan, "p-1", "u-2", now.Add(time.Hour))))

	reaped, err := ds.DeleteExpiredLocks(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reaped, "exactly the lapsed lock should be reaped")

	survivor, err := ds.GetDocumentLock(ctx, "t1", DocumentTypeOrder, "o-2")
	require.NoError(t, err)
	assert.NotNil(t, survivor)
}

func TestGetUserDocumentLocks(t *testing.T) {
	ds := setupLockTestDB(t)
	ctx := context.Background()
	expiry := time.Now().Add(5 * time.Minute)

	require.NoError(t, ds.CreateDocumentLock(ctx, testLock("t1", DocumentTypeOrder, "o-1", "u-1", expiry)))
	require.NoError(t, ds.CreateDocumentLock(ctx, testLock("t1", DocumentTypeCuttingPlan, "p-1", "u-1", expiry)))
	require.NoError(t, ds.CreateDocumentLock(ctx, testLock("t1", DocumentTypeOrder, "o-2", "u-2", expiry)))
	require.NoError(t, ds.CreateDocumentLock(ctx, testLock("t2", DocumentTypeOrder, "o-3", "u-1", expiry)))

	locks, err := ds.GetUserDocumentLocks(ctx, "t1", "u-1")
	require.NoError(t, err)
	require.Len(t, locks, 2, "only u-1's locks within t1")
	for _, lock := range locks {
		assert.Equal(t, "u-1", lock.LockedByID)
		assert.Equal(t, "t1", lock.TenantID)
	}
}

func TestValidDocumentType(t *testing.T) {
	for _, docType := range []string{
		DocumentTypeCuttingPlan,
		DocumentTypeOptimizationScenario,
		DocumentTypeOrder,
		DocumentTypeCuttingJob,
		DocumentTypeStockItem,
	} {
		assert.True(t, ValidDocumentType(docType), docType)
	}
	assert.False(t, ValidDocumentType("invoice"))
	assert.False(t, ValidDocumentType(""))
}
