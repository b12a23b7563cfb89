package locking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/opticut/collab/internal/clock"
	"github.com/opticut/collab/internal/datastore"
	"github.com/opticut/collab/internal/errors"
	"github.com/opticut/collab/internal/events"
)

// capturePublisher records broadcast events for assertions.
type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *capturePublisher) TryPublish(e events.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return true
}

func (p *capturePublisher) byType(eventType string) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, e := range p.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// testStore adapts an already-open gorm handle to the full store interface;
// the fixture owns the connection lifecycle, so Open and Close are no-ops.
type testStore struct {
	*datastore.DataStore
}

func (testStore) Open() error  { return nil }
func (testStore) Close() error { return nil }

type lockFixture struct {
	service *Service
	store   testStore
	clk     *clock.Manual
	bus     *capturePublisher
}

func setupLockService(t *testing.T) *lockFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&datastore.DocumentLock{}))

	store := testStore{&datastore.DataStore{DB: db}}
	clk := clock.NewManual(time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC))
	bus := &capturePublisher{}

	service := New(Config{
		Store:  store,
		Events: bus,
		Clock:  clk,
	})
	return &lockFixture{service: service, store: store, clk: clk, bus: bus}
}

func (f *lockFixture) rowCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.store.DB.Model(&datastore.DocumentLock{}).Count(&count).Error)
	return count
}

func TestAcquireLock(t *testing.T) {
	f := setupLockService(t)
	ctx := context.Background()

	result, err := f.service.AcquireLock(ctx, "t1", datastore.DocumentTypeOrder, "order-1", "alice", map[string]string{"session": "s-1"})
	require.NoError(t, err)
	require.Equal(t, StatusAcquired, result.Status)
	require.NotNil(t, result.Lock)
	assert.Equal(t, "alice", result.Lock.LockedBy)
	assert.Equal(t, f.clk.Now().Add(DefaultLeaseDuration), result.Lock.ExpiresAt)
	assert.Equal(t, map[string]string{"session": "s-1"}, result.Lock.Metadata)

	acquired := f.bus.byType(events.EventLockAcquired)
	require.Len(t, acquired, 1)
	assert.Equal(t, "t1", acquired[0].TenantID)
	payload, ok := acquired[0].Payload.(events.LockAcquiredPayload)
	require.True(t, ok)
	assert.Equal(t, "alice", payload.LockedBy)
	assert.Equal(t, "order-1", payload.DocumentID)
}

func TestAcquireLockValidation(t *testing.T) {
	f := setupLockService(t)
	ctx := context.Background()

	_, err := f.service.AcquireLock(ctx, "", datastore.DocumentTypeOrder, "o-1", "alice", nil)
	assert.True(t, errors.HasCategory(err, errors.CategoryValidation))

	_, err = f.service.AcquireLock(ctx, "t1", "invoice", "o-1", "alice", nil)
	assert.True(t, errors.HasCategory(err, errors.CategoryValidation))

	_, err = f.service.AcquireLock(ctx, "t1", datastore.DocumentTypeOrder, "o-1", "", nil)
	assert.True(t, errors.HasCategory(err, errors.CategoryValidation))
}

func TestIdempotentSelfAcquisition(t *testing.T) {
	f := setupLockService(t)
	ctx := context.Background()

	first, err := f.service.AcquireLock(ctx, "t1", datastore.DocumentTypeOrder, "order-1", "alice", nil)
	require.NoError(t, err)
	require.Equal(t, StatusAcquired, first.Status)

	f.clk.Advance(2 * time.Minute)

	second, err := f.service.AcquireLock(ctx, "t1", datastore.DocumentTypeOrder, "order-1", "alice", nil)
	require.NoError(t, err)
	require.Equal(t, StatusAcquired, second.Status)
	assert.True(t, second.Lock.ExpiresAt.After(first.Lock.ExpiresAt),
		"re-acquisition by the owner must extend the lease")
	assert.Equal(t, int64(1), f.rowCount(t), "no second row for the same key")
}

func TestContention(t *testing.T) {
	f := setupLockService(t)
	ctx := context.Background()

	first, err := f.service.AcquireLock(ctx, "t1", datastore.DocumentTypeCuttingPlan, "plan-7", "alice", nil)
	require.NoError(t, err)
	require.Equal(t, StatusAcquired, first.Status)

	result, err := f.service.AcquireLock(ctx, "t1", datastore.DocumentTypeCuttingPlan, "plan-7", "bob", nil)
	require.NoError(t, err, "contention is an expected outcome, not an error")
	require.Equal(t, StatusAlreadyLocked, result.Status)
	require.NotNil(t, result.Lock, "conflict must carry the holder so callers can render it")
	assert.Equal(t, "alice", result.Lock.LockedBy)
	assert.WithinDuration(t, first.Lock.ExpiresAt, result.Lock.ExpiresAt, time.Second)

	assert.Len(t, f.bus.byType(events.EventLockAcquired), 1, "a refused acquire broadcasts nothing")
}

func TestExpiryReclamation(t *testing.T) {
	f := setupLockService(t)
	ctx := context.Background()

	_, err := f.service.AcquireLock(ctx, "t1", datastore.DocumentTypeCuttingPlan, "plan-7", "alice", nil)
	require.NoError(t, err)

	f.clk.Advance(5*time.Minute + time.Second)

	result, err := f.service.AcquireLock(ctx, "t1", datastore.DocumentTypeCuttingPlan, "plan-7", "bob", nil)
	require.NoError(t, err)
	require.Equal(t, StatusAcquired, result.Status)
	assert.Equal(t, "bob", result.Lock.LockedBy)
	assert.Equal(t, int64(1), f.rowCount(t), "stale row is deleted, then recreated")
}

func TestReleaseAuthorization(t *testing.T) {
	f := setupLockService(t)
	ctx := context.Background()

	_, err := f.service.AcquireLock(ctx, "t1", datastore.DocumentTypeOrder, "order-1", "alice", nil)
	require.NoError(t, err)

	released, err := f.service.ReleaseLock(ctx, "t1", datastore.DocumentTypeOrder, "order-1", "bob")
	require.NoError(t, err)
	assert.False(t, released, "non-owner release is refused")

	info, err := f.service.GetLockStatus(ctx, "t1", datastore.DocumentTypeOrder, "order-1")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "alice", info.LockedBy, "denied release must not mutate state")

	released, err = f.service.ReleaseLock(ctx, "t1", datastore.DocumentTypeOrder, "order-1", "alice")
	require.NoError(t, err)
	assert.True(t, released)

	info, err = f.service.GetLockStatus(ctx, "t1", datastore.DocumentTypeOrder, "order-1")
	require.NoError(t, err)
	assert.Nil(t, info)

	require.Len(t, f.bus.byType(events.EventLockReleased), 1)
}

func TestReleaseAbsentLockIsIdempotent(t *testing.T) {
	f := setupLockService(t)

	released, err := f.service.ReleaseLock(context.Background(), "t1", datastore.DocumentTypeOrder, "never-locked", "alice")
	require.NoError(t, err)
	assert.True(t, released)
	assert.Empty(t, f.bus.byType(events.EventLockReleased), "nothing deleted, nothing broadcast")
}

func TestReleaseExpiredLockIsIdempotent(t *testing.T) {
	f := setupLockService(t)
	ctx := context.Background()

	_, err := f.service.AcquireLock(ctx, "t1", datastore.DocumentTypeOrder, "order-1", "alice", nil)
	require.NoError(t, err)

	f.clk.Advance(5*time.Minute + time.Second)

	// The lease has lapsed, so the row reads as no lock for any caller, even
	// one who never held it.
	released, err := f.service.ReleaseLock(ctx, "t1", datastore.DocumentTypeOrder, "order-1", "bob")
	require.NoError(t, err)
	assert.True(t, released, "releasing an expired lock is the absent-lock path")
	assert.Equal(t, int64(0), f.rowCount(t), "the stale row is reaped")
	assert.Empty(t, f.bus.byType(events.EventLockReleased), "no broadcast for a lock that was already gone")

	released, err = f.service.ReleaseLock(ctx, "t1", datastore.DocumentTypeOrder, "order-1", "alice")
	require.NoError(t, err)
	assert.True(t, released)
}

func TestForceReleaseLock(t *testing.T) {
	f := setupLockService(t)
	ctx := context.Background()

	_, err := f.service.AcquireLock(ctx, "t1", datastore.DocumentTypeCuttingJob, "job-1", "alice", nil)
	require.NoError(t, err)

	forced, err := f.service.ForceReleaseLock(ctx, "t1", datastore.DocumentTypeCuttingJob, "job-1")
	require.NoError(t, err)
	assert.True(t, forced)

	info, err := f.service.GetLockStatus(ctx, "t1", datastore.DocumentTypeCuttingJob, "job-1")
	require.NoError(t, err)
	assert.Nil(t, info)
	require.Len(t, f.bus.byType(events.EventLockReleased), 1)
}

func TestRefreshLock(t *testing.T) {
	f := setupLockService(t)
	ctx := context.Background()

	_, err := f.service.AcquireLock(ctx, "t1", datastore.DocumentTypeOrder, "order-1", "alice", nil)
	require.NoError(t, err)

	f.clk.Advance(4 * time.Minute)
	ok, err := f.service.RefreshLock(ctx, "t1", datastore.DocumentTypeOrder, "order-1", "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	info, err := f.service.GetLockStatus(ctx, "t1", datastore.DocumentTypeOrder, "order-1")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.WithinDuration(t, f.clk.Now().Add(DefaultLeaseDuration), info.ExpiresAt, time.Second)

	ok, err = f.service.RefreshLock(ctx, "t1", datastore.DocumentTypeOrder, "order-1", "bob")
	require.NoError(t, err)
	assert.False(t, ok, "heartbeat from a non-owner must fail")

	f.clk.Advance(6 * time.Minute)
	ok, err = f.service.RefreshLock(ctx, "t1", datastore.DocumentTypeOrder, "order-1", "alice")
	require.NoError(t, err)
	assert.False(t, ok, "heartbeat on a lapsed lease must fail")
}

func TestCanEdit(t *testing.T) {
	f := setupLockService(t)
	ctx := context.Background()

	ok, err := f.service.CanEdit(ctx, "t1", datastore.DocumentTypeOrder, "order-1", "bob")
	require.NoError(t, err)
	assert.True(t, ok, "unlocked document is editable")

	_, err = f.service.AcquireLock(ctx, "t1", datastore.DocumentTypeOrder, "order-1", "alice", nil)
	require.NoError(t, err)

	ok, err = f.service.CanEdit(ctx, "t1", datastore.DocumentTypeOrder, "order-1", "alice")
	require.NoError(t, err)
	assert.True(t, ok, "holder can edit")

	ok, err = f.service.CanEdit(ctx, "t1", datastore.DocumentTypeOrder, "order-1", "bob")
	require.NoError(t, err)
	assert.False(t, ok, "others cannot edit while the lease is valid")

	locked, err := f.service.IsLocked(ctx, "t1", datastore.DocumentTypeOrder, "order-1")
	require.NoError(t, err)
	assert.True(t, locked)

	f.clk.Advance(5*time.Minute + time.Second)

	ok, err = f.service.CanEdit(ctx, "t1", datastore.DocumentTypeOrder, "order-1", "bob")
	require.NoError(t, err)
	assert.True(t, ok, "an expired lock reads as no lock")

	locked, err = f.service.IsLocked(ctx, "t1", datastore.DocumentTypeOrder, "order-1")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestCleanupExpiredLocks(t *testing.T) {
	f := setupLockService(t)
	ctx := context.Background()

	_, err := f.service.AcquireLock(ctx, "t1", datastore.DocumentTypeOrder, "o-1", "alice", nil)
	require.NoError(t, err)

	f.clk.Advance(4 * time.Minute)
	_, err = f.service.AcquireLock(ctx, "t1", datastore.DocumentTypeOrder, "o-2", "bob", nil)
	require.NoError(t, err)
	_, err = f.service.AcquireLock(ctx, "t2", datastore.DocumentTypeStockItem, "s-1", "carol", nil)
	require.NoError(t, err)

	// Only the first lease has lapsed.
	f.clk.Advance(90 * time.Second)

	reaped, err := f.service.CleanupExpiredLocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reaped)
	assert.Equal(t, int64(2), f.rowCount(t))
}

func TestReleaseAllUserLocks(t *testing.T) {
	f := setupLockService(t)
	ctx := context.Background()

	_, err := f.service.AcquireLock(ctx, "t1", datastore.DocumentTypeOrder, "o-1", "alice", nil)
	require.NoError(t, err)
	_, err = f.service.AcquireLock(ctx, "t1", datastore.DocumentTypeCuttingPlan, "p-1", "alice", nil)
	require.NoError(t, err)
	_, err = f.service.AcquireLock(ctx, "t1", datastore.DocumentTypeOrder, "o-2", "bob", nil)
	require.NoError(t, err)

	locks, err := f.service.GetUserLocks(ctx, "t1", "alice")
	require.NoError(t, err)
	assert.Len(t, locks, 2)

	released, err := f.service.ReleaseAllUserLocks(ctx, "t1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, released)
	assert.Len(t, f.bus.byType(events.EventLockReleased), 2, "one release broadcast per document")

	locks, err = f.service.GetUserLocks(ctx, "t1", "alice")
	require.NoError(t, err)
	assert.Empty(t, locks)

	// Bob's lock is untouched.
	info, err := f.service.GetLockStatus(ctx, "t1", datastore.DocumentTypeOrder, "o-2")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "bob", info.LockedBy)
}

func TestReleaseAllUserLocksSkipsExpiredRows(t *testing.T) {
	f := setupLockService(t)
	ctx := context.Background()

	_, err := f.service.AcquireLock(ctx, "t1", datastore.DocumentTypeOrder, "o-1", "alice", nil)
	require.NoError(t, err)
	f.clk.Advance(4 * time.Minute)
	_, err = f.service.AcquireLock(ctx, "t1", datastore.DocumentTypeCuttingPlan, "p-1", "alice", nil)
	require.NoError(t, err)

	// o-1 has lapsed, p-1 is still valid.
	f.clk.Advance(90 * time.Second)

	released, err := f.service.ReleaseAllUserLocks(ctx, "t1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, released, "only the valid lock counts as released")
	assert.Len(t, f.bus.byType(events.EventLockReleased), 1, "no broadcast for the expired row")
	assert.Equal(t, int64(0), f.rowCount(t), "both rows are gone, the stale one quietly")
}

// raceStore delegates to the real store but reports a lost insert race on the
// first create, simulating a concurrent writer beating us to the unique index.
type raceStore struct {
	datastore.Interface
	real  *datastore.DataStore
	raced bool
}

func (r *raceStore) CreateDocumentLock(ctx context.Context, lock *datastore.DocumentLock) error {
	if !r.raced {
		r.raced = true
		winner := *lock
		winner.LockedByID = "carol"
		if err := r.real.CreateDocumentLock(ctx, &winner); err != nil {
			return err
		}
		return datastore.ErrLockExists
	}
	return r.real.CreateDocumentLock(ctx, lock)
}

func TestLostInsertRaceReportsWinner(t *testing.T) {
	f := setupLockService(t)
	ctx := context.Background()

	race := &raceStore{Interface: f.store, real: f.store.DataStore}
	service := New(Config{Store: race, Events: f.bus, Clock: f.clk})

	result, err := service.AcquireLock(ctx, "t1", datastore.DocumentTypeOrder, "order-1", "alice", nil)
	require.NoError(t, err)
	require.Equal(t, StatusAlreadyLocked, result.Status)
	require.NotNil(t, result.Lock)
	assert.Equal(t, "carol", result.Lock.LockedBy, "the insert-race winner is reported as the holder")
	assert.Empty(t, f.bus.byType(events.EventLockAcquired), "the loser broadcasts nothing")
}

// TestLeaseScenario walks the end-to-end contention timeline: acquire at t=0,
// conflicting acquire at t=1s, reclamation at t=301s.
func TestLeaseScenario(t *testing.T) {
	f := setupLockService(t)
	ctx := context.Background()
	start := f.clk.Now()

	result, err := f.service.AcquireLock(ctx, "T1", datastore.DocumentTypeCuttingPlan, "plan-7", "A", nil)
	require.NoError(t, err)
	require.Equal(t, StatusAcquired, result.Status)

	f.clk.Advance(time.Second)
	result, err = f.service.AcquireLock(ctx, "T1", datastore.DocumentTypeCuttingPlan, "plan-7", "B", nil)
	require.NoError(t, err)
	require.Equal(t, StatusAlreadyLocked, result.Status)
	assert.Equal(t, "A", result.Lock.LockedBy)
	assert.WithinDuration(t, start.Add(300*time.Second), result.Lock.ExpiresAt, time.Second)

	f.clk.Advance(300 * time.Second) // now at t=301s
	result, err = f.service.AcquireLock(ctx, "T1", datastore.DocumentTypeCuttingPlan, "plan-7", "B", nil)
	require.NoError(t, err)
	require.Equal(t, StatusAcquired, result.Status)
	assert.Equal(t, "B", result.Lock.LockedBy)
}
