package locking

import (
	"context"
	"log/slog"
	"time"

	"github.com/opticut/collab/internal/clock"
	"github.com/opticut/collab/internal/datastore"
	"github.com/opticut/collab/internal/errors"
	"github.com/opticut/collab/internal/events"
	"github.com/opticut/collab/internal/logging"
	"github.com/opticut/collab/internal/observability"
	"github.com/opticut/collab/internal/sweeper"
)

// DefaultLeaseDuration is how long an unrefreshed lock stays valid.
const DefaultLeaseDuration = 5 * time.Minute

// DefaultCleanupInterval is the cadence of the expired-lock sweep.
const DefaultCleanupInterval = time.Minute

// Config assembles the service dependencies.
type Config struct {
	Store           datastore.Interface
	Events          events.Publisher
	Metrics         *observability.LockingMetrics // optional
	Clock           clock.Clock                   // defaults to clock.Real
	LeaseDuration   time.Duration                 // defaults to DefaultLeaseDuration
	CleanupInterval time.Duration                 // defaults to DefaultCleanupInterval
}

// Service implements the document lock operations.
type Service struct {
	store   datastore.Interface
	events  events.Publisher
	metrics *observability.LockingMetrics
	clk     clock.Clock
	lease   time.Duration
	logger  *slog.Logger
	sweep   *sweeper.Sweeper
}

// New constructs the lock service with sane defaults.
func New(cfg Config) *Service {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	lease := cfg.LeaseDuration
	if lease <= 0 {
		lease = DefaultLeaseDuration
	}
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}

	s := &Service{
		store:   cfg.Store,
		events:  cfg.Events,
		metrics: cfg.Metrics,
		clk:     clk,
		lease:   lease,
		logger:  logging.ForService("locking"),
	}
	s.sweep = sweeper.New("expired-locks", interval, func(ctx context.Context) error {
		_, err := s.CleanupExpiredLocks(ctx)
		return err
	})
	return s
}

// Start launches the background expiry sweep.
func (s *Service) Start() {
	s.sweep.Start()
}

// Stop halts the background expiry sweep.
func (s *Service) Stop() {
	s.sweep.Stop()
}

// AcquireLock obtains or refreshes the exclusive edit lease on a document.
// Re-acquisition by the current holder is idempotent and extends the lease.
// Contention yields StatusAlreadyLocked with the holder's identity; storage
// failures yield StatusLockFailed plus the categorized error.
func (s *Service) AcquireLock(ctx context.Context, tenantID, documentType, documentID, userID string, metadata map[string]string) (*LockResult, error) {
	if err := validateKey(tenantID, documentType, documentID); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, validationError("user_id", "required")
	}

	now := s.clk.Now()
	existing, err := s.store.GetDocumentLock(ctx, tenantID, documentType, documentID)
	if err != nil {
		return s.lockFailed("acquire", tenantID, documentType, documentID, err)
	}

	// An expired row is semantically absent. Ownership changes are always
	// delete-then-create, never an in-place owner update.
	if existing != nil && existing.Expired(now) {
		if err := s.store.DeleteDocumentLock(ctx, tenantID, documentType, documentID); err != nil {
			return s.lockFailed("acquire_reap", tenantID, documentType, documentID, err)
		}
		existing = nil
	}

	if existing != nil {
		if existing.LockedByID == userID {
			return s.refreshOwnLock(ctx, existing, now)
		}
		s.countConflict()
		s.logger.Debug("lock.acquire.conflict",
			"tenant", tenantID,
			"document_type", documentType,
			"document_id", documentID,
			"requested_by", userID,
			"held_by", existing.LockedByID,
			"expires_at", existing.ExpiresAt,
		)
		return &LockResult{Status: StatusAlreadyLocked, Lock: infoFromRow(existing)}, nil
	}

	row := &datastore.DocumentLock{
		TenantID:      tenantID,
		DocumentType:  documentType,
		DocumentID:    documentID,
		LockedByID:    userID,
		LockedAt:      now,
		ExpiresAt:     now.Add(s.lease),
		LastHeartbeat: now,
		Metadata:      encodeMetadata(metadata),
	}
	if err := s.store.CreateDocumentLock(ctx, row); err != nil {
		if errors.Is(err, datastore.ErrLockExists) {
			// Lost the insert race: the unique index is the arbiter of
			// mutual exclusion, so report the winner as contention.
			return s.lostInsertRace(ctx, tenantID, documentType, documentID, userID)
		}
		return s.lockFailed("acquire_create", tenantID, documentType, documentID, err)
	}

	if s.metrics != nil {
		s.metrics.AcquisitionsTotal.Inc()
	}
	s.logger.Info("lock.acquired",
		"tenant", tenantID,
		"document_type", documentType,
		"document_id", documentID,
		"user", userID,
		"expires_at", row.ExpiresAt,
	)
	s.publish(events.EventLockAcquired, tenantID, events.LockAcquiredPayload{
		DocumentType: documentType,
		DocumentID:   documentID,
		LockedBy:     userID,
		LockedAt:     row.LockedAt,
		ExpiresAt:    row.ExpiresAt,
	})
	return &LockResult{Status: StatusAcquired, Lock: infoFromRow(row)}, nil
}

func (s *Service) refreshOwnLock(ctx context.Context, row *datastore.DocumentLock, now time.Time) (*LockResult, error) {
	expiresAt := now.Add(s.lease)
	if err := s.store.UpdateLockHeartbeat(ctx, row.TenantID, row.DocumentType, row.DocumentID, now, expiresAt); err != nil {
		return s.lockFailed("acquire_refresh", row.TenantID, row.DocumentType, row.DocumentID, err)
	}
	row.LastHeartbeat = now
	row.ExpiresAt = expiresAt
	if s.metrics != nil {
		s.metrics.AcquisitionsTotal.Inc()
	}
	return &LockResult{Status: StatusAcquired, Lock: infoFromRow(row)}, nil
}

func (s *Service) lostInsertRace(ctx context.Context, tenantID, documentType, documentID, userID string) (*LockResult, error) {
	winner, err := s.store.GetDocumentLock(ctx, tenantID, documentType, documentID)
	if err != nil {
		return s.lockFailed("acquire_reread", tenantID, documentType, documentID, err)
	}
	if winner == nil {
		// The winner vanished between insert and re-read; callers retry.
		return s.lockFailed("acquire_reread", tenantID, documentType, documentID,
			errors.NewStd("lock row vanished after lost insert race"))
	}
	if winner.LockedByID == userID {
		return &LockResult{Status: StatusAcquired, Lock: infoFromRow(winner)}, nil
	}
	s.countConflict()
	return &LockResult{Status: StatusAlreadyLocked, Lock: infoFromRow(winner)}, nil
}

// ReleaseLock removes the caller's lock on a document. Releasing an absent
// lock succeeds; releasing another user's lock is refused without mutating
// state.
func (s *Service) ReleaseLock(ctx context.Context, tenantID, documentType, documentID, userID string) (bool, error) {
	if err := validateKey(tenantID, documentType, documentID); err != nil {
		return false, err
	}

	existing, err := s.store.GetDocumentLock(ctx, tenantID, documentType, documentID)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return true, nil
	}
	if existing.Expired(s.clk.Now()) {
		// A lapsed lease reads as no lock. Reap the stale row but report the
		// release the same as for an absent lock: no broadcast, no ownership
		// check against a holder that no longer exists.
		if err := s.store.DeleteDocumentLock(ctx, tenantID, documentType, documentID); err != nil {
			return false, err
		}
		return true, nil
	}
	if existing.LockedByID != userID {
		if s.metrics != nil {
			s.metrics.DeniedReleasesTotal.Inc()
		}
		s.logger.Warn("lock.release.denied",
			"tenant", tenantID,
			"document_type", documentType,
			"document_id", documentID,
			"requested_by", userID,
			"held_by", existing.LockedByID,
		)
		return false, nil
	}

	if err := s.store.DeleteDocumentLock(ctx, tenantID, documentType, documentID); err != nil {
		return false, err
	}
	if s.metrics != nil {
		s.metrics.ReleasesTotal.Inc()
	}
	s.logger.Info("lock.released",
		"tenant", tenantID,
		"document_type", documentType,
		"document_id", documentID,
		"user", userID,
	)
	s.publish(events.EventLockReleased, tenantID, events.LockReleasedPayload{
		DocumentType: documentType,
		DocumentID:   documentID,
	})
	return true, nil
}

// ForceReleaseLock is an administrative override that removes any lock on
// the document regardless of owner. Used for recovery, not normal flow.
func (s *Service) ForceReleaseLock(ctx context.Context, tenantID, documentType, documentID string) (bool, error) {
	if err := validateKey(tenantID, documentType, documentID); err != nil {
		return false, err
	}

	existing, err := s.store.GetDocumentLock(ctx, tenantID, documentType, documentID)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return true, nil
	}

	if err := s.store.DeleteDocumentLock(ctx, tenantID, documentType, documentID); err != nil {
		return false, err
	}
	if s.metrics != nil {
		s.metrics.ForcedReleasesTotal.Inc()
	}
	s.logger.Warn("lock.force_released",
		"tenant", tenantID,
		"document_type", documentType,
		"document_id", documentID,
		"was_held_by", existing.LockedByID,
	)
	s.publish(events.EventLockReleased, tenantID, events.LockReleasedPayload{
		DocumentType: documentType,
		DocumentID:   documentID,
	})
	return true, nil
}

// RefreshLock is the heartbeat: it extends the lease only when a valid lock
// exists and is owned by userID.
func (s *Service) RefreshLock(ctx context.Context, tenantID, documentType, documentID, userID string) (bool, error) {
	if err := validateKey(tenantID, documentType, documentID); err != nil {
		return false, err
	}

	now := s.clk.Now()
	existing, err := s.store.GetDocumentLock(ctx, tenantID, documentType, documentID)
	if err != nil {
		return false, err
	}
	if existing == nil || existing.Expired(now) || existing.LockedByID != userID {
		return false, nil
	}

	if err := s.store.UpdateLockHeartbeat(ctx, tenantID, documentType, documentID, now, now.Add(s.lease)); err != nil {
		return false, err
	}
	return true, nil
}

// GetLockStatus returns the current holder of a document lock, or nil when
// the document is unlocked. An expired row reads as unlocked.
func (s *Service) GetLockStatus(ctx context.Context, tenantID, documentType, documentID string) (*LockInfo, error) {
	if err := validateKey(tenantID, documentType, documentID); err != nil {
		return nil, err
	}

	existing, err := s.store.GetDocumentLock(ctx, tenantID, documentType, documentID)
	if err != nil {
		return nil, err
	}
	if existing == nil || existing.Expired(s.clk.Now()) {
		return nil, nil
	}
	return infoFromRow(existing), nil
}

// IsLocked reports whether a valid lock exists on the document.
func (s *Service) IsLocked(ctx context.Context, tenantID, documentType, documentID string) (bool, error) {
	info, err := s.GetLockStatus(ctx, tenantID, documentType, documentID)
	if err != nil {
		return false, err
	}
	return info != nil, nil
}

// CanEdit reports whether userID may edit the document now: true when no
// valid lock exists or when userID holds it.
func (s *Service) CanEdit(ctx context.Context, tenantID, documentType, documentID, userID string) (bool, error) {
	info, err := s.GetLockStatus(ctx, tenantID, documentType, documentID)
	if err != nil {
		return false, err
	}
	return info == nil || info.LockedBy == userID, nil
}

// CleanupExpiredLocks deletes every lock whose lease has lapsed and returns
// the count. Safe to run concurrently with AcquireLock: only one non-expired
// lock can exist per key either way.
func (s *Service) CleanupExpiredLocks(ctx context.Context) (int64, error) {
	start := time.Now()
	reaped, err := s.store.DeleteExpiredLocks(ctx, s.clk.Now())
	if err != nil {
		return 0, err
	}
	if s.metrics != nil {
		s.metrics.ExpiredReapedTotal.Add(float64(reaped))
		s.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}
	if reaped > 0 {
		s.logger.Info("lock.sweep.reaped", "count", reaped)
	}
	return reaped, nil
}

// GetUserLocks returns every valid lock a user holds within a tenant.
func (s *Service) GetUserLocks(ctx context.Context, tenantID, userID string) ([]LockInfo, error) {
	rows, err := s.store.GetUserDocumentLocks(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	now := s.clk.Now()
	locks := make([]LockInfo, 0, len(rows))
	for i := range rows {
		if rows[i].Expired(now) {
			continue
		}
		locks = append(locks, *infoFromRow(&rows[i]))
	}
	return locks, nil
}

// ReleaseAllUserLocks frees every lock a user holds within a tenant,
// broadcasting one release per document. Used on logout and disconnect.
func (s *Service) ReleaseAllUserLocks(ctx context.Context, tenantID, userID string) (int, error) {
	rows, err := s.store.GetUserDocumentLocks(ctx, tenantID, userID)
	if err != nil {
		return 0, err
	}

	now := s.clk.Now()
	released := 0
	for i := range rows {
		row := &rows[i]
		if row.Expired(now) {
			// Semantically absent already, reap quietly without a broadcast.
			if err := s.store.DeleteDocumentLock(ctx, row.TenantID, row.DocumentType, row.DocumentID); err != nil {
				s.logger.Error("lock.release_all.failed",
					"tenant", row.TenantID,
					"document_type", row.DocumentType,
					"document_id", row.DocumentID,
					"error", err,
				)
			}
			continue
		}
		if err := s.store.DeleteDocumentLock(ctx, row.TenantID, row.DocumentType, row.DocumentID); err != nil {
			s.logger.Error("lock.release_all.failed",
				"tenant", row.TenantID,
				"document_type", row.DocumentType,
				"document_id", row.DocumentID,
				"error", err,
			)
			continue
		}
		released++
		if s.metrics != nil {
			s.metrics.ReleasesTotal.Inc()
		}
		s.publish(events.EventLockReleased, row.TenantID, events.LockReleasedPayload{
			DocumentType: row.DocumentType,
			DocumentID:   row.DocumentID,
		})
	}
	if released > 0 {
		s.logger.Info("lock.release_all", "tenant", tenantID, "user", userID, "count", released)
	}
	return released, nil
}

// publish pushes a broadcast event, best-effort. Failures never propagate to
// the surrounding lock operation.
func (s *Service) publish(eventType, tenantID string, payload any) {
	if s.events == nil {
		return
	}
	if !s.events.TryPublish(events.NewEvent(eventType, tenantID, payload)) {
		s.logger.Debug("lock.broadcast.dropped", "type", eventType, "tenant", tenantID)
	}
}

func (s *Service) countConflict() {
	if s.metrics != nil {
		s.metrics.ConflictsTotal.Inc()
	}
}

// lockFailed converts a storage failure into the LOCK_FAILED result. No
// partial lock state is retained.
func (s *Service) lockFailed(operation, tenantID, documentType, documentID string, err error) (*LockResult, error) {
	if s.metrics != nil {
		s.metrics.FailuresTotal.Inc()
	}
	s.logger.Error("lock.failed",
		"operation", operation,
		"tenant", tenantID,
		"document_type", documentType,
		"document_id", documentID,
		"error", err,
	)
	wrapped := errors.New(err).
		Component("locking").
		Category(errors.CategoryLockFailed).
		Context("operation", operation).
		Context("tenant_id", tenantID).
		Context("document_type", documentType).
		Context("document_id", documentID).
		Build()
	return &LockResult{Status: StatusLockFailed}, wrapped
}

func validateKey(tenantID, documentType, documentID string) error {
	if tenantID == "" {
		return validationError("tenant_id", "required")
	}
	if documentID == "" {
		return validationError("document_id", "required")
	}
	if !datastore.ValidDocumentType(documentType) {
		return validationError("document_type", "unknown document type")
	}
	return nil
}

func validationError(field, message string) error {
	return errors.Newf("invalid lock request: %s %s", field, message).
		Component("locking").
		Category(errors.CategoryValidation).
		Context("field", field).
		Build()
}
