// Package locking enforces at-most-one-editor-at-a-time per business
// document using time-bounded leases backed by the relational lock store.
package locking

import (
	"encoding/json"
	"time"

	"github.com/opticut/collab/internal/datastore"
)

// Status classifies the outcome of an acquisition attempt.
type Status string

const (
	// StatusAcquired means the caller now holds a valid lease.
	StatusAcquired Status = "acquired"
	// StatusAlreadyLocked means a different user holds a valid lease; the
	// result carries the holder so callers can render "locked by X until Y".
	StatusAlreadyLocked Status = "already_locked"
	// StatusLockFailed means an unexpected storage failure; no partial lock
	// state is left behind.
	StatusLockFailed Status = "lock_failed"
)

// LockInfo is the explicit owner-info view returned with every lock read.
type LockInfo struct {
	TenantID      string
	DocumentType  string
	DocumentID    string
	LockedBy      string
	LockedAt      time.Time
	ExpiresAt     time.Time
	LastHeartbeat time.Time
	Metadata      map[string]string
}

// LockResult is the outcome of AcquireLock. On StatusAcquired Lock describes
// the caller's lease; on StatusAlreadyLocked it describes the current holder.
type LockResult struct {
	Status Status
	Lock   *LockInfo
}

// infoFromRow converts a persisted lock row into its caller-facing view.
func infoFromRow(row *datastore.DocumentLock) *LockInfo {
	info := &LockInfo{
		TenantID:      row.TenantID,
		DocumentType:  row.DocumentType,
		DocumentID:    row.DocumentID,
		LockedBy:      row.LockedByID,
		LockedAt:      row.LockedAt,
		ExpiresAt:     row.ExpiresAt,
		LastHeartbeat: row.LastHeartbeat,
	}
	if row.Metadata != "" {
		// Corrupt metadata is not worth failing a read over.
		_ = json.Unmarshal([]byte(row.Metadata), &info.Metadata)
	}
	return info
}

func encodeMetadata(metadata map[string]string) string {
	if len(metadata) == 0 {
		return ""
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return ""
	}
	return string(raw)
}
