// model.go defines the persisted data model for the collaboration core.
package datastore

import "time"

// Document types that can be locked for editing.
const (
	DocumentTypeCuttingPlan          = "cutting_plan"
	DocumentTypeOptimizationScenario = "optimization_scenario"
	DocumentTypeOrder                = "order"
	DocumentTypeCuttingJob           = "cutting_job"
	DocumentTypeStockItem            = "stock_item"
)

var documentTypes = map[string]struct{}{
	DocumentTypeCuttingPlan:          {},
	DocumentTypeOptimizationScenario: {},
	DocumentTypeOrder:                {},
	DocumentTypeCuttingJob:           {},
	DocumentTypeStockItem:            {},
}

// ValidDocumentType reports whether t names a lockable document type.
func ValidDocumentType(t string) bool {
	_, ok := documentTypes[t]
	return ok
}

// DocumentLock represents exclusive edit rights over one business document.
// The composite unique index is the arbiter of mutual exclusion: at most one
// row can exist per (tenant, document type, document id), so two concurrent
// acquisitions racing past the read cannot both insert.
type DocumentLock struct {
	ID            uint      `gorm:"primaryKey"`
	TenantID      string    `gorm:"size:64;not null;uniqueIndex:idx_document_locks_key,priority:1;index:idx_document_locks_holder,priority:1"`
	DocumentType  string    `gorm:"size:32;not null;uniqueIndex:idx_document_locks_key,priority:2"`
	DocumentID    string    `gorm:"size:64;not null;uniqueIndex:idx_document_locks_key,priority:3"`
	LockedByID    string    `gorm:"size:64;not null;index:idx_document_locks_holder,priority:2"`
	LockedAt      time.Time `gorm:"not null"`
	ExpiresAt     time.Time `gorm:"index:idx_document_locks_expires;not null"`
	LastHeartbeat time.Time `gorm:"not null"`
	Metadata      string    `gorm:"type:text"` // JSON-encoded free-form key/value pairs
}

// Expired reports whether the lock's lease has lapsed at the given instant.
// An expired row is semantically absent; every reader applies this same rule.
func (l *DocumentLock) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}
