// Package events carries collaboration state changes to connected clients.
// Delivery is best-effort by contract: events may be dropped under load and
// are never retried or persisted.
package events

import (
	"context"
	"time"
)

// Broadcast event types, matching the wire contract consumed by clients.
const (
	EventLockAcquired    = "lock_acquired"
	EventLockReleased    = "lock_released"
	EventUserOnline      = "user_online"
	EventUserOffline     = "user_offline"
	EventPresenceUpdate  = "presence_update"
	EventDocumentViewers = "document_viewers"
)

// Event is one tenant-scoped broadcast message.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	TenantID  string    `json:"tenantId"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// LockAcquiredPayload accompanies EventLockAcquired.
type LockAcquiredPayload struct {
	DocumentType string    `json:"documentType"`
	DocumentID   string    `json:"documentId"`
	LockedBy     string    `json:"lockedBy"`
	LockedAt     time.Time `json:"lockedAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// LockReleasedPayload accompanies EventLockReleased.
type LockReleasedPayload struct {
	DocumentType string `json:"documentType"`
	DocumentID   string `json:"documentId"`
}

// PresencePayload accompanies EventUserOnline, EventUserOffline, and
// EventPresenceUpdate.
type PresencePayload struct {
	UserID          string       `json:"userId"`
	Status          string       `json:"status"`
	LastActivity    time.Time    `json:"lastActivity"`
	CurrentDocument *DocumentRef `json:"currentDocument,omitempty"`
}

// DocumentRef identifies a business document.
type DocumentRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// DocumentViewersPayload accompanies EventDocumentViewers.
type DocumentViewersPayload struct {
	DocumentType string   `json:"documentType"`
	DocumentID   string   `json:"documentId"`
	Viewers      []string `json:"viewers"`
}

// Publisher is the broadcast port the collaboration services depend on.
// TryPublish never blocks; a false return means the event was dropped.
type Publisher interface {
	TryPublish(event Event) bool
}

// Consumer receives events fanned out by the bus.
type Consumer interface {
	// Name identifies the consumer in logs and duplicate checks.
	Name() string

	// ProcessEvent handles one event. Errors are logged, never retried.
	ProcessEvent(ctx context.Context, event Event) error
}

// BusStats captures lifetime counters of the bus.
type BusStats struct {
	EventsReceived  uint64
	EventsProcessed uint64
	EventsDropped   uint64
	ConsumerErrors  uint64
}
