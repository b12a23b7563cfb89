// Package presence tracks which users are online and which document each is
// viewing. State is process-local by design: a horizontally scaled deployment
// must inject a Store backed by shared infrastructure (see Store).
package presence

import "time"

// Status is a user's presence state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// Profile carries the display fields attached to a presence record.
type Profile struct {
	Email     string
	FirstName string
	LastName  string
}

// DocumentRef identifies a viewed document.
type DocumentRef struct {
	Type string
	ID   string
}

// Key returns the document key used by the viewer-set table.
func (r DocumentRef) Key() string {
	return r.Type + ":" + r.ID
}

// OnlineUser is the ephemeral presence record for one connected user. It is
// never persisted; it lives only for the duration of the connection.
type OnlineUser struct {
	UserID          string
	TenantID        string
	Email           string
	FirstName       string
	LastName        string
	Status          Status
	LastActivity    time.Time
	CurrentDocument *DocumentRef
}

func (u *OnlineUser) clone() OnlineUser {
	out := *u
	if u.CurrentDocument != nil {
		doc := *u.CurrentDocument
		out.CurrentDocument = &doc
	}
	return out
}
