package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opticut/collab/internal/clock"
	"github.com/opticut/collab/internal/events"
	"github.com/opticut/collab/internal/logging"
	"github.com/opticut/collab/internal/observability"
	"github.com/opticut/collab/internal/sweeper"
)

// DefaultInactivityThreshold is how long an online user may stay idle before
// the sweep demotes them to away. Twice the threshold demotes away to offline.
const DefaultInactivityThreshold = 5 * time.Minute

// DefaultSweepInterval is the cadence of the demotion sweep.
const DefaultSweepInterval = time.Minute

// OfflineHook runs after a user goes offline, outside the registry lock.
// The serve wiring uses it to release every lock the user still held.
type OfflineHook func(ctx context.Context, tenantID, userID string)

// Config assembles the registry dependencies.
type Config struct {
	Store               Store                          // defaults to NewMemoryStore
	Events              events.Publisher               // optional
	Metrics             *observability.PresenceMetrics // optional
	Clock               clock.Clock                    // defaults to clock.Real
	InactivityThreshold time.Duration                  // defaults to DefaultInactivityThreshold
	SweepInterval       time.Duration                  // defaults to DefaultSweepInterval
	OnOffline           OfflineHook                    // optional
}

// Registry answers "who is online" and "who is viewing this document".
// All operations are safe for concurrent use; the registry is the single
// synchronization point over the injected Store.
type Registry struct {
	mu        sync.Mutex
	store     Store
	events    events.Publisher
	metrics   *observability.PresenceMetrics
	clk       clock.Clock
	threshold time.Duration
	onOffline OfflineHook
	logger    *slog.Logger
	sweep     *sweeper.Sweeper
}

// New constructs the presence registry with sane defaults.
func New(cfg Config) *Registry {
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	threshold := cfg.InactivityThreshold
	if threshold <= 0 {
		threshold = DefaultInactivityThreshold
	}
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	r := &Registry{
		store:     store,
		events:    cfg.Events,
		metrics:   cfg.Metrics,
		clk:       clk,
		threshold: threshold,
		onOffline: cfg.OnOffline,
		logger:    logging.ForService("presence"),
	}
	r.sweep = sweeper.New("inactive-users", interval, func(ctx context.Context) error {
		r.CleanupInactiveUsers(ctx, r.threshold)
		return nil
	})
	return r
}

// Start launches the background demotion sweep.
func (r *Registry) Start() {
	r.sweep.Start()
}

// Stop halts the background demotion sweep.
func (r *Registry) Stop() {
	r.sweep.Stop()
}

// SetOnline inserts or overwrites the user's presence record with status
// online and broadcasts their arrival.
func (r *Registry) SetOnline(userID, tenantID string, profile Profile) {
	now := r.clk.Now()
	user := &OnlineUser{
		UserID:       userID,
		TenantID:     tenantID,
		Email:        profile.Email,
		FirstName:    profile.FirstName,
		LastName:     profile.LastName,
		Status:       StatusOnline,
		LastActivity: now,
	}

	r.mu.Lock()
	r.store.PutUser(user)
	r.updateGauges()
	r.mu.Unlock()

	r.logger.Info("presence.online", "user", userID, "tenant", tenantID)
	r.publishPresence(events.EventUserOnline, user.clone())
}

// SetAway marks the user away without touching their viewed document.
func (r *Registry) SetAway(userID string) {
	r.mu.Lock()
	user, ok := r.store.GetUser(userID)
	if !ok {
		r.mu.Unlock()
		return
	}
	user.Status = StatusAway
	snapshot := user.clone()
	r.mu.Unlock()

	r.publishPresence(events.EventPresenceUpdate, snapshot)
}

// SetOffline removes the user's presence record, first detaching them from
// any document they were viewing.
func (r *Registry) SetOffline(userID string) {
	r.setOffline(context.Background(), userID)
}

func (r *Registry) setOffline(ctx context.Context, userID string) {
	r.mu.Lock()
	user, ok := r.store.GetUser(userID)
	if !ok {
		r.mu.Unlock()
		return
	}
	var viewerUpdate *events.Event
	if doc := user.CurrentDocument; doc != nil {
		r.store.RemoveViewer(doc.Key(), userID)
		viewerUpdate = r.viewerEventLocked(user.TenantID, *doc)
		user.CurrentDocument = nil
	}
	user.Status = StatusOffline
	snapshot := user.clone()
	r.store.DeleteUser(userID)
	r.updateGauges()
	r.mu.Unlock()

	r.logger.Info("presence.offline", "user", userID, "tenant", snapshot.TenantID)
	if viewerUpdate != nil {
		r.publish(*viewerUpdate)
	}
	r.publishPresence(events.EventUserOffline, snapshot)
	if r.onOffline != nil {
		r.onOffline(ctx, snapshot.TenantID, userID)
	}
}

// UpdateActivity refreshes the user's activity timestamp and forces their
// status back to online. Called on any user action.
func (r *Registry) UpdateActivity(userID string) {
	r.mu.Lock()
	user, ok := r.store.GetUser(userID)
	if !ok {
		r.mu.Unlock()
		return
	}
	wasAway := user.Status == StatusAway
	user.Status = StatusOnline
	user.LastActivity = r.clk.Now()
	snapshot := user.clone()
	r.mu.Unlock()

	// Routine activity is not broadcast; only a status change is.
	if wasAway {
		r.publishPresence(events.EventPresenceUpdate, snapshot)
	}
}

// JoinDocument attaches the user to a document's viewer set. A user views at
// most one document at a time, so any previous document is left first.
func (r *Registry) JoinDocument(userID, documentType, documentID string) {
	doc := DocumentRef{Type: documentType, ID: documentID}

	r.mu.Lock()
	user, ok := r.store.GetUser(userID)
	if !ok {
		r.mu.Unlock()
		return
	}
	var leftUpdate *events.Event
	if prev := user.CurrentDocument; prev != nil && *prev != doc {
		r.store.RemoveViewer(prev.Key(), userID)
		leftUpdate = r.viewerEventLocked(user.TenantID, *prev)
	}
	r.store.AddViewer(doc.Key(), userID)
	user.CurrentDocument = &doc
	user.LastActivity = r.clk.Now()
	joinedUpdate := r.viewerEventLocked(user.TenantID, doc)
	r.updateGauges()
	r.mu.Unlock()

	r.logger.Debug("presence.join", "user", userID, "document", doc.Key())
	if leftUpdate != nil {
		r.publish(*leftUpdate)
	}
	if joinedUpdate != nil {
		r.publish(*joinedUpdate)
	}
}

// LeaveDocument detaches the user from a document's viewer set and clears
// their current document if it matches.
func (r *Registry) LeaveDocument(userID, documentType, documentID string) {
	doc := DocumentRef{Type: documentType, ID: documentID}

	r.mu.Lock()
	user, ok := r.store.GetUser(userID)
	if !ok {
		r.mu.Unlock()
		return
	}
	r.store.RemoveViewer(doc.Key(), userID)
	if user.CurrentDocument != nil && *user.CurrentDocument == doc {
		user.CurrentDocument = nil
	}
	update := r.viewerEventLocked(user.TenantID, doc)
	r.updateGauges()
	r.mu.Unlock()

	r.logger.Debug("presence.leave", "user", userID, "document", doc.Key())
	if update != nil {
		r.publish(*update)
	}
}

// GetOnlineUsers returns every non-offline user for the tenant.
func (r *Registry) GetOnlineUsers(tenantID string) []OnlineUser {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []OnlineUser
	for _, user := range r.store.ListUsers() {
		if user.TenantID != tenantID || user.Status == StatusOffline {
			continue
		}
		out = append(out, user.clone())
	}
	return out
}

// GetDocumentViewers returns the viewer list for a document, filtered to the
// requesting tenant so a shared viewer table cannot leak users across
// tenants.
func (r *Registry) GetDocumentViewers(tenantID, documentType, documentID string) []string {
	doc := DocumentRef{Type: documentType, ID: documentID}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tenantViewersLocked(tenantID, doc)
}

// CleanupInactiveUsers applies the two-stage demotion: online users idle past
// the threshold become away; away users idle past twice the threshold go
// offline, which also detaches them from any viewed document. Returns the
// number of users taken offline.
func (r *Registry) CleanupInactiveUsers(ctx context.Context, threshold time.Duration) int {
	start := time.Now()
	now := r.clk.Now()

	r.mu.Lock()
	var toAway []OnlineUser
	var toOffline []string
	for _, user := range r.store.ListUsers() {
		idle := now.Sub(user.LastActivity)
		switch user.Status {
		case StatusOnline:
			if idle > threshold {
				user.Status = StatusAway
				toAway = append(toAway, user.clone())
			}
		case StatusAway:
			if idle > 2*threshold {
				toOffline = append(toOffline, user.UserID)
			}
		}
	}
	r.mu.Unlock()

	for _, snapshot := range toAway {
		if r.metrics != nil {
			r.metrics.DemotionsTotal.WithLabelValues(string(StatusAway)).Inc()
		}
		r.publishPresence(events.EventPresenceUpdate, snapshot)
	}
	for _, userID := range toOffline {
		if r.metrics != nil {
			r.metrics.DemotionsTotal.WithLabelValues(string(StatusOffline)).Inc()
		}
		r.setOffline(ctx, userID)
	}

	if r.metrics != nil {
		r.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}
	if len(toAway) > 0 || len(toOffline) > 0 {
		r.logger.Info("presence.sweep", "to_away", len(toAway), "to_offline", len(toOffline))
	}
	return len(toOffline)
}

// viewerEventLocked builds the document_viewers broadcast for a document,
// scoped to the tenant. Callers must hold r.mu.
func (r *Registry) viewerEventLocked(tenantID string, doc DocumentRef) *events.Event {
	if r.events == nil {
		return nil
	}
	event := events.NewEvent(events.EventDocumentViewers, tenantID, events.DocumentViewersPayload{
		DocumentType: doc.Type,
		DocumentID:   doc.ID,
		Viewers:      r.tenantViewersLocked(tenantID, doc),
	})
	return &event
}

func (r *Registry) tenantViewersLocked(tenantID string, doc DocumentRef) []string {
	viewers := r.store.Viewers(doc.Key())
	out := make([]string, 0, len(viewers))
	for _, userID := range viewers {
		if user, ok := r.store.GetUser(userID); ok && user.TenantID == tenantID {
			out = append(out, userID)
		}
	}
	return out
}

func (r *Registry) publishPresence(eventType string, user OnlineUser) {
	if r.events == nil {
		return
	}
	payload := events.PresencePayload{
		UserID:       user.UserID,
		Status:       string(user.Status),
		LastActivity: user.LastActivity,
	}
	if user.CurrentDocument != nil {
		payload.CurrentDocument = &events.DocumentRef{
			Type: user.CurrentDocument.Type,
			ID:   user.CurrentDocument.ID,
		}
	}
	r.publish(events.NewEvent(eventType, user.TenantID, payload))
}

// publish pushes a broadcast event, best-effort. A drop is logged, never
// surfaced.
func (r *Registry) publish(event events.Event) {
	if r.events == nil {
		return
	}
	if !r.events.TryPublish(event) {
		r.logger.Debug("presence.broadcast.dropped", "type", event.Type, "tenant", event.TenantID)
	}
}

func (r *Registry) updateGauges() {
	if r.metrics == nil {
		return
	}
	r.metrics.OnlineUsers.Set(float64(len(r.store.ListUsers())))
	r.metrics.DocumentsViewed.Set(float64(r.store.ViewedDocumentCount()))
}
