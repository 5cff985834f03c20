package business

import (
	"context"
	"sync"
	"time"

	"github.com/pitabwire/util"
)

// Stats is the derived registry snapshot, always recomputed from the live
// indices and never cached independently.
type Stats struct {
	TotalConnections       int            `json:"total_connections"`
	OnlineUserCount        int            `json:"online_user_count"`
	PerUserConnectionCount map[string]int `json:"per_user_connection_count"`
	LastSweepAt            time.Time      `json:"last_sweep_at"`
}

// Registry is the process-wide bidirectional index of user to connections.
// Exactly one instance exists per process, injected through the composition
// root; Close is its explicit teardown hook.
//
// Invariants:
//   - a connection id appears in at most one user's set at any time
//   - byConnection[c] = u exactly when c is in byUser[u]
//   - user entries with empty sets never persist
//
// The registry indexes connections, it does not own their lifecycle: it never
// constructs, destroys or cleans up a connection.
type Registry struct {
	mu          sync.Mutex
	byUser      map[string]map[string]*Connection
	byConn      map[string]string
	lastSweepAt time.Time
	closed      bool
}

func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]map[string]*Connection),
		byConn: make(map[string]string),
	}
}

// Register indexes an authenticated connection under its user. A connection
// id already present is first unregistered, a warning, not an error: stale
// double registration is bookkeeping drift, not corruption.
func (r *Registry) Register(ctx context.Context, conn *Connection) error {
	if conn == nil || !conn.IsValid() {
		return ErrInvalidConnectionState
	}
	user := conn.User()
	if user == nil {
		return ErrInvalidConnectionState
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}

	connID := conn.ID()
	if prior, exists := r.byConn[connID]; exists {
		util.Log(ctx).WithFields(map[string]any{
			"connection_id": connID,
			"prior_user_id": prior,
			"user_id":       user.ID,
		}).Warn("connection already registered, replacing stale entry")
		r.unregisterLocked(ctx, connID)
	}

	set := r.byUser[user.ID]
	if set == nil {
		set = make(map[string]*Connection)
		r.byUser[user.ID] = set
	}
	set[connID] = conn
	r.byConn[connID] = user.ID

	util.Log(ctx).WithFields(map[string]any{
		"connection_id":     connID,
		"user_id":           user.ID,
		"total_connections": len(r.byConn),
		"total_users":       len(r.byUser),
	}).Debug("registered connection")

	return nil
}

// Unregister removes a connection from both indices. Unknown ids are a
// logged no-op. The connection's own cleanup is never invoked here.
func (r *Registry) Unregister(ctx context.Context, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byConn[connID]; !exists {
		util.Log(ctx).WithField("connection_id", connID).
			Warn("attempted to unregister unknown connection")
		return
	}
	r.unregisterLocked(ctx, connID)
}

func (r *Registry) unregisterLocked(ctx context.Context, connID string) {
	userID, exists := r.byConn[connID]
	if !exists {
		return
	}
	delete(r.byConn, connID)

	if set := r.byUser[userID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.byUser, userID)
		}
	}

	util.Log(ctx).WithFields(map[string]any{
		"connection_id": connID,
		"user_id":       userID,
	}).Debug("unregistered connection")
}

// ConnectionsFor returns the valid connections for a user. Indexed entries
// that fail the validity predicate are opportunistically unregistered, a
// self-healing net against missed disconnect signals.
func (r *Registry) ConnectionsFor(ctx context.Context, userID string) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connectionsForLocked(ctx, userID)
}

func (r *Registry) connectionsForLocked(ctx context.Context, userID string) []*Connection {
	set := r.byUser[userID]
	if len(set) == 0 {
		return nil
	}

	valid := make([]*Connection, 0, len(set))
	var stale []string
	for connID, conn := range set {
		if conn.IsValid() {
			valid = append(valid, conn)
		} else {
			stale = append(stale, connID)
		}
	}
	for _, connID := range stale {
		util.Log(ctx).WithField("connection_id", connID).
			Warn("removing invalid connection from index")
		r.unregisterLocked(ctx, connID)
	}
	return valid
}

// EmitToUser fans the event out to every valid connection of the user and
// reports whether at least one delivery succeeded. A failing connection is
// unregistered and the fan-out continues, partial failure is not fatal.
func (r *Registry) EmitToUser(ctx context.Context, userID, event string, data any) (bool, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false, ErrRegistryClosed
	}
	conns := r.connectionsForLocked(ctx, userID)
	r.mu.Unlock()

	if len(conns) == 0 {
		util.Log(ctx).WithFields(map[string]any{
			"user_id": userID,
			"event":   event,
		}).Debug("no active connections for user")
		return false, nil
	}

	successCount := 0
	for _, conn := range conns {
		if conn.SafeEmit(event, data) {
			successCount++
			continue
		}
		util.Log(ctx).WithFields(map[string]any{
			"connection_id": conn.ID(),
			"user_id":       userID,
			"event":         event,
		}).Warn("emit failed, unregistering connection")
		r.Unregister(ctx, conn.ID())
	}

	return successCount > 0, nil
}

// EmitToUsers emits sequentially, in list order, and returns the number of
// users with at least one successful delivery. One user's failure never
// aborts the loop.
func (r *Registry) EmitToUsers(ctx context.Context, userIDs []string, event string, data any) (int, error) {
	successCount := 0
	for _, userID := range userIDs {
		delivered, err := r.EmitToUser(ctx, userID, event, data)
		if err != nil {
			return successCount, err
		}
		if delivered {
			successCount++
		}
	}
	return successCount, nil
}

// SweepStale walks every indexed entry and unregisters those failing the
// validity predicate. Runs on a fixed interval as a safety net against
// missed disconnect signals; returns the number removed.
func (r *Registry) SweepStale(ctx context.Context) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []string
	for connID, userID := range r.byConn {
		set := r.byUser[userID]
		conn := set[connID]
		if conn == nil || !conn.IsValid() {
			stale = append(stale, connID)
		}
	}
	for _, connID := range stale {
		r.unregisterLocked(ctx, connID)
	}
	r.lastSweepAt = time.Now()

	if len(stale) > 0 {
		util.Log(ctx).WithFields(map[string]any{
			"removed":   len(stale),
			"remaining": len(r.byConn),
		}).Info("swept stale connections")
	}
	return len(stale)
}

// Stats derives the current snapshot from the live indices.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	perUser := make(map[string]int, len(r.byUser))
	for userID, set := range r.byUser {
		perUser[userID] = len(set)
	}
	return Stats{
		TotalConnections:       len(r.byConn),
		OnlineUserCount:        len(r.byUser),
		PerUserConnectionCount: perUser,
		LastSweepAt:            r.lastSweepAt,
	}
}

// IsUserOnline reports whether the user has at least one valid connection.
func (r *Registry) IsUserOnline(userID string) bool {
	return len(r.ConnectionsFor(context.Background(), userID)) > 0
}

// OnlineUserIDs returns the ids of all users with live connections.
func (r *Registry) OnlineUserIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.byUser))
	for userID := range r.byUser {
		ids = append(ids, userID)
	}
	return ids
}

// Close drains the indices and rejects further registrations and emits.
// Teardown hook for process shutdown; connection cleanup itself is driven by
// the acceptor, not here.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true

	dropped := len(r.byConn)
	r.byUser = make(map[string]map[string]*Connection)
	r.byConn = make(map[string]string)

	util.Log(ctx).WithField("dropped", dropped).Info("connection registry closed")
}
