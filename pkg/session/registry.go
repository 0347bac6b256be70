package session

import (
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

const registryShards = 32

// SubscriptionCleaner removes all subscriptions owned by a session. The
// registry calls it synchronously during unregistration so no subscription
// outlives its session.
type SubscriptionCleaner interface {
	RemoveAllForSession(sessionID string)
}

// RegistryStats is a snapshot of registry counters.
type RegistryStats struct {
	ActiveSessions   int64 `json:"activeSessions"`
	TotalConnections int64 `json:"totalConnections"`
	SendFailures     int64 `json:"sendFailures"`
}

// Registry tracks live sessions by session ID and user ID. Both indexes are
// sharded so connect/disconnect on one shard never blocks sends on another.
type Registry struct {
	shards [registryShards]registryShard

	userMu sync.RWMutex
	byUser map[string]map[string]*Session

	cleaner SubscriptionCleaner

	totalConnections int64
	activeSessions   int64
	sendFailures     int64
}

type registryShard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry. The cleaner may be nil in tests
// that do not exercise subscription cleanup.
func NewRegistry(cleaner SubscriptionCleaner) *Registry {
	r := &Registry{
		byUser:  make(map[string]map[string]*Session),
		cleaner: cleaner,
	}
	for i := range r.shards {
		r.shards[i].sessions = make(map[string]*Session)
	}
	return r
}

// Register adds the session and starts its dedicated sender. A transport
// write failure closes the session through the registry so subscription
// cleanup always cascades.
func (r *Registry) Register(sess *Session) {
	shard := r.shardFor(sess.ID)
	shard.mu.Lock()
	shard.sessions[sess.ID] = sess
	shard.mu.Unlock()

	r.userMu.Lock()
	userSessions, ok := r.byUser[sess.UserID]
	if !ok {
		userSessions = make(map[string]*Session)
		r.byUser[sess.UserID] = userSessions
	}
	userSessions[sess.ID] = sess
	r.userMu.Unlock()

	atomic.AddInt64(&r.totalConnections, 1)
	atomic.AddInt64(&r.activeSessions, 1)

	go sess.run(func(failed *Session) {
		r.Unregister(failed.ID)
	})

	log.Info().
		Str("session_id", sess.ID).
		Str("user_id", sess.UserID).
		Str("org_id", sess.OrgID).
		Str("device_id", sess.DeviceID).
		Msg("Session registered")
}

// Get returns the session if it is live. Closed sessions are never returned.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	shard := r.shardFor(sessionID)
	shard.mu.RLock()
	sess, ok := shard.sessions[sessionID]
	shard.mu.RUnlock()
	return sess, ok
}

// Unregister removes the session, synchronously removes its subscriptions,
// then closes it. Returns the removed session, or nil if it was not present.
func (r *Registry) Unregister(sessionID string) *Session {
	shard := r.shardFor(sessionID)
	shard.mu.Lock()
	sess, ok := shard.sessions[sessionID]
	if ok {
		delete(shard.sessions, sessionID)
	}
	shard.mu.Unlock()

	if !ok {
		return nil
	}

	r.userMu.Lock()
	if userSessions, exists := r.byUser[sess.UserID]; exists {
		delete(userSessions, sessionID)
		if len(userSessions) == 0 {
			delete(r.byUser, sess.UserID)
		}
	}
	r.userMu.Unlock()

	// Subscriptions must be gone before the caller observes the session as
	// unregistered; a concurrent dispatch may otherwise match a dead session.
	if r.cleaner != nil {
		r.cleaner.RemoveAllForSession(sessionID)
	}

	if sess.State() != StateClosed {
		if err := sess.MarkStale(); err == nil {
			log.Debug().Str("session_id", sessionID).Msg("Session marked stale before closure")
		}
	}
	sess.Close()

	atomic.AddInt64(&r.activeSessions, -1)

	log.Info().
		Str("session_id", sessionID).
		Str("user_id", sess.UserID).
		Msg("Session unregistered")

	return sess
}

// Send queues a message on the session's outbound queue. Failure means the
// session is degraded; the caller marks it for closure and retries delivery
// through the offline queue.
func (r *Registry) Send(sessionID string, message []byte) error {
	sess, ok := r.Get(sessionID)
	if !ok {
		return ErrSessionClosed
	}
	if err := sess.Send(message); err != nil {
		atomic.AddInt64(&r.sendFailures, 1)
		return err
	}
	return nil
}

// SessionsForUser returns the user's live sessions, in no particular order.
func (r *Registry) SessionsForUser(userID string) []*Session {
	r.userMu.RLock()
	defer r.userMu.RUnlock()

	sessions := make([]*Session, 0, len(r.byUser[userID]))
	for _, sess := range r.byUser[userID] {
		sessions = append(sessions, sess)
	}
	return sessions
}

// HasLiveSession reports whether the user has at least one live session.
func (r *Registry) HasLiveSession(userID string) bool {
	r.userMu.RLock()
	defer r.userMu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// ForEach visits every live session. The callback must not call back into
// the registry shard being iterated; it is used by the heartbeat monitor to
// collect stale session IDs before closing them.
func (r *Registry) ForEach(fn func(*Session)) {
	for i := range r.shards {
		shard := &r.shards[i]
		shard.mu.RLock()
		sessions := make([]*Session, 0, len(shard.sessions))
		for _, sess := range shard.sessions {
			sessions = append(sessions, sess)
		}
		shard.mu.RUnlock()

		for _, sess := range sessions {
			fn(sess)
		}
	}
}

// Stats returns a snapshot of the registry counters.
func (r *Registry) Stats() RegistryStats {
	return RegistryStats{
		ActiveSessions:   atomic.LoadInt64(&r.activeSessions),
		TotalConnections: atomic.LoadInt64(&r.totalConnections),
		SendFailures:     atomic.LoadInt64(&r.sendFailures),
	}
}

// CloseAll force-closes every live session, used during shutdown.
func (r *Registry) CloseAll() {
	var ids []string
	r.ForEach(func(sess *Session) {
		ids = append(ids, sess.ID)
	})
	for _, id := range ids {
		r.Unregister(id)
	}
}

func (r *Registry) shardFor(sessionID string) *registryShard {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return &r.shards[h.Sum32()%registryShards]
}
