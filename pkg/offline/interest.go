package offline

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sams-monitoring/realtime-hub/pkg/event"
	"github.com/sams-monitoring/realtime-hub/pkg/filter"
	"github.com/sams-monitoring/realtime-hub/pkg/schedule"
)

// Interest is a snapshot of a subscription taken when its owning session
// closed. It keeps the user's matching intent alive for offline queueing
// without ever being visible to live match.
type Interest struct {
	UserID     string
	OrgID      string
	EventType  event.Type
	Filter     *filter.Compiled
	RecordedAt time.Time
}

// InterestRegistry holds per-user interests for users with no live session.
// Interests are cleared when the user reconnects (clients resubscribe on
// connect) and expire with the same TTL as the offline queue.
type InterestRegistry struct {
	mu     sync.RWMutex
	byUser map[string][]Interest
	ttl    time.Duration

	sweepMu   sync.Mutex
	stopSweep func()
}

// NewInterestRegistry creates an empty registry. Interests expire after ttl.
func NewInterestRegistry(ttl time.Duration) *InterestRegistry {
	if ttl <= 0 {
		ttl = DefaultConfig().TTL
	}
	return &InterestRegistry{
		byUser: make(map[string][]Interest),
		ttl:    ttl,
	}
}

// Start begins the periodic eviction sweep, so interests for users who
// never reconnect do not accumulate. A nil scheduler gets the default
// ticker implementation; a non-positive interval gets the default.
func (r *InterestRegistry) Start(scheduler schedule.Scheduler, interval time.Duration) {
	if scheduler == nil {
		scheduler = schedule.TickerScheduler{}
	}
	if interval <= 0 {
		interval = DefaultConfig().EvictionInterval
	}

	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()
	if r.stopSweep != nil {
		return
	}
	r.stopSweep = scheduler.Every(interval, func() {
		if evicted := r.EvictExpired(); evicted > 0 {
			log.Debug().Int("evicted", evicted).Msg("Expired offline interests evicted")
		}
	})
}

// Stop halts the eviction sweep.
func (r *InterestRegistry) Stop() {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()
	if r.stopSweep != nil {
		r.stopSweep()
		r.stopSweep = nil
	}
}

// Record snapshots one subscription's matching intent for the user.
func (r *InterestRegistry) Record(userID, orgID string, eventType event.Type, f *filter.Compiled) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byUser[userID] = append(r.byUser[userID], Interest{
		UserID:     userID,
		OrgID:      orgID,
		EventType:  eventType,
		Filter:     f,
		RecordedAt: time.Now(),
	})
}

// MatchUsers returns the users holding at least one interest matching the
// event, each at most once.
func (r *InterestRegistry) MatchUsers(orgID string, eventType event.Type, attributes map[string]interface{}) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := time.Now().Add(-r.ttl)
	var users []string
	for userID, interests := range r.byUser {
		for _, in := range interests {
			if in.OrgID != orgID || in.EventType != eventType {
				continue
			}
			if in.RecordedAt.Before(cutoff) {
				continue
			}
			if in.Filter != nil && !in.Filter.Matches(attributes) {
				continue
			}
			users = append(users, userID)
			break
		}
	}
	return users
}

// ClearUser drops all interests for the user, called when they reconnect.
func (r *InterestRegistry) ClearUser(userID string) {
	r.mu.Lock()
	delete(r.byUser, userID)
	r.mu.Unlock()
}

// EvictExpired drops interests older than the TTL and returns how many were
// removed.
func (r *InterestRegistry) EvictExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.ttl)
	evicted := 0
	for userID, interests := range r.byUser {
		kept := interests[:0]
		for _, in := range interests {
			if in.RecordedAt.Before(cutoff) {
				evicted++
				continue
			}
			kept = append(kept, in)
		}
		if len(kept) == 0 {
			delete(r.byUser, userID)
		} else {
			r.byUser[userID] = kept
		}
	}
	return evicted
}

// Count returns the number of recorded interests across all users.
func (r *InterestRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, interests := range r.byUser {
		total += len(interests)
	}
	return total
}
