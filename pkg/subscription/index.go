// Package subscription maintains the registry of active event subscriptions
// and answers match queries during broadcast dispatch.
package subscription

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sams-monitoring/realtime-hub/pkg/event"
	"github.com/sams-monitoring/realtime-hub/pkg/filter"
)

// shardCount trades lock granularity against memory. Matches take a read
// lock on exactly one shard, so match throughput scales with distinct
// (org, event type) pairs rather than serializing behind a single mutex.
const shardCount = 32

// Subscription is a standing request by one session to receive events of a
// given type that satisfy its filter.
type Subscription struct {
	ID        string           `json:"id"`
	UserID    string           `json:"userId"`
	OrgID     string           `json:"orgId"`
	SessionID string           `json:"sessionId"`
	EventType event.Type       `json:"eventType"`
	Filter    *filter.Compiled `json:"-"`
	CreatedAt time.Time        `json:"createdAt"`
}

// Index is a concurrent registry of subscriptions sharded by
// (orgID, eventType). Reads (Match) are frequent and scale with event
// throughput; writes (Create/Remove) scale with connect/disconnect rate.
type Index struct {
	shards [shardCount]indexShard

	// bySession locates a subscription's shard entries when a session closes;
	// byID carries the owning session so single removals skip the scan.
	sessionMu sync.Mutex
	bySession map[string]map[string]shardKey
	byID      map[string]subRef
}

type subRef struct {
	key       shardKey
	sessionID string
}

type indexShard struct {
	mu      sync.RWMutex
	entries map[shardKey]map[string]*Subscription
}

type shardKey struct {
	orgID     string
	eventType event.Type
}

// NewIndex creates an empty subscription index.
func NewIndex() *Index {
	idx := &Index{
		bySession: make(map[string]map[string]shardKey),
		byID:      make(map[string]subRef),
	}
	for i := range idx.shards {
		idx.shards[i].entries = make(map[shardKey]map[string]*Subscription)
	}
	return idx
}

// Create registers a new subscription and returns its ID. The filter must
// already be compiled; callers reject invalid filters before reaching here.
func (idx *Index) Create(userID, orgID, sessionID string, eventType event.Type, f *filter.Compiled) (string, error) {
	if !eventType.IsValid() {
		return "", fmt.Errorf("unsupported event type: %s", eventType)
	}
	if sessionID == "" {
		return "", fmt.Errorf("subscription requires a session ID")
	}

	sub := &Subscription{
		ID:        uuid.NewString(),
		UserID:    userID,
		OrgID:     orgID,
		SessionID: sessionID,
		EventType: eventType,
		Filter:    f,
		CreatedAt: time.Now().UTC(),
	}

	key := shardKey{orgID: orgID, eventType: eventType}
	shard := idx.shardFor(key)

	shard.mu.Lock()
	subs, ok := shard.entries[key]
	if !ok {
		subs = make(map[string]*Subscription)
		shard.entries[key] = subs
	}
	subs[sub.ID] = sub
	shard.mu.Unlock()

	idx.sessionMu.Lock()
	sessionSubs, ok := idx.bySession[sessionID]
	if !ok {
		sessionSubs = make(map[string]shardKey)
		idx.bySession[sessionID] = sessionSubs
	}
	sessionSubs[sub.ID] = key
	idx.byID[sub.ID] = subRef{key: key, sessionID: sessionID}
	idx.sessionMu.Unlock()

	log.Debug().
		Str("subscription_id", sub.ID).
		Str("session_id", sessionID).
		Str("org_id", orgID).
		Str("event_type", string(eventType)).
		Msg("Subscription created")

	return sub.ID, nil
}

// Remove deletes a single subscription. Removing an unknown ID is a no-op.
func (idx *Index) Remove(subscriptionID string) {
	idx.sessionMu.Lock()
	ref, ok := idx.byID[subscriptionID]
	if !ok {
		idx.sessionMu.Unlock()
		return
	}
	delete(idx.byID, subscriptionID)
	if subs, owned := idx.bySession[ref.sessionID]; owned {
		delete(subs, subscriptionID)
		if len(subs) == 0 {
			delete(idx.bySession, ref.sessionID)
		}
	}
	idx.sessionMu.Unlock()

	idx.removeFromShard(ref.key, subscriptionID)
}

// RemoveAllForSession deletes every subscription owned by the session. Once
// this returns, Match will never yield a subscription for that session: each
// shard removal is linearized against concurrent Match calls by the shard
// lock.
func (idx *Index) RemoveAllForSession(sessionID string) {
	idx.sessionMu.Lock()
	subs := idx.bySession[sessionID]
	delete(idx.bySession, sessionID)
	for id := range subs {
		delete(idx.byID, id)
	}
	idx.sessionMu.Unlock()

	for id, key := range subs {
		idx.removeFromShard(key, id)
	}

	if len(subs) > 0 {
		log.Debug().
			Str("session_id", sessionID).
			Int("removed", len(subs)).
			Msg("Session subscriptions removed")
	}
}

// Match returns all subscriptions in the organization that subscribe to the
// event type and whose filters accept the attributes.
func (idx *Index) Match(orgID string, eventType event.Type, attributes map[string]interface{}) []*Subscription {
	key := shardKey{orgID: orgID, eventType: eventType}
	shard := idx.shardFor(key)

	shard.mu.RLock()
	defer shard.mu.RUnlock()

	subs := shard.entries[key]
	if len(subs) == 0 {
		return nil
	}

	var matched []*Subscription
	for _, sub := range subs {
		if sub.Filter.Matches(attributes) {
			matched = append(matched, sub)
		}
	}
	return matched
}

// ForSession returns the session's current subscriptions, for the
// GET_SUBSCRIPTIONS protocol message.
func (idx *Index) ForSession(sessionID string) []*Subscription {
	idx.sessionMu.Lock()
	keys := make(map[string]shardKey, len(idx.bySession[sessionID]))
	for id, key := range idx.bySession[sessionID] {
		keys[id] = key
	}
	idx.sessionMu.Unlock()

	subs := make([]*Subscription, 0, len(keys))
	for id, key := range keys {
		shard := idx.shardFor(key)
		shard.mu.RLock()
		if sub, ok := shard.entries[key][id]; ok {
			subs = append(subs, sub)
		}
		shard.mu.RUnlock()
	}
	return subs
}

// Count returns the total number of active subscriptions.
func (idx *Index) Count() int {
	idx.sessionMu.Lock()
	defer idx.sessionMu.Unlock()
	return len(idx.byID)
}

func (idx *Index) shardFor(key shardKey) *indexShard {
	h := fnv.New32a()
	h.Write([]byte(key.orgID))
	h.Write([]byte{0})
	h.Write([]byte(key.eventType))
	return &idx.shards[h.Sum32()%shardCount]
}

func (idx *Index) removeFromShard(key shardKey, subscriptionID string) {
	shard := idx.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if subs, ok := shard.entries[key]; ok {
		delete(subs, subscriptionID)
		if len(subs) == 0 {
			delete(shard.entries, key)
		}
	}
}
