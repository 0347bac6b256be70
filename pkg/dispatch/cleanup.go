package dispatch

import (
	"github.com/sams-monitoring/realtime-hub/pkg/offline"
	"github.com/sams-monitoring/realtime-hub/pkg/subscription"
)

// SubscriptionCleanup is the session registry's cleanup hook. When a session
// closes, its subscriptions are snapshotted into the interest registry (so
// matching events can still be queued for the user) and then removed from
// the live index atomically with respect to concurrent matches.
type SubscriptionCleanup struct {
	Index     *subscription.Index
	Interests *offline.InterestRegistry
}

// RemoveAllForSession implements session.SubscriptionCleaner.
func (c *SubscriptionCleanup) RemoveAllForSession(sessionID string) {
	if c.Interests != nil {
		for _, sub := range c.Index.ForSession(sessionID) {
			c.Interests.Record(sub.UserID, sub.OrgID, sub.EventType, sub.Filter)
		}
	}
	c.Index.RemoveAllForSession(sessionID)
}
