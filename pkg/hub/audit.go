package hub

import (
	"context"

	"github.com/sams-monitoring/realtime-hub/pkg/subscription"
)

// AuditLog receives session and subscription lifecycle records for durable
// bookkeeping. Implementations must not block: the hub calls these on
// connection goroutines. A nil AuditLog disables auditing.
type AuditLog interface {
	RecordSessionOpened(ctx context.Context, sessionID, userID, orgID, deviceID string)
	RecordSessionClosed(ctx context.Context, sessionID string)
	RecordHeartbeat(ctx context.Context, sessionID string)
	RecordSubscriptionCreated(ctx context.Context, sub *subscription.Subscription)
	RecordSubscriptionRemoved(ctx context.Context, subscriptionID string)
}
