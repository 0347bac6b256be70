// Package dispatch fans published events out to every matching live
// subscription, falling back to the offline queue for users with no live
// session.
package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sams-monitoring/realtime-hub/pkg/event"
	"github.com/sams-monitoring/realtime-hub/pkg/offline"
	"github.com/sams-monitoring/realtime-hub/pkg/protocol"
	"github.com/sams-monitoring/realtime-hub/pkg/session"
	"github.com/sams-monitoring/realtime-hub/pkg/subscription"
)

const tracerName = "realtime-hub/dispatch"

// Stats is a point-in-time snapshot of dispatcher counters.
type Stats struct {
	EventsDispatched int64 `json:"eventsDispatched"`
	MessagesSent     int64 `json:"messagesSent"`
	MessagesQueued   int64 `json:"messagesQueued"`
	DispatchFaults   int64 `json:"dispatchFaults"`
}

// Dispatcher routes one event to all matching subscriptions.
type Dispatcher struct {
	index     *subscription.Index
	registry  *session.Registry
	queue     *offline.Queue
	interests *offline.InterestRegistry
	tracer    trace.Tracer

	eventsDispatched atomic.Int64
	messagesSent     atomic.Int64
	messagesQueued   atomic.Int64
	dispatchFaults   atomic.Int64
}

// NewDispatcher creates a dispatcher over the given index, registry,
// offline queue and interest registry.
func NewDispatcher(index *subscription.Index, registry *session.Registry, queue *offline.Queue, interests *offline.InterestRegistry) *Dispatcher {
	return &Dispatcher{
		index:     index,
		registry:  registry,
		queue:     queue,
		interests: interests,
		tracer:    otel.Tracer(tracerName),
	}
}

// Dispatch routes the event to every matching subscription. Each live
// session receives at most one message per event, even when several of its
// subscriptions match. A failed send closes the degraded session and queues
// the event offline for its user; users with no live session at all get the
// event queued offline once. A fault on one subscription never aborts
// delivery to the others.
func (d *Dispatcher) Dispatch(ctx context.Context, evt *event.Event) error {
	if err := evt.Validate(); err != nil {
		return fmt.Errorf("refusing to dispatch invalid event: %w", err)
	}

	ctx, span := d.tracer.Start(ctx, "dispatch.event", trace.WithAttributes(
		attribute.String("event.id", evt.ID),
		attribute.String("event.type", string(evt.Type)),
		attribute.String("event.org_id", evt.OrgID),
	))
	defer span.End()

	d.eventsDispatched.Add(1)

	matches := d.index.Match(evt.OrgID, evt.Type, evt.Attributes)
	offlineUsers := d.interests.MatchUsers(evt.OrgID, evt.Type, evt.Attributes)
	if len(matches) == 0 && len(offlineUsers) == 0 {
		span.SetAttributes(attribute.Int("dispatch.matches", 0))
		return nil
	}

	frame, err := protocol.Encode(protocol.TypeEvent, evt)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", evt.ID, err)
	}

	sent := make(map[string]struct{}, len(matches))
	queued := make(map[string]struct{})

	for _, sub := range matches {
		d.deliverOne(ctx, sub, evt, frame, sent, queued)
	}

	// Users whose sessions closed without unsubscribing still have their
	// matching intent on record; queue for them unless another device of
	// theirs is live.
	for _, userID := range offlineUsers {
		if d.registry.HasLiveSession(userID) {
			continue
		}
		d.queueOffline(userID, evt, queued)
	}

	span.SetAttributes(
		attribute.Int("dispatch.matches", len(matches)),
		attribute.Int("dispatch.sent", len(sent)),
		attribute.Int("dispatch.queued", len(queued)),
	)

	log.Debug().
		Str("event_id", evt.ID).
		Str("event_type", string(evt.Type)).
		Str("org_id", evt.OrgID).
		Int("matches", len(matches)).
		Int("sent", len(sent)).
		Int("queued", len(queued)).
		Msg("Event dispatched")
	return nil
}

// deliverOne handles a single matched subscription. Panics are contained
// here so one bad subscription cannot take down the rest of the fan-out.
func (d *Dispatcher) deliverOne(ctx context.Context, sub *subscription.Subscription, evt *event.Event, frame []byte, sent, queued map[string]struct{}) {
	defer func() {
		if r := recover(); r != nil {
			d.dispatchFaults.Add(1)
			log.Error().
				Interface("panic", r).
				Str("event_id", evt.ID).
				Str("subscription_id", sub.ID).
				Msg("Dispatch fault on subscription, continuing with remaining matches")
		}
	}()

	if _, already := sent[sub.SessionID]; already {
		return
	}

	err := d.registry.Send(sub.SessionID, frame)
	if err == nil {
		sent[sub.SessionID] = struct{}{}
		d.messagesSent.Add(1)
		return
	}

	// A failed send means the session is degraded: close it so its
	// subscriptions become interests, and retry delivery offline.
	log.Warn().
		Err(err).
		Str("event_id", evt.ID).
		Str("session_id", sub.SessionID).
		Str("user_id", sub.UserID).
		Msg("Live delivery failed, closing degraded session and queueing offline")
	d.registry.Unregister(sub.SessionID)
	d.queueOffline(sub.UserID, evt, queued)
}

func (d *Dispatcher) queueOffline(userID string, evt *event.Event, queued map[string]struct{}) {
	if _, already := queued[userID]; already {
		return
	}
	queued[userID] = struct{}{}
	d.messagesQueued.Add(1)
	d.queue.EnqueueAsync(userID, evt)
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		EventsDispatched: d.eventsDispatched.Load(),
		MessagesSent:     d.messagesSent.Load(),
		MessagesQueued:   d.messagesQueued.Load(),
		DispatchFaults:   d.dispatchFaults.Load(),
	}
}
