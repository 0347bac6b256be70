package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sams-monitoring/realtime-hub/pkg/event"
	"github.com/sams-monitoring/realtime-hub/pkg/filter"
	"github.com/sams-monitoring/realtime-hub/pkg/offline"
	"github.com/sams-monitoring/realtime-hub/pkg/protocol"
	"github.com/sams-monitoring/realtime-hub/pkg/session"
	"github.com/sams-monitoring/realtime-hub/pkg/subscription"
)

type recordingTransport struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
}

func (t *recordingTransport) WriteMessage(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail {
		return errors.New("transport down")
	}
	t.frames = append(t.frames, frame)
	return nil
}

func (t *recordingTransport) Close() error { return nil }

func (t *recordingTransport) eventIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for _, frame := range t.frames {
		var env protocol.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			continue
		}
		if env.Type != protocol.TypeEvent {
			continue
		}
		var evt event.Event
		if err := json.Unmarshal(env.Data, &evt); err != nil {
			continue
		}
		ids = append(ids, evt.ID)
	}
	return ids
}

// testHub wires a real index, registry, queue and interest registry the way
// the server does.
type testHub struct {
	index     *subscription.Index
	registry  *session.Registry
	queue     *offline.Queue
	interests *offline.InterestRegistry
	dsp       *Dispatcher
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()
	index := subscription.NewIndex()
	interests := offline.NewInterestRegistry(time.Hour)
	registry := session.NewRegistry(&SubscriptionCleanup{Index: index, Interests: interests})
	queue := offline.NewQueue(offline.NewMemoryStore(), offline.Config{TTL: time.Hour})
	return &testHub{
		index:     index,
		registry:  registry,
		queue:     queue,
		interests: interests,
		dsp:       NewDispatcher(index, registry, queue, interests),
	}
}

func (h *testHub) connect(t *testing.T, sessionID, userID string) *recordingTransport {
	t.Helper()
	transport := &recordingTransport{}
	sess := session.NewSession(sessionID, userID, "org-1", "laptop", transport, 16)
	h.registry.Register(sess)
	require.NoError(t, sess.Activate())
	return transport
}

func (h *testHub) subscribe(t *testing.T, sessionID, userID string, eventType event.Type, f filter.Filter) string {
	t.Helper()
	compiled, err := filter.Compile(f)
	require.NoError(t, err)
	id, err := h.index.Create(userID, "org-1", sessionID, eventType, compiled)
	require.NoError(t, err)
	return id
}

func alertEvent(id string, attrs map[string]interface{}) *event.Event {
	return &event.Event{
		ID:         id,
		Type:       event.TypeAlert,
		OrgID:      "org-1",
		EntityID:   "server-42",
		Attributes: attrs,
		Timestamp:  time.Now().UTC(),
	}
}

func TestDispatchDeliversToMatchingSubscriber(t *testing.T) {
	hub := newTestHub(t)
	transport := hub.connect(t, "s1", "u1")
	hub.subscribe(t, "s1", "u1", event.TypeAlert, filter.Filter{"severity": []interface{}{"critical"}})

	evt := alertEvent("e1", map[string]interface{}{"severity": "critical"})
	require.NoError(t, hub.dsp.Dispatch(context.Background(), evt))

	require.Eventually(t, func() bool {
		return len(transport.eventIDs()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"e1"}, transport.eventIDs())

	// Non-matching severity yields nothing.
	low := alertEvent("e2", map[string]interface{}{"severity": "low"})
	require.NoError(t, hub.dsp.Dispatch(context.Background(), low))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"e1"}, transport.eventIDs())
}

func TestDispatchDisjointFiltersStayIsolated(t *testing.T) {
	hub := newTestHub(t)
	transportA := hub.connect(t, "sA", "uA")
	transportB := hub.connect(t, "sB", "uB")
	hub.subscribe(t, "sA", "uA", event.TypeAlert, filter.Filter{"severity": []interface{}{"critical"}})
	hub.subscribe(t, "sB", "uB", event.TypeAlert, filter.Filter{"severity": []interface{}{"info"}})

	evt := alertEvent("e1", map[string]interface{}{"severity": "critical"})
	require.NoError(t, hub.dsp.Dispatch(context.Background(), evt))

	require.Eventually(t, func() bool {
		return len(transportA.eventIDs()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, transportB.eventIDs(), "client with a disjoint filter must receive nothing")
}

func TestDispatchAtMostOncePerSession(t *testing.T) {
	hub := newTestHub(t)
	transport := hub.connect(t, "s1", "u1")

	// Two overlapping subscriptions on the same session.
	hub.subscribe(t, "s1", "u1", event.TypeAlert, nil)
	hub.subscribe(t, "s1", "u1", event.TypeAlert, filter.Filter{"severity": []interface{}{"critical"}})

	evt := alertEvent("e1", map[string]interface{}{"severity": "critical"})
	require.NoError(t, hub.dsp.Dispatch(context.Background(), evt))

	require.Eventually(t, func() bool {
		return len(transport.eventIDs()) >= 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"e1"}, transport.eventIDs(), "one event, one message per session")
}

func TestDispatchQueuesOfflineAfterDisconnect(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub(t)
	hub.connect(t, "s1", "u1")
	hub.subscribe(t, "s1", "u1", event.TypeAlert, filter.Filter{"severity": []interface{}{"critical"}})

	// Disconnect without unsubscribing; cleanup snapshots the interest.
	hub.registry.Unregister("s1")
	assert.Empty(t, hub.index.ForSession("s1"))

	evt := alertEvent("e1", map[string]interface{}{"severity": "critical"})
	require.NoError(t, hub.dsp.Dispatch(ctx, evt))

	count, err := hub.queue.Count(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Redispatching the same event does not duplicate the queued entry.
	require.NoError(t, hub.dsp.Dispatch(ctx, evt))
	count, err = hub.queue.Count(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Reconnect: drain delivers exactly once and empties the queue.
	hub.interests.ClearUser("u1")
	var redelivered []string
	n, err := hub.queue.DrainAndDeliver(ctx, "u1", func(evt *event.Event) error {
		redelivered = append(redelivered, evt.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"e1"}, redelivered)

	count, err = hub.queue.Count(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestDispatchQueuesOnSendFailure(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub(t)
	transport := hub.connect(t, "s1", "u1")
	hub.subscribe(t, "s1", "u1", event.TypeAlert, nil)

	// Break the transport; the sender goroutine notices on the next write
	// and the registry force-closes the session.
	transport.mu.Lock()
	transport.fail = true
	transport.mu.Unlock()
	sess, ok := hub.registry.Get("s1")
	require.True(t, ok)
	require.NoError(t, sess.Send([]byte("x")))

	require.Eventually(t, func() bool {
		_, ok := hub.registry.Get("s1")
		return !ok
	}, time.Second, time.Millisecond)

	evt := alertEvent("e1", map[string]interface{}{"severity": "critical"})
	require.NoError(t, hub.dsp.Dispatch(ctx, evt))

	count, err := hub.queue.Count(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "events in flight around a transport failure fall back to the offline queue")
}

// stuckTransport blocks writes until the connection is closed, simulating a
// consumer that stops reading while the server keeps sending.
type stuckTransport struct {
	once    sync.Once
	release chan struct{}
}

func newStuckTransport() *stuckTransport {
	return &stuckTransport{release: make(chan struct{})}
}

func (t *stuckTransport) WriteMessage([]byte) error {
	<-t.release
	return nil
}

func (t *stuckTransport) Close() error {
	t.once.Do(func() { close(t.release) })
	return nil
}

func TestDispatchClosesSessionWhenOutboundQueueFull(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub(t)

	transport := newStuckTransport()
	sess := session.NewSession("s1", "u1", "org-1", "laptop", transport, 1)
	hub.registry.Register(sess)
	require.NoError(t, sess.Activate())
	hub.subscribe(t, "s1", "u1", event.TypeAlert, nil)

	// One frame stuck on the transport; once the sender picks it up, a
	// second fills the outbound queue.
	require.NoError(t, sess.Send([]byte("a")))
	require.Eventually(t, func() bool {
		return sess.Send([]byte("b")) == nil
	}, time.Second, time.Millisecond)

	evt := alertEvent("e1", map[string]interface{}{"severity": "critical"})
	require.NoError(t, hub.dsp.Dispatch(ctx, evt))

	_, ok := hub.registry.Get("s1")
	assert.False(t, ok, "a session that cannot accept delivery is degraded and must be closed")

	count, err := hub.queue.Count(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "the undeliverable event retries through the offline queue")
}

func TestDispatchSkipsQueueWhenAnotherDeviceIsLive(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub(t)

	// Same user on two devices; one disconnects.
	phone := hub.connect(t, "s-phone", "u1")
	hub.connect(t, "s-laptop", "u1")
	hub.subscribe(t, "s-phone", "u1", event.TypeAlert, nil)
	hub.subscribe(t, "s-laptop", "u1", event.TypeAlert, nil)
	hub.registry.Unregister("s-laptop")

	evt := alertEvent("e1", map[string]interface{}{"severity": "critical"})
	require.NoError(t, hub.dsp.Dispatch(ctx, evt))

	require.Eventually(t, func() bool {
		return len(phone.eventIDs()) == 1
	}, time.Second, 5*time.Millisecond)

	count, err := hub.queue.Count(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, count, "live device delivery suppresses offline queueing")
}

func TestDispatchRejectsInvalidEvent(t *testing.T) {
	hub := newTestHub(t)
	err := hub.dsp.Dispatch(context.Background(), &event.Event{ID: "e1"})
	assert.Error(t, err)
}

func TestDispatchStats(t *testing.T) {
	hub := newTestHub(t)
	transport := hub.connect(t, "s1", "u1")
	hub.subscribe(t, "s1", "u1", event.TypeAlert, nil)

	for i := 0; i < 3; i++ {
		evt := alertEvent(fmt.Sprintf("e%d", i), map[string]interface{}{"severity": "critical"})
		require.NoError(t, hub.dsp.Dispatch(context.Background(), evt))
	}

	require.Eventually(t, func() bool {
		return len(transport.eventIDs()) == 3
	}, time.Second, 5*time.Millisecond)

	stats := hub.dsp.Stats()
	assert.Equal(t, int64(3), stats.EventsDispatched)
	assert.Equal(t, int64(3), stats.MessagesSent)
	assert.Zero(t, stats.MessagesQueued)
	assert.Zero(t, stats.DispatchFaults)
}
