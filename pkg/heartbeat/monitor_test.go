package heartbeat

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sams-monitoring/realtime-hub/pkg/session"
)

type nopTransport struct{}

func (nopTransport) WriteMessage([]byte) error { return nil }
func (nopTransport) Close() error              { return nil }

type recordingCleaner struct {
	mu       sync.Mutex
	sessions []string
}

func (c *recordingCleaner) RemoveAllForSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = append(c.sessions, sessionID)
}

func (c *recordingCleaner) cleaned() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sessions))
	copy(out, c.sessions)
	return out
}

// manualScheduler lets tests drive ticks by hand.
type manualScheduler struct {
	interval time.Duration
	task     func()
	stopped  bool
}

func (s *manualScheduler) Every(interval time.Duration, task func()) func() {
	s.interval = interval
	s.task = task
	return func() { s.stopped = true }
}

func TestMonitorClosesTimedOutSessions(t *testing.T) {
	cleaner := &recordingCleaner{}
	registry := session.NewRegistry(cleaner)

	stale := session.NewSession("stale", "u1", "o1", "d1", nopTransport{}, 4)
	fresh := session.NewSession("fresh", "u2", "o1", "d1", nopTransport{}, 4)
	registry.Register(stale)
	registry.Register(fresh)

	monitor := NewMonitor(registry, Config{Interval: 10 * time.Millisecond, Timeout: 20 * time.Millisecond}, nil)

	time.Sleep(30 * time.Millisecond)
	fresh.Touch()
	monitor.Tick()

	_, ok := registry.Get("stale")
	assert.False(t, ok, "timed-out session should be closed")
	_, ok = registry.Get("fresh")
	assert.True(t, ok, "recently touched session should survive")

	// Closure cascaded subscription cleanup within the same tick.
	assert.Equal(t, []string{"stale"}, cleaner.cleaned())
}

func TestMonitorOnHeartbeatKeepsSessionAlive(t *testing.T) {
	registry := session.NewRegistry(nil)
	sess := session.NewSession("s1", "u1", "o1", "d1", nopTransport{}, 4)
	registry.Register(sess)

	monitor := NewMonitor(registry, Config{Interval: 20 * time.Millisecond, Timeout: 40 * time.Millisecond}, nil)

	for i := 0; i < 4; i++ {
		time.Sleep(15 * time.Millisecond)
		monitor.OnHeartbeat("s1")
		monitor.Tick()
	}

	_, ok := registry.Get("s1")
	assert.True(t, ok)

	// Heartbeats for unknown sessions are ignored.
	monitor.OnHeartbeat("missing")
}

func TestMonitorTicksAtHalfInterval(t *testing.T) {
	registry := session.NewRegistry(nil)
	sched := &manualScheduler{}

	monitor := NewMonitor(registry, Config{Interval: 30 * time.Second}, sched)
	monitor.Start()

	assert.Equal(t, 15*time.Second, sched.interval)
	require.NotNil(t, sched.task)

	// Timeout defaults to twice the interval.
	assert.Equal(t, 60*time.Second, monitor.timeout)

	monitor.Stop()
	assert.True(t, sched.stopped)
}
