package offline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sams-monitoring/realtime-hub/pkg/event"
)

// captureScheduler records the sweep task so tests can drive it by hand.
type captureScheduler struct {
	interval time.Duration
	task     func()
	stopped  bool
}

func (s *captureScheduler) Every(interval time.Duration, task func()) func() {
	s.interval = interval
	s.task = task
	return func() { s.stopped = true }
}

func TestInterestRegistryMatchUsers(t *testing.T) {
	reg := NewInterestRegistry(time.Hour)
	reg.Record("u1", "org-1", event.TypeAlert, nil)
	reg.Record("u1", "org-1", event.TypeServerStatus, nil)
	reg.Record("u2", "org-2", event.TypeAlert, nil)

	users := reg.MatchUsers("org-1", event.TypeAlert, nil)
	assert.Equal(t, []string{"u1"}, users, "each user at most once, scoped to org and type")

	reg.ClearUser("u1")
	assert.Empty(t, reg.MatchUsers("org-1", event.TypeAlert, nil))
}

func TestInterestRegistrySweepEvictsExpired(t *testing.T) {
	reg := NewInterestRegistry(10 * time.Millisecond)
	sched := &captureScheduler{}
	reg.Start(sched, 5*time.Millisecond)

	assert.Equal(t, 5*time.Millisecond, sched.interval)
	require.NotNil(t, sched.task)

	reg.Record("u1", "org-1", event.TypeAlert, nil)
	reg.Record("u2", "org-1", event.TypeAlert, nil)
	require.Equal(t, 2, reg.Count())

	time.Sleep(20 * time.Millisecond)
	sched.task()

	assert.Zero(t, reg.Count(), "users who never reconnect must not accumulate interests")
	assert.Empty(t, reg.MatchUsers("org-1", event.TypeAlert, nil))

	reg.Stop()
	assert.True(t, sched.stopped)
}

func TestInterestRegistryStartIsIdempotent(t *testing.T) {
	reg := NewInterestRegistry(time.Hour)
	first := &captureScheduler{}
	second := &captureScheduler{}

	reg.Start(first, time.Minute)
	reg.Start(second, time.Minute)
	assert.Nil(t, second.task, "second Start must not schedule another sweep")

	reg.Stop()
	assert.True(t, first.stopped)
}
