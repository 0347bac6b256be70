// Package heartbeat detects dead client connections and forces their closure.
package heartbeat

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sams-monitoring/realtime-hub/pkg/schedule"
	"github.com/sams-monitoring/realtime-hub/pkg/session"
)

// SessionRegistry is the slice of the connection registry the monitor needs.
type SessionRegistry interface {
	Get(sessionID string) (*session.Session, bool)
	ForEach(fn func(*session.Session))
	Unregister(sessionID string) *session.Session
}

// Config holds heartbeat monitoring settings.
type Config struct {
	// Interval is the expected client heartbeat period.
	Interval time.Duration `json:"interval" yaml:"interval" mapstructure:"interval"`
	// Timeout is how long a session may go without a heartbeat before it is
	// closed. Zero defaults to twice the interval.
	Timeout time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
}

// DefaultConfig returns the default heartbeat settings.
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  60 * time.Second,
	}
}

// Monitor scans live sessions on a fixed tick and closes the ones whose last
// heartbeat is older than the timeout.
type Monitor struct {
	registry  SessionRegistry
	timeout   time.Duration
	interval  time.Duration
	scheduler schedule.Scheduler

	mu   sync.Mutex
	stop func()
}

// NewMonitor creates a heartbeat monitor. A nil scheduler gets the default
// ticker implementation.
func NewMonitor(registry SessionRegistry, cfg Config, scheduler schedule.Scheduler) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * cfg.Interval
	}
	if scheduler == nil {
		scheduler = schedule.TickerScheduler{}
	}
	return &Monitor{
		registry:  registry,
		timeout:   cfg.Timeout,
		interval:  cfg.Interval,
		scheduler: scheduler,
	}
}

// Start begins scanning at half the heartbeat interval, so a timed-out
// session is closed within one tick of crossing the threshold.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stop != nil {
		return
	}
	m.stop = m.scheduler.Every(m.interval/2, m.Tick)

	log.Info().
		Dur("interval", m.interval).
		Dur("timeout", m.timeout).
		Msg("Heartbeat monitor started")
}

// Stop halts the periodic scan.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stop != nil {
		m.stop()
		m.stop = nil
	}
}

// OnHeartbeat records a heartbeat for the session. Safe to call concurrently
// with a tick; a session touched during a scan is simply kept alive next time.
func (m *Monitor) OnHeartbeat(sessionID string) {
	if sess, ok := m.registry.Get(sessionID); ok {
		sess.Touch()
	}
}

// Tick performs one staleness scan. Exported so cooperative schedulers and
// tests can drive the monitor directly.
func (m *Monitor) Tick() {
	now := time.Now()

	var stale []string
	m.registry.ForEach(func(sess *session.Session) {
		// A session aged exactly the timeout is still alive; closure
		// requires strictly exceeding it.
		if now.Sub(sess.LastHeartbeat()) > m.timeout {
			stale = append(stale, sess.ID)
		}
	})

	for _, id := range stale {
		log.Warn().
			Str("session_id", id).
			Dur("timeout", m.timeout).
			Msg("Session heartbeat timed out, forcing closure")
		m.registry.Unregister(id)
	}
}
