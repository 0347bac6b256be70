// Package session owns the registry of live client connections and their
// outbound delivery queues.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State represents the lifecycle state of a client session.
type State string

const (
	// StateConnecting is the initial state while the handshake completes.
	StateConnecting State = "connecting"
	// StateActive indicates identity is bound and delivery is running.
	StateActive State = "active"
	// StateStale marks a session immediately before forced closure. It is
	// transient and never observable through Registry.Get.
	StateStale State = "stale"
	// StateClosed is terminal: no sends, no heartbeat updates.
	StateClosed State = "closed"
)

// IsValid returns true if the state is one of the defined session states.
func (s State) IsValid() bool {
	switch s {
	case StateConnecting, StateActive, StateStale, StateClosed:
		return true
	default:
		return false
	}
}

// CanTransitionTo checks whether a transition to the target state is legal.
func (s State) CanTransitionTo(target State) bool {
	switch s {
	case StateConnecting:
		return target == StateActive || target == StateClosed
	case StateActive:
		return target == StateStale || target == StateClosed
	case StateStale:
		return target == StateClosed
	default:
		return false
	}
}

var (
	// ErrSessionClosed is returned when sending to a closed session.
	ErrSessionClosed = errors.New("session is closed")
	// ErrQueueFull is returned when the session's outbound queue is full.
	// The caller must treat the session as degraded.
	ErrQueueFull = errors.New("session outbound queue is full")
)

// Transport is the wire-level connection a session writes to. Implemented by
// the hub's WebSocket connection; swapped for a recorder in tests.
type Transport interface {
	WriteMessage(data []byte) error
	Close() error
}

// Session is a live client connection plus its identity and heartbeat state.
// Sessions are owned exclusively by the Registry for their lifetime.
type Session struct {
	ID          string    `json:"sessionId"`
	UserID      string    `json:"userId"`
	OrgID       string    `json:"orgId"`
	DeviceID    string    `json:"deviceId"`
	ConnectedAt time.Time `json:"connectedAt"`

	transport Transport
	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu            sync.RWMutex
	state         State
	lastHeartbeat time.Time
}

// NewSession creates a session in the connecting state. queueSize bounds the
// outbound queue; a slow consumer fills its own queue without blocking
// delivery to other sessions.
func NewSession(id, userID, orgID, deviceID string, transport Transport, queueSize int) *Session {
	now := time.Now()
	return &Session{
		ID:            id,
		UserID:        userID,
		OrgID:         orgID,
		DeviceID:      deviceID,
		ConnectedAt:   now,
		transport:     transport,
		outbound:      make(chan []byte, queueSize),
		done:          make(chan struct{}),
		state:         StateConnecting,
		lastHeartbeat: now,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Activate transitions the session from connecting to active once identity
// is bound and queued offline messages have been flushed.
func (s *Session) Activate() error {
	return s.transition(StateActive)
}

// MarkStale flags the session for closure. Stale is transient; the registry
// closes the session right after.
func (s *Session) MarkStale() error {
	return s.transition(StateStale)
}

func (s *Session) transition(target State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.CanTransitionTo(target) {
		return fmt.Errorf("invalid session state transition: %s -> %s", s.state, target)
	}
	s.state = target
	return nil
}

// Touch records a heartbeat. Heartbeats on closed sessions are ignored.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return
	}
	s.lastHeartbeat = time.Now()
}

// LastHeartbeat returns the time of the most recent heartbeat.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHeartbeat
}

// Send queues a message for delivery. It never blocks: a full queue or a
// closed session returns an error and the caller falls back to offline
// queuing for the user.
func (s *Session) Send(message []byte) error {
	s.mu.RLock()
	state := s.state
	s.mu.RUnlock()
	if state == StateClosed {
		return ErrSessionClosed
	}

	select {
	case s.outbound <- message:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrQueueFull
	}
}

// Close transitions the session to closed, cancels pending outbound messages
// and closes the transport. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()

		close(s.done)
		if s.transport != nil {
			if err := s.transport.Close(); err != nil {
				log.Debug().Err(err).Str("session_id", s.ID).Msg("Transport close error")
			}
		}
	})
}

// run drains the outbound queue onto the transport until the session closes
// or a write fails. Each session has exactly one sender, which preserves
// per-session delivery order.
func (s *Session) run(onFailure func(*Session)) {
	for {
		select {
		case <-s.done:
			return
		case message := <-s.outbound:
			if err := s.transport.WriteMessage(message); err != nil {
				log.Warn().
					Err(err).
					Str("session_id", s.ID).
					Msg("Session transport write failed")
				if onFailure != nil {
					onFailure(s)
				}
				return
			}
		}
	}
}
