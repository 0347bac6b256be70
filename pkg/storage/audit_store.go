// Package storage persists session and subscription lifecycle records to
// SQLite for operational bookkeeping. Writes are asynchronous and
// best-effort; the live delivery path never waits on the database.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/sams-monitoring/realtime-hub/pkg/subscription"
)

// Config holds AuditStore configuration.
type Config struct {
	DatabasePath    string        `json:"database_path" yaml:"database_path" mapstructure:"database_path"`
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	WriteQueueSize  int           `json:"write_queue_size" yaml:"write_queue_size" mapstructure:"write_queue_size"`
}

// DefaultConfig returns default audit store configuration.
func DefaultConfig() *Config {
	return &Config{
		DatabasePath:    "realtime_hub.db",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		WriteQueueSize:  1024,
	}
}

// SessionRecord is one row of the session audit table.
type SessionRecord struct {
	SessionID       string
	UserID          string
	OrgID           string
	DeviceID        string
	Status          string
	ConnectedAt     time.Time
	DisconnectedAt  sql.NullTime
	LastHeartbeatAt time.Time
}

// SubscriptionRecord is one row of the subscription audit table.
type SubscriptionRecord struct {
	SubscriptionID string
	SessionID      string
	UserID         string
	OrgID          string
	EventType      string
	Filter         string
	CreatedAt      time.Time
	RemovedAt      sql.NullTime
}

// AuditStore is a SQLite-backed sink for lifecycle records. It satisfies
// the hub's AuditLog contract: record calls enqueue the write and return
// immediately; a single worker goroutine owns all database writes.
type AuditStore struct {
	db   *sql.DB
	jobs chan func()
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewAuditStore opens (creating if needed) the audit database and starts
// the write worker.
func NewAuditStore(config *Config) (*AuditStore, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if dir := filepath.Dir(config.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL&_temp_store=MEMORY", config.DatabasePath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	store := &AuditStore{
		db:   db,
		jobs: make(chan func(), config.WriteQueueSize),
	}
	if err := store.initializeSchema(); err != nil {
		db.Close()
		return nil, err
	}

	store.wg.Add(1)
	go store.writeWorker()

	log.Info().Str("database_path", config.DatabasePath).Msg("Audit store opened")
	return store, nil
}

func (s *AuditStore) initializeSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id        TEXT PRIMARY KEY,
		user_id           TEXT NOT NULL,
		org_id            TEXT NOT NULL,
		device_id         TEXT NOT NULL,
		status            TEXT NOT NULL DEFAULT 'active',
		connected_at      TIMESTAMP NOT NULL,
		disconnected_at   TIMESTAMP,
		last_heartbeat_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

	CREATE TABLE IF NOT EXISTS subscriptions (
		subscription_id TEXT PRIMARY KEY,
		session_id      TEXT NOT NULL,
		user_id         TEXT NOT NULL,
		org_id          TEXT NOT NULL,
		event_type      TEXT NOT NULL,
		filter          TEXT,
		created_at      TIMESTAMP NOT NULL,
		removed_at      TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_session ON subscriptions(session_id);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_user ON subscriptions(user_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	return nil
}

func (s *AuditStore) writeWorker() {
	defer s.wg.Done()
	for job := range s.jobs {
		job()
	}
}

// enqueue hands a write to the worker without blocking the caller. When the
// backlog is full the record is dropped; audit data is best-effort.
func (s *AuditStore) enqueue(job func()) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	select {
	case s.jobs <- job:
	default:
		log.Warn().Msg("Audit write queue full, dropping record")
	}
}

// RecordSessionOpened implements hub.AuditLog.
func (s *AuditStore) RecordSessionOpened(_ context.Context, sessionID, userID, orgID, deviceID string) {
	now := time.Now().UTC()
	s.enqueue(func() {
		_, err := s.db.Exec(
			`INSERT OR REPLACE INTO sessions
			 (session_id, user_id, org_id, device_id, status, connected_at, last_heartbeat_at)
			 VALUES (?, ?, ?, ?, 'active', ?, ?)`,
			sessionID, userID, orgID, deviceID, now, now)
		if err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to record session open")
		}
	})
}

// RecordSessionClosed implements hub.AuditLog.
func (s *AuditStore) RecordSessionClosed(_ context.Context, sessionID string) {
	now := time.Now().UTC()
	s.enqueue(func() {
		_, err := s.db.Exec(
			`UPDATE sessions SET status = 'closed', disconnected_at = ? WHERE session_id = ?`,
			now, sessionID)
		if err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to record session close")
		}
	})
}

// RecordHeartbeat implements hub.AuditLog.
func (s *AuditStore) RecordHeartbeat(_ context.Context, sessionID string) {
	now := time.Now().UTC()
	s.enqueue(func() {
		_, err := s.db.Exec(
			`UPDATE sessions SET last_heartbeat_at = ? WHERE session_id = ?`,
			now, sessionID)
		if err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to record heartbeat")
		}
	})
}

// RecordSubscriptionCreated implements hub.AuditLog.
func (s *AuditStore) RecordSubscriptionCreated(_ context.Context, sub *subscription.Subscription) {
	filterJSON := ""
	if sub.Filter != nil {
		if raw := sub.Filter.Raw(); len(raw) > 0 {
			if data, err := json.Marshal(raw); err == nil {
				filterJSON = string(data)
			}
		}
	}
	record := *sub
	s.enqueue(func() {
		_, err := s.db.Exec(
			`INSERT OR REPLACE INTO subscriptions
			 (subscription_id, session_id, user_id, org_id, event_type, filter, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			record.ID, record.SessionID, record.UserID, record.OrgID,
			string(record.EventType), filterJSON, record.CreatedAt.UTC())
		if err != nil {
			log.Warn().Err(err).Str("subscription_id", record.ID).Msg("Failed to record subscription")
		}
	})
}

// RecordSubscriptionRemoved implements hub.AuditLog.
func (s *AuditStore) RecordSubscriptionRemoved(_ context.Context, subscriptionID string) {
	now := time.Now().UTC()
	s.enqueue(func() {
		_, err := s.db.Exec(
			`UPDATE subscriptions SET removed_at = ? WHERE subscription_id = ?`,
			now, subscriptionID)
		if err != nil {
			log.Warn().Err(err).Str("subscription_id", subscriptionID).Msg("Failed to record unsubscription")
		}
	})
}

// GetSession returns the audit record for a session.
func (s *AuditStore) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	var rec SessionRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, user_id, org_id, device_id, status, connected_at, disconnected_at, last_heartbeat_at
		 FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&rec.SessionID, &rec.UserID, &rec.OrgID, &rec.DeviceID, &rec.Status,
			&rec.ConnectedAt, &rec.DisconnectedAt, &rec.LastHeartbeatAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	return &rec, nil
}

// GetSubscription returns the audit record for a subscription.
func (s *AuditStore) GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionRecord, error) {
	var rec SubscriptionRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT subscription_id, session_id, user_id, org_id, event_type, filter, created_at, removed_at
		 FROM subscriptions WHERE subscription_id = ?`, subscriptionID).
		Scan(&rec.SubscriptionID, &rec.SessionID, &rec.UserID, &rec.OrgID, &rec.EventType,
			&rec.Filter, &rec.CreatedAt, &rec.RemovedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("subscription not found: %s", subscriptionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription %s: %w", subscriptionID, err)
	}
	return &rec, nil
}

// ActiveSessionCount returns the number of sessions not yet marked closed.
func (s *AuditStore) ActiveSessionCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE status = 'active'`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return count, nil
}

// Flush blocks until every write enqueued so far has been applied. Used in
// tests and during shutdown.
func (s *AuditStore) Flush() {
	done := make(chan struct{})
	s.enqueue(func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Warn().Msg("Audit store flush timed out")
	}
}

// Close drains pending writes and closes the database.
func (s *AuditStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.jobs)
	s.wg.Wait()
	return s.db.Close()
}
