// Package offline buffers events for users with no live session until they
// reconnect or the entries expire.
package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sams-monitoring/realtime-hub/pkg/event"
	"github.com/sams-monitoring/realtime-hub/pkg/retry"
	"github.com/sams-monitoring/realtime-hub/pkg/schedule"
)

const lockStripes = 64

// QueuedMessage is one undelivered event in a user's mailbox.
type QueuedMessage struct {
	UserID     string       `json:"userId"`
	Event      *event.Event `json:"event"`
	EnqueuedAt time.Time    `json:"enqueuedAt"`
	ExpiresAt  time.Time    `json:"expiresAt"`
}

// Config holds offline queue settings.
type Config struct {
	// TTL bounds how long an entry may wait for redelivery.
	TTL time.Duration `json:"ttl" yaml:"ttl" mapstructure:"ttl"`
	// MaxPerUser caps a single user's mailbox; the oldest entries are
	// dropped first when the cap is exceeded.
	MaxPerUser int `json:"max_per_user" yaml:"max_per_user" mapstructure:"max_per_user"`
	// EvictionInterval is how often expired entries are swept.
	EvictionInterval time.Duration `json:"eviction_interval" yaml:"eviction_interval" mapstructure:"eviction_interval"`
	// PendingBuffer bounds the asynchronous enqueue backlog.
	PendingBuffer int `json:"pending_buffer" yaml:"pending_buffer" mapstructure:"pending_buffer"`
	// RetryAttempts bounds store write retries for asynchronous enqueues.
	RetryAttempts int `json:"retry_attempts" yaml:"retry_attempts" mapstructure:"retry_attempts"`
}

// DefaultConfig returns the default offline queue settings.
func DefaultConfig() Config {
	return Config{
		TTL:              24 * time.Hour,
		MaxPerUser:       500,
		EvictionInterval: 10 * time.Minute,
		PendingBuffer:    1024,
		RetryAttempts:    3,
	}
}

type pendingEnqueue struct {
	userID string
	evt    *event.Event
}

// Queue is a per-user, TTL-bounded mailbox over a TTL key-value store.
// Locking is striped per user; operations on different users never contend.
type Queue struct {
	store Store
	cfg   Config

	locks [lockStripes]sync.Mutex

	// knownUsers tracks mailboxes touched since boot so eviction knows what
	// to sweep. The store's native key TTL covers mailboxes from before a
	// restart.
	knownMu    sync.Mutex
	knownUsers map[string]struct{}

	// pendingMu orders EnqueueAsync submissions against Stop closing the
	// channel; submissions hold the read side, Stop detaches the channel
	// under the write side before closing it.
	pendingMu sync.RWMutex
	pending   chan pendingEnqueue
	workerWG  sync.WaitGroup
	stopEvict func()

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewQueue creates an offline queue over the given store.
func NewQueue(store Store, cfg Config) *Queue {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxPerUser <= 0 {
		cfg.MaxPerUser = def.MaxPerUser
	}
	if cfg.EvictionInterval <= 0 {
		cfg.EvictionInterval = def.EvictionInterval
	}
	if cfg.PendingBuffer <= 0 {
		cfg.PendingBuffer = def.PendingBuffer
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = def.RetryAttempts
	}
	return &Queue{
		store:      store,
		cfg:        cfg,
		knownUsers: make(map[string]struct{}),
	}
}

// Start launches the asynchronous enqueue worker and the periodic eviction
// sweep. A nil scheduler gets the default ticker implementation.
func (q *Queue) Start(scheduler schedule.Scheduler) {
	q.startOnce.Do(func() {
		if scheduler == nil {
			scheduler = schedule.TickerScheduler{}
		}

		pending := make(chan pendingEnqueue, q.cfg.PendingBuffer)
		q.pendingMu.Lock()
		q.pending = pending
		q.pendingMu.Unlock()
		q.workerWG.Add(1)
		go q.enqueueWorker(pending)

		q.stopEvict = scheduler.Every(q.cfg.EvictionInterval, func() {
			q.EvictExpired(context.Background())
		})

		log.Info().
			Dur("ttl", q.cfg.TTL).
			Dur("eviction_interval", q.cfg.EvictionInterval).
			Int("max_per_user", q.cfg.MaxPerUser).
			Msg("Offline queue started")
	})
}

// Stop drains the pending backlog and halts background work. Enqueues that
// arrive afterwards degrade to synchronous store writes.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.pendingMu.Lock()
		pending := q.pending
		q.pending = nil
		q.pendingMu.Unlock()

		if pending != nil {
			close(pending)
			q.workerWG.Wait()
		}
		if q.stopEvict != nil {
			q.stopEvict()
		}
	})
}

// Enqueue appends the event to the user's mailbox. Enqueues are idempotent
// per (userID, eventID): duplicates are coalesced into the existing entry.
func (q *Queue) Enqueue(ctx context.Context, userID string, evt *event.Event) error {
	if evt == nil {
		return fmt.Errorf("cannot queue nil event")
	}

	lock := q.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	mailbox, err := q.load(ctx, userID)
	if err != nil {
		return err
	}

	for _, queued := range mailbox {
		if queued.Event.ID == evt.ID {
			return nil
		}
	}

	now := time.Now().UTC()
	mailbox = append(mailbox, QueuedMessage{
		UserID:     userID,
		Event:      evt,
		EnqueuedAt: now,
		ExpiresAt:  now.Add(q.cfg.TTL),
	})
	if len(mailbox) > q.cfg.MaxPerUser {
		dropped := len(mailbox) - q.cfg.MaxPerUser
		mailbox = mailbox[dropped:]
		log.Warn().
			Str("user_id", userID).
			Int("dropped", dropped).
			Msg("Offline mailbox over capacity, dropped oldest entries")
	}

	q.rememberUser(userID)
	return q.save(ctx, userID, mailbox)
}

// EnqueueAsync hands the enqueue to the background worker, keeping store
// I/O off the dispatch hot path. Before Start, or when the backlog is full,
// it degrades to a synchronous enqueue.
func (q *Queue) EnqueueAsync(userID string, evt *event.Event) {
	q.pendingMu.RLock()
	pending := q.pending
	if pending != nil {
		select {
		case pending <- pendingEnqueue{userID: userID, evt: evt}:
			q.pendingMu.RUnlock()
			return
		default:
		}
	}
	q.pendingMu.RUnlock()

	if pending != nil {
		log.Warn().
			Str("user_id", userID).
			Msg("Offline enqueue backlog full, writing synchronously")
	}
	q.enqueueWithRetry(userID, evt)
}

// DrainAndDeliver flushes the user's mailbox through sender in enqueue
// order and returns how many events were delivered. Expired entries are
// discarded. If sender fails, the undelivered remainder (including the
// failed entry) stays queued.
func (q *Queue) DrainAndDeliver(ctx context.Context, userID string, sender func(*event.Event) error) (int, error) {
	lock := q.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	mailbox, err := q.load(ctx, userID)
	if err != nil {
		return 0, err
	}
	if len(mailbox) == 0 {
		return 0, nil
	}

	now := time.Now()
	delivered := 0
	for i, queued := range mailbox {
		if now.After(queued.ExpiresAt) {
			continue
		}
		if err := sender(queued.Event); err != nil {
			remainder := mailbox[i:]
			if saveErr := q.save(ctx, userID, remainder); saveErr != nil {
				log.Error().Err(saveErr).Str("user_id", userID).Msg("Failed to persist undelivered mailbox remainder")
			}
			return delivered, fmt.Errorf("offline delivery to user %s failed: %w", userID, err)
		}
		delivered++
	}

	if err := q.store.Delete(ctx, userID); err != nil {
		return delivered, fmt.Errorf("failed to clear drained mailbox: %w", err)
	}

	if delivered > 0 {
		log.Info().
			Str("user_id", userID).
			Int("delivered", delivered).
			Msg("Offline mailbox drained")
	}
	return delivered, nil
}

// EvictExpired sweeps expired entries from every known mailbox and returns
// how many entries were removed.
func (q *Queue) EvictExpired(ctx context.Context) int {
	q.knownMu.Lock()
	users := make([]string, 0, len(q.knownUsers))
	for user := range q.knownUsers {
		users = append(users, user)
	}
	q.knownMu.Unlock()

	now := time.Now()
	evicted := 0

	for _, userID := range users {
		lock := q.lockFor(userID)
		lock.Lock()

		mailbox, err := q.load(ctx, userID)
		if err != nil {
			lock.Unlock()
			log.Warn().Err(err).Str("user_id", userID).Msg("Eviction sweep failed to load mailbox")
			continue
		}

		kept := mailbox[:0]
		for _, queued := range mailbox {
			if now.After(queued.ExpiresAt) {
				evicted++
				continue
			}
			kept = append(kept, queued)
		}

		var opErr error
		switch {
		case len(kept) == len(mailbox):
			// Nothing expired.
		case len(kept) == 0:
			opErr = q.store.Delete(ctx, userID)
			q.forgetUser(userID)
		default:
			opErr = q.save(ctx, userID, kept)
		}
		lock.Unlock()

		if opErr != nil {
			log.Warn().Err(opErr).Str("user_id", userID).Msg("Eviction sweep failed to update mailbox")
		}
	}

	if evicted > 0 {
		log.Debug().Int("evicted", evicted).Msg("Expired offline entries evicted")
	}
	return evicted
}

// Count returns the number of entries currently queued for the user.
func (q *Queue) Count(ctx context.Context, userID string) (int, error) {
	lock := q.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	mailbox, err := q.load(ctx, userID)
	if err != nil {
		return 0, err
	}
	return len(mailbox), nil
}

func (q *Queue) enqueueWorker(pending <-chan pendingEnqueue) {
	defer q.workerWG.Done()
	for job := range pending {
		q.enqueueWithRetry(job.userID, job.evt)
	}
}

func (q *Queue) enqueueWithRetry(userID string, evt *event.Event) {
	err := retry.Do(context.Background(), retry.Config{
		MaxAttempts: q.cfg.RetryAttempts,
		BaseDelay:   50 * time.Millisecond,
		Policy:      retry.PolicyLinear,
	}, func(ctx context.Context) error {
		return q.Enqueue(ctx, userID, evt)
	})
	if err != nil {
		log.Error().
			Err(err).
			Str("user_id", userID).
			Str("event_id", evt.ID).
			Int("attempts", q.cfg.RetryAttempts).
			Msg("Dropping offline event after exhausting store retries")
	}
}

func (q *Queue) load(ctx context.Context, userID string) ([]QueuedMessage, error) {
	data, ok, err := q.store.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load mailbox for user %s: %w", userID, err)
	}
	if !ok {
		return nil, nil
	}

	var mailbox []QueuedMessage
	if err := json.Unmarshal(data, &mailbox); err != nil {
		return nil, fmt.Errorf("corrupt mailbox for user %s: %w", userID, err)
	}
	return mailbox, nil
}

func (q *Queue) save(ctx context.Context, userID string, mailbox []QueuedMessage) error {
	data, err := json.Marshal(mailbox)
	if err != nil {
		return fmt.Errorf("failed to encode mailbox for user %s: %w", userID, err)
	}
	if err := q.store.Set(ctx, userID, data, q.cfg.TTL); err != nil {
		return fmt.Errorf("failed to persist mailbox for user %s: %w", userID, err)
	}
	return nil
}

func (q *Queue) rememberUser(userID string) {
	q.knownMu.Lock()
	q.knownUsers[userID] = struct{}{}
	q.knownMu.Unlock()
}

func (q *Queue) forgetUser(userID string) {
	q.knownMu.Lock()
	delete(q.knownUsers, userID)
	q.knownMu.Unlock()
}

func (q *Queue) lockFor(userID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &q.locks[h.Sum32()%lockStripes]
}
