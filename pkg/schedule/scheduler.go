// Package schedule abstracts recurring background tasks so periodic work
// (heartbeat scans, offline-queue eviction) can be driven by a cooperative
// timer in constrained environments and by hand in tests.
package schedule

import (
	"sync"
	"time"
)

// Scheduler runs a task at a fixed interval.
type Scheduler interface {
	// Every starts running task at the given interval and returns a function
	// that stops the recurrence. The stop function is idempotent.
	Every(interval time.Duration, task func()) (stop func())
}

// TickerScheduler is the default goroutine-per-task scheduler.
type TickerScheduler struct{}

// Every implements Scheduler using a time.Ticker.
func (TickerScheduler) Every(interval time.Duration, task func()) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				ticker.Stop()
				return
			case <-ticker.C:
				task()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}
}
