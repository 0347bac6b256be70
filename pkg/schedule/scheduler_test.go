package schedule

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickerScheduler(t *testing.T) {
	var runs int64
	stop := TickerScheduler{}.Every(5*time.Millisecond, func() {
		atomic.AddInt64(&runs, 1)
	})

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&runs) >= 2
	}, time.Second, time.Millisecond)

	stop()
	stop() // stopping twice is safe

	settled := atomic.LoadInt64(&runs)
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt64(&runs)-settled, int64(1))
}
