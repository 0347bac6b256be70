package subscription

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sams-monitoring/realtime-hub/pkg/event"
	"github.com/sams-monitoring/realtime-hub/pkg/filter"
)

func mustCompile(t *testing.T, f filter.Filter) *filter.Compiled {
	t.Helper()
	c, err := filter.Compile(f)
	require.NoError(t, err)
	return c
}

func TestCreateValidation(t *testing.T) {
	idx := NewIndex()

	_, err := idx.Create("user-1", "org-1", "sess-1", event.Type("bogus"), nil)
	assert.Error(t, err)

	_, err = idx.Create("user-1", "org-1", "", event.TypeAlert, nil)
	assert.Error(t, err)

	id, err := idx.Create("user-1", "org-1", "sess-1", event.TypeAlert, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, idx.Count())
}

func TestMatchScopesOrgAndType(t *testing.T) {
	idx := NewIndex()

	_, err := idx.Create("user-1", "org-1", "sess-1", event.TypeAlert, nil)
	require.NoError(t, err)

	assert.Len(t, idx.Match("org-1", event.TypeAlert, nil), 1)
	assert.Empty(t, idx.Match("org-2", event.TypeAlert, nil))
	assert.Empty(t, idx.Match("org-1", event.TypeServerStatus, nil))
}

func TestMatchAppliesFilters(t *testing.T) {
	idx := NewIndex()

	critical := mustCompile(t, filter.Filter{"severity": []interface{}{"critical"}})
	_, err := idx.Create("user-a", "org-1", "sess-a", event.TypeAlert, critical)
	require.NoError(t, err)

	lowDisk := mustCompile(t, filter.Filter{"disk": map[string]interface{}{"max": 10.0}})
	_, err = idx.Create("user-b", "org-1", "sess-b", event.TypeAlert, lowDisk)
	require.NoError(t, err)

	matched := idx.Match("org-1", event.TypeAlert, map[string]interface{}{"severity": "critical"})
	require.Len(t, matched, 1)
	assert.Equal(t, "user-a", matched[0].UserID)

	matched = idx.Match("org-1", event.TypeAlert, map[string]interface{}{"severity": "low", "disk": 5.0})
	require.Len(t, matched, 1)
	assert.Equal(t, "user-b", matched[0].UserID)

	assert.Empty(t, idx.Match("org-1", event.TypeAlert, map[string]interface{}{"severity": "low"}))
}

func TestRemove(t *testing.T) {
	idx := NewIndex()

	id, err := idx.Create("user-1", "org-1", "sess-1", event.TypeAlert, nil)
	require.NoError(t, err)

	idx.Remove(id)
	assert.Empty(t, idx.Match("org-1", event.TypeAlert, nil))
	assert.Equal(t, 0, idx.Count())

	// Removing twice is a no-op.
	idx.Remove(id)
}

func TestRemoveOnlyAffectsOwningSession(t *testing.T) {
	idx := NewIndex()

	mine, err := idx.Create("user-1", "org-1", "sess-1", event.TypeAlert, nil)
	require.NoError(t, err)
	_, err = idx.Create("user-1", "org-1", "sess-1", event.TypeServerStatus, nil)
	require.NoError(t, err)
	_, err = idx.Create("user-2", "org-1", "sess-2", event.TypeAlert, nil)
	require.NoError(t, err)

	idx.Remove(mine)

	assert.Len(t, idx.ForSession("sess-1"), 1)
	assert.Len(t, idx.ForSession("sess-2"), 1)
	assert.Equal(t, 2, idx.Count())

	remaining := idx.Match("org-1", event.TypeAlert, nil)
	require.Len(t, remaining, 1)
	assert.Equal(t, "sess-2", remaining[0].SessionID)
}

func TestRemoveAllForSession(t *testing.T) {
	idx := NewIndex()

	_, err := idx.Create("user-1", "org-1", "sess-1", event.TypeAlert, nil)
	require.NoError(t, err)
	_, err = idx.Create("user-1", "org-1", "sess-1", event.TypeServerStatus, nil)
	require.NoError(t, err)
	_, err = idx.Create("user-2", "org-1", "sess-2", event.TypeAlert, nil)
	require.NoError(t, err)

	idx.RemoveAllForSession("sess-1")

	assert.Empty(t, idx.ForSession("sess-1"))
	assert.Empty(t, idx.Match("org-1", event.TypeServerStatus, nil))

	remaining := idx.Match("org-1", event.TypeAlert, nil)
	require.Len(t, remaining, 1)
	assert.Equal(t, "sess-2", remaining[0].SessionID)
}

func TestForSession(t *testing.T) {
	idx := NewIndex()

	id1, err := idx.Create("user-1", "org-1", "sess-1", event.TypeAlert, nil)
	require.NoError(t, err)
	id2, err := idx.Create("user-1", "org-1", "sess-1", event.TypeMetric, nil)
	require.NoError(t, err)

	subs := idx.ForSession("sess-1")
	require.Len(t, subs, 2)

	ids := []string{subs[0].ID, subs[1].ID}
	assert.ElementsMatch(t, []string{id1, id2}, ids)
}

func TestConcurrentMatchAndRemove(t *testing.T) {
	idx := NewIndex()

	const sessions = 50
	for i := 0; i < sessions; i++ {
		_, err := idx.Create("user", "org-1", fmt.Sprintf("sess-%d", i), event.TypeAlert, nil)
		require.NoError(t, err)
	}

	stop := make(chan struct{})
	matcherDone := make(chan struct{})
	go func() {
		defer close(matcherDone)
		for {
			select {
			case <-stop:
				return
			default:
				idx.Match("org-1", event.TypeAlert, nil)
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			idx.RemoveAllForSession(fmt.Sprintf("sess-%d", i))
		}(i)
	}
	wg.Wait()
	close(stop)
	<-matcherDone

	assert.Equal(t, 0, idx.Count())
	assert.Empty(t, idx.Match("org-1", event.TypeAlert, nil))
}
