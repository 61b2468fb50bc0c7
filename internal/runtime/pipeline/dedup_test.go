package pipeline

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeduplicatorWithinWindow(t *testing.T) {
	window := 5 * time.Minute
	d := NewDeduplicator(window)
	t1 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for _, delta := range []time.Duration{0, time.Millisecond, time.Minute, window} {
		d := NewDeduplicator(window)
		assert.True(t, d.ShouldProcessAt("evt-1", t1), delta)
		assert.False(t, d.ShouldProcessAt("evt-1", t1.Add(delta)), delta)
	}

	assert.True(t, d.ShouldProcessAt("evt-1", t1))
	assert.True(t, d.ShouldProcessAt("evt-2", t1))
}

func TestDeduplicatorAfterWindow(t *testing.T) {
	window := 5 * time.Minute
	t1 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for _, delta := range []time.Duration{window + time.Nanosecond, window + time.Second, time.Hour} {
		d := NewDeduplicator(window)
		assert.True(t, d.ShouldProcessAt("evt-1", t1))
		assert.True(t, d.ShouldProcessAt("evt-1", t1.Add(delta)), delta)
	}
}

func TestDeduplicatorDuplicateDoesNotRefresh(t *testing.T) {
	window := time.Minute
	d := NewDeduplicator(window)
	t1 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, d.ShouldProcessAt("evt-1", t1))
	assert.False(t, d.ShouldProcessAt("evt-1", t1.Add(50*time.Second)))
	// Still measured from the first sighting, not the duplicate.
	assert.True(t, d.ShouldProcessAt("evt-1", t1.Add(61*time.Second)))
}

func TestDeduplicatorEvictsOnLookup(t *testing.T) {
	d := NewDeduplicator(time.Minute)
	t1 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		d.ShouldProcessAt(fmt.Sprintf("evt-%d", i), t1)
	}
	assert.Equal(t, 10, d.Len())

	d.ShouldProcessAt("later", t1.Add(2*time.Minute))
	assert.Equal(t, 1, d.Len())
}

func TestDeduplicatorInjectedClock(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	d := NewDeduplicatorWithClock(time.Minute, func() time.Time { return now })

	assert.True(t, d.ShouldProcess("evt-1"))
	assert.False(t, d.ShouldProcess("evt-1"))
	now = now.Add(2 * time.Minute)
	assert.True(t, d.ShouldProcess("evt-1"))
	assert.Equal(t, time.Minute, d.Window())
}

func TestDeduplicatorConcurrentSameID(t *testing.T) {
	d := NewDeduplicator(time.Minute)
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.ShouldProcess("evt-1") {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, accepted)
}
