package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestCache(ttl time.Duration, size int) (*Cache, *time.Time) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(ttl, size)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestCache_CheckAndMark(t *testing.T) {
	c, _ := newTestCache(time.Minute, 10)
	defer c.Close()

	assert.False(t, c.CheckAndMark("USER_1:ABC"), "first sighting is new")
	assert.True(t, c.CheckAndMark("USER_1:ABC"), "second sighting is a duplicate")
	assert.False(t, c.CheckAndMark("USER_2:ABC"), "keys are independent")
}

func TestCache_Expiry(t *testing.T) {
	c, now := newTestCache(time.Minute, 10)
	defer c.Close()

	c.Mark("k")
	assert.True(t, c.Check("k"))

	*now = now.Add(time.Minute)
	assert.False(t, c.Check("k"))
	assert.False(t, c.CheckAndMark("k"), "expired key counts as new")
}

func TestCache_EvictsOldest(t *testing.T) {
	c, _ := newTestCache(time.Hour, 2)
	defer c.Close()

	c.Mark("a")
	c.Mark("b")
	c.Mark("c")

	assert.False(t, c.Check("a"))
	assert.True(t, c.Check("b"))
	assert.True(t, c.Check("c"))
	assert.Equal(t, 2, c.Len())
}

func TestCache_Sweep(t *testing.T) {
	c, now := newTestCache(time.Minute, 10)
	defer c.Close()

	c.Mark("old")
	*now = now.Add(30 * time.Second)
	c.Mark("new")
	*now = now.Add(45 * time.Second)

	c.sweep()
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Check("new"))
}

func TestCache_ConcurrentCheckAndMark(t *testing.T) {
	c := New(time.Minute, 1000)
	defer c.Close()

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if !c.CheckAndMark(fmt.Sprintf("msg-%d", j)) {
					fresh.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), fresh.Load())
}

func TestCache_CloseTwice(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	assert.NotPanics(t, c.Close)
}
