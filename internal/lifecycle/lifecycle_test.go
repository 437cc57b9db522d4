package lifecycle

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCount_IncrementDecrement(t *testing.T) {
	t.Parallel()

	var c OpenCount
	c.Increment()
	c.Increment()
	assert.Equal(t, uint64(2), c.Count())
	assert.False(t, c.Decrement())
	assert.False(t, c.Decrement())
	assert.Equal(t, uint64(0), c.Count())
	assert.False(t, c.IsPurged())
}

func TestOpenCount_MarkUnreferenced(t *testing.T) {
	t.Parallel()

	var c OpenCount
	assert.True(t, c.MarkForDeletion())
	assert.True(t, c.IsPurged())
	assert.Panics(t, func() { c.Increment() })
}

func TestOpenCount_MarkReferenced(t *testing.T) {
	t.Parallel()

	var c OpenCount
	c.Increment()
	c.Increment()
	assert.False(t, c.MarkForDeletion())

	// References may still be taken while at least one is held.
	c.Increment()
	assert.False(t, c.Decrement())
	assert.False(t, c.Decrement())
	assert.True(t, c.Decrement())
	assert.Equal(t, uint64(0), c.Count())
	assert.True(t, c.IsPurged())
}

func TestOpenCount_FatalMisuse(t *testing.T) {
	t.Parallel()

	t.Run("double mark", func(t *testing.T) {
		t.Parallel()
		var c OpenCount
		c.MarkForDeletion()
		assert.Panics(t, func() { c.MarkForDeletion() })
	})

	t.Run("underflow", func(t *testing.T) {
		t.Parallel()
		var c OpenCount
		assert.Panics(t, func() { c.Decrement() })
	})

	t.Run("underflow after purge", func(t *testing.T) {
		t.Parallel()
		var c OpenCount
		c.MarkForDeletion()
		assert.Panics(t, func() { c.Decrement() })
	})
}

func TestOpenCount_String(t *testing.T) {
	t.Parallel()

	var c OpenCount
	c.Increment()
	c.MarkForDeletion()
	assert.Equal(t, "open=1 purged=true", c.String())
}

// TestOpenCount_ExactlyOneTombstone races balanced reference traffic against a
// single MarkForDeletion and checks that exactly one caller is told to
// tombstone.
func TestOpenCount_ExactlyOneTombstone(t *testing.T) {
	t.Parallel()

	const (
		workers    = 8
		iterations = 2000
		rounds     = 50
	)

	for round := range rounds {
		var (
			c          OpenCount
			tombstones atomic.Int32
			wg         sync.WaitGroup
		)

		// The base reference keeps increments legal while workers run.
		c.Increment()

		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range iterations {
					c.Increment()
					if c.Decrement() {
						tombstones.Add(1)
					}
				}
			}()
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.MarkForDeletion() {
				tombstones.Add(1)
			}
		}()

		wg.Wait()
		assert.Equal(t, int32(0), tombstones.Load(), "round %d: tombstoned while referenced", round)

		if c.Decrement() {
			tombstones.Add(1)
		}
		require.Equal(t, int32(1), tombstones.Load(), "round %d", round)
	}
}

func TestOpenCount_MarkRacesFinalDecrement(t *testing.T) {
	t.Parallel()

	for range 200 {
		var (
			c          OpenCount
			tombstones atomic.Int32
			wg         sync.WaitGroup
			start      = make(chan struct{})
		)
		c.Increment()

		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			if c.Decrement() {
				tombstones.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			<-start
			if c.MarkForDeletion() {
				tombstones.Add(1)
			}
		}()
		close(start)
		wg.Wait()

		require.Equal(t, int32(1), tombstones.Load())
	}
}
