// Package lifecycle tracks the open count of an immutable blob together with
// its purge state in a single atomic word.
//
// The most significant bit is set once the blob has been marked for deletion.
// The remaining bits count live references. Once the word reaches Purged with
// no references left the blob is tombstoned and may never be referenced again.
package lifecycle

import (
	"fmt"
	"sync/atomic"
)

// Purged is the bit set in the open count once a blob has been marked for
// deletion.
const Purged uint64 = 1 << 63

// OpenCount is the reference and purge state of one blob.
// The zero value is an unreferenced, unpurged count.
type OpenCount struct {
	v atomic.Uint64
}

// Increment takes one reference.
//
// It panics if the count was already purged with no references, since the
// blob should have been unreachable, or if the count would overflow into the
// purge bit.
func (c *OpenCount) Increment() {
	old := c.v.Add(1) - 1
	if old == Purged || old == Purged-1 {
		panic(fmt.Sprintf("blobfs: reference taken on tombstoned blob (open count %#x)", old))
	}
}

// Decrement drops one reference. It returns true exactly when this call moved
// the count from purged with one reference to purged with none, in which case
// the caller must queue the blob for tombstoning.
//
// It panics if there were no references to drop.
func (c *OpenCount) Decrement() bool {
	old := c.v.Add(^uint64(0)) + 1
	if old&^Purged == 0 {
		panic(fmt.Sprintf("blobfs: open count underflow (open count %#x)", old))
	}
	return old == Purged+1
}

// MarkForDeletion sets the purge bit. It returns true if there were no
// references at the moment the bit was set, in which case no Decrement will
// ever return true and the caller must tombstone immediately.
//
// It panics if the count was already marked.
func (c *OpenCount) MarkForDeletion() bool {
	old := c.v.Load()
	for {
		if old&Purged != 0 {
			panic("blobfs: blob marked for deletion twice")
		}
		if c.v.CompareAndSwap(old, old|Purged) {
			return old == 0
		}
		old = c.v.Load()
	}
}

// Count returns the number of live references.
func (c *OpenCount) Count() uint64 {
	return c.v.Load() &^ Purged
}

// IsPurged reports whether MarkForDeletion has been called.
func (c *OpenCount) IsPurged() bool {
	return c.v.Load()&Purged != 0
}

// String formats the count for diagnostics.
func (c *OpenCount) String() string {
	v := c.v.Load()
	return fmt.Sprintf("open=%d purged=%t", v&^Purged, v&Purged != 0)
}
