// Package ringbuf provides the bounded pre-event and post-event frame
// stores the incident state machine records into.
package ringbuf

import (
	"sync/atomic"

	"github.com/eyumandy/WatchDog/internal/frame"
)

// Ring is a fixed-capacity FIFO of frames. Write appends the newest frame
// and overwrites the oldest once full. It is owned and mutated by the state
// machine only; metrics counters are atomic so health reporting may read
// them from other goroutines.
type Ring struct {
	frames   []*frame.Frame
	capacity int
	writePos int64
	size     int
	bytes    int64

	totalWrites atomic.Uint64
	overflows   atomic.Uint64
}

// NewRing creates a ring holding at most capacity frames.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{
		frames:   make([]*frame.Frame, capacity),
		capacity: capacity,
	}
}

// Write appends a frame, returning the frame it evicted (nil if the ring
// was not yet full).
func (r *Ring) Write(f *frame.Frame) *frame.Frame {
	pos := int(r.writePos % int64(r.capacity))
	evicted := r.frames[pos]
	if evicted != nil {
		r.overflows.Add(1)
		r.bytes -= int64(evicted.Bytes())
	} else {
		r.size++
	}
	r.frames[pos] = f
	r.bytes += int64(f.Bytes())
	r.writePos++
	r.totalWrites.Add(1)
	return evicted
}

// EvictOldest removes and returns the oldest retained frame, or nil when
// empty. Used by the memory budget enforcement.
func (r *Ring) EvictOldest() *frame.Frame {
	if r.size == 0 {
		return nil
	}
	start := r.writePos - int64(r.size)
	pos := int(start % int64(r.capacity))
	if pos < 0 {
		pos += r.capacity
	}
	f := r.frames[pos]
	r.frames[pos] = nil
	r.size--
	r.bytes -= int64(f.Bytes())
	return f
}

// Snapshot returns owned deep copies of the retained frames, oldest first.
// The live ring keeps running; mutating it afterwards does not affect the
// returned slice.
func (r *Ring) Snapshot() []*frame.Frame {
	out := make([]*frame.Frame, 0, r.size)
	start := r.writePos - int64(r.size)
	for i := 0; i < r.size; i++ {
		pos := int((start + int64(i)) % int64(r.capacity))
		if pos < 0 {
			pos += r.capacity
		}
		if f := r.frames[pos]; f != nil {
			out = append(out, f.Clone())
		}
	}
	return out
}

// Reset clears the ring.
func (r *Ring) Reset() {
	for i := range r.frames {
		r.frames[i] = nil
	}
	r.writePos = 0
	r.size = 0
	r.bytes = 0
}

// Len returns the number of retained frames.
func (r *Ring) Len() int { return r.size }

// Bytes returns the retained pixel memory.
func (r *Ring) Bytes() int64 { return r.bytes }

// Capacity returns the maximum frame count.
func (r *Ring) Capacity() int { return r.capacity }

// Overflows returns how many writes overwrote an older frame.
func (r *Ring) Overflows() uint64 { return r.overflows.Load() }
