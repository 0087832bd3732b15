package ringbuf

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/eyumandy/WatchDog/internal/frame"
)

// Config bounds the buffer manager.
type Config struct {
	// PreCapacityFrames is the fixed size of the pre-event ring
	// (pre-event seconds x expected frame rate).
	PreCapacityFrames int
	// PostCapacityFrames caps the post-event buffer (hard maximum incident
	// duration minus pre-event length, in frames).
	PostCapacityFrames int
	// MemoryBudgetBytes is the ceiling for all live buffered pixel data.
	// Zero disables the ceiling.
	MemoryBudgetBytes int64
}

// OverrunEvent reports that the memory ceiling forced frame drops. It is a
// warning, not a failure; the incident continues with reduced context.
type OverrunEvent struct {
	DroppedFrames int
	BufferedBytes int64
}

// Manager owns the live pre-event ring and the post-event buffer for one
// pipeline instance. All mutation happens on the state machine goroutine.
// Session snapshots are owned copies and do not count against the budget.
type Manager struct {
	cfg       Config
	logger    *zap.Logger
	onOverrun func(OverrunEvent)

	pre       *Ring
	post      []*frame.Frame
	postBytes int64
	recording bool

	overruns atomic.Uint64
}

// NewManager creates a buffer manager. onOverrun may be nil.
func NewManager(cfg Config, logger *zap.Logger, onOverrun func(OverrunEvent)) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:       cfg,
		logger:    logger.Named("ringbuf"),
		onOverrun: onOverrun,
		pre:       NewRing(cfg.PreCapacityFrames),
	}
}

// Observe stores a frame in the live pre-event ring (Idle/Suspect states).
func (m *Manager) Observe(f *frame.Frame) {
	m.pre.Write(f)
	m.enforceBudget()
}

// SnapshotPre returns owned copies of the pre-event ring, oldest first.
// The live ring keeps running.
func (m *Manager) SnapshotPre() []*frame.Frame {
	return m.pre.Snapshot()
}

// StartPost begins post-event capture.
func (m *Manager) StartPost() {
	m.post = m.post[:0]
	m.postBytes = 0
	m.recording = true
}

// AppendPost adds a frame to the post-event buffer while recording. It
// returns false once the buffer reached its duration cap.
func (m *Manager) AppendPost(f *frame.Frame) bool {
	if !m.recording {
		return false
	}
	if m.cfg.PostCapacityFrames > 0 && len(m.post) >= m.cfg.PostCapacityFrames {
		return false
	}
	m.post = append(m.post, f)
	m.postBytes += int64(f.Bytes())
	m.enforceBudget()
	return true
}

// TakePost hands the post-event frames over and clears the live buffer.
// The returned slice is exclusively owned by the caller.
func (m *Manager) TakePost() []*frame.Frame {
	out := m.post
	m.post = nil
	m.postBytes = 0
	m.recording = false
	return out
}

// PostLen returns the number of buffered post-event frames.
func (m *Manager) PostLen() int { return len(m.post) }

// Bytes returns the live buffered pixel memory across both buffers.
func (m *Manager) Bytes() int64 { return m.pre.Bytes() + m.postBytes }

// Overruns returns how many times the memory ceiling forced drops.
func (m *Manager) Overruns() uint64 { return m.overruns.Load() }

// enforceBudget drops oldest unprotected frames until the ceiling holds:
// live pre-ring frames first, then the oldest post-event frames.
func (m *Manager) enforceBudget() {
	if m.cfg.MemoryBudgetBytes <= 0 || m.Bytes() <= m.cfg.MemoryBudgetBytes {
		return
	}

	dropped := 0
	for m.Bytes() > m.cfg.MemoryBudgetBytes {
		if f := m.pre.EvictOldest(); f != nil {
			dropped++
			continue
		}
		if len(m.post) == 0 {
			break
		}
		m.postBytes -= int64(m.post[0].Bytes())
		m.post = m.post[1:]
		dropped++
	}

	if dropped > 0 {
		m.overruns.Add(1)
		ev := OverrunEvent{DroppedFrames: dropped, BufferedBytes: m.Bytes()}
		m.logger.Warn("buffer memory ceiling reached, dropped oldest frames",
			zap.Int("dropped_frames", ev.DroppedFrames),
			zap.Int64("buffered_bytes", ev.BufferedBytes),
			zap.Int64("budget_bytes", m.cfg.MemoryBudgetBytes))
		if m.onOverrun != nil {
			m.onOverrun(ev)
		}
	}
}
