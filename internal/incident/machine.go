package incident

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eyumandy/WatchDog/internal/frame"
	"github.com/eyumandy/WatchDog/internal/ringbuf"
	"github.com/eyumandy/WatchDog/internal/threat"
)

// Config holds the transition thresholds and timers. All timers run on
// stream time (frame timestamps), which keeps the machine deterministic for
// replayed and non-realtime sources.
type Config struct {
	// EntryThreshold opens the confirmation window from Idle.
	EntryThreshold float64
	// ExitThreshold is the lower bound below which the cooldown runs while
	// Recording. Must be strictly below EntryThreshold.
	ExitThreshold float64
	// ConfirmFrames is the number of consecutive assessments at or above the
	// entry threshold needed to confirm an incident.
	ConfirmFrames int
	// Cooldown is how long the score must stay below the exit threshold
	// before a recording finalizes.
	Cooldown time.Duration
	// MaxIncidentDuration force-finalizes runaway recordings.
	MaxIncidentDuration time.Duration
}

// DefaultConfig returns the shipped transition parameters.
func DefaultConfig() Config {
	return Config{
		EntryThreshold:      0.5,
		ExitThreshold:       0.3,
		ConfirmFrames:       3,
		Cooldown:            5 * time.Second,
		MaxIncidentDuration: 2 * time.Minute,
	}
}

// Finalizer receives exclusive ownership of a closed session. It runs on a
// detached goroutine; the machine does not wait for it before accepting the
// next incident.
type Finalizer func(sess *Session)

// Machine drives the Idle -> Suspect -> Recording -> Finalizing -> Idle
// lifecycle. It is the sole owner of the ring buffers and the active
// session; Process and Flush must be called from a single goroutine.
type Machine struct {
	cfg      Config
	buffers  *ringbuf.Manager
	finalize Finalizer
	logger   *zap.Logger

	state         State
	confirmStreak int
	session       *Session
	cooldownUntil time.Time
	lastTimestamp time.Time

	finalizers sync.WaitGroup

	opened    atomic.Uint64
	discarded atomic.Uint64
	finalized atomic.Uint64
}

// NewMachine creates a machine over the given buffers. finalize must not be
// nil.
func NewMachine(cfg Config, buffers *ringbuf.Manager, finalize Finalizer, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		cfg:      cfg,
		buffers:  buffers,
		finalize: finalize,
		logger:   logger.Named("incident"),
		state:    Idle,
	}
}

// State returns the machine's current state.
func (m *Machine) State() State { return m.state }

// ActiveSession returns the session being recorded, or nil.
func (m *Machine) ActiveSession() *Session { return m.session }

// Process advances the machine by one assessed frame. The frame pointer is
// retained by the buffers; callers must not mutate it afterwards.
func (m *Machine) Process(a threat.Assessment, f *frame.Frame) {
	m.lastTimestamp = f.Timestamp

	switch m.state {
	case Idle:
		if a.Score >= m.cfg.EntryThreshold {
			m.state = Suspect
			m.confirmStreak = 1
			m.logger.Debug("entry threshold crossed, confirmation window open",
				zap.Uint64("sequence", a.Sequence), zap.Float64("score", a.Score))
			if !m.maybeConfirm(a, f) {
				m.buffers.Observe(f)
			}
			return
		}
		m.buffers.Observe(f)

	case Suspect:
		if a.Score < m.cfg.EntryThreshold {
			m.buffers.Observe(f)
			m.state = Idle
			m.confirmStreak = 0
			m.discarded.Add(1)
			m.logger.Debug("confirmation window broken, back to idle",
				zap.Uint64("sequence", a.Sequence), zap.Float64("score", a.Score))
			return
		}
		m.confirmStreak++
		if !m.maybeConfirm(a, f) {
			m.buffers.Observe(f)
		}

	case Recording:
		m.recordStep(a, f)
	}
}

// maybeConfirm opens a session once the confirmation streak is satisfied.
// The confirming frame becomes the first post-event frame. Returns true if
// the machine transitioned to Recording.
func (m *Machine) maybeConfirm(a threat.Assessment, f *frame.Frame) bool {
	if m.confirmStreak < m.cfg.ConfirmFrames {
		return false
	}

	sess := &Session{
		ID:              uuid.New(),
		State:           Recording,
		OpenedAt:        f.Timestamp,
		PreFrames:       m.buffers.SnapshotPre(),
		PeakThreatScore: a.Score,
		TriggerSequence: a.Sequence,
	}
	m.buffers.StartPost()
	m.buffers.AppendPost(f)

	m.session = sess
	m.state = Recording
	m.confirmStreak = 0
	m.cooldownUntil = f.Timestamp.Add(m.cfg.Cooldown)
	m.opened.Add(1)

	m.logger.Info("incident confirmed, recording",
		zap.String("incident_id", sess.ID.String()),
		zap.Uint64("trigger_sequence", sess.TriggerSequence),
		zap.Float64("score", a.Score),
		zap.Int("pre_frames", len(sess.PreFrames)))
	return true
}

// recordStep captures a frame into the active session and evaluates the
// exit conditions: sustained sub-exit scores for the full cooldown, or the
// hard maximum duration.
func (m *Machine) recordStep(a threat.Assessment, f *frame.Frame) {
	m.buffers.AppendPost(f)

	if a.Score > m.session.PeakThreatScore {
		m.session.PeakThreatScore = a.Score
	}
	// A re-trigger during recording extends the cooldown instead of opening
	// a second session for the same continuous event.
	if a.Score >= m.cfg.ExitThreshold {
		m.cooldownUntil = f.Timestamp.Add(m.cfg.Cooldown)
	}

	if m.cfg.MaxIncidentDuration > 0 && f.Timestamp.Sub(m.session.OpenedAt) >= m.cfg.MaxIncidentDuration {
		m.finalizeSession(f.Timestamp, "max_duration")
		return
	}
	if !f.Timestamp.Before(m.cooldownUntil) {
		m.finalizeSession(f.Timestamp, "cooldown")
	}
}

// Flush force-finalizes any active recording with whatever buffer content
// exists. Called when the frame source terminates or on shutdown.
func (m *Machine) Flush() {
	switch m.state {
	case Suspect:
		m.state = Idle
		m.confirmStreak = 0
		m.discarded.Add(1)
	case Recording:
		m.finalizeSession(m.lastTimestamp, "stream_end")
	}
}

// Wait blocks until all dispatched finalizers have returned.
func (m *Machine) Wait() { m.finalizers.Wait() }

// Stats is a point-in-time counter snapshot for health reporting.
type Stats struct {
	State     string
	Opened    uint64
	Discarded uint64
	Finalized uint64
}

// Snapshot returns the machine's counters.
func (m *Machine) Snapshot() Stats {
	return Stats{
		State:     m.state.String(),
		Opened:    m.opened.Load(),
		Discarded: m.discarded.Load(),
		Finalized: m.finalized.Load(),
	}
}

// finalizeSession closes the active session, hands it to the finalizer on a
// detached goroutine, and returns the machine to Idle immediately.
func (m *Machine) finalizeSession(ts time.Time, reason string) {
	sess := m.session
	sess.PostFrames = m.buffers.TakePost()
	sess.ClosedAt = ts
	sess.CloseReason = reason
	sess.State = Finalizing

	m.session = nil
	m.state = Idle
	m.finalized.Add(1)

	m.logger.Info("incident finalized",
		zap.String("incident_id", sess.ID.String()),
		zap.String("reason", reason),
		zap.Float64("peak_score", sess.PeakThreatScore),
		zap.Int("pre_frames", len(sess.PreFrames)),
		zap.Int("post_frames", len(sess.PostFrames)),
		zap.Duration("duration", sess.Duration()))

	m.finalizers.Add(1)
	go func() {
		defer m.finalizers.Done()
		m.finalize(sess)
	}()
}
