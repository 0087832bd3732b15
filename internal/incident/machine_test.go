package incident

import (
	"sync"
	"testing"
	"time"

	"github.com/eyumandy/WatchDog/internal/frame"
	"github.com/eyumandy/WatchDog/internal/ringbuf"
	"github.com/eyumandy/WatchDog/internal/threat"
)

// sessionSink collects finalized sessions from the detached finalizer.
type sessionSink struct {
	mu       sync.Mutex
	sessions []*Session
}

func (s *sessionSink) take(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, sess)
}

func (s *sessionSink) all() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

func testConfig() Config {
	return Config{
		EntryThreshold:      0.5,
		ExitThreshold:       0.3,
		ConfirmFrames:       3,
		Cooldown:            5 * time.Second,
		MaxIncidentDuration: 2 * time.Minute,
	}
}

func newTestMachine(t *testing.T, cfg Config) (*Machine, *sessionSink) {
	t.Helper()
	sink := &sessionSink{}
	buffers := ringbuf.NewManager(ringbuf.Config{
		PreCapacityFrames:  10,
		PostCapacityFrames: 1000,
	}, nil, nil)
	return NewMachine(cfg, buffers, sink.take, nil), sink
}

// feed pushes one frame per second of stream time with the given score.
func feed(t *testing.T, m *Machine, seq uint64, score float64) {
	t.Helper()
	px := make([]byte, 16*16)
	f, err := frame.New(seq, time.Unix(int64(seq), 0), px, 16, 16)
	if err != nil {
		t.Fatalf("frame.New: %v", err)
	}
	m.Process(threat.Assessment{Sequence: seq, Score: score}, f)
}

func TestShortSpikeNeverOpensSession(t *testing.T) {
	m, sink := newTestMachine(t, testConfig())

	// Two frames above entry (below ConfirmFrames=3), then a drop.
	feed(t, m, 1, 0.8)
	feed(t, m, 2, 0.8)
	feed(t, m, 3, 0.1)
	for seq := uint64(4); seq <= 20; seq++ {
		feed(t, m, seq, 0.0)
	}
	m.Flush()
	m.Wait()

	if got := len(sink.all()); got != 0 {
		t.Fatalf("sessions = %d, want 0 (spike shorter than confirmation window)", got)
	}
	if m.State() != Idle {
		t.Fatalf("state = %v, want Idle", m.State())
	}
}

func TestConfirmedIncidentRecordsAndFinalizes(t *testing.T) {
	m, sink := newTestMachine(t, testConfig())

	// Frames 1-10 static, 11-20 at the fused scenario score, 21-30 static.
	for seq := uint64(1); seq <= 10; seq++ {
		feed(t, m, seq, 0)
	}
	for seq := uint64(11); seq <= 20; seq++ {
		feed(t, m, seq, 0.76)
	}
	for seq := uint64(21); seq <= 30; seq++ {
		feed(t, m, seq, 0)
	}
	m.Wait()

	sessions := sink.all()
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
	sess := sessions[0]

	if sess.TriggerSequence != 13 {
		t.Fatalf("trigger sequence = %d, want 13 (third consecutive qualifying frame)", sess.TriggerSequence)
	}
	if sess.PeakThreatScore != 0.76 {
		t.Fatalf("peak score = %v, want 0.76", sess.PeakThreatScore)
	}
	if sess.CloseReason != "cooldown" {
		t.Fatalf("close reason = %q, want cooldown", sess.CloseReason)
	}
	// Last frame at or above exit is 20 (t=20s); cooldown 5s ends at t=25s.
	if sess.ClosedAt != time.Unix(25, 0) {
		t.Fatalf("closed at %v, want t=25s (cooldown after last qualifying frame)", sess.ClosedAt)
	}

	// Pre snapshot holds the 10 frames before the trigger, post starts at it.
	if got := len(sess.PreFrames); got != 10 {
		t.Fatalf("pre frames = %d, want 10", got)
	}
	if sess.PreFrames[0].Sequence != 3 || sess.PreFrames[9].Sequence != 12 {
		t.Fatalf("pre frames span %d..%d, want 3..12",
			sess.PreFrames[0].Sequence, sess.PreFrames[9].Sequence)
	}
	if sess.PostFrames[0].Sequence != 13 {
		t.Fatalf("first post frame = %d, want the trigger frame 13", sess.PostFrames[0].Sequence)
	}
	if last := sess.PostFrames[len(sess.PostFrames)-1].Sequence; last != 25 {
		t.Fatalf("last post frame = %d, want 25", last)
	}
}

func TestTransientDipDoesNotFinalize(t *testing.T) {
	m, sink := newTestMachine(t, testConfig())

	for seq := uint64(1); seq <= 3; seq++ {
		feed(t, m, seq, 0.9)
	}
	if m.State() != Recording {
		t.Fatalf("state = %v, want Recording after confirmation", m.State())
	}

	// Dip below entry but above exit: recording must continue and the
	// cooldown keeps being extended.
	for seq := uint64(4); seq <= 30; seq++ {
		feed(t, m, seq, 0.35)
	}
	if m.State() != Recording {
		t.Fatalf("state = %v, want Recording through an above-exit dip", m.State())
	}
	if got := len(sink.all()); got != 0 {
		t.Fatalf("sessions finalized = %d, want 0 while dip stays above exit", got)
	}
}

func TestRetriggerExtendsCooldownWithoutSecondSession(t *testing.T) {
	m, sink := newTestMachine(t, testConfig())

	for seq := uint64(1); seq <= 3; seq++ {
		feed(t, m, seq, 0.9)
	}
	// Quiet spell shorter than the cooldown, then a re-trigger, then quiet
	// until finalization.
	for seq := uint64(4); seq <= 6; seq++ {
		feed(t, m, seq, 0.1)
	}
	feed(t, m, 7, 0.9)
	for seq := uint64(8); seq <= 20; seq++ {
		feed(t, m, seq, 0.1)
	}
	m.Wait()

	sessions := sink.all()
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1 (re-trigger must not open a second session)", len(sessions))
	}
	// Re-trigger at t=7s pushed the cooldown deadline to t=12s.
	if got := sessions[0].ClosedAt; got != time.Unix(12, 0) {
		t.Fatalf("closed at %v, want t=12s (cooldown extended by re-trigger)", got)
	}
}

func TestMaxDurationForceFinalizes(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIncidentDuration = 10 * time.Second
	m, sink := newTestMachine(t, cfg)

	// Sustained threat far beyond the cap.
	for seq := uint64(1); seq <= 60; seq++ {
		feed(t, m, seq, 0.9)
	}
	m.Wait()

	sessions := sink.all()
	if len(sessions) == 0 {
		t.Fatal("expected a force-finalized session at the duration cap")
	}
	if sessions[0].CloseReason != "max_duration" {
		t.Fatalf("close reason = %q, want max_duration", sessions[0].CloseReason)
	}
	if d := sessions[0].Duration(); d != 10*time.Second {
		t.Fatalf("duration = %v, want the 10s cap", d)
	}
}

func TestFlushForceFinalizesActiveRecording(t *testing.T) {
	m, sink := newTestMachine(t, testConfig())

	for seq := uint64(1); seq <= 5; seq++ {
		feed(t, m, seq, 0.9)
	}
	if m.State() != Recording {
		t.Fatalf("state = %v, want Recording", m.State())
	}

	m.Flush()
	m.Wait()

	sessions := sink.all()
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1 after flush", len(sessions))
	}
	if sessions[0].CloseReason != "stream_end" {
		t.Fatalf("close reason = %q, want stream_end", sessions[0].CloseReason)
	}
	if m.State() != Idle {
		t.Fatalf("state = %v, want Idle after flush", m.State())
	}
}

func TestFlushDiscardsUnconfirmedSuspect(t *testing.T) {
	m, sink := newTestMachine(t, testConfig())

	feed(t, m, 1, 0.9)
	feed(t, m, 2, 0.9)
	if m.State() != Suspect {
		t.Fatalf("state = %v, want Suspect", m.State())
	}

	m.Flush()
	m.Wait()

	if got := len(sink.all()); got != 0 {
		t.Fatalf("sessions = %d, want 0 (unconfirmed suspect is discarded)", got)
	}
	if m.State() != Idle {
		t.Fatalf("state = %v, want Idle", m.State())
	}
}

func TestMachineAcceptsNewIncidentAfterFinalize(t *testing.T) {
	m, sink := newTestMachine(t, testConfig())

	for seq := uint64(1); seq <= 3; seq++ {
		feed(t, m, seq, 0.9)
	}
	for seq := uint64(4); seq <= 10; seq++ {
		feed(t, m, seq, 0)
	}
	// Second distinct event.
	for seq := uint64(11); seq <= 13; seq++ {
		feed(t, m, seq, 0.9)
	}
	for seq := uint64(14); seq <= 20; seq++ {
		feed(t, m, seq, 0)
	}
	m.Wait()

	sessions := sink.all()
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d, want 2 distinct incidents", len(sessions))
	}
	if sessions[0].ID == sessions[1].ID {
		t.Fatal("both sessions share an ID")
	}
}
