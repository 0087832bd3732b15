package pipeline

import (
	"context"
	"errors"
	"image"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/eyumandy/WatchDog/internal/faces"
	"github.com/eyumandy/WatchDog/internal/frame"
	"github.com/eyumandy/WatchDog/internal/incident"
	"github.com/eyumandy/WatchDog/internal/motion"
	"github.com/eyumandy/WatchDog/internal/ringbuf"
	"github.com/eyumandy/WatchDog/internal/threat"
	"github.com/eyumandy/WatchDog/internal/vision"
)

const (
	frameW = 160
	frameH = 160
)

// staticFrame is all-zero pixels; motionFrame overlays a 20000-pixel block
// (125 rows x 160 columns) of full-intensity foreground.
func buildFrames(t *testing.T, n int, motionSeqs map[uint64]bool) []*frame.Frame {
	t.Helper()
	frames := make([]*frame.Frame, 0, n)
	for seq := uint64(1); seq <= uint64(n); seq++ {
		px := make([]byte, frameW*frameH)
		if motionSeqs[seq] {
			for i := 0; i < 125*frameW; i++ {
				px[i] = 255
			}
		}
		f, err := frame.New(seq, time.Unix(int64(seq), 0), px, frameW, frameH)
		if err != nil {
			t.Fatalf("frame.New: %v", err)
		}
		frames = append(frames, f)
	}
	return frames
}

// scriptedClassifier returns a weapon detection for the scripted sequences
// and optionally fails every call.
type scriptedClassifier struct {
	weaponSeqs map[uint64]bool
	faceSeqs   map[uint64]bool
	failAll    bool
}

func (s *scriptedClassifier) Classify(_ context.Context, f *frame.Frame) (vision.Classification, error) {
	if s.failAll {
		return vision.Classification{}, errors.New("inference backend unavailable")
	}
	var cls vision.Classification
	if s.weaponSeqs[f.Sequence] {
		cls.Objects = []vision.ObjectDetection{{Label: "weapon", Confidence: 0.9}}
	}
	if s.faceSeqs[f.Sequence] {
		cls.Faces = []vision.FaceDetection{{Box: image.Rect(10, 10, 40, 40), Confidence: 0.9}}
	}
	return cls, nil
}

type sessionSink struct {
	mu       sync.Mutex
	sessions []*incident.Session
}

func (s *sessionSink) take(sess *incident.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, sess)
}

func (s *sessionSink) all() []*incident.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

func motionConfig() motion.Config {
	return motion.Config{
		// Slow adaptation so a sustained foreground block stays foreground
		// for the whole scripted burst.
		LearningRate:    0.005,
		DiffThreshold:   25,
		MinArea:         5000,
		WindowFrames:    45,
		Decay:           0.95,
		MinMotionFrames: 3,
		GapTolerance:    90,
	}
}

func machineConfig() incident.Config {
	return incident.Config{
		EntryThreshold:      0.5,
		ExitThreshold:       0.3,
		ConfirmFrames:       3,
		Cooldown:            5 * time.Second,
		MaxIncidentDuration: 2 * time.Minute,
	}
}

func buffers() *ringbuf.Manager {
	return ringbuf.NewManager(ringbuf.Config{
		PreCapacityFrames:  10,
		PostCapacityFrames: 1000,
	}, nil, nil)
}

func runPipeline(t *testing.T, frames []*frame.Frame, classifier vision.Classifier, finalize incident.Finalizer) (*Pipeline, *incident.Machine) {
	t.Helper()
	machine := incident.NewMachine(machineConfig(), buffers(), finalize, nil)
	p := New(Config{QueueSize: 8, SampleEvery: 1, ClassifyTimeout: time.Second},
		frame.NewSliceSource(frames),
		motion.NewDetector(motionConfig(), nil),
		classifier,
		threat.NewScorer(threat.DefaultWeights()),
		machine, nil)
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	machine.Wait()
	return p, machine
}

// The canonical scenario: frames 1-10 static, frames 11-20 show a
// 20000-pixel disturbance plus a weapon detection at confidence 0.9, frames
// 21-30 return to static. One incident must open after the confirmation
// window, record through the cooldown, and finalize with the fused peak.
func TestEndToEndScenario(t *testing.T) {
	burst := map[uint64]bool{}
	for seq := uint64(11); seq <= 20; seq++ {
		burst[seq] = true
	}
	frames := buildFrames(t, 30, burst)

	cls := &scriptedClassifier{weaponSeqs: burst, faceSeqs: map[uint64]bool{13: true}}
	sink := &sessionSink{}
	extractor := faces.NewExtractor(faces.DefaultConfig(), cls, nil)

	finalize := func(sess *incident.Session) {
		sess.FaceCrops = extractor.Extract(context.Background(), sess.Frames(), sess.ID)
		sink.take(sess)
	}

	p, _ := runPipeline(t, frames, cls, finalize)

	sessions := sink.all()
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want exactly 1", len(sessions))
	}
	sess := sessions[0]

	// Fused score: min(20000/15000, 0.4) + 0.4*0.9 = 0.76.
	if math.Abs(sess.PeakThreatScore-0.76) > 1e-9 {
		t.Fatalf("peak score = %v, want 0.76", sess.PeakThreatScore)
	}
	if sess.TriggerSequence != 13 {
		t.Fatalf("trigger sequence = %d, want 13 (confirmation after frames 11-12)", sess.TriggerSequence)
	}
	if sess.CloseReason != "cooldown" {
		t.Fatalf("close reason = %q, want cooldown", sess.CloseReason)
	}
	if len(sess.PreFrames) != 10 || sess.PreFrames[9].Sequence != 12 {
		t.Fatalf("pre buffer = %d frames ending at %d, want 10 ending at 12",
			len(sess.PreFrames), sess.PreFrames[len(sess.PreFrames)-1].Sequence)
	}
	if sess.PostFrames[0].Sequence != 13 {
		t.Fatalf("post buffer starts at %d, want 13", sess.PostFrames[0].Sequence)
	}
	if last := sess.PostFrames[len(sess.PostFrames)-1].Sequence; last != 25 {
		t.Fatalf("post buffer ends at %d, want 25 (cooldown expiry)", last)
	}
	if len(sess.FaceCrops) != 1 {
		t.Fatalf("face crops = %d, want 1", len(sess.FaceCrops))
	}

	stats := p.Snapshot()
	if stats.FramesIn != 30 || stats.Assessed != 30 {
		t.Fatalf("stats = %+v, want 30 frames in and assessed", stats)
	}
}

// A failing classifier degrades scoring to motion-only. The motion component
// caps at 0.4, below the 0.5 entry threshold, so no incident opens.
func TestClassifierOutageDegradesToMotionOnly(t *testing.T) {
	burst := map[uint64]bool{}
	for seq := uint64(11); seq <= 20; seq++ {
		burst[seq] = true
	}
	frames := buildFrames(t, 30, burst)

	sink := &sessionSink{}
	p, _ := runPipeline(t, frames, &scriptedClassifier{failAll: true}, sink.take)

	if got := len(sink.all()); got != 0 {
		t.Fatalf("sessions = %d, want 0 with motion-only scoring below entry", got)
	}
	if stats := p.Snapshot(); stats.Degraded == 0 {
		t.Fatalf("stats = %+v, want degraded classifications counted", stats)
	}
}

// Stream ending mid-recording force-finalizes the session.
func TestStreamEndForceFinalizesRecording(t *testing.T) {
	burst := map[uint64]bool{}
	for seq := uint64(5); seq <= 15; seq++ {
		burst[seq] = true
	}
	frames := buildFrames(t, 15, burst)

	sink := &sessionSink{}
	_, machine := runPipeline(t, frames, &scriptedClassifier{weaponSeqs: burst}, sink.take)

	sessions := sink.all()
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
	if sessions[0].CloseReason != "stream_end" {
		t.Fatalf("close reason = %q, want stream_end", sessions[0].CloseReason)
	}
	if machine.State() != incident.Idle {
		t.Fatalf("machine state = %v, want Idle after flush", machine.State())
	}
}

// Cancellation behaves like stream end: the in-flight incident is not lost.
func TestCancellationFlushesMachine(t *testing.T) {
	burst := map[uint64]bool{}
	for seq := uint64(5); seq <= 200; seq++ {
		burst[seq] = true
	}
	frames := buildFrames(t, 200, burst)

	sink := &sessionSink{}
	machine := incident.NewMachine(machineConfig(), buffers(), sink.take, nil)

	ctx, cancel := context.WithCancel(context.Background())
	blockingSource := &cancellableSource{inner: frame.NewSliceSource(frames), cancelAt: 20, cancel: cancel}

	p := New(Config{QueueSize: 8, SampleEvery: 1, ClassifyTimeout: time.Second},
		blockingSource,
		motion.NewDetector(motionConfig(), nil),
		&scriptedClassifier{weaponSeqs: burst},
		threat.NewScorer(threat.DefaultWeights()),
		machine, nil)

	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	machine.Wait()

	sessions := sink.all()
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1 flushed on cancellation", len(sessions))
	}
	if sessions[0].CloseReason != "stream_end" {
		t.Fatalf("close reason = %q, want stream_end", sessions[0].CloseReason)
	}
}

// cancellableSource cancels the context after a fixed number of frames.
type cancellableSource struct {
	inner    *frame.SliceSource
	served   int
	cancelAt int
	cancel   context.CancelFunc
}

func (s *cancellableSource) Next(ctx context.Context) (*frame.Frame, error) {
	if s.served >= s.cancelAt {
		s.cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	s.served++
	return s.inner.Next(ctx)
}
