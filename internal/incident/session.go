// Package incident implements the state machine that turns per-frame threat
// assessments into recorded incident sessions.
package incident

import (
	"time"

	"github.com/google/uuid"

	"github.com/eyumandy/WatchDog/internal/faces"
	"github.com/eyumandy/WatchDog/internal/frame"
)

// State is the machine's position in the incident lifecycle.
type State int

const (
	// Idle means no active incident; assessments are compared to the entry
	// threshold.
	Idle State = iota
	// Suspect means the entry threshold was crossed and the confirmation
	// window is running.
	Suspect
	// Recording means a confirmed session is capturing post-event frames.
	Recording
	// Finalizing means the session closed and is being handed off. The
	// machine never rests here; it dispatches the hand-off and returns to
	// Idle within the same step.
	Finalizing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Suspect:
		return "suspect"
	case Recording:
		return "recording"
	case Finalizing:
		return "finalizing"
	default:
		return "unknown"
	}
}

// Session is one confirmed incident. It is owned exclusively by the state
// machine until finalization, after which ownership transfers to the
// finalizer (face extraction and upload). All frame slices are owned copies;
// nothing aliases the live ring buffers.
type Session struct {
	ID    uuid.UUID
	State State

	// OpenedAt and ClosedAt are stream timestamps taken from the trigger and
	// closing frames, not wall clock.
	OpenedAt time.Time
	ClosedAt time.Time

	PreFrames  []*frame.Frame
	PostFrames []*frame.Frame

	PeakThreatScore float64
	TriggerSequence uint64

	FaceCrops    []faces.Capture
	ArtifactPath string

	// CloseReason records why the session ended: "cooldown", "max_duration"
	// or "stream_end".
	CloseReason string
}

// Frames returns the pre and post buffers as one ordered sequence.
func (s *Session) Frames() []*frame.Frame {
	out := make([]*frame.Frame, 0, len(s.PreFrames)+len(s.PostFrames))
	out = append(out, s.PreFrames...)
	out = append(out, s.PostFrames...)
	return out
}

// Duration is the recorded stream-time span of the session.
func (s *Session) Duration() time.Duration {
	if s.ClosedAt.IsZero() {
		return 0
	}
	return s.ClosedAt.Sub(s.OpenedAt)
}
