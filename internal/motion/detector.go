package motion

import (
	"image"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/eyumandy/WatchDog/internal/frame"
)

// Signal is the per-frame motion measurement. Score is temporally
// accumulated motion normalized by frame area to [0,1]; Area is the count of
// pixels whose difference from the background exceeded the pixel threshold.
type Signal struct {
	Sequence uint64
	Score    float64
	Area     float64
	Bounds   image.Rectangle
}

// Config holds motion detection parameters.
type Config struct {
	// LearningRate is the EWMA background adaptation rate in (0,1].
	LearningRate float64
	// DiffThreshold is the per-pixel absolute difference (0-255) above
	// which a pixel counts as foreground.
	DiffThreshold float64
	// MinArea is the minimum foreground pixel count for a frame to count as
	// a motion frame.
	MinArea int
	// WindowFrames bounds the temporal accumulation window.
	WindowFrames int
	// Decay is the per-frame decay applied to accumulated motion.
	Decay float64
	// MinMotionFrames is the debounce: fewer consecutive motion frames than
	// this and the signal score is suppressed to zero.
	MinMotionFrames int
	// GapTolerance is the largest sequence gap absorbed without resetting
	// the background model.
	GapTolerance uint64
}

// DefaultConfig returns the shipped calibration.
func DefaultConfig() Config {
	return Config{
		LearningRate:    0.5,
		DiffThreshold:   25,
		MinArea:         5000,
		WindowFrames:    45,
		Decay:           0.95,
		MinMotionFrames: 3,
		GapTolerance:    90,
	}
}

// Stats tracks detector activity.
type Stats struct {
	FramesProcessed uint64
	MotionFrames    uint64
	ModelResets     uint64
	PeakArea        float64
	LastMotionTime  time.Time
}

// Detector maintains a rolling per-pixel background estimate and emits one
// Signal per observed frame. It performs no I/O and is driven from a single
// goroutine; the pipeline guarantees frames arrive in sequence order.
type Detector struct {
	cfg    Config
	logger *zap.Logger

	background []float64
	width      int
	height     int
	lastSeq    uint64
	primed     bool

	window      []float64
	accumulated float64
	consecutive int

	stats Stats
}

// NewDetector creates a detector with the given configuration.
func NewDetector(cfg Config, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		cfg:    cfg,
		logger: logger.Named("motion"),
	}
}

// Observe processes one frame and returns its motion signal. A dimension
// change or a sequence gap beyond tolerance resets the background model and
// yields a zero signal for that frame rather than failing.
func (d *Detector) Observe(f *frame.Frame) Signal {
	d.stats.FramesProcessed++

	if d.needsReset(f) {
		d.reset(f)
		return Signal{Sequence: f.Sequence}
	}
	d.lastSeq = f.Sequence

	area, bounds := d.subtract(f)

	d.accumulated = d.accumulated*d.cfg.Decay + area
	d.window = append(d.window, area)
	if len(d.window) > d.cfg.WindowFrames {
		evicted := d.window[0]
		d.window = d.window[1:]
		// Remove the evicted frame's residual contribution, which has been
		// decayed WindowFrames times by now.
		d.accumulated -= evicted * math.Pow(d.cfg.Decay, float64(d.cfg.WindowFrames))
		if d.accumulated < 0 {
			d.accumulated = 0
		}
	}

	if area >= float64(d.cfg.MinArea) {
		d.consecutive++
		d.stats.MotionFrames++
		d.stats.LastMotionTime = f.Timestamp
		if area > d.stats.PeakArea {
			d.stats.PeakArea = area
		}
	} else {
		d.consecutive = 0
	}

	score := d.accumulated / float64(f.Width*f.Height)
	if score > 1 {
		score = 1
	}

	// Debounce: single-frame spikes below the minimum duration do not count
	// as motion.
	if d.consecutive < d.cfg.MinMotionFrames {
		score = 0
	}

	return Signal{
		Sequence: f.Sequence,
		Score:    score,
		Area:     area,
		Bounds:   bounds,
	}
}

// Stats returns a copy of the detector counters.
func (d *Detector) Stats() Stats { return d.stats }

func (d *Detector) needsReset(f *frame.Frame) bool {
	if !d.primed {
		return true
	}
	if f.Width != d.width || f.Height != d.height {
		d.logger.Warn("frame dimensions changed, resetting background model",
			zap.Int("old_width", d.width), zap.Int("old_height", d.height),
			zap.Int("new_width", f.Width), zap.Int("new_height", f.Height))
		return true
	}
	if f.Sequence > d.lastSeq && f.Sequence-d.lastSeq > d.cfg.GapTolerance {
		d.logger.Warn("sequence gap beyond tolerance, resetting background model",
			zap.Uint64("last_sequence", d.lastSeq),
			zap.Uint64("sequence", f.Sequence))
		return true
	}
	return false
}

func (d *Detector) reset(f *frame.Frame) {
	d.background = make([]float64, len(f.Pixels))
	for i, px := range f.Pixels {
		d.background[i] = float64(px)
	}
	d.width = f.Width
	d.height = f.Height
	d.lastSeq = f.Sequence
	d.window = d.window[:0]
	d.accumulated = 0
	d.consecutive = 0
	d.primed = true
	d.stats.ModelResets++
}

// subtract diffs the frame against the background, updates the background
// estimate, and returns the foreground area and its bounding region.
func (d *Detector) subtract(f *frame.Frame) (float64, image.Rectangle) {
	var area int
	minX, minY := f.Width, f.Height
	maxX, maxY := -1, -1

	alpha := d.cfg.LearningRate
	for y := 0; y < f.Height; y++ {
		row := y * f.Width
		for x := 0; x < f.Width; x++ {
			i := row + x
			px := float64(f.Pixels[i])
			if math.Abs(px-d.background[i]) > d.cfg.DiffThreshold {
				area++
				if x < minX {
					minX = x
				}
				if x > maxX {
					maxX = x
				}
				if y < minY {
					minY = y
				}
				if y > maxY {
					maxY = y
				}
			}
			d.background[i] = (1-alpha)*d.background[i] + alpha*px
		}
	}

	if area == 0 {
		return 0, image.Rectangle{}
	}
	return float64(area), image.Rect(minX, minY, maxX+1, maxY+1)
}
