// Package faces extracts deduplicated face crops from buffered incident
// frames. Face localization is delegated to the external classification
// capability.
package faces

import (
	"context"
	"image"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eyumandy/WatchDog/internal/frame"
	"github.com/eyumandy/WatchDog/internal/vision"
)

// Capture is one face crop attributed to an incident.
type Capture struct {
	IncidentID    uuid.UUID
	Box           image.Rectangle
	Image         *image.Gray
	FrameSequence uint64
	Confidence    float64
}

// Config controls sampling and deduplication.
type Config struct {
	// SampleEvery classifies every Nth buffered frame.
	SampleEvery int
	// IoUThreshold above which two detections in nearby frames count as the
	// same person.
	IoUThreshold float64
	// ProximityWindow is the maximum sequence distance for the IoU rule.
	ProximityWindow uint64
	// MinConfidence filters weak detections.
	MinConfidence float64
}

// DefaultConfig returns the shipped extraction parameters.
func DefaultConfig() Config {
	return Config{
		SampleEvery:     10,
		IoUThreshold:    0.4,
		ProximityWindow: 20,
		MinConfidence:   0.5,
	}
}

// Extractor runs face extraction over finalized incident buffers.
type Extractor struct {
	cfg        Config
	classifier vision.Classifier
	logger     *zap.Logger
}

// NewExtractor creates an extractor backed by the given classifier.
func NewExtractor(cfg Config, classifier vision.Classifier, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		cfg:        cfg,
		classifier: classifier,
		logger:     logger.Named("faces"),
	}
}

// Extract scans the ordered frames for faces, deduplicates near-identical
// detections across consecutive frames, and returns the kept crops. It never
// returns an error: classifier failures skip the frame, and an empty slice
// means no faces were found.
func (e *Extractor) Extract(ctx context.Context, frames []*frame.Frame, incidentID uuid.UUID) []Capture {
	if e.classifier == nil || len(frames) == 0 {
		return nil
	}

	sampleEvery := e.cfg.SampleEvery
	if sampleEvery < 1 {
		sampleEvery = 1
	}

	var kept []Capture
	for i, f := range frames {
		if ctx.Err() != nil {
			break
		}
		if i%sampleEvery != 0 {
			continue
		}

		cls, err := e.classifier.Classify(ctx, f)
		if err != nil {
			e.logger.Debug("face localization unavailable for frame, skipping",
				zap.Uint64("sequence", f.Sequence), zap.Error(err))
			continue
		}

		for _, det := range cls.Faces {
			if det.Confidence < e.cfg.MinConfidence {
				continue
			}
			kept = e.merge(kept, f, incidentID, det)
		}
	}

	e.logger.Info("face extraction complete",
		zap.String("incident_id", incidentID.String()),
		zap.Int("frames", len(frames)),
		zap.Int("faces", len(kept)))

	return kept
}

// merge applies the spatial/temporal proximity rule: a detection whose box
// overlaps a kept capture above the IoU threshold within the proximity
// window is the same person, and the higher-confidence crop wins.
func (e *Extractor) merge(kept []Capture, f *frame.Frame, incidentID uuid.UUID, det vision.FaceDetection) []Capture {
	for i := range kept {
		if seqDistance(kept[i].FrameSequence, f.Sequence) > e.cfg.ProximityWindow {
			continue
		}
		if iou(kept[i].Box, det.Box) < e.cfg.IoUThreshold {
			continue
		}
		if det.Confidence > kept[i].Confidence {
			kept[i] = Capture{
				IncidentID:    incidentID,
				Box:           det.Box,
				Image:         f.Crop(det.Box),
				FrameSequence: f.Sequence,
				Confidence:    det.Confidence,
			}
		} else {
			// Same person, weaker detection: refresh recency so a slowly
			// moving face keeps matching its cluster.
			kept[i].FrameSequence = f.Sequence
		}
		return kept
	}

	return append(kept, Capture{
		IncidentID:    incidentID,
		Box:           det.Box,
		Image:         f.Crop(det.Box),
		FrameSequence: f.Sequence,
		Confidence:    det.Confidence,
	})
}

func seqDistance(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

// iou computes intersection-over-union of two rectangles.
func iou(a, b image.Rectangle) float64 {
	inter := a.Intersect(b)
	if inter.Empty() {
		return 0
	}
	interArea := float64(inter.Dx() * inter.Dy())
	union := float64(a.Dx()*a.Dy()+b.Dx()*b.Dy()) - interArea
	if union <= 0 {
		return 0
	}
	return interArea / union
}
