// Package threat fuses the motion signal with external classification
// results into a bounded threat score.
package threat

import (
	"github.com/eyumandy/WatchDog/internal/motion"
	"github.com/eyumandy/WatchDog/internal/vision"
)

// Components breaks an assessment down by contributing signal.
type Components struct {
	Motion  float64
	Objects float64
	Safety  float64
}

// Assessment is the fused, clamped threat score for one evaluation window.
type Assessment struct {
	Sequence   uint64
	Score      float64
	Components Components
}

// Weights holds the fusion configuration. All values are calibration
// defaults, not fixed behavior.
type Weights struct {
	// AreaNorm divides the motion area before capping.
	AreaNorm float64
	// MotionCap bounds the motion component.
	MotionCap float64
	// LabelWeights maps object labels to score contributions; unknown
	// labels contribute zero.
	LabelWeights map[string]float64
	// ViolenceThreshold/ViolenceStep: safety step contribution when the
	// violence sub-score exceeds the threshold. Likewise for weapons.
	ViolenceThreshold float64
	ViolenceStep      float64
	WeaponsThreshold  float64
	WeaponsStep       float64
}

// DefaultWeights returns the shipped fusion calibration.
func DefaultWeights() Weights {
	return Weights{
		AreaNorm:  15000,
		MotionCap: 0.4,
		LabelWeights: map[string]float64{
			"gun":     0.4,
			"weapon":  0.4,
			"knife":   0.4,
			"rifle":   0.4,
			"mask":    0.15,
			"crowbar": 0.15,
			"person":  0.1,
		},
		ViolenceThreshold: 0.6,
		ViolenceStep:      0.3,
		WeaponsThreshold:  0.5,
		WeaponsStep:       0.2,
	}
}

// Scorer performs deterministic weighted fusion. Score is pure: it keeps no
// state and identical inputs always produce identical assessments.
type Scorer struct {
	weights Weights
}

// NewScorer creates a scorer with the given weights.
func NewScorer(weights Weights) *Scorer {
	return &Scorer{weights: weights}
}

// Score fuses one motion signal with its classification result.
func (s *Scorer) Score(sig motion.Signal, cls vision.Classification) Assessment {
	w := s.weights

	motionComponent := sig.Area / w.AreaNorm
	if motionComponent > w.MotionCap {
		motionComponent = w.MotionCap
	}

	var objectComponent float64
	for _, obj := range cls.Objects {
		objectComponent += w.LabelWeights[obj.Label] * obj.Confidence
	}

	var safetyComponent float64
	if cls.Safety.Violence > w.ViolenceThreshold {
		safetyComponent += w.ViolenceStep
	}
	if cls.Safety.Weapons > w.WeaponsThreshold {
		safetyComponent += w.WeaponsStep
	}

	score := motionComponent + objectComponent + safetyComponent
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	return Assessment{
		Sequence: sig.Sequence,
		Score:    score,
		Components: Components{
			Motion:  motionComponent,
			Objects: objectComponent,
			Safety:  safetyComponent,
		},
	}
}
