// Package pipeline wires the staged processing loop: source frames flow
// through motion detection into threat scoring and the incident state
// machine. Motion detection sees every frame; classification is sampled so a
// slow external classifier never blocks frame intake.
package pipeline

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/eyumandy/WatchDog/internal/frame"
	"github.com/eyumandy/WatchDog/internal/incident"
	"github.com/eyumandy/WatchDog/internal/motion"
	"github.com/eyumandy/WatchDog/internal/threat"
	"github.com/eyumandy/WatchDog/internal/vision"
)

// MotionObserver is the per-frame motion stage. *motion.Detector implements
// it.
type MotionObserver interface {
	Observe(f *frame.Frame) motion.Signal
}

// Config bounds the pipeline stages.
type Config struct {
	// QueueSize bounds the channel between frame intake and scoring.
	QueueSize int
	// SampleEvery classifies every Nth frame; intermediate frames reuse the
	// most recent classification.
	SampleEvery int
	// ClassifyTimeout bounds one classifier call.
	ClassifyTimeout time.Duration
}

// DefaultConfig returns the shipped pipeline parameters.
func DefaultConfig() Config {
	return Config{
		QueueSize:       32,
		SampleEvery:     5,
		ClassifyTimeout: 2 * time.Second,
	}
}

// Stats tracks pipeline throughput and degradation.
type Stats struct {
	FramesIn        uint64
	Assessed        uint64
	Classifications uint64
	Degraded        uint64
}

// Pipeline runs the two processing stages for one stream.
type Pipeline struct {
	cfg        Config
	source     frame.Source
	detector   MotionObserver
	classifier vision.Classifier
	scorer     *threat.Scorer
	machine    *incident.Machine
	logger     *zap.Logger

	framesIn        atomic.Uint64
	assessed        atomic.Uint64
	classifications atomic.Uint64
	degraded        atomic.Uint64
}

// New assembles a pipeline. classifier may be nil, in which case scoring is
// motion-only.
func New(cfg Config, source frame.Source, detector MotionObserver, classifier vision.Classifier,
	scorer *threat.Scorer, machine *incident.Machine, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.SampleEvery <= 0 {
		cfg.SampleEvery = 1
	}
	if cfg.ClassifyTimeout <= 0 {
		cfg.ClassifyTimeout = DefaultConfig().ClassifyTimeout
	}
	return &Pipeline{
		cfg:        cfg,
		source:     source,
		detector:   detector,
		classifier: classifier,
		scorer:     scorer,
		machine:    machine,
		logger:     logger.Named("pipeline"),
	}
}

type stagedFrame struct {
	f   *frame.Frame
	sig motion.Signal
}

// Run processes the stream until the source ends or ctx is cancelled. Either
// way the state machine is flushed, so an in-flight incident is finalized
// with whatever buffer content exists. Detached finalizers may still be
// running when Run returns; the caller drains them via the machine and the
// upload orchestrator.
func (p *Pipeline) Run(ctx context.Context) error {
	staged := make(chan stagedFrame, p.cfg.QueueSize)
	srcErr := make(chan error, 1)

	// Stage A: intake and motion. Every frame passes through the detector in
	// sequence order before anything downstream can observe it.
	go func() {
		defer close(staged)
		for {
			f, err := p.source.Next(ctx)
			if err != nil {
				if errors.Is(err, io.EOF) || ctx.Err() != nil {
					return
				}
				srcErr <- err
				return
			}
			p.framesIn.Add(1)
			sig := p.detector.Observe(f)
			select {
			case staged <- stagedFrame{f: f, sig: sig}:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Stage B: sampled classification, scoring, state machine. The machine
	// is only ever entered from this goroutine.
	var lastCls vision.Classification
	var sinceSample int
	for sf := range staged {
		if p.classifier != nil {
			if sinceSample == 0 {
				lastCls = p.classify(ctx, sf.f)
			}
			sinceSample = (sinceSample + 1) % p.cfg.SampleEvery
		}

		a := p.scorer.Score(sf.sig, lastCls)
		p.assessed.Add(1)
		p.machine.Process(a, sf.f)
	}

	p.machine.Flush()

	select {
	case err := <-srcErr:
		return err
	default:
		return nil
	}
}

// classify calls the external classifier with a bounded deadline. Any
// failure degrades to "no detections" so scoring continues motion-only.
func (p *Pipeline) classify(ctx context.Context, f *frame.Frame) vision.Classification {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.ClassifyTimeout)
	defer cancel()

	cls, err := p.classifier.Classify(cctx, f)
	if err != nil {
		p.degraded.Add(1)
		p.logger.Debug("classification unavailable, scoring motion-only",
			zap.Uint64("sequence", f.Sequence), zap.Error(err))
		return vision.Classification{}
	}
	p.classifications.Add(1)
	return cls
}

// Snapshot returns throughput counters.
func (p *Pipeline) Snapshot() Stats {
	return Stats{
		FramesIn:        p.framesIn.Load(),
		Assessed:        p.assessed.Load(),
		Classifications: p.classifications.Load(),
		Degraded:        p.degraded.Load(),
	}
}
