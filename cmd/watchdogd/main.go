// watchdogd runs the incident detection and recording pipeline against an
// MJPEG camera stream, uploading confirmed incidents to object storage and
// persisting their metadata.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eyumandy/WatchDog/internal/alert"
	"github.com/eyumandy/WatchDog/internal/artifact"
	"github.com/eyumandy/WatchDog/internal/config"
	"github.com/eyumandy/WatchDog/internal/faces"
	"github.com/eyumandy/WatchDog/internal/frame"
	"github.com/eyumandy/WatchDog/internal/incident"
	"github.com/eyumandy/WatchDog/internal/motion"
	"github.com/eyumandy/WatchDog/internal/pipeline"
	"github.com/eyumandy/WatchDog/internal/ringbuf"
	"github.com/eyumandy/WatchDog/internal/storage"
	"github.com/eyumandy/WatchDog/internal/threat"
	"github.com/eyumandy/WatchDog/internal/upload"
	"github.com/eyumandy/WatchDog/internal/vision"
)

func main() {
	envFile := flag.String("env", ".env", "path to an optional .env file")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger setup failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("pipeline terminated", zap.Error(err))
	}
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	zcfg := zap.NewProductionConfig()
	if !cfg.LogJSON {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.StreamURL == "" {
		return fmt.Errorf("no stream configured; set WD_STREAM_URL")
	}

	// Backends.
	store, err := storage.NewMinIOStore(cfg.MinIO, logger)
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}
	meta, err := storage.NewPostgresStore(cfg.Postgres, logger)
	if err != nil {
		return fmt.Errorf("metadata store: %w", err)
	}
	defer meta.Close()

	var notifier alert.Notifier
	if cfg.AlertWebhookURL != "" {
		notifier = alert.NewWebhookNotifier(cfg.AlertWebhookURL, 10*time.Second, logger)
	} else {
		notifier = alert.NewLogNotifier(logger)
	}

	// Classification adapter is optional; without it the pipeline scores
	// motion-only and face extraction is skipped.
	var classifier vision.Classifier
	if cfg.ClassifierEnabled {
		httpClassifier, err := vision.NewHTTPClassifier(vision.HTTPClassifierConfig{
			URL:     cfg.ClassifierURL,
			Timeout: cfg.ClassifyTimeout,
		}, nil, logger)
		if err != nil {
			return fmt.Errorf("classifier: %w", err)
		}
		classifier = httpClassifier
	}

	writer := artifact.NewWriter(artifact.DefaultConfig())
	orchestrator := upload.NewOrchestrator(cfg.Upload, store, meta, writer, notifier, logger)
	extractor := faces.NewExtractor(cfg.Faces, classifier, logger)

	buffers := ringbuf.NewManager(cfg.Buffers, logger, func(ev ringbuf.OverrunEvent) {
		nctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := notifier.Notify(nctx, alert.Event{
			Type:    alert.EventBufferOverrun,
			Message: fmt.Sprintf("dropped %d buffered frames", ev.DroppedFrames),
			Details: map[string]any{"buffered_bytes": ev.BufferedBytes},
		}); err != nil {
			logger.Warn("overrun alert delivery failed", zap.Error(err))
		}
	})

	finalize := func(sess *incident.Session) {
		if classifier != nil {
			fctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			sess.FaceCrops = extractor.Extract(fctx, sess.Frames(), sess.ID)
			cancel()
		}
		orchestrator.Submit(sess)
	}

	machine := incident.NewMachine(cfg.Incident, buffers, finalize, logger)
	detector := motion.NewDetector(cfg.Motion, logger)
	scorer := threat.NewScorer(cfg.Threat)

	source := frame.NewMJPEGSource(cfg.StreamURL, &http.Client{})
	defer source.Close()

	p := pipeline.New(pipeline.Config{
		SampleEvery:     cfg.ClassifySampling,
		ClassifyTimeout: cfg.ClassifyTimeout,
	}, source, detector, classifier, scorer, machine, logger)

	logger.Info("pipeline starting",
		zap.String("stream", cfg.StreamURL),
		zap.Int("fps", cfg.FPS),
		zap.Int("pre_frames", cfg.Buffers.PreCapacityFrames),
		zap.Bool("classifier", cfg.ClassifierEnabled))

	runErr := p.Run(ctx)

	// Graceful drain: let detached finalizers and queued uploads finish
	// within the shutdown budget rather than dropping them.
	done := make(chan struct{})
	go func() {
		machine.Wait()
		orchestrator.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cfg.ShutdownTimeout):
		logger.Warn("shutdown budget exceeded, spooled artifacts remain for resubmission",
			zap.Duration("timeout", cfg.ShutdownTimeout))
	}

	for _, task := range orchestrator.FailedTasks() {
		logger.Warn("incident upload requires manual resubmission",
			zap.String("incident_id", task.IncidentID.String()),
			zap.String("artifact_path", task.ArtifactPath))
	}

	stats := p.Snapshot()
	logger.Info("pipeline stopped",
		zap.Uint64("frames", stats.FramesIn),
		zap.Uint64("assessed", stats.Assessed),
		zap.Uint64("degraded", stats.Degraded),
		zap.Error(runErr))
	return runErr
}
