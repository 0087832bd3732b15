// Package upload drives the hand-off of finalized incidents to durable
// storage: artifact assembly, direct presigned-URL transfer, face crop
// uploads, and metadata persistence, with bounded retry.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eyumandy/WatchDog/internal/alert"
	"github.com/eyumandy/WatchDog/internal/artifact"
	"github.com/eyumandy/WatchDog/internal/incident"
	"github.com/eyumandy/WatchDog/internal/storage"
)

// Status is an upload task's lifecycle position.
type Status int

const (
	Pending Status = iota
	InFlight
	Succeeded
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case InFlight:
		return "in_flight"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Task tracks one incident's upload. Done is closed when the task reaches a
// terminal state.
type Task struct {
	IncidentID   uuid.UUID
	ArtifactPath string
	Done         chan struct{}

	mu       sync.Mutex
	status   Status
	attempts int
	err      error
}

// Status returns the task's current status.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Attempts returns how many upload attempts have run.
func (t *Task) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// Err returns the terminal error for a Failed task.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Task) setStatus(s Status, err error) {
	t.mu.Lock()
	t.status = s
	t.err = err
	t.mu.Unlock()
	if s == Succeeded || s == Failed {
		close(t.Done)
	}
}

func (t *Task) addAttempt() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts++
	return t.attempts
}

// Config bounds the orchestrator.
type Config struct {
	// SpoolDir holds assembled artifacts. Failed uploads are retained here
	// for manual resubmission.
	SpoolDir string
	// QueueSize bounds pending tasks.
	QueueSize int
	// Workers is the number of concurrent upload goroutines.
	Workers int
	// MaxRetries bounds attempts per task.
	MaxRetries int
	// RetryBackoff is the initial backoff interval.
	RetryBackoff time.Duration
	// PresignExpiry is the lifetime requested for upload URLs.
	PresignExpiry time.Duration
	// UploadTimeout bounds one complete upload attempt.
	UploadTimeout time.Duration
}

// DefaultConfig returns the shipped upload parameters.
func DefaultConfig() Config {
	return Config{
		SpoolDir:      "spool",
		QueueSize:     16,
		Workers:       2,
		MaxRetries:    5,
		RetryBackoff:  time.Second,
		PresignExpiry: 15 * time.Minute,
		UploadTimeout: 5 * time.Minute,
	}
}

type queued struct {
	task *Task
	sess *incident.Session
}

// Orchestrator assembles and uploads finalized incidents. It shares no
// mutable state with the state machine; sessions arrive exclusively owned.
type Orchestrator struct {
	cfg      Config
	store    storage.ObjectStore
	meta     storage.MetadataStore
	writer   *artifact.Writer
	notifier alert.Notifier
	logger   *zap.Logger
	client   *http.Client

	queue   chan queued
	workers sync.WaitGroup

	mu     sync.Mutex
	failed []*Task
}

// NewOrchestrator creates the orchestrator and starts its workers.
func NewOrchestrator(cfg Config, store storage.ObjectStore, meta storage.MetadataStore,
	writer *artifact.Writer, notifier alert.Notifier, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = alert.NewLogNotifier(logger)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = DefaultConfig().UploadTimeout
	}
	if cfg.PresignExpiry <= 0 {
		cfg.PresignExpiry = DefaultConfig().PresignExpiry
	}

	o := &Orchestrator{
		cfg:      cfg,
		store:    store,
		meta:     meta,
		writer:   writer,
		notifier: notifier,
		logger:   logger.Named("upload"),
		client:   &http.Client{},
		queue:    make(chan queued, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		o.workers.Add(1)
		go o.worker()
	}
	return o
}

// Submit assembles the incident artifact locally and enqueues the upload.
// It returns immediately; the task reports progress through its accessors.
func (o *Orchestrator) Submit(sess *incident.Session) *Task {
	task := &Task{
		IncidentID:   sess.ID,
		ArtifactPath: filepath.Join(o.cfg.SpoolDir, sess.ID.String()+".webm"),
		Done:         make(chan struct{}),
	}

	if err := o.writer.WriteVideo(task.ArtifactPath, sess.Frames()); err != nil {
		o.fail(task, sess, fmt.Errorf("assemble artifact: %w", err))
		return task
	}
	sess.ArtifactPath = task.ArtifactPath

	select {
	case o.queue <- queued{task: task, sess: sess}:
	default:
		// Queue saturated. The artifact stays in the spool for manual
		// resubmission instead of blocking the finalizer.
		o.fail(task, sess, fmt.Errorf("upload queue full (%d pending)", o.cfg.QueueSize))
	}
	return task
}

// FailedTasks returns tasks whose retries were exhausted. Their artifacts
// remain in the spool directory.
func (o *Orchestrator) FailedTasks() []*Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Task, len(o.failed))
	copy(out, o.failed)
	return out
}

// Close stops accepting tasks and waits for in-flight uploads to finish.
func (o *Orchestrator) Close() {
	close(o.queue)
	o.workers.Wait()
}

func (o *Orchestrator) worker() {
	defer o.workers.Done()
	for q := range o.queue {
		o.run(q.task, q.sess)
	}
}

func (o *Orchestrator) run(task *Task, sess *incident.Session) {
	task.setStatus(InFlight, nil)

	bo := backoff.NewExponentialBackOff()
	if o.cfg.RetryBackoff > 0 {
		bo.InitialInterval = o.cfg.RetryBackoff
	}
	var policy backoff.BackOff = bo
	if o.cfg.MaxRetries > 0 {
		policy = backoff.WithMaxRetries(bo, uint64(o.cfg.MaxRetries))
	}

	op := func() error {
		attempt := task.addAttempt()
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.UploadTimeout)
		defer cancel()

		if err := o.attempt(ctx, task, sess); err != nil {
			o.logger.Warn("upload attempt failed",
				zap.String("incident_id", task.IncidentID.String()),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		return nil
	}

	if err := backoff.Retry(op, policy); err != nil {
		o.fail(task, sess, err)
		return
	}

	task.setStatus(Succeeded, nil)
	if err := os.Remove(task.ArtifactPath); err != nil && !os.IsNotExist(err) {
		o.logger.Warn("could not remove spooled artifact",
			zap.String("path", task.ArtifactPath), zap.Error(err))
	}
	o.logger.Info("incident uploaded",
		zap.String("incident_id", task.IncidentID.String()),
		zap.Int("attempts", task.Attempts()),
		zap.Int("faces", len(sess.FaceCrops)))
}

// attempt performs one full upload pass. Every step is idempotent, so a
// retried pass re-runs all of them safely.
func (o *Orchestrator) attempt(ctx context.Context, task *Task, sess *incident.Session) error {
	artifactKey := fmt.Sprintf("incidents/%s.webm", sess.ID)

	url, err := o.store.PresignedUploadURL(ctx, artifactKey, o.cfg.PresignExpiry)
	if err != nil {
		return fmt.Errorf("presign artifact: %w", err)
	}
	if err := o.transfer(ctx, url, task.ArtifactPath); err != nil {
		return fmt.Errorf("transfer artifact: %w", err)
	}

	for i, crop := range sess.FaceCrops {
		data, err := o.writer.EncodeJPEG(crop.Image)
		if err != nil {
			return fmt.Errorf("encode face %d: %w", i, err)
		}
		key := fmt.Sprintf("incidents/%s/faces/%03d.jpg", sess.ID, i)
		if err := o.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), "image/jpeg"); err != nil {
			return fmt.Errorf("upload face %d: %w", i, err)
		}
		if err := o.meta.SaveFaceCapture(ctx, &storage.FaceRecord{
			IncidentID:    sess.ID,
			ObjectKey:     key,
			FrameSequence: int64(crop.FrameSequence),
			Confidence:    crop.Confidence,
		}); err != nil {
			return fmt.Errorf("persist face %d: %w", i, err)
		}
	}

	rec := &storage.IncidentRecord{
		ID:              sess.ID,
		OpenedAt:        sess.OpenedAt,
		ClosedAt:        sess.ClosedAt,
		PeakThreatScore: sess.PeakThreatScore,
		TriggerSequence: int64(sess.TriggerSequence),
		CloseReason:     sess.CloseReason,
		ArtifactKey:     artifactKey,
		FaceCount:       len(sess.FaceCrops),
	}
	if err := o.meta.UpsertIncident(ctx, rec); err != nil {
		return fmt.Errorf("persist incident: %w", err)
	}
	return nil
}

// transfer PUTs the spooled artifact directly to the presigned destination.
func (o *Orchestrator) transfer(ctx context.Context, url, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, file)
	if err != nil {
		return err
	}
	req.ContentLength = stat.Size()
	req.Header.Set("Content-Type", "video/webm")

	resp, err := o.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("destination returned %s", resp.Status)
	}
	return nil
}

// fail marks the task terminal, retains the artifact, and alerts.
func (o *Orchestrator) fail(task *Task, sess *incident.Session, err error) {
	task.setStatus(Failed, err)

	o.mu.Lock()
	o.failed = append(o.failed, task)
	o.mu.Unlock()

	o.logger.Error("upload failed, artifact retained for resubmission",
		zap.String("incident_id", task.IncidentID.String()),
		zap.String("artifact_path", task.ArtifactPath),
		zap.Int("attempts", task.Attempts()),
		zap.Error(err))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	notifyErr := o.notifier.Notify(ctx, alert.Event{
		Type:       alert.EventUploadFailed,
		IncidentID: task.IncidentID.String(),
		Message:    err.Error(),
		Details: map[string]any{
			"artifact_path": task.ArtifactPath,
			"attempts":      task.Attempts(),
			"peak_score":    sess.PeakThreatScore,
		},
	})
	if notifyErr != nil {
		o.logger.Warn("alert delivery failed", zap.Error(notifyErr))
	}
}
