// Package storage defines the external storage capabilities the upload
// orchestrator depends on: durable object storage for artifacts and a
// metadata store for incident records. The core never depends on a concrete
// backend; adapters live alongside the interfaces.
package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// ObjectStore is the durable artifact storage capability. Uploads go through
// a presigned destination so large artifacts transfer directly rather than
// being proxied.
type ObjectStore interface {
	// Put uploads a stream under key.
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	// PutFile uploads a local file under key.
	PutFile(ctx context.Context, key, filePath, contentType string) error
	// PresignedUploadURL returns a time-limited write destination for key.
	PresignedUploadURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	// Exists reports whether key is already stored.
	Exists(ctx context.Context, key string) (bool, error)
	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error
}

// IncidentRecord is the persisted metadata for one finalized incident.
type IncidentRecord struct {
	ID              uuid.UUID `db:"id"`
	OpenedAt        time.Time `db:"opened_at"`
	ClosedAt        time.Time `db:"closed_at"`
	PeakThreatScore float64   `db:"peak_threat_score"`
	TriggerSequence int64     `db:"trigger_sequence"`
	CloseReason     string    `db:"close_reason"`
	ArtifactKey     string    `db:"artifact_key"`
	FaceCount       int       `db:"face_count"`
	CreatedAt       time.Time `db:"created_at"`
}

// FaceRecord is the persisted metadata for one extracted face crop.
type FaceRecord struct {
	ID            int64     `db:"id"`
	IncidentID    uuid.UUID `db:"incident_id"`
	ObjectKey     string    `db:"object_key"`
	FrameSequence int64     `db:"frame_sequence"`
	Confidence    float64   `db:"confidence"`
	CreatedAt     time.Time `db:"created_at"`
}

// MetadataStore is the incident metadata capability. UpsertIncident is
// idempotent on the incident id; resubmitting the same incident must not
// create duplicates.
type MetadataStore interface {
	UpsertIncident(ctx context.Context, rec *IncidentRecord) error
	GetIncident(ctx context.Context, id uuid.UUID) (*IncidentRecord, error)
	ListIncidents(ctx context.Context, since time.Time, limit int) ([]*IncidentRecord, error)
	SaveFaceCapture(ctx context.Context, rec *FaceRecord) error
	HealthCheck(ctx context.Context) error
}

// StorageError wraps a backend failure with operation context. Retryable
// distinguishes transient transport failures from permanent ones.
type StorageError struct {
	Op        string
	Key       string
	Err       error
	Retryable bool
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a storage error worth retrying.
func IsRetryable(err error) bool {
	if se, ok := err.(*StorageError); ok {
		return se.Retryable
	}
	return false
}
