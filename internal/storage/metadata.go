package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
)

// PostgresConfig contains the metadata database configuration.
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	SSLMode  string

	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PostgresStore implements MetadataStore on PostgreSQL.
type PostgresStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// ErrNotFound is returned when a queried incident does not exist.
var ErrNotFound = errors.New("incident not found")

// NewPostgresStore connects, verifies the connection, and migrates the
// schema.
func NewPostgresStore(config PostgresConfig, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Port == 0 {
		config.Port = 5432
	}
	if config.SSLMode == "" {
		config.SSLMode = "require"
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = 25
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 5
	}
	if config.ConnMaxLifetime == 0 {
		config.ConnMaxLifetime = 5 * time.Minute
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.Username, config.Password, config.Database, config.SSLMode,
	)

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &PostgresStore{db: db, logger: logger.Named("postgres")}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS incidents (
		id UUID PRIMARY KEY,
		opened_at TIMESTAMPTZ NOT NULL,
		closed_at TIMESTAMPTZ NOT NULL,
		peak_threat_score DOUBLE PRECISION NOT NULL,
		trigger_sequence BIGINT NOT NULL,
		close_reason TEXT NOT NULL,
		artifact_key TEXT NOT NULL,
		face_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_incidents_opened_at ON incidents(opened_at DESC);

	CREATE TABLE IF NOT EXISTS face_captures (
		id BIGSERIAL PRIMARY KEY,
		incident_id UUID NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
		object_key TEXT NOT NULL,
		frame_sequence BIGINT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (incident_id, object_key)
	);
	CREATE INDEX IF NOT EXISTS idx_face_captures_incident ON face_captures(incident_id);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// UpsertIncident inserts or refreshes the incident row. Keyed on the
// incident id, so resubmitting after a retried upload is a no-op update.
func (s *PostgresStore) UpsertIncident(ctx context.Context, rec *IncidentRecord) error {
	const q = `
	INSERT INTO incidents (id, opened_at, closed_at, peak_threat_score,
		trigger_sequence, close_reason, artifact_key, face_count)
	VALUES (:id, :opened_at, :closed_at, :peak_threat_score,
		:trigger_sequence, :close_reason, :artifact_key, :face_count)
	ON CONFLICT (id) DO UPDATE SET
		closed_at = EXCLUDED.closed_at,
		peak_threat_score = EXCLUDED.peak_threat_score,
		close_reason = EXCLUDED.close_reason,
		artifact_key = EXCLUDED.artifact_key,
		face_count = EXCLUDED.face_count`

	if _, err := s.db.NamedExecContext(ctx, q, rec); err != nil {
		return &StorageError{Op: "upsert_incident", Key: rec.ID.String(), Err: err, Retryable: true}
	}
	return nil
}

// GetIncident fetches one incident by id.
func (s *PostgresStore) GetIncident(ctx context.Context, id uuid.UUID) (*IncidentRecord, error) {
	var rec IncidentRecord
	err := s.db.GetContext(ctx, &rec, `SELECT * FROM incidents WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "get_incident", Key: id.String(), Err: err, Retryable: true}
	}
	return &rec, nil
}

// ListIncidents returns incidents opened since the given time, newest first.
// The dashboard polls this.
func (s *PostgresStore) ListIncidents(ctx context.Context, since time.Time, limit int) ([]*IncidentRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []*IncidentRecord
	err := s.db.SelectContext(ctx, &recs,
		`SELECT * FROM incidents WHERE opened_at >= $1 ORDER BY opened_at DESC LIMIT $2`,
		since, limit)
	if err != nil {
		return nil, &StorageError{Op: "list_incidents", Err: err, Retryable: true}
	}
	return recs, nil
}

// SaveFaceCapture records one uploaded face crop. Duplicate object keys for
// the same incident are ignored so retried uploads stay idempotent.
func (s *PostgresStore) SaveFaceCapture(ctx context.Context, rec *FaceRecord) error {
	const q = `
	INSERT INTO face_captures (incident_id, object_key, frame_sequence, confidence)
	VALUES (:incident_id, :object_key, :frame_sequence, :confidence)
	ON CONFLICT (incident_id, object_key) DO NOTHING`

	if _, err := s.db.NamedExecContext(ctx, q, rec); err != nil {
		return &StorageError{Op: "save_face", Key: rec.ObjectKey, Err: err, Retryable: true}
	}
	return nil
}

// HealthCheck verifies the database connection.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &StorageError{Op: "health", Err: err, Retryable: true}
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }
