// Package config loads and validates the pipeline configuration from the
// environment, with optional .env file support for local deployments.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/eyumandy/WatchDog/internal/faces"
	"github.com/eyumandy/WatchDog/internal/incident"
	"github.com/eyumandy/WatchDog/internal/motion"
	"github.com/eyumandy/WatchDog/internal/ringbuf"
	"github.com/eyumandy/WatchDog/internal/storage"
	"github.com/eyumandy/WatchDog/internal/threat"
	"github.com/eyumandy/WatchDog/internal/upload"
)

// Config is the full pipeline configuration.
type Config struct {
	// Source
	StreamURL string
	// FPS is the expected source frame rate, used to size the pre-event ring.
	FPS int
	// PreSeconds of context retained before an incident trigger.
	PreSeconds int

	Motion   motion.Config
	Threat   threat.Weights
	Incident incident.Config
	Buffers  ringbuf.Config
	Faces    faces.Config
	Upload   upload.Config

	// Classifier
	ClassifierURL     string
	ClassifyTimeout   time.Duration
	ClassifySampling  int
	ClassifierEnabled bool

	// Backends
	MinIO    storage.MinIOConfig
	Postgres storage.PostgresConfig

	// Alerts
	AlertWebhookURL string

	// Shutdown
	ShutdownTimeout time.Duration

	// Logging
	LogLevel string
	LogJSON  bool
}

// Load reads configuration from the environment. If envFile is non-empty it
// is loaded first (missing file is not an error; deployments usually inject
// real environment variables instead).
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	cfg := Default()

	cfg.StreamURL = envString("WD_STREAM_URL", cfg.StreamURL)
	cfg.FPS = envInt("WD_FPS", cfg.FPS)
	cfg.PreSeconds = envInt("WD_PRE_SECONDS", cfg.PreSeconds)

	cfg.Motion.LearningRate = envFloat("WD_MOTION_LEARNING_RATE", cfg.Motion.LearningRate)
	cfg.Motion.DiffThreshold = envFloat("WD_MOTION_DIFF_THRESHOLD", cfg.Motion.DiffThreshold)
	cfg.Motion.MinArea = envInt("WD_MOTION_MIN_AREA", cfg.Motion.MinArea)
	cfg.Motion.WindowFrames = envInt("WD_MOTION_WINDOW_FRAMES", cfg.Motion.WindowFrames)
	cfg.Motion.Decay = envFloat("WD_MOTION_DECAY", cfg.Motion.Decay)
	cfg.Motion.MinMotionFrames = envInt("WD_MOTION_MIN_FRAMES", cfg.Motion.MinMotionFrames)
	cfg.Motion.GapTolerance = envUint64("WD_MOTION_GAP_TOLERANCE", cfg.Motion.GapTolerance)

	cfg.Threat.AreaNorm = envFloat("WD_THREAT_AREA_NORM", cfg.Threat.AreaNorm)
	cfg.Threat.MotionCap = envFloat("WD_THREAT_MOTION_CAP", cfg.Threat.MotionCap)
	cfg.Threat.ViolenceThreshold = envFloat("WD_THREAT_VIOLENCE_THRESHOLD", cfg.Threat.ViolenceThreshold)
	cfg.Threat.WeaponsThreshold = envFloat("WD_THREAT_WEAPONS_THRESHOLD", cfg.Threat.WeaponsThreshold)

	cfg.Incident.EntryThreshold = envFloat("WD_ENTRY_THRESHOLD", cfg.Incident.EntryThreshold)
	cfg.Incident.ExitThreshold = envFloat("WD_EXIT_THRESHOLD", cfg.Incident.ExitThreshold)
	cfg.Incident.ConfirmFrames = envInt("WD_CONFIRM_FRAMES", cfg.Incident.ConfirmFrames)
	cfg.Incident.Cooldown = envDuration("WD_COOLDOWN", cfg.Incident.Cooldown)
	cfg.Incident.MaxIncidentDuration = envDuration("WD_MAX_INCIDENT_DURATION", cfg.Incident.MaxIncidentDuration)

	cfg.Buffers.MemoryBudgetBytes = envInt64("WD_BUFFER_MEMORY_BUDGET", cfg.Buffers.MemoryBudgetBytes)

	cfg.Faces.SampleEvery = envInt("WD_FACE_SAMPLE_EVERY", cfg.Faces.SampleEvery)
	cfg.Faces.IoUThreshold = envFloat("WD_FACE_IOU_THRESHOLD", cfg.Faces.IoUThreshold)
	cfg.Faces.MinConfidence = envFloat("WD_FACE_MIN_CONFIDENCE", cfg.Faces.MinConfidence)

	cfg.Upload.SpoolDir = envString("WD_SPOOL_DIR", cfg.Upload.SpoolDir)
	cfg.Upload.Workers = envInt("WD_UPLOAD_WORKERS", cfg.Upload.Workers)
	cfg.Upload.MaxRetries = envInt("WD_UPLOAD_MAX_RETRIES", cfg.Upload.MaxRetries)
	cfg.Upload.RetryBackoff = envDuration("WD_UPLOAD_RETRY_BACKOFF", cfg.Upload.RetryBackoff)

	cfg.ClassifierURL = envString("WD_CLASSIFIER_URL", cfg.ClassifierURL)
	cfg.ClassifyTimeout = envDuration("WD_CLASSIFY_TIMEOUT", cfg.ClassifyTimeout)
	cfg.ClassifySampling = envInt("WD_CLASSIFY_SAMPLING", cfg.ClassifySampling)
	cfg.ClassifierEnabled = cfg.ClassifierURL != ""

	cfg.MinIO.Endpoint = envString("WD_MINIO_ENDPOINT", cfg.MinIO.Endpoint)
	cfg.MinIO.AccessKeyID = envString("WD_MINIO_ACCESS_KEY", cfg.MinIO.AccessKeyID)
	cfg.MinIO.SecretAccessKey = envString("WD_MINIO_SECRET_KEY", cfg.MinIO.SecretAccessKey)
	cfg.MinIO.UseSSL = envBool("WD_MINIO_USE_SSL", cfg.MinIO.UseSSL)
	cfg.MinIO.Bucket = envString("WD_MINIO_BUCKET", cfg.MinIO.Bucket)
	cfg.MinIO.Region = envString("WD_MINIO_REGION", cfg.MinIO.Region)

	cfg.Postgres.Host = envString("WD_PG_HOST", cfg.Postgres.Host)
	cfg.Postgres.Port = envInt("WD_PG_PORT", cfg.Postgres.Port)
	cfg.Postgres.Database = envString("WD_PG_DATABASE", cfg.Postgres.Database)
	cfg.Postgres.Username = envString("WD_PG_USER", cfg.Postgres.Username)
	cfg.Postgres.Password = envString("WD_PG_PASSWORD", cfg.Postgres.Password)
	cfg.Postgres.SSLMode = envString("WD_PG_SSLMODE", cfg.Postgres.SSLMode)

	cfg.AlertWebhookURL = envString("WD_ALERT_WEBHOOK_URL", cfg.AlertWebhookURL)
	cfg.ShutdownTimeout = envDuration("WD_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	cfg.LogLevel = envString("WD_LOG_LEVEL", cfg.LogLevel)
	cfg.LogJSON = envBool("WD_LOG_JSON", cfg.LogJSON)

	cfg.deriveBufferSizes()

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the shipped configuration.
func Default() *Config {
	return &Config{
		FPS:              15,
		PreSeconds:       10,
		Motion:           motion.DefaultConfig(),
		Threat:           threat.DefaultWeights(),
		Incident:         incident.DefaultConfig(),
		Faces:            faces.DefaultConfig(),
		Upload:           upload.DefaultConfig(),
		ClassifyTimeout:  2 * time.Second,
		ClassifySampling: 5,
		ShutdownTimeout:  30 * time.Second,
		LogLevel:         "info",
		Buffers: ringbuf.Config{
			MemoryBudgetBytes: 256 << 20,
		},
	}
}

// deriveBufferSizes computes frame capacities from stream-time settings.
// Post capacity covers the hard maximum duration minus the pre-event span.
func (c *Config) deriveBufferSizes() {
	c.Buffers.PreCapacityFrames = c.PreSeconds * c.FPS
	postSeconds := int(c.Incident.MaxIncidentDuration/time.Second) - c.PreSeconds
	if postSeconds < 1 {
		postSeconds = 1
	}
	c.Buffers.PostCapacityFrames = postSeconds * c.FPS
	if c.Faces.ProximityWindow == 0 {
		c.Faces.ProximityWindow = uint64(2 * c.Faces.SampleEvery)
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envUint64(key string, def uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
