package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	cfg.deriveBufferSizes()
	if err := Validate(cfg); err != nil {
		t.Fatalf("default configuration must validate: %v", err)
	}
}

func TestLoadAppliesEnvironmentOverrides(t *testing.T) {
	t.Setenv("WD_FPS", "30")
	t.Setenv("WD_ENTRY_THRESHOLD", "0.6")
	t.Setenv("WD_COOLDOWN", "8s")
	t.Setenv("WD_MINIO_ENDPOINT", "minio.local:9000")
	t.Setenv("WD_LOG_JSON", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.FPS != 30 {
		t.Fatalf("FPS = %d, want 30", cfg.FPS)
	}
	if cfg.Incident.EntryThreshold != 0.6 {
		t.Fatalf("EntryThreshold = %v, want 0.6", cfg.Incident.EntryThreshold)
	}
	if cfg.Incident.Cooldown != 8*time.Second {
		t.Fatalf("Cooldown = %v, want 8s", cfg.Incident.Cooldown)
	}
	if cfg.MinIO.Endpoint != "minio.local:9000" {
		t.Fatalf("MinIO endpoint = %q", cfg.MinIO.Endpoint)
	}
	if !cfg.LogJSON {
		t.Fatal("LogJSON not applied")
	}
}

func TestLoadAppliesMotionOverrides(t *testing.T) {
	t.Setenv("WD_MOTION_GAP_TOLERANCE", "120")
	t.Setenv("WD_MOTION_DIFF_THRESHOLD", "30.5")
	t.Setenv("WD_MOTION_MIN_AREA", "8000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Motion.GapTolerance != 120 {
		t.Fatalf("GapTolerance = %d, want 120", cfg.Motion.GapTolerance)
	}
	if cfg.Motion.DiffThreshold != 30.5 {
		t.Fatalf("DiffThreshold = %v, want 30.5", cfg.Motion.DiffThreshold)
	}
	if cfg.Motion.MinArea != 8000 {
		t.Fatalf("MinArea = %d, want 8000", cfg.Motion.MinArea)
	}
}

func TestLoadDerivesBufferCapacities(t *testing.T) {
	t.Setenv("WD_FPS", "10")
	t.Setenv("WD_PRE_SECONDS", "5")
	t.Setenv("WD_MAX_INCIDENT_DURATION", "1m")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Buffers.PreCapacityFrames != 50 {
		t.Fatalf("PreCapacityFrames = %d, want 50", cfg.Buffers.PreCapacityFrames)
	}
	// 60s cap minus 5s pre-context at 10 fps.
	if cfg.Buffers.PostCapacityFrames != 550 {
		t.Fatalf("PostCapacityFrames = %d, want 550", cfg.Buffers.PostCapacityFrames)
	}
}

func TestValidateRejectsInvertedThresholds(t *testing.T) {
	cfg := Default()
	cfg.deriveBufferSizes()
	cfg.Incident.EntryThreshold = 0.3
	cfg.Incident.ExitThreshold = 0.5

	err := Validate(cfg)
	if err == nil {
		t.Fatal("exit threshold above entry must be fatal")
	}
	if !strings.Contains(err.Error(), "ExitThreshold") {
		t.Fatalf("error does not name the offending field: %v", err)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.deriveBufferSizes()
	cfg.FPS = 0
	cfg.Motion.LearningRate = 2
	cfg.Upload.SpoolDir = ""

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"FPS", "LearningRate", "SpoolDir"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error missing %q: %v", want, err)
		}
	}
}

func TestLoadRejectsMalformedStreamURL(t *testing.T) {
	t.Setenv("WD_STREAM_URL", "rtsp://camera.local/stream")

	if _, err := Load(""); err == nil {
		t.Fatal("non-http stream URL must be rejected")
	}
}
