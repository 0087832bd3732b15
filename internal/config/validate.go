package config

import (
	"fmt"
	"strings"
)

// Validator accumulates configuration errors so startup reports all of them
// at once instead of one per restart.
type Validator struct{ errors []string }

// AddError records one validation failure.
func (v *Validator) AddError(format string, args ...interface{}) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}

// HasErrors reports whether any failure was recorded.
func (v *Validator) HasErrors() bool { return len(v.errors) > 0 }

// Errors returns the recorded failures.
func (v *Validator) Errors() []string { return v.errors }

// Validate checks the configuration. Any error here is fatal: the pipeline
// must not start with invalid thresholds or capacities.
func Validate(cfg *Config) error {
	v := &Validator{}

	validateSource(v, cfg)
	validateMotion(v, cfg)
	validateThresholds(v, cfg)
	validateBuffers(v, cfg)
	validateUpload(v, cfg)

	if v.HasErrors() {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(v.Errors(), "\n"))
	}
	return nil
}

func validateSource(v *Validator, cfg *Config) {
	if cfg.FPS <= 0 {
		v.AddError("FPS must be positive, got %d", cfg.FPS)
	}
	if cfg.PreSeconds <= 0 {
		v.AddError("PreSeconds must be positive, got %d", cfg.PreSeconds)
	}
	if cfg.StreamURL != "" && !strings.HasPrefix(cfg.StreamURL, "http://") && !strings.HasPrefix(cfg.StreamURL, "https://") {
		v.AddError("StreamURL must be an http(s) URL, got %q", cfg.StreamURL)
	}
	if cfg.ClassifierURL != "" && !strings.HasPrefix(cfg.ClassifierURL, "http://") && !strings.HasPrefix(cfg.ClassifierURL, "https://") {
		v.AddError("ClassifierURL must be an http(s) URL, got %q", cfg.ClassifierURL)
	}
	if cfg.ClassifySampling < 1 {
		v.AddError("ClassifySampling must be at least 1, got %d", cfg.ClassifySampling)
	}
}

func validateMotion(v *Validator, cfg *Config) {
	m := cfg.Motion
	if m.LearningRate <= 0 || m.LearningRate > 1 {
		v.AddError("Motion.LearningRate must be in (0,1], got %v", m.LearningRate)
	}
	if m.Decay <= 0 || m.Decay > 1 {
		v.AddError("Motion.Decay must be in (0,1], got %v", m.Decay)
	}
	if m.DiffThreshold < 1 || m.DiffThreshold > 255 {
		v.AddError("Motion.DiffThreshold must be in [1,255], got %v", m.DiffThreshold)
	}
	if m.WindowFrames < 1 {
		v.AddError("Motion.WindowFrames must be positive, got %d", m.WindowFrames)
	}
	if m.MinMotionFrames < 1 {
		v.AddError("Motion.MinMotionFrames must be positive, got %d", m.MinMotionFrames)
	}
}

func validateThresholds(v *Validator, cfg *Config) {
	in := cfg.Incident
	if in.EntryThreshold <= 0 || in.EntryThreshold > 1 {
		v.AddError("Incident.EntryThreshold must be in (0,1], got %v", in.EntryThreshold)
	}
	if in.ExitThreshold < 0 || in.ExitThreshold > 1 {
		v.AddError("Incident.ExitThreshold must be in [0,1], got %v", in.ExitThreshold)
	}
	// An exit threshold at or above entry would finalize instantly or never.
	if in.ExitThreshold >= in.EntryThreshold {
		v.AddError("Incident.ExitThreshold (%v) must be below EntryThreshold (%v)", in.ExitThreshold, in.EntryThreshold)
	}
	if in.ConfirmFrames < 1 {
		v.AddError("Incident.ConfirmFrames must be positive, got %d", in.ConfirmFrames)
	}
	if in.Cooldown <= 0 {
		v.AddError("Incident.Cooldown must be positive, got %v", in.Cooldown)
	}
	if in.MaxIncidentDuration <= in.Cooldown {
		v.AddError("Incident.MaxIncidentDuration (%v) must exceed Cooldown (%v)", in.MaxIncidentDuration, in.Cooldown)
	}
	if cfg.Threat.AreaNorm <= 0 {
		v.AddError("Threat.AreaNorm must be positive, got %v", cfg.Threat.AreaNorm)
	}
	if cfg.Threat.MotionCap < 0 || cfg.Threat.MotionCap > 1 {
		v.AddError("Threat.MotionCap must be in [0,1], got %v", cfg.Threat.MotionCap)
	}
}

func validateBuffers(v *Validator, cfg *Config) {
	if cfg.Buffers.PreCapacityFrames < 1 {
		v.AddError("Buffers.PreCapacityFrames must be positive, got %d", cfg.Buffers.PreCapacityFrames)
	}
	if cfg.Buffers.PostCapacityFrames < 1 {
		v.AddError("Buffers.PostCapacityFrames must be positive, got %d", cfg.Buffers.PostCapacityFrames)
	}
	if cfg.Buffers.MemoryBudgetBytes < 0 {
		v.AddError("Buffers.MemoryBudgetBytes must not be negative, got %d", cfg.Buffers.MemoryBudgetBytes)
	}
}

func validateUpload(v *Validator, cfg *Config) {
	if cfg.Upload.SpoolDir == "" {
		v.AddError("Upload.SpoolDir must not be empty")
	}
	if cfg.Upload.MaxRetries < 0 {
		v.AddError("Upload.MaxRetries must not be negative, got %d", cfg.Upload.MaxRetries)
	}
	if cfg.Faces.SampleEvery < 1 {
		v.AddError("Faces.SampleEvery must be positive, got %d", cfg.Faces.SampleEvery)
	}
	if cfg.Faces.IoUThreshold < 0 || cfg.Faces.IoUThreshold > 1 {
		v.AddError("Faces.IoUThreshold must be in [0,1], got %v", cfg.Faces.IoUThreshold)
	}
}
