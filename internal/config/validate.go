package config

import (
	"fmt"
	"slices"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue

	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		issues = append(issues, ValidationIssue{
			Path:    "gateway.port",
			Message: fmt.Sprintf("port must be 0-65535, got %d", cfg.Gateway.Port),
		})
	}

	validBinds := []string{"loopback", "lan", "custom"}
	if cfg.Gateway.Bind != "" && !slices.Contains(validBinds, cfg.Gateway.Bind) {
		issues = append(issues, ValidationIssue{
			Path:    "gateway.bind",
			Message: fmt.Sprintf("must be one of %v, got %q", validBinds, cfg.Gateway.Bind),
		})
	}

	if cfg.Gateway.Bind == "custom" && cfg.Gateway.CustomBindHost == "" {
		issues = append(issues, ValidationIssue{
			Path:    "gateway.customBindHost",
			Message: "required when bind: custom",
		})
	}

	if cfg.Redis.Addr == "" {
		issues = append(issues, ValidationIssue{
			Path:    "redis.addr",
			Message: "redis address is required",
		})
	}

	if cfg.Engines.Analysis.BaseURL == "" {
		issues = append(issues, ValidationIssue{
			Path:    "engines.analysis.baseUrl",
			Message: "analysis engine URL is required",
		})
	}

	if cfg.Engines.Transcription.BaseURL == "" {
		issues = append(issues, ValidationIssue{
			Path:    "engines.transcription.baseUrl",
			Message: "transcription engine URL is required",
		})
	}

	if cfg.Cadence.SummarySeconds > cfg.Cadence.CoachingSeconds {
		issues = append(issues, ValidationIssue{
			Path:    "cadence.summarySeconds",
			Message: "summary cadence should not be slower than the coaching cadence",
		})
	}

	validLogLevels := []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"}
	if cfg.Logging.Level != "" && !slices.Contains(validLogLevels, cfg.Logging.Level) {
		issues = append(issues, ValidationIssue{
			Path:    "logging.level",
			Message: fmt.Sprintf("must be one of %v, got %q", validLogLevels, cfg.Logging.Level),
		})
	}

	return issues
}
