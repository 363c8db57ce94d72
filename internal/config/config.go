// Package config loads and validates the coachd yaml configuration.
package config

import "fmt"

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Message)
}

// Defaults returns a Config with sensible defaults applied.
func Defaults() Config {
	return Config{
		Gateway: Gateway{
			Port:        18790,
			Bind:        "loopback",
			PingSeconds: 30,
		},
		Redis: Redis{
			Addr: "localhost:6379",
		},
		Engines: Engines{
			Analysis:      Engine{TimeoutSeconds: 30},
			Transcription: Engine{TimeoutSeconds: 30},
		},
		Cadence: Cadence{
			CoachingSeconds:      60,
			SummarySeconds:       30,
			SummaryWindowSeconds: 60,
			EndTimeoutSeconds:    90,
		},
		Session: Session{
			TTLHours:            4,
			ResumeWindowMinutes: 60,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
