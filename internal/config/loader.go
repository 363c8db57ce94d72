package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} patterns in strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} patterns with environment variable values.
// Unset variables are left unchanged.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

// expandSensitiveFields processes environment variable references in
// credential fields so secrets can be stored as ${ENV_VAR}.
func expandSensitiveFields(cfg *Config) {
	cfg.Redis.Password = expandEnvVars(cfg.Redis.Password)
	cfg.Engines.Analysis.APIKey = expandEnvVars(cfg.Engines.Analysis.APIKey)
	cfg.Engines.Transcription.APIKey = expandEnvVars(cfg.Engines.Transcription.APIKey)
}

// Load reads the config file, applies environment overrides, and returns
// a merged Config. Missing files produce defaults only.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	expandSensitiveFields(&cfg)
	return cfg, nil
}

// applyDefaults fills zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 18790
	}
	if cfg.Gateway.Bind == "" {
		cfg.Gateway.Bind = "loopback"
	}
	if cfg.Gateway.PingSeconds == 0 {
		cfg.Gateway.PingSeconds = 30
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Engines.Analysis.TimeoutSeconds == 0 {
		cfg.Engines.Analysis.TimeoutSeconds = 30
	}
	if cfg.Engines.Transcription.TimeoutSeconds == 0 {
		cfg.Engines.Transcription.TimeoutSeconds = 30
	}
	if cfg.Cadence.CoachingSeconds == 0 {
		cfg.Cadence.CoachingSeconds = 60
	}
	if cfg.Cadence.SummarySeconds == 0 {
		cfg.Cadence.SummarySeconds = 30
	}
	if cfg.Cadence.SummaryWindowSeconds == 0 {
		cfg.Cadence.SummaryWindowSeconds = 60
	}
	if cfg.Cadence.EndTimeoutSeconds == 0 {
		cfg.Cadence.EndTimeoutSeconds = 90
	}
	if cfg.Session.TTLHours == 0 {
		cfg.Session.TTLHours = 4
	}
	if cfg.Session.ResumeWindowMinutes == 0 {
		cfg.Session.ResumeWindowMinutes = 60
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// applyEnvOverrides reads COACHD_* environment variables and overrides config values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("COACHD_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		}
	}
	if v := os.Getenv("COACHD_GATEWAY_BIND"); v != "" {
		cfg.Gateway.Bind = v
	}
	if v := os.Getenv("COACHD_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("COACHD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
}
