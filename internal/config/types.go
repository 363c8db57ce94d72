package config

// Config is the root configuration for coachd.
type Config struct {
	Gateway Gateway       `yaml:"gateway,omitempty"`
	Redis   Redis         `yaml:"redis,omitempty"`
	Store   Store         `yaml:"store,omitempty"`
	Engines Engines       `yaml:"engines,omitempty"`
	Cadence Cadence       `yaml:"cadence,omitempty"`
	Session Session       `yaml:"session,omitempty"`
	Logging LoggingConfig `yaml:"logging,omitempty"`
}

// Gateway controls the HTTP/WebSocket server.
type Gateway struct {
	Port           int      `yaml:"port,omitempty"`
	Bind           string   `yaml:"bind,omitempty"` // "loopback" | "lan" | "custom"
	CustomBindHost string   `yaml:"customBindHost,omitempty"`
	AllowedOrigins []string `yaml:"allowedOrigins,omitempty"` // dashboard origins for CORS and WS origin checks
	PingSeconds    int      `yaml:"pingSeconds,omitempty"`    // seller liveness ping interval
}

// Redis configures the shared cache/pub-sub layer.
type Redis struct {
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// Store configures the durable SQLite store.
type Store struct {
	Path string `yaml:"path,omitempty"` // empty = <data dir>/coachd.db
}

// Engines configures the external AI collaborators.
type Engines struct {
	Analysis      Engine `yaml:"analysis,omitempty"`
	Transcription Engine `yaml:"transcription,omitempty"`
}

// Engine is one external request/response engine endpoint.
type Engine struct {
	BaseURL        string `yaml:"baseUrl,omitempty"`
	APIKey         string `yaml:"apiKey,omitempty"`
	TimeoutSeconds int    `yaml:"timeoutSeconds,omitempty"`
}

// Cadence configures the per-session analysis triggers.
type Cadence struct {
	CoachingSeconds      int `yaml:"coachingSeconds,omitempty"`      // min gap between coaching analyses
	SummarySeconds       int `yaml:"summarySeconds,omitempty"`       // min gap between live summaries
	SummaryWindowSeconds int `yaml:"summaryWindowSeconds,omitempty"` // transcript window fed to the live summary
	EndTimeoutSeconds    int `yaml:"endTimeoutSeconds,omitempty"`    // ceiling on the end-of-call analysis
}

// Session configures cached-session behavior.
type Session struct {
	TTLHours            int `yaml:"ttlHours,omitempty"`            // redis TTL for cached sessions
	ResumeWindowMinutes int `yaml:"resumeWindowMinutes,omitempty"` // recency window for resuming an ACTIVE call
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `yaml:"level,omitempty"` // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
	File  string `yaml:"file,omitempty"`
}
