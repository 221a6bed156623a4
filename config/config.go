// Package config loads and validates the ForgeSyte configuration.
//
// Configuration comes from (in precedence order) explicit file path,
// FORGESYTE_* environment variables, ~/.forgesyte/config.toml, and
// built-in defaults.
package config

// Config represents the core ForgeSyte configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Plugins   PluginsConfig   `mapstructure:"plugins"`
	Pipelines PipelinesConfig `mapstructure:"pipelines"`
	Video     VideoConfig     `mapstructure:"video"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Realtime  RealtimeConfig  `mapstructure:"realtime"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// LoggingConfig configures the global logger. Verbosity is the only
// setting applied at runtime by the config watcher.
type LoggingConfig struct {
	Verbosity int  `mapstructure:"verbosity"` // 0=warn, 1=info, 2=debug, 3+=trace
	JSON      bool `mapstructure:"json"`      // Machine-readable JSON lines
}

// DatabaseConfig configures the SQLite job store
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the ForgeSyte HTTP/WebSocket server
type ServerConfig struct {
	Port           *int     `mapstructure:"port"`            // nil = default 8420, 0 is invalid (omit for default)
	AllowedOrigins []string `mapstructure:"allowed_origins"` // WebSocket origin whitelist
}

// Server port constants
const (
	DefaultServerPort = 8420
)

// PluginsConfig configures the plugin registry
type PluginsConfig struct {
	Enabled        []string `mapstructure:"enabled"`          // Whitelist of enabled plugins; empty = all builtins
	ManifestTTLSec int      `mapstructure:"manifest_ttl_sec"` // Manifest cache TTL (default: 60)
}

// PipelinesConfig configures the DAG pipeline loader
type PipelinesConfig struct {
	Dir     string `mapstructure:"dir"`     // Directory of pipeline definition JSON files
	Default string `mapstructure:"default"` // Pipeline used when a request omits pipeline_id
}

// VideoConfig configures the video file pipeline service
type VideoConfig struct {
	FFmpegPath  string `mapstructure:"ffmpeg_path"`  // ffmpeg binary (default: "ffmpeg" on PATH)
	FFprobePath string `mapstructure:"ffprobe_path"` // ffprobe binary (default: "ffprobe" on PATH)
	Device      string `mapstructure:"device"`       // Opaque device hint forwarded to plugins ("cpu", "cuda:0")
}

// WorkerConfig configures the async job worker
type WorkerConfig struct {
	PollIntervalMS    int `mapstructure:"poll_interval_ms"`    // Dequeue poll interval (default: 500)
	JobTimeoutSec     int `mapstructure:"job_timeout_sec"`     // Per-job timeout; 0 = none
	MaxJobs           int `mapstructure:"max_jobs"`            // Store capacity before terminal-job eviction
	HeartbeatWindowMS int `mapstructure:"heartbeat_window_ms"` // Liveness window for health probes (default: 5000)
}

// RealtimeConfig configures per-frame WebSocket sessions
type RealtimeConfig struct {
	BacklogDepth    int     `mapstructure:"backlog_depth"`      // Frames queued per session before oldest-first drop (default: 4)
	IdleTimeoutSec  int     `mapstructure:"idle_timeout_sec"`   // Close sessions idle longer than this (default: 60)
	MaxFramesPerSec float64 `mapstructure:"max_frames_per_sec"` // Per-session frame rate cap; 0 = uncapped
	DefaultPlugin   string  `mapstructure:"default_plugin"`     // Active plugin when ?plugin= is omitted
}
