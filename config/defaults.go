package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "forgesyte.db")

	// Server defaults
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})

	// Plugin registry defaults
	v.SetDefault("plugins.manifest_ttl_sec", 60)

	// Pipeline loader defaults
	v.SetDefault("pipelines.dir", "pipelines")
	v.SetDefault("pipelines.default", "")

	// Video service defaults
	v.SetDefault("video.ffmpeg_path", "ffmpeg")
	v.SetDefault("video.ffprobe_path", "ffprobe")
	v.SetDefault("video.device", "cpu")

	// Worker defaults
	v.SetDefault("worker.poll_interval_ms", 500)
	v.SetDefault("worker.job_timeout_sec", 0)
	v.SetDefault("worker.max_jobs", 1000)
	v.SetDefault("worker.heartbeat_window_ms", 5000)

	// Realtime session defaults
	v.SetDefault("realtime.backlog_depth", 4)
	v.SetDefault("realtime.idle_timeout_sec", 60)
	v.SetDefault("realtime.max_frames_per_sec", 0)
	v.SetDefault("realtime.default_plugin", "")

	// Logging defaults
	v.SetDefault("logging.verbosity", 1)
	v.SetDefault("logging.json", false)
}
