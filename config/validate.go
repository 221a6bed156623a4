package config

import "github.com/forgesyte/forgesyte/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Server port: 0 is invalid (omit for default), negative is invalid
	if c.Server.Port != nil && *c.Server.Port == 0 {
		return errors.Newf("server.port cannot be 0 (omit for default port %d)", DefaultServerPort)
	}
	if c.Server.Port != nil && *c.Server.Port < 0 {
		return errors.Newf("server.port must be positive, got %d", *c.Server.Port)
	}

	if c.Plugins.ManifestTTLSec < 0 {
		return errors.Newf("plugins.manifest_ttl_sec must be >= 0, got %d", c.Plugins.ManifestTTLSec)
	}

	if c.Worker.PollIntervalMS <= 0 {
		return errors.Newf("worker.poll_interval_ms must be > 0, got %d", c.Worker.PollIntervalMS)
	}
	if c.Worker.JobTimeoutSec < 0 {
		return errors.Newf("worker.job_timeout_sec must be >= 0, got %d", c.Worker.JobTimeoutSec)
	}
	if c.Worker.MaxJobs <= 0 {
		return errors.Newf("worker.max_jobs must be > 0, got %d", c.Worker.MaxJobs)
	}

	if c.Realtime.BacklogDepth <= 0 {
		return errors.Newf("realtime.backlog_depth must be > 0, got %d", c.Realtime.BacklogDepth)
	}
	if c.Realtime.IdleTimeoutSec < 0 {
		return errors.Newf("realtime.idle_timeout_sec must be >= 0, got %d", c.Realtime.IdleTimeoutSec)
	}
	if c.Realtime.MaxFramesPerSec < 0 {
		return errors.Newf("realtime.max_frames_per_sec must be >= 0, got %f", c.Realtime.MaxFramesPerSec)
	}

	if c.Logging.Verbosity < 0 {
		return errors.Newf("logging.verbosity must be >= 0, got %d", c.Logging.Verbosity)
	}

	return nil
}

// Port returns the effective server port.
func (c *Config) Port() int {
	if c.Server.Port != nil {
		return *c.Server.Port
	}
	return DefaultServerPort
}
