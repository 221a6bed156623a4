// Package server exposes the HTTP and WebSocket surface: synchronous
// and asynchronous video processing, plugin discovery and tool runs,
// job inspection, the realtime frame-analysis stream, and job progress
// channels.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/forgesyte/forgesyte/jobs"
	"github.com/forgesyte/forgesyte/logger"
	"github.com/forgesyte/forgesyte/metrics"
	"github.com/forgesyte/forgesyte/pipeline"
	"github.com/forgesyte/forgesyte/plugin"
	"github.com/forgesyte/forgesyte/video"
)

// VideoService is the file-processing dependency of the sync endpoint.
// Satisfied by *video.Service.
type VideoService interface {
	RunOnFile(ctx context.Context, path, pipelineID string, opts video.Options) ([]video.FrameResult, error)
}

// Options wires a Server.
type Options struct {
	Registry        *plugin.Registry
	Pipelines       *pipeline.Store
	Video           VideoService
	Manager         *jobs.Manager
	Worker          *jobs.Worker
	Hub             *Hub
	Stream          StreamConfig
	AllowedOrigins  []string
	HeartbeatWindow time.Duration
	UploadDir       string
}

// Server is the ForgeSyte HTTP/WebSocket server.
type Server struct {
	registry  *plugin.Registry
	pipelines *pipeline.Store
	video     VideoService
	manager   *jobs.Manager
	worker    *jobs.Worker
	hub       *Hub
	stream    *StreamManager

	allowedOrigins  []string
	heartbeatWindow time.Duration
	uploadDir       string

	httpServer *http.Server
}

// New assembles a server from its dependencies.
func New(opts Options) *Server {
	if opts.Hub == nil {
		opts.Hub = NewHub()
	}
	if opts.UploadDir == "" {
		opts.UploadDir = tempUploadDir()
	}
	s := &Server{
		registry:        opts.Registry,
		pipelines:       opts.Pipelines,
		video:           opts.Video,
		manager:         opts.Manager,
		worker:          opts.Worker,
		hub:             opts.Hub,
		allowedOrigins:  opts.AllowedOrigins,
		heartbeatWindow: opts.HeartbeatWindow,
		uploadDir:       opts.UploadDir,
	}
	s.stream = NewStreamManager(opts.Registry, opts.Hub, opts.Stream)
	return s
}

// Hub returns the server's WebSocket hub, the Broadcaster handed to
// the job manager.
func (s *Server) Hub() *Hub { return s.hub }

// Routes builds the HTTP mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/video/process", instrument("video_process", s.handleVideoProcess))
	mux.HandleFunc("/v1/video/submit", instrument("video_submit", s.handleVideoSubmit))
	mux.HandleFunc("/v1/video/status/", instrument("video_status", s.handleVideoStatus))
	mux.HandleFunc("/v1/video/results/", instrument("video_results", s.handleVideoResults))

	mux.HandleFunc("/v1/plugins", instrument("plugins", s.handlePlugins))
	mux.HandleFunc("/v1/plugins/", instrument("plugin_path", s.handlePluginPath))

	mux.HandleFunc("/v1/jobs", instrument("jobs", s.handleJobs))
	mux.HandleFunc("/v1/jobs/", instrument("job_by_id", s.handleJobByID))

	mux.HandleFunc("/v1/health", instrument("health", s.handleHealth))
	mux.HandleFunc("/v1/stream/stats", instrument("stream_stats", s.handleStreamStats))

	mux.HandleFunc("/v1/stream", func(w http.ResponseWriter, r *http.Request) {
		metrics.StreamSessions.Inc()
		defer metrics.StreamSessions.Dec()
		s.stream.HandleWS(s, w, r)
	})
	mux.HandleFunc("/ws/jobs/", func(w http.ResponseWriter, r *http.Request) {
		metrics.WSClients.Inc()
		defer metrics.WSClients.Dec()
		s.handleJobWS(w, r)
	})

	mux.Handle("/metrics", metrics.Handler())

	return mux
}

// Start serves HTTP on the given port until ListenAndServe returns.
func (s *Server) Start(port int) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Infow("Server listening", "port", port)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	logger.Infow("Server shutting down")
	return s.httpServer.Shutdown(ctx)
}
