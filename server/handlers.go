package server

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/forgesyte/forgesyte/errors"
	"github.com/forgesyte/forgesyte/jobs"
	"github.com/forgesyte/forgesyte/logger"
	"github.com/forgesyte/forgesyte/metrics"
	"github.com/forgesyte/forgesyte/video"
)

// maxUploadBytes bounds multipart video uploads.
const maxUploadBytes = 512 << 20

// videoRequest is the shared input contract of the process and submit
// endpoints.
type videoRequest struct {
	pipelineID  string
	frameStride int
	maxFrames   int
	filePath    string
}

// parseVideoRequest validates query parameters and spools the uploaded
// file to disk. The caller owns the spooled file.
func (s *Server) parseVideoRequest(w http.ResponseWriter, r *http.Request) (*videoRequest, bool) {
	req := &videoRequest{
		pipelineID:  r.URL.Query().Get("pipeline_id"),
		frameStride: 1,
	}
	if req.pipelineID == "" {
		req.pipelineID = s.pipelines.DefaultID()
		if req.pipelineID == "" {
			writeError(w, errors.Tag(errors.KindInvalidInput, "pipeline_id missing and no default pipeline configured"))
			return nil, false
		}
	}
	if _, err := s.pipelines.Definition(req.pipelineID); err != nil {
		writeError(w, err)
		return nil, false
	}

	if raw := r.URL.Query().Get("frame_stride"); raw != "" {
		stride, err := strconv.Atoi(raw)
		if err != nil || stride < 1 {
			writeError(w, errors.Tag(errors.KindInvalidInput, "frame_stride must be an integer >= 1, got %q", raw))
			return nil, false
		}
		req.frameStride = stride
	}
	if raw := r.URL.Query().Get("max_frames"); raw != "" {
		maxFrames, err := strconv.Atoi(raw)
		if err != nil || maxFrames < 1 {
			writeError(w, errors.Tag(errors.KindInvalidInput, "max_frames must be an integer >= 1, got %q", raw))
			return nil, false
		}
		req.maxFrames = maxFrames
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, errors.Tag(errors.KindInvalidInput, "multipart field 'file' missing: %v", err))
		return nil, false
	}
	defer file.Close()

	dst, err := os.CreateTemp(s.uploadDir, "upload-*.mp4")
	if err != nil {
		writeError(w, errors.Wrap(err, "failed to spool upload"))
		return nil, false
	}
	if _, err := io.Copy(dst, file); err != nil {
		dst.Close()
		os.Remove(dst.Name())
		writeError(w, errors.Wrap(err, "failed to spool upload"))
		return nil, false
	}
	dst.Close()
	req.filePath = dst.Name()
	return req, true
}

// handleVideoProcess is POST /v1/video/process: synchronous per-frame
// pipeline execution. Response: {"results":[{frame_index,result}...]}.
func (s *Server) handleVideoProcess(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	req, ok := s.parseVideoRequest(w, r)
	if !ok {
		return
	}
	defer os.Remove(req.filePath)

	results, err := s.video.RunOnFile(r.Context(), req.filePath, req.pipelineID, video.Options{
		FrameStride: req.frameStride,
		MaxFrames:   req.maxFrames,
		Progress:    func(int, int) { metrics.FramesProcessed.Inc() },
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if results == nil {
		results = []video.FrameResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// handleVideoSubmit is POST /v1/video/submit: enqueue an asynchronous
// job. Response: {"job_id":"..."}.
func (s *Server) handleVideoSubmit(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	req, ok := s.parseVideoRequest(w, r)
	if !ok {
		return
	}

	jobID, err := s.manager.Submit(req.pipelineID, r.URL.Query().Get("tool_name"), req.filePath,
		req.frameStride, req.maxFrames)
	if err != nil {
		os.Remove(req.filePath)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// handleVideoStatus is GET /v1/video/status/{job_id}.
func (s *Server) handleVideoStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	jobID := strings.TrimPrefix(r.URL.Path, "/v1/video/status/")
	job, err := s.manager.Get(jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":     job.ID,
		"status":     job.Status,
		"progress":   job.Progress,
		"created_at": job.CreatedAt.Format(time.RFC3339),
		"updated_at": job.UpdatedAt.Format(time.RFC3339),
	})
}

// handleVideoResults is GET /v1/video/results/{job_id}; results exist
// only once the job completed.
func (s *Server) handleVideoResults(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	jobID := strings.TrimPrefix(r.URL.Path, "/v1/video/results/")
	job, err := s.manager.Get(jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	if job.Status != jobs.StatusCompleted {
		writeError(w, errors.Tag(errors.KindInvalidInput,
			"job %s is %s; results are available once completed", jobID, job.Status))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":     job.ID,
		"results":    job.Result,
		"created_at": job.CreatedAt.Format(time.RFC3339),
		"updated_at": job.UpdatedAt.Format(time.RFC3339),
	})
}

// handlePlugins is GET /v1/plugins: plugin summaries.
func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.registry.List(r.Context()))
}

// handlePluginPath routes /v1/plugins/{id}/manifest and
// /v1/plugins/{id}/tools/{tool}/run.
func (s *Server) handlePluginPath(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/plugins/"), "/")
	switch {
	case len(parts) == 2 && parts[1] == "manifest":
		s.handlePluginManifest(w, r, parts[0])
	case len(parts) == 4 && parts[1] == "tools" && parts[3] == "run":
		s.handleToolRun(w, r, parts[0], parts[2])
	default:
		writeError(w, errors.Tag(errors.KindInvalidInput, "unknown plugin path"))
	}
}

func (s *Server) handlePluginManifest(w http.ResponseWriter, r *http.Request, id string) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	manifest, err := s.registry.Manifest(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, manifest)
}

// handleToolRun is POST /v1/plugins/{id}/tools/{tool}/run. Unknown
// plugin or tool answers 400, per the frozen response contract of this
// endpoint.
func (s *Server) handleToolRun(w http.ResponseWriter, r *http.Request, pluginID, toolName string) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var body struct {
		Input map[string]any `json:"input"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if body.Input == nil {
		body.Input = map[string]any{}
	}

	output, err := s.registry.Invoke(r.Context(), pluginID, toolName, body.Input)
	if err != nil {
		kind := errors.KindOf(err)
		if kind == errors.KindPluginNotFound || kind == errors.KindToolNotFound {
			if kind == errors.KindPluginNotFound {
				// The envelope names the plugins that do exist.
				err = errors.TagFields(kind,
					map[string]any{"available": s.registry.Names()},
					"plugin not found: %s", pluginID)
			}
			metrics.ToolInvocations.WithLabelValues(pluginID, "error").Inc()
			writeErrorStatus(w, http.StatusBadRequest, err)
			return
		}
		metrics.ToolInvocations.WithLabelValues(pluginID, "error").Inc()
		writeError(w, err)
		return
	}
	metrics.ToolInvocations.WithLabelValues(pluginID, "ok").Inc()
	writeJSON(w, http.StatusOK, map[string]any{"output": output})
}

// handleJobs is GET /v1/jobs (list) with optional status, limit, offset.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	var statusFilter *jobs.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		if !jobs.IsValidStatus(raw) {
			writeError(w, errors.Tag(errors.KindInvalidInput, "unknown status %q", raw))
			return
		}
		st := jobs.Status(raw)
		statusFilter = &st
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, errors.Tag(errors.KindInvalidInput, "limit must be an integer >= 1"))
			return
		}
		limit = n
	}
	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, errors.Tag(errors.KindInvalidInput, "offset must be an integer >= 0"))
			return
		}
		offset = n
	}

	list, err := s.manager.List(statusFilter, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*jobs.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

// handleJobByID is DELETE /v1/jobs/{id}: cancel a queued or running job.
func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimPrefix(r.URL.Path, "/v1/jobs/")
	if jobID == "" {
		writeError(w, errors.Tag(errors.KindInvalidInput, "job id missing from path"))
		return
	}
	if !requireMethod(w, r, http.MethodDelete) {
		return
	}
	if err := s.manager.Cancel(jobID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": "cancelled"})
}

// handleHealth is GET /v1/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	queued, running, err := s.manager.ActiveCounts()
	if err != nil {
		writeError(w, err)
		return
	}

	workerOK := s.worker == nil || s.worker.Healthy(s.heartbeatWindow)
	status := "ok"
	code := http.StatusOK
	if !workerOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	var lastBeat any
	if s.worker != nil {
		if t := s.worker.LastHeartbeat(); !t.IsZero() {
			lastBeat = t.Format(time.RFC3339)
		}
	}

	writeJSON(w, code, map[string]any{
		"status":    status,
		"plugins":   s.registry.Len(),
		"pipelines": len(s.pipelines.IDs()),
		"jobs":      map[string]int{"queued": queued, "running": running},
		"worker":    map[string]any{"alive": workerOK, "last_heartbeat": lastBeat},
		"clients":   s.hub.ClientCount(),
	})
}

// handleStreamStats is GET /v1/stream/stats: live session diagnostics.
func (s *Server) handleStreamStats(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": s.stream.Stats(),
		"clients":  s.hub.ClientCount(),
		"topics":   s.hub.TopicCount(),
	})
}

// instrument wraps a handler with request logging and latency metrics.
func instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		h(w, r)
		metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(started).Seconds())
		logger.Debugw("Request handled",
			"method", r.Method,
			"path", r.URL.Path,
			logger.FieldDurationMS, time.Since(started).Milliseconds(),
		)
	}
}

// tempUploadDir creates the spool directory for uploads.
func tempUploadDir() string {
	dir := filepath.Join(os.TempDir(), "forgesyte-uploads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return os.TempDir()
	}
	return dir
}
