package jobs

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/forgesyte/forgesyte/errors"
	"github.com/forgesyte/forgesyte/logger"
	"github.com/forgesyte/forgesyte/metrics"
	"github.com/forgesyte/forgesyte/pipeline"
)

// persistThresholdPercent is the minimum progress delta persisted to
// the store. Live broadcasts are never throttled; only database writes.
const persistThresholdPercent = 5

// Broadcaster publishes a message to every subscriber of a topic.
// Satisfied by the server's WebSocket hub.
type Broadcaster interface {
	BroadcastTopic(topic string, message any)
}

// nopBroadcaster drops messages; used when no hub is wired (tests, CLI).
type nopBroadcaster struct{}

func (nopBroadcaster) BroadcastTopic(string, any) {}

// Manager owns the job lifecycle. The worker borrows jobs for
// processing; everything else goes through the manager.
type Manager struct {
	store     *Store
	pipelines *pipeline.Store
	broadcast Broadcaster
	capacity  int

	mu sync.Mutex
	// lastPersisted tracks the most recent progress percent written to
	// the store per running job, for the persist threshold.
	lastPersisted map[string]int
	// cancels holds cooperative cancellation hooks registered by the
	// worker for in-flight jobs.
	cancels map[string]func()
}

// NewManager creates a job manager. capacity bounds the stored job
// count for Cleanup; broadcast may be nil.
func NewManager(store *Store, pipelines *pipeline.Store, broadcast Broadcaster, capacity int) *Manager {
	if broadcast == nil {
		broadcast = nopBroadcaster{}
	}
	return &Manager{
		store:         store,
		pipelines:     pipelines,
		broadcast:     broadcast,
		capacity:      capacity,
		lastPersisted: make(map[string]int),
		cancels:       make(map[string]func()),
	}
}

// Topic returns the broadcast topic for a job id.
func Topic(jobID string) string { return "job:" + jobID }

// Submit validates the pipeline reference and enqueues a new job.
// An empty pipelineID resolves to the configured default pipeline; an
// empty toolName resolves to the pipeline's single tool when that is
// unambiguous. frameStride and maxFrames carry the caller's sampling
// parameters to the worker; stride below 1 is normalized to 1.
// Re-submission of the same logical input always yields a fresh job id.
func (m *Manager) Submit(pipelineID, toolName, inputRef string, frameStride, maxFrames int) (string, error) {
	if pipelineID == "" {
		pipelineID = m.pipelines.DefaultID()
		if pipelineID == "" {
			return "", errors.Tag(errors.KindInvalidInput, "no pipeline_id given and no default pipeline configured")
		}
	}
	def, err := m.pipelines.Definition(pipelineID)
	if err != nil {
		return "", err
	}
	toolName, err = resolveToolName(def, toolName)
	if err != nil {
		return "", err
	}

	job := NewJob(pipelineID, toolName, inputRef)
	if frameStride > 1 {
		job.FrameStride = frameStride
	}
	if maxFrames > 0 {
		job.MaxFrames = maxFrames
	}
	if err := m.store.Create(job); err != nil {
		return "", err
	}

	if _, err := m.store.Cleanup(m.capacity); err != nil {
		logger.Warnw("Job cleanup failed", logger.FieldError, err)
	}

	metrics.JobsSubmitted.Inc()
	logger.Infow("Job submitted",
		logger.FieldJobID, job.ID,
		logger.FieldPipeline, pipelineID,
		logger.FieldTool, toolName,
	)
	return job.ID, nil
}

// resolveToolName checks a supplied tool name against the pipeline's
// nodes, or fills in an omitted one when the pipeline runs a single
// tool. A pipeline spanning several tools leaves an omitted name empty.
func resolveToolName(def pipeline.Definition, toolName string) (string, error) {
	tools := make(map[string]bool, len(def.Nodes))
	for _, node := range def.Nodes {
		tools[node.ToolID] = true
	}
	if toolName == "" {
		if len(tools) == 1 {
			for only := range tools {
				return only, nil
			}
		}
		return "", nil
	}
	if !tools[toolName] {
		return "", errors.Tag(errors.KindToolNotFound,
			"pipeline %s has no node running tool %s", def.ID, toolName)
	}
	return toolName, nil
}

// Get returns a snapshot of the job.
func (m *Manager) Get(id string) (*Job, error) {
	return m.store.Get(id)
}

// List returns jobs newest first.
func (m *Manager) List(status *Status, limit, offset int) ([]*Job, error) {
	return m.store.List(status, limit, offset)
}

// UpdateProgress broadcasts a progress event on every call and persists
// it only when the percent moved by at least the persist threshold (or
// reached 100).
func (m *Manager) UpdateProgress(id string, currentFrame, totalFrames int) error {
	p := percent(currentFrame, totalFrames)

	m.broadcast.BroadcastTopic(Topic(id), ProgressEvent{
		JobID:        id,
		CurrentFrame: currentFrame,
		TotalFrames:  totalFrames,
		Percent:      p,
	})

	m.mu.Lock()
	last, seen := m.lastPersisted[id]
	shouldPersist := !seen || p-last >= persistThresholdPercent || (p == 100 && last != 100)
	if shouldPersist {
		m.lastPersisted[id] = p
	}
	m.mu.Unlock()

	if !shouldPersist {
		return nil
	}
	return m.store.UpdateProgress(id, p, currentFrame, totalFrames)
}

// Complete stores the result and finishes the job.
func (m *Manager) Complete(id string, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return errors.TagWith(errors.KindJSONUnsafe, err)
	}
	if err := m.store.Complete(id, raw); err != nil {
		return err
	}
	m.forget(id)
	m.broadcast.BroadcastTopic(Topic(id), TerminalEvent{JobID: id, Status: "completed"})
	metrics.JobsCompleted.WithLabelValues(string(StatusCompleted)).Inc()
	logger.Infow("Job completed", logger.FieldJobID, id)
	return nil
}

// Fail records the failure cause and finishes the job.
func (m *Manager) Fail(id string, cause string) error {
	if err := m.store.Fail(id, cause); err != nil {
		return err
	}
	m.forget(id)
	m.broadcast.BroadcastTopic(Topic(id), TerminalEvent{JobID: id, Status: "error", Error: cause})
	metrics.JobsCompleted.WithLabelValues(string(StatusFailed)).Inc()
	logger.Warnw("Job failed", logger.FieldJobID, id, logger.FieldError, cause)
	return nil
}

// Cancel cancels a queued or running job. Running jobs are interrupted
// cooperatively at the next frame boundary; jobs cancelled while still
// queued have their spooled input removed here, since no worker will.
func (m *Manager) Cancel(id string) error {
	if err := m.store.Cancel(id); err != nil {
		return err
	}

	m.mu.Lock()
	cancel := m.cancels[id]
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if job, err := m.store.Get(id); err == nil {
		removeJobInput(job)
	}

	m.forget(id)
	m.broadcast.BroadcastTopic(Topic(id), TerminalEvent{JobID: id, Status: "cancelled"})
	metrics.JobsCompleted.WithLabelValues(string(StatusCancelled)).Inc()
	logger.Infow("Job cancelled", logger.FieldJobID, id)
	return nil
}

// registerCancel installs the worker's cancellation hook for an
// in-flight job.
func (m *Manager) registerCancel(id string, cancel func()) {
	m.mu.Lock()
	m.cancels[id] = cancel
	m.mu.Unlock()
}

// removeJobInput deletes the spooled input of a terminal job. The job
// owns its spool; a file already gone is fine.
func removeJobInput(job *Job) {
	if job.InputRef == "" {
		return
	}
	if err := os.Remove(job.InputRef); err != nil && !os.IsNotExist(err) {
		logger.Debugw("Failed to remove job input",
			logger.FieldJobID, job.ID,
			logger.FieldError, err,
		)
	}
}

// forget drops per-job bookkeeping once the job is terminal.
func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.lastPersisted, id)
	delete(m.cancels, id)
	m.mu.Unlock()
}

// ActiveCounts reports queued and running job counts for health probes.
func (m *Manager) ActiveCounts() (queued, running int, err error) {
	counts, err := m.store.CountByStatus()
	if err != nil {
		return 0, 0, err
	}
	return counts[StatusQueued], counts[StatusRunning], nil
}

// MarkInterrupted fails jobs orphaned in running by a previous process.
func (m *Manager) MarkInterrupted() error {
	n, err := m.store.MarkInterrupted()
	if err != nil {
		return err
	}
	if n > 0 {
		logger.Warnw("Marked interrupted jobs as failed", logger.FieldCount, n)
	}
	return nil
}
