package jobs

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/forgesyte/forgesyte/errors"
	"github.com/forgesyte/forgesyte/logger"
	"github.com/forgesyte/forgesyte/video"
)

// DefaultPollInterval is the idle wait between dequeue attempts.
const DefaultPollInterval = 500 * time.Millisecond

// DefaultHeartbeatWindow is the liveness window for health probes.
const DefaultHeartbeatWindow = 5 * time.Second

// memoryWarnPercent triggers a startup warning when the host is already
// under memory pressure; video decoding buffers whole frames.
const memoryWarnPercent = 90

// PipelineService runs a pipeline over a video file. Satisfied by
// *video.Service.
type PipelineService interface {
	RunOnFile(ctx context.Context, path, pipelineID string, opts video.Options) ([]video.FrameResult, error)
}

// Worker dequeues jobs and executes them. A single worker is canonical;
// additional workers are safe because the dequeue claim is atomic.
type Worker struct {
	manager      *Manager
	service      PipelineService
	pollInterval time.Duration
	jobTimeout   time.Duration

	heartbeat atomic.Int64
}

// NewWorker creates a worker. jobTimeout of 0 disables the per-job
// timeout; pollInterval of 0 uses the default.
func NewWorker(manager *Manager, service PipelineService, pollInterval, jobTimeout time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Worker{
		manager:      manager,
		service:      service,
		pollInterval: pollInterval,
		jobTimeout:   jobTimeout,
	}
}

// LastHeartbeat returns the time of the worker's most recent loop
// iteration. Zero before the first iteration.
func (w *Worker) LastHeartbeat() time.Time {
	ns := w.heartbeat.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Healthy reports whether the worker has beaten within the window.
func (w *Worker) Healthy(window time.Duration) bool {
	if window <= 0 {
		window = DefaultHeartbeatWindow
	}
	last := w.LastHeartbeat()
	return !last.IsZero() && time.Since(last) <= window
}

// Run executes the worker loop until ctx is cancelled. Jobs orphaned by
// a previous process are failed before the loop starts.
func (w *Worker) Run(ctx context.Context) error {
	w.warnOnMemoryPressure()

	if err := w.manager.MarkInterrupted(); err != nil {
		return errors.Wrap(err, "failed to recover interrupted jobs")
	}

	logger.Infow("Worker started", "poll_interval", w.pollInterval)

	for {
		w.heartbeat.Store(time.Now().UnixNano())

		job, err := w.manager.store.ClaimNext()
		if err != nil {
			logger.Errorw("Failed to claim next job", logger.FieldError, err)
			job = nil
		}

		if job == nil {
			select {
			case <-ctx.Done():
				logger.Infow("Worker stopped")
				return nil
			case <-time.After(w.pollInterval):
			}
			continue
		}

		w.process(ctx, job)

		select {
		case <-ctx.Done():
			logger.Infow("Worker stopped")
			return nil
		default:
		}
	}
}

// process runs one claimed job to a terminal state. The spooled input
// belongs to the job and is removed once it finishes.
func (w *Worker) process(ctx context.Context, job *Job) {
	logger.Infow("Job started",
		logger.FieldJobID, job.ID,
		logger.FieldPipeline, job.PipelineID,
	)
	defer removeJobInput(job)

	jobCtx := ctx
	var cancel context.CancelFunc
	if w.jobTimeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, w.jobTimeout)
	} else {
		jobCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	w.manager.registerCancel(job.ID, cancel)

	stride := job.FrameStride
	if stride < 1 {
		stride = 1
	}
	opts := video.Options{
		FrameStride: stride,
		MaxFrames:   job.MaxFrames,
		Progress: func(current, total int) {
			// Long jobs beat through progress; the loop only beats
			// between jobs.
			w.heartbeat.Store(time.Now().UnixNano())
			if err := w.manager.UpdateProgress(job.ID, current, total); err != nil {
				logger.Warnw("Failed to update job progress",
					logger.FieldJobID, job.ID,
					logger.FieldError, err,
				)
			}
		},
	}

	results, err := w.service.RunOnFile(jobCtx, job.InputRef, job.PipelineID, opts)
	if err != nil {
		w.finishWithError(jobCtx, job, err)
		return
	}

	if err := w.manager.Complete(job.ID, map[string]any{"results": results}); err != nil {
		logger.Errorw("Failed to complete job",
			logger.FieldJobID, job.ID,
			logger.FieldError, err,
		)
	}
}

// finishWithError maps a run error onto the job's terminal state:
// deadline → failed{timeout}, external cancel → already cancelled by
// the manager, anything else → failed with the error message.
func (w *Worker) finishWithError(jobCtx context.Context, job *Job, runErr error) {
	if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		if err := w.manager.Fail(job.ID, "timeout"); err != nil {
			logger.Errorw("Failed to mark job timed out",
				logger.FieldJobID, job.ID, logger.FieldError, err)
		}
		return
	}

	if errors.Is(jobCtx.Err(), context.Canceled) {
		current, err := w.manager.Get(job.ID)
		if err == nil && current.Status == StatusCancelled {
			logger.Infow("Job interrupted by cancellation", logger.FieldJobID, job.ID)
			return
		}
	}

	if err := w.manager.Fail(job.ID, runErr.Error()); err != nil {
		// The cancel path races the failure path; losing to a terminal
		// write is fine.
		if !errors.HasKind(err, errors.KindJobTerminal) {
			logger.Errorw("Failed to mark job failed",
				logger.FieldJobID, job.ID, logger.FieldError, err)
		}
	}
}

func (w *Worker) warnOnMemoryPressure() {
	vm, err := mem.VirtualMemory()
	if err != nil {
		logger.Debugw("Memory stats unavailable", logger.FieldError, err)
		return
	}
	if vm.UsedPercent >= memoryWarnPercent {
		logger.Warnw("High memory usage at worker start",
			"used_percent", int(vm.UsedPercent),
		)
	}
}
