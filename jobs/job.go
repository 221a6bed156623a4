// Package jobs provides asynchronous video-analysis job processing:
// a SQLite-backed job store with a strict state machine, a manager
// owning job lifecycle, and the worker loop that executes jobs.
package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsValidStatus returns true if s names a job status.
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is absorbing.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from→to is a legal state transition.
// Legal: queued→running, running→completed, running→failed,
// queued|running→cancelled.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	default:
		return false
	}
}

// Job is one asynchronous analysis run over a stored input.
type Job struct {
	ID           string          `json:"job_id"`
	PipelineID   string          `json:"pipeline_id"`
	ToolName     string          `json:"tool_name,omitempty"`
	InputRef     string          `json:"input_ref"`
	FrameStride  int             `json:"frame_stride"`
	MaxFrames    int             `json:"max_frames,omitempty"`
	Status       Status          `json:"status"`
	Progress     int             `json:"progress"`
	CurrentFrame int             `json:"current_frame"`
	TotalFrames  int             `json:"total_frames"`
	Error        string          `json:"error,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// NewJob creates a queued job for the given pipeline and input.
func NewJob(pipelineID, toolName, inputRef string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:          uuid.NewString(),
		PipelineID:  pipelineID,
		ToolName:    toolName,
		InputRef:    inputRef,
		FrameStride: 1,
		Status:      StatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// ProgressEvent is the live progress message broadcast on topic
// job:{id}. Ephemeral: broadcast on every callback, never persisted.
type ProgressEvent struct {
	JobID        string `json:"job_id"`
	CurrentFrame int    `json:"current_frame"`
	TotalFrames  int    `json:"total_frames"`
	Percent      int    `json:"percent"`
}

// TerminalEvent announces a job reaching a terminal state on its topic.
type TerminalEvent struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// percent maps (current, total) onto 0..100; unknown totals report 0
// until completion.
func percent(current, total int) int {
	if total <= 0 {
		return 0
	}
	p := current * 100 / total
	if p > 100 {
		p = 100
	}
	if p < 0 {
		p = 0
	}
	return p
}
