// Package video maps video files onto per-frame pipeline runs.
//
// Decoding shells out to ffmpeg: frames are streamed as an MJPEG pipe
// and split on JPEG markers, so no CGO or codec bindings are needed.
// ffprobe validates the container up front and supplies the total frame
// count for progress reporting.
package video

import "context"

// FrameResult is one per-frame pipeline output. Results are produced in
// strictly increasing frame-index order.
type FrameResult struct {
	FrameIndex int            `json:"frame_index"`
	Result     map[string]any `json:"result"`
}

// ProgressFunc receives (currentFrame, totalFrames) after each emitted
// result. totalFrames is 0 when the container does not report it.
type ProgressFunc func(currentFrame, totalFrames int)

// Options tune a file run.
type Options struct {
	// FrameStride emits every n-th frame; values < 1 mean every frame.
	FrameStride int

	// MaxFrames caps emitted results; 0 means unbounded.
	MaxFrames int

	// Progress, when set, is called after each emitted result.
	Progress ProgressFunc
}

// PipelineRunner executes one pipeline over one payload. Satisfied by
// *pipeline.Executor.
type PipelineRunner interface {
	Run(ctx context.Context, pipelineID string, input map[string]any) (map[string]any, error)
}
