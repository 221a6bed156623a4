package logger

// Standard field names for consistent structured logging across ForgeSyte.
// Use these constants instead of raw strings to keep dashboards greppable.
const (
	// Identity and context
	FieldJobID    = "job_id"
	FieldClientID = "client_id"
	FieldTopic    = "topic"

	// Components
	FieldComponent = "component"
	FieldPlugin    = "plugin"
	FieldTool      = "tool"
	FieldPipeline  = "pipeline_id"
	FieldNode      = "node_id"

	// Video
	FieldFrameIndex  = "frame_index"
	FieldTotalFrames = "total_frames"
	FieldStride      = "frame_stride"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError     = "error"
	FieldErrorKind = "error_kind"

	// Counts and sizes
	FieldCount = "count"
	FieldSize  = "size_bytes"

	// Status
	FieldStatus   = "status"
	FieldProgress = "progress"
)
