package errors

import (
	"fmt"
)

// Kind is the machine tag attached to errors that cross a component
// boundary. The HTTP surface maps kinds to status codes; the realtime
// protocol forwards them verbatim in {type:"error", kind} messages.
type Kind string

const (
	KindInvalidInput       Kind = "INVALID_INPUT"
	KindPluginNotFound     Kind = "PLUGIN_NOT_FOUND"
	KindToolNotFound       Kind = "TOOL_NOT_FOUND"
	KindInvalidPlugin      Kind = "INVALID_PLUGIN"
	KindPipelineNotFound   Kind = "PIPELINE_NOT_FOUND"
	KindPipelineNodeFailed Kind = "PIPELINE_NODE_FAILED"
	KindVideoOpenFailed    Kind = "VIDEO_OPEN_FAILED"
	KindFrameDecodeFailed  Kind = "FRAME_DECODE_FAILED"
	KindJSONUnsafe         Kind = "JSON_UNSAFE"
	KindJobNotFound        Kind = "JOB_NOT_FOUND"
	KindJobTerminal        Kind = "JOB_TERMINAL"
	KindProtocol           Kind = "PROTOCOL"
	KindBackpressure       Kind = "BACKPRESSURE"
	KindTimeout            Kind = "TIMEOUT"
	KindCancelled          Kind = "CANCELLED"
	KindInternal           Kind = "INTERNAL"
)

// tagged wraps an error with a Kind and optional structured fields.
// It participates in errors.Is/As/Unwrap chains.
type tagged struct {
	kind   Kind
	fields map[string]any
	cause  error
}

func (t *tagged) Error() string {
	if t.cause != nil {
		return fmt.Sprintf("%s: %s", t.kind, t.cause.Error())
	}
	return string(t.kind)
}

func (t *tagged) Unwrap() error { return t.cause }

// Tag creates a new error of the given kind with a formatted message.
func Tag(kind Kind, format string, args ...interface{}) error {
	return &tagged{kind: kind, cause: Newf(format, args...)}
}

// TagWith wraps an existing error with a kind, preserving the chain.
// A nil cause returns nil.
func TagWith(kind Kind, cause error) error {
	if cause == nil {
		return nil
	}
	return &tagged{kind: kind, cause: cause}
}

// TagFields creates a kinded error carrying structured fields, used for
// contract violations that name the offending field
// (e.g. INVALID_PLUGIN{name, field, reason}).
func TagFields(kind Kind, fields map[string]any, format string, args ...interface{}) error {
	return &tagged{kind: kind, fields: fields, cause: Newf(format, args...)}
}

// KindOf extracts the taxonomy kind from an error chain.
// Errors without a tag report KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var t *tagged
	if As(err, &t) {
		return t.kind
	}
	return KindInternal
}

// FieldsOf returns the structured fields attached by TagFields, or nil.
func FieldsOf(err error) map[string]any {
	var t *tagged
	if As(err, &t) {
		return t.fields
	}
	return nil
}

// HasKind reports whether any error in the chain carries the given kind.
func HasKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
