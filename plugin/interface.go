// Package plugin provides the analysis-plugin architecture for ForgeSyte.
//
// A plugin is a self-contained vision-analysis unit (OCR, object detection,
// tracking) exposing named tools. Tools receive a JSON-style input payload
// (frame bytes, parameters) and return a JSON-safe result map.
//
// Plugins are discovered at process start from a compile-time factory table,
// validated against the contract in this package, registered, and treated as
// shared-immutable for the process lifetime. Reload swaps a fully validated
// replacement atomically.
package plugin

import (
	"context"

	"go.uber.org/zap"
)

// ToolFunc is the signature every plugin tool handler resolves to.
// Input is a decoded JSON payload; frame payloads carry raw JPEG bytes
// under "image_bytes". The returned map is sanitized at the invocation
// boundary before it reaches any response or stored result.
type ToolFunc func(ctx context.Context, input map[string]any) (map[string]any, error)

// ToolSpec describes one tool a plugin exposes. Exactly one of Handler or
// HandlerName must be set; HandlerName is resolved against the plugin's
// HandlerResolver at registration time.
type ToolSpec struct {
	Handler      ToolFunc
	HandlerName  string
	Description  string
	InputSchema  map[string]any
	OutputSchema map[string]any
}

// Plugin is the interface every analysis plugin implements.
type Plugin interface {
	// Name is the stable registry identifier, unique per process.
	Name() string

	// Version is the plugin's semver version string.
	Version() string

	// Description is a human-readable summary.
	Description() string

	// Capabilities lists coarse capability tags ("ocr", "detection", ...).
	Capabilities() []string

	// Tools returns the tool descriptors keyed by tool name.
	Tools() map[string]ToolSpec
}

// Validator is an optional lifecycle hook run once at registration.
// A returned error rejects the plugin.
type Validator interface {
	Validate() error
}

// HandlerResolver resolves a ToolSpec.HandlerName to a bound handler.
// Plugins that declare tools by method name implement this.
type HandlerResolver interface {
	ResolveTool(name string) ToolFunc
}

// VersionConstrained is an optional interface for plugins that require a
// specific host version range (a semver constraint like ">= 0.3").
type VersionConstrained interface {
	HostConstraint() string
}

// HealthChecker is an optional interface for plugins that can report
// runtime health (model loaded, device reachable).
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Factory constructs a plugin instance. The factory table passed to
// LoadAll is the discovery mechanism: one entry per available plugin.
type Factory func(services Services) (Plugin, error)

// Services exposes the host facilities a plugin may use.
type Services interface {
	// Logger returns a logger named after the plugin.
	Logger(name string) *zap.SugaredLogger

	// Device is the configured compute device hint ("cpu", "cuda:0").
	// Opaque to the host; plugins interpret it.
	Device() string
}

type hostServices struct {
	logger *zap.SugaredLogger
	device string
}

// NewServices builds the Services handed to plugin factories.
func NewServices(logger *zap.SugaredLogger, device string) Services {
	return &hostServices{logger: logger, device: device}
}

func (s *hostServices) Logger(name string) *zap.SugaredLogger { return s.logger.Named(name) }
func (s *hostServices) Device() string                        { return s.device }
