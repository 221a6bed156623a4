package plugin

import (
	"encoding/json"

	"github.com/Masterminds/semver/v3"
	"github.com/xeipuuv/gojsonschema"

	"github.com/forgesyte/forgesyte/errors"
)

// boundTool is a tool after contract checks: handler resolved, input
// schema compiled. Immutable once built.
type boundTool struct {
	spec        ToolSpec
	fn          ToolFunc
	inputSchema *gojsonschema.Schema
}

// bindPlugin enforces the registration contract and resolves every tool
// to a bound handler. Violations return INVALID_PLUGIN errors carrying
// {name, field, reason} fields; the plugin is rejected whole.
func bindPlugin(hostVersion string, p Plugin) (map[string]boundTool, error) {
	name := p.Name()
	if name == "" {
		return nil, contractViolation("", "name", "plugin name is empty")
	}

	if vc, ok := p.(VersionConstrained); ok {
		if err := checkHostConstraint(hostVersion, vc.HostConstraint()); err != nil {
			return nil, contractViolation(name, "host_constraint", err.Error())
		}
	}

	tools := p.Tools()
	if tools == nil {
		return nil, contractViolation(name, "tools", "Tools() returned nil")
	}

	bound := make(map[string]boundTool, len(tools))
	for toolName, spec := range tools {
		bt, err := bindTool(name, toolName, spec, p)
		if err != nil {
			return nil, err
		}
		bound[toolName] = bt
	}

	if v, ok := p.(Validator); ok {
		if err := v.Validate(); err != nil {
			return nil, contractViolation(name, "validate", err.Error())
		}
	}

	return bound, nil
}

func bindTool(pluginName, toolName string, spec ToolSpec, p Plugin) (boundTool, error) {
	field := func(f string) string { return "tools." + toolName + "." + f }

	if toolName == "" {
		return boundTool{}, contractViolation(pluginName, "tools", "empty tool name")
	}
	if spec.Description == "" {
		return boundTool{}, contractViolation(pluginName, field("description"), "description is empty")
	}
	if spec.InputSchema == nil {
		return boundTool{}, contractViolation(pluginName, field("input_schema"), "input_schema is nil")
	}
	if spec.OutputSchema == nil {
		return boundTool{}, contractViolation(pluginName, field("output_schema"), "output_schema is nil")
	}

	fn := spec.Handler
	switch {
	case fn != nil && spec.HandlerName != "":
		return boundTool{}, contractViolation(pluginName, field("handler"), "both Handler and HandlerName set")
	case fn == nil && spec.HandlerName == "":
		return boundTool{}, contractViolation(pluginName, field("handler"), "neither Handler nor HandlerName set")
	case fn == nil:
		resolver, ok := p.(HandlerResolver)
		if !ok {
			return boundTool{}, contractViolation(pluginName, field("handler"),
				"HandlerName set but plugin does not implement HandlerResolver")
		}
		fn = resolver.ResolveTool(spec.HandlerName)
		if fn == nil {
			return boundTool{}, contractViolation(pluginName, field("handler"),
				"handler name "+spec.HandlerName+" did not resolve")
		}
	}

	inputSchema, err := compileSchema(spec.InputSchema)
	if err != nil {
		return boundTool{}, contractViolation(pluginName, field("input_schema"), err.Error())
	}
	if _, err := compileSchema(spec.OutputSchema); err != nil {
		return boundTool{}, contractViolation(pluginName, field("output_schema"), err.Error())
	}

	return boundTool{spec: spec, fn: fn, inputSchema: inputSchema}, nil
}

// compileSchema verifies the schema is JSON-serializable and a valid
// JSON Schema document.
func compileSchema(schema map[string]any) (*gojsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, errors.Wrap(err, "schema is not JSON-serializable")
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "schema does not compile")
	}
	return compiled, nil
}

func checkHostConstraint(hostVersion, constraint string) error {
	if constraint == "" {
		return nil
	}
	host, err := semver.NewVersion(hostVersion)
	if err != nil {
		return errors.Wrapf(err, "invalid host version %s", hostVersion)
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return errors.Wrapf(err, "invalid host constraint %s", constraint)
	}
	if !c.Check(host) {
		return errors.Newf("plugin requires host %s, running %s", constraint, hostVersion)
	}
	return nil
}

func contractViolation(name, field, reason string) error {
	return errors.TagFields(errors.KindInvalidPlugin,
		map[string]any{"name": name, "field": field, "reason": reason},
		"plugin %s rejected: %s: %s", name, field, reason)
}

// validateInput checks a tool input payload against the tool's compiled
// input schema. Frame payloads carry raw bytes that cannot round-trip
// through JSON, so byte values are elided before validation.
func (bt boundTool) validateInput(input map[string]any) error {
	doc := make(map[string]any, len(input))
	for k, v := range input {
		if _, isBytes := v.([]byte); isBytes {
			continue
		}
		doc[k] = v
	}
	result, err := bt.inputSchema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return errors.TagWith(errors.KindInvalidInput, err)
	}
	if !result.Valid() {
		first := result.Errors()[0]
		return errors.Tag(errors.KindInvalidInput, "input schema violation: %s", first.String())
	}
	return nil
}
