package pipeline

import (
	"context"

	"github.com/forgesyte/forgesyte/errors"
	"github.com/forgesyte/forgesyte/logger"
	"github.com/forgesyte/forgesyte/plugin"
)

// Invoker dispatches a plugin tool call. Satisfied by *plugin.Registry;
// the registry sanitizes every return, so executor state only ever holds
// JSON-safe values (frame payloads excepted at entry).
type Invoker interface {
	Tool(pluginName, toolName string) (plugin.ToolSpec, error)
	Invoke(ctx context.Context, pluginName, toolName string, input map[string]any) (map[string]any, error)
}

// Executor runs pipelines from a store against an invoker.
type Executor struct {
	store   *Store
	invoker Invoker
}

// NewExecutor creates a pipeline executor.
func NewExecutor(store *Store, invoker Invoker) *Executor {
	return &Executor{store: store, invoker: invoker}
}

// Store returns the executor's pipeline store.
func (e *Executor) Store() *Store { return e.store }

// Run executes pipeline id over the input payload and returns the
// output mapping. Nodes run in topological order; any node failure
// discards all partial state and fails the run.
//
// Output shape: one output node flattens to that node's value; multiple
// output nodes return {node_id: value}.
func (e *Executor) Run(ctx context.Context, pipelineID string, input map[string]any) (map[string]any, error) {
	c, err := e.store.get(pipelineID)
	if err != nil {
		return nil, err
	}

	entry := make(map[string]bool, len(c.def.EntryNodes))
	for _, id := range c.def.EntryNodes {
		entry[id] = true
	}

	state := make(map[string]map[string]any, len(c.order))
	for _, nodeID := range c.order {
		if err := ctx.Err(); err != nil {
			return nil, errors.TagWith(errors.KindCancelled, err)
		}

		node := c.nodes[nodeID]
		nodeInput := collectInput(nodeID, entry, input, c.preds, state)

		out, err := e.invoker.Invoke(ctx, node.PluginID, node.ToolID, nodeInput)
		if err != nil {
			logger.Debugw("Pipeline node failed",
				logger.FieldPipeline, pipelineID,
				logger.FieldNode, nodeID,
				logger.FieldError, err,
			)
			return nil, errors.TagFields(errors.KindPipelineNodeFailed,
				map[string]any{"pipeline_id": pipelineID, "node_id": nodeID, "cause": err.Error()},
				"pipeline %s node %s failed: %v", pipelineID, nodeID, err)
		}
		state[nodeID] = out
	}

	if len(c.def.OutputNodes) == 1 {
		return state[c.def.OutputNodes[0]], nil
	}
	result := make(map[string]any, len(c.def.OutputNodes))
	for _, id := range c.def.OutputNodes {
		result[id] = state[id]
	}
	return result, nil
}

// collectInput assembles a node's input. Entry nodes receive the run
// payload. A node with one predecessor receives that predecessor's
// output directly; multiple predecessors are keyed by node id.
func collectInput(nodeID string, entry map[string]bool, payload map[string]any, preds map[string][]string, state map[string]map[string]any) map[string]any {
	if entry[nodeID] {
		return payload
	}
	ps := preds[nodeID]
	switch len(ps) {
	case 0:
		// Unreachable in a validated pipeline: non-entry nodes always
		// have predecessors once reachability holds.
		return map[string]any{}
	case 1:
		return state[ps[0]]
	default:
		merged := make(map[string]any, len(ps))
		for _, p := range ps {
			merged[p] = state[p]
		}
		return merged
	}
}
