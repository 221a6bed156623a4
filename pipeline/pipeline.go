// Package pipeline loads declarative analysis pipelines and executes
// them as DAGs over the plugin registry.
//
// A pipeline definition is a JSON file: nodes reference plugin tools,
// edges carry intermediate results. Definitions are loaded once at
// startup, validated against the registry, and immutable at runtime.
package pipeline

// Node is one step of a pipeline: a plugin tool invocation.
type Node struct {
	ID          string         `json:"id"`
	PluginID    string         `json:"plugin_id"`
	ToolID      string         `json:"tool_id"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// Edge routes the output of FromNode into the input of ToNode.
type Edge struct {
	FromNode string `json:"from_node"`
	ToNode   string `json:"to_node"`
}

// Definition is a full pipeline as loaded from disk.
type Definition struct {
	ID          string   `json:"id"`
	Nodes       []Node   `json:"nodes"`
	Edges       []Edge   `json:"edges"`
	EntryNodes  []string `json:"entry_nodes"`
	OutputNodes []string `json:"output_nodes"`
}

// compiled is a definition plus everything derived at load time:
// topological order, adjacency, node lookup. Immutable.
type compiled struct {
	def   Definition
	nodes map[string]Node
	// preds[id] lists predecessor node ids in sorted order.
	preds map[string][]string
	order []string
}
