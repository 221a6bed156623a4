package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgesyte/forgesyte/errors"
	"github.com/forgesyte/forgesyte/plugin"
)

// fakeInvoker records invocation order and returns canned results.
type fakeInvoker struct {
	mu      sync.Mutex
	calls   []string
	results map[string]map[string]any
	fail    map[string]error
	inputs  map[string]map[string]any
}

var _ Invoker = (*fakeInvoker)(nil)

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{
		results: make(map[string]map[string]any),
		fail:    make(map[string]error),
		inputs:  make(map[string]map[string]any),
	}
}

func (f *fakeInvoker) Tool(pluginName, toolName string) (plugin.ToolSpec, error) {
	if pluginName == "ghost" {
		return plugin.ToolSpec{}, errors.Tag(errors.KindPluginNotFound, "plugin not found: %s", pluginName)
	}
	return plugin.ToolSpec{Description: "fake"}, nil
}

func (f *fakeInvoker) Invoke(_ context.Context, pluginName, toolName string, input map[string]any) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := toolName
	f.calls = append(f.calls, key)
	f.inputs[key] = input
	if err := f.fail[key]; err != nil {
		return nil, err
	}
	if out, ok := f.results[key]; ok {
		return out, nil
	}
	return map[string]any{"tool": key}, nil
}

func chainDef() Definition {
	return Definition{
		ID: "ocr-chain",
		Nodes: []Node{
			{ID: "extract", PluginID: "vision", ToolID: "extract"},
			{ID: "classify", PluginID: "vision", ToolID: "classify"},
		},
		Edges:       []Edge{{FromNode: "extract", ToNode: "classify"}},
		EntryNodes:  []string{"extract"},
		OutputNodes: []string{"classify"},
	}
}

func TestCompileRejectsCycle(t *testing.T) {
	def := Definition{
		ID: "loop",
		Nodes: []Node{
			{ID: "a", PluginID: "p", ToolID: "t"},
			{ID: "b", PluginID: "p", ToolID: "t"},
		},
		Edges: []Edge{
			{FromNode: "a", ToNode: "b"},
			{FromNode: "b", ToNode: "a"},
		},
		EntryNodes:  []string{"a"},
		OutputNodes: []string{"b"},
	}
	s := NewStore()
	err := s.Add(def, newFakeInvoker())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestCompileRejectsUnknownEdgeNode(t *testing.T) {
	def := chainDef()
	def.Edges = append(def.Edges, Edge{FromNode: "classify", ToNode: "phantom"})
	err := NewStore().Add(def, newFakeInvoker())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "phantom")
}

func TestCompileRejectsUnresolvableTool(t *testing.T) {
	def := chainDef()
	def.Nodes[0].PluginID = "ghost"
	err := NewStore().Add(def, newFakeInvoker())
	require.Error(t, err)
	assert.Equal(t, errors.KindPluginNotFound, errors.KindOf(err))
}

func TestCompileRejectsUnreachableNode(t *testing.T) {
	def := Definition{
		ID: "island",
		Nodes: []Node{
			{ID: "a", PluginID: "p", ToolID: "t"},
			{ID: "b", PluginID: "p", ToolID: "t"},
		},
		EntryNodes:  []string{"a"},
		OutputNodes: []string{"a"},
	}
	err := NewStore().Add(def, newFakeInvoker())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
}

func TestSingleNodePipeline(t *testing.T) {
	def := Definition{
		ID:          "solo",
		Nodes:       []Node{{ID: "only", PluginID: "vision", ToolID: "analyze"}},
		EntryNodes:  []string{"only"},
		OutputNodes: []string{"only"},
	}
	inv := newFakeInvoker()
	inv.results["analyze"] = map[string]any{"ok": true}

	s := NewStore()
	require.NoError(t, s.Add(def, inv))

	out, err := NewExecutor(s, inv).Run(context.Background(), "solo", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, out)
	assert.Equal(t, map[string]any{"x": 1}, inv.inputs["analyze"])
}

func TestTopologicalOrderWithLexicographicTieBreak(t *testing.T) {
	// Diamond: root feeds both zeta and alpha; both feed sink.
	// Ready-at-once siblings must run in name order: alpha before zeta.
	def := Definition{
		ID: "diamond",
		Nodes: []Node{
			{ID: "root", PluginID: "p", ToolID: "root"},
			{ID: "zeta", PluginID: "p", ToolID: "zeta"},
			{ID: "alpha", PluginID: "p", ToolID: "alpha"},
			{ID: "sink", PluginID: "p", ToolID: "sink"},
		},
		Edges: []Edge{
			{FromNode: "root", ToNode: "zeta"},
			{FromNode: "root", ToNode: "alpha"},
			{FromNode: "zeta", ToNode: "sink"},
			{FromNode: "alpha", ToNode: "sink"},
		},
		EntryNodes:  []string{"root"},
		OutputNodes: []string{"sink"},
	}
	inv := newFakeInvoker()
	s := NewStore()
	require.NoError(t, s.Add(def, inv))

	_, err := NewExecutor(s, inv).Run(context.Background(), "diamond", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, []string{"root", "alpha", "zeta", "sink"}, inv.calls)
}

func TestMultiPredecessorInputsKeyedByNodeID(t *testing.T) {
	def := Definition{
		ID: "merge",
		Nodes: []Node{
			{ID: "left", PluginID: "p", ToolID: "left"},
			{ID: "right", PluginID: "p", ToolID: "right"},
			{ID: "join", PluginID: "p", ToolID: "join"},
		},
		Edges: []Edge{
			{FromNode: "left", ToNode: "join"},
			{FromNode: "right", ToNode: "join"},
		},
		EntryNodes:  []string{"left", "right"},
		OutputNodes: []string{"join"},
	}
	inv := newFakeInvoker()
	inv.results["left"] = map[string]any{"side": "l"}
	inv.results["right"] = map[string]any{"side": "r"}

	s := NewStore()
	require.NoError(t, s.Add(def, inv))

	_, err := NewExecutor(s, inv).Run(context.Background(), "merge", map[string]any{})
	require.NoError(t, err)

	joined := inv.inputs["join"]
	assert.Equal(t, map[string]any{"side": "l"}, joined["left"])
	assert.Equal(t, map[string]any{"side": "r"}, joined["right"])
}

func TestChainThreadsIntermediateResults(t *testing.T) {
	inv := newFakeInvoker()
	inv.results["extract"] = map[string]any{"text": "hello"}
	inv.results["classify"] = map[string]any{"label": "greeting"}

	s := NewStore()
	require.NoError(t, s.Add(chainDef(), inv))

	out, err := NewExecutor(s, inv).Run(context.Background(), "ocr-chain", map[string]any{"image_bytes": []byte{1}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"label": "greeting"}, out)
	// classify saw extract's output, not the run payload.
	assert.Equal(t, map[string]any{"text": "hello"}, inv.inputs["classify"])
}

func TestNodeFailureDiscardsState(t *testing.T) {
	inv := newFakeInvoker()
	inv.fail["classify"] = errors.New("model crashed")

	s := NewStore()
	require.NoError(t, s.Add(chainDef(), inv))

	out, err := NewExecutor(s, inv).Run(context.Background(), "ocr-chain", map[string]any{})
	require.Error(t, err)
	assert.Nil(t, out)
	assert.Equal(t, errors.KindPipelineNodeFailed, errors.KindOf(err))
	fields := errors.FieldsOf(err)
	assert.Equal(t, "ocr-chain", fields["pipeline_id"])
	assert.Equal(t, "classify", fields["node_id"])
}

func TestRunUnknownPipeline(t *testing.T) {
	s := NewStore()
	_, err := NewExecutor(s, newFakeInvoker()).Run(context.Background(), "nope", map[string]any{})
	require.Error(t, err)
	assert.Equal(t, errors.KindPipelineNotFound, errors.KindOf(err))
}

func TestRunCancelled(t *testing.T) {
	inv := newFakeInvoker()
	s := NewStore()
	require.NoError(t, s.Add(chainDef(), inv))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewExecutor(s, inv).Run(ctx, "ocr-chain", map[string]any{})
	require.Error(t, err)
	assert.Equal(t, errors.KindCancelled, errors.KindOf(err))
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	raw, err := json.Marshal(chainDef())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ocr-chain.json"), raw, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	s := NewStore()
	require.NoError(t, s.LoadDir(dir, newFakeInvoker()))
	assert.Equal(t, []string{"ocr-chain"}, s.IDs())

	def, err := s.Definition("ocr-chain")
	require.NoError(t, err)
	assert.Equal(t, "ocr-chain", def.ID)
}

func TestLoadDirRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{nope"), 0o644))

	err := NewStore().LoadDir(dir, newFakeInvoker())
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidInput, errors.KindOf(err))
}

func TestSetDefault(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Add(chainDef(), newFakeInvoker()))

	require.Error(t, s.SetDefault("missing"))
	require.NoError(t, s.SetDefault("ocr-chain"))
	assert.Equal(t, "ocr-chain", s.DefaultID())
}
