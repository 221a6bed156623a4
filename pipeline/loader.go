package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/forgesyte/forgesyte/errors"
	"github.com/forgesyte/forgesyte/logger"
	"github.com/forgesyte/forgesyte/plugin"
)

// ToolResolver answers whether a plugin tool exists. Satisfied by
// *plugin.Registry.
type ToolResolver interface {
	Tool(pluginName, toolName string) (plugin.ToolSpec, error)
}

// Store holds compiled pipeline definitions. Populated once at startup,
// read-only thereafter.
type Store struct {
	mu        sync.RWMutex
	pipelines map[string]*compiled
	defaultID string
}

// NewStore creates an empty pipeline store.
func NewStore() *Store {
	return &Store{pipelines: make(map[string]*compiled)}
}

// LoadDir reads every *.json definition under dir, validates each
// against the resolver, and registers it. A malformed file fails the
// whole load: every pipeline id referenced anywhere must resolve at
// startup.
func (s *Store) LoadDir(dir string, resolver ToolResolver) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrapf(err, "failed to read pipeline directory %s", dir)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := s.loadFile(path, resolver); err != nil {
			return err
		}
	}

	logger.Infow("Pipelines loaded",
		"dir", dir,
		logger.FieldCount, len(s.pipelines),
	)
	return nil
}

func (s *Store) loadFile(path string, resolver ToolResolver) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read pipeline file %s", path)
	}

	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return errors.Tag(errors.KindInvalidInput, "pipeline file %s is not valid JSON: %v", path, err)
	}

	return s.Add(def, resolver)
}

// Add validates and registers a single definition.
func (s *Store) Add(def Definition, resolver ToolResolver) error {
	c, err := compile(def, resolver)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pipelines[def.ID]; exists {
		return errors.Tag(errors.KindInvalidInput, "duplicate pipeline id %s", def.ID)
	}
	s.pipelines[def.ID] = c
	return nil
}

// SetDefault records the pipeline used when a request omits pipeline_id.
func (s *Store) SetDefault(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pipelines[id]; !ok {
		return errors.Tag(errors.KindPipelineNotFound, "default pipeline not loaded: %s", id)
	}
	s.defaultID = id
	return nil
}

// DefaultID returns the configured default pipeline id, or "".
func (s *Store) DefaultID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaultID
}

// Get returns the compiled pipeline for id.
func (s *Store) get(id string) (*compiled, error) {
	s.mu.RLock()
	c, ok := s.pipelines[id]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.Tag(errors.KindPipelineNotFound, "pipeline not found: %s", id)
	}
	return c, nil
}

// Definition returns the definition registered under id.
func (s *Store) Definition(id string) (Definition, error) {
	c, err := s.get(id)
	if err != nil {
		return Definition{}, err
	}
	return c.def, nil
}

// IDs returns all loaded pipeline ids in sorted order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.pipelines))
	for id := range s.pipelines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// compile validates a definition structurally and against the resolver,
// and computes the execution order.
func compile(def Definition, resolver ToolResolver) (*compiled, error) {
	if def.ID == "" {
		return nil, errors.Tag(errors.KindInvalidInput, "pipeline has no id")
	}
	if len(def.Nodes) == 0 {
		return nil, errors.Tag(errors.KindInvalidInput, "pipeline %s has no nodes", def.ID)
	}

	nodes := make(map[string]Node, len(def.Nodes))
	for _, n := range def.Nodes {
		if n.ID == "" {
			return nil, errors.Tag(errors.KindInvalidInput, "pipeline %s has a node with no id", def.ID)
		}
		if _, dup := nodes[n.ID]; dup {
			return nil, errors.Tag(errors.KindInvalidInput, "pipeline %s has duplicate node %s", def.ID, n.ID)
		}
		if resolver != nil {
			if _, err := resolver.Tool(n.PluginID, n.ToolID); err != nil {
				return nil, errors.Wrapf(err, "pipeline %s node %s does not resolve", def.ID, n.ID)
			}
		}
		nodes[n.ID] = n
	}

	preds := make(map[string][]string, len(nodes))
	succs := make(map[string][]string, len(nodes))
	for _, e := range def.Edges {
		if _, ok := nodes[e.FromNode]; !ok {
			return nil, errors.Tag(errors.KindInvalidInput,
				"pipeline %s edge references unknown node %s", def.ID, e.FromNode)
		}
		if _, ok := nodes[e.ToNode]; !ok {
			return nil, errors.Tag(errors.KindInvalidInput,
				"pipeline %s edge references unknown node %s", def.ID, e.ToNode)
		}
		preds[e.ToNode] = append(preds[e.ToNode], e.FromNode)
		succs[e.FromNode] = append(succs[e.FromNode], e.ToNode)
	}
	for id := range preds {
		sort.Strings(preds[id])
	}

	if len(def.EntryNodes) == 0 {
		return nil, errors.Tag(errors.KindInvalidInput, "pipeline %s declares no entry nodes", def.ID)
	}
	for _, id := range def.EntryNodes {
		if _, ok := nodes[id]; !ok {
			return nil, errors.Tag(errors.KindInvalidInput, "pipeline %s entry node %s not in node set", def.ID, id)
		}
	}
	if len(def.OutputNodes) == 0 {
		return nil, errors.Tag(errors.KindInvalidInput, "pipeline %s declares no output nodes", def.ID)
	}
	for _, id := range def.OutputNodes {
		if _, ok := nodes[id]; !ok {
			return nil, errors.Tag(errors.KindInvalidInput, "pipeline %s output node %s not in node set", def.ID, id)
		}
	}

	order, err := topoSort(def.ID, nodes, preds)
	if err != nil {
		return nil, err
	}

	if err := checkReachable(def, succs); err != nil {
		return nil, err
	}

	return &compiled{def: def, nodes: nodes, preds: preds, order: order}, nil
}

// topoSort is Kahn's algorithm with a sorted frontier: ties between
// ready nodes break on lexicographic node id, so execution order is
// deterministic.
func topoSort(pipelineID string, nodes map[string]Node, preds map[string][]string) ([]string, error) {
	indegree := make(map[string]int, len(nodes))
	for id := range nodes {
		indegree[id] = len(preds[id])
	}
	succs := make(map[string][]string, len(nodes))
	for to, froms := range preds {
		for _, from := range froms {
			succs[from] = append(succs[from], to)
		}
	}

	var frontier []string
	for id, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	order := make([]string, 0, len(nodes))
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)

		for _, next := range succs[id] {
			indegree[next]--
			if indegree[next] == 0 {
				frontier = append(frontier, next)
			}
		}
		sort.Strings(frontier)
	}

	if len(order) != len(nodes) {
		return nil, errors.Tag(errors.KindInvalidInput, "pipeline %s contains a cycle", pipelineID)
	}
	return order, nil
}

// checkReachable verifies every node is reachable from some entry node.
func checkReachable(def Definition, succs map[string][]string) error {
	seen := make(map[string]bool, len(def.Nodes))
	queue := append([]string(nil), def.EntryNodes...)
	for _, id := range queue {
		seen[id] = true
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range succs[id] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	for _, n := range def.Nodes {
		if !seen[n.ID] {
			return errors.Tag(errors.KindInvalidInput,
				"pipeline %s node %s is unreachable from entry nodes", def.ID, n.ID)
		}
	}
	return nil
}
