package governance

import (
	"context"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"math"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/forgesyte/forgesyte/errors"
	"github.com/forgesyte/forgesyte/pipeline"
	"github.com/forgesyte/forgesyte/plugin"
	"github.com/forgesyte/forgesyte/plugins"
)

// moduleRoot locates the repository root relative to this file.
func moduleRoot(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Dir(filepath.Dir(file))
}

// sourceFiles lists every non-test Go file in the repository,
// skipping vendored and reference trees.
func sourceFiles(t *testing.T, root string, dirs ...string) []string {
	t.Helper()
	roots := []string{root}
	if len(dirs) > 0 {
		roots = roots[:0]
		for _, d := range dirs {
			roots = append(roots, filepath.Join(root, d))
		}
	}

	var files []string
	for _, r := range roots {
		err := filepath.WalkDir(r, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				name := d.Name()
				if name == "vendor" || name == ".git" || strings.HasPrefix(name, "_") {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
				return nil
			}
			files = append(files, path)
			return nil
		})
		require.NoError(t, err)
	}
	require.NotEmpty(t, files)
	return files
}

// stringLiterals parses a file and yields every string literal that is
// not a struct tag, with its position.
func stringLiterals(t *testing.T, path string) map[string][]token.Position {
	t.Helper()
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, path, nil, 0)
	require.NoError(t, err)

	tags := make(map[*ast.BasicLit]bool)
	found := make(map[string][]token.Position)
	ast.Inspect(f, func(n ast.Node) bool {
		switch v := n.(type) {
		case *ast.Field:
			if v.Tag != nil {
				tags[v.Tag] = true
			}
		case *ast.BasicLit:
			if v.Kind != token.STRING || tags[v] {
				return true
			}
			s, err := strconv.Unquote(v.Value)
			if err != nil {
				return true
			}
			found[s] = append(found[s], fset.Position(v.Pos()))
		}
		return true
	})
	return found
}

// The literal tool name "default" was the legacy escape hatch that let
// callers dodge tool resolution. It must never reappear: a frame with
// no tool resolves to the plugin's first declared tool instead.
func TestNoLiteralDefaultToolName(t *testing.T) {
	root := moduleRoot(t)
	for _, path := range sourceFiles(t, root) {
		for s, positions := range stringLiterals(t, path) {
			if s == "default" {
				t.Errorf("literal \"default\" at %v", positions)
			}
		}
	}
}

// Generic request paths must treat every plugin uniformly: no handler
// or dispatcher may branch on a concrete plugin name.
func TestNoPluginNameBranchesInRequestPaths(t *testing.T) {
	root := moduleRoot(t)

	names := make(map[string]bool)
	for name := range plugins.Builtins() {
		names[name] = true
	}
	require.NotEmpty(t, names)

	for _, path := range sourceFiles(t, root, "server", "pipeline", "video", "jobs") {
		for s, positions := range stringLiterals(t, path) {
			if names[s] {
				t.Errorf("hardcoded plugin name %q at %v", s, positions)
			}
		}
	}
}

// leakyPlugin returns values the JSON boundary must reject. If these
// invocations succeed, the sanitizer has been bypassed.
type leakyPlugin struct{}

var _ plugin.Plugin = leakyPlugin{}

func (leakyPlugin) Name() string           { return "leaky" }
func (leakyPlugin) Version() string        { return "1.0.0" }
func (leakyPlugin) Description() string    { return "returns JSON-unsafe values" }
func (leakyPlugin) Capabilities() []string { return nil }

func (leakyPlugin) Tools() map[string]plugin.ToolSpec {
	anyObject := map[string]any{"type": "object"}
	return map[string]plugin.ToolSpec{
		"nan": {
			Handler: func(context.Context, map[string]any) (map[string]any, error) {
				return map[string]any{"score": math.NaN()}, nil
			},
			Description:  "returns NaN",
			InputSchema:  anyObject,
			OutputSchema: anyObject,
		},
		"raw_bytes": {
			Handler: func(context.Context, map[string]any) (map[string]any, error) {
				return map[string]any{"image": []byte{0xff, 0xd8}}, nil
			},
			Description:  "returns raw bytes",
			InputSchema:  anyObject,
			OutputSchema: anyObject,
		},
	}
}

func TestEveryToolReturnCrossesSanitizer(t *testing.T) {
	r := plugin.NewRegistry("1.0.0", time.Minute)
	require.NoError(t, r.Register(leakyPlugin{}))

	for _, tool := range []string{"nan", "raw_bytes"} {
		_, err := r.Invoke(context.Background(), "leaky", tool, map[string]any{})
		require.Error(t, err, tool)
		assert.Equal(t, errors.KindJSONUnsafe, errors.KindOf(err), tool)
	}
}

func TestStartupRefusesZeroPlugins(t *testing.T) {
	r := plugin.NewRegistry("1.0.0", time.Minute)

	err := r.RequireNonEmpty()
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidPlugin, errors.KindOf(err))

	result := r.LoadAll(plugins.Builtins(), plugin.NewServices(zap.NewNop().Sugar(), "cpu"))
	require.Empty(t, result.Errors)
	require.NoError(t, r.RequireNonEmpty())
}

// Every pipeline shipped in pipelines/ must resolve its plugin/tool
// references against the builtin set, exactly as startup does.
func TestShippedPipelinesResolveAgainstBuiltins(t *testing.T) {
	r := plugin.NewRegistry("1.0.0", time.Minute)
	result := r.LoadAll(plugins.Builtins(), plugin.NewServices(zap.NewNop().Sugar(), "cpu"))
	require.Empty(t, result.Errors)

	store := pipeline.NewStore()
	require.NoError(t, store.LoadDir(filepath.Join(moduleRoot(t), "pipelines"), r))
	assert.NotEmpty(t, store.IDs())

	err := store.SetDefault("no-such-pipeline")
	require.Error(t, err)
	assert.Equal(t, errors.KindPipelineNotFound, errors.KindOf(err))
}
