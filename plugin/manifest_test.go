package plugin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildManifest(t *testing.T) {
	p := newMock("ocr")
	m := BuildManifest(p)

	assert.Equal(t, "ocr", m.ID)
	assert.Equal(t, m.Name, m.ID)
	assert.Equal(t, "1.0.0", m.Version)
	assert.Equal(t, []string{"testing"}, m.Capabilities)
	require.Contains(t, m.Tools, "echo")
	assert.Equal(t, "echoes its input", m.Tools["echo"].Description)
}

func TestManifestCacheTTL(t *testing.T) {
	cache := NewManifestCache(time.Minute)
	now := time.Unix(1000, 0)
	cache.now = func() time.Time { return now }

	m := Manifest{ID: "ocr", Name: "ocr", Version: "1.0.0"}
	cache.Set("ocr", m)

	got, ok := cache.Get("ocr")
	require.True(t, ok)
	assert.Equal(t, m, got)

	// Still fresh just inside the TTL.
	now = now.Add(59 * time.Second)
	_, ok = cache.Get("ocr")
	assert.True(t, ok)

	// Expired past the TTL.
	now = now.Add(2 * time.Second)
	_, ok = cache.Get("ocr")
	assert.False(t, ok)
}

func TestManifestCacheInvalidate(t *testing.T) {
	cache := NewManifestCache(time.Minute)
	cache.Set("ocr", Manifest{ID: "ocr"})
	cache.Invalidate("ocr")
	_, ok := cache.Get("ocr")
	assert.False(t, ok)
}

func TestRegistryManifestRebuildOnMiss(t *testing.T) {
	r := NewRegistry("0.1.0", time.Minute)
	require.NoError(t, r.Register(newMock("ocr")))

	m, err := r.Manifest("ocr")
	require.NoError(t, err)
	assert.Equal(t, "ocr", m.ID)

	// Second read comes from cache and matches.
	again, err := r.Manifest("ocr")
	require.NoError(t, err)
	assert.Equal(t, m, again)

	_, err = r.Manifest("missing")
	require.Error(t, err)
}
