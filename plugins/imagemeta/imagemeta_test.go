package imagemeta

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/forgesyte/forgesyte/errors"
	"github.com/forgesyte/forgesyte/jsonsafe"
	"github.com/forgesyte/forgesyte/plugin"
)

func newTestPlugin(t *testing.T) plugin.Plugin {
	t.Helper()
	p, err := New(plugin.NewServices(zap.NewNop().Sugar(), "cpu"))
	require.NoError(t, err)
	return p
}

func encodeGray(t *testing.T, w, h int, level uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: level})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))
	return buf.Bytes()
}

func TestPluginPassesRegistryContract(t *testing.T) {
	r := plugin.NewRegistry("0.1.0", 0)
	require.NoError(t, r.Register(newTestPlugin(t)))
}

func TestImageInfo(t *testing.T) {
	p := newTestPlugin(t)
	raw := encodeGray(t, 32, 24, 128)

	out, err := p.Tools()["image_info"].Handler(context.Background(), map[string]any{"image_bytes": raw})
	require.NoError(t, err)
	assert.Equal(t, 32, out["width"])
	assert.Equal(t, 24, out["height"])
	assert.Equal(t, "jpeg", out["format"])
	assert.Equal(t, len(raw), out["size_bytes"])
}

func TestLuminance(t *testing.T) {
	p := newTestPlugin(t)
	raw := encodeGray(t, 16, 16, 200)

	out, err := p.Tools()["luminance"].Handler(context.Background(), map[string]any{"image_bytes": raw})
	require.NoError(t, err)
	mean := out["mean"].(float64)
	assert.InDelta(t, 200, mean, 10)
	assert.GreaterOrEqual(t, out["max"].(int), out["min"].(int))
}

func TestMissingFrameBytes(t *testing.T) {
	p := newTestPlugin(t)
	for _, tool := range []string{"image_info", "luminance"} {
		_, err := p.Tools()[tool].Handler(context.Background(), map[string]any{})
		require.Error(t, err)
		assert.Equal(t, errors.KindInvalidInput, errors.KindOf(err))
	}
}

func TestUndecodableImage(t *testing.T) {
	p := newTestPlugin(t)
	_, err := p.Tools()["image_info"].Handler(context.Background(), map[string]any{
		"image_bytes": []byte("not an image"),
	})
	require.Error(t, err)
	assert.Equal(t, errors.KindFrameDecodeFailed, errors.KindOf(err))
}

func TestOutputsAreJSONSafe(t *testing.T) {
	p := newTestPlugin(t)
	raw := encodeGray(t, 8, 8, 64)

	for _, tool := range []string{"image_info", "luminance"} {
		out, err := p.Tools()[tool].Handler(context.Background(), map[string]any{"image_bytes": raw})
		require.NoError(t, err)
		once, err := jsonsafe.Sanitize(out)
		require.NoError(t, err, tool)
		twice, err := jsonsafe.Sanitize(once)
		require.NoError(t, err)
		assert.Equal(t, once, twice)
	}
}
