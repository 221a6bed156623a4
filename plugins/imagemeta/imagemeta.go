// Package imagemeta is the builtin image-analysis plugin: frame
// dimensions, format detection, and luminance statistics. It needs no
// models or devices, so it doubles as the smoke-test plugin for the
// whole dispatch path.
package imagemeta

import (
	"bytes"
	"context"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"go.uber.org/zap"

	"github.com/forgesyte/forgesyte/errors"
	"github.com/forgesyte/forgesyte/plugin"
)

// Plugin analyses still frames without external dependencies.
type Plugin struct {
	log *zap.SugaredLogger
}

var _ plugin.Plugin = (*Plugin)(nil)

// New constructs the plugin; the factory registered in the builtin
// table.
func New(services plugin.Services) (plugin.Plugin, error) {
	return &Plugin{log: services.Logger("imagemeta")}, nil
}

func (p *Plugin) Name() string        { return "imagemeta" }
func (p *Plugin) Version() string     { return "1.0.0" }
func (p *Plugin) Description() string { return "image metadata and luminance analysis" }

func (p *Plugin) Capabilities() []string { return []string{"metadata"} }

func (p *Plugin) Tools() map[string]plugin.ToolSpec {
	frameInput := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"frame_index": map[string]any{"type": "integer"},
		},
	}
	return map[string]plugin.ToolSpec{
		"image_info": {
			Handler:     p.imageInfo,
			Description: "reports image dimensions, format, and byte size",
			InputSchema: frameInput,
			OutputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"width":      map[string]any{"type": "integer"},
					"height":     map[string]any{"type": "integer"},
					"format":     map[string]any{"type": "string"},
					"size_bytes": map[string]any{"type": "integer"},
				},
			},
		},
		"luminance": {
			Handler:     p.luminance,
			Description: "computes mean and peak luminance over the frame",
			InputSchema: frameInput,
			OutputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"mean": map[string]any{"type": "number"},
					"max":  map[string]any{"type": "integer"},
					"min":  map[string]any{"type": "integer"},
				},
			},
		},
	}
}

func frameBytes(input map[string]any) ([]byte, error) {
	raw, ok := input["image_bytes"].([]byte)
	if !ok || len(raw) == 0 {
		return nil, errors.Tag(errors.KindInvalidInput, "payload has no image_bytes")
	}
	return raw, nil
}

func (p *Plugin) imageInfo(_ context.Context, input map[string]any) (map[string]any, error) {
	raw, err := frameBytes(input)
	if err != nil {
		return nil, err
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Tag(errors.KindFrameDecodeFailed, "undecodable image: %v", err)
	}
	return map[string]any{
		"width":      cfg.Width,
		"height":     cfg.Height,
		"format":     format,
		"size_bytes": len(raw),
	}, nil
}

func (p *Plugin) luminance(_ context.Context, input map[string]any) (map[string]any, error) {
	raw, err := frameBytes(input)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Tag(errors.KindFrameDecodeFailed, "undecodable image: %v", err)
	}

	bounds := img.Bounds()
	var sum uint64
	var count uint64
	minLum, maxLum := 255, 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			// ITU-R BT.601 luma, 16-bit channels scaled to 8-bit.
			lum := int((299*r + 587*g + 114*b) / 1000 >> 8)
			sum += uint64(lum)
			count++
			if lum < minLum {
				minLum = lum
			}
			if lum > maxLum {
				maxLum = lum
			}
		}
	}
	if count == 0 {
		return nil, errors.Tag(errors.KindFrameDecodeFailed, "image has no pixels")
	}
	return map[string]any{
		"mean": float64(sum) / float64(count),
		"max":  maxLum,
		"min":  minLum,
	}, nil
}
