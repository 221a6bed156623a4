package video

import (
	"context"
	"io"
	"time"

	"github.com/forgesyte/forgesyte/errors"
	"github.com/forgesyte/forgesyte/logger"
)

// Service runs pipelines over video files frame by frame.
type Service struct {
	ffmpegPath  string
	ffprobePath string
	runner      PipelineRunner
}

// NewService creates a video file pipeline service. Empty tool paths
// fall back to resolving "ffmpeg"/"ffprobe" on PATH.
func NewService(ffmpegPath, ffprobePath string, runner PipelineRunner) *Service {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Service{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath, runner: runner}
}

// RunOnFile decodes the file, runs the pipeline on every stride-th
// frame, and returns the ordered per-frame results. Frame payloads
// carry raw JPEG bytes under "image_bytes"; base64 never appears
// in-process.
func (s *Service) RunOnFile(ctx context.Context, path, pipelineID string, opts Options) ([]FrameResult, error) {
	stride := opts.FrameStride
	if stride < 1 {
		stride = 1
	}

	total, err := probe(ctx, s.ffprobePath, path)
	if err != nil {
		return nil, err
	}

	dec, err := openDecoder(ctx, s.ffmpegPath, path)
	if err != nil {
		return nil, err
	}
	defer dec.close()

	started := time.Now()
	var results []FrameResult
	frameIndex := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, errors.TagWith(errors.KindCancelled, err)
		}
		if opts.MaxFrames > 0 && len(results) >= opts.MaxFrames {
			break
		}

		frame, err := dec.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if tail := dec.stderrTail(); tail != "" {
				return nil, errors.WithDetail(err, tail)
			}
			return nil, err
		}

		if frameIndex%stride == 0 {
			payload := map[string]any{
				"frame_index": frameIndex,
				"image_bytes": frame,
			}
			out, err := s.runner.Run(ctx, pipelineID, payload)
			if err != nil {
				return nil, err
			}
			results = append(results, FrameResult{FrameIndex: frameIndex, Result: out})

			if opts.Progress != nil {
				opts.Progress(frameIndex, total)
			}
		}
		frameIndex++
	}

	logger.Infow("Video file processed",
		"path", path,
		logger.FieldPipeline, pipelineID,
		logger.FieldTotalFrames, frameIndex,
		logger.FieldStride, stride,
		logger.FieldCount, len(results),
		logger.FieldDurationMS, time.Since(started).Milliseconds(),
	)
	return results, nil
}
