package video

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/forgesyte/forgesyte/errors"
	"github.com/forgesyte/forgesyte/logger"
)

// probe validates that the container is readable and returns the frame
// count of the first video stream, or 0 when the container does not
// report one.
func probe(ctx context.Context, ffprobePath, path string) (int, error) {
	cmd := exec.CommandContext(ctx, ffprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=nb_frames",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, errors.TagFields(errors.KindVideoOpenFailed,
			map[string]any{"path": path, "stderr": strings.TrimSpace(stderr.String())},
			"failed to open video %s: %v", path, err)
	}

	raw := strings.TrimSpace(stdout.String())
	if raw == "" || raw == "N/A" {
		logger.Debugw("Container reports no frame count", "path", path)
		return 0, nil
	}
	total, err := strconv.Atoi(raw)
	if err != nil {
		logger.Debugw("Unparseable frame count from ffprobe", "path", path, "value", raw)
		return 0, nil
	}
	return total, nil
}
