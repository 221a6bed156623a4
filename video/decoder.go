package video

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os/exec"
	"strings"

	"github.com/forgesyte/forgesyte/errors"
)

// JPEG stream markers. ffmpeg's image2pipe/mjpeg output is a plain
// concatenation of JPEG images delimited by SOI/EOI.
var (
	jpegSOI = []byte{0xff, 0xd8}
	jpegEOI = []byte{0xff, 0xd9}
)

// maxFrameBytes bounds a single decoded JPEG; frames beyond this are a
// decode error, not an allocation hazard.
const maxFrameBytes = 64 << 20

// decoder streams JPEG frames from an ffmpeg subprocess.
// Close is safe on every exit path and reaps the process.
type decoder struct {
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	scanner *bufio.Scanner
	stderr  *bytes.Buffer
	closed  bool
}

// openDecoder starts ffmpeg decoding path into an MJPEG pipe.
func openDecoder(ctx context.Context, ffmpegPath, path string) (*decoder, error) {
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, ffmpegPath,
		"-hide_banner",
		"-loglevel", "error",
		"-i", path,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "2",
		"pipe:1",
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "failed to create ffmpeg stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, errors.TagFields(errors.KindVideoOpenFailed,
			map[string]any{"path": path},
			"failed to start ffmpeg for %s: %v", path, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 1<<20), maxFrameBytes)
	scanner.Split(splitJPEG)

	return &decoder{cmd: cmd, cancel: cancel, scanner: scanner, stderr: &stderr}, nil
}

// next returns the next JPEG frame, or io.EOF at end of stream.
func (d *decoder) next() ([]byte, error) {
	if d.scanner.Scan() {
		// The scanner reuses its buffer; callers keep frames across
		// reads, so copy out.
		frame := make([]byte, len(d.scanner.Bytes()))
		copy(frame, d.scanner.Bytes())
		return frame, nil
	}
	if err := d.scanner.Err(); err != nil {
		return nil, errors.Tag(errors.KindFrameDecodeFailed, "frame stream error: %v", err)
	}
	return nil, io.EOF
}

// close kills the subprocess if still running and reaps it.
func (d *decoder) close() {
	if d.closed {
		return
	}
	d.closed = true
	d.cancel()
	if err := d.cmd.Wait(); err != nil {
		// Expected for early termination; decode errors surface via
		// next(), not here.
		_ = err
	}
}

// stderrTail returns trailing ffmpeg diagnostics for error messages.
func (d *decoder) stderrTail() string {
	s := strings.TrimSpace(d.stderr.String())
	if len(s) > 512 {
		s = s[len(s)-512:]
	}
	return s
}

// splitJPEG is a bufio.SplitFunc emitting one JPEG image per token,
// delimited by the SOI/EOI marker pair.
func splitJPEG(data []byte, atEOF bool) (int, []byte, error) {
	start := bytes.Index(data, jpegSOI)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// Keep at most one byte in case a marker straddles reads.
		if len(data) > 1 {
			return len(data) - 1, nil, nil
		}
		return 0, nil, nil
	}

	end := bytes.Index(data[start+len(jpegSOI):], jpegEOI)
	if end < 0 {
		if atEOF {
			if len(data[start:]) > 0 {
				return 0, nil, errors.Tag(errors.KindFrameDecodeFailed, "truncated frame at end of stream")
			}
			return len(data), nil, nil
		}
		return start, nil, nil
	}

	frameEnd := start + len(jpegSOI) + end + len(jpegEOI)
	return frameEnd, data[start:frameEnd], nil
}
