package jobs

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgesyte/forgesyte/errors"
	"github.com/forgesyte/forgesyte/video"
)

// fakeService simulates a video run with scripted frames and records
// the options it was invoked with.
type fakeService struct {
	frames int
	total  int
	err    error
	block  chan struct{}

	mu       sync.Mutex
	lastOpts video.Options
}

var _ PipelineService = (*fakeService)(nil)

func (f *fakeService) options() video.Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastOpts
}

func (f *fakeService) RunOnFile(ctx context.Context, path, pipelineID string, opts video.Options) ([]video.FrameResult, error) {
	f.mu.Lock()
	f.lastOpts = opts
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, errors.TagWith(errors.KindCancelled, ctx.Err())
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	var results []video.FrameResult
	for i := 0; i < f.frames; i++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.TagWith(errors.KindCancelled, err)
		}
		results = append(results, video.FrameResult{
			FrameIndex: i,
			Result:     map[string]any{"frame": i},
		})
		if opts.Progress != nil {
			opts.Progress(i, f.total)
		}
	}
	return results, nil
}

func waitForTerminal(t *testing.T, m *Manager, id string) *Job {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		job, err := m.Get(id)
		require.NoError(t, err)
		if job.Status.IsTerminal() {
			return job
		}
		select {
		case <-deadline:
			t.Fatalf("job %s never reached a terminal state (status %s)", id, job.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWorkerProcessesJobToCompletion(t *testing.T) {
	m, broadcast := newTestManager(t)
	id, err := m.Submit("ocr-chain", "", "/tmp/in.mp4", 1, 0)
	require.NoError(t, err)

	w := NewWorker(m, &fakeService{frames: 20, total: 20}, 10*time.Millisecond, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	job := waitForTerminal(t, m, id)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Contains(t, string(job.Result), `"results"`)

	// Every progress callback broadcast, terminal event last.
	assert.GreaterOrEqual(t, broadcast.count(), 20)

	cancel()
	<-done
	assert.False(t, w.LastHeartbeat().IsZero())
}

func TestWorkerFailsJobOnError(t *testing.T) {
	m, _ := newTestManager(t)
	id, err := m.Submit("ocr-chain", "", "/tmp/in.mp4", 1, 0)
	require.NoError(t, err)

	svc := &fakeService{err: errors.Tag(errors.KindVideoOpenFailed, "failed to open video")}
	w := NewWorker(m, svc, 10*time.Millisecond, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	job := waitForTerminal(t, m, id)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Contains(t, job.Error, "failed to open video")
}

func TestWorkerTimesOutJob(t *testing.T) {
	m, _ := newTestManager(t)
	id, err := m.Submit("ocr-chain", "", "/tmp/in.mp4", 1, 0)
	require.NoError(t, err)

	svc := &fakeService{block: make(chan struct{})}
	w := NewWorker(m, svc, 10*time.Millisecond, 50*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	job := waitForTerminal(t, m, id)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, "timeout", job.Error)
}

func TestWorkerHonoursCancellation(t *testing.T) {
	m, _ := newTestManager(t)
	id, err := m.Submit("ocr-chain", "", "/tmp/in.mp4", 1, 0)
	require.NoError(t, err)

	svc := &fakeService{block: make(chan struct{})}
	w := NewWorker(m, svc, 10*time.Millisecond, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	// Wait for the worker to claim the job, then cancel it.
	deadline := time.After(5 * time.Second)
	for {
		job, err := m.Get(id)
		require.NoError(t, err)
		if job.Status == StatusRunning {
			break
		}
		select {
		case <-deadline:
			t.Fatal("job never started")
		case <-time.After(10 * time.Millisecond):
		}
	}
	require.NoError(t, m.Cancel(id))

	job := waitForTerminal(t, m, id)
	assert.Equal(t, StatusCancelled, job.Status)
}

func TestWorkerRecoversInterruptedJobsAtStart(t *testing.T) {
	m, _ := newTestManager(t)
	id, err := m.Submit("ocr-chain", "", "/tmp/in.mp4", 1, 0)
	require.NoError(t, err)
	_, err = m.store.ClaimNext()
	require.NoError(t, err)

	// Simulate a restart: a fresh worker finds the orphaned running job.
	w := NewWorker(m, &fakeService{}, 10*time.Millisecond, 0)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Run(ctx) }()
	defer cancel()

	job := waitForTerminal(t, m, id)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, "worker_interrupted", job.Error)
}

func TestWorkerAppliesFrameSamplingOptions(t *testing.T) {
	m, _ := newTestManager(t)
	id, err := m.Submit("ocr-chain", "", "/tmp/in.mp4", 3, 1)
	require.NoError(t, err)

	svc := &fakeService{frames: 1, total: 1}
	w := NewWorker(m, svc, 10*time.Millisecond, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	job := waitForTerminal(t, m, id)
	assert.Equal(t, StatusCompleted, job.Status)

	opts := svc.options()
	assert.Equal(t, 3, opts.FrameStride)
	assert.Equal(t, 1, opts.MaxFrames)
}

func TestWorkerRemovesSpooledInput(t *testing.T) {
	m, _ := newTestManager(t)
	spool := filepath.Join(t.TempDir(), "in.mp4")
	require.NoError(t, os.WriteFile(spool, []byte("frames"), 0o644))
	id, err := m.Submit("ocr-chain", "", spool, 1, 0)
	require.NoError(t, err)

	w := NewWorker(m, &fakeService{frames: 2, total: 2}, 10*time.Millisecond, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	job := waitForTerminal(t, m, id)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Eventually(t, func() bool {
		_, statErr := os.Stat(spool)
		return os.IsNotExist(statErr)
	}, 2*time.Second, 10*time.Millisecond)
}

// pacedService holds the run open: it emits one progress callback once
// started, then blocks until finished.
type pacedService struct {
	start   chan struct{}
	emitted chan struct{}
	finish  chan struct{}
}

var _ PipelineService = (*pacedService)(nil)

func (s *pacedService) RunOnFile(ctx context.Context, _, _ string, opts video.Options) ([]video.FrameResult, error) {
	<-s.start
	if opts.Progress != nil {
		opts.Progress(1, 100)
	}
	close(s.emitted)
	select {
	case <-s.finish:
	case <-ctx.Done():
	}
	return []video.FrameResult{}, nil
}

func TestWorkerBeatsDuringLongJob(t *testing.T) {
	m, _ := newTestManager(t)
	id, err := m.Submit("ocr-chain", "", "/tmp/in.mp4", 1, 0)
	require.NoError(t, err)

	svc := &pacedService{
		start:   make(chan struct{}),
		emitted: make(chan struct{}),
		finish:  make(chan struct{}),
	}
	w := NewWorker(m, svc, 10*time.Millisecond, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	// Wait for the worker to enter the job, then age the heartbeat the
	// way a multi-minute run would.
	deadline := time.After(5 * time.Second)
	for {
		job, err := m.Get(id)
		require.NoError(t, err)
		if job.Status == StatusRunning {
			break
		}
		select {
		case <-deadline:
			t.Fatal("job never started")
		case <-time.After(10 * time.Millisecond):
		}
	}
	w.heartbeat.Store(time.Now().Add(-time.Minute).UnixNano())
	require.False(t, w.Healthy(5*time.Second))

	// The progress callback keeps the worker alive mid-job.
	close(svc.start)
	<-svc.emitted
	assert.True(t, w.Healthy(5*time.Second))

	close(svc.finish)
	job := waitForTerminal(t, m, id)
	assert.Equal(t, StatusCompleted, job.Status)
}

func TestWorkerHealth(t *testing.T) {
	w := NewWorker(nil, nil, 0, 0)
	assert.False(t, w.Healthy(time.Second))

	w.heartbeat.Store(time.Now().UnixNano())
	assert.True(t, w.Healthy(time.Second))

	w.heartbeat.Store(time.Now().Add(-10 * time.Second).UnixNano())
	assert.False(t, w.Healthy(time.Second))
}
