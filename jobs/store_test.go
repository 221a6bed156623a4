package jobs

import (
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgesyte/forgesyte/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// Every pooled connection gets its own in-memory database; pin the
	// pool to one so all goroutines see the migrated schema.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store := NewStore(db)
	require.NoError(t, store.Migrate())
	return store
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	job := NewJob("ocr-chain", "extract_text", "/tmp/in.mp4")
	job.FrameStride = 3
	job.MaxFrames = 5
	require.NoError(t, store.Create(job))

	got, err := store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, "ocr-chain", got.PipelineID)
	assert.Equal(t, "extract_text", got.ToolName)
	assert.Equal(t, 3, got.FrameStride)
	assert.Equal(t, 5, got.MaxFrames)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Nil(t, got.CompletedAt)
}

func TestGetMissingJob(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get("nope")
	require.Error(t, err)
	assert.Equal(t, errors.KindJobNotFound, errors.KindOf(err))
}

func TestClaimNextOrdering(t *testing.T) {
	store := newTestStore(t)
	first := NewJob("p", "", "a.mp4")
	second := NewJob("p", "", "b.mp4")
	second.CreatedAt = second.CreatedAt.Add(1)
	require.NoError(t, store.Create(first))
	require.NoError(t, store.Create(second))

	claimed, err := store.ClaimNext()
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID)
	assert.Equal(t, StatusRunning, claimed.Status)
	require.NotNil(t, claimed.StartedAt)

	claimed, err = store.ClaimNext()
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, second.ID, claimed.ID)

	claimed, err = store.ClaimNext()
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestStateMachineTransitions(t *testing.T) {
	store := newTestStore(t)

	// queued → completed is illegal.
	job := NewJob("p", "", "in.mp4")
	require.NoError(t, store.Create(job))
	err := store.Complete(job.ID, []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidInput, errors.KindOf(err))

	// queued → running → completed is legal; completed is absorbing.
	claimed, err := store.ClaimNext()
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, store.Complete(claimed.ID, []byte(`{"results":[]}`)))

	err = store.Fail(claimed.ID, "too late")
	require.Error(t, err)
	assert.Equal(t, errors.KindJobTerminal, errors.KindOf(err))

	err = store.Cancel(claimed.ID)
	require.Error(t, err)
	assert.Equal(t, errors.KindJobTerminal, errors.KindOf(err))

	got, err := store.Get(claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.NotNil(t, got.CompletedAt)
	assert.JSONEq(t, `{"results":[]}`, string(got.Result))
}

func TestCancelQueuedAndRunning(t *testing.T) {
	store := newTestStore(t)

	queued := NewJob("p", "", "a.mp4")
	require.NoError(t, store.Create(queued))
	require.NoError(t, store.Cancel(queued.ID))

	running := NewJob("p", "", "b.mp4")
	require.NoError(t, store.Create(running))
	claimed, err := store.ClaimNext()
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, store.Cancel(claimed.ID))

	for _, id := range []string{queued.ID, running.ID} {
		got, err := store.Get(id)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, got.Status)
	}
}

func TestProgressNeverRegresses(t *testing.T) {
	store := newTestStore(t)
	job := NewJob("p", "", "in.mp4")
	require.NoError(t, store.Create(job))
	claimed, err := store.ClaimNext()
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, store.UpdateProgress(claimed.ID, 40, 40, 100))
	require.NoError(t, store.UpdateProgress(claimed.ID, 10, 10, 100))

	got, err := store.Get(claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, got.Progress)
	assert.Equal(t, 40, got.CurrentFrame)
}

func TestProgressIgnoredForNonRunningJob(t *testing.T) {
	store := newTestStore(t)
	job := NewJob("p", "", "in.mp4")
	require.NoError(t, store.Create(job))

	require.NoError(t, store.UpdateProgress(job.ID, 50, 50, 100))
	got, err := store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Progress)
}

func TestListNewestFirst(t *testing.T) {
	store := newTestStore(t)
	old := NewJob("p", "", "old.mp4")
	recent := NewJob("p", "", "new.mp4")
	recent.CreatedAt = old.CreatedAt.Add(1)
	require.NoError(t, store.Create(old))
	require.NoError(t, store.Create(recent))

	jobs, err := store.List(nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, recent.ID, jobs[0].ID)

	queued := StatusQueued
	jobs, err = store.List(&queued, 1, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestMarkInterrupted(t *testing.T) {
	store := newTestStore(t)
	job := NewJob("p", "", "in.mp4")
	require.NoError(t, store.Create(job))
	claimed, err := store.ClaimNext()
	require.NoError(t, err)
	require.NotNil(t, claimed)

	n, err := store.MarkInterrupted()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.Get(claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "worker_interrupted", got.Error)
}

func TestCleanupEvictsTerminalOldestFirst(t *testing.T) {
	store := newTestStore(t)

	oldDone := NewJob("p", "", "a.mp4")
	require.NoError(t, store.Create(oldDone))
	claimed, err := store.ClaimNext()
	require.NoError(t, err)
	require.NoError(t, store.Complete(claimed.ID, []byte(`{}`)))

	for i := 0; i < 3; i++ {
		j := NewJob("p", "", "q.mp4")
		j.CreatedAt = j.CreatedAt.Add(time.Duration(i+1) * time.Millisecond)
		require.NoError(t, store.Create(j))
	}

	// Capacity 3 with 4 rows: evict the one terminal job, oldest first.
	n, err := store.Cleanup(3)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = store.Get(oldDone.ID)
	assert.Equal(t, errors.KindJobNotFound, errors.KindOf(err))

	// Queued jobs alone exceeding capacity evicts nothing.
	n, err = store.Cleanup(1)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	total, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, total)
}

func TestStoreConcurrentReads(t *testing.T) {
	store := newTestStore(t)
	job := NewJob("p", "", "in.mp4")
	require.NoError(t, store.Create(job))

	// Concurrent readers share the single in-memory connection and all
	// see the migrated schema.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := store.Get(job.ID)
			assert.NoError(t, err)
			if err == nil {
				assert.Equal(t, job.ID, got.ID)
			}
		}()
	}
	wg.Wait()
}

func TestStoreSurfacesDriverErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT COUNT").WillReturnError(sql.ErrConnDone)

	store := NewStore(db)
	_, err = store.Count()
	require.Error(t, err)
	assert.ErrorIs(t, err, sql.ErrConnDone)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountByStatus(t *testing.T) {
	store := newTestStore(t)

	counts, err := store.CountByStatus()
	require.NoError(t, err)
	assert.Empty(t, counts)

	queued := NewJob("p", "", "a.mp4")
	claimed := NewJob("p", "", "b.mp4")
	claimed.CreatedAt = claimed.CreatedAt.Add(-time.Second)
	require.NoError(t, store.Create(queued))
	require.NoError(t, store.Create(claimed))

	job, err := store.ClaimNext()
	require.NoError(t, err)
	require.Equal(t, claimed.ID, job.ID)

	counts, err = store.CountByStatus()
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StatusQueued])
	assert.Equal(t, 1, counts[StatusRunning])
}
