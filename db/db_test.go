package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestRuns(t *testing.T) {
	d := openTestDB(t)
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	first, err := d.LogRun(RunRecord{ImageID: "abc", Entrypoint: "python task.py", Runtime: "process", StartedAt: started, DurationMs: 20, ExitCode: 0})
	require.NoError(t, err)
	second, err := d.LogRun(RunRecord{ImageID: "abc", Entrypoint: "python task.py", Runtime: "runc", StartedAt: started.Add(time.Minute), DurationMs: 5, ExitCode: 3})
	require.NoError(t, err)
	assert.Greater(t, second, first)

	runs, err := d.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second, runs[0].ID)
	assert.Equal(t, 3, runs[0].ExitCode)
	assert.Equal(t, "runc", runs[0].Runtime)
	assert.True(t, started.Equal(runs[1].StartedAt))
	assert.Zero(t, runs[0].BlobReads)
}

func TestRunsRecordFilesystemCounters(t *testing.T) {
	d := openTestDB(t)

	_, err := d.LogRun(RunRecord{
		ImageID:       "abc",
		Entrypoint:    "python task.py",
		Runtime:       "process",
		StartedAt:     time.Now(),
		BlobReads:     7,
		DiskCacheHits: 5,
		ServerFetches: 2,
	})
	require.NoError(t, err)

	runs, err := d.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, int64(7), runs[0].BlobReads)
	assert.Equal(t, int64(5), runs[0].DiskCacheHits)
	assert.Equal(t, int64(2), runs[0].ServerFetches)
}

func TestBuilds(t *testing.T) {
	d := openTestDB(t)

	_, err := d.LogBuild(BuildRecord{Context: "/src", StartedAt: time.Now(), DurationMs: 100, Error: "dependency install failed"})
	require.NoError(t, err)
	_, err = d.LogBuild(BuildRecord{ImageID: "abc", Tag: "bot", Context: "/src", StartedAt: time.Now(), DurationMs: 200, Files: 12})
	require.NoError(t, err)

	builds, err := d.Builds()
	require.NoError(t, err)
	require.Len(t, builds, 2)
	assert.Equal(t, "bot", builds[0].Tag)
	assert.Equal(t, 12, builds[0].Files)
	assert.Empty(t, builds[0].Error)
	assert.Empty(t, builds[1].ImageID)
	assert.Equal(t, "dependency install failed", builds[1].Error)
}

func TestOpenIsIdempotent(t *testing.T) {
	p := filepath.Join(t.TempDir(), "history.db")
	d, err := Open(p)
	require.NoError(t, err)
	_, err = d.LogRun(RunRecord{ImageID: "abc", Entrypoint: "task.py", Runtime: "process", StartedAt: time.Now()})
	require.NoError(t, err)
	require.NoError(t, d.Close())

	d, err = Open(p)
	require.NoError(t, err)
	defer d.Close()
	runs, err := d.Runs()
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
