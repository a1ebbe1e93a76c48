package db

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// DB records build and run history.
type DB struct {
	db *sql.DB
}

func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	for _, stmt := range []string{createBuilds, createRuns} {
		if _, err := sqlDB.Exec(stmt); err != nil {
			sqlDB.Close()
			return nil, err
		}
	}
	return &DB{db: sqlDB}, nil
}

const createBuilds = `
		CREATE TABLE IF NOT EXISTS builds (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			image_id TEXT,
			tag TEXT,
			context TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			duration_ms INTEGER NOT NULL,
			files INTEGER,
			error TEXT
		)`

const createRuns = `
		CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			image_id TEXT NOT NULL,
			entrypoint TEXT NOT NULL,
			runtime TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			duration_ms INTEGER NOT NULL,
			exit_code INTEGER NOT NULL,
			error TEXT,
			blob_reads INTEGER NOT NULL DEFAULT 0,
			disk_cache_hits INTEGER NOT NULL DEFAULT 0,
			server_fetches INTEGER NOT NULL DEFAULT 0
		)`

func (d *DB) Close() error {
	return d.db.Close()
}

type BuildRecord struct {
	ID         int64     `json:"id"`
	ImageID    string    `json:"image_id"`
	Tag        string    `json:"tag"`
	Context    string    `json:"context"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	Files      int       `json:"files"`
	Error      string    `json:"error"` // empty when the build succeeded
}

type RunRecord struct {
	ID         int64     `json:"id"`
	ImageID    string    `json:"image_id"`
	Entrypoint string    `json:"entrypoint"`
	Runtime    string    `json:"runtime"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	ExitCode   int       `json:"exit_code"`
	Error      string    `json:"error"`

	// filled for runs served over FUSE
	BlobReads     int64 `json:"blob_reads"`
	DiskCacheHits int64 `json:"disk_cache_hits"`
	ServerFetches int64 `json:"server_fetches"`
}

func (d *DB) LogBuild(b BuildRecord) (int64, error) {
	res, err := d.db.Exec(`
		INSERT INTO builds (image_id, tag, context, started_at, duration_ms, files, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, b.ImageID, b.Tag, b.Context, b.StartedAt.UTC(), b.DurationMs, b.Files, b.Error)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (d *DB) LogRun(r RunRecord) (int64, error) {
	res, err := d.db.Exec(`
		INSERT INTO runs (image_id, entrypoint, runtime, started_at, duration_ms, exit_code, error, blob_reads, disk_cache_hits, server_fetches)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ImageID, r.Entrypoint, r.Runtime, r.StartedAt.UTC(), r.DurationMs, r.ExitCode, r.Error, r.BlobReads, r.DiskCacheHits, r.ServerFetches)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Runs returns every run, newest first.
func (d *DB) Runs() ([]RunRecord, error) {
	rows, err := d.db.Query("SELECT id, image_id, entrypoint, runtime, started_at, duration_ms, exit_code, COALESCE(error, ''), blob_reads, disk_cache_hits, server_fetches FROM runs ORDER BY id DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		if err := rows.Scan(&r.ID, &r.ImageID, &r.Entrypoint, &r.Runtime, &r.StartedAt, &r.DurationMs, &r.ExitCode, &r.Error, &r.BlobReads, &r.DiskCacheHits, &r.ServerFetches); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Builds returns every build attempt, newest first.
func (d *DB) Builds() ([]BuildRecord, error) {
	rows, err := d.db.Query("SELECT id, COALESCE(image_id, ''), COALESCE(tag, ''), context, started_at, duration_ms, COALESCE(files, 0), COALESCE(error, '') FROM builds ORDER BY id DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var builds []BuildRecord
	for rows.Next() {
		var b BuildRecord
		if err := rows.Scan(&b.ID, &b.ImageID, &b.Tag, &b.Context, &b.StartedAt, &b.DurationMs, &b.Files, &b.Error); err != nil {
			return nil, err
		}
		builds = append(builds, b)
	}
	return builds, rows.Err()
}
