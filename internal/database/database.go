package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"stemdl/pkg/models"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// Database wraps a *sql.DB holding run history: runs, downloaded stems and
// permanent failures. It is safe for concurrent use because the underlying
// *sql.DB is concurrency-safe.
type Database struct {
	conn   *sql.DB
	logger *logrus.Logger

	// Prepared statements for the per-item hot path
	upsertStemStmt   *sql.Stmt
	getStemStmt      *sql.Stmt
	insertFailStmt   *sql.Stmt
	resolveFailsStmt *sql.Stmt
}

// NewDatabase opens (or creates) a SQLite database at the provided path and
// ensures all required tables and indices exist. Caller should Close() it
// when finished.
func NewDatabase(dbPath string, logger *logrus.Logger) (*Database, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", dbPath+"?cache=shared&mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool - adjusted for SQLite
	conn.SetMaxOpenConns(5)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(15 * time.Minute)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=memory;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}

	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			logger.WithError(err).WithField("pragma", pragma).Warn("Failed to set pragma")
		}
	}

	db := &Database{
		conn:   conn,
		logger: logger,
	}

	if err := db.createTables(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	if err := db.prepareStatements(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	logger.WithField("db_path", dbPath).Debug("Database initialized")
	return db, nil
}

// createTables creates tables and indices if they do not already exist
func (db *Database) createTables() error {
	runsTable := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		status TEXT NOT NULL,
		songs INTEGER DEFAULT 0,
		downloaded INTEGER DEFAULT 0,
		failed INTEGER DEFAULT 0
	);`

	// One row per (song, track index): the latest successful download
	stemsTable := `
	CREATE TABLE IF NOT EXISTS stems (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		song_url TEXT NOT NULL,
		song_name TEXT,
		track_index INTEGER NOT NULL,
		track_name TEXT NOT NULL,
		file_path TEXT NOT NULL,
		file_size INTEGER NOT NULL,
		downloaded_at DATETIME NOT NULL,
		UNIQUE (song_url, track_index)
	);`

	failuresTable := `
	CREATE TABLE IF NOT EXISTS failures (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		song_url TEXT NOT NULL,
		song_name TEXT,
		track_index INTEGER NOT NULL,
		track_name TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		reason TEXT,
		recorded_at DATETIME NOT NULL,
		resolved BOOLEAN DEFAULT FALSE
	);`

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);",
		"CREATE INDEX IF NOT EXISTS idx_stems_run ON stems(run_id);",
		"CREATE INDEX IF NOT EXISTS idx_failures_item ON failures(song_url, track_index);",
		"CREATE INDEX IF NOT EXISTS idx_failures_run ON failures(run_id);",
	}

	for _, table := range []string{runsTable, stemsTable, failuresTable} {
		if _, err := db.conn.Exec(table); err != nil {
			return err
		}
	}

	for _, index := range indices {
		if _, err := db.conn.Exec(index); err != nil {
			return err
		}
	}

	return nil
}

// prepareStatements prepares the statements used once per WorkItem
func (db *Database) prepareStatements() error {
	var err error

	db.upsertStemStmt, err = db.conn.Prepare(`
		INSERT INTO stems (run_id, song_url, song_name, track_index, track_name, file_path, file_size, downloaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(song_url, track_index) DO UPDATE SET
			run_id=excluded.run_id,
			song_name=excluded.song_name,
			track_name=excluded.track_name,
			file_path=excluded.file_path,
			file_size=excluded.file_size,
			downloaded_at=excluded.downloaded_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert stem statement: %w", err)
	}

	db.getStemStmt, err = db.conn.Prepare(`
		SELECT id, run_id, song_url, song_name, track_index, track_name, file_path, file_size, downloaded_at
		FROM stems WHERE song_url = ? AND track_index = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare get stem statement: %w", err)
	}

	db.insertFailStmt, err = db.conn.Prepare(`
		INSERT INTO failures (run_id, song_url, song_name, track_index, track_name, attempt, reason, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert failure statement: %w", err)
	}

	db.resolveFailsStmt, err = db.conn.Prepare(`
		UPDATE failures SET resolved = TRUE WHERE song_url = ? AND track_index = ? AND resolved = FALSE`)
	if err != nil {
		return fmt.Errorf("failed to prepare resolve failures statement: %w", err)
	}

	return nil
}

// StartRun records the beginning of a run
func (db *Database) StartRun(id string, songs int) error {
	_, err := db.conn.Exec(`
		INSERT INTO runs (id, started_at, status, songs) VALUES (?, ?, ?, ?)`,
		id, time.Now().UTC(), models.RunRunning, songs)
	if err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}
	return nil
}

// FinishRun stores the outcome of a run
func (db *Database) FinishRun(id string, status models.RunStatus, downloaded, failed int) error {
	res, err := db.conn.Exec(`
		UPDATE runs SET finished_at = ?, status = ?, downloaded = ?, failed = ? WHERE id = ?`,
		time.Now().UTC(), status, downloaded, failed, id)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// RecordDownload stores a finished stem and resolves earlier failures of
// the same item.
func (db *Database) RecordDownload(runID string, item models.WorkItem, filePath string) error {
	var size int64
	if info, err := os.Stat(filePath); err == nil {
		size = info.Size()
	}

	if _, err := db.upsertStemStmt.Exec(runID, item.SongURL, item.SongName, item.TrackIndex,
		item.TrackName, filePath, size, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to record download: %w", err)
	}
	if _, err := db.resolveFailsStmt.Exec(item.SongURL, item.TrackIndex); err != nil {
		return fmt.Errorf("failed to resolve failures: %w", err)
	}
	return nil
}

// GetStem returns the recorded download of item, or nil when there is none
func (db *Database) GetStem(item models.WorkItem) (*models.Stem, error) {
	var stem models.Stem
	var songName sql.NullString
	err := db.getStemStmt.QueryRow(item.SongURL, item.TrackIndex).Scan(
		&stem.ID, &stem.RunID, &stem.SongURL, &songName, &stem.TrackIndex,
		&stem.TrackName, &stem.FilePath, &stem.FileSize, &stem.DownloadedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	stem.SongName = songName.String
	return &stem, nil
}

// IsDownloaded reports whether item was downloaded before and its file is
// still on disk.
func (db *Database) IsDownloaded(item models.WorkItem) (bool, error) {
	stem, err := db.GetStem(item)
	if err != nil || stem == nil {
		return false, err
	}
	if _, err := os.Stat(stem.FilePath); err != nil {
		return false, nil
	}
	return true, nil
}

// FailureStore binds permanent failure records to one run
type FailureStore struct {
	db    *Database
	runID string
}

// Failures returns a store recording permanent failures under runID
func (db *Database) Failures(runID string) *FailureStore {
	return &FailureStore{db: db, runID: runID}
}

// RecordPermanentFailure stores rec
func (s *FailureStore) RecordPermanentFailure(rec models.FailureRecord) error {
	_, err := s.db.insertFailStmt.Exec(s.runID, rec.Item.SongURL, rec.Item.SongName, rec.Item.TrackIndex,
		rec.Item.TrackName, rec.Attempt, rec.Reason, rec.RecordedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}
	return nil
}

// UnresolvedFailures returns the permanent failures no later run recovered,
// newest first.
func (db *Database) UnresolvedFailures() ([]models.FailureRecord, error) {
	rows, err := db.conn.Query(`
		SELECT song_url, song_name, track_index, track_name, attempt, reason, recorded_at
		FROM failures WHERE resolved = FALSE ORDER BY recorded_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.FailureRecord
	for rows.Next() {
		var rec models.FailureRecord
		var songName, reason sql.NullString
		if err := rows.Scan(&rec.Item.SongURL, &songName, &rec.Item.TrackIndex, &rec.Item.TrackName,
			&rec.Attempt, &reason, &rec.RecordedAt); err != nil {
			return nil, err
		}
		rec.Item.SongName = songName.String
		rec.Reason = reason.String
		records = append(records, rec)
	}
	return records, rows.Err()
}

// RecentRuns returns up to limit runs, newest first
func (db *Database) RecentRuns(limit int) ([]models.Run, error) {
	rows, err := db.conn.Query(`
		SELECT id, started_at, finished_at, status, songs, downloaded, failed
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		var run models.Run
		var finished sql.NullTime
		if err := rows.Scan(&run.ID, &run.StartedAt, &finished, &run.Status,
			&run.Songs, &run.Downloaded, &run.Failed); err != nil {
			return nil, err
		}
		if finished.Valid {
			t := finished.Time
			run.FinishedAt = &t
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Close closes the underlying database connection and prepared statements.
func (db *Database) Close() error {
	statements := []*sql.Stmt{
		db.upsertStemStmt,
		db.getStemStmt,
		db.insertFailStmt,
		db.resolveFailsStmt,
	}

	for _, stmt := range statements {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				db.logger.WithError(err).Error("Failed to close prepared statement")
			}
		}
	}

	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
