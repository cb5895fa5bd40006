package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps the cache database. It is the single source of truth at runtime:
// panorama metadata, the image-file index, the coordinate lookup table, player
// progress, and session checkpoints all live here.
type DB struct {
	*sql.DB
}

// NewDB opens (creating if necessary) the cache database at path and applies
// the base schema. WAL mode lets many request-handler readers coexist with
// the single preloader writer.
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS panoramas (
			pano_id         TEXT NOT NULL,
			zoom            INTEGER NOT NULL,
			image_path      TEXT NOT NULL,
			fetched_at      TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (pano_id, zoom)
		);
		CREATE TABLE IF NOT EXISTS metadata (
			pano_id         TEXT PRIMARY KEY,
			lat             DOUBLE NOT NULL,
			lng             DOUBLE NOT NULL,
			capture_date    TEXT,
			center_heading  DOUBLE DEFAULT 0,
			links_json      TEXT,
			fetched_at      TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			source          TEXT
		);
		CREATE TABLE IF NOT EXISTS locations (
			pano_id         TEXT PRIMARY KEY,
			lat             DOUBLE NOT NULL,
			lng             DOUBLE NOT NULL
		);
		CREATE TABLE IF NOT EXISTS player_progress (
			player_id       TEXT NOT NULL,
			task_id         TEXT NOT NULL,
			session_id      TEXT,
			status          TEXT NOT NULL DEFAULT 'not_started',
			score           DOUBLE,
			attempts        INTEGER NOT NULL DEFAULT 0,
			last_attempt_at TIMESTAMP,
			PRIMARY KEY (player_id, task_id)
		);
		CREATE TABLE IF NOT EXISTS sessions (
			session_id      TEXT PRIMARY KEY,
			agent_id        TEXT NOT NULL,
			task_id         TEXT NOT NULL,
			mode            TEXT NOT NULL,
			status          TEXT NOT NULL,
			current_pano_id TEXT,
			current_heading DOUBLE DEFAULT 0,
			current_pitch   DOUBLE DEFAULT 0,
			current_fov     DOUBLE DEFAULT 90,
			step_count      INTEGER NOT NULL DEFAULT 0,
			elapsed_time    DOUBLE NOT NULL DEFAULT 0,
			trajectory      TEXT,
			updated_at      TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db}, nil
}
