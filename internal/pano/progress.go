package pano

import (
	"database/sql"
	"time"

	"github.com/streetlab/panobench/internal/db"
)

// Progress is one player's standing on one task.
type Progress struct {
	PlayerID      string     `json:"player_id"`
	TaskID        string     `json:"task_id"`
	SessionID     string     `json:"session_id,omitempty"`
	Status        string     `json:"status"`
	Score         *float64   `json:"score,omitempty"`
	Attempts      int        `json:"attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
}

// ProgressStore persists per-player task progress.
type ProgressStore struct {
	db *db.DB
}

// NewProgressStore creates a ProgressStore backed by the given database.
func NewProgressStore(database *db.DB) *ProgressStore {
	return &ProgressStore{db: database}
}

// RecordAttempt upserts the progress row for (playerID, taskID) after a
// session reaches a terminal state. Attempts accumulate across sessions.
func (s *ProgressStore) RecordAttempt(playerID, taskID, sessionID, status string, score float64) error {
	_, err := s.db.Exec(
		`INSERT INTO player_progress (player_id, task_id, session_id, status, score, attempts, last_attempt_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?)
		 ON CONFLICT(player_id, task_id) DO UPDATE SET
			session_id = excluded.session_id,
			status = excluded.status,
			score = MAX(COALESCE(player_progress.score, 0), excluded.score),
			attempts = player_progress.attempts + 1,
			last_attempt_at = excluded.last_attempt_at`,
		playerID, taskID, sessionID, status, score, time.Now().UTC(),
	)
	return err
}

// ForPlayer returns all progress rows for a player.
func (s *ProgressStore) ForPlayer(playerID string) ([]Progress, error) {
	rows, err := s.db.Query(
		`SELECT player_id, task_id, session_id, status, score, attempts, last_attempt_at
		 FROM player_progress WHERE player_id = ? ORDER BY task_id`, playerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var progress []Progress
	for rows.Next() {
		var (
			p         Progress
			sessionID sql.NullString
			score     sql.NullFloat64
			lastAt    sql.NullTime
		)
		if err := rows.Scan(&p.PlayerID, &p.TaskID, &sessionID, &p.Status, &score, &p.Attempts, &lastAt); err != nil {
			return nil, err
		}
		p.SessionID = sessionID.String
		if score.Valid {
			v := score.Float64
			p.Score = &v
		}
		if lastAt.Valid {
			t := lastAt.Time
			p.LastAttemptAt = &t
		}
		progress = append(progress, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return progress, nil
}
