package session

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/streetlab/panobench/internal/fsutil"
)

// StepLogger writes the replayable session history: one JSON-Lines file per
// session plus a summary document on termination. Appends are synced before
// returning, so a crash never reorders history.
type StepLogger struct {
	fs      fsutil.FileSystem
	logsDir string
}

// NewStepLogger creates a logger writing under logsDir.
func NewStepLogger(fs fsutil.FileSystem, logsDir string) (*StepLogger, error) {
	if err := fs.MkdirAll(logsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create logs dir: %w", err)
	}
	return &StepLogger{fs: fs, logsDir: logsDir}, nil
}

// LogPath returns the step-log path for a session.
func (l *StepLogger) LogPath(sessionID string) string {
	return filepath.Join(l.logsDir, sessionID+".jsonl")
}

// SummaryPath returns the summary path for a session.
func (l *StepLogger) SummaryPath(sessionID string) string {
	return filepath.Join(l.logsDir, sessionID+".summary.json")
}

// StartRecord is the first line of every session log.
type StartRecord struct {
	Event           string `json:"event"`
	SessionID       string `json:"session_id"`
	AgentID         string `json:"agent_id"`
	TaskID          string `json:"task_id"`
	Mode            string `json:"mode"`
	Timestamp       string `json:"timestamp"`
	InitialState    State  `json:"initial_state"`
	TaskDescription string `json:"task_description"`
}

// StepRecord is one executed action.
type StepRecord struct {
	Event          string `json:"event"`
	SessionID      string `json:"session_id"`
	Timestamp      string `json:"timestamp"`
	Step           int    `json:"step"`
	State          State  `json:"state"`
	Action         Action `json:"action"`
	AvailableMoves []Move `json:"available_moves"`
	ImagePath      string `json:"image_path,omitempty"`
}

// Summary is persisted beside the step log when a session terminates.
type Summary struct {
	Event           string   `json:"event"`
	SessionID       string   `json:"session_id"`
	AgentID         string   `json:"agent_id"`
	TaskID          string   `json:"task_id"`
	Timestamp       string   `json:"timestamp"`
	Status          string   `json:"status"`
	DoneReason      string   `json:"done_reason"`
	TotalSteps      int      `json:"total_steps"`
	ElapsedSeconds  float64  `json:"elapsed_seconds"`
	FinalPanoID     string   `json:"final_pano_id"`
	Trajectory      []string `json:"trajectory"`
	ReachedTarget   bool     `json:"reached_target"`
	SubmittedAnswer string   `json:"submitted_answer,omitempty"`
}

func (l *StepLogger) append(sessionID string, record interface{}) error {
	data, err := json.Marshal(record)
	if err != nil {
		return wrapErr(KindLogWriteFailed, err, "failed to marshal log record")
	}
	if err := l.fs.Append(l.LogPath(sessionID), append(data, '\n')); err != nil {
		return wrapErr(KindLogWriteFailed, err, "failed to append log record")
	}
	return nil
}

// LogStart records session creation.
func (l *StepLogger) LogStart(rec StartRecord) error {
	rec.Event = "session_start"
	return l.append(rec.SessionID, rec)
}

// LogStep records one executed action. The caller invokes this before
// committing the transition (log-then-commit).
func (l *StepLogger) LogStep(rec StepRecord) error {
	rec.Event = "action"
	return l.append(rec.SessionID, rec)
}

// LogEnd appends the summary to the step log and writes the standalone
// summary document.
func (l *StepLogger) LogEnd(summary Summary) error {
	summary.Event = "session_end"
	if err := l.append(summary.SessionID, summary); err != nil {
		return err
	}

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return wrapErr(KindLogWriteFailed, err, "failed to marshal summary")
	}
	if err := l.fs.WriteFile(l.SummaryPath(summary.SessionID), data, 0o644); err != nil {
		return wrapErr(KindLogWriteFailed, err, "failed to write summary")
	}
	return nil
}

// Read returns all log records for a session as raw JSON objects.
func (l *StepLogger) Read(sessionID string) ([]json.RawMessage, error) {
	data, err := l.fs.ReadFile(l.LogPath(sessionID))
	if err != nil {
		return nil, err
	}

	var entries []json.RawMessage
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		entries = append(entries, json.RawMessage(line))
	}
	return entries, nil
}

// ReadSummary returns the persisted summary for a session, if any.
func (l *StepLogger) ReadSummary(sessionID string) (*Summary, error) {
	data, err := l.fs.ReadFile(l.SummaryPath(sessionID))
	if err != nil {
		return nil, err
	}
	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSessions returns the IDs of all sessions with a step log, sorted.
func (l *StepLogger) ListSessions() ([]string, error) {
	matches, err := l.fs.Glob(filepath.Join(l.logsDir, "*.jsonl"))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, strings.TrimSuffix(filepath.Base(m), ".jsonl"))
	}
	return ids, nil
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
