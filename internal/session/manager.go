package session

import (
	"encoding/json"
	"errors"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streetlab/panobench/internal/config"
	"github.com/streetlab/panobench/internal/db"
	"github.com/streetlab/panobench/internal/pano"
)

// Manager owns the live sessions of the process: creation, lookup, the
// monitor loop that expires stalled sessions, DB checkpoints, temp-image
// cleanup, and player progress updates on terminal transitions.
type Manager struct {
	deps     Deps
	tasks    *TaskStore
	db       *db.DB
	progress *pano.ProgressStore

	mu       sync.Mutex
	sessions map[string]*Session

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewManager creates a session manager. Call Start to launch the monitor
// loop and Stop on shutdown.
func NewManager(deps Deps, tasks *TaskStore, database *db.DB) *Manager {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Manager{
		deps:     deps,
		tasks:    tasks,
		db:       database,
		progress: pano.NewProgressStore(database),
		sessions: map[string]*Session{},
		stopChan: make(chan struct{}),
	}
}

// Start launches the monitor goroutine: every second it expires running
// sessions whose time budget has elapsed, and periodically sweeps expired
// temp images under the auto_expire policy.
func (m *Manager) Start() {
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		lastSweep := m.deps.Now()
		for {
			select {
			case <-ticker.C:
				m.expireStalled()
				if m.deps.Settings.GetTempImageCleanupPolicy() == config.CleanupAutoExpire &&
					m.deps.Now().Sub(lastSweep) >= time.Minute {
					m.sweepExpiredImages()
					lastSweep = m.deps.Now()
				}
			case <-m.stopChan:
				return
			}
		}
	}()
}

// Stop halts the monitor loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
}

func (m *Manager) expireStalled() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		if s.ExpireIfOverTime() {
			log.Printf("session %s timed out", s.ID)
			m.checkpoint(s)
			m.onTerminal(s)
		}
	}
}

// Create starts a new session for (agentID, taskID) and returns it with the
// initial observation.
func (m *Manager) Create(agentID, taskID string, mode Mode) (*Session, *Observation, error) {
	task, err := m.tasks.Load(taskID)
	if err != nil {
		return nil, nil, err
	}

	if mode != ModeAgent && mode != ModeHuman {
		return nil, nil, engineErr(KindActionInvalid, "unknown mode %q", mode)
	}

	if !m.deps.Fences.Contains(task.Geofence, task.SpawnPoint) {
		return nil, nil, engineErr(KindBadTask,
			"task %s spawn point %s is outside geofence %s", taskID, task.SpawnPoint, task.Geofence)
	}

	s := newSession(uuid.NewString(), agentID, mode, task, m.deps)

	if err := m.deps.Logger.LogStart(StartRecord{
		SessionID:       s.ID,
		AgentID:         agentID,
		TaskID:          taskID,
		Mode:            string(mode),
		Timestamp:       nowISO(),
		InitialState:    s.state,
		TaskDescription: task.Description,
	}); err != nil {
		return nil, nil, err
	}

	obs, err := s.Observe()
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.checkpoint(s)
	return s, obs, nil
}

// Get returns a live session by ID, falling back to the DB checkpoint for
// sessions no longer held in memory (ended ones, or ones that survived a
// restart).
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if ok {
		return s, nil
	}

	s, err := m.restore(sessionID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[sessionID] = s
	m.mu.Unlock()
	return s, nil
}

// Execute runs one action against a session, checkpointing afterwards and
// handling terminal bookkeeping.
func (m *Manager) Execute(sessionID string, action Action) (*ActionResult, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}

	result, err := s.Execute(action)
	if err != nil {
		var ee *EngineError
		if errors.As(err, &ee) && ee.Kind == KindOutOfGeofence {
			// Invariant violation: stop the session rather than let it
			// keep acting from an illegal position.
			s.Fail()
			m.checkpoint(s)
			m.onTerminal(s)
		}
		return nil, err
	}

	m.checkpoint(s)
	if result.Done {
		m.onTerminal(s)
	}
	return result, nil
}

// End terminates a session and returns its summary.
func (m *Manager) End(sessionID string) (Summary, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return Summary{}, err
	}

	summary, err := s.End()
	if err != nil {
		return Summary{}, err
	}

	m.checkpoint(s)
	m.onTerminal(s)
	return summary, nil
}

// Pause pauses a human session.
func (m *Manager) Pause(sessionID string) error {
	s, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	if err := s.Pause(); err != nil {
		return err
	}
	m.checkpoint(s)
	return nil
}

// Resume resumes a paused human session.
func (m *Manager) Resume(sessionID string) (*Session, *Observation, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return nil, nil, err
	}
	if err := s.Resume(); err != nil {
		return nil, nil, err
	}
	m.checkpoint(s)

	obs, err := s.Observe()
	if err != nil {
		return nil, nil, err
	}
	return s, obs, nil
}

// onTerminal runs the per-policy temp image cleanup and records player
// progress once a session reaches a terminal state.
func (m *Manager) onTerminal(s *Session) {
	status, state, _, _, _ := s.Snapshot()
	if !status.Terminal() {
		return
	}

	score := 0.0
	for _, target := range s.Task.TargetPanoIDs {
		if target == state.PanoID {
			score = 1.0
			break
		}
	}
	if err := m.progress.RecordAttempt(s.AgentID, s.Task.TaskID, s.ID, string(status), score); err != nil {
		log.Printf("failed to record progress for %s: %v", s.ID, err)
	}

	switch m.deps.Settings.GetTempImageCleanupPolicy() {
	case config.CleanupKeepAll, config.CleanupAutoExpire, config.CleanupDeleteOnSend:
		// Nothing to do at session end.
	case config.CleanupKeepOnComplete:
		if status != StatusCompleted {
			m.removeSessionImages(s.ID)
		}
	default: // delete_on_session_end
		m.removeSessionImages(s.ID)
	}

	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()
}

func (m *Manager) removeSessionImages(sessionID string) {
	dir := filepath.Join(m.deps.TempDir, sessionID)
	if err := m.deps.FS.RemoveAll(dir); err != nil {
		log.Printf("failed to remove temp images for %s: %v", sessionID, err)
	}
}

// sweepExpiredImages removes session temp directories older than the
// configured expiry horizon.
func (m *Manager) sweepExpiredImages() {
	horizon := time.Duration(m.deps.Settings.GetTempImageExpireHours()) * time.Hour
	cutoff := m.deps.Now().Add(-horizon)

	dirs, err := m.deps.FS.SubDirs(m.deps.TempDir)
	if err != nil {
		log.Printf("temp image sweep failed: %v", err)
		return
	}
	for _, d := range dirs {
		if d.ModTime.Before(cutoff) {
			if err := m.deps.FS.RemoveAll(d.Path); err != nil {
				log.Printf("failed to expire %s: %v", d.Path, err)
			}
		}
	}
}

// ActiveSessions returns the checkpoints of all live sessions.
func (m *Manager) ActiveSessions() []Checkpoint {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	rows := make([]Checkpoint, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, s.CheckpointRow())
	}
	return rows
}

// Tasks exposes the task store.
func (m *Manager) Tasks() *TaskStore { return m.tasks }

// Logger exposes the step logger for replay endpoints.
func (m *Manager) Logger() *StepLogger { return m.deps.Logger }

// Progress exposes the player progress store.
func (m *Manager) Progress() *pano.ProgressStore { return m.progress }

// checkpoint persists the session row; failures are logged, not fatal, as
// the step log is the durable record.
func (m *Manager) checkpoint(s *Session) {
	row := s.CheckpointRow()
	trajectory, err := json.Marshal(row.Trajectory)
	if err != nil {
		log.Printf("failed to marshal trajectory for %s: %v", row.SessionID, err)
		return
	}
	_, err = m.db.Exec(
		`INSERT OR REPLACE INTO sessions
		 (session_id, agent_id, task_id, mode, status, current_pano_id,
		  current_heading, current_pitch, current_fov, step_count, elapsed_time,
		  trajectory, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.SessionID, row.AgentID, row.TaskID, row.Mode, row.Status,
		row.State.PanoID, row.State.Heading, row.State.Pitch, row.State.FOV,
		row.StepCount, row.Elapsed, string(trajectory), m.deps.Now().UTC(),
	)
	if err != nil {
		log.Printf("failed to checkpoint session %s: %v", row.SessionID, err)
	}
}

// restore rebuilds a session from its DB checkpoint, whatever its mode or
// status. Anything terminal stays terminal, so later actions on it are
// rejected as session_terminated.
func (m *Manager) restore(sessionID string) (*Session, error) {
	var (
		row        Checkpoint
		trajectory string
	)
	err := m.db.QueryRow(
		`SELECT session_id, agent_id, task_id, mode, status, current_pano_id,
		        current_heading, current_pitch, current_fov, step_count,
		        elapsed_time, trajectory
		 FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&row.SessionID, &row.AgentID, &row.TaskID, &row.Mode, &row.Status,
		&row.State.PanoID, &row.State.Heading, &row.State.Pitch, &row.State.FOV,
		&row.StepCount, &row.Elapsed, &trajectory)
	if err != nil {
		return nil, engineErr(KindSessionNotFound, "session not found: %s", sessionID)
	}

	task, err := m.tasks.Load(row.TaskID)
	if err != nil {
		return nil, err
	}

	s := newSession(row.SessionID, row.AgentID, Mode(row.Mode), task, m.deps)
	s.status = Status(row.Status)
	s.state = row.State
	s.stepCount = row.StepCount
	// Reconstruct the clock so the already-consumed budget stays consumed.
	s.startedAt = m.deps.Now().Add(-time.Duration(row.Elapsed * float64(time.Second)))
	if s.status == StatusPaused {
		s.pausedAt = m.deps.Now()
	}
	if trajectory != "" {
		if err := json.Unmarshal([]byte(trajectory), &s.trajectory); err != nil || len(s.trajectory) == 0 {
			s.trajectory = []string{row.State.PanoID}
		}
	}
	return s, nil
}
