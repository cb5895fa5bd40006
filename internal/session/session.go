package session

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/streetlab/panobench/internal/config"
	"github.com/streetlab/panobench/internal/fsutil"
	"github.com/streetlab/panobench/internal/nav"
	"github.com/streetlab/panobench/internal/pano"
	"github.com/streetlab/panobench/internal/render"
)

// Mode distinguishes automated agents from human players.
type Mode string

const (
	ModeAgent Mode = "agent"
	ModeHuman Mode = "human"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusTimeout   Status = "timeout"
	StatusStopped   Status = "stopped"
)

// Terminal reports whether the status admits no further actions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusTimeout || s == StatusStopped
}

// Done reasons.
const (
	DoneStopped  = "stopped"
	DoneMaxSteps = "max_steps"
	DoneMaxTime  = "max_time"
	DoneError    = "error"
)

// State is the agent's pose: where it stands and where it looks.
type State struct {
	PanoID  string  `json:"pano_id"`
	Heading float64 `json:"heading"`
	Pitch   float64 `json:"pitch"`
	FOV     float64 `json:"fov"`
}

// Action is one agent request against a session.
type Action struct {
	Type    string   `json:"type"`
	MoveID  *int     `json:"move_id,omitempty"`
	Heading *float64 `json:"heading,omitempty"`
	Pitch   *float64 `json:"pitch,omitempty"`
	FOV     *float64 `json:"fov,omitempty"`
	Answer  string   `json:"answer,omitempty"`
}

// Action types.
const (
	ActionMove     = "move"
	ActionRotation = "rotation"
	ActionStop     = "stop"
)

// Move is one entry of an observation's available_moves list. IDs are
// assigned per observation and are only valid for the very next action.
type Move struct {
	ID             int     `json:"id"`
	PanoID         string  `json:"pano_id"`
	Direction      string  `json:"direction"`
	DistanceMeters float64 `json:"distance"`
	Heading        float64 `json:"heading"`
	Virtual        bool    `json:"virtual,omitempty"`
}

// Observation is what the agent (or human player) sees after a transition.
type Observation struct {
	TaskDescription string  `json:"task_description"`
	CurrentImage    string  `json:"current_image,omitempty"`
	PanoramaURL     string  `json:"panorama_url,omitempty"`
	Heading         float64 `json:"heading"`
	Pitch           float64 `json:"pitch"`
	FOV             float64 `json:"fov"`
	CenterHeading   float64 `json:"center_heading"`
	AvailableMoves  []Move  `json:"available_moves"`
}

// ActionResult is the outcome of one action transition.
type ActionResult struct {
	Success     bool
	Observation *Observation
	Done        bool
	DoneReason  string
}

// Deps are the process-wide collaborators a session borrows. All reads; the
// only writes are rendered temp images, log appends, and DB checkpoints by
// the manager.
type Deps struct {
	Cache    *pano.Cache
	Fences   *nav.Geofences
	Settings *config.Settings
	Logger   *StepLogger
	FS       fsutil.FileSystem
	TempDir  string
	Now      func() time.Time
}

// Session is one run of one agent over one task. All transitions are
// serialized by the session mutex: two concurrent actions against the same
// session are totally ordered.
type Session struct {
	mu sync.Mutex

	ID      string
	AgentID string
	Mode    Mode
	Task    *Task

	deps Deps

	status          Status
	state           State
	stepCount       int
	startedAt       time.Time
	lastActiveAt    time.Time
	pausedAt        time.Time
	pausedTotal     time.Duration
	trajectory      []string
	doneReason      string
	submittedAnswer string
	finalElapsed    float64

	// Moves of the last emitted observation; their ids gate the next move.
	currentMoves []Move
}

// newSession builds the in-memory session object. The manager owns creation
// so that spawn validation, logging, and checkpointing happen in one place.
func newSession(id, agentID string, mode Mode, task *Task, deps Deps) *Session {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	now := deps.Now()
	return &Session{
		ID:      id,
		AgentID: agentID,
		Mode:    mode,
		Task:    task,
		deps:    deps,
		status:  StatusRunning,
		state: State{
			PanoID:  task.SpawnPoint,
			Heading: task.SpawnHeading,
			Pitch:   0,
			FOV:     deps.Settings.GetRenderDefaultFOV(),
		},
		startedAt:    now,
		lastActiveAt: now,
		trajectory:   []string{task.SpawnPoint},
	}
}

// elapsed returns wall-clock time in the session excluding paused intervals.
// Caller holds mu.
func (s *Session) elapsed() time.Duration {
	e := s.deps.Now().Sub(s.startedAt) - s.pausedTotal
	if !s.pausedAt.IsZero() {
		e -= s.deps.Now().Sub(s.pausedAt)
	}
	return e
}

// Snapshot returns the session's externally visible state.
func (s *Session) Snapshot() (Status, State, int, float64, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.state, s.stepCount, s.elapsed().Seconds(), s.doneReason
}

// Observe renders the current view and recomputes legal moves, without
// changing state beyond refreshing the observation's move ids.
func (s *Session) Observe() (*Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observeLocked()
}

// observeLocked builds the observation for the current state. Caller holds mu.
func (s *Session) observeLocked() (*Observation, error) {
	meta, err := s.deps.Cache.GetMeta(s.state.PanoID)
	if err != nil {
		if errors.Is(err, pano.ErrMetaNotFound) {
			return nil, engineErr(KindCacheMissMeta,
				"metadata for %s not cached; run preload for geofence %s", s.state.PanoID, s.Task.Geofence)
		}
		return nil, err
	}

	moves, err := s.legalMoves(meta)
	if err != nil {
		return nil, err
	}

	obs := &Observation{
		TaskDescription: s.Task.Description,
		Heading:         s.state.Heading,
		Pitch:           s.state.Pitch,
		FOV:             s.state.FOV,
		CenterHeading:   meta.CenterHeading,
		AvailableMoves:  moves,
	}

	zoom := s.deps.Settings.GetPanoramaZoomLevel()
	if s.Mode == ModeHuman {
		// Human mode gets the raw equirectangular panorama for the
		// client-side viewer.
		obs.PanoramaURL = fmt.Sprintf("/data/panoramas/%s_z%d.jpg", s.state.PanoID, zoom)
	} else {
		imagePath, err := s.renderStep(meta, zoom)
		if err != nil {
			return nil, err
		}
		obs.CurrentImage = fmt.Sprintf("/temp_images/%s/%s", s.ID, filepath.Base(imagePath))
	}

	s.currentMoves = moves
	return obs, nil
}

// legalMoves computes the geofence-filtered neighbour list with observation-
// local ids. Caller holds mu.
func (s *Session) legalMoves(meta *pano.Metadata) ([]Move, error) {
	targets := make([]string, 0, len(meta.Links))
	for _, l := range meta.Links {
		targets = append(targets, l.TargetPanoID)
	}
	locations, err := s.deps.Cache.GetLocations(targets)
	if err != nil {
		return nil, err
	}

	neighbours, err := s.deps.Fences.Neighbours(s.Task.Geofence, meta, s.state.Heading, locations)
	if err != nil {
		var oog *nav.ErrOutOfGeofence
		if errors.As(err, &oog) {
			return nil, wrapErr(KindOutOfGeofence, err, "session %s escaped its geofence", s.ID)
		}
		return nil, err
	}

	moves := make([]Move, 0, len(neighbours))
	for i, n := range neighbours {
		moves = append(moves, Move{
			ID:             i + 1,
			PanoID:         n.TargetPanoID,
			Direction:      n.Direction,
			DistanceMeters: n.DistanceMeters,
			Heading:        n.Heading,
			Virtual:        n.Virtual,
		})
	}
	return moves, nil
}

// renderStep renders the perspective view for the current state into the
// session's temp directory and returns the file path. Caller holds mu.
func (s *Session) renderStep(meta *pano.Metadata, zoom int) (string, error) {
	equirect, err := s.deps.Cache.ReadImage(s.state.PanoID, zoom)
	if err != nil {
		if errors.Is(err, pano.ErrImageNotFound) {
			return "", engineErr(KindCacheMissImage,
				"image for %s z%d not cached; run preload for geofence %s", s.state.PanoID, zoom, s.Task.Geofence)
		}
		return "", err
	}

	width, height := s.deps.Settings.GetRenderOutputSize()
	jpegBytes, err := render.Perspective(equirect, render.Options{
		Heading:       s.state.Heading,
		Pitch:         s.state.Pitch,
		FOV:           s.state.FOV,
		CenterHeading: meta.CenterHeading,
		Width:         width,
		Height:        height,
	})
	if err != nil {
		return "", fmt.Errorf("failed to render observation: %w", err)
	}

	dir := filepath.Join(s.deps.TempDir, s.ID)
	if err := s.deps.FS.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("step_%d.jpg", s.stepCount))
	if err := s.deps.FS.WriteFile(path, jpegBytes, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Execute applies one action, checks termination, logs the step, and emits
// the post-transition observation. Log writes happen before state commits:
// a failed log write leaves the session unchanged.
func (s *Session) Execute(action Action) (*ActionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		return nil, engineErr(KindSessionTerminated, "session %s is %s", s.ID, s.status)
	}
	if s.status == StatusPaused {
		return nil, engineErr(KindActionInvalid, "session %s is paused", s.ID)
	}

	switch action.Type {
	case ActionMove:
		return s.executeMove(action)
	case ActionRotation:
		return s.executeRotation(action)
	case ActionStop:
		return s.executeStop(action)
	default:
		return nil, engineErr(KindActionInvalid, "unknown action type %q", action.Type)
	}
}

func (s *Session) executeMove(action Action) (*ActionResult, error) {
	if action.MoveID == nil {
		return nil, engineErr(KindActionInvalid, "move requires move_id")
	}

	var target *Move
	for i := range s.currentMoves {
		if s.currentMoves[i].ID == *action.MoveID {
			target = &s.currentMoves[i]
			break
		}
	}
	if target == nil {
		return nil, engineErr(KindActionInvalid, "unknown move_id %d", *action.MoveID)
	}

	// Candidate state: land on the target facing the direction of travel.
	next := State{
		PanoID:  target.PanoID,
		Heading: target.Heading,
		Pitch:   s.state.Pitch,
		FOV:     s.deps.Settings.GetRenderDefaultFOV(),
	}
	nextStep := s.stepCount + 1

	if err := s.deps.Logger.LogStep(StepRecord{
		SessionID:      s.ID,
		Timestamp:      nowISO(),
		Step:           nextStep,
		State:          next,
		Action:         action,
		AvailableMoves: s.currentMoves,
		ImagePath:      filepath.Join(s.deps.TempDir, s.ID, fmt.Sprintf("step_%d.jpg", nextStep)),
	}); err != nil {
		return nil, err
	}

	// Commit.
	s.state = next
	s.stepCount = nextStep
	s.lastActiveAt = s.deps.Now()
	if s.trajectory[len(s.trajectory)-1] != next.PanoID {
		s.trajectory = append(s.trajectory, next.PanoID)
	}

	if reason := s.terminationLocked(); reason != "" {
		return s.finishLocked(reason)
	}

	obs, err := s.observeLocked()
	if err != nil {
		return nil, err
	}
	return &ActionResult{Success: true, Observation: obs}, nil
}

func (s *Session) executeRotation(action Action) (*ActionResult, error) {
	if s.Mode != ModeAgent {
		return nil, engineErr(KindActionInvalid, "rotation is only valid in agent mode")
	}

	next := s.state
	if action.Heading != nil {
		next.Heading = *action.Heading
	}
	if action.Pitch != nil {
		next.Pitch = *action.Pitch
	}
	if action.FOV != nil {
		next.FOV = *action.FOV
	}

	if next.Heading < 0 || next.Heading >= 360 {
		return nil, engineErr(KindRotationInvalid, "heading %f out of range [0,360)", next.Heading)
	}
	if next.Pitch < -85 || next.Pitch > 85 {
		return nil, engineErr(KindRotationInvalid, "pitch %f out of range [-85,85]", next.Pitch)
	}
	if next.FOV < 30 || next.FOV > 100 {
		return nil, engineErr(KindRotationInvalid, "fov %f out of range [30,100]", next.FOV)
	}

	// Rotation does not advance the step counter.
	if err := s.deps.Logger.LogStep(StepRecord{
		SessionID:      s.ID,
		Timestamp:      nowISO(),
		Step:           s.stepCount,
		State:          next,
		Action:         action,
		AvailableMoves: s.currentMoves,
	}); err != nil {
		return nil, err
	}

	s.state = next
	s.lastActiveAt = s.deps.Now()

	obs, err := s.observeLocked()
	if err != nil {
		return nil, err
	}
	return &ActionResult{Success: true, Observation: obs}, nil
}

func (s *Session) executeStop(action Action) (*ActionResult, error) {
	if err := s.deps.Logger.LogStep(StepRecord{
		SessionID:      s.ID,
		Timestamp:      nowISO(),
		Step:           s.stepCount,
		State:          s.state,
		Action:         action,
		AvailableMoves: s.currentMoves,
	}); err != nil {
		return nil, err
	}

	s.submittedAnswer = action.Answer
	return s.finishLocked(DoneStopped)
}

// terminationLocked evaluates the step and time budgets. Caller holds mu.
func (s *Session) terminationLocked() string {
	if s.Task.MaxSteps != nil && s.stepCount >= *s.Task.MaxSteps {
		return DoneMaxSteps
	}
	if s.Task.MaxTimeSeconds != nil && s.elapsed().Seconds() >= *s.Task.MaxTimeSeconds {
		return DoneMaxTime
	}
	return ""
}

// finishLocked moves the session to its terminal status and persists the
// summary. Caller holds mu.
func (s *Session) finishLocked(reason string) (*ActionResult, error) {
	prevStatus, prevReason := s.status, s.doneReason
	switch reason {
	case DoneMaxSteps:
		s.status = StatusCompleted
	case DoneMaxTime:
		s.status = StatusTimeout
	default:
		s.status = StatusStopped
	}
	s.doneReason = reason
	s.finalElapsed = s.elapsed().Seconds()

	if err := s.deps.Logger.LogEnd(s.summaryLocked()); err != nil {
		// No summary was written: the session keeps its previous status.
		s.status, s.doneReason = prevStatus, prevReason
		if s.status == StatusPaused && s.pausedAt.IsZero() {
			// End folded the pause into pausedTotal; resume pause accounting.
			s.pausedAt = s.deps.Now()
		}
		return nil, err
	}

	return &ActionResult{Success: true, Done: true, DoneReason: reason}, nil
}

// summaryLocked builds the terminal summary. Caller holds mu.
func (s *Session) summaryLocked() Summary {
	reached := false
	for _, target := range s.Task.TargetPanoIDs {
		if target == s.state.PanoID {
			reached = true
			break
		}
	}
	elapsed := s.elapsed().Seconds()
	if s.status.Terminal() {
		elapsed = s.finalElapsed
	}
	return Summary{
		SessionID:       s.ID,
		AgentID:         s.AgentID,
		TaskID:          s.Task.TaskID,
		Timestamp:       nowISO(),
		Status:          string(s.status),
		DoneReason:      s.doneReason,
		TotalSteps:      s.stepCount,
		ElapsedSeconds:  elapsed,
		FinalPanoID:     s.state.PanoID,
		Trajectory:      append([]string(nil), s.trajectory...),
		ReachedTarget:   reached,
		SubmittedAnswer: s.submittedAnswer,
	}
}

// Fail force-stops a session after an invariant violation such as escaping
// the geofence. The summary records done_reason "error".
func (s *Session) Fail() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		return
	}
	s.status = StatusStopped
	s.doneReason = DoneError
	s.finalElapsed = s.elapsed().Seconds()
	if err := s.deps.Logger.LogEnd(s.summaryLocked()); err != nil {
		// The violation is already being surfaced; nothing left to abort.
		log.Printf("failed to write failure summary for %s: %v", s.ID, err)
	}
}

// Pause stops time accounting for a human session.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Mode != ModeHuman {
		return engineErr(KindActionInvalid, "pause is only valid in human mode")
	}
	if s.status.Terminal() {
		return engineErr(KindSessionTerminated, "session %s is %s", s.ID, s.status)
	}
	if s.status == StatusPaused {
		return nil
	}
	s.status = StatusPaused
	s.pausedAt = s.deps.Now()
	return nil
}

// Resume restarts time accounting for a paused human session.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Mode != ModeHuman {
		return engineErr(KindActionInvalid, "resume is only valid in human mode")
	}
	if s.status.Terminal() {
		return engineErr(KindSessionTerminated, "session %s is %s", s.ID, s.status)
	}
	if s.status != StatusPaused {
		return nil
	}
	s.pausedTotal += s.deps.Now().Sub(s.pausedAt)
	s.pausedAt = time.Time{}
	s.status = StatusRunning
	return nil
}

// End terminates the session without an answer if it is not already
// terminal, and returns the summary.
func (s *Session) End() (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.status.Terminal() {
		if !s.pausedAt.IsZero() {
			s.pausedTotal += s.deps.Now().Sub(s.pausedAt)
			s.pausedAt = time.Time{}
		}
		if _, err := s.finishLocked(DoneStopped); err != nil {
			return Summary{}, err
		}
	}
	return s.summaryLocked(), nil
}

// ExpireIfOverTime terminates the session if its time budget has elapsed.
// The manager's monitor loop calls this every second. Returns true when the
// session transitioned to timeout.
func (s *Session) ExpireIfOverTime() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusRunning || s.Task.MaxTimeSeconds == nil {
		return false
	}
	if s.elapsed().Seconds() < *s.Task.MaxTimeSeconds {
		return false
	}
	// A log failure here leaves the session running; the next wake retries.
	if _, err := s.finishLocked(DoneMaxTime); err != nil {
		return false
	}
	return true
}

// Checkpoint captures the row persisted by the manager after transitions.
type Checkpoint struct {
	SessionID  string
	AgentID    string
	TaskID     string
	Mode       string
	Status     string
	State      State
	StepCount  int
	Elapsed    float64
	Trajectory []string
}

// CheckpointRow returns the session's current checkpoint.
func (s *Session) CheckpointRow() Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Checkpoint{
		SessionID:  s.ID,
		AgentID:    s.AgentID,
		TaskID:     s.Task.TaskID,
		Mode:       string(s.Mode),
		Status:     string(s.status),
		State:      s.state,
		StepCount:  s.stepCount,
		Elapsed:    s.elapsed().Seconds(),
		Trajectory: append([]string(nil), s.trajectory...),
	}
}
