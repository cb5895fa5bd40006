package session

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/streetlab/panobench/internal/fsutil"
)

// Task types supported by the benchmark.
const (
	TaskNavigationToPOI   = "navigation_to_poi"
	TaskExplorationFindPOI = "exploration_find_poi"
)

// GroundTruth is the optional scoring annotation carried on a task. The
// runtime only carries it on the loaded task; session summaries do not
// include it, and scoring itself is offline.
type GroundTruth struct {
	TargetPanoID          string   `json:"target_pano_id"`
	TargetName            string   `json:"target_name"`
	OptimalDistanceMeters *float64 `json:"optimal_distance_meters,omitempty"`
	Answer                string   `json:"answer,omitempty"`
}

// Task is one benchmark task, loaded from tasks/{taskId}.json. The filename
// stem is authoritative for TaskID.
type Task struct {
	TaskID         string       `json:"task_id"`
	TaskType       string       `json:"task_type"`
	Geofence       string       `json:"geofence"`
	SpawnPoint     string       `json:"spawn_point"`
	SpawnHeading   float64      `json:"spawn_heading"`
	Description    string       `json:"description"`
	Answer         string       `json:"answer,omitempty"`
	TargetPanoIDs  []string     `json:"target_pano_ids"`
	MaxSteps       *int         `json:"max_steps,omitempty"`
	MaxTimeSeconds *float64     `json:"max_time_seconds,omitempty"`
	GroundTruth    *GroundTruth `json:"ground_truth,omitempty"`
}

// Validate checks the fields a session cannot start without.
func (t *Task) Validate() error {
	if t.SpawnPoint == "" {
		return engineErr(KindBadTask, "task %s has no spawn_point", t.TaskID)
	}
	if t.Geofence == "" {
		return engineErr(KindBadTask, "task %s has no geofence", t.TaskID)
	}
	if t.SpawnHeading < 0 || t.SpawnHeading >= 360 {
		return engineErr(KindBadTask, "task %s spawn_heading %f out of range", t.TaskID, t.SpawnHeading)
	}
	return nil
}

// TaskStore loads task definitions from a directory of JSON files.
type TaskStore struct {
	fs  fsutil.FileSystem
	dir string
}

// NewTaskStore creates a store over dir.
func NewTaskStore(fs fsutil.FileSystem, dir string) *TaskStore {
	return &TaskStore{fs: fs, dir: dir}
}

// Load reads one task by ID.
func (s *TaskStore) Load(taskID string) (*Task, error) {
	path := filepath.Join(s.dir, taskID+".json")
	if !s.fs.Exists(path) {
		return nil, engineErr(KindTaskNotFound, "task not found: %s", taskID)
	}

	data, err := s.fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task %s: %w", taskID, err)
	}

	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, wrapErr(KindBadTask, err, "task %s is not valid JSON", taskID)
	}

	// The filename is authoritative over whatever the body claims.
	task.TaskID = taskID

	if err := task.Validate(); err != nil {
		return nil, err
	}
	return &task, nil
}

// List returns the IDs and descriptions of every task in the directory.
func (s *TaskStore) List() ([]Task, error) {
	matches, err := s.fs.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, err
	}

	var tasks []Task
	for _, path := range matches {
		taskID := strings.TrimSuffix(filepath.Base(path), ".json")
		task, err := s.Load(taskID)
		if err != nil {
			// A malformed file hides one task, not the listing.
			continue
		}
		tasks = append(tasks, *task)
	}
	return tasks, nil
}
