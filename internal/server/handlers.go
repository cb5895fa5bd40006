package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/streetlab/panobench/internal/session"
)

// === Session management ===

type createSessionRequest struct {
	AgentID string `json:"agent_id"`
	TaskID  string `json:"task_id"`
	Mode    string `json:"mode"`
}

type createSessionResponse struct {
	SessionID   string               `json:"session_id"`
	Observation *session.Observation `json:"observation"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{ErrorKind: "bad_request", Detail: "invalid JSON body"})
		return
	}
	if req.Mode == "" {
		req.Mode = string(session.ModeAgent)
	}

	sess, obs, err := s.manager.Create(req.AgentID, req.TaskID, session.Mode(req.Mode))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, createSessionResponse{SessionID: sess.ID, Observation: obs})
}

type sessionStateResponse struct {
	SessionID   string               `json:"session_id"`
	Status      string               `json:"status"`
	StepCount   int                  `json:"step_count"`
	ElapsedTime float64              `json:"elapsed_time"`
	Observation *session.Observation `json:"observation"`
}

func (s *Server) handleSessionState(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	status, _, steps, elapsed, _ := sess.Snapshot()

	obs, err := sess.Observe()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, sessionStateResponse{
		SessionID:   sess.ID,
		Status:      string(status),
		StepCount:   steps,
		ElapsedTime: elapsed,
		Observation: obs,
	})
}

type actionResponse struct {
	Success     bool                 `json:"success"`
	Observation *session.Observation `json:"observation,omitempty"`
	Done        bool                 `json:"done"`
	DoneReason  *string              `json:"done_reason"`
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var action session.Action
	if err := json.NewDecoder(r.Body).Decode(&action); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{ErrorKind: "bad_request", Detail: "invalid JSON body"})
		return
	}

	result, err := s.manager.Execute(r.PathValue("id"), action)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	resp := actionResponse{Success: result.Success, Observation: result.Observation, Done: result.Done}
	if result.DoneReason != "" {
		resp.DoneReason = &result.DoneReason
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	summary, err := s.manager.End(r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handlePauseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Pause(r.PathValue("id")); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true, "status": "paused", "can_resume": true,
	})
}

func (s *Server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	sess, obs, err := s.manager.Resume(r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	_, _, steps, elapsed, _ := sess.Snapshot()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"observation": obs,
		"restored_state": map[string]interface{}{
			"step_count":   steps,
			"elapsed_time": elapsed,
		},
	})
}

// === Session listing and replay ===

type sessionInfo struct {
	SessionID  string `json:"session_id"`
	AgentID    string `json:"agent_id,omitempty"`
	TaskID     string `json:"task_id,omitempty"`
	Mode       string `json:"mode,omitempty"`
	Status     string `json:"status"`
	TotalSteps int    `json:"total_steps"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ids, err := s.manager.Logger().ListSessions()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	live := map[string]session.Checkpoint{}
	for _, row := range s.manager.ActiveSessions() {
		live[row.SessionID] = row
	}

	sessions := make([]sessionInfo, 0, len(ids))
	for _, id := range ids {
		info := sessionInfo{SessionID: id, Status: "running"}
		if row, ok := live[id]; ok {
			info.AgentID = row.AgentID
			info.TaskID = row.TaskID
			info.Mode = row.Mode
			info.Status = row.Status
			info.TotalSteps = row.StepCount
		} else if summary, err := s.manager.Logger().ReadSummary(id); err == nil {
			info.AgentID = summary.AgentID
			info.TaskID = summary.TaskID
			info.Status = summary.Status
			info.TotalSteps = summary.TotalSteps
		}
		sessions = append(sessions, info)
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Server) handleSessionLog(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	entries, err := s.manager.Logger().Read(sessionID)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, errorBody{
			ErrorKind: string(session.KindSessionNotFound), Detail: "session log not found",
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"entries":    entries,
	})
}

// === Tasks ===

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.manager.Tasks().List()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	type taskInfo struct {
		TaskID      string `json:"task_id"`
		TaskType    string `json:"task_type,omitempty"`
		Description string `json:"description"`
	}
	infos := make([]taskInfo, 0, len(tasks))
	for _, t := range tasks {
		infos = append(infos, taskInfo{TaskID: t.TaskID, TaskType: t.TaskType, Description: t.Description})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": infos})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.manager.Tasks().Load(r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

// === Preload ===

type preloadRequest struct {
	ZoomLevel *int `json:"zoom_level,omitempty"`
}

func (s *Server) startPreload(w http.ResponseWriter, r *http.Request, jobName, geofenceName string) {
	var req preloadRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	zoom := s.settings.GetPanoramaZoomLevel()
	if req.ZoomLevel != nil {
		zoom = *req.ZoomLevel
	}

	members := s.fences.Members(geofenceName)
	if members == nil {
		s.writeJSON(w, http.StatusNotFound, errorBody{
			ErrorKind: "geofence_not_found", Detail: "geofence not found: " + geofenceName,
		})
		return
	}

	progress := s.preloader.Start(context.Background(), jobName, members, zoom)
	s.writeJSON(w, http.StatusOK, progress)
}

func (s *Server) handleTaskPreload(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	task, err := s.manager.Tasks().Load(taskID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.startPreload(w, r, taskID, task.Geofence)
}

func (s *Server) handleTaskPreloadStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.preloader.Progress(r.PathValue("id")))
}

func (s *Server) handleGeofencePreload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	s.startPreload(w, r, name, name)
}

func (s *Server) handleGeofencePreloadStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.preloader.Progress(r.PathValue("name")))
}

// === Geofences ===

func (s *Server) handleListGeofences(w http.ResponseWriter, r *http.Request) {
	type geofenceInfo struct {
		Name      string `json:"name"`
		PanoCount int    `json:"pano_count"`
	}
	var fences []geofenceInfo
	for name, count := range s.fences.Names() {
		fences = append(fences, geofenceInfo{Name: name, PanoCount: count})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"geofences": fences})
}

func (s *Server) handleReloadGeofences(w http.ResponseWriter, r *http.Request) {
	if err := s.fences.Reload(); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, errorBody{
			ErrorKind: "geofence_reload_failed", Detail: err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "geofences": s.fences.Names()})
}

// === Player progress ===

func (s *Server) handlePlayerProgress(w http.ResponseWriter, r *http.Request) {
	playerID := r.PathValue("id")

	rows, err := s.manager.Progress().ForPlayer(playerID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	tasks, err := s.manager.Tasks().List()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	byTask := map[string]int{}
	for i, row := range rows {
		byTask[row.TaskID] = i
	}

	completed, inProgress := 0, 0
	type taskProgress struct {
		TaskID   string `json:"task_id"`
		Status   string `json:"status"`
		Attempts int    `json:"attempts,omitempty"`
	}
	list := make([]taskProgress, 0, len(tasks))
	for _, t := range tasks {
		tp := taskProgress{TaskID: t.TaskID, Status: "not_started"}
		if i, ok := byTask[t.TaskID]; ok {
			tp.Status = rows[i].Status
			tp.Attempts = rows[i].Attempts
			if tp.Status == string(session.StatusCompleted) {
				completed++
			} else {
				inProgress++
			}
		}
		list = append(list, tp)
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"player_id":   playerID,
		"total_tasks": len(tasks),
		"completed":   completed,
		"in_progress": inProgress,
		"not_started": len(tasks) - completed - inProgress,
		"tasks":       list,
	})
}
