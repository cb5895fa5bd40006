// Package server is the HTTP adapter over the session engine, the preloader,
// and the replay log. It holds no domain logic of its own: every handler is
// a thin mapping from request to engine verb to JSON response.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/streetlab/panobench/internal/config"
	"github.com/streetlab/panobench/internal/fsutil"
	"github.com/streetlab/panobench/internal/nav"
	"github.com/streetlab/panobench/internal/preload"
	"github.com/streetlab/panobench/internal/session"
)

// Server handles the benchmark HTTP interface.
type Server struct {
	address   string
	manager   *session.Manager
	preloader *preload.Preloader
	fences    *nav.Geofences
	settings  *config.Settings
	fs        fsutil.FileSystem

	tempDir      string
	panoramasDir string

	server *http.Server
}

// Config contains the collaborators and paths the server needs.
type Config struct {
	Address      string
	Manager      *session.Manager
	Preloader    *preload.Preloader
	Fences       *nav.Geofences
	Settings     *config.Settings
	FS           fsutil.FileSystem
	TempDir      string
	PanoramasDir string
}

// NewServer creates a server with the provided configuration.
func NewServer(cfg Config) *Server {
	s := &Server{
		address:      cfg.Address,
		manager:      cfg.Manager,
		preloader:    cfg.Preloader,
		fences:       cfg.Fences,
		settings:     cfg.Settings,
		fs:           cfg.FS,
		tempDir:      cfg.TempDir,
		panoramasDir: cfg.PanoramasDir,
	}
	s.server = &http.Server{
		Addr:    s.address,
		Handler: s.setupRoutes(),
	}
	return s
}

// setupRoutes configures the HTTP routes and handlers.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/session/create", s.handleCreateSession)
	mux.HandleFunc("GET /api/session/{id}/state", s.handleSessionState)
	mux.HandleFunc("POST /api/session/{id}/action", s.handleAction)
	mux.HandleFunc("POST /api/session/{id}/end", s.handleEndSession)
	mux.HandleFunc("POST /api/session/{id}/pause", s.handlePauseSession)
	mux.HandleFunc("POST /api/session/{id}/resume", s.handleResumeSession)

	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}/log", s.handleSessionLog)

	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /api/tasks/{id}/preload", s.handleTaskPreload)
	mux.HandleFunc("GET /api/tasks/{id}/preload/status", s.handleTaskPreloadStatus)

	mux.HandleFunc("GET /api/geofences", s.handleListGeofences)
	mux.HandleFunc("POST /api/geofences/reload", s.handleReloadGeofences)
	mux.HandleFunc("POST /api/geofences/{name}/preload", s.handleGeofencePreload)
	mux.HandleFunc("GET /api/geofences/{name}/preload/status", s.handleGeofencePreloadStatus)

	mux.HandleFunc("GET /api/players/{id}/progress", s.handlePlayerProgress)

	mux.HandleFunc("GET /temp_images/", s.handleTempImage)
	mux.Handle("GET /data/panoramas/",
		http.StripPrefix("/data/panoramas/", http.FileServer(http.Dir(s.panoramasDir))))

	return mux
}

// Start begins the HTTP server and blocks until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		log.Printf("starting HTTP server on %s", s.address)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := s.server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}

	log.Printf("HTTP server stopped")
	return nil
}

// Close shuts down the web server immediately.
func (s *Server) Close() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// Handler exposes the routed mux, used by tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// errorBody is the {error_kind, detail} shape every failure carries.
type errorBody struct {
	Success   bool   `json:"success"`
	ErrorKind string `json:"error_kind"`
	Detail    string `json:"detail"`
}

// writeEngineError maps an engine error to a status code and the standard
// error body.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var ee *session.EngineError
	if !errors.As(err, &ee) {
		log.Printf("internal error: %v", err)
		s.writeJSON(w, http.StatusInternalServerError, errorBody{
			ErrorKind: "internal", Detail: err.Error(),
		})
		return
	}

	status := http.StatusBadRequest
	switch ee.Kind {
	case session.KindTaskNotFound, session.KindSessionNotFound:
		status = http.StatusNotFound
	case session.KindSessionTerminated:
		status = http.StatusConflict
	case session.KindCacheMissMeta, session.KindCacheMissImage:
		status = http.StatusServiceUnavailable
	case session.KindOutOfGeofence, session.KindLogWriteFailed:
		status = http.StatusInternalServerError
		log.Printf("engine error: %v", ee)
	}

	s.writeJSON(w, status, errorBody{ErrorKind: string(ee.Kind), Detail: ee.Detail})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"service":   "panobench",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleTempImage serves rendered step images; under the delete_on_send
// policy each image is removed after it has been sent once.
func (s *Server) handleTempImage(w http.ResponseWriter, r *http.Request) {
	http.StripPrefix("/temp_images/", http.FileServer(http.Dir(s.tempDir))).ServeHTTP(w, r)

	if s.settings.GetTempImageCleanupPolicy() == config.CleanupDeleteOnSend {
		path := s.tempDir + "/" + r.URL.Path[len("/temp_images/"):]
		if err := s.fs.RemoveAll(path); err != nil {
			log.Printf("failed to delete sent image %s: %v", path, err)
		}
	}
}
