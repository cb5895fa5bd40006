// Command panobench runs the benchmark evaluation server: it owns the cache
// database, the preload worker pool, the session engine, and the HTTP API.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/streetlab/panobench/internal/config"
	"github.com/streetlab/panobench/internal/db"
	"github.com/streetlab/panobench/internal/fsutil"
	"github.com/streetlab/panobench/internal/nav"
	"github.com/streetlab/panobench/internal/pano"
	"github.com/streetlab/panobench/internal/preload"
	"github.com/streetlab/panobench/internal/server"
	"github.com/streetlab/panobench/internal/session"
)

var (
	listen       = flag.String("listen", ":8000", "HTTP listen address")
	dbFile       = flag.String("db", "data/cache.db", "Path to the SQLite cache database")
	configFile   = flag.String("config", "", "Path to the settings JSON file (optional)")
	tasksDir     = flag.String("tasks-dir", "tasks", "Directory of task JSON files")
	dataDir      = flag.String("data-dir", "data", "Directory for cached panorama images")
	logsDir      = flag.String("logs-dir", "logs", "Directory for session step logs")
	tempDir      = flag.String("temp-dir", "temp_images", "Directory for rendered step images")
	geofenceFile = flag.String("geofence-config", "config/geofence_config.json", "Geofence whitelist config")
	runMigrate   = flag.Bool("migrate", true, "Apply pending database migrations on startup")
)

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	settings := config.Default()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		settings = loaded
	}

	if err := os.MkdirAll(filepath.Dir(*dbFile), 0o755); err != nil {
		log.Fatalf("failed to create data directory: %v", err)
	}

	database, err := db.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("failed to open cache database: %v", err)
	}
	defer database.Close()

	if *runMigrate {
		if err := database.MigrateUp(); err != nil {
			log.Fatalf("failed to migrate database: %v", err)
		}
	}

	fs := fsutil.OSFileSystem{}
	panoramasDir := filepath.Join(*dataDir, "panoramas")

	cache, err := pano.NewCache(database, fs, panoramasDir)
	if err != nil {
		log.Fatalf("failed to initialise cache: %v", err)
	}

	fences, err := nav.LoadGeofences(fs, *geofenceFile)
	if err != nil {
		log.Fatalf("failed to load geofences: %v", err)
	}

	logger, err := session.NewStepLogger(fs, *logsDir)
	if err != nil {
		log.Fatalf("failed to initialise step logger: %v", err)
	}

	deps := session.Deps{
		Cache:    cache,
		Fences:   fences,
		Settings: settings,
		Logger:   logger,
		FS:       fs,
		TempDir:  *tempDir,
	}
	manager := session.NewManager(deps, session.NewTaskStore(fs, *tasksDir), database)
	manager.Start()
	defer manager.Stop()

	tiles := preload.NewTilesClient(settings.GetTilesAPIBaseURL(), settings.GetUpstreamAPIKey())
	preloader := preload.NewPreloader(cache, tiles, tiles, settings)

	srv := server.NewServer(server.Config{
		Address:      *listen,
		Manager:      manager,
		Preloader:    preloader,
		Fences:       fences,
		Settings:     settings,
		FS:           fs,
		TempDir:      *tempDir,
		PanoramasDir: panoramasDir,
	})

	if err := srv.Start(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
