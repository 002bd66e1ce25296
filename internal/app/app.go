// Package app assembles the offline core from configuration. Both the desktop
// server and the CLI start from here.
package app

import (
	"context"
	"time"

	"github.com/coursely/offline/internal/config"
	"github.com/coursely/offline/internal/connectivity"
	"github.com/coursely/offline/internal/crypto"
	"github.com/coursely/offline/internal/db"
	apperrors "github.com/coursely/offline/internal/errors"
	"github.com/coursely/offline/internal/logging"
	"github.com/coursely/offline/internal/media"
	"github.com/coursely/offline/internal/offline"
	"github.com/coursely/offline/internal/remote"
	"github.com/coursely/offline/internal/strategy"
	syncpkg "github.com/coursely/offline/internal/sync"
	"github.com/coursely/offline/internal/sync/queue"
	"github.com/coursely/offline/internal/sync/scheduler"
)

// App holds every component of the offline core.
type App struct {
	Config     *config.Config
	StudentID  string
	Tokens     *crypto.TokenStore
	DB         *db.DB
	Store      *db.Repository
	Remote     *remote.HTTPClient
	Monitor    *connectivity.Monitor
	Queue      *queue.Queue
	Router     *strategy.Router
	Engine     *syncpkg.SyncEngine
	Scheduler  *scheduler.Scheduler
	Media      *media.Cache
	Downloader *offline.Downloader
}

// New opens the local store and wires the components. Nothing runs in the
// background until Start.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	database, err := db.OpenFile(cfg.App.DataDir, cfg.Database.FileName)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "open local store", err)
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, apperrors.Wrap(apperrors.ErrMigration, "migrate local store", err)
	}
	store := db.NewRepository(database.DB)

	clientCfg := remote.DefaultClientConfig(cfg.Remote.BaseURL)
	clientCfg.Timeout = cfg.Remote.Timeout
	clientCfg.HealthPath = cfg.Remote.HealthPath
	clientCfg.MaxGetRetries = cfg.Remote.MaxGetRetries
	tokens := crypto.NewTokenStore(cfg.App.DataDir)
	token := cfg.Remote.Token
	if token != "" {
		clientCfg.Tokens = remote.StaticToken(token)
	} else {
		clientCfg.Tokens = tokens
		if stored, err := tokens.Load(); err == nil {
			token = stored
		} else if !apperrors.Is(err, apperrors.ErrNotFound) {
			logging.Warn("Ignoring unreadable stored token", map[string]interface{}{"error": err.Error()})
		}
	}
	client := remote.NewHTTPClient(clientCfg)

	monitor := connectivity.NewMonitor(client,
		connectivity.NewInterfaceReachability(cfg.Connectivity.InterfacePollRate),
		connectivity.Config{
			ProbeInterval: cfg.Connectivity.ProbeInterval,
			ProbeTimeout:  cfg.Connectivity.ProbeTimeout,
			HealthTTL:     cfg.Connectivity.HealthTTL,
			Debounce:      cfg.Connectivity.Debounce,
		})

	q := queue.New(store, queue.Config{
		BaseDelay: cfg.Sync.RetryBaseDelay,
		MaxDelay:  cfg.Sync.RetryMaxDelay,
	})

	studentID := cfg.App.StudentID
	if studentID == "" {
		studentID = remote.SubjectFromToken(token)
	}

	router := strategy.New(strategy.Deps{
		Remote:    client,
		Store:     store,
		Conn:      monitor,
		Queue:     q,
		StudentID: studentID,
	})

	engine := syncpkg.NewSyncEngine(q, store, client, syncpkg.Config{
		BatchLimit:       cfg.Sync.BatchLimit,
		ConflictFallback: cfg.Sync.ConflictFallback,
	})

	var interval time.Duration
	if cfg.Sync.AutoDrain {
		interval = cfg.Sync.DrainInterval
	}
	sched := scheduler.NewScheduler(engine, monitor, &scheduler.SchedulerConfig{
		SyncInterval:     interval,
		RunTimeout:       scheduler.DefaultSchedulerConfig().RunTimeout,
		DrainOnReconnect: true,
	})

	var objectStore media.Fetcher
	if cfg.Media.S3Bucket != "" {
		s3f, err := media.NewS3Fetcher(ctx, media.S3Config{
			Bucket:          cfg.Media.S3Bucket,
			Region:          cfg.Media.S3Region,
			Endpoint:        cfg.Media.S3Endpoint,
			AccessKeyID:     cfg.Media.S3AccessKeyID,
			SecretAccessKey: cfg.Media.S3SecretAccessKey,
			UsePathStyle:    cfg.Media.S3UsePathStyle,
		})
		if err != nil {
			database.Close()
			return nil, err
		}
		objectStore = s3f
	}
	cache := media.NewCache(cfg.Download.MediaDir)
	downloader := offline.NewDownloader(store, client, cache,
		media.NewSource(media.NewHTTPFetcher(nil), objectStore),
		offline.Config{SessionValidityDays: cfg.Download.SessionValidityDays})

	logging.Info("Offline core assembled", map[string]interface{}{
		"data_dir":    cfg.App.DataDir,
		"remote":      cfg.Remote.BaseURL,
		"student_id":  studentID,
		"auto_drain":  cfg.Sync.AutoDrain,
		"s3_fallback": objectStore != nil,
	})

	return &App{
		Config:     cfg,
		StudentID:  studentID,
		Tokens:     tokens,
		DB:         database,
		Store:      store,
		Remote:     client,
		Monitor:    monitor,
		Queue:      q,
		Router:     router,
		Engine:     engine,
		Scheduler:  sched,
		Media:      cache,
		Downloader: downloader,
	}, nil
}

// Start launches the connectivity monitor and the sync scheduler.
func (a *App) Start(ctx context.Context) {
	a.Monitor.Start(ctx)
	a.Scheduler.Start(ctx)
}

// Close stops background work and closes the local store.
func (a *App) Close() error {
	a.Scheduler.Stop()
	a.Monitor.Stop()
	if err := a.Store.Close(); err != nil {
		logging.Warn("Failed to close repository", map[string]interface{}{"error": err.Error()})
	}
	return a.DB.Close()
}
