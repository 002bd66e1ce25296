// Package main runs the local API of the offline learning core for desktop
// clients. Clients talk REST and WebSocket on the loopback interface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coursely/offline/cmd/desktop/handlers"
	"github.com/coursely/offline/internal/app"
	"github.com/coursely/offline/internal/config"
	"github.com/coursely/offline/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logging.Init(os.Stdout, logging.ParseLevel(cfg.Log.Level))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Error("Desktop server stopped", err, nil)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	hub := NewWSHub()
	defer hub.Stop()
	a.Engine.SetEventHandler(hub)
	a.Downloader.SetProgressHandler(hub.OnDownloadProgress)
	hub.WatchConnectivity(ctx, a.Monitor)

	if res, err := a.Downloader.PurgeExpired(ctx, cfg.Sync.SyncedBatchRetentionDays); err != nil {
		logging.Warn("Startup purge failed", map[string]interface{}{"error": err.Error()})
	} else if res.Sessions > 0 || res.Batches > 0 {
		logging.Info("Startup purge", map[string]interface{}{"sessions": res.Sessions, "batches": res.Batches})
	}

	a.Start(ctx)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newMux(ctx, a, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Desktop server listening", map[string]interface{}{"addr": cfg.Server.Addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn("Server shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}
	a.Downloader.Cancel()
	logging.Info("Desktop server stopped", nil)
	return nil
}

// newMux mounts the REST handlers and the event stream. Downloads started
// over REST run under base.
func newMux(base context.Context, a *app.App, hub *WSHub) *http.ServeMux {
	mux := http.NewServeMux()
	h := &handlers.Handlers{
		Sync:         handlers.NewSyncHandler(a.Scheduler, a.Engine, a.Queue),
		Connectivity: handlers.NewConnectivityHandler(a.Monitor),
		Offline:      handlers.NewOfflineHandler(base, a.Downloader, a.Store, a.Media, a.StudentID),
		Ops:          handlers.NewOpsHandler(a.Router),
		Service:      a.Config.App.Name,
		Version:      a.Config.App.Version,
	}
	h.Register(mux)
	mux.HandleFunc("GET /ws", HandleWebSocket(hub))
	return mux
}
