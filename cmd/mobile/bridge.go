// Package main builds the offline core as a shared library for the mobile
// shells. Every call takes and returns JSON so the Dart side needs no struct
// layout knowledge.
package main

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/coursely/offline/internal/app"
	"github.com/coursely/offline/internal/config"
	apperrors "github.com/coursely/offline/internal/errors"
	"github.com/coursely/offline/internal/logging"
	"github.com/coursely/offline/internal/strategy"
)

// bridge owns the single core instance behind the exported functions.
type bridge struct {
	mu     sync.Mutex
	app    *app.App
	ctx    context.Context
	cancel context.CancelFunc
}

type reply struct {
	Result any         `json:"result,omitempty"`
	Error  *replyError `json:"error,omitempty"`
}

type replyError struct {
	Code    apperrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
}

func encode(result any, err error) string {
	var r reply
	if err != nil {
		r.Error = &replyError{Code: apperrors.CodeOf(err), Message: err.Error()}
	} else {
		r.Result = result
	}
	raw, merr := json.Marshal(r)
	if merr != nil {
		return `{"error":{"code":"INTERNAL_ERROR","message":"encode reply"}}`
	}
	return string(raw)
}

func (b *bridge) current() (*app.App, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.app == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "core is not initialised")
	}
	return b.app, nil
}

// open loads the config and starts the core. A second open is a no-op.
func (b *bridge) open(configPath string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.app != nil {
		return encode(map[string]string{"student_id": b.app.StudentID}, nil)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return encode(nil, err)
	}
	logging.Init(os.Stderr, logging.ParseLevel(cfg.Log.Level))

	ctx, cancel := context.WithCancel(context.Background())
	a, err := app.New(ctx, cfg)
	if err != nil {
		cancel()
		return encode(nil, err)
	}
	a.Start(ctx)
	b.app, b.ctx, b.cancel = a, ctx, cancel
	return encode(map[string]string{"student_id": a.StudentID}, nil)
}

func (b *bridge) close() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.app == nil {
		return encode(map[string]bool{"closed": false}, nil)
	}
	b.app.Downloader.Cancel()
	b.cancel()
	err := b.app.Close()
	b.app = nil
	return encode(map[string]bool{"closed": true}, err)
}

type executeRequest struct {
	Params  strategy.Params   `json:"params"`
	Options *strategy.Options `json:"options,omitempty"`
}

// execute runs one router operation. request may be empty.
func (b *bridge) execute(op, request string) string {
	a, err := b.current()
	if err != nil {
		return encode(nil, err)
	}
	var req executeRequest
	if request != "" {
		if err := json.Unmarshal([]byte(request), &req); err != nil {
			return encode(nil, apperrors.Wrap(apperrors.ErrInvalid, "malformed request", err))
		}
	}
	opts := strategy.DefaultOptions()
	if req.Options != nil {
		opts = *req.Options
	}
	return encode(a.Router.Execute(b.ctx, strategy.Op(op), req.Params, opts))
}

func (b *bridge) syncNow() string {
	a, err := b.current()
	if err != nil {
		return encode(nil, err)
	}
	return encode(a.Scheduler.SyncNow(b.ctx))
}

// startDownload begins a background download and returns its first snapshot.
// Progress is polled with downloadStatus.
func (b *bridge) startDownload(courseID string) string {
	a, err := b.current()
	if err != nil {
		return encode(nil, err)
	}
	run, err := a.Downloader.Start(b.ctx, a.StudentID, courseID)
	if err != nil {
		return encode(nil, err)
	}
	return encode(run.Snapshot(), nil)
}

func (b *bridge) downloadStatus() string {
	a, err := b.current()
	if err != nil {
		return encode(nil, err)
	}
	p, running := a.Downloader.Current()
	return encode(map[string]any{"running": running, "progress": p}, nil)
}

func (b *bridge) status() string {
	a, err := b.current()
	if err != nil {
		return encode(nil, err)
	}
	stats, err := a.Store.Statistics(b.ctx)
	if err != nil {
		return encode(nil, err)
	}
	queueStats, err := a.Queue.Stats(b.ctx)
	if err != nil {
		return encode(nil, err)
	}
	return encode(map[string]any{
		"online":       a.Monitor.IsOnline(),
		"connectivity": a.Monitor.State(),
		"queue":        queueStats,
		"offline":      stats,
		"last_sync":    a.Engine.LastSync(b.ctx),
	}, nil)
}

var core bridge

// main is required by -buildmode=c-shared and never runs.
func main() {}
