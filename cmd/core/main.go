// Package main is the command-line front end of the offline learning core.
// It runs one maintenance command against the local store and exits.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/coursely/offline/internal/app"
	"github.com/coursely/offline/internal/config"
	"github.com/coursely/offline/internal/crypto"
	apperrors "github.com/coursely/offline/internal/errors"
	"github.com/coursely/offline/internal/logging"
	"github.com/coursely/offline/internal/remote"
	syncpkg "github.com/coursely/offline/internal/sync"
)

// Version is set at build time
var Version = "0.1.0"

const usage = `usage: coursely [-config file] <command> [flags]

commands:
  version                 print the version
  status                  show connectivity, queue and offline statistics
  drain [-force]          replay queued mutations and upload progress batches
  download <course-id>    download a course for offline use
  sessions                list offline sessions
  validate                check offline sessions with the server
  purge [-days N]         remove expired sessions and old synced batches
  login <token>           store an access token for later runs
  logout                  forget the stored access token
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out, errOut io.Writer) error {
	fs := flag.NewFlagSet("coursely", flag.ContinueOnError)
	fs.SetOutput(errOut)
	fs.Usage = func() { fmt.Fprint(errOut, usage) }
	configPath := fs.String("config", "", "path to a YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return apperrors.New(apperrors.ErrInvalid, "missing command")
	}
	cmd, rest := fs.Arg(0), fs.Args()[1:]

	if cmd == "version" {
		fmt.Fprintf(out, "coursely offline core v%s\n", Version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logging.Init(errOut, logging.ParseLevel(cfg.Log.Level))

	switch cmd {
	case "login":
		return login(cfg, rest, out)
	case "logout":
		if err := crypto.NewTokenStore(cfg.App.DataDir).Delete(); err != nil {
			return err
		}
		fmt.Fprintln(out, "logged out")
		return nil
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	switch cmd {
	case "status":
		return status(ctx, a, out)
	case "drain":
		return drain(ctx, a, rest, out, errOut)
	case "download":
		return download(ctx, a, rest, out)
	case "sessions":
		sessions, err := a.Downloader.ListSessions(ctx, a.StudentID)
		if err != nil {
			return err
		}
		return printJSON(out, sessions)
	case "validate":
		verdicts, err := a.Downloader.ValidateSessions(ctx, a.StudentID)
		if err != nil {
			return err
		}
		return printJSON(out, verdicts)
	case "purge":
		return purge(ctx, a, rest, out, errOut)
	}
	fs.Usage()
	return apperrors.New(apperrors.ErrInvalid, "unknown command "+cmd)
}

func status(ctx context.Context, a *app.App, out io.Writer) error {
	stats, err := a.Store.Statistics(ctx)
	if err != nil {
		return err
	}
	queueStats, err := a.Queue.Stats(ctx)
	if err != nil {
		return err
	}
	mediaBytes, err := a.Media.Size()
	if err != nil {
		return err
	}
	conn := a.Monitor.Check(ctx)
	return printJSON(out, map[string]interface{}{
		"online":       conn.Online(),
		"connectivity": conn,
		"queue":        queueStats,
		"offline":      stats,
		"media_bytes":  mediaBytes,
		"last_sync":    a.Engine.LastSync(ctx),
	})
}

func drain(ctx context.Context, a *app.App, args []string, out, errOut io.Writer) error {
	fs := flag.NewFlagSet("drain", flag.ContinueOnError)
	fs.SetOutput(errOut)
	force := fs.Bool("force", false, "attempt items still waiting for their retry time")
	if err := fs.Parse(args); err != nil {
		return err
	}

	report, err := a.Engine.Drain(ctx, syncpkg.DrainOptions{Force: *force})
	if err != nil {
		return err
	}
	batches, err := a.Engine.SyncProgressBatches(ctx)
	if err != nil {
		return err
	}
	return printJSON(out, map[string]interface{}{
		"queue":   report,
		"batches": batches,
	})
}

func download(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	if len(args) != 1 {
		return apperrors.New(apperrors.ErrInvalid, "download needs exactly one course id")
	}
	run, err := a.Downloader.Start(ctx, a.StudentID, args[0])
	if err != nil {
		return err
	}
	for p := range run.Progress() {
		fmt.Fprintf(out, "%-17s %5.1f%%  %d/%d media\n", p.Phase, p.Percentage, p.MediaDone, p.MediaTotal)
	}
	result, err := run.Wait()
	if err != nil {
		return err
	}
	for _, f := range result.FailedFiles {
		fmt.Fprintf(out, "failed: %s (%s)\n", f.MediaID, f.Error)
	}
	return printJSON(out, result.Session)
}

func purge(ctx context.Context, a *app.App, args []string, out, errOut io.Writer) error {
	fs := flag.NewFlagSet("purge", flag.ContinueOnError)
	fs.SetOutput(errOut)
	days := fs.Int("days", a.Config.Sync.SyncedBatchRetentionDays, "age in days before data is purged")
	if err := fs.Parse(args); err != nil {
		return err
	}
	res, err := a.Downloader.PurgeExpired(ctx, *days)
	if err != nil {
		return err
	}
	return printJSON(out, res)
}

func login(cfg *config.Config, args []string, out io.Writer) error {
	if len(args) != 1 {
		return apperrors.New(apperrors.ErrInvalid, "login needs exactly one token")
	}
	if err := crypto.NewTokenStore(cfg.App.DataDir).Save(args[0]); err != nil {
		return err
	}
	if sub := remote.SubjectFromToken(args[0]); sub != "" {
		fmt.Fprintf(out, "logged in as %s\n", sub)
		return nil
	}
	fmt.Fprintln(out, "token stored")
	return nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
