package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/searchktools/webserv/app"
	"github.com/searchktools/webserv/config"
	"github.com/searchktools/webserv/core/pools"
	"github.com/searchktools/webserv/logging"
)

const (
	// reloadDelay coalesces the burst of events an editor save produces.
	reloadDelay = 200 * time.Millisecond
	// bindTimeout bounds the wait for the previous servers' ports.
	bindTimeout = 5 * time.Second
)

func runServe(cmd *cobra.Command, args []string) error {
	s, err := loadSettings(cmd, args)
	if err != nil {
		return err
	}

	logging.Init(logging.Config{
		Level:  logging.ParseLevel(s.Log.Level),
		Output: os.Stderr,
		Pretty: s.Log.Pretty,
	})
	log := logging.Logger.With().Str("name", s.Misc.Name).Logger()
	pools.ApplyGC(pools.GCConfig{Percent: s.Misc.GCPercent, MemoryLimit: s.Misc.MemoryLimit})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var reload <-chan struct{}
	if watch {
		reload, err = watchFile(ctx, settingsPath(args), log)
		if err != nil {
			return fmt.Errorf("failed to watch config: %w", err)
		}
	}

	load := func() (*config.Settings, error) { return loadSettings(cmd, args) }
	if err := serveLoop(ctx, s, reload, load, log); err != nil {
		return err
	}

	gc := pools.ReadGCStats()
	log.Info().Uint32("gc_runs", gc.NumGC).Dur("gc_pause", gc.PauseTotal).Uint64("sys", gc.Sys).Msg("shut down")
	return nil
}

// serveLoop serves s until ctx is done, switching to the result of load
// each time reload fires. A reloaded configuration that cannot start is
// dropped and the last one that did is served again.
func serveLoop(ctx context.Context, s *config.Settings, reload <-chan struct{}, load func() (*config.Settings, error), log zerolog.Logger) error {
	var good *config.Settings
	for {
		a, err := start(ctx, s, log)
		switch {
		case err == nil:
			good = s
			if err := serve(ctx, a, reload, log); err != nil {
				return err
			}
		case ctx.Err() != nil:
			return nil
		case good == nil || good == s:
			return fmt.Errorf("failed to start: %w", err)
		default:
			log.Error().Err(err).Msg("failed to start the new configuration, restoring the previous one")
			s = good
			continue
		}

		if ctx.Err() != nil {
			return nil
		}
		next, err := load()
		if err != nil {
			log.Error().Err(err).Msg("reload failed, keeping the running configuration")
			continue
		}
		log.Info().Msg("configuration reloaded")
		s = next
	}
}

// serve runs a until ctx is done or reload fires.
func serve(ctx context.Context, a *app.App, reload <-chan struct{}, log zerolog.Logger) error {
	for _, srv := range a.Servers() {
		log.Info().Str("addr", srv.String()).Int("max_connections", srv.MaxConnections()).Msg("server ready")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-reload:
			cancel()
		case <-runCtx.Done():
		}
	}()
	return a.Run(runCtx)
}

// start creates the app, retrying while the ports are still held by the
// servers a reload just closed.
func start(ctx context.Context, s *config.Settings, log zerolog.Logger) (*app.App, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = bindTimeout

	var a *app.App
	err := backoff.Retry(func() error {
		var err error
		a, err = app.New(s, log)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, syscall.EADDRINUSE):
			log.Warn().Err(err).Msg("address in use, retrying")
			return err
		default:
			return backoff.Permanent(err)
		}
	}, backoff.WithContext(b, ctx))
	return a, err
}

// watchFile signals on the returned channel after path is written,
// created or replaced. The directory is watched since editors often
// replace the file by renaming.
func watchFile(ctx context.Context, path string, log zerolog.Logger) (<-chan struct{}, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}

	out := make(chan struct{}, 1)
	go func() {
		defer w.Close()
		var timer *time.Timer
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != path || !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
					continue
				}
				log.Debug().Str("file", ev.Name).Stringer("op", ev.Op).Msg("config changed")
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(reloadDelay, func() {
					select {
					case out <- struct{}{}:
					default:
					}
				})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Error().Err(err).Msg("config watcher error")
			}
		}
	}()
	return out, nil
}
