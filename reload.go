package ezproxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
)

// RuntimeSettings is the part of a running proxy a config reload touches.
// *ProxyServer implements it.
type RuntimeSettings interface {
	EnableForceProxyHTTPS()
	DisableForceProxyHTTPS()
	Throttle(kbps int) error
	DisableThrottle()
	SetFilterRules(rules []FilterRule) error
}

// ApplyRuntimeConfig re-applies the settings that can change without a
// restart: force-HTTPS, the throttle and declarative filters.
func ApplyRuntimeConfig(rt RuntimeSettings, cfg *Config) error {
	if cfg.Proxy.ForceHTTPS {
		rt.EnableForceProxyHTTPS()
	} else {
		rt.DisableForceProxyHTTPS()
	}

	var errs []error
	if cfg.Proxy.Throttle > 0 {
		if err := rt.Throttle(cfg.Proxy.Throttle); err != nil {
			errs = append(errs, fmt.Errorf("throttle: %w", err))
		}
	} else {
		rt.DisableThrottle()
	}
	if err := rt.SetFilterRules(cfg.Filters); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ReloadFunc loads a fresh configuration.
type ReloadFunc func(ctx context.Context) (*Config, error)

// reloader applies ReloadFunc results and reports the outcome.
type reloader struct {
	rt      RuntimeSettings
	reload  ReloadFunc
	logger  *slog.Logger
	metrics *Metrics
}

func (r *reloader) run(ctx context.Context, trigger string) {
	r.logger.Info("reloading configuration", "trigger", trigger)
	cfg, err := r.reload(ctx)
	if err == nil {
		err = ApplyRuntimeConfig(r.rt, cfg)
	}
	if err != nil {
		r.logger.Error("reload failed", "trigger", trigger, "error", err)
		if r.metrics != nil {
			r.metrics.RecordConfigReloadError()
		}
		return
	}
	if r.metrics != nil {
		r.metrics.RecordConfigReload()
	}
	r.logger.Info("configuration reloaded", "filters", len(cfg.Filters), "throttle", cfg.Proxy.Throttle, "force_https", cfg.Proxy.ForceHTTPS)
}

// SIGHUPReloader watches for SIGHUP signals and reloads runtime settings.
// Call Cancel to stop watching.
type SIGHUPReloader struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the SIGHUP watcher.
func (r *SIGHUPReloader) Cancel() {
	r.cancel()
	<-r.done
}

// WatchSIGHUP starts a goroutine that listens for SIGHUP signals, calls
// reload and applies the result to rt. Metrics may be nil.
func WatchSIGHUP(rt RuntimeSettings, reload ReloadFunc, logger *slog.Logger, metrics *Metrics) *SIGHUPReloader {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r := &reloader{rt: rt, reload: reload, logger: logger, metrics: metrics}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	go func() {
		defer close(done)
		defer signal.Stop(sigCh)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				r.run(ctx, "sighup")
			}
		}
	}()

	return &SIGHUPReloader{cancel: cancel, done: done}
}

// configDebounce coalesces the burst of events one editor save produces.
const configDebounce = 100 * time.Millisecond

// ConfigWatcher reloads runtime settings when the config file changes.
type ConfigWatcher struct {
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// WatchConfig watches path with fsnotify and reloads it through LoadConfig
// on every write, create or rename. The parent directory is watched so
// editors that replace the file are followed.
func WatchConfig(path string, rt RuntimeSettings, logger *slog.Logger, metrics *Metrics) (*ConfigWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cw := &ConfigWatcher{watcher: w, cancel: cancel, done: make(chan struct{})}
	r := &reloader{
		rt:      rt,
		reload:  func(context.Context) (*Config, error) { return LoadConfig(abs) },
		logger:  logger,
		metrics: metrics,
	}

	go cw.loop(ctx, abs, r, logger)
	return cw, nil
}

func (cw *ConfigWatcher) loop(ctx context.Context, path string, r *reloader, logger *slog.Logger) {
	defer close(cw.done)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				pending = time.After(configDebounce)
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("config watcher error", "error", err)

		case <-pending:
			pending = nil
			r.run(ctx, "file")
		}
	}
}

// Close stops watching.
func (cw *ConfigWatcher) Close() error {
	cw.cancel()
	err := cw.watcher.Close()
	<-cw.done
	return err
}
