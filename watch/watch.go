// Package watch reloads a settings provider whenever its settings file, or
// one of the secure files it references, changes on disk.
package watch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	repocrypto "github.com/rbaliyan/repository-crypto"
)

// DefaultDebounce is how long the watcher waits for further events before
// reloading.
const DefaultDebounce = 200 * time.Millisecond

// Reloader is implemented by repocrypto.SettingsProvider.
type Reloader interface {
	Reload(ctx context.Context, settings repocrypto.Settings) error
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger. The default discards all output.
func WithLogger(logger zerolog.Logger) Option {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithDebounce sets the quiet period used to coalesce bursts of events.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// Watcher feeds a settings file into a Reloader.
type Watcher struct {
	path     string
	reloader Reloader
	logger   zerolog.Logger
	debounce time.Duration

	fsw  *fsnotify.Watcher
	dirs map[string]struct{}
}

// New returns a watcher for the settings file at path.
func New(path string, reloader Reloader, opts ...Option) (*Watcher, error) {
	if reloader == nil {
		return nil, errors.New("watch: reloader is nil")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	w := &Watcher{
		path:     abs,
		reloader: reloader,
		logger:   zerolog.Nop(),
		debounce: DefaultDebounce,
		dirs:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With().Str("settings_file", abs).Logger()
	return w, nil
}

// Run loads the settings file, applies it and then reloads on every change
// until ctx is done. Only the initial load can make Run fail; later failures
// are logged and the previous settings stay in effect.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer fsw.Close()
	w.fsw = fsw

	if err := w.reload(ctx); err != nil {
		return err
	}

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if evt.Op == fsnotify.Chmod {
				continue
			}
			w.logger.Debug().Str("name", evt.Name).Str("op", evt.Op.String()).Msg("file notification event")
			timer.Reset(w.debounce)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("file notification error")
		case <-timer.C:
			if err := w.reload(ctx); err != nil {
				w.logger.Error().Err(err).Msg("settings reload failed, keeping previous settings")
			}
		}
	}
}

func (w *Watcher) reload(ctx context.Context) error {
	f, err := repocrypto.LoadSettingsFile(w.path)
	if err != nil {
		// Keep watching the settings file's directory so a fixed file is picked up.
		w.add(filepath.Dir(w.path))
		return err
	}
	w.watch(f.Files())

	if err := w.reloader.Reload(ctx, f.Settings); err != nil {
		return err
	}
	w.logger.Info().Int("secure_files", len(f.SecureFiles)).Msg("settings applied")
	return nil
}

// watch updates the watched directories to those containing files.
// Directories are watched rather than files so that atomic replacements are
// seen.
func (w *Watcher) watch(files []string) {
	want := make(map[string]struct{}, len(files))
	for _, f := range files {
		want[filepath.Dir(f)] = struct{}{}
	}
	for dir := range want {
		w.add(dir)
	}
	for dir := range w.dirs {
		if _, ok := want[dir]; ok {
			continue
		}
		if err := w.fsw.Remove(dir); err != nil {
			w.logger.Debug().Err(err).Str("dir", dir).Msg("failed to stop watching directory")
		}
		delete(w.dirs, dir)
	}
}

func (w *Watcher) add(dir string) {
	if _, ok := w.dirs[dir]; ok {
		return
	}
	if err := w.fsw.Add(dir); err != nil {
		w.logger.Error().Err(err).Str("dir", dir).Msg("failed to watch directory")
		return
	}
	w.dirs[dir] = struct{}{}
}
