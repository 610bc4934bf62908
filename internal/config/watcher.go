package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the configuration file when it changes on disk.
// Editors often replace config files atomically, so the parent
// directory is watched rather than the file itself.
type Watcher struct {
	path     string
	debounce time.Duration
	fw       *fsnotify.Watcher
	onChange func(*Config)
	onError  func(error)
}

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	// Debounce is how long the file must be quiet before reloading.
	// Defaults to 500ms.
	Debounce time.Duration

	// OnChange is called with the freshly loaded config after a
	// successful reload. Required.
	OnChange func(*Config)

	// OnError is called when a reload fails. The previous config
	// stays in effect. Optional.
	OnError func(error)
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(path string, opts WatcherOptions) (*Watcher, error) {
	if opts.OnChange == nil {
		return nil, fmt.Errorf("OnChange callback is required")
	}
	if path == "" {
		path = ConfigPath()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config directory: %w", err)
	}

	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	return &Watcher{
		path:     path,
		debounce: debounce,
		fw:       fw,
		onChange: opts.OnChange,
		onError:  opts.OnError,
	}, nil
}

// Run watches until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fw.Close()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()

		case ev, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()

		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			if w.onError != nil {
				w.onError(fmt.Errorf("config watch: %w", err))
			}
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		if w.onError != nil {
			w.onError(fmt.Errorf("reload config: %w", err))
		}
		return
	}
	w.onChange(cfg)
}
