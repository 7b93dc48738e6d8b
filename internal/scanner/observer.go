package scanner

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Observer watches the media root and invokes a trigger after filesystem
// activity settles. fsnotify watches are not recursive, so directories are
// added as they are discovered and as new ones appear.
type Observer struct {
	root     string
	debounce time.Duration
	trigger  func(ctx context.Context)
	log      zerolog.Logger
}

// NewObserver constructs an Observer. trigger is called at most once per
// debounce window no matter how many events arrive.
func NewObserver(root string, debounce time.Duration, trigger func(ctx context.Context), log zerolog.Logger) *Observer {
	if debounce <= 0 {
		debounce = 30 * time.Second
	}
	return &Observer{root: root, debounce: debounce, trigger: trigger, log: log}
}

// Run blocks watching the tree until the context is cancelled.
func (o *Observer) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := addRecursive(watcher, o.root); err != nil {
		return err
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-fire:
			o.log.Info().Str("root", o.root).Msg("filesystem settled, triggering sync")
			o.trigger(ctx)
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if strings.HasPrefix(filepath.Base(event.Name), ".") {
				continue
			}
			if event.Has(fsnotify.Create) {
				// New directories need their own watch.
				_ = addRecursive(watcher, event.Name)
			}
			if timer == nil {
				timer = time.AfterFunc(o.debounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(o.debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			o.log.Warn().Err(err).Msg("filesystem watch error")
		}
	}
}

func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // ignore paths that vanish mid-walk
		}
		if !d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && path != root {
			return filepath.SkipDir
		}
		_ = watcher.Add(path)
		return nil
	})
}
