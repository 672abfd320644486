package policy

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// SeedWatcher monitors the seed file and re-applies it whenever the file
// changes. Stop must be called to release filesystem resources.
type SeedWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *SeedWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// WatchSeed applies the seed file once, then re-applies it on every change
// event touching the file. Reload errors go to onError and leave the last
// successfully applied state in place. Editors that replace files by rename
// are handled by watching the parent directory.
func WatchSeed(ctx context.Context, path string, store Store, onError func(error)) (*SeedWatcher, error) {
	if path == "" {
		return nil, errors.New("policy: seed path required")
	}

	apply := func(ctx context.Context) error {
		policies, err := LoadSeedFile(path)
		if err != nil {
			return err
		}
		return ApplySeed(ctx, store, policies)
	}
	if err := apply(ctx); err != nil {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("policy: watch seed: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		cancel()
		return nil, fmt.Errorf("policy: watch seed dir: %w", err)
	}

	done := make(chan struct{})
	w := &SeedWatcher{cancel: cancel, done: done}

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil && onError != nil {
				onError(fmt.Errorf("policy: watch seed close: %w", err))
			}
		}()

		target := filepath.Clean(path)
		var debounce *time.Timer
		var debounceC <-chan time.Time

		for {
			select {
			case <-watchCtx.Done():
				if debounce != nil {
					debounce.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounce == nil {
					debounce = time.NewTimer(200 * time.Millisecond)
					debounceC = debounce.C
				} else {
					if !debounce.Stop() {
						select {
						case <-debounce.C:
						default:
						}
					}
					debounce.Reset(200 * time.Millisecond)
				}
			case <-debounceC:
				if err := apply(watchCtx); err != nil {
					if errors.Is(err, context.Canceled) {
						return
					}
					if onError != nil {
						onError(err)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(fmt.Errorf("policy: watch seed: %w", err))
				}
			}
		}
	}()

	return w, nil
}
