package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// CredentialsWatcher monitors the configured credential file and invokes the
// supplied callback whenever the issued-credential set changes. Stop must be
// called to release filesystem resources.
type CredentialsWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *CredentialsWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// WatchCredentials wires fsnotify around the credential file and reloads the
// set on any relevant change. The initial load happens synchronously so
// callers start with a populated registry or a definite error.
func WatchCredentials(ctx context.Context, path string, onChange func([]Credential), onError func(error)) (*CredentialsWatcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("config: watch credentials requires a change callback")
	}
	if path == "" {
		return nil, fmt.Errorf("config: no credentials file configured for watching")
	}
	if !isSupportedCredentialsFile(path) {
		return nil, fmt.Errorf("config: unsupported credentials file %s", path)
	}

	resolved := path
	if abs, err := filepath.Abs(path); err == nil {
		resolved = abs
	}
	target := filepath.Clean(resolved)

	creds, err := LoadCredentials(target)
	if err != nil {
		return nil, err
	}
	onChange(creds)

	watchCtx, cancel := context.WithCancel(ctx)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("config: watch credentials: %w", err)
	}
	// Watch the directory rather than the file so editors that replace the
	// file via rename keep triggering events.
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		cancel()
		if closeErr := watcher.Close(); closeErr != nil && onError != nil {
			onError(fmt.Errorf("config: watch credentials close: %w", closeErr))
		}
		return nil, fmt.Errorf("config: watch credentials add: %w", err)
	}

	done := make(chan struct{})
	watch := &CredentialsWatcher{cancel: cancel, done: done}

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil && onError != nil {
				onError(fmt.Errorf("config: watch credentials close: %w", err))
			}
		}()

		reload := func() {
			creds, err := LoadCredentials(target)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				return
			}
			onChange(creds)
		}

		const debounce = 25 * time.Millisecond
		var reloadTimer *time.Timer
		var reloadSignal <-chan time.Time
		scheduleReload := func() {
			if reloadTimer == nil {
				reloadTimer = time.NewTimer(debounce)
			} else {
				if !reloadTimer.Stop() {
					select {
					case <-reloadTimer.C:
					default:
					}
				}
				reloadTimer.Reset(debounce)
			}
			reloadSignal = reloadTimer.C
		}
		flushTimer := func() {
			if reloadTimer == nil {
				return
			}
			if !reloadTimer.Stop() {
				select {
				case <-reloadTimer.C:
				default:
				}
			}
			reloadSignal = nil
		}
		defer flushTimer()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-reloadSignal:
				flushTimer()
				reload()
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					if onError != nil {
						onError(fmt.Errorf("config: credentials file %s removed", target))
					}
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
					scheduleReload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(fmt.Errorf("config: watch error: %w", err))
				}
			}
		}
	}()

	return watch, nil
}
