// Package hotreload reads a YAML definition file and watches it for changes.
package hotreload

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"ledgerwatch.io/ledgerwatch/internal/pkg/logger"
)

// ParseFunc decodes and validates file contents.
type ParseFunc[T any] func(data []byte) (T, error)

// Loader holds the latest successfully parsed value of a file.
type Loader[T any] struct {
	path     string
	parse    ParseFunc[T]
	mu       sync.RWMutex
	current  T
	onChange []func(T)
}

// NewLoader creates a Loader and performs the initial load.
func NewLoader[T any](path string, parse ParseFunc[T]) (*Loader[T], error) {
	l := &Loader[T]{path: path, parse: parse}
	v, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = v
	return l, nil
}

// Current returns the latest value.
func (l *Loader[T]) Current() T {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked after every successful reload.
func (l *Loader[T]) OnChange(fn func(T)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch hot-reloads the file on change until stop is called. The parent
// directory is watched so editors that replace the file are picked up.
// A file that fails to parse is logged and the previous value kept.
func (l *Loader[T]) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("definition watcher: %w", err)
	}
	dir := filepath.Dir(l.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("definition watcher add %s: %w", dir, err)
	}

	target := filepath.Clean(l.path)
	done := make(chan struct{})
	var once sync.Once
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
					if _, err := l.Reload(); err != nil {
						logger.Warn("Definition reload failed; keeping previous version",
							zap.String("path", l.path),
							zap.Error(err),
						)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("Definition watcher error", zap.String("path", l.path), zap.Error(err))
			case <-done:
				return
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }, nil
}

// Reload forces an immediate re-read of the file.
func (l *Loader[T]) Reload() (T, error) {
	v, err := l.load()
	if err != nil {
		var zero T
		return zero, err
	}
	l.mu.Lock()
	l.current = v
	callbacks := make([]func(T), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()

	logger.Info("Definitions reloaded", zap.String("path", l.path))
	for _, fn := range callbacks {
		fn(v)
	}
	return v, nil
}

func (l *Loader[T]) load() (T, error) {
	var zero T
	data, err := os.ReadFile(l.path)
	if err != nil {
		return zero, fmt.Errorf("read %s: %w", l.path, err)
	}
	v, err := l.parse(data)
	if err != nil {
		return zero, fmt.Errorf("parse %s: %w", l.path, err)
	}
	return v, nil
}
