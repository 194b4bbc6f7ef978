package inject

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const templateExt = ".js"

// Store holds the templates of one directory, keyed by file name without
// the .js extension.
type Store struct {
	dir      string
	logger   *zap.Logger
	debounce time.Duration

	mu        sync.RWMutex
	templates map[string]string
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the store logger.
func WithStoreLogger(logger *zap.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDebounce sets how long Watch waits after the last change before
// reloading.
func WithDebounce(d time.Duration) StoreOption {
	return func(s *Store) {
		s.debounce = d
	}
}

// LoadDir reads every template in dir.
func LoadDir(dir string, opts ...StoreOption) (*Store, error) {
	s := &Store{
		dir:      dir,
		logger:   zap.NewNop(),
		debounce: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the directory the store reads.
func (s *Store) Dir() string {
	return s.dir
}

// Get returns the template called name.
func (s *Store) Get(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.templates[name]
	return src, ok
}

// Names returns the template names in sorted order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.templates))
	for name := range s.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reload rereads the directory. The previous templates stay in place when
// reading fails.
func (s *Store) Reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read template dir: %w", err)
	}

	templates := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != templateExt {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("read template %s: %w", entry.Name(), err)
		}
		templates[strings.TrimSuffix(entry.Name(), templateExt)] = string(data)
	}

	s.mu.Lock()
	s.templates = templates
	s.mu.Unlock()

	s.logger.Debug("Templates loaded", zap.String("dir", s.dir), zap.Int("count", len(templates)))
	return nil
}

// Watch reloads the store whenever a template file changes, until ctx is
// done. Bursts of events within the debounce window cause one reload.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}
	s.logger.Info("Watching templates", zap.String("dir", s.dir))

	timer := time.NewTimer(s.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(event.Name) != templateExt {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			s.logger.Debug("Template changed", zap.String("file", event.Name), zap.String("op", event.Op.String()))
			timer.Reset(s.debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("Template watcher error", zap.Error(err))

		case <-timer.C:
			if err := s.Reload(); err != nil {
				s.logger.Error("Template reload failed", zap.Error(err))
			}
		}
	}
}
