// Package settings holds the user-facing configuration consumed read-only
// by the merge engine: per-surface target limits, the split smartspace
// toggle and the expanded open mode. Settings live in a YAML file and are
// hot-reloaded when the file changes on disk.
package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"smartspacer/internal/smartspace"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ExpandedOpenMode controls when tapping a page opens the expanded view.
type ExpandedOpenMode string

const (
	ExpandedOpenModeNever    ExpandedOpenMode = "never"
	ExpandedOpenModeIfLocked ExpandedOpenMode = "if_locked"
	ExpandedOpenModeAlways   ExpandedOpenMode = "always"
)

// Settings is one immutable snapshot of the user configuration.
type Settings struct {
	HomeTargetLimit  int              `yaml:"home_target_limit"`
	LockTargetLimit  int              `yaml:"lock_target_limit"`
	SplitSmartspace  bool             `yaml:"split_smartspace"`
	ExpandedOpenMode ExpandedOpenMode `yaml:"expanded_open_mode"`
	Latitude         float64          `yaml:"latitude"`
	Longitude        float64          `yaml:"longitude"`
}

// Defaults returns the settings used when no file exists yet.
func Defaults() Settings {
	return Settings{
		HomeTargetLimit:  5,
		LockTargetLimit:  5,
		SplitSmartspace:  false,
		ExpandedOpenMode: ExpandedOpenModeIfLocked,
	}
}

// TargetLimit returns the configured target limit for a surface.
func (s Settings) TargetLimit(surface smartspace.Surface) int {
	switch surface {
	case smartspace.SurfaceLockscreen:
		return s.LockTargetLimit
	default:
		return s.HomeTargetLimit
	}
}

// Handler is called with the new snapshot after every reload.
type Handler func(Settings)

// Subscription is an active settings subscription.
type Subscription interface {
	Unsubscribe()
}

type subscription struct {
	id    int
	store *Store
}

func (s *subscription) Unsubscribe() {
	s.store.unsubscribe(s.id)
}

// Store loads the settings file and republishes snapshots on change.
type Store struct {
	path   string
	logger *zap.Logger

	mu      sync.RWMutex
	current Settings

	subsMu    sync.RWMutex
	subs      map[int]Handler
	nextSubID int

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewStore creates a settings store for the given file path.
func NewStore(path string, logger *zap.Logger) *Store {
	return &Store{
		path:    path,
		logger:  logger.Named("settings"),
		current: Defaults(),
		subs:    make(map[int]Handler),
	}
}

// Load reads the settings file. A missing file is not an error: defaults
// apply until the user saves something.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.logger.Info("No settings file, using defaults", zap.String("path", s.path))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read settings: %w", err)
	}

	loaded := Defaults()
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("failed to parse settings: %w", err)
	}

	s.mu.Lock()
	changed := loaded != s.current
	s.current = loaded
	s.mu.Unlock()

	if changed {
		s.publish(loaded)
	}
	return nil
}

// Set replaces the current settings programmatically and notifies
// subscribers. The file on disk is left untouched.
func (s *Store) Set(snapshot Settings) {
	s.mu.Lock()
	changed := snapshot != s.current
	s.current = snapshot
	s.mu.Unlock()

	if changed {
		s.publish(snapshot)
	}
}

// Get returns the current settings snapshot.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Subscribe registers a handler called after every settings change.
func (s *Store) Subscribe(handler Handler) Subscription {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	s.subs[id] = handler
	return &subscription{id: id, store: s}
}

func (s *Store) unsubscribe(id int) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	delete(s.subs, id)
}

func (s *Store) publish(snapshot Settings) {
	s.subsMu.RLock()
	handlers := make([]Handler, 0, len(s.subs))
	for _, h := range s.subs {
		handlers = append(handlers, h)
	}
	s.subsMu.RUnlock()

	for _, h := range handlers {
		go h(snapshot)
	}
}

// Watch starts reloading the settings file whenever it changes. Watching
// the directory rather than the file survives editors that replace the
// file on save.
func (s *Store) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch settings dir: %w", err)
	}

	s.watcher = watcher
	s.done = make(chan struct{})

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != s.path {
					continue
				}
				if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
					continue
				}
				if err := s.Load(); err != nil {
					s.logger.Error("Failed to reload settings", zap.Error(err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("Settings watcher error", zap.Error(err))
			case <-s.done:
				return
			}
		}
	}()

	s.logger.Info("Watching settings file", zap.String("path", s.path))
	return nil
}

// Stop stops the file watcher.
func (s *Store) Stop() {
	if s.watcher == nil {
		return
	}
	close(s.done)
	s.watcher.Close()
	s.watcher = nil
}
