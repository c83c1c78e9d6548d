// Package profile implements the user-profile document store and the Scribe,
// the fire-and-forget extractor that maintains it. The profile is a single
// JSON file carrying cross-topic constraints, preferences, and identities; it
// is hydrated into every prompt independent of routing.
package profile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"hmlr/internal/logging"
	"hmlr/internal/types"
)

// Store is the profile document store. Read-modify-write with
// last-writer-wins; a single user owns the profile, so lost updates between
// processes are tolerable.
type Store struct {
	path    string
	mu      sync.Mutex
	cached  *types.UserProfile
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewStore opens the profile document at path, creating an empty one if
// missing. A filesystem watcher invalidates the cache when the file is
// edited externally.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path, done: make(chan struct{})}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create profile directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := s.write(emptyProfile()); err != nil {
			return nil, err
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Get(logging.CategoryProfile).Warn("Profile watcher unavailable: %v", err)
	} else {
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			logging.Get(logging.CategoryProfile).Warn("Failed to watch profile directory: %v", err)
			watcher.Close()
		} else {
			s.watcher = watcher
			go s.watch()
		}
	}

	logging.Profile("Profile store ready at %s", path)
	return s, nil
}

func emptyProfile() *types.UserProfile {
	return &types.UserProfile{
		Glossary: types.Glossary{
			Constraints: []types.Constraint{},
			Preferences: []string{},
			Identities:  []string{},
		},
	}
}

// watch invalidates the cache when the profile file changes on disk.
func (s *Store) watch() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Name == s.path && event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove) != 0 {
				s.mu.Lock()
				s.cached = nil
				s.mu.Unlock()
				logging.ProfileDebug("Profile file changed on disk, cache invalidated")
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryProfile).Warn("Profile watcher error: %v", err)
		}
	}
}

// Get returns the current profile, reading from disk if the cache is cold.
func (s *Store) Get() (*types.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil {
		return s.cached, nil
	}

	profile, err := s.read()
	if err != nil {
		return nil, err
	}
	s.cached = profile
	return profile, nil
}

// Update applies fn to the profile under the lock and persists the result.
func (s *Store) Update(fn func(*types.UserProfile)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	profile, err := s.read()
	if err != nil {
		return err
	}

	fn(profile)

	if err := s.write(profile); err != nil {
		return err
	}
	s.cached = profile
	return nil
}

// Close stops the filesystem watcher.
func (s *Store) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *Store) read() (*types.UserProfile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return emptyProfile(), nil
		}
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}

	var profile types.UserProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	return &profile, nil
}

func (s *Store) write(profile *types.UserProfile) error {
	data, err := json.MarshalIndent(profile, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}
	return nil
}
