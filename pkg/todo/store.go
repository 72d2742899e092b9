package todo

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Store serialises all access to the todo.md file. Writes are whole-file:
// read, mutate the line list, write back, under one file-level lock shared by
// every writer in the process.
type Store struct {
	path string
	mu   sync.Mutex
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string { return s.path }

// Load reads and parses the file. A missing file parses as an empty skeleton.
func (s *Store) Load() (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Save writes the rendered file back to disk.
func (s *Store) Save(f *File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(f)
}

// Update runs one load-mutate-save cycle atomically with respect to every
// other Load, Save, and Update on this store.
func (s *Store) Update(fn func(*File) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		return err
	}
	return s.write(f)
}

func (s *Store) load() (*File, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return Parse(Skeleton("Tasks"))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read todo file: %w", err)
	}
	return Parse(string(data))
}

func (s *Store) write(f *File) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create todo directory: %w", err)
	}
	if err := os.WriteFile(s.path, []byte(f.Render()), 0o644); err != nil {
		return fmt.Errorf("failed to write todo file: %w", err)
	}
	return nil
}

// Watch invokes onChange whenever the file is modified externally, until the
// context ends. Humans edit todo.md directly; the engine reloads on change.
func (s *Store) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory: editors often replace the file on save.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch todo directory: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(s.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("todo watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Skeleton renders an empty file with the four sections.
func Skeleton(title string) string {
	return fmt.Sprintf("# %s\n\n## Backlog\n\n## Active\n\n## Delayed\n\n## Done\n", title)
}
