package task

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// nowFunc is swapped in tests.
var nowFunc = time.Now

// Store is the in-process task map. Mutations go through With, which holds
// the per-task lock for the duration of the callback; callers must not keep
// the *Task past the callback.
type Store struct {
	mu    sync.RWMutex
	tasks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	task *Task
}

func NewStore() *Store {
	return &Store{tasks: make(map[string]*entry)}
}

// Add registers a task after validating its dependency DAG.
func (s *Store) Add(t *Task) error {
	if err := t.ValidateDependencies(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("task '%s' already exists", t.ID)
	}
	s.tasks[t.ID] = &entry{task: t}
	return nil
}

// With runs fn under the task's lock.
func (s *Store) With(taskID string, fn func(*Task) error) error {
	s.mu.RLock()
	e, ok := s.tasks[taskID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown task '%s'", taskID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.task)
}

// Snapshot returns a deep copy of one task.
func (s *Store) Snapshot(taskID string) (*Task, error) {
	var snapshot *Task
	err := s.With(taskID, func(t *Task) error {
		snapshot = cloneTask(t)
		return nil
	})
	return snapshot, err
}

// Replace swaps the stored task for a restored snapshot, creating the entry
// if needed.
func (s *Store) Replace(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.tasks[t.ID]; ok {
		e.mu.Lock()
		e.task = t
		e.mu.Unlock()
		return
	}
	s.tasks[t.ID] = &entry{task: t}
}

// Remove drops a task from the store.
func (s *Store) Remove(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, taskID)
}

// IDs lists known task ids, sorted for determinism.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ActiveSubtasks returns copies of every in-progress or assigned subtask
// across all tasks. Used by the silent-worker monitor.
func (s *Store) ActiveSubtasks() []Subtask {
	var active []Subtask
	for _, id := range s.IDs() {
		_ = s.With(id, func(t *Task) error {
			for i := range t.Subtasks {
				st := t.Subtasks[i]
				if st.Status == StatusInProgress || st.Status == StatusAssigned {
					active = append(active, st)
				}
			}
			return nil
		})
	}
	return active
}

func cloneTask(t *Task) *Task {
	out := *t
	out.Subtasks = make([]Subtask, len(t.Subtasks))
	copy(out.Subtasks, t.Subtasks)
	for i := range out.Subtasks {
		sub := &out.Subtasks[i]
		sub.BlockedBy = append([]string(nil), sub.BlockedBy...)
		sub.IterationHistory = append([]IterationRecord(nil), sub.IterationHistory...)
	}
	if t.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
