package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/swarmgate/swarmgate/pkg/task"
)

// PauseReason is the closed set of reasons a task can be paused.
type PauseReason string

const (
	ReasonUserRequest       PauseReason = "user_request"
	ReasonErrorThreshold    PauseReason = "error_threshold"
	ReasonRateLimit         PauseReason = "rate_limit"
	ReasonManualReview      PauseReason = "manual_review"
	ReasonDependencyBlocked PauseReason = "dependency_blocked"
	ReasonSystemMaintenance PauseReason = "system_maintenance"
)

// PauseState records one paused task.
type PauseState struct {
	TaskID           string      `json:"task_id"`
	PausedAt         time.Time   `json:"paused_at"`
	Reason           PauseReason `json:"reason"`
	Message          string      `json:"message,omitempty"`
	AffectedSubtasks []string    `json:"affected_subtasks"`
}

const pauseStateFile = "pause_states.json"

// Manager owns pause state, retry accounting, and the shutdown sequence.
type Manager struct {
	store       *task.Store
	checkpoints *CheckpointStore
	maxRetries  int

	mu      sync.Mutex
	paused  map[string]PauseState
	retries map[string]int // keyed by taskID/subtaskID
}

func NewManager(store *task.Store, checkpoints *CheckpointStore, maxRetries int) *Manager {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Manager{
		store:       store,
		checkpoints: checkpoints,
		maxRetries:  maxRetries,
		paused:      make(map[string]PauseState),
		retries:     make(map[string]int),
	}
}

// Pause marks a task paused. Terminal tasks refuse.
func (m *Manager) Pause(taskID string, reason PauseReason, message string) (*PauseState, error) {
	var state PauseState

	err := m.store.With(taskID, func(t *task.Task) error {
		if t.Status.Terminal() {
			return fmt.Errorf("task '%s' is %s and cannot be paused", taskID, t.Status)
		}

		var affected []string
		for i := range t.Subtasks {
			if t.Subtasks[i].Status == task.StatusInProgress {
				affected = append(affected, t.Subtasks[i].ID)
			}
		}

		state = PauseState{
			TaskID:           taskID,
			PausedAt:         time.Now(),
			Reason:           reason,
			Message:          message,
			AffectedSubtasks: affected,
		}
		t.Metadata["paused"] = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.paused[taskID] = state
	m.mu.Unlock()

	slog.Info("Task paused", "task", taskID, "reason", reason, "affected", len(state.AffectedSubtasks))
	return &state, nil
}

// Resume clears the pause flag.
func (m *Manager) Resume(taskID string) error {
	m.mu.Lock()
	_, wasPaused := m.paused[taskID]
	delete(m.paused, taskID)
	m.mu.Unlock()

	if !wasPaused {
		return fmt.Errorf("task '%s' is not paused", taskID)
	}

	err := m.store.With(taskID, func(t *task.Task) error {
		delete(t.Metadata, "paused")
		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("Task resumed", "task", taskID)
	return nil
}

// IsPaused reports the pause state of a task.
func (m *Manager) IsPaused(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.paused[taskID]
	return ok
}

// PauseAll pauses every non-terminal task and reports how many.
func (m *Manager) PauseAll(reason PauseReason, message string) int {
	count := 0
	for _, id := range m.store.IDs() {
		if m.IsPaused(id) {
			continue
		}
		if _, err := m.Pause(id, reason, message); err == nil {
			count++
		}
	}
	return count
}

// ResumeAll resumes every paused task and reports how many.
func (m *Manager) ResumeAll() int {
	m.mu.Lock()
	ids := make([]string, 0, len(m.paused))
	for id := range m.paused {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	count := 0
	for _, id := range ids {
		if err := m.Resume(id); err == nil {
			count++
		}
	}
	return count
}

// Checkpoint snapshots the task to disk.
func (m *Manager) Checkpoint(taskID, createdBy, reason string) (*Checkpoint, error) {
	snapshot, err := m.store.Snapshot(taskID)
	if err != nil {
		return nil, err
	}

	cp := &Checkpoint{
		TaskID:       taskID,
		CreatedAt:    time.Now(),
		CreatedBy:    createdBy,
		Reason:       reason,
		TaskSnapshot: snapshot,
	}
	if err := m.checkpoints.Save(cp); err != nil {
		return nil, err
	}

	slog.Info("Checkpoint written", "task", taskID, "checkpoint", cp.CheckpointID, "reason", reason)
	return cp, nil
}

// Restore replaces the live task with a checkpoint's snapshot. Round-trip
// faithful: timestamps and nested subtasks come back exactly as saved.
func (m *Manager) Restore(taskID, checkpointID string) error {
	cp, err := m.checkpoints.Load(taskID, checkpointID)
	if err != nil {
		return err
	}
	if cp.TaskSnapshot == nil {
		return fmt.Errorf("checkpoint '%s' has no task snapshot", checkpointID)
	}

	m.store.Replace(cp.TaskSnapshot)
	slog.Info("Task restored from checkpoint", "task", taskID, "checkpoint", checkpointID)
	return nil
}

// RollbackSubtask resets a subtask to pending. Completed subtasks refuse.
func (m *Manager) RollbackSubtask(taskID, subtaskID string) error {
	return m.store.With(taskID, func(t *task.Task) error {
		s, ok := t.Subtask(subtaskID)
		if !ok {
			return fmt.Errorf("unknown subtask '%s'", subtaskID)
		}
		if s.Status == task.StatusCompleted {
			return fmt.Errorf("subtask '%s' is completed and cannot be rolled back", subtaskID)
		}

		s.Status = task.StatusPending
		s.AssignedAgent = ""
		s.StartedAt = nil

		rollbacks, _ := t.Metadata["rollbacks"].([]interface{})
		t.Metadata["rollbacks"] = append(rollbacks, map[string]interface{}{
			"subtask_id":    subtaskID,
			"rolled_back_at": time.Now().Format(time.RFC3339),
		})
		return nil
	})
}

// IncrementRetry bumps the per-subtask counter and reports whether another
// attempt is allowed.
func (m *Manager) IncrementRetry(taskID, subtaskID string) (count int, allowed bool) {
	key := taskID + "/" + subtaskID

	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries[key]++
	return m.retries[key], m.retries[key] <= m.maxRetries
}

// RetryCount returns the current counter value.
func (m *Manager) RetryCount(taskID, subtaskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retries[taskID+"/"+subtaskID]
}

// Shutdown pauses all active tasks for maintenance, checkpoints each, and
// persists the pause-state map.
func (m *Manager) Shutdown(ctx context.Context) error {
	count := m.PauseAll(ReasonSystemMaintenance, "gateway shutting down")
	slog.Info("Shutdown: tasks paused", "count", count)

	for _, id := range m.store.IDs() {
		if !m.IsPaused(id) {
			continue
		}
		if _, err := m.Checkpoint(id, "system", "graceful_shutdown"); err != nil {
			slog.Error("Shutdown checkpoint failed", "task", id, "error", err)
		}
	}

	return m.persistPauseStates()
}

// StartupRecovery loads the persisted pause map and auto-resumes only tasks
// paused for system maintenance. Other reasons need a human decision.
func (m *Manager) StartupRecovery() error {
	path := filepath.Join(m.checkpoints.Root(), pauseStateFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read pause states: %w", err)
	}

	var states map[string]PauseState
	if err := json.Unmarshal(data, &states); err != nil {
		return fmt.Errorf("failed to decode pause states: %w", err)
	}

	m.mu.Lock()
	m.paused = states
	m.mu.Unlock()

	resumed := 0
	for id, state := range states {
		if state.Reason != ReasonSystemMaintenance {
			continue
		}
		if err := m.Resume(id); err == nil {
			resumed++
		} else {
			// The task may not be loaded yet; drop the stale entry.
			m.mu.Lock()
			delete(m.paused, id)
			m.mu.Unlock()
		}
	}
	slog.Info("Startup recovery complete", "loaded", len(states), "resumed", resumed)
	return nil
}

func (m *Manager) persistPauseStates() error {
	m.mu.Lock()
	states := make(map[string]PauseState, len(m.paused))
	for k, v := range m.paused {
		states[k] = v
	}
	m.mu.Unlock()

	data, err := json.MarshalIndent(states, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal pause states: %w", err)
	}

	if err := os.MkdirAll(m.checkpoints.Root(), 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint root: %w", err)
	}
	path := filepath.Join(m.checkpoints.Root(), pauseStateFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write pause states: %w", err)
	}
	return nil
}
