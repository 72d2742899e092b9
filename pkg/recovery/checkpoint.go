// Package recovery provides pause/resume, checkpointing, rollback, and the
// graceful-shutdown sequence over the task store.
package recovery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/swarmgate/swarmgate/pkg/task"
)

// Checkpoint is one on-disk snapshot of a task.
type Checkpoint struct {
	CheckpointID string                     `json:"checkpoint_id"`
	TaskID       string                     `json:"task_id"`
	CreatedAt    time.Time                  `json:"created_at"`
	CreatedBy    string                     `json:"created_by"`
	Reason       string                     `json:"reason"`
	TaskSnapshot *task.Task                 `json:"task_snapshot"`
	AgentStates  map[string]json.RawMessage `json:"agent_states,omitempty"`
}

// CheckpointStore keeps checkpoints under <root>/<task-id>/<checkpoint-id>.json
// with at most maxPerTask retained; overflow deletes the oldest by created-at.
type CheckpointStore struct {
	root       string
	maxPerTask int
}

func NewCheckpointStore(root string, maxPerTask int) *CheckpointStore {
	if maxPerTask <= 0 {
		maxPerTask = 5
	}
	return &CheckpointStore{root: root, maxPerTask: maxPerTask}
}

func (s *CheckpointStore) Root() string { return s.root }

// Save writes one checkpoint and enforces retention.
func (s *CheckpointStore) Save(cp *Checkpoint) error {
	if cp.CheckpointID == "" {
		cp.CheckpointID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}

	dir := filepath.Join(s.root, cp.TaskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, cp.CheckpointID+".json"), data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}

	return s.enforceRetention(cp.TaskID)
}

// Load reads one checkpoint by id.
func (s *CheckpointStore) Load(taskID, checkpointID string) (*Checkpoint, error) {
	data, err := os.ReadFile(filepath.Join(s.root, taskID, checkpointID+".json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &cp, nil
}

// List returns the task's checkpoints sorted oldest first.
func (s *CheckpointStore) List(taskID string) ([]*Checkpoint, error) {
	dir := filepath.Join(s.root, taskID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	var cps []*Checkpoint
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		cp, err := s.Load(taskID, strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue
		}
		cps = append(cps, cp)
	}

	sort.Slice(cps, func(i, j int) bool { return cps[i].CreatedAt.Before(cps[j].CreatedAt) })
	return cps, nil
}

// Latest returns the newest checkpoint, or nil when none exist.
func (s *CheckpointStore) Latest(taskID string) (*Checkpoint, error) {
	cps, err := s.List(taskID)
	if err != nil || len(cps) == 0 {
		return nil, err
	}
	return cps[len(cps)-1], nil
}

func (s *CheckpointStore) enforceRetention(taskID string) error {
	cps, err := s.List(taskID)
	if err != nil {
		return err
	}
	for len(cps) > s.maxPerTask {
		oldest := cps[0]
		if err := os.Remove(filepath.Join(s.root, taskID, oldest.CheckpointID+".json")); err != nil {
			return fmt.Errorf("failed to remove old checkpoint: %w", err)
		}
		cps = cps[1:]
	}
	return nil
}
