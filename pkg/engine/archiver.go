package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/swarmgate/swarmgate/pkg/task"
)

// Archiver moves exhausted iteration histories out of memory into
// <root>/<task-id>/iterations/<subtask-id>.json.
type Archiver struct {
	root string
}

func NewArchiver(root string) *Archiver {
	return &Archiver{root: root}
}

func (a *Archiver) Archive(taskID, subtaskID string, history []task.IterationRecord) error {
	dir := filepath.Join(a.root, taskID, "iterations")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal iteration history: %w", err)
	}

	path := filepath.Join(dir, subtaskID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write iteration archive: %w", err)
	}
	return nil
}

// Load reads an archived history back, for inspection endpoints.
func (a *Archiver) Load(taskID, subtaskID string) ([]task.IterationRecord, error) {
	data, err := os.ReadFile(filepath.Join(a.root, taskID, "iterations", subtaskID+".json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read iteration archive: %w", err)
	}

	var history []task.IterationRecord
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("failed to decode iteration archive: %w", err)
	}
	return history, nil
}
