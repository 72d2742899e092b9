package task

import (
	"testing"
)

func TestStoreAddRejectsInvalidDAG(t *testing.T) {
	store := NewStore()
	task := buildTask(StatusPending)
	task.Subtasks[0].BlockedBy = []string{"ghost"}

	if err := store.Add(task); err == nil {
		t.Fatal("expected DAG validation failure")
	}
}

func TestStoreAddRejectsDuplicate(t *testing.T) {
	store := NewStore()
	if err := store.Add(buildTask()); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := store.Add(buildTask()); err == nil {
		t.Fatal("expected duplicate rejection")
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	store := NewStore()
	task := buildTask(StatusPending, StatusPending)
	task.Subtasks[1].BlockedBy = []string{"A"}
	if err := store.Add(task); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	snapshot, err := store.Snapshot("TASK-1")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	// Mutating the live task must not bleed into the snapshot.
	_ = store.With("TASK-1", func(live *Task) error {
		live.Subtasks[0].Status = StatusCompleted
		live.Unblock("A")
		live.Metadata["paused"] = true
		return nil
	})

	if snapshot.Subtasks[0].Status != StatusPending {
		t.Error("snapshot subtask status mutated")
	}
	if len(snapshot.Subtasks[1].BlockedBy) != 1 {
		t.Error("snapshot blocked_by mutated")
	}
	if _, ok := snapshot.Metadata["paused"]; ok {
		t.Error("snapshot metadata mutated")
	}
}

func TestReplaceRestoresSnapshot(t *testing.T) {
	store := NewStore()
	task := buildTask(StatusPending)
	if err := store.Add(task); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	snapshot, _ := store.Snapshot("TASK-1")

	_ = store.With("TASK-1", func(live *Task) error {
		live.Subtasks[0].Status = StatusFailed
		return nil
	})

	store.Replace(snapshot)

	_ = store.With("TASK-1", func(live *Task) error {
		if live.Subtasks[0].Status != StatusPending {
			t.Errorf("status after restore = %s", live.Subtasks[0].Status)
		}
		return nil
	})
}

func TestActiveSubtasks(t *testing.T) {
	store := NewStore()
	task := buildTask(StatusPending, StatusInProgress, StatusAssigned, StatusCompleted)
	if err := store.Add(task); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	active := store.ActiveSubtasks()
	if len(active) != 2 {
		t.Fatalf("active = %d, want 2", len(active))
	}
}
