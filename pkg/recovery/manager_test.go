package recovery

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/swarmgate/swarmgate/pkg/task"
)

func managerFixture(t *testing.T) (*Manager, *task.Store) {
	t.Helper()

	store := task.NewStore()
	checkpoints := NewCheckpointStore(t.TempDir(), 3)
	return NewManager(store, checkpoints, 3), store
}

func addTask(t *testing.T, store *task.Store, id string, statuses ...task.Status) {
	t.Helper()

	tk := task.NewTask(id, "demo", "", 1)
	for i, status := range statuses {
		s := task.NewSubtask(fmt.Sprintf("%s-S%d", id, i+1), id, "sub", 5, 0)
		s.Status = status
		tk.Subtasks = append(tk.Subtasks, s)
	}
	if err := store.Add(tk); err != nil {
		t.Fatalf("Add(%s) error = %v", id, err)
	}
}

func TestPauseRecordsAffectedSubtasks(t *testing.T) {
	m, store := managerFixture(t)
	addTask(t, store, "T1", task.StatusInProgress, task.StatusPending)

	state, err := m.Pause("T1", ReasonUserRequest, "hold on")
	if err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if len(state.AffectedSubtasks) != 1 || state.AffectedSubtasks[0] != "T1-S1" {
		t.Errorf("affected = %v", state.AffectedSubtasks)
	}
	if !m.IsPaused("T1") {
		t.Error("task should be paused")
	}
}

func TestPauseRefusesTerminalTask(t *testing.T) {
	m, store := managerFixture(t)
	addTask(t, store, "T1", task.StatusCompleted)
	_ = store.With("T1", func(tk *task.Task) error {
		tk.Status = task.StatusCompleted
		return nil
	})

	if _, err := m.Pause("T1", ReasonUserRequest, ""); err == nil {
		t.Fatal("expected refusal for terminal task")
	}
}

func TestResumeIsIdempotencyChecked(t *testing.T) {
	m, store := managerFixture(t)
	addTask(t, store, "T1", task.StatusPending)

	if err := m.Resume("T1"); err == nil {
		t.Fatal("resuming a task that is not paused should error")
	}

	if _, err := m.Pause("T1", ReasonRateLimit, ""); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if err := m.Resume("T1"); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if m.IsPaused("T1") {
		t.Error("task still paused after resume")
	}
	if err := m.Resume("T1"); err == nil {
		t.Error("second resume should error")
	}
}

func TestPauseAllResumeAllCounts(t *testing.T) {
	m, store := managerFixture(t)
	addTask(t, store, "T1", task.StatusPending)
	addTask(t, store, "T2", task.StatusPending)

	if count := m.PauseAll(ReasonSystemMaintenance, "maint"); count != 2 {
		t.Errorf("PauseAll() = %d, want 2", count)
	}
	// Already paused tasks are skipped on a second sweep.
	if count := m.PauseAll(ReasonSystemMaintenance, "maint"); count != 0 {
		t.Errorf("second PauseAll() = %d, want 0", count)
	}
	if count := m.ResumeAll(); count != 2 {
		t.Errorf("ResumeAll() = %d, want 2", count)
	}
}

func TestCheckpointRestoreRoundTrip(t *testing.T) {
	m, store := managerFixture(t)
	addTask(t, store, "T1", task.StatusInProgress)
	_ = store.With("T1", func(tk *task.Task) error {
		tk.Subtasks[0].AssignedAgent = "agent-1"
		tk.Subtasks[0].CurrentIteration = 2
		return nil
	})

	cp, err := m.Checkpoint("T1", "test", "before_change")
	if err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}

	_ = store.With("T1", func(tk *task.Task) error {
		tk.Subtasks[0].Status = task.StatusFailed
		tk.Subtasks[0].CurrentIteration = 5
		return nil
	})

	if err := m.Restore("T1", cp.CheckpointID); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	_ = store.With("T1", func(tk *task.Task) error {
		s := tk.Subtasks[0]
		if s.Status != task.StatusInProgress || s.CurrentIteration != 2 || s.AssignedAgent != "agent-1" {
			t.Errorf("restored subtask = %+v", s)
		}
		return nil
	})
}

func TestCheckpointRetentionDeletesOldest(t *testing.T) {
	m, store := managerFixture(t)
	addTask(t, store, "T1", task.StatusPending)

	var first string
	for i := 0; i < 5; i++ {
		cp, err := m.Checkpoint("T1", "test", fmt.Sprintf("cp-%d", i))
		if err != nil {
			t.Fatalf("Checkpoint() error = %v", err)
		}
		if i == 0 {
			first = cp.CheckpointID
		}
		// Distinct created-at stamps keep the oldest-first ordering stable.
		time.Sleep(5 * time.Millisecond)
	}

	cps, err := m.checkpoints.List("T1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(cps) != 3 {
		t.Fatalf("retained = %d, want 3", len(cps))
	}
	for _, cp := range cps {
		if cp.CheckpointID == first {
			t.Error("oldest checkpoint should have been deleted")
		}
	}
}

func TestRollbackRefusesCompletedSubtask(t *testing.T) {
	m, store := managerFixture(t)
	addTask(t, store, "T1", task.StatusCompleted, task.StatusInProgress)

	if err := m.RollbackSubtask("T1", "T1-S1"); err == nil {
		t.Fatal("expected refusal for completed subtask")
	}

	if err := m.RollbackSubtask("T1", "T1-S2"); err != nil {
		t.Fatalf("RollbackSubtask() error = %v", err)
	}
	_ = store.With("T1", func(tk *task.Task) error {
		s, _ := tk.Subtask("T1-S2")
		if s.Status != task.StatusPending || s.AssignedAgent != "" || s.StartedAt != nil {
			t.Errorf("rolled-back subtask = %+v", s)
		}
		return nil
	})
}

func TestRetryAccounting(t *testing.T) {
	m, _ := managerFixture(t)

	for i := 1; i <= 3; i++ {
		count, allowed := m.IncrementRetry("T1", "S1")
		if count != i || !allowed {
			t.Errorf("retry %d = (%d, %v)", i, count, allowed)
		}
	}
	if _, allowed := m.IncrementRetry("T1", "S1"); allowed {
		t.Error("fourth retry should be refused")
	}
	if m.RetryCount("T1", "S1") != 4 {
		t.Errorf("RetryCount() = %d", m.RetryCount("T1", "S1"))
	}
	// Counters are per subtask.
	if m.RetryCount("T1", "S2") != 0 {
		t.Error("unrelated subtask has retries")
	}
}

func TestShutdownAndStartupRecovery(t *testing.T) {
	store := task.NewStore()
	root := t.TempDir()
	checkpoints := NewCheckpointStore(root, 3)
	m := NewManager(store, checkpoints, 3)

	addTask(t, store, "T1", task.StatusInProgress)
	addTask(t, store, "T2", task.StatusPending)
	if _, err := m.Pause("T2", ReasonManualReview, "needs eyes"); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	// Fresh manager over the same disk state, simulating a restart.
	m2 := NewManager(store, NewCheckpointStore(root, 3), 3)
	if err := m2.StartupRecovery(); err != nil {
		t.Fatalf("StartupRecovery() error = %v", err)
	}

	// system_maintenance pauses auto-resume; manual_review stays paused.
	if m2.IsPaused("T1") {
		t.Error("T1 should auto-resume after maintenance shutdown")
	}
	if !m2.IsPaused("T2") {
		t.Error("T2 paused for manual review must stay paused")
	}
}
