package task

import (
	"fmt"
)

// DeriveStatus computes a task's status from its subtasks. Idempotent:
// calling it twice on the same subtask states yields the same answer.
// failed dominates completed when at least one subtask failed and none are
// still in flight.
func (t *Task) DeriveStatus() Status {
	if t.Status == StatusCancelled {
		return StatusCancelled
	}
	if len(t.Subtasks) == 0 {
		return t.Status
	}

	var completed, failed, inFlight, pending int
	for i := range t.Subtasks {
		switch t.Subtasks[i].Status {
		case StatusCompleted:
			completed++
		case StatusFailed:
			failed++
		case StatusInProgress, StatusAssigned:
			inFlight++
		default:
			pending++
		}
	}

	switch {
	case inFlight > 0:
		return StatusInProgress
	case failed > 0:
		return StatusFailed
	case completed == len(t.Subtasks):
		return StatusCompleted
	case completed > 0:
		return StatusInProgress
	default:
		return StatusPending
	}
}

// Propagate recomputes and stores the derived status.
func (t *Task) Propagate() {
	t.Status = t.DeriveStatus()
}

// ValidateDependencies rejects DAG cycles and dangling references at
// creation time.
func (t *Task) ValidateDependencies() error {
	ids := make(map[string]bool, len(t.Subtasks))
	for i := range t.Subtasks {
		ids[t.Subtasks[i].ID] = true
	}

	edges := make(map[string][]string)
	for i := range t.Subtasks {
		s := &t.Subtasks[i]
		for _, dep := range s.BlockedBy {
			if !ids[dep] {
				return fmt.Errorf("subtask '%s' is blocked by unknown subtask '%s'", s.ID, dep)
			}
			edges[s.ID] = append(edges[s.ID], dep)
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int)

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("dependency cycle involving subtask '%s'", id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, dep := range edges[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}

	for id := range ids {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// Unblock removes the completed id from every sibling's blocked-by set and
// returns the ids whose set became empty.
func (t *Task) Unblock(completedID string) []string {
	var ready []string
	for i := range t.Subtasks {
		s := &t.Subtasks[i]
		before := len(s.BlockedBy)
		if before == 0 {
			continue
		}

		filtered := s.BlockedBy[:0]
		for _, dep := range s.BlockedBy {
			if dep != completedID {
				filtered = append(filtered, dep)
			}
		}
		s.BlockedBy = filtered

		if before > 0 && len(s.BlockedBy) == 0 {
			ready = append(ready, s.ID)
		}
	}
	return ready
}

// Claim assigns a pending subtask to an agent.
func (s *Subtask) Claim(agentID string) error {
	if s.Status != StatusPending {
		return fmt.Errorf("subtask '%s' is %s, not pending", s.ID, s.Status)
	}
	if len(s.BlockedBy) > 0 {
		return fmt.Errorf("subtask '%s' is blocked by %v", s.ID, s.BlockedBy)
	}
	s.Status = StatusAssigned
	s.AssignedAgent = agentID
	s.touch()
	return nil
}

// Release clears the assignment so the subtask can be re-claimed with a
// fresh context.
func (s *Subtask) Release() {
	if s.Status.Terminal() {
		return
	}
	s.Status = StatusPending
	s.AssignedAgent = ""
	s.touch()
}

// BumpEscalation raises the escalation level by one, capped. Levels never
// decrease within a subtask.
func (s *Subtask) BumpEscalation() int {
	if s.EscalationLevel < MaxEscalationLevel {
		s.EscalationLevel++
	}
	return s.EscalationLevel
}

func (s *Subtask) touch() {
	s.LastActivityAt = nowFunc()
}
