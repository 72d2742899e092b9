// Package task holds the in-memory task model: entities, state transitions,
// and the dependency DAG between subtasks. todo.md is the durable source of
// truth; this package is the ephemeral runtime view.
package task

import (
	"fmt"
	"time"
)

// Status is shared by tasks and subtasks.
type Status string

const (
	StatusPending      Status = "pending"
	StatusBreakingDown Status = "breaking_down"
	StatusAssigned     Status = "assigned"
	StatusInProgress   Status = "in_progress"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Promise is the completion signal a worker reports each iteration.
type Promise string

const (
	PromiseDone     Promise = "DONE"
	PromiseBlocked  Promise = "BLOCKED"
	PromiseStuck    Promise = "STUCK"
	PromiseProgress Promise = "PROGRESS"
	PromiseNone     Promise = "none"
)

func ParsePromise(s string) (Promise, error) {
	switch Promise(s) {
	case PromiseDone, PromiseBlocked, PromiseStuck, PromiseProgress:
		return Promise(s), nil
	case "", PromiseNone:
		return PromiseNone, nil
	default:
		return "", fmt.Errorf("unknown promise '%s'", s)
	}
}

// MaxEscalationLevel caps the ladder: 0 retry, 1 hint, 2 reassign, 3 human.
const MaxEscalationLevel = 3

// NextAction is the engine's verdict after one iteration report.
type NextAction string

const (
	ActionComplete      NextAction = "complete"
	ActionRetry         NextAction = "retry"
	ActionHintInjected  NextAction = "hint_injected"
	ActionReassigning   NextAction = "reassigning"
	ActionEscalateHuman NextAction = "escalate_human"
)

// IterationRecord captures one worker attempt at a subtask.
type IterationRecord struct {
	IterationNum      int       `json:"iteration_num"`
	StartedAt         time.Time `json:"started_at"`
	EndedAt           time.Time `json:"ended_at"`
	DurationSec       float64   `json:"duration_sec"`
	AgentID           string    `json:"agent_id"`
	ContextTokensUsed int       `json:"context_tokens_used"`
	Promise           Promise   `json:"promise"`
	PromiseDetail     string    `json:"promise_detail,omitempty"`
	Error             string    `json:"error,omitempty"`
	ApproachTried     string    `json:"approach_tried,omitempty"`
	LeaderHint        string    `json:"leader_hint,omitempty"`
}

// Subtask is the unit of work a single agent iterates on. Stored by value
// inside Task; the dependency DAG uses id references only.
type Subtask struct {
	ID           string `json:"id"`
	ParentTaskID string `json:"parent_task_id"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	Status       Status `json:"status"`

	AssignedAgent string `json:"assigned_agent,omitempty"`
	PromptRef     string `json:"prompt_ref,omitempty"`
	PlanFile      string `json:"plan_file,omitempty"`

	BlockedBy []string `json:"blocked_by,omitempty"`

	MaxIterations       int `json:"max_iterations"`
	CurrentIteration    int `json:"current_iteration"`
	EscalationLevel     int `json:"escalation_level"`
	ContextTokensTotal  int `json:"context_tokens_total"`
	ContextBudgetTokens int `json:"context_budget_tokens"`

	LastPromise       Promise `json:"last_promise"`
	LastPromiseDetail string  `json:"last_promise_detail,omitempty"`
	LeaderHint        string  `json:"leader_hint,omitempty"`

	IterationHistory []IterationRecord `json:"iteration_history,omitempty"`

	Result          string     `json:"result,omitempty"`
	ComplexityScore float64    `json:"complexity_score,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	LastActivityAt  time.Time  `json:"last_activity_at"`
}

// Task groups subtasks and carries the shared iteration budget.
type Task struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      Status `json:"status"`
	Priority    int    `json:"priority"`

	Subtasks []Subtask `json:"subtasks"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	TotalIterationsUsed   int `json:"total_iterations_used"`
	TotalIterationsBudget int `json:"total_iterations_budget"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Subtask looks up a subtask by id.
func (t *Task) Subtask(id string) (*Subtask, bool) {
	for i := range t.Subtasks {
		if t.Subtasks[i].ID == id {
			return &t.Subtasks[i], true
		}
	}
	return nil, false
}

// NewTask builds a pending task.
func NewTask(id, title, description string, priority int) *Task {
	return &Task{
		ID:          id,
		Title:       title,
		Description: description,
		Status:      StatusPending,
		Priority:    priority,
		CreatedAt:   time.Now(),
		Metadata:    make(map[string]interface{}),
	}
}

// NewSubtask builds a pending subtask with defaults applied.
func NewSubtask(id, parentID, title string, maxIterations, contextBudget int) Subtask {
	if maxIterations < 1 {
		maxIterations = 1
	}
	return Subtask{
		ID:                  id,
		ParentTaskID:        parentID,
		Title:               title,
		Status:              StatusPending,
		MaxIterations:       maxIterations,
		ContextBudgetTokens: contextBudget,
		LastPromise:         PromiseNone,
		LastActivityAt:      time.Now(),
	}
}
