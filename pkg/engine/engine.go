// Package engine receives worker iteration reports, advances the task model,
// reflects state into todo.md, and fires evidence hooks.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/swarmgate/swarmgate/pkg/config"
	"github.com/swarmgate/swarmgate/pkg/evidence"
	"github.com/swarmgate/swarmgate/pkg/observability"
	"github.com/swarmgate/swarmgate/pkg/recovery"
	"github.com/swarmgate/swarmgate/pkg/task"
	"github.com/swarmgate/swarmgate/pkg/todo"
)

const contextAlertRatio = 0.80

// Report is the inbound worker message after one iteration.
type Report struct {
	TaskID            string `json:"task_id"`
	SubtaskID         string `json:"subtask_id"`
	AgentID           string `json:"agent_id"`
	Success           bool   `json:"success"`
	Result            string `json:"result,omitempty"`
	Error             string `json:"error,omitempty"`
	ContextTokensUsed int    `json:"context_tokens_used"`
	Promise           string `json:"promise"`
	PromiseDetail     string `json:"promise_detail,omitempty"`
	ApproachTried     string `json:"approach_tried,omitempty"`
}

// Feedback is returned to the reporting worker.
type Feedback struct {
	IterationNum        int             `json:"iteration_num"`
	IterationsRemaining int             `json:"iterations_remaining"`
	ContextAlert        bool            `json:"context_alert"`
	NextAction          task.NextAction `json:"next_action"`
	UnblockedSubtaskIDs []string        `json:"unblocked_subtask_ids,omitempty"`
	LeaderHint          string          `json:"leader_hint,omitempty"`
}

// Engine drives the iteration loop for every subtask.
type Engine struct {
	store    *task.Store
	todos    *todo.Store
	packs    *evidence.Writer
	recovery *recovery.Manager
	archiver *Archiver
	cfg      config.EngineConfig

	now func() time.Time
}

func New(store *task.Store, todos *todo.Store, packs *evidence.Writer, rec *recovery.Manager, archiver *Archiver, cfg config.EngineConfig) *Engine {
	return &Engine{
		store:    store,
		todos:    todos,
		packs:    packs,
		recovery: rec,
		archiver: archiver,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Store exposes the task store to transports.
func (e *Engine) Store() *task.Store { return e.store }

// Todos exposes the source-of-truth store.
func (e *Engine) Todos() *todo.Store { return e.todos }

// ClaimSubtask assigns a ready subtask to an agent and reflects the claim in
// todo.md.
func (e *Engine) ClaimSubtask(taskID, subtaskID, agentID string) error {
	err := e.store.With(taskID, func(t *task.Task) error {
		s, ok := t.Subtask(subtaskID)
		if !ok {
			return fmt.Errorf("unknown subtask '%s'", subtaskID)
		}
		if err := s.Claim(agentID); err != nil {
			return err
		}
		t.Propagate()
		return e.updateTodo(func(f *todo.File) error {
			return f.MoveToActive(subtaskID)
		})
	})
	return err
}

// HandleReport runs the report path: record, escalate, hook, and answer.
func (e *Engine) HandleReport(ctx context.Context, r Report) (*Feedback, error) {
	promise, err := task.ParsePromise(r.Promise)
	if err != nil {
		return nil, err
	}

	var feedback *Feedback

	err = e.store.With(r.TaskID, func(t *task.Task) error {
		s, ok := t.Subtask(r.SubtaskID)
		if !ok {
			return fmt.Errorf("unknown subtask '%s'", r.SubtaskID)
		}
		if s.AssignedAgent != r.AgentID {
			return fmt.Errorf("agent '%s' does not hold subtask '%s'", r.AgentID, r.SubtaskID)
		}

		if s.Status == task.StatusAssigned {
			s.Status = task.StatusInProgress
			if s.StartedAt == nil {
				now := e.now()
				s.StartedAt = &now
			}
		}

		feedback = e.applyReport(ctx, t, s, r, promise)
		t.Propagate()
		return nil
	})
	if err != nil {
		return nil, err
	}

	observability.GetGlobalMetrics().RecordIterationReport(ctx, string(promise))
	return feedback, nil
}

func (e *Engine) applyReport(ctx context.Context, t *task.Task, s *task.Subtask, r Report, promise task.Promise) *Feedback {
	now := e.now()

	record := task.IterationRecord{
		IterationNum:      s.CurrentIteration + 1,
		StartedAt:         s.LastActivityAt,
		EndedAt:           now,
		DurationSec:       now.Sub(s.LastActivityAt).Seconds(),
		AgentID:           r.AgentID,
		ContextTokensUsed: r.ContextTokensUsed,
		Promise:           promise,
		PromiseDetail:     r.PromiseDetail,
		Error:             r.Error,
		ApproachTried:     r.ApproachTried,
		LeaderHint:        s.LeaderHint,
	}
	s.IterationHistory = append(s.IterationHistory, record)
	s.CurrentIteration = len(s.IterationHistory)
	s.ContextTokensTotal += r.ContextTokensUsed
	s.LastPromise = promise
	s.LastPromiseDetail = r.PromiseDetail
	s.LastActivityAt = now
	t.TotalIterationsUsed++

	block := evidence.Block{
		Promise:       string(promise),
		PromiseDetail: r.PromiseDetail,
		Iteration:     s.CurrentIteration,
	}
	meta := evidence.Metadata{WorkerID: r.AgentID}

	// Hook 1: any non-DONE promise, batched with report handling.
	if promise != task.PromiseDone && promise != task.PromiseNone {
		e.packs.Emit(t.ID, s.ID, evidence.EventPromiseDetection, block, meta)
	}

	// Hook 3: context pressure.
	budget := s.ContextBudgetTokens
	if budget <= 0 {
		budget = e.cfg.ContextBudgetTokens
	}
	contextAlert := budget > 0 && float64(s.ContextTokensTotal)/float64(budget) >= contextAlertRatio
	if contextAlert {
		e.packs.Emit(t.ID, s.ID, evidence.EventContextPressure, block, meta)
	}

	remaining := s.MaxIterations - s.CurrentIteration

	// Hook 4: STUCK always advances the ladder, even on the final iteration.
	if promise == task.PromiseStuck {
		level := s.BumpEscalation()
		observability.GetGlobalMetrics().RecordEscalation(ctx, level)
		e.packs.Emit(t.ID, s.ID, evidence.EventEscalationBump, block, meta)
	}

	action := e.nextAction(s, promise, r.Success, remaining)

	feedback := &Feedback{
		IterationNum:        s.CurrentIteration,
		IterationsRemaining: remaining,
		ContextAlert:        contextAlert,
		NextAction:          action,
		LeaderHint:          s.LeaderHint,
	}

	switch action {
	case task.ActionComplete:
		feedback.UnblockedSubtaskIDs = e.complete(t, s, r.Result)

	case task.ActionEscalateHuman:
		if remaining <= 0 {
			s.Status = task.StatusFailed
			e.packs.Emit(t.ID, s.ID, evidence.EventBudgetExhaustion, block, meta)
			if err := e.updateTodo(func(f *todo.File) error {
				return f.MarkInProgress(s.ID) // leave visible in Active for the human
			}); err != nil {
				slog.Debug("todo update skipped", "subtask", s.ID, "error", err)
			}
			e.archiveHistory(t.ID, s)
		}

	case task.ActionReassigning:
		if _, allowed := e.recovery.IncrementRetry(t.ID, s.ID); !allowed {
			s.Status = task.StatusFailed
			e.packs.Emit(t.ID, s.ID, evidence.EventBudgetExhaustion, block, meta)
			feedback.NextAction = task.ActionEscalateHuman
			break
		}
		s.Release()

	default:
		// retry / hint_injected keep the subtask in progress; STUCK and
		// BLOCKED release the claim so a fresh context can pick it up.
		if promise == task.PromiseStuck || promise == task.PromiseBlocked {
			s.Release()
		}
	}

	return feedback
}

// nextAction maps the report onto the escalation ladder. DONE completes only
// when the worker also reported success; a DONE claim on a failed iteration
// falls through to the ladder like any other promise.
func (e *Engine) nextAction(s *task.Subtask, promise task.Promise, success bool, remaining int) task.NextAction {
	if promise == task.PromiseDone && success {
		return task.ActionComplete
	}
	if remaining <= 0 {
		return task.ActionEscalateHuman
	}

	switch s.EscalationLevel {
	case 0:
		return task.ActionRetry
	case 1:
		return task.ActionHintInjected
	case 2:
		return task.ActionReassigning
	default:
		return task.ActionEscalateHuman
	}
}

// complete finishes the subtask: status, unblocking, todo reflection, and
// history archive.
func (e *Engine) complete(t *task.Task, s *task.Subtask, result string) []string {
	now := e.now()
	s.Status = task.StatusCompleted
	s.CompletedAt = &now
	s.Result = result
	s.LeaderHint = ""

	unblocked := t.Unblock(s.ID)

	if err := e.updateTodo(func(f *todo.File) error {
		return f.MarkDone(s.ID, "")
	}); err != nil {
		slog.Debug("todo update skipped", "subtask", s.ID, "error", err)
	}

	e.archiveHistory(t.ID, s)
	return unblocked
}

func (e *Engine) archiveHistory(taskID string, s *task.Subtask) {
	if e.archiver == nil || len(s.IterationHistory) == 0 {
		return
	}
	if err := e.archiver.Archive(taskID, s.ID, s.IterationHistory); err != nil {
		slog.Error("Failed to archive iteration history", "subtask", s.ID, "error", err)
		return
	}
	// Keep the active representation lean after archive.
	s.IterationHistory = nil
}

// updateTodo runs one load-mutate-save cycle against todo.md. A subtask id
// that has no todo line is not an error.
func (e *Engine) updateTodo(fn func(*todo.File) error) error {
	if e.todos == nil {
		return nil
	}
	err := e.todos.Update(fn)
	if err != nil && strings.Contains(err.Error(), "not found") {
		return nil
	}
	return err
}
