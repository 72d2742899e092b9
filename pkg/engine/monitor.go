package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/swarmgate/swarmgate/pkg/evidence"
	"github.com/swarmgate/swarmgate/pkg/task"
)

// Monitor scans active subtasks on a fixed tick and fires a silent_worker
// evidence pack for any whose last activity is older than the threshold.
// One pack per silence episode: a new report resets the edge.
type Monitor struct {
	store     *task.Store
	packs     *evidence.Writer
	interval  time.Duration
	threshold time.Duration

	fired map[string]time.Time // subtask id -> LastActivityAt it fired for
	now   func() time.Time
}

func NewMonitor(store *task.Store, packs *evidence.Writer, interval, threshold time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if threshold <= 0 {
		threshold = 5 * time.Minute
	}
	return &Monitor{
		store:     store,
		packs:     packs,
		interval:  interval,
		threshold: threshold,
		fired:     make(map[string]time.Time),
		now:       time.Now,
	}
}

// Run blocks until the context ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Scan()
		}
	}
}

// Scan performs one sweep. Exported for tests and manual triggering.
func (m *Monitor) Scan() int {
	now := m.now()
	fired := 0

	for _, s := range m.store.ActiveSubtasks() {
		silence := now.Sub(s.LastActivityAt)
		if silence < m.threshold {
			delete(m.fired, s.ID)
			continue
		}
		if at, ok := m.fired[s.ID]; ok && at.Equal(s.LastActivityAt) {
			continue
		}
		m.fired[s.ID] = s.LastActivityAt

		slog.Warn("Silent worker detected", "subtask", s.ID, "agent", s.AssignedAgent, "silence", silence)
		m.packs.Emit(s.ParentTaskID, s.ID, evidence.EventSilentWorker, evidence.Block{
			Promise:       string(s.LastPromise),
			PromiseDetail: s.LastPromiseDetail,
			Iteration:     s.CurrentIteration,
			Extra: map[string]interface{}{
				"silence_seconds":  int(silence.Seconds()),
				"escalation_level": 1,
			},
		}, evidence.Metadata{WorkerID: s.AssignedAgent})
		fired++
	}
	return fired
}
