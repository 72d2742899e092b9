// Package evidence writes per-escalation evidence packs to disk: one JSON
// artifact per hook firing plus one line in a global append-only index.
package evidence

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType is the closed set of hook firings that produce packs.
type EventType string

const (
	EventPromiseDetection EventType = "promise_detection"
	EventSilentWorker     EventType = "silent_worker"
	EventContextPressure  EventType = "context_pressure"
	EventEscalationBump   EventType = "escalation_bump"
	EventBudgetExhaustion EventType = "budget_exhaustion"
)

// Block is the free-form evidence payload captured at the firing point.
type Block struct {
	Promise        string `json:"promise,omitempty"`
	PromiseDetail  string `json:"promise_detail,omitempty"`
	Iteration      int    `json:"iteration"`
	ScreenshotPath string `json:"screenshot_path,omitempty"`
	PTYSnapshot    string `json:"pty_snapshot,omitempty"`
	Extra          map[string]interface{} `json:"extra,omitempty"`
}

// Metadata identifies the actors and carries the eager classification.
type Metadata struct {
	WorkerID       string         `json:"worker_id,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
	Classification Classification `json:"classification"`
	Confidence     float64        `json:"confidence,omitempty"`
	Reference      string         `json:"reference,omitempty"`
}

// Pack is the on-disk evidence.json schema, version 1.
type Pack struct {
	Version      int       `json:"version"`
	TaskID       string    `json:"task_id"`
	SubtaskID    string    `json:"subtask_id"`
	EscalationID string    `json:"escalation_id"`
	TriggeredAt  time.Time `json:"triggered_at"`
	EventType    EventType `json:"event_type"`
	Evidence     Block     `json:"evidence"`
	Metadata     Metadata  `json:"metadata"`
}

type indexLine struct {
	RefID          string         `json:"ref_id"`
	TaskID         string         `json:"task_id"`
	EscalationID   string         `json:"escalation_id"`
	Timestamp      time.Time      `json:"timestamp"`
	EventType      EventType      `json:"event_type"`
	Promise        string         `json:"promise,omitempty"`
	Screenshot     string         `json:"screenshot,omitempty"`
	Classification Classification `json:"classification"`
}

// Writer emits packs under a fixed evidence root. Index appends are
// serialised by a process-wide mutex; the single-gateway assumption makes
// that sufficient.
type Writer struct {
	root string

	mu       sync.Mutex
	escSeq   map[string]int
	now      func() time.Time
}

func NewWriter(root string) *Writer {
	return &Writer{
		root:   root,
		escSeq: make(map[string]int),
		now:    time.Now,
	}
}

// Emit writes one evidence pack and its index line. Failures are logged and
// swallowed: evidence is best-effort and must never fail the state
// transition that triggered it.
func (w *Writer) Emit(taskID, subtaskID string, event EventType, block Block, meta Metadata) *Pack {
	w.mu.Lock()
	defer w.mu.Unlock()

	triggeredAt := w.now()
	escalationID := fmt.Sprintf("%x", triggeredAt.UnixMilli())
	if len(escalationID) > 12 {
		escalationID = escalationID[:12]
	}

	w.escSeq[taskID]++
	seq := w.escSeq[taskID]

	if block.PromiseDetail != "" {
		class, conf := Classify(block.PromiseDetail)
		meta.Classification = class
		meta.Confidence = conf
		meta.Reference = BuildReference(taskID, seq, class, block.PromiseDetail)
	} else if meta.Classification == "" {
		meta.Classification = ClassUnknown
	}

	pack := &Pack{
		Version:      1,
		TaskID:       taskID,
		SubtaskID:    subtaskID,
		EscalationID: escalationID,
		TriggeredAt:  triggeredAt,
		EventType:    event,
		Evidence:     block,
		Metadata:     meta,
	}

	dir := filepath.Join(w.root, taskID, "escalation_"+escalationID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("Failed to create evidence directory", "dir", dir, "error", err)
		return pack
	}

	data, err := json.MarshalIndent(pack, "", "  ")
	if err != nil {
		slog.Error("Failed to marshal evidence pack", "error", err)
		return pack
	}
	if err := os.WriteFile(filepath.Join(dir, "evidence.json"), data, 0o644); err != nil {
		slog.Error("Failed to write evidence pack", "error", err)
		return pack
	}

	w.appendIndex(indexLine{
		RefID:          meta.Reference,
		TaskID:         taskID,
		EscalationID:   escalationID,
		Timestamp:      triggeredAt,
		EventType:      event,
		Promise:        block.Promise,
		Screenshot:     block.ScreenshotPath,
		Classification: meta.Classification,
	})

	slog.Info("Evidence pack written", "task", taskID, "subtask", subtaskID, "event", event, "escalation", escalationID)
	return pack
}

// appendIndex adds exactly one compact JSON line. Caller holds w.mu.
func (w *Writer) appendIndex(line indexLine) {
	data, err := json.Marshal(line)
	if err != nil {
		slog.Error("Failed to marshal index line", "error", err)
		return
	}

	path := filepath.Join(w.root, "index.jsonl")
	if err := os.MkdirAll(w.root, 0o755); err != nil {
		slog.Error("Failed to create evidence root", "error", err)
		return
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		slog.Error("Failed to open evidence index", "error", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		slog.Error("Failed to append evidence index line", "error", err)
	}
}
