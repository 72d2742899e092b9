package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/swarmgate/swarmgate/pkg/llms"
)

// Interrupt asks the human a question mid-request. The dispatch blocks until
// an answer arrives through the broker.
type Interrupt struct {
	ID        string   `json:"id"`
	Reason    string   `json:"reason"`
	Question  string   `json:"question"`
	Options   []string `json:"options,omitempty"`
	InputType string   `json:"input_type"`
}

const (
	InterruptClarification  = "clarification"
	InterruptHumanApproval  = "human_approval"
	InterruptPlanReview     = "plan_review"
	InterruptUploadRequired = "upload_required"
	InterruptErrorRecovery  = "error_recovery"
)

const (
	InputTypeText    = "text"
	InputTypeChoice  = "choice"
	InputTypeConfirm = "confirm"
)

// InterruptBroker correlates emitted interrupts with answers supplied later
// through an external callback (typically an HTTP endpoint).
type InterruptBroker struct {
	mu      sync.Mutex
	pending map[string]chan string
}

func NewInterruptBroker() *InterruptBroker {
	return &InterruptBroker{pending: make(map[string]chan string)}
}

// Wait registers the interrupt and blocks until Answer supplies a value or
// the context is cancelled.
func (b *InterruptBroker) Wait(ctx context.Context, id string) (string, error) {
	ch := make(chan string, 1)

	b.mu.Lock()
	b.pending[id] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	select {
	case answer := <-ch:
		return answer, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Answer resolves a pending interrupt. Unknown ids are reported so the
// transport can answer 404.
func (b *InterruptBroker) Answer(id, value string) error {
	b.mu.Lock()
	ch, ok := b.pending[id]
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("no pending interrupt with id '%s'", id)
	}

	select {
	case ch <- value:
		return nil
	default:
		return fmt.Errorf("interrupt '%s' already answered", id)
	}
}

// AskUserTool is the local human-question tool. Leader-only.
type AskUserTool struct {
	broker *InterruptBroker
}

func NewAskUserTool(broker *InterruptBroker) *AskUserTool {
	return &AskUserTool{broker: broker}
}

func (t *AskUserTool) Name() string { return ToolAskUser }

func (t *AskUserTool) Definition() llms.ToolDefinition {
	return llms.ToolDefinition{
		Name:        ToolAskUser,
		Description: "Ask the human operator a question and wait for the answer. Use sparingly.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"question": map[string]interface{}{
					"type":        "string",
					"description": "The question to ask",
				},
				"reason": map[string]interface{}{
					"type": "string",
					"enum": []interface{}{
						InterruptClarification, InterruptHumanApproval,
						InterruptPlanReview, InterruptUploadRequired, InterruptErrorRecovery,
					},
				},
				"options": map[string]interface{}{
					"type":  "array",
					"items": map[string]interface{}{"type": "string"},
				},
				"input_type": map[string]interface{}{
					"type": "string",
					"enum": []interface{}{InputTypeText, InputTypeChoice, InputTypeConfirm},
				},
			},
			"required": []interface{}{"question"},
		},
	}
}

func (t *AskUserTool) Execute(ctx context.Context, dctx *DispatchContext, args map[string]interface{}) ToolResult {
	question, _ := args["question"].(string)
	if question == "" {
		return ToolResult{OK: false, ToolName: ToolAskUser, Error: "question is required"}
	}

	reason, _ := args["reason"].(string)
	if reason == "" {
		reason = InterruptClarification
	}
	inputType, _ := args["input_type"].(string)
	if inputType == "" {
		inputType = InputTypeText
	}

	var options []string
	if raw, ok := args["options"].([]interface{}); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				options = append(options, s)
			}
		}
	}

	interrupt := Interrupt{
		ID:        uuid.NewString(),
		Reason:    reason,
		Question:  question,
		Options:   options,
		InputType: inputType,
	}

	dctx.emit(Event{Type: EventInterrupt, ToolName: ToolAskUser, Detail: interrupt})

	answer, err := t.broker.Wait(ctx, interrupt.ID)
	if err != nil {
		return ToolResult{OK: false, ToolName: ToolAskUser, Error: fmt.Sprintf("interrupted while waiting for answer: %v", err)}
	}
	return ToolResult{OK: true, ToolName: ToolAskUser, Content: answer}
}
