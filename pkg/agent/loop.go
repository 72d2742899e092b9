package agent

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/swarmgate/swarmgate/pkg/config"
	"github.com/swarmgate/swarmgate/pkg/hooks"
	"github.com/swarmgate/swarmgate/pkg/llms"
	"github.com/swarmgate/swarmgate/pkg/observability"
	"github.com/swarmgate/swarmgate/pkg/tools"
	"github.com/swarmgate/swarmgate/pkg/utils"
)

const summaryPrefix = "[Previous conversation summary]"
const summaryFallback = "[Previous conversation summary]\n(summary unavailable; older messages were dropped)"

// Driver owns the outer tool loop of one request. It is stateless across
// requests; all per-conversation state lives in the Session.
type Driver struct {
	router     *llms.Router
	dispatcher *tools.Dispatcher
	hooks      hooks.Client
	cfg        config.LoopConfig
	toolDefs   []llms.ToolDefinition
	counter    *utils.TokenCounter
}

func NewDriver(router *llms.Router, dispatcher *tools.Dispatcher, hookClient hooks.Client, cfg config.LoopConfig, hostTools []llms.ToolDefinition) *Driver {
	defs := make([]llms.ToolDefinition, 0, len(hostTools))
	defs = append(defs, hostTools...)
	defs = append(defs, dispatcher.LocalDefinitions()...)

	return &Driver{
		router:     router,
		dispatcher: dispatcher,
		hooks:      hookClient,
		cfg:        cfg,
		toolDefs:   defs,
		counter:    utils.NewTokenCounter("gpt-4"),
	}
}

// ToolDefinitions returns the merged host and local tool schemas.
func (d *Driver) ToolDefinitions() []llms.ToolDefinition { return d.toolDefs }

// Run processes one user turn. Events arrive on the returned channel until a
// done, error, or cancelled event, after which the channel closes.
func (d *Driver) Run(ctx context.Context, session *Session, userParts []llms.ContentPart) <-chan Event {
	out := make(chan Event, 100)
	go func() {
		defer close(out)
		d.run(ctx, session, userParts, out)
	}()
	return out
}

func (d *Driver) run(ctx context.Context, session *Session, userParts []llms.ContentPart, out chan<- Event) {
	userMsg := &llms.Message{Role: llms.RoleUser, Parts: userParts}

	// History stores a text digest; the multimodal payload rides along for
	// this request only.
	if session.Stateless {
		session.resetToCurrent(llms.NewTextMessage(llms.RoleUser, userMsg.TextDigest()))
	} else {
		session.append(llms.NewTextMessage(llms.RoleUser, userMsg.TextDigest()))
	}
	session.userTurns++

	d.maybeRefreshContext(ctx, session)

	if !session.Stateless {
		d.maybeCompact(ctx, session)
	}

	// pendingAttachment is the screenshot follow-up for the next iteration
	// only; it is never persisted in history.
	var pendingAttachment *llms.Message
	currentMultimodal := userMsg
	totalToolCalls := 0

	dctx := &tools.DispatchContext{
		Mode:      session.Mode,
		Role:      session.Role,
		Cancelled: &session.cancelled,
		ToolDefs:  d.toolDefs,
		Emit: func(ev tools.Event) {
			out <- fromToolEvent(ev)
		},
	}

	for {
		if session.IsCancelled() {
			out <- Event{Type: EventCancelled, ErrCode: "user_cancelled"}
			return
		}

		backend, err := d.router.PickHealthy(ctx)
		if err != nil {
			out <- Event{Type: EventError, ErrMessage: err.Error(), ErrCode: "no-healthy-backend"}
			return
		}

		messages := d.requestMessages(session, currentMultimodal, pendingAttachment)
		pendingAttachment = nil

		llmCfg := llms.Config{
			Model: backend.DefaultModel(),
			Tools: d.toolDefs,
		}

		streamCtx := ctx
		var cancelStream context.CancelFunc
		if d.cfg.StreamTimeoutSecs > 0 {
			streamCtx, cancelStream = context.WithTimeout(ctx, time.Duration(d.cfg.StreamTimeoutSecs)*time.Second)
		}

		turn, err := d.streamOneTurn(streamCtx, backend, messages, llmCfg, out)
		if cancelStream != nil {
			cancelStream()
		}
		if err != nil {
			d.router.ReportFailure(backend.Name())
			out <- Event{Type: EventError, ErrMessage: err.Error(), ErrCode: "transport"}
			return
		}
		d.router.ReportSuccess(backend.Name())

		// Textual backends emit calls inside the accumulated text.
		if !backend.SupportsNativeTools() && len(turn.toolCalls) == 0 {
			turn.toolCalls, turn.text = llms.ExtractTextualToolCalls(turn.text)
		}

		if len(turn.toolCalls) == 0 {
			if turn.text != "" {
				session.append(llms.NewTextMessage(llms.RoleAssistant, turn.text))
			}
			out <- Event{Type: EventDone, StopReason: turn.stopReason, Usage: turn.usage}
			return
		}

		assistant := llms.NewTextMessage(llms.RoleAssistant, turn.text)
		assistant.ToolCalls = turn.toolCalls
		session.append(assistant)

		totalToolCalls += len(turn.toolCalls)
		if d.cfg.MaxToolCalls > 0 && totalToolCalls > d.cfg.MaxToolCalls {
			out <- Event{
				Type:       EventError,
				ErrMessage: fmt.Sprintf("tool call limit exceeded (%d)", d.cfg.MaxToolCalls),
				ErrCode:    "tool-limit",
			}
			return
		}

		if session.IsCancelled() {
			out <- Event{Type: EventCancelled, ErrCode: "user_cancelled"}
			return
		}

		results := d.dispatcher.DispatchAll(ctx, dctx, turn.toolCalls)
		for i, call := range turn.toolCalls {
			content := results[i].Content
			if !results[i].OK {
				content = results[i].Error
			}
			session.append(llms.NewToolResultMessage(call.ID, call.Name, content))

			if attachment := screenshotAttachment(call, results[i]); attachment != nil {
				pendingAttachment = attachment
			}
		}

		currentMultimodal = nil
	}
}

// turnResult accumulates one model turn.
type turnResult struct {
	text       string
	toolCalls  []*llms.ToolCall
	stopReason string
	usage      *llms.Usage
}

func (d *Driver) streamOneTurn(ctx context.Context, backend llms.Backend, messages []*llms.Message, cfg llms.Config, out chan<- Event) (*turnResult, error) {
	start := time.Now()

	stream, err := backend.StreamChat(ctx, messages, cfg)
	if err != nil {
		return nil, err
	}

	turn := &turnResult{}
	var text strings.Builder

	for event := range stream {
		switch event.Type {
		case llms.EventText:
			text.WriteString(event.Text)
			out <- Event{Type: EventDelta, Text: event.Text}
		case llms.EventThinking:
			out <- Event{Type: EventThinkingDelta, Text: event.Text}
		case llms.EventToolCall:
			turn.toolCalls = append(turn.toolCalls, event.ToolCall)
		case llms.EventDone:
			turn.stopReason = event.StopReason
			turn.usage = event.Usage
		case llms.EventError:
			err := fmt.Errorf("%s", event.ErrMessage)
			d.recordBackendCall(ctx, backend, cfg.Model, start, turn.usage, err)
			return nil, err
		}
	}

	turn.text = text.String()
	d.recordBackendCall(ctx, backend, cfg.Model, start, turn.usage, nil)
	return turn, nil
}

func (d *Driver) recordBackendCall(ctx context.Context, backend llms.Backend, model string, start time.Time, usage *llms.Usage, err error) {
	in, outTokens := 0, 0
	if usage != nil {
		in, outTokens = usage.InputTokens, usage.OutputTokens
	}
	observability.GetGlobalMetrics().RecordBackendCall(ctx, backend.Name(), model, time.Since(start), in, outTokens, err)
}

// requestMessages builds the outbound list: history with the current turn's
// multimodal payload substituted in, plus any pending screenshot attachment.
func (d *Driver) requestMessages(session *Session, multimodal, attachment *llms.Message) []*llms.Message {
	messages := session.Messages()

	if multimodal != nil && multimodal.HasImages() {
		for i := len(messages) - 1; i >= 0; i-- {
			if messages[i].Role == llms.RoleUser {
				messages[i] = multimodal
				break
			}
		}
	}

	if attachment != nil {
		messages = append(messages, attachment)
	}
	return messages
}

func (d *Driver) maybeRefreshContext(ctx context.Context, session *Session) {
	n := d.cfg.RefreshEveryTurns
	if n <= 0 || session.userTurns%n != 0 {
		return
	}

	fresh, err := d.hooks.GetContext(ctx)
	if err != nil {
		slog.Warn("Context refresh failed", "error", err)
		return
	}
	if fresh == "" {
		return
	}
	session.replaceSystemPrompt(fresh)
}

func (d *Driver) maybeCompact(ctx context.Context, session *Session) {
	threshold := d.cfg.CompactThreshold
	window := session.ContextWindow
	if threshold <= 0 || window <= 0 {
		return
	}

	messages := session.Messages()
	total := 0
	for _, msg := range messages {
		total += d.counter.Count(msg.Text())
	}
	if float64(total) < threshold*float64(window) {
		return
	}

	keep := d.cfg.KeepRecent
	if keep <= 0 {
		keep = 4
	}

	head := 0
	if len(messages) > 0 && messages[0].Role == llms.RoleSystem {
		head = 1
	}
	if len(messages)-head <= keep {
		return
	}
	older := messages[head : len(messages)-keep]

	summary, err := d.summarize(ctx, older)
	if err != nil {
		slog.Warn("Compaction summary failed, inserting placeholder", "error", err)
		session.compactTo(llms.NewTextMessage(llms.RoleUser, summaryFallback), keep)
		return
	}

	session.compactTo(llms.NewTextMessage(llms.RoleUser, summaryPrefix+"\n"+summary), keep)
	slog.Info("Conversation compacted", "session", session.ID, "dropped", len(older), "tokens_before", total)
}

func (d *Driver) summarize(ctx context.Context, older []*llms.Message) (string, error) {
	backend, err := d.router.PickHealthy(ctx)
	if err != nil {
		return "", err
	}

	var transcript strings.Builder
	for _, msg := range older {
		fmt.Fprintf(&transcript, "%s: %s\n", msg.Role, msg.Text())
	}

	prompt := []*llms.Message{
		llms.NewTextMessage(llms.RoleSystem, "Summarize the conversation below, preserving decisions, open items, and file paths. Be concise."),
		llms.NewTextMessage(llms.RoleUser, transcript.String()),
	}
	return backend.Complete(ctx, prompt, llms.Config{Model: backend.DefaultModel(), MaxTokens: 1024})
}

// screenshotAttachment builds the one-shot follow-up message after a
// successful screen capture.
func screenshotAttachment(call *llms.ToolCall, result tools.ToolResult) *llms.Message {
	if call.Name != "screen_capture" || !result.OK {
		return nil
	}
	path := extractImagePath(result.Content)
	if path == "" {
		return nil
	}

	return &llms.Message{
		Role: llms.RoleUser,
		Parts: []llms.ContentPart{
			{Type: llms.ContentPartTypeText, Text: fmt.Sprintf("[Screenshot captured: %s]", filepath.Base(path))},
			{Type: llms.ContentPartTypeImageURL, URL: "file://" + path},
		},
	}
}

func extractImagePath(content string) string {
	for _, field := range strings.Fields(content) {
		lower := strings.ToLower(field)
		if strings.HasSuffix(lower, ".png") || strings.HasSuffix(lower, ".jpg") || strings.HasSuffix(lower, ".jpeg") {
			return field
		}
	}
	return ""
}
