package agent

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/swarmgate/swarmgate/pkg/llms"
	"github.com/swarmgate/swarmgate/pkg/tools"
)

// Session is one conversation owned by a single caller. History has a single
// writer (the driver); Cancel may be called from any goroutine.
type Session struct {
	ID   string
	Mode tools.Mode
	Role tools.AgentRole

	// Stateless sessions reset history to system prompt plus the current
	// user message on every turn.
	Stateless bool

	ContextWindow int

	mu           sync.Mutex
	systemPrompt string
	messages     []*llms.Message
	userTurns    int

	cancelled atomic.Bool
}

func NewSession(systemPrompt string, mode tools.Mode, role tools.AgentRole) *Session {
	s := &Session{
		ID:            uuid.NewString(),
		Mode:          mode,
		Role:          role,
		ContextWindow: 128000,
		systemPrompt:  systemPrompt,
	}
	if systemPrompt != "" {
		s.messages = []*llms.Message{llms.NewTextMessage(llms.RoleSystem, systemPrompt)}
	}
	return s
}

// Cancel requests cooperative cancellation of the in-flight request.
func (s *Session) Cancel() { s.cancelled.Store(true) }

// ResetCancel clears the flag before a new request.
func (s *Session) ResetCancel() { s.cancelled.Store(false) }

func (s *Session) IsCancelled() bool { return s.cancelled.Load() }

// Messages returns a snapshot of the history.
func (s *Session) Messages() []*llms.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*llms.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Session) append(msgs ...*llms.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msgs...)
}

// replaceSystemPrompt swaps the system message in place, keeping position 0.
func (s *Session) replaceSystemPrompt(prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.systemPrompt = prompt
	if len(s.messages) > 0 && s.messages[0].Role == llms.RoleSystem {
		s.messages[0] = llms.NewTextMessage(llms.RoleSystem, prompt)
		return
	}
	s.messages = append([]*llms.Message{llms.NewTextMessage(llms.RoleSystem, prompt)}, s.messages...)
}

// compactTo replaces everything except the system prompt and the most recent
// keep messages with the provided synthesized message.
func (s *Session) compactTo(summary *llms.Message, keep int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	head := 0
	if len(s.messages) > 0 && s.messages[0].Role == llms.RoleSystem {
		head = 1
	}
	if len(s.messages)-head <= keep {
		return
	}

	tail := s.messages[len(s.messages)-keep:]
	compacted := make([]*llms.Message, 0, head+1+keep)
	compacted = append(compacted, s.messages[:head]...)
	compacted = append(compacted, summary)
	compacted = append(compacted, tail...)
	s.messages = compacted
}

// resetToCurrent drops everything but the system prompt and the given user
// message. Used in stateless mode.
func (s *Session) resetToCurrent(user *llms.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := make([]*llms.Message, 0, 2)
	if len(s.messages) > 0 && s.messages[0].Role == llms.RoleSystem {
		fresh = append(fresh, s.messages[0])
	}
	s.messages = append(fresh, user)
}
