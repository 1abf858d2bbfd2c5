package testutil

import (
	"time"

	"github.com/hupe1980/taskmesh/core"
)

// MessageBuilder provides a fluent helper for constructing messages in tests.
// Example:
//
//	m := NewMessageBuilder().Assistant("done").Phase(core.PhaseFinalAnswer).Build()
//
// Chain only the parts you need; sensible defaults are applied.
type MessageBuilder struct {
	msg core.Message
}

// NewMessageBuilder creates a builder for a normal user message.
func NewMessageBuilder() *MessageBuilder {
	return &MessageBuilder{msg: core.Message{Role: core.RoleUser, PhaseType: core.PhaseNormal}}
}

// ID overrides the auto-generated id (chainable).
func (b *MessageBuilder) ID(id string) *MessageBuilder { b.msg.ID = id; return b }

// User sets the user role and content (chainable).
func (b *MessageBuilder) User(text string) *MessageBuilder {
	b.msg.Role = core.RoleUser
	b.msg.Content = text
	return b
}

// Assistant sets the assistant role and content (chainable).
func (b *MessageBuilder) Assistant(text string) *MessageBuilder {
	b.msg.Role = core.RoleAssistant
	b.msg.Content = text
	return b
}

// Tool sets the tool role, the answered call id and content (chainable).
func (b *MessageBuilder) Tool(callID, text string) *MessageBuilder {
	b.msg.Role = core.RoleTool
	b.msg.ToolCallID = callID
	b.msg.Content = text
	b.msg.PhaseType = core.PhaseToolCallResult
	return b
}

// Phase sets the phase type (chainable).
func (b *MessageBuilder) Phase(p core.PhaseType) *MessageBuilder { b.msg.PhaseType = p; return b }

// Agent sets the producing agent (chainable).
func (b *MessageBuilder) Agent(name string) *MessageBuilder { b.msg.Agent = name; return b }

// Display sets the display content (chainable).
func (b *MessageBuilder) Display(text string) *MessageBuilder { b.msg.DisplayContent = text; return b }

// ToolCall appends a tool call with JSON arguments (chainable).
func (b *MessageBuilder) ToolCall(id, name, args string) *MessageBuilder {
	b.msg.Role = core.RoleAssistant
	b.msg.PhaseType = core.PhaseToolCall
	b.msg.ToolCalls = append(b.msg.ToolCalls, core.ToolCall{ID: id, Name: name, Arguments: args})
	return b
}

// Usage sets the token usage (chainable).
func (b *MessageBuilder) Usage(in, out int) *MessageBuilder {
	b.msg.Usage = &core.TokenUsage{InputTokens: in, OutputTokens: out}
	return b
}

// Build returns the message. A missing id is generated.
func (b *MessageBuilder) Build() core.Message {
	m := b.msg.Clone()
	if m.ID == "" {
		m.ID = core.NewID()
	}
	if m.StartedAt.IsZero() {
		m.StartedAt = time.Now().UTC()
	}
	return m
}

// Conversation builds alternating user/assistant messages, starting with
// the user.
func Conversation(texts ...string) core.Messages {
	out := make(core.Messages, 0, len(texts))
	for i, t := range texts {
		b := NewMessageBuilder()
		if i%2 == 0 {
			b.User(t)
		} else {
			b.Assistant(t)
		}
		out = append(out, b.Build())
	}
	return out
}
