package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author class of a Message.
type Role string

const (
	// RoleUser marks messages authored by the caller.
	RoleUser Role = "user"
	// RoleAssistant marks messages produced by a phase agent.
	RoleAssistant Role = "assistant"
	// RoleTool marks tool results fed back to the model.
	RoleTool Role = "tool"
	// RoleSystem marks system instructions.
	RoleSystem Role = "system"
)

// PhaseType classifies what a message represents within the pipeline.
type PhaseType string

const (
	PhaseNormal             PhaseType = "normal"
	PhaseThinking           PhaseType = "thinking"
	PhaseToolCall           PhaseType = "tool_call"
	PhaseToolCallResult     PhaseType = "tool_call_result"
	PhaseTaskAnalysisResult PhaseType = "task_analysis_result"
	PhasePlanningResult     PhaseType = "planning_result"
	PhaseObservationResult  PhaseType = "observation_result"
	PhaseDoSubtaskResult    PhaseType = "do_subtask_result"
	PhaseFinalAnswer        PhaseType = "final_answer"
	PhaseTaskSummary        PhaseType = "task_summary"
	PhaseError              PhaseType = "error"
)

var phaseTypes = map[PhaseType]bool{
	PhaseNormal:             true,
	PhaseThinking:           true,
	PhaseToolCall:           true,
	PhaseToolCallResult:     true,
	PhaseTaskAnalysisResult: true,
	PhasePlanningResult:     true,
	PhaseObservationResult:  true,
	PhaseDoSubtaskResult:    true,
	PhaseFinalAnswer:        true,
	PhaseTaskSummary:        true,
	PhaseError:              true,
}

// Valid reports whether p is one of the known phase types.
func (p PhaseType) Valid() bool { return phaseTypes[p] }

// Message is the unit of conversation exchanged between the caller, the phase
// agents, the model and tools. ID stays stable across all streamed fragments
// of the same logical message.
type Message struct {
	ID             string      `json:"id"`
	Role           Role        `json:"role"`
	Content        string      `json:"content"`
	DisplayContent string      `json:"display_content,omitempty"`
	PhaseType      PhaseType   `json:"phase_type"`
	ToolCalls      []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID     string      `json:"tool_call_id,omitempty"`
	Usage          *TokenUsage `json:"usage,omitempty"`
	// Agent names the phase agent that produced the message.
	Agent     string    `json:"agent,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
}

// NewID returns a fresh random identifier.
func NewID() string { return uuid.NewString() }

// NewMessage creates a message with a fresh id and start timestamp.
func NewMessage(role Role, phase PhaseType, content string) Message {
	return Message{
		ID:        NewID(),
		Role:      role,
		Content:   content,
		PhaseType: phase,
		StartedAt: time.Now().UTC(),
	}
}

// NewUserMessage creates a normal user message.
func NewUserMessage(content string) Message {
	return NewMessage(RoleUser, PhaseNormal, content)
}

// NewAssistantMessage creates an assistant message of the given phase type.
func NewAssistantMessage(phase PhaseType, content string) Message {
	return NewMessage(RoleAssistant, phase, content)
}

// NewErrorMessage creates the single terminal error message of a failed run.
func NewErrorMessage(err error) Message {
	return NewMessage(RoleAssistant, PhaseError, fmt.Sprintf("error: %v", err))
}

// Display returns DisplayContent, falling back to Content.
func (m Message) Display() string {
	if m.DisplayContent != "" {
		return m.DisplayContent
	}
	return m.Content
}

// Duration returns the time between the first and last fragment.
func (m Message) Duration() time.Duration {
	if m.StartedAt.IsZero() || m.EndedAt.IsZero() {
		return 0
	}
	return m.EndedAt.Sub(m.StartedAt)
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	out := m
	if m.ToolCalls != nil {
		out.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	if m.Usage != nil {
		u := *m.Usage
		out.Usage = &u
	}
	return out
}

// Messages is an ordered conversation.
type Messages []Message

// Clone returns a deep copy of the conversation.
func (ms Messages) Clone() Messages {
	if ms == nil {
		return nil
	}
	out := make(Messages, len(ms))
	for i, m := range ms {
		out[i] = m.Clone()
	}
	return out
}

// LastUserIndex returns the index of the most recent user message, or -1.
func (ms Messages) LastUserIndex() int {
	for i := len(ms) - 1; i >= 0; i-- {
		if ms[i].Role == RoleUser {
			return i
		}
	}
	return -1
}

// TaskDescription returns the messages that describe the task: everything up
// to and including the last user message, restricted to normal and
// final_answer messages.
func (ms Messages) TaskDescription() Messages {
	idx := ms.LastUserIndex()
	if idx < 0 {
		return Messages{}
	}
	out := Messages{}
	for _, m := range ms[:idx+1] {
		if m.PhaseType == PhaseNormal || m.PhaseType == PhaseFinalAnswer || m.PhaseType == "" {
			out = append(out, m)
		}
	}
	return out
}

// CompletedActions returns the work produced after the last user message,
// without the decomposition output which is passed to agents separately.
func (ms Messages) CompletedActions() Messages {
	idx := ms.LastUserIndex()
	if idx < 0 {
		return Messages{}
	}
	out := Messages{}
	for _, m := range ms[idx+1:] {
		if m.Agent == AgentDecompose {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Filter returns the messages of the given phase types.
func (ms Messages) Filter(types ...PhaseType) Messages {
	want := make(map[PhaseType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	out := Messages{}
	for _, m := range ms {
		if want[m.PhaseType] {
			out = append(out, m)
		}
	}
	return out
}

// Last returns the last message of the given phase type.
func (ms Messages) Last(t PhaseType) (Message, bool) {
	for i := len(ms) - 1; i >= 0; i-- {
		if ms[i].PhaseType == t {
			return ms[i], true
		}
	}
	return Message{}, false
}

// Transcript renders the conversation as "User:/Assistant:/Tool:" lines for
// inclusion in prompts. An empty conversation renders as "None".
func (ms Messages) Transcript() string {
	lines := make([]string, 0, len(ms))
	for _, m := range ms {
		switch m.Role {
		case RoleUser:
			lines = append(lines, "User: "+m.Content)
		case RoleAssistant:
			if m.Content != "" {
				lines = append(lines, "Assistant: "+m.Content)
			} else if len(m.ToolCalls) > 0 {
				b, _ := json.Marshal(m.ToolCalls)
				lines = append(lines, "Assistant: Tool calls: "+string(b))
			}
		case RoleTool:
			lines = append(lines, "Tool: "+m.Content)
		}
	}
	if len(lines) == 0 {
		return "None"
	}
	return strings.Join(lines, "\n")
}

// Agent names used in Message.Agent.
const (
	AgentAnalysis    = "analysis"
	AgentDecompose   = "decompose"
	AgentPlanning    = "planning"
	AgentExecutor    = "executor"
	AgentObservation = "observation"
	AgentSummary     = "summary"
	AgentDirect      = "direct"
)
