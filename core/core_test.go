package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhaseTypeValid(t *testing.T) {
	for _, p := range []PhaseType{PhaseNormal, PhaseThinking, PhaseToolCall, PhaseToolCallResult,
		PhaseTaskAnalysisResult, PhasePlanningResult, PhaseObservationResult, PhaseDoSubtaskResult,
		PhaseFinalAnswer, PhaseTaskSummary, PhaseError} {
		assert.True(t, p.Valid(), p)
	}
	assert.False(t, PhaseType("bogus").Valid())
}

func TestMessageJSONShape(t *testing.T) {
	m := NewAssistantMessage(PhaseFinalAnswer, "done")
	m.Usage = &TokenUsage{InputTokens: 1, OutputTokens: 2}

	b, err := json.Marshal(m)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	assert.Equal(t, m.ID, raw["id"])
	assert.Equal(t, "assistant", raw["role"])
	assert.Equal(t, "done", raw["content"])
	assert.Equal(t, "final_answer", raw["phase_type"])
	assert.Contains(t, raw, "usage")
	assert.NotContains(t, raw, "tool_calls")
}

func TestMessageCloneIsDeep(t *testing.T) {
	m := NewAssistantMessage(PhaseToolCall, "")
	m.ToolCalls = []ToolCall{{ID: "1", Name: "x"}}
	m.Usage = &TokenUsage{InputTokens: 1}

	c := m.Clone()
	c.ToolCalls[0].Name = "y"
	c.Usage.InputTokens = 5

	assert.Equal(t, "x", m.ToolCalls[0].Name)
	assert.Equal(t, 1, m.Usage.InputTokens)
}

func TestMessagesHelpers(t *testing.T) {
	decomp := NewAssistantMessage(PhaseTaskAnalysisResult, "Decompose: a")
	decomp.Agent = AgentDecompose

	ms := Messages{
		NewUserMessage("hi"),
		NewAssistantMessage(PhaseFinalAnswer, "hello"),
		NewAssistantMessage(PhaseThinking, "hmm"),
		NewUserMessage("do it"),
		decomp,
		NewAssistantMessage(PhaseDoSubtaskResult, "did it"),
	}

	assert.Equal(t, 3, ms.LastUserIndex())
	assert.Equal(t, -1, Messages{}.LastUserIndex())

	task := ms.TaskDescription()
	require.Len(t, task, 3)
	assert.Equal(t, "do it", task[2].Content)

	done := ms.CompletedActions()
	require.Len(t, done, 1)
	assert.Equal(t, "did it", done[0].Content)

	last, ok := ms.Last(PhaseFinalAnswer)
	assert.True(t, ok)
	assert.Equal(t, "hello", last.Content)

	assert.Len(t, ms.Filter(PhaseThinking, PhaseDoSubtaskResult), 2)

	tr := ms[:2].Transcript()
	assert.Equal(t, "User: hi\nAssistant: hello", tr)
	assert.Equal(t, "None", Messages{}.Transcript())
}

func TestMessageDuration(t *testing.T) {
	start := time.Now()
	m := Message{StartedAt: start, EndedAt: start.Add(2 * time.Second)}
	assert.Equal(t, 2*time.Second, m.Duration())
	assert.Zero(t, Message{StartedAt: start}.Duration())
}

func TestToolResultRender(t *testing.T) {
	ok := ToolResult{CallID: "c1", ToolName: "add", Content: 3}
	assert.JSONEq(t, `{"content":3}`, ok.Render())
	assert.True(t, ok.Success())

	failed := ToolResult{CallID: "c2", ToolName: "add", Err: &ToolResultError{Type: "ToolArgumentError", Message: "bad"}}
	assert.JSONEq(t, `{"error":true,"error_type":"ToolArgumentError","message":"bad","tool_name":"add"}`, failed.Render())

	msg := failed.Message()
	assert.Equal(t, RoleTool, msg.Role)
	assert.Equal(t, PhaseToolCallResult, msg.PhaseType)
	assert.Equal(t, "c2", msg.ToolCallID)
}

func TestTokenUsage(t *testing.T) {
	var u TokenUsage
	assert.True(t, u.IsZero())
	u.Add(TokenUsage{InputTokens: 3, OutputTokens: 4, CachedTokens: 1, ReasoningTokens: 2})
	u.Add(TokenUsage{InputTokens: 1})
	assert.Equal(t, 8, u.Total())
	assert.Equal(t, 1, u.CachedTokens)
	assert.Equal(t, 2, u.ReasoningTokens)
}

func TestPlanValidate(t *testing.T) {
	tests := []struct {
		name    string
		plan    Plan
		wantErr string
	}{
		{
			name: "linear",
			plan: Plan{Subtasks: []Subtask{{ID: "1"}, {ID: "2", DependsOn: []string{"1"}}}},
		},
		{
			name:    "unknown dependency",
			plan:    Plan{Subtasks: []Subtask{{ID: "1", DependsOn: []string{"9"}}}},
			wantErr: "unknown subtask",
		},
		{
			name:    "duplicate id",
			plan:    Plan{Subtasks: []Subtask{{ID: "1"}, {ID: "1"}}},
			wantErr: "duplicate",
		},
		{
			name: "cycle",
			plan: Plan{Subtasks: []Subtask{
				{ID: "a", DependsOn: []string{"c"}},
				{ID: "b", DependsOn: []string{"a"}},
				{ID: "c", DependsOn: []string{"b"}},
			}},
			wantErr: "cycle",
		},
		{
			name:    "empty id",
			plan:    Plan{Subtasks: []Subtask{{ID: ""}}},
			wantErr: "must not be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			var vErr *ValidationError
			assert.ErrorAs(t, err, &vErr)
		})
	}
}

func TestPlanOrderAndNextPending(t *testing.T) {
	p := &Plan{Subtasks: []Subtask{
		{ID: "c", DependsOn: []string{"a", "b"}},
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
	}}

	order, err := p.Order()
	require.NoError(t, err)
	ids := make([]string, len(order))
	for i, s := range order {
		ids[i] = s.ID
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	next, ok := p.NextPending(map[string]bool{})
	require.True(t, ok)
	assert.Equal(t, "a", next.ID)

	next, ok = p.NextPending(map[string]bool{"a": true})
	require.True(t, ok)
	assert.Equal(t, "b", next.ID)

	_, ok = p.NextPending(map[string]bool{"a": true, "b": true, "c": true})
	assert.False(t, ok)

	var nilPlan *Plan
	assert.Equal(t, 0, nilPlan.Len())
	assert.NoError(t, nilPlan.Validate())
}

func TestContextMap(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)
	c := ContextMap{CurrentTime: now, WorkspacePath: "/tmp/ws", SessionID: "s1"}

	_, err := c.With(KeySessionID, "other")
	require.Error(t, err)

	c2, err := c.With("user", map[string]any{"name": "ada"})
	require.NoError(t, err)
	c2, err = c2.With("audience", "engineers")
	require.NoError(t, err)
	assert.Nil(t, c.Extras, "With must not mutate the receiver")

	want := "current_time: 2024-05-01 10:30:00\n" +
		"workspace_path: /tmp/ws\n" +
		"session_id: s1\n" +
		"audience: engineers\n" +
		`user: {"name":"ada"}` + "\n"
	assert.Equal(t, want, c2.Render())
	assert.Equal(t, want, c2.Render(), "render must be deterministic")

	merged := ContextMap{}.Merge(c2)
	assert.Equal(t, "s1", merged.SessionID)
	assert.Equal(t, "engineers", merged.Extras["audience"])

	assert.Equal(t, "", ContextMap{}.Render())
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", NewTransientError("call", errors.New("boom")), true},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("x: %w", context.DeadlineExceeded), true},
		{"canceled", context.Canceled, false},
		{"net timeout", timeoutErr{}, true},
		{"eof", io.EOF, true},
		{"phase timeout", &PhaseTimeoutError{Phase: "planning", Timeout: time.Second}, true},
		{"remote unavailable", &RemoteServerUnavailableError{Server: "s", Err: io.EOF}, true},
		{"validation", &ValidationError{Message: "bad"}, false},
		{"not found", &ToolNotFoundError{Name: "x"}, false},
		{"argument wrapping eof", &ToolArgumentError{Tool: "x", Err: io.EOF}, false},
		{"plain", errors.New("plain"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestErrorType(t *testing.T) {
	assert.Equal(t, "ToolNotFoundError", ErrorType(&ToolNotFoundError{Name: "x"}))
	assert.Equal(t, "ToolArgumentError", ErrorType(&ToolArgumentError{Tool: "x", Err: &ValidationError{}}))
	assert.Equal(t, "ValidationError", ErrorType(&ValidationError{}))
	assert.Equal(t, "TransientExecutionError", ErrorType(context.DeadlineExceeded))
	assert.Equal(t, "ExecutionError", ErrorType(errors.New("x")))
	assert.True(t, strings.HasPrefix((&PhaseTimeoutError{Phase: "p", Timeout: time.Second}).Error(), "phase p"))
}

func TestToolContextState(t *testing.T) {
	tc := NewToolContext(context.Background(), "s1", func(o *ToolContextOptions) {
		o.Workspace = "/tmp/ws"
	})
	require.NoError(t, tc.Validate())

	call := tc.ForCall(nil, "c1", "writer")
	call.SetState("k", 1)

	v, ok := tc.GetState("k")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, "c1", call.CallID())
	assert.Equal(t, "", tc.CallID())
	assert.Equal(t, "/tmp/ws", call.Workspace())

	assert.Error(t, NewToolContext(nil, "").Validate())
}

type logEntry struct {
	msg  string
	args []any
}

type recordingLogger struct{ entries []logEntry }

func (r *recordingLogger) record(msg string, args []any) {
	r.entries = append(r.entries, logEntry{msg: msg, args: args})
}
func (r *recordingLogger) Debug(msg string, args ...any) { r.record(msg, args) }
func (r *recordingLogger) Info(msg string, args ...any)  { r.record(msg, args) }
func (r *recordingLogger) Warn(msg string, args ...any)  { r.record(msg, args) }
func (r *recordingLogger) Error(msg string, args ...any) { r.record(msg, args) }

func TestToolContextLogger(t *testing.T) {
	rec := &recordingLogger{}
	tc := NewToolContext(context.Background(), "s1", func(o *ToolContextOptions) { o.Logger = rec })

	tc.Logger().Info("session.event")
	call := tc.ForCall(nil, "c1", "writer")
	call.SetState("k", 1)
	call.Logger().Warn("tool.event", "extra", true)

	require.Len(t, rec.entries, 3)
	assert.Equal(t, []any{"session_id", "s1"}, rec.entries[0].args)
	assert.Equal(t, "tool.state.set", rec.entries[1].msg)
	assert.Equal(t, []any{"session_id", "s1", "call_id", "c1", "tool", "writer", "key", "k"}, rec.entries[1].args)
	assert.Equal(t, []any{"session_id", "s1", "call_id", "c1", "tool", "writer", "extra", true}, rec.entries[2].args)

	assert.NotNil(t, NewToolContext(nil, "").Logger())
}

func TestModelLimiter(t *testing.T) {
	ml := NewModelLimiter(2)
	require.NoError(t, ml.Acquire())
	require.NoError(t, ml.Acquire())
	err := ml.Acquire()
	assert.ErrorIs(t, err, ErrModelCallBudget)
	assert.Equal(t, 2, ml.Count())
	assert.Equal(t, 0, ml.Remaining())

	var unlimited *ModelLimiter
	assert.NoError(t, unlimited.Acquire())
	assert.Equal(t, -1, NewModelLimiter(0).Remaining())
}
