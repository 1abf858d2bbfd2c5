package code

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/internal/testutil"
	"github.com/hupe1980/taskmesh/model"
	"github.com/hupe1980/taskmesh/pipeline"
	"github.com/hupe1980/taskmesh/tool"
)

// systems records the system prompt of every request by phase.
type systems struct {
	mu sync.Mutex
	by map[string][]string
}

func (s *systems) get(phase string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.by[phase]
}

func newModel() (*model.ScriptedModel, *systems) {
	s := &systems{by: map[string][]string{}}
	llm := model.NewResponderModel(func(_ int, req model.Request) model.Turn {
		first := ""
		if len(req.Messages) > 0 {
			first = req.Messages[0].Content
		}

		phase, text := "direct", "```go\nfmt.Println(\"hi\")\n```"
		switch {
		case strings.HasPrefix(first, "Analyse the following conversation"):
			phase, text = "analysis", "The user wants a Go program."
		case strings.HasPrefix(first, "# Task decomposition"):
			phase, text = "decompose", testutil.DecomposeReply("write the program")
		case strings.HasPrefix(first, "# Task planning"):
			phase, text = "planning", testutil.PlanningReply("Write the program", nil, "Go source")
		case strings.Contains(first, "Do the following subtask:"):
			phase, text = "execution", "package main"
		case strings.HasPrefix(first, "# Execution review"):
			phase, text = "observation", testutil.ObservationReply(true, false, 100, "done", `""`)
		case strings.HasPrefix(first, "Using the task and the execution history"):
			phase, text = "summary", "Here is the program."
		case strings.HasPrefix(first, "From the conversation below, pick every tool"):
			phase, text = "suggestion", "[]"
		}

		s.mu.Lock()
		s.by[phase] = append(s.by[phase], req.System)
		s.mu.Unlock()
		return testutil.TextTurn(text)
	})
	return llm, s
}

func testOptions(t *testing.T) func(o *pipeline.Options) {
	return func(o *pipeline.Options) {
		o.Config.WorkspaceRoot = t.TempDir()
		o.Config.TickInterval = 5 * time.Millisecond
	}
}

func TestAgentTool_Delegates(t *testing.T) {
	llm, systems := newModel()
	at := NewAgentTool(llm, testOptions(t))

	assert.Equal(t, ToolName, at.Name())
	assert.Equal(t, tool.OriginAgent, at.Origin())
	assert.Equal(t, tool.CallPolicy{Retry: tool.NoRetry()}, at.CallPolicy())

	out, err := at.Call(core.NewToolContext(context.Background(), "outer"), map[string]any{"task": "print hi in Go"})
	require.NoError(t, err)
	assert.Equal(t, "Here is the program.", out.(map[string]any)["final"])

	for _, phase := range []string{"analysis", "decompose", "planning", "observation", "summary"} {
		require.NotEmpty(t, systems.get(phase), phase)
		assert.NotContains(t, systems.get(phase)[0], Instruction, phase)
	}
	require.NotEmpty(t, systems.get("execution"))
	assert.Contains(t, systems.get("execution")[0], Instruction)
}

func TestNewAgent_RapidMode(t *testing.T) {
	llm, systems := newModel()
	ctrl := NewAgent(llm, testOptions(t))

	res := ctrl.Run(context.Background(), pipeline.RunRequest{
		Messages: []core.Message{core.NewUserMessage("print hi in Go")},
	})
	require.NoError(t, res.Err)

	assert.Contains(t, res.Final.Content, "fmt.Println")
	require.NotEmpty(t, systems.get("direct"))
	assert.Contains(t, systems.get("direct")[0], Instruction)
}
