package pipeline

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/artifact"
	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/internal/testutil"
	"github.com/hupe1980/taskmesh/model"
	"github.com/hupe1980/taskmesh/session"
	"github.com/hupe1980/taskmesh/tool"
	"github.com/hupe1980/taskmesh/usage"
)

// phaseOf tells the phase of a model request from its prompt.
func phaseOf(req model.Request) string {
	first := ""
	if len(req.Messages) > 0 {
		first = req.Messages[0].Content
	}
	switch {
	case strings.HasPrefix(first, "Analyse the following conversation"):
		return "analysis"
	case strings.HasPrefix(first, "# Task decomposition"):
		return "decompose"
	case strings.HasPrefix(first, "# Task planning"):
		return "planning"
	case strings.Contains(first, "Do the following subtask:"):
		return "execution"
	case strings.HasPrefix(first, "# Execution review"):
		return "observation"
	case strings.HasPrefix(first, "Using the task and the execution history"):
		return "summary"
	case strings.HasPrefix(first, "From the conversation below, pick every tool"):
		return "suggestion"
	default:
		return "direct"
	}
}

type handler func(n int, req model.Request) model.Turn

func reply(text string) handler {
	return func(int, model.Request) model.Turn { return testutil.TextTurn(text) }
}

// phased answers each phase with its handler and counts the calls per phase.
type phased struct {
	mu       sync.Mutex
	calls    map[string]int
	requests map[string][]model.Request
}

func newPhased(handlers map[string]handler) (*model.ScriptedModel, *phased) {
	p := &phased{calls: map[string]int{}, requests: map[string][]model.Request{}}
	llm := model.NewResponderModel(func(_ int, req model.Request) model.Turn {
		phase := phaseOf(req)
		p.mu.Lock()
		n := p.calls[phase]
		p.calls[phase]++
		p.requests[phase] = append(p.requests[phase], req)
		p.mu.Unlock()
		if h, ok := handlers[phase]; ok {
			return h(n, req)
		}
		return testutil.TextTurn(phase + " output")
	})
	return llm, p
}

func (p *phased) count(phase string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[phase]
}

func (p *phased) prompts(phase string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.requests[phase]))
	for _, r := range p.requests[phase] {
		out = append(out, r.Messages[0].Content)
	}
	return out
}

func newController(t *testing.T, llm model.Model, optFns ...func(o *Options)) (*Controller, string) {
	t.Helper()
	root := t.TempDir()
	opts := append([]func(o *Options){
		func(o *Options) {
			o.Config.WorkspaceRoot = root
			o.Config.TickInterval = 5 * time.Millisecond
			o.Config.PhaseTimeout = 5 * time.Second
			o.Estimator = usage.NewHeuristicEstimator()
		},
	}, optFns...)
	return New(llm, opts...), root
}

func userRequest(text string, flags Flags) RunRequest {
	return RunRequest{Messages: []core.Message{core.NewUserMessage(text)}, Flags: flags}
}

func deepResearchHandlers(observe handler) map[string]handler {
	return map[string]handler{
		"analysis":    reply("The user wants a short report."),
		"decompose":   reply(testutil.DecomposeReply("collect sources", "write report", "review report")),
		"planning":    reply(testutil.PlanningReply("Work on the step", nil, "A result")),
		"execution":   reply("step done"),
		"observation": observe,
		"summary":     reply("final summary"),
	}
}

func TestRun_RapidMode(t *testing.T) {
	llm, calls := newPhased(map[string]handler{"direct": reply("The answer is 42.")})
	c, root := newController(t, llm)

	res := c.Run(context.Background(), userRequest("What is the answer?", Flags{}))
	require.NoError(t, res.Err)

	produced := core.Messages(res.NewMessages)
	require.Len(t, produced.Filter(core.PhaseFinalAnswer), 1)
	assert.Empty(t, produced.Filter(core.PhaseTaskAnalysisResult, core.PhasePlanningResult, core.PhaseObservationResult))
	assert.Equal(t, "The answer is 42.", res.Final.Content)
	assert.Equal(t, 1, calls.count("direct"))
	assert.Equal(t, 1, llm.CallCount())

	assert.Equal(t, 15, res.Usage.Total.TotalTokens())
	assert.Len(t, res.Messages, len(res.NewMessages)+1)
	assert.Zero(t, res.LoopCount)
	assert.NoDirExists(t, filepath.Join(root, res.SessionID))
}

func TestRun_DeepResearchBudgetExhausted(t *testing.T) {
	llm, calls := newPhased(deepResearchHandlers(
		reply(testutil.ObservationReply(false, false, 40, "more work", `""`)),
	))
	c, root := newController(t, llm)

	res := c.Run(context.Background(), userRequest("Write a report", Flags{
		DeepThinking: true,
		DeepResearch: true,
		Summary:      true,
		MaxLoopCount: 2,
	}))
	require.NoError(t, res.Err)

	assert.Equal(t, 2, res.LoopCount)
	assert.True(t, res.BudgetExhausted)
	assert.Equal(t, 1, calls.count("analysis"))
	assert.Equal(t, 1, calls.count("decompose"))
	assert.Equal(t, 2, calls.count("planning"))
	assert.Equal(t, 2, calls.count("execution"))
	assert.Equal(t, 2, calls.count("observation"))
	assert.Equal(t, 1, calls.count("summary"))

	produced := core.Messages(res.NewMessages)
	require.Len(t, produced.Filter(core.PhaseFinalAnswer), 1)
	assert.Equal(t, "final summary", res.Final.Content)
	assert.Len(t, produced.Filter(core.PhaseTaskAnalysisResult), 1)
	assert.Len(t, produced.Filter(core.PhasePlanningResult), 2)
	assert.Len(t, produced.Filter(core.PhaseObservationResult), 2)

	prompts := calls.prompts("planning")
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[0], "## Subtask to plan\ncollect sources")
	assert.Contains(t, prompts[1], "## Subtask to plan\nwrite report")

	assert.ElementsMatch(t,
		[]string{"analysis", "decompose", "planning", "execution", "observation", "summary"},
		res.Usage.Phases())
	assert.NoDirExists(t, filepath.Join(root, res.SessionID))
}

func TestRun_CompletedWithoutSummary(t *testing.T) {
	llm, calls := newPhased(map[string]handler{
		"analysis":    reply("analysis"),
		"planning":    reply(testutil.PlanningReply("Answer", nil, "An answer")),
		"execution":   reply("Paris is the capital of France."),
		"observation": reply(testutil.ObservationReply(true, false, 100, "done", `""`)),
	})
	c, _ := newController(t, llm)

	res := c.Run(context.Background(), userRequest("Capital of France?", Flags{DeepThinking: true}))
	require.NoError(t, res.Err)

	assert.Equal(t, 1, res.LoopCount)
	assert.False(t, res.BudgetExhausted)
	assert.Zero(t, calls.count("summary"))
	assert.Zero(t, calls.count("decompose"))
	assert.Equal(t, core.PhaseFinalAnswer, res.Final.PhaseType)
	assert.Equal(t, core.AgentExecutor, res.Final.Agent)
	assert.Equal(t, "Paris is the capital of France.", res.Final.Content)
}

func TestRun_NeedsMoreInput(t *testing.T) {
	llm, calls := newPhased(map[string]handler{
		"planning":    reply(testutil.PlanningReply("Book a trip", nil, "A booking")),
		"execution":   reply("cannot book without a city"),
		"observation": reply(testutil.ObservationReply(false, true, 10, "missing destination", `"Which city?"`)),
	})
	c, _ := newController(t, llm)

	res := c.Run(context.Background(), userRequest("Book me a trip", Flags{DeepThinking: true, Summary: true}))
	require.NoError(t, res.Err)

	assert.Equal(t, 1, res.LoopCount)
	assert.Zero(t, calls.count("summary"))
	assert.Equal(t, "Which city?", res.Final.Content)
	assert.Equal(t, core.AgentObservation, res.Final.Agent)
	assert.Len(t, core.Messages(res.NewMessages).Filter(core.PhaseFinalAnswer), 1)
}

// flakyModel fails the first planning calls after streaming part of the
// response.
type flakyModel struct {
	model.Model
	failures atomic.Int32
}

func (m *flakyModel) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	if phaseOf(req) != "planning" || m.failures.Add(-1) < 0 {
		return m.Model.Generate(ctx, req)
	}

	respCh := make(chan model.Response)
	errCh := make(chan error, 1)
	go func() {
		respCh <- model.Response{Partial: true, Delta: "<next_step_description>half"}
		close(respCh)
		errCh <- core.NewTransientError("model", io.ErrUnexpectedEOF)
		close(errCh)
	}()
	return respCh, errCh
}

func TestRun_RetriesTransientPhaseFailure(t *testing.T) {
	inner, calls := newPhased(map[string]handler{
		"planning":    reply(testutil.PlanningReply("Do it", nil, "Done")),
		"execution":   reply("did it"),
		"observation": reply(testutil.ObservationReply(true, false, 100, "ok", `""`)),
	})
	llm := &flakyModel{Model: inner}
	llm.failures.Store(1)

	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	c, _ := newController(t, llm, WithMetrics(metrics))
	res := c.Run(context.Background(), userRequest("do it", Flags{DeepThinking: true}))
	require.NoError(t, res.Err)

	assert.Equal(t, 1, calls.count("planning"))
	assert.Equal(t, "did it", res.Final.Content)
	for _, m := range res.NewMessages {
		assert.NotEqual(t, "half", m.DisplayContent)
	}
	assert.Len(t, core.Messages(res.NewMessages).Filter(core.PhasePlanningResult), 1)

	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.phaseRetries.WithLabelValues("planning")))
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.sessions.WithLabelValues("deep_thinking", "success")))
	assert.Equal(t, 0.0, promtest.ToFloat64(metrics.active))
}

func TestRun_TerminalFailure(t *testing.T) {
	llm, calls := newPhased(map[string]handler{
		"planning": func(int, model.Request) model.Turn {
			return model.Turn{Err: errors.New("invalid api key")}
		},
	})
	c, root := newController(t, llm)

	res := c.Run(context.Background(), userRequest("anything", Flags{DeepThinking: true}))
	require.Error(t, res.Err)

	assert.Equal(t, 1, calls.count("planning"))
	assert.Equal(t, core.PhaseError, res.Final.PhaseType)
	assert.Contains(t, res.Final.Content, "invalid api key")
	assert.Len(t, core.Messages(res.NewMessages).Filter(core.PhaseError), 1)
	assert.Zero(t, calls.count("execution"))
	assert.NoDirExists(t, filepath.Join(root, res.SessionID))
}

func TestRun_PhaseTimeout(t *testing.T) {
	llm, calls := newPhased(map[string]handler{
		"direct": func(int, model.Request) model.Turn {
			return model.Turn{Text: "too late", Delay: time.Second}
		},
	})
	c, _ := newController(t, llm, func(o *Options) {
		o.Config.PhaseTimeout = 30 * time.Millisecond
		o.Config.PhaseRetries = 1
	})

	start := time.Now()
	res := c.Run(context.Background(), userRequest("hurry", Flags{}))

	var tErr *core.PhaseTimeoutError
	require.ErrorAs(t, res.Err, &tErr)
	assert.Equal(t, "direct_execution", tErr.Phase)
	assert.Equal(t, 2, calls.count("direct"))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, core.PhaseError, res.Final.PhaseType)
}

func TestRun_ModelCallBudget(t *testing.T) {
	llm, _ := newPhased(nil)
	c, _ := newController(t, llm, func(o *Options) { o.Config.MaxModelCalls = 1 })

	res := c.Run(context.Background(), userRequest("think", Flags{DeepThinking: true}))
	assert.ErrorIs(t, res.Err, core.ErrModelCallBudget)
	assert.Equal(t, 1, llm.CallCount())
}

func TestRun_FailingToolDoesNotEndSession(t *testing.T) {
	llm, calls := newPhased(map[string]handler{
		"direct": func(n int, _ model.Request) model.Turn {
			if n == 0 {
				return testutil.ToolCallTurn(core.ToolCall{Name: "flaky"})
			}
			return testutil.TextTurn("Recovered answer")
		},
	})
	reg := testutil.Registry(testutil.FailingTool("flaky", errors.New("boom")))
	c, _ := newController(t, llm)

	req := userRequest("use the tool", Flags{})
	req.Registry = reg
	res := c.Run(context.Background(), req)
	require.NoError(t, res.Err)

	assert.Equal(t, 2, calls.count("direct"))
	results := core.Messages(res.NewMessages).Filter(core.PhaseToolCallResult)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Content, "boom")
	assert.Equal(t, "Recovered answer", res.Final.Content)
	assert.Equal(t, 2, reg.Len(), "the caller's registry is not modified")
}

func TestRun_CollectsArtifacts(t *testing.T) {
	llm, _ := newPhased(map[string]handler{
		"direct": func(n int, _ model.Request) model.Turn {
			if n == 0 {
				return testutil.ToolCallTurn(core.ToolCall{
					Name:      artifact.ToolWriteFile,
					Arguments: `{"path": "notes/result.md", "content": "# Result"}`,
				})
			}
			return testutil.TextTurn("Written to notes/result.md")
		},
	})
	reg := testutil.Registry()
	require.NoError(t, artifact.RegisterFileTools(reg))
	store := artifact.NewInMemoryStore()
	c, root := newController(t, llm, WithArtifactStore(store))

	req := userRequest("write the result", Flags{})
	req.Registry = reg
	res := c.Run(context.Background(), req)
	require.NoError(t, res.Err)

	assert.Equal(t, []string{"notes/result.md"}, res.Artifacts)
	data, err := store.Get(res.SessionID, "notes/result.md")
	require.NoError(t, err)
	assert.Equal(t, "# Result", string(data))
	assert.NoDirExists(t, filepath.Join(root, res.SessionID))
}

func TestRun_InvalidRequests(t *testing.T) {
	llm, _ := newPhased(nil)
	c, _ := newController(t, llm)

	t.Run("session id", func(t *testing.T) {
		req := userRequest("hi", Flags{})
		req.SessionID = "../escape"
		res := c.Run(context.Background(), req)

		var vErr *core.ValidationError
		require.ErrorAs(t, res.Err, &vErr)
		assert.Equal(t, core.PhaseError, res.Final.PhaseType)
	})

	t.Run("no user message", func(t *testing.T) {
		res := c.Run(context.Background(), RunRequest{})
		var vErr *core.ValidationError
		require.ErrorAs(t, res.Err, &vErr)
	})

	assert.Zero(t, llm.CallCount())
}

func TestRun_HistoryStore(t *testing.T) {
	llm, calls := newPhased(map[string]handler{
		"direct": func(n int, _ model.Request) model.Turn {
			if n == 0 {
				return testutil.TextTurn("first answer")
			}
			return testutil.TextTurn("second answer")
		},
	})
	store := session.NewInMemoryStore()
	c, _ := newController(t, llm, WithHistoryStore(store))

	first := userRequest("first question", Flags{})
	first.SessionID = "conversation-1"
	res := c.Run(context.Background(), first)
	require.NoError(t, res.Err)

	second := userRequest("second question", Flags{})
	second.SessionID = "conversation-1"
	res = c.Run(context.Background(), second)
	require.NoError(t, res.Err)

	prompts := calls.requests["direct"]
	require.Len(t, prompts, 2)
	var seen []string
	for _, m := range prompts[1].Messages {
		seen = append(seen, m.Content)
	}
	assert.Contains(t, seen, "first question")
	assert.Contains(t, seen, "first answer")
	assert.Contains(t, seen, "second question")

	stored, err := store.Load(context.Background(), "conversation-1")
	require.NoError(t, err)
	assert.Equal(t, "second answer", stored[len(stored)-1].Content)
	assert.Len(t, stored, len(res.Messages))
}

// collect drains a stream and rebuilds the messages by id, keeping the last
// version of each.
func collect(t *testing.T, batches <-chan []core.Message, results <-chan Result) ([]core.Message, Result) {
	t.Helper()
	var (
		order []string
		byID  = map[string]core.Message{}
	)
	for batch := range batches {
		for _, m := range batch {
			if _, ok := byID[m.ID]; !ok {
				order = append(order, m.ID)
			}
			byID[m.ID] = m
		}
	}

	res, ok := <-results
	require.True(t, ok)
	_, ok = <-results
	require.False(t, ok, "exactly one result")

	msgs := make([]core.Message, 0, len(order))
	for _, id := range order {
		msgs = append(msgs, byID[id])
	}
	return msgs, res
}

func TestRunStream_MatchesRun(t *testing.T) {
	handlers := func() map[string]handler {
		return map[string]handler{
			"analysis":    reply("Analysis of the request, streamed in small pieces."),
			"planning":    reply(testutil.PlanningReply("Write the answer", nil, "A paragraph")),
			"execution":   reply("A long paragraph that arrives in many chunks."),
			"observation": reply(testutil.ObservationReply(true, false, 100, "complete", `""`)),
			"summary":     reply("The summarised final answer."),
		}
	}
	flags := Flags{DeepThinking: true, Summary: true}

	llm, _ := newPhased(handlers())
	c, _ := newController(t, llm)
	want := c.Run(context.Background(), userRequest("explain", flags))
	require.NoError(t, want.Err)

	streamLLM, _ := newPhased(handlers())
	sc, root := newController(t, streamLLM)
	batches, results := sc.RunStream(context.Background(), userRequest("explain", flags))
	msgs, res := collect(t, batches, results)
	require.NoError(t, res.Err)

	finals := core.Messages(msgs).Filter(core.PhaseFinalAnswer)
	require.Len(t, finals, 1)
	assert.Equal(t, want.Final.Content, finals[0].Content)
	assert.Equal(t, res.Final.Content, finals[0].Content)

	assert.Len(t, msgs, len(res.NewMessages))
	for _, m := range msgs {
		assert.NotEqual(t, core.RoleUser, m.Role, "input messages are not streamed")
	}
	assert.NoDirExists(t, filepath.Join(root, res.SessionID))
}

func TestRunStream_CancelledConsumer(t *testing.T) {
	llm, _ := newPhased(map[string]handler{
		"direct": func(int, model.Request) model.Turn {
			return model.Turn{Text: "never read", Delay: 2 * time.Second}
		},
	})
	c, root := newController(t, llm)

	ctx, cancel := context.WithCancel(context.Background())
	_, results := c.RunStream(ctx, userRequest("slow", Flags{}))
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case res := <-results:
		assert.Error(t, res.Err)
		assert.NoDirExists(t, filepath.Join(root, res.SessionID))
	case <-time.After(time.Second):
		t.Fatal("no result after cancel")
	}
}

func TestRunStream_StalledConsumer(t *testing.T) {
	delayed := func(text string, d time.Duration) handler {
		return func(int, model.Request) model.Turn {
			return model.Turn{Text: text, Delay: d}
		}
	}
	llm, _ := newPhased(map[string]handler{
		"analysis":  delayed("The user wants a report.", 30*time.Millisecond),
		"decompose": delayed(testutil.DecomposeReply("collect sources", "write report"), 30*time.Millisecond),
		"planning":  delayed(testutil.PlanningReply("Work on the step", nil, "A result"), 30*time.Millisecond),
		"execution": delayed("step done", 2*time.Second),
	})
	c, root := newController(t, llm, func(o *Options) {
		o.Config.EventBufferSize = 1
		o.Config.StallTimeout = 20 * time.Millisecond
	})

	// The batch channel is never read and ctx is never cancelled.
	_, results := c.RunStream(context.Background(), userRequest("report", Flags{DeepResearch: true}))

	select {
	case res := <-results:
		assert.ErrorIs(t, res.Err, context.Canceled)
		assert.NoDirExists(t, filepath.Join(root, res.SessionID))
	case <-time.After(time.Second):
		t.Fatal("stalled consumer pinned the run")
	}
	assert.Eventually(t, func() bool { return c.Active() == 0 }, time.Second, 5*time.Millisecond)
}

func TestStop(t *testing.T) {
	llm, _ := newPhased(map[string]handler{
		"direct": func(int, model.Request) model.Turn {
			return model.Turn{Text: "never read", Delay: 2 * time.Second}
		},
	})
	c, root := newController(t, llm)

	req := userRequest("slow", Flags{})
	req.SessionID = "stop-me"
	batches, results := c.RunStream(context.Background(), req)

	require.Eventually(t, func() bool { return c.Active() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, c.Stop("stop-me"))
	assert.False(t, c.Stop("unknown"))

	_, res := collect(t, batches, results)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, "stop-me", res.SessionID)
	assert.Equal(t, core.PhaseError, res.Final.PhaseType)
	assert.NoDirExists(t, filepath.Join(root, "stop-me"))
	assert.Eventually(t, func() bool { return c.Active() == 0 }, time.Second, 5*time.Millisecond)
}

func TestController_AsAgentTool(t *testing.T) {
	innerLLM, _ := newPhased(map[string]handler{"direct": reply("inner answer")})
	inner, _ := newController(t, innerLLM)

	outerLLM, _ := newPhased(map[string]handler{
		"direct": func(n int, _ model.Request) model.Turn {
			if n == 0 {
				return testutil.ToolCallTurn(core.ToolCall{Name: "delegate", Arguments: `{"task":"sub question"}`})
			}
			return testutil.TextTurn("outer done")
		},
	})
	outer, _ := newController(t, outerLLM, WithRegistry(testutil.Registry(
		tool.NewAgentTool("delegate", "Delegate a subtask", inner),
	)))

	res := outer.Run(context.Background(), userRequest("delegate this", Flags{}))
	require.NoError(t, res.Err)

	results := core.Messages(res.NewMessages).Filter(core.PhaseToolCallResult)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Content, "inner answer")
	assert.Equal(t, "outer done", res.Final.Content)
}
