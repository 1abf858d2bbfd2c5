package agent

import (
	"context"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/stream"
	"github.com/hupe1980/taskmesh/tool"
)

// Phase names one step of the fixed pipeline.
type Phase string

const (
	PhaseAnalysis    Phase = "analysis"
	PhaseDecompose   Phase = "decompose"
	PhasePlanning    Phase = "planning"
	PhaseExecution   Phase = "execution"
	PhaseObservation Phase = "observation"
	PhaseSummary     Phase = "summary"
	PhaseDirect      Phase = "direct_execution"
)

// String returns the phase name.
func (p Phase) String() string { return string(p) }

// Emitter receives the fragments an agent produces. The pipeline passes its
// stream aggregator; tests may pass any stream.Sink.
type Emitter = stream.Sink

// Agent is the logic of one pipeline phase. Run builds a prompt from in,
// invokes the model, emits its messages through emit and returns what it
// parsed. Run must not retain in after returning.
type Agent interface {
	Name() string
	Phase() Phase
	Run(ctx context.Context, in *Input, emit Emitter) (*Output, error)
}

// Input is everything a phase agent may read.
type Input struct {
	SessionID string
	// Messages is the conversation so far, caller input included.
	Messages core.Messages
	// Registry is the session's view of the available tools. It may be nil.
	Registry *tool.Registry
	// Dispatcher executes tool calls. Phases that do not call tools ignore it.
	Dispatcher *tool.Dispatcher
	// ToolContext is handed to every tool call of the session.
	ToolContext *core.ToolContext
	// Context is merged into every system prompt.
	Context core.ContextMap

	// Plan is the decomposition of the task, if Decompose ran.
	Plan *core.Plan
	// Satisfied holds the ids of plan subtasks already executed.
	Satisfied map[string]bool
	// Step is the latest planning result, consumed by the executor.
	Step *Step
}

// Output is what one agent run produced.
type Output struct {
	// Messages are the messages emitted during the run, in emission order.
	Messages core.Messages
	// Usage sums the token usage of every model call of the run.
	Usage core.TokenUsage
	// ModelCalls counts the model invocations of the run.
	ModelCalls int

	// Text is the final free-text output of the run.
	Text string

	Plan        *core.Plan
	Step        *Step
	Observation *Observation

	// Completed reports that a tool signalled task completion.
	Completed bool
	// ToolRounds counts model/tool round trips of a tool loop.
	ToolRounds int
}

// Last returns the last emitted message of type t.
func (o *Output) Last(t core.PhaseType) (core.Message, bool) {
	if o == nil {
		return core.Message{}, false
	}
	return o.Messages.Last(t)
}

func (in *Input) registry() *tool.Registry {
	if in.Registry != nil {
		return in.Registry
	}
	if in.Dispatcher != nil {
		return in.Dispatcher.Registry()
	}
	return nil
}

func (in *Input) toolContext(ctx context.Context) *core.ToolContext {
	if in.ToolContext != nil {
		return in.ToolContext
	}
	in.ToolContext = core.NewToolContext(ctx, in.SessionID, func(o *core.ToolContextOptions) {
		o.Workspace = in.Context.WorkspacePath
		o.ContextMap = in.Context
	})
	return in.ToolContext
}
