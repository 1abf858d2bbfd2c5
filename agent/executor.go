package agent

import (
	"context"
	"fmt"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/model"
	"github.com/hupe1980/taskmesh/tool"
)

// ExecutorAgent carries out the step chosen by the planning phase. It offers
// the model only the tools the step requires (all tools when none of them
// exist) and loops between the model and the dispatcher.
type ExecutorAgent struct {
	base
}

// NewExecutorAgent creates the execution phase agent.
func NewExecutorAgent(llm model.Model, optFns ...func(o *Options)) *ExecutorAgent {
	return &ExecutorAgent{base: newBase(core.AgentExecutor, PhaseExecution, llm, executorPrefix, optFns)}
}

// Run implements Agent. Without a planned step the latest user request is
// executed.
func (a *ExecutorAgent) Run(ctx context.Context, in *Input, emit Emitter) (*Output, error) {
	step := in.Step
	if step == nil {
		step = &Step{}
		if idx := in.Messages.LastUserIndex(); idx >= 0 {
			step.Description = in.Messages[idx].Content
		}
	}

	req, err := a.prompt(in, executorTemplate, map[string]any{
		"next_step":       step.Description,
		"expected_output": step.ExpectedOutput,
		"complete_tool":   tool.CompleteTaskName,
	})
	if err != nil {
		return nil, err
	}
	req.Tools = offeredTools(in, step.RequiredTools)

	rec := newRecorder(emit)
	out := &Output{Step: step}

	res, err := a.toolLoop(ctx, in, rec, req, core.PhaseDoSubtaskResult, out)
	if err != nil {
		return nil, err
	}

	text := res.text
	if text == "" {
		text = res.completeSummary
		if text == "" && res.exhausted {
			text = fmt.Sprintf("Stopped after %d tool rounds without a final result.", res.rounds)
		}
		if text != "" {
			msg := core.NewAssistantMessage(core.PhaseDoSubtaskResult, text)
			msg.Agent = a.name
			rec.message(msg)
		}
	}

	out.Text = text
	out.Completed = res.completed
	out.Messages = rec.messages()
	return out, nil
}
