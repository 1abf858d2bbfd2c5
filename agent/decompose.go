package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/model"
)

// DecomposeAgent splits the task into an ordered list of subtasks. It owns
// the dependency graph of the session: the plan it returns is a chain in
// which every subtask depends on the one before it.
type DecomposeAgent struct {
	base
}

// NewDecomposeAgent creates the decomposition phase agent.
func NewDecomposeAgent(llm model.Model, optFns ...func(o *Options)) *DecomposeAgent {
	return &DecomposeAgent{base: newBase(core.AgentDecompose, PhaseDecompose, llm, decomposePrefix, optFns)}
}

// Run implements Agent. The decomposition is emitted as one
// task_analysis_result message once the whole response has been parsed.
func (a *DecomposeAgent) Run(ctx context.Context, in *Input, emit Emitter) (*Output, error) {
	task := in.Messages.TaskDescription().Transcript()
	if analysis, ok := in.Messages.Last(core.PhaseTaskAnalysisResult); ok && analysis.Agent == core.AgentAnalysis {
		task += "\n\nAnalysis:\n" + analysis.Content
	}

	req, err := a.prompt(in, decomposeTemplate, map[string]any{
		"task_description": task,
		"max_subtasks":     MaxSubtasks,
	})
	if err != nil {
		return nil, err
	}

	resp, u, err := a.generate(ctx, req, nil)
	if err != nil {
		return nil, err
	}

	plan, err := ParsePlan(resp.Text)
	if err != nil {
		return nil, fmt.Errorf("decompose: %w", err)
	}

	msg := core.NewAssistantMessage(core.PhaseTaskAnalysisResult, planContent(plan))
	msg.DisplayContent = planDisplay(plan)
	msg.Agent = a.name
	msg.Usage = &u

	rec := newRecorder(emit)
	rec.message(msg)

	a.logger.Info("agent.decompose.complete", "subtasks", plan.Len())

	return &Output{
		Messages:   rec.messages(),
		Usage:      u,
		ModelCalls: 1,
		Text:       resp.Text,
		Plan:       plan,
	}, nil
}

func planDisplay(plan *core.Plan) string {
	var sb strings.Builder
	for i, st := range plan.Subtasks {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, st.Description)
	}
	return sb.String()
}
