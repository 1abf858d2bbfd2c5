package agent

import (
	"context"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/model"
)

// AnalysisAgent explains how it understands the task before any work starts.
// Its free-text output is streamed as a task_analysis_result message.
type AnalysisAgent struct {
	base
}

// NewAnalysisAgent creates the analysis phase agent.
func NewAnalysisAgent(llm model.Model, optFns ...func(o *Options)) *AnalysisAgent {
	return &AnalysisAgent{base: newBase(core.AgentAnalysis, PhaseAnalysis, llm, analysisPrefix, optFns)}
}

// Run implements Agent.
func (a *AnalysisAgent) Run(ctx context.Context, in *Input, emit Emitter) (*Output, error) {
	req, err := a.prompt(in, analysisTemplate, map[string]any{
		"conversation": in.Messages.TaskDescription().Transcript(),
	})
	if err != nil {
		return nil, err
	}

	rec := newRecorder(emit)
	out := &Output{}
	text, err := a.streamText(ctx, rec, req, core.PhaseTaskAnalysisResult, out)
	if err != nil {
		return nil, err
	}

	out.Text = text
	out.Messages = rec.messages()
	return out, nil
}
