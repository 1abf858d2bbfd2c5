package agent

import (
	"context"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/model"
)

// SummaryAgent writes the final answer from the task and everything done
// since the last user message.
type SummaryAgent struct {
	base
}

// NewSummaryAgent creates the summary phase agent.
func NewSummaryAgent(llm model.Model, optFns ...func(o *Options)) *SummaryAgent {
	return &SummaryAgent{base: newBase(core.AgentSummary, PhaseSummary, llm, summaryPrefix, optFns)}
}

// Run implements Agent.
func (a *SummaryAgent) Run(ctx context.Context, in *Input, emit Emitter) (*Output, error) {
	req, err := a.prompt(in, summaryTemplate, nil)
	if err != nil {
		return nil, err
	}

	rec := newRecorder(emit)
	out := &Output{}
	text, err := a.streamText(ctx, rec, req, core.PhaseFinalAnswer, out)
	if err != nil {
		return nil, err
	}

	out.Text = text
	out.Messages = rec.messages()
	return out, nil
}
