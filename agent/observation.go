package agent

import (
	"context"
	"strings"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/model"
	"github.com/hupe1980/taskmesh/stream"
)

// ObservationAgent reviews the work done so far and reports whether the task
// is complete, needs user input or should continue.
type ObservationAgent struct {
	base
}

// NewObservationAgent creates the observation phase agent.
func NewObservationAgent(llm model.Model, optFns ...func(o *Options)) *ObservationAgent {
	return &ObservationAgent{base: newBase(core.AgentObservation, PhaseObservation, llm, observationPrefix, optFns)}
}

// Run implements Agent. Unparseable output is kept as the analysis of an
// observation that neither completes the task nor asks for input, so the
// pipeline keeps looping.
func (a *ObservationAgent) Run(ctx context.Context, in *Input, emit Emitter) (*Output, error) {
	req, err := a.prompt(in, observationTemplate, nil)
	if err != nil {
		return nil, err
	}

	rec := newRecorder(emit)
	id := core.NewID()
	display := newDisplayFilter(TagAnalysis, TagUserQuery)
	emitDisplay := func(text string) {
		if text != "" {
			rec.Emit(stream.Fragment{
				MessageID:    id,
				Role:         core.RoleAssistant,
				DisplayDelta: text,
				PhaseType:    core.PhaseObservationResult,
				Agent:        a.name,
			})
		}
	}

	resp, u, err := a.generate(ctx, req, func(delta string) {
		emitDisplay(display.render(display.stream.Feed(delta)))
	})
	if err != nil {
		return nil, err
	}
	emitDisplay(display.render(display.stream.Flush()))

	obs, perr := ParseObservation(resp.Text)
	if perr != nil {
		a.logger.Warn("agent.observation.unparsed", "error", perr.Error())
		obs = &Observation{Analysis: strings.TrimSpace(resp.Text)}
	}

	rec.Emit(stream.Fragment{
		MessageID:    id,
		Role:         core.RoleAssistant,
		ContentDelta: obs.Content(),
		PhaseType:    core.PhaseObservationResult,
		Agent:        a.name,
		Usage:        &u,
	})

	a.logger.Debug("agent.observation.complete",
		"completed", obs.IsCompleted,
		"needs_more_input", obs.NeedsMoreInput,
		"finish_percent", obs.FinishPercent,
	)

	return &Output{
		Messages:    rec.messages(),
		Usage:       u,
		ModelCalls:  1,
		Text:        resp.Text,
		Observation: obs,
	}, nil
}
