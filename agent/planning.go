package agent

import (
	"context"
	"strings"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/internal/util"
	"github.com/hupe1980/taskmesh/model"
	"github.com/hupe1980/taskmesh/stream"
)

// PlanningAgent decides the single next step. When a plan exists it plans
// the first subtask whose dependencies are satisfied.
//
// While the model streams, only the step description and the expected output
// reach display_content; the machine readable step becomes the content once
// the response is complete.
type PlanningAgent struct {
	base
}

// NewPlanningAgent creates the planning phase agent.
func NewPlanningAgent(llm model.Model, optFns ...func(o *Options)) *PlanningAgent {
	return &PlanningAgent{base: newBase(core.AgentPlanning, PhasePlanning, llm, planningPrefix, optFns)}
}

// Run implements Agent.
func (a *PlanningAgent) Run(ctx context.Context, in *Input, emit Emitter) (*Output, error) {
	subtask, hasSubtask := in.Plan.NextPending(in.Satisfied)

	vars := map[string]any{}
	if hasSubtask {
		vars["subtask"] = subtask.Description
	}
	req, err := a.prompt(in, planningTemplate, vars)
	if err != nil {
		return nil, err
	}

	rec := newRecorder(emit)
	id := core.NewID()
	display := newDisplayFilter(TagNextStep, TagExpectedOutput)
	emitDisplay := func(chunks []util.TagChunk) {
		if text := display.render(chunks); text != "" {
			rec.Emit(stream.Fragment{
				MessageID:    id,
				Role:         core.RoleAssistant,
				DisplayDelta: text,
				PhaseType:    core.PhasePlanningResult,
				Agent:        a.name,
			})
		}
	}

	resp, u, err := a.generate(ctx, req, func(delta string) {
		emitDisplay(display.stream.Feed(delta))
	})
	if err != nil {
		return nil, err
	}
	emitDisplay(display.stream.Flush())

	step, perr := ParseStep(resp.Text)
	if perr != nil {
		a.logger.Warn("agent.planning.unparsed", "error", perr.Error())
		step = &Step{Description: strings.TrimSpace(resp.Text)}
		if hasSubtask {
			step.Description = subtask.Description
		}
	}
	if hasSubtask {
		step.SubtaskID = subtask.ID
		if len(step.RequiredTools) == 0 && subtask.ToolHint != "" {
			step.RequiredTools = []string{subtask.ToolHint}
		}
	}

	rec.Emit(stream.Fragment{
		MessageID:    id,
		Role:         core.RoleAssistant,
		ContentDelta: step.Content(),
		PhaseType:    core.PhasePlanningResult,
		Agent:        a.name,
		Usage:        &u,
	})

	a.logger.Debug("agent.planning.complete",
		"subtask_id", step.SubtaskID,
		"required_tools", len(step.RequiredTools),
	)

	return &Output{
		Messages:   rec.messages(),
		Usage:      u,
		ModelCalls: 1,
		Text:       resp.Text,
		Step:       step,
	}, nil
}

// displayFilter turns tag chunks into display text, separating the bodies of
// different tags by a blank line. Whitespace around tag bodies is dropped.
type displayFilter struct {
	stream  *util.TagStream
	lastTag string
	pending string
}

func newDisplayFilter(tags ...string) *displayFilter {
	return &displayFilter{stream: util.NewTagStream(tags...)}
}

func (d *displayFilter) render(chunks []util.TagChunk) string {
	const ws = " \t\r\n"

	var sb strings.Builder
	for _, c := range chunks {
		text := c.Text
		if c.Tag != d.lastTag {
			text = strings.TrimLeft(text, ws)
			if text == "" {
				continue
			}
			if d.lastTag != "" {
				sb.WriteString("\n\n")
			}
			d.lastTag = c.Tag
			d.pending = ""
		} else {
			text = d.pending + text
			d.pending = ""
		}

		trimmed := strings.TrimRight(text, ws)
		d.pending = text[len(trimmed):]
		sb.WriteString(trimmed)
	}
	return sb.String()
}
