package agent

import (
	"context"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/internal/util"
	"github.com/hupe1980/taskmesh/model"
)

// fallbackAnswer is the final answer when a rapid run produces no text.
const fallbackAnswer = "I could not produce an answer for this request."

// DirectAgent answers in rapid mode: one tool-calling loop over the whole
// conversation whose answer is the final_answer message. With more tools
// than MaxSuggestedTools it first asks the model which tools may help.
type DirectAgent struct {
	base
}

// NewDirectAgent creates the rapid mode agent.
func NewDirectAgent(llm model.Model, optFns ...func(o *Options)) *DirectAgent {
	return &DirectAgent{base: newBase(core.AgentDirect, PhaseDirect, llm, directPrefix, optFns)}
}

// Run implements Agent. It always emits exactly one final_answer message.
func (a *DirectAgent) Run(ctx context.Context, in *Input, emit Emitter) (*Output, error) {
	system, err := a.systemPrompt(in, directRules)
	if err != nil {
		return nil, err
	}

	out := &Output{}

	names, err := a.suggestTools(ctx, in, out)
	if err != nil {
		return nil, err
	}

	req := model.Request{
		System:   system,
		Messages: conversation(in.Messages),
		Tools:    offeredTools(in, names),
	}

	rec := newRecorder(emit)
	res, err := a.toolLoop(ctx, in, rec, req, core.PhaseFinalAnswer, out)
	if err != nil {
		return nil, err
	}

	out.Text = res.text
	if out.Text == "" {
		out.Text = res.completeSummary
		if out.Text == "" {
			out.Text = res.lastText
		}
		if out.Text == "" {
			out.Text = fallbackAnswer
		}
		msg := core.NewAssistantMessage(core.PhaseFinalAnswer, out.Text)
		msg.Agent = a.name
		rec.message(msg)
	}

	out.Completed = res.completed
	out.Messages = rec.messages()
	return out, nil
}

// suggestTools preselects tools when the registry is larger than
// MaxSuggestedTools. It returns nil when every tool should be offered.
func (a *DirectAgent) suggestTools(ctx context.Context, in *Input, out *Output) ([]string, error) {
	limit := a.opts.MaxSuggestedTools
	reg := in.registry()
	if limit <= 0 || reg == nil || in.Dispatcher == nil || reg.Len() <= limit {
		return nil, nil
	}

	req, err := a.prompt(in, toolSuggestionTemplate, map[string]any{
		"conversation": in.Messages.Transcript(),
		"max_tools":    limit,
	})
	if err != nil {
		return nil, err
	}

	resp, u, err := a.generate(ctx, req, nil)
	if err != nil {
		return nil, err
	}
	out.ModelCalls++
	out.Usage.Add(u)

	var names []string
	for _, name := range util.ParseStringList(util.ExtractJSONFromMarkdown(resp.Text)) {
		if _, ok := reg.Get(name); ok {
			names = append(names, name)
		}
		if len(names) == limit {
			break
		}
	}

	a.logger.Debug("agent.direct.tools_suggested", "suggested", len(names), "available", reg.Len())
	return names, nil
}

// conversation keeps the parts of the history a model can consume as plain
// turns: user messages and assistant answers. Tool traffic and phase
// bookkeeping are dropped.
func conversation(msgs core.Messages) []core.Message {
	out := make([]core.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case core.RoleUser:
			out = append(out, m)
		case core.RoleAssistant:
			switch m.PhaseType {
			case core.PhaseNormal, core.PhaseFinalAnswer, core.PhaseDoSubtaskResult, "":
				c := m.Clone()
				c.ToolCalls = nil
				out = append(out, c)
			}
		}
	}
	return out
}
