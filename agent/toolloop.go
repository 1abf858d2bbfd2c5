package agent

import (
	"context"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/model"
	"github.com/hupe1980/taskmesh/stream"
	"github.com/hupe1980/taskmesh/tool"
)

// loopResult summarises a model/tool loop.
type loopResult struct {
	// text is the answer of the final round without tool calls.
	text string
	// lastText is the last non-empty text of any round.
	lastText string
	// completed reports a successful complete_task call.
	completed       bool
	completeSummary string
	rounds          int
	// exhausted reports that MaxToolRounds ended the loop.
	exhausted bool
}

// toolLoop alternates model calls and tool dispatch until the model answers
// without tool calls, complete_task succeeds or MaxToolRounds is reached.
//
// Each round streams its text as a message of textPhase. When the round ends
// with tool calls the same message is retyped as tool_call and carries the
// calls, so only a round that answers keeps textPhase. Every tool call
// produces exactly one tool_call_result message.
func (b *base) toolLoop(ctx context.Context, in *Input, rec *recorder, req model.Request, textPhase core.PhaseType, out *Output) (loopResult, error) {
	var res loopResult

	req.Messages = append([]core.Message(nil), req.Messages...)
	tc := in.toolContext(ctx)

	for res.rounds < b.opts.MaxToolRounds {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.rounds++
		out.ToolRounds = res.rounds

		id := core.NewID()
		resp, u, err := b.generate(ctx, req, func(delta string) {
			rec.Emit(stream.Fragment{
				MessageID:    id,
				Role:         core.RoleAssistant,
				ContentDelta: delta,
				PhaseType:    textPhase,
				Agent:        b.name,
			})
		})
		if err != nil {
			return res, err
		}
		out.ModelCalls++
		out.Usage.Add(u)
		if resp.Text != "" {
			res.lastText = resp.Text
		}

		if len(resp.ToolCalls) == 0 || in.Dispatcher == nil {
			if resp.Text != "" {
				rec.Emit(stream.Fragment{MessageID: id, Usage: &u})
			}
			res.text = resp.Text
			return res, nil
		}

		calls := make([]core.ToolCall, len(resp.ToolCalls))
		for i, c := range resp.ToolCalls {
			if c.ID == "" {
				c.ID = core.NewID()
			}
			calls[i] = c
		}

		rec.Emit(stream.Fragment{
			MessageID: id,
			Role:      core.RoleAssistant,
			PhaseType: core.PhaseToolCall,
			Agent:     b.name,
			ToolCalls: calls,
			Usage:     &u,
		})
		b.logger.Debug("agent.tool_loop.calls", "agent", b.name, "round", res.rounds, "calls", len(calls))

		results := in.Dispatcher.DispatchBatch(ctx, tc, calls)

		req.Messages = append(req.Messages, core.Message{
			ID:        id,
			Role:      core.RoleAssistant,
			Content:   resp.Text,
			PhaseType: core.PhaseToolCall,
			ToolCalls: calls,
		})
		for _, r := range results {
			m := r.Message()
			m.Agent = b.name
			rec.message(m)
			req.Messages = append(req.Messages, m)

			if r.ToolName == tool.CompleteTaskName && r.Success() {
				res.completed = true
				res.completeSummary = completionSummary(r.Content)
			}
		}
		if res.completed {
			return res, nil
		}
	}

	res.exhausted = true
	b.logger.Warn("agent.tool_loop.exhausted", "agent", b.name, "rounds", res.rounds)
	return res, nil
}

// offeredTools returns the tool definitions exposed to the model: the named
// tools plus complete_task, or every tool when none of the names resolve.
func offeredTools(in *Input, names []string) []core.ToolDefinition {
	reg := in.registry()
	if reg == nil || in.Dispatcher == nil {
		return nil
	}

	if len(names) > 0 {
		filter := append(append([]string(nil), names...), tool.CompleteTaskName)
		defs := reg.Definitions(filter...)
		for _, d := range defs {
			if d.Name != tool.CompleteTaskName {
				return defs
			}
		}
	}
	return reg.Definitions()
}

func completionSummary(content any) string {
	if m, ok := content.(map[string]any); ok {
		if s, ok := m["summary"].(string); ok {
			return s
		}
	}
	return ""
}
