package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/taskmesh/agent"
	"github.com/hupe1980/taskmesh/core"
)

// noResultAnswer is the final answer of a run whose execution produced no
// text.
const noResultAnswer = "The task ended without a result."

// drive runs the phase state machine of s:
//
//	Analysis → [Decompose] → Planning → Execution → Observation → (Planning | Summary | Terminal)
//
// or, in rapid mode, DirectExecution → Terminal. A terminal failure emits
// one error message, which becomes the final message, and is returned.
func (c *Controller) drive(ctx context.Context, s *Session) (err error) {
	ctx, end := c.traceSession(ctx, s)
	done := c.opts.Metrics.begin()
	defer func() {
		end(err)
		done(s.Flags.Mode(), s.LoopCount, err)
	}()

	if err = c.phases(ctx, s); err != nil {
		msg := core.NewErrorMessage(err)
		msg.Agent = "pipeline"
		msg = s.emit(msg)
		s.final = &msg
	}
	return err
}

func (c *Controller) phases(ctx context.Context, s *Session) error {
	if s.Flags.Rapid() {
		_, err := c.runPhase(ctx, s, s.agents.Direct)
		return err
	}

	if s.Flags.DeepThinking {
		if _, err := c.runPhase(ctx, s, s.agents.Analysis); err != nil {
			return err
		}
	}

	if s.Flags.DeepResearch {
		out, err := c.runPhase(ctx, s, s.agents.Decompose)
		if err != nil {
			return err
		}
		s.plan = out.Plan
	}

	for {
		if s.LoopCount >= s.MaxLoopCount {
			s.BudgetExhausted = true
			s.logger.Warn("pipeline.loop.budget_exhausted",
				"session_id", s.ID,
				"max_loop_count", s.MaxLoopCount,
			)
			break
		}
		s.LoopCount++

		planned, err := c.runPhase(ctx, s, s.agents.Planning)
		if err != nil {
			return err
		}
		s.step = planned.Step

		executed, err := c.runPhase(ctx, s, s.agents.Executor)
		if err != nil {
			return err
		}
		if executed.Text != "" {
			s.lastExec = executed.Text
		}
		if s.step != nil && s.step.SubtaskID != "" {
			s.satisfied[s.step.SubtaskID] = true
		}

		observed, err := c.runPhase(ctx, s, s.agents.Observation)
		if err != nil {
			return err
		}
		obs := observed.Observation
		if obs == nil {
			continue
		}

		if obs.NeedsMoreInput {
			question := obs.UserQuery
			if question == "" {
				question = obs.Analysis
			}
			msg := core.NewAssistantMessage(core.PhaseFinalAnswer, question)
			msg.Agent = core.AgentObservation
			msg = s.emit(msg)
			s.final = &msg
			s.logger.Info("pipeline.loop.needs_input", "session_id", s.ID, "loop", s.LoopCount)
			return nil
		}
		if obs.IsCompleted {
			s.logger.Info("pipeline.loop.completed",
				"session_id", s.ID,
				"loop", s.LoopCount,
				"finish_percent", obs.FinishPercent,
			)
			break
		}
	}

	if s.Flags.Summary {
		_, err := c.runPhase(ctx, s, s.agents.Summary)
		return err
	}

	text := s.lastExec
	if text == "" {
		text = noResultAnswer
	}
	msg := core.NewAssistantMessage(core.PhaseFinalAnswer, text)
	msg.Agent = core.AgentExecutor
	msg = s.emit(msg)
	s.final = &msg
	return nil
}

// runPhase runs one agent with the phase timeout, retrying transient
// failures and timeouts up to PhaseRetries times. Messages emitted by a
// failed attempt are dropped from the session history.
func (c *Controller) runPhase(ctx context.Context, s *Session, a agent.Agent) (*agent.Output, error) {
	if a == nil {
		return nil, fmt.Errorf("pipeline: no agent configured for this phase")
	}
	phase := a.Phase().String()

	ctx, span := c.tracer.Start(ctx, "pipeline.phase", trace.WithAttributes(
		attribute.String("phase", phase),
		attribute.String("agent", a.Name()),
		attribute.Int("loop", s.LoopCount),
	))
	defer span.End()

	s.logger.Debug("pipeline.phase.start", "session_id", s.ID, "phase", phase, "loop", s.LoopCount)
	start := time.Now()

	var (
		out      *agent.Output
		err      error
		attempts int
	)
	for attempts <= c.cfg.PhaseRetries {
		attempts++
		out, err = c.attempt(ctx, s, a)
		if err == nil || !core.IsTransient(err) || ctx.Err() != nil {
			break
		}
		if attempts <= c.cfg.PhaseRetries {
			s.logger.Warn("pipeline.phase.retry",
				"session_id", s.ID,
				"phase", phase,
				"attempt", attempts,
				"error", err.Error(),
			)
		}
	}
	dur := time.Since(start)

	c.opts.Metrics.phase(phase, err, dur, attempts)
	logPhase(s, phase, dur, attempts, err)

	span.SetAttributes(attribute.Int("attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%s phase: %w", phase, err)
	}
	span.SetAttributes(
		attribute.Int("model_calls", out.ModelCalls),
		attribute.Int("input_tokens", out.Usage.InputTokens),
		attribute.Int("output_tokens", out.Usage.OutputTokens),
	)
	return out, nil
}

// attempt runs a once under the phase timeout.
func (c *Controller) attempt(ctx context.Context, s *Session, a agent.Agent) (*agent.Output, error) {
	actx, cancel := context.WithTimeout(ctx, c.cfg.PhaseTimeout)
	defer cancel()

	sink := newAttemptSink(s.Aggregator)
	out, err := a.Run(actx, s.agentInput(), sink)
	if err == nil {
		return out, nil
	}

	s.drop(sink.ids)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = &core.PhaseTimeoutError{Phase: a.Phase().String(), Timeout: c.cfg.PhaseTimeout}
	}
	return nil, err
}

// phaseLogger is implemented by loggers with a dedicated phase record.
type phaseLogger interface {
	LogPhase(phase string, loop int, dur time.Duration, attempts int, err error)
}

func logPhase(s *Session, phase string, dur time.Duration, attempts int, err error) {
	if pl, ok := s.logger.(phaseLogger); ok {
		pl.LogPhase(phase, s.LoopCount, dur, attempts, err)
		return
	}
	args := []any{
		"session_id", s.ID,
		"phase", phase,
		"loop", s.LoopCount,
		"attempts", attempts,
		"duration_ms", dur.Milliseconds(),
	}
	if err != nil {
		s.logger.Error("pipeline.phase.failed", append(args, "error", err.Error())...)
		return
	}
	s.logger.Info("pipeline.phase.complete", args...)
}
