package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/internal/util"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/model"
	"github.com/hupe1980/taskmesh/stream"
	"github.com/hupe1980/taskmesh/usage"
)

// DefaultMaxToolRounds bounds the model/tool round trips of one tool loop.
const DefaultMaxToolRounds = 10

// DefaultMaxSuggestedTools bounds the tools offered in rapid mode once the
// registry grows beyond it.
const DefaultMaxSuggestedTools = 7

// Options configures a phase agent.
//
// Use functional options with the New*Agent constructors to override defaults.
type Options struct {
	// Instruction replaces the phase's default system prefix.
	Instruction Instruction
	Logger      logging.Logger
	// Tracker receives one usage record per model call. It may be nil.
	Tracker *usage.Tracker
	// Estimator counts tokens when the model reports no usage.
	Estimator *usage.Estimator
	// Limiter caps model calls across the session. It may be nil.
	Limiter *core.ModelLimiter
	// DisableStreaming requests whole responses instead of token streams.
	DisableStreaming bool
	// MaxToolRounds bounds tool loops (executor and direct agents).
	MaxToolRounds int
	// MaxSuggestedTools bounds the tool preselection of the direct agent.
	// Zero disables preselection.
	MaxSuggestedTools int
}

func defaultOptions() Options {
	return Options{
		Logger:            logging.NoOpLogger{},
		MaxToolRounds:     DefaultMaxToolRounds,
		MaxSuggestedTools: DefaultMaxSuggestedTools,
	}
}

// base bundles what every phase agent shares: identity, the model, usage
// accounting and system prompt assembly.
type base struct {
	name   string
	phase  Phase
	llm    model.Model
	prefix string
	opts   Options
	logger logging.Logger
}

func newBase(name string, phase Phase, llm model.Model, prefix string, optFns []func(o *Options)) base {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Estimator == nil {
		opts.Estimator = usage.NewEstimator()
	}
	if opts.MaxToolRounds <= 0 {
		opts.MaxToolRounds = DefaultMaxToolRounds
	}

	return base{
		name:   name,
		phase:  phase,
		llm:    llm,
		prefix: prefix,
		opts:   opts,
		logger: logging.OrNoOp(opts.Logger),
	}
}

// Name returns the agent name.
func (b *base) Name() string { return b.name }

// Phase returns the pipeline phase the agent implements.
func (b *base) Phase() Phase { return b.phase }

// systemPrompt joins the phase prefix with the rendered execution context.
func (b *base) systemPrompt(in *Input, extra ...string) (string, error) {
	prefix := b.prefix
	if !b.opts.Instruction.IsZero() {
		resolved, err := b.opts.Instruction.Resolve(in)
		if err != nil {
			return "", fmt.Errorf("resolve %s instruction: %w", b.name, err)
		}
		prefix = resolved
	}

	parts := []string{prefix}
	parts = append(parts, extra...)
	if section := in.Context.Render(); section != "" {
		parts = append(parts, "## Execution context\n"+strings.TrimRight(section, "\n"))
	}
	return strings.Join(parts, "\n\n"), nil
}

// generate performs one model call, forwarding text deltas to onDelta, and
// records its usage. Models that report no usage are estimated.
func (b *base) generate(ctx context.Context, req model.Request, onDelta func(string)) (model.Response, core.TokenUsage, error) {
	if err := b.opts.Limiter.Acquire(); err != nil {
		return model.Response{}, core.TokenUsage{}, err
	}

	req.Stream = !b.opts.DisableStreaming
	start := time.Now()

	resp, err := model.Collect(ctx, b.llm, req, onDelta)
	wall := time.Since(start)
	if err != nil {
		b.logger.Warn("agent.model.failed",
			"agent", b.name,
			"phase", b.phase.String(),
			"duration_ms", wall.Milliseconds(),
			"error", err.Error(),
		)
		return resp, core.TokenUsage{}, err
	}

	var (
		u         core.TokenUsage
		estimated bool
	)
	if resp.Usage != nil && !resp.Usage.IsZero() {
		u = *resp.Usage
	} else {
		u = b.opts.Estimator.Estimate(req.System, req.Messages, resp.Text)
		estimated = true
	}

	rec := usage.NewRecord(b.phase.String(), b.llm.Info().Name, u, wall)
	rec.Estimated = estimated
	b.opts.Tracker.Append(rec)

	b.logger.Debug("agent.model.complete",
		"agent", b.name,
		"phase", b.phase.String(),
		"input_tokens", u.InputTokens,
		"output_tokens", u.OutputTokens,
		"estimated", estimated,
		"tool_calls", len(resp.ToolCalls),
		"duration_ms", wall.Milliseconds(),
	)

	return resp, u, nil
}

// prompt renders a phase template with vars and wraps it as a single user
// message request.
func (b *base) prompt(in *Input, tmpl string, vars map[string]any) (model.Request, error) {
	system, err := b.systemPrompt(in)
	if err != nil {
		return model.Request{}, err
	}
	text, err := renderPrompt(tmpl, in, vars)
	if err != nil {
		return model.Request{}, fmt.Errorf("render %s prompt: %w", b.name, err)
	}
	return model.Request{
		System:   system,
		Messages: []core.Message{core.NewUserMessage(text)},
	}, nil
}

// streamText runs req and streams the text into one message of the given
// phase type. Nothing is emitted when the model returns no text.
func (b *base) streamText(ctx context.Context, rec *recorder, req model.Request, phase core.PhaseType, out *Output) (string, error) {
	id := core.NewID()
	resp, u, err := b.generate(ctx, req, func(delta string) {
		rec.Emit(stream.Fragment{
			MessageID:    id,
			Role:         core.RoleAssistant,
			ContentDelta: delta,
			PhaseType:    phase,
			Agent:        b.name,
		})
	})
	if err != nil {
		return "", err
	}
	out.ModelCalls++
	out.Usage.Add(u)
	if resp.Text != "" {
		rec.Emit(stream.Fragment{MessageID: id, Usage: &u})
	}
	return resp.Text, nil
}

// renderPrompt renders tmpl with the context map, the common conversation
// views of in and vars, in increasing precedence.
func renderPrompt(tmpl string, in *Input, vars map[string]any) (string, error) {
	data := in.Context.Map()
	data["task_description"] = in.Messages.TaskDescription().Transcript()
	data["completed_actions"] = in.Messages.CompletedActions().Transcript()
	data["available_tools"] = toolList(in)
	for k, v := range vars {
		data[k] = v
	}
	return util.RenderTemplate(tmpl, data)
}

// toolList renders the available tools as "- name: description" lines.
func toolList(in *Input) string {
	reg := in.registry()
	if reg == nil || reg.Len() == 0 {
		return "None"
	}
	descs := reg.Snapshot()
	sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })

	lines := make([]string, 0, len(descs))
	for _, d := range descs {
		lines = append(lines, fmt.Sprintf("- %s: %s", d.Name, d.Description))
	}
	return strings.Join(lines, "\n")
}

// recorder tees fragments to the caller's emitter and keeps a local copy so
// an agent can report the messages it produced.
type recorder struct {
	out   Emitter
	local *stream.Aggregator
}

func newRecorder(emit Emitter) *recorder {
	if emit == nil {
		emit = stream.Discard
	}
	return &recorder{out: emit, local: stream.NewAggregator()}
}

// Emit implements stream.Sink.
func (r *recorder) Emit(f stream.Fragment) {
	r.local.Emit(f)
	r.out.Emit(f)
}

// message emits m as a single fragment.
func (r *recorder) message(m core.Message) {
	r.Emit(stream.FromMessage(m))
}

func (r *recorder) messages() core.Messages { return r.local.Messages() }
