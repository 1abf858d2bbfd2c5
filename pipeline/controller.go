package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/hupe1980/taskmesh/agent"
	"github.com/hupe1980/taskmesh/artifact"
	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/mcp"
	"github.com/hupe1980/taskmesh/model"
	"github.com/hupe1980/taskmesh/session"
	"github.com/hupe1980/taskmesh/stream"
	"github.com/hupe1980/taskmesh/tool"
	"github.com/hupe1980/taskmesh/usage"
)

// Options configures a Controller.
type Options struct {
	Config Config
	Logger logging.Logger

	// Agents builds the phase agents of a session (default: DefaultAgents).
	Agents AgentFactory
	// AgentOptions are applied to every agent before the session settings.
	AgentOptions []func(o *agent.Options)
	// Estimator is shared by all agents. It counts tokens when a model
	// reports no usage (default: usage.NewEstimator()).
	Estimator *usage.Estimator

	// Registry is used by runs that bring no registry of their own.
	Registry *tool.Registry
	// DispatcherConfig bounds tool execution.
	DispatcherConfig tool.DispatcherConfig
	// ToolCache caches results of cacheable tools across sessions.
	ToolCache   *tool.ResultCache
	ToolMetrics *tool.Metrics

	// Servers are connected at the start of every session.
	Servers        *mcp.Config
	ManagerOptions []func(o *mcp.ManagerOptions)

	// HistoryStore persists session history between runs.
	HistoryStore session.Store
	// ArtifactStore receives the workspace files of every session before
	// the workspace is removed.
	ArtifactStore artifact.Store
	// PriceTable prices usage in results.
	PriceTable usage.PriceTable
	Metrics    *Metrics
	Tracer     trace.Tracer

	// DelegateFlags are used when the controller runs as a nested agent.
	DelegateFlags Flags
}

// WithConfig sets the controller limits.
func WithConfig(cfg Config) func(o *Options) {
	return func(o *Options) { o.Config = cfg }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = l }
}

// WithAgents replaces the agent factory.
func WithAgents(f AgentFactory) func(o *Options) {
	return func(o *Options) { o.Agents = f }
}

// WithAgentOptions appends options applied to every agent.
func WithAgentOptions(optFns ...func(o *agent.Options)) func(o *Options) {
	return func(o *Options) { o.AgentOptions = append(o.AgentOptions, optFns...) }
}

// WithRegistry sets the default tool registry.
func WithRegistry(r *tool.Registry) func(o *Options) {
	return func(o *Options) { o.Registry = r }
}

// WithDispatcherConfig sets the tool execution policy.
func WithDispatcherConfig(cfg tool.DispatcherConfig) func(o *Options) {
	return func(o *Options) { o.DispatcherConfig = cfg }
}

// WithServers sets the remote tool servers connected per session.
func WithServers(cfg *mcp.Config, optFns ...func(o *mcp.ManagerOptions)) func(o *Options) {
	return func(o *Options) {
		o.Servers = cfg
		o.ManagerOptions = append(o.ManagerOptions, optFns...)
	}
}

// WithHistoryStore enables history persistence.
func WithHistoryStore(s session.Store) func(o *Options) {
	return func(o *Options) { o.HistoryStore = s }
}

// WithArtifactStore keeps workspace files after a session ends.
func WithArtifactStore(s artifact.Store) func(o *Options) {
	return func(o *Options) { o.ArtifactStore = s }
}

// WithPriceTable enables cost estimation.
func WithPriceTable(pt usage.PriceTable) func(o *Options) {
	return func(o *Options) { o.PriceTable = pt }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) func(o *Options) {
	return func(o *Options) { o.Metrics = m }
}

// WithTracer enables tracing of sessions, phases and tool calls.
func WithTracer(t trace.Tracer) func(o *Options) {
	return func(o *Options) { o.Tracer = t }
}

// Controller drives the phase state machine. One controller serves any
// number of concurrent sessions; each run gets its own Session.
type Controller struct {
	llm        model.Model
	opts       Options
	cfg        Config
	logger     logging.Logger
	tracer     trace.Tracer
	estimator  *usage.Estimator
	dispatcher *tool.Dispatcher

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// New creates a controller for llm.
func New(llm model.Model, optFns ...func(o *Options)) *Controller {
	opts := Options{
		Config:           DefaultConfig(),
		Logger:           logging.NoOpLogger{},
		Agents:           DefaultAgents,
		DispatcherConfig: tool.DefaultDispatcherConfig(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Agents == nil {
		opts.Agents = DefaultAgents
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("taskmesh/pipeline")
	}
	if opts.Estimator == nil {
		opts.Estimator = usage.NewEstimator()
	}

	logger := logging.OrNoOp(opts.Logger)

	return &Controller{
		llm:       llm,
		opts:      opts,
		cfg:       opts.Config.normalize(),
		logger:    logger,
		tracer:    opts.Tracer,
		estimator: opts.Estimator,
		dispatcher: tool.NewDispatcher(opts.Registry, func(o *tool.DispatcherOptions) {
			o.Config = opts.DispatcherConfig
			o.Logger = logger
			o.Cache = opts.ToolCache
			o.Metrics = opts.ToolMetrics
			o.Tracer = opts.Tracer
		}),
		active: map[string]context.CancelFunc{},
	}
}

// Config returns the effective limits.
func (c *Controller) Config() Config { return c.cfg }

// ToolStats returns the tool execution statistics of all sessions.
func (c *Controller) ToolStats() tool.StatsSnapshot { return c.dispatcher.Stats() }

// Run executes the pipeline and blocks until it finishes. It always returns
// a Result; failures are reported through Result.Err and an error message.
func (c *Controller) Run(ctx context.Context, req RunRequest) Result {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s, res, ok := c.open(ctx, req)
	if !ok {
		return res
	}
	c.track(s.ID, cancel)
	defer c.untrack(s.ID)

	return c.finish(ctx, s, c.drive(ctx, s))
}

// RunStream executes the pipeline in the background. Every TickInterval the
// messages changed since the previous batch are sent on the first channel.
// Once the run is over the last batch is sent, the batch channel is closed,
// and exactly one Result is delivered on the second channel.
//
// A consumer that stops reading does not pin the run: when a batch cannot
// be handed over within StallTimeout the session is cancelled, no further
// batches are sent and the Result is still delivered. Cancelling ctx or
// calling Stop ends the run the same way.
func (c *Controller) RunStream(ctx context.Context, req RunRequest) (<-chan []core.Message, <-chan Result) {
	batches := make(chan []core.Message, c.cfg.EventBufferSize)
	results := make(chan Result, 1)

	ctx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(results)
		defer cancel()

		s, res, ok := c.open(ctx, req)
		if !ok {
			send(ctx, batches, res.NewMessages)
			close(batches)
			results <- res
			return
		}
		c.track(s.ID, cancel)
		defer c.untrack(s.ID)

		done := make(chan struct{})
		go func() {
			defer close(done)
			res = c.finish(ctx, s, c.drive(ctx, s))
		}()

		ticker := time.NewTicker(c.cfg.TickInterval)
		defer ticker.Stop()

		stalled := false
		for running := true; running; {
			select {
			case <-ticker.C:
			case <-done:
				running = false
			}
			batch := s.filter(s.Aggregator.Flush())
			if stalled || len(batch) == 0 {
				continue
			}
			if !sendWithin(ctx, batches, batch, c.cfg.StallTimeout) && ctx.Err() == nil {
				stalled = true
				s.logger.Warn("pipeline.stream.consumer_stalled",
					"session_id", s.ID,
					"timeout", c.cfg.StallTimeout.String(),
				)
				cancel()
			}
		}
		close(batches)
		results <- res
	}()

	return batches, results
}

// send delivers batch unless ctx is done.
func send(ctx context.Context, ch chan<- []core.Message, batch []core.Message) {
	if len(batch) == 0 {
		return
	}
	select {
	case ch <- batch:
	case <-ctx.Done():
	}
}

// sendWithin is send bounded by timeout. It reports whether batch was
// delivered.
func sendWithin(ctx context.Context, ch chan<- []core.Message, batch []core.Message, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ch <- batch:
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
		return false
	}
}

// Stop cancels the active run of sessionID. It reports whether a run was
// found.
func (c *Controller) Stop(sessionID string) bool {
	c.mu.Lock()
	cancel, ok := c.active[sessionID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Active returns the number of running sessions.
func (c *Controller) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

func (c *Controller) track(id string, cancel context.CancelFunc) {
	c.mu.Lock()
	c.active[id] = cancel
	c.mu.Unlock()
}

func (c *Controller) untrack(id string) {
	c.mu.Lock()
	delete(c.active, id)
	c.mu.Unlock()
}

// RunAgent implements tool.Runner, so a controller can be registered as an
// agent-origin tool of another controller. Nested runs use DelegateFlags.
func (c *Controller) RunAgent(ctx context.Context, input []core.Message, values core.ContextMap) tool.AgentResult {
	res := c.Run(ctx, RunRequest{
		Messages: input,
		Flags:    c.opts.DelegateFlags,
		Context:  values,
	})
	return tool.AgentResult{Messages: res.NewMessages, Final: res.Final, Err: res.Err}
}

// open creates the session of req. When that fails it returns a finished
// error Result instead.
func (c *Controller) open(ctx context.Context, req RunRequest) (*Session, Result, bool) {
	started := time.Now()

	id := req.SessionID
	if id == "" {
		id = core.NewID()
	}
	logger := sessionLogger(c.logger, id)

	fail := func(err error) (*Session, Result, bool) {
		logger.Error("pipeline.session.open_failed", "session_id", id, "error", err.Error())
		input := prepareMessages(req.Messages)
		msg := core.NewErrorMessage(err)
		return nil, Result{
			Messages:    append(input, msg),
			NewMessages: []core.Message{msg},
			Final:       msg,
			SessionID:   id,
			Usage:       usage.Summarize(nil),
			WallTime:    time.Since(started),
			Err:         err,
		}, false
	}

	if err := validSessionID(id); err != nil {
		return fail(err)
	}

	input := prepareMessages(req.Messages)
	if c.opts.HistoryStore != nil && req.SessionID != "" {
		stored, err := c.opts.HistoryStore.Load(ctx, id)
		if err != nil {
			logger.Warn("pipeline.history.load_failed", "session_id", id, "error", err.Error())
		} else if len(stored) > 0 {
			input = append(prepareMessages(stored), input...)
		}
	}
	input = trimHistory(input, c.cfg.MessageLimit)
	if input.LastUserIndex() < 0 {
		return fail(&core.ValidationError{Field: "messages", Message: "at least one user message is required"})
	}

	workspace, err := createWorkspace(c.cfg.WorkspaceRoot, id)
	if err != nil {
		return fail(err)
	}

	reg := req.Registry
	if reg == nil {
		reg = c.opts.Registry
	}
	if reg == nil {
		reg = tool.NewRegistry()
	} else {
		reg = reg.Clone()
	}
	if _, ok := reg.Get(tool.CompleteTaskName); !ok {
		reg.MustRegister(tool.NewCompleteTaskTool())
	}

	maxLoops := c.cfg.MaxLoopCount
	if req.Flags.MaxLoopCount > 0 {
		maxLoops = req.Flags.MaxLoopCount
	}

	values := req.Context.Clone()
	values.SessionID = id
	values.WorkspacePath = workspace
	values.CurrentTime = started

	s := &Session{
		ID:           id,
		Flags:        req.Flags,
		MaxLoopCount: maxLoops,
		Workspace:    workspace,
		Registry:     reg,
		Usage:        usage.NewTracker(),
		Aggregator:   stream.NewAggregator(func(o *stream.AggregatorOptions) { o.Logger = logger }),
		Context:      values,
		logger:       logger,
		started:      started,
		input:        input,
		dropped:      map[string]bool{},
		satisfied:    map[string]bool{},
	}

	s.Dispatcher = c.dispatcher.WithRegistry(reg)
	s.manager = openServers(ctx, c.opts.Servers, reg, append([]func(o *mcp.ManagerOptions){
		func(o *mcp.ManagerOptions) { o.Logger = logger },
	}, c.opts.ManagerOptions...))
	if s.manager != nil {
		s.Dispatcher.SetOnServerUnavailable(s.manager.HandleUnavailable)
	}

	s.toolCtx = core.NewToolContext(ctx, id, func(o *core.ToolContextOptions) {
		o.Workspace = workspace
		o.ContextMap = values
		o.Logger = logger
	})

	limiter := core.NewModelLimiter(c.cfg.MaxModelCalls)
	agentOpts := append([]func(o *agent.Options){
		func(o *agent.Options) { o.Logger = logger },
	}, c.opts.AgentOptions...)
	agentOpts = append(agentOpts, func(o *agent.Options) {
		o.Tracker = s.Usage
		o.Limiter = limiter
		if o.Estimator == nil {
			o.Estimator = c.estimator
		}
	})
	s.agents = c.opts.Agents(c.llm, agentOpts...)

	logger.Info("pipeline.session.start",
		"session_id", id,
		"mode", req.Flags.Mode(),
		"max_loop_count", maxLoops,
		"messages", len(input),
		"tools", reg.Len(),
	)

	return s, Result{}, true
}

// finish builds the Result, persists history and tears the session down.
func (c *Controller) finish(ctx context.Context, s *Session, err error) Result {
	defer s.teardown()

	produced := s.produced()
	final, ok := produced.Last(core.PhaseFinalAnswer)
	if s.final != nil {
		final = *s.final
	} else if !ok && len(produced) > 0 {
		final = produced[len(produced)-1]
	}

	res := Result{
		Messages:        append(s.input.Clone(), produced...),
		NewMessages:     produced,
		Final:           final,
		SessionID:       s.ID,
		Usage:           s.Usage.Rollup(),
		WallTime:        time.Since(s.started),
		LoopCount:       s.LoopCount,
		BudgetExhausted: s.BudgetExhausted,
		Err:             err,
	}
	if c.opts.PriceTable != nil {
		cost := s.Usage.Cost(c.opts.PriceTable)
		res.Cost = &cost
	}

	if c.opts.HistoryStore != nil {
		// The run context may already be cancelled; saving must still happen.
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if serr := c.opts.HistoryStore.Save(saveCtx, s.ID, res.Messages); serr != nil {
			s.logger.Warn("pipeline.history.save_failed", "session_id", s.ID, "error", serr.Error())
		}
		cancel()
	}

	if c.opts.ArtifactStore != nil && s.Workspace != "" {
		names, aerr := artifact.Collect(c.opts.ArtifactStore, s.ID, s.Workspace)
		if aerr != nil {
			s.logger.Warn("pipeline.artifacts.collect_failed", "session_id", s.ID, "error", aerr.Error())
		}
		res.Artifacts = names
	}

	args := []any{
		"session_id", s.ID,
		"loops", s.LoopCount,
		"artifacts", len(res.Artifacts),
		"budget_exhausted", s.BudgetExhausted,
		"messages", len(produced),
		"input_tokens", res.Usage.Total.InputTokens,
		"output_tokens", res.Usage.Total.OutputTokens,
		"duration_ms", res.WallTime.Milliseconds(),
	}
	if err != nil {
		s.logger.Error("pipeline.session.failed", append(args, "error", err.Error())...)
	} else {
		s.logger.Info("pipeline.session.complete", args...)
	}

	return res
}

// filter removes messages of failed attempts from a flushed batch.
func (s *Session) filter(batch []core.Message) []core.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := batch[:0]
	for _, m := range batch {
		if !s.dropped[m.ID] {
			out = append(out, m)
		}
	}
	return out
}

// sessionLogger scopes structured loggers to the session.
func sessionLogger(l logging.Logger, id string) logging.Logger {
	if sl, ok := l.(*logging.StructuredLogger); ok {
		return sl.WithSession(id)
	}
	return l
}

// traceSession starts the span of a session.
func (c *Controller) traceSession(ctx context.Context, s *Session) (context.Context, func(err error)) {
	ctx, span := c.tracer.Start(ctx, "pipeline.session", trace.WithAttributes(
		attribute.String("session.id", s.ID),
		attribute.String("session.mode", s.Flags.Mode()),
		attribute.Int("session.max_loop_count", s.MaxLoopCount),
	))
	return ctx, func(err error) {
		span.SetAttributes(
			attribute.Int("session.loop_count", s.LoopCount),
			attribute.Bool("session.budget_exhausted", s.BudgetExhausted),
		)
		if err != nil && !errors.Is(err, context.Canceled) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
