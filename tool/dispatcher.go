package tool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/internal/util"
	"github.com/hupe1980/taskmesh/logging"
)

// CodeCancelled marks calls abandoned because the session context ended.
const CodeCancelled = "CANCELLED"

// DispatcherConfig bounds how tool calls are executed. A CallPolicy set at
// registration replaces CallTimeout and Retry for that tool.
type DispatcherConfig struct {
	MaxParallel int           // concurrent calls per batch (default: 5)
	CallTimeout time.Duration // per-attempt timeout (default: 30s)
	Retry       RetryPolicy   // transient failure policy
}

// DefaultDispatcherConfig returns the default execution policy.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		MaxParallel: 5,
		CallTimeout: 30 * time.Second,
		Retry:       DefaultRetryPolicy(),
	}
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Config  DispatcherConfig
	Logger  logging.Logger
	Cache   *ResultCache
	Metrics *Metrics
	Tracer  trace.Tracer
	// OnServerUnavailable is called once a remote call fails with
	// core.RemoteServerUnavailableError after retries.
	OnServerUnavailable func(server string, err error)
}

// Dispatcher executes tool calls against a Registry. It never returns an
// error to its caller: every failure is reported inside the ToolResult.
type Dispatcher struct {
	registry *Registry
	opts     DispatcherOptions
	logger   logging.Logger
	stats    *Stats
}

// NewDispatcher creates a dispatcher for registry.
func NewDispatcher(registry *Registry, optFns ...func(o *DispatcherOptions)) *Dispatcher {
	opts := DispatcherOptions{
		Config: DefaultDispatcherConfig(),
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Config.MaxParallel <= 0 {
		opts.Config.MaxParallel = 1
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("taskmesh/tool")
	}
	if registry == nil {
		registry = NewRegistry()
	}

	return &Dispatcher{
		registry: registry,
		opts:     opts,
		logger:   logging.OrNoOp(opts.Logger),
		stats:    NewStats(),
	}
}

// WithRegistry returns a dispatcher sharing this one's policy, cache, metrics
// and statistics but resolving tools against registry.
func (d *Dispatcher) WithRegistry(registry *Registry) *Dispatcher {
	nd := *d
	nd.registry = registry
	return &nd
}

// SetOnServerUnavailable replaces the server unavailability hook.
func (d *Dispatcher) SetOnServerUnavailable(fn func(server string, err error)) {
	d.opts.OnServerUnavailable = fn
}

// Registry returns the registry the dispatcher resolves tools against.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Config returns the execution policy.
func (d *Dispatcher) Config() DispatcherConfig { return d.opts.Config }

// Stats returns a snapshot of execution statistics.
func (d *Dispatcher) Stats() StatsSnapshot { return d.stats.Snapshot() }

// DispatchBatch runs calls concurrently, at most MaxParallel at a time, and
// returns exactly one result per call in the order of calls.
func (d *Dispatcher) DispatchBatch(ctx context.Context, tc *core.ToolContext, calls []core.ToolCall) []core.ToolResult {
	results := make([]core.ToolResult, len(calls))
	if len(calls) == 0 {
		return results
	}

	if len(calls) == 1 {
		results[0] = d.Dispatch(ctx, tc, calls[0])
		return results
	}

	start := time.Now()

	// Errors are carried in results, so the group context never cancels siblings.
	var g errgroup.Group
	g.SetLimit(d.opts.Config.MaxParallel)
	for i := range calls {
		g.Go(func() error {
			results[i] = d.Dispatch(ctx, tc, calls[i])
			return nil
		})
	}
	_ = g.Wait()

	d.logger.Debug("tool.dispatch.batch.complete",
		"count", len(calls),
		"parallelism", d.opts.Config.MaxParallel,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return results
}

// Dispatch executes a single call: parse arguments (repairing malformed
// JSON), look up the tool, validate, consult the cache, then run under the
// per-call timeout with retry on transient failures.
func (d *Dispatcher) Dispatch(ctx context.Context, tc *core.ToolContext, call core.ToolCall) core.ToolResult {
	if ctx == nil {
		ctx = context.Background()
	}
	if call.ID == "" {
		call.ID = core.NewID()
	}
	if tc == nil {
		tc = core.NewToolContext(ctx, "", func(o *core.ToolContextOptions) { o.Logger = d.logger })
	}

	ctx, span := d.opts.Tracer.Start(ctx, "tool.dispatch", trace.WithAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
	))
	defer span.End()

	start := time.Now()
	res := core.ToolResult{CallID: call.ID, ToolName: call.Name}

	d.logger.Debug("tool.dispatch.start", "tool", call.Name, "call_id", call.ID, "session_id", tc.SessionID())

	content, desc, attempts, cached, err := d.execute(ctx, tc, call)

	res.Duration = time.Since(start)
	res.Attempts = attempts

	errType := ""
	if err != nil {
		errType = core.ErrorType(err)
		res.Err = &core.ToolResultError{Type: errType, Message: err.Error(), Code: errorCode(err)}
		d.handleUnavailable(err)

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.opts.Metrics.failure(call.Name, errType)
		d.logger.Warn("tool.dispatch.failed",
			"tool", call.Name,
			"call_id", call.ID,
			"error_type", errType,
			"attempts", attempts,
			"error", err.Error(),
		)
	} else {
		res.Content = content
		span.SetStatus(codes.Ok, "")
		d.logger.Info("tool.dispatch.complete",
			"tool", call.Name,
			"call_id", call.ID,
			"attempts", attempts,
			"cached", cached,
			"duration_ms", res.Duration.Milliseconds(),
		)
	}

	span.SetAttributes(
		attribute.String("tool.origin", string(desc.Origin)),
		attribute.Int("tool.attempts", attempts),
		attribute.Bool("tool.cached", cached),
	)

	d.stats.record(call.Name, res.Duration, attempts, cached, errType)
	d.opts.Metrics.observe(call.Name, desc.Origin, err == nil, res.Duration)
	d.opts.Metrics.retried(call.Name, attempts-1)

	return res
}

func (d *Dispatcher) execute(ctx context.Context, tc *core.ToolContext, call core.ToolCall) (any, Descriptor, int, bool, error) {
	desc, ok := d.registry.Get(call.Name)
	if !ok {
		return nil, Descriptor{}, 1, false, &core.ToolNotFoundError{Name: call.Name}
	}

	args, repaired, err := util.ParseJSONObject(call.Arguments)
	if err != nil {
		return nil, desc, 1, false, &core.ToolArgumentError{Tool: call.Name, Err: err}
	}
	if repaired {
		d.logger.Debug("tool.dispatch.arguments_repaired", "tool", call.Name, "call_id", call.ID)
	}

	if err := util.ValidateParameters(args, desc.Parameters); err != nil {
		return nil, desc, 1, false, &core.ToolArgumentError{Tool: call.Name, Err: err}
	}

	if desc.Cacheable {
		if content, hit := d.opts.Cache.Get(call.Name, args); hit {
			return content, desc, 1, true, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, desc, 0, false, err
	}

	policy := d.policy(desc)

	var content any
	attempts, err := Retry(ctx, policy.Retry, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			d.logger.Debug("tool.dispatch.retry", "tool", call.Name, "call_id", call.ID, "attempt", attempt)
		}
		var callErr error
		content, callErr = d.invoke(ctx, tc, desc, call, policy.Timeout)
		return callErr
	})
	if err != nil {
		return nil, desc, attempts, false, err
	}

	if desc.Cacheable {
		d.opts.Cache.Put(call.Name, args, content)
	}

	return content, desc, attempts, false, nil
}

// policy returns the registration's call policy or the dispatcher default.
func (d *Dispatcher) policy(desc Descriptor) CallPolicy {
	if desc.Policy != nil {
		return *desc.Policy
	}
	return CallPolicy{Timeout: d.opts.Config.CallTimeout, Retry: d.opts.Config.Retry}
}

type callOutcome struct {
	content any
	err     error
}

// invoke runs one attempt under timeout. A handler that ignores its context
// is abandoned once the timeout fires.
func (d *Dispatcher) invoke(ctx context.Context, tc *core.ToolContext, desc Descriptor, call core.ToolCall, timeout time.Duration) (any, error) {
	defer d.opts.Metrics.begin()()

	callCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	// Arguments are parsed per attempt so a handler cannot observe a map
	// mutated by a previous failed attempt.
	args, _, _ := util.ParseJSONObject(call.Arguments)
	toolCtx := tc.ForCall(callCtx, call.ID, call.Name)

	done := make(chan callOutcome, 1)
	go func() {
		var out callOutcome
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("tool.dispatch.panic", "tool", call.Name, "call_id", call.ID, "recover", r, "stack", string(debug.Stack()))
				out = callOutcome{err: fmt.Errorf("tool %s panicked: %v", call.Name, r)}
			}
			done <- out
		}()
		out.content, out.err = desc.Tool.Call(toolCtx, args)
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, timeoutError(call.Name, timeout)
		}
		return out.content, out.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, timeoutError(call.Name, timeout)
	}
}

func timeoutError(tool string, timeout time.Duration) error {
	return core.NewTransientError(fmt.Sprintf("tool %s", tool), fmt.Errorf("timed out after %s: %w", timeout, context.DeadlineExceeded))
}

func (d *Dispatcher) handleUnavailable(err error) {
	var rsErr *core.RemoteServerUnavailableError
	if !errors.As(err, &rsErr) {
		return
	}
	if d.opts.OnServerUnavailable != nil {
		d.opts.OnServerUnavailable(rsErr.Server, err)
		return
	}
	d.registry.DisableServer(rsErr.Server)
}

func errorCode(err error) string {
	var (
		nfErr   *core.ToolNotFoundError
		argErr  *core.ToolArgumentError
		rsErr   *core.RemoteServerUnavailableError
		toolErr *ToolError
	)
	switch {
	case errors.As(err, &nfErr):
		return CodeNotFound
	case errors.As(err, &argErr):
		return CodeValidation
	case errors.As(err, &rsErr):
		return CodeUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	case core.IsTransient(err):
		return CodeTransient
	case errors.As(err, &toolErr) && toolErr.Code != "":
		return toolErr.Code
	default:
		return CodeExecution
	}
}
