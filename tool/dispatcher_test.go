package tool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/core"
)

func fastConfig() DispatcherConfig {
	return DispatcherConfig{
		MaxParallel: 5,
		CallTimeout: time.Second,
		Retry:       RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond},
	}
}

func newTestDispatcher(t *testing.T, tools ...Tool) *Dispatcher {
	t.Helper()
	r := NewRegistry()
	for _, tl := range tools {
		require.NoError(t, r.Register(tl))
	}
	return NewDispatcher(r, func(o *DispatcherOptions) { o.Config = fastConfig() })
}

func addTool() *FunctionTool {
	return NewFunctionTool("add", "Add", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"a": map[string]any{"type": "number"},
			"b": map[string]any{"type": "number"},
		},
		"required": []string{"a", "b"},
	}, func(_ *core.ToolContext, args map[string]any) (any, error) {
		return args["a"].(float64) + args["b"].(float64), nil
	})
}

func TestDispatch_Success(t *testing.T) {
	d := newTestDispatcher(t, addTool())

	res := d.Dispatch(context.Background(), nil, core.ToolCall{ID: "c1", Name: "add", Arguments: `{"a": 1, "b": 2}`})
	require.Nil(t, res.Err)
	assert.Equal(t, "c1", res.CallID)
	assert.Equal(t, 3.0, res.Content)
	assert.Equal(t, 1, res.Attempts)
}

func TestDispatch_RepairsMalformedArguments(t *testing.T) {
	d := newTestDispatcher(t, addTool())

	res := d.Dispatch(context.Background(), nil, core.ToolCall{ID: "c1", Name: "add", Arguments: `{"a": 1, "b": 2,}`})
	require.Nil(t, res.Err)
	assert.Equal(t, 3.0, res.Content)
}

func TestDispatch_NotFoundAndArgumentErrors(t *testing.T) {
	d := newTestDispatcher(t, addTool())

	res := d.Dispatch(context.Background(), nil, core.ToolCall{ID: "c1", Name: "missing", Arguments: `{}`})
	require.NotNil(t, res.Err)
	assert.Equal(t, "ToolNotFoundError", res.Err.Type)
	assert.Equal(t, CodeNotFound, res.Err.Code)
	assert.Equal(t, 1, res.Attempts)

	res = d.Dispatch(context.Background(), nil, core.ToolCall{ID: "c2", Name: "add", Arguments: `{"a": 1}`})
	require.NotNil(t, res.Err)
	assert.Equal(t, "ToolArgumentError", res.Err.Type)
	assert.Equal(t, CodeValidation, res.Err.Code)
	assert.Equal(t, 1, res.Attempts, "validation failures are never retried")
	assert.Contains(t, res.Render(), `"error":true`)
}

func TestDispatch_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	flaky := NewFunctionTool("flaky", "", nil, func(*core.ToolContext, map[string]any) (any, error) {
		if calls.Add(1) < 3 {
			return nil, core.NewTransientError("fetch", errors.New("connection reset"))
		}
		return "ok", nil
	})
	d := newTestDispatcher(t, flaky)

	res := d.Dispatch(context.Background(), nil, core.ToolCall{Name: "flaky"})
	require.Nil(t, res.Err)
	assert.Equal(t, "ok", res.Content)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 2, d.Stats().Retries)
}

func TestDispatch_DoesNotRetryPermanentFailures(t *testing.T) {
	var calls atomic.Int32
	failing := NewFunctionTool("failing", "", nil, func(*core.ToolContext, map[string]any) (any, error) {
		calls.Add(1)
		return nil, errors.New("boom")
	})
	d := newTestDispatcher(t, failing)

	res := d.Dispatch(context.Background(), nil, core.ToolCall{Name: "failing"})
	require.NotNil(t, res.Err)
	assert.Equal(t, CodeExecution, res.Err.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDispatch_Timeout(t *testing.T) {
	slow := NewFunctionTool("slow", "", nil, func(*core.ToolContext, map[string]any) (any, error) {
		time.Sleep(500 * time.Millisecond)
		return "late", nil
	})
	r := NewRegistry()
	require.NoError(t, r.Register(slow))
	d := NewDispatcher(r, func(o *DispatcherOptions) {
		o.Config = DispatcherConfig{MaxParallel: 1, CallTimeout: 20 * time.Millisecond, Retry: NoRetry()}
	})

	start := time.Now()
	res := d.Dispatch(context.Background(), nil, core.ToolCall{Name: "slow"})
	elapsed := time.Since(start)

	require.NotNil(t, res.Err)
	assert.Equal(t, CodeTimeout, res.Err.Code)
	assert.Less(t, elapsed, 300*time.Millisecond)
}

func TestDispatch_RecoversPanics(t *testing.T) {
	panicky := NewFunctionTool("panicky", "", nil, func(*core.ToolContext, map[string]any) (any, error) {
		panic("kaboom")
	})
	d := newTestDispatcher(t, panicky)

	res := d.Dispatch(context.Background(), nil, core.ToolCall{Name: "panicky"})
	require.NotNil(t, res.Err)
	assert.Contains(t, res.Err.Message, "kaboom")
}

func TestDispatchBatch_CorrelatesResults(t *testing.T) {
	failing := NewFunctionTool("failing", "", nil, func(*core.ToolContext, map[string]any) (any, error) {
		return nil, errors.New("boom")
	})
	d := newTestDispatcher(t, addTool(), failing)

	calls := []core.ToolCall{
		{ID: "1", Name: "add", Arguments: `{"a":1,"b":1}`},
		{ID: "2", Name: "failing"},
		{ID: "3", Name: "missing"},
		{ID: "4", Name: "add", Arguments: `{"a":2,"b":2}`},
	}
	results := d.DispatchBatch(context.Background(), nil, calls)

	require.Len(t, results, len(calls))
	for i, c := range calls {
		assert.Equal(t, c.ID, results[i].CallID)
	}
	assert.Equal(t, 2.0, results[0].Content)
	assert.NotNil(t, results[1].Err)
	assert.NotNil(t, results[2].Err)
	assert.Equal(t, 4.0, results[3].Content)

	stats := d.Stats()
	assert.Equal(t, 4, stats.TotalCalls)
	assert.Equal(t, 2, stats.Failures)
	assert.Equal(t, 1, stats.ErrorTypes["ToolNotFoundError"])
}

func TestDispatchBatch_BoundedParallelism(t *testing.T) {
	var (
		mu      sync.Mutex
		current int
		peak    int
	)
	slow := NewFunctionTool("slow", "", nil, func(*core.ToolContext, map[string]any) (any, error) {
		mu.Lock()
		current++
		if current > peak {
			peak = current
		}
		mu.Unlock()

		time.Sleep(30 * time.Millisecond)

		mu.Lock()
		current--
		mu.Unlock()
		return "done", nil
	})

	r := NewRegistry()
	require.NoError(t, r.Register(slow))
	d := NewDispatcher(r, func(o *DispatcherOptions) {
		o.Config = fastConfig()
		o.Config.MaxParallel = 2
	})

	calls := make([]core.ToolCall, 4)
	for i := range calls {
		calls[i] = core.ToolCall{ID: fmt.Sprintf("c%d", i), Name: "slow"}
	}
	results := d.DispatchBatch(context.Background(), nil, calls)

	require.Len(t, results, 4)
	for _, res := range results {
		assert.Nil(t, res.Err)
	}
	assert.LessOrEqual(t, peak, 2)
	assert.Equal(t, 2, peak)
}

func TestDispatch_CacheOnlyCacheableSuccesses(t *testing.T) {
	var calls atomic.Int32
	lookup := NewFunctionTool("lookup", "", nil, func(*core.ToolContext, map[string]any) (any, error) {
		return calls.Add(1), nil
	})

	r := NewRegistry()
	require.NoError(t, r.Register(lookup, WithCacheable()))
	d := NewDispatcher(r, func(o *DispatcherOptions) {
		o.Config = fastConfig()
		o.Cache = NewResultCache(CacheConfig{})
	})

	first := d.Dispatch(context.Background(), nil, core.ToolCall{Name: "lookup", Arguments: `{"q":"x"}`})
	second := d.Dispatch(context.Background(), nil, core.ToolCall{Name: "lookup", Arguments: `{"q": "x"}`})
	third := d.Dispatch(context.Background(), nil, core.ToolCall{Name: "lookup", Arguments: `{"q":"y"}`})

	assert.Equal(t, first.Content, second.Content)
	assert.NotEqual(t, first.Content, third.Content)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 1, d.Stats().CacheHits)
}

func TestDispatch_RemoteUnavailableDisablesServer(t *testing.T) {
	remote := remoteStub{
		FunctionTool: NewFunctionTool("fs_read", "", nil, func(*core.ToolContext, map[string]any) (any, error) {
			return nil, &core.RemoteServerUnavailableError{Server: "fs", Err: errors.New("gone")}
		}),
		server: "fs",
	}

	d := newTestDispatcher(t, remote)
	res := d.Dispatch(context.Background(), nil, core.ToolCall{Name: "fs_read"})

	require.NotNil(t, res.Err)
	assert.Equal(t, CodeUnavailable, res.Err.Code)
	assert.Equal(t, 3, res.Attempts)
	assert.True(t, d.Registry().ServerDisabled("fs"))
	assert.Equal(t, 0, d.Registry().Len())
}

func TestDispatch_CancelledContext(t *testing.T) {
	d := newTestDispatcher(t, addTool())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := d.Dispatch(ctx, nil, core.ToolCall{Name: "add", Arguments: `{"a":1,"b":1}`})
	require.NotNil(t, res.Err)
	assert.Equal(t, CodeCancelled, res.Err.Code)
}

func TestDispatch_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	again, err := NewMetrics(reg)
	require.NoError(t, err, "re-registration must reuse collectors")

	r := NewRegistry()
	require.NoError(t, r.Register(addTool()))
	d := NewDispatcher(r, func(o *DispatcherOptions) {
		o.Config = fastConfig()
		o.Metrics = m
	})

	d.Dispatch(context.Background(), nil, core.ToolCall{Name: "add", Arguments: `{"a":1,"b":1}`})
	d.Dispatch(context.Background(), nil, core.ToolCall{Name: "add", Arguments: `{}`})

	assert.Equal(t, 1.0, testutil.ToFloat64(again.failures.WithLabelValues("add", "ToolArgumentError")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inFlight))
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, Multiplier: 2, MaxDelay: 3 * time.Second}
	assert.Equal(t, time.Duration(0), p.Delay(1))
	assert.Equal(t, time.Second, p.Delay(2))
	assert.Equal(t, 2*time.Second, p.Delay(3))
	assert.Equal(t, 3*time.Second, p.Delay(4))
}

func TestRetry_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour, Multiplier: 1}

	attempts, err := Retry(ctx, policy, func(context.Context, int) error {
		cancel()
		return core.NewTransientError("x", errors.New("again"))
	})

	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDispatch_InFlightGauge(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	blocking := NewFunctionTool("blocking", "", nil, func(*core.ToolContext, map[string]any) (any, error) {
		close(started)
		<-release
		return "ok", nil
	})
	r := NewRegistry()
	require.NoError(t, r.Register(blocking))
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	d := NewDispatcher(r, func(o *DispatcherOptions) {
		o.Config = fastConfig()
		o.Metrics = m
	})

	done := make(chan core.ToolResult, 1)
	go func() { done <- d.Dispatch(context.Background(), nil, core.ToolCall{Name: "blocking"}) }()

	<-started
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inFlight))
	close(release)

	res := <-done
	require.Nil(t, res.Err)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inFlight))
}

func TestDispatch_CallPolicyOverride(t *testing.T) {
	var calls atomic.Int32
	slow := NewFunctionTool("slow", "", nil, func(tc *core.ToolContext, _ map[string]any) (any, error) {
		calls.Add(1)
		select {
		case <-time.After(50 * time.Millisecond):
			return "done", nil
		case <-tc.Context().Done():
			return nil, tc.Context().Err()
		}
	})
	r := NewRegistry()
	require.NoError(t, r.Register(slow, WithCallPolicy(CallPolicy{Retry: NoRetry()})))
	d := NewDispatcher(r, func(o *DispatcherOptions) {
		o.Config = DispatcherConfig{MaxParallel: 1, CallTimeout: 10 * time.Millisecond, Retry: DefaultRetryPolicy()}
	})

	res := d.Dispatch(context.Background(), nil, core.ToolCall{Name: "slow"})
	require.Nil(t, res.Err, "a zero policy timeout leaves the call unbounded")
	assert.Equal(t, "done", res.Content)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDispatch_AgentToolIsNotRetried(t *testing.T) {
	var runs atomic.Int32
	runner := RunnerFunc(func(ctx context.Context, _ []core.Message, _ core.ContextMap) AgentResult {
		runs.Add(1)
		return AgentResult{Err: core.NewTransientError("model", errors.New("connection reset"))}
	})
	r := NewRegistry()
	require.NoError(t, r.Register(NewAgentTool("delegate", "", runner)))
	d := NewDispatcher(r, func(o *DispatcherOptions) { o.Config = fastConfig() })

	res := d.Dispatch(context.Background(), nil, core.ToolCall{Name: "delegate", Arguments: `{"task":"x"}`})
	require.NotNil(t, res.Err)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int32(1), runs.Load())

	desc, ok := r.Get("delegate")
	require.True(t, ok)
	require.NotNil(t, desc.Policy)
	assert.Zero(t, desc.Policy.Timeout)
}
