package stream

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/core"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.now = c.now.Add(10 * time.Millisecond)
	return c.now
}

func TestAggregator_MergesFragmentsInArrivalOrder(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	agg := NewAggregator(func(o *AggregatorOptions) { o.Clock = clock.Now })

	require.NoError(t, agg.Apply(Fragment{MessageID: "a", PhaseType: core.PhasePlanningResult, ContentDelta: "Hel", DisplayDelta: "H"}))
	require.NoError(t, agg.Apply(Fragment{MessageID: "b", Role: core.RoleTool, ContentDelta: "result", ToolCallID: "c1"}))
	require.NoError(t, agg.Apply(Fragment{MessageID: "a", ContentDelta: "lo", DisplayDelta: "i", Usage: &core.TokenUsage{InputTokens: 3}}))
	require.NoError(t, agg.Apply(Fragment{MessageID: "a", Usage: &core.TokenUsage{OutputTokens: 2}}))

	msgs := agg.Messages()
	require.Len(t, msgs, 2)

	a := msgs[0]
	assert.Equal(t, "a", a.ID)
	assert.Equal(t, "Hello", a.Content)
	assert.Equal(t, "Hi", a.DisplayContent)
	assert.Equal(t, core.RoleAssistant, a.Role)
	assert.Equal(t, core.PhasePlanningResult, a.PhaseType)
	assert.Equal(t, core.TokenUsage{InputTokens: 3, OutputTokens: 2}, *a.Usage)
	assert.Equal(t, 30*time.Millisecond, a.Duration())

	b := msgs[1]
	assert.Equal(t, core.RoleTool, b.Role)
	assert.Equal(t, "c1", b.ToolCallID)
}

func TestAggregator_FlushReturnsOnlyChanged(t *testing.T) {
	agg := NewAggregator()

	agg.Emit(Fragment{MessageID: "a", ContentDelta: "1"})
	agg.Emit(Fragment{MessageID: "b", ContentDelta: "1"})
	assert.True(t, agg.Pending())

	batch := agg.Flush()
	require.Len(t, batch, 2)
	assert.Equal(t, "a", batch[0].ID)
	assert.False(t, agg.Pending())
	assert.Nil(t, agg.Flush())

	agg.Emit(Fragment{MessageID: "b", ContentDelta: "2"})
	batch = agg.Flush()
	require.Len(t, batch, 1)
	assert.Equal(t, "12", batch[0].Content)

	batch[0].Content = "mutated"
	got, ok := agg.Get("b")
	require.True(t, ok)
	assert.Equal(t, "12", got.Content)
}

func TestAggregator_RejectsMissingID(t *testing.T) {
	agg := NewAggregator()
	var vErr *core.ValidationError
	assert.ErrorAs(t, agg.Apply(Fragment{ContentDelta: "x"}), &vErr)
	assert.Equal(t, 0, agg.Len())
}

func TestAggregator_FromMessage(t *testing.T) {
	m := core.NewAssistantMessage(core.PhaseToolCall, "")
	m.ToolCalls = []core.ToolCall{{ID: "c1", Name: "search", Arguments: "{}"}}

	agg := NewAggregator()
	agg.Emit(FromMessage(m))

	got, ok := agg.Get(m.ID)
	require.True(t, ok)
	assert.Equal(t, core.PhaseToolCall, got.PhaseType)
	assert.Equal(t, m.ToolCalls, got.ToolCalls)
}

func TestAggregator_RetypesMessage(t *testing.T) {
	agg := NewAggregator()
	agg.Emit(Fragment{MessageID: "a", PhaseType: core.PhaseFinalAnswer, ContentDelta: "let me check"})
	agg.Emit(Fragment{MessageID: "a", PhaseType: core.PhaseToolCall, ToolCalls: []core.ToolCall{{ID: "c1", Name: "search"}}})

	got, ok := agg.Get("a")
	require.True(t, ok)
	assert.Equal(t, core.PhaseToolCall, got.PhaseType)
	assert.Equal(t, "let me check", got.Content)
	require.Len(t, got.ToolCalls, 1)
}

// Concatenating the flushed snapshots' deltas per id yields the final content.
func TestAggregator_ConcurrentFlushConsistency(t *testing.T) {
	agg := NewAggregator()
	words := strings.Fields("the quick brown fox jumps over the lazy dog")

	var (
		wg   sync.WaitGroup
		last = map[string]string{}
		mu   sync.Mutex
		done = make(chan struct{})
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			for _, m := range agg.Flush() {
				mu.Lock()
				assert.True(t, strings.HasPrefix(m.Content, last[m.ID]), "snapshots must only grow")
				last[m.ID] = m.Content
				mu.Unlock()
			}
			select {
			case <-done:
				for _, m := range agg.Flush() {
					mu.Lock()
					last[m.ID] = m.Content
					mu.Unlock()
				}
				return
			default:
			}
		}
	}()

	for _, w := range words {
		agg.Emit(Fragment{MessageID: "m", ContentDelta: w + " "})
	}
	close(done)
	wg.Wait()

	final, _ := agg.Get("m")
	assert.Equal(t, final.Content, last["m"])
	assert.Equal(t, strings.Join(words, " ")+" ", final.Content)
}

type warnLog struct {
	mu    sync.Mutex
	warns []string
}

func (l *warnLog) Debug(string, ...any) {}
func (l *warnLog) Info(string, ...any)  {}
func (l *warnLog) Error(string, ...any) {}
func (l *warnLog) Warn(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func TestAggregator_EmitLogsRejectedFragments(t *testing.T) {
	log := &warnLog{}
	agg := NewAggregator(func(o *AggregatorOptions) { o.Logger = log })

	agg.Emit(Fragment{ContentDelta: "orphan"})
	agg.Emit(Fragment{MessageID: "a", ContentDelta: "kept"})

	assert.Equal(t, []string{"stream.fragment.rejected"}, log.warns)
	flushed := agg.Flush()
	require.Len(t, flushed, 1)
	assert.Equal(t, "kept", flushed[0].Content)
}
