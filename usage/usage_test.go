package usage

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/core"
)

func TestTracker_RollupEqualsSumOfRecords(t *testing.T) {
	tr := NewTracker()
	rng := rand.New(rand.NewSource(7))
	phases := []string{"analysis", "planning", "execution", "observation"}

	var want Totals
	for i := 0; i < 200; i++ {
		r := Record{
			Phase:           phases[rng.Intn(len(phases))],
			InputTokens:     rng.Intn(1000),
			OutputTokens:    rng.Intn(500),
			CachedTokens:    rng.Intn(100),
			ReasoningTokens: rng.Intn(50),
			WallTime:        time.Duration(rng.Intn(100)) * time.Millisecond,
		}
		want.add(r)
		tr.Append(r)
	}

	roll := tr.Rollup()
	assert.Equal(t, want, roll.Total)

	var byPhase Totals
	for _, p := range roll.Phases() {
		pt := roll.ByPhase[p]
		byPhase.Calls += pt.Calls
		byPhase.InputTokens += pt.InputTokens
		byPhase.OutputTokens += pt.OutputTokens
		byPhase.CachedTokens += pt.CachedTokens
		byPhase.ReasoningTokens += pt.ReasoningTokens
		byPhase.WallTime += pt.WallTime
	}
	assert.Equal(t, want, byPhase)
}

func TestTracker_AppendOnly(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTracker(func(o *TrackerOptions) { o.Clock = func() time.Time { return at } })

	tr.Append(NewRecord("planning", "gpt-4o", core.TokenUsage{InputTokens: 10, OutputTokens: 5}, time.Second))

	recs := tr.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, at, recs[0].At)
	assert.Equal(t, core.TokenUsage{InputTokens: 10, OutputTokens: 5}, recs[0].Usage())

	recs[0].InputTokens = 999
	assert.Equal(t, 10, tr.Records()[0].InputTokens)

	var nilTracker *Tracker
	nilTracker.Append(Record{})
	assert.Equal(t, 0, nilTracker.Len())
}

func TestTracker_ConcurrentAppend(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Append(Record{Phase: "execution", InputTokens: 1})
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, tr.Rollup().Total.InputTokens)
}

func TestPriceTable_Cost(t *testing.T) {
	prices := PriceTable{
		"gpt-4o": {InputPerMTok: 2.5, OutputPerMTok: 10, CachedPerMTok: 1.25},
		"claude": {InputPerMTok: 3, OutputPerMTok: 15},
	}

	tr := NewTracker()
	tr.Append(Record{Phase: "planning", Model: "gpt-4o", InputTokens: 1_000_000, CachedTokens: 400_000, OutputTokens: 100_000})
	tr.Append(Record{Phase: "summary", Model: "claude", InputTokens: 200_000, CachedTokens: 50_000, OutputTokens: 0})
	tr.Append(Record{Phase: "summary", Model: "local-llama", InputTokens: 5000})

	rep := tr.Cost(prices)

	// 600k*2.5 + 400k*1.25 + 100k*10 = 1.5 + 0.5 + 1.0
	assert.InDelta(t, 3.0, rep.ByModel["gpt-4o"], 1e-9)
	// cached charged at the input rate: 200k*3
	assert.InDelta(t, 0.6, rep.ByModel["claude"], 1e-9)
	assert.InDelta(t, 3.6, rep.Total, 1e-9)
	assert.InDelta(t, 0.6, rep.ByPhase["summary"], 1e-9)
	assert.Equal(t, []string{"local-llama"}, rep.Unpriced)
}

func TestEstimator(t *testing.T) {
	h := NewHeuristicEstimator()
	assert.Equal(t, 0, h.Count(""))
	assert.Equal(t, 2, h.Count("hello world"))
	assert.Equal(t, 4, h.Count("abcdefghijklmnop"))

	u := h.Estimate("sys", []core.Message{core.NewUserMessage("hello world")}, "ok")
	assert.Equal(t, 1+4+4+2, u.InputTokens)
	assert.Equal(t, 1, u.OutputTokens)

	// The tiktoken encoding may be unavailable offline; either path must
	// produce a positive count.
	assert.Positive(t, NewEstimator().Count("The quick brown fox jumps over the lazy dog."))
}
