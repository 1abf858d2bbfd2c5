// Package usage accumulates token counters per pipeline phase and turns them
// into session rollups and estimated costs.
package usage

import (
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/core"
)

// Record is the usage of one model invocation by one phase.
type Record struct {
	Phase           string        `json:"phase"`
	Model           string        `json:"model,omitempty"`
	InputTokens     int           `json:"input_tokens"`
	OutputTokens    int           `json:"output_tokens"`
	CachedTokens    int           `json:"cached_tokens"`
	ReasoningTokens int           `json:"reasoning_tokens"`
	WallTime        time.Duration `json:"wall_time"`
	At              time.Time     `json:"at"`
	// Estimated marks counts derived from the Estimator rather than reported
	// by the model.
	Estimated bool `json:"estimated,omitempty"`
}

// NewRecord builds a record from a TokenUsage.
func NewRecord(phase, model string, u core.TokenUsage, wall time.Duration) Record {
	return Record{
		Phase:           phase,
		Model:           model,
		InputTokens:     u.InputTokens,
		OutputTokens:    u.OutputTokens,
		CachedTokens:    u.CachedTokens,
		ReasoningTokens: u.ReasoningTokens,
		WallTime:        wall,
	}
}

// Usage returns the token counters of r.
func (r Record) Usage() core.TokenUsage {
	return core.TokenUsage{
		InputTokens:     r.InputTokens,
		OutputTokens:    r.OutputTokens,
		CachedTokens:    r.CachedTokens,
		ReasoningTokens: r.ReasoningTokens,
	}
}

// Totals sums records.
type Totals struct {
	Calls           int           `json:"calls"`
	InputTokens     int           `json:"input_tokens"`
	OutputTokens    int           `json:"output_tokens"`
	CachedTokens    int           `json:"cached_tokens"`
	ReasoningTokens int           `json:"reasoning_tokens"`
	WallTime        time.Duration `json:"wall_time"`
}

func (t *Totals) add(r Record) {
	t.Calls++
	t.InputTokens += r.InputTokens
	t.OutputTokens += r.OutputTokens
	t.CachedTokens += r.CachedTokens
	t.ReasoningTokens += r.ReasoningTokens
	t.WallTime += r.WallTime
}

// TotalTokens returns input plus output tokens.
func (t Totals) TotalTokens() int { return t.InputTokens + t.OutputTokens }

// Rollup aggregates records by phase and in total.
type Rollup struct {
	ByPhase map[string]Totals `json:"by_phase"`
	Total   Totals            `json:"total"`
}

// Phases returns the phase names in the rollup, sorted.
func (r Rollup) Phases() []string {
	names := make([]string, 0, len(r.ByPhase))
	for p := range r.ByPhase {
		names = append(names, p)
	}
	sort.Strings(names)
	return names
}

// TrackerOptions configures a Tracker.
type TrackerOptions struct {
	Clock func() time.Time
}

// Tracker is an append-only log of usage records. Past records are never
// changed; corrections are new records.
type Tracker struct {
	mu      sync.Mutex
	clock   func() time.Time
	records []Record
}

// NewTracker creates an empty tracker.
func NewTracker(optFns ...func(o *TrackerOptions)) *Tracker {
	opts := TrackerOptions{Clock: time.Now}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Tracker{clock: opts.Clock}
}

// Append adds r, stamping At when unset.
func (t *Tracker) Append(r Record) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if r.At.IsZero() {
		r.At = t.clock().UTC()
	}
	t.records = append(t.records, r)
}

// Records returns a copy of all records in append order.
func (t *Tracker) Records() []Record {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Record(nil), t.records...)
}

// Len returns the number of records.
func (t *Tracker) Len() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Rollup sums the records by phase and in total.
func (t *Tracker) Rollup() Rollup {
	return Summarize(t.Records())
}

// Cost prices the records with prices.
func (t *Tracker) Cost(prices PriceTable) CostReport {
	return prices.Cost(t.Records())
}

// Summarize computes a rollup over records.
func Summarize(records []Record) Rollup {
	r := Rollup{ByPhase: map[string]Totals{}}
	for _, rec := range records {
		p := r.ByPhase[rec.Phase]
		p.add(rec)
		r.ByPhase[rec.Phase] = p
		r.Total.add(rec)
	}
	return r
}
