package tool

import (
	"sync"
	"time"
)

// ToolStats aggregates executions of a single tool.
type ToolStats struct {
	Calls         int           `json:"calls"`
	Failures      int           `json:"failures"`
	TotalDuration time.Duration `json:"total_duration"`
}

// AverageDuration returns the mean call duration.
func (s ToolStats) AverageDuration() time.Duration {
	if s.Calls == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(s.Calls)
}

// StatsSnapshot is a point-in-time copy of dispatcher statistics.
type StatsSnapshot struct {
	TotalCalls int                  `json:"total_calls"`
	Successes  int                  `json:"successes"`
	Failures   int                  `json:"failures"`
	CacheHits  int                  `json:"cache_hits"`
	Retries    int                  `json:"retries"`
	PerTool    map[string]ToolStats `json:"per_tool"`
	ErrorTypes map[string]int       `json:"error_types"`
}

// SuccessRate returns successes divided by total calls.
func (s StatsSnapshot) SuccessRate() float64 {
	if s.TotalCalls == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.TotalCalls)
}

// Stats collects execution statistics for a dispatcher.
type Stats struct {
	mu   sync.Mutex
	snap StatsSnapshot
}

// NewStats creates empty statistics.
func NewStats() *Stats {
	return &Stats{snap: StatsSnapshot{PerTool: map[string]ToolStats{}, ErrorTypes: map[string]int{}}}
}

func (s *Stats) record(tool string, dur time.Duration, attempts int, cached bool, errorType string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snap.TotalCalls++
	if cached {
		s.snap.CacheHits++
	}
	if attempts > 1 {
		s.snap.Retries += attempts - 1
	}

	ts := s.snap.PerTool[tool]
	ts.Calls++
	ts.TotalDuration += dur
	if errorType != "" {
		ts.Failures++
		s.snap.Failures++
		s.snap.ErrorTypes[errorType]++
	} else {
		s.snap.Successes++
	}
	s.snap.PerTool[tool] = ts
}

// Snapshot returns a copy of the current statistics.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.snap
	out.PerTool = make(map[string]ToolStats, len(s.snap.PerTool))
	for k, v := range s.snap.PerTool {
		out.PerTool[k] = v
	}
	out.ErrorTypes = make(map[string]int, len(s.snap.ErrorTypes))
	for k, v := range s.snap.ErrorTypes {
		out.ErrorTypes[k] = v
	}
	return out
}

// Reset clears all statistics.
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snap = StatsSnapshot{PerTool: map[string]ToolStats{}, ErrorTypes: map[string]int{}}
}
