package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/tool"
	"github.com/hupe1980/taskmesh/usage"
)

// Config defines the operational limits of a Controller.
type Config struct {
	// MaxLoopCount bounds the planning/execution/observation cycles of a
	// session unless Flags.MaxLoopCount overrides it.
	MaxLoopCount int

	// PhaseTimeout bounds one attempt of one phase.
	PhaseTimeout time.Duration

	// PhaseRetries is the number of additional attempts for a phase that
	// failed transiently or timed out.
	PhaseRetries int

	// WorkspaceRoot is the parent of the per-session scratch directories.
	WorkspaceRoot string

	// MessageLimit bounds the JSON size in bytes of the history handed to a
	// session. Older non-essential messages are dropped to fit.
	MessageLimit int

	// TickInterval is the batching period of RunStream.
	TickInterval time.Duration

	// EventBufferSize sets the buffer of the RunStream batch channel.
	EventBufferSize int

	// StallTimeout is how long RunStream waits for a consumer to accept a
	// batch before it cancels the session.
	StallTimeout time.Duration

	// MaxModelCalls caps model calls per session. Zero is unlimited.
	MaxModelCalls int
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		MaxLoopCount:    10,
		PhaseTimeout:    5 * time.Minute,
		PhaseRetries:    1,
		WorkspaceRoot:   filepath.Join(os.TempDir(), "taskmesh"),
		MessageLimit:    200000,
		TickInterval:    100 * time.Millisecond,
		EventBufferSize: 64,
		StallTimeout:    30 * time.Second,
	}
}

// normalize replaces unset fields with defaults.
func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.MaxLoopCount <= 0 {
		c.MaxLoopCount = d.MaxLoopCount
	}
	if c.PhaseTimeout <= 0 {
		c.PhaseTimeout = d.PhaseTimeout
	}
	if c.PhaseRetries < 0 {
		c.PhaseRetries = 0
	}
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = d.WorkspaceRoot
	}
	if c.MessageLimit <= 0 {
		c.MessageLimit = d.MessageLimit
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = d.EventBufferSize
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = d.StallTimeout
	}
	return c
}

// Flags select the phases of one run.
type Flags struct {
	// DeepThinking enables the Analysis phase.
	DeepThinking bool `json:"deep_thinking"`
	// DeepResearch enables the Decompose phase.
	DeepResearch bool `json:"deep_research"`
	// Summary enables the Summary phase.
	Summary bool `json:"summary"`
	// MaxLoopCount overrides Config.MaxLoopCount when positive.
	MaxLoopCount int `json:"max_loop_count"`
}

// Rapid reports whether the run skips the phase sequence and answers
// through a single direct execution.
func (f Flags) Rapid() bool { return !f.DeepThinking && !f.DeepResearch }

// Mode names the execution mode for logs and metrics.
func (f Flags) Mode() string {
	switch {
	case f.Rapid():
		return "rapid"
	case f.DeepResearch:
		return "deep_research"
	default:
		return "deep_thinking"
	}
}

// Flag names accepted by ParseFlags.
const (
	FlagDeepThinking = "deep_thinking"
	FlagDeepResearch = "deep_research"
	FlagSummary      = "summary"
	FlagMaxLoopCount = "max_loop_count"
)

// ParseFlags reads flags from a map of named values as received from JSON
// or form input. Booleans may be given as bool or string, the loop count as
// any number or numeric string. Unknown names are rejected.
func ParseFlags(values map[string]any) (Flags, error) {
	var f Flags
	for name, v := range values {
		var err error
		switch name {
		case FlagDeepThinking:
			f.DeepThinking, err = flagBool(v)
		case FlagDeepResearch:
			f.DeepResearch, err = flagBool(v)
		case FlagSummary:
			f.Summary, err = flagBool(v)
		case FlagMaxLoopCount:
			f.MaxLoopCount, err = flagInt(v)
			if err == nil && f.MaxLoopCount < 0 {
				err = fmt.Errorf("must not be negative")
			}
		default:
			return Flags{}, &core.ValidationError{Field: name, Message: "unknown flag"}
		}
		if err != nil {
			return Flags{}, &core.ValidationError{Field: name, Message: err.Error()}
		}
	}
	return f, nil
}

func flagBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		return strconv.ParseBool(b)
	default:
		return false, fmt.Errorf("expected boolean, got %T", v)
	}
}

func flagInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("expected integer, got %v", n)
		}
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

// RunRequest is the input of one pipeline invocation.
type RunRequest struct {
	// Messages is the conversation so far, ending with the user request.
	Messages []core.Message
	// Registry holds the tools of the run. The controller's registry is used
	// when nil. The session works on a copy.
	Registry *tool.Registry
	// SessionID identifies the session. A fresh id is generated when empty.
	SessionID string
	Flags     Flags
	// Context carries caller fields merged into every phase prompt. The
	// reserved fields are overwritten by the controller.
	Context core.ContextMap
}

// Result is the outcome of one pipeline invocation. A failed run still
// returns a well-formed Result whose Final message has the error type.
type Result struct {
	// Messages is the full history: the input followed by NewMessages.
	Messages []core.Message
	// NewMessages holds the messages produced by this run.
	NewMessages []core.Message
	// Final is the last final_answer, or the error message of a failed run.
	Final     core.Message
	SessionID string
	Usage     usage.Rollup
	// Cost is set when the controller has a price table.
	Cost            *usage.CostReport
	WallTime        time.Duration
	LoopCount       int
	BudgetExhausted bool
	// Artifacts names the workspace files kept in the artifact store.
	Artifacts []string
	// Err is the cause of a terminal failure.
	Err error
}
