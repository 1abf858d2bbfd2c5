package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/agent"
	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/mcp"
	"github.com/hupe1980/taskmesh/stream"
	"github.com/hupe1980/taskmesh/tool"
	"github.com/hupe1980/taskmesh/usage"
)

// Session is the state of one pipeline invocation. It is created when a run
// starts and torn down, its workspace removed, when the run returns.
type Session struct {
	ID           string
	Flags        Flags
	LoopCount    int
	MaxLoopCount int
	// Workspace is the scratch directory owned by the session.
	Workspace string
	// Registry is the session's copy of the tool registry.
	Registry   *tool.Registry
	Dispatcher *tool.Dispatcher
	Usage      *usage.Tracker
	Aggregator *stream.Aggregator
	Context    core.ContextMap
	// BudgetExhausted records that MaxLoopCount ended the loop.
	BudgetExhausted bool

	agents  AgentSet
	manager *mcp.Manager
	toolCtx *core.ToolContext
	logger  logging.Logger
	started time.Time

	// input is the history handed to the run, trimmed and with stored
	// history prepended.
	input core.Messages

	mu sync.Mutex
	// dropped holds ids of messages emitted by failed phase attempts.
	dropped map[string]bool

	plan      *core.Plan
	satisfied map[string]bool
	step      *agent.Step
	final     *core.Message
	lastExec  string
}

func validSessionID(id string) error {
	if id == "." || id == ".." || strings.ContainsAny(id, `/\`) || filepath.Base(id) != id {
		return &core.ValidationError{Field: "session_id", Message: fmt.Sprintf("invalid session id %q", id)}
	}
	return nil
}

// createWorkspace creates the scratch directory of the session.
func createWorkspace(root, id string) (string, error) {
	dir := filepath.Join(root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// history returns the conversation visible to the next phase: the input
// followed by every message of this run that did not come from a failed
// attempt.
func (s *Session) history() core.Messages {
	out := s.input.Clone()
	return append(out, s.produced()...)
}

// produced returns the messages of this run.
func (s *Session) produced() core.Messages {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.Aggregator.Messages()
	out := make(core.Messages, 0, len(all))
	for _, m := range all {
		if !s.dropped[m.ID] {
			out = append(out, m)
		}
	}
	return out
}

func (s *Session) drop(ids map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range ids {
		s.dropped[id] = true
	}
}

// agentInput assembles the input of the next phase.
func (s *Session) agentInput() *agent.Input {
	return &agent.Input{
		SessionID:   s.ID,
		Messages:    s.history(),
		Registry:    s.Registry,
		Dispatcher:  s.Dispatcher,
		ToolContext: s.toolCtx,
		Context:     s.Context,
		Plan:        s.plan,
		Satisfied:   s.satisfied,
		Step:        s.step,
	}
}

// emit adds a complete message to the session output.
func (s *Session) emit(m core.Message) core.Message {
	s.Aggregator.Emit(stream.FromMessage(m))
	if got, ok := s.Aggregator.Get(m.ID); ok {
		return got
	}
	return m
}

// teardown closes remote connections and removes the workspace.
func (s *Session) teardown() {
	if s.manager != nil {
		if err := s.manager.Close(); err != nil {
			s.logger.Warn("pipeline.session.close_servers_failed", "error", err.Error())
		}
	}
	if s.Workspace != "" {
		if err := os.RemoveAll(s.Workspace); err != nil {
			s.logger.Warn("pipeline.session.workspace_cleanup_failed", "workspace", s.Workspace, "error", err.Error())
		}
	}
}

// attemptSink forwards fragments to the session aggregator and remembers
// the message ids of one phase attempt.
type attemptSink struct {
	agg *stream.Aggregator
	ids map[string]bool
}

func newAttemptSink(agg *stream.Aggregator) *attemptSink {
	return &attemptSink{agg: agg, ids: map[string]bool{}}
}

// Emit implements stream.Sink.
func (a *attemptSink) Emit(f stream.Fragment) {
	if f.MessageID != "" {
		a.ids[f.MessageID] = true
	}
	a.agg.Emit(f)
}

// openServers connects the configured remote tool servers into the session
// registry. Unreachable servers are disabled, never fatal.
func openServers(ctx context.Context, cfg *mcp.Config, reg *tool.Registry, optFns []func(o *mcp.ManagerOptions)) *mcp.Manager {
	if cfg == nil || len(cfg.Servers) == 0 {
		return nil
	}
	m := mcp.NewManager(cfg, optFns...)
	_ = m.Connect(ctx, reg)
	return m
}
