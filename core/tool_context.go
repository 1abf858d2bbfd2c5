package core

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/hupe1980/taskmesh/logging"
)

// ToolContext provides the constrained surface handed to tool
// implementations: the call's context, correlation ids, the session
// workspace, the execution context map and a session-scoped state bag shared
// by all tools of one session.
type ToolContext struct {
	ctx       context.Context
	sessionID string
	callID    string
	toolName  string
	workspace string
	values    ContextMap
	state     *State
	logger    logging.Logger
}

// ToolContextOptions configures optional ToolContext fields.
type ToolContextOptions struct {
	Workspace  string
	ContextMap ContextMap
	State      *State
	Logger     logging.Logger
}

// NewToolContext constructs a tool context for one session.
func NewToolContext(ctx context.Context, sessionID string, optFns ...func(o *ToolContextOptions)) *ToolContext {
	opts := ToolContextOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	if opts.State == nil {
		opts.State = NewState()
	}

	return &ToolContext{
		ctx:       ctx,
		sessionID: sessionID,
		workspace: opts.Workspace,
		values:    opts.ContextMap,
		state:     opts.State,
		logger:    sessionScoped(logging.OrNoOp(opts.Logger), sessionID),
	}
}

// sessionScoped attaches the session id to l unless it is empty.
func sessionScoped(l logging.Logger, sessionID string) logging.Logger {
	if sessionID == "" {
		return l
	}
	if sl, ok := l.(*logging.StructuredLogger); ok {
		return sl.WithSession(sessionID)
	}
	return &fieldLogger{base: l, fields: []any{"session_id", sessionID}}
}

// ForCall derives a context bound to a single tool call. The state bag is
// shared with the parent.
func (tc *ToolContext) ForCall(ctx context.Context, callID, toolName string) *ToolContext {
	nc := *tc
	if ctx != nil {
		nc.ctx = ctx
	}
	nc.callID = callID
	nc.toolName = toolName
	nc.logger = &fieldLogger{base: tc.logger, fields: []any{"call_id", callID, "tool", toolName}}
	return &nc
}

// Context returns the context associated with the tool invocation.
func (tc *ToolContext) Context() context.Context { return tc.ctx }

// SessionID returns the session ID associated with the tool invocation.
func (tc *ToolContext) SessionID() string { return tc.sessionID }

// CallID returns the id of the tool call being served.
func (tc *ToolContext) CallID() string { return tc.callID }

// ToolName returns the name of the tool being served.
func (tc *ToolContext) ToolName() string { return tc.toolName }

// Workspace returns the session's scratch directory.
func (tc *ToolContext) Workspace() string { return tc.workspace }

// Values returns the execution context map of the session.
func (tc *ToolContext) Values() ContextMap { return tc.values }

// Logger returns a logger that tags entries with the session id and, for
// contexts derived with ForCall, the call id and tool name.
func (tc *ToolContext) Logger() logging.Logger { return tc.logger }

// GetState retrieves the state associated with the given key.
func (tc *ToolContext) GetState(k string) (any, bool) { return tc.state.Get(k) }

// SetState records a session-scoped value visible to subsequent tool calls.
func (tc *ToolContext) SetState(k string, v any) {
	tc.state.Set(k, v)
	tc.logger.Debug("tool.state.set", "key", k)
}

// State returns the shared state bag.
func (tc *ToolContext) State() *State { return tc.state }

// Validate performs a structural sanity check of the context.
func (tc *ToolContext) Validate() error {
	if tc == nil || tc.sessionID == "" {
		return fmt.Errorf("invalid ToolContext: missing session id")
	}
	return nil
}

// fieldLogger prepends fixed key/value pairs to every entry.
type fieldLogger struct {
	base   logging.Logger
	fields []any
}

func (l *fieldLogger) with(args []any) []any {
	return append(slices.Clip(l.fields), args...)
}

func (l *fieldLogger) Debug(msg string, args ...any) { l.base.Debug(msg, l.with(args)...) }
func (l *fieldLogger) Info(msg string, args ...any)  { l.base.Info(msg, l.with(args)...) }
func (l *fieldLogger) Warn(msg string, args ...any)  { l.base.Warn(msg, l.with(args)...) }
func (l *fieldLogger) Error(msg string, args ...any) { l.base.Error(msg, l.with(args)...) }

// State is a concurrency safe key/value bag scoped to one session.
type State struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewState creates an empty state bag.
func NewState() *State {
	return &State{values: map[string]any{}}
}

// Get returns the value stored under k.
func (s *State) Get(k string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[k]
	return v, ok
}

// Set stores v under k.
func (s *State) Set(k string, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[k] = v
}

// Delete removes k.
func (s *State) Delete(k string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.values, k)
}

// Snapshot returns a copy of all values.
func (s *State) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}
