// Package stream merges partial message fragments, keyed by a stable message
// id, into whole messages and releases the changed ones once per tick.
package stream

import (
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
)

// Fragment is one partial update of a message. The first fragment for an id
// creates the message; later fragments append their deltas.
type Fragment struct {
	MessageID    string
	Role         core.Role
	ContentDelta string
	DisplayDelta string
	PhaseType    core.PhaseType
	Agent        string
	ToolCalls    []core.ToolCall
	ToolCallID   string
	Usage        *core.TokenUsage
}

// FromMessage converts a complete message into a single fragment.
func FromMessage(m core.Message) Fragment {
	return Fragment{
		MessageID:    m.ID,
		Role:         m.Role,
		ContentDelta: m.Content,
		DisplayDelta: m.DisplayContent,
		PhaseType:    m.PhaseType,
		Agent:        m.Agent,
		ToolCalls:    m.ToolCalls,
		ToolCallID:   m.ToolCallID,
		Usage:        m.Usage,
	}
}

// Sink receives fragments from a producer.
type Sink interface {
	Emit(f Fragment)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(f Fragment)

// Emit calls fn(f).
func (fn SinkFunc) Emit(f Fragment) { fn(f) }

// Discard drops every fragment.
var Discard Sink = SinkFunc(func(Fragment) {})

// AggregatorOptions configures an Aggregator.
type AggregatorOptions struct {
	// Clock supplies timestamps (default: time.Now).
	Clock  func() time.Time
	Logger logging.Logger
}

// Aggregator is an ordered map of messages keyed by id. It is safe for one
// producer and concurrent readers.
type Aggregator struct {
	mu     sync.Mutex
	clock  func() time.Time
	logger logging.Logger
	order  []string
	byID   map[string]*core.Message
	dirty  map[string]bool
}

// NewAggregator creates an empty aggregator.
func NewAggregator(optFns ...func(o *AggregatorOptions)) *Aggregator {
	opts := AggregatorOptions{Clock: time.Now}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Aggregator{
		clock:  opts.Clock,
		logger: logging.OrNoOp(opts.Logger),
		byID:   map[string]*core.Message{},
		dirty:  map[string]bool{},
	}
}

// Apply merges f. A fragment without a message id is rejected. The last
// non-empty phase type wins.
func (a *Aggregator) Apply(f Fragment) error {
	if f.MessageID == "" {
		return &core.ValidationError{Field: "message_id", Message: "fragment has no message id"}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock().UTC()

	m, ok := a.byID[f.MessageID]
	if !ok {
		m = &core.Message{
			ID:         f.MessageID,
			Role:       f.Role,
			PhaseType:  f.PhaseType,
			Agent:      f.Agent,
			ToolCallID: f.ToolCallID,
			StartedAt:  now,
		}
		if m.Role == "" {
			m.Role = core.RoleAssistant
		}
		a.byID[f.MessageID] = m
		a.order = append(a.order, f.MessageID)
	}

	m.Content += f.ContentDelta
	m.DisplayContent += f.DisplayDelta
	if len(f.ToolCalls) > 0 {
		m.ToolCalls = append(m.ToolCalls, f.ToolCalls...)
	}
	// A later fragment may retype the message, e.g. streamed text that
	// turns out to accompany tool calls.
	if f.PhaseType != "" {
		m.PhaseType = f.PhaseType
	}
	if m.ToolCallID == "" {
		m.ToolCallID = f.ToolCallID
	}
	if f.Usage != nil {
		if m.Usage == nil {
			m.Usage = &core.TokenUsage{}
		}
		m.Usage.Add(*f.Usage)
	}
	m.EndedAt = now

	a.dirty[f.MessageID] = true
	return nil
}

// Emit applies f. Sinks cannot fail, so a rejected fragment is logged and
// dropped.
func (a *Aggregator) Emit(f Fragment) {
	if err := a.Apply(f); err != nil {
		a.logger.Warn("stream.fragment.rejected",
			"phase_type", string(f.PhaseType),
			"agent", f.Agent,
			"error", err.Error(),
		)
	}
}

// Flush returns the messages changed since the previous Flush in first-seen
// order and clears the change set.
func (a *Aggregator) Flush() []core.Message {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.dirty) == 0 {
		return nil
	}

	out := make([]core.Message, 0, len(a.dirty))
	for _, id := range a.order {
		if a.dirty[id] {
			out = append(out, a.byID[id].Clone())
		}
	}
	a.dirty = map[string]bool{}
	return out
}

// Pending reports whether there are changes not yet flushed.
func (a *Aggregator) Pending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.dirty) > 0
}

// Messages returns every message in first-seen order.
func (a *Aggregator) Messages() core.Messages {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(core.Messages, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.byID[id].Clone())
	}
	return out
}

// Get returns the message with id.
func (a *Aggregator) Get(id string) (core.Message, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	m, ok := a.byID[id]
	if !ok {
		return core.Message{}, false
	}
	return m.Clone(), true
}

// Len returns the number of messages.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.order)
}
