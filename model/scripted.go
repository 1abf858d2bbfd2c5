package model

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/core"
)

// Turn is one canned reply of a ScriptedModel.
type Turn struct {
	Text      string
	Chunks    []string // streamed deltas; defaults to Text as one chunk
	ToolCalls []core.ToolCall
	Usage     *core.TokenUsage
	Err       error
	Delay     time.Duration
}

// ErrScriptExhausted is returned once every scripted turn has been used.
var ErrScriptExhausted = errors.New("scripted model has no turns left")

// ScriptedModel replays turns in order, one per Generate call. When Responder
// is set it is consulted instead of the turn list. It is meant for tests and
// examples.
type ScriptedModel struct {
	// Responder builds the reply for the n-th call (0-based).
	Responder func(n int, req Request) Turn

	mu    sync.Mutex
	turns []Turn
	calls []Request
	info  Info
}

// NewScriptedModel creates a model that replays turns.
func NewScriptedModel(turns ...Turn) *ScriptedModel {
	return &ScriptedModel{
		turns: turns,
		info:  Info{Name: "scripted", Provider: "scripted", SupportsTools: true},
	}
}

// NewResponderModel creates a model that answers through fn.
func NewResponderModel(fn func(n int, req Request) Turn) *ScriptedModel {
	m := NewScriptedModel()
	m.Responder = fn
	return m
}

// Add appends turns to the script.
func (m *ScriptedModel) Add(turns ...Turn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, turns...)
}

// Calls returns the requests received so far.
func (m *ScriptedModel) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.calls...)
}

// CallCount returns the number of Generate calls.
func (m *ScriptedModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *ScriptedModel) next(req Request) Turn {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.calls)
	req.Messages = core.Messages(req.Messages).Clone()
	m.calls = append(m.calls, req)

	if m.Responder != nil {
		return m.Responder(n, req)
	}
	if len(m.turns) == 0 {
		return Turn{Err: ErrScriptExhausted}
	}
	t := m.turns[0]
	m.turns = m.turns[1:]
	return t
}

// Generate implements Model.
func (m *ScriptedModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	turn := m.next(req)

	go func() {
		defer close(respCh)
		defer close(errCh)

		if turn.Delay > 0 {
			select {
			case <-time.After(turn.Delay):
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}

		if turn.Err != nil {
			errCh <- turn.Err
			return
		}

		text := turn.Text
		if len(turn.Chunks) > 0 {
			text = strings.Join(turn.Chunks, "")
		}

		if req.Stream {
			chunks := turn.Chunks
			if len(chunks) == 0 && text != "" {
				chunks = []string{text}
			}
			for _, c := range chunks {
				select {
				case respCh <- Response{Partial: true, Delta: c}:
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				}
			}
		}

		finish := "stop"
		if len(turn.ToolCalls) > 0 {
			finish = "tool_calls"
		}

		select {
		case respCh <- Response{
			Text:         text,
			ToolCalls:    append([]core.ToolCall(nil), turn.ToolCalls...),
			FinishReason: finish,
			Usage:        turn.Usage,
		}:
		case <-ctx.Done():
			errCh <- ctx.Err()
		}
	}()

	return respCh, errCh
}

// Info implements Model.
func (m *ScriptedModel) Info() Info { return m.info }
