package model

import (
	"context"
	"errors"
	"strings"

	"github.com/hupe1980/taskmesh/core"
)

// ToolDefinition declaratively exposes a callable function to the model.
type ToolDefinition = core.ToolDefinition

// Request captures the normalized model input produced by agents.
type Request struct {
	System   string           `json:"system,omitempty"` // System prompt
	Messages []core.Message   `json:"messages"`         // Conversation converted to provider messages
	Tools    []ToolDefinition `json:"tools,omitempty"`
	Stream   bool             `json:"stream,omitempty"`
}

// Response is a (partial or final) chunk emitted by a model. Partial chunks
// carry a text Delta; the final chunk carries the complete Text and any tool
// calls. Usage on any chunk is a delta: the usage of a call is the sum over
// its chunks, so adapters that only know the total report it once.
type Response struct {
	ID           string           `json:"id,omitempty"`
	Partial      bool             `json:"partial"`
	Delta        string           `json:"delta,omitempty"`
	Text         string           `json:"text,omitempty"`
	ToolCalls    []core.ToolCall  `json:"tool_calls,omitempty"`
	FinishReason string           `json:"finish_reason,omitempty"` // "stop", "length", "tool_calls", etc.
	Usage        *core.TokenUsage `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "openai", "anthropic", "scripted", etc.
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the minimal interface required by agents to drive generation.
// Implementations close both channels when the call ends and send at most
// one error.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// ErrEmptyResponse is returned by Collect when a model ends without output.
var ErrEmptyResponse = errors.New("model returned no response")

// Collect drains a Generate call. onDelta, when non-nil, receives every text
// delta in order; a non-streaming response is delivered as one delta so the
// concatenated deltas always equal the returned Text.
func Collect(ctx context.Context, m Model, req Request, onDelta func(delta string)) (Response, error) {
	respCh, errCh := m.Generate(ctx, req)

	var (
		final    Response
		gotFinal bool
		text     strings.Builder
		usage    *core.TokenUsage
	)
	addUsage := func(u *core.TokenUsage) {
		if u == nil {
			return
		}
		if usage == nil {
			usage = &core.TokenUsage{}
		}
		usage.Add(*u)
	}

	for respCh != nil || errCh != nil {
		select {
		case r, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}
			addUsage(r.Usage)
			if r.Partial {
				if r.Delta != "" {
					text.WriteString(r.Delta)
					if onDelta != nil {
						onDelta(r.Delta)
					}
				}
				continue
			}
			final = r
			gotFinal = true
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return final, err
			}
		case <-ctx.Done():
			return final, ctx.Err()
		}
	}

	switch {
	case text.Len() > 0:
		final.Text = text.String()
	case final.Text != "" && onDelta != nil:
		onDelta(final.Text)
	}

	if !gotFinal && text.Len() == 0 {
		return final, ErrEmptyResponse
	}
	final.Usage = usage
	final.Partial = false
	return final, nil
}
