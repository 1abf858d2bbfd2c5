package model

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/core"
)

func TestCollect_StreamingDeltasMatchText(t *testing.T) {
	m := NewScriptedModel(Turn{Chunks: []string{"Hel", "lo", "!"}, Usage: &core.TokenUsage{InputTokens: 4, OutputTokens: 2}})

	var deltas []string
	resp, err := Collect(context.Background(), m, Request{Stream: true}, func(d string) { deltas = append(deltas, d) })
	require.NoError(t, err)

	assert.Equal(t, []string{"Hel", "lo", "!"}, deltas)
	assert.Equal(t, "Hello!", resp.Text)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 6, resp.Usage.Total())
}

func TestCollect_NonStreamingDeliversOneDelta(t *testing.T) {
	m := NewScriptedModel(Turn{Text: "whole answer"})

	var deltas []string
	resp, err := Collect(context.Background(), m, Request{}, func(d string) { deltas = append(deltas, d) })
	require.NoError(t, err)
	assert.Equal(t, []string{"whole answer"}, deltas)
	assert.Equal(t, "whole answer", resp.Text)
}

func TestCollect_ToolCalls(t *testing.T) {
	calls := []core.ToolCall{{ID: "c1", Name: "search", Arguments: `{"q":"go"}`}}
	m := NewScriptedModel(Turn{ToolCalls: calls})

	resp, err := Collect(context.Background(), m, Request{Stream: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, calls, resp.ToolCalls)
	assert.Equal(t, "tool_calls", resp.FinishReason)
}

func TestCollect_Errors(t *testing.T) {
	boom := errors.New("boom")
	m := NewScriptedModel(Turn{Err: boom})

	_, err := Collect(context.Background(), m, Request{}, nil)
	assert.ErrorIs(t, err, boom)

	_, err = Collect(context.Background(), m, Request{}, nil)
	assert.ErrorIs(t, err, ErrScriptExhausted)

	slow := NewScriptedModel(Turn{Text: "late", Delay: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = Collect(ctx, slow, Request{}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScriptedModel_RecordsCalls(t *testing.T) {
	m := NewResponderModel(func(n int, req Request) Turn {
		return Turn{Text: req.System}
	})

	msgs := []core.Message{core.NewUserMessage("hi")}
	resp, err := Collect(context.Background(), m, Request{System: "sys-a", Messages: msgs}, nil)
	require.NoError(t, err)
	assert.Equal(t, "sys-a", resp.Text)

	msgs[0].Content = "mutated"
	calls := m.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "hi", calls[0].Messages[0].Content)
	assert.Equal(t, 1, m.CallCount())
	assert.Equal(t, "scripted", m.Info().Provider)
}

// chunkModel replays fixed chunks.
type chunkModel []Response

func (c chunkModel) Generate(context.Context, Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, len(c))
	errCh := make(chan error)
	for _, r := range c {
		respCh <- r
	}
	close(respCh)
	close(errCh)
	return respCh, errCh
}

func (chunkModel) Info() Info { return Info{Name: "chunks"} }

func TestCollect_SumsUsageAcrossChunks(t *testing.T) {
	m := chunkModel{
		{Partial: true, Delta: "a", Usage: &core.TokenUsage{InputTokens: 7}},
		{Partial: true, Delta: "b", Usage: &core.TokenUsage{OutputTokens: 1}},
		{Text: "ab", Usage: &core.TokenUsage{OutputTokens: 2}},
	}

	resp, err := Collect(context.Background(), m, Request{Stream: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ab", resp.Text)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 7, resp.Usage.InputTokens)
	assert.Equal(t, 3, resp.Usage.OutputTokens)

	resp, err = Collect(context.Background(), chunkModel{{Text: "no usage"}}, Request{}, nil)
	require.NoError(t, err)
	assert.Nil(t, resp.Usage)
}
