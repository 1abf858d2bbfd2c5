package usage

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/hupe1980/taskmesh/core"
)

// perMessageOverhead approximates the role and framing tokens of a message.
const perMessageOverhead = 4

// Estimator counts tokens for models that report no usage. It uses the
// cl100k_base encoding and falls back to a rune heuristic when the encoding
// cannot be loaded.
type Estimator struct {
	once      sync.Once
	encoding  *tiktoken.Tiktoken
	heuristic bool
}

// NewEstimator returns an estimator backed by tiktoken. The encoding is
// loaded on first use.
func NewEstimator() *Estimator { return &Estimator{} }

// NewHeuristicEstimator returns an estimator that never loads an encoding.
func NewHeuristicEstimator() *Estimator { return &Estimator{heuristic: true} }

func (e *Estimator) enc() *tiktoken.Tiktoken {
	if e.heuristic {
		return nil
	}
	e.once.Do(func() {
		if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			e.encoding = enc
		}
	})
	return e.encoding
}

// Count returns the number of tokens in text.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	if enc := e.enc(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return Heuristic(text)
}

// CountMessages counts a prompt made of system text and messages.
func (e *Estimator) CountMessages(system string, msgs []core.Message) int {
	n := e.Count(system)
	if system != "" {
		n += perMessageOverhead
	}
	for _, m := range msgs {
		n += perMessageOverhead + e.Count(m.Content)
		for _, tc := range m.ToolCalls {
			n += e.Count(tc.Name) + e.Count(tc.Arguments)
		}
	}
	return n
}

// Estimate builds a TokenUsage for a prompt and its completion.
func (e *Estimator) Estimate(system string, prompt []core.Message, completion string) core.TokenUsage {
	return core.TokenUsage{
		InputTokens:  e.CountMessages(system, prompt),
		OutputTokens: e.Count(completion),
	}
}

// Heuristic estimates tokens as max(runes/4, words), at least 1 for
// non-blank text.
func Heuristic(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	estimate := len([]rune(trimmed)) / 4
	if words := len(strings.Fields(trimmed)); estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}
