package pipeline

import (
	"encoding/json"

	"github.com/hupe1980/taskmesh/core"
)

// trimHistory drops the oldest messages that are neither user messages nor
// final answers until the JSON encoding of msgs fits into limit bytes. User
// messages and final answers are never dropped, so the result may still
// exceed limit.
func trimHistory(msgs []core.Message, limit int) []core.Message {
	if limit <= 0 || len(msgs) == 0 {
		return msgs
	}

	sizes := make([]int, len(msgs))
	total := 2 + len(msgs) - 1 // brackets and separators
	for i, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			continue
		}
		sizes[i] = len(b)
		total += sizes[i]
	}
	if total <= limit {
		return msgs
	}

	out := make([]core.Message, 0, len(msgs))
	for i, m := range msgs {
		if total > limit && m.Role != core.RoleUser && m.PhaseType != core.PhaseFinalAnswer {
			total -= sizes[i] + 1
			continue
		}
		out = append(out, m)
	}
	return out
}

// prepareMessages copies the caller's messages, assigning ids where missing.
func prepareMessages(msgs []core.Message) core.Messages {
	out := make(core.Messages, 0, len(msgs))
	for _, m := range msgs {
		m = m.Clone()
		if m.ID == "" {
			m.ID = core.NewID()
		}
		if m.PhaseType == "" {
			m.PhaseType = core.PhaseNormal
		}
		out = append(out, m)
	}
	return out
}
