package agent

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/core"
)

func TestInstruction(t *testing.T) {
	in := &Input{Context: core.ContextMap{SessionID: "s-42", Extras: map[string]any{"team": "ops"}}}

	t.Run("static text renders the context", func(t *testing.T) {
		i := NewInstructionFromText("Session {{.session_id}} for {{.team}}.")
		assert.True(t, i.IsStatic())
		assert.False(t, i.IsZero())

		text, err := i.Resolve(in)
		require.NoError(t, err)
		assert.Equal(t, "Session s-42 for ops.", text)
	})

	t.Run("provider", func(t *testing.T) {
		i := NewInstructionFromFunc(func(in *Input) (string, error) {
			return "dynamic " + in.Context.SessionID, nil
		})
		assert.False(t, i.IsStatic())

		text, err := i.Resolve(in)
		require.NoError(t, err)
		assert.Equal(t, "dynamic s-42", text)
	})

	t.Run("provider error", func(t *testing.T) {
		boom := errors.New("boom")
		i := NewInstructionFromFunc(func(*Input) (string, error) { return "", boom })
		_, err := i.Resolve(in)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("zero", func(t *testing.T) {
		assert.True(t, Instruction{}.IsZero())
	})
}
