package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/core"
)

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name    string
		in      map[string]any
		want    Flags
		wantErr bool
	}{
		{name: "empty", in: nil, want: Flags{}},
		{
			name: "typed values",
			in:   map[string]any{"deep_thinking": true, "summary": true, "max_loop_count": 3},
			want: Flags{DeepThinking: true, Summary: true, MaxLoopCount: 3},
		},
		{
			name: "strings and json numbers",
			in:   map[string]any{"deep_research": "true", "max_loop_count": float64(4)},
			want: Flags{DeepResearch: true, MaxLoopCount: 4},
		},
		{name: "numeric string", in: map[string]any{"max_loop_count": "7"}, want: Flags{MaxLoopCount: 7}},
		{name: "unknown flag", in: map[string]any{"turbo": true}, wantErr: true},
		{name: "bad boolean", in: map[string]any{"summary": "maybe"}, wantErr: true},
		{name: "negative count", in: map[string]any{"max_loop_count": -1}, wantErr: true},
		{name: "fractional count", in: map[string]any{"max_loop_count": 1.5}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFlags(tt.in)
			if tt.wantErr {
				var vErr *core.ValidationError
				assert.ErrorAs(t, err, &vErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFlags_Mode(t *testing.T) {
	assert.True(t, Flags{}.Rapid())
	assert.Equal(t, "rapid", Flags{Summary: true}.Mode())
	assert.Equal(t, "deep_thinking", Flags{DeepThinking: true}.Mode())
	assert.Equal(t, "deep_research", Flags{DeepThinking: true, DeepResearch: true}.Mode())
}

func TestConfig_Normalize(t *testing.T) {
	cfg := Config{MaxLoopCount: 3}.normalize()
	def := DefaultConfig()

	assert.Equal(t, 3, cfg.MaxLoopCount)
	assert.Equal(t, def.PhaseTimeout, cfg.PhaseTimeout)
	assert.Equal(t, def.TickInterval, cfg.TickInterval)
	assert.Equal(t, def.WorkspaceRoot, cfg.WorkspaceRoot)
	assert.Equal(t, 30*time.Second, cfg.StallTimeout)
	assert.Equal(t, 10, def.MaxLoopCount)
	assert.Equal(t, 5*time.Minute, def.PhaseTimeout)
}
