package agent

import (
	"github.com/hupe1980/taskmesh/internal/util"
)

// Provider supplies dynamic instruction text at runtime.
// Implementations can derive instructions from the phase input, environment, etc.
type Provider interface {
	Instruction(*Input) (string, error)
}

// Func is a functional adapter to allow ordinary functions to be used as Providers.
type Func func(*Input) (string, error)

// Instruction implements Provider.
func (f Func) Instruction(in *Input) (string, error) { return f(in) }

// Instruction represents either a static instruction template or a dynamic
// provider. Static text may reference the execution context through
// text/template markers, for example {{.session_id}}.
type Instruction struct {
	text     string
	provider Provider
}

// NewInstructionFromText creates an Instruction from a static string.
func NewInstructionFromText(text string) Instruction { return Instruction{text: text} }

// NewInstructionFromProvider creates an Instruction from a dynamic provider.
func NewInstructionFromProvider(p Provider) Instruction { return Instruction{provider: p} }

// NewInstructionFromFunc creates an Instruction from a function.
func NewInstructionFromFunc(f func(*Input) (string, error)) Instruction {
	return Instruction{provider: Func(f)}
}

// IsStatic returns true if the instruction is backed by a static string.
func (i Instruction) IsStatic() bool { return i.provider == nil }

// IsZero reports whether the instruction carries neither text nor provider.
func (i Instruction) IsZero() bool { return i.provider == nil && i.text == "" }

// Resolve returns the instruction text, invoking the provider if needed.
// Static text is rendered against the input's context map.
func (i Instruction) Resolve(in *Input) (string, error) {
	if i.provider != nil {
		return i.provider.Instruction(in)
	}
	if in == nil {
		return i.text, nil
	}
	return util.RenderTemplate(i.text, in.Context.Map())
}
