// Package code provides a delegate agent specialised in writing software.
//
// The agent is a pipeline controller whose executing phases use a
// programming instruction. Registered as a tool, it lets a general agent
// hand coding tasks to it:
//
//	reg.MustRegister(code.NewAgentTool(llm))
package code

import (
	"slices"

	"github.com/hupe1980/taskmesh/agent"
	"github.com/hupe1980/taskmesh/model"
	"github.com/hupe1980/taskmesh/pipeline"
	"github.com/hupe1980/taskmesh/tool"
)

// ToolName is the name of the delegate tool.
const ToolName = "code_agent"

const description = `Assistant for programming and software development tasks.
Use it when code has to be written, fixed or explained. It produces complete, runnable code.`

// Instruction is the system prefix of the executing phases.
const Instruction = `You are a senior software engineer. Produce clear code that solves the user's request.

Rules:
1. Code must be complete. Do not leave out parts or use placeholders.
2. Code must run as written, without syntax or logic errors.
3. Implement what was asked and nothing more.`

// DelegateFlags are the session flags used when the agent runs as a tool.
var DelegateFlags = pipeline.Flags{DeepThinking: true, DeepResearch: true, Summary: true}

// Agents builds the phase agents of a coding session. The executor and the
// direct agent carry Instruction; the planning phases keep their defaults.
func Agents(llm model.Model, optFns ...func(o *agent.Options)) pipeline.AgentSet {
	set := pipeline.DefaultAgents(llm, optFns...)

	coding := append(slices.Clone(optFns), func(o *agent.Options) {
		o.Instruction = agent.NewInstructionFromText(Instruction)
	})
	set.Executor = agent.NewExecutorAgent(llm, coding...)
	set.Direct = agent.NewDirectAgent(llm, coding...)

	return set
}

// NewAgent returns a controller for coding tasks.
func NewAgent(llm model.Model, optFns ...func(o *pipeline.Options)) *pipeline.Controller {
	opts := append([]func(o *pipeline.Options){
		pipeline.WithAgents(Agents),
		func(o *pipeline.Options) { o.DelegateFlags = DelegateFlags },
	}, optFns...)
	return pipeline.New(llm, opts...)
}

// NewAgentTool wraps a coding agent as a delegate tool.
func NewAgentTool(llm model.Model, optFns ...func(o *pipeline.Options)) *tool.AgentTool {
	return tool.NewAgentTool(ToolName, description, NewAgent(llm, optFns...))
}
