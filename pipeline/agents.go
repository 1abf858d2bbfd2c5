package pipeline

import (
	"github.com/hupe1980/taskmesh/agent"
	"github.com/hupe1980/taskmesh/model"
)

// AgentSet holds one agent per phase.
type AgentSet struct {
	Analysis    agent.Agent
	Decompose   agent.Agent
	Planning    agent.Agent
	Executor    agent.Agent
	Observation agent.Agent
	Summary     agent.Agent
	Direct      agent.Agent
}

// AgentFactory builds the agents of one session. The options carry the
// session's usage tracker and model call limiter and must be passed to
// every agent.
type AgentFactory func(llm model.Model, optFns ...func(o *agent.Options)) AgentSet

// DefaultAgents builds the standard phase agents.
func DefaultAgents(llm model.Model, optFns ...func(o *agent.Options)) AgentSet {
	return AgentSet{
		Analysis:    agent.NewAnalysisAgent(llm, optFns...),
		Decompose:   agent.NewDecomposeAgent(llm, optFns...),
		Planning:    agent.NewPlanningAgent(llm, optFns...),
		Executor:    agent.NewExecutorAgent(llm, optFns...),
		Observation: agent.NewObservationAgent(llm, optFns...),
		Summary:     agent.NewSummaryAgent(llm, optFns...),
		Direct:      agent.NewDirectAgent(llm, optFns...),
	}
}
