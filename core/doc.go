// Package core provides the foundational domain types shared by every
// taskmesh component:
//
//   - Messages (conversation records tagged with a phase type)
//   - ToolCalls / ToolResults (correlated by call id)
//   - TokenUsage counters
//   - Plans of dependent subtasks
//   - ContextMap (reserved execution keys plus caller extras)
//   - ToolContext (the scoped surface handed to tool implementations)
//   - the error taxonomy shared by dispatcher, remote client and pipeline
//
// The package keeps orchestration, persistence and transport concerns out of
// scope so that every other package can depend on it without cycles.
package core
