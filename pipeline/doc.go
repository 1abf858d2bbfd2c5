// Package pipeline drives the fixed phase state machine of taskmesh.
//
// A Controller owns the configuration shared by all sessions: the model, the
// agent factory, the tool execution policy and the remote tool servers. Each
// call to Run or RunStream creates a Session with its own workspace
// directory, a copy of the tool registry, a usage tracker and a stream
// aggregator. The session is torn down, and its workspace removed, when the
// call returns.
//
// Deep runs pass through
//
//	Analysis → Decompose → Planning → Execution → Observation → Summary
//
// where Analysis, Decompose and Summary are enabled by Flags and the
// Planning/Execution/Observation cycle repeats until the observation reports
// completion, asks the user for input, or the loop budget is spent. Rapid
// runs, with neither DeepThinking nor DeepResearch set, answer through a
// single direct execution.
//
// Example:
//
//	ctrl := pipeline.New(llm, pipeline.WithLogger(logger))
//	res := ctrl.Run(ctx, pipeline.RunRequest{
//		Messages: []core.Message{core.NewUserMessage("Compare Go and Rust error handling")},
//		Registry: registry,
//		Flags:    pipeline.Flags{DeepThinking: true, DeepResearch: true, Summary: true},
//	})
//	fmt.Println(res.Final.Content)
package pipeline
