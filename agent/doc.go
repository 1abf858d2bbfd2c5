// Package agent contains the phase agents of the taskmesh pipeline. Each
// agent turns the session state into a prompt, calls the model and interprets
// the result:
//
//  1. AnalysisAgent explains the task (task_analysis_result)
//  2. DecomposeAgent splits it into a linear core.Plan
//  3. PlanningAgent picks the next step (planning_result)
//  4. ExecutorAgent runs the step, calling tools (do_subtask_result)
//  5. ObservationAgent judges progress (observation_result)
//  6. SummaryAgent writes the final answer (final_answer)
//
// DirectAgent replaces the whole sequence in rapid mode.
//
// Agents never hold session state between runs. Everything they read arrives
// in an Input; everything they produce is emitted as stream fragments and
// returned in an Output. Model usage is recorded in the configured
// usage.Tracker, estimated when the model reports none.
//
// Structured phases answer in XML-style tags. While the model streams, only
// the human readable tags reach display_content; the parsed result becomes
// the message content once the response is complete.
package agent
