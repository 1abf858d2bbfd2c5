package agent

import "github.com/hupe1980/taskmesh/internal/util"

// Default system prefixes per phase.
const (
	analysisPrefix    = "You are a careful analyst. You explain how you understand a task before any work starts."
	decomposePrefix   = "You are a task decomposer. You split complex requests into clear, executable subtasks."
	planningPrefix    = "You are an execution planner. Given the task and the actions completed so far, you decide the next action."
	executorPrefix    = "You are a task execution assistant. You carry out the described subtask, using tools when they help."
	observationPrefix = "You are an AI assistant that reviews how a task is progressing and recommends what happens next."
	summaryPrefix     = "You are a task summarizer. You turn the original task and its execution history into a complete answer."
	directPrefix      = "You are a helpful assistant. Answer the user's question or fulfil their request, using tools when they help."
)

var analysisTemplate = util.MustTemplate(`Analyse the following conversation and explain your reasoning in natural, flowing language.

Conversation:
{{.conversation}}

Available tools:
{{.available_tools}}

Work through it like this:
- What does the user actually need, and which facts in the conversation matter?
- What is the background of the task and which concrete problems must be solved?
- Which information is already known and which still has to be found or verified?
- Which constraints or risks exist, and what is the best strategy?

Finish with a clear summary: the requirements, the concrete steps, the key points to watch and any alternatives.
Write full paragraphs as if explaining your thinking to a colleague. Output the analysis only. Do not question the user.
Never mention raw tool names or internal ids.`)

var decomposeTemplate = util.MustTemplate(`# Task decomposition

## User request
{{.task_description}}

## Rules
1. Split the request into clear, executable subtasks.
2. Every subtask must be atomic.
3. Order the list by priority, then by dependency. A subtask may depend only on subtasks listed before it.
4. Follow the output format exactly.
5. If an analysis precedes this request, keep the subtasks consistent with it.
6. Produce at most {{.max_subtasks}} subtasks. Merge simple subtasks.

## Output format
<task_item>
description of subtask 1
</task_item>
<task_item>
description of subtask 2
</task_item>`)

var planningTemplate = util.MustTemplate(`# Task planning

## Current task
{{.task_description}}

## Completed actions
{{.completed_actions}}
{{if .subtask}}
## Subtask to plan
{{.subtask}}
{{end}}
## Available tools
{{.available_tools}}

## Rules
1. Decide the single next step to execute.
2. The step must be executable and measurable.
3. Take the dependencies between steps into account.
4. Prefer existing tools.
5. State a clear success criterion.
6. Output only the tags below, each tag on its own line. No code fences.
7. Do not mention real tool names in the description.
8. required_tools lists between 1 and 10 tool names that may be needed.

## Output format
<next_step_description>
a clear one-paragraph description of the step
</next_step_description>
<required_tools>
["tool1_name", "tool2_name"]
</required_tools>
<expected_output>
the expected result, one paragraph
</expected_output>
<success_criteria>
how to verify completion, one paragraph
</success_criteria>`)

var executorTemplate = util.MustTemplate(`Completed actions so far:
{{.completed_actions}}

Do the following subtask: {{.next_step}}
The expected output is: {{default "not specified" .expected_output}}

Rules:
1. If no tool is needed, answer directly in markdown.
2. Long documents, plans, reports or code belong in files inside the workspace when a file tool is available.
3. Only read and write files inside the workspace directory.
4. When calling tools, do not add other text. Work on one subtask only.
5. Do not reveal the workspace path, internal ids or tool names in your text.
6. Call {{.complete_tool}} once the subtask is fully done.`)

var observationTemplate = util.MustTemplate(`# Execution review

## Current task
{{.task_description}}

## Completed actions
{{.completed_actions}}

## Instructions
1. Judge whether the work so far satisfies the task.
2. Decide whether the user must provide more information. Avoid interrupting the user; prefer completing the task with what you know.
   - If input is needed, phrase the exact question for the user.
   - If many attempts have failed, ask for more information or explain that the task cannot be completed.
3. Decide whether the task is completed and needs no further attempts.
4. Suggest next steps, if any.
5. Estimate overall completion as a percentage from 0 to 100.

## Special rules
1. If the last step only gathered data, the suggestions must include processing that data, and the task is not complete.
2. Do not mention real tool names in the analysis.
3. Output only the tags below. No code fences.

## Output format
<needs_more_input>
true or false
</needs_more_input>
<finish_percent>
0-100
</finish_percent>
<is_completed>
true or false
</is_completed>
<analysis>
one paragraph of analysis
</analysis>
<suggestions>
["suggestion 1", "suggestion 2"]
</suggestions>
<user_query>
the question for the user when needs_more_input is true, otherwise empty
</user_query>`)

var summaryTemplate = util.MustTemplate(`Using the task and the execution history below, write a clear and complete answer in natural language.
Markdown is allowed.

Task:
{{.task_description}}

Execution history:
{{.completed_actions}}

Your answer should:
1. Answer the original task directly.
2. Be clear and detailed while keeping the key results of the execution.
3. Reference only files that appear in the execution history.
4. Render tables and charts as markdown.
5. Not summarise the process; use it to produce the best possible answer to the task.`)

var directRules = `Rules:
1. If no tool is needed, answer directly.
2. Only read and write files inside the workspace directory.
3. Call tools first, then write the answer.
4. Always end with the most complete and reliable answer you can give. Do not refuse because a step failed.`

var toolSuggestionTemplate = util.MustTemplate(`From the conversation below, pick every tool that could help answer the latest request.

## Available tools
{{.available_tools}}

## Conversation
{{.conversation}}

Output a JSON array of tool names, for example ["tool_a", "tool_b"].
Only use names from the available tools and return at most {{.max_tools}} names.`)
