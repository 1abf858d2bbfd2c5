package agent

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/internal/util"
)

// Tags of the planning output.
const (
	TagNextStep        = "next_step_description"
	TagRequiredTools   = "required_tools"
	TagExpectedOutput  = "expected_output"
	TagSuccessCriteria = "success_criteria"
)

// Tags of the observation output.
const (
	TagNeedsMoreInput = "needs_more_input"
	TagFinishPercent  = "finish_percent"
	TagIsCompleted    = "is_completed"
	TagAnalysis       = "analysis"
	TagSuggestions    = "suggestions"
	TagUserQuery      = "user_query"
)

// TagTaskItem wraps one subtask in the decomposition output.
const TagTaskItem = "task_item"

// Content prefixes of the structured phase messages.
const (
	prefixPlanning    = "Planning: "
	prefixObservation = "Observation: "
	prefixDecompose   = "Decompose: "
)

// MaxSubtasks bounds the size of a decomposition.
const MaxSubtasks = 10

// Step is the next unit of work chosen by the planning phase.
type Step struct {
	SubtaskID       string   `json:"subtask_id,omitempty"`
	Description     string   `json:"description"`
	RequiredTools   []string `json:"required_tools"`
	ExpectedOutput  string   `json:"expected_output"`
	SuccessCriteria string   `json:"success_criteria"`
}

// ParseStep extracts a Step from tagged planning output. The description is
// mandatory.
func ParseStep(content string) (*Step, error) {
	desc, ok := util.ExtractTag(content, TagNextStep)
	if !ok || desc == "" {
		return nil, &core.ValidationError{Field: TagNextStep, Message: "planning output has no next step"}
	}

	step := &Step{Description: desc}
	if raw, ok := util.ExtractTag(content, TagRequiredTools); ok {
		step.RequiredTools = util.ParseStringList(util.ExtractJSONFromMarkdown(raw))
	}
	step.ExpectedOutput, _ = util.ExtractTag(content, TagExpectedOutput)
	step.SuccessCriteria, _ = util.ExtractTag(content, TagSuccessCriteria)

	return step, nil
}

// Content renders the step as the planning message content.
func (s *Step) Content() string {
	b, _ := json.Marshal(map[string]any{"next_step": s})
	return prefixPlanning + string(b)
}

// Observation is the progress assessment of the observation phase.
type Observation struct {
	NeedsMoreInput bool     `json:"needs_more_input"`
	FinishPercent  int      `json:"finish_percent"`
	IsCompleted    bool     `json:"is_completed"`
	Analysis       string   `json:"analysis"`
	Suggestions    []string `json:"suggestions"`
	UserQuery      string   `json:"user_query"`
}

// ParseObservation extracts an Observation from tagged output. Missing or
// unreadable fields keep their zero value; output without any known tag is
// rejected.
func ParseObservation(content string) (*Observation, error) {
	obs := &Observation{}
	found := false

	if raw, ok := util.ExtractTag(content, TagNeedsMoreInput); ok {
		found = true
		obs.NeedsMoreInput = parseBool(raw)
	}
	if raw, ok := util.ExtractTag(content, TagIsCompleted); ok {
		found = true
		obs.IsCompleted = parseBool(raw)
	}
	if raw, ok := util.ExtractTag(content, TagFinishPercent); ok {
		found = true
		obs.FinishPercent = parsePercent(raw)
	}
	if raw, ok := util.ExtractTag(content, TagAnalysis); ok {
		found = true
		obs.Analysis = raw
	}
	if raw, ok := util.ExtractTag(content, TagSuggestions); ok {
		found = true
		obs.Suggestions = util.ParseStringList(util.ExtractJSONFromMarkdown(raw))
	}
	if raw, ok := util.ExtractTag(content, TagUserQuery); ok {
		found = true
		obs.UserQuery = strings.Trim(raw, `"'`)
	}

	if !found {
		return nil, &core.ValidationError{Field: "observation", Message: "observation output has no known tags"}
	}
	if obs.IsCompleted && obs.FinishPercent == 0 {
		obs.FinishPercent = 100
	}
	return obs, nil
}

// Content renders the observation as the observation message content.
func (o *Observation) Content() string {
	b, _ := json.Marshal(o)
	return prefixObservation + string(b)
}

// ParsePlan turns <task_item> blocks into a linear plan: every subtask
// depends on its predecessor. At most MaxSubtasks items are kept.
func ParsePlan(content string) (*core.Plan, error) {
	items := util.ExtractAllTags(content, TagTaskItem)
	if len(items) == 0 {
		return nil, &core.ValidationError{Field: TagTaskItem, Message: "decomposition output has no task items"}
	}
	if len(items) > MaxSubtasks {
		items = items[:MaxSubtasks]
	}

	plan := &core.Plan{Subtasks: make([]core.Subtask, 0, len(items))}
	for i, item := range items {
		st := core.Subtask{
			ID:          fmt.Sprintf("task-%d", i+1),
			Description: item,
		}
		if i > 0 {
			st.DependsOn = []string{plan.Subtasks[i-1].ID}
		}
		plan.Subtasks = append(plan.Subtasks, st)
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// planContent renders a plan as the decomposition message content.
func planContent(plan *core.Plan) string {
	descs := make([]map[string]string, 0, plan.Len())
	for _, st := range plan.Subtasks {
		descs = append(descs, map[string]string{"id": st.ID, "description": st.Description})
	}
	b, _ := json.Marshal(descs)
	return prefixDecompose + string(b)
}

func parseBool(raw string) bool {
	b, err := strconv.ParseBool(strings.ToLower(strings.Trim(raw, `"' `)))
	return err == nil && b
}

func parsePercent(raw string) int {
	raw = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(raw), "%"))
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	switch {
	case f < 0:
		return 0
	case f > 100:
		return 100
	default:
		return int(f)
	}
}
