package util

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

var codeFence = regexp.MustCompile("```(?:json)?\\s*\\n([\\s\\S]*?)\\n\\s*```")

// ExtractJSONFromMarkdown returns the body of the first fenced code block
// when content itself is not valid JSON.
func ExtractJSONFromMarkdown(content string) string {
	trimmed := strings.TrimSpace(content)
	if json.Valid([]byte(trimmed)) {
		return trimmed
	}
	if m := codeFence.FindStringSubmatch(content); m != nil {
		return strings.TrimSpace(m[1])
	}
	return trimmed
}

// ParseJSONObject decodes a JSON object produced by a model. Malformed input
// (trailing commas, single quotes, missing braces) is repaired before giving up.
// The returned bool reports whether a repair was needed.
func ParseJSONObject(raw string) (map[string]any, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, false, nil
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err == nil {
		if out == nil {
			out = map[string]any{}
		}
		return out, false, nil
	}

	repaired, err := jsonrepair.JSONRepair(ExtractJSONFromMarkdown(raw))
	if err != nil {
		return nil, false, fmt.Errorf("invalid JSON arguments: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &out); err != nil {
		return nil, false, fmt.Errorf("invalid JSON arguments after repair: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, true, nil
}

// ParseStringList decodes a list of strings emitted by a model, for example
// `["a", "b"]`. It falls back to JSON repair and finally to comma splitting.
func ParseStringList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err == nil {
		return compact(list)
	}

	if repaired, err := jsonrepair.JSONRepair(raw); err == nil {
		var anyList []any
		if err := json.Unmarshal([]byte(repaired), &anyList); err == nil {
			for _, v := range anyList {
				list = append(list, fmt.Sprint(v))
			}
			return compact(list)
		}
	}

	raw = strings.Trim(raw, "[]")
	for _, part := range strings.Split(raw, ",") {
		list = append(list, strings.Trim(strings.TrimSpace(part), `"'`))
	}
	return compact(list)
}

func compact(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
