package core

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Reserved context keys. Callers cannot set them through Extras.
const (
	KeyCurrentTime   = "current_time"
	KeyWorkspacePath = "workspace_path"
	KeySessionID     = "session_id"
)

var reservedKeys = map[string]bool{
	KeyCurrentTime:   true,
	KeyWorkspacePath: true,
	KeySessionID:     true,
}

// IsReservedKey reports whether key is owned by the pipeline.
func IsReservedKey(key string) bool { return reservedKeys[key] }

// ContextMap is the execution context merged into every phase prompt. The
// reserved fields are filled by the pipeline; Extras carries caller supplied
// fields.
type ContextMap struct {
	CurrentTime   time.Time
	WorkspacePath string
	SessionID     string
	Extras        map[string]any
}

// With returns a copy of c carrying key=value in Extras.
func (c ContextMap) With(key string, value any) (ContextMap, error) {
	if key == "" {
		return c, &ValidationError{Field: "key", Message: "context key must not be empty"}
	}
	if IsReservedKey(key) {
		return c, &ValidationError{Field: key, Message: "context key is reserved"}
	}
	out := c.Clone()
	if out.Extras == nil {
		out.Extras = map[string]any{}
	}
	out.Extras[key] = value
	return out, nil
}

// Clone returns a copy with its own Extras map.
func (c ContextMap) Clone() ContextMap {
	out := c
	if c.Extras != nil {
		out.Extras = make(map[string]any, len(c.Extras))
		for k, v := range c.Extras {
			out.Extras[k] = v
		}
	}
	return out
}

// Merge returns c overlaid with the extras of other. Reserved fields of c are
// kept unless they are unset.
func (c ContextMap) Merge(other ContextMap) ContextMap {
	out := c.Clone()
	if out.CurrentTime.IsZero() {
		out.CurrentTime = other.CurrentTime
	}
	if out.WorkspacePath == "" {
		out.WorkspacePath = other.WorkspacePath
	}
	if out.SessionID == "" {
		out.SessionID = other.SessionID
	}
	for k, v := range other.Extras {
		if IsReservedKey(k) {
			continue
		}
		if out.Extras == nil {
			out.Extras = map[string]any{}
		}
		out.Extras[k] = v
	}
	return out
}

// Map flattens the context into a plain map, reserved keys included.
func (c ContextMap) Map() map[string]any {
	out := make(map[string]any, len(c.Extras)+3)
	for k, v := range c.Extras {
		if !IsReservedKey(k) {
			out[k] = v
		}
	}
	if !c.CurrentTime.IsZero() {
		out[KeyCurrentTime] = c.CurrentTime.Format("2006-01-02 15:04:05")
	}
	if c.WorkspacePath != "" {
		out[KeyWorkspacePath] = c.WorkspacePath
	}
	if c.SessionID != "" {
		out[KeySessionID] = c.SessionID
	}
	return out
}

// Render returns a deterministic "key: value" section. Reserved keys come
// first, extras follow sorted by key. Maps and slices are JSON encoded.
func (c ContextMap) Render() string {
	m := c.Map()
	if len(m) == 0 {
		return ""
	}

	keys := make([]string, 0, len(m))
	for _, k := range []string{KeyCurrentTime, KeyWorkspacePath, KeySessionID} {
		if _, ok := m[k]; ok {
			keys = append(keys, k)
		}
	}
	extras := make([]string, 0, len(m))
	for k := range m {
		if !IsReservedKey(k) {
			extras = append(extras, k)
		}
	}
	sort.Strings(extras)
	keys = append(keys, extras...)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(renderValue(m[k]))
		sb.WriteString("\n")
	}
	return sb.String()
}

func renderValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case map[string]any, []any, []string, map[string]string:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", val)
	}
}
