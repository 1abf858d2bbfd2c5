package tool

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/internal/util"
	"github.com/hupe1980/taskmesh/logging"
)

// Descriptor is the registry's record of one tool.
type Descriptor struct {
	Name        string
	Description string
	Parameters  map[string]any
	Required    []string
	Origin      Origin
	// Server names the remote tool server for OriginRemote descriptors.
	Server string
	// Cacheable marks idempotent tools whose successful results may be cached.
	Cacheable bool
	// Policy overrides the dispatcher's timeout and retry policy.
	Policy *CallPolicy
	Tool   Tool
}

// CallPolicy bounds the execution of one tool.
type CallPolicy struct {
	// Timeout is the per-attempt limit. Zero leaves the call bounded only by
	// the session context.
	Timeout time.Duration
	Retry   RetryPolicy
}

// RegisterOptions tunes a single registration.
type RegisterOptions struct {
	Origin    Origin
	Server    string
	Cacheable bool
	Policy    *CallPolicy
}

// WithCallPolicy replaces the dispatcher's timeout and retry policy for the
// tool. Tools implementing CallPolicy() get theirs applied automatically.
func WithCallPolicy(p CallPolicy) func(o *RegisterOptions) {
	return func(o *RegisterOptions) { o.Policy = &p }
}

// WithCacheable marks the tool as idempotent so its results can be cached.
func WithCacheable() func(o *RegisterOptions) {
	return func(o *RegisterOptions) { o.Cacheable = true }
}

// WithServer tags the tool as served by the named remote server.
func WithServer(name string) func(o *RegisterOptions) {
	return func(o *RegisterOptions) {
		o.Origin = OriginRemote
		o.Server = name
	}
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	Logger logging.Logger
}

// Registry holds tool descriptors by name. Registration is expected before or
// between sessions; lookups are safe for concurrent use during dispatch.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Descriptor
	disabled map[string]bool
	logger   logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(optFns ...func(o *RegistryOptions)) *Registry {
	opts := RegistryOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Registry{
		tools:    map[string]Descriptor{},
		disabled: map[string]bool{},
		logger:   logging.OrNoOp(opts.Logger),
	}
}

// Register validates the tool's parameter schema and stores its descriptor.
// An existing descriptor of the same name is replaced.
func (r *Registry) Register(t Tool, optFns ...func(o *RegisterOptions)) error {
	if t == nil {
		return &ValidationError{Field: "tool", Message: "tool must not be nil"}
	}
	if t.Name() == "" {
		return &ValidationError{Field: "name", Message: "tool name must not be empty"}
	}

	opts := RegisterOptions{Origin: OriginLocal}
	if o, ok := t.(originator); ok {
		opts.Origin = o.Origin()
	}
	if s, ok := t.(serverTagged); ok {
		opts.Server = s.Server()
	}
	if p, ok := t.(policied); ok {
		policy := p.CallPolicy()
		opts.Policy = &policy
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	params := t.Parameters()
	if err := util.ValidateSchema(params); err != nil {
		return fmt.Errorf("register tool %q: %w", t.Name(), err)
	}
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}

	d := Descriptor{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  params,
		Required:    util.RequiredFields(params),
		Origin:      opts.Origin,
		Server:      opts.Server,
		Cacheable:   opts.Cacheable,
		Policy:      opts.Policy,
		Tool:        t,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if d.Server != "" && r.disabled[d.Server] {
		return &core.RemoteServerUnavailableError{Server: d.Server, Err: fmt.Errorf("server is disabled")}
	}

	_, replaced := r.tools[d.Name]
	r.tools[d.Name] = d

	r.logger.Debug("tool.registry.register", "tool", d.Name, "origin", string(d.Origin), "server", d.Server, "replaced", replaced)

	return nil
}

// MustRegister registers t and panics on error. Intended for static setup.
func (r *Registry) MustRegister(t Tool, optFns ...func(o *RegisterOptions)) {
	if err := r.Register(t, optFns...); err != nil {
		panic(err)
	}
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.tools[name]
	delete(r.tools, name)
	return ok
}

// Get returns the descriptor registered under name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.tools[name]
	return d, ok
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.tools)
}

// Names returns the sorted tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns a copy of all descriptors sorted by name.
func (r *Registry) Snapshot() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.tools))
	for _, d := range r.tools {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Clone returns an independent registry with the same descriptors and
// disabled servers. Sessions use clones so that disabling a server mid-run
// does not leak into other sessions.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nr := &Registry{
		tools:    make(map[string]Descriptor, len(r.tools)),
		disabled: make(map[string]bool, len(r.disabled)),
		logger:   r.logger,
	}
	for k, v := range r.tools {
		nr.tools[k] = v
	}
	for k, v := range r.disabled {
		nr.disabled[k] = v
	}
	return nr
}

// DisableServer removes every tool of the named remote server and refuses
// later registrations from it. It returns the number of tools removed.
func (r *Registry) DisableServer(server string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.disabled[server] = true

	removed := 0
	for name, d := range r.tools {
		if d.Origin == OriginRemote && d.Server == server {
			delete(r.tools, name)
			removed++
		}
	}

	r.logger.Warn("tool.registry.server_disabled", "server", server, "removed", removed)

	return removed
}

// EnableServer lifts a previous DisableServer. Tools must be registered again.
func (r *Registry) EnableServer(server string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.disabled, server)
}

// ServerDisabled reports whether the server has been disabled.
func (r *Registry) ServerDisabled(server string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.disabled[server]
}

// Definitions returns model tool definitions, restricted to the named tools
// when filter is non-empty. Unknown names in filter are ignored.
func (r *Registry) Definitions(filter ...string) []core.ToolDefinition {
	var descs []Descriptor
	if len(filter) == 0 {
		descs = r.Snapshot()
	} else {
		seen := map[string]bool{}
		for _, name := range filter {
			if seen[name] {
				continue
			}
			seen[name] = true
			if d, ok := r.Get(name); ok {
				descs = append(descs, d)
			}
		}
	}

	out := make([]core.ToolDefinition, 0, len(descs))
	for _, d := range descs {
		out = append(out, core.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	return out
}

// ExportedParam is a single parameter in the descriptor export format.
type ExportedParam struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
	Enum        []any  `json:"enum,omitempty"`
}

// ExportedTool is the portable descriptor format
// {name, description, parameters: {param: {type, description, required}}}.
type ExportedTool struct {
	Name        string                   `json:"name"`
	Description string                   `json:"description"`
	Parameters  map[string]ExportedParam `json:"parameters"`
}

// UnmarshalJSON accepts both the export format and a full JSON schema under
// "parameters" (or "inputSchema").
func (e *ExportedTool) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
		InputSchema map[string]any `json:"inputSchema"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	e.Name = raw.Name
	e.Description = raw.Description
	e.Parameters = map[string]ExportedParam{}

	params := raw.Parameters
	if params == nil {
		params = raw.InputSchema
	}
	if params == nil {
		return nil
	}

	if _, isSchema := params["properties"]; isSchema {
		*e = exportFromSchema(e.Name, e.Description, params)
		return nil
	}

	for name, v := range params {
		m, ok := v.(map[string]any)
		if !ok {
			return &ValidationError{Field: name, Value: v, Message: "parameter must be an object"}
		}
		p := ExportedParam{}
		p.Type, _ = m["type"].(string)
		p.Description, _ = m["description"].(string)
		p.Required, _ = m["required"].(bool)
		p.Enum, _ = m["enum"].([]any)
		e.Parameters[name] = p
	}
	return nil
}

// Schema converts the exported parameters back into a JSON schema.
func (e ExportedTool) Schema() map[string]any {
	props := make(map[string]any, len(e.Parameters))
	required := []string{}
	for name, p := range e.Parameters {
		prop := map[string]any{"type": p.Type}
		if p.Type == "" {
			prop["type"] = "string"
		}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		props[name] = prop
		if p.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)

	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Export returns every descriptor in the export format, sorted by name.
func (r *Registry) Export() []ExportedTool {
	snap := r.Snapshot()
	out := make([]ExportedTool, 0, len(snap))
	for _, d := range snap {
		out = append(out, exportFromSchema(d.Name, d.Description, d.Parameters))
	}
	return out
}

func exportFromSchema(name, description string, schema map[string]any) ExportedTool {
	required := map[string]bool{}
	for _, r := range util.RequiredFields(schema) {
		required[r] = true
	}

	e := ExportedTool{Name: name, Description: description, Parameters: map[string]ExportedParam{}}
	for pname, raw := range util.Properties(schema) {
		m, _ := raw.(map[string]any)
		p := ExportedParam{Required: required[pname]}
		p.Type, _ = m["type"].(string)
		p.Description, _ = m["description"].(string)
		p.Enum, _ = m["enum"].([]any)
		e.Parameters[pname] = p
	}
	return e
}
