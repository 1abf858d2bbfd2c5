package mcp

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// TransportKind selects how a server is reached.
type TransportKind string

const (
	// TransportPipe spawns the server as a child process talking over stdio.
	TransportPipe TransportKind = "pipe"
	// TransportStream connects to a server-sent event stream over HTTP.
	TransportStream TransportKind = "stream"
)

// ServerConfig describes one remote tool server.
type ServerConfig struct {
	Name      string            `yaml:"name,omitempty" json:"name,omitempty"`
	Transport TransportKind     `yaml:"transport,omitempty" json:"transport,omitempty"`
	Command   string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	URL       string            `yaml:"url,omitempty" json:"url,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	// Enabled defaults to true when unset.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	// Disabled is the legacy spelling used by mcpServers files.
	Disabled bool          `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	// Framing selects the stdio write framing: "newline" (default) or
	// "content-length".
	Framing string `yaml:"framing,omitempty" json:"framing,omitempty"`
}

// IsEnabled reports whether the server should be connected.
func (s ServerConfig) IsEnabled() bool {
	if s.Disabled {
		return false
	}
	return s.Enabled == nil || *s.Enabled
}

// Validate checks the transport specific fields.
func (s ServerConfig) Validate() error {
	switch s.Transport {
	case TransportPipe:
		if s.Command == "" {
			return fmt.Errorf("server %q: pipe transport requires a command", s.Name)
		}
	case TransportStream:
		if s.URL == "" {
			return fmt.Errorf("server %q: stream transport requires a url", s.Name)
		}
	default:
		return fmt.Errorf("server %q: unknown transport %q", s.Name, s.Transport)
	}
	switch s.Framing {
	case "", FramingNewline, FramingContentLength:
	default:
		return fmt.Errorf("server %q: unknown framing %q", s.Name, s.Framing)
	}
	return nil
}

// Config maps server names to their configuration.
type Config struct {
	Servers map[string]ServerConfig `yaml:"servers,omitempty" json:"servers,omitempty"`
}

type fileConfig struct {
	Servers    map[string]ServerConfig `yaml:"servers"`
	MCPServers map[string]ServerConfig `yaml:"mcpServers"`
}

// LoadConfig reads a YAML or JSON server configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML or JSON (a YAML subset). Both the "servers" key and
// the "mcpServers" key are accepted. Transports are inferred when omitted.
func ParseConfig(data []byte) (*Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg := &Config{Servers: map[string]ServerConfig{}}
	for name, s := range fc.MCPServers {
		cfg.Servers[name] = s
	}
	for name, s := range fc.Servers {
		cfg.Servers[name] = s
	}

	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalize fills names and inferred transports, then validates every server.
func (c *Config) Normalize() error {
	for name, s := range c.Servers {
		s.Name = name
		if s.Transport == "" {
			if s.URL != "" && s.Command == "" {
				s.Transport = TransportStream
			} else {
				s.Transport = TransportPipe
			}
		}
		if err := s.Validate(); err != nil {
			return err
		}
		c.Servers[name] = s
	}
	return nil
}

// Names returns the server names sorted.
func (c *Config) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.Servers))
	for n := range c.Servers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Enabled returns the enabled servers sorted by name.
func (c *Config) Enabled() []ServerConfig {
	var out []ServerConfig
	for _, n := range c.Names() {
		if s := c.Servers[n]; s.IsEnabled() {
			out = append(out, s)
		}
	}
	return out
}
