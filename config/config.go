// Package config loads taskmesh settings from a file, the environment and an
// optional .env file, and turns them into constructor options.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/mcp"
	"github.com/hupe1980/taskmesh/pipeline"
	"github.com/hupe1980/taskmesh/session"
	"github.com/hupe1980/taskmesh/tool"
	"github.com/hupe1980/taskmesh/usage"
)

// EnvPrefix prefixes environment overrides, e.g. TASKMESH_MODEL_PROVIDER.
const EnvPrefix = "TASKMESH"

// File is the decoded configuration.
type File struct {
	Model      ModelConfig      `mapstructure:"model"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Log        LogConfig        `mapstructure:"log"`
	Redis      RedisConfig      `mapstructure:"redis"`

	// Servers are the remote tool servers. ServersFile names a separate
	// server file read with mcp.LoadConfig; its entries are added first.
	Servers     map[string]mcp.ServerConfig `mapstructure:"servers"`
	ServersFile string                      `mapstructure:"servers_file"`

	Prices usage.PriceTable `mapstructure:"prices"`
}

// ModelConfig selects the completion provider.
type ModelConfig struct {
	Provider    string  `mapstructure:"provider"` // openai or anthropic
	Name        string  `mapstructure:"name"`
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int64   `mapstructure:"max_tokens"`
}

// PipelineConfig holds controller limits and the default run flags.
type PipelineConfig struct {
	MaxLoopCount  int           `mapstructure:"max_loop_count"`
	PhaseTimeout  time.Duration `mapstructure:"phase_timeout"`
	PhaseRetries  int           `mapstructure:"phase_retries"`
	WorkspaceRoot string        `mapstructure:"workspace_root"`
	MessageLimit  int           `mapstructure:"message_limit"`
	TickInterval  time.Duration `mapstructure:"tick_interval"`
	EventBuffer   int           `mapstructure:"event_buffer_size"`
	StallTimeout  time.Duration `mapstructure:"stall_timeout"`
	MaxModelCalls int           `mapstructure:"max_model_calls"`

	DeepThinking bool `mapstructure:"deep_thinking"`
	DeepResearch bool `mapstructure:"deep_research"`
	Summary      bool `mapstructure:"summary"`
}

// DispatcherConfig bounds tool execution.
type DispatcherConfig struct {
	MaxParallel     int           `mapstructure:"max_parallel"`
	CallTimeout     time.Duration `mapstructure:"call_timeout"`
	RetryAttempts   int           `mapstructure:"retry_attempts"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay"`
	RetryMultiplier float64       `mapstructure:"retry_multiplier"`
	RetryMaxDelay   time.Duration `mapstructure:"retry_max_delay"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or text
}

// RedisConfig enables the Redis history store when Address is set.
type RedisConfig struct {
	Address  string        `mapstructure:"address"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// Options configures Load.
type Options struct {
	// EnvFile is loaded into the process environment before the overrides are
	// read. A missing file is ignored (default: ".env").
	EnvFile string
	// EnvPrefix prefixes environment overrides (default: EnvPrefix).
	EnvPrefix string
}

// Load reads the configuration file at path (YAML, JSON or TOML, chosen by
// extension) and applies environment overrides. An empty path loads the
// defaults and the environment only.
func Load(path string, optFns ...func(o *Options)) (*File, error) {
	opts := Options{EnvFile: ".env", EnvPrefix: EnvPrefix}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(opts.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var f File
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	servers, err := loadServers(path, &f)
	if err != nil {
		return nil, err
	}
	f.Servers = servers

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func setDefaults(v *viper.Viper) {
	pc := pipeline.DefaultConfig()
	dc := tool.DefaultDispatcherConfig()

	v.SetDefault("model.provider", "openai")
	v.SetDefault("model.name", "")
	v.SetDefault("model.api_key", "")
	v.SetDefault("model.base_url", "")
	v.SetDefault("model.temperature", 0.7)
	v.SetDefault("model.max_tokens", 4096)

	v.SetDefault("pipeline.max_loop_count", pc.MaxLoopCount)
	v.SetDefault("pipeline.phase_timeout", pc.PhaseTimeout)
	v.SetDefault("pipeline.phase_retries", pc.PhaseRetries)
	v.SetDefault("pipeline.workspace_root", pc.WorkspaceRoot)
	v.SetDefault("pipeline.message_limit", pc.MessageLimit)
	v.SetDefault("pipeline.tick_interval", pc.TickInterval)
	v.SetDefault("pipeline.event_buffer_size", pc.EventBufferSize)
	v.SetDefault("pipeline.stall_timeout", pc.StallTimeout)
	v.SetDefault("pipeline.max_model_calls", 0)
	v.SetDefault("pipeline.deep_thinking", false)
	v.SetDefault("pipeline.deep_research", false)
	v.SetDefault("pipeline.summary", false)

	v.SetDefault("dispatcher.max_parallel", dc.MaxParallel)
	v.SetDefault("dispatcher.call_timeout", dc.CallTimeout)
	v.SetDefault("dispatcher.retry_attempts", dc.Retry.MaxAttempts)
	v.SetDefault("dispatcher.retry_base_delay", dc.Retry.BaseDelay)
	v.SetDefault("dispatcher.retry_multiplier", dc.Retry.Multiplier)
	v.SetDefault("dispatcher.retry_max_delay", dc.Retry.MaxDelay)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", session.DefaultKeyPrefix)
	v.SetDefault("redis.ttl", 0)

	v.SetDefault("servers_file", "")
}

// loadServers merges the server file with the servers of the main file.
// YAML and JSON files are re-read with mcp.ParseConfig, which keeps the case
// of env and header names and accepts the mcpServers spelling.
func loadServers(path string, f *File) (map[string]mcp.ServerConfig, error) {
	out := map[string]mcp.ServerConfig{}

	if f.ServersFile != "" {
		sf, err := mcp.LoadConfig(f.ServersFile)
		if err != nil {
			return nil, fmt.Errorf("servers file: %w", err)
		}
		for name, s := range sf.Servers {
			out[name] = s
		}
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		cfg, err := mcp.ParseConfig(data)
		if err != nil {
			return nil, err
		}
		for name, s := range cfg.Servers {
			out[name] = s
		}
	default:
		cfg := &mcp.Config{Servers: f.Servers}
		if err := cfg.Normalize(); err != nil {
			return nil, err
		}
		for name, s := range cfg.Servers {
			out[name] = s
		}
	}

	return out, nil
}

// Validate checks the settings that have no usable default.
func (f *File) Validate() error {
	switch f.Model.Provider {
	case ProviderOpenAI, ProviderAnthropic:
	default:
		return &core.ValidationError{Field: "model.provider", Message: fmt.Sprintf("unsupported provider %q", f.Model.Provider)}
	}
	if _, err := ParseLevel(f.Log.Level); err != nil {
		return &core.ValidationError{Field: "log.level", Message: err.Error()}
	}
	if f.Pipeline.MaxLoopCount < 0 {
		return &core.ValidationError{Field: "pipeline.max_loop_count", Message: "must not be negative"}
	}
	if f.Dispatcher.MaxParallel < 0 {
		return &core.ValidationError{Field: "dispatcher.max_parallel", Message: "must not be negative"}
	}
	return nil
}

// PipelineConfig returns the controller limits.
func (f *File) PipelineConfig() pipeline.Config {
	p := f.Pipeline
	return pipeline.Config{
		MaxLoopCount:    p.MaxLoopCount,
		PhaseTimeout:    p.PhaseTimeout,
		PhaseRetries:    p.PhaseRetries,
		WorkspaceRoot:   p.WorkspaceRoot,
		MessageLimit:    p.MessageLimit,
		TickInterval:    p.TickInterval,
		EventBufferSize: p.EventBuffer,
		StallTimeout:    p.StallTimeout,
		MaxModelCalls:   p.MaxModelCalls,
	}
}

// Flags returns the default run flags.
func (f *File) Flags() pipeline.Flags {
	return pipeline.Flags{
		DeepThinking: f.Pipeline.DeepThinking,
		DeepResearch: f.Pipeline.DeepResearch,
		Summary:      f.Pipeline.Summary,
	}
}

// DispatcherConfig returns the tool execution policy.
func (f *File) DispatcherConfig() tool.DispatcherConfig {
	d := f.Dispatcher
	return tool.DispatcherConfig{
		MaxParallel: d.MaxParallel,
		CallTimeout: d.CallTimeout,
		Retry: tool.RetryPolicy{
			MaxAttempts: d.RetryAttempts,
			BaseDelay:   d.RetryBaseDelay,
			Multiplier:  d.RetryMultiplier,
			MaxDelay:    d.RetryMaxDelay,
		},
	}
}

// ServerConfig returns the remote tool servers, or nil when none are set.
func (f *File) ServerConfig() *mcp.Config {
	if len(f.Servers) == 0 {
		return nil
	}
	return &mcp.Config{Servers: f.Servers}
}

// PipelineOptions translates the file into controller options.
func (f *File) PipelineOptions() []func(o *pipeline.Options) {
	opts := []func(o *pipeline.Options){
		pipeline.WithConfig(f.PipelineConfig()),
		pipeline.WithDispatcherConfig(f.DispatcherConfig()),
		func(o *pipeline.Options) { o.DelegateFlags = f.Flags() },
	}
	if cfg := f.ServerConfig(); cfg != nil {
		opts = append(opts, pipeline.WithServers(cfg))
	}
	if len(f.Prices) > 0 {
		opts = append(opts, pipeline.WithPriceTable(f.Prices))
	}
	return opts
}

// Logger builds the structured logger writing to w.
func (f *File) Logger(w io.Writer) *logging.StructuredLogger {
	level, _ := ParseLevel(f.Log.Level)
	cfg := logging.DefaultLoggerConfig()
	cfg.Level = level
	cfg.Format = f.Log.Format
	cfg.Output = w
	cfg.AddSource = false
	cfg.Component = "taskmesh"
	return logging.NewLogger(cfg)
}

// ParseLevel parses a log level name.
func ParseLevel(s string) (logging.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return logging.LogLevelDebug, nil
	case "", "info":
		return logging.LogLevelInfo, nil
	case "warn", "warning":
		return logging.LogLevelWarn, nil
	case "error":
		return logging.LogLevelError, nil
	default:
		return logging.LogLevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}
