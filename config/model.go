package config

import (
	"context"
	"fmt"

	sdkanthropic "github.com/anthropics/anthropic-sdk-go"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/model"
	"github.com/hupe1980/taskmesh/model/anthropic"
	"github.com/hupe1980/taskmesh/model/openai"
	"github.com/hupe1980/taskmesh/session"
)

// Supported model providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// NewModel builds the completion model of the configured provider. Unset
// fields keep the adapter defaults; API keys fall back to the SDK
// environment variables.
func (f *File) NewModel() (model.Model, error) {
	m := f.Model
	switch m.Provider {
	case ProviderOpenAI:
		return openai.NewModel(func(o *openai.Options) {
			if m.Name != "" {
				o.Model = m.Name
			}
			if m.Temperature > 0 {
				o.Temperature = m.Temperature
			}
			if m.MaxTokens > 0 {
				o.MaxCompletionTokens = m.MaxTokens
			}
			o.APIKey = m.APIKey
			o.BaseURL = m.BaseURL
		}), nil
	case ProviderAnthropic:
		return anthropic.NewModel(func(o *anthropic.Options) {
			if m.Name != "" {
				o.Model = sdkanthropic.Model(m.Name)
			}
			if m.Temperature > 0 {
				o.Temperature = m.Temperature
			}
			if m.MaxTokens > 0 {
				o.MaxTokens = m.MaxTokens
			}
			o.APIKey = m.APIKey
			o.BaseURL = m.BaseURL
		}), nil
	default:
		return nil, &core.ValidationError{Field: "model.provider", Message: fmt.Sprintf("unsupported provider %q", m.Provider)}
	}
}

// HistoryStore connects the Redis history store. It returns nil when no
// Redis address is configured.
func (f *File) HistoryStore(ctx context.Context) (*session.RedisStore, error) {
	if f.Redis.Address == "" {
		return nil, nil
	}
	return session.NewRedisStore(ctx, session.RedisConfig{
		Address:  f.Redis.Address,
		Password: f.Redis.Password,
		DB:       f.Redis.DB,
		Prefix:   f.Redis.Prefix,
		TTL:      f.Redis.TTL,
	})
}
