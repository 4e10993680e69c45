package config

import (
	"time"

	"canvas_study_assistant/llm"
)

type Duration struct {
	Duration time.Duration
}

type ServerConfig struct {
	Addr           string   `json:"addr" yaml:"addr"`
	RequestTimeout Duration `json:"request_timeout" yaml:"request_timeout"`
}

type CanvasConfig struct {
	BaseURL      string   `json:"base_url" yaml:"base_url"`
	AccessToken  string   `json:"access_token,omitempty" yaml:"access_token,omitempty"`
	CacheTTL     Duration `json:"cache_ttl" yaml:"cache_ttl"`
	RedisAddr    string   `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	MaxFileBytes int64    `json:"max_file_bytes" yaml:"max_file_bytes"`
}

type AssistConfig struct {
	StudentLevel    string   `json:"student_level" yaml:"student_level"`
	CallTimeout     Duration `json:"call_timeout" yaml:"call_timeout"`
	MaxExcerptChars int      `json:"max_excerpt_chars" yaml:"max_excerpt_chars"`
	MaxContextChars int      `json:"max_context_chars" yaml:"max_context_chars"`
}

// BackendConfig configures one routing slot.
type BackendConfig struct {
	Provider          string `json:"provider" yaml:"provider"`
	Model             string `json:"model,omitempty" yaml:"model,omitempty"`
	APIKey            string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL           string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	RequestsPerMinute int    `json:"requests_per_minute,omitempty" yaml:"requests_per_minute,omitempty"`
}

type BackendsConfig struct {
	Fast   BackendConfig `json:"fast" yaml:"fast"`
	Search BackendConfig `json:"search" yaml:"search"`
}

type Config struct {
	Env      string         `json:"env" yaml:"env"`
	Server   ServerConfig   `json:"server" yaml:"server"`
	Canvas   CanvasConfig   `json:"canvas" yaml:"canvas"`
	Assist   AssistConfig   `json:"assist" yaml:"assist"`
	Backends BackendsConfig `json:"backends" yaml:"backends"`
}

// Enabled reports whether the backend can serve calls: it needs a provider
// and, unless it is the offline mock, an API key.
func (b BackendConfig) Enabled() bool {
	switch b.Provider {
	case "":
		return false
	case "mock":
		return true
	default:
		return b.APIKey != ""
	}
}

func (b BackendConfig) Settings() llm.Settings {
	return llm.Settings{
		Provider: b.Provider,
		Model:    b.Model,
		APIKey:   b.APIKey,
		BaseURL:  b.BaseURL,
	}
}

// Availability is computed once at startup and handed to the router.
func (c *Config) Availability() llm.Availability {
	return llm.Availability{
		Fast:   c.Backends.Fast.Enabled(),
		Search: c.Backends.Search.Enabled(),
	}
}
