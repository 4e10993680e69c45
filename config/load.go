package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" || s == "null" {
		d.Duration = 0
		return nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		u, err := strconv.Unquote(s)
		if err != nil {
			return err
		}
		return d.parse(u)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("duration must be a string like \"5s\" or int nanoseconds: %w", err)
	}
	d.Duration = time.Duration(n)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	if node.Tag == "!!int" {
		n, err := strconv.ParseInt(node.Value, 10, 64)
		if err != nil {
			return err
		}
		d.Duration = time.Duration(n)
		return nil
	}
	if node.Tag == "!!null" {
		d.Duration = 0
		return nil
	}
	return d.parse(node.Value)
}

func (d *Duration) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		d.Duration = 0
		return nil
	}
	dd, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dd
	return nil
}

func Default() *Config {
	return &Config{
		Env: "development",
		Server: ServerConfig{
			Addr:           ":8080",
			RequestTimeout: Duration{Duration: 60 * time.Second},
		},
		Canvas: CanvasConfig{
			CacheTTL:     Duration{Duration: 5 * time.Minute},
			MaxFileBytes: 256 << 10,
		},
		Assist: AssistConfig{
			StudentLevel:    "undergraduate",
			CallTimeout:     Duration{Duration: 45 * time.Second},
			MaxExcerptChars: 4000,
			MaxContextChars: 12000,
		},
		Backends: BackendsConfig{
			Fast:   BackendConfig{Provider: "groq", Model: "llama-3.1-8b-instant"},
			Search: BackendConfig{Provider: "perplexity", Model: "sonar"},
		},
	}
}

// Load reads path (JSON or YAML by extension) over the defaults, then
// applies environment overrides. An empty path falls back to
// ASSIST_CONFIG_PATH and then to config/config.{yaml,yml,json}.
func Load(path string) (*Config, error) {
	cfg := Default()

	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("ASSIST_CONFIG_PATH"))
	}
	if path == "" {
		for _, name := range []string{"config.yaml", "config.yml", "config.json"} {
			p := filepath.Join("config", name)
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(b, cfg)
		default:
			err = json.Unmarshal(b, cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.Env, "LOG_MODE")
	set(&cfg.Server.Addr, "ASSIST_HTTP_ADDR")
	set(&cfg.Canvas.BaseURL, "CANVAS_BASE_URL")
	set(&cfg.Canvas.AccessToken, "CANVAS_ACCESS_TOKEN")
	set(&cfg.Canvas.RedisAddr, "REDIS_ADDR")

	keys := map[string]string{
		"groq":       "GROQ_API_KEY",
		"openai":     "OPENAI_API_KEY",
		"perplexity": "PERPLEXITY_API_KEY",
		"gemini":     "GEMINI_API_KEY",
	}
	for _, b := range []*BackendConfig{&cfg.Backends.Fast, &cfg.Backends.Search} {
		if b.APIKey != "" {
			continue
		}
		if env, ok := keys[strings.ToLower(strings.TrimSpace(b.Provider))]; ok {
			set(&b.APIKey, env)
		}
	}
}

func (c *Config) normalize() error {
	if c.Env == "" {
		c.Env = "development"
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		c.Server.Addr = ":8080"
	}
	c.Canvas.BaseURL = strings.TrimRight(strings.TrimSpace(c.Canvas.BaseURL), "/")
	if c.Canvas.MaxFileBytes <= 0 {
		c.Canvas.MaxFileBytes = 256 << 10
	}
	if c.Assist.CallTimeout.Duration < 0 || c.Server.RequestTimeout.Duration < 0 {
		return errors.New("timeouts must not be negative")
	}
	for name, b := range map[string]*BackendConfig{"fast": &c.Backends.Fast, "search": &c.Backends.Search} {
		b.Provider = strings.ToLower(strings.TrimSpace(b.Provider))
		switch b.Provider {
		case "", "mock", "groq", "openai", "perplexity", "gemini":
		default:
			return fmt.Errorf("backends.%s: unknown provider %q", name, b.Provider)
		}
		if b.RequestsPerMinute < 0 {
			return fmt.Errorf("backends.%s: requests_per_minute must not be negative", name)
		}
	}
	return nil
}
