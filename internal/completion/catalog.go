package completion

import (
	"fmt"
	"sort"
	"strings"

	"elucide/internal/completion/core"
)

// Provider names used by the catalog and configuration.
const (
	ProviderBackend   = "backend"
	ProviderOpenAI    = "openai"
	ProviderDeepSeek  = "deepseek"
	ProviderGroq      = "groq"
	ProviderAnthropic = "anthropic"
	ProviderMock      = "mock"
)

// ChatSystemPrompt is the default system prompt for chat turns.
const ChatSystemPrompt = `You are a helpful AI assistant focused on providing clear, accurate, and relevant responses.
You excel at understanding context and maintaining coherent conversations.

## Instructions
- When an image analysis is provided make sure you provide a short response first such as What else would you like to know about this image?`

// ModelConfig describes how a user-facing model name is served.
type ModelConfig struct {
	Name         string  `toml:"name"`
	Provider     string  `toml:"provider"`
	Upstream     string  `toml:"upstream"`
	MaxTokens    int     `toml:"max_tokens"`
	Temperature  float64 `toml:"temperature"`
	SystemPrompt string  `toml:"system_prompt"`
}

// UpstreamModel returns the provider-side model id.
func (m ModelConfig) UpstreamModel() string {
	if m.Upstream != "" {
		return m.Upstream
	}
	return m.Name
}

// Catalog maps model names to their configuration.
type Catalog map[string]ModelConfig

// DefaultCatalog returns the built-in model table.
func DefaultCatalog() Catalog {
	return Catalog{
		"gpt-4o":            {Name: "gpt-4o", Provider: ProviderOpenAI, MaxTokens: 1000, Temperature: 0.7, SystemPrompt: ChatSystemPrompt},
		"gpt-4o-mini":       {Name: "gpt-4o-mini", Provider: ProviderOpenAI, MaxTokens: 500, Temperature: 0.7, SystemPrompt: ChatSystemPrompt},
		"deepseek-reasoner": {Name: "deepseek-reasoner", Provider: ProviderDeepSeek, MaxTokens: 1000, Temperature: 0.7, SystemPrompt: ChatSystemPrompt},
		"llama-3.3-70b":     {Name: "llama-3.3-70b", Provider: ProviderGroq, Upstream: "llama-3.3-70b-versatile", MaxTokens: 1000, Temperature: 0.7, SystemPrompt: ChatSystemPrompt},
		"claude-sonnet-4":   {Name: "claude-sonnet-4", Provider: ProviderAnthropic, Upstream: "claude-sonnet-4-20250514", MaxTokens: 1000, Temperature: 0.7, SystemPrompt: ChatSystemPrompt},
	}
}

// Lookup returns the configuration for name.
func (c Catalog) Lookup(name string) (ModelConfig, error) {
	cfg, ok := c[strings.TrimSpace(name)]
	if !ok {
		return ModelConfig{}, fmt.Errorf("%w: %s", core.ErrUnknownModel, name)
	}
	if cfg.Name == "" {
		cfg.Name = name
	}
	return cfg, nil
}

// Names lists the catalog's model names in sorted order.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// With returns a copy of c with overrides applied on top.
func (c Catalog) With(overrides ...ModelConfig) Catalog {
	out := make(Catalog, len(c)+len(overrides))
	for k, v := range c {
		out[k] = v
	}
	for _, o := range overrides {
		if o.Name == "" {
			continue
		}
		out[o.Name] = o
	}
	return out
}
