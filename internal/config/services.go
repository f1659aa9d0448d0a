package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/huytofu/documentation-helper-agent-sub000/graph/tool"
)

const (
	EnvLLMProvider     = "DOCAGENT_LLM_PROVIDER"
	EnvLLMModel        = "DOCAGENT_LLM_MODEL"
	EnvLLMAPIKey       = "DOCAGENT_LLM_API_KEY"
	EnvSearchEndpoint  = "DOCAGENT_SEARCH_ENDPOINT"
	EnvSearchAPIKey    = "DOCAGENT_SEARCH_API_KEY"
	EnvRetrievalURL    = "DOCAGENT_RETRIEVAL_ENDPOINT"
	EnvRetrievalAPIKey = "DOCAGENT_RETRIEVAL_API_KEY"
)

// Providers accepted by llm.provider.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGoogle    = "google"
)

var providerKeyEnv = map[string]string{
	ProviderOpenAI:    "OPENAI_API_KEY",
	ProviderAnthropic: "ANTHROPIC_API_KEY",
	ProviderGoogle:    "GOOGLE_API_KEY",
}

// DefaultFrameworks are the knowledge-base namespaces detection may pick
// when llm.frameworks is empty.
var DefaultFrameworks = []string{"langchain", "langgraph", "fastapi", "nextjs"}

// LLMConfig selects the chat model behind every LLM collaborator. An empty
// Model uses the provider's default.
type LLMConfig struct {
	Provider   string   `yaml:"provider"`
	Model      string   `yaml:"model"`
	APIKey     string   `yaml:"api_key"`
	Frameworks []string `yaml:"frameworks"`
}

// Finalize applies defaults, environment overrides and validation. Without
// DOCAGENT_LLM_API_KEY the provider's conventional key variable is used.
func (c *LLMConfig) Finalize() error {
	if c.Provider == "" {
		c.Provider = ProviderOpenAI
	}
	if len(c.Frameworks) == 0 {
		c.Frameworks = append([]string(nil), DefaultFrameworks...)
	}

	envString(EnvLLMProvider, &c.Provider)
	envString(EnvLLMModel, &c.Model)
	envString(EnvLLMAPIKey, &c.APIKey)

	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	keyEnv, ok := providerKeyEnv[c.Provider]
	if !ok {
		return fmt.Errorf("unknown provider %q: want openai, anthropic or google", c.Provider)
	}
	if c.APIKey == "" {
		c.APIKey = os.Getenv(keyEnv)
	}
	return nil
}

// Merge overwrites non-zero fields from overlay.
func (c *LLMConfig) Merge(overlay *LLMConfig) {
	if overlay.Provider != "" {
		c.Provider = overlay.Provider
	}
	if overlay.Model != "" {
		c.Model = overlay.Model
	}
	if overlay.APIKey != "" {
		c.APIKey = overlay.APIKey
	}
	if len(overlay.Frameworks) > 0 {
		c.Frameworks = overlay.Frameworks
	}
}

// SearchConfig points web search at a Tavily-compatible API.
type SearchConfig struct {
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"api_key"`
	MaxResults int    `yaml:"max_results"`
}

// Finalize applies defaults, environment overrides and validation.
func (c *SearchConfig) Finalize() error {
	if c.Endpoint == "" {
		c.Endpoint = tool.DefaultSearchEndpoint
	}
	if c.MaxResults == 0 {
		c.MaxResults = 3
	}

	envString(EnvSearchEndpoint, &c.Endpoint)
	envString(EnvSearchAPIKey, &c.APIKey)
	if c.APIKey == "" {
		envString("TAVILY_API_KEY", &c.APIKey)
	}

	if c.MaxResults < 1 {
		return fmt.Errorf("max_results must be at least 1")
	}
	return nil
}

// Merge overwrites non-zero fields from overlay.
func (c *SearchConfig) Merge(overlay *SearchConfig) {
	if overlay.Endpoint != "" {
		c.Endpoint = overlay.Endpoint
	}
	if overlay.APIKey != "" {
		c.APIKey = overlay.APIKey
	}
	if overlay.MaxResults != 0 {
		c.MaxResults = overlay.MaxResults
	}
}

// RetrievalConfig points retrieval at the vector search service. An empty
// Endpoint leaves retrieval unconfigured and every run falls back to web
// search.
type RetrievalConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	TopK     int    `yaml:"top_k"`
}

// Finalize applies defaults, environment overrides and validation.
func (c *RetrievalConfig) Finalize() error {
	if c.TopK == 0 {
		c.TopK = 4
	}

	envString(EnvRetrievalURL, &c.Endpoint)
	envString(EnvRetrievalAPIKey, &c.APIKey)

	if c.TopK < 1 {
		return fmt.Errorf("top_k must be at least 1")
	}
	return nil
}

// Merge overwrites non-zero fields from overlay.
func (c *RetrievalConfig) Merge(overlay *RetrievalConfig) {
	if overlay.Endpoint != "" {
		c.Endpoint = overlay.Endpoint
	}
	if overlay.APIKey != "" {
		c.APIKey = overlay.APIKey
	}
	if overlay.TopK != 0 {
		c.TopK = overlay.TopK
	}
}
