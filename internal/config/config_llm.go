package config

// LLMConfig configures the two model adapters: a primary for chat
// turns and a baseline for comparison testing and embeddings.
type LLMConfig struct {
	Primary  LLMProviderConfig `yaml:"primary"`
	Baseline LLMProviderConfig `yaml:"baseline"`
}

// LLMProviderConfig configures a single adapter.
type LLMProviderConfig struct {
	Name      string `yaml:"name"` // "anthropic" or "openai"
	Model     string `yaml:"model"`
	APIKey    string `yaml:"-"` // populated from environment, never serialized
	BaseURL   string `yaml:"base_url,omitempty"`
	MaxTokens int    `yaml:"max_tokens"`
}
