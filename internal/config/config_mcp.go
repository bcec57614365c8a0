package config

// MCPConfig configures the MCP control surface.
type MCPConfig struct {
	SessionTTL string `yaml:"session_ttl"`
	KeepAlive  string `yaml:"keep_alive"`
}
